package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/room4-2/bookingline/conversation"
)

const (
	keyPrefix         = "conversation:"
	activeSessionsKey = "active_sessions"

	fieldVersion = "version"
	fieldMeta    = "meta"
	slotPrefix   = "slot:"
)

// RedisStore keeps each conversation in a hash (version, meta, one entry per
// slot) plus a list holding the history in insertion order.
type RedisStore struct {
	client    redis.UniversalClient
	retention time.Duration
}

type RedisOption func(*RedisStore)

// WithRetention sets a TTL on stored conversations. Zero keeps them forever.
func WithRetention(d time.Duration) RedisOption {
	return func(r *RedisStore) {
		r.retention = d
	}
}

func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	r := &RedisStore{client: client}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect opens a Redis client and checks it answers.
func Connect(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrUnavailable, addr, err)
	}
	return client, nil
}

func stateKey(id string) string   { return keyPrefix + id }
func historyKey(id string) string { return keyPrefix + id + ":history" }

func (r *RedisStore) Load(ctx context.Context, sessionID string) (*conversation.State, error) {
	var (
		hashCmd    *redis.MapStringStringCmd
		historyCmd *redis.StringSliceCmd
	)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		hashCmd = pipe.HGetAll(ctx, stateKey(sessionID))
		historyCmd = pipe.LRange(ctx, historyKey(sessionID), 0, -1)
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	hash := hashCmd.Val()
	if len(hash) == 0 {
		return nil, ErrNotFound
	}
	return decodeState(sessionID, hash, historyCmd.Val())
}

func (r *RedisStore) Save(ctx context.Context, s *conversation.State) error {
	version := s.Version + 1
	hash, err := encodeHash(MetaOf(s), slotsOf(s), version)
	if err != nil {
		return err
	}
	history, err := encodeEntries(s.History)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, stateKey(s.SessionID), historyKey(s.SessionID))
		pipe.HSet(ctx, stateKey(s.SessionID), hash)
		if len(history) > 0 {
			pipe.RPush(ctx, historyKey(s.SessionID), history...)
		}
		pipe.SAdd(ctx, activeSessionsKey, s.SessionID)
		r.expire(ctx, pipe, s.SessionID)
		return nil
	})
	if err != nil {
		return unavailable(err)
	}
	s.Version = version
	return nil
}

func (r *RedisStore) Apply(ctx context.Context, d *Delta) (int64, error) {
	key := stateKey(d.SessionID)
	hash, err := encodeHash(d.Meta, d.Slots, d.BaseVersion+1)
	if err != nil {
		return 0, err
	}
	history, err := encodeEntries(d.History)
	if err != nil {
		return 0, err
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, fieldVersion).Int64()
		switch {
		case errors.Is(err, redis.Nil):
			current = 0
		case err != nil:
			return err
		}
		if current != d.BaseVersion {
			return ErrConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hash)
			if len(history) > 0 {
				pipe.RPush(ctx, historyKey(d.SessionID), history...)
			}
			if d.BaseVersion == 0 {
				pipe.SAdd(ctx, activeSessionsKey, d.SessionID)
			}
			r.expire(ctx, pipe, d.SessionID)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return d.BaseVersion + 1, nil
	case errors.Is(err, ErrConflict), errors.Is(err, redis.TxFailedErr):
		return 0, ErrConflict
	default:
		return 0, unavailable(err)
	}
}

// ActiveSessions lists every stored conversation id.
func (r *RedisStore) ActiveSessions(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, activeSessionsKey).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

// Ping reports whether Redis answers.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *RedisStore) expire(ctx context.Context, pipe redis.Pipeliner, id string) {
	if r.retention <= 0 {
		return
	}
	pipe.Expire(ctx, stateKey(id), r.retention)
	pipe.Expire(ctx, historyKey(id), r.retention)
}

// unavailable tags a Redis failure with ErrUnavailable. Context errors are
// the caller's and pass through untouched.
func unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	log.Error().Err(err).Msg("store: redis call failed")
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func slotsOf(s *conversation.State) map[conversation.Field]conversation.Slot {
	out := make(map[conversation.Field]conversation.Slot, len(conversation.Fields))
	for _, f := range conversation.Fields {
		out[f] = *s.Slot(f)
	}
	return out
}

func encodeHash(meta Meta, slots map[conversation.Field]conversation.Slot, version int64) (map[string]any, error) {
	hash := make(map[string]any, len(slots)+2)
	data, err := sonic.MarshalString(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode meta: %w", err)
	}
	hash[fieldMeta] = data
	hash[fieldVersion] = version
	for f, slot := range slots {
		data, err := sonic.MarshalString(slot)
		if err != nil {
			return nil, fmt.Errorf("failed to encode slot %s: %w", f, err)
		}
		hash[slotPrefix+string(f)] = data
	}
	return hash, nil
}

func encodeEntries(entries []conversation.Entry) ([]any, error) {
	out := make([]any, 0, len(entries))
	for _, e := range entries {
		data, err := sonic.MarshalString(e)
		if err != nil {
			return nil, fmt.Errorf("failed to encode history entry: %w", err)
		}
		out = append(out, data)
	}
	return out, nil
}

func decodeState(id string, hash map[string]string, history []string) (*conversation.State, error) {
	s := &conversation.State{SessionID: id, History: make([]conversation.Entry, 0, len(history))}

	version, err := strconv.ParseInt(hash[fieldVersion], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt version for %s: %w", id, err)
	}
	s.Version = version

	var meta Meta
	if err := sonic.UnmarshalString(hash[fieldMeta], &meta); err != nil {
		return nil, fmt.Errorf("corrupt meta for %s: %w", id, err)
	}
	meta.applyTo(s)

	for k, v := range hash {
		if !strings.HasPrefix(k, slotPrefix) {
			continue
		}
		dst := s.Slot(conversation.Field(strings.TrimPrefix(k, slotPrefix)))
		if dst == nil {
			continue
		}
		if err := sonic.UnmarshalString(v, dst); err != nil {
			return nil, fmt.Errorf("corrupt slot %s for %s: %w", k, id, err)
		}
	}

	for _, raw := range history {
		var e conversation.Entry
		if err := sonic.UnmarshalString(raw, &e); err != nil {
			return nil, fmt.Errorf("corrupt history entry for %s: %w", id, err)
		}
		s.History = append(s.History, e)
	}
	return s, nil
}
