// Package events publishes booking outcomes for downstream handling
// (confirmation, notify-later, human follow-up).
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const DefaultTopicPrefix = "booking"

type Kind string

const (
	KindCompleted Kind = "completed"
	KindEscalated Kind = "escalated"
)

// Event is the payload published for one outcome.
type Event struct {
	Kind             Kind              `json:"kind"`
	SessionID        string            `json:"session_id"`
	Field            string            `json:"field,omitempty"`
	Attempts         int               `json:"attempts,omitempty"`
	Values           map[string]string `json:"values,omitempty"`
	ServiceAvailable bool              `json:"service_available"`
	TimeAvailable    bool              `json:"time_available"`
	At               time.Time         `json:"at"`
}

// Publisher sends events to "<prefix>.<kind>" topics.
type Publisher struct {
	pub    message.Publisher
	prefix string
}

func NewPublisher(pub message.Publisher, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &Publisher{pub: pub, prefix: prefix}
}

// NewRedisPublisher publishes to Redis streams through the given client.
func NewRedisPublisher(client redis.UniversalClient, prefix string) (*Publisher, error) {
	pub, err := redisstream.NewPublisher(redisstream.PublisherConfig{
		Client:     client,
		Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
	}, NewLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to create redis stream publisher: %w", err)
	}
	return NewPublisher(pub, prefix), nil
}

// Topic returns the topic events of kind k are published to.
func (p *Publisher) Topic(k Kind) string {
	return p.prefix + "." + string(k)
}

func (p *Publisher) Publish(ctx context.Context, e Event) error {
	payload, err := sonic.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", e.Kind, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("session_id", e.SessionID)
	msg.SetContext(ctx)
	if err := p.pub.Publish(p.Topic(e.Kind), msg); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", e.Kind, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.pub.Close()
}
