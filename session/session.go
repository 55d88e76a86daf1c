package session

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/room4-2/bookingline/messages"
)

const (
	writeBufferSize = 64
	writeTimeout    = 10 * time.Second
	readLimit       = 64 * 1024
	turnTimeout     = 30 * time.Second
)

// ClientSession represents a single websocket caller. Turns are read and run
// one at a time; replies go out through a single writer goroutine.
type ClientSession struct {
	ID           string
	ClientConn   *websocket.Conn
	CreatedAt    time.Time
	lastActivity time.Time

	manager   *Manager
	keepalive time.Duration

	// Use channels for non-blocking writes
	writeChan chan any

	mu        sync.RWMutex
	closed    bool
	CloseChan chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewClientSession wraps an upgraded connection
func NewClientSession(id string, clientConn *websocket.Conn, manager *Manager, keepalive time.Duration) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())

	clientConn.SetReadLimit(readLimit)

	now := time.Now()
	return &ClientSession{
		ID:           id,
		ClientConn:   clientConn,
		CreatedAt:    now,
		lastActivity: now,
		manager:      manager,
		keepalive:    keepalive,
		writeChan:    make(chan any, writeBufferSize),
		CloseChan:    make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start begins the bidirectional message handling
func (cs *ClientSession) Start() {
	go cs.writePump()
	cs.queueMessage(messages.NewStatusMessage(cs.ID, "connected", cs.manager.Greeting()))
	go cs.handleClientMessages()
}

// writePump handles all outgoing messages in a single goroutine
func (cs *ClientSession) writePump() {
	var ping <-chan time.Time
	if cs.keepalive > 0 {
		ticker := time.NewTicker(cs.keepalive)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer func() {
		// Send close message before exiting
		_ = cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = cs.ClientConn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
	}()

	for {
		select {
		case <-cs.CloseChan:
			cs.drain()
			return
		case <-ping:
			_ = cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cs.ClientConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case msg := <-cs.writeChan:
			if err := cs.write(msg); err != nil {
				return
			}
		}
	}
}

// drain flushes whatever was queued before the session closed.
func (cs *ClientSession) drain() {
	for {
		select {
		case msg := <-cs.writeChan:
			if err := cs.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (cs *ClientSession) write(msg any) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("session_id", cs.ID).Msg("session: failed to encode message")
		return nil
	}
	_ = cs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return cs.ClientConn.WriteMessage(websocket.TextMessage, data)
}

// queueMessage adds a message to the write queue (non-blocking)
func (cs *ClientSession) queueMessage(msg any) {
	if cs.IsClosed() {
		return
	}
	select {
	case cs.writeChan <- msg:
		cs.touch()
	default:
		log.Warn().Str("session_id", cs.ID).Msg("session: write queue full, dropping message")
	}
}

func (cs *ClientSession) touch() {
	cs.mu.Lock()
	cs.lastActivity = time.Now()
	cs.mu.Unlock()
}

// LastActive reports when the client last sent or received a message.
func (cs *ClientSession) LastActive() time.Time {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.lastActivity
}

// Close terminates the session and cleans up resources
func (cs *ClientSession) Close() error {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil
	}
	cs.closed = true
	cs.mu.Unlock()

	cs.cancel()

	// Signal close (for other goroutines waiting on this)
	close(cs.CloseChan)

	if cs.ClientConn != nil {
		// Give writePump a moment to send the close frame
		go func() {
			time.Sleep(100 * time.Millisecond)
			cs.ClientConn.Close()
		}()
	}

	return nil
}

// IsClosed returns whether the session is closed
func (cs *ClientSession) IsClosed() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.closed
}

func (cs *ClientSession) handleClientMessages() {
	defer cs.Close()

	for {
		select {
		case <-cs.CloseChan:
			return
		default:
			messageType, message, err := cs.ClientConn.ReadMessage()
			if err != nil {
				if !cs.IsClosed() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("session_id", cs.ID).Msg("session: websocket read error")
				}
				return
			}
			cs.touch()

			if messageType != websocket.TextMessage {
				cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Only text messages are supported"))
				continue
			}

			var clientMsg messages.ClientMessage
			if err := sonic.Unmarshal(message, &clientMsg); err != nil {
				cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Invalid message format"))
				continue
			}

			if !cs.processClientMessage(&clientMsg) {
				return
			}
		}
	}
}

// processClientMessage handles one message and reports whether to keep reading.
func (cs *ClientSession) processClientMessage(msg *messages.ClientMessage) bool {
	switch msg.Type {
	case messages.TypeTurn:
		var payload messages.TurnPayload
		if err := sonic.Unmarshal(msg.Payload, &payload); err != nil {
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Invalid turn payload"))
			return true
		}
		cs.handleTurn(payload.Utterance)

	case "control":
		var payload messages.ControlPayload
		if err := sonic.Unmarshal(msg.Payload, &payload); err != nil {
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Invalid control payload"))
			return true
		}
		switch payload.Action {
		case "ping":
			cs.queueMessage(messages.NewStatusMessage(cs.ID, "pong", ""))
		case "end":
			cs.queueMessage(messages.NewStatusMessage(cs.ID, "disconnected", ""))
			return false
		default:
			cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Unknown control action: "+payload.Action))
		}

	default:
		cs.queueMessage(messages.NewErrorMessage(cs.ID, messages.ErrCodeInvalidMessage, "Unknown message type: "+msg.Type))
	}
	return true
}

func (cs *ClientSession) handleTurn(utterance string) {
	ctx, cancel := context.WithTimeout(cs.ctx, turnTimeout)
	defer cancel()

	res, err := cs.manager.HandleTurn(ctx, cs.ID, utterance)
	if err != nil {
		if cs.IsClosed() {
			return
		}
		cs.queueMessage(messages.NewErrorMessage(cs.ID, ErrorCode(err), err.Error()))
		return
	}
	cs.queueMessage(messages.NewTurnMessage(cs.ID, NewTurnResponse(res)))
}
