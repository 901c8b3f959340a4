// Package bus provides the async event bus linking the Slack connection,
// the command dispatcher and the notification sinks.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NoticeKind classifies a connection lifecycle notice.
type NoticeKind string

const (
	NoticeOpened NoticeKind = "opened"
	NoticeClosed NoticeKind = "closed"
	NoticeError  NoticeKind = "error"
)

// Message is an inbound chat message from the realtime connection.
type Message struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
}

// Notice is a connection lifecycle event published to subscribers.
type Notice struct {
	ID       string     `json:"id"`
	Kind     NoticeKind `json:"kind"`
	UserID   string     `json:"user_id,omitempty"`
	UserName string     `json:"user_name,omitempty"`
	Team     string     `json:"team,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	At       time.Time  `json:"at"`
}

// Bus decouples the connection manager from the dispatcher and the UI
// transport. Inbound messages flow on a dedicated lane consumed by exactly
// one dispatcher loop; notices fan out to every subscriber in publication
// order.
type Bus struct {
	inbound chan *Message
	notices chan *Notice
	subs    []func(*Notice)
	mu      sync.RWMutex
}

// New creates a bus with buffered lanes.
func New() *Bus {
	return &Bus{
		inbound: make(chan *Message, 100),
		notices: make(chan *Notice, 100),
	}
}

// PublishMessage queues an inbound chat message for the dispatcher.
func (b *Bus) PublishMessage(msg *Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.inbound <- msg
}

// ConsumeMessage blocks until an inbound message is available or the
// context is cancelled.
func (b *Bus) ConsumeMessage(ctx context.Context) (*Message, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishNotice queues a lifecycle notice. The notice id and timestamp are
// filled in when absent.
func (b *Bus) PublishNotice(n *Notice) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.At.IsZero() {
		n.At = time.Now()
	}
	b.notices <- n
}

// Subscribe registers a callback for every notice. Callbacks are invoked
// from the dispatch goroutine in publication order.
func (b *Bus) Subscribe(callback func(*Notice)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, callback)
}

// DispatchNotices runs the notice fan-out loop. Run as a goroutine.
func (b *Bus) DispatchNotices(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-b.notices:
			b.mu.RLock()
			subs := b.subs
			b.mu.RUnlock()
			for _, cb := range subs {
				cb(n)
			}
		}
	}
}

// InboundSize returns the number of pending inbound messages.
func (b *Bus) InboundSize() int {
	return len(b.inbound)
}
