// ABOUTME: Observable pipeline events and an in-memory fan-out broadcaster
// ABOUTME: Aggregation errors, delivery failures and stalls are published here for operators

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fold-relay/internal/conv"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Type names an event kind.
type Type string

const (
	TypeFlushed            Type = "flushed"
	TypeAggregationError   Type = "aggregation_error"
	TypeScheduled          Type = "scheduled"
	TypeChunkSent          Type = "chunk_sent"
	TypeDeliveryRetry      Type = "delivery_retry"
	TypeDeliveryFailure    Type = "delivery_failure"
	TypeStallDetected      Type = "stall_detected"
	TypeConversationClosed Type = "conversation_closed"
	TypeFailureResolved    Type = "failure_resolved"
)

// Event is a single observable occurrence in the pipeline. Fields that do
// not apply to a type are left zero.
type Event struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	Key         string    `json:"conversation_key"`
	JobID       string    `json:"job_id,omitempty"`
	Sequence    int       `json:"sequence,omitempty"`
	TotalChunks int       `json:"total_chunks,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	Count       int       `json:"count,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// New creates an event for key with a fresh ID.
func New(typ Type, key conv.Key, at time.Time) Event {
	return Event{
		ID:   uuid.New().String(),
		Type: typ,
		Key:  key.String(),
		At:   at,
	}
}

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Publish(ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}

// Broadcaster provides in-memory pub/sub for pipeline events. Every
// subscriber sees every event; slow subscribers drop events rather than
// stalling the pipeline.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan Event),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers a subscriber and returns its channel and ID. The
// subscription is removed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish fans the event out to every subscriber without blocking.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"sub_id", id,
				"event_type", ev.Type,
				"conversation_key", ev.Key)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close closes every subscriber channel. Later subscriptions get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
	b.closed = true
}

// Logger is a Publisher that writes each event to a slog.Logger at a level
// matching its severity, then forwards it.
type Logger struct {
	Next   Publisher
	Logger *slog.Logger
}

// Publish logs ev and forwards it to Next when set.
func (l Logger) Publish(ev Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := []any{
		"event_type", ev.Type,
		"conversation_key", ev.Key,
	}
	if ev.JobID != "" {
		attrs = append(attrs, "job_id", ev.JobID, "sequence", ev.Sequence, "attempt", ev.Attempt)
	}
	if ev.Error != "" {
		attrs = append(attrs, "error", ev.Error)
	}

	switch ev.Type {
	case TypeAggregationError, TypeDeliveryFailure:
		logger.Error("pipeline event", attrs...)
	case TypeStallDetected, TypeDeliveryRetry:
		logger.Warn("pipeline event", attrs...)
	default:
		logger.Debug("pipeline event", attrs...)
	}

	if l.Next != nil {
		l.Next.Publish(ev)
	}
}
