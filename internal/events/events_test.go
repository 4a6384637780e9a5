// ABOUTME: Tests for the pipeline event broadcaster
// ABOUTME: Validates fan-out, slow subscriber drops, context cleanup and close

package events

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fold-relay/internal/conv"
)

var testKey = conv.Key{TenantID: "acme", ConversationID: "chat-1"}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := context.Background()
	ch1, _ := b.Subscribe(ctx)
	ch2, _ := b.Subscribe(ctx)

	ev := New(TypeChunkSent, testKey, time.Now())
	b.Publish(ev)

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, ev.ID, got.ID)
			assert.Equal(t, "acme:chat-1", got.Key)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBroadcaster_DropsForSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background())
	for i := 0; i < subscriberBufferSize+10; i++ {
		b.Publish(New(TypeFlushed, testKey, time.Now()))
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_UnsubscribeOnContextCancel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(nil)
	ch, id := b.Subscribe(context.Background())

	b.Close()
	_, ok := <-ch
	assert.False(t, ok)

	// Unsubscribing after close is a no-op.
	b.Unsubscribe(id)

	late, _ := b.Subscribe(context.Background())
	_, ok = <-late
	assert.False(t, ok, "subscriptions after close are closed immediately")
}

type recorder struct{ got []Event }

func (r *recorder) Publish(ev Event) { r.got = append(r.got, ev) }

func TestLogger_LogsAndForwards(t *testing.T) {
	var buf bytes.Buffer
	next := &recorder{}
	l := Logger{Next: next, Logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	ev := New(TypeDeliveryFailure, testKey, time.Now())
	ev.JobID = "job-1"
	ev.Sequence = 2
	ev.Attempt = 3
	ev.Error = "boom"
	l.Publish(ev)

	require.Len(t, next.got, 1)
	assert.Contains(t, buf.String(), "level=ERROR")
	assert.Contains(t, buf.String(), "event_type=delivery_failure")
	assert.Contains(t, buf.String(), "sequence=2")
	assert.Contains(t, buf.String(), "error=boom")
}
