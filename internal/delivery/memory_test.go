// ABOUTME: Runs the queue behaviour suite against the in-memory queue
// ABOUTME: Also checks the in-memory conversation store records each job once

package delivery_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fold-relay/internal/conv"
	"github.com/2389/fold-relay/internal/delivery"
	"github.com/2389/fold-relay/internal/delivery/deliverytest"
)

func TestMemoryQueue(t *testing.T) {
	deliverytest.RunQueueTests(t, func(*testing.T) delivery.Queue {
		return delivery.NewMemoryQueue()
	})
}

func TestMemoryConversationStore_IdempotentPerJob(t *testing.T) {
	store := delivery.NewMemoryConversationStore()
	key := conv.Key{TenantID: "acme", ConversationID: "room"}
	chunk := delivery.SentChunk{JobID: "job-1", Key: key, Sequence: 1, TotalChunks: 1, Content: "hi"}

	require.NoError(t, store.RecordSentChunk(context.Background(), chunk))
	require.NoError(t, store.RecordSentChunk(context.Background(), chunk))

	sent := store.Sent(key)
	require.Len(t, sent, 1)
	assert.Equal(t, "hi", sent[0].Content)
	assert.Empty(t, store.Sent(conv.Key{TenantID: "acme", ConversationID: "other"}))
}
