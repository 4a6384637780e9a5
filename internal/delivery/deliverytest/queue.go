// ABOUTME: Behavioural test suite every delivery.Queue implementation must pass
// ABOUTME: Shared by the in-memory queue and the SQLite store tests

package deliverytest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fold-relay/internal/conv"
	"github.com/2389/fold-relay/internal/delivery"
	"github.com/2389/fold-relay/internal/splitter"
)

// T0 is the reference instant the suite schedules jobs around.
var T0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	keyA = conv.Key{TenantID: "acme", ConversationID: "room-a"}
	keyB = conv.Key{TenantID: "acme", ConversationID: "room-b"}
)

// Batch builds n pending jobs for key, due delay apart starting at T0.
func Batch(key conv.Key, n int, delay time.Duration) []*delivery.Job {
	batchID := fmt.Sprintf("batch-%s-%d", key.ConversationID, n)
	jobs := make([]*delivery.Job, n)
	for i := range jobs {
		seq := i + 1
		jobs[i] = &delivery.Job{
			ID:          fmt.Sprintf("%s-%s-%d", key.TenantID, key.ConversationID, seq),
			BatchID:     batchID,
			Key:         key,
			Chunk:       splitter.Chunk{Content: fmt.Sprintf("chunk %d", seq), Sequence: seq, TotalChunks: n, IsLast: seq == n},
			ScheduledAt: T0.Add(time.Duration(i) * delay),
			MaxAttempts: 3,
			Backoff:     5 * time.Second,
			BackoffKind: delivery.BackoffFixed,
			State:       delivery.StatePending,
			CreatedAt:   T0,
		}
	}
	return jobs
}

// RunQueueTests exercises q's ordering, claim and failure semantics.
// newQueue must return an empty queue.
func RunQueueTests(t *testing.T, newQueue func(t *testing.T) delivery.Queue) {
	ctx := context.Background()

	t.Run("ClaimsHeadOfLineOnly", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, Batch(keyA, 3, 0)))

		first, err := q.Claim(ctx, T0)
		require.NoError(t, err)
		assert.Equal(t, 1, first.Chunk.Sequence)
		assert.Equal(t, delivery.StateInflight, first.State)
		assert.NotEmpty(t, first.ClaimToken)

		_, err = q.Claim(ctx, T0)
		assert.ErrorIs(t, err, delivery.ErrNoJob, "successor must wait for the head")

		require.NoError(t, q.Complete(ctx, first))
		second, err := q.Claim(ctx, T0)
		require.NoError(t, err)
		assert.Equal(t, 2, second.Chunk.Sequence)
	})

	t.Run("RespectsScheduledAt", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, Batch(keyA, 2, 2*time.Second)))

		first, err := q.Claim(ctx, T0)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, first))

		_, err = q.Claim(ctx, T0.Add(time.Second))
		assert.ErrorIs(t, err, delivery.ErrNoJob)

		second, err := q.Claim(ctx, T0.Add(2*time.Second))
		require.NoError(t, err)
		assert.Equal(t, 2, second.Chunk.Sequence)
	})

	t.Run("ConversationsAreIndependent", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, Batch(keyA, 2, 0)))
		require.NoError(t, q.Enqueue(ctx, Batch(keyB, 2, 0)))

		a, err := q.Claim(ctx, T0)
		require.NoError(t, err)
		b, err := q.Claim(ctx, T0)
		require.NoError(t, err)
		assert.NotEqual(t, a.Key, b.Key)
		assert.Equal(t, 1, a.Chunk.Sequence)
		assert.Equal(t, 1, b.Chunk.Sequence)

		_, err = q.Claim(ctx, T0)
		assert.ErrorIs(t, err, delivery.ErrNoJob)
	})

	t.Run("RetryPersistsAttemptAndDelay", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, Batch(keyA, 2, 0)))

		job, err := q.Claim(ctx, T0)
		require.NoError(t, err)
		job.Attempt = 1
		require.NoError(t, q.Retry(ctx, job, T0.Add(5*time.Second), "timeout"))

		_, err = q.Claim(ctx, T0.Add(time.Second))
		assert.ErrorIs(t, err, delivery.ErrNoJob, "retrying head still blocks its successor")

		again, err := q.Claim(ctx, T0.Add(5*time.Second))
		require.NoError(t, err)
		assert.Equal(t, job.ID, again.ID)
		assert.Equal(t, 1, again.Attempt)
		assert.Equal(t, "timeout", again.LastError)
		assert.NotEqual(t, job.ClaimToken, again.ClaimToken)
	})

	t.Run("FailBlocksSuccessorsAndRecordsFailure", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, Batch(keyA, 3, 0)))

		job, err := q.Claim(ctx, T0)
		require.NoError(t, err)
		job.Attempt = 3
		require.NoError(t, q.Fail(ctx, job, "gone", T0))

		_, err = q.Claim(ctx, T0.Add(time.Hour))
		assert.ErrorIs(t, err, delivery.ErrNoJob)

		failures, err := q.Failures(ctx, 10)
		require.NoError(t, err)
		require.Len(t, failures, 1)
		assert.Equal(t, job.ID, failures[0].JobID)
		assert.Equal(t, "acme:room-a", failures[0].Key)
		assert.Equal(t, 1, failures[0].Sequence)
		assert.Equal(t, 3, failures[0].Attempts)
		assert.Equal(t, "gone", failures[0].Error)

		jobs, err := q.Jobs(ctx, keyA)
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.Equal(t, delivery.StateFailed, jobs[0].State)
	})

	t.Run("ResolveSkipReleasesSuccessor", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, Batch(keyA, 2, 0)))

		job, err := q.Claim(ctx, T0)
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, job, "gone", T0))

		require.NoError(t, q.ResolveFailure(ctx, job.ID, delivery.ResolveSkip, T0.Add(time.Minute)))

		next, err := q.Claim(ctx, T0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, next.Chunk.Sequence)

		failures, err := q.Failures(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, failures, "resolved failures are not listed")
	})

	t.Run("ResolveRetryResetsAttempts", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, Batch(keyA, 2, 0)))

		job, err := q.Claim(ctx, T0)
		require.NoError(t, err)
		job.Attempt = 3
		require.NoError(t, q.Fail(ctx, job, "gone", T0))
		require.NoError(t, q.ResolveFailure(ctx, job.ID, delivery.ResolveRetry, T0.Add(time.Minute)))

		again, err := q.Claim(ctx, T0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, job.ID, again.ID)
		assert.Zero(t, again.Attempt)
	})

	t.Run("ResolveErrors", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, Batch(keyA, 1, 0)))

		assert.ErrorIs(t, q.ResolveFailure(ctx, "missing", delivery.ResolveSkip, T0), delivery.ErrJobNotFound)
		assert.ErrorIs(t, q.ResolveFailure(ctx, "acme-room-a-1", delivery.ResolveSkip, T0), delivery.ErrInvalidState)
		assert.ErrorIs(t, q.ResolveFailure(ctx, "acme-room-a-1", "ignore", T0), delivery.ErrInvalidResolution)
	})

	t.Run("StaleClaimIsRejected", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, Batch(keyA, 1, 0)))

		job, err := q.Claim(ctx, T0)
		require.NoError(t, err)

		stalled, err := q.Stalled(ctx, T0.Add(time.Second))
		require.NoError(t, err)
		require.Len(t, stalled, 1)
		assert.Equal(t, job.ID, stalled[0].ID)

		require.NoError(t, q.Requeue(ctx, job.ID))
		assert.ErrorIs(t, q.Complete(ctx, job), delivery.ErrClaimLost)
		assert.ErrorIs(t, q.Requeue(ctx, job.ID), delivery.ErrInvalidState)
		assert.ErrorIs(t, q.Requeue(ctx, "missing"), delivery.ErrJobNotFound)

		again, err := q.Claim(ctx, T0)
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, again))

		stalled, err = q.Stalled(ctx, T0.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, stalled)
	})

	t.Run("CancelConversationKeepsInflight", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, Batch(keyA, 3, 0)))
		require.NoError(t, q.Enqueue(ctx, Batch(keyB, 1, 0)))

		inflight, err := q.Claim(ctx, T0)
		require.NoError(t, err)
		require.Equal(t, keyA, inflight.Key)

		n, err := q.CancelConversation(ctx, keyA, T0)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		jobs, err := q.Jobs(ctx, keyA)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, inflight.ID, jobs[0].ID)

		other, err := q.Jobs(ctx, keyB)
		require.NoError(t, err)
		assert.Len(t, other, 1, "other conversations are untouched")

		require.NoError(t, q.Complete(ctx, inflight))
		jobs, err = q.Jobs(ctx, keyA)
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})

	t.Run("CancelConversationResolvesFailures", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, Batch(keyA, 2, 0)))
		require.NoError(t, q.Enqueue(ctx, Batch(keyB, 1, 0)))

		for i := 0; i < 2; i++ {
			job, err := q.Claim(ctx, T0)
			require.NoError(t, err)
			require.NoError(t, q.Fail(ctx, job, "gone", T0))
		}

		n, err := q.CancelConversation(ctx, keyA, T0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		failures, err := q.Failures(ctx, 0)
		require.NoError(t, err)
		require.Len(t, failures, 1)
		assert.Equal(t, "acme:room-b", failures[0].Key)
	})

	t.Run("EnqueueIsAtomic", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Enqueue(ctx, Batch(keyA, 1, 0)))

		dup := Batch(keyB, 2, 0)
		dup[1].ID = "acme-room-a-1"
		assert.Error(t, q.Enqueue(ctx, dup))

		jobs, err := q.Jobs(ctx, keyB)
		require.NoError(t, err)
		assert.Empty(t, jobs, "a failed batch leaves nothing behind")
	})

	t.Run("ConcurrentClaimsAreExclusive", func(t *testing.T) {
		q := newQueue(t)
		for i := 0; i < 10; i++ {
			key := conv.Key{TenantID: "acme", ConversationID: fmt.Sprintf("room-%d", i)}
			require.NoError(t, q.Enqueue(ctx, Batch(key, 1, 0)))
		}

		var (
			mu      sync.Mutex
			claimed = map[string]int{}
			wg      sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					job, err := q.Claim(ctx, T0)
					if err != nil {
						return
					}
					mu.Lock()
					claimed[job.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, claimed, 10)
		for id, n := range claimed {
			assert.Equal(t, 1, n, "job %s claimed more than once", id)
		}
	})
}
