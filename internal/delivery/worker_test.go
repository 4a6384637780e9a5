// ABOUTME: Tests for the delivery worker pool
// ABOUTME: Covers retry, failure blocking successors, operator resolution, stalls, ordering and idempotent recording

package delivery_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fold-relay/internal/clock"
	"github.com/2389/fold-relay/internal/conv"
	"github.com/2389/fold-relay/internal/delivery"
	"github.com/2389/fold-relay/internal/delivery/deliverytest"
	"github.com/2389/fold-relay/internal/events"
	"github.com/2389/fold-relay/internal/splitter"
)

type sendCall struct {
	key     conv.Key
	content string
}

// scriptedSender records every call and fails the ones fail says to.
type scriptedSender struct {
	mu    sync.Mutex
	calls []sendCall
	fail  func(content string, attempt int) error
	tries map[string]int
}

func newScriptedSender(fail func(content string, attempt int) error) *scriptedSender {
	return &scriptedSender{fail: fail, tries: make(map[string]int)}
}

func (s *scriptedSender) Send(_ context.Context, key conv.Key, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sendCall{key: key, content: content})
	s.tries[content]++
	if s.fail != nil {
		if err := s.fail(content, s.tries[content]); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("msg-%d", len(s.calls)), nil
}

func (s *scriptedSender) Contents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.content
	}
	return out
}

type fixture struct {
	clock  *clock.Fake
	queue  *delivery.MemoryQueue
	store  *delivery.MemoryConversationStore
	sender *scriptedSender
	events *eventRecorder
	sched  *delivery.Scheduler
	worker *delivery.Worker
}

func newFixture(t *testing.T, sender *scriptedSender, cfg delivery.WorkerConfig) *fixture {
	t.Helper()
	f := &fixture{
		clock:  clock.NewFake(deliverytest.T0),
		queue:  delivery.NewMemoryQueue(),
		store:  delivery.NewMemoryConversationStore(),
		sender: sender,
		events: newEventRecorder(),
	}
	policy := func(conv.Key) delivery.Policy {
		p := delivery.DefaultPolicy()
		p.Split = splitter.Config{Enabled: true, MaxCharsPerChunk: 8, Strategy: splitter.StrategySmart}
		return p
	}
	f.sched = delivery.NewScheduler(f.queue, policy, f.events, f.clock, nil)
	f.worker = delivery.NewWorker(f.queue, sender, f.store, f.events, f.clock, cfg, nil)
	return f
}

// run drives the worker on the fake clock in one-second steps.
func (f *fixture) run(t *testing.T, d time.Duration) {
	t.Helper()
	ctx := context.Background()
	for elapsed := time.Duration(0); elapsed <= d; elapsed += time.Second {
		for {
			processed, err := f.worker.ProcessOne(ctx)
			require.NoError(t, err)
			if !processed {
				break
			}
		}
		f.clock.Advance(time.Second)
	}
	f.worker.WaitRecords()
}

const fiveChunks = "chunk-1 chunk-2 chunk-3 chunk-4 chunk-5"

func TestWorker_DeliversInOrderWithDelays(t *testing.T) {
	f := newFixture(t, newScriptedSender(nil), delivery.WorkerConfig{})

	jobs, err := f.sched.Schedule(context.Background(), testKey, fiveChunks)
	require.NoError(t, err)
	require.Len(t, jobs, 5)

	processed, err := f.worker.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	processed, err = f.worker.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, processed, "chunk 2 is not due until the inter-chunk delay passes")

	f.run(t, 10*time.Second)
	assert.Equal(t, []string{"chunk-1", "chunk-2", "chunk-3", "chunk-4", "chunk-5"}, f.sender.Contents())

	sent := f.store.Sent(testKey)
	require.Len(t, sent, 5)
	for i, c := range sent {
		assert.Equal(t, i+1, c.Sequence)
		assert.NotEmpty(t, c.MessageID)
	}
	assert.Len(t, f.events.OfType(events.TypeChunkSent), 5)
}

func TestWorker_FailureBlocksSuccessors(t *testing.T) {
	sender := newScriptedSender(func(content string, _ int) error {
		if content == "chunk-2" {
			return errors.New("transport rejected message")
		}
		return nil
	})
	f := newFixture(t, sender, delivery.WorkerConfig{})

	_, err := f.sched.Schedule(context.Background(), testKey, fiveChunks)
	require.NoError(t, err)
	f.run(t, time.Minute)

	assert.Equal(t, []string{"chunk-1", "chunk-2", "chunk-2", "chunk-2"}, sender.Contents(),
		"chunks 3 to 5 must never dispatch after chunk 2 exhausts its attempts")

	failures := f.events.OfType(events.TypeDeliveryFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, 2, failures[0].Sequence)
	assert.Equal(t, 3, failures[0].Attempt)
	assert.Equal(t, "acme:room-1", failures[0].Key)
	assert.Contains(t, failures[0].Error, "transport rejected")
	assert.Len(t, f.events.OfType(events.TypeDeliveryRetry), 2)

	dead, err := f.queue.Failures(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].Sequence)
	assert.Equal(t, 3, dead[0].Attempts)

	// An operator skipping the chunk releases the rest in order.
	require.NoError(t, f.queue.ResolveFailure(context.Background(), dead[0].JobID, delivery.ResolveSkip, f.clock.Now()))
	f.run(t, 10*time.Second)
	assert.Equal(t, []string{"chunk-1", "chunk-2", "chunk-2", "chunk-2", "chunk-3", "chunk-4", "chunk-5"}, sender.Contents())
}

func TestWorker_RetryWaitsForBackoff(t *testing.T) {
	sender := newScriptedSender(func(content string, attempt int) error {
		if attempt == 1 {
			return errors.New("flaky")
		}
		return nil
	})
	f := newFixture(t, sender, delivery.WorkerConfig{})

	_, err := f.sched.Schedule(context.Background(), testKey, "hello")
	require.NoError(t, err)

	processed, err := f.worker.ProcessOne(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	jobs, err := f.queue.Jobs(context.Background(), testKey)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempt)
	assert.Equal(t, deliverytest.T0.Add(delivery.DefaultRetryBackoff), jobs[0].ScheduledAt)

	f.clock.Advance(4 * time.Second)
	processed, err = f.worker.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)

	f.clock.Advance(time.Second)
	processed, err = f.worker.ProcessOne(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, []string{"hello", "hello"}, sender.Contents())
}

func TestWorker_RetryRecordsSentChunkOnce(t *testing.T) {
	sender := newScriptedSender(func(content string, attempt int) error {
		if attempt < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	f := newFixture(t, sender, delivery.WorkerConfig{})

	_, err := f.sched.Schedule(context.Background(), testKey, "hello")
	require.NoError(t, err)
	f.run(t, time.Minute)

	assert.Len(t, sender.Contents(), 3)
	sent := f.store.Sent(testKey)
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].Content)
}

type failingStore struct{ calls int }

func (s *failingStore) RecordSentChunk(context.Context, delivery.SentChunk) error {
	s.calls++
	return errors.New("database locked")
}

func TestWorker_StoreFailureDoesNotBlockDelivery(t *testing.T) {
	clk := clock.NewFake(deliverytest.T0)
	q := delivery.NewMemoryQueue()
	store := &failingStore{}
	sender := newScriptedSender(nil)
	w := delivery.NewWorker(q, sender, store, nil, clk, delivery.WorkerConfig{}, nil)
	require.NoError(t, q.Enqueue(context.Background(), deliverytest.Batch(testKey, 2, 0)))

	for i := 0; i < 2; i++ {
		processed, err := w.ProcessOne(context.Background())
		require.NoError(t, err)
		require.True(t, processed)
		w.WaitRecords()
	}
	assert.Equal(t, []string{"chunk 1", "chunk 2"}, sender.Contents())
	assert.Equal(t, 2, store.calls)
}

func TestWorker_ShutdownDuringSendKeepsAttempt(t *testing.T) {
	clk := clock.NewFake(deliverytest.T0)
	q := delivery.NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	sender := delivery.SenderFunc(func(sendCtx context.Context, _ conv.Key, _ string) (string, error) {
		cancel()
		<-sendCtx.Done()
		return "", sendCtx.Err()
	})
	w := delivery.NewWorker(q, sender, nil, nil, clk, delivery.WorkerConfig{}, nil)
	require.NoError(t, q.Enqueue(context.Background(), deliverytest.Batch(testKey, 1, 0)))

	processed, err := w.ProcessOne(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	jobs, err := q.Jobs(context.Background(), testKey)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, delivery.StatePending, jobs[0].State)
	assert.Zero(t, jobs[0].Attempt)
}

func TestWorker_StallDetection(t *testing.T) {
	for _, autoRequeue := range []bool{false, true} {
		t.Run(fmt.Sprintf("auto_requeue=%v", autoRequeue), func(t *testing.T) {
			f := newFixture(t, newScriptedSender(nil), delivery.WorkerConfig{AutoRequeueStalled: autoRequeue})
			ctx := context.Background()
			require.NoError(t, f.queue.Enqueue(ctx, deliverytest.Batch(testKey, 1, 0)))

			// A worker that claimed the job and went silent.
			hung, err := f.queue.Claim(ctx, f.clock.Now())
			require.NoError(t, err)

			f.clock.Advance(29 * time.Second)
			stalled, err := f.worker.CheckStalled(ctx)
			require.NoError(t, err)
			assert.Empty(t, stalled)

			f.clock.Advance(2 * time.Second)
			stalled, err = f.worker.CheckStalled(ctx)
			require.NoError(t, err)
			require.Len(t, stalled, 1)
			assert.Equal(t, hung.ID, stalled[0].ID)

			detected := f.events.OfType(events.TypeStallDetected)
			require.Len(t, detected, 1)
			assert.Equal(t, hung.ID, detected[0].JobID)

			jobs, err := f.queue.Jobs(ctx, testKey)
			require.NoError(t, err)
			require.Len(t, jobs, 1)

			if !autoRequeue {
				assert.Equal(t, delivery.StateInflight, jobs[0].State)
				_, err = f.worker.CheckStalled(ctx)
				require.NoError(t, err)
				assert.Len(t, f.events.OfType(events.TypeStallDetected), 1, "a stall is reported once per claim")
				return
			}

			assert.Equal(t, delivery.StatePending, jobs[0].State)
			processed, err := f.worker.ProcessOne(ctx)
			require.NoError(t, err)
			require.True(t, processed)
			assert.ErrorIs(t, f.queue.Complete(ctx, hung), delivery.ErrClaimLost)
			assert.Equal(t, []string{"chunk 1"}, f.sender.Contents())
		})
	}
}

// orderingSender checks that no conversation ever has two sends in flight and
// records the order chunks arrive in.
type orderingSender struct {
	mu       sync.Mutex
	inflight map[conv.Key]int
	overlap  bool
	got      map[conv.Key][]string
	order    []conv.Key
}

func (s *orderingSender) Send(_ context.Context, key conv.Key, content string) (string, error) {
	s.mu.Lock()
	s.inflight[key]++
	if s.inflight[key] > 1 {
		s.overlap = true
	}
	s.mu.Unlock()

	time.Sleep(3 * time.Millisecond)

	s.mu.Lock()
	s.inflight[key]--
	s.got[key] = append(s.got[key], content)
	s.order = append(s.order, key)
	s.mu.Unlock()
	return "", nil
}

func TestWorker_ConcurrentConversationsStayOrdered(t *testing.T) {
	q := delivery.NewMemoryQueue()
	sender := &orderingSender{inflight: map[conv.Key]int{}, got: map[conv.Key][]string{}}
	policy := func(conv.Key) delivery.Policy {
		p := delivery.DefaultPolicy()
		p.Split = splitter.Config{Enabled: true, MaxCharsPerChunk: 8, Strategy: splitter.StrategySmart}
		p.InterChunkDelay = 5 * time.Millisecond
		return p
	}
	sched := delivery.NewScheduler(q, policy, nil, nil, nil)
	w := delivery.NewWorker(q, sender, nil, nil, nil, delivery.WorkerConfig{Concurrency: 5, PollInterval: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	a := conv.Key{TenantID: "acme", ConversationID: "a"}
	b := conv.Key{TenantID: "acme", ConversationID: "b"}
	_, err := sched.Schedule(ctx, a, fiveChunks)
	require.NoError(t, err)
	_, err = sched.Schedule(ctx, b, fiveChunks)
	require.NoError(t, err)
	w.Notify()

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.order) == 10
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	want := strings.Fields(fiveChunks)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	assert.False(t, sender.overlap, "a conversation had two sends in flight")
	assert.Equal(t, want, sender.got[a])
	assert.Equal(t, want, sender.got[b])
}
