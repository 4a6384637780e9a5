// ABOUTME: Worker pool that claims due jobs, sends them and applies retry or terminal failure
// ABOUTME: A stall monitor reports jobs left in flight too long and can requeue them

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/fold-relay/internal/clock"
	"github.com/2389/fold-relay/internal/events"
)

const (
	DefaultConcurrency    = 5
	DefaultStallThreshold = 30 * time.Second

	defaultPollInterval = 250 * time.Millisecond
	defaultSendTimeout  = 30 * time.Second
	recordTimeout       = 10 * time.Second
)

// WorkerConfig holds the pool's tunables. Zero values take the defaults.
type WorkerConfig struct {
	Concurrency        int
	StallThreshold     time.Duration
	// AutoRequeueStalled returns stalled jobs to pending. A stalled send may
	// still be running, so a requeued chunk can be dispatched a second time
	// while the first attempt is in flight and the user may see it twice.
	// Leave it off to keep a stalled job in place for an operator, who takes
	// the same risk with POST /api/jobs/{id}/requeue.
	AutoRequeueStalled bool
	PollInterval       time.Duration
	SendTimeout        time.Duration
	// StallCheckInterval defaults to half the stall threshold.
	StallCheckInterval time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = DefaultStallThreshold
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.StallCheckInterval <= 0 {
		c.StallCheckInterval = c.StallThreshold / 2
	}
	return c
}

// Worker consumes the queue. The queue's claim rules keep a conversation's
// jobs strictly sequential; the pool only bounds how many conversations make
// progress at once.
type Worker struct {
	queue  Queue
	sender Sender
	store  ConversationStore
	events events.Publisher
	clock  clock.Clock
	cfg    WorkerConfig
	logger *slog.Logger

	wake    chan struct{}
	records sync.WaitGroup

	stallMu  sync.Mutex
	reported map[string]string // job ID -> claim token already reported
}

// NewWorker creates a worker pool. store may be nil when sent chunks are not
// persisted.
func NewWorker(queue Queue, sender Sender, store ConversationStore, pub events.Publisher, clk clock.Clock, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if pub == nil {
		pub = events.Nop{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Worker{
		queue:    queue,
		sender:   sender,
		store:    store,
		events:   pub,
		clock:    clk,
		cfg:      cfg,
		logger:   logger.With("component", "worker"),
		wake:     make(chan struct{}, cfg.Concurrency),
		reported: make(map[string]string),
	}
}

// Notify wakes idle workers, typically after a batch was enqueued.
func (w *Worker) Notify() {
	for i := 0; i < cap(w.wake); i++ {
		select {
		case w.wake <- struct{}{}:
		default:
			return
		}
	}
}

// Run starts the pool and the stall monitor and blocks until ctx is done.
// It waits for in-flight sends and pending sent-chunk records to finish.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("delivery workers starting",
		"concurrency", w.cfg.Concurrency,
		"stall_threshold", w.cfg.StallThreshold)

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		w.monitor(ctx)
	}()

	wg.Wait()
	w.records.Wait()
	w.logger.Info("delivery workers stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context, id int) {
	logger := w.logger.With("worker_id", id)
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := w.ProcessOne(ctx)
		if err != nil {
			logger.Error("processing job", "error", err)
		}
		if processed {
			continue
		}

		timer := time.NewTimer(w.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (w *Worker) monitor(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.StallCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.CheckStalled(ctx); err != nil {
				w.logger.Error("checking stalled jobs", "error", err)
			}
		}
	}
}

// ProcessOne claims and delivers a single job. It reports whether a job was
// claimed.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.queue.Claim(ctx, w.clock.Now())
	if errors.Is(err, ErrNoJob) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return true, w.deliver(ctx, job)
}

func (w *Worker) deliver(ctx context.Context, job *Job) error {
	logger := w.logger.With(
		"conversation_key", job.Key.String(),
		"job_id", job.ID,
		"sequence", job.Chunk.Sequence,
		"total_chunks", job.Chunk.TotalChunks)

	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	messageID, sendErr := w.sender.Send(sendCtx, job.Key, job.Chunk.Content)
	cancel()

	// Queue updates must land even when shutdown cancelled the send.
	qctx := context.WithoutCancel(ctx)
	now := w.clock.Now()

	if sendErr == nil {
		if err := w.queue.Complete(qctx, job); err != nil {
			if !errors.Is(err, ErrClaimLost) {
				return fmt.Errorf("complete job %s: %w", job.ID, err)
			}
			logger.Warn("claim lost after successful send, chunk may repeat")
		}
		w.record(job, messageID, now)

		ev := w.jobEvent(events.TypeChunkSent, job, now)
		w.events.Publish(ev)
		logger.Debug("chunk sent", "message_id", messageID)
		return nil
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the send; hand the job back without burning
		// an attempt.
		if err := w.queue.Retry(qctx, job, now, "interrupted by shutdown"); err != nil && !errors.Is(err, ErrClaimLost) {
			return fmt.Errorf("release job %s: %w", job.ID, err)
		}
		return nil
	}

	job.Attempt++
	job.LastError = sendErr.Error()

	if job.Attempt < job.MaxAttempts {
		delay := RetryDelay(job.BackoffKind, job.Backoff, job.Attempt)
		if err := w.queue.Retry(qctx, job, now.Add(delay), sendErr.Error()); err != nil {
			return w.claimError("retry", job, err, logger)
		}
		ev := w.jobEvent(events.TypeDeliveryRetry, job, now)
		ev.Error = sendErr.Error()
		w.events.Publish(ev)
		logger.Info("send failed, retrying", "attempt", job.Attempt, "delay", delay, "error", sendErr)
		return nil
	}

	if err := w.queue.Fail(qctx, job, sendErr.Error(), now); err != nil {
		return w.claimError("fail", job, err, logger)
	}
	ev := w.jobEvent(events.TypeDeliveryFailure, job, now)
	ev.Error = sendErr.Error()
	w.events.Publish(ev)
	logger.Error("delivery failed, conversation blocked", "attempts", job.Attempt, "error", sendErr)
	return nil
}

func (w *Worker) claimError(op string, job *Job, err error, logger *slog.Logger) error {
	if errors.Is(err, ErrClaimLost) {
		logger.Warn("claim lost before "+op, "attempt", job.Attempt)
		return nil
	}
	return fmt.Errorf("%s job %s: %w", op, job.ID, err)
}

// record persists the sent chunk without holding up the worker. Failures
// are logged only.
func (w *Worker) record(job *Job, messageID string, sentAt time.Time) {
	if w.store == nil {
		return
	}
	chunk := SentChunk{
		JobID:       job.ID,
		BatchID:     job.BatchID,
		Key:         job.Key,
		Sequence:    job.Chunk.Sequence,
		TotalChunks: job.Chunk.TotalChunks,
		Content:     job.Chunk.Content,
		MessageID:   messageID,
		SentAt:      sentAt,
	}

	w.records.Add(1)
	go func() {
		defer w.records.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := w.store.RecordSentChunk(ctx, chunk); err != nil {
			w.logger.Error("recording sent chunk",
				"conversation_key", chunk.Key.String(),
				"job_id", chunk.JobID,
				"error", err)
		}
	}()
}

// WaitRecords blocks until pending sent-chunk records are written.
func (w *Worker) WaitRecords() {
	w.records.Wait()
}

// CheckStalled reports jobs in flight longer than the stall threshold, once
// per claim, and requeues them when configured to.
func (w *Worker) CheckStalled(ctx context.Context) ([]*Job, error) {
	now := w.clock.Now()
	stalled, err := w.queue.Stalled(ctx, now.Add(-w.cfg.StallThreshold))
	if err != nil {
		return nil, fmt.Errorf("list stalled jobs: %w", err)
	}

	w.stallMu.Lock()
	live := make(map[string]bool, len(stalled))
	var fresh []*Job
	for _, job := range stalled {
		live[job.ID] = true
		if w.reported[job.ID] == job.ClaimToken {
			continue
		}
		w.reported[job.ID] = job.ClaimToken
		fresh = append(fresh, job)
	}
	for id := range w.reported {
		if !live[id] {
			delete(w.reported, id)
		}
	}
	w.stallMu.Unlock()

	for _, job := range fresh {
		ev := w.jobEvent(events.TypeStallDetected, job, now)
		w.events.Publish(ev)

		if !w.cfg.AutoRequeueStalled {
			continue
		}
		if err := w.queue.Requeue(ctx, job.ID); err != nil {
			if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrInvalidState) {
				continue
			}
			return stalled, fmt.Errorf("requeue stalled job %s: %w", job.ID, err)
		}
		w.logger.Warn("requeued stalled job", "conversation_key", job.Key.String(), "job_id", job.ID)
		w.Notify()
	}
	return stalled, nil
}

func (w *Worker) jobEvent(typ events.Type, job *Job, at time.Time) events.Event {
	ev := events.New(typ, job.Key, at)
	ev.JobID = job.ID
	ev.Sequence = job.Chunk.Sequence
	ev.TotalChunks = job.Chunk.TotalChunks
	ev.Attempt = job.Attempt
	return ev
}
