// ABOUTME: Scheduler splits a generated response into chunks and enqueues one delayed job per chunk
// ABOUTME: All jobs of a response are submitted in a single batch so the line is complete before any runs

package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fold-relay/internal/clock"
	"github.com/2389/fold-relay/internal/conv"
	"github.com/2389/fold-relay/internal/events"
	"github.com/2389/fold-relay/internal/splitter"
)

const (
	DefaultInterChunkDelay = 2 * time.Second
	DefaultMaxAttempts     = 3
	DefaultRetryBackoff    = 5 * time.Second
)

// Policy is the delivery configuration for one conversation.
type Policy struct {
	Split           splitter.Config
	InterChunkDelay time.Duration
	MaxAttempts     int
	Backoff         time.Duration
	BackoffKind     BackoffKind
}

// DefaultPolicy returns the stock delivery policy.
func DefaultPolicy() Policy {
	return Policy{
		Split:           splitter.DefaultConfig(),
		InterChunkDelay: DefaultInterChunkDelay,
		MaxAttempts:     DefaultMaxAttempts,
		Backoff:         DefaultRetryBackoff,
		BackoffKind:     BackoffFixed,
	}
}

func (p Policy) normalized() Policy {
	if p.InterChunkDelay < 0 {
		p.InterChunkDelay = 0
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	if p.BackoffKind == "" {
		p.BackoffKind = BackoffFixed
	}
	return p
}

// Scheduler turns responses into delivery jobs.
type Scheduler struct {
	queue  Queue
	policy func(conv.Key) Policy
	events events.Publisher
	clock  clock.Clock
	logger *slog.Logger
}

// NewScheduler creates a scheduler. A nil policy func uses DefaultPolicy for
// every conversation.
func NewScheduler(queue Queue, policy func(conv.Key) Policy, pub events.Publisher, clk clock.Clock, logger *slog.Logger) *Scheduler {
	if policy == nil {
		policy = func(conv.Key) Policy { return DefaultPolicy() }
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		queue:  queue,
		policy: policy,
		events: pub,
		clock:  clk,
		logger: logger.With("component", "scheduler"),
	}
}

// Schedule splits text under the conversation's policy and enqueues one job
// per chunk, chunk k due (k-1) inter-chunk delays from now. Split errors are
// returned wrapped in ErrSplit before anything is enqueued. Blank text
// schedules nothing.
func (s *Scheduler) Schedule(ctx context.Context, key conv.Key, text string) ([]*Job, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	policy := s.policy(key).normalized()
	chunks, err := splitter.Split(text, policy.Split)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSplit, err)
	}

	now := s.clock.Now()
	batchID := uuid.New().String()
	jobs := make([]*Job, len(chunks))
	for i, c := range chunks {
		jobs[i] = &Job{
			ID:          uuid.New().String(),
			BatchID:     batchID,
			Key:         key,
			Chunk:       c,
			ScheduledAt: now.Add(time.Duration(c.Sequence-1) * policy.InterChunkDelay),
			MaxAttempts: policy.MaxAttempts,
			Backoff:     policy.Backoff,
			BackoffKind: policy.BackoffKind,
			State:       StatePending,
			CreatedAt:   now,
		}
	}

	if err := s.queue.Enqueue(ctx, jobs); err != nil {
		return nil, fmt.Errorf("enqueue batch: %w", err)
	}

	ev := events.New(events.TypeScheduled, key, now)
	ev.Count = len(jobs)
	ev.TotalChunks = len(jobs)
	s.events.Publish(ev)

	s.logger.Info("response scheduled",
		"conversation_key", key.String(),
		"batch_id", batchID,
		"chunks", len(jobs),
		"strategy", policy.Split.Strategy)

	return jobs, nil
}
