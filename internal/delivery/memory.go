// ABOUTME: In-memory Queue and ConversationStore used by tests and by the relay without a database
// ABOUTME: Per-conversation lines are slices in enqueue order; all state sits behind one mutex

package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fold-relay/internal/conv"
)

// MemoryQueue is a Queue held in process memory.
type MemoryQueue struct {
	mu       sync.Mutex
	lines    map[conv.Key][]*Job
	byID     map[string]*Job
	failures []Failure
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		lines: make(map[conv.Key][]*Job),
		byID:  make(map[string]*Job),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, jobs []*Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, j := range jobs {
		if j.ID == "" {
			return fmt.Errorf("enqueue: job without ID")
		}
		if _, dup := q.byID[j.ID]; dup {
			return fmt.Errorf("enqueue: duplicate job %s", j.ID)
		}
	}
	for _, j := range jobs {
		c := j.Clone()
		if c.State == "" {
			c.State = StatePending
		}
		q.lines[c.Key] = append(q.lines[c.Key], c)
		q.byID[c.ID] = c
	}
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, now time.Time) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *Job
	for _, line := range q.lines {
		if len(line) == 0 {
			continue
		}
		head := line[0]
		if head.State != StatePending || head.ScheduledAt.After(now) {
			continue
		}
		if best == nil || claimsBefore(head, best) {
			best = head
		}
	}
	if best == nil {
		return nil, ErrNoJob
	}

	best.State = StateInflight
	best.ClaimToken = uuid.New().String()
	best.ClaimedAt = now
	return best.Clone(), nil
}

// claimsBefore orders eligible heads by due time, then age, then key.
func claimsBefore(a, b *Job) bool {
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Key.String() < b.Key.String()
}

// owned returns the stored job if job's claim still owns it. Must be called
// with mu held.
func (q *MemoryQueue) owned(job *Job) (*Job, error) {
	stored, ok := q.byID[job.ID]
	if !ok {
		return nil, ErrClaimLost
	}
	if stored.State != StateInflight || stored.ClaimToken != job.ClaimToken {
		return nil, ErrClaimLost
	}
	return stored, nil
}

func (q *MemoryQueue) Complete(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, err := q.owned(job)
	if err != nil {
		return err
	}
	q.removeLocked(stored)
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, job *Job, nextAt time.Time, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, err := q.owned(job)
	if err != nil {
		return err
	}
	stored.State = StatePending
	stored.Attempt = job.Attempt
	stored.ScheduledAt = nextAt
	stored.LastError = reason
	stored.ClaimToken = ""
	stored.ClaimedAt = time.Time{}
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, job *Job, reason string, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, err := q.owned(job)
	if err != nil {
		return err
	}
	stored.State = StateFailed
	stored.Attempt = job.Attempt
	stored.LastError = reason
	stored.ClaimToken = ""
	stored.ClaimedAt = time.Time{}

	q.failures = append(q.failures, Failure{
		JobID:       stored.ID,
		Key:         stored.Key.String(),
		Sequence:    stored.Chunk.Sequence,
		TotalChunks: stored.Chunk.TotalChunks,
		Content:     stored.Chunk.Content,
		Attempts:    stored.Attempt,
		Error:       reason,
		FailedAt:    now,
	})
	return nil
}

func (q *MemoryQueue) Stalled(_ context.Context, claimedBefore time.Time) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Job
	for _, j := range q.byID {
		if j.State == StateInflight && j.ClaimedAt.Before(claimedBefore) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ClaimedAt.Before(out[k].ClaimedAt) })
	return out, nil
}

func (q *MemoryQueue) Requeue(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.byID[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if stored.State != StateInflight {
		return fmt.Errorf("requeue %s: %w", stored.State, ErrInvalidState)
	}
	stored.State = StatePending
	stored.ClaimToken = ""
	stored.ClaimedAt = time.Time{}
	return nil
}

func (q *MemoryQueue) CancelConversation(_ context.Context, key conv.Key, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var kept []*Job
	dropped := 0
	for _, j := range q.lines[key] {
		if j.State == StateInflight {
			kept = append(kept, j)
			continue
		}
		delete(q.byID, j.ID)
		dropped++
	}
	if len(kept) == 0 {
		delete(q.lines, key)
	} else {
		q.lines[key] = kept
	}

	for i := range q.failures {
		if q.failures[i].Key == key.String() && q.failures[i].Resolution == "" {
			at := now
			q.failures[i].Resolution = ResolveCancelled
			q.failures[i].ResolvedAt = &at
		}
	}
	return dropped, nil
}

func (q *MemoryQueue) Failures(_ context.Context, limit int) ([]Failure, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Failure
	for i := len(q.failures) - 1; i >= 0; i-- {
		if q.failures[i].Resolution != "" {
			continue
		}
		out = append(out, q.failures[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *MemoryQueue) ResolveFailure(_ context.Context, jobID string, action Resolution, now time.Time) error {
	if !action.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidResolution, action)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.byID[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if stored.State != StateFailed {
		return fmt.Errorf("resolve %s job: %w", stored.State, ErrInvalidState)
	}

	switch action {
	case ResolveRetry:
		stored.State = StatePending
		stored.Attempt = 0
		stored.ScheduledAt = now
	case ResolveSkip:
		q.removeLocked(stored)
	}

	for i := range q.failures {
		if q.failures[i].JobID == jobID && q.failures[i].Resolution == "" {
			at := now
			q.failures[i].Resolution = action
			q.failures[i].ResolvedAt = &at
		}
	}
	return nil
}

func (q *MemoryQueue) Jobs(_ context.Context, key conv.Key) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	line := q.lines[key]
	out := make([]*Job, len(line))
	for i, j := range line {
		out[i] = j.Clone()
	}
	return out, nil
}

// removeLocked drops a job from its line. Must be called with mu held.
func (q *MemoryQueue) removeLocked(job *Job) {
	delete(q.byID, job.ID)
	line := q.lines[job.Key]
	for i, j := range line {
		if j.ID == job.ID {
			line = append(line[:i], line[i+1:]...)
			break
		}
	}
	if len(line) == 0 {
		delete(q.lines, job.Key)
	} else {
		q.lines[job.Key] = line
	}
}

// MemoryConversationStore records sent chunks in memory, once per job.
type MemoryConversationStore struct {
	mu     sync.Mutex
	chunks []SentChunk
	seen   map[string]bool
}

// NewMemoryConversationStore creates an empty store.
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{seen: make(map[string]bool)}
}

func (s *MemoryConversationStore) RecordSentChunk(_ context.Context, chunk SentChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen[chunk.JobID] {
		return nil
	}
	s.seen[chunk.JobID] = true
	s.chunks = append(s.chunks, chunk)
	return nil
}

// Sent returns the recorded chunks of key in record order.
func (s *MemoryConversationStore) Sent(key conv.Key) []SentChunk {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []SentChunk
	for _, c := range s.chunks {
		if c.Key == key {
			out = append(out, c)
		}
	}
	return out
}
