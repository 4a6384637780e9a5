// ABOUTME: Delivery job, dead record and sent chunk types plus the queue and collaborator contracts
// ABOUTME: The queue claims at most one job per conversation and only the head of its line

package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/2389/fold-relay/internal/conv"
	"github.com/2389/fold-relay/internal/splitter"
)

var (
	// ErrNoJob is returned by Claim when nothing is eligible.
	ErrNoJob = errors.New("no eligible job")

	// ErrClaimLost is returned when a job is completed, retried or failed
	// with a claim token that no longer owns it.
	ErrClaimLost = errors.New("job claim lost")

	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidState is returned when an operation does not apply to the
	// job's current state.
	ErrInvalidState = errors.New("job in wrong state")

	// ErrInvalidResolution is returned for an unknown failure resolution.
	ErrInvalidResolution = errors.New("invalid resolution")

	// ErrSplit wraps splitter configuration errors surfaced by Schedule.
	ErrSplit = errors.New("split response")
)

// State is a job's position in its lifecycle. Completed and skipped jobs
// leave the queue, so they have no state.
type State string

const (
	StatePending  State = "pending"
	StateInflight State = "inflight"
	StateFailed   State = "failed"
)

// BackoffKind selects how the retry delay grows.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Job is one "send this chunk" unit of work.
type Job struct {
	ID          string
	BatchID     string
	Key         conv.Key
	Chunk       splitter.Chunk
	ScheduledAt time.Time
	Attempt     int
	MaxAttempts int
	Backoff     time.Duration
	BackoffKind BackoffKind
	State       State
	ClaimToken  string
	ClaimedAt   time.Time
	LastError   string
	CreatedAt   time.Time
}

// Clone returns a copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	return &c
}

// Resolution is an operator decision on a failed job.
type Resolution string

const (
	// ResolveRetry puts the job back in line with its attempts reset.
	ResolveRetry Resolution = "retry"
	// ResolveSkip discards the job and releases its successors.
	ResolveSkip Resolution = "skip"
	// ResolveCancelled marks failures whose conversation was closed. It is
	// applied by CancelConversation, not by operators.
	ResolveCancelled Resolution = "cancelled"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	return r == ResolveRetry || r == ResolveSkip
}

// Failure is the dead record written when a job exhausts its attempts.
type Failure struct {
	JobID       string     `json:"job_id"`
	Key         string     `json:"conversation_key"`
	Sequence    int        `json:"sequence"`
	TotalChunks int        `json:"total_chunks"`
	Content     string     `json:"content"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error"`
	FailedAt    time.Time  `json:"failed_at"`
	Resolution  Resolution `json:"resolution,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// SentChunk is the record of a successfully delivered chunk.
type SentChunk struct {
	JobID       string    `json:"job_id"`
	BatchID     string    `json:"batch_id"`
	Key         conv.Key  `json:"-"`
	Sequence    int       `json:"sequence"`
	TotalChunks int       `json:"total_chunks"`
	Content     string    `json:"content"`
	MessageID   string    `json:"message_id,omitempty"`
	SentAt      time.Time `json:"sent_at"`
}

// Queue is the durable job queue shared by the scheduler and the workers.
//
// Jobs of one conversation form a line in enqueue order. Claim only ever
// hands out the head of a line, and only when it is pending and due, so an
// in-flight or failed job blocks everything behind it. Claim is exclusive:
// concurrent callers never receive the same job.
type Queue interface {
	// Enqueue adds jobs atomically: either all become visible or none do.
	Enqueue(ctx context.Context, jobs []*Job) error

	// Claim marks the earliest-due eligible head job in flight and returns
	// it with a fresh claim token. Returns ErrNoJob when nothing is eligible.
	Claim(ctx context.Context, now time.Time) (*Job, error)

	// Complete removes a delivered job.
	Complete(ctx context.Context, job *Job) error

	// Retry returns a job to pending at nextAt, persisting its attempt count.
	Retry(ctx context.Context, job *Job, nextAt time.Time, reason string) error

	// Fail marks a job terminally failed and writes its dead record. The
	// job stays at the head of its line until resolved.
	Fail(ctx context.Context, job *Job, reason string, now time.Time) error

	// Stalled lists in-flight jobs claimed before the given instant.
	Stalled(ctx context.Context, claimedBefore time.Time) ([]*Job, error)

	// Requeue returns an in-flight job to pending, revoking its claim.
	Requeue(ctx context.Context, jobID string) error

	// CancelConversation drops every job of key that is not in flight,
	// resolves the key's open failures as cancelled and returns how many
	// jobs were dropped.
	CancelConversation(ctx context.Context, key conv.Key, now time.Time) (int, error)

	// Failures lists unresolved dead records, newest first.
	Failures(ctx context.Context, limit int) ([]Failure, error)

	// ResolveFailure applies an operator resolution to a failed job.
	ResolveFailure(ctx context.Context, jobID string, action Resolution, now time.Time) error

	// Jobs lists the queued jobs of key in line order.
	Jobs(ctx context.Context, key conv.Key) ([]*Job, error)
}

// Sender delivers one chunk over the chat transport.
type Sender interface {
	Send(ctx context.Context, key conv.Key, content string) (messageID string, err error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, key conv.Key, content string) (string, error)

func (f SenderFunc) Send(ctx context.Context, key conv.Key, content string) (string, error) {
	return f(ctx, key, content)
}

// ConversationStore persists sent chunks. RecordSentChunk must be
// idempotent per JobID.
type ConversationStore interface {
	RecordSentChunk(ctx context.Context, chunk SentChunk) error
}
