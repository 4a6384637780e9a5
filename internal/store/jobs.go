// ABOUTME: delivery.Queue implementation on the delivery_jobs and delivery_failures tables
// ABOUTME: Claims pick the due head of each conversation's line inside a write transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/fold-relay/internal/conv"
	"github.com/2389/fold-relay/internal/delivery"
)

const jobColumns = `
	id, batch_id, conversation_key, content, sequence, total_chunks, is_last,
	scheduled_at, attempt, max_attempts, backoff_ms, backoff_kind, state,
	claim_token, claimed_at, last_error, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*delivery.Job, error) {
	var (
		job                     delivery.Job
		key, backoffKind, state string
		isLast                  int
		scheduledAt, createdAt  int64
		backoffMs               int64
		claimToken, lastError   sql.NullString
		claimedAt               sql.NullInt64
	)
	err := row.Scan(
		&job.ID,
		&job.BatchID,
		&key,
		&job.Chunk.Content,
		&job.Chunk.Sequence,
		&job.Chunk.TotalChunks,
		&isLast,
		&scheduledAt,
		&job.Attempt,
		&job.MaxAttempts,
		&backoffMs,
		&backoffKind,
		&state,
		&claimToken,
		&claimedAt,
		&lastError,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	job.Key, err = conv.ParseKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing conversation key: %w", err)
	}
	job.Chunk.IsLast = isLast != 0
	job.ScheduledAt = fromMillis(scheduledAt)
	job.Backoff = time.Duration(backoffMs) * time.Millisecond
	job.BackoffKind = delivery.BackoffKind(backoffKind)
	job.State = delivery.State(state)
	job.ClaimToken = claimToken.String
	job.ClaimedAt = nullMillis(claimedAt)
	job.LastError = lastError.String
	job.CreatedAt = fromMillis(createdAt)
	return &job, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Enqueue inserts a batch of jobs in a single transaction.
func (s *SQLiteStore) Enqueue(ctx context.Context, jobs []*delivery.Job) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO delivery_jobs (
			id, batch_id, conversation_key, content, sequence, total_chunks, is_last,
			scheduled_at, attempt, max_attempts, backoff_ms, backoff_kind, state, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, j := range jobs {
		state := j.State
		if state == "" {
			state = delivery.StatePending
		}
		_, err := stmt.ExecContext(ctx,
			j.ID,
			j.BatchID,
			j.Key.String(),
			j.Chunk.Content,
			j.Chunk.Sequence,
			j.Chunk.TotalChunks,
			boolInt(j.Chunk.IsLast),
			toMillis(j.ScheduledAt),
			j.Attempt,
			j.MaxAttempts,
			j.Backoff.Milliseconds(),
			string(j.BackoffKind),
			string(state),
			toMillis(j.CreatedAt),
		)
		if err != nil {
			if isConstraintViolation(err) {
				return fmt.Errorf("inserting job %s: duplicate id", j.ID)
			}
			return fmt.Errorf("inserting job %s: %w", j.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}

	s.logger.Debug("enqueued jobs", "count", len(jobs))
	return nil
}

// Claim marks the earliest-due pending head of any line in flight.
func (s *SQLiteStore) Claim(ctx context.Context, now time.Time) (*delivery.Job, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT`+jobColumns+`
		FROM delivery_jobs j
		WHERE j.state = 'pending'
		  AND j.scheduled_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM delivery_jobs p
			WHERE p.conversation_key = j.conversation_key
			  AND p.position < j.position
		  )
		ORDER BY j.scheduled_at, j.created_at, j.conversation_key
		LIMIT 1
	`, toMillis(now))

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, delivery.ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("selecting job: %w", err)
	}

	token := uuid.New().String()
	res, err := tx.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET state = 'inflight', claim_token = ?, claimed_at = ?
		WHERE id = ? AND state = 'pending'
	`, token, toMillis(now), job.ID)
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, delivery.ErrNoJob
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	job.State = delivery.StateInflight
	job.ClaimToken = token
	job.ClaimedAt = fromMillis(toMillis(now))
	return job, nil
}

// Complete deletes a delivered job if the claim still owns it.
func (s *SQLiteStore) Complete(ctx context.Context, job *delivery.Job) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM delivery_jobs
		WHERE id = ? AND state = 'inflight' AND claim_token = ?
	`, job.ID, job.ClaimToken)
	if err != nil {
		return fmt.Errorf("completing job: %w", err)
	}
	return claimResult(res)
}

// Retry returns a claimed job to pending at nextAt.
func (s *SQLiteStore) Retry(ctx context.Context, job *delivery.Job, nextAt time.Time, reason string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET state = 'pending', attempt = ?, scheduled_at = ?, last_error = ?,
		    claim_token = NULL, claimed_at = NULL
		WHERE id = ? AND state = 'inflight' AND claim_token = ?
	`, job.Attempt, toMillis(nextAt), reason, job.ID, job.ClaimToken)
	if err != nil {
		return fmt.Errorf("retrying job: %w", err)
	}
	return claimResult(res)
}

// Fail marks a claimed job failed and writes its dead record.
func (s *SQLiteStore) Fail(ctx context.Context, job *delivery.Job, reason string, now time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET state = 'failed', attempt = ?, last_error = ?,
		    claim_token = NULL, claimed_at = NULL
		WHERE id = ? AND state = 'inflight' AND claim_token = ?
	`, job.Attempt, reason, job.ID, job.ClaimToken)
	if err != nil {
		return fmt.Errorf("failing job: %w", err)
	}
	if err := claimResult(res); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO delivery_failures (
			job_id, conversation_key, sequence, total_chunks, content, attempts, error, failed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Key.String(), job.Chunk.Sequence, job.Chunk.TotalChunks,
		job.Chunk.Content, job.Attempt, reason, toMillis(now))
	if err != nil {
		return fmt.Errorf("recording failure: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing failure: %w", err)
	}
	return nil
}

func claimResult(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return delivery.ErrClaimLost
	}
	return nil
}

// Stalled lists in-flight jobs claimed before claimedBefore, oldest first.
func (s *SQLiteStore) Stalled(ctx context.Context, claimedBefore time.Time) ([]*delivery.Job, error) {
	return s.queryJobs(ctx, `
		SELECT`+jobColumns+`
		FROM delivery_jobs
		WHERE state = 'inflight' AND claimed_at < ?
		ORDER BY claimed_at
	`, toMillis(claimedBefore))
}

// Requeue returns an in-flight job to pending and revokes its claim.
func (s *SQLiteStore) Requeue(ctx context.Context, jobID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	state, err := s.jobState(ctx, s.db, jobID)
	if err != nil {
		return err
	}
	if state != delivery.StateInflight {
		return fmt.Errorf("requeue %s: %w", state, delivery.ErrInvalidState)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE delivery_jobs
		SET state = 'pending', claim_token = NULL, claimed_at = NULL
		WHERE id = ? AND state = 'inflight'
	`, jobID)
	if err != nil {
		return fmt.Errorf("requeueing job: %w", err)
	}
	s.logger.Info("requeued job", "job_id", jobID)
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) jobState(ctx context.Context, q querier, jobID string) (delivery.State, error) {
	var state string
	err := q.QueryRowContext(ctx, `SELECT state FROM delivery_jobs WHERE id = ?`, jobID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", delivery.ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying job: %w", err)
	}
	return delivery.State(state), nil
}

// CancelConversation drops the key's jobs that are not in flight and
// resolves its open failures as cancelled.
func (s *SQLiteStore) CancelConversation(ctx context.Context, key conv.Key, now time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM delivery_jobs
		WHERE conversation_key = ? AND state != 'inflight'
	`, key.String())
	if err != nil {
		return 0, fmt.Errorf("deleting jobs: %w", err)
	}
	dropped, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE delivery_failures
		SET resolution = ?, resolved_at = ?
		WHERE conversation_key = ? AND resolution IS NULL
	`, string(delivery.ResolveCancelled), toMillis(now), key.String())
	if err != nil {
		return 0, fmt.Errorf("resolving failures: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing cancel: %w", err)
	}
	return int(dropped), nil
}

// Failures lists unresolved dead records, newest first. limit <= 0 means all.
func (s *SQLiteStore) Failures(ctx context.Context, limit int) ([]delivery.Failure, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, conversation_key, sequence, total_chunks, content, attempts, error, failed_at
		FROM delivery_failures
		WHERE resolution IS NULL
		ORDER BY failed_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying failures: %w", err)
	}
	defer rows.Close()

	var failures []delivery.Failure
	for rows.Next() {
		var f delivery.Failure
		var failedAt int64
		if err := rows.Scan(&f.JobID, &f.Key, &f.Sequence, &f.TotalChunks, &f.Content, &f.Attempts, &f.Error, &failedAt); err != nil {
			return nil, fmt.Errorf("scanning failure: %w", err)
		}
		f.FailedAt = fromMillis(failedAt)
		failures = append(failures, f)
	}
	return failures, rows.Err()
}

// ResolveFailure applies an operator decision to a failed job.
func (s *SQLiteStore) ResolveFailure(ctx context.Context, jobID string, action delivery.Resolution, now time.Time) error {
	if !action.Valid() {
		return fmt.Errorf("%w: %q", delivery.ErrInvalidResolution, action)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	state, err := s.jobState(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if state != delivery.StateFailed {
		return fmt.Errorf("resolve %s job: %w", state, delivery.ErrInvalidState)
	}

	switch action {
	case delivery.ResolveRetry:
		_, err = tx.ExecContext(ctx, `
			UPDATE delivery_jobs
			SET state = 'pending', attempt = 0, scheduled_at = ?
			WHERE id = ?
		`, toMillis(now), jobID)
	case delivery.ResolveSkip:
		_, err = tx.ExecContext(ctx, `DELETE FROM delivery_jobs WHERE id = ?`, jobID)
	}
	if err != nil {
		return fmt.Errorf("applying %s: %w", action, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE delivery_failures
		SET resolution = ?, resolved_at = ?
		WHERE job_id = ? AND resolution IS NULL
	`, string(action), toMillis(now), jobID)
	if err != nil {
		return fmt.Errorf("resolving failure record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing resolution: %w", err)
	}

	s.logger.Info("resolved failed job", "job_id", jobID, "resolution", action)
	return nil
}

// Jobs lists the queued jobs of key in line order.
func (s *SQLiteStore) Jobs(ctx context.Context, key conv.Key) ([]*delivery.Job, error) {
	return s.queryJobs(ctx, `
		SELECT`+jobColumns+`
		FROM delivery_jobs
		WHERE conversation_key = ?
		ORDER BY position
	`, key.String())
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*delivery.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*delivery.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

