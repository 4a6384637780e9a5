// ABOUTME: Ledger of delivered chunks backing delivery.ConversationStore
// ABOUTME: Recording is idempotent per job so a retried send is never stored twice

package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/2389/fold-relay/internal/conv"
	"github.com/2389/fold-relay/internal/delivery"
)

const (
	defaultSentLimit = 50
	maxSentLimit     = 500
)

// RecordSentChunk stores a delivered chunk. Recording the same job again is
// a no-op.
func (s *SQLiteStore) RecordSentChunk(ctx context.Context, chunk delivery.SentChunk) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sent_chunks (
			job_id, batch_id, conversation_key, sequence, total_chunks, content, message_id, sent_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		chunk.JobID,
		chunk.BatchID,
		chunk.Key.String(),
		chunk.Sequence,
		chunk.TotalChunks,
		chunk.Content,
		sql.NullString{String: chunk.MessageID, Valid: chunk.MessageID != ""},
		toMillis(chunk.SentAt),
	)
	if err != nil {
		return fmt.Errorf("inserting sent chunk: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("sent chunk already recorded", "job_id", chunk.JobID)
		return nil
	}

	s.logger.Debug("recorded sent chunk",
		"conversation_key", chunk.Key.String(),
		"job_id", chunk.JobID,
		"sequence", chunk.Sequence)
	return nil
}

// ListSentChunks returns the most recent sent chunks of key in the order
// they were sent. limit defaults to 50 and is capped at 500.
func (s *SQLiteStore) ListSentChunks(ctx context.Context, key conv.Key, limit int) ([]delivery.SentChunk, error) {
	if limit <= 0 {
		limit = defaultSentLimit
	}
	if limit > maxSentLimit {
		limit = maxSentLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, batch_id, sequence, total_chunks, content, message_id, sent_at
		FROM (
			SELECT * FROM sent_chunks
			WHERE conversation_key = ?
			ORDER BY sent_at DESC, batch_id DESC, sequence DESC
			LIMIT ?
		)
		ORDER BY sent_at, batch_id, sequence
	`, key.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("querying sent chunks: %w", err)
	}
	defer rows.Close()

	var chunks []delivery.SentChunk
	for rows.Next() {
		c := delivery.SentChunk{Key: key}
		var messageID sql.NullString
		var sentAt int64
		if err := rows.Scan(&c.JobID, &c.BatchID, &c.Sequence, &c.TotalChunks, &c.Content, &messageID, &sentAt); err != nil {
			return nil, fmt.Errorf("scanning sent chunk: %w", err)
		}
		c.MessageID = messageID.String
		c.SentAt = fromMillis(sentAt)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
