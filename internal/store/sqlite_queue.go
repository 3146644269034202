package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openfield/fieldsync/internal/types"
)

// AppendOperation inserts a queue operation unless one with the same
// idempotency key already exists, in which case the existing operation's id
// is returned. The unique index on idempotency_key makes the check-then-insert
// safe even when two enqueues interleave.
func (s *SQLiteStore) AppendOperation(ctx context.Context, op *types.QueueOperation) (string, bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (id, operation, entity_type, entity_id, idempotency_key,
			payload, status, attempts, max_attempts, next_attempt_at, created_at, device_id)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`, op.ID, op.Operation, op.EntityType, op.EntityID, op.IdempotencyKey,
		nullablePayload(op.Payload), op.MaxAttempts,
		formatTime(op.NextAttemptAt), formatTime(op.CreatedAt), op.DeviceID)
	if err != nil {
		return "", false, fmt.Errorf("append operation: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("get rows affected: %w", err)
	}
	if n > 0 {
		return op.ID, true, nil
	}

	// Duplicate logical mutation: hand back the already-queued operation.
	var existingID string
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM sync_queue WHERE idempotency_key = ?
	`, op.IdempotencyKey).Scan(&existingID)
	if err != nil {
		return "", false, fmt.Errorf("lookup existing operation: %w", err)
	}
	return existingID, false, nil
}

const queueColumns = `sequence, id, operation, entity_type, entity_id, idempotency_key,
	payload, status, attempts, max_attempts, last_error, next_attempt_at, created_at, completed_at, device_id`

func scanOperation(scanner interface{ Scan(...any) error }) (*types.QueueOperation, error) {
	var op types.QueueOperation
	var operation, entityType, status string
	var payload sql.NullString
	var nextAttemptAt, createdAt string
	var completedAt sql.NullString

	err := scanner.Scan(
		&op.Sequence, &op.ID, &operation, &entityType, &op.EntityID, &op.IdempotencyKey,
		&payload, &status, &op.Attempts, &op.MaxAttempts, &op.LastError,
		&nextAttemptAt, &createdAt, &completedAt, &op.DeviceID,
	)
	if err != nil {
		return nil, err
	}

	op.Operation = types.QueueOp(operation)
	op.EntityType = types.EntityType(entityType)
	op.Status = types.QueueStatus(status)
	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	op.NextAttemptAt = parseTime(nextAttemptAt)
	op.CreatedAt = parseTime(createdAt)
	op.CompletedAt = parseNullableTime(completedAt)

	return &op, nil
}

// GetOperation retrieves a single queue operation by id.
func (s *SQLiteStore) GetOperation(ctx context.Context, id string) (*types.QueueOperation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan operation: %w", err)
	}
	return op, nil
}

// PendingOperations returns the next batch of due pending operations in FIFO
// sequence order.
func (s *SQLiteStore) PendingOperations(ctx context.Context, limit int, now time.Time) ([]types.QueueOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+`
		FROM sync_queue
		WHERE status = 'pending' AND next_attempt_at <= ?
		ORDER BY sequence ASC
		LIMIT ?
	`, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending operations: %w", err)
	}
	defer rows.Close()

	var ops []types.QueueOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// CompleteOperation marks an operation completed.
func (s *SQLiteStore) CompleteOperation(ctx context.Context, id string) error {
	now := formatTime(time.Now().UTC())
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'completed', completed_at = ? WHERE id = ?
	`, now, id)
	if err != nil {
		return fmt.Errorf("complete operation: %w", err)
	}
	return requireRow(result)
}

// RetryOperation records a retriable failure: attempts are bumped and the
// row stays pending until next_attempt_at.
func (s *SQLiteStore) RetryOperation(ctx context.Context, id string, attempts int, lastError string, nextAttempt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET attempts = ?, last_error = ?, next_attempt_at = ?
		WHERE id = ? AND status = 'pending'
	`, attempts, lastError, formatTime(nextAttempt), id)
	if err != nil {
		return fmt.Errorf("retry operation: %w", err)
	}
	return requireRow(result)
}

// FailOperation marks an operation permanently failed after retries exhaust.
func (s *SQLiteStore) FailOperation(ctx context.Context, id string, attempts int, lastError string) error {
	now := formatTime(time.Now().UTC())
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue
		SET status = 'failed', attempts = ?, last_error = ?, completed_at = ?
		WHERE id = ?
	`, attempts, lastError, now, id)
	if err != nil {
		return fmt.Errorf("fail operation: %w", err)
	}
	return requireRow(result)
}

// PurgeOperations deletes completed and failed rows older than the cutoff.
// Pending rows are never purged. Returns the number of rows removed.
func (s *SQLiteStore) PurgeOperations(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue
		WHERE status IN ('completed', 'failed') AND created_at < ?
	`, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge operations: %w", err)
	}
	return result.RowsAffected()
}

// OperationMetrics returns queue depth by status.
func (s *SQLiteStore) OperationMetrics(ctx context.Context) (*types.QueueMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM sync_queue GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("query queue metrics: %w", err)
	}
	defer rows.Close()

	var m types.QueueMetrics
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue metrics: %w", err)
		}
		switch types.QueueStatus(status) {
		case types.QueuePending:
			m.Pending = count
		case types.QueueCompleted:
			m.Completed = count
		case types.QueueFailed:
			m.Failed = count
		}
	}
	return &m, rows.Err()
}

// nullablePayload converts a json.RawMessage to a sql-friendly value.
func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
