package types

import (
	"encoding/json"
	"time"
)

// QueueOp is the kind of mutation captured by a queue operation.
type QueueOp string

const (
	QueueOpCreate QueueOp = "create"
	QueueOpUpdate QueueOp = "update"
	QueueOpDelete QueueOp = "delete"
)

// EntityType identifies which table a queue operation targets.
type EntityType string

const (
	EntityPin  EntityType = "pin"
	EntityForm EntityType = "form"
)

// QueueStatus is the lifecycle state of a queue operation.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
)

// QueueOperation is a single pending mutation in the durable sync queue.
// Rows are append-only; only the retention sweep ever deletes them.
type QueueOperation struct {
	ID             string          `json:"id"`
	Operation      QueueOp         `json:"operation"`
	EntityType     EntityType      `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         QueueStatus     `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	LastError      string          `json:"last_error,omitempty"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	CreatedAt      time.Time       `json:"created_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Sequence       int64           `json:"sequence"`
	DeviceID       string          `json:"device_id"`
}

// QueueMetrics summarizes queue depth by status for status display.
type QueueMetrics struct {
	Pending   int64 `json:"pending"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
