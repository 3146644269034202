// Package queue implements the durable, idempotent mutation log: UI
// mutations are captured locally the moment they happen and replayed
// against the remote API when connectivity allows, with per-operation
// retry and backoff. This is the authoritative mutation path; the bulk
// reconciliation sweep runs behind it as a consistency net.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/openfield/fieldsync/internal/remote"
	"github.com/openfield/fieldsync/internal/types"
	"github.com/sethvargo/go-retry"
)

var (
	// ErrDrainInProgress is returned when Process is called while another
	// drain is running; two drains must never race on the same batch.
	ErrDrainInProgress = errors.New("queue drain already in progress")

	// ErrInvalidInput marks a malformed enqueue request, rejected before
	// anything is written.
	ErrInvalidInput = errors.New("invalid queue input")
)

// Store is the slice of the local store the queue needs.
type Store interface {
	AppendOperation(ctx context.Context, op *types.QueueOperation) (string, bool, error)
	PendingOperations(ctx context.Context, limit int, now time.Time) ([]types.QueueOperation, error)
	CompleteOperation(ctx context.Context, id string) error
	RetryOperation(ctx context.Context, id string, attempts int, lastError string, nextAttempt time.Time) error
	FailOperation(ctx context.Context, id string, attempts int, lastError string) error
	PurgeOperations(ctx context.Context, olderThan time.Time) (int64, error)
	OperationMetrics(ctx context.Context) (*types.QueueMetrics, error)
}

// Dispatcher replays one operation against the remote API. On a version
// conflict it adopts the server's state locally and still returns the
// conflict error so the queue can retire the operation without retrying.
type Dispatcher interface {
	Dispatch(ctx context.Context, op types.QueueOperation) error
}

// Input describes one logical mutation to enqueue.
type Input struct {
	Operation  types.QueueOp
	EntityType types.EntityType
	EntityID   string
	Payload    json.RawMessage
	// Timestamp is when the mutation happened; it feeds the idempotency
	// key. Zero means now.
	Timestamp time.Time
}

// Result summarizes one drain.
type Result struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// EventType labels queue lifecycle notifications.
type EventType string

const (
	// EventMaxRetries fires when an operation exhausts its attempts.
	EventMaxRetries EventType = "max_retries"
	// EventInvalidPayload fires when an operation is retired on its first
	// replay because the server rejected its payload outright.
	EventInvalidPayload EventType = "invalid_payload"
)

// Event is a queue lifecycle notification for the UI layer.
type Event struct {
	Type        EventType        `json:"type"`
	OperationID string           `json:"operation_id"`
	EntityType  types.EntityType `json:"entity_type"`
	EntityID    string           `json:"entity_id"`
	Attempts    int              `json:"attempts"`
	Error       string           `json:"error,omitempty"`
}

// Config holds queue tuning knobs.
type Config struct {
	DeviceID    string
	BatchSize   int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retention   time.Duration
}

// Queue is the durable offline mutation log plus its drain processor.
type Queue struct {
	store    Store
	dispatch Dispatcher
	cfg      Config
	onEvent  func(Event)
	clock    func() time.Time

	mu       sync.Mutex
	draining bool
}

// New creates a queue over the given store and dispatcher.
func New(store Store, dispatch Dispatcher, cfg Config) *Queue {
	return &Queue{
		store:    store,
		dispatch: dispatch,
		cfg:      cfg,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// OnEvent registers a hook receiving queue lifecycle events. Call before
// the first drain; the hook runs on the drain goroutine.
func (q *Queue) OnEvent(fn func(Event)) { q.onEvent = fn }

// IdempotencyKey derives the deterministic fingerprint of one logical
// mutation. Re-enqueuing the identical mutation yields the same key.
func IdempotencyKey(in Input, deviceID string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s",
		in.Operation, in.EntityType, in.EntityID,
		in.Timestamp.UTC().Format(time.RFC3339Nano), deviceID)
	return hex.EncodeToString(h.Sum(nil))
}

func validate(in Input) error {
	switch in.Operation {
	case types.QueueOpCreate, types.QueueOpUpdate, types.QueueOpDelete:
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidInput, in.Operation)
	}
	switch in.EntityType {
	case types.EntityPin, types.EntityForm:
	default:
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, in.EntityType)
	}
	if in.EntityID == "" {
		return fmt.Errorf("%w: missing entity id", ErrInvalidInput)
	}
	if in.Operation != types.QueueOpDelete && len(in.Payload) == 0 {
		return fmt.Errorf("%w: %s requires a payload", ErrInvalidInput, in.Operation)
	}
	return nil
}

// Enqueue validates and records one mutation, returning the operation id.
// Enqueuing the identical logical mutation twice returns the first
// operation's id and leaves exactly one row in the queue.
func (q *Queue) Enqueue(ctx context.Context, in Input) (string, error) {
	if err := validate(in); err != nil {
		return "", err
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = q.clock()
	}

	now := q.clock()
	op := &types.QueueOperation{
		ID:             ulid.Make().String(),
		Operation:      in.Operation,
		EntityType:     in.EntityType,
		EntityID:       in.EntityID,
		IdempotencyKey: IdempotencyKey(in, q.cfg.DeviceID),
		Payload:        in.Payload,
		MaxAttempts:    q.cfg.MaxAttempts,
		NextAttemptAt:  now,
		CreatedAt:      now,
		DeviceID:       q.cfg.DeviceID,
	}

	id, created, err := q.store.AppendOperation(ctx, op)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	if !created {
		slog.Debug("duplicate mutation deduplicated",
			"component", "queue",
			"operation_id", id,
			"entity_type", in.EntityType,
			"entity_id", in.EntityID,
		)
	}
	return id, nil
}

// Process drains one batch of due pending operations in FIFO order. One
// failing operation never blocks the rest of the batch. A second Process
// while a drain is running fails fast with ErrDrainInProgress.
func (q *Queue) Process(ctx context.Context) (Result, error) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return Result{}, ErrDrainInProgress
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	ops, err := q.store.PendingOperations(ctx, q.cfg.BatchSize, q.clock())
	if err != nil {
		return Result{}, fmt.Errorf("claim batch: %w", err)
	}

	res := Result{Total: len(ops)}
	for _, op := range ops {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if q.processOne(ctx, op) {
			res.Successful++
		} else {
			res.Failed++
		}
	}

	if res.Total > 0 {
		slog.Info("queue drain completed",
			"component", "queue",
			"total", res.Total,
			"successful", res.Successful,
			"failed", res.Failed,
		)
	}
	return res, nil
}

// processOne replays a single operation and applies the retry policy.
// Returns true when the operation is retired successfully (including a
// conflict resolved by adopting server state).
func (q *Queue) processOne(ctx context.Context, op types.QueueOperation) bool {
	err := q.dispatch.Dispatch(ctx, op)
	if err == nil {
		if err := q.store.CompleteOperation(ctx, op.ID); err != nil {
			slog.Error("failed to complete operation",
				"component", "queue", "operation_id", op.ID, "error", err)
			return false
		}
		return true
	}

	switch remote.Classify(err) {
	case remote.ClassConflict:
		// The dispatcher already adopted the server's state; the original
		// operation is retired, not retried.
		slog.Info("conflict resolved by adopting server state",
			"component", "queue",
			"operation_id", op.ID,
			"entity_type", op.EntityType,
			"entity_id", op.EntityID,
		)
		if err := q.store.CompleteOperation(ctx, op.ID); err != nil {
			slog.Error("failed to complete conflicted operation",
				"component", "queue", "operation_id", op.ID, "error", err)
			return false
		}
		return true

	case remote.ClassValidation:
		// Malformed payload: retrying can never succeed.
		q.fail(ctx, op, op.Attempts+1, err, EventInvalidPayload)
		return false
	}

	attempts := op.Attempts + 1
	if attempts >= op.MaxAttempts {
		q.fail(ctx, op, attempts, err, EventMaxRetries)
		return false
	}

	next := q.clock().Add(q.backoffDelay(attempts))
	if rerr := q.store.RetryOperation(ctx, op.ID, attempts, err.Error(), next); rerr != nil {
		slog.Error("failed to schedule retry",
			"component", "queue", "operation_id", op.ID, "error", rerr)
	}
	slog.Warn("operation failed, will retry",
		"component", "queue",
		"operation_id", op.ID,
		"attempts", attempts,
		"next_attempt_at", next,
		"error", err,
	)
	return false
}

func (q *Queue) fail(ctx context.Context, op types.QueueOperation, attempts int, cause error, event EventType) {
	if err := q.store.FailOperation(ctx, op.ID, attempts, cause.Error()); err != nil {
		slog.Error("failed to mark operation failed",
			"component", "queue", "operation_id", op.ID, "error", err)
		return
	}
	slog.Error("operation permanently failed",
		"component", "queue",
		"operation_id", op.ID,
		"entity_type", op.EntityType,
		"entity_id", op.EntityID,
		"attempts", attempts,
		"error", cause,
	)
	if q.onEvent != nil {
		q.onEvent(Event{
			Type:        event,
			OperationID: op.ID,
			EntityType:  op.EntityType,
			EntityID:    op.EntityID,
			Attempts:    attempts,
			Error:       cause.Error(),
		})
	}
}

// backoffDelay computes the retry delay for the given attempt count:
// exponential doubling from the base with jitter, capped at the maximum.
func (q *Queue) backoffDelay(attempts int) time.Duration {
	b := retry.NewExponential(q.cfg.BaseDelay)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(q.cfg.MaxDelay, b)

	var d time.Duration
	for i := 0; i < attempts; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	if d == 0 {
		d = q.cfg.BaseDelay
	}
	return d
}

// CleanupOld deletes completed and failed rows older than the retention
// window. Pending work is never touched.
func (q *Queue) CleanupOld(ctx context.Context) (int64, error) {
	cutoff := q.clock().Add(-q.cfg.Retention)
	n, err := q.store.PurgeOperations(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup queue: %w", err)
	}
	if n > 0 {
		slog.Info("queue retention sweep", "component", "queue", "removed", n)
	}
	return n, nil
}

// Metrics returns queue depth by status.
func (q *Queue) Metrics(ctx context.Context) (*types.QueueMetrics, error) {
	return q.store.OperationMetrics(ctx)
}
