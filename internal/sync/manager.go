package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/openfield/fieldsync/internal/store"
)

// ErrSyncInProgress is returned when SyncNow is called while a pass is
// already running. Passes for the same manager are never interleaved.
var ErrSyncInProgress = errors.New("sync already in progress")

// Pass is a unit of reconciliation work the manager runs; implemented by
// Handler for each entity type.
type Pass interface {
	Name() string
	Execute(ctx context.Context) error
}

// DeltaPass is a Pass that can additionally apply only the remote changes
// made after a given instant. Implemented by Handler for entity types whose
// remote API supports incremental fetch.
type DeltaPass interface {
	Pass
	PullSince(ctx context.Context, since time.Time) error
}

// MetaStore persists the manager's bookkeeping so the UI can show sync
// status across restarts.
type MetaStore interface {
	GetSyncMeta(ctx context.Context, key string) (string, error)
	SetSyncMeta(ctx context.Context, key, value string) error
}

// Status is the manager's bookkeeping exposed for UI display.
type Status struct {
	Syncing          bool       `json:"syncing"`
	LastSyncedAt     *time.Time `json:"last_synced_at,omitempty"`
	LastSyncFailedAt *time.Time `json:"last_sync_failed_at,omitempty"`
	LastFailure      string     `json:"last_failure,omitempty"`
}

// Manager coordinates all registered sync passes. Construct one instance at
// startup and pass it by reference; there is no package-level singleton.
type Manager struct {
	passes []Pass
	meta   MetaStore
	clock  func() time.Time

	mu               sync.Mutex
	syncing          bool
	lastSyncedAt     *time.Time
	lastSyncFailedAt *time.Time
	lastFailure      string
}

// NewManager creates a manager over the given passes, restoring persisted
// bookkeeping from the meta store.
func NewManager(meta MetaStore, passes ...Pass) *Manager {
	m := &Manager{
		passes: passes,
		meta:   meta,
		clock:  func() time.Time { return time.Now().UTC() },
	}
	m.restore()
	return m
}

func (m *Manager) restore() {
	ctx := context.Background()
	if v, err := m.meta.GetSyncMeta(ctx, store.MetaLastSyncedAt); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			m.lastSyncedAt = &t
		}
	}
	if v, err := m.meta.GetSyncMeta(ctx, store.MetaLastSyncFailedAt); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			m.lastSyncFailedAt = &t
		}
	}
	if v, err := m.meta.GetSyncMeta(ctx, store.MetaLastSyncFailure); err == nil {
		m.lastFailure = v
	}
}

// SyncNow runs every registered pass once. A call while a pass is already
// running fails fast with ErrSyncInProgress. All passes are attempted even
// when some fail; the aggregated error reports how many failed.
func (m *Manager) SyncNow(ctx context.Context) error {
	m.mu.Lock()
	if m.syncing {
		m.mu.Unlock()
		return ErrSyncInProgress
	}
	m.syncing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.syncing = false
		m.mu.Unlock()
	}()

	var failures []string
	for _, p := range m.passes {
		if err := p.Execute(ctx); err != nil {
			slog.Error("sync handler failed",
				"component", "sync",
				"handler", p.Name(),
				"error", err,
			)
			failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
		}
	}

	now := m.clock()
	if len(failures) > 0 {
		reason := fmt.Sprintf("%d of %d handlers failed: %s",
			len(failures), len(m.passes), strings.Join(failures, "; "))
		m.recordFailure(ctx, now, reason)
		return errors.New(reason)
	}

	m.recordSuccess(ctx, now)
	return nil
}

// PullChanges applies remote changes made since the last full pass without
// pushing anything. Without a baseline it falls back to a full SyncNow.
// Bookkeeping is left alone: the incremental window only advances on a full
// pass, and re-pulling an overlap is harmless because the applied writes are
// idempotent.
func (m *Manager) PullChanges(ctx context.Context) error {
	m.mu.Lock()
	if m.syncing {
		m.mu.Unlock()
		return ErrSyncInProgress
	}
	since := m.lastSyncedAt
	if since == nil {
		m.mu.Unlock()
		return m.SyncNow(ctx)
	}
	m.syncing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.syncing = false
		m.mu.Unlock()
	}()

	var failures []string
	for _, p := range m.passes {
		dp, ok := p.(DeltaPass)
		if !ok {
			continue
		}
		if err := dp.PullSince(ctx, *since); err != nil {
			slog.Error("incremental pull failed",
				"component", "sync",
				"handler", p.Name(),
				"error", err,
			)
			failures = append(failures, fmt.Sprintf("%s: %v", p.Name(), err))
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("incremental pull: %s", strings.Join(failures, "; "))
	}
	return nil
}

func (m *Manager) recordSuccess(ctx context.Context, at time.Time) {
	m.mu.Lock()
	m.lastSyncedAt = &at
	m.lastFailure = ""
	m.mu.Unlock()

	if err := m.meta.SetSyncMeta(ctx, store.MetaLastSyncedAt, at.Format(time.RFC3339Nano)); err != nil {
		slog.Warn("failed to persist last sync time", "component", "sync", "error", err)
	}
	if err := m.meta.SetSyncMeta(ctx, store.MetaLastSyncFailure, ""); err != nil {
		slog.Warn("failed to clear last sync failure", "component", "sync", "error", err)
	}
}

func (m *Manager) recordFailure(ctx context.Context, at time.Time, reason string) {
	m.mu.Lock()
	m.lastSyncFailedAt = &at
	m.lastFailure = reason
	m.mu.Unlock()

	if err := m.meta.SetSyncMeta(ctx, store.MetaLastSyncFailedAt, at.Format(time.RFC3339Nano)); err != nil {
		slog.Warn("failed to persist last failure time", "component", "sync", "error", err)
	}
	if err := m.meta.SetSyncMeta(ctx, store.MetaLastSyncFailure, reason); err != nil {
		slog.Warn("failed to persist last failure reason", "component", "sync", "error", err)
	}
}

// Status returns the manager's current bookkeeping for UI display.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Syncing:          m.syncing,
		LastSyncedAt:     m.lastSyncedAt,
		LastSyncFailedAt: m.lastSyncFailedAt,
		LastFailure:      m.lastFailure,
	}
}
