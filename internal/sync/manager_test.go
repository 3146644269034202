package sync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfield/fieldsync/internal/store"
)

type fakePass struct {
	name      string
	err       error
	calls     int
	started   chan struct{}
	startOnce sync.Once
	release   chan struct{}
}

func (p *fakePass) Name() string { return p.name }

func (p *fakePass) Execute(ctx context.Context) error {
	p.calls++
	if p.started != nil {
		p.startOnce.Do(func() { close(p.started) })
	}
	if p.release != nil {
		<-p.release
	}
	return p.err
}

type fakeMetaStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeMetaStore() *fakeMetaStore {
	return &fakeMetaStore{values: map[string]string{}}
}

func (f *fakeMetaStore) GetSyncMeta(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (f *fakeMetaStore) SetSyncMeta(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeMetaStore) get(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[key]
}

func TestManagerSyncNowRunsAllPasses(t *testing.T) {
	a := &fakePass{name: "pins"}
	b := &fakePass{name: "forms"}
	m := NewManager(newFakeMetaStore(), a, b)

	if err := m.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow: %v", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("pass calls = %d/%d, want 1/1", a.calls, b.calls)
	}
}

func TestManagerSyncNowAggregatesFailures(t *testing.T) {
	a := &fakePass{name: "pins", err: errors.New("remote unreachable")}
	b := &fakePass{name: "forms"}
	m := NewManager(newFakeMetaStore(), a, b)

	err := m.SyncNow(context.Background())
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !strings.Contains(err.Error(), "1 of 2 handlers failed") {
		t.Errorf("error %q should report the failure count", err)
	}
	if !strings.Contains(err.Error(), "pins: remote unreachable") {
		t.Errorf("error %q should name the failing handler", err)
	}
	if b.calls != 1 {
		t.Error("a failing pass must not stop the remaining passes")
	}
}

func TestManagerSyncNowRejectsOverlap(t *testing.T) {
	p := &fakePass{
		name:    "pins",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	m := NewManager(newFakeMetaStore(), p)

	done := make(chan error, 1)
	go func() { done <- m.SyncNow(context.Background()) }()
	<-p.started

	if !m.Status().Syncing {
		t.Error("Status should report syncing while a pass runs")
	}
	if err := m.SyncNow(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("overlapping call got %v, want ErrSyncInProgress", err)
	}

	close(p.release)
	if err := <-done; err != nil {
		t.Fatalf("first SyncNow: %v", err)
	}
	if m.Status().Syncing {
		t.Error("Status should clear syncing after the pass finishes")
	}
	if err := m.SyncNow(context.Background()); err != nil {
		t.Errorf("SyncNow after completion: %v", err)
	}
}

func TestManagerBookkeeping(t *testing.T) {
	meta := newFakeMetaStore()
	pass := &fakePass{name: "pins"}
	m := NewManager(meta, pass)
	now := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	m.clock = func() time.Time { return now }

	t.Run("success stamps and persists", func(t *testing.T) {
		if err := m.SyncNow(context.Background()); err != nil {
			t.Fatalf("SyncNow: %v", err)
		}
		st := m.Status()
		if st.LastSyncedAt == nil || !st.LastSyncedAt.Equal(now) {
			t.Errorf("LastSyncedAt = %v, want %v", st.LastSyncedAt, now)
		}
		if got := meta.get(store.MetaLastSyncedAt); got != now.Format(time.RFC3339Nano) {
			t.Errorf("persisted last synced = %q", got)
		}
	})

	t.Run("failure stamps reason", func(t *testing.T) {
		pass.err = errors.New("boom")
		if err := m.SyncNow(context.Background()); err == nil {
			t.Fatal("expected failure")
		}
		st := m.Status()
		if st.LastSyncFailedAt == nil || !st.LastSyncFailedAt.Equal(now) {
			t.Errorf("LastSyncFailedAt = %v, want %v", st.LastSyncFailedAt, now)
		}
		if !strings.Contains(st.LastFailure, "boom") {
			t.Errorf("LastFailure = %q", st.LastFailure)
		}
		if !strings.Contains(meta.get(store.MetaLastSyncFailure), "boom") {
			t.Error("failure reason must be persisted")
		}
	})

	t.Run("next success clears the failure", func(t *testing.T) {
		pass.err = nil
		if err := m.SyncNow(context.Background()); err != nil {
			t.Fatalf("SyncNow: %v", err)
		}
		if st := m.Status(); st.LastFailure != "" {
			t.Errorf("LastFailure should clear on success, got %q", st.LastFailure)
		}
		if meta.get(store.MetaLastSyncFailure) != "" {
			t.Error("persisted failure reason should clear on success")
		}
	})
}

type fakeDeltaPass struct {
	fakePass
	pullErr   error
	pullCalls []time.Time
}

func (p *fakeDeltaPass) PullSince(ctx context.Context, since time.Time) error {
	p.pullCalls = append(p.pullCalls, since)
	return p.pullErr
}

func TestManagerPullChanges(t *testing.T) {
	t.Run("pulls deltas since the last full pass", func(t *testing.T) {
		meta := newFakeMetaStore()
		synced := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
		meta.values[store.MetaLastSyncedAt] = synced.Format(time.RFC3339Nano)

		delta := &fakeDeltaPass{fakePass: fakePass{name: "pins"}}
		plain := &fakePass{name: "attachments"}
		m := NewManager(meta, delta, plain)

		if err := m.PullChanges(context.Background()); err != nil {
			t.Fatalf("PullChanges: %v", err)
		}
		if len(delta.pullCalls) != 1 || !delta.pullCalls[0].Equal(synced) {
			t.Errorf("pull calls = %v, want one at %v", delta.pullCalls, synced)
		}
		if delta.calls != 0 || plain.calls != 0 {
			t.Error("an incremental pull must not run full passes")
		}
	})

	t.Run("without a baseline falls back to a full pass", func(t *testing.T) {
		delta := &fakeDeltaPass{fakePass: fakePass{name: "pins"}}
		m := NewManager(newFakeMetaStore(), delta)

		if err := m.PullChanges(context.Background()); err != nil {
			t.Fatalf("PullChanges: %v", err)
		}
		if delta.calls != 1 {
			t.Error("missing baseline must trigger a full pass")
		}
		if len(delta.pullCalls) != 0 {
			t.Error("no delta fetch may happen without a baseline")
		}
	})

	t.Run("does not advance bookkeeping", func(t *testing.T) {
		meta := newFakeMetaStore()
		synced := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
		meta.values[store.MetaLastSyncedAt] = synced.Format(time.RFC3339Nano)

		delta := &fakeDeltaPass{fakePass: fakePass{name: "pins"}}
		m := NewManager(meta, delta)

		if err := m.PullChanges(context.Background()); err != nil {
			t.Fatalf("PullChanges: %v", err)
		}
		if got := m.Status().LastSyncedAt; got == nil || !got.Equal(synced) {
			t.Errorf("LastSyncedAt = %v, want unchanged %v", got, synced)
		}
	})

	t.Run("aggregates pull failures", func(t *testing.T) {
		meta := newFakeMetaStore()
		meta.values[store.MetaLastSyncedAt] = time.Now().UTC().Format(time.RFC3339Nano)

		delta := &fakeDeltaPass{
			fakePass: fakePass{name: "pins"},
			pullErr:  errors.New("remote unreachable"),
		}
		m := NewManager(meta, delta)

		err := m.PullChanges(context.Background())
		if err == nil || !strings.Contains(err.Error(), "pins: remote unreachable") {
			t.Errorf("got %v, want error naming the failing handler", err)
		}
	})
}

func TestManagerRestoresPersistedBookkeeping(t *testing.T) {
	meta := newFakeMetaStore()
	synced := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	failed := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	meta.values[store.MetaLastSyncedAt] = synced.Format(time.RFC3339Nano)
	meta.values[store.MetaLastSyncFailedAt] = failed.Format(time.RFC3339Nano)
	meta.values[store.MetaLastSyncFailure] = "forms: remote unreachable"

	st := NewManager(meta, &fakePass{name: "pins"}).Status()
	if st.LastSyncedAt == nil || !st.LastSyncedAt.Equal(synced) {
		t.Errorf("LastSyncedAt = %v, want %v", st.LastSyncedAt, synced)
	}
	if st.LastSyncFailedAt == nil || !st.LastSyncFailedAt.Equal(failed) {
		t.Errorf("LastSyncFailedAt = %v, want %v", st.LastSyncFailedAt, failed)
	}
	if st.LastFailure != "forms: remote unreachable" {
		t.Errorf("LastFailure = %q", st.LastFailure)
	}
}
