package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openfield/fieldsync/internal/queue"
	"github.com/openfield/fieldsync/internal/remote"
	"github.com/openfield/fieldsync/internal/store"
	syncpkg "github.com/openfield/fieldsync/internal/sync"
	"github.com/openfield/fieldsync/internal/types"
)

type fakeManager struct {
	syncErr error
	calls   int
	status  syncpkg.Status
}

func (m *fakeManager) SyncNow(context.Context) error {
	m.calls++
	return m.syncErr
}

func (m *fakeManager) Status() syncpkg.Status { return m.status }

type fakeQueue struct {
	inputs     []queue.Input
	enqueueErr error
	processErr error
	result     queue.Result
	metrics    types.QueueMetrics
}

func (q *fakeQueue) Enqueue(_ context.Context, in queue.Input) (string, error) {
	if q.enqueueErr != nil {
		return "", q.enqueueErr
	}
	q.inputs = append(q.inputs, in)
	return fmt.Sprintf("op-%d", len(q.inputs)), nil
}

func (q *fakeQueue) Process(context.Context) (queue.Result, error) {
	return q.result, q.processErr
}

func (q *fakeQueue) Metrics(context.Context) (*types.QueueMetrics, error) {
	m := q.metrics
	return &m, nil
}

type fakePins struct {
	rows     map[string]*types.Pin
	nextID   int
	synced   []string
	versions map[string]int64
}

func newFakePins() *fakePins { return &fakePins{rows: map[string]*types.Pin{}} }

func (s *fakePins) FetchAll(context.Context) ([]types.Pin, error) {
	var out []types.Pin
	for _, p := range s.rows {
		out = append(out, *p)
	}
	return out, nil
}

func (s *fakePins) Get(_ context.Context, id string) (*types.Pin, error) {
	p, ok := s.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *p
	return &clone, nil
}

func (s *fakePins) Create(_ context.Context, p *types.Pin) error {
	s.nextID++
	if p.ID == "" {
		p.ID = fmt.Sprintf("pin-%d", s.nextID)
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Status = types.StatusDirty
	clone := *p
	s.rows[p.ID] = &clone
	return nil
}

func (s *fakePins) Update(_ context.Context, p *types.Pin) error {
	if _, ok := s.rows[p.ID]; !ok {
		return store.ErrNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	p.Status = types.StatusDirty
	clone := *p
	s.rows[p.ID] = &clone
	return nil
}

func (s *fakePins) Delete(_ context.Context, id string) error {
	p, ok := s.rows[id]
	if !ok || p.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	p.DeletedAt = &now
	p.UpdatedAt = now
	p.Status = types.StatusDirty
	return nil
}

func (s *fakePins) MarkSynced(_ context.Context, ids []string) error {
	s.synced = append(s.synced, ids...)
	return nil
}

func (s *fakePins) SetVersion(_ context.Context, id string, version int64) error {
	p, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Version = version
	if s.versions == nil {
		s.versions = map[string]int64{}
	}
	s.versions[id] = version
	return nil
}

type fakeForms struct {
	rows     map[string]*types.Form
	nextID   int
	synced   []string
	versions map[string]int64
}

func newFakeForms() *fakeForms { return &fakeForms{rows: map[string]*types.Form{}} }

func (s *fakeForms) FetchAll(context.Context) ([]types.Form, error) {
	var out []types.Form
	for _, f := range s.rows {
		out = append(out, *f)
	}
	return out, nil
}

func (s *fakeForms) Get(_ context.Context, id string) (*types.Form, error) {
	f, ok := s.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *f
	return &clone, nil
}

func (s *fakeForms) Create(_ context.Context, f *types.Form) error {
	s.nextID++
	if f.ID == "" {
		f.ID = fmt.Sprintf("form-%d", s.nextID)
	}
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now
	f.Status = types.StatusDirty
	clone := *f
	s.rows[f.ID] = &clone
	return nil
}

func (s *fakeForms) Update(_ context.Context, f *types.Form) error {
	if _, ok := s.rows[f.ID]; !ok {
		return store.ErrNotFound
	}
	clone := *f
	s.rows[f.ID] = &clone
	return nil
}

func (s *fakeForms) Delete(_ context.Context, id string) error {
	f, ok := s.rows[id]
	if !ok || f.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	f.DeletedAt = &now
	f.UpdatedAt = now
	return nil
}

func (s *fakeForms) MarkSynced(_ context.Context, ids []string) error {
	s.synced = append(s.synced, ids...)
	return nil
}

func (s *fakeForms) SetVersion(_ context.Context, id string, version int64) error {
	f, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	f.Version = version
	if s.versions == nil {
		s.versions = map[string]int64{}
	}
	s.versions[id] = version
	return nil
}

func (s *fakeForms) DetachFromPin(_ context.Context, pinID string) error {
	for _, f := range s.rows {
		if f.PinID != nil && *f.PinID == pinID {
			f.PinID = nil
		}
	}
	return nil
}

type fakePusher struct {
	pinErr  error
	formErr error
	pushed  []string
	baseURL string
}

func (p *fakePusher) UpsertPin(_ context.Context, pin types.RemotePin) (types.RemotePin, error) {
	if p.pinErr != nil {
		return types.RemotePin{}, p.pinErr
	}
	p.pushed = append(p.pushed, pin.ID)
	pin.Version++
	return pin, nil
}

func (p *fakePusher) UpsertForm(_ context.Context, f types.RemoteForm) (types.RemoteForm, error) {
	if p.formErr != nil {
		return types.RemoteForm{}, p.formErr
	}
	p.pushed = append(p.pushed, f.ID)
	f.Version++
	return f, nil
}

func (p *fakePusher) SetBaseURL(u string) { p.baseURL = u }

type fakeMeta struct {
	values map[string]string
}

func (m *fakeMeta) SetSyncMeta(_ context.Context, key, value string) error {
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.values[key] = value
	return nil
}

type testEnv struct {
	manager *fakeManager
	queue   *fakeQueue
	pins    *fakePins
	forms   *fakeForms
	pusher  *fakePusher
	meta    *fakeMeta
	server  *httptest.Server
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	env := &testEnv{
		manager: &fakeManager{},
		queue:   &fakeQueue{},
		pins:    newFakePins(),
		forms:   newFakeForms(),
		pusher:  &fakePusher{},
		meta:    &fakeMeta{},
	}
	h := NewHandler(env.manager, env.queue, env.pins, env.forms, env.pusher, env.meta, apiKey)
	env.server = httptest.NewServer(NewRouter(h))
	t.Cleanup(env.server.Close)
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, env.server.URL+path, reqBody)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.do(t, http.MethodGet, "/api/v1/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestStatusCombinesManagerAndQueue(t *testing.T) {
	env := newTestEnv(t, "")
	syncedAt := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	env.manager.status = syncpkg.Status{LastSyncedAt: &syncedAt}
	env.queue.metrics = types.QueueMetrics{Pending: 3, Failed: 1}

	resp := env.do(t, http.MethodGet, "/api/v1/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]json.RawMessage](t, resp)
	if _, ok := body["last_synced_at"]; !ok {
		t.Error("expected last_synced_at in status")
	}
	var metrics types.QueueMetrics
	if err := json.Unmarshal(body["queue"], &metrics); err != nil {
		t.Fatalf("decode queue metrics: %v", err)
	}
	if metrics.Pending != 3 || metrics.Failed != 1 {
		t.Errorf("queue metrics = %+v", metrics)
	}
}

func TestTriggerSync(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		env := newTestEnv(t, "")
		resp := env.do(t, http.MethodPost, "/api/v1/sync", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d", resp.StatusCode)
		}
		if env.manager.calls != 1 {
			t.Errorf("SyncNow calls = %d", env.manager.calls)
		}
	})

	t.Run("already running", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.manager.syncErr = syncpkg.ErrSyncInProgress
		resp := env.do(t, http.MethodPost, "/api/v1/sync", nil)
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status = %d, want 409", resp.StatusCode)
		}
		p := decode[Problem](t, resp)
		if p.Status != http.StatusConflict {
			t.Errorf("problem status = %d", p.Status)
		}
	})

	t.Run("handlers failed", func(t *testing.T) {
		env := newTestEnv(t, "")
		env.manager.syncErr = errors.New("1 of 2 handlers failed: pins: timeout")
		resp := env.do(t, http.MethodPost, "/api/v1/sync", nil)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
		p := decode[Problem](t, resp)
		if !strings.Contains(p.Detail, "handlers failed") {
			t.Errorf("detail = %q", p.Detail)
		}
	})
}

func TestCreatePinEnqueuesRemoteCreate(t *testing.T) {
	env := newTestEnv(t, "")
	lat, lng := 9.03, 38.74
	resp := env.do(t, http.MethodPost, "/api/v1/pins", map[string]any{
		"name": "borehole 12", "lat": lat, "lng": lng,
		"local_images": []string{"/data/images/pin/x/1.jpg"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	created := decode[types.Pin](t, resp)
	if created.ID == "" || created.Status != types.StatusDirty {
		t.Errorf("created = %+v", created)
	}

	if len(env.queue.inputs) != 1 {
		t.Fatalf("expected 1 enqueued operation, got %d", len(env.queue.inputs))
	}
	in := env.queue.inputs[0]
	if in.Operation != types.QueueOpCreate || in.EntityType != types.EntityPin || in.EntityID != created.ID {
		t.Errorf("enqueued = %+v", in)
	}
	// The queued payload is the wire form: no local-only fields.
	if strings.Contains(string(in.Payload), "local_images") {
		t.Errorf("payload leaks local-only fields: %s", in.Payload)
	}
}

func TestCreatePinValidation(t *testing.T) {
	env := newTestEnv(t, "")
	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing name", map[string]any{"lat": 1.0, "lng": 2.0}},
		{"missing coordinates", map[string]any{"name": "x"}},
		{"lat out of range", map[string]any{"name": "x", "lat": 91.0, "lng": 0.0}},
		{"lng out of range", map[string]any{"name": "x", "lat": 0.0, "lng": 181.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/v1/pins", tt.body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusUnprocessableEntity {
				t.Errorf("status = %d, want 422", resp.StatusCode)
			}
		})
	}
	if len(env.queue.inputs) != 0 {
		t.Errorf("rejected requests must not enqueue, got %d", len(env.queue.inputs))
	}
}

func TestListPinsHidesSoftDeleted(t *testing.T) {
	env := newTestEnv(t, "")
	env.pins.Create(context.Background(), &types.Pin{Name: "live", Lat: 1, Lng: 2})
	deleted := &types.Pin{Name: "gone", Lat: 3, Lng: 4}
	env.pins.Create(context.Background(), deleted)
	env.pins.Delete(context.Background(), deleted.ID)

	resp := env.do(t, http.MethodGet, "/api/v1/pins", nil)
	pins := decode[[]types.Pin](t, resp)
	if len(pins) != 1 || pins[0].Name != "live" {
		t.Errorf("pins = %+v", pins)
	}
}

func TestDeletePinEnqueuesVersionedDelete(t *testing.T) {
	env := newTestEnv(t, "")
	p := &types.Pin{Name: "old well", Lat: 1, Lng: 2, Version: 6}
	env.pins.Create(context.Background(), p)
	attached := &types.Form{PinID: &p.ID, RespondentName: "K. Diallo"}
	env.forms.Create(context.Background(), attached)

	resp := env.do(t, http.MethodDelete, "/api/v1/pins/"+p.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if env.pins.rows[p.ID].DeletedAt == nil {
		t.Error("pin should be soft-deleted locally")
	}
	if len(env.queue.inputs) != 1 {
		t.Fatalf("expected 1 enqueued operation, got %d", len(env.queue.inputs))
	}
	in := env.queue.inputs[0]
	if in.Operation != types.QueueOpDelete {
		t.Errorf("operation = %s", in.Operation)
	}
	var payload map[string]int64
	if err := json.Unmarshal(in.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["version"] != 6 {
		t.Errorf("payload version = %d, want 6", payload["version"])
	}
	if env.forms.rows[attached.ID].PinID != nil {
		t.Error("attached form should be orphaned when its pin is deleted")
	}
}

func TestUpdatePinSyncNowSurfacesConflict(t *testing.T) {
	env := newTestEnv(t, "")
	p := &types.Pin{Name: "pump", Lat: 1, Lng: 2, Version: 3}
	env.pins.Create(context.Background(), p)

	serverState, _ := json.Marshal(types.RemotePin{ID: p.ID, Name: "renamed upstream", Version: 4})
	env.pusher.pinErr = &remote.VersionConflictError{CurrentVersion: 4, CurrentState: serverState}

	resp := env.do(t, http.MethodPut, "/api/v1/pins/"+p.ID+"?sync=now", map[string]any{
		"name": "my rename", "lat": 1.0, "lng": 2.0,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	body := decode[ConflictProblem](t, resp)
	if body.CurrentVersion != 4 {
		t.Errorf("current_version = %d", body.CurrentVersion)
	}
	var state types.RemotePin
	if err := json.Unmarshal(body.CurrentState, &state); err != nil {
		t.Fatalf("decode embedded state: %v", err)
	}
	if state.Name != "renamed upstream" {
		t.Errorf("embedded state = %+v", state)
	}
	// The local edit stays dirty; nothing was enqueued or marked synced.
	if len(env.queue.inputs) != 0 || len(env.pins.synced) != 0 {
		t.Error("conflicted interactive edit must not enqueue or mark synced")
	}
}

func TestUpdatePinSyncNowMarksSynced(t *testing.T) {
	env := newTestEnv(t, "")
	p := &types.Pin{Name: "pump", Lat: 1, Lng: 2}
	env.pins.Create(context.Background(), p)

	resp := env.do(t, http.MethodPut, "/api/v1/pins/"+p.ID+"?sync=now", map[string]any{
		"name": "pump east", "lat": 1.0, "lng": 2.0,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(env.pusher.pushed) != 1 || env.pusher.pushed[0] != p.ID {
		t.Errorf("pushed = %v", env.pusher.pushed)
	}
	if len(env.pins.synced) != 1 || env.pins.synced[0] != p.ID {
		t.Errorf("synced = %v", env.pins.synced)
	}
	if len(env.queue.inputs) != 0 {
		t.Error("immediate push must bypass the queue")
	}
}

func TestUpdatePinSyncNowPersistsAcceptedVersion(t *testing.T) {
	// The server bumps the version on an accepted push. If the local row
	// stays on the old version, the next edit conflicts spuriously and the
	// adoption overwrites the user's change with the pre-edit state.
	env := newTestEnv(t, "")
	p := &types.Pin{Name: "pump", Lat: 1, Lng: 2, Version: 3}
	env.pins.Create(context.Background(), p)

	resp := env.do(t, http.MethodPut, "/api/v1/pins/"+p.ID+"?sync=now", map[string]any{
		"name": "pump east", "lat": 1.0, "lng": 2.0,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[types.Pin](t, resp)

	if got := env.pins.versions[p.ID]; got != 4 {
		t.Errorf("stored version = %d, want server-assigned 4", got)
	}
	if body.Version != 4 {
		t.Errorf("response version = %d, want 4", body.Version)
	}
}

func TestEnqueueStampsMutationTimestamp(t *testing.T) {
	// The idempotency key hashes the mutation's own timestamp. Stamped with
	// the enqueue wall clock instead, re-enqueuing the identical edit would
	// never deduplicate.
	env := newTestEnv(t, "")
	resp := env.do(t, http.MethodPost, "/api/v1/pins", map[string]any{
		"name": "borehole 12", "lat": 9.03, "lng": 38.74,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	created := decode[types.Pin](t, resp)

	if len(env.queue.inputs) != 1 {
		t.Fatalf("expected 1 enqueued operation, got %d", len(env.queue.inputs))
	}
	if got := env.queue.inputs[0].Timestamp; !got.Equal(created.UpdatedAt) {
		t.Errorf("queue timestamp = %v, want the row's updated_at %v", got, created.UpdatedAt)
	}

	resp = env.do(t, http.MethodDelete, "/api/v1/pins/"+created.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if len(env.queue.inputs) != 2 {
		t.Fatalf("expected 2 enqueued operations, got %d", len(env.queue.inputs))
	}
	tombstone := env.pins.rows[created.ID]
	if got := env.queue.inputs[1].Timestamp; !got.Equal(tombstone.UpdatedAt) {
		t.Errorf("delete timestamp = %v, want the tombstone's updated_at %v", got, tombstone.UpdatedAt)
	}
}

func TestCreateFormEnqueues(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.do(t, http.MethodPost, "/api/v1/forms", map[string]any{
		"respondent_name": "B. Mensah",
		"symptoms":        []string{"fever", "fatigue"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	created := decode[types.Form](t, resp)
	if len(env.queue.inputs) != 1 || env.queue.inputs[0].EntityType != types.EntityForm {
		t.Fatalf("enqueued = %+v", env.queue.inputs)
	}
	if env.queue.inputs[0].EntityID != created.ID {
		t.Errorf("entity id = %s, want %s", env.queue.inputs[0].EntityID, created.ID)
	}
}

func TestSetAPIURL(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.do(t, http.MethodPut, "/api/v1/config/api-url", map[string]string{
		"base_url": "https://backup.field.example/v1/",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if env.pusher.baseURL != "https://backup.field.example/v1" {
		t.Errorf("client base url = %q", env.pusher.baseURL)
	}
	if env.meta.values[store.MetaAPIBaseURL] != "https://backup.field.example/v1" {
		t.Errorf("persisted = %q", env.meta.values[store.MetaAPIBaseURL])
	}

	t.Run("rejects relative url", func(t *testing.T) {
		resp := env.do(t, http.MethodPut, "/api/v1/config/api-url", map[string]string{
			"base_url": "backup.field.example",
		})
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422", resp.StatusCode)
		}
	})
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, "control-key")

	t.Run("health stays public", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/v1/health", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})

	t.Run("missing token rejected", func(t *testing.T) {
		resp := env.do(t, http.MethodGet, "/api/v1/status", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("valid token accepted", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/v1/status", nil)
		req.Header.Set("Authorization", "Bearer control-key")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d", resp.StatusCode)
		}
	})
}

func TestDrainQueueEndpoint(t *testing.T) {
	env := newTestEnv(t, "")
	env.queue.result = queue.Result{Total: 2, Successful: 2}

	resp := env.do(t, http.MethodPost, "/api/v1/queue/drain", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	res := decode[queue.Result](t, resp)
	if res.Total != 2 || res.Successful != 2 {
		t.Errorf("result = %+v", res)
	}

	t.Run("concurrent drain rejected", func(t *testing.T) {
		env.queue.processErr = queue.ErrDrainInProgress
		resp := env.do(t, http.MethodPost, "/api/v1/queue/drain", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status = %d, want 409", resp.StatusCode)
		}
	})
}
