// Package api is the local control surface the mobile UI talks to:
// entity CRUD that writes locally and enqueues the matching remote
// mutation, sync status and triggers, and runtime configuration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	syncpkg "github.com/openfield/fieldsync/internal/sync"

	"github.com/openfield/fieldsync/internal/queue"
	"github.com/openfield/fieldsync/internal/store"
	"github.com/openfield/fieldsync/internal/types"
)

// SyncManager is the slice of the sync manager the API exposes.
type SyncManager interface {
	SyncNow(ctx context.Context) error
	Status() syncpkg.Status
}

// OperationQueue is the slice of the queue the API needs: enqueue on
// every mutation, drain on demand, depth for the status endpoint.
type OperationQueue interface {
	Enqueue(ctx context.Context, in queue.Input) (string, error)
	Process(ctx context.Context) (queue.Result, error)
	Metrics(ctx context.Context) (*types.QueueMetrics, error)
}

// PinStore is the slice of the local pin repository the API writes through.
type PinStore interface {
	FetchAll(ctx context.Context) ([]types.Pin, error)
	Get(ctx context.Context, id string) (*types.Pin, error)
	Create(ctx context.Context, p *types.Pin) error
	Update(ctx context.Context, p *types.Pin) error
	Delete(ctx context.Context, id string) error
	MarkSynced(ctx context.Context, ids []string) error
	SetVersion(ctx context.Context, id string, version int64) error
}

// FormStore mirrors PinStore for forms, plus orphaning when a pin goes
// away.
type FormStore interface {
	FetchAll(ctx context.Context) ([]types.Form, error)
	Get(ctx context.Context, id string) (*types.Form, error)
	Create(ctx context.Context, f *types.Form) error
	Update(ctx context.Context, f *types.Form) error
	Delete(ctx context.Context, id string) error
	MarkSynced(ctx context.Context, ids []string) error
	SetVersion(ctx context.Context, id string, version int64) error
	DetachFromPin(ctx context.Context, pinID string) error
}

// RemotePusher performs immediate pushes for interactive edits that opt
// out of the background queue. Conflicts surface to the caller; accepted
// writes return the server's state with its new version.
type RemotePusher interface {
	UpsertPin(ctx context.Context, p types.RemotePin) (types.RemotePin, error)
	UpsertForm(ctx context.Context, f types.RemoteForm) (types.RemoteForm, error)
	SetBaseURL(u string)
}

// MetaStore persists runtime settings.
type MetaStore interface {
	SetSyncMeta(ctx context.Context, key, value string) error
}

// Handler holds the control API's collaborators.
type Handler struct {
	manager SyncManager
	queue   OperationQueue
	pins    PinStore
	forms   FormStore
	remote  RemotePusher
	meta    MetaStore
	apiKey  string
}

// NewHandler creates the control API handler.
func NewHandler(manager SyncManager, q OperationQueue, pins PinStore, forms FormStore, remote RemotePusher, meta MetaStore, apiKey string) *Handler {
	return &Handler{
		manager: manager,
		queue:   q,
		pins:    pins,
		forms:   forms,
		remote:  remote,
		meta:    meta,
		apiKey:  apiKey,
	}
}

// Health responds 200 when the process is up.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse combines manager bookkeeping with queue depth.
type statusResponse struct {
	syncpkg.Status
	Queue *types.QueueMetrics `json:"queue"`
}

// Status reports sync bookkeeping and queue depth for the UI.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.queue.Metrics(r.Context())
	if err != nil {
		slog.Error("failed to read queue metrics", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: h.manager.Status(), Queue: metrics})
}

// TriggerSync runs a full reconciliation pass synchronously. A pass
// already in flight responds 409; a failed pass responds 503 with the
// aggregate reason so the UI can show it.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	err := h.manager.SyncNow(r.Context())
	switch {
	case errors.Is(err, syncpkg.ErrSyncInProgress):
		WriteProblem(w, r, http.StatusConflict, "A sync pass is already running")
	case err != nil:
		WriteProblem(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		writeJSON(w, http.StatusOK, h.manager.Status())
	}
}

// DrainQueue processes one batch of pending operations on demand.
func (h *Handler) DrainQueue(w http.ResponseWriter, r *http.Request) {
	res, err := h.queue.Process(r.Context())
	switch {
	case errors.Is(err, queue.ErrDrainInProgress):
		WriteProblem(w, r, http.StatusConflict, "A queue drain is already running")
	case err != nil:
		slog.Error("queue drain failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// apiURLRequest is the body of the runtime base-URL override.
type apiURLRequest struct {
	BaseURL string `json:"base_url"`
}

// SetAPIURL repoints the remote client and persists the override so it
// survives restarts.
func (h *Handler) SetAPIURL(w http.ResponseWriter, r *http.Request) {
	var req apiURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	req.BaseURL = strings.TrimRight(strings.TrimSpace(req.BaseURL), "/")
	if req.BaseURL == "" || (!strings.HasPrefix(req.BaseURL, "http://") && !strings.HasPrefix(req.BaseURL, "https://")) {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "base_url must be an absolute http(s) URL")
		return
	}

	if err := h.meta.SetSyncMeta(r.Context(), store.MetaAPIBaseURL, req.BaseURL); err != nil {
		slog.Error("failed to persist api url override", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	h.remote.SetBaseURL(req.BaseURL)

	slog.Info("remote base url changed", "component", "api", "base_url", req.BaseURL)
	writeJSON(w, http.StatusOK, map[string]string{"base_url": req.BaseURL})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// syncNowRequested reports whether the mutation asks for an immediate
// push instead of the background queue.
func syncNowRequested(r *http.Request) bool {
	return r.URL.Query().Get("sync") == "now"
}

// enqueueInput builds a queue input stamped with the mutation's own
// timestamp, so re-enqueuing the same edit dedups on the idempotency key.
func enqueueInput(op types.QueueOp, entityType types.EntityType, id string, payload json.RawMessage, at time.Time) queue.Input {
	return queue.Input{
		Operation:  op,
		EntityType: entityType,
		EntityID:   id,
		Payload:    payload,
		Timestamp:  at,
	}
}
