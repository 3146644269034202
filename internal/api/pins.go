package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/openfield/fieldsync/internal/remote"
	"github.com/openfield/fieldsync/internal/types"
)

// pinRequest is the mutable surface of a pin exposed to the UI.
type pinRequest struct {
	Name        string   `json:"name"`
	Notes       string   `json:"notes"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	LocalImages []string `json:"local_images"`
}

func (req *pinRequest) validate() error {
	if req.Name == "" {
		return errors.New("name is required")
	}
	if req.Lat == nil || req.Lng == nil {
		return errors.New("lat and lng are required")
	}
	if *req.Lat < -90 || *req.Lat > 90 {
		return fmt.Errorf("lat %v out of range", *req.Lat)
	}
	if *req.Lng < -180 || *req.Lng > 180 {
		return fmt.Errorf("lng %v out of range", *req.Lng)
	}
	return nil
}

// ListPins returns every live pin. Soft-deleted rows stay internal to the
// sync machinery.
func (h *Handler) ListPins(w http.ResponseWriter, r *http.Request) {
	pins, err := h.pins.FetchAll(r.Context())
	if err != nil {
		slog.Error("failed to list pins", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	live := make([]types.Pin, 0, len(pins))
	for _, p := range pins {
		if p.DeletedAt == nil {
			live = append(live, p)
		}
	}
	writeJSON(w, http.StatusOK, live)
}

// GetPin returns one pin by id.
func (h *Handler) GetPin(w http.ResponseWriter, r *http.Request) {
	p, err := h.pins.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if p.DeletedAt != nil {
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CreatePin writes the pin locally and enqueues the remote create.
func (h *Handler) CreatePin(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}

	p := &types.Pin{
		Name:        req.Name,
		Notes:       req.Notes,
		Lat:         *req.Lat,
		Lng:         *req.Lng,
		LocalImages: req.LocalImages,
	}
	if err := h.pins.Create(r.Context(), p); err != nil {
		slog.Error("failed to create pin", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	if !h.enqueuePin(w, r, types.QueueOpCreate, p) {
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// UpdatePin applies an interactive edit. By default it writes locally and
// enqueues; with ?sync=now it pushes immediately and surfaces a version
// conflict to the caller instead of resolving it silently.
func (h *Handler) UpdatePin(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}

	p, err := h.pins.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if p.DeletedAt != nil {
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
		return
	}

	p.Name = req.Name
	p.Notes = req.Notes
	p.Lat = *req.Lat
	p.Lng = *req.Lng
	if req.LocalImages != nil {
		p.LocalImages = req.LocalImages
	}
	if err := h.pins.Update(r.Context(), p); err != nil {
		MapStoreError(w, r, err)
		return
	}

	if syncNowRequested(r) {
		if !h.pushPinNow(w, r, p) {
			return
		}
	} else if !h.enqueuePin(w, r, types.QueueOpUpdate, p) {
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// DeletePin soft-deletes locally and enqueues the remote delete.
func (h *Handler) DeletePin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := h.pins.Get(r.Context(), id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if err := h.pins.Delete(r.Context(), id); err != nil {
		MapStoreError(w, r, err)
		return
	}
	// Forms survive their pin; they just lose the reference.
	if err := h.forms.DetachFromPin(r.Context(), id); err != nil {
		slog.Warn("failed to detach forms from deleted pin",
			"component", "api", "pin_id", id, "error", err)
	}

	// Re-read for the tombstone's timestamp; it stamps the queue entry.
	deleted, err := h.pins.Get(r.Context(), id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	payload, err := json.Marshal(map[string]int64{"version": p.Version})
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if _, err := h.queue.Enqueue(r.Context(), enqueueInput(types.QueueOpDelete, types.EntityPin, id, payload, deleted.UpdatedAt)); err != nil {
		slog.Error("failed to enqueue pin delete", "component", "api", "pin_id", id, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// enqueuePin records the remote mutation for the background drain.
// Returns false after writing an error response.
func (h *Handler) enqueuePin(w http.ResponseWriter, r *http.Request, op types.QueueOp, p *types.Pin) bool {
	payload, err := json.Marshal(types.PinToRemote(*p))
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return false
	}
	if _, err := h.queue.Enqueue(r.Context(), enqueueInput(op, types.EntityPin, p.ID, payload, p.UpdatedAt)); err != nil {
		slog.Error("failed to enqueue pin mutation",
			"component", "api", "pin_id", p.ID, "operation", op, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return false
	}
	return true
}

// pushPinNow pushes the edit synchronously. A version conflict comes back
// as a 409 problem embedding the server's state; the local row stays
// dirty so the user's next decision wins.
func (h *Handler) pushPinNow(w http.ResponseWriter, r *http.Request, p *types.Pin) bool {
	accepted, err := h.remote.UpsertPin(r.Context(), types.PinToRemote(*p))
	if err == nil {
		if err := h.pins.SetVersion(r.Context(), p.ID, accepted.Version); err != nil {
			slog.Error("failed to record pin version after push",
				"component", "api", "pin_id", p.ID, "error", err)
			WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
			return false
		}
		p.Version = accepted.Version
		if err := h.pins.MarkSynced(r.Context(), []string{p.ID}); err != nil {
			slog.Warn("failed to mark pin synced after push",
				"component", "api", "pin_id", p.ID, "error", err)
		}
		return true
	}

	var conflict *remote.VersionConflictError
	if errors.As(err, &conflict) {
		WriteVersionConflict(w, r, conflict.CurrentVersion, conflict.CurrentState)
		return false
	}
	slog.Error("immediate pin push failed", "component", "api", "pin_id", p.ID, "error", err)
	WriteProblem(w, r, http.StatusServiceUnavailable, "Remote store unavailable")
	return false
}
