package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/openfield/fieldsync/internal/remote"
	"github.com/openfield/fieldsync/internal/types"
)

// formRequest is the mutable surface of a form exposed to the UI.
type formRequest struct {
	PinID          *string  `json:"pin_id"`
	RespondentName string   `json:"respondent_name"`
	AgeGroup       string   `json:"age_group"`
	VisitDate      string   `json:"visit_date"`
	WaterSource    string   `json:"water_source"`
	Notes          string   `json:"notes"`
	Symptoms       []string `json:"symptoms"`
	Treatments     []string `json:"treatments"`
}

func (req *formRequest) validate() error {
	if req.RespondentName == "" {
		return errors.New("respondent_name is required")
	}
	return nil
}

func (req *formRequest) apply(f *types.Form) {
	f.PinID = req.PinID
	f.RespondentName = req.RespondentName
	f.AgeGroup = req.AgeGroup
	f.VisitDate = req.VisitDate
	f.WaterSource = req.WaterSource
	f.Notes = req.Notes
	f.Symptoms = req.Symptoms
	f.Treatments = req.Treatments
}

// ListForms returns every live form.
func (h *Handler) ListForms(w http.ResponseWriter, r *http.Request) {
	forms, err := h.forms.FetchAll(r.Context())
	if err != nil {
		slog.Error("failed to list forms", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	live := make([]types.Form, 0, len(forms))
	for _, f := range forms {
		if f.DeletedAt == nil {
			live = append(live, f)
		}
	}
	writeJSON(w, http.StatusOK, live)
}

// GetForm returns one form by id.
func (h *Handler) GetForm(w http.ResponseWriter, r *http.Request) {
	f, err := h.forms.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if f.DeletedAt != nil {
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// CreateForm writes the form locally and enqueues the remote create.
func (h *Handler) CreateForm(w http.ResponseWriter, r *http.Request) {
	var req formRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}

	var f types.Form
	req.apply(&f)
	if err := h.forms.Create(r.Context(), &f); err != nil {
		slog.Error("failed to create form", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	if !h.enqueueForm(w, r, types.QueueOpCreate, &f) {
		return
	}
	writeJSON(w, http.StatusCreated, &f)
}

// UpdateForm applies an interactive edit, with the same ?sync=now
// semantics as pins.
func (h *Handler) UpdateForm(w http.ResponseWriter, r *http.Request) {
	var req formRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}

	f, err := h.forms.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if f.DeletedAt != nil {
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
		return
	}

	req.apply(f)
	if err := h.forms.Update(r.Context(), f); err != nil {
		MapStoreError(w, r, err)
		return
	}

	if syncNowRequested(r) {
		if !h.pushFormNow(w, r, f) {
			return
		}
	} else if !h.enqueueForm(w, r, types.QueueOpUpdate, f) {
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// DeleteForm soft-deletes locally and enqueues the remote delete.
func (h *Handler) DeleteForm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, err := h.forms.Get(r.Context(), id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if err := h.forms.Delete(r.Context(), id); err != nil {
		MapStoreError(w, r, err)
		return
	}

	// Re-read for the tombstone's timestamp; it stamps the queue entry.
	deleted, err := h.forms.Get(r.Context(), id)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	payload, err := json.Marshal(map[string]int64{"version": f.Version})
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	if _, err := h.queue.Enqueue(r.Context(), enqueueInput(types.QueueOpDelete, types.EntityForm, id, payload, deleted.UpdatedAt)); err != nil {
		slog.Error("failed to enqueue form delete", "component", "api", "form_id", id, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) enqueueForm(w http.ResponseWriter, r *http.Request, op types.QueueOp, f *types.Form) bool {
	payload, err := json.Marshal(types.FormToRemote(*f))
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return false
	}
	if _, err := h.queue.Enqueue(r.Context(), enqueueInput(op, types.EntityForm, f.ID, payload, f.UpdatedAt)); err != nil {
		slog.Error("failed to enqueue form mutation",
			"component", "api", "form_id", f.ID, "operation", op, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return false
	}
	return true
}

func (h *Handler) pushFormNow(w http.ResponseWriter, r *http.Request, f *types.Form) bool {
	accepted, err := h.remote.UpsertForm(r.Context(), types.FormToRemote(*f))
	if err == nil {
		if err := h.forms.SetVersion(r.Context(), f.ID, accepted.Version); err != nil {
			slog.Error("failed to record form version after push",
				"component", "api", "form_id", f.ID, "error", err)
			WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
			return false
		}
		f.Version = accepted.Version
		if err := h.forms.MarkSynced(r.Context(), []string{f.ID}); err != nil {
			slog.Warn("failed to mark form synced after push",
				"component", "api", "form_id", f.ID, "error", err)
		}
		return true
	}

	var conflict *remote.VersionConflictError
	if errors.As(err, &conflict) {
		WriteVersionConflict(w, r, conflict.CurrentVersion, conflict.CurrentState)
		return false
	}
	slog.Error("immediate form push failed", "component", "api", "form_id", f.ID, "error", err)
	WriteProblem(w, r, http.StatusServiceUnavailable, "Remote store unavailable")
	return false
}
