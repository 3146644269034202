package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openfield/fieldsync/internal/remote"
	"github.com/openfield/fieldsync/internal/types"
)

// LocalPins is the slice of the pin repository the dispatcher needs to
// confirm pushes and adopt conflict resolutions.
type LocalPins interface {
	UpsertAll(ctx context.Context, pins []types.Pin) error
	MarkSynced(ctx context.Context, ids []string) error
	SetVersion(ctx context.Context, id string, version int64) error
}

// LocalForms mirrors LocalPins for forms.
type LocalForms interface {
	UpsertAll(ctx context.Context, forms []types.Form) error
	MarkSynced(ctx context.Context, ids []string) error
	SetVersion(ctx context.Context, id string, version int64) error
}

// RemoteAPI is the slice of the remote client the dispatcher replays
// operations against. Upserts return the accepted state so the dispatcher
// can persist the server-assigned version.
type RemoteAPI interface {
	UpsertPin(ctx context.Context, p types.RemotePin) (types.RemotePin, error)
	DeletePin(ctx context.Context, id string, version int64) error
	UpsertForm(ctx context.Context, f types.RemoteForm) (types.RemoteForm, error)
	DeleteForm(ctx context.Context, id string, version int64) error
}

// RemoteDispatcher replays queued mutations against the remote API and
// reflects the outcome back into the local store. On a version conflict
// the server wins: its current state is written locally and marked
// synced, and the conflict error is returned so the queue retires the
// operation instead of retrying it.
type RemoteDispatcher struct {
	api   RemoteAPI
	pins  LocalPins
	forms LocalForms
}

// NewRemoteDispatcher wires a dispatcher over the remote API and the two
// local repositories.
func NewRemoteDispatcher(api RemoteAPI, pins LocalPins, forms LocalForms) *RemoteDispatcher {
	return &RemoteDispatcher{api: api, pins: pins, forms: forms}
}

// deletePayload is the optional body of a delete operation, carrying the
// base version for the optimistic-concurrency check.
type deletePayload struct {
	Version int64 `json:"version"`
}

// Dispatch replays one operation. Create and update carry the full remote
// entity as payload; delete carries only the base version.
func (d *RemoteDispatcher) Dispatch(ctx context.Context, op types.QueueOperation) error {
	switch op.EntityType {
	case types.EntityPin:
		return d.dispatchPin(ctx, op)
	case types.EntityForm:
		return d.dispatchForm(ctx, op)
	default:
		return fmt.Errorf("%w: unknown entity type %q", remote.ErrValidation, op.EntityType)
	}
}

func (d *RemoteDispatcher) dispatchPin(ctx context.Context, op types.QueueOperation) error {
	if op.Operation == types.QueueOpDelete {
		version, err := parseDeleteVersion(op.Payload)
		if err != nil {
			return err
		}
		if err := d.api.DeletePin(ctx, op.EntityID, version); err != nil {
			return d.adoptOnConflictPin(ctx, op.EntityID, err)
		}
		return d.pins.MarkSynced(ctx, []string{op.EntityID})
	}

	var p types.RemotePin
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return fmt.Errorf("%w: decode pin payload: %v", remote.ErrValidation, err)
	}
	if p.ID != op.EntityID {
		return fmt.Errorf("%w: payload id %q does not match operation entity %q", remote.ErrValidation, p.ID, op.EntityID)
	}
	accepted, err := d.api.UpsertPin(ctx, p)
	if err != nil {
		return d.adoptOnConflictPin(ctx, op.EntityID, err)
	}
	// The server bumped the version on acceptance. Persist it or the next
	// local edit would push a stale base version and conflict spuriously.
	if err := d.pins.SetVersion(ctx, op.EntityID, accepted.Version); err != nil {
		return fmt.Errorf("record accepted pin version %s: %w", op.EntityID, err)
	}
	return d.pins.MarkSynced(ctx, []string{op.EntityID})
}

func (d *RemoteDispatcher) dispatchForm(ctx context.Context, op types.QueueOperation) error {
	if op.Operation == types.QueueOpDelete {
		version, err := parseDeleteVersion(op.Payload)
		if err != nil {
			return err
		}
		if err := d.api.DeleteForm(ctx, op.EntityID, version); err != nil {
			return d.adoptOnConflictForm(ctx, op.EntityID, err)
		}
		return d.forms.MarkSynced(ctx, []string{op.EntityID})
	}

	var f types.RemoteForm
	if err := json.Unmarshal(op.Payload, &f); err != nil {
		return fmt.Errorf("%w: decode form payload: %v", remote.ErrValidation, err)
	}
	if f.ID != op.EntityID {
		return fmt.Errorf("%w: payload id %q does not match operation entity %q", remote.ErrValidation, f.ID, op.EntityID)
	}
	accepted, err := d.api.UpsertForm(ctx, f)
	if err != nil {
		return d.adoptOnConflictForm(ctx, op.EntityID, err)
	}
	if err := d.forms.SetVersion(ctx, op.EntityID, accepted.Version); err != nil {
		return fmt.Errorf("record accepted form version %s: %w", op.EntityID, err)
	}
	return d.forms.MarkSynced(ctx, []string{op.EntityID})
}

// adoptOnConflictPin writes the server's current pin state into the local
// store when err is a version conflict. The conflict error is returned
// either way; the queue uses it to retire the operation.
func (d *RemoteDispatcher) adoptOnConflictPin(ctx context.Context, id string, err error) error {
	conflict := asConflict(err)
	if conflict == nil {
		return err
	}

	var server types.RemotePin
	if derr := json.Unmarshal(conflict.CurrentState, &server); derr != nil {
		slog.Error("failed to decode conflicting server state",
			"component", "dispatcher", "entity_type", types.EntityPin, "entity_id", id, "error", derr)
		return err
	}
	if uerr := d.pins.UpsertAll(ctx, []types.Pin{types.PinFromRemote(server)}); uerr != nil {
		return fmt.Errorf("adopt server pin %s: %w", id, uerr)
	}
	if merr := d.pins.MarkSynced(ctx, []string{id}); merr != nil {
		return fmt.Errorf("mark adopted pin %s synced: %w", id, merr)
	}
	return err
}

func (d *RemoteDispatcher) adoptOnConflictForm(ctx context.Context, id string, err error) error {
	conflict := asConflict(err)
	if conflict == nil {
		return err
	}

	var server types.RemoteForm
	if derr := json.Unmarshal(conflict.CurrentState, &server); derr != nil {
		slog.Error("failed to decode conflicting server state",
			"component", "dispatcher", "entity_type", types.EntityForm, "entity_id", id, "error", derr)
		return err
	}
	if uerr := d.forms.UpsertAll(ctx, []types.Form{types.FormFromRemote(server)}); uerr != nil {
		return fmt.Errorf("adopt server form %s: %w", id, uerr)
	}
	if merr := d.forms.MarkSynced(ctx, []string{id}); merr != nil {
		return fmt.Errorf("mark adopted form %s synced: %w", id, merr)
	}
	return err
}

func asConflict(err error) *remote.VersionConflictError {
	var conflict *remote.VersionConflictError
	if errors.As(err, &conflict) {
		return conflict
	}
	return nil
}

func parseDeleteVersion(payload json.RawMessage) (int64, error) {
	if len(payload) == 0 {
		return 0, nil
	}
	var body deletePayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return 0, fmt.Errorf("%w: decode delete payload: %v", remote.ErrValidation, err)
	}
	return body.Version, nil
}
