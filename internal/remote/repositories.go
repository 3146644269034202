package remote

import (
	"context"
	"time"

	"github.com/openfield/fieldsync/internal/types"
)

// PinRepository adapts the client to the per-entity repository shape the
// sync handler consumes.
type PinRepository struct {
	c *Client
}

// Pins returns the remote pin repository backed by this client.
func (c *Client) Pins() *PinRepository { return &PinRepository{c: c} }

// FetchAll returns the full remote pin snapshot.
func (r *PinRepository) FetchAll(ctx context.Context) ([]types.RemotePin, error) {
	return r.c.FetchPins(ctx)
}

// FetchSince returns only the pins modified after the given instant.
func (r *PinRepository) FetchSince(ctx context.Context, since time.Time) ([]types.RemotePin, error) {
	return r.c.FetchPinsSince(ctx, since)
}

// UpsertAll pushes the given pins and returns the accepted states; safe
// under retry.
func (r *PinRepository) UpsertAll(ctx context.Context, pins []types.RemotePin) ([]types.RemotePin, error) {
	return r.c.UpsertPins(ctx, pins)
}

// FormRepository adapts the client to the repository shape for forms.
type FormRepository struct {
	c *Client
}

// Forms returns the remote form repository backed by this client.
func (c *Client) Forms() *FormRepository { return &FormRepository{c: c} }

// FetchAll returns the full remote form snapshot.
func (r *FormRepository) FetchAll(ctx context.Context) ([]types.RemoteForm, error) {
	return r.c.FetchForms(ctx)
}

// FetchSince returns only the forms modified after the given instant.
func (r *FormRepository) FetchSince(ctx context.Context, since time.Time) ([]types.RemoteForm, error) {
	return r.c.FetchFormsSince(ctx, since)
}

// UpsertAll pushes the given forms and returns the accepted states; safe
// under retry.
func (r *FormRepository) UpsertAll(ctx context.Context, forms []types.RemoteForm) ([]types.RemoteForm, error) {
	return r.c.UpsertForms(ctx, forms)
}
