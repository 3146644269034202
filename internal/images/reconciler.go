package images

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/openfield/fieldsync/internal/types"
)

// FileFailure records one attachment that could not be transferred.
type FileFailure struct {
	Ref   string // public URL or local path
	Cause error
}

// FailList is the aggregate error for a reconciliation in which some
// attachments failed. Sibling files still transferred; the caller decides
// whether the partial result is acceptable.
type FailList struct {
	EntityType types.EntityType
	EntityID   string
	Failures   []FileFailure
}

func (e *FailList) Error() string {
	refs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		refs[i] = f.Ref
	}
	return fmt.Sprintf("%d of %s %s attachments failed: %s",
		len(e.Failures), e.EntityType, e.EntityID, strings.Join(refs, ", "))
}

// Reconciler synchronizes one entity's attachments between the device
// cache and blob storage. Each direction replaces wholesale: the images
// field is the source of truth inbound, the local cache outbound.
type Reconciler struct {
	files *FileStore
	blobs BlobClient
}

// NewReconciler wires a reconciler over the cache and blob transport.
func NewReconciler(files *FileStore, blobs BlobClient) *Reconciler {
	return &Reconciler{files: files, blobs: blobs}
}

// Pull replaces the entity's cached files with fresh downloads of every
// remote URL and returns the resulting local paths. Files are attempted
// independently; failures come back as a *FailList alongside the paths
// that did succeed.
func (r *Reconciler) Pull(ctx context.Context, entityType types.EntityType, entityID string, remoteURLs []string) ([]string, error) {
	if err := r.files.Clear(entityType, entityID); err != nil {
		return nil, err
	}

	var paths []string
	var failures []FileFailure
	for _, u := range remoteURLs {
		p, err := r.download(ctx, entityType, entityID, u)
		if err != nil {
			failures = append(failures, FileFailure{Ref: u, Cause: err})
			continue
		}
		paths = append(paths, p)
	}

	if len(failures) > 0 {
		return paths, &FailList{EntityType: entityType, EntityID: entityID, Failures: failures}
	}
	return paths, nil
}

func (r *Reconciler) download(ctx context.Context, entityType types.EntityType, entityID, publicURL string) (string, error) {
	body, err := r.blobs.Download(ctx, publicURL)
	if err != nil {
		return "", err
	}
	defer body.Close()
	return r.files.Save(entityType, entityID, path.Ext(publicURL), body)
}

// Push replaces the entity's remote objects: deletes every URL currently
// recorded, uploads every cached local file, and returns the new public
// URLs. Per-file independence as in Pull.
func (r *Reconciler) Push(ctx context.Context, entityType types.EntityType, entityID string, currentURLs, localPaths []string) ([]string, error) {
	var failures []FileFailure
	for _, u := range currentURLs {
		if err := r.blobs.Delete(ctx, u); err != nil {
			failures = append(failures, FileFailure{Ref: u, Cause: err})
		}
	}

	var urls []string
	for _, p := range localPaths {
		u, err := r.blobs.Upload(ctx, entityType, entityID, p)
		if err != nil {
			failures = append(failures, FileFailure{Ref: p, Cause: err})
			continue
		}
		urls = append(urls, u)
	}

	if len(failures) > 0 {
		return urls, &FailList{EntityType: entityType, EntityID: entityID, Failures: failures}
	}
	return urls, nil
}

// PinStore is the slice of the local pin repository the post-sync hook
// rewrites image references through.
type PinStore interface {
	FetchAll(ctx context.Context) ([]types.Pin, error)
	UpdateImages(ctx context.Context, id string, images, localImages []string) error
	SetVersion(ctx context.Context, id string, version int64) error
}

// RemotePins pushes rewritten image URLs back to the remote store and
// returns the accepted state with its new version.
type RemotePins interface {
	UpsertPin(ctx context.Context, p types.RemotePin) (types.RemotePin, error)
}

// PinHook is the pin sync handler's post-sync collaborator: after a pass
// writes pins on both sides, it brings each pin's attachments in line
// with its images field. Failures are logged per pin and never abort the
// pass; the repair pass picks up whatever is still out of line.
type PinHook struct {
	rec    *Reconciler
	pins   PinStore
	remote RemotePins
}

// NewPinHook wires the attachment hook for the pin handler.
func NewPinHook(rec *Reconciler, pins PinStore, remote RemotePins) *PinHook {
	return &PinHook{rec: rec, pins: pins, remote: remote}
}

// AfterSync reconciles attachments for a finished pin pass. Pulled pins
// download their remote images into the cache; pushed pins upload their
// cached files and propagate the new URLs to both stores. pushed must
// carry the accepted states from the pass: the propagation upsert needs
// the server-assigned version as its base or it would conflict with the
// write the pass itself just made.
func (h *PinHook) AfterSync(ctx context.Context, pulled []types.Pin, pushed []types.RemotePin) error {
	for _, p := range pulled {
		if p.DeletedAt != nil {
			if err := h.rec.files.Clear(types.EntityPin, p.ID); err != nil {
				slog.Warn("failed to clear deleted pin attachments",
					"component", "images", "pin_id", p.ID, "error", err)
			}
			continue
		}

		local, err := h.rec.Pull(ctx, types.EntityPin, p.ID, p.Images)
		if err != nil {
			slog.Warn("pin attachment pull incomplete",
				"component", "images", "pin_id", p.ID, "error", err)
		}
		if err := h.pins.UpdateImages(ctx, p.ID, p.Images, local); err != nil {
			return fmt.Errorf("rewrite pin %s local images: %w", p.ID, err)
		}
	}

	for _, p := range pushed {
		if p.DeletedAt != nil {
			continue
		}
		local, err := h.rec.files.List(types.EntityPin, p.ID)
		if err != nil {
			return fmt.Errorf("list pin %s attachments: %w", p.ID, err)
		}
		if len(local) == 0 && len(p.Images) == 0 {
			continue
		}

		urls, err := h.rec.Push(ctx, types.EntityPin, p.ID, p.Images, local)
		if err != nil {
			slog.Warn("pin attachment push incomplete",
				"component", "images", "pin_id", p.ID, "error", err)
		}
		if urls == nil {
			urls = []string{}
		}

		if err := h.pins.UpdateImages(ctx, p.ID, urls, local); err != nil {
			return fmt.Errorf("rewrite pin %s images: %w", p.ID, err)
		}
		p.Images = urls
		accepted, err := h.remote.UpsertPin(ctx, p)
		if err != nil {
			return fmt.Errorf("propagate pin %s image urls: %w", p.ID, err)
		}
		if err := h.pins.SetVersion(ctx, p.ID, accepted.Version); err != nil {
			return fmt.Errorf("record pin %s version: %w", p.ID, err)
		}
	}
	return nil
}

// Name identifies the repair pass in manager aggregation and logs.
func (h *PinHook) Name() string { return "pin-attachments" }

// Execute is the attachment repair pass: it re-downloads remote images for
// synced pins whose cache disagrees with their images field, so a partial
// pull eventually completes even when the pin row itself never changes
// again. Only synced rows are touched; a dirty row's cache holds staged
// local files that must survive until its first push.
func (h *PinHook) Execute(ctx context.Context) error {
	pins, err := h.pins.FetchAll(ctx)
	if err != nil {
		return fmt.Errorf("fetch pins for attachment repair: %w", err)
	}

	for _, p := range pins {
		if p.Status != types.StatusSynced || p.DeletedAt != nil {
			continue
		}
		if len(p.LocalImages) == len(p.Images) {
			continue
		}

		local, err := h.rec.Pull(ctx, types.EntityPin, p.ID, p.Images)
		if err != nil {
			slog.Warn("pin attachment repair incomplete",
				"component", "images", "pin_id", p.ID, "error", err)
		}
		if err := h.pins.UpdateImages(ctx, p.ID, p.Images, local); err != nil {
			return fmt.Errorf("rewrite pin %s local images: %w", p.ID, err)
		}
	}
	return nil
}
