package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// LocalRepository is the slice of the local store a handler needs for one
// entity type.
type LocalRepository[L LocalRecord] interface {
	FetchAll(ctx context.Context) ([]L, error)
	UpsertAll(ctx context.Context, items []L) error
	MarkSynced(ctx context.Context, ids []string) error
	MarkFailed(ctx context.Context, ids []string, reason string) error
}

// RemoteRepository is the slice of the remote API a handler needs for one
// entity type. Implementations strip local-only fields before transmission.
// UpsertAll returns the accepted states so the caller can persist the
// server-assigned versions.
type RemoteRepository[R Record] interface {
	FetchAll(ctx context.Context) ([]R, error)
	FetchSince(ctx context.Context, since time.Time) ([]R, error)
	UpsertAll(ctx context.Context, items []R) ([]R, error)
}

// Codec converts between the local and remote representation of one entity
// type. Both directions must be total and round-trip-safe.
type Codec[L LocalRecord, R Record] struct {
	ToLocal  func(R) L
	ToRemote func(L) R
}

// PostSyncFunc runs entity-specific side effects after both upserts succeed,
// e.g. attachment reconciliation. pulled holds entities freshly written
// locally, pushed entities freshly written remotely.
type PostSyncFunc[L LocalRecord, R Record] func(ctx context.Context, pulled []L, pushed []R) error

// Handler orchestrates one full reconciliation pass for a single entity
// type. Entity-specific behavior is injected as values: two repositories, a
// codec pair and an optional post-sync hook.
type Handler[L LocalRecord, R Record] struct {
	name     string
	local    LocalRepository[L]
	remote   RemoteRepository[R]
	codec    Codec[L, R]
	postSync PostSyncFunc[L, R]
}

// NewHandler creates a sync handler for one entity type.
func NewHandler[L LocalRecord, R Record](
	name string,
	local LocalRepository[L],
	remote RemoteRepository[R],
	codec Codec[L, R],
	postSync PostSyncFunc[L, R],
) *Handler[L, R] {
	return &Handler[L, R]{
		name:     name,
		local:    local,
		remote:   remote,
		codec:    codec,
		postSync: postSync,
	}
}

// Name identifies the handler in manager aggregation and logs.
func (h *Handler[L, R]) Name() string { return h.name }

// Execute runs one full sync pass. The first error aborts the whole pass:
// a retry re-resolves from scratch, so every write along the way must be
// idempotent. Failures here never affect other entity types' handlers.
func (h *Handler[L, R]) Execute(ctx context.Context) error {
	// 1. Fetch both snapshots concurrently; both must complete.
	var localItems []L
	var remoteItems []R

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if localItems, err = h.local.FetchAll(gctx); err != nil {
			return fmt.Errorf("fetch local %s: %w", h.name, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if remoteItems, err = h.remote.FetchAll(gctx); err != nil {
			return fmt.Errorf("fetch remote %s: %w", h.name, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	// 2. Classify.
	res := Resolve(localItems, remoteItems)
	if len(res.ToLocal) == 0 && len(res.ToRemote) == 0 {
		slog.Debug("nothing to reconcile", "component", "sync", "handler", h.name)
		return nil
	}

	// 3. Convert each direction.
	pulled := make([]L, len(res.ToLocal))
	for i, r := range res.ToLocal {
		pulled[i] = h.codec.ToLocal(r)
	}
	pushed := make([]R, len(res.ToRemote))
	for i, l := range res.ToRemote {
		pushed[i] = h.codec.ToRemote(l)
	}

	// 4. Apply both upserts concurrently; either failure aborts the pass
	// before anything is marked synced.
	var accepted []R
	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := h.local.UpsertAll(gctx, pulled); err != nil {
			return fmt.Errorf("upsert local %s: %w", h.name, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if accepted, err = h.remote.UpsertAll(gctx, pushed); err != nil {
			return fmt.Errorf("upsert remote %s: %w", h.name, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		h.recordFailure(ctx, res, err)
		return err
	}

	// 5. Persist the accepted states: the server bumped each pushed
	// entity's version, and a local row left on the old version would
	// carry a stale base version into its next write.
	if len(accepted) > 0 {
		adopted := make([]L, len(accepted))
		for i, r := range accepted {
			adopted[i] = h.codec.ToLocal(r)
		}
		if err := h.local.UpsertAll(ctx, adopted); err != nil {
			err = fmt.Errorf("adopt accepted %s: %w", h.name, err)
			h.recordFailure(ctx, res, err)
			return err
		}
	}

	// 6. Entity-specific side effects, strictly after both upserts. The
	// hook sees the accepted states so its own writes carry current
	// versions.
	if h.postSync != nil {
		if err := h.postSync(ctx, pulled, accepted); err != nil {
			h.recordFailure(ctx, res, err)
			return fmt.Errorf("post-sync %s: %w", h.name, err)
		}
	}

	// 7. Mark every touched entity synced. Marking is idempotent, so a
	// partial failure here is reported and retried on the next pass.
	pulledIDs := make([]string, len(res.ToLocal))
	for i, r := range res.ToLocal {
		pulledIDs[i] = r.Key()
	}
	pushedIDs := make([]string, len(res.ToRemote))
	for i, l := range res.ToRemote {
		pushedIDs[i] = l.Key()
	}

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error { return h.local.MarkSynced(gctx, pulledIDs) })
	g.Go(func() error { return h.local.MarkSynced(gctx, pushedIDs) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("mark %s synced: %w", h.name, err)
	}

	slog.Info("sync pass completed",
		"component", "sync",
		"handler", h.name,
		"pulled", len(pulledIDs),
		"pushed", len(pushedIDs),
	)
	return nil
}

// PullSince applies remote changes made after the given instant without
// pushing anything. The comparison set is restricted to ids present in
// the delta: an id the delta does not mention carries no new remote
// state, so treating it as local-only (and pushing it) would be wrong.
// Dirty local rows that win their comparison stay with the queue.
func (h *Handler[L, R]) PullSince(ctx context.Context, since time.Time) error {
	remoteItems, err := h.remote.FetchSince(ctx, since)
	if err != nil {
		return fmt.Errorf("fetch remote %s delta: %w", h.name, err)
	}
	if len(remoteItems) == 0 {
		return nil
	}

	localItems, err := h.local.FetchAll(ctx)
	if err != nil {
		return fmt.Errorf("fetch local %s: %w", h.name, err)
	}
	changed := make(map[string]bool, len(remoteItems))
	for _, r := range remoteItems {
		changed[r.Key()] = true
	}
	subset := make([]L, 0, len(remoteItems))
	for _, l := range localItems {
		if changed[l.Key()] {
			subset = append(subset, l)
		}
	}

	res := Resolve(subset, remoteItems)
	if len(res.ToLocal) == 0 {
		return nil
	}

	pulled := make([]L, len(res.ToLocal))
	pulledIDs := make([]string, len(res.ToLocal))
	for i, r := range res.ToLocal {
		pulled[i] = h.codec.ToLocal(r)
		pulledIDs[i] = r.Key()
	}
	if err := h.local.UpsertAll(ctx, pulled); err != nil {
		return fmt.Errorf("upsert local %s: %w", h.name, err)
	}
	if h.postSync != nil {
		if err := h.postSync(ctx, pulled, nil); err != nil {
			return fmt.Errorf("post-sync %s: %w", h.name, err)
		}
	}
	if err := h.local.MarkSynced(ctx, pulledIDs); err != nil {
		return fmt.Errorf("mark %s synced: %w", h.name, err)
	}

	slog.Info("incremental pull applied",
		"component", "sync",
		"handler", h.name,
		"pulled", len(pulledIDs),
	)
	return nil
}

// recordFailure stamps failure bookkeeping on the local rows the pass
// touched. Best effort: the original error is what propagates.
func (h *Handler[L, R]) recordFailure(ctx context.Context, res Resolution[L, R], cause error) {
	ids := make([]string, 0, len(res.ToRemote))
	for _, l := range res.ToRemote {
		ids = append(ids, l.Key())
	}
	if len(ids) == 0 {
		return
	}
	if err := h.local.MarkFailed(ctx, ids, cause.Error()); err != nil {
		slog.Warn("failed to record sync failure",
			"component", "sync",
			"handler", h.name,
			"error", err,
		)
	}
}
