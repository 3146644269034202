// Package sync implements the offline-first reconciliation core: a pure
// conflict resolver, a generic per-entity sync handler, the top-level
// manager, and the periodic scheduler.
package sync

import "time"

// Record is the minimal view the resolver needs of either side of a sync.
type Record interface {
	// Key returns the stable entity id.
	Key() string
	// EffectiveAt returns the deletion timestamp when soft-deleted,
	// the modification timestamp otherwise.
	EffectiveAt() time.Time
	// DeletedTime returns the soft-delete timestamp, nil when live.
	DeletedTime() *time.Time
}

// LocalRecord is a Record carrying the device-local dirty flag.
type LocalRecord interface {
	Record
	Dirty() bool
}

// Resolution is the resolver's verdict: entities to write into the local
// store and entities to push to the remote store. Every id in the union of
// both inputs lands in at most one of the two sets.
type Resolution[L LocalRecord, R Record] struct {
	ToLocal  []R
	ToRemote []L
}

// Resolve classifies every entity present on either side. Pure and
// deterministic: no I/O, no mutation of either input.
//
// Rules, per entity id:
//   - present only remotely: pull
//   - present only locally: push
//   - deletion on exactly one side wins regardless of timestamps
//   - otherwise last-write-wins on the effective timestamp
//   - equal timestamps: push only if the local copy is dirty, else no action
func Resolve[L LocalRecord, R Record](local []L, remote []R) Resolution[L, R] {
	localByID := make(map[string]L, len(local))
	for _, l := range local {
		localByID[l.Key()] = l
	}
	remoteByID := make(map[string]R, len(remote))
	for _, r := range remote {
		remoteByID[r.Key()] = r
	}

	var res Resolution[L, R]

	for _, l := range local {
		r, onRemote := remoteByID[l.Key()]
		if !onRemote {
			res.ToRemote = append(res.ToRemote, l)
			continue
		}

		switch {
		case r.DeletedTime() != nil && l.DeletedTime() == nil:
			// Remote deletion wins.
			res.ToLocal = append(res.ToLocal, r)
		case l.DeletedTime() != nil && r.DeletedTime() == nil:
			// Local deletion wins.
			res.ToRemote = append(res.ToRemote, l)
		case r.EffectiveAt().After(l.EffectiveAt()):
			res.ToLocal = append(res.ToLocal, r)
		case l.EffectiveAt().After(r.EffectiveAt()):
			res.ToRemote = append(res.ToRemote, l)
		case l.Dirty():
			// Equal timestamps: favor not losing an uncommitted local edit.
			res.ToRemote = append(res.ToRemote, l)
		}
	}

	// Entities the device has never seen.
	for _, r := range remote {
		if _, onLocal := localByID[r.Key()]; !onLocal {
			res.ToLocal = append(res.ToLocal, r)
		}
	}

	return res
}
