package types

import (
	"encoding/json"
	"time"
)

// SyncStatus represents the local synchronization state of an entity.
// It exists only on the device; the remote store never sees it.
type SyncStatus string

const (
	StatusUnsynced SyncStatus = "unsynced"
	StatusDirty    SyncStatus = "dirty"
	StatusSynced   SyncStatus = "synced"
	StatusDeleted  SyncStatus = "deleted"
	StatusFailed   SyncStatus = "failed"
)

// Pin represents a geographic location record collected in the field.
type Pin struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Notes     string     `json:"notes,omitempty"`
	Lat       float64    `json:"lat"`
	Lng       float64    `json:"lng"`
	Images    []string   `json:"images"`
	Version   int64      `json:"version"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	// Local-only fields; never transmitted to the remote store.
	LocalImages      []string   `json:"local_images,omitempty"`
	Status           SyncStatus `json:"status,omitempty"`
	LastSyncedAt     *time.Time `json:"last_synced_at,omitempty"`
	LastFailedSyncAt *time.Time `json:"last_failed_sync_at,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
}

// Form represents a health survey response, optionally attached to a pin.
// PinID is nullable: a form may be orphaned if its pin is deleted.
type Form struct {
	ID             string     `json:"id"`
	PinID          *string    `json:"pin_id,omitempty"`
	RespondentName string     `json:"respondent_name"`
	AgeGroup       string     `json:"age_group,omitempty"`
	VisitDate      string     `json:"visit_date,omitempty"`
	WaterSource    string     `json:"water_source,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	Symptoms       []string   `json:"symptoms"`
	Treatments     []string   `json:"treatments"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`

	// Local-only fields; never transmitted to the remote store.
	Status           SyncStatus `json:"status,omitempty"`
	LastSyncedAt     *time.Time `json:"last_synced_at,omitempty"`
	LastFailedSyncAt *time.Time `json:"last_failed_sync_at,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
}

// Key returns the stable identity of the pin.
func (p Pin) Key() string { return p.ID }

// EffectiveAt returns the timestamp used for conflict resolution:
// the deletion time when soft-deleted, the modification time otherwise.
func (p Pin) EffectiveAt() time.Time {
	if p.DeletedAt != nil {
		return *p.DeletedAt
	}
	return p.UpdatedAt
}

// DeletedTime returns the soft-delete timestamp, nil when the pin is live.
func (p Pin) DeletedTime() *time.Time { return p.DeletedAt }

// Dirty reports whether the pin has unsynced local changes.
func (p Pin) Dirty() bool { return p.Status == StatusDirty }

// Key returns the stable identity of the form.
func (f Form) Key() string { return f.ID }

// EffectiveAt returns the timestamp used for conflict resolution.
func (f Form) EffectiveAt() time.Time {
	if f.DeletedAt != nil {
		return *f.DeletedAt
	}
	return f.UpdatedAt
}

// DeletedTime returns the soft-delete timestamp, nil when the form is live.
func (f Form) DeletedTime() *time.Time { return f.DeletedAt }

// Dirty reports whether the form has unsynced local changes.
func (f Form) Dirty() bool { return f.Status == StatusDirty }

// MarshalJSON ensures nil slices in Pin marshal as [] not null.
func (p Pin) MarshalJSON() ([]byte, error) {
	if p.Images == nil {
		p.Images = []string{}
	}
	type Alias Pin
	return json.Marshal(Alias(p))
}

// MarshalJSON ensures nil slices in Form marshal as [] not null.
func (f Form) MarshalJSON() ([]byte, error) {
	if f.Symptoms == nil {
		f.Symptoms = []string{}
	}
	if f.Treatments == nil {
		f.Treatments = []string{}
	}
	type Alias Form
	return json.Marshal(Alias(f))
}
