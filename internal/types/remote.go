package types

import (
	"encoding/json"
	"time"
)

// RemotePin is the wire representation of a pin. Array fields are native
// JSON arrays and no local-only fields are present.
type RemotePin struct {
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
}

// RemoteForm is the wire representation of a form.
type RemoteForm struct {
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
}

// Key returns the stable identity of the remote pin.
func (p RemotePin) Key() string { return p.ID }

// EffectiveAt returns the timestamp used for conflict resolution.
func (p RemotePin) EffectiveAt() time.Time {
	if p.DeletedAt != nil {
		return *p.DeletedAt
	}
	return p.UpdatedAt
}

// DeletedTime returns the soft-delete timestamp, nil when live.
func (p RemotePin) DeletedTime() *time.Time { return p.DeletedAt }

// Key returns the stable identity of the remote form.
func (f RemoteForm) Key() string { return f.ID }

// EffectiveAt returns the timestamp used for conflict resolution.
func (f RemoteForm) EffectiveAt() time.Time {
	if f.DeletedAt != nil {
		return *f.DeletedAt
	}
	return f.UpdatedAt
}

// DeletedTime returns the soft-delete timestamp, nil when live.
func (f RemoteForm) DeletedTime() *time.Time { return f.DeletedAt }

// MarshalJSON ensures nil slices in RemotePin marshal as [] not null.
func (p RemotePin) MarshalJSON() ([]byte, error) {
	if p.Images == nil {
		p.Images = []string{}
	}
	type Alias RemotePin
	return json.Marshal(Alias(p))
}

// MarshalJSON ensures nil slices in RemoteForm marshal as [] not null.
func (f RemoteForm) MarshalJSON() ([]byte, error) {
	if f.Symptoms == nil {
		f.Symptoms = []string{}
	}
	if f.Treatments == nil {
		f.Treatments = []string{}
	}
	type Alias RemoteForm
	return json.Marshal(Alias(f))
}

// PinToRemote converts a local pin to its wire representation, stripping
// every local-only field. The conversion is total: every syncable field is
// carried across.
func PinToRemote(p Pin) RemotePin {
	return RemotePin{
		ID:        p.ID,
		Name:      p.Name,
		Notes:     p.Notes,
		Lat:       p.Lat,
		Lng:       p.Lng,
		Images:    p.Images,
		Version:   p.Version,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
		DeletedAt: p.DeletedAt,
	}
}

// PinFromRemote converts a wire pin to its local representation. Local-only
// fields are left zero; the store preserves existing values on upsert.
func PinFromRemote(r RemotePin) Pin {
	return Pin{
		ID:        r.ID,
		Name:      r.Name,
		Notes:     r.Notes,
		Lat:       r.Lat,
		Lng:       r.Lng,
		Images:    r.Images,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		DeletedAt: r.DeletedAt,
	}
}

// FormToRemote converts a local form to its wire representation.
func FormToRemote(f Form) RemoteForm {
	return RemoteForm{
		ID:             f.ID,
		PinID:          f.PinID,
		RespondentName: f.RespondentName,
		AgeGroup:       f.AgeGroup,
		VisitDate:      f.VisitDate,
		WaterSource:    f.WaterSource,
		Notes:          f.Notes,
		Symptoms:       f.Symptoms,
		Treatments:     f.Treatments,
		Version:        f.Version,
		CreatedAt:      f.CreatedAt,
		UpdatedAt:      f.UpdatedAt,
		DeletedAt:      f.DeletedAt,
	}
}

// FormFromRemote converts a wire form to its local representation.
func FormFromRemote(r RemoteForm) Form {
	return Form{
		ID:             r.ID,
		PinID:          r.PinID,
		RespondentName: r.RespondentName,
		AgeGroup:       r.AgeGroup,
		VisitDate:      r.VisitDate,
		WaterSource:    r.WaterSource,
		Notes:          r.Notes,
		Symptoms:       r.Symptoms,
		Treatments:     r.Treatments,
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		DeletedAt:      r.DeletedAt,
	}
}
