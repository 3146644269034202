package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/openfield/fieldsync/internal/types"
)

// FormRepository owns all local writes to the forms table.
type FormRepository struct {
	s *SQLiteStore
}

const formColumns = `id, pin_id, respondent_name, age_group, visit_date, water_source, notes,
	symptoms, treatments, version, status,
	created_at, updated_at, deleted_at, last_synced_at, last_failed_sync_at, failure_reason`

func scanForm(scanner interface{ Scan(...any) error }) (*types.Form, error) {
	var f types.Form
	var pinID sql.NullString
	var symptoms, treatments, status string
	var createdAt, updatedAt string
	var deletedAt, lastSyncedAt, lastFailedAt sql.NullString

	err := scanner.Scan(
		&f.ID, &pinID, &f.RespondentName, &f.AgeGroup, &f.VisitDate, &f.WaterSource, &f.Notes,
		&symptoms, &treatments, &f.Version, &status,
		&createdAt, &updatedAt, &deletedAt, &lastSyncedAt, &lastFailedAt,
		&f.FailureReason,
	)
	if err != nil {
		return nil, err
	}

	if pinID.Valid {
		f.PinID = &pinID.String
	}
	if f.Symptoms, err = decodeStrings(symptoms); err != nil {
		return nil, fmt.Errorf("decode symptoms: %w", err)
	}
	if f.Treatments, err = decodeStrings(treatments); err != nil {
		return nil, fmt.Errorf("decode treatments: %w", err)
	}

	f.Status = types.SyncStatus(status)
	f.CreatedAt = parseTime(createdAt)
	f.UpdatedAt = parseTime(updatedAt)
	f.DeletedAt = parseNullableTime(deletedAt)
	f.LastSyncedAt = parseNullableTime(lastSyncedAt)
	f.LastFailedSyncAt = parseNullableTime(lastFailedAt)

	return &f, nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// FetchAll returns every form row, including soft-deleted ones.
func (r *FormRepository) FetchAll(ctx context.Context) ([]types.Form, error) {
	rows, err := r.s.db.QueryContext(ctx, `SELECT `+formColumns+` FROM forms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query forms: %w", err)
	}
	defer rows.Close()

	var forms []types.Form
	for rows.Next() {
		f, err := scanForm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan form: %w", err)
		}
		forms = append(forms, *f)
	}
	return forms, rows.Err()
}

// Get retrieves a single form by id.
func (r *FormRepository) Get(ctx context.Context, id string) (*types.Form, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+formColumns+` FROM forms WHERE id = ?`, id)
	f, err := scanForm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan form: %w", err)
	}
	return f, nil
}

// Create inserts a new form with dirty status, fresh timestamps and cleared
// failure bookkeeping.
func (r *FormRepository) Create(ctx context.Context, f *types.Form) error {
	if f.ID == "" {
		f.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now
	f.DeletedAt = nil
	f.Status = types.StatusDirty
	f.LastSyncedAt = nil
	f.LastFailedSyncAt = nil
	f.FailureReason = ""

	symptoms, err := encodeStrings(f.Symptoms)
	if err != nil {
		return err
	}
	treatments, err := encodeStrings(f.Treatments)
	if err != nil {
		return err
	}

	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO forms (id, pin_id, respondent_name, age_group, visit_date, water_source, notes,
			symptoms, treatments, version, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'dirty', ?, ?)
	`, f.ID, nullableString(f.PinID), f.RespondentName, f.AgeGroup, f.VisitDate, f.WaterSource, f.Notes,
		symptoms, treatments, f.Version, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("insert form: %w", err)
	}
	return nil
}

// Update overwrites a form's answer fields and marks it dirty.
func (r *FormRepository) Update(ctx context.Context, f *types.Form) error {
	now := time.Now().UTC()
	f.UpdatedAt = now
	f.Status = types.StatusDirty

	symptoms, err := encodeStrings(f.Symptoms)
	if err != nil {
		return err
	}
	treatments, err := encodeStrings(f.Treatments)
	if err != nil {
		return err
	}

	result, err := r.s.db.ExecContext(ctx, `
		UPDATE forms
		SET pin_id = ?, respondent_name = ?, age_group = ?, visit_date = ?, water_source = ?,
		    notes = ?, symptoms = ?, treatments = ?, status = 'dirty', updated_at = ?
		WHERE id = ?
	`, nullableString(f.PinID), f.RespondentName, f.AgeGroup, f.VisitDate, f.WaterSource,
		f.Notes, symptoms, treatments, formatTime(now), f.ID)
	if err != nil {
		return fmt.Errorf("update form: %w", err)
	}
	return requireRow(result)
}

// Delete soft-deletes a form.
func (r *FormRepository) Delete(ctx context.Context, id string) error {
	now := formatTime(time.Now().UTC())
	result, err := r.s.db.ExecContext(ctx, `
		UPDATE forms
		SET deleted_at = ?, updated_at = ?, status = 'dirty'
		WHERE id = ? AND deleted_at IS NULL
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("soft delete form: %w", err)
	}
	return requireRow(result)
}

// DetachFromPin clears the pin reference on every form attached to the given
// pin. Forms survive their pin's deletion as orphans.
func (r *FormRepository) DetachFromPin(ctx context.Context, pinID string) error {
	_, err := r.s.db.ExecContext(ctx, `UPDATE forms SET pin_id = NULL WHERE pin_id = ?`, pinID)
	if err != nil {
		return fmt.Errorf("detach forms from pin: %w", err)
	}
	return nil
}

// UpsertAll bulk inserts or updates forms keyed by id, overwriting syncable
// fields and preserving local-only columns on conflict.
func (r *FormRepository) UpsertAll(ctx context.Context, forms []types.Form) error {
	if len(forms) == 0 {
		return nil
	}

	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO forms (id, pin_id, respondent_name, age_group, visit_date, water_source, notes,
			symptoms, treatments, version, status, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'unsynced', ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pin_id = excluded.pin_id,
			respondent_name = excluded.respondent_name,
			age_group = excluded.age_group,
			visit_date = excluded.visit_date,
			water_source = excluded.water_source,
			notes = excluded.notes,
			symptoms = excluded.symptoms,
			treatments = excluded.treatments,
			version = excluded.version,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i := range forms {
		f := &forms[i]
		symptoms, err := encodeStrings(f.Symptoms)
		if err != nil {
			return err
		}
		treatments, err := encodeStrings(f.Treatments)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			f.ID, nullableString(f.PinID), f.RespondentName, f.AgeGroup, f.VisitDate,
			f.WaterSource, f.Notes, symptoms, treatments, f.Version,
			formatTime(f.CreatedAt), formatTime(f.UpdatedAt), formatNullableTime(f.DeletedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert form %s: %w", f.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// MarkSynced transitions the given forms to synced and clears failure
// bookkeeping. Idempotent.
func (r *FormRepository) MarkSynced(ctx context.Context, ids []string) error {
	return markSynced(ctx, r.s.db, "forms", ids)
}

// MarkFailed records a failed sync attempt for the given forms.
func (r *FormRepository) MarkFailed(ctx context.Context, ids []string, reason string) error {
	return markFailed(ctx, r.s.db, "forms", ids, reason)
}

// SetVersion records the server-assigned version without touching
// updated_at or status.
func (r *FormRepository) SetVersion(ctx context.Context, id string, version int64) error {
	result, err := r.s.db.ExecContext(ctx, `
		UPDATE forms SET version = ? WHERE id = ?
	`, version, id)
	if err != nil {
		return fmt.Errorf("set form version: %w", err)
	}
	return requireRow(result)
}
