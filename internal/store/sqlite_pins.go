package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/openfield/fieldsync/internal/types"
)

// PinRepository owns all local writes to the pins table.
type PinRepository struct {
	s *SQLiteStore
}

const pinColumns = `id, name, notes, lat, lng, images, local_images, version, status,
	created_at, updated_at, deleted_at, last_synced_at, last_failed_sync_at, failure_reason`

// scanPin scans a row into a Pin, decoding array columns and timestamps.
func scanPin(scanner interface{ Scan(...any) error }) (*types.Pin, error) {
	var p types.Pin
	var images, localImages, status string
	var createdAt, updatedAt string
	var deletedAt, lastSyncedAt, lastFailedAt sql.NullString

	err := scanner.Scan(
		&p.ID, &p.Name, &p.Notes, &p.Lat, &p.Lng,
		&images, &localImages, &p.Version, &status,
		&createdAt, &updatedAt, &deletedAt, &lastSyncedAt, &lastFailedAt,
		&p.FailureReason,
	)
	if err != nil {
		return nil, err
	}

	if p.Images, err = decodeStrings(images); err != nil {
		return nil, fmt.Errorf("decode images: %w", err)
	}
	if p.LocalImages, err = decodeStrings(localImages); err != nil {
		return nil, fmt.Errorf("decode local images: %w", err)
	}

	p.Status = types.SyncStatus(status)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	p.DeletedAt = parseNullableTime(deletedAt)
	p.LastSyncedAt = parseNullableTime(lastSyncedAt)
	p.LastFailedSyncAt = parseNullableTime(lastFailedAt)

	return &p, nil
}

// FetchAll returns every pin row, including soft-deleted ones. The resolver
// needs deletions to propagate them.
func (r *PinRepository) FetchAll(ctx context.Context) ([]types.Pin, error) {
	rows, err := r.s.db.QueryContext(ctx, `SELECT `+pinColumns+` FROM pins ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query pins: %w", err)
	}
	defer rows.Close()

	var pins []types.Pin
	for rows.Next() {
		p, err := scanPin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pin: %w", err)
		}
		pins = append(pins, *p)
	}
	return pins, rows.Err()
}

// Get retrieves a single pin by id.
func (r *PinRepository) Get(ctx context.Context, id string) (*types.Pin, error) {
	row := r.s.db.QueryRowContext(ctx, `SELECT `+pinColumns+` FROM pins WHERE id = ?`, id)
	p, err := scanPin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan pin: %w", err)
	}
	return p, nil
}

// Create inserts a new pin. The id is assigned client-side when empty, the
// status is always dirty, timestamps are fresh and prior failure bookkeeping
// is cleared.
func (r *PinRepository) Create(ctx context.Context, p *types.Pin) error {
	if p.ID == "" {
		p.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.DeletedAt = nil
	p.Status = types.StatusDirty
	p.LastSyncedAt = nil
	p.LastFailedSyncAt = nil
	p.FailureReason = ""

	images, err := encodeStrings(p.Images)
	if err != nil {
		return err
	}
	localImages, err := encodeStrings(p.LocalImages)
	if err != nil {
		return err
	}

	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO pins (id, name, notes, lat, lng, images, local_images, version, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'dirty', ?, ?)
	`, p.ID, p.Name, p.Notes, p.Lat, p.Lng, images, localImages, p.Version,
		formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("insert pin: %w", err)
	}
	return nil
}

// Update overwrites a pin's business fields and marks it dirty.
func (r *PinRepository) Update(ctx context.Context, p *types.Pin) error {
	now := time.Now().UTC()
	p.UpdatedAt = now
	p.Status = types.StatusDirty

	images, err := encodeStrings(p.Images)
	if err != nil {
		return err
	}
	localImages, err := encodeStrings(p.LocalImages)
	if err != nil {
		return err
	}

	result, err := r.s.db.ExecContext(ctx, `
		UPDATE pins
		SET name = ?, notes = ?, lat = ?, lng = ?, images = ?, local_images = ?,
		    status = 'dirty', updated_at = ?
		WHERE id = ?
	`, p.Name, p.Notes, p.Lat, p.Lng, images, localImages, formatTime(now), p.ID)
	if err != nil {
		return fmt.Errorf("update pin: %w", err)
	}
	return requireRow(result)
}

// Delete soft-deletes a pin: sets deleted_at and updated_at to now and marks
// it dirty. The row is never physically removed here.
func (r *PinRepository) Delete(ctx context.Context, id string) error {
	now := formatTime(time.Now().UTC())
	result, err := r.s.db.ExecContext(ctx, `
		UPDATE pins
		SET deleted_at = ?, updated_at = ?, status = 'dirty'
		WHERE id = ? AND deleted_at IS NULL
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("soft delete pin: %w", err)
	}
	return requireRow(result)
}

// UpsertAll bulk inserts or updates pins keyed by id. On conflict every
// syncable field is overwritten while local-only columns (local_images,
// status, sync bookkeeping) keep their existing values: remote-originated
// payloads must never blank out fields they do not know about.
func (r *PinRepository) UpsertAll(ctx context.Context, pins []types.Pin) error {
	if len(pins) == 0 {
		return nil
	}

	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pins (id, name, notes, lat, lng, images, version, status, created_at, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'unsynced', ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			notes = excluded.notes,
			lat = excluded.lat,
			lng = excluded.lng,
			images = excluded.images,
			version = excluded.version,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i := range pins {
		p := &pins[i]
		images, err := encodeStrings(p.Images)
		if err != nil {
			return err
		}
		_, err = stmt.ExecContext(ctx,
			p.ID, p.Name, p.Notes, p.Lat, p.Lng, images, p.Version,
			formatTime(p.CreatedAt), formatTime(p.UpdatedAt), formatNullableTime(p.DeletedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert pin %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// MarkSynced transitions the given pins to synced, records last_synced_at
// and clears failure bookkeeping. Idempotent.
func (r *PinRepository) MarkSynced(ctx context.Context, ids []string) error {
	return markSynced(ctx, r.s.db, "pins", ids)
}

// MarkFailed records a failed sync attempt for the given pins.
func (r *PinRepository) MarkFailed(ctx context.Context, ids []string, reason string) error {
	return markFailed(ctx, r.s.db, "pins", ids, reason)
}

// UpdateImages rewrites a pin's image reference columns after attachment
// reconciliation. It deliberately leaves updated_at and status untouched so
// the rewrite never re-triggers conflict resolution.
func (r *PinRepository) UpdateImages(ctx context.Context, id string, images, localImages []string) error {
	imagesJSON, err := encodeStrings(images)
	if err != nil {
		return err
	}
	localJSON, err := encodeStrings(localImages)
	if err != nil {
		return err
	}
	result, err := r.s.db.ExecContext(ctx, `
		UPDATE pins SET images = ?, local_images = ? WHERE id = ?
	`, imagesJSON, localJSON, id)
	if err != nil {
		return fmt.Errorf("update pin images: %w", err)
	}
	return requireRow(result)
}

// SetVersion records the version the server assigned after an accepted
// write. Like UpdateImages it leaves updated_at and status untouched: the
// row's content did not change, only its concurrency token.
func (r *PinRepository) SetVersion(ctx context.Context, id string, version int64) error {
	result, err := r.s.db.ExecContext(ctx, `
		UPDATE pins SET version = ? WHERE id = ?
	`, version, id)
	if err != nil {
		return fmt.Errorf("set pin version: %w", err)
	}
	return requireRow(result)
}

// --- shared status-transition helpers, used by both repositories ---

func markSynced(ctx context.Context, db *sql.DB, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := formatTime(time.Now().UTC())
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'synced', last_synced_at = ?, last_failed_sync_at = NULL, failure_reason = ''
		WHERE id IN (%s)
	`, table, placeholders(len(ids)))

	args := make([]any, 0, len(ids)+1)
	args = append(args, now)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark %s synced: %w", table, err)
	}
	return nil
}

func markFailed(ctx context.Context, db *sql.DB, table string, ids []string, reason string) error {
	if len(ids) == 0 {
		return nil
	}
	now := formatTime(time.Now().UTC())
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'failed', last_failed_sync_at = ?, failure_reason = ?
		WHERE id IN (%s)
	`, table, placeholders(len(ids)))

	args := make([]any, 0, len(ids)+2)
	args = append(args, now, reason)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark %s failed: %w", table, err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
