package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/seedbox_mirror/internal/storage"
)

const timeLayout = time.RFC3339Nano

// RecordRepository implements storage.RecordStore on top of SQLite.
type RecordRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.RecordStore = (*RecordRepository)(nil)

func NewRecordRepository(dbConn *sql.DB) *RecordRepository {
	return &RecordRepository{db: dbConn, now: time.Now}
}

// Ping checks database connectivity.
func (r *RecordRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *RecordRepository) Get(ctx context.Context, downloadID string) (*storage.SyncRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT download_id, name, status, dest_path, files, bytes_copied, attempts,
			last_error, failure_reason, created_at, updated_at, synced_at
		FROM sync_records WHERE download_id = ?`, downloadID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, &storage.PersistenceError{Operation: "get", DownloadID: downloadID, Err: err}
	}

	return rec, nil
}

// Put upserts the whole record in a single statement. It stamps UpdatedAt.
func (r *RecordRepository) Put(ctx context.Context, rec *storage.SyncRecord) error {
	files, err := json.Marshal(rec.Files)
	if err != nil {
		return &storage.PersistenceError{Operation: "put", DownloadID: rec.DownloadID, Err: err}
	}

	rec.UpdatedAt = r.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sync_records (
			download_id, name, status, dest_path, files, bytes_copied, attempts,
			last_error, failure_reason, created_at, updated_at, synced_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(download_id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			dest_path = excluded.dest_path,
			files = excluded.files,
			bytes_copied = excluded.bytes_copied,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at,
			synced_at = excluded.synced_at`,
		rec.DownloadID, rec.Name, string(rec.Status), rec.DestPath, string(files), rec.BytesCopied, rec.Attempts,
		rec.LastError, rec.FailureReason, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), formatTime(rec.SyncedAt),
	)
	if err != nil {
		return &storage.PersistenceError{Operation: "put", DownloadID: rec.DownloadID, Err: err}
	}

	return nil
}

func (r *RecordRepository) Delete(ctx context.Context, downloadID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sync_records WHERE download_id = ?`, downloadID); err != nil {
		return &storage.PersistenceError{Operation: "delete", DownloadID: downloadID, Err: err}
	}

	return nil
}

func (r *RecordRepository) List(ctx context.Context) ([]*storage.SyncRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT download_id, name, status, dest_path, files, bytes_copied, attempts,
			last_error, failure_reason, created_at, updated_at, synced_at
		FROM sync_records ORDER BY created_at, download_id`)
	if err != nil {
		return nil, &storage.PersistenceError{Operation: "list", Err: err}
	}
	defer rows.Close()

	var records []*storage.SyncRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &storage.PersistenceError{Operation: "list", Err: err}
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, &storage.PersistenceError{Operation: "list", Err: err}
	}

	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*storage.SyncRecord, error) {
	var (
		rec                            storage.SyncRecord
		status, files                  string
		createdAt, updatedAt, syncedAt string
	)

	err := s.Scan(&rec.DownloadID, &rec.Name, &status, &rec.DestPath, &files, &rec.BytesCopied, &rec.Attempts,
		&rec.LastError, &rec.FailureReason, &createdAt, &updatedAt, &syncedAt)
	if err != nil {
		return nil, err
	}

	rec.Status = storage.Status(status)

	if err := json.Unmarshal([]byte(files), &rec.Files); err != nil {
		return nil, fmt.Errorf("failed to decode file markers of %s: %w", rec.DownloadID, err)
	}

	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	if rec.SyncedAt, err = parseTime(syncedAt); err != nil {
		return nil, err
	}

	return &rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}

	return t, nil
}
