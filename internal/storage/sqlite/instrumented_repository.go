package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/seedbox_mirror/internal/storage"
	"github.com/italolelis/seedbox_mirror/internal/telemetry"
)

// InstrumentedRecordRepository wraps RecordRepository with telemetry.
type InstrumentedRecordRepository struct {
	repo      *RecordRepository
	telemetry *telemetry.Telemetry
}

var _ storage.RecordStore = (*InstrumentedRecordRepository)(nil)

// NewInstrumentedRecordRepository creates a new instrumented record repository.
func NewInstrumentedRecordRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedRecordRepository {
	return &InstrumentedRecordRepository{
		repo:      NewRecordRepository(dbConn),
		telemetry: tel,
	}
}

// Ping checks database connectivity.
func (r *InstrumentedRecordRepository) Ping(ctx context.Context) error {
	return r.repo.Ping(ctx)
}

// Get retrieves a record with telemetry.
func (r *InstrumentedRecordRepository) Get(ctx context.Context, downloadID string) (*storage.SyncRecord, error) {
	var result *storage.SyncRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Get(ctx, downloadID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Put stores a record with telemetry.
func (r *InstrumentedRecordRepository) Put(ctx context.Context, rec *storage.SyncRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "put", func(ctx context.Context) error {
		return r.repo.Put(ctx, rec)
	})
}

// Delete removes a record with telemetry.
func (r *InstrumentedRecordRepository) Delete(ctx context.Context, downloadID string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete", func(ctx context.Context) error {
		return r.repo.Delete(ctx, downloadID)
	})
}

// List retrieves all records with telemetry.
func (r *InstrumentedRecordRepository) List(ctx context.Context) ([]*storage.SyncRecord, error) {
	var result []*storage.SyncRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list", func(ctx context.Context) error {
		var err error

		result, err = r.repo.List(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
