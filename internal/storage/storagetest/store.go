// Package storagetest provides an in-memory storage.RecordStore for tests.
package storagetest

import (
	"context"
	"sort"
	"sync"

	"github.com/italolelis/seedbox_mirror/internal/storage"
)

// Store is an in-memory RecordStore. Records are cloned on the way in and
// out so callers cannot mutate stored state behind its back.
//
// Setting PutErr, DeleteErr or ListErr makes the matching operation fail
// with a PersistenceError wrapping it.
type Store struct {
	mu      sync.Mutex
	records map[string]*storage.SyncRecord

	PutErr    error
	DeleteErr error
	ListErr   error

	Puts    int
	Deletes int
}

var _ storage.RecordStore = (*Store)(nil)

func New(records ...*storage.SyncRecord) *Store {
	s := &Store{records: make(map[string]*storage.SyncRecord)}
	for _, r := range records {
		s.records[r.DownloadID] = r.Clone()
	}

	return s
}

func (s *Store) Get(_ context.Context, downloadID string) (*storage.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[downloadID]
	if !ok {
		return nil, storage.ErrNotFound
	}

	return rec.Clone(), nil
}

func (s *Store) Put(_ context.Context, rec *storage.SyncRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.PutErr != nil {
		return &storage.PersistenceError{Operation: "put", DownloadID: rec.DownloadID, Err: s.PutErr}
	}

	s.Puts++
	s.records[rec.DownloadID] = rec.Clone()

	return nil
}

func (s *Store) Delete(_ context.Context, downloadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.DeleteErr != nil {
		return &storage.PersistenceError{Operation: "delete", DownloadID: downloadID, Err: s.DeleteErr}
	}

	s.Deletes++
	delete(s.records, downloadID)

	return nil
}

func (s *Store) List(_ context.Context) ([]*storage.SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ListErr != nil {
		return nil, &storage.PersistenceError{Operation: "list", Err: s.ListErr}
	}

	records := make([]*storage.SyncRecord, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r.Clone())
	}

	sort.Slice(records, func(i, j int) bool { return records[i].DownloadID < records[j].DownloadID })

	return records, nil
}

// Record returns a copy of the stored record for id, or nil.
func (s *Store) Record(downloadID string) *storage.SyncRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[downloadID]; ok {
		return rec.Clone()
	}

	return nil
}

// Fail sets or clears the injected errors under the store lock.
func (s *Store) Fail(put, del, list error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.PutErr, s.DeleteErr, s.ListErr = put, del, list
}
