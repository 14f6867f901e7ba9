package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrNotFound is returned by Get when no record exists for the id.
var ErrNotFound = errors.New("sync record not found")

// Status is the synchronization state of a download.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSynced     Status = "synced"
	StatusFailed     Status = "failed"
)

// FileProgress is the resumption marker for one file of a download.
type FileProgress struct {
	Path          string    `json:"path"`
	SourceSize    int64     `json:"source_size"`
	SourceModTime time.Time `json:"source_mod_time"`
	BytesCopied   int64     `json:"bytes_copied"`
	Checksum      string    `json:"checksum,omitempty"`
	// Done is set once the temporary copy has been fully written and verified.
	Done bool `json:"done"`
}

// MatchesSource reports whether the marker was recorded against a source
// with the given size and modification time.
func (f *FileProgress) MatchesSource(size int64, modTime time.Time) bool {
	return f.SourceSize == size && f.SourceModTime.Equal(modTime)
}

// Reset discards the progress of the marker and rebinds it to a new source state.
func (f *FileProgress) Reset(size int64, modTime time.Time) {
	f.SourceSize = size
	f.SourceModTime = modTime
	f.BytesCopied = 0
	f.Checksum = ""
	f.Done = false
}

// SyncRecord is the durable synchronization state of one download.
type SyncRecord struct {
	DownloadID    string
	Name          string
	Status        Status
	DestPath      string
	Files         []FileProgress
	BytesCopied   int64
	Attempts      int
	LastError     string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	SyncedAt      time.Time
}

// NewRecord creates a pending record.
func NewRecord(downloadID, name, destPath string, now time.Time) *SyncRecord {
	return &SyncRecord{
		DownloadID: downloadID,
		Name:       name,
		Status:     StatusPending,
		DestPath:   destPath,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// File returns the progress marker for path, or nil.
func (r *SyncRecord) File(path string) *FileProgress {
	for i := range r.Files {
		if r.Files[i].Path == path {
			return &r.Files[i]
		}
	}

	return nil
}

// EnsureFile returns the marker for path, creating an empty one if needed.
func (r *SyncRecord) EnsureFile(path string) *FileProgress {
	if f := r.File(path); f != nil {
		return f
	}

	r.Files = append(r.Files, FileProgress{Path: path})

	return &r.Files[len(r.Files)-1]
}

// RetainFiles drops the markers whose path is not in keep.
func (r *SyncRecord) RetainFiles(keep []string) {
	r.Files = slices.DeleteFunc(r.Files, func(f FileProgress) bool {
		return !slices.Contains(keep, f.Path)
	})
}

// Clone returns a deep copy of the record.
func (r *SyncRecord) Clone() *SyncRecord {
	c := *r
	c.Files = slices.Clone(r.Files)

	return &c
}

// RecordStore persists sync records. It is the only writer of the backing
// storage; Put replaces a whole record atomically.
type RecordStore interface {
	Get(ctx context.Context, downloadID string) (*SyncRecord, error)
	Put(ctx context.Context, record *SyncRecord) error
	Delete(ctx context.Context, downloadID string) error
	List(ctx context.Context) ([]*SyncRecord, error)
}

// PersistenceError is returned when the state store fails to read or commit.
// Deletion decisions must not be taken while the store reports it.
type PersistenceError struct {
	Operation  string
	DownloadID string
	Err        error
}

func (e *PersistenceError) Error() string {
	if e.DownloadID != "" {
		return fmt.Sprintf("state store %s failed for %s: %v", e.Operation, e.DownloadID, e.Err)
	}

	return fmt.Sprintf("state store %s failed: %v", e.Operation, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistence reports whether err carries a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError

	return errors.As(err, &pe)
}
