package mirror

import (
	"errors"
	"fmt"
)

// Reason distinguishes why a copy failed. It is persisted on the sync record.
type Reason string

const (
	ReasonSourceMissing          Reason = "source_missing"
	ReasonSourceChanged          Reason = "source_changed"
	ReasonDestinationUnavailable Reason = "destination_unavailable"
	ReasonIO                     Reason = "io_error"
	ReasonVerificationFailed     Reason = "verification_failed"
	ReasonInvalidPath            Reason = "invalid_path"
)

var (
	errNotDirectory = errors.New("not a directory")
	errNotMounted   = errors.New("not a mount point")
)

// CopyError is returned when a download could not be mirrored.
type CopyError struct {
	DownloadID string
	Path       string
	Reason     Reason
	Err        error
}

func (e *CopyError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("copy of %s failed (%s) at %s: %v", e.DownloadID, e.Reason, e.Path, e.Err)
	}

	return fmt.Sprintf("copy of %s failed (%s): %v", e.DownloadID, e.Reason, e.Err)
}

func (e *CopyError) Unwrap() error {
	return e.Err
}

// DestinationUnavailableError is returned when the destination share is not
// reachable or not mounted.
type DestinationUnavailableError struct {
	Path string
	Err  error
}

func (e *DestinationUnavailableError) Error() string {
	return fmt.Sprintf("destination %s unavailable: %v", e.Path, e.Err)
}

func (e *DestinationUnavailableError) Unwrap() error {
	return e.Err
}

// ReasonOf extracts the failure reason carried by err, or "" when err is not
// a copy failure.
func ReasonOf(err error) Reason {
	var de *DestinationUnavailableError
	if errors.As(err, &de) {
		return ReasonDestinationUnavailable
	}

	var ce *CopyError
	if errors.As(err, &ce) {
		return ce.Reason
	}

	return ""
}
