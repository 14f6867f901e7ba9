package torrent

import (
	"context"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Lister reads the current set of downloads from the torrent client.
// Implementations return either the complete snapshot or an error, never a
// partial list.
type Lister interface {
	List(ctx context.Context) ([]*Download, error)
}

// Remover removes a download from the torrent client.
type Remover interface {
	Remove(ctx context.Context, id string, deleteData bool) error
}

// Client is the torrent-client collaborator.
type Client interface {
	Lister
	Remover
}

// Download is one item managed by the torrent client.
type Download struct {
	ID          string
	Name        string
	Complete    bool
	Size        int64
	Dir         string
	Files       []*File
	Labels      []string
	AddedAt     time.Time
	CompletedAt time.Time
}

// File is a single file of a download. Path is relative to the download dir.
type File struct {
	Path string
	Size int64
}

// SourcePath returns the absolute path of f on the torrent client's disk.
func (d *Download) SourcePath(f *File) string {
	return filepath.Join(d.Dir, filepath.FromSlash(f.Path))
}

// HasLabel reports whether the download carries label. An empty label matches everything.
func (d *Download) HasLabel(label string) bool {
	if label == "" {
		return true
	}

	return slices.Contains(d.Labels, label)
}

// Age returns how long ago the download completed. ok is false when the
// completion time is unknown.
func (d *Download) Age(now time.Time) (age time.Duration, ok bool) {
	if d.CompletedAt.IsZero() {
		return 0, false
	}

	return now.Sub(d.CompletedAt), true
}

// FilterByLabel keeps the downloads carrying label.
func FilterByLabel(downloads []*Download, label string) []*Download {
	if label == "" {
		return downloads
	}

	filtered := make([]*Download, 0, len(downloads))

	for _, d := range downloads {
		if d.HasLabel(label) {
			filtered = append(filtered, d)
		}
	}

	return filtered
}

// Rebase maps download dirs reported by the torrent client onto the paths we
// see them under. Dirs below from are moved below to, keeping the rest of the
// path; dirs outside from are left alone. An empty from sends every download
// dir to to. An empty to disables rebasing.
func Rebase(downloads []*Download, from, to string) {
	if to == "" {
		return
	}

	for _, d := range downloads {
		if from == "" {
			d.Dir = to

			continue
		}

		rel, err := filepath.Rel(filepath.Clean(from), filepath.Clean(d.Dir))
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}

		d.Dir = filepath.Join(to, rel)
	}
}
