package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/seedbox_mirror/internal/logctx"
	"github.com/italolelis/seedbox_mirror/internal/storage"
	"github.com/italolelis/seedbox_mirror/internal/telemetry"
	"github.com/italolelis/seedbox_mirror/internal/torrent"
)

// DefaultWindow is how long a mirrored download is kept in the torrent client.
const DefaultWindow = 30 * 24 * time.Hour

// Decision is the outcome of evaluating a download against the retention policy.
type Decision int

const (
	Keep Decision = iota
	Delete
)

func (d Decision) String() string {
	if d == Delete {
		return "delete"
	}

	return "keep"
}

// Verifier re-checks that the mirrored copy of a download is still complete.
type Verifier interface {
	Verify(ctx context.Context, dl *torrent.Download, rec *storage.SyncRecord) error
}

type Config struct {
	Window time.Duration
	// DeleteData asks the torrent client to delete the downloaded files too.
	DeleteData bool
	// DryRun logs what would be removed without touching anything.
	DryRun bool
}

// Reaper removes downloads from the torrent client once they have been
// mirrored and the retention window has passed.
type Reaper struct {
	cfg       Config
	client    torrent.Remover
	store     storage.RecordStore
	verifier  Verifier
	telemetry *telemetry.Telemetry
	now       func() time.Time
}

func NewReaper(cfg Config, client torrent.Remover, store storage.RecordStore, verifier Verifier, tel *telemetry.Telemetry) *Reaper {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}

	return &Reaper{
		cfg:       cfg,
		client:    client,
		store:     store,
		verifier:  verifier,
		telemetry: tel,
		now:       time.Now,
	}
}

// Evaluate returns Delete only for a synced download whose completion time
// is known and at least one retention window old. Anything else is kept.
func (r *Reaper) Evaluate(dl *torrent.Download, rec *storage.SyncRecord, now time.Time) Decision {
	if dl == nil || rec == nil || rec.DownloadID != dl.ID || rec.Status != storage.StatusSynced {
		return Keep
	}

	age, ok := dl.Age(now)
	if !ok || age < r.cfg.Window {
		return Keep
	}

	return Delete
}

// Reap removes dl from the torrent client and then drops its record when it
// is eligible. The record is left untouched unless the client confirmed the
// removal. It reports whether the download was removed.
func (r *Reaper) Reap(ctx context.Context, dl *torrent.Download, rec *storage.SyncRecord) (bool, error) {
	if r.Evaluate(dl, rec, r.now()) == Keep {
		return false, nil
	}

	logger := logctx.LoggerFromContext(ctx).With(
		"download_id", dl.ID,
		"download_name", dl.Name,
		"completed", humanize.Time(dl.CompletedAt),
	)

	if err := r.verifier.Verify(ctx, dl, rec); err != nil {
		logger.Warn("mirrored copy failed revalidation, keeping download", "reason", err)
		r.telemetry.RecordReap(ctx, "skipped")

		return false, nil
	}

	if r.cfg.DryRun {
		logger.Info("dry run: would remove download", "delete_data", r.cfg.DeleteData)
		r.telemetry.RecordReap(ctx, "dry_run")

		return false, nil
	}

	if err := r.client.Remove(ctx, dl.ID, r.cfg.DeleteData); err != nil {
		r.telemetry.RecordReap(ctx, "error")

		return false, fmt.Errorf("failed to remove download %s: %w", dl.ID, err)
	}

	if err := r.store.Delete(ctx, dl.ID); err != nil {
		r.telemetry.RecordReap(ctx, "error")

		return true, err
	}

	logger.Info("download removed after retention window", "delete_data", r.cfg.DeleteData, "dest", rec.DestPath)
	r.telemetry.RecordReap(ctx, "success")

	return true, nil
}
