package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/italolelis/seedbox_mirror/internal/logctx"
	"github.com/italolelis/seedbox_mirror/internal/mirror"
	"github.com/italolelis/seedbox_mirror/internal/notifier"
	"github.com/italolelis/seedbox_mirror/internal/storage"
	"github.com/italolelis/seedbox_mirror/internal/telemetry"
	"github.com/italolelis/seedbox_mirror/internal/torrent"
	"golang.org/x/sync/errgroup"
)

// ErrCycleInProgress is returned by RunCycle while another cycle is running.
var ErrCycleInProgress = errors.New("sync cycle already in progress")

// Phase is the step a cycle is currently in.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseListing     Phase = "listing"
	PhaseReconciling Phase = "reconciling"
	PhaseCopying     Phase = "copying"
	PhaseReaping     Phase = "reaping"
)

// Copier mirrors downloads onto the destination share.
type Copier interface {
	DestDir(dl *torrent.Download) string
	Sync(ctx context.Context, dl *torrent.Download, rec *storage.SyncRecord) (*mirror.Result, error)
	Discard(rec *storage.SyncRecord) error
}

// Reaper removes downloads whose retention window has passed.
type Reaper interface {
	Reap(ctx context.Context, dl *torrent.Download, rec *storage.SyncRecord) (bool, error)
}

type Config struct {
	// Label restricts the managed downloads to the ones carrying it.
	Label string
	// ClientDir is the download root as the torrent client reports it.
	// Download dirs below it are rebased onto SourceDir. When empty every
	// download dir is replaced by SourceDir.
	ClientDir string
	// SourceDir is where the torrent client's downloads are visible to us.
	SourceDir string
	// MaxParallel bounds how many downloads are copied at once.
	MaxParallel int
}

// CycleReport summarizes one sync cycle.
type CycleReport struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Downloads   int       `json:"downloads"`
	Created     int       `json:"created"`
	Vanished    int       `json:"vanished"`
	Synced      int       `json:"synced"`
	Unchanged   int       `json:"unchanged"`
	Failed      int       `json:"failed"`
	Transferred int64     `json:"transferred"`
	Reaped      int       `json:"reaped"`
	ReapSkipped bool      `json:"reap_skipped"`
	Err         string    `json:"error,omitempty"`
}

// Status is a point-in-time view of the orchestrator.
type Status struct {
	Phase     Phase        `json:"phase"`
	LastCycle *CycleReport `json:"last_cycle,omitempty"`
}

// Orchestrator runs sync cycles: list, reconcile, copy, reap. Only one cycle
// runs at a time.
type Orchestrator struct {
	cfg       Config
	client    torrent.Lister
	store     storage.RecordStore
	copier    Copier
	reaper    Reaper
	notifier  notifier.Notifier
	telemetry *telemetry.Telemetry
	locks     storage.KeyedMutex
	now       func() time.Time

	running sync.Mutex

	mu    sync.RWMutex
	phase Phase
	last  *CycleReport
}

func NewOrchestrator(
	cfg Config,
	client torrent.Lister,
	store storage.RecordStore,
	copier Copier,
	reaper Reaper,
	notif notifier.Notifier,
	tel *telemetry.Telemetry,
) *Orchestrator {
	if cfg.MaxParallel < 1 {
		cfg.MaxParallel = 1
	}

	if notif == nil {
		notif = notifier.Nop{}
	}

	return &Orchestrator{
		cfg:       cfg,
		client:    client,
		store:     store,
		copier:    copier,
		reaper:    reaper,
		notifier:  notif,
		telemetry: tel,
		now:       time.Now,
		phase:     PhaseIdle,
	}
}

// Status returns the current phase and the report of the last finished cycle.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	s := Status{Phase: o.phase}

	if o.last != nil {
		last := *o.last
		s.LastCycle = &last
	}

	return s
}

// RunCycle runs one full cycle. It returns ErrCycleInProgress without doing
// anything when a cycle is already running.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleReport, error) {
	if !o.running.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer o.running.Unlock()

	report := &CycleReport{ID: uuid.NewString(), StartedAt: o.now()}

	ctx = logctx.WithCycleID(ctx, report.ID)
	logger := logctx.LoggerFromContext(ctx)

	logger.Debug("sync cycle started")

	err := o.telemetry.InstrumentCycle(ctx, func(ctx context.Context) error {
		return o.run(ctx, report)
	})

	report.FinishedAt = o.now()
	if err != nil {
		report.Err = err.Error()
	}

	o.mu.Lock()
	o.phase = PhaseIdle
	last := *report
	o.last = &last
	o.mu.Unlock()

	if err != nil {
		return report, err
	}

	logger.Info("sync cycle finished",
		"downloads", report.Downloads,
		"synced", report.Synced,
		"failed", report.Failed,
		"reaped", report.Reaped,
		"transferred", humanize.Bytes(uint64(report.Transferred)),
		"duration", report.FinishedAt.Sub(report.StartedAt))

	return report, nil
}

func (o *Orchestrator) run(ctx context.Context, report *CycleReport) error {
	logger := logctx.LoggerFromContext(ctx)

	o.setPhase(PhaseListing)

	downloads, err := o.client.List(ctx)
	if err != nil {
		// An unreachable client says nothing about what exists; touch nothing.
		return fmt.Errorf("failed to list downloads: %w", err)
	}

	torrent.Rebase(downloads, o.cfg.ClientDir, o.cfg.SourceDir)
	downloads = torrent.FilterByLabel(downloads, o.cfg.Label)
	report.Downloads = len(downloads)

	o.setPhase(PhaseReconciling)

	records, err := o.reconcile(ctx, downloads, report)
	if err != nil {
		return fmt.Errorf("failed to reconcile records: %w", err)
	}

	o.setPhase(PhaseCopying)

	fresh, err := o.copyAll(ctx, downloads, records, report)
	if err != nil {
		report.ReapSkipped = true

		return err
	}

	// Reaping decides on what the store says now, not on what the copy phase returned.
	current, err := o.store.List(ctx)
	if err != nil {
		report.ReapSkipped = true

		return fmt.Errorf("failed to reload records, skipping retention: %w", err)
	}

	o.recordCounts(ctx, current)

	o.setPhase(PhaseReaping)

	if err := o.reapAll(ctx, downloads, current, fresh, report); err != nil {
		return err
	}

	logger.Debug("sync cycle phases complete")

	return nil
}

// reconcile creates pending records for new downloads and drops the records
// of downloads that left the torrent client.
func (o *Orchestrator) reconcile(ctx context.Context, downloads []*torrent.Download, report *CycleReport) (map[string]*storage.SyncRecord, error) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*storage.SyncRecord, len(records))
	for _, rec := range records {
		byID[rec.DownloadID] = rec
	}

	present := make(map[string]struct{}, len(downloads))

	for _, dl := range downloads {
		present[dl.ID] = struct{}{}

		if _, ok := byID[dl.ID]; ok {
			continue
		}

		rec := storage.NewRecord(dl.ID, dl.Name, o.copier.DestDir(dl), o.now())

		unlock := o.locks.Lock(dl.ID)
		err := o.store.Put(ctx, rec)
		unlock()

		if err != nil {
			return nil, err
		}

		logger.Debug("tracking new download", "download_id", dl.ID, "download_name", dl.Name, "dest", rec.DestPath)

		byID[dl.ID] = rec
		report.Created++
	}

	for id, rec := range byID {
		if _, ok := present[id]; ok {
			continue
		}

		logger.Warn("download disappeared from torrent client, dropping its record",
			"download_id", id,
			"download_name", rec.Name,
			"status", rec.Status)

		unlock := o.locks.Lock(id)

		if err := o.copier.Discard(rec); err != nil {
			logger.Warn("failed to discard partial copy", "download_id", id, "err", err)
		}

		err := o.store.Delete(ctx, id)
		unlock()

		if err != nil {
			return nil, err
		}

		delete(byID, id)
		report.Vanished++
	}

	return byID, nil
}

// copyAll mirrors every complete download with bounded parallelism and
// returns the ids that were copied in this cycle. A failed download never
// stops the others; a store failure is returned once all in-flight copies
// have finished.
func (o *Orchestrator) copyAll(
	ctx context.Context,
	downloads []*torrent.Download,
	records map[string]*storage.SyncRecord,
	report *CycleReport,
) (map[string]struct{}, error) {
	var (
		g          errgroup.Group
		mu         sync.Mutex
		persistErr error
		fresh      = make(map[string]struct{})
	)

	g.SetLimit(o.cfg.MaxParallel)

	for _, dl := range downloads {
		if !dl.Complete {
			continue
		}

		if ctx.Err() != nil {
			break
		}

		rec := records[dl.ID]

		g.Go(func() error {
			res, err := o.syncOne(ctx, dl, rec)

			mu.Lock()
			defer mu.Unlock()

			switch {
			case err == nil && res.Unchanged:
				report.Unchanged++
			case err == nil:
				report.Synced++
				report.Transferred += res.Transferred
				fresh[dl.ID] = struct{}{}
			case storage.IsPersistence(err):
				if persistErr == nil {
					persistErr = err
				}
			case ctx.Err() == nil:
				report.Failed++
			}

			return nil
		})
	}

	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if persistErr != nil {
		return nil, fmt.Errorf("state store unhealthy, skipping retention: %w", persistErr)
	}

	return fresh, nil
}

func (o *Orchestrator) syncOne(ctx context.Context, dl *torrent.Download, rec *storage.SyncRecord) (*mirror.Result, error) {
	unlock := o.locks.Lock(dl.ID)
	defer unlock()

	logger := logctx.LoggerFromContext(ctx).With("download_id", dl.ID, "download_name", dl.Name)

	res, err := o.copier.Sync(ctx, dl, rec)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			logger.Info("copy interrupted by shutdown")
		case storage.IsPersistence(err):
			logger.Error("failed to persist sync state", "err", err)
		default:
			logger.Error("failed to mirror download", "reason", mirror.ReasonOf(err), "err", err)

			// Only the first failure of a streak is worth a message.
			if rec.Status != storage.StatusFailed {
				o.notify(ctx, fmt.Sprintf("❌ Mirror failed for %s (%s): %s", dl.Name, dl.ID, mirror.ReasonOf(err)))
			}
		}

		return nil, err
	}

	if !res.Unchanged {
		o.notify(ctx, fmt.Sprintf("✅ Mirrored %s (%s), %s", dl.Name, dl.ID, humanize.Bytes(uint64(res.Record.BytesCopied))))
	}

	return res, nil
}

// reapAll asks the reaper about every download that still has a record.
// Downloads copied in this cycle wait for the next one, so a copy is always
// re-checked by a later cycle before its source goes away. A store failure
// stops further deletions for the cycle.
func (o *Orchestrator) reapAll(
	ctx context.Context,
	downloads []*torrent.Download,
	records []*storage.SyncRecord,
	fresh map[string]struct{},
	report *CycleReport,
) error {
	logger := logctx.LoggerFromContext(ctx)

	byID := make(map[string]*storage.SyncRecord, len(records))
	for _, rec := range records {
		byID[rec.DownloadID] = rec
	}

	for _, dl := range downloads {
		rec, ok := byID[dl.ID]
		if !ok {
			continue
		}

		if _, ok := fresh[dl.ID]; ok {
			continue
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		unlock := o.locks.Lock(dl.ID)
		removed, err := o.reaper.Reap(ctx, dl, rec)
		unlock()

		if removed {
			report.Reaped++

			o.notify(ctx, fmt.Sprintf("🗑️ Removed %s (%s) after retention window", dl.Name, dl.ID))
		}

		if err != nil {
			if storage.IsPersistence(err) {
				return fmt.Errorf("state store unhealthy, stopping retention: %w", err)
			}

			logger.Error("failed to remove download, retrying next cycle", "download_id", dl.ID, "err", err)
		}
	}

	return nil
}

func (o *Orchestrator) recordCounts(ctx context.Context, records []*storage.SyncRecord) {
	counts := map[string]int64{
		string(storage.StatusPending):    0,
		string(storage.StatusInProgress): 0,
		string(storage.StatusSynced):     0,
		string(storage.StatusFailed):     0,
	}

	for _, rec := range records {
		counts[string(rec.Status)]++
	}

	o.telemetry.RecordRecords(ctx, counts)
}

func (o *Orchestrator) notify(ctx context.Context, content string) {
	if err := o.notifier.Notify(ctx, content); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to send notification", "err", err)
	}
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	o.phase = p
	o.mu.Unlock()
}
