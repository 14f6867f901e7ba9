package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/seedbox_mirror/internal/logctx"
	"github.com/italolelis/seedbox_mirror/internal/mirror/progress"
	"github.com/italolelis/seedbox_mirror/internal/storage"
	"github.com/italolelis/seedbox_mirror/internal/telemetry"
	"github.com/italolelis/seedbox_mirror/internal/torrent"
)

const (
	partialSuffix = ".partial"
	dirPerm       = 0o755
	filePerm      = 0o644

	copyBufferSize         = 1 << 20
	defaultCheckpointBytes = 32 << 20

	// persistTimeout bounds the final marker write after the cycle context
	// has been cancelled.
	persistTimeout = 10 * time.Second
)

// Result is the outcome of a successful Sync.
type Result struct {
	Record      *storage.SyncRecord
	Transferred int64
	// Unchanged is set when the download was already mirrored and nothing was written.
	Unchanged bool
}

// Copier mirrors downloads from the torrent client's disk onto the
// destination share. Files are staged under a .partial name and only renamed
// to their final name once every file of the download has been verified.
type Copier struct {
	destRoot        string
	store           storage.RecordStore
	telemetry       *telemetry.Telemetry
	verifyChecksum  bool
	requireMount    bool
	checkpointBytes int64
	now             func() time.Time
}

// Option configures a Copier.
type Option func(*Copier)

// WithChecksum enables content verification of every copied file.
func WithChecksum(enabled bool) Option {
	return func(c *Copier) { c.verifyChecksum = enabled }
}

// WithRequireMount refuses to write unless the destination root is a mount point.
func WithRequireMount(required bool) Option {
	return func(c *Copier) { c.requireMount = required }
}

// WithCheckpointBytes sets how often progress markers are persisted during a copy.
func WithCheckpointBytes(n int64) Option {
	return func(c *Copier) {
		if n > 0 {
			c.checkpointBytes = n
		}
	}
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *Copier) { c.telemetry = tel }
}

func WithClock(now func() time.Time) Option {
	return func(c *Copier) { c.now = now }
}

func NewCopier(destRoot string, store storage.RecordStore, opts ...Option) *Copier {
	c := &Copier{
		destRoot:        filepath.Clean(destRoot),
		store:           store,
		verifyChecksum:  true,
		checkpointBytes: defaultCheckpointBytes,
		now:             time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// DestDir returns the destination directory of dl. The short id suffix keeps
// downloads with the same name apart.
func (c *Copier) DestDir(dl *torrent.Download) string {
	return filepath.Join(c.destRoot, fmt.Sprintf("%s [%s]", sanitizeName(dl.Name), shortID(dl.ID)))
}

// CheckDestination returns a DestinationUnavailableError when the
// destination root cannot receive writes.
func (c *Copier) CheckDestination() error {
	info, err := os.Stat(c.destRoot)
	if err != nil {
		return &DestinationUnavailableError{Path: c.destRoot, Err: err}
	}

	if !info.IsDir() {
		return &DestinationUnavailableError{Path: c.destRoot, Err: errNotDirectory}
	}

	if c.requireMount {
		mounted, err := isMountPoint(c.destRoot)
		if err != nil {
			return &DestinationUnavailableError{Path: c.destRoot, Err: err}
		}

		if !mounted {
			return &DestinationUnavailableError{Path: c.destRoot, Err: errNotMounted}
		}
	}

	return nil
}

// Sync mirrors dl according to rec and returns the updated record. The
// record is persisted as Synced only once every file is in place and
// verified; on failure it is persisted as Failed with its progress markers
// kept for the next attempt.
func (c *Copier) Sync(ctx context.Context, dl *torrent.Download, rec *storage.SyncRecord) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", dl.ID, "download_name", dl.Name)
	start := time.Now()

	rec = rec.Clone()
	if rec.DestPath == "" {
		rec.DestPath = c.DestDir(dl)
	}

	if err := c.CheckDestination(); err != nil {
		return c.fail(ctx, rec, 0, start, err)
	}

	if rec.Status == storage.StatusSynced {
		err := c.Verify(ctx, dl, rec)
		if err == nil {
			logger.Debug("download already mirrored", "dest", rec.DestPath)
			c.telemetry.RecordCopy(ctx, "unchanged", 0, time.Since(start))

			return &Result{Record: rec, Unchanged: true}, nil
		}

		logger.Info("mirrored copy is stale, syncing again", "reason", err)
	}

	rec.Attempts++

	if err := validateFiles(dl); err != nil {
		return c.fail(ctx, rec, 0, start, err)
	}

	rec.Status = storage.StatusInProgress
	rec.LastError = ""
	rec.FailureReason = ""
	rec.RetainFiles(filePaths(dl))

	if err := c.store.Put(ctx, rec); err != nil {
		return c.fail(ctx, rec, 0, start, err)
	}

	logger.Info("mirroring download",
		"dest", rec.DestPath,
		"files", len(dl.Files),
		"size", humanize.Bytes(uint64(max(dl.Size, 0))),
		"attempt", rec.Attempts)

	var transferred int64

	for _, f := range dl.Files {
		n, err := c.copyFile(ctx, dl, rec, f)
		transferred += n

		if err != nil {
			return c.fail(ctx, rec, transferred, start, err)
		}
	}

	// Sources can disappear while other files of the download are copied.
	for _, f := range dl.Files {
		if err := checkSource(dl.ID, f.Path, dl.SourcePath(f), rec.File(f.Path)); err != nil {
			return c.fail(ctx, rec, transferred, start, err)
		}
	}

	if err := c.commit(dl, rec); err != nil {
		return c.fail(ctx, rec, transferred, start, err)
	}

	rec.Status = storage.StatusSynced
	rec.SyncedAt = c.now()
	rec.BytesCopied = 0

	for _, fp := range rec.Files {
		rec.BytesCopied += fp.SourceSize
	}

	if err := c.store.Put(ctx, rec); err != nil {
		return c.fail(ctx, rec, transferred, start, err)
	}

	logger.Info("download mirrored",
		"dest", rec.DestPath,
		"transferred", humanize.Bytes(uint64(transferred)),
		"duration", time.Since(start))

	c.telemetry.RecordCopy(ctx, "success", transferred, time.Since(start))

	return &Result{Record: rec, Transferred: transferred}, nil
}

// Verify checks that the mirrored copy of dl is still complete: every file
// carries a verified marker, its destination exists with the recorded size
// and its source has not changed since. A source deleted after the copy is
// not a failure.
func (c *Copier) Verify(ctx context.Context, dl *torrent.Download, rec *storage.SyncRecord) error {
	if err := c.CheckDestination(); err != nil {
		return err
	}

	if len(dl.Files) == 0 {
		return &CopyError{DownloadID: dl.ID, Reason: ReasonSourceMissing, Err: errors.New("download lists no files")}
	}

	for _, f := range dl.Files {
		if err := ctx.Err(); err != nil {
			return err
		}

		fp := rec.File(f.Path)
		if fp == nil || !fp.Done {
			return &CopyError{DownloadID: dl.ID, Path: f.Path, Reason: ReasonSourceChanged, Err: errors.New("file has not been mirrored")}
		}

		if !filepath.IsLocal(filepath.FromSlash(f.Path)) {
			return &CopyError{DownloadID: dl.ID, Path: f.Path, Reason: ReasonInvalidPath, Err: errors.New("path escapes the download directory")}
		}

		info, err := os.Stat(destFile(rec, f))
		if err != nil {
			return &CopyError{DownloadID: dl.ID, Path: f.Path, Reason: ReasonVerificationFailed, Err: err}
		}

		if info.Size() != fp.SourceSize {
			return &CopyError{
				DownloadID: dl.ID,
				Path:       f.Path,
				Reason:     ReasonVerificationFailed,
				Err:        fmt.Errorf("destination has %d bytes, expected %d", info.Size(), fp.SourceSize),
			}
		}

		if err := checkSource(dl.ID, f.Path, dl.SourcePath(f), fp); err != nil && ReasonOf(err) != ReasonSourceMissing {
			return err
		}
	}

	return nil
}

// Discard removes the staged .partial files of rec. Final files are left alone.
func (c *Copier) Discard(rec *storage.SyncRecord) error {
	if rec.DestPath == "" {
		return nil
	}

	var errs []error

	for _, fp := range rec.Files {
		rel := filepath.FromSlash(fp.Path)
		if !filepath.IsLocal(rel) {
			continue
		}

		if err := removeIfExists(filepath.Join(rec.DestPath, rel) + partialSuffix); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (c *Copier) copyFile(ctx context.Context, dl *torrent.Download, rec *storage.SyncRecord, f *torrent.File) (int64, error) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", dl.ID, "file_path", f.Path)

	src := dl.SourcePath(f)
	final := destFile(rec, f)
	tmp := final + partialSuffix

	info, err := os.Stat(src)
	if err != nil {
		return 0, sourceError(dl.ID, f.Path, err)
	}

	fp := rec.EnsureFile(f.Path)

	if !fp.MatchesSource(info.Size(), info.ModTime()) {
		if fp.BytesCopied > 0 || fp.Done {
			logger.Info("source changed since last attempt, restarting file")
		}

		fp.Reset(info.Size(), info.ModTime())

		if err := removeIfExists(tmp); err != nil {
			return 0, &CopyError{DownloadID: dl.ID, Path: f.Path, Reason: ReasonIO, Err: err}
		}
	}

	if fp.Done {
		if staged(final, tmp, fp.SourceSize) {
			return 0, nil
		}

		logger.Warn("verified copy went missing, restarting file")
		fp.Reset(info.Size(), info.ModTime())
	}

	if fp.BytesCopied == 0 && c.verifyChecksum && !exists(tmp) {
		adopted, err := c.adopt(ctx, src, final, fp)
		if err != nil {
			return 0, err
		}

		if adopted {
			logger.Debug("destination already matches source")

			return 0, c.store.Put(ctx, rec)
		}
	}

	if err := os.MkdirAll(filepath.Dir(tmp), dirPerm); err != nil {
		return 0, &CopyError{DownloadID: dl.ID, Path: f.Path, Reason: ReasonIO, Err: err}
	}

	var offset int64
	if st, err := os.Stat(tmp); err == nil {
		offset = min(fp.BytesCopied, st.Size())
	}

	fp.BytesCopied = offset

	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return 0, &CopyError{DownloadID: dl.ID, Path: f.Path, Reason: ReasonIO, Err: err}
	}
	defer out.Close()

	if err := out.Truncate(offset); err != nil {
		return 0, &CopyError{DownloadID: dl.ID, Path: f.Path, Reason: ReasonIO, Err: err}
	}

	if _, err := out.Seek(offset, io.SeekStart); err != nil {
		return 0, &CopyError{DownloadID: dl.ID, Path: f.Path, Reason: ReasonIO, Err: err}
	}

	in, err := os.Open(src)
	if err != nil {
		return 0, sourceError(dl.ID, f.Path, err)
	}
	defer in.Close()

	if _, err := in.Seek(offset, io.SeekStart); err != nil {
		return 0, &CopyError{DownloadID: dl.ID, Path: f.Path, Reason: ReasonIO, Err: err}
	}

	if offset > 0 {
		logger.Info("resuming partial copy",
			"offset", humanize.Bytes(uint64(offset)),
			"total", humanize.Bytes(uint64(fp.SourceSize)))
	}

	pw := progress.NewWriter(out, c.checkpointBytes, func(written int64) error {
		if err := out.Sync(); err != nil {
			return err
		}

		fp.BytesCopied = offset + written

		logger.Debug("copy checkpoint",
			"copied", humanize.Bytes(uint64(fp.BytesCopied)),
			"total", humanize.Bytes(uint64(fp.SourceSize)))

		return c.store.Put(ctx, rec)
	})

	reader := &ctxReader{ctx: ctx, r: io.LimitReader(in, fp.SourceSize-offset)}

	n, err := io.CopyBuffer(pw, reader, make([]byte, copyBufferSize))
	if err != nil {
		if storage.IsPersistence(err) {
			return n, err
		}

		if ctx.Err() != nil {
			// Bytes on disk are trustworthy once synced, so resume can start after them.
			if out.Sync() == nil {
				fp.BytesCopied = offset + n
			}

			return n, ctx.Err()
		}

		return n, &CopyError{DownloadID: dl.ID, Path: f.Path, Reason: ReasonIO, Err: err}
	}

	if err := out.Sync(); err != nil {
		return n, &CopyError{DownloadID: dl.ID, Path: f.Path, Reason: ReasonIO, Err: err}
	}

	if err := out.Close(); err != nil {
		return n, &CopyError{DownloadID: dl.ID, Path: f.Path, Reason: ReasonIO, Err: err}
	}

	fp.BytesCopied = offset + n

	if err := c.verifyStaged(ctx, dl.ID, f.Path, src, tmp, fp); err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}

		fp.Reset(fp.SourceSize, fp.SourceModTime)

		if rmErr := removeIfExists(tmp); rmErr != nil {
			logger.Warn("failed to discard unverified copy", "err", rmErr)
		}

		return n, err
	}

	fp.Done = true

	return n, c.store.Put(ctx, rec)
}

// verifyStaged compares the staged copy against its source.
func (c *Copier) verifyStaged(ctx context.Context, downloadID, path, src, tmp string, fp *storage.FileProgress) error {
	info, err := os.Stat(tmp)
	if err != nil {
		return &CopyError{DownloadID: downloadID, Path: path, Reason: ReasonIO, Err: err}
	}

	if info.Size() != fp.SourceSize {
		if srcErr := checkSource(downloadID, path, src, fp); srcErr != nil {
			return srcErr
		}

		return &CopyError{
			DownloadID: downloadID,
			Path:       path,
			Reason:     ReasonVerificationFailed,
			Err:        fmt.Errorf("copied %d bytes, expected %d", info.Size(), fp.SourceSize),
		}
	}

	fp.Checksum = ""

	if !c.verifyChecksum {
		return nil
	}

	srcSum, err := checksumFile(ctx, src)
	if err != nil {
		return sourceError(downloadID, path, err)
	}

	dstSum, err := checksumFile(ctx, tmp)
	if err != nil {
		return &CopyError{DownloadID: downloadID, Path: path, Reason: ReasonIO, Err: err}
	}

	if srcSum != dstSum {
		return &CopyError{
			DownloadID: downloadID,
			Path:       path,
			Reason:     ReasonVerificationFailed,
			Err:        fmt.Errorf("checksum mismatch: source %s, copy %s", srcSum, dstSum),
		}
	}

	fp.Checksum = dstSum

	return nil
}

// adopt marks fp as done when a final file left by an earlier run already
// matches the source byte for byte. This lets a lost state store be rebuilt
// without copying everything again.
func (c *Copier) adopt(ctx context.Context, src, final string, fp *storage.FileProgress) (bool, error) {
	info, err := os.Stat(final)
	if err != nil || info.Size() != fp.SourceSize {
		return false, nil
	}

	srcSum, err := checksumFile(ctx, src)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		return false, nil
	}

	dstSum, err := checksumFile(ctx, final)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		return false, nil
	}

	if srcSum != dstSum {
		return false, nil
	}

	fp.BytesCopied = fp.SourceSize
	fp.Checksum = dstSum
	fp.Done = true

	return true, nil
}

// commit renames every staged file into its final name.
func (c *Copier) commit(dl *torrent.Download, rec *storage.SyncRecord) error {
	dirs := make(map[string]struct{})

	for _, f := range dl.Files {
		final := destFile(rec, f)
		tmp := final + partialSuffix
		fp := rec.File(f.Path)

		if !exists(tmp) {
			// Renamed by an earlier attempt that crashed before persisting.
			info, err := os.Stat(final)
			if err != nil || info.Size() != fp.SourceSize {
				return &CopyError{DownloadID: dl.ID, Path: f.Path, Reason: ReasonVerificationFailed, Err: errors.New("staged copy is missing")}
			}

			continue
		}

		if err := os.Rename(tmp, final); err != nil {
			return &CopyError{DownloadID: dl.ID, Path: f.Path, Reason: ReasonIO, Err: err}
		}

		dirs[filepath.Dir(final)] = struct{}{}
	}

	for dir := range dirs {
		if err := syncDir(dir); err != nil {
			return &CopyError{DownloadID: dl.ID, Path: dir, Reason: ReasonIO, Err: err}
		}
	}

	return nil
}

// fail records the failure on rec and persists it. A cancelled context keeps
// the record in progress so the next run resumes instead of counting a failure.
func (c *Copier) fail(ctx context.Context, rec *storage.SyncRecord, transferred int64, start time.Time, cause error) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", rec.DownloadID)

	if storage.IsPersistence(cause) {
		c.telemetry.RecordCopy(ctx, "error", transferred, time.Since(start))

		return nil, cause
	}

	status := "error"

	if ctx.Err() != nil {
		status = "cancelled"
		rec.Status = storage.StatusInProgress

		logger.Info("copy interrupted, progress kept for resume", "transferred", humanize.Bytes(uint64(transferred)))
	} else {
		cause = c.classify(rec.DownloadID, cause)
		rec.Status = storage.StatusFailed
		rec.FailureReason = string(ReasonOf(cause))
		rec.LastError = cause.Error()
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := c.store.Put(persistCtx, rec); err != nil {
		cause = errors.Join(cause, err)
	}

	c.telemetry.RecordCopy(ctx, status, transferred, time.Since(start))

	return nil, cause
}

// classify turns err into a CopyError or DestinationUnavailableError. I/O
// failures are attributed to the destination when it stopped answering.
func (c *Copier) classify(downloadID string, err error) error {
	reason := ReasonOf(err)

	if reason == "" || reason == ReasonIO {
		if destErr := c.CheckDestination(); destErr != nil {
			return destErr
		}
	}

	if reason == "" {
		return &CopyError{DownloadID: downloadID, Reason: ReasonIO, Err: err}
	}

	return err
}

func checkSource(downloadID, path, src string, fp *storage.FileProgress) error {
	info, err := os.Stat(src)
	if err != nil {
		return sourceError(downloadID, path, err)
	}

	if fp == nil || !fp.MatchesSource(info.Size(), info.ModTime()) {
		return &CopyError{DownloadID: downloadID, Path: path, Reason: ReasonSourceChanged, Err: errors.New("source size or modification time changed")}
	}

	return nil
}

func sourceError(downloadID, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return &CopyError{DownloadID: downloadID, Path: path, Reason: ReasonSourceMissing, Err: err}
	}

	return &CopyError{DownloadID: downloadID, Path: path, Reason: ReasonIO, Err: err}
}

func validateFiles(dl *torrent.Download) error {
	if len(dl.Files) == 0 {
		return &CopyError{DownloadID: dl.ID, Reason: ReasonSourceMissing, Err: errors.New("download lists no files")}
	}

	for _, f := range dl.Files {
		if !filepath.IsLocal(filepath.FromSlash(f.Path)) {
			return &CopyError{DownloadID: dl.ID, Path: f.Path, Reason: ReasonInvalidPath, Err: errors.New("path escapes the download directory")}
		}
	}

	return nil
}

func filePaths(dl *torrent.Download) []string {
	paths := make([]string, 0, len(dl.Files))
	for _, f := range dl.Files {
		paths = append(paths, f.Path)
	}

	return paths
}

func destFile(rec *storage.SyncRecord, f *torrent.File) string {
	return filepath.Join(rec.DestPath, filepath.FromSlash(f.Path))
}

// staged reports whether a verified copy is still on disk, either renamed
// into place or waiting under its .partial name.
func staged(final, tmp string, size int64) bool {
	if info, err := os.Stat(tmp); err == nil {
		return info.Size() == size
	}

	info, err := os.Stat(final)

	return err == nil && info.Size() == size
}

func exists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Sync()
}

func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':':
			return '_'
		case unicode.IsControl(r):
			return -1
		}

		return r
	}, name)

	name = strings.Trim(name, " .")
	if name == "" {
		return "download"
	}

	return name
}

func shortID(id string) string {
	id = strings.ToLower(sanitizeName(id))
	if len(id) > 8 {
		return id[:8]
	}

	return id
}
