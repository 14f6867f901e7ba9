package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/seedbox_mirror/internal/mirror"
	"github.com/italolelis/seedbox_mirror/internal/retention"
	"github.com/italolelis/seedbox_mirror/internal/storage"
	"github.com/italolelis/seedbox_mirror/internal/storage/storagetest"
	"github.com/italolelis/seedbox_mirror/internal/torrent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

type fakeClient struct {
	mu        sync.Mutex
	downloads []*torrent.Download
	listErr   error
	removeErr error
	removed   []string
	listHook  func()
}

func (c *fakeClient) List(context.Context) ([]*torrent.Download, error) {
	if c.listHook != nil {
		c.listHook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listErr != nil {
		return nil, c.listErr
	}

	out := make([]*torrent.Download, 0, len(c.downloads))

	for _, d := range c.downloads {
		cp := *d
		out = append(out, &cp)
	}

	return out, nil
}

func (c *fakeClient) Remove(_ context.Context, id string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removeErr != nil {
		return c.removeErr
	}

	c.removed = append(c.removed, id)

	for i, d := range c.downloads {
		if d.ID == id {
			c.downloads = append(c.downloads[:i], c.downloads[i+1:]...)

			break
		}
	}

	return nil
}

func (c *fakeClient) add(dl *torrent.Download) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.downloads = append(c.downloads, dl)
}

func (c *fakeClient) removedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.removed...)
}

type env struct {
	srcDir  string
	destDir string
	client  *fakeClient
	store   *storagetest.Store
	copier  *mirror.Copier
	orch    *Orchestrator
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()

	e := &env{
		srcDir:  t.TempDir(),
		destDir: t.TempDir(),
		client:  &fakeClient{},
		store:   storagetest.New(),
	}

	e.copier = mirror.NewCopier(e.destDir, e.store)
	reaper := retention.NewReaper(retention.Config{Window: 30 * day, DeleteData: true}, e.client, e.store, e.copier, nil)
	e.orch = NewOrchestrator(cfg, e.client, e.store, e.copier, reaper, nil, nil)

	return e
}

// addDownload writes the files of a complete download and registers it with the client.
func (e *env) addDownload(t *testing.T, id string, age time.Duration, files map[string][]byte) *torrent.Download {
	t.Helper()

	dl := &torrent.Download{
		ID:          id,
		Name:        "dl-" + id,
		Complete:    true,
		Dir:         e.srcDir,
		CompletedAt: time.Now().Add(-age),
	}

	for rel, data := range files {
		path := filepath.Join(e.srcDir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, data, 0o644))

		dl.Files = append(dl.Files, &torrent.File{Path: rel, Size: int64(len(data))})
		dl.Size += int64(len(data))
	}

	e.client.add(dl)

	return dl
}

func TestOrchestrator_CopiesThenReapsOnNextCycle(t *testing.T) {
	e := newEnv(t, Config{MaxParallel: 2})
	ctx := context.Background()

	dl := e.addDownload(t, "aaaa0001", 31*day, map[string][]byte{"A/movie.mkv": make([]byte, 100_000)})

	first, err := e.orch.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Created)
	assert.Equal(t, 1, first.Synced)
	assert.EqualValues(t, 100_000, first.Transferred)
	assert.Zero(t, first.Reaped)
	assert.Empty(t, e.client.removedIDs())

	rec := e.store.Record(dl.ID)
	require.NotNil(t, rec)
	assert.Equal(t, storage.StatusSynced, rec.Status)

	second, err := e.orch.RunCycle(ctx)
	require.NoError(t, err)

	assert.Zero(t, second.Transferred)
	assert.Equal(t, 1, second.Unchanged)
	assert.Equal(t, 1, second.Reaped)
	assert.Equal(t, []string{dl.ID}, e.client.removedIDs())
	assert.Nil(t, e.store.Record(dl.ID))

	assert.FileExists(t, filepath.Join(rec.DestPath, "A", "movie.mkv"))
}

func TestOrchestrator_SecondCycleTransfersNothing(t *testing.T) {
	e := newEnv(t, Config{MaxParallel: 2})
	ctx := context.Background()

	e.addDownload(t, "bbbb0001", day, map[string][]byte{"b/1.bin": make([]byte, 2048), "b/2.bin": make([]byte, 4096)})
	e.addDownload(t, "bbbb0002", day, map[string][]byte{"c.bin": make([]byte, 10)})

	first, err := e.orch.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Synced)

	puts := e.store.Puts

	second, err := e.orch.RunCycle(ctx)
	require.NoError(t, err)

	assert.Zero(t, second.Transferred)
	assert.Equal(t, 2, second.Unchanged)
	assert.Equal(t, puts, e.store.Puts)
}

func TestOrchestrator_KeepsRecentDownloads(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()

	dl := e.addDownload(t, "cccc0001", 10*day, map[string][]byte{"c.bin": []byte("content")})

	for range 3 {
		_, err := e.orch.RunCycle(ctx)
		require.NoError(t, err)
	}

	assert.Empty(t, e.client.removedIDs())
	require.NotNil(t, e.store.Record(dl.ID))
	assert.Equal(t, storage.StatusSynced, e.store.Record(dl.ID).Status)
}

func TestOrchestrator_ListingFailureAbortsCycle(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()

	dl := e.addDownload(t, "dddd0001", 31*day, map[string][]byte{"d.bin": []byte("data")})

	_, err := e.orch.RunCycle(ctx)
	require.NoError(t, err)

	puts, deletes := e.store.Puts, e.store.Deletes

	e.client.mu.Lock()
	e.client.listErr = &torrent.UnavailableError{Operation: "list", Err: errors.New("connection refused")}
	e.client.mu.Unlock()

	report, err := e.orch.RunCycle(ctx)
	require.Error(t, err)

	var ue *torrent.UnavailableError
	assert.ErrorAs(t, err, &ue)
	assert.NotEmpty(t, report.Err)

	assert.Equal(t, puts, e.store.Puts)
	assert.Equal(t, deletes, e.store.Deletes)
	assert.Empty(t, e.client.removedIDs())
	assert.NotNil(t, e.store.Record(dl.ID))
	assert.Equal(t, PhaseIdle, e.orch.Status().Phase)
}

func TestOrchestrator_IsolatesPerDownloadFailures(t *testing.T) {
	e := newEnv(t, Config{MaxParallel: 2})
	ctx := context.Background()

	good := e.addDownload(t, "eeee0001", day, map[string][]byte{"good.bin": []byte("fine")})
	bad := e.addDownload(t, "eeee0002", day, map[string][]byte{"bad.bin": []byte("gone soon")})
	require.NoError(t, os.Remove(filepath.Join(e.srcDir, "bad.bin")))

	report, err := e.orch.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.Failed)

	assert.Equal(t, storage.StatusSynced, e.store.Record(good.ID).Status)

	failed := e.store.Record(bad.ID)
	require.NotNil(t, failed)
	assert.Equal(t, storage.StatusFailed, failed.Status)
	assert.Equal(t, string(mirror.ReasonSourceMissing), failed.FailureReason)
}

func TestOrchestrator_DropsRecordsOfVanishedDownloads(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()

	orphan := storage.NewRecord("ffff0001", "orphan", filepath.Join(e.destDir, "orphan [ffff0001]"), time.Now())
	orphan.Status = storage.StatusInProgress
	orphan.EnsureFile("orphan.bin").BytesCopied = 4

	partial := filepath.Join(orphan.DestPath, "orphan.bin.partial")
	require.NoError(t, os.MkdirAll(filepath.Dir(partial), 0o755))
	require.NoError(t, os.WriteFile(partial, []byte("half"), 0o644))
	require.NoError(t, e.store.Put(ctx, orphan))

	report, err := e.orch.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Vanished)
	assert.Nil(t, e.store.Record(orphan.DownloadID))
	assert.NoFileExists(t, partial)
	assert.Empty(t, e.client.removedIDs())
}

func TestOrchestrator_ManuallyDeletedSourceIsNeverReaped(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()

	dl := e.addDownload(t, "gggg0001", 100*day, map[string][]byte{"g/1.bin": make([]byte, 5000)})

	src := filepath.Join(e.srcDir, "g", "1.bin")
	info, err := os.Stat(src)
	require.NoError(t, err)

	rec := storage.NewRecord(dl.ID, dl.Name, e.copier.DestDir(dl), time.Now())
	rec.Status = storage.StatusInProgress
	rec.Files = []storage.FileProgress{{Path: "g/1.bin", SourceSize: info.Size(), SourceModTime: info.ModTime(), BytesCopied: 2000}}
	require.NoError(t, e.store.Put(ctx, rec))

	require.NoError(t, os.Remove(src))

	for range 2 {
		report, err := e.orch.RunCycle(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, report.Failed)
		assert.Zero(t, report.Reaped)
	}

	stored := e.store.Record(dl.ID)
	require.NotNil(t, stored)
	assert.Equal(t, storage.StatusFailed, stored.Status)
	assert.Equal(t, string(mirror.ReasonSourceMissing), stored.FailureReason)
	assert.Empty(t, e.client.removedIDs())
}

func TestOrchestrator_PersistenceFailureSkipsRetention(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()

	old := e.addDownload(t, "hhhh0001", 31*day, map[string][]byte{"old.bin": []byte("old")})

	_, err := e.orch.RunCycle(ctx)
	require.NoError(t, err)

	e.addDownload(t, "hhhh0002", day, map[string][]byte{"new.bin": []byte("new")})
	e.store.Fail(errors.New("disk I/O error"), nil, nil)

	_, err = e.orch.RunCycle(ctx)
	require.Error(t, err)
	assert.True(t, storage.IsPersistence(err))

	assert.Empty(t, e.client.removedIDs())
	assert.NotNil(t, e.store.Record(old.ID))
}

func TestOrchestrator_RemovalFailureRetriesNextCycle(t *testing.T) {
	e := newEnv(t, Config{})
	ctx := context.Background()

	dl := e.addDownload(t, "iiii0001", 31*day, map[string][]byte{"i.bin": []byte("i")})

	_, err := e.orch.RunCycle(ctx)
	require.NoError(t, err)

	e.client.mu.Lock()
	e.client.removeErr = errors.New("rpc timeout")
	e.client.mu.Unlock()

	report, err := e.orch.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Reaped)
	assert.NotNil(t, e.store.Record(dl.ID))

	e.client.mu.Lock()
	e.client.removeErr = nil
	e.client.mu.Unlock()

	report, err = e.orch.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reaped)
	assert.Nil(t, e.store.Record(dl.ID))
}

func TestOrchestrator_SkipsIncompleteAndUnlabelledDownloads(t *testing.T) {
	e := newEnv(t, Config{Label: "mirror"})
	ctx := context.Background()

	labelled := e.addDownload(t, "jjjj0001", day, map[string][]byte{"j.bin": []byte("j")})
	labelled.Labels = []string{"mirror"}
	labelled.Complete = false

	unlabelled := e.addDownload(t, "jjjj0002", day, map[string][]byte{"k.bin": []byte("k")})

	report, err := e.orch.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Downloads)
	assert.Zero(t, report.Synced)

	rec := e.store.Record(labelled.ID)
	require.NotNil(t, rec)
	assert.Equal(t, storage.StatusPending, rec.Status)
	assert.Nil(t, e.store.Record(unlabelled.ID))
}

func TestOrchestrator_RejectsOverlappingCycles(t *testing.T) {
	e := newEnv(t, Config{})

	entered := make(chan struct{})
	release := make(chan struct{})

	e.client.listHook = func() {
		close(entered)
		<-release
	}

	done := make(chan error, 1)

	go func() {
		_, err := e.orch.RunCycle(context.Background())
		done <- err
	}()

	<-entered

	assert.Equal(t, PhaseListing, e.orch.Status().Phase)

	_, err := e.orch.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(release)
	require.NoError(t, <-done)

	status := e.orch.Status()
	assert.Equal(t, PhaseIdle, status.Phase)
	require.NotNil(t, status.LastCycle)
	assert.NotEmpty(t, status.LastCycle.ID)
}
