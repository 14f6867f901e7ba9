package storage

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncRecord_Files(t *testing.T) {
	now := time.Now()
	rec := NewRecord("abc", "Show", "/nas/Show [abc]", now)

	assert.Equal(t, StatusPending, rec.Status)
	assert.Nil(t, rec.File("a.mkv"))

	f := rec.EnsureFile("a.mkv")
	f.BytesCopied = 42
	rec.EnsureFile("b.mkv")

	require.NotNil(t, rec.File("a.mkv"))
	assert.EqualValues(t, 42, rec.File("a.mkv").BytesCopied)
	assert.Len(t, rec.Files, 2)

	rec.RetainFiles([]string{"b.mkv"})
	assert.Nil(t, rec.File("a.mkv"))
	assert.NotNil(t, rec.File("b.mkv"))
}

func TestSyncRecord_CloneIsDeep(t *testing.T) {
	rec := NewRecord("abc", "Show", "/nas", time.Now())
	rec.EnsureFile("a.mkv").BytesCopied = 1

	clone := rec.Clone()
	clone.File("a.mkv").BytesCopied = 99
	clone.Status = StatusSynced

	assert.EqualValues(t, 1, rec.File("a.mkv").BytesCopied)
	assert.Equal(t, StatusPending, rec.Status)
}

func TestFileProgress_MatchesAndReset(t *testing.T) {
	mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	f := FileProgress{Path: "a", SourceSize: 10, SourceModTime: mtime, BytesCopied: 5, Checksum: "x", Done: true}

	assert.True(t, f.MatchesSource(10, mtime.In(time.Local)))
	assert.False(t, f.MatchesSource(11, mtime))
	assert.False(t, f.MatchesSource(10, mtime.Add(time.Second)))

	f.Reset(20, mtime.Add(time.Hour))
	assert.EqualValues(t, 20, f.SourceSize)
	assert.Zero(t, f.BytesCopied)
	assert.Empty(t, f.Checksum)
	assert.False(t, f.Done)
}

func TestPersistenceError(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := fmt.Errorf("syncing: %w", &PersistenceError{Operation: "put", DownloadID: "abc", Err: cause})

	assert.True(t, IsPersistence(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "state store put failed for abc: disk I/O error", errors.Unwrap(err).Error())
	assert.False(t, IsPersistence(cause))
	assert.Equal(t, "state store list failed: disk I/O error", (&PersistenceError{Operation: "list", Err: cause}).Error())
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	var (
		km      KeyedMutex
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			unlock := km.Lock("abc")
			defer unlock()

			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}

			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}

	wg.Wait()

	assert.EqualValues(t, 1, maxSeen.Load())
	assert.Empty(t, km.locks)
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	var km KeyedMutex

	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})

	go func() {
		unlock := km.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}
