package wal_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/galdrdb/galdrdb/internal/page"
	"github.com/galdrdb/galdrdb/internal/wal"
)

const testPageSize page.Size = 4096

func newTestWAL(t *testing.T) (*wal.WAL, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wal")
	w, err := wal.Open(path, testPageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, path
}

func pageImage(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, int(testPageSize))
}

func Test_AppendCommit_Replay_Roundtrip(t *testing.T) {
	t.Parallel()

	w, _ := newTestWAL(t)

	require.NoError(t, w.AppendCommit(1, []wal.Frame{
		{PageID: 3, Image: pageImage(0xA1)},
		{PageID: 7, Image: pageImage(0xA2)},
	}))
	require.NoError(t, w.AppendCommit(2, []wal.Frame{
		{PageID: 3, Image: pageImage(0xB1)},
	}))

	applied := make(map[page.ID][]byte)
	n, err := wal.Replay(w, func(id page.ID, image []byte) error {
		applied[id] = append([]byte{}, image...)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	// Later commits overwrite earlier images for the same page.
	require.Equal(t, pageImage(0xB1), applied[3])
	require.Equal(t, pageImage(0xA2), applied[7])
}

func Test_AppendCommit_Empty_Frames_Is_Noop(t *testing.T) {
	t.Parallel()

	w, _ := newTestWAL(t)
	require.NoError(t, w.AppendCommit(1, nil))

	size, err := w.Size()
	require.NoError(t, err)
	require.Zero(t, size)
}

func Test_AppendCommit_Rejects_Wrong_Image_Size(t *testing.T) {
	t.Parallel()

	w, _ := newTestWAL(t)
	err := w.AppendCommit(1, []wal.Frame{{PageID: 1, Image: []byte("short")}})
	require.Error(t, err)
}

func Test_Replay_Discards_Truncated_Tail(t *testing.T) {
	t.Parallel()

	w, path := newTestWAL(t)

	require.NoError(t, w.AppendCommit(1, []wal.Frame{{PageID: 5, Image: pageImage(0x01)}}))

	sizeAfterCommit, err := w.Size()
	require.NoError(t, err)

	require.NoError(t, w.AppendCommit(2, []wal.Frame{{PageID: 6, Image: pageImage(0x02)}}))

	// Chop the file mid-way through the second group, simulating a crash
	// before its commit record was durable.
	require.NoError(t, os.Truncate(path, sizeAfterCommit+100))

	reopened, err := wal.Open(path, testPageSize)
	require.NoError(t, err)
	defer reopened.Close()

	applied := make(map[page.ID]bool)
	n, err := wal.Replay(reopened, func(id page.ID, _ []byte) error {
		applied[id] = true
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, applied[5])
	require.False(t, applied[6])

	// The tail was truncated away.
	size, err := reopened.Size()
	require.NoError(t, err)
	require.Equal(t, sizeAfterCommit, size)
}

func Test_Replay_Discards_Frames_Without_Commit_Record(t *testing.T) {
	t.Parallel()

	w, path := newTestWAL(t)

	require.NoError(t, w.AppendCommit(1, []wal.Frame{{PageID: 1, Image: pageImage(0x01)}}))
	committedSize, err := w.Size()
	require.NoError(t, err)

	require.NoError(t, w.AppendCommit(2, []wal.Frame{{PageID: 2, Image: pageImage(0x02)}}))

	// Remove just the trailing commit record, leaving txn 2's frame as an
	// uncommitted dangling group.
	fullSize, err := w.Size()
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fullSize-21))

	reopened, err := wal.Open(path, testPageSize)
	require.NoError(t, err)
	defer reopened.Close()

	n, err := wal.Replay(reopened, func(page.ID, []byte) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 1, n)

	size, err := reopened.Size()
	require.NoError(t, err)
	require.Equal(t, committedSize, size)
}

func Test_Checkpoint_Applies_Before_Truncating(t *testing.T) {
	t.Parallel()

	w, _ := newTestWAL(t)

	require.NoError(t, w.AppendCommit(1, []wal.Frame{{PageID: 9, Image: pageImage(0xCC)}}))

	sizeBefore, err := w.Size()
	require.NoError(t, err)

	n, err := wal.ApplyCommitted(w, func(id page.ID, image []byte) error {
		require.Equal(t, page.ID(9), id)
		require.Equal(t, pageImage(0xCC), image)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// ApplyCommitted must not shrink the WAL: the frames stay recoverable
	// until the caller has fsynced the main file and calls Truncate.
	size, err := w.Size()
	require.NoError(t, err)
	require.Equal(t, sizeBefore, size)

	require.NoError(t, w.Truncate())

	size, err = w.Size()
	require.NoError(t, err)
	require.Zero(t, size)

	require.NoError(t, w.AppendCommit(2, []wal.Frame{{PageID: 4, Image: pageImage(0xDD)}}))

	var replayed []page.ID
	_, err = wal.Replay(w, func(id page.ID, _ []byte) error {
		replayed = append(replayed, id)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []page.ID{4}, replayed)
}
