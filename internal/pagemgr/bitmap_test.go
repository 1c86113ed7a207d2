package pagemgr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/galdrdb/galdrdb/internal/page"
	"github.com/galdrdb/galdrdb/internal/pagemgr"
)

const testPageSize page.Size = 4096

func newTestManager(t *testing.T) (*pagemgr.Manager, *page.Memory) {
	t.Helper()

	io := page.NewMemory(testPageSize)
	maxPages := uint32(1024)
	bitmapPages := pagemgr.BitmapPages(maxPages, testPageSize)
	fsmPages := pagemgr.FSMPages(maxPages, testPageSize)

	m := pagemgr.NewManager(io, 1, bitmapPages, 1+page.ID(bitmapPages), fsmPages, maxPages)
	reserved := 1 + bitmapPages + fsmPages
	m.InitEmpty(reserved)
	require.NoError(t, m.Grow(64))
	return m, io
}

func Test_Allocate_Skips_Reserved_Pages(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	id, err := m.Allocate(0)
	require.NoError(t, err)
	require.True(t, m.IsAllocated(id))

	// The header/bitmap/FSM pages are reserved; the first allocation must
	// land past them.
	require.GreaterOrEqual(t, uint32(id), uint32(3))
}

func Test_Allocate_Prefers_Hint_Locality(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	// Claim a run so the hint region is distinguishable.
	for i := 0; i < 10; i++ {
		_, err := m.Allocate(0)
		require.NoError(t, err)
	}

	id, err := m.Allocate(40)
	require.NoError(t, err)
	require.GreaterOrEqual(t, uint32(id), uint32(40))
}

func Test_Free_Makes_Page_Reallocatable(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	id, err := m.Allocate(0)
	require.NoError(t, err)
	require.NoError(t, m.Free(id))
	require.False(t, m.IsAllocated(id))

	again, err := m.Allocate(page.ID(uint32(id)))
	require.NoError(t, err)
	require.Equal(t, id, again)
}

func Test_Allocate_Exhaustion_Then_Grow(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	for {
		if _, err := m.Allocate(0); err != nil {
			require.ErrorIs(t, err, pagemgr.ErrNoFreeSpace)
			break
		}
	}

	before := m.TotalPages()
	require.NoError(t, m.Grow(32))
	require.Greater(t, m.TotalPages(), before)

	_, err := m.Allocate(0)
	require.NoError(t, err)
}

func Test_Flush_Load_Roundtrip(t *testing.T) {
	t.Parallel()

	m, io := newTestManager(t)

	var allocated []page.ID
	for i := 0; i < 20; i++ {
		id, err := m.Allocate(0)
		require.NoError(t, err)
		allocated = append(allocated, id)
	}
	require.NoError(t, m.Free(allocated[3]))
	m.SetFreeHint(allocated[5], 2048, testPageSize)

	require.NoError(t, m.Flush())

	maxPages := uint32(1024)
	bitmapPages := pagemgr.BitmapPages(maxPages, testPageSize)
	fsmPages := pagemgr.FSMPages(maxPages, testPageSize)
	reloaded := pagemgr.NewManager(io, 1, bitmapPages, 1+page.ID(bitmapPages), fsmPages, maxPages)
	require.NoError(t, reloaded.Load(m.TotalPages()))

	for i, id := range allocated {
		if i == 3 {
			require.False(t, reloaded.IsAllocated(id))
			continue
		}
		require.True(t, reloaded.IsAllocated(id), "page %d", id)
	}

	got, ok := reloaded.FindPageWithSpace(0, 1024, testPageSize)
	require.True(t, ok)
	require.Equal(t, allocated[5], got)
}

func Test_FindPageWithSpace_Ignores_Full_Pages(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	a, err := m.Allocate(0)
	require.NoError(t, err)
	b, err := m.Allocate(0)
	require.NoError(t, err)

	m.SetFreeHint(a, 0, testPageSize)
	m.SetFreeHint(b, 3000, testPageSize)

	got, ok := m.FindPageWithSpace(0, 1500, testPageSize)
	require.True(t, ok)
	require.Equal(t, b, got)

	_, ok = m.FindPageWithSpace(0, 3900, testPageSize)
	require.False(t, ok)
}

func Test_MarkAllocated_And_MarkFree(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)

	id, err := m.Allocate(0)
	require.NoError(t, err)

	m.MarkFree(id)
	require.False(t, m.IsAllocated(id))
	m.MarkAllocated(id)
	require.True(t, m.IsAllocated(id))
}
