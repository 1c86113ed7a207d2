package btree_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/galdrdb/galdrdb/internal/btree"
	"github.com/galdrdb/galdrdb/internal/docstore"
	"github.com/galdrdb/galdrdb/internal/keyenc"
	"github.com/galdrdb/galdrdb/internal/page"
)

const testPageSize page.Size = 4096

// memSource is an in-memory [pager.Source] with a trivial bump allocator,
// enough to exercise tree logic without the page manager.
type memSource struct {
	io    *page.Memory
	next  page.ID
	freed map[page.ID]bool
}

func newMemSource() *memSource {
	return &memSource{io: page.NewMemory(testPageSize), next: 1, freed: make(map[page.ID]bool)}
}

func (s *memSource) PageSize() page.Size { return s.io.PageSize() }

func (s *memSource) ReadPage(id page.ID) ([]byte, error) {
	buf := make([]byte, s.io.PageSize())
	if err := s.io.ReadPage(id, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *memSource) WritePage(id page.ID, buf []byte) error {
	return s.io.WritePage(id, buf)
}

func (s *memSource) Allocate(hint page.ID) (page.ID, error) {
	id := s.next
	s.next++
	return id, nil
}

func (s *memSource) Free(id page.ID) error {
	s.freed[id] = true
	return nil
}

func loc(n int64) docstore.Location {
	return docstore.Location{PageID: page.ID(n%1000 + 1), Slot: uint16(n % 50)}
}

func shuffledInt64s(n int, seed int64) []int64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]int64, n)
	for i := range out {
		out[i] = int64(i + 1)
	}
	rng.Shuffle(n, func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func newPrimary(t *testing.T, order int) (*btree.Primary, *memSource) {
	t.Helper()
	src := newMemSource()
	root, err := btree.CreateEmpty(src)
	require.NoError(t, err)
	return btree.NewPrimary(src, root, order), src
}

func Test_Primary_Insert_Search(t *testing.T) {
	t.Parallel()

	tree, _ := newPrimary(t, btree.DefaultOrder)

	ids := shuffledInt64s(500, 1)
	for _, id := range ids {
		_, hadPrior, err := tree.Insert(id, loc(id))
		require.NoError(t, err)
		require.False(t, hadPrior)
	}

	for _, id := range ids {
		got, ok, err := tree.Search(id)
		require.NoError(t, err)
		require.True(t, ok, "id %d", id)
		require.Equal(t, loc(id), got)
	}

	_, ok, err := tree.Search(100_000)
	require.NoError(t, err)
	require.False(t, ok)
}

func Test_Primary_Insert_Duplicate_Replaces_And_Reports_Prior(t *testing.T) {
	t.Parallel()

	tree, _ := newPrimary(t, btree.DefaultOrder)

	_, hadPrior, err := tree.Insert(7, loc(1))
	require.NoError(t, err)
	require.False(t, hadPrior)

	prior, hadPrior, err := tree.Insert(7, loc(2))
	require.NoError(t, err)
	require.True(t, hadPrior)
	require.Equal(t, loc(1), prior)

	got, ok, err := tree.Search(7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, loc(2), got)
}

func Test_Primary_All_Yields_Ascending_Order(t *testing.T) {
	t.Parallel()

	tree, _ := newPrimary(t, btree.MinOrder)

	for _, id := range shuffledInt64s(300, 2) {
		_, _, err := tree.Insert(id, loc(id))
		require.NoError(t, err)
	}

	var seen []int64
	require.NoError(t, tree.All(func(id int64, _ docstore.Location) (bool, error) {
		seen = append(seen, id)
		return true, nil
	}))

	require.Len(t, seen, 300)
	for i := 1; i < len(seen); i++ {
		require.Less(t, seen[i-1], seen[i])
	}
}

func Test_Primary_Range_Bounds(t *testing.T) {
	t.Parallel()

	tree, _ := newPrimary(t, btree.DefaultOrder)
	for id := int64(1); id <= 100; id++ {
		_, _, err := tree.Insert(id, loc(id))
		require.NoError(t, err)
	}

	collect := func(lo, hi int64, incLo, incHi bool) []int64 {
		var out []int64
		require.NoError(t, tree.Range(lo, hi, incLo, incHi, func(id int64, _ docstore.Location) (bool, error) {
			out = append(out, id)
			return true, nil
		}))
		return out
	}

	require.Equal(t, []int64{10, 11, 12}, collect(10, 12, true, true))
	require.Equal(t, []int64{11, 12}, collect(10, 12, false, true))
	require.Equal(t, []int64{10, 11}, collect(10, 12, true, false))
	require.Equal(t, []int64{50}, collect(50, 50, true, true))
	require.Empty(t, collect(200, 300, true, true))
}

func Test_Primary_Range_Stops_Early(t *testing.T) {
	t.Parallel()

	tree, _ := newPrimary(t, btree.DefaultOrder)
	for id := int64(1); id <= 50; id++ {
		_, _, err := tree.Insert(id, loc(id))
		require.NoError(t, err)
	}

	var count int
	require.NoError(t, tree.Range(1, 50, true, true, func(id int64, _ docstore.Location) (bool, error) {
		count++
		return count < 5, nil
	}))
	require.Equal(t, 5, count)
}

func Test_Primary_Delete_With_Rebalancing(t *testing.T) {
	t.Parallel()

	// A small order forces deep trees and frequent borrow/merge.
	tree, _ := newPrimary(t, btree.MinOrder)

	ids := shuffledInt64s(400, 3)
	for _, id := range ids {
		_, _, err := tree.Insert(id, loc(id))
		require.NoError(t, err)
	}

	// Delete every even id in shuffled order.
	for _, id := range ids {
		if id%2 != 0 {
			continue
		}
		ok, err := tree.Delete(id)
		require.NoError(t, err)
		require.True(t, ok, "delete %d", id)
	}

	for _, id := range ids {
		_, ok, err := tree.Search(id)
		require.NoError(t, err)
		require.Equal(t, id%2 != 0, ok, "id %d", id)
	}

	// Deleting a missing id reports false without error.
	ok, err := tree.Delete(2)
	require.NoError(t, err)
	require.False(t, ok)
}

func Test_Primary_Delete_All_Shrinks_To_Empty(t *testing.T) {
	t.Parallel()

	tree, _ := newPrimary(t, btree.MinOrder)
	for id := int64(1); id <= 120; id++ {
		_, _, err := tree.Insert(id, loc(id))
		require.NoError(t, err)
	}
	for id := int64(1); id <= 120; id++ {
		ok, err := tree.Delete(id)
		require.NoError(t, err)
		require.True(t, ok)
	}

	var count int
	require.NoError(t, tree.All(func(int64, docstore.Location) (bool, error) {
		count++
		return true, nil
	}))
	require.Zero(t, count)
}

func encStr(t *testing.T, s string) []byte {
	t.Helper()
	enc, err := keyenc.EncodeString(s)
	require.NoError(t, err)
	return enc
}

func newSecondary(t *testing.T) (*btree.Secondary, *memSource) {
	t.Helper()
	src := newMemSource()
	root, err := btree.CreateEmptySecondary(src, btree.DefaultAverageKeySize)
	require.NoError(t, err)
	return btree.NewSecondary(src, root, btree.DefaultAverageKeySize), src
}

func Test_Secondary_Insert_And_Scan(t *testing.T) {
	t.Parallel()

	tree, _ := newSecondary(t)

	for i := int64(1); i <= 200; i++ {
		key := encStr(t, fmt.Sprintf("user-%04d", i))
		require.NoError(t, tree.Insert(key, i, loc(i)))
	}

	var ids []int64
	require.NoError(t, tree.All(func(fullKey []byte, _ docstore.Location) (bool, error) {
		_, id := btree.SplitID(fullKey)
		ids = append(ids, id)
		return true, nil
	}))
	require.Len(t, ids, 200)
	for i := 1; i < len(ids); i++ {
		require.Less(t, ids[i-1], ids[i]) // user-%04d sorts like the id
	}
}

func Test_Secondary_Duplicate_Values_Distinct_Ids(t *testing.T) {
	t.Parallel()

	tree, _ := newSecondary(t)
	key := encStr(t, "Pending")

	for i := int64(1); i <= 50; i++ {
		require.NoError(t, tree.Insert(key, i, loc(i)))
	}

	var ids []int64
	require.NoError(t, tree.PrefixScan(key, func(fullKey []byte, _ docstore.Location) (bool, error) {
		_, id := btree.SplitID(fullKey)
		ids = append(ids, id)
		return true, nil
	}))
	require.Len(t, ids, 50)
	for i := 1; i < len(ids); i++ {
		require.Less(t, ids[i-1], ids[i]) // id suffix orders colliding values
	}
}

func Test_Secondary_Delete_Targets_One_Id(t *testing.T) {
	t.Parallel()

	tree, _ := newSecondary(t)
	key := encStr(t, "dup")

	require.NoError(t, tree.Insert(key, 1, loc(1)))
	require.NoError(t, tree.Insert(key, 2, loc(2)))

	ok, err := tree.Delete(key, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tree.Delete(key, 1)
	require.NoError(t, err)
	require.False(t, ok)

	var remaining []int64
	require.NoError(t, tree.PrefixScan(key, func(fullKey []byte, _ docstore.Location) (bool, error) {
		_, id := btree.SplitID(fullKey)
		remaining = append(remaining, id)
		return true, nil
	}))
	require.Equal(t, []int64{2}, remaining)
}

func Test_Secondary_PrefixScan_Matches_Only_Prefix(t *testing.T) {
	t.Parallel()

	tree, _ := newSecondary(t)

	names := []string{"apple", "application", "apply", "banana", "app"}
	for i, name := range names {
		require.NoError(t, tree.Insert(encStr(t, name), int64(i+1), loc(int64(i+1))))
	}

	// The string encoding is value-prefix + bytes + terminator; scanning
	// by the raw bytes without the terminator matches every extension.
	prefix := []byte{keyenc.ValuePrefix}
	prefix = append(prefix, []byte("app")...)

	var matched []int64
	require.NoError(t, tree.PrefixScan(prefix, func(fullKey []byte, _ docstore.Location) (bool, error) {
		_, id := btree.SplitID(fullKey)
		matched = append(matched, id)
		return true, nil
	}))
	require.ElementsMatch(t, []int64{1, 2, 3, 5}, matched)
}

func Test_Secondary_Range_With_Compound_Keys(t *testing.T) {
	t.Parallel()

	tree, _ := newSecondary(t)

	// Compound (dept, rank) keys.
	var id int64
	for _, dept := range []string{"eng", "mkt"} {
		for rank := int64(1); rank <= 5; rank++ {
			id++
			key := keyenc.Concat(encStr(t, dept), keyenc.EncodeInt(rank, 32))
			require.NoError(t, tree.Insert(key, id, loc(id)))
		}
	}

	// All of eng: equality prefix on the first field.
	var engIDs []int64
	require.NoError(t, tree.PrefixScan(encStr(t, "eng"), func(fullKey []byte, _ docstore.Location) (bool, error) {
		_, got := btree.SplitID(fullKey)
		engIDs = append(engIDs, got)
		return true, nil
	}))
	require.Equal(t, []int64{1, 2, 3, 4, 5}, engIDs)

	// eng with rank in [2,4]: equality prefix + range on the next field.
	lo := keyenc.Concat(encStr(t, "eng"), keyenc.EncodeInt(2, 32))
	hi := keyenc.Concat(encStr(t, "eng"), keyenc.EncodeInt(4, 32))
	hiEnd, ok := keyenc.PrefixEnd(hi)
	require.True(t, ok)

	var ranged []int64
	require.NoError(t, tree.Range(lo, hiEnd, true, false, func(fullKey []byte, _ docstore.Location) (bool, error) {
		_, got := btree.SplitID(fullKey)
		ranged = append(ranged, got)
		return true, nil
	}))
	require.Equal(t, []int64{2, 3, 4}, ranged)
}

func Test_Secondary_UniqueCheck(t *testing.T) {
	t.Parallel()

	tree, _ := newSecondary(t)

	require.NoError(t, tree.Insert(encStr(t, "alice@example.com"), 1, loc(1)))

	id, found, err := tree.UniqueCheck(encStr(t, "alice@example.com"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1), id)

	_, found, err = tree.UniqueCheck(encStr(t, "bob@example.com"))
	require.NoError(t, err)
	require.False(t, found)

	// Nulls are exempt from uniqueness.
	require.NoError(t, tree.Insert(keyenc.EncodeNull(), 2, loc(2)))
	_, found, err = tree.UniqueCheck(keyenc.EncodeNull())
	require.NoError(t, err)
	require.False(t, found)
}

func Test_Secondary_Deep_Tree_Split_And_Merge(t *testing.T) {
	t.Parallel()

	tree, _ := newSecondary(t)

	const n = 1500
	for i := int64(1); i <= n; i++ {
		require.NoError(t, tree.Insert(encStr(t, fmt.Sprintf("k%06d", i)), i, loc(i)))
	}

	for i := int64(1); i <= n; i += 2 {
		ok, err := tree.Delete(encStr(t, fmt.Sprintf("k%06d", i)), i)
		require.NoError(t, err)
		require.True(t, ok, "delete %d", i)
	}

	var count int
	require.NoError(t, tree.All(func(fullKey []byte, _ docstore.Location) (bool, error) {
		_, id := btree.SplitID(fullKey)
		require.Zero(t, id%2)
		count++
		return true, nil
	}))
	require.Equal(t, n/2, count)
}
