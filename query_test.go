package galdrdb_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/galdrdb/galdrdb"
)

func seedOrders(t *testing.T, db *galdrdb.Db) *galdrdb.Collection[Order] {
	t.Helper()
	orders := galdrdb.CollectionOf(db, orderInfo())

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		status := "Pending"
		if i%2 == 1 {
			status = "Shipped"
		}
		_, err := orders.Insert(&Order{
			Status:      status,
			CreatedDate: base.AddDate(0, 0, i),
			Total:       float64(i) * 10,
		})
		require.NoError(t, err)
	}
	return orders
}

func Test_Explain_Compound_Index_Equality_Plus_Range(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	orders := seedOrders(t, db)

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	d1, d2 := base.AddDate(0, 0, 4), base.AddDate(0, 0, 11)

	q := orders.Query().
		Where("Status", galdrdb.OpEq, "Pending").
		WhereBetween("CreatedDate", d1, d2)

	explain, err := q.Explain()
	require.NoError(t, err)
	require.Equal(t, galdrdb.ScanSecondaryIndex, explain.ScanType)
	require.Equal(t, "Status_CreatedDate", explain.IndexedField)
	require.Equal(t, 2, explain.TotalFilters)
	require.Equal(t, 2, explain.FiltersUsedByIndex)
	require.Zero(t, explain.FiltersAppliedAfterScan)

	got, err := q.ToList()
	require.NoError(t, err)

	// Pending orders are on even day offsets; offsets 4..11 hold 4,6,8,10.
	require.Len(t, got, 4)
	for _, o := range got {
		require.Equal(t, "Pending", o.Status)
		require.False(t, o.CreatedDate.Before(d1))
		require.False(t, o.CreatedDate.After(d2))
	}
}

func Test_Explain_Residual_Filter_Split(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	orders := seedOrders(t, db)

	explain, err := orders.Query().
		Where("Status", galdrdb.OpEq, "Shipped").
		Where("Total", galdrdb.OpGt, 100.0).
		Explain()
	require.NoError(t, err)

	require.Equal(t, galdrdb.ScanSecondaryIndex, explain.ScanType)
	require.Equal(t, 2, explain.TotalFilters)
	require.Equal(t, 1, explain.FiltersUsedByIndex)
	require.Equal(t, 1, explain.FiltersAppliedAfterScan)

	got, err := orders.Query().
		Where("Status", galdrdb.OpEq, "Shipped").
		Where("Total", galdrdb.OpGt, 100.0).
		ToList()
	require.NoError(t, err)
	for _, o := range got {
		require.Equal(t, "Shipped", o.Status)
		require.Greater(t, o.Total, 100.0)
	}
	// Shipped totals are 10,30,...,190; five of them exceed 100.
	require.Len(t, got, 5)
}

func Test_Explain_Primary_Key_Range(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	people := galdrdb.CollectionOf(db, personInfo(t))

	for i := 0; i < 10; i++ {
		_, err := people.Insert(&Person{Name: fmt.Sprintf("p%d", i)})
		require.NoError(t, err)
	}

	q := people.Query().Where("ID", galdrdb.OpGte, int64(4)).Where("ID", galdrdb.OpLte, int64(7))
	explain, err := q.Explain()
	require.NoError(t, err)
	require.Equal(t, galdrdb.ScanPrimaryKeyRange, explain.ScanType)
	require.Equal(t, "ID", explain.IndexedField)

	ids := make([]int64, 0, 4)
	got, err := q.ToList()
	require.NoError(t, err)
	for _, p := range got {
		ids = append(ids, p.ID)
	}
	require.Equal(t, []int64{4, 5, 6, 7}, ids)
}

func Test_Explain_Between_On_ID(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	people := galdrdb.CollectionOf(db, personInfo(t))
	for i := 0; i < 10; i++ {
		_, err := people.Insert(&Person{Name: "x"})
		require.NoError(t, err)
	}

	q := people.Query().WhereBetween("ID", int64(3), int64(5))
	explain, err := q.Explain()
	require.NoError(t, err)
	require.Equal(t, galdrdb.ScanPrimaryKeyRange, explain.ScanType)

	n, err := q.Count()
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func Test_Explain_Full_Scan_Without_Usable_Index(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	people := galdrdb.CollectionOf(db, personInfo(t)) // index on Name only

	for i := 0; i < 5; i++ {
		_, err := people.Insert(&Person{Name: "n", Age: int32(i)})
		require.NoError(t, err)
	}

	q := people.Query().Where("Age", galdrdb.OpGte, int32(3))
	explain, err := q.Explain()
	require.NoError(t, err)
	require.Equal(t, galdrdb.ScanFullScan, explain.ScanType)
	require.Equal(t, 1, explain.TotalFilters)
	require.Zero(t, explain.FiltersUsedByIndex)
	require.Equal(t, 1, explain.FiltersAppliedAfterScan)

	n, err := q.Count()
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func Test_StartsWith_Prefix_Semantics(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	people := galdrdb.CollectionOf(db, personInfo(t))

	names := []string{"app", "apple", "application", "apply", "apq", "banana"}
	for _, name := range names {
		_, err := people.Insert(&Person{Name: name})
		require.NoError(t, err)
	}

	q := people.Query().Where("Name", galdrdb.OpStartsWith, "app")
	explain, err := q.Explain()
	require.NoError(t, err)
	require.Equal(t, galdrdb.ScanSecondaryIndex, explain.ScanType)
	require.Equal(t, "Name", explain.IndexedField)

	got, err := q.ToList()
	require.NoError(t, err)

	matched := make(map[string]bool)
	for _, p := range got {
		matched[p.Name] = true
	}
	require.Len(t, matched, 4)
	require.True(t, matched["app"])
	require.True(t, matched["apple"])
	require.True(t, matched["application"])
	require.True(t, matched["apply"])
	require.False(t, matched["apq"])
	require.False(t, matched["banana"])
}

func Test_OrderBy_Skip_Limit(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	people := galdrdb.CollectionOf(db, personInfo(t))

	ages := []int32{50, 10, 40, 20, 30}
	for _, age := range ages {
		_, err := people.Insert(&Person{Name: "n", Age: age})
		require.NoError(t, err)
	}

	got, err := people.Query().OrderBy("Age").Skip(1).Limit(2).ToList()
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int32(20), got[0].Age)
	require.Equal(t, int32(30), got[1].Age)

	desc, err := people.Query().OrderByDescending("Age").ToList()
	require.NoError(t, err)
	require.Equal(t, int32(50), desc[0].Age)
	require.Equal(t, int32(10), desc[len(desc)-1].Age)

	// Skip past the end yields empty, not an error.
	none, err := people.Query().Skip(100).ToList()
	require.NoError(t, err)
	require.Empty(t, none)
}

func Test_WhereIn_And_NotIn(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	people := galdrdb.CollectionOf(db, personInfo(t))

	for _, name := range []string{"a", "b", "c", "d"} {
		_, err := people.Insert(&Person{Name: name})
		require.NoError(t, err)
	}

	in, err := people.Query().WhereIn("Name", "a", "c").Count()
	require.NoError(t, err)
	require.Equal(t, 2, in)

	notIn, err := people.Query().WhereNotIn("Name", "a", "c").Count()
	require.NoError(t, err)
	require.Equal(t, 2, notIn)
}

func Test_FirstOrDefault_And_Any(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	people := galdrdb.CollectionOf(db, personInfo(t))

	_, err := people.Insert(&Person{Name: "only"})
	require.NoError(t, err)

	got, err := people.Query().Where("Name", galdrdb.OpEq, "only").FirstOrDefault()
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "only", got.Name)

	missing, err := people.Query().Where("Name", galdrdb.OpEq, "nope").FirstOrDefault()
	require.NoError(t, err)
	require.Nil(t, missing)

	any, err := people.Query().Any()
	require.NoError(t, err)
	require.True(t, any)

	none, err := people.Query().Where("Name", galdrdb.OpEq, "nope").Any()
	require.NoError(t, err)
	require.False(t, none)
}

func Test_Query_Merges_Transaction_Write_Set(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	people := galdrdb.CollectionOf(db, personInfo(t))

	committed, err := people.Insert(&Person{Name: "committed"})
	require.NoError(t, err)
	doomed, err := people.Insert(&Person{Name: "doomed"})
	require.NoError(t, err)

	tx, err := db.BeginTransaction()
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = people.InsertTx(tx, &Person{Name: "staged"})
	require.NoError(t, err)
	ok, err := people.DeleteByIDTx(tx, doomed)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = people.ReplaceTx(tx, &Person{ID: committed, Name: "renamed"})
	require.NoError(t, err)
	require.True(t, ok)

	// Inside the transaction: staged insert visible, staged delete
	// hidden, staged replace substituted.
	got, err := people.QueryTx(tx).ToList()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, p := range got {
		names[p.Name] = true
	}
	require.Len(t, got, 2)
	require.True(t, names["staged"])
	require.True(t, names["renamed"])

	// Outside: nothing changed.
	outside, err := people.Query().Count()
	require.NoError(t, err)
	require.Equal(t, 2, outside)
}

func Test_Query_Count_Matches_Primary_Leaf_Walk(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	people := galdrdb.CollectionOf(db, personInfo(t))

	const total = 250
	for i := 0; i < total; i++ {
		_, err := people.Insert(&Person{Name: fmt.Sprintf("p%03d", i), Age: int32(i % 7)})
		require.NoError(t, err)
	}
	for id := int64(1); id <= total; id += 10 {
		ok, err := people.DeleteByID(id)
		require.NoError(t, err)
		require.True(t, ok)
	}

	n, err := people.Query().Count()
	require.NoError(t, err)
	require.Equal(t, total-25, n)

	// Secondary-index consistency: an equality query equals the
	// brute-force filter over everything.
	all, err := people.Query().ToList()
	require.NoError(t, err)
	want := 0
	for _, p := range all {
		if p.Name == "p042" {
			want++
		}
	}
	got, err := people.Query().Where("Name", galdrdb.OpEq, "p042").Count()
	require.NoError(t, err)
	require.Equal(t, want, got)
}
