package galdrdb_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/galdrdb/galdrdb"
)

func Test_Write_Conflict_Between_Two_Staged_Transactions(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	people := galdrdb.CollectionOf(db, personInfo(t))

	id, err := people.Insert(&Person{Name: "Original"})
	require.NoError(t, err)

	tx1, err := db.BeginTransaction()
	require.NoError(t, err)
	tx2, err := db.BeginTransaction()
	require.NoError(t, err)

	ok, err := people.ReplaceTx(tx1, &Person{ID: id, Name: "FromTx1"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = people.ReplaceTx(tx2, &Person{ID: id, Name: "FromTx2"})
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, tx1.Commit())
	require.ErrorIs(t, tx2.Commit(), galdrdb.ErrWriteConflict)

	// The winner's payload survives.
	got, _, err := people.GetByID(id)
	require.NoError(t, err)
	require.Equal(t, "FromTx1", got.Name)
}

func Test_Concurrent_Replaces_Serialize_With_OCC(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	people := galdrdb.CollectionOf(db, personInfo(t))

	id, err := people.Insert(&Person{Name: "seed"})
	require.NoError(t, err)

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes []string
		conflicts int
	)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			name := string(rune('A' + i))
			tx, err := db.BeginTransaction()
			if err != nil {
				t.Error(err)
				return
			}
			ok, err := people.ReplaceTx(tx, &Person{ID: id, Name: name})
			if err != nil || !ok {
				_ = tx.Rollback()
				t.Errorf("stage replace: ok=%v err=%v", ok, err)
				return
			}

			mu.Lock() // serialize commit + outcome recording as one step
			err = tx.Commit()
			if err == nil {
				successes = append(successes, name)
			} else if errors.Is(err, galdrdb.ErrWriteConflict) {
				conflicts++
			} else {
				t.Errorf("unexpected commit error: %v", err)
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Equal(t, n, len(successes)+conflicts)
	require.GreaterOrEqual(t, len(successes), 1)

	// The stored value is the last successful committer's payload.
	got, _, err := people.GetByID(id)
	require.NoError(t, err)
	require.Equal(t, successes[len(successes)-1], got.Name)
}

func Test_OnConflict_Hook_Fires(t *testing.T) {
	t.Parallel()

	var conflictedID int64
	cfg := galdrdb.Config{Hooks: &galdrdb.Hooks{
		OnConflict: func(collection string, id int64) { conflictedID = id },
	}}

	db, _ := newTestDb(t, cfg)
	people := galdrdb.CollectionOf(db, personInfo(t))

	id, err := people.Insert(&Person{Name: "x"})
	require.NoError(t, err)

	tx1, _ := db.BeginTransaction()
	tx2, _ := db.BeginTransaction()
	_, err = people.ReplaceTx(tx1, &Person{ID: id, Name: "a"})
	require.NoError(t, err)
	_, err = people.ReplaceTx(tx2, &Person{ID: id, Name: "b"})
	require.NoError(t, err)

	require.NoError(t, tx1.Commit())
	require.Error(t, tx2.Commit())
	require.Equal(t, id, conflictedID)
}

func Test_Snapshot_Repeated_Reads_Are_Stable(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	people := galdrdb.CollectionOf(db, personInfo(t))

	id, err := people.Insert(&Person{Name: "v1"})
	require.NoError(t, err)

	ro, err := db.BeginReadOnlyTransaction()
	require.NoError(t, err)
	defer ro.Rollback()

	first, found, err := people.GetByIDTx(ro, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", first.Name)

	// A concurrent commit changes the document.
	ok, err := people.Replace(&Person{ID: id, Name: "v2"})
	require.NoError(t, err)
	require.True(t, ok)

	// The read transaction still observes its first read.
	again, found, err := people.GetByIDTx(ro, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", again.Name)

	// A fresh transaction sees the new value.
	latest, _, err := people.GetByID(id)
	require.NoError(t, err)
	require.Equal(t, "v2", latest.Name)
}

func Test_Snapshot_First_Read_After_Concurrent_Commit(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	people := galdrdb.CollectionOf(db, personInfo(t))

	id, err := people.Insert(&Person{Name: "v1"})
	require.NoError(t, err)

	// The read transaction performs NO read before the concurrent commit:
	// its snapshot alone must gate what the first read observes.
	ro, err := db.BeginReadOnlyTransaction()
	require.NoError(t, err)
	defer ro.Rollback()

	ok, err := people.Replace(&Person{ID: id, Name: "v2"})
	require.NoError(t, err)
	require.True(t, ok)

	got, found, err := people.GetByIDTx(ro, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", got.Name)
}

func Test_Snapshot_Still_Sees_Concurrently_Deleted_Document(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	people := galdrdb.CollectionOf(db, personInfo(t))

	id, err := people.Insert(&Person{Name: "doomed"})
	require.NoError(t, err)

	ro, err := db.BeginReadOnlyTransaction()
	require.NoError(t, err)
	defer ro.Rollback()

	ok, err := people.DeleteByID(id)
	require.NoError(t, err)
	require.True(t, ok)

	// Point read: the snapshot predates the delete.
	got, found, err := people.GetByIDTx(ro, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "doomed", got.Name)

	// Query: the tree scan no longer yields the id, but the snapshot is
	// still entitled to it.
	n, err := people.QueryTx(ro).Count()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Outside the snapshot it is gone.
	n, err = people.Query().Count()
	require.NoError(t, err)
	require.Zero(t, n)
}

func Test_Snapshot_Does_Not_See_Later_Insert(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	people := galdrdb.CollectionOf(db, personInfo(t))

	_, err := people.Insert(&Person{Name: "before"})
	require.NoError(t, err)

	ro, err := db.BeginReadOnlyTransaction()
	require.NoError(t, err)
	defer ro.Rollback()

	lateID, err := people.Insert(&Person{Name: "after"})
	require.NoError(t, err)

	_, found, err := people.GetByIDTx(ro, lateID)
	require.NoError(t, err)
	require.False(t, found)

	n, err := people.QueryTx(ro).Count()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = people.Query().Count()
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func Test_Stale_Snapshot_Write_Conflicts(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	people := galdrdb.CollectionOf(db, personInfo(t))

	id, err := people.Insert(&Person{Name: "v1"})
	require.NoError(t, err)

	// tx begins, then a concurrent commit advances the document past
	// tx's snapshot BEFORE tx even stages its write.
	tx, err := db.BeginTransaction()
	require.NoError(t, err)

	ok, err := people.Replace(&Person{ID: id, Name: "v2"})
	require.NoError(t, err)
	require.True(t, ok)

	// tx reads (and believes it is modifying) the v1 it snapshotted.
	got, found, err := people.GetByIDTx(tx, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", got.Name)

	ok, err = people.ReplaceTx(tx, &Person{ID: id, Name: "stale"})
	require.NoError(t, err)
	require.True(t, ok)

	require.ErrorIs(t, tx.Commit(), galdrdb.ErrWriteConflict)

	latest, _, err := people.GetByID(id)
	require.NoError(t, err)
	require.Equal(t, "v2", latest.Name)
}

func Test_Read_Your_Writes(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	people := galdrdb.CollectionOf(db, personInfo(t))

	tx, err := db.BeginTransaction()
	require.NoError(t, err)
	defer tx.Rollback()

	id, err := people.InsertTx(tx, &Person{Name: "pending"})
	require.NoError(t, err)

	// Visible inside the transaction.
	got, found, err := people.GetByIDTx(tx, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "pending", got.Name)

	// Invisible outside it.
	_, found, err = people.GetByID(id)
	require.NoError(t, err)
	require.False(t, found)

	// Staged delete shadows the staged insert.
	ok, err := people.DeleteByIDTx(tx, id)
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err = people.GetByIDTx(tx, id)
	require.NoError(t, err)
	require.False(t, found)
}

func Test_Atomicity_Rollback_Restores_Pre_Begin_State(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	people := galdrdb.CollectionOf(db, personInfo(t))

	id, err := people.Insert(&Person{Name: "stable", Age: 1})
	require.NoError(t, err)

	tx, err := db.BeginTransaction()
	require.NoError(t, err)

	ok, err := people.ReplaceTx(tx, &Person{ID: id, Name: "mutated", Age: 2})
	require.NoError(t, err)
	require.True(t, ok)
	extraID, err := people.InsertTx(tx, &Person{Name: "extra"})
	require.NoError(t, err)

	require.NoError(t, tx.Rollback())

	got, _, err := people.GetByID(id)
	require.NoError(t, err)
	require.Equal(t, "stable", got.Name)
	require.Equal(t, int32(1), got.Age)

	_, found, err := people.GetByID(extraID)
	require.NoError(t, err)
	require.False(t, found)
}

func Test_Operations_On_Ended_Transaction_Fail(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})

	tx, err := db.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.ErrorIs(t, tx.Commit(), galdrdb.ErrTransactionEnded)

	// Rollback after commit is a harmless no-op (disposal semantics).
	require.NoError(t, tx.Rollback())
}

func Test_ReadOnly_Transaction_Commits_Without_Writes(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})
	ro, err := db.BeginReadOnlyTransaction()
	require.NoError(t, err)
	require.True(t, ro.ReadOnly())
	require.NoError(t, ro.Commit())
}

func Test_Unique_Index_Scenario(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})

	// Compound unique index on (Department, EmployeeNumber).
	type Employee struct {
		ID             int64
		Department     string
		EmployeeNumber int32
	}
	info, err := galdrdb.DeriveTypeInfo[Employee]("Employee",
		galdrdb.IndexSpec{Name: "Department_EmployeeNumber", Fields: []string{"Department", "EmployeeNumber"}, Unique: true})
	require.NoError(t, err)
	employees := galdrdb.CollectionOf(db, info)

	first, err := employees.Insert(&Employee{Department: "Eng", EmployeeNumber: 1})
	require.NoError(t, err)

	_, err = employees.Insert(&Employee{Department: "Eng", EmployeeNumber: 1})
	require.ErrorIs(t, err, galdrdb.ErrUniqueViolation)

	// A different department with the same number is fine.
	_, err = employees.Insert(&Employee{Department: "Mkt", EmployeeNumber: 1})
	require.NoError(t, err)

	// Deleting the first frees the key for reuse.
	ok, err := employees.DeleteByID(first)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = employees.Insert(&Employee{Department: "Eng", EmployeeNumber: 1})
	require.NoError(t, err)
}

func Test_Unique_Violation_Aborts_Whole_Transaction(t *testing.T) {
	t.Parallel()

	db, _ := newTestDb(t, galdrdb.Config{})

	type Account struct {
		ID    int64
		Email string
	}
	info, err := galdrdb.DeriveTypeInfo[Account]("Account",
		galdrdb.IndexSpec{Name: "Email", Fields: []string{"Email"}, Unique: true})
	require.NoError(t, err)
	accounts := galdrdb.CollectionOf(db, info)

	_, err = accounts.Insert(&Account{Email: "a@x.com"})
	require.NoError(t, err)

	tx, err := db.BeginTransaction()
	require.NoError(t, err)
	_, err = accounts.InsertTx(tx, &Account{Email: "b@x.com"})
	require.NoError(t, err)
	_, err = accounts.InsertTx(tx, &Account{Email: "a@x.com"}) // duplicate
	require.NoError(t, err)

	require.ErrorIs(t, tx.Commit(), galdrdb.ErrUniqueViolation)

	// The innocent write in the same transaction was discarded too.
	n, err := accounts.Query().Where("Email", galdrdb.OpEq, "b@x.com").Count()
	require.NoError(t, err)
	require.Zero(t, n)
}
