package galdrdb_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/galdrdb/galdrdb"
	"github.com/galdrdb/galdrdb/internal/keyenc"
)

// Person is the typed test record most scenarios use, with a derived
// TypeInfo and a single-field index on Name.
type Person struct {
	ID   int64
	Name string
	Age  int32
}

func personInfo(t *testing.T, indexes ...galdrdb.IndexSpec) galdrdb.TypeInfo[Person] {
	t.Helper()
	if indexes == nil {
		indexes = []galdrdb.IndexSpec{{Name: "Name", Fields: []string{"Name"}}}
	}
	info, err := galdrdb.DeriveTypeInfo[Person]("Person", indexes...)
	require.NoError(t, err)
	return info
}

// Order exercises the hand-written TypeInfo path (spec-style code-gen
// shape) with a compound index on (Status, CreatedDate).
type Order struct {
	ID          int64
	Status      string
	CreatedDate time.Time
	Total       float64
}

func orderInfo() galdrdb.TypeInfo[Order] {
	return galdrdb.TypeInfo[Order]{
		CollectionName: "Order",
		GetID:          func(o *Order) int64 { return o.ID },
		SetID:          func(o *Order, id int64) { o.ID = id },
		Fields: []galdrdb.FieldMeta[Order]{
			{
				Name: "Status", Kind: keyenc.KindString,
				Get: func(o *Order) any { return o.Status },
				Set: func(o *Order, v any) { o.Status = v.(string) },
			},
			{
				Name: "CreatedDate", Kind: keyenc.KindDateTime,
				Get: func(o *Order) any { return o.CreatedDate },
				Set: func(o *Order, v any) { o.CreatedDate = v.(time.Time) },
			},
			{
				Name: "Total", Kind: keyenc.KindFloat64,
				Get: func(o *Order) any { return o.Total },
				Set: func(o *Order, v any) { o.Total = v.(float64) },
			},
		},
		Indexes: []galdrdb.IndexSpec{
			{Name: "Status_CreatedDate", Fields: []string{"Status", "CreatedDate"}},
		},
		Serialize: func(o *Order) ([]byte, error) { return json.Marshal(o) },
		Deserialize: func(b []byte) (*Order, error) {
			var o Order
			if err := json.Unmarshal(b, &o); err != nil {
				return nil, err
			}
			return &o, nil
		},
	}
}

func newTestDb(t *testing.T, cfg galdrdb.Config) (*galdrdb.Db, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.gdb")
	db, err := galdrdb.Create(path, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func reopen(t *testing.T, db *galdrdb.Db, path string, cfg galdrdb.Config) *galdrdb.Db {
	t.Helper()
	require.NoError(t, db.Close())
	reopened, err := galdrdb.Open(path, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	return reopened
}
