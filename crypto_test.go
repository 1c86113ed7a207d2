package galdrdb_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/galdrdb/galdrdb"
)

func encConfig(password string) galdrdb.Config {
	return galdrdb.Config{
		Encryption: &galdrdb.EncryptionConfig{
			Password:      password,
			KDFIterations: 1000, // keep tests fast; production default is much higher
		},
	}
}

func Test_Encrypted_Roundtrip_And_Wrong_Password(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "secret.gdb")

	db, err := galdrdb.Create(path, encConfig("p1"))
	require.NoError(t, err)

	people := galdrdb.CollectionOf(db, personInfo(t))
	id, err := people.Insert(&Person{Name: "TopSecretAlice", Age: 30})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Wrong password fails fast.
	_, err = galdrdb.Open(path, encConfig("p2"))
	require.ErrorIs(t, err, galdrdb.ErrInvalidPassword)

	// No password at all fails too.
	_, err = galdrdb.Open(path, galdrdb.Config{})
	require.ErrorIs(t, err, galdrdb.ErrInvalidPassword)

	// The right password reads everything back.
	db, err = galdrdb.Open(path, encConfig("p1"))
	require.NoError(t, err)
	defer db.Close()

	got, found, err := galdrdb.CollectionOf(db, personInfo(t)).GetByID(id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "TopSecretAlice", got.Name)
}

func Test_Encrypted_File_And_WAL_Contain_No_Plaintext(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "secret.gdb")

	db, err := galdrdb.Create(path, encConfig("p1"))
	require.NoError(t, err)

	people := galdrdb.CollectionOf(db, personInfo(t))
	_, err = people.Insert(&Person{Name: "NeedleInHaystack", Age: 1})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	for _, f := range []string{path, path + ".wal"} {
		raw, err := os.ReadFile(f)
		require.NoError(t, err)
		require.NotContains(t, string(raw), "NeedleInHaystack", "plaintext leaked into %s", f)
		// The collection name is metadata and must be sealed too.
		require.NotContains(t, string(raw), "Person", "metadata leaked into %s", f)
	}
}

func Test_Encrypted_CompactTo_Stays_Encrypted(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "secret.gdb")
	target := filepath.Join(dir, "compacted.gdb")

	db, err := galdrdb.Create(path, encConfig("p1"))
	require.NoError(t, err)

	people := galdrdb.CollectionOf(db, personInfo(t))
	id, err := people.Insert(&Person{Name: "CompactSecret", Age: 9})
	require.NoError(t, err)

	result, err := db.CompactTo(target)
	require.NoError(t, err)
	require.Equal(t, int64(1), result.DocumentsCopied)
	require.NoError(t, db.Close())

	raw, err := os.ReadFile(target)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "CompactSecret")

	// The compacted file opens with the same password.
	compacted, err := galdrdb.Open(target, encConfig("p1"))
	require.NoError(t, err)
	defer compacted.Close()

	got, found, err := galdrdb.CollectionOf(compacted, personInfo(t)).GetByID(id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "CompactSecret", got.Name)
}

func Test_Plain_File_Rejects_Password(t *testing.T) {
	t.Parallel()

	db, path := newTestDb(t, galdrdb.Config{})
	require.NoError(t, db.Close())

	_, err := galdrdb.Open(path, encConfig("p1"))
	require.ErrorIs(t, err, galdrdb.ErrInvalidArgument)
}
