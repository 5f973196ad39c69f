package database

import (
	"errors"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "store", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPutGetDelete(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Put([]byte("k"), []byte("value")))
	assert.True(t, db.Has([]byte("k")))

	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "value", string(got))

	require.NoError(t, db.Delete([]byte("k")))
	_, err = db.Get([]byte("k"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestJSONRoundTrip(t *testing.T) {
	db := openTestDB(t)
	type rec struct {
		Name  string
		Count int
	}
	require.NoError(t, db.PutJSON("r", rec{Name: "x", Count: 3}))

	var out rec
	require.NoError(t, db.GetJSON("r", &out))
	assert.Equal(t, rec{Name: "x", Count: 3}, out)

	assert.True(t, errors.Is(db.GetJSON("missing", &out), ErrNotFound))
}

func TestFoldPrefix(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Put([]byte("visit:2024-01-01:a"), []byte("1")))
	require.NoError(t, db.Put([]byte("visit:2024-01-02:b"), []byte("2")))
	require.NoError(t, db.Put([]byte("other:c"), []byte("3")))

	var keys []string
	err := db.FoldPrefix([]byte("visit:"), func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"visit:2024-01-01:a", "visit:2024-01-02:b"}, keys)
	assert.Equal(t, 3, db.Len())
}

func TestDecompressPassesRawValuesThrough(t *testing.T) {
	out, err := decompressIfGzipped([]byte("plain"))
	require.NoError(t, err)
	assert.Equal(t, "plain", string(out))

	packed, err := compressGzip([]byte("packed"))
	require.NoError(t, err)
	out, err = decompressIfGzipped(packed)
	require.NoError(t, err)
	assert.Equal(t, "packed", string(out))
}
