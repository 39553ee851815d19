package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDB runs the shared test suite against a DB implementation.
func testDB(t *testing.T, db DB) {
	t.Helper()

	t.Run("PutAndGet", func(t *testing.T) {
		require.NoError(t, db.Put([]byte("key1"), []byte("value1")))
		val, err := db.Get([]byte("key1"))
		require.NoError(t, err)
		assert.Equal(t, []byte("value1"), val)
	})

	t.Run("GetNonexistent", func(t *testing.T) {
		_, err := db.Get([]byte("nonexistent"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Has", func(t *testing.T) {
		require.NoError(t, db.Put([]byte("exists"), []byte("yes")))
		ok, err := db.Has([]byte("exists"))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = db.Has([]byte("missing"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, db.Put([]byte("del"), []byte("value")))
		require.NoError(t, db.Delete([]byte("del")))
		_, err := db.Get([]byte("del"))
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, db.Delete([]byte("never-existed")))
	})

	t.Run("ForEachOrdered", func(t *testing.T) {
		require.NoError(t, db.Put([]byte("prefix/c"), []byte("3")))
		require.NoError(t, db.Put([]byte("prefix/a"), []byte("1")))
		require.NoError(t, db.Put([]byte("prefix/b"), []byte("2")))
		require.NoError(t, db.Put([]byte("other/x"), []byte("4")))

		var keys []string
		err := db.ForEach([]byte("prefix/"), func(key, value []byte) error {
			keys = append(keys, string(key))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"prefix/a", "prefix/b", "prefix/c"}, keys)
	})

	t.Run("ForEachStopsOnError", func(t *testing.T) {
		stop := errors.New("stop")
		var count int
		err := db.ForEach([]byte("prefix/"), func(key, value []byte) error {
			count++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, count)
	})
}

func TestMemoryDB(t *testing.T) {
	db := NewMemory()
	defer db.Close()
	testDB(t, db)
}

func TestMemoryDB_DropAll(t *testing.T) {
	db := NewMemory()
	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.DropAll())
	ok, _ := db.Has([]byte("a"))
	assert.False(t, ok)
}

func TestBadgerDB(t *testing.T) {
	db, err := NewBadger(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	testDB(t, db)
}

func TestBadgerDB_Persistence(t *testing.T) {
	dir := t.TempDir()

	db1, err := NewBadger(dir)
	require.NoError(t, err)
	require.NoError(t, db1.Put([]byte("persist"), []byte("data")))
	require.NoError(t, db1.Close())

	db2, err := NewBadger(dir)
	require.NoError(t, err)
	defer db2.Close()

	val, err := db2.Get([]byte("persist"))
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), val)
	assert.Equal(t, dir, db2.Path())
}

func TestBadgerDB_BatchAndDropAll(t *testing.T) {
	db, err := NewBadger(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	b := db.NewBatch()
	require.NoError(t, b.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, b.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, b.Commit())

	ok, err := db.Has([]byte("k2"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, db.DropAll())
	ok, err = db.Has([]byte("k1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadgerDB_LockedDirectory(t *testing.T) {
	dir := t.TempDir()
	db, err := NewBadger(dir)
	require.NoError(t, err)
	defer db.Close()

	_, err = NewBadger(dir)
	assert.Error(t, err)
}
