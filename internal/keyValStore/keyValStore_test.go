package keyValStore

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *KeyValStore {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	kv, err := NewKeyValStore(StoreConfig{
		Paths:  []string{t.TempDir()},
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func TestWriteReadDelete(t *testing.T) {
	kv := newTestStore(t)

	require.NoError(t, kv.Write([]byte("k1"), []byte("v1")))

	value, err := kv.Read([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), value)

	exists, err := kv.Exists([]byte("k1"))
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, kv.Delete([]byte("k1")))

	_, err = kv.Read([]byte("k1"))
	assert.Equal(t, ErrKeyNotFound, err)

	exists, err = kv.Exists([]byte("k1"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestWriteBatchIsAtomicallyVisible(t *testing.T) {
	kv := newTestStore(t)

	batch := [][2][]byte{
		{[]byte("batch:a"), []byte("1")},
		{[]byte("batch:b"), []byte("2")},
		{[]byte("batch:c"), []byte("3")},
	}
	require.NoError(t, kv.WriteBatch(batch))

	items, err := kv.GetItemsWithPrefix([]byte("batch:"))
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestGetItemsWithPrefixOrdering(t *testing.T) {
	kv := newTestStore(t)

	require.NoError(t, kv.Write([]byte("p:02"), []byte("b")))
	require.NoError(t, kv.Write([]byte("p:01"), []byte("a")))
	require.NoError(t, kv.Write([]byte("q:01"), []byte("other prefix")))

	items, err := kv.GetItemsWithPrefix([]byte("p:"))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, []byte("p:01"), items[0][0])
	assert.Equal(t, []byte("p:02"), items[1][0])

	keys, err := kv.GetKeysWithPrefix([]byte("p:"))
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestCheckConfigRejectsEmptyPaths(t *testing.T) {
	_, err := NewKeyValStore(StoreConfig{})
	assert.Error(t, err)
}
