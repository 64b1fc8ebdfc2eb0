package snapshotstore

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderadb/caldera/internal/keyValStore"
	"github.com/calderadb/caldera/pkg/types"
)

func newTestStore(t *testing.T) *SnapshotStore {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Paths:  []string{t.TempDir()},
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	return NewSnapshotStore(kv, logger)
}

func sampleManifest(seq uint64) types.Snapshot {
	return types.Snapshot{
		Sequence: seq,
		Blocks: []types.BlockRef{
			{Hash: types.HashBytes([]byte("data")), RowCount: 2, ByteSize: 16},
		},
		RowCount:  2,
		ByteSize:  16,
		CreatedAt: time.Date(2026, 6, 2, 8, 0, 0, 0, time.UTC),
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	store := newTestStore(t)
	manifest := sampleManifest(1)

	id, err := store.Put(manifest)
	require.NoError(t, err)
	assert.Equal(t, manifest.ID(), id)

	got, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, manifest, got)
}

func TestPutDeduplicatesIdenticalManifests(t *testing.T) {
	store := newTestStore(t)

	id1, err := store.Put(sampleManifest(1))
	require.NoError(t, err)
	id2, err := store.Put(sampleManifest(1))
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	ids, err := store.List()
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestGetMissingIsSnapshotNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(types.SnapshotID(types.HashBytes([]byte("never stored"))))
	assert.True(t, errors.Is(err, types.ErrSnapshotNotFound))
}

func TestGetCorruptPayloadIsCorruptReference(t *testing.T) {
	store := newTestStore(t)

	id, err := store.Put(sampleManifest(3))
	require.NoError(t, err)

	// Overwrite the stored payload with garbage behind the store's back.
	require.NoError(t, store.kv.Write(storeKey(id), []byte("garbage, not lzma")))

	_, err = store.Get(id)
	assert.True(t, errors.Is(err, types.ErrCorruptSnapshotReference))
	assert.False(t, errors.Is(err, types.ErrSnapshotNotFound), "corruption must not look like absence")
}

func TestResolveIsIdempotentAcrossGets(t *testing.T) {
	store := newTestStore(t)

	id, err := store.Put(sampleManifest(5))
	require.NoError(t, err)

	first, err := store.Get(id)
	require.NoError(t, err)
	second, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDeleteRemovesManifest(t *testing.T) {
	store := newTestStore(t)

	id, err := store.Put(sampleManifest(9))
	require.NoError(t, err)
	require.NoError(t, store.Delete(id))

	exists, err := store.Exists(id)
	require.NoError(t, err)
	assert.False(t, exists)
}
