package caldera

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calderadb/caldera/pkg/types"
)

func newStartedEngine(t *testing.T) *Engine {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	engine, err := New(Config{Paths: []string{t.TempDir()}, Logger: logger})
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { _ = engine.Close(context.Background()) })
	return engine
}

// TestInterruptedDropIsCompletedByRecovery stages the state an error
// between catalog removal and edge release leaves behind, then verifies
// recovery finishes the release pass instead of stranding the edges.
func TestInterruptedDropIsCompletedByRecovery(t *testing.T) {
	engine := newStartedEngine(t)
	ctx := context.Background()

	cols := []types.ColumnDef{{Name: "c", Type: "int"}}
	_, err := engine.CreateTable(ctx, "t", cols, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Insert(ctx, "t", []types.Row{{types.IntValue(1)}}))

	info, err := engine.tables.Get("t")
	require.NoError(t, err)
	entries, err := engine.ledger.Entries(info.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	// Intent written, catalog record gone, one edge already released: the
	// point an I/O error would have cut the release loop short.
	require.NoError(t, engine.writeDropIntent(dropIntent{TableID: info.ID, Name: "t"}))
	_, err = engine.tables.Drop("t")
	require.NoError(t, err)
	require.NoError(t, engine.refs.Release(info.ID, entries[0].SnapshotID))

	require.NoError(t, engine.recoverDrops())

	for _, entry := range entries {
		count, err := engine.refs.RefCount(entry.SnapshotID)
		require.NoError(t, err)
		assert.Equal(t, 0, count, "recovery must release every remaining edge")
	}

	ledger, err := engine.ledger.Entries(info.ID)
	require.NoError(t, err)
	assert.Empty(t, ledger)

	intents, err := engine.storedKV().GetKeysWithPrefix([]byte(dropIntentPrefix))
	require.NoError(t, err)
	assert.Empty(t, intents)

	// With nothing holding the snapshots, the sweep reclaims them all.
	_, err = engine.SweepSnapshots(ctx)
	require.NoError(t, err)
	ids, err := engine.Snapshots().List()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// TestDropIntentWithLiveTableIsDiscarded covers a crash between the
// intent write and the catalog removal: the drop never became effective,
// so the table must survive recovery untouched.
func TestDropIntentWithLiveTableIsDiscarded(t *testing.T) {
	engine := newStartedEngine(t)
	ctx := context.Background()

	cols := []types.ColumnDef{{Name: "c", Type: "int"}}
	_, err := engine.CreateTable(ctx, "t", cols, nil)
	require.NoError(t, err)
	require.NoError(t, engine.Insert(ctx, "t", []types.Row{{types.IntValue(1)}}))

	info, err := engine.tables.Get("t")
	require.NoError(t, err)
	require.NoError(t, engine.writeDropIntent(dropIntent{TableID: info.ID, Name: "t"}))

	require.NoError(t, engine.recoverDrops())

	rows, err := engine.Scan(ctx, "t")
	require.NoError(t, err)
	assert.Len(t, rows, 1, "an ineffective drop must leave the table intact")

	intents, err := engine.storedKV().GetKeysWithPrefix([]byte(dropIntentPrefix))
	require.NoError(t, err)
	assert.Empty(t, intents)
}
