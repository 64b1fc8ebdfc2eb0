package caldera_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	caldera "github.com/calderadb/caldera"
	"github.com/calderadb/caldera/pkg/types"
)

func newTestEngine(t *testing.T) *caldera.Engine {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	engine, err := caldera.New(caldera.Config{
		Paths:  []string{t.TempDir()},
		Logger: logger,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { _ = engine.Close(context.Background()) })
	return engine
}

func intColumns() []types.ColumnDef {
	return []types.ColumnDef{{Name: "c", Type: "int"}}
}

func intRows(values ...int64) []types.Row {
	rows := make([]types.Row, 0, len(values))
	for _, v := range values {
		rows = append(rows, types.Row{types.IntValue(v)})
	}
	return rows
}

func scannedInts(t *testing.T, engine *caldera.Engine, table string) []int64 {
	t.Helper()
	rows, err := engine.Scan(context.Background(), table)
	require.NoError(t, err)
	values := make([]int64, 0, len(rows))
	for _, row := range rows {
		require.Len(t, row, 1)
		require.Equal(t, types.KindInt, row[0].Kind)
		values = append(values, row[0].Int)
	}
	return values
}

// locatorOfLastInsert finds the history row produced by the most recent
// insert, the way an operator would before writing a clone statement.
func locatorOfLastInsert(t *testing.T, engine *caldera.Engine, table string) string {
	t.Helper()
	rows, err := engine.History(context.Background(), table)
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	return rows[len(rows)-1].Locator
}

func TestCreateInsertScan(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateTable(ctx, "t", intColumns(), nil)
	require.NoError(t, err)

	rows, err := engine.Scan(ctx, "t")
	require.NoError(t, err)
	assert.Empty(t, rows, "a fresh table is empty")

	require.NoError(t, engine.Insert(ctx, "t", intRows(1)))
	assert.Equal(t, []int64{1}, scannedInts(t, engine, "t"))

	require.NoError(t, engine.Insert(ctx, "t", intRows(2, 3)))
	assert.Equal(t, []int64{1, 2, 3}, scannedInts(t, engine, "t"))
}

// TestSnapshotCloneScenario runs the full shallow-clone flow: pin two
// clones to the same snapshot through differently cased option keys,
// diverge the source afterwards, then drop the tables in an order that
// proves reference isolation.
func TestSnapshotCloneScenario(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateTable(ctx, "t", intColumns(), nil)
	require.NoError(t, err)
	require.NoError(t, engine.Insert(ctx, "t", intRows(1)))

	loc := locatorOfLastInsert(t, engine, "t")

	_, err = engine.CreateTable(ctx, "t_clone1", intColumns(), map[string]string{"snapshot_loc": loc})
	require.NoError(t, err)
	_, err = engine.CreateTable(ctx, "t_clone2", intColumns(), map[string]string{"SNAPSHOT_LOC": loc})
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, scannedInts(t, engine, "t_clone1"))
	assert.Equal(t, []int64{1}, scannedInts(t, engine, "t_clone2"))

	// Rows inserted into the source after the pinned snapshot must not
	// leak into the clones.
	require.NoError(t, engine.Insert(ctx, "t", intRows(99)))
	assert.Equal(t, []int64{1, 99}, scannedInts(t, engine, "t"))
	assert.Equal(t, []int64{1}, scannedInts(t, engine, "t_clone1"))
	assert.Equal(t, []int64{1}, scannedInts(t, engine, "t_clone2"))

	// Drop source first, then the clones, each drop leaving the others
	// fully readable.
	require.NoError(t, engine.DropTable(ctx, "t"))
	assert.Equal(t, []int64{1}, scannedInts(t, engine, "t_clone1"))
	assert.Equal(t, []int64{1}, scannedInts(t, engine, "t_clone2"))

	require.NoError(t, engine.DropTable(ctx, "t_clone2"))
	assert.Equal(t, []int64{1}, scannedInts(t, engine, "t_clone1"))

	require.NoError(t, engine.DropTable(ctx, "t_clone1"))

	_, err = engine.Scan(ctx, "t_clone1")
	assert.True(t, errors.Is(err, types.ErrTableNotFound))
}

func TestOptionKeyCaseProducesIdenticalClones(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateTable(ctx, "t", intColumns(), nil)
	require.NoError(t, err)
	require.NoError(t, engine.Insert(ctx, "t", intRows(7)))
	loc := locatorOfLastInsert(t, engine, "t")

	_, err = engine.CreateTable(ctx, "lower", intColumns(), map[string]string{"snapshot_loc": loc})
	require.NoError(t, err)
	_, err = engine.CreateTable(ctx, "mixed", intColumns(), map[string]string{"SnApShOt_LoC": loc})
	require.NoError(t, err)

	tables, err := engine.Tables(ctx)
	require.NoError(t, err)

	var lowerCurrent, mixedCurrent types.SnapshotID
	for _, info := range tables {
		switch info.Name {
		case "lower":
			lowerCurrent = info.Current
		case "mixed":
			mixedCurrent = info.Current
		}
	}
	assert.Equal(t, lowerCurrent, mixedCurrent, "option key case must not change the pinned snapshot")
	assert.Equal(t, scannedInts(t, engine, "lower"), scannedInts(t, engine, "mixed"))
}

func TestCloneWithUnknownSnapshotCreatesNoTable(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	bogus := "_ss/" + types.HashBytes([]byte("no such snapshot")).String()
	_, err := engine.CreateTable(ctx, "t_clone", intColumns(), map[string]string{"snapshot_loc": bogus})
	assert.True(t, errors.Is(err, types.ErrSnapshotNotFound))

	_, err = engine.Scan(ctx, "t_clone")
	assert.True(t, errors.Is(err, types.ErrTableNotFound))
}

func TestCloneWithMalformedLocator(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	for _, raw := range []string{"", "nonsense", "_ss/zzz", "_SS/abcd"} {
		_, err := engine.CreateTable(ctx, "t_clone", intColumns(), map[string]string{"snapshot_loc": raw})
		assert.True(t, errors.Is(err, types.ErrMalformedLocator), "locator %q", raw)
	}
}

func TestUnknownTableOptionRejected(t *testing.T) {
	engine := newTestEngine(t)

	_, err := engine.CreateTable(context.Background(), "t", intColumns(), map[string]string{"compression": "zstd"})
	assert.Error(t, err)
}

func TestCreateTableNameCollision(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateTable(ctx, "t", intColumns(), nil)
	require.NoError(t, err)

	_, err = engine.CreateTable(ctx, "t", intColumns(), nil)
	assert.True(t, errors.Is(err, types.ErrTableNameCollision))
}

func TestDroppedSourceSnapshotSurvivesSweepWhileCloneLives(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateTable(ctx, "t", intColumns(), nil)
	require.NoError(t, err)
	require.NoError(t, engine.Insert(ctx, "t", intRows(1)))
	loc := locatorOfLastInsert(t, engine, "t")

	_, err = engine.CreateTable(ctx, "t_clone", intColumns(), map[string]string{"snapshot_loc": loc})
	require.NoError(t, err)

	require.NoError(t, engine.DropTable(ctx, "t"))

	_, err = engine.SweepSnapshots(ctx)
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, scannedInts(t, engine, "t_clone"), "a swept engine must not touch snapshots a clone still references")
}

func TestSweepReclaimsEverythingAfterAllDrops(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateTable(ctx, "t", intColumns(), nil)
	require.NoError(t, err)
	require.NoError(t, engine.Insert(ctx, "t", intRows(1)))
	loc := locatorOfLastInsert(t, engine, "t")
	_, err = engine.CreateTable(ctx, "t_clone", intColumns(), map[string]string{"snapshot_loc": loc})
	require.NoError(t, err)

	require.NoError(t, engine.DropTable(ctx, "t"))
	require.NoError(t, engine.DropTable(ctx, "t_clone"))

	_, err = engine.SweepSnapshots(ctx)
	require.NoError(t, err)

	ids, err := engine.Snapshots().List()
	require.NoError(t, err)
	assert.Empty(t, ids, "no live table, no surviving snapshot")
}

// TestInsertsSurviveConcurrentSweeps races the insert commit against a
// busy sweep loop. A successor snapshot briefly has no reference edge
// while it is being committed; the sweep must never reclaim it, so every
// insert that reported success must stay scannable.
func TestInsertsSurviveConcurrentSweeps(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateTable(ctx, "t", intColumns(), nil)
	require.NoError(t, err)

	done := make(chan struct{})
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		for {
			select {
			case <-done:
				return
			default:
			}
			if _, err := engine.SweepSnapshots(ctx); err != nil {
				t.Errorf("sweep: %v", err)
				return
			}
		}
	}()

	const inserts = 25
	for i := 0; i < inserts; i++ {
		require.NoError(t, engine.Insert(ctx, "t", intRows(int64(i))))
		rows, err := engine.Scan(ctx, "t")
		require.NoError(t, err, "a committed insert must stay readable under concurrent sweeps")
		require.Len(t, rows, i+1)
	}

	close(done)
	<-sweeperDone

	assert.Len(t, scannedInts(t, engine, "t"), inserts)
}

// TestCloneRacingSweepNeverYieldsBrokenTable clones from a snapshot whose
// only table is already dropped, while sweeps run. Each attempt must
// either commit a fully readable clone or fail with ErrSnapshotNotFound;
// a table pointing at a reclaimed snapshot is never acceptable.
func TestCloneRacingSweepNeverYieldsBrokenTable(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateTable(ctx, "src", intColumns(), nil)
	require.NoError(t, err)
	require.NoError(t, engine.Insert(ctx, "src", intRows(1)))
	loc := locatorOfLastInsert(t, engine, "src")
	require.NoError(t, engine.DropTable(ctx, "src"))

	done := make(chan struct{})
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		for {
			select {
			case <-done:
				return
			default:
			}
			if _, err := engine.SweepSnapshots(ctx); err != nil {
				t.Errorf("sweep: %v", err)
				return
			}
		}
	}()

	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("clone%d", i)
		_, err := engine.CreateTable(ctx, name, intColumns(), map[string]string{"snapshot_loc": loc})
		if errors.Is(err, types.ErrSnapshotNotFound) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, scannedInts(t, engine, name))
		require.NoError(t, engine.DropTable(ctx, name))
	}

	close(done)
	<-sweeperDone
}

func TestDropIsNotSilentlyRepeatable(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateTable(ctx, "t", intColumns(), nil)
	require.NoError(t, err)
	require.NoError(t, engine.DropTable(ctx, "t"))

	err = engine.DropTable(ctx, "t")
	assert.True(t, errors.Is(err, types.ErrTableNotFound))
}

func TestHistoryGrowsWithInserts(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateTable(ctx, "t", intColumns(), nil)
	require.NoError(t, err)
	require.NoError(t, engine.Insert(ctx, "t", intRows(1)))
	require.NoError(t, engine.Insert(ctx, "t", intRows(2)))

	rows, err := engine.History(ctx, "t")
	require.NoError(t, err)
	require.Len(t, rows, 3, "create + two inserts")

	for i, row := range rows {
		assert.Equal(t, uint64(i), row.Sequence)
		assert.NotEmpty(t, row.Locator)
	}
	assert.Equal(t, uint64(0), rows[0].RowCount)
	assert.Equal(t, uint64(1), rows[1].RowCount)
	assert.Equal(t, uint64(2), rows[2].RowCount)
}

func TestInsertValidatesRowWidth(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.CreateTable(ctx, "t", intColumns(), nil)
	require.NoError(t, err)

	err = engine.Insert(ctx, "t", []types.Row{{types.IntValue(1), types.IntValue(2)}})
	assert.Error(t, err)
}

func TestStatementsRequireStartedEngine(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	engine, err := caldera.New(caldera.Config{Paths: []string{t.TempDir()}, Logger: logger})
	require.NoError(t, err)

	_, err = engine.CreateTable(context.Background(), "t", intColumns(), nil)
	assert.Equal(t, caldera.ErrNotStarted, err)
}
