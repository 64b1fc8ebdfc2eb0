package caldera

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/calderadb/caldera/internal/clone"
	"github.com/calderadb/caldera/internal/locator"
	"github.com/calderadb/caldera/pkg/types"
)

// OptionSnapshotLoc is the CREATE TABLE option carrying a snapshot
// locator. The SQL layer hands option keys through verbatim; they are
// case-folded here once, so SNAPSHOT_LOC and snapshot_loc are the same
// option. The locator value itself is never case-folded.
const OptionSnapshotLoc = "snapshot_loc"

// HistoryRow is one row of the operator-facing history query. Locator is
// ready to paste into a CREATE TABLE option.
type HistoryRow struct {
	Sequence   uint64
	SnapshotID types.SnapshotID
	Locator    string
	AppendedAt time.Time
	RowCount   uint64
}

// normalizeOptions folds option keys to their canonical lower-case form
// and rejects unknown keys. The core never re-folds case after this.
func normalizeOptions(options map[string]string) (map[string]string, error) {
	normalized := make(map[string]string, len(options))
	for key, value := range options {
		folded := strings.ToLower(key)
		if folded != OptionSnapshotLoc {
			return nil, fmt.Errorf("unknown table option %q", key)
		}
		if _, dup := normalized[folded]; dup {
			return nil, fmt.Errorf("duplicate table option %q", key)
		}
		normalized[folded] = value
	}
	return normalized, nil
}

// CreateTable creates a table. With a snapshot_loc option the new table is
// a shallow clone pinned to the resolved snapshot; without one it starts
// from a fresh empty snapshot. Either way the table's first history entry
// is durable before the table is visible to any reader.
func (e *Engine) CreateTable(ctx context.Context, name string, columns []types.ColumnDef, options map[string]string) (types.TableID, error) {
	if err := ctx.Err(); err != nil {
		return types.TableID{}, err
	}
	if _, err := e.kvHandle(); err != nil {
		return types.TableID{}, err
	}
	if name == "" {
		return types.TableID{}, fmt.Errorf("table name is empty")
	}
	if len(columns) == 0 {
		return types.TableID{}, fmt.Errorf("table %q has no columns", name)
	}

	normalized, err := normalizeOptions(options)
	if err != nil {
		return types.TableID{}, err
	}

	mu := e.tableLock(name)
	mu.Lock()
	defer mu.Unlock()

	def := clone.TableDef{Name: name, Columns: columns}

	if raw, ok := normalized[OptionSnapshotLoc]; ok {
		snapshotID, err := e.resolver.Resolve(raw)
		if err != nil {
			return types.TableID{}, err
		}
		return e.cloner.Clone(ctx, def, snapshotID)
	}

	// An organically created table is a clone of its own empty snapshot;
	// the commit path and its guarantees are identical. The pin keeps a
	// concurrent sweep from reclaiming the snapshot before the clone
	// acquires its edge.
	empty := types.Snapshot{CreatedAt: time.Now().UTC()}
	emptyID := empty.ID()
	e.refs.Pin(emptyID, nil)
	defer e.refs.Unpin(emptyID)

	if _, err := e.snapshots.Put(empty); err != nil {
		return types.TableID{}, err
	}
	return e.cloner.Clone(ctx, def, emptyID)
}

// Insert appends a row batch to the table, producing a successor snapshot
// whose manifest shares all previous data blocks.
func (e *Engine) Insert(ctx context.Context, table string, rows []types.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := e.kvHandle(); err != nil {
		return err
	}
	if len(rows) == 0 {
		return fmt.Errorf("insert into %q with no rows", table)
	}

	mu := e.tableLock(table)
	mu.Lock()
	defer mu.Unlock()

	info, err := e.tables.Get(table)
	if err != nil {
		return err
	}

	for i, row := range rows {
		if len(row) != len(info.Columns) {
			return fmt.Errorf("row %d has %d values, table %q has %d columns", i, len(row), table, len(info.Columns))
		}
	}

	current, err := e.currentManifest(info)
	if err != nil {
		return err
	}

	ref, err := e.blocks.Ref(rows)
	if err != nil {
		return err
	}

	_, lastSeq, err := e.ledger.Latest(info.ID)
	if err != nil {
		return err
	}
	next := lastSeq + 1

	manifest := types.Snapshot{
		Sequence:  next,
		Blocks:    append(append([]types.BlockRef{}, current.Blocks...), ref),
		RowCount:  current.RowCount + ref.RowCount,
		ByteSize:  current.ByteSize + ref.ByteSize,
		CreatedAt: time.Now().UTC(),
		Parent:    info.Current,
	}

	// Pin the successor snapshot and its new block before either is
	// written. Until the Acquire below lands, the snapshot has no edge and
	// a concurrent sweep would otherwise reclaim it mid-commit.
	newID := manifest.ID()
	e.refs.Pin(newID, []types.Hash{ref.Hash})
	defer e.refs.Unpin(newID)

	if _, err := e.blocks.PutBlock(rows); err != nil {
		return err
	}

	if _, err := e.snapshots.Put(manifest); err != nil {
		return err
	}

	seq, err := e.ledger.Append(info.ID, newID)
	if err != nil {
		return err
	}
	if seq != next {
		return fmt.Errorf("%w: table %q appended at %d, expected %d", types.ErrHistoryAppendConflict, table, seq, next)
	}

	if err := e.refs.Acquire(info.ID, newID); err != nil {
		return err
	}

	if err := e.tables.SetCurrentSnapshot(table, newID); err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{
		"table":    table,
		"snapshot": newID.String(),
		"sequence": seq,
		"rows":     ref.RowCount,
	}).Debug("Rows inserted")

	return nil
}

// Scan returns all rows of the table's current snapshot.
func (e *Engine) Scan(ctx context.Context, table string) ([]types.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := e.kvHandle(); err != nil {
		return nil, err
	}

	info, err := e.tables.Get(table)
	if err != nil {
		return nil, err
	}

	manifest, err := e.currentManifest(info)
	if err != nil {
		return nil, err
	}

	rows := make([]types.Row, 0, manifest.RowCount)
	for _, block := range manifest.Blocks {
		blockRows, err := e.blocks.GetBlock(block)
		if err != nil {
			return nil, err
		}
		rows = append(rows, blockRows...)
	}
	return rows, nil
}

// currentManifest fetches a live table's current manifest. A missing
// manifest here is corruption: the catalog only ever points at snapshots
// that were durable when the pointer was committed.
func (e *Engine) currentManifest(info types.TableInfo) (types.Snapshot, error) {
	manifest, err := e.snapshots.Get(info.Current)
	if err != nil {
		if errors.Is(err, types.ErrSnapshotNotFound) {
			return types.Snapshot{}, fmt.Errorf("%w: current snapshot %s of table %q is gone", types.ErrCorruptSnapshotReference, info.Current, info.Name)
		}
		return types.Snapshot{}, err
	}
	return manifest, nil
}

const dropIntentPrefix = "dropintent:"

// dropIntent stages a table drop on disk before the catalog record goes
// away, so an error or crash between catalog removal and edge release
// cannot strand the table's reference edges forever.
type dropIntent struct {
	TableID types.TableID
	Name    string
}

func dropIntentKey(id types.TableID) []byte {
	return append([]byte(dropIntentPrefix), id.Bytes()...)
}

func (e *Engine) writeDropIntent(intent dropIntent) error {
	kv := e.storedKV()
	if kv == nil {
		return ErrClosed
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(intent); err != nil {
		return fmt.Errorf("error encoding drop intent: %w", err)
	}
	if err := kv.Write(dropIntentKey(intent.TableID), buf.Bytes()); err != nil {
		return fmt.Errorf("error staging drop intent: %w", err)
	}
	return nil
}

func (e *Engine) discardDropIntent(id types.TableID) {
	kv := e.storedKV()
	if kv == nil {
		return
	}
	if err := kv.Delete(dropIntentKey(id)); err != nil {
		e.log.Errorf("Error discarding drop intent for %s: %v", id, err)
	}
}

// finishDrop releases the table's reference edges, deletes its ledger and
// discards the drop intent. A double release is tolerated here, and only
// here: it means an earlier interrupted pass already released that edge.
func (e *Engine) finishDrop(tableID types.TableID) error {
	entries, err := e.ledger.Entries(tableID)
	if err != nil {
		return err
	}

	released := make(map[types.SnapshotID]struct{}, len(entries))
	for _, entry := range entries {
		if _, done := released[entry.SnapshotID]; done {
			continue
		}
		released[entry.SnapshotID] = struct{}{}
		if err := e.refs.Release(tableID, entry.SnapshotID); err != nil && !errors.Is(err, types.ErrDoubleRelease) {
			return err
		}
	}

	if err := e.ledger.DeleteAll(tableID); err != nil {
		return err
	}

	e.discardDropIntent(tableID)
	return nil
}

// recoverDrops completes drops interrupted between catalog removal and
// edge release. An intent whose catalog record still exists means the drop
// never became effective; the table stays and the intent is discarded.
// Called once at engine start, before the first statement.
func (e *Engine) recoverDrops() error {
	kv := e.storedKV()
	if kv == nil {
		return ErrClosed
	}

	items, err := kv.GetItemsWithPrefix([]byte(dropIntentPrefix))
	if err != nil {
		return fmt.Errorf("error scanning drop intents: %w", err)
	}

	for _, item := range items {
		var intent dropIntent
		if err := gob.NewDecoder(bytes.NewReader(item[1])).Decode(&intent); err != nil {
			return fmt.Errorf("error decoding drop intent: %w", err)
		}

		if _, err := e.tables.GetByID(intent.TableID); err == nil {
			e.discardDropIntent(intent.TableID)
			continue
		} else if !errors.Is(err, types.ErrTableNotFound) {
			return err
		}

		e.log.WithFields(logrus.Fields{
			"table": intent.Name,
			"id":    intent.TableID.String(),
		}).Warn("Completing interrupted table drop")

		if err := e.finishDrop(intent.TableID); err != nil {
			return err
		}
	}

	return nil
}

// DropTable removes the table and releases every reference edge its
// history holds. The drop is staged through an intent record, then the
// catalog record goes away so the table stops being visible, then the
// edges are released; a retried drop short-circuits at ErrTableNotFound
// and recovery finishes any release pass an error cut short.
func (e *Engine) DropTable(ctx context.Context, table string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := e.kvHandle(); err != nil {
		return err
	}

	mu := e.tableLock(table)
	mu.Lock()
	defer mu.Unlock()

	info, err := e.tables.Get(table)
	if err != nil {
		return err
	}

	if err := e.writeDropIntent(dropIntent{TableID: info.ID, Name: table}); err != nil {
		return err
	}

	if _, err := e.tables.Drop(table); err != nil {
		e.discardDropIntent(info.ID)
		return err
	}

	if err := e.finishDrop(info.ID); err != nil {
		return err
	}

	e.writeMuMu.Lock()
	delete(e.writeMu, table)
	e.writeMuMu.Unlock()

	return nil
}

// History returns the table's snapshot ledger, oldest first. Operators use
// it to discover a snapshot id to embed in a clone locator.
func (e *Engine) History(ctx context.Context, table string) ([]HistoryRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := e.kvHandle(); err != nil {
		return nil, err
	}

	info, err := e.tables.Get(table)
	if err != nil {
		return nil, err
	}

	entries, err := e.ledger.Entries(info.ID)
	if err != nil {
		return nil, err
	}

	rows := make([]HistoryRow, 0, len(entries))
	for _, entry := range entries {
		manifest, err := e.snapshots.Get(entry.SnapshotID)
		if err != nil {
			return nil, err
		}
		rows = append(rows, HistoryRow{
			Sequence:   entry.Sequence,
			SnapshotID: entry.SnapshotID,
			Locator:    locator.Format(entry.SnapshotID),
			AppendedAt: entry.AppendedAt,
			RowCount:   manifest.RowCount,
		})
	}
	return rows, nil
}

// Tables lists every table record in the catalog.
func (e *Engine) Tables(ctx context.Context) ([]types.TableInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := e.kvHandle(); err != nil {
		return nil, err
	}
	return e.tables.List()
}

// SweepSnapshots reclaims every snapshot no live table reaches, and the
// data blocks that become unreferenced with them. Reclamation only ever
// happens through this call.
func (e *Engine) SweepSnapshots(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, err := e.kvHandle(); err != nil {
		return 0, err
	}
	return e.refs.Sweep(ctx)
}
