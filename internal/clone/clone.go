// Package clone orchestrates shallow table clones: a new table whose first
// snapshot is an existing, immutable one. No data blocks are copied; the
// cost of a clone is proportional to the manifest, never to the data. The
// multi-step commit is staged through a durable intent record instead of a
// long-held lock, so a crash mid-clone leaves nothing visible and startup
// recovery can sweep the leftovers.
package clone

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/calderadb/caldera/internal/catalog"
	"github.com/calderadb/caldera/internal/history"
	"github.com/calderadb/caldera/internal/keyValStore"
	"github.com/calderadb/caldera/internal/liveness"
	"github.com/calderadb/caldera/internal/snapshotstore"
	"github.com/calderadb/caldera/pkg/types"
)

const intentPrefix = "cloneintent:"

// TableDef is the definition of the table a clone materializes.
type TableDef struct {
	Name    string
	Columns []types.ColumnDef
}

// intentRecord stages a clone on disk before any visible state is touched.
// Recovery uses it to tell a committed clone from an abandoned one.
type intentRecord struct {
	TableID    types.TableID
	Name       string
	SnapshotID types.SnapshotID
	StartedAt  time.Time
}

type Orchestrator struct {
	kv        *keyValStore.KeyValStore
	catalog   *catalog.Catalog
	history   *history.HistoryIndex
	snapshots *snapshotstore.SnapshotStore
	refs      *liveness.Tracker
	log       *logrus.Logger
}

func NewOrchestrator(
	kv *keyValStore.KeyValStore,
	cat *catalog.Catalog,
	hist *history.HistoryIndex,
	snaps *snapshotstore.SnapshotStore,
	refs *liveness.Tracker,
	logger *logrus.Logger,
) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Orchestrator{
		kv:        kv,
		catalog:   cat,
		history:   hist,
		snapshots: snaps,
		refs:      refs,
		log:       logger,
	}
}

func intentKey(id types.TableID) []byte {
	return append([]byte(intentPrefix), id.Bytes()...)
}

// Clone materializes def as a new table pinned to snapshotID. On any
// failure after the history append, the reference edge, ledger and intent
// are rolled back so no orphaned entity survives. The new table becomes
// visible to readers only with the final catalog commit.
func (o *Orchestrator) Clone(ctx context.Context, def TableDef, snapshotID types.SnapshotID) (types.TableID, error) {
	if err := ctx.Err(); err != nil {
		return types.TableID{}, err
	}

	// Pin before the existence check: a source snapshot whose last table
	// was dropped has no edge left, and a sweep racing this commit would
	// otherwise reclaim it between the check and the Acquire.
	o.refs.Pin(snapshotID, nil)
	defer o.refs.Unpin(snapshotID)

	// The manifest must exist and decode cleanly before anything is staged.
	manifest, err := o.snapshots.Get(snapshotID)
	if err != nil {
		return types.TableID{}, err
	}

	// Early collision check. The catalog commit re-checks atomically; this
	// just fails fast before staging anything.
	if _, err := o.catalog.Get(def.Name); err == nil {
		return types.TableID{}, fmt.Errorf("%w: %q", types.ErrTableNameCollision, def.Name)
	} else if !errors.Is(err, types.ErrTableNotFound) {
		return types.TableID{}, err
	}

	tableID := types.NewTableID()

	intent := intentRecord{
		TableID:    tableID,
		Name:       def.Name,
		SnapshotID: snapshotID,
		StartedAt:  time.Now().UTC(),
	}
	if err := o.writeIntent(intent); err != nil {
		return types.TableID{}, err
	}

	if err := ctx.Err(); err != nil {
		o.discardIntent(tableID)
		return types.TableID{}, err
	}

	seq, err := o.history.Append(tableID, snapshotID)
	if err != nil {
		o.discardIntent(tableID)
		return types.TableID{}, fmt.Errorf("error appending clone history: %w", err)
	}
	if seq != 0 {
		// A fresh TableID can only ever start its ledger at zero.
		o.rollback(tableID, snapshotID, false)
		return types.TableID{}, fmt.Errorf("%w: clone ledger started at %d", types.ErrHistoryAppendConflict, seq)
	}

	if err := o.refs.Acquire(tableID, snapshotID); err != nil {
		o.rollback(tableID, snapshotID, false)
		return types.TableID{}, err
	}

	if err := ctx.Err(); err != nil {
		o.rollback(tableID, snapshotID, true)
		return types.TableID{}, err
	}

	info := types.TableInfo{
		ID:        tableID,
		Name:      def.Name,
		Columns:   def.Columns,
		Current:   snapshotID,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.catalog.Create(info); err != nil {
		o.rollback(tableID, snapshotID, true)
		return types.TableID{}, err
	}

	o.discardIntent(tableID)

	o.log.WithFields(logrus.Fields{
		"table":    def.Name,
		"id":       tableID.String(),
		"snapshot": snapshotID.String(),
		"rows":     manifest.RowCount,
	}).Info("Table cloned from snapshot")

	return tableID, nil
}

func (o *Orchestrator) writeIntent(intent intentRecord) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(intent); err != nil {
		return fmt.Errorf("error encoding clone intent: %w", err)
	}
	if err := o.kv.Write(intentKey(intent.TableID), buf.Bytes()); err != nil {
		return fmt.Errorf("error staging clone intent: %w", err)
	}
	return nil
}

func (o *Orchestrator) discardIntent(tableID types.TableID) {
	if err := o.kv.Delete(intentKey(tableID)); err != nil {
		o.log.Errorf("Error discarding clone intent for %s: %v", tableID, err)
	}
}

// rollback undoes a partially staged clone: the reference edge (when it
// was acquired), the ledger entry and the intent record.
func (o *Orchestrator) rollback(tableID types.TableID, snapshotID types.SnapshotID, edgeAcquired bool) {
	if edgeAcquired {
		if err := o.refs.Release(tableID, snapshotID); err != nil && !errors.Is(err, types.ErrDoubleRelease) {
			o.log.Errorf("Error rolling back reference edge for %s: %v", tableID, err)
		}
	}
	if err := o.history.DeleteAll(tableID); err != nil {
		o.log.Errorf("Error rolling back clone history for %s: %v", tableID, err)
	}
	o.discardIntent(tableID)
}

// RecoverIntents sweeps intent records left by a crash. An intent whose
// catalog record exists means the clone committed and only the intent
// cleanup was lost; anything else is rolled back completely. Called once
// at engine start, before the first statement.
func (o *Orchestrator) RecoverIntents() error {
	items, err := o.kv.GetItemsWithPrefix([]byte(intentPrefix))
	if err != nil {
		return fmt.Errorf("error scanning clone intents: %w", err)
	}

	for _, item := range items {
		var intent intentRecord
		if err := gob.NewDecoder(bytes.NewReader(item[1])).Decode(&intent); err != nil {
			return fmt.Errorf("error decoding clone intent: %w", err)
		}

		info, err := o.catalog.Get(intent.Name)
		if err == nil && info.ID == intent.TableID {
			o.discardIntent(intent.TableID)
			continue
		}
		if err != nil && !errors.Is(err, types.ErrTableNotFound) {
			return err
		}

		o.log.WithFields(logrus.Fields{
			"table":    intent.Name,
			"id":       intent.TableID.String(),
			"snapshot": intent.SnapshotID.String(),
		}).Warn("Rolling back interrupted clone")

		if err := o.refs.Release(intent.TableID, intent.SnapshotID); err != nil && !errors.Is(err, types.ErrDoubleRelease) {
			return err
		}
		if err := o.history.DeleteAll(intent.TableID); err != nil {
			return err
		}
		o.discardIntent(intent.TableID)
	}

	return nil
}
