// Package liveness tracks the non-owning reference edges from tables to
// snapshots and decides when a snapshot may be reclaimed. Retention is
// lineage-aware: a snapshot stays alive while any live snapshot reaches it
// through the parent chain, not only while it is referenced directly.
// Reclamation is an explicit sweep; nothing here runs implicitly.
package liveness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/calderadb/caldera/internal/keyValStore"
	"github.com/calderadb/caldera/pkg/types"
)

const edgePrefix = "refedge:"

// ManifestSource is the slice of the snapshot store the tracker needs for
// lineage walks and reclamation.
type ManifestSource interface {
	List() ([]types.SnapshotID, error)
	Get(id types.SnapshotID) (types.Snapshot, error)
	Delete(id types.SnapshotID) error
}

// BlockSource is the slice of the block store the sweep needs to drop data
// blocks no live manifest references.
type BlockSource interface {
	List() ([]types.Hash, error)
	Delete(hash types.Hash) error
}

// pinRecord shields a snapshot that is part of an in-flight commit. The
// commit may not have written the manifest yet, so the record also carries
// the block hashes the manifest will reference.
type pinRecord struct {
	count  int
	blocks []types.Hash
}

type Tracker struct {
	kv        *keyValStore.KeyValStore
	manifests ManifestSource
	blocks    BlockSource
	log       *logrus.Logger

	mu   sync.Mutex
	pins map[types.SnapshotID]*pinRecord
}

func NewTracker(kv *keyValStore.KeyValStore, manifests ManifestSource, blocks BlockSource, logger *logrus.Logger) *Tracker {
	if logger == nil {
		logger = logrus.New()
	}
	return &Tracker{
		kv:        kv,
		manifests: manifests,
		blocks:    blocks,
		log:       logger,
		pins:      make(map[types.SnapshotID]*pinRecord),
	}
}

func edgeKey(snapshotID types.SnapshotID, tableID types.TableID) []byte {
	key := append([]byte(edgePrefix), snapshotID.Bytes()...)
	key = append(key, ':')
	return append(key, tableID.Bytes()...)
}

func snapshotEdgePrefix(snapshotID types.SnapshotID) []byte {
	key := append([]byte(edgePrefix), snapshotID.Bytes()...)
	return append(key, ':')
}

// Pin shields a snapshot from the sweep while a multi-step commit is in
// flight: between a manifest's Put and the Acquire of its first edge the
// snapshot has no edge and no live descendant, so without a pin a
// concurrent Sweep would reclaim it mid-commit. blocks names the data
// blocks the manifest references when the manifest itself may not be
// written yet. Pin blocks while a Sweep is running; once it returns, the
// snapshot and its blocks survive every sweep until Unpin. Pins nest.
func (t *Tracker) Pin(snapshotID types.SnapshotID, blocks []types.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pins[snapshotID]
	if !ok {
		p = &pinRecord{}
		t.pins[snapshotID] = p
	}
	p.count++
	p.blocks = append(p.blocks, blocks...)
}

// Unpin releases one Pin. The snapshot becomes sweepable again only when
// every nested pin is gone.
func (t *Tracker) Unpin(snapshotID types.SnapshotID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pins[snapshotID]
	if !ok {
		t.log.Errorf("Unpin of snapshot %s without a pin", snapshotID)
		return
	}
	p.count--
	if p.count <= 0 {
		delete(t.pins, snapshotID)
	}
}

// Acquire records the reference edge table -> snapshot. Acquiring an edge
// that already exists is a no-op; a table holds at most one edge per
// snapshot.
func (t *Tracker) Acquire(tableID types.TableID, snapshotID types.SnapshotID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.kv.Write(edgeKey(snapshotID, tableID), []byte{}); err != nil {
		return fmt.Errorf("error acquiring reference %s -> %s: %w", tableID, snapshotID, err)
	}

	t.log.WithFields(logrus.Fields{
		"table":    tableID.String(),
		"snapshot": snapshotID.String(),
	}).Debug("Reference edge acquired")

	return nil
}

// Release drops the reference edge table -> snapshot. Releasing an edge
// that does not exist is types.ErrDoubleRelease; the edge set never goes
// below empty silently.
func (t *Tracker) Release(tableID types.TableID, snapshotID types.SnapshotID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := edgeKey(snapshotID, tableID)
	exists, err := t.kv.Exists(key)
	if err != nil {
		return fmt.Errorf("error checking reference %s -> %s: %w", tableID, snapshotID, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s -> %s", types.ErrDoubleRelease, tableID, snapshotID)
	}

	if err := t.kv.Delete(key); err != nil {
		return fmt.Errorf("error releasing reference %s -> %s: %w", tableID, snapshotID, err)
	}

	t.log.WithFields(logrus.Fields{
		"table":    tableID.String(),
		"snapshot": snapshotID.String(),
	}).Debug("Reference edge released")

	return nil
}

// RefCount returns the number of live edges to a snapshot.
func (t *Tracker) RefCount(snapshotID types.SnapshotID) (int, error) {
	keys, err := t.kv.GetKeysWithPrefix(snapshotEdgePrefix(snapshotID))
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Holders returns the tables currently holding an edge to the snapshot.
func (t *Tracker) Holders(snapshotID types.SnapshotID) ([]types.TableID, error) {
	prefix := snapshotEdgePrefix(snapshotID)
	keys, err := t.kv.GetKeysWithPrefix(prefix)
	if err != nil {
		return nil, err
	}

	holders := make([]types.TableID, 0, len(keys))
	for _, key := range keys {
		raw := key[len(prefix):]
		if len(raw) != 16 {
			return nil, fmt.Errorf("invalid reference edge key length %d", len(raw))
		}
		var id types.TableID
		copy(id[:], raw)
		holders = append(holders, id)
	}
	return holders, nil
}

// Reclaimable reports whether the snapshot holds no live edge, no pin and
// no live snapshot reaches it through the parent chain.
func (t *Tracker) Reclaimable(snapshotID types.SnapshotID) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	protected, err := t.protectedSet()
	if err != nil {
		return false, err
	}
	_, ok := protected[snapshotID]
	return !ok, nil
}

// protectedSet computes every snapshot that must survive: those with live
// edges or an active pin, plus their ancestor chains. Caller holds t.mu.
func (t *Tracker) protectedSet() (map[types.SnapshotID]struct{}, error) {
	ids, err := t.manifests.List()
	if err != nil {
		return nil, err
	}

	protected := make(map[types.SnapshotID]struct{})
	for _, id := range ids {
		count, err := t.RefCount(id)
		if err != nil {
			return nil, err
		}
		if count == 0 {
			continue
		}
		if err := t.protectLineage(protected, id); err != nil {
			return nil, err
		}
	}

	for id := range t.pins {
		if _, seen := protected[id]; seen {
			continue
		}
		protected[id] = struct{}{}

		// A pinned manifest that is already on disk keeps its ancestors
		// alive like an edged one; one not yet written has nothing to walk.
		manifest, err := t.manifests.Get(id)
		if err != nil {
			if errors.Is(err, types.ErrSnapshotNotFound) {
				continue
			}
			return nil, err
		}
		if err := t.protectLineage(protected, manifest.Parent); err != nil {
			return nil, err
		}
	}

	return protected, nil
}

// protectLineage marks id and its whole parent chain as protected.
func (t *Tracker) protectLineage(protected map[types.SnapshotID]struct{}, id types.SnapshotID) error {
	current := id
	for !current.IsZero() {
		if _, seen := protected[current]; seen {
			return nil
		}
		protected[current] = struct{}{}

		manifest, err := t.manifests.Get(current)
		if err != nil {
			return fmt.Errorf("error walking lineage of %s: %w", id, err)
		}
		current = manifest.Parent
	}
	return nil
}

// Sweep deletes every reclaimable manifest, then every data block no
// surviving manifest references. It is the only deletion path for
// published snapshots.
func (t *Tracker) Sweep(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	protected, err := t.protectedSet()
	if err != nil {
		return 0, err
	}

	ids, err := t.manifests.List()
	if err != nil {
		return 0, err
	}

	liveBlocks := make(map[types.Hash]struct{})
	for _, p := range t.pins {
		// Blocks of in-flight commits whose manifest is not written yet.
		for _, hash := range p.blocks {
			liveBlocks[hash] = struct{}{}
		}
	}
	reclaimed := 0

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}

		if _, ok := protected[id]; ok {
			manifest, err := t.manifests.Get(id)
			if err != nil {
				return reclaimed, err
			}
			for _, block := range manifest.Blocks {
				liveBlocks[block.Hash] = struct{}{}
			}
			continue
		}

		if err := t.manifests.Delete(id); err != nil {
			return reclaimed, fmt.Errorf("error reclaiming manifest %s: %w", id, err)
		}
		reclaimed++
		t.log.WithFields(logrus.Fields{"snapshot": id.String()}).Info("Snapshot reclaimed")
	}

	blocks, err := t.blocks.List()
	if err != nil {
		return reclaimed, err
	}
	for _, hash := range blocks {
		if err := ctx.Err(); err != nil {
			return reclaimed, err
		}
		if _, ok := liveBlocks[hash]; ok {
			continue
		}
		if err := t.blocks.Delete(hash); err != nil {
			return reclaimed, fmt.Errorf("error reclaiming block %s: %w", hash, err)
		}
	}

	return reclaimed, nil
}

// edgeKeyTable extracts the table id from a full edge key, used by tests
// to assert on raw edge records.
func edgeKeyTable(key []byte) (types.TableID, bool) {
	idx := bytes.LastIndexByte(key, ':')
	if idx < 0 || len(key)-idx-1 != 16 {
		return types.TableID{}, false
	}
	var id types.TableID
	copy(id[:], key[idx+1:])
	return id, true
}
