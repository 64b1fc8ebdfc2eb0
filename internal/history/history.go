// Package history keeps the per-table append-only ledger of snapshot
// transitions. Sequence numbers are gapless and strictly increasing per
// table; entries are never edited or removed while the table is live.
package history

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/calderadb/caldera/internal/keyValStore"
	"github.com/calderadb/caldera/pkg/types"
)

const keyPrefix = "hist:"

// Entry is one ledger row together with its append time. The append time
// backs the at-or-before query; it is not part of the snapshot identity.
type Entry struct {
	types.HistoryEntry
	AppendedAt time.Time
}

type HistoryIndex struct {
	kv  *keyValStore.KeyValStore
	log *logrus.Logger

	mu      sync.Mutex
	tableMu map[types.TableID]*sync.Mutex
	lastSeq map[types.TableID]uint64
	hasSeq  map[types.TableID]bool
}

func NewHistoryIndex(kv *keyValStore.KeyValStore, logger *logrus.Logger) *HistoryIndex {
	if logger == nil {
		logger = logrus.New()
	}
	return &HistoryIndex{
		kv:      kv,
		log:     logger,
		tableMu: make(map[types.TableID]*sync.Mutex),
		lastSeq: make(map[types.TableID]uint64),
		hasSeq:  make(map[types.TableID]bool),
	}
}

// lockTable returns the mutex serializing appends for one table. Distinct
// tables never contend.
func (h *HistoryIndex) lockTable(tableID types.TableID) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	mu, ok := h.tableMu[tableID]
	if !ok {
		mu = &sync.Mutex{}
		h.tableMu[tableID] = mu
	}
	return mu
}

func tablePrefix(tableID types.TableID) []byte {
	prefix := append([]byte(keyPrefix), tableID.Bytes()...)
	return append(prefix, ':')
}

func entryKey(tableID types.TableID, seq uint64) []byte {
	key := tablePrefix(tableID)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return append(key, seqBytes[:]...)
}

func encodeValue(id types.SnapshotID, appendedAt time.Time) []byte {
	value := make([]byte, 0, len(types.Hash{})+8)
	value = append(value, id.Bytes()...)
	var nano [8]byte
	binary.BigEndian.PutUint64(nano[:], uint64(appendedAt.UTC().UnixNano()))
	return append(value, nano[:]...)
}

func decodeValue(raw []byte) (types.SnapshotID, time.Time, error) {
	if len(raw) != len(types.Hash{})+8 {
		return types.SnapshotID{}, time.Time{}, fmt.Errorf("invalid history value length %d", len(raw))
	}
	var id types.SnapshotID
	copy(id[:], raw[:len(types.Hash{})])
	nano := binary.BigEndian.Uint64(raw[len(types.Hash{}):])
	return id, time.Unix(0, int64(nano)).UTC(), nil
}

// Append records a new snapshot for the table and returns its sequence
// number. Appends for one table are serialized; each observes a sequence
// exactly one above the previous. The entry is durable before return.
func (h *HistoryIndex) Append(tableID types.TableID, snapshotID types.SnapshotID) (uint64, error) {
	mu := h.lockTable(tableID)
	mu.Lock()
	defer mu.Unlock()

	next, err := h.nextSequenceLocked(tableID)
	if err != nil {
		return 0, err
	}

	key := entryKey(tableID, next)
	exists, err := h.kv.Exists(key)
	if err != nil {
		return 0, fmt.Errorf("error checking history key: %w", err)
	}
	if exists {
		// The ledger already holds the sequence this index believed was
		// free. Someone wrote past the serialization point.
		return 0, fmt.Errorf("%w: table %s sequence %d already present", types.ErrHistoryAppendConflict, tableID, next)
	}

	if err := h.kv.Write(key, encodeValue(snapshotID, time.Now())); err != nil {
		return 0, fmt.Errorf("error appending history for table %s: %w", tableID, err)
	}

	h.mu.Lock()
	h.lastSeq[tableID] = next
	h.hasSeq[tableID] = true
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{
		"table":    tableID.String(),
		"snapshot": snapshotID.String(),
		"sequence": next,
	}).Debug("History entry appended")

	return next, nil
}

func (h *HistoryIndex) nextSequenceLocked(tableID types.TableID) (uint64, error) {
	h.mu.Lock()
	last, ok := h.lastSeq[tableID], h.hasSeq[tableID]
	h.mu.Unlock()
	if ok {
		return last + 1, nil
	}

	entries, err := h.Entries(tableID)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	last = entries[len(entries)-1].Sequence
	h.mu.Lock()
	h.lastSeq[tableID] = last
	h.hasSeq[tableID] = true
	h.mu.Unlock()
	return last + 1, nil
}

// Latest returns the most recent snapshot of the table. A caller that just
// appended always observes at least its own sequence.
func (h *HistoryIndex) Latest(tableID types.TableID) (types.SnapshotID, uint64, error) {
	entries, err := h.Entries(tableID)
	if err != nil {
		return types.SnapshotID{}, 0, err
	}
	if len(entries) == 0 {
		return types.SnapshotID{}, 0, fmt.Errorf("%w: table %s", types.ErrNoHistory, tableID)
	}
	last := entries[len(entries)-1]
	return last.SnapshotID, last.Sequence, nil
}

// At returns the most recent entry matching pred. No entries at all is
// types.ErrNoHistory; entries but no match is types.ErrSnapshotNotFound.
func (h *HistoryIndex) At(tableID types.TableID, pred func(Entry) bool) (types.SnapshotID, error) {
	entries, err := h.Entries(tableID)
	if err != nil {
		return types.SnapshotID{}, err
	}
	if len(entries) == 0 {
		return types.SnapshotID{}, fmt.Errorf("%w: table %s", types.ErrNoHistory, tableID)
	}

	for i := len(entries) - 1; i >= 0; i-- {
		if pred(entries[i]) {
			return entries[i].SnapshotID, nil
		}
	}
	return types.SnapshotID{}, fmt.Errorf("%w: no history entry matches for table %s", types.ErrSnapshotNotFound, tableID)
}

// AtSequence resolves an exact sequence number.
func (h *HistoryIndex) AtSequence(tableID types.TableID, seq uint64) (types.SnapshotID, error) {
	return h.At(tableID, func(e Entry) bool { return e.Sequence == seq })
}

// AtOrBefore resolves the most recent snapshot appended at or before t.
func (h *HistoryIndex) AtOrBefore(tableID types.TableID, t time.Time) (types.SnapshotID, error) {
	return h.At(tableID, func(e Entry) bool { return !e.AppendedAt.After(t) })
}

// Entries returns the full ledger of a table in sequence order. The
// big-endian sequence suffix makes badger's key order the sequence order.
func (h *HistoryIndex) Entries(tableID types.TableID) ([]Entry, error) {
	prefix := tablePrefix(tableID)
	items, err := h.kv.GetItemsWithPrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("error reading history for table %s: %w", tableID, err)
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		key, value := item[0], item[1]
		if len(key) != len(prefix)+8 {
			return nil, fmt.Errorf("invalid history key length %d", len(key))
		}
		seq := binary.BigEndian.Uint64(key[len(prefix):])
		id, appendedAt, err := decodeValue(value)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{
			HistoryEntry: types.HistoryEntry{TableID: tableID, SnapshotID: id, Sequence: seq},
			AppendedAt:   appendedAt,
		})
	}

	for i, e := range entries {
		if e.Sequence != uint64(i) {
			return nil, fmt.Errorf("%w: table %s has gap at sequence %d", types.ErrHistoryAppendConflict, tableID, i)
		}
	}

	return entries, nil
}

// DeleteAll removes a table's ledger. Called only on table drop, after the
// table's reference edges have been released.
func (h *HistoryIndex) DeleteAll(tableID types.TableID) error {
	keys, err := h.kv.GetKeysWithPrefix(tablePrefix(tableID))
	if err != nil {
		return err
	}
	if err := h.kv.DeleteBatch(keys); err != nil {
		return fmt.Errorf("error deleting history for table %s: %w", tableID, err)
	}

	h.mu.Lock()
	delete(h.lastSeq, tableID)
	delete(h.hasSeq, tableID)
	delete(h.tableMu, tableID)
	h.mu.Unlock()

	return nil
}
