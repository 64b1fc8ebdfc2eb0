package types

import (
	"bytes"
	"crypto/sha512"
	"encoding/binary"
	"time"
)

// BlockRef points at one content-addressed data block and carries the
// statistics needed for scan planning without reading the block.
type BlockRef struct {
	Hash     Hash
	RowCount uint64
	ByteSize uint64
}

// Snapshot is the immutable manifest of a table's state at one instant: the
// ordered set of data blocks plus aggregate statistics. It is never mutated
// after it has been written to the snapshot store. A snapshot created by an
// ordinary write records the snapshot it succeeded as Parent; the first
// snapshot of a table (and of a clone, which starts at a foreign snapshot)
// has a zero Parent.
type Snapshot struct {
	Sequence  uint64
	Blocks    []BlockRef
	RowCount  uint64
	ByteSize  uint64
	CreatedAt time.Time
	Parent    SnapshotID
}

// ID derives the content-addressed snapshot id. All fields are folded into
// a canonical buffer in fixed order, so equal manifests yield equal ids.
func (s Snapshot) ID() SnapshotID {
	var buffer bytes.Buffer

	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], s.Sequence)
	buffer.Write(seq[:])

	var created [8]byte
	binary.BigEndian.PutUint64(created[:], uint64(s.CreatedAt.UTC().UnixNano()))
	buffer.Write(created[:])

	buffer.Write(s.Parent.Bytes())

	var stats [16]byte
	binary.BigEndian.PutUint64(stats[:8], s.RowCount)
	binary.BigEndian.PutUint64(stats[8:], s.ByteSize)
	buffer.Write(stats[:])

	for _, block := range s.Blocks {
		buffer.Write(block.Hash.Bytes())
		var counts [16]byte
		binary.BigEndian.PutUint64(counts[:8], block.RowCount)
		binary.BigEndian.PutUint64(counts[8:], block.ByteSize)
		buffer.Write(counts[:])
	}

	return SnapshotID(sha512.Sum512(buffer.Bytes()))
}

// HistoryEntry is one row of a table's append-only history ledger.
// Sequence numbers are gapless and strictly increasing per table.
type HistoryEntry struct {
	TableID    TableID
	SnapshotID SnapshotID
	Sequence   uint64
}

// ColumnDef describes one column of a table schema.
type ColumnDef struct {
	Name string
	Type string
}

// TableInfo is the catalog record of a table. Current always names a
// snapshot whose manifest is present in the snapshot store; a cloned table
// starts with Current equal to the resolved source snapshot and is
// indistinguishable from an organically created table afterwards.
type TableInfo struct {
	ID        TableID
	Name      string
	Columns   []ColumnDef
	Current   SnapshotID
	CreatedAt time.Time
}
