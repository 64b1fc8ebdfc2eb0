// Package types holds the value types shared across the Caldera engine:
// content hashes, snapshot and table identifiers, manifests and rows.
package types

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Hash is a SHA-512 content hash. Data blocks and snapshot manifests are
// addressed by it.
type Hash [64]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

// HashBytes hashes raw data into a Hash.
func HashBytes(data []byte) Hash {
	return sha512.Sum512(data)
}

// HashFromHex parses the hex rendering produced by Hash.String.
func HashFromHex(s string) (Hash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(raw) != len(Hash{}) {
		return Hash{}, fmt.Errorf("invalid hash length %d, want %d", len(raw), len(Hash{}))
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}

// SnapshotID identifies an immutable snapshot manifest. It is the SHA-512
// of the manifest's canonical field serialization, so two identical
// manifests always carry the same id. Creation order within a table is
// tracked by the history index sequence, not by id collation.
type SnapshotID Hash

func (id SnapshotID) String() string {
	return Hash(id).String()
}

func (id SnapshotID) Bytes() []byte {
	return Hash(id).Bytes()
}

func (id SnapshotID) IsZero() bool {
	return Hash(id).IsZero()
}

// SnapshotIDFromHex parses the hex rendering produced by SnapshotID.String.
func SnapshotIDFromHex(s string) (SnapshotID, error) {
	h, err := HashFromHex(s)
	if err != nil {
		return SnapshotID{}, err
	}
	return SnapshotID(h), nil
}

// TableID identifies a table for its whole lifetime. Table names can be
// reused after a drop; TableIDs never are.
type TableID uuid.UUID

func NewTableID() TableID {
	return TableID(uuid.New())
}

func (id TableID) String() string {
	return uuid.UUID(id).String()
}

func (id TableID) Bytes() []byte {
	u := uuid.UUID(id)
	return u[:]
}

func (id TableID) IsZero() bool {
	return uuid.UUID(id) == uuid.UUID{}
}

// TableIDFromString parses the canonical UUID rendering.
func TableIDFromString(s string) (TableID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return TableID{}, fmt.Errorf("invalid table id: %w", err)
	}
	return TableID(u), nil
}
