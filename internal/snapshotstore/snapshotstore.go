// Package snapshotstore is the durable, content-addressed home of snapshot
// manifests. Manifests are append-only: once Put has returned, the entry
// is durable and is never rewritten.
package snapshotstore

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz/lzma"

	"github.com/calderadb/caldera/internal/keyValStore"
	"github.com/calderadb/caldera/internal/manifestcodec"
	"github.com/calderadb/caldera/pkg/types"
)

const keyPrefix = "snap:"

type SnapshotStore struct {
	kv  *keyValStore.KeyValStore
	log *logrus.Logger
}

func NewSnapshotStore(kv *keyValStore.KeyValStore, logger *logrus.Logger) *SnapshotStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &SnapshotStore{kv: kv, log: logger}
}

func storeKey(id types.SnapshotID) []byte {
	return append([]byte(keyPrefix), id.Bytes()...)
}

// Put persists a manifest and returns its content-addressed id. Putting a
// manifest that already exists writes identical bytes over identical bytes,
// so concurrent duplicate Puts deduplicate to the same id.
func (s *SnapshotStore) Put(manifest types.Snapshot) (types.SnapshotID, error) {
	id := manifest.ID()

	encoded := manifestcodec.SnapshotToBytes(manifest)
	compressed, err := compressWithLzma(encoded)
	if err != nil {
		return types.SnapshotID{}, fmt.Errorf("error compressing manifest %s: %w", id, err)
	}

	if err := s.kv.Write(storeKey(id), compressed); err != nil {
		return types.SnapshotID{}, fmt.Errorf("error persisting manifest %s: %w", id, err)
	}

	s.log.WithFields(logrus.Fields{
		"snapshot": id.String(),
		"blocks":   len(manifest.Blocks),
		"rows":     manifest.RowCount,
	}).Debug("Snapshot manifest stored")

	return id, nil
}

// Get fetches a manifest. A missing entry is types.ErrSnapshotNotFound; a
// present entry that fails to decompress or decode is
// types.ErrCorruptSnapshotReference, never an empty manifest.
func (s *SnapshotStore) Get(id types.SnapshotID) (types.Snapshot, error) {
	raw, err := s.kv.Read(storeKey(id))
	if err != nil {
		if err == keyValStore.ErrKeyNotFound {
			return types.Snapshot{}, fmt.Errorf("%w: %s", types.ErrSnapshotNotFound, id)
		}
		return types.Snapshot{}, fmt.Errorf("error reading manifest %s: %w", id, err)
	}

	encoded, err := decompressWithLzma(raw)
	if err != nil {
		s.log.WithFields(logrus.Fields{"snapshot": id.String()}).Errorf("Corrupt manifest payload: %v", err)
		return types.Snapshot{}, fmt.Errorf("%w: manifest %s: %v", types.ErrCorruptSnapshotReference, id, err)
	}

	manifest, err := manifestcodec.BytesToSnapshot(encoded)
	if err != nil {
		s.log.WithFields(logrus.Fields{"snapshot": id.String()}).Errorf("Corrupt manifest encoding: %v", err)
		return types.Snapshot{}, fmt.Errorf("%w: manifest %s: %v", types.ErrCorruptSnapshotReference, id, err)
	}

	if got := manifest.ID(); got != id {
		s.log.WithFields(logrus.Fields{"snapshot": id.String(), "actual": got.String()}).Error("Manifest content does not match its id")
		return types.Snapshot{}, fmt.Errorf("%w: manifest %s hashes to %s", types.ErrCorruptSnapshotReference, id, got)
	}

	return manifest, nil
}

func (s *SnapshotStore) Exists(id types.SnapshotID) (bool, error) {
	return s.kv.Exists(storeKey(id))
}

// Delete removes a manifest. Only the liveness sweep calls this, and only
// for snapshots it has proven reclaimable.
func (s *SnapshotStore) Delete(id types.SnapshotID) error {
	return s.kv.Delete(storeKey(id))
}

// List returns the ids of all stored manifests.
func (s *SnapshotStore) List() ([]types.SnapshotID, error) {
	keys, err := s.kv.GetKeysWithPrefix([]byte(keyPrefix))
	if err != nil {
		return nil, err
	}

	ids := make([]types.SnapshotID, 0, len(keys))
	for _, key := range keys {
		raw := key[len(keyPrefix):]
		if len(raw) != len(types.Hash{}) {
			return nil, fmt.Errorf("invalid snapshot key length %d", len(raw))
		}
		var id types.SnapshotID
		copy(id[:], raw)
		ids = append(ids, id)
	}
	return ids, nil
}

func compressWithLzma(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err = w.Write(data); err != nil {
		return nil, err
	}
	if err = w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressWithLzma(data []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err = buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
