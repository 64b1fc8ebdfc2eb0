// Package blockstore stores the content-addressed data blocks that
// snapshot manifests reference. A block is one immutable batch of rows;
// its payload is buzhash-chunked and LZMA-compressed on disk. Blocks are
// shared between tables through their manifests and are only removed by
// the liveness sweep.
package blockstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	chunker "github.com/ipfs/boxo/chunker"
	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz/lzma"

	"github.com/calderadb/caldera/internal/keyValStore"
	"github.com/calderadb/caldera/pkg/types"
)

const (
	blockPrefix = "blk:"
	chunkPrefix = "blkc:"
)

type BlockStore struct {
	kv  *keyValStore.KeyValStore
	log *logrus.Logger
}

// blockRecord is the on-disk index of a block: the number of chunks its
// payload was split into. Chunks live under chunkKey(block, index).
type blockRecord struct {
	ChunkCount uint32
	RowCount   uint64
	ByteSize   uint64
}

func NewBlockStore(kv *keyValStore.KeyValStore, logger *logrus.Logger) *BlockStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &BlockStore{kv: kv, log: logger}
}

func blockKey(hash types.Hash) []byte {
	return append([]byte(blockPrefix), hash.Bytes()...)
}

func chunkKey(hash types.Hash, index uint32) []byte {
	key := append([]byte(chunkPrefix), hash.Bytes()...)
	key = append(key, ':')
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	return append(key, idx[:]...)
}

// Ref computes the reference PutBlock would return for rows without
// writing anything. Callers use it to announce a block to the liveness
// tracker before the block hits storage.
func (b *BlockStore) Ref(rows []types.Row) (types.BlockRef, error) {
	payload, err := encodeRows(rows)
	if err != nil {
		return types.BlockRef{}, err
	}
	return types.BlockRef{
		Hash:     types.HashBytes(payload),
		RowCount: uint64(len(rows)),
		ByteSize: uint64(len(payload)),
	}, nil
}

// PutBlock persists a row batch and returns its reference. The block hash
// is the SHA-512 of the uncompressed payload, so identical batches
// deduplicate. All records of one block are committed in one transaction.
func (b *BlockStore) PutBlock(rows []types.Row) (types.BlockRef, error) {
	payload, err := encodeRows(rows)
	if err != nil {
		return types.BlockRef{}, err
	}

	hash := types.HashBytes(payload)
	ref := types.BlockRef{
		Hash:     hash,
		RowCount: uint64(len(rows)),
		ByteSize: uint64(len(payload)),
	}

	exists, err := b.kv.Exists(blockKey(hash))
	if err != nil {
		return types.BlockRef{}, err
	}
	if exists {
		return ref, nil
	}

	chunks, err := chunkPayload(payload)
	if err != nil {
		return types.BlockRef{}, fmt.Errorf("error chunking block %s: %w", hash, err)
	}

	record := blockRecord{
		ChunkCount: uint32(len(chunks)),
		RowCount:   ref.RowCount,
		ByteSize:   ref.ByteSize,
	}
	var recordBuf bytes.Buffer
	if err := gob.NewEncoder(&recordBuf).Encode(record); err != nil {
		return types.BlockRef{}, fmt.Errorf("error encoding block record: %w", err)
	}

	batch := [][2][]byte{{blockKey(hash), recordBuf.Bytes()}}
	for i, chunk := range chunks {
		compressed, err := compressWithLzma(chunk)
		if err != nil {
			return types.BlockRef{}, fmt.Errorf("error compressing chunk %d of block %s: %w", i, hash, err)
		}
		batch = append(batch, [2][]byte{chunkKey(hash, uint32(i)), compressed})
	}

	if err := b.kv.WriteBatch(batch); err != nil {
		return types.BlockRef{}, fmt.Errorf("error persisting block %s: %w", hash, err)
	}

	b.log.WithFields(logrus.Fields{
		"block":  hash.String(),
		"rows":   ref.RowCount,
		"chunks": len(chunks),
	}).Debug("Data block stored")

	return ref, nil
}

// GetBlock reads a block's rows back. A missing or mismatching block for a
// ref taken from a live manifest is types.ErrCorruptSnapshotReference.
func (b *BlockStore) GetBlock(ref types.BlockRef) ([]types.Row, error) {
	raw, err := b.kv.Read(blockKey(ref.Hash))
	if err != nil {
		if err == keyValStore.ErrKeyNotFound {
			return nil, fmt.Errorf("%w: data block %s missing", types.ErrCorruptSnapshotReference, ref.Hash)
		}
		return nil, fmt.Errorf("error reading block %s: %w", ref.Hash, err)
	}

	var record blockRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&record); err != nil {
		return nil, fmt.Errorf("%w: block record %s: %v", types.ErrCorruptSnapshotReference, ref.Hash, err)
	}

	var payload bytes.Buffer
	for i := uint32(0); i < record.ChunkCount; i++ {
		compressed, err := b.kv.Read(chunkKey(ref.Hash, i))
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d of block %s: %v", types.ErrCorruptSnapshotReference, i, ref.Hash, err)
		}
		chunk, err := decompressWithLzma(compressed)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d of block %s: %v", types.ErrCorruptSnapshotReference, i, ref.Hash, err)
		}
		payload.Write(chunk)
	}

	if got := types.HashBytes(payload.Bytes()); got != ref.Hash {
		return nil, fmt.Errorf("%w: block %s hashes to %s", types.ErrCorruptSnapshotReference, ref.Hash, got)
	}

	return decodeRows(payload.Bytes())
}

// Delete removes a block and its chunks. Only the liveness sweep calls
// this, for blocks no live manifest references.
func (b *BlockStore) Delete(hash types.Hash) error {
	keys := [][]byte{blockKey(hash)}
	chunkKeys, err := b.kv.GetKeysWithPrefix(append(append([]byte(chunkPrefix), hash.Bytes()...), ':'))
	if err != nil {
		return err
	}
	keys = append(keys, chunkKeys...)

	if err := b.kv.DeleteBatch(keys); err != nil {
		return fmt.Errorf("error deleting block %s: %w", hash, err)
	}
	return nil
}

// List returns the hashes of all stored blocks.
func (b *BlockStore) List() ([]types.Hash, error) {
	keys, err := b.kv.GetKeysWithPrefix([]byte(blockPrefix))
	if err != nil {
		return nil, err
	}

	hashes := make([]types.Hash, 0, len(keys))
	for _, key := range keys {
		raw := key[len(blockPrefix):]
		if len(raw) != len(types.Hash{}) {
			return nil, fmt.Errorf("invalid block key length %d", len(raw))
		}
		var hash types.Hash
		copy(hash[:], raw)
		hashes = append(hashes, hash)
	}
	return hashes, nil
}

func encodeRows(rows []types.Row) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rows); err != nil {
		return nil, fmt.Errorf("error encoding row batch: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRows(raw []byte) ([]types.Row, error) {
	var rows []types.Row
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rows); err != nil {
		return nil, fmt.Errorf("error decoding row batch: %w", err)
	}
	return rows, nil
}

// chunkPayload splits a payload with the buzhash rolling-hash chunker.
// Small payloads come back as a single chunk.
func chunkPayload(payload []byte) ([][]byte, error) {
	bz := chunker.NewBuzhash(bytes.NewReader(payload))

	var chunks [][]byte
	for {
		chunk, err := bz.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}

	if len(chunks) == 0 {
		chunks = append(chunks, []byte{})
	}
	return chunks, nil
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
