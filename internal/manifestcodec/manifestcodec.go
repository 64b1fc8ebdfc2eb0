// Package manifestcodec serializes snapshot manifests in protobuf wire
// format. Fields are emitted by hand through protowire in fixed ascending
// order, so equal manifests always encode to identical bytes. That
// canonical property is what keeps content-addressed deduplication sound;
// generated protobuf marshalers do not guarantee it.
package manifestcodec

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/calderadb/caldera/pkg/types"
)

// Field numbers of the Snapshot wire message. Never reuse a number.
const (
	fieldSequence  = 1
	fieldCreatedAt = 2
	fieldParent    = 3
	fieldRowCount  = 4
	fieldByteSize  = 5
	fieldBlock     = 6
)

// Field numbers of the embedded BlockRef message.
const (
	blockFieldHash     = 1
	blockFieldRowCount = 2
	blockFieldByteSize = 3
)

// SnapshotToBytes encodes a manifest. Zero-valued fields are omitted, as
// in standard proto3 encoding.
func SnapshotToBytes(s types.Snapshot) []byte {
	var b []byte

	if s.Sequence != 0 {
		b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
		b = protowire.AppendVarint(b, s.Sequence)
	}
	if !s.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(s.CreatedAt.UTC().UnixNano()))
	}
	if !s.Parent.IsZero() {
		b = protowire.AppendTag(b, fieldParent, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Parent.Bytes())
	}
	if s.RowCount != 0 {
		b = protowire.AppendTag(b, fieldRowCount, protowire.VarintType)
		b = protowire.AppendVarint(b, s.RowCount)
	}
	if s.ByteSize != 0 {
		b = protowire.AppendTag(b, fieldByteSize, protowire.VarintType)
		b = protowire.AppendVarint(b, s.ByteSize)
	}
	for _, block := range s.Blocks {
		b = protowire.AppendTag(b, fieldBlock, protowire.BytesType)
		b = protowire.AppendBytes(b, blockRefToBytes(block))
	}

	return b
}

func blockRefToBytes(ref types.BlockRef) []byte {
	var b []byte
	b = protowire.AppendTag(b, blockFieldHash, protowire.BytesType)
	b = protowire.AppendBytes(b, ref.Hash.Bytes())
	if ref.RowCount != 0 {
		b = protowire.AppendTag(b, blockFieldRowCount, protowire.VarintType)
		b = protowire.AppendVarint(b, ref.RowCount)
	}
	if ref.ByteSize != 0 {
		b = protowire.AppendTag(b, blockFieldByteSize, protowire.VarintType)
		b = protowire.AppendVarint(b, ref.ByteSize)
	}
	return b
}

// BytesToSnapshot decodes a manifest. Unknown fields are rejected rather
// than skipped: a manifest is immutable, so unknown content means the
// entry does not come from this codec.
func BytesToSnapshot(raw []byte) (types.Snapshot, error) {
	var s types.Snapshot

	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return types.Snapshot{}, fmt.Errorf("error decoding manifest tag: %w", protowire.ParseError(n))
		}
		raw = raw[n:]

		switch {
		case num == fieldSequence && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return types.Snapshot{}, fmt.Errorf("error decoding sequence: %w", protowire.ParseError(n))
			}
			s.Sequence = v
			raw = raw[n:]
		case num == fieldCreatedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return types.Snapshot{}, fmt.Errorf("error decoding created at: %w", protowire.ParseError(n))
			}
			s.CreatedAt = time.Unix(0, int64(v)).UTC()
			raw = raw[n:]
		case num == fieldParent && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return types.Snapshot{}, fmt.Errorf("error decoding parent: %w", protowire.ParseError(n))
			}
			if len(v) != len(types.Hash{}) {
				return types.Snapshot{}, fmt.Errorf("invalid parent id length %d", len(v))
			}
			copy(s.Parent[:], v)
			raw = raw[n:]
		case num == fieldRowCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return types.Snapshot{}, fmt.Errorf("error decoding row count: %w", protowire.ParseError(n))
			}
			s.RowCount = v
			raw = raw[n:]
		case num == fieldByteSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return types.Snapshot{}, fmt.Errorf("error decoding byte size: %w", protowire.ParseError(n))
			}
			s.ByteSize = v
			raw = raw[n:]
		case num == fieldBlock && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return types.Snapshot{}, fmt.Errorf("error decoding block ref: %w", protowire.ParseError(n))
			}
			block, err := bytesToBlockRef(v)
			if err != nil {
				return types.Snapshot{}, err
			}
			s.Blocks = append(s.Blocks, block)
			raw = raw[n:]
		default:
			return types.Snapshot{}, fmt.Errorf("unknown manifest field %d (wire type %d)", num, typ)
		}
	}

	return s, nil
}

func bytesToBlockRef(raw []byte) (types.BlockRef, error) {
	var ref types.BlockRef

	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return types.BlockRef{}, fmt.Errorf("error decoding block ref tag: %w", protowire.ParseError(n))
		}
		raw = raw[n:]

		switch {
		case num == blockFieldHash && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return types.BlockRef{}, fmt.Errorf("error decoding block hash: %w", protowire.ParseError(n))
			}
			if len(v) != len(types.Hash{}) {
				return types.BlockRef{}, fmt.Errorf("invalid block hash length %d", len(v))
			}
			copy(ref.Hash[:], v)
			raw = raw[n:]
		case num == blockFieldRowCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return types.BlockRef{}, fmt.Errorf("error decoding block row count: %w", protowire.ParseError(n))
			}
			ref.RowCount = v
			raw = raw[n:]
		case num == blockFieldByteSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return types.BlockRef{}, fmt.Errorf("error decoding block byte size: %w", protowire.ParseError(n))
			}
			ref.ByteSize = v
			raw = raw[n:]
		default:
			return types.BlockRef{}, fmt.Errorf("unknown block ref field %d (wire type %d)", num, typ)
		}
	}

	if ref.Hash.IsZero() {
		return types.BlockRef{}, fmt.Errorf("block ref without hash")
	}

	return ref, nil
}
