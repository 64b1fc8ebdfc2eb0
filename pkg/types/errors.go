package types

import "errors"

// Error categories surfaced to the statement layer. Each is a distinct
// sentinel so callers can match with errors.Is through wrap chains.
var (
	// ErrMalformedLocator reports a structurally invalid snapshot locator.
	ErrMalformedLocator = errors.New("caldera: malformed snapshot locator")

	// ErrSnapshotNotFound reports a well-formed snapshot reference with no
	// matching snapshot store entry.
	ErrSnapshotNotFound = errors.New("caldera: snapshot not found")

	// ErrTableNameCollision reports a create against an existing table name.
	ErrTableNameCollision = errors.New("caldera: table name already exists")

	// ErrTableNotFound reports an operation against an unknown table.
	ErrTableNotFound = errors.New("caldera: table not found")

	// ErrNoHistory reports a history query on a table with no entries.
	ErrNoHistory = errors.New("caldera: table has no history")

	// ErrHistoryAppendConflict reports a ledger whose on-disk sequence does
	// not match the expected next value. The per-table serialization makes
	// this unreachable through the public API; seeing it means the ledger
	// was modified out of band.
	ErrHistoryAppendConflict = errors.New("caldera: history append conflict")

	// ErrCorruptSnapshotReference reports a live snapshot whose manifest or
	// data blocks are missing or undecodable. This is corruption, never an
	// empty-data condition.
	ErrCorruptSnapshotReference = errors.New("caldera: corrupt snapshot reference")

	// ErrDoubleRelease reports a release of a reference edge that does not
	// exist. Releasing twice is a logic error in the caller.
	ErrDoubleRelease = errors.New("caldera: reference edge already released")
)
