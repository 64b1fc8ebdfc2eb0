// Package locator parses and resolves snapshot locator tokens. A locator
// is the human-facing handle embedded in CREATE TABLE options, of the form
// "_ss/<snapshot-id>". The surrounding option key is case-folded at the
// statement boundary before it ever reaches this package; the namespace
// segment here is matched case-sensitively and the embedded id keeps its
// canonical form.
package locator

import (
	"fmt"
	"strings"

	"github.com/calderadb/caldera/internal/snapshotstore"
	"github.com/calderadb/caldera/pkg/types"
)

// Namespace is the fixed token denoting the snapshot storage root.
const Namespace = "_ss"

// Format renders the canonical locator for a snapshot id.
func Format(id types.SnapshotID) string {
	return Namespace + "/" + id.String()
}

// Parse validates the token structurally and extracts the embedded id.
// It does not touch storage.
func Parse(raw string) (types.SnapshotID, error) {
	segments := strings.Split(raw, "/")
	if len(segments) != 2 {
		return types.SnapshotID{}, fmt.Errorf("%w: %q has %d segments, want 2", types.ErrMalformedLocator, raw, len(segments))
	}
	if segments[0] != Namespace {
		return types.SnapshotID{}, fmt.Errorf("%w: %q does not start with namespace %q", types.ErrMalformedLocator, raw, Namespace)
	}
	if segments[1] == "" {
		return types.SnapshotID{}, fmt.Errorf("%w: %q has an empty snapshot id", types.ErrMalformedLocator, raw)
	}

	id, err := types.SnapshotIDFromHex(segments[1])
	if err != nil {
		return types.SnapshotID{}, fmt.Errorf("%w: %q: %v", types.ErrMalformedLocator, raw, err)
	}
	return id, nil
}

// Resolver turns locator tokens into verified snapshot store references.
type Resolver struct {
	snapshots *snapshotstore.SnapshotStore
}

func NewResolver(snapshots *snapshotstore.SnapshotStore) *Resolver {
	return &Resolver{snapshots: snapshots}
}

// Resolve parses raw and verifies the snapshot exists. It has no side
// effects and is idempotent: the same token resolves to the same id for
// the lifetime of the snapshot.
func (r *Resolver) Resolve(raw string) (types.SnapshotID, error) {
	id, err := Parse(raw)
	if err != nil {
		return types.SnapshotID{}, err
	}

	exists, err := r.snapshots.Exists(id)
	if err != nil {
		return types.SnapshotID{}, fmt.Errorf("error resolving locator %q: %w", raw, err)
	}
	if !exists {
		return types.SnapshotID{}, fmt.Errorf("%w: locator %q", types.ErrSnapshotNotFound, raw)
	}

	return id, nil
}
