// Package storage defines the server storage contract spec.md §4.4 calls
// out as "contract only": the query engine and session depend only on
// this interface, never on a concrete backend.
package storage

import (
	"context"

	"github.com/liveframe/liveframe/pkg/lww"
	"github.com/liveframe/liveframe/pkg/queryshape"
	"github.com/liveframe/liveframe/pkg/schema"
)

// Storage is the server-side persistence contract. Implementations must
// persist both the materialised row and its per-field timestamps (a
// `<resource>_meta` sibling table, or equivalent) so LWW state survives a
// restart, and must linearise writes per (resource, id) — concurrent
// Insert/Update calls racing on the same row must not interleave.
type Storage interface {
	// Init prepares the backend for every resource in registry (create
	// tables, run migrations, or simply note the schema for an in-memory
	// backend). Called once at startup.
	Init(ctx context.Context, registry *schema.Registry) error

	// Get returns every row of resource matching filter (nil filter means
	// "all rows"), as resourceId -> payload.
	Get(ctx context.Context, resource string, filter queryshape.Where) (map[string]lww.Payload, error)

	// GetOne returns a single row, or ok=false if it doesn't exist.
	GetOne(ctx context.Context, resource, id string) (lww.Payload, bool, error)

	// Insert persists a freshly merged row (the caller has already run it
	// through lww.MergeMutation).
	Insert(ctx context.Context, resource, id string, row lww.Payload) error

	// Update persists a merged row's new field values. patch carries only
	// the fields lww.MergeMutation actually changed (the delta), not the
	// full row.
	Update(ctx context.Context, resource, id string, patch lww.Payload) error

	Batcher
}

// Batcher groups reads so resolving a query step that touches N rows
// costs one round trip, not N (spec.md §4.4).
type Batcher interface {
	BatchGet(ctx context.Context, resource string, ids []string) (map[string]lww.Payload, error)
}
