package store

import "github.com/liveframe/liveframe/pkg/lww"

// Mutation is a single pending or applied change, either a client-origin
// optimistic write or a server-origin confirmation/broadcast (spec.md
// §4.8). ID correlates a client mutation with the server's eventual echo
// or REJECT.
type Mutation struct {
	ID         string
	Resource   string
	ResourceID string
	Procedure  lww.Procedure
	Payload    lww.Payload
	Optimistic bool
}

// snapshotEntry is the pre-mutation pool row captured at submit time for
// an optimistic mutation, so UndoMutation can restore it and replay the
// remaining stack deterministically (SPEC_FULL.md §4.8's resolution of
// the undoMutation open question).
type snapshotEntry struct {
	ResourceID string
	Prev       *lww.Object // nil means "no row existed before this mutation"
}
