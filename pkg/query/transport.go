// Package query implements the client query DSL spec.md §4.9 describes:
// an immutable builder over a queryshape.RawQueryRequest, generic over a
// ResourceShape so `Include` relation names are checked against the
// resource's declared relations at the call site, plus an untyped
// DynamicBuilder that raises the same check at BuildQueryRequest time
// instead of compile time.
package query

import (
	"context"

	"github.com/liveframe/liveframe/pkg/queryshape"
)

// Transport is whatever backs a query: the local optimistic store
// (synchronous, see pkg/store.Store) or an HTTP fetch fallback
// (genuinely blocking on the network). Go has no promise type, so both
// satisfy the same blocking interface — "synchronous" store access just
// never actually suspends.
type Transport interface {
	Get(ctx context.Context, q queryshape.RawQueryRequest, key string, force bool) ([]map[string]any, error)
	Subscribe(q queryshape.RawQueryRequest, cb func([]map[string]any)) (func(), error)
}

// storeReader is the subset of *store.Store the adapter needs. Declared
// here (not imported from pkg/store) so pkg/query never depends on
// pkg/store directly — callers wire their own store.Store in via
// NewStoreTransport, keeping the dependency arrow pointing one way.
type storeReader interface {
	Get(q queryshape.RawQueryRequest, key string, force bool) ([]map[string]any, error)
	Subscribe(q queryshape.RawQueryRequest, cb func([]map[string]any)) (func(), error)
}

// StoreTransport adapts a pkg/store.Store to Transport. The store never
// suspends, so ctx is accepted for interface uniformity and otherwise
// ignored.
type StoreTransport struct {
	reader storeReader
}

// NewStoreTransport wraps a store (anything with the Store's Get/Subscribe
// shape) as a Transport.
func NewStoreTransport(reader storeReader) StoreTransport {
	return StoreTransport{reader: reader}
}

func (t StoreTransport) Get(_ context.Context, q queryshape.RawQueryRequest, key string, force bool) ([]map[string]any, error) {
	return t.reader.Get(q, key, force)
}

func (t StoreTransport) Subscribe(q queryshape.RawQueryRequest, cb func([]map[string]any)) (func(), error) {
	return t.reader.Subscribe(q, cb)
}
