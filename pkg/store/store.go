// Package store implements the client-side optimistic store spec.md §4.8
// describes: a materialised pool of objects, a per-resource stack of
// unconfirmed local mutations, the object graph, live collection
// subscriptions, and a query result cache — all driven through a single
// mutex standing in for the spec's "single-threaded cooperative core"
// (§5): every public method runs to completion before the next one can
// start, so callbacks invoked from inside a mutation never observe a
// half-applied state.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/liveframe/liveframe/pkg/graph"
	"github.com/liveframe/liveframe/pkg/lww"
	"github.com/liveframe/liveframe/pkg/queryshape"
	"github.com/liveframe/liveframe/pkg/schema"
)

// Store is the client-side projection every query and mutation goes
// through. Zero value is not usable; use New.
type Store struct {
	mu       sync.Mutex
	registry *schema.Registry
	kv       KV
	graph    *graph.Graph

	pool  map[string]map[string]*lww.Object // resource -> id -> merged object
	order map[string][]string               // resource -> ids in first-seen order, for insertion-order tie-break

	stack     map[string][]Mutation     // resource -> unconfirmed optimistic mutations, submission order
	snapshots map[string]snapshotEntry  // mutation id -> pre-mutation row, for undo

	subscriptions map[string]*collectionSubscription // hash(query) -> live subscription
	queryCache    map[string][]map[string]any        // hash(query)+key -> cached result
	cacheFlat     map[string]map[string]bool         // same key -> flattened resource set (root + every included relation target), for invalidation

	maxServerTimestamp string
}

type collectionSubscription struct {
	query       queryshape.RawQueryRequest
	flatInclude map[string]bool
	callbacks   map[int]func([]map[string]any)
	nextCbID    int
	lastResult  string
}

// New builds a Store over registry, persisting through kv and tracking
// object relationships in the given graph. Pass graph.New() for a fresh
// client.
func New(registry *schema.Registry, kv KV, g *graph.Graph) *Store {
	return &Store{
		registry:      registry,
		kv:            kv,
		graph:         g,
		pool:          make(map[string]map[string]*lww.Object),
		order:         make(map[string][]string),
		stack:         make(map[string][]Mutation),
		snapshots:     make(map[string]snapshotEntry),
		subscriptions: make(map[string]*collectionSubscription),
		queryCache:    make(map[string][]map[string]any),
		cacheFlat:     make(map[string]map[string]bool),
	}
}

// MaxServerTimestamp returns the highest object timestamp observed from a
// non-optimistic (server-origin) mutation so far, used by pkg/client to
// populate a reconnect SYNC's lastSyncedAt.
func (s *Store) MaxServerTimestamp() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxServerTimestamp
}

// AddMutation implements spec.md §4.8's addMutation: merge the mutation
// into the pool, relink the object graph for any changed reference
// field, reconcile the optimistic stack, and notify affected live
// subscriptions.
func (s *Store) AddMutation(ctx context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addMutationLocked(ctx, m)
}

func (s *Store) addMutationLocked(ctx context.Context, m Mutation) error {
	if m.Optimistic {
		s.snapshots[m.ID] = snapshotEntry{ResourceID: m.ResourceID, Prev: s.poolSnapshot(m.Resource, m.ResourceID)}
		s.stack[m.Resource] = append(s.stack[m.Resource], m)
		if err := s.persistStack(ctx, m.Resource); err != nil {
			return err
		}
	}

	if err := s.applyMerge(m); err != nil {
		return err
	}

	if !m.Optimistic {
		s.removeFromStack(m.Resource, m.ID)
		if err := s.persistStack(ctx, m.Resource); err != nil {
			return err
		}
		if merged := s.pool[m.Resource][m.ResourceID]; merged != nil && merged.Timestamp > s.maxServerTimestamp {
			s.maxServerTimestamp = merged.Timestamp
		}
	}

	s.invalidateAndNotify(m.Resource)
	return s.persistRow(ctx, m.Resource, m.ResourceID)
}

// applyMerge runs the schema merge and object-graph relinking steps of
// addMutation (steps 2-5), shared between a fresh mutation and undo's
// deterministic replay.
func (s *Store) applyMerge(m Mutation) error {
	res, err := s.registry.Get(m.Resource)
	if err != nil {
		return err
	}

	if s.pool[m.Resource] == nil {
		s.pool[m.Resource] = make(map[string]*lww.Object)
	}
	prev, existed := s.pool[m.Resource][m.ResourceID]

	procedure := m.Procedure
	// loadConsolidatedState always synthesises INSERT; if the row is
	// already known (a reconnect re-delivering a row we have), fold it in
	// as an UPDATE so the merge codec's INSERT/prev=nil invariant holds.
	if procedure == lww.ProcedureInsert && existed {
		procedure = lww.ProcedureUpdate
	}

	merged, _, refChanges, err := lww.MergeMutation(res, procedure, m.Payload, prev)
	if err != nil {
		return err
	}
	s.pool[m.Resource][m.ResourceID] = merged
	if !existed {
		s.order[m.Resource] = append(s.order[m.Resource], m.ResourceID)
	}

	s.graph.EnsureNode(m.ResourceID, m.Resource)
	for _, rc := range refChanges {
		if rc.OldTarget != "" {
			if err := s.graph.RemoveLink(m.ResourceID, rc.Field); err != nil {
				return fmt.Errorf("store: relink %s.%s: %w", m.Resource, rc.Field, err)
			}
		}
		if rc.NewTarget != "" {
			field, _ := res.Field(rc.Field)
			s.graph.EnsureNode(rc.NewTarget, field.ReferenceTarget)
			if err := s.graph.CreateLink(m.ResourceID, rc.NewTarget, rc.Field); err != nil {
				return fmt.Errorf("store: link %s.%s: %w", m.Resource, rc.Field, err)
			}
		}
	}
	return nil
}

func (s *Store) poolSnapshot(resource, id string) *lww.Object {
	obj, ok := s.pool[resource][id]
	if !ok {
		return nil
	}
	return obj.Clone()
}

func (s *Store) removeFromStack(resource, mutationID string) {
	stack := s.stack[resource]
	for i, m := range stack {
		if m.ID == mutationID {
			s.stack[resource] = append(stack[:i], stack[i+1:]...)
			delete(s.snapshots, mutationID)
			return
		}
	}
}

// UndoMutation implements spec.md §4.8's undoMutation per SPEC_FULL.md
// §4.8's resolution: restore the snapshot captured when the mutation was
// submitted, then replay every remaining optimistic mutation for that
// row (in original submission order) atop it.
func (s *Store) UndoMutation(ctx context.Context, resource, mutationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stack := s.stack[resource]
	idx := -1
	for i, m := range stack {
		if m.ID == mutationID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("store: no optimistic mutation %q pending for resource %q", mutationID, resource)
	}
	removed := stack[idx]
	snap := s.snapshots[mutationID]
	delete(s.snapshots, mutationID)

	remaining := make([]Mutation, 0, len(stack)-1)
	remaining = append(remaining, stack[:idx]...)
	remaining = append(remaining, stack[idx+1:]...)
	s.stack[resource] = remaining

	if s.pool[resource] == nil {
		s.pool[resource] = make(map[string]*lww.Object)
	}
	if snap.Prev != nil {
		s.pool[resource][removed.ResourceID] = snap.Prev
	} else {
		delete(s.pool[resource], removed.ResourceID)
	}

	for _, m := range remaining {
		if m.ResourceID != removed.ResourceID {
			continue
		}
		if err := s.applyMerge(m); err != nil {
			return err
		}
	}

	if err := s.persistStack(ctx, resource); err != nil {
		return err
	}
	s.invalidateAndNotify(resource)
	return s.persistRow(ctx, resource, removed.ResourceID)
}

// LoadConsolidatedState implements spec.md §4.8's batch path for a server
// SYNC bootstrap or catch-up: each row becomes a non-optimistic synthetic
// INSERT keyed by its own resource id.
func (s *Store) LoadConsolidatedState(ctx context.Context, resource string, rows map[string]lww.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic application order for a deterministic resulting pool/graph state
	for _, id := range ids {
		m := Mutation{ID: id, Resource: resource, ResourceID: id, Procedure: lww.ProcedureInsert, Payload: rows[id], Optimistic: false}
		if err := s.addMutationLocked(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Get implements spec.md §4.8's get: cached result if present and not
// forced, otherwise evaluate and cache under hash(query) + "|" + key.
func (s *Store) Get(query queryshape.RawQueryRequest, key string, force bool) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cacheKey := hashQuery(query) + "|" + key
	if !force {
		if cached, ok := s.queryCache[cacheKey]; ok {
			return cached, nil
		}
	}
	result, err := s.evaluate(query)
	if err != nil {
		return nil, err
	}
	flat, err := s.flatInclude(query)
	if err != nil {
		return nil, err
	}
	s.queryCache[cacheKey] = result
	s.cacheFlat[cacheKey] = flat
	return result, nil
}

// Subscribe implements spec.md §4.8's subscribe: register cb against the
// query's stable hash, deliver an initial synchronous snapshot, and
// return an unsubscribe that evicts the entry once its last callback is
// removed.
func (s *Store) Subscribe(query queryshape.RawQueryRequest, cb func([]map[string]any)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	flat, err := s.flatInclude(query)
	if err != nil {
		return nil, err
	}
	key := hashQuery(query)
	sub, ok := s.subscriptions[key]
	if !ok {
		sub = &collectionSubscription{query: query, flatInclude: flat, callbacks: make(map[int]func([]map[string]any))}
		s.subscriptions[key] = sub
	}
	id := sub.nextCbID
	sub.nextCbID++
	sub.callbacks[id] = cb

	result, err := s.evaluate(query)
	if err != nil {
		return nil, err
	}
	serialized, _ := json.Marshal(result)
	sub.lastResult = string(serialized)
	cb(result)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if live, ok := s.subscriptions[key]; ok {
			delete(live.callbacks, id)
			if len(live.callbacks) == 0 {
				delete(s.subscriptions, key)
			}
		}
	}, nil
}

func (s *Store) flatInclude(query queryshape.RawQueryRequest) (map[string]bool, error) {
	flat := map[string]bool{query.Resource: true}
	res, err := s.registry.Get(query.Resource)
	if err != nil {
		return nil, err
	}
	for relName, nested := range query.Include {
		rel, ok := res.Relation(relName)
		if !ok {
			return nil, fmt.Errorf("store: %q is not a declared relation of %q", relName, query.Resource)
		}
		nestedQuery := queryshape.RawQueryRequest{Resource: rel.Target}
		if nested != nil {
			nestedQuery.Include = nested.Include
		}
		sub, err := s.flatInclude(nestedQuery)
		if err != nil {
			return nil, err
		}
		for r := range sub {
			flat[r] = true
		}
	}
	return flat, nil
}

func (s *Store) invalidateAndNotify(resource string) {
	for key, flat := range s.cacheFlat {
		if flat[resource] {
			delete(s.queryCache, key)
			delete(s.cacheFlat, key)
		}
	}
	for _, sub := range s.subscriptions {
		if !sub.flatInclude[resource] {
			continue
		}
		result, err := s.evaluate(sub.query)
		if err != nil {
			continue
		}
		serialized, _ := json.Marshal(result)
		if string(serialized) == sub.lastResult {
			continue
		}
		sub.lastResult = string(serialized)
		for _, cb := range sub.callbacks {
			cb(result)
		}
	}
}

func hashQuery(query queryshape.RawQueryRequest) string {
	b, err := json.Marshal(query)
	if err != nil {
		// Where/Include hold only JSON-marshalable scalars by construction
		// (queryshape.Where values come from decoded wire payloads or the
		// typed builder); a marshal failure here means a caller built an
		// invalid query directly.
		panic("store: query is not JSON-marshalable: " + err.Error())
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
