// Package memstore is the in-memory storage.Storage reference backend,
// grounded on the contract's own suggestion (spec.md §4.4/§5) that "the
// in-memory backend uses a process-wide lock per key".
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/liveframe/liveframe/pkg/lww"
	"github.com/liveframe/liveframe/pkg/queryshape"
	"github.com/liveframe/liveframe/pkg/schema"
)

// Store is an in-memory storage.Storage. Safe for concurrent use; each
// (resource, id) row is linearised through its own lock, and every write
// also holds the store-wide mu while it touches rows, so writes to
// distinct rows still run one at a time.
type Store struct {
	registryMu sync.RWMutex
	registry   *schema.Registry

	keyLocks keyLockTable

	mu   sync.RWMutex
	rows map[string]map[string]lww.Payload // resource -> id -> payload
}

// New returns an empty store.
func New() *Store {
	return &Store{
		keyLocks: newKeyLockTable(),
		rows:     make(map[string]map[string]lww.Payload),
	}
}

func (s *Store) Init(_ context.Context, registry *schema.Registry) error {
	s.registryMu.Lock()
	defer s.registryMu.Unlock()
	s.registry = registry
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, res := range registry.Resources() {
		if s.rows[res.Name] == nil {
			s.rows[res.Name] = make(map[string]lww.Payload)
		}
	}
	return nil
}

func (s *Store) Get(_ context.Context, resource string, filter queryshape.Where) (map[string]lww.Payload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]lww.Payload)
	for id, payload := range s.rows[resource] {
		if filter != nil {
			matched, err := queryshape.EvaluateWhere(filter, payloadRow{id, payload})
			if err != nil {
				return nil, err
			}
			if !matched {
				continue
			}
		}
		out[id] = payload
	}
	return out, nil
}

func (s *Store) GetOne(_ context.Context, resource, id string) (lww.Payload, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.rows[resource][id]
	return payload, ok, nil
}

func (s *Store) BatchGet(_ context.Context, resource string, ids []string) (map[string]lww.Payload, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]lww.Payload, len(ids))
	for _, id := range ids {
		if payload, ok := s.rows[resource][id]; ok {
			out[id] = payload
		}
	}
	return out, nil
}

func (s *Store) Insert(_ context.Context, resource, id string, row lww.Payload) error {
	unlock := s.keyLocks.Lock(resource, id)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[resource] == nil {
		s.rows[resource] = make(map[string]lww.Payload)
	}
	if _, exists := s.rows[resource][id]; exists {
		return fmt.Errorf("memstore: row %s/%s already exists", resource, id)
	}
	s.rows[resource][id] = clonePayload(row)
	return nil
}

func (s *Store) Update(_ context.Context, resource, id string, patch lww.Payload) error {
	unlock := s.keyLocks.Lock(resource, id)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rows[resource] == nil {
		s.rows[resource] = make(map[string]lww.Payload)
	}
	existing := s.rows[resource][id]
	if existing == nil {
		existing = make(lww.Payload)
	}
	for field, fv := range patch {
		existing[field] = fv
	}
	s.rows[resource][id] = existing
	return nil
}

func clonePayload(p lww.Payload) lww.Payload {
	out := make(lww.Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// payloadRow adapts a raw lww.Payload to queryshape.RowAccessor for
// scalar-field filtering. Relations never resolve here — by the time a
// filter reaches storage, the query engine has already split any
// relation-joined predicate into its own query step (spec.md §4.5).
type payloadRow struct {
	id      string
	payload lww.Payload
}

func (r payloadRow) Field(name string) (any, bool) {
	if name == "id" {
		return r.id, true
	}
	fv, ok := r.payload[name]
	if !ok {
		return nil, false
	}
	return fv.Value, true
}

func (r payloadRow) Relation(string) ([]queryshape.RowAccessor, bool) {
	return nil, false
}
