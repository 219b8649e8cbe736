package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/liveframe/liveframe/pkg/lww"
	"github.com/liveframe/liveframe/pkg/schema"
)

const metaStackPrefix = "meta:mutationStack:"

func rowKey(resource, id string) string {
	return "row:" + resource + ":" + id
}

// persistedFieldValue mirrors lww.FieldValue but keeps Timestamp on the
// wire — lww.FieldValue tags it json:"-" because pkg/wire carries it
// under a separate `_meta` object, but kv persistence has no such
// sibling field to borrow, so it needs its own JSON shape.
type persistedFieldValue struct {
	Value     any    `json:"value"`
	Timestamp string `json:"timestamp"`
}

type persistedObject struct {
	Values    map[string]persistedFieldValue `json:"values"`
	Timestamp string                         `json:"timestamp"`
}

func toPersistedObject(obj *lww.Object) persistedObject {
	values := make(map[string]persistedFieldValue, len(obj.Values))
	for name, fv := range obj.Values {
		values[name] = persistedFieldValue{Value: fv.Value, Timestamp: fv.Timestamp}
	}
	return persistedObject{Values: values, Timestamp: obj.Timestamp}
}

func fromPersistedObject(p persistedObject) *lww.Object {
	values := make(map[string]lww.FieldValue, len(p.Values))
	for name, fv := range p.Values {
		values[name] = lww.FieldValue{Value: fv.Value, Timestamp: fv.Timestamp}
	}
	return &lww.Object{Values: values, Timestamp: p.Timestamp}
}

type persistedMutation struct {
	ID         string                         `json:"id"`
	Resource   string                         `json:"resource"`
	ResourceID string                         `json:"resourceId"`
	Procedure  lww.Procedure                  `json:"procedure"`
	Payload    map[string]persistedFieldValue `json:"payload"`
	Optimistic bool                           `json:"optimistic"`
}

func toPersistedMutation(m Mutation) persistedMutation {
	payload := make(map[string]persistedFieldValue, len(m.Payload))
	for name, fv := range m.Payload {
		payload[name] = persistedFieldValue{Value: fv.Value, Timestamp: fv.Timestamp}
	}
	return persistedMutation{
		ID: m.ID, Resource: m.Resource, ResourceID: m.ResourceID,
		Procedure: m.Procedure, Payload: payload, Optimistic: m.Optimistic,
	}
}

func fromPersistedMutation(p persistedMutation) Mutation {
	payload := make(lww.Payload, len(p.Payload))
	for name, fv := range p.Payload {
		payload[name] = lww.FieldValue{Value: fv.Value, Timestamp: fv.Timestamp}
	}
	return Mutation{
		ID: p.ID, Resource: p.Resource, ResourceID: p.ResourceID,
		Procedure: p.Procedure, Payload: payload, Optimistic: p.Optimistic,
	}
}

func (s *Store) persistStack(ctx context.Context, resource string) error {
	stack := s.stack[resource]
	persisted := make([]persistedMutation, len(stack))
	for i, m := range stack {
		persisted[i] = toPersistedMutation(m)
	}
	b, err := json.Marshal(persisted)
	if err != nil {
		return fmt.Errorf("store: marshal mutation stack for %q: %w", resource, err)
	}
	return s.kv.Set(ctx, metaStackPrefix+resource, b)
}

func (s *Store) persistRow(ctx context.Context, resource, id string) error {
	obj, ok := s.pool[resource][id]
	if !ok {
		return s.kv.Delete(ctx, rowKey(resource, id))
	}
	b, err := json.Marshal(toPersistedObject(obj))
	if err != nil {
		return fmt.Errorf("store: marshal row %s/%s: %w", resource, id, err)
	}
	return s.kv.Set(ctx, rowKey(resource, id), b)
}

// Hydrate rebuilds the pool, object graph, and optimistic stacks from kv,
// for a client resuming a previous process. Call once, before any
// AddMutation. If the persisted schemaHash doesn't match the current
// registry's, per spec.md §6 the caller should instead wipe kv and start
// from a fresh SYNC rather than calling Hydrate.
func (s *Store) Hydrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, res := range s.registry.Resources() {
		resourceName := res.Name
		keys, err := s.kv.Keys(ctx, "row:"+resourceName+":")
		if err != nil {
			return err
		}
		for _, key := range keys {
			raw, ok, err := s.kv.Get(ctx, key)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			var persisted persistedObject
			if err := json.Unmarshal(raw, &persisted); err != nil {
				return fmt.Errorf("store: hydrate %s: %w", key, err)
			}
			id := strings.TrimPrefix(key, "row:"+resourceName+":")
			if s.pool[resourceName] == nil {
				s.pool[resourceName] = make(map[string]*lww.Object)
			}
			s.pool[resourceName][id] = fromPersistedObject(persisted)
			s.order[resourceName] = append(s.order[resourceName], id)
			s.graph.EnsureNode(id, resourceName)
		}

		stackRaw, ok, err := s.kv.Get(ctx, metaStackPrefix+resourceName)
		if err != nil {
			return err
		}
		if ok {
			var persisted []persistedMutation
			if err := json.Unmarshal(stackRaw, &persisted); err != nil {
				return fmt.Errorf("store: hydrate stack %q: %w", resourceName, err)
			}
			stack := make([]Mutation, len(persisted))
			for i, p := range persisted {
				stack[i] = fromPersistedMutation(p)
			}
			s.stack[resourceName] = stack
		}
	}

	// Second pass: every node now exists, so reference-field edges can be
	// relinked without hitting "unknown target node" on forward references.
	for _, res := range s.registry.Resources() {
		for id, obj := range s.pool[res.Name] {
			for _, fname := range res.FieldNames() {
				field, _ := res.Field(fname)
				if field.Kind != schema.KindReference {
					continue
				}
				v, ok := obj.Get(fname)
				if !ok || v == nil {
					continue
				}
				targetID, _ := v.(string)
				if targetID == "" {
					continue
				}
				if err := s.graph.CreateLink(id, targetID, fname); err != nil {
					return fmt.Errorf("store: hydrate relink %s.%s: %w", res.Name, fname, err)
				}
			}
		}
	}
	return nil
}
