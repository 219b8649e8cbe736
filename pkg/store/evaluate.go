package store

import (
	"fmt"
	"sort"

	"github.com/liveframe/liveframe/pkg/lww"
	"github.com/liveframe/liveframe/pkg/queryshape"
	"github.com/liveframe/liveframe/pkg/schema"
)

// evaluate walks the pool for query.Resource, applying where/sort/limit,
// and materialises query.Include for each surviving row. Must be called
// with s.mu held.
func (s *Store) evaluate(query queryshape.RawQueryRequest) ([]map[string]any, error) {
	res, err := s.registry.Get(query.Resource)
	if err != nil {
		return nil, err
	}

	var candidateIDs []string
	if litID, ok := literalIDFilter(query.Where); ok {
		if _, exists := s.pool[query.Resource][litID]; exists {
			candidateIDs = []string{litID}
		}
	} else {
		candidateIDs = s.order[query.Resource]
	}

	var matchedIDs []string
	var sortRows []queryshape.Row
	for _, id := range candidateIDs {
		obj := s.pool[query.Resource][id]
		if obj == nil {
			continue
		}
		row := &poolRow{store: s, resource: query.Resource, id: id, obj: obj}
		ok, err := queryshape.EvaluateWhere(query.Where, row)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		matchedIDs = append(matchedIDs, id)
		if len(query.Sort) > 0 {
			sortRows = append(sortRows, queryshape.Row{ID: id, Fields: fieldSnapshot(obj)})
		}
		// filterWithLimit short-circuit: only valid without a sort, since
		// insertion order is the only order we can guarantee ahead of time.
		if query.Limit > 0 && len(query.Sort) == 0 && len(matchedIDs) >= query.Limit {
			break
		}
	}

	if len(query.Sort) > 0 {
		queryshape.SortRows(sortRows, query.Sort)
		matchedIDs = matchedIDs[:0]
		for _, r := range sortRows {
			matchedIDs = append(matchedIDs, r.ID)
		}
	}
	if query.Limit > 0 && len(matchedIDs) > query.Limit {
		matchedIDs = matchedIDs[:query.Limit]
	}

	out := make([]map[string]any, 0, len(matchedIDs))
	for _, id := range matchedIDs {
		obj := s.pool[query.Resource][id]
		materialized, err := s.materialize(res, query.Resource, id, obj, query.Include)
		if err != nil {
			return nil, err
		}
		out = append(out, materialized)
	}
	return out, nil
}

// materialize builds the flat-field-plus-nested-relations row shape
// documented in SPEC_FULL.md's bootstrap payload: "id" plus every
// declared scalar field, plus one entry per requested include.
func (s *Store) materialize(res *schema.Resource, resourceName, id string, obj *lww.Object, include queryshape.Include) (map[string]any, error) {
	out := map[string]any{"id": id}
	for _, fname := range res.FieldNames() {
		v, _ := obj.Get(fname)
		out[fname] = v
	}

	for relName, nested := range include {
		rel, ok := res.Relation(relName)
		if !ok {
			return nil, fmt.Errorf("store: %q is not a declared relation of %q", relName, resourceName)
		}
		targetRes, err := s.registry.Get(rel.Target)
		if err != nil {
			return nil, err
		}
		var nestedQuery queryshape.RawQueryRequest
		if nested != nil {
			nestedQuery = *nested
		}

		switch rel.Kind {
		case schema.RelationOne:
			targetID, ok := s.graph.Reference(id, rel.Field)
			if !ok {
				out[relName] = nil
				continue
			}
			targetObj := s.pool[rel.Target][targetID]
			if targetObj == nil {
				out[relName] = nil
				continue
			}
			child, err := s.materialize(targetRes, rel.Target, targetID, targetObj, nestedQuery.Include)
			if err != nil {
				return nil, err
			}
			out[relName] = child

		case schema.RelationMany:
			ids := s.graph.ReferencedBy(id, rel.Field)
			sort.Strings(ids)
			children := make([]map[string]any, 0, len(ids))
			for _, childID := range ids {
				childObj := s.pool[rel.Target][childID]
				if childObj == nil {
					continue
				}
				if nestedQuery.Where != nil {
					row := &poolRow{store: s, resource: rel.Target, id: childID, obj: childObj}
					matched, err := queryshape.EvaluateWhere(nestedQuery.Where, row)
					if err != nil {
						return nil, err
					}
					if !matched {
						continue
					}
				}
				child, err := s.materialize(targetRes, rel.Target, childID, childObj, nestedQuery.Include)
				if err != nil {
					return nil, err
				}
				children = append(children, child)
			}
			out[relName] = children
		}
	}
	return out, nil
}

func fieldSnapshot(obj *lww.Object) map[string]any {
	out := make(map[string]any, len(obj.Values))
	for name, fv := range obj.Values {
		out[name] = fv.Value
	}
	return out
}

// literalIDFilter recognises the §4.8 fast-path shape `where.id` bound to
// a plain literal (not an operator map), which lets Get skip the pool
// scan entirely.
func literalIDFilter(where queryshape.Where) (string, bool) {
	raw, ok := where["id"]
	if !ok {
		return "", false
	}
	id, ok := raw.(string)
	return id, ok
}

// poolRow adapts a pool entry to queryshape.RowAccessor so the shared
// where-evaluator can traverse both scalar fields and declared relations
// without knowing about pkg/lww or pkg/graph.
type poolRow struct {
	store    *Store
	resource string
	id       string
	obj      *lww.Object
}

func (r *poolRow) Field(name string) (any, bool) {
	if name == "id" {
		return r.id, true
	}
	res, err := r.store.registry.Get(r.resource)
	if err != nil {
		return nil, false
	}
	if _, declared := res.Field(name); !declared {
		return nil, false
	}
	return r.obj.Get(name)
}

func (r *poolRow) Relation(name string) ([]queryshape.RowAccessor, bool) {
	res, err := r.store.registry.Get(r.resource)
	if err != nil {
		return nil, false
	}
	rel, ok := res.Relation(name)
	if !ok {
		return nil, false
	}
	switch rel.Kind {
	case schema.RelationOne:
		targetID, ok := r.store.graph.Reference(r.id, rel.Field)
		if !ok {
			return nil, true
		}
		obj := r.store.pool[rel.Target][targetID]
		if obj == nil {
			return nil, true
		}
		return []queryshape.RowAccessor{&poolRow{store: r.store, resource: rel.Target, id: targetID, obj: obj}}, true
	case schema.RelationMany:
		ids := r.store.graph.ReferencedBy(r.id, rel.Field)
		sort.Strings(ids)
		out := make([]queryshape.RowAccessor, 0, len(ids))
		for _, sourceID := range ids {
			obj := r.store.pool[rel.Target][sourceID]
			if obj != nil {
				out = append(out, &poolRow{store: r.store, resource: rel.Target, id: sourceID, obj: obj})
			}
		}
		return out, true
	default:
		return nil, false
	}
}
