package query

import (
	"context"
	"fmt"

	"github.com/liveframe/liveframe/pkg/queryshape"
	"github.com/liveframe/liveframe/pkg/schema"
)

// DynamicBuilder is the untyped counterpart to Builder[R], for hosts that
// can't use generics (spec.md §4.9's "scripting embedders"): Include
// accepts a bare string, and an unknown relation name is a runtime error
// raised at BuildQueryRequest time instead of a compile error.
type DynamicBuilder struct {
	registry *schema.Registry
	transport Transport
	resource  string
	where     queryshape.Where
	include   queryshape.Include
	limit     int
	sort      []queryshape.Sort
	single    bool
}

// NewDynamicBuilder starts an unfiltered query over resource, validated
// against registry when built.
func NewDynamicBuilder(registry *schema.Registry, transport Transport, resource string) DynamicBuilder {
	return DynamicBuilder{registry: registry, transport: transport, resource: resource}
}

func (b DynamicBuilder) Where(w queryshape.Where) DynamicBuilder {
	nb := b
	nb.where = w
	return nb
}

func (b DynamicBuilder) Include(relations ...string) DynamicBuilder {
	nb := b
	include := make(queryshape.Include, len(b.include)+len(relations))
	for k, v := range b.include {
		include[k] = v
	}
	for _, r := range relations {
		include[r] = nil
	}
	nb.include = include
	return nb
}

func (b DynamicBuilder) IncludeQuery(relation string, nested queryshape.RawQueryRequest) DynamicBuilder {
	nb := b
	include := make(queryshape.Include, len(b.include)+1)
	for k, v := range b.include {
		include[k] = v
	}
	nestedCopy := nested
	nestedCopy.Resource = ""
	include[relation] = &nestedCopy
	nb.include = include
	return nb
}

func (b DynamicBuilder) Limit(n int) DynamicBuilder {
	nb := b
	nb.limit = n
	return nb
}

func (b DynamicBuilder) OrderBy(key string, desc bool) DynamicBuilder {
	nb := b
	nb.sort = append(append([]queryshape.Sort{}, b.sort...), queryshape.Sort{Key: key, Desc: desc})
	return nb
}

func (b DynamicBuilder) One(id string) DynamicBuilder {
	nb := b
	nb.single = true
	nb.where = queryshape.Where{"id": id}
	return nb
}

func (b DynamicBuilder) First(w queryshape.Where) DynamicBuilder {
	nb := b
	nb.single = true
	nb.limit = 1
	if w != nil {
		nb.where = mergeWhere(b.where, w)
	}
	return nb
}

// BuildQueryRequest validates every include key against the resource's
// declared relations (recursively for nested includes) and renders the
// query — spec.md §4.9's "runtime error in untyped ports" clause.
func (b DynamicBuilder) BuildQueryRequest() (queryshape.RawQueryRequest, error) {
	if err := validateInclude(b.registry, b.resource, b.include); err != nil {
		return queryshape.RawQueryRequest{}, err
	}
	return queryshape.RawQueryRequest{
		Resource: b.resource,
		Where:    b.where,
		Include:  b.include,
		Limit:    b.limit,
		Sort:     b.sort,
	}, nil
}

func validateInclude(registry *schema.Registry, resourceName string, include queryshape.Include) error {
	if len(include) == 0 {
		return nil
	}
	res, err := registry.Get(resourceName)
	if err != nil {
		return err
	}
	for relName, nested := range include {
		rel, ok := res.Relation(relName)
		if !ok {
			return fmt.Errorf("query: %q is not a declared relation of %q", relName, resourceName)
		}
		if nested != nil {
			if err := validateInclude(registry, rel.Target, nested.Include); err != nil {
				return err
			}
		}
	}
	return nil
}

// Get evaluates the query once against transport.
func (b DynamicBuilder) Get(ctx context.Context) (Result, error) {
	q, err := b.BuildQueryRequest()
	if err != nil {
		return Result{}, err
	}
	rows, err := b.transport.Get(ctx, q, "", false)
	if err != nil {
		return Result{}, err
	}
	return Result{rows: rows, single: b.single}, nil
}

// Subscribe registers a live query against transport.
func (b DynamicBuilder) Subscribe(cb func(Result)) (func(), error) {
	q, err := b.BuildQueryRequest()
	if err != nil {
		return nil, err
	}
	return b.transport.Subscribe(q, func(rows []map[string]any) {
		cb(Result{rows: rows, single: b.single})
	})
}
