package query

import (
	"context"

	"github.com/liveframe/liveframe/pkg/queryshape"
)

// ResourceShape is implemented by a per-resource marker type identifying
// which resource a Builder[R] queries. Application code typically
// declares one empty struct per resource (e.g. `type Posts struct{}`)
// plus a set of typed relation constants for it (see RelationOf) —
// that's the whole "codegen" a typed port needs here.
type ResourceShape interface {
	ResourceName() string
}

// RelationOf is a relation name scoped to resource type R, so passing a
// Users relation constant to a Builder[Posts] is a compile error instead
// of a runtime one (spec.md §4.9: "unknown keys are a compile-time error
// for statically typed ports").
type RelationOf[R ResourceShape] string

// Builder is the immutable query builder spec.md §4.9 describes. Every
// method returns a fresh Builder; the zero value is not usable — build
// one with NewBuilder.
type Builder[R ResourceShape] struct {
	transport Transport
	resource  string
	where     queryshape.Where
	include   queryshape.Include
	limit     int
	sort      []queryshape.Sort
	single    bool
}

// NewBuilder starts an unfiltered query over R's resource, backed by
// transport.
func NewBuilder[R ResourceShape](transport Transport) Builder[R] {
	var zero R
	return Builder[R]{transport: transport, resource: zero.ResourceName()}
}

// Where replaces the builder's predicate.
func (b Builder[R]) Where(w queryshape.Where) Builder[R] {
	nb := b
	nb.where = w
	return nb
}

// Include adds bare ("true") includes for the given relations, each
// checked at compile time against R's declared RelationOf[R] constants.
func (b Builder[R]) Include(relations ...RelationOf[R]) Builder[R] {
	nb := b
	include := make(queryshape.Include, len(b.include)+len(relations))
	for k, v := range b.include {
		include[k] = v
	}
	for _, r := range relations {
		include[string(r)] = nil
	}
	nb.include = include
	return nb
}

// IncludeQuery adds a filtered/nested include: relation's target rows are
// further constrained by nested (its Resource field is ignored — it's
// inferred from the relation, per spec.md §4.5).
func (b Builder[R]) IncludeQuery(relation RelationOf[R], nested queryshape.RawQueryRequest) Builder[R] {
	nb := b
	include := make(queryshape.Include, len(b.include)+1)
	for k, v := range b.include {
		include[k] = v
	}
	nestedCopy := nested
	nestedCopy.Resource = ""
	include[string(relation)] = &nestedCopy
	nb.include = include
	return nb
}

// Limit caps the number of root-level rows returned.
func (b Builder[R]) Limit(n int) Builder[R] {
	nb := b
	nb.limit = n
	return nb
}

// OrderBy appends a sort key (stable, applied in the order added).
func (b Builder[R]) OrderBy(key string, desc bool) Builder[R] {
	nb := b
	nb.sort = append(append([]queryshape.Sort{}, b.sort...), queryshape.Sort{Key: key, Desc: desc})
	return nb
}

// One narrows the query to a single id and sets the single-collapsing
// flag.
func (b Builder[R]) One(id string) Builder[R] {
	nb := b
	nb.single = true
	nb.where = queryshape.Where{"id": id}
	return nb
}

// First sets the single-collapsing flag, optionally narrowing by an
// additional predicate, and caps matching to the first row found.
func (b Builder[R]) First(w queryshape.Where) Builder[R] {
	nb := b
	nb.single = true
	nb.limit = 1
	if w != nil {
		nb.where = mergeWhere(b.where, w)
	}
	return nb
}

// BuildQueryRequest renders the builder to the wire/store query shape.
func (b Builder[R]) BuildQueryRequest() queryshape.RawQueryRequest {
	return queryshape.RawQueryRequest{
		Resource: b.resource,
		Where:    b.where,
		Include:  b.include,
		Limit:    b.limit,
		Sort:     b.sort,
	}
}

// Get evaluates the query once against transport.
func (b Builder[R]) Get(ctx context.Context) (Result, error) {
	rows, err := b.transport.Get(ctx, b.BuildQueryRequest(), "", false)
	if err != nil {
		return Result{}, err
	}
	return Result{rows: rows, single: b.single}, nil
}

// Subscribe registers a live query against transport, delivering an
// initial synchronous snapshot and every subsequent change, until the
// returned unsubscribe is called.
func (b Builder[R]) Subscribe(cb func(Result)) (func(), error) {
	return b.transport.Subscribe(b.BuildQueryRequest(), func(rows []map[string]any) {
		cb(Result{rows: rows, single: b.single})
	})
}

func mergeWhere(base, extra queryshape.Where) queryshape.Where {
	merged := make(queryshape.Where, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
