// Package queryshape defines the recursive query request shape spec.md
// §4.5 and §4.9 share between the server query engine and the client
// query DSL: a `where` predicate tree, an `include` relation tree, and
// sort/limit. Both pkg/store and pkg/queryengine evaluate the same shape
// against their own row source via the RowAccessor interface.
package queryshape

// Where is a recursive predicate. Each key is either:
//   - an operator ("$and", "$or", "$not") whose value is itself Where-shaped
//     (or a slice of Where for $and/$or),
//   - a field name whose value is either a literal (equality shorthand) or
//     an operator map ({"$eq": v, "$in": [...], "$gt": v, ...}),
//   - a relation name whose value is a nested Where, descending into a
//     reference-joined predicate (spec.md §4.5: "nested objects descend
//     into reference-joined predicates").
type Where map[string]any

// Op names recognised in a Where. $and, $or and $not are read as top-level
// keys; the rest are recognised inside a field's predicate value.
const (
	OpEq  = "$eq"
	OpIn  = "$in"
	OpNot = "$not"
	OpGt  = "$gt"
	OpGte = "$gte"
	OpLt  = "$lt"
	OpLte = "$lte"
	OpAnd = "$and"
	OpOr  = "$or"
)

// Sort is one key of a multi-key ORDER BY.
type Sort struct {
	Key  string
	Desc bool
}

// RawQueryRequest is `{ resource, where?, include?, limit?, sort? }` from
// spec.md §4.5. Resource is empty for a nested include step, where it's
// inferred from the relation being descended into.
type RawQueryRequest struct {
	Resource string
	Where    Where
	Include  Include
	Limit    int
	Sort     []Sort
}

// Include maps a relation name to either "just include it" (nil value) or
// a nested RawQueryRequest applying further where/include/limit/sort to
// that relation's target rows.
type Include map[string]*RawQueryRequest
