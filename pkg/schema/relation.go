package schema

// RelationKind distinguishes the two navigation directions a foreign key
// induces: one(T, "x") on the owning resource, many(F, "x") on the target.
type RelationKind int

const (
	// RelationOne is a singular navigation from the resource holding the
	// foreign key to the referenced row. May be Optional.
	RelationOne RelationKind = iota
	// RelationMany is the inverse: an unordered set of rows referencing this
	// one, read at query time from the object graph's referencedBy index.
	RelationMany
)

// Relation is a declared navigation between two resources.
type Relation struct {
	Name string
	Kind RelationKind

	// Target is the resource reached by following this relation.
	Target string

	// Field is the underlying reference field name that carries the edge:
	// for a RelationOne it's a field on the relation's own resource; for a
	// RelationMany it's the field on the Target, the resource whose rows
	// hold the reference back to this one.
	Field string

	// Optional marks a RelationOne that may resolve to no row (the
	// underlying field is nullable).
	Optional bool
}
