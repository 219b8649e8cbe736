// Package lww implements the per-field last-writer-wins merge codec that is
// the consistency core of the sync engine: spec.md §3 and §4.1.
package lww

// FieldValue is a single field's value plus the timestamp it was written at.
// Timestamps are ISO 8601 UTC strings with a fixed width, so lexicographic
// string comparison is equivalent to time ordering (spec.md §4.1).
type FieldValue struct {
	Value     any    `json:"value"`
	Timestamp string `json:"-"`
}

// Object is the materialised, per-field record spec.md §3 calls the
// "materialised object": one FieldValue per declared field, plus an object
// timestamp that is the max of every field's timestamp.
type Object struct {
	Values    map[string]FieldValue
	Timestamp string
}

// Payload is the wire/merge-input shape: the subset of fields a mutation
// carries, each with its own timestamp. INSERT payloads may be partial
// (defaults and nulls fill the rest); UPDATE payloads name only the fields
// being changed.
type Payload map[string]FieldValue

// Clone returns a deep-enough copy of o for callers that mutate the result
// in place (the store writes merged objects into its pool and must not
// alias the previous row).
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	values := make(map[string]FieldValue, len(o.Values))
	for k, v := range o.Values {
		values[k] = v
	}
	return &Object{Values: values, Timestamp: o.Timestamp}
}

// Get returns the current value of a field, or (nil, false) if the field has
// never been materialised on this object.
func (o *Object) Get(field string) (any, bool) {
	if o == nil {
		return nil, false
	}
	fv, ok := o.Values[field]
	if !ok {
		return nil, false
	}
	return fv.Value, true
}

// ReferenceChange describes a reference field whose target changed as the
// result of a merge, so the caller (store.addMutation) can relink the
// object graph in the same critical section spec.md §3's invariants
// require.
type ReferenceChange struct {
	Field     string
	OldTarget string // "" if the field had no previous value
	NewTarget string // "" if the field's new value is null
}
