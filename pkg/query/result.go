package query

// Result wraps a query's matched rows, collapsing to a single row when
// the builder was built with One or First (spec.md §4.9's `single` flag).
type Result struct {
	rows   []map[string]any
	single bool
}

// Rows returns every matched row. For a single-collapsing builder this is
// always 0 or 1 element; use One for the collapsed accessor.
func (r Result) Rows() []map[string]any {
	return r.rows
}

// One returns the first row and true, or (nil, false) if there were no
// matches — the Go equivalent of the DSL's "collapses to the first
// element or undefined".
func (r Result) One() (map[string]any, bool) {
	if len(r.rows) == 0 {
		return nil, false
	}
	return r.rows[0], true
}

// Single reports whether this result came from a One/First builder.
func (r Result) Single() bool {
	return r.single
}
