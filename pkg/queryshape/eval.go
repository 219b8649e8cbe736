package queryshape

import "fmt"

// RowAccessor lets EvaluateWhere read a candidate row's fields and
// traverse its declared relations without knowing whether the row lives
// in the client pool (pkg/store) or behind server storage (pkg/queryengine).
type RowAccessor interface {
	// Field returns the row's value for a scalar field, and whether that
	// field is declared on the row's resource at all.
	Field(name string) (value any, ok bool)
	// Relation returns the rows reached by following a declared relation
	// (0 or 1 for a "one" relation, 0..N for a "many" relation), and
	// whether the relation is declared at all.
	Relation(name string) ([]RowAccessor, bool)
}

// EvaluateWhere reports whether row satisfies where. An unknown field or
// relation name is an error rather than a silent non-match (mirrors a
// malformed include failing the plan).
func EvaluateWhere(where Where, row RowAccessor) (bool, error) {
	for key, raw := range where {
		ok, err := evalEntry(key, raw, row)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalEntry(key string, raw any, row RowAccessor) (bool, error) {
	switch key {
	case OpAnd:
		clauses, err := asWhereSlice(raw)
		if err != nil {
			return false, err
		}
		for _, c := range clauses {
			ok, err := EvaluateWhere(c, row)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		clauses, err := asWhereSlice(raw)
		if err != nil {
			return false, err
		}
		for _, c := range clauses {
			ok, err := EvaluateWhere(c, row)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		w, ok := raw.(Where)
		if !ok {
			return false, fmt.Errorf("queryshape: $not expects a nested where clause")
		}
		matched, err := EvaluateWhere(w, row)
		if err != nil {
			return false, err
		}
		return !matched, nil
	default:
		return evalFieldOrRelation(key, raw, row)
	}
}

func evalFieldOrRelation(key string, raw any, row RowAccessor) (bool, error) {
	if value, isField := row.Field(key); isField {
		return evalFieldPredicate(value, raw)
	}
	if related, isRelation := row.Relation(key); isRelation {
		nested, ok := raw.(Where)
		if !ok {
			return false, fmt.Errorf("queryshape: relation predicate for %q must be a nested where clause", key)
		}
		for _, r := range related {
			ok, err := EvaluateWhere(nested, r)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("queryshape: %q is not a declared field or relation", key)
}

func evalFieldPredicate(value, raw any) (bool, error) {
	ops, isOps := raw.(map[string]any)
	if !isOps {
		return compareEqual(value, raw), nil
	}
	for op, operand := range ops {
		var ok bool
		var err error
		switch op {
		case OpEq:
			ok = compareEqual(value, operand)
		case OpIn:
			ok, err = evalIn(value, operand)
		case OpGt:
			ok, err = evalCompare(value, operand, func(c int) bool { return c > 0 })
		case OpGte:
			ok, err = evalCompare(value, operand, func(c int) bool { return c >= 0 })
		case OpLt:
			ok, err = evalCompare(value, operand, func(c int) bool { return c < 0 })
		case OpLte:
			ok, err = evalCompare(value, operand, func(c int) bool { return c <= 0 })
		default:
			return false, fmt.Errorf("queryshape: unknown field operator %q", op)
		}
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalIn(value, operand any) (bool, error) {
	items, ok := operand.([]any)
	if !ok {
		return false, fmt.Errorf("queryshape: $in expects a list operand")
	}
	for _, item := range items {
		if compareEqual(value, item) {
			return true, nil
		}
	}
	return false, nil
}

func evalCompare(value, operand any, accept func(int) bool) (bool, error) {
	c, ok := Compare(value, operand)
	if !ok {
		return false, nil
	}
	return accept(c), nil
}

func compareEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	c, ok := Compare(a, b)
	return ok && c == 0
}

func asWhereSlice(raw any) ([]Where, error) {
	items, ok := raw.([]Where)
	if !ok {
		return nil, fmt.Errorf("queryshape: $and/$or expect a list of where clauses")
	}
	return items, nil
}
