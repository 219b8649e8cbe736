package queryshape

import "sort"

// Compare orders two scalar values per spec.md §4.5: native ordering on
// strings (code-point) and numbers; for mixed types the rank is numbers
// before strings before booleans. ok is false only when a or b is nil —
// callers handle null placement themselves (nulls sort last ascending,
// first descending).
func Compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1, true
		}
		return 1, true
	}
	switch ra {
	case rankNumber:
		av, bv := toFloat(a), toFloat(b)
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	case rankString:
		av, bv := a.(string), b.(string)
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		default:
			return 0, true
		}
	default: // rankBool
		av, bv := a.(bool), b.(bool)
		if av == bv {
			return 0, true
		}
		if !av && bv {
			return -1, true
		}
		return 1, true
	}
}

const (
	rankNumber = iota
	rankString
	rankBool
)

func typeRank(v any) int {
	switch v.(type) {
	case float64, float32, int, int32, int64:
		return rankNumber
	case string:
		return rankString
	case bool:
		return rankBool
	default:
		return rankString
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// Row pairs a row's id with the field values needed to compare it against
// its siblings under a sort spec. SortRows does not read ID: ties keep the
// rows' order in the input slice.
type Row struct {
	ID     string
	Fields map[string]any
}

// SortRows stably orders rows by sorts in sequence, falling back to
// insertion order (the original slice order) on a full tie — spec.md
// §4.5: "ties are broken by insertion order of ids". Nulls sort last
// ascending, first descending.
func SortRows(rows []Row, sorts []Sort) {
	sort.SliceStable(rows, func(i, j int) bool {
		for _, s := range sorts {
			vi, vj := rows[i].Fields[s.Key], rows[j].Fields[s.Key]
			if vi == nil && vj == nil {
				continue
			}
			if vi == nil || vj == nil {
				isNilFirst := vi == nil
				if s.Desc {
					return isNilFirst
				}
				return !isNilFirst
			}
			c, ok := Compare(vi, vj)
			if !ok || c == 0 {
				continue
			}
			if s.Desc {
				return c > 0
			}
			return c < 0
		}
		return false // stable sort preserves original (insertion) order on a tie
	})
}
