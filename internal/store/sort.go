package store

import (
	"cmp"
	"slices"
	"strconv"

	"github.com/agentic-research/incidnav/api"
)

// Sort orders rows in place by keys. The sort is stable so rows with equal
// keys keep their fetched order. NULLs sort first.
func Sort(rows []Row, by []api.SortKey) {
	if len(by) == 0 || len(rows) < 2 {
		return
	}
	slices.SortStableFunc(rows, func(a, b Row) int {
		for _, k := range by {
			c := compareValues(a[k.Column], b[k.Column])
			if k.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		return 0
	})
}

// Select returns a sorted copy of rows, leaving the input untouched.
func Select(rows []Row, by []api.SortKey) []Row {
	out := slices.Clone(rows)
	Sort(out, by)
	return out
}

func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			return cmp.Compare(fa, fb)
		}
	}
	return cmp.Compare(Row{"v": a}.String("v"), Row{"v": b}.String("v"))
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case float64:
		return x, true
	case string:
		// Numeric text columns (sort_order stored as TEXT) still sort numerically.
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
