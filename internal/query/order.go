package query

import (
	"fmt"
	"sort"
	"strings"
)

// Row is the query's view of one record.
type Row struct {
	ID          string
	Seq         int64 // creation order within the session
	CreatedTime string
	Cells       map[string]any
}

// Evaluate filters and orders rows. Ties keep creation order. Rows whose
// filter evaluation fails are left out and the first error is returned with
// the result.
func Evaluate(rows []Row, n Normalized, filter *Filter, names map[string]string) ([]string, error) {
	var firstErr error
	kept := make([]Row, 0, len(rows))
	for _, row := range rows {
		ok, err := filter.Match(row, names)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			kept = append(kept, row)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Seq < kept[j].Seq })
	if len(n.Sorts) > 0 {
		sort.SliceStable(kept, func(i, j int) bool {
			for _, s := range n.Sorts {
				c := Compare(kept[i].Cells[s.Field], kept[j].Cells[s.Field])
				if c == 0 {
					continue
				}
				if s.Direction == Desc {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}

	ids := make([]string, len(kept))
	for i, row := range kept {
		ids[i] = row.ID
	}
	return ids, firstErr
}

// Compare orders cell values. Empty values sort first, then bools, numbers
// and text. Select choices and links compare by their display text.
func Compare(a, b any) int {
	ra, rb := rankOf(a), rankOf(b)
	if ra != rb {
		return ra - rb
	}
	switch x := a.(type) {
	case nil:
		return 0
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	}
	return strings.Compare(strings.ToLower(Text(a)), strings.ToLower(Text(b)))
}

func rankOf(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	}
	if Text(v) == "" {
		return 0
	}
	return 3
}

// Text renders a cell value as display text.
func Text(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case map[string]any:
		if name, ok := x["name"].(string); ok {
			return name
		}
		if id, ok := x["id"].(string); ok {
			return id
		}
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			parts = append(parts, Text(item))
		}
		return strings.Join(parts, ", ")
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}
