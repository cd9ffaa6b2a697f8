package remote

import (
	"cmp"
	"encoding/json"
	"slices"
)

// Op is a filter operator.
type Op string

const (
	OpEq            Op = "=="
	OpArrayContains Op = "array-contains"
	OpLT            Op = "<"
	OpLTE           Op = "<="
	OpGT            Op = ">"
	OpGTE           Op = ">="
)

// Filter is a predicate on one document field.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query selects documents of a collection. Results are ordered ascending by
// OrderBy (then by id) and truncated to Limit when it is positive.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Limit      int
}

// Where returns a copy of q with an extra filter.
func (q Query) Where(field string, op Op, value any) Query {
	q.Filters = append(slices.Clone(q.Filters), Filter{Field: field, Op: op, Value: value})
	return q
}

// Match reports whether d satisfies every filter of q.
func (q Query) Match(d Document) bool {
	for _, f := range q.Filters {
		if !f.match(d.Fields[f.Field]) {
			return false
		}
	}
	return true
}

// Apply filters, orders and limits docs. docs is not modified.
func (q Query) Apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.Match(d) {
			out = append(out, d)
		}
	}
	slices.SortStableFunc(out, func(a, b Document) int {
		if q.OrderBy != "" {
			if c := compareOrder(a.Fields[q.OrderBy], b.Fields[q.OrderBy]); c != 0 {
				return c
			}
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (f Filter) match(v any) bool {
	switch f.Op {
	case OpEq:
		c, ok := compareValues(v, f.Value)
		return ok && c == 0
	case OpArrayContains:
		items, ok := v.([]any)
		if !ok {
			if strs, isStrs := v.([]string); isStrs {
				items = make([]any, len(strs))
				for i, s := range strs {
					items[i] = s
				}
			}
		}
		for _, item := range items {
			if c, ok := compareValues(item, f.Value); ok && c == 0 {
				return true
			}
		}
		return false
	case OpLT, OpLTE, OpGT, OpGTE:
		c, ok := compareValues(v, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case OpLT:
			return c < 0
		case OpLTE:
			return c <= 0
		case OpGT:
			return c > 0
		default:
			return c >= 0
		}
	}
	return false
}

// compareValues compares two scalar field values. Numbers of any Go type
// compare numerically; strings and bools compare within their own type.
func compareValues(a, b any) (int, bool) {
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return cmp.Compare(x, y), true
		}
		return 0, false
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return cmp.Compare(x, y), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			if x == y {
				return 0, true
			}
			if !x {
				return -1, true
			}
			return 1, true
		}
	}
	return 0, false
}

// compareOrder sorts missing or incomparable values first.
func compareOrder(a, b any) int {
	if c, ok := compareValues(a, b); ok {
		return c
	}
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
