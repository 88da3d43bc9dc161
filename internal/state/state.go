// Package state implements the per-field reducer framework that merges a
// node's partial output into a run's accumulated state. Reducers are pure
// and total; applying the same updates in the same order always yields the
// same result.
package state

import (
	"fmt"
	"sort"
)

// Reducer names the merge policy declared for one state field.
type Reducer int

const (
	// ReducerOverwrite replaces the old value, last write wins.
	ReducerOverwrite Reducer = iota
	// ReducerAppend concatenates slice values in dispatch order.
	ReducerAppend
	// ReducerUnion merges slice values as a set, keeping first-seen order.
	ReducerUnion
)

// String returns the string representation of the reducer
func (r Reducer) String() string {
	switch r {
	case ReducerOverwrite:
		return "overwrite"
	case ReducerAppend:
		return "append"
	case ReducerUnion:
		return "union"
	default:
		return "unknown"
	}
}

// State is an open mapping from declared field name to value.
type State map[string]any

// Schema declares every legal field and its reducer. A node output naming
// a field outside the schema is a programming error caught at graph
// construction, not at run time.
type Schema map[string]Reducer

// Fields returns the declared field names in sorted order
func (s Schema) Fields() []string {
	fields := make([]string, 0, len(s))
	for f := range s {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// Check verifies every field of an update is declared in the schema
func (s Schema) Check(update State) error {
	for field := range update {
		if _, ok := s[field]; !ok {
			return fmt.Errorf("undeclared state field %q", field)
		}
	}
	return nil
}

// Apply merges a partial update into current and returns the merged state.
// Only fields present in the update are touched. Neither input is mutated.
func (s Schema) Apply(current State, update State) State {
	merged := current.Clone()
	for field, value := range update {
		switch s[field] {
		case ReducerAppend:
			merged[field] = appendValues(merged[field], value)
		case ReducerUnion:
			merged[field] = unionValues(merged[field], value)
		default:
			merged[field] = value
		}
	}
	return merged
}

// Clone returns a copy of the state. Field values are copied at slice
// granularity; reducers never mutate values in place, so element sharing
// is safe.
func (st State) Clone() State {
	out := make(State, len(st))
	for k, v := range st {
		if vs, ok := v.([]any); ok {
			cp := make([]any, len(vs))
			copy(cp, vs)
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}

// Int reads an integer field, tolerating the float64 that JSON decoding
// produces for numbers. Missing or non-numeric fields read as zero.
func (st State) Int(field string) int {
	switch v := st[field].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// String reads a string field; missing or non-string fields read as "".
func (st State) String(field string) string {
	if v, ok := st[field].(string); ok {
		return v
	}
	return ""
}

// Bool reads a boolean field; missing or non-boolean fields read as false.
func (st State) Bool(field string) bool {
	if v, ok := st[field].(bool); ok {
		return v
	}
	return false
}

// Slice reads a slice field, normalizing a missing field to nil.
func (st State) Slice(field string) []any {
	if v, ok := st[field].([]any); ok {
		return v
	}
	return nil
}

// appendValues concatenates update onto current in dispatch order.
// Scalar values are treated as single-element updates.
func appendValues(current, update any) any {
	out := toSlice(current)
	out = append(out, toSlice(update)...)
	return out
}

// unionValues merges update into current as a set keyed by string
// rendering, preserving order of first appearance.
func unionValues(current, update any) any {
	seen := make(map[string]bool)
	out := []any{}
	for _, v := range append(toSlice(current), toSlice(update)...) {
		key := fmt.Sprintf("%v", v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

func toSlice(v any) []any {
	switch vs := v.(type) {
	case nil:
		return nil
	case []any:
		out := make([]any, len(vs))
		copy(out, vs)
		return out
	case []string:
		out := make([]any, len(vs))
		for i, s := range vs {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}
