// Package filter implements the post-filter metadata DSL (§4.9): a
// recursive predicate over a document's JSON payload, with a JSON wire
// format that round-trips through language bindings (§6).
package filter

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Op identifies a predicate variant.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpGt
	OpGte
	OpLt
	OpLte
	OpIn
	OpAnd
	OpOr
)

// Filter is a recursive predicate over a JSON payload. The zero value
// matches nothing meaningful; build one with the constructor functions.
type Filter struct {
	op   Op
	field string
	value interface{}   // Eq/Ne/Gt/Gte/Lt/Lte
	values []interface{} // In
	children []Filter    // And/Or
}

// Eq matches documents whose field equals v.
func Eq(field string, v interface{}) Filter { return Filter{op: OpEq, field: field, value: v} }

// Ne matches documents whose field does not equal v.
func Ne(field string, v interface{}) Filter { return Filter{op: OpNe, field: field, value: v} }

// Gt matches documents whose field is strictly greater than v.
func Gt(field string, v interface{}) Filter { return Filter{op: OpGt, field: field, value: v} }

// Gte matches documents whose field is greater than or equal to v.
func Gte(field string, v interface{}) Filter { return Filter{op: OpGte, field: field, value: v} }

// Lt matches documents whose field is strictly less than v.
func Lt(field string, v interface{}) Filter { return Filter{op: OpLt, field: field, value: v} }

// Lte matches documents whose field is less than or equal to v.
func Lte(field string, v interface{}) Filter { return Filter{op: OpLte, field: field, value: v} }

// In matches documents whose field is one of values.
func In(field string, values []interface{}) Filter { return Filter{op: OpIn, field: field, values: values} }

// And matches documents matching every child; an empty And matches everything.
func And(children ...Filter) Filter { return Filter{op: OpAnd, children: children} }

// Or matches documents matching any child; an empty Or matches nothing.
func Or(children ...Filter) Filter { return Filter{op: OpOr, children: children} }

// Eval evaluates f against payload, a parsed JSON object (or nil if the
// document has no payload). A leaf referencing a missing field, or a
// payload of nil, evaluates false.
func Eval(f Filter, payload map[string]interface{}) bool {
	switch f.op {
	case OpAnd:
		for _, c := range f.children {
			if !Eval(c, payload) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range f.children {
			if Eval(c, payload) {
				return true
			}
		}
		return false
	case OpNe:
		v, ok := lookup(payload, f.field)
		if !ok {
			return false
		}
		return !equal(v, f.value)
	case OpEq:
		v, ok := lookup(payload, f.field)
		if !ok {
			return false
		}
		return equal(v, f.value)
	case OpIn:
		v, ok := lookup(payload, f.field)
		if !ok {
			return false
		}
		for _, want := range f.values {
			if equal(v, want) {
				return true
			}
		}
		return false
	case OpGt, OpGte, OpLt, OpLte:
		v, ok := lookup(payload, f.field)
		if !ok {
			return false
		}
		return compareOp(f.op, v, f.value)
	default:
		return false
	}
}

// lookup resolves dot-notation field access against a parsed JSON object.
func lookup(payload map[string]interface{}, field string) (interface{}, bool) {
	if payload == nil {
		return nil, false
	}
	parts := strings.Split(field, ".")
	var cur interface{} = payload
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// equal compares two JSON-decoded values, coercing integer and
// floating-point numbers to a common real type (§4.9). JSON arrays and
// objects are deep-compared element by element rather than handed to `==`,
// which panics on uncomparable types like []interface{} and
// map[string]interface{}.
func equal(a, b interface{}) bool {
	if an, aok := asNumber(a); aok {
		if bn, bok := asNumber(b); bok {
			return an == bn
		}
		return false
	}

	switch av := a.(type) {
	case []interface{}:
		bv, ok := b.([]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		bv, ok := b.(map[string]interface{})
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bval, ok := bv[k]
			if !ok || !equal(v, bval) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func compareOp(op Op, a, b interface{}) bool {
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if !aok || !bok {
		return false
	}
	switch op {
	case OpGt:
		return an > bn
	case OpGte:
		return an >= bn
	case OpLt:
		return an < bn
	case OpLte:
		return an <= bn
	default:
		return false
	}
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// --- wire format ---

// wireNode is the JSON-compatible shape used by MarshalJSON/UnmarshalJSON,
// e.g. {"field":{"$gt":20}} or {"$and":[...]} (§6).
type wireNode map[string]interface{}

// MarshalJSON encodes f into the wire format consumable by thin language
// bindings.
func (f Filter) MarshalJSON() ([]byte, error) {
	switch f.op {
	case OpAnd:
		return json.Marshal(wireNode{"$and": f.children})
	case OpOr:
		return json.Marshal(wireNode{"$or": f.children})
	case OpEq:
		if _, isObject := f.value.(map[string]interface{}); isObject {
			return json.Marshal(wireNode{f.field: wireNode{"$eq": f.value}})
		}
		return json.Marshal(wireNode{f.field: f.value})
	case OpNe:
		return json.Marshal(wireNode{f.field: wireNode{"$ne": f.value}})
	case OpGt:
		return json.Marshal(wireNode{f.field: wireNode{"$gt": f.value}})
	case OpGte:
		return json.Marshal(wireNode{f.field: wireNode{"$gte": f.value}})
	case OpLt:
		return json.Marshal(wireNode{f.field: wireNode{"$lt": f.value}})
	case OpLte:
		return json.Marshal(wireNode{f.field: wireNode{"$lte": f.value}})
	case OpIn:
		return json.Marshal(wireNode{f.field: wireNode{"$in": f.values}})
	default:
		return nil, fmt.Errorf("filter: unknown op %d", f.op)
	}
}

// UnmarshalJSON decodes the wire format back into a Filter tree.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := parseNode(raw)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

func parseNode(raw map[string]interface{}) (Filter, error) {
	if len(raw) != 1 {
		return Filter{}, fmt.Errorf("filter: expected exactly one key, got %d", len(raw))
	}
	for key, val := range raw {
		switch key {
		case "$and":
			children, err := parseChildren(val)
			if err != nil {
				return Filter{}, err
			}
			return And(children...), nil
		case "$or":
			children, err := parseChildren(val)
			if err != nil {
				return Filter{}, err
			}
			return Or(children...), nil
		default:
			return parseLeaf(key, val)
		}
	}
	return Filter{}, fmt.Errorf("filter: empty node")
}

func parseChildren(val interface{}) ([]Filter, error) {
	arr, ok := val.([]interface{})
	if !ok {
		return nil, fmt.Errorf("filter: expected an array of filters")
	}
	out := make([]Filter, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("filter: expected an object in filter array")
		}
		child, err := parseNode(m)
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

func parseLeaf(field string, val interface{}) (Filter, error) {
	m, ok := val.(map[string]interface{})
	if !ok {
		// Bare value shorthand: {"field": v} means Eq(field, v).
		return Eq(field, val), nil
	}
	if len(m) != 1 {
		return Filter{}, fmt.Errorf("filter: expected exactly one operator for field %q", field)
	}
	for op, v := range m {
		switch op {
		case "$eq":
			return Eq(field, v), nil
		case "$ne":
			return Ne(field, v), nil
		case "$gt":
			return Gt(field, v), nil
		case "$gte":
			return Gte(field, v), nil
		case "$lt":
			return Lt(field, v), nil
		case "$lte":
			return Lte(field, v), nil
		case "$in":
			arr, ok := v.([]interface{})
			if !ok {
				return Filter{}, fmt.Errorf("filter: $in expects an array")
			}
			return In(field, arr), nil
		default:
			return Filter{}, fmt.Errorf("filter: unknown operator %q", op)
		}
	}
	return Filter{}, fmt.Errorf("filter: empty operator object for field %q", field)
}
