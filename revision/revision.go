// Package revision computes structural differences between two versions of a
// record for use in audit trails.
//
// Values are JSON-shaped: nil, bool, numbers, strings, lists and string-keyed
// maps. Diff walks both values in lock step and describes what changed:
//
//	Diff(map[string]any{"a": 1, "b": 2}, map[string]any{"a": 1, "b": 3})
//	// => Changes{"b": {"old": 2, "new": 3}}
//
// Whenever the number of differing keys (or indexes) at one level reaches the
// larger of the two sizes, the level is reported as a single full
// replacement instead of an itemized breakdown.
package revision

import (
	"encoding/json"
	"math"
	"math/big"
	"reflect"
	"strconv"
)

// Changes describes the difference between two values. A nil Changes means
// there is no difference.
//
// A terminal change is {"old": x, "new": y}. Anything else maps keys (or
// stringified list indexes) to nested changes.
type Changes map[string]any

// Terminal returns the full replacement of prev by next.
func Terminal(prev, next any) Changes {
	return Changes{"old": prev, "new": next}
}

// IsTerminal reports whether v is a terminal {"old", "new"} pair. An
// itemized map whose only changed keys are literally "old" and "new" has the
// same shape and is reported as terminal too; callers that need to tell them
// apart must track the level themselves.
func IsTerminal(v any) bool {
	m, ok := asMap(v)
	if !ok || len(m) != 2 {
		return false
	}
	_, hasOld := m["old"]
	_, hasNew := m["new"]
	return hasOld && hasNew
}

// Equal reports whether a and b are structurally equal. Numbers compare by
// value regardless of their Go type.
func Equal(a, b any) bool {
	return Diff(a, b) == nil
}

// Diff returns the changes needed to turn prev into next, or nil when the
// two are equal. It never fails and has no side effects.
func Diff(prev, next any) Changes {
	if pm, ok := asMap(prev); ok {
		nm, ok := asMap(next)
		if !ok {
			return Terminal(prev, next)
		}
		return diffMaps(prev, next, pm, nm)
	}

	if pl, ok := asList(prev); ok {
		nl, ok := asList(next)
		if !ok {
			return Terminal(prev, next)
		}
		return diffLists(prev, next, pl, nl)
	}

	// A scalar replaced by a container is never expanded.
	if isContainer(next) || !scalarEqual(prev, next) {
		return Terminal(prev, next)
	}
	return nil
}

func diffMaps(prev, next any, pm, nm map[string]any) Changes {
	ret := Changes{}
	for k, pv := range pm {
		nv, ok := nm[k]
		if !ok {
			ret[k] = map[string]any(Terminal(pv, nil))
			continue
		}
		if sub := Diff(pv, nv); sub != nil {
			ret[k] = map[string]any(sub)
		}
	}
	for k, nv := range nm {
		if _, ok := pm[k]; !ok {
			ret[k] = map[string]any(Terminal(nil, nv))
		}
	}
	return collapse(prev, next, ret, max(len(pm), len(nm)))
}

func diffLists(prev, next any, pl, nl []any) Changes {
	ret := Changes{}
	for i, pv := range pl {
		if i >= len(nl) {
			ret[strconv.Itoa(i)] = map[string]any(Terminal(pv, nil))
			continue
		}
		if sub := Diff(pv, nl[i]); sub != nil {
			ret[strconv.Itoa(i)] = map[string]any(sub)
		}
	}
	for i := len(pl); i < len(nl); i++ {
		ret[strconv.Itoa(i)] = map[string]any(Terminal(nil, nl[i]))
	}
	return collapse(prev, next, ret, max(len(pl), len(nl)))
}

// collapse turns an itemized result into a full replacement once every key
// or index at this level differs.
func collapse(prev, next any, ret Changes, size int) Changes {
	if len(ret) == 0 {
		return nil
	}
	if len(ret) >= size {
		return Terminal(prev, next)
	}
	return ret
}

func isContainer(v any) bool {
	if _, ok := asMap(v); ok {
		return true
	}
	_, ok := asList(v)
	return ok
}

// asMap returns v as a map[string]any, converting other string-keyed map
// types such as record.Record.
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return m, true
	case Changes:
		return m, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

// asList returns v as a []any. Byte slices are treated as scalars.
func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case nil, []byte, json.RawMessage:
		return nil, false
	case []any:
		return l, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func scalarEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := CompareNumbers(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// CompareNumbers compares two numbers exactly, whatever their Go types, and
// returns -1, 0 or +1. ok is false when either value is not a number or is
// NaN.
func CompareNumbers(a, b any) (c int, ok bool) {
	x, ok := toNumber(a)
	if !ok {
		return 0, false
	}
	y, ok := toNumber(b)
	if !ok {
		return 0, false
	}
	return x.Cmp(y), true
}

// toNumber converts v without rounding. Integers beyond 2^53 keep every
// digit.
func toNumber(v any) (*big.Float, bool) {
	f := new(big.Float)
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) {
			return nil, false
		}
		f.SetFloat64(n)
	case float32:
		if math.IsNaN(float64(n)) {
			return nil, false
		}
		f.SetFloat64(float64(n))
	case int:
		f.SetInt64(int64(n))
	case int8:
		f.SetInt64(int64(n))
	case int16:
		f.SetInt64(int64(n))
	case int32:
		f.SetInt64(int64(n))
	case int64:
		f.SetInt64(n)
	case uint:
		f.SetUint64(uint64(n))
	case uint8:
		f.SetUint64(uint64(n))
	case uint16:
		f.SetUint64(uint64(n))
	case uint32:
		f.SetUint64(uint64(n))
	case uint64:
		f.SetUint64(n)
	case json.Number:
		if i, ok := new(big.Int).SetString(string(n), 10); ok {
			f.SetInt(i)
			break
		}
		x, err := n.Float64()
		if err != nil || math.IsNaN(x) {
			return nil, false
		}
		f.SetFloat64(x)
	default:
		return nil, false
	}
	return f, true
}
