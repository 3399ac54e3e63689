package revision_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/stevemurr/record-storage/revision"
)

func TestDiff(t *testing.T) {
	tests := map[string]struct {
		prev, next any
		want       revision.Changes
	}{
		"one key changed": {
			prev: map[string]any{"a": 1, "b": 2},
			next: map[string]any{"a": 1, "b": 3},
			want: revision.Changes{"b": map[string]any{"old": 2, "new": 3}},
		},
		"every key changed collapses": {
			prev: map[string]any{"a": 1, "b": 2},
			next: map[string]any{"a": 9, "b": 9},
			want: revision.Changes{
				"old": map[string]any{"a": 1, "b": 2},
				"new": map[string]any{"a": 9, "b": 9},
			},
		},
		"trailing element removed": {
			prev: []any{1, 2, 3},
			next: []any{1, 2},
			want: revision.Changes{"2": map[string]any{"old": 3, "new": nil}},
		},
		"trailing element added": {
			prev: []any{1, 2, 3},
			next: []any{1, 2, 3, 4},
			want: revision.Changes{"3": map[string]any{"old": nil, "new": 4}},
		},
		"empty to populated map collapses": {
			prev: map[string]any{},
			next: map[string]any{"a": 1},
			want: revision.Changes{
				"old": map[string]any{},
				"new": map[string]any{"a": 1},
			},
		},
		"empty to populated list collapses": {
			prev: []any{},
			next: []any{"x"},
			want: revision.Changes{"old": []any{}, "new": []any{"x"}},
		},
		"empty maps": {
			prev: map[string]any{},
			next: map[string]any{},
			want: nil,
		},
		"empty lists": {
			prev: []any{},
			next: []any{},
			want: nil,
		},
		"key removed and key added": {
			prev: map[string]any{"a": 1, "b": 2, "c": 3},
			next: map[string]any{"a": 1, "b": 2, "d": 4},
			want: revision.Changes{
				"c": map[string]any{"old": 3, "new": nil},
				"d": map[string]any{"old": nil, "new": 4},
			},
		},
		"nested change": {
			prev: map[string]any{
				"name":    "x",
				"address": map[string]any{"city": "Paris", "zip": "75001", "street": "Rue A"},
			},
			next: map[string]any{
				"name":    "x",
				"address": map[string]any{"city": "Lyon", "zip": "75001", "street": "Rue A"},
			},
			want: revision.Changes{
				"address": map[string]any{
					"city": map[string]any{"old": "Paris", "new": "Lyon"},
				},
			},
		},
		"nested list inside map": {
			prev: map[string]any{"tags": []any{"a", "b", "c"}, "n": 1},
			next: map[string]any{"tags": []any{"a", "z", "c"}, "n": 1},
			want: revision.Changes{
				"tags": map[string]any{
					"1": map[string]any{"old": "b", "new": "z"},
				},
			},
		},
		"map to list": {
			prev: map[string]any{"a": 1},
			next: []any{1},
			want: revision.Changes{"old": map[string]any{"a": 1}, "new": []any{1}},
		},
		"list to scalar": {
			prev: []any{1},
			next: 1,
			want: revision.Changes{"old": []any{1}, "new": 1},
		},
		"scalar to map": {
			prev: "x",
			next: map[string]any{},
			want: revision.Changes{"old": "x", "new": map[string]any{}},
		},
		"nil to empty list": {
			prev: nil,
			next: []any{},
			want: revision.Changes{"old": nil, "new": []any{}},
		},
		"scalar changed": {
			prev: "a",
			next: "b",
			want: revision.Changes{"old": "a", "new": "b"},
		},
		"scalar type changed": {
			prev: "1",
			next: 1,
			want: revision.Changes{"old": "1", "new": 1},
		},
		"nil to value": {
			prev: nil,
			next: false,
			want: revision.Changes{"old": nil, "new": false},
		},
		"numbers compare by value": {
			prev: map[string]any{"n": 1, "m": json.Number("2.5")},
			next: map[string]any{"n": float64(1), "m": 2.5},
			want: nil,
		},
		"integers beyond float precision": {
			prev: map[string]any{"n": int64(9007199254740993), "x": 1},
			next: map[string]any{"n": int64(9007199254740992), "x": 1},
			want: revision.Changes{"n": map[string]any{
				"old": int64(9007199254740993),
				"new": int64(9007199254740992),
			}},
		},
		"large json number equals int64": {
			prev: json.Number("9007199254740993"),
			next: int64(9007199254740993),
			want: nil,
		},
		"equal scalars": {
			prev: true,
			next: true,
			want: nil,
		},
		"both nil": {
			prev: nil,
			next: nil,
			want: nil,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := revision.Diff(tc.prev, tc.next)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("wrong result\n%s", diff)
			}
		})
	}
}

func TestDiffReflexive(t *testing.T) {
	values := []any{
		nil,
		true,
		3.5,
		"text",
		[]any{1, []any{2, 3}, map[string]any{"a": nil}},
		map[string]any{"a": map[string]any{"b": []any{"c"}}, "d": 1},
		map[string]any{},
		[]any{},
	}
	for _, v := range values {
		if got := revision.Diff(v, v); got != nil {
			t.Errorf("Diff(%#v, itself) = %#v, want nil", v, got)
		}
	}
}

func TestDiffDeterministic(t *testing.T) {
	prev := map[string]any{"a": 1, "b": map[string]any{"c": []any{1, 2, 3}, "d": "x", "e": 0}, "f": true}
	next := map[string]any{"a": 1, "b": map[string]any{"c": []any{1, 5, 3}, "d": "x", "e": 0}, "f": true}

	first := revision.Diff(prev, next)
	for range 20 {
		if diff := cmp.Diff(first, revision.Diff(prev, next)); diff != "" {
			t.Fatalf("results differ between calls\n%s", diff)
		}
	}
}

func TestDiffAsymmetry(t *testing.T) {
	a := map[string]any{"a": 1, "b": 2, "c": []any{1, 2, 3}}
	b := map[string]any{"a": 1, "b": 5, "c": []any{1, 2}}

	forward := revision.Diff(a, b)
	backward := revision.Diff(b, a)

	want := revision.Changes{
		"b": map[string]any{"old": 5, "new": 2},
		"c": map[string]any{
			"2": map[string]any{"old": nil, "new": 3},
		},
	}
	if diff := cmp.Diff(want, backward); diff != "" {
		t.Fatalf("wrong backward result\n%s", diff)
	}
	if diff := cmp.Diff(revision.Changes(swap(forward)), backward); diff != "" {
		t.Fatalf("backward is not forward with old and new swapped\n%s", diff)
	}
}

func TestDiffTypeMismatchIgnoresEquality(t *testing.T) {
	// An empty list and an empty map are both "empty", but the shapes differ.
	got := revision.Diff([]any{}, map[string]any{})
	want := revision.Changes{"old": []any{}, "new": map[string]any{}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("wrong result\n%s", diff)
	}
}

func TestDiffNamedMapTypes(t *testing.T) {
	type doc map[string]any
	got := revision.Diff(doc{"a": 1, "b": 1}, doc{"a": 1, "b": 2})
	want := revision.Changes{"b": map[string]any{"old": 1, "new": 2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("wrong result\n%s", diff)
	}
}

func TestIsTerminal(t *testing.T) {
	if !revision.IsTerminal(map[string]any(revision.Terminal(1, 2))) {
		t.Error("terminal pair not recognized")
	}
	if !revision.IsTerminal(revision.Terminal(nil, nil)) {
		t.Error("nil terminal pair not recognized")
	}
	if revision.IsTerminal(map[string]any{"old": 1}) {
		t.Error("half pair recognized as terminal")
	}
	if revision.IsTerminal("old") {
		t.Error("scalar recognized as terminal")
	}
}

func TestEqual(t *testing.T) {
	if !revision.Equal(map[string]any{"n": 1}, map[string]any{"n": 1.0}) {
		t.Error("numerically equal maps reported unequal")
	}
	if revision.Equal([]any{1, 2}, []any{2, 1}) {
		t.Error("list order ignored")
	}
}

func TestCompareNumbers(t *testing.T) {
	tests := []struct {
		a, b any
		want int
		ok   bool
	}{
		{int64(9007199254740993), int64(9007199254740992), 1, true},
		{int64(9007199254740992), float64(9007199254740992), 0, true},
		{int64(9007199254740993), float64(9007199254740992), 1, true},
		{uint64(18446744073709551615), int64(-1), 1, true},
		{uint64(18446744073709551615), uint64(18446744073709551614), 1, true},
		{json.Number("0.1"), 0.1, 0, true},
		{json.Number("-12345678901234567891"), int64(-9223372036854775808), -1, true},
		{int8(-3), uint16(2), -1, true},
		{1, "1", 0, false},
		{math.NaN(), 1.0, 0, false},
	}
	for _, tc := range tests {
		c, ok := revision.CompareNumbers(tc.a, tc.b)
		if ok != tc.ok || c != tc.want {
			t.Errorf("CompareNumbers(%v, %v) = %d, %v; want %d, %v", tc.a, tc.b, c, ok, tc.want, tc.ok)
		}
	}
}

func TestIsTerminalFieldsNamedOldAndNew(t *testing.T) {
	got := revision.Diff(
		map[string]any{"old": 1, "new": 2, "same": 3},
		map[string]any{"old": 9, "new": 8, "same": 3},
	)
	if len(got) != 2 {
		t.Fatalf("expected an itemized result, got %v", got)
	}
	// Same shape as a terminal pair, so IsTerminal cannot tell them apart.
	if !revision.IsTerminal(got) {
		t.Error("itemized old/new fields not reported as terminal")
	}
}

// swap exchanges old and new at every terminal node.
func swap(c map[string]any) map[string]any {
	if c == nil {
		return nil
	}
	if revision.IsTerminal(c) {
		return map[string]any{"old": c["new"], "new": c["old"]}
	}
	out := make(map[string]any, len(c))
	for k, v := range c {
		out[k] = swap(v.(map[string]any))
	}
	return out
}
