package jsonexpand

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(s), &v))
	return v
}

func TestUnionObjects(t *testing.T) {
	a := decode(t, `{"x": 1, "nest": {"a": 1, "b": 2}, "keep": "left"}`)
	b := decode(t, `{"y": 2, "nest": {"b": 3, "c": 4}}`)

	got := Union(a, b)
	want := decode(t, `{"x": 1, "y": 2, "keep": "left", "nest": {"a": 1, "b": 3, "c": 4}}`)
	assert.Equal(t, want, got)
}

func TestUnionLists(t *testing.T) {
	a := decode(t, `[1, 2, {"k": "v"}]`)
	b := decode(t, `[2, 3, {"k": "v"}]`)

	got := Union(a, b)
	assert.Equal(t, decode(t, `[1, 2, {"k": "v"}, 3]`), got)

	got = UnionWith(a, b, UnionOpts{NoListDedup: true})
	assert.Equal(t, decode(t, `[1, 2, {"k": "v"}, 2, 3, {"k": "v"}]`), got)
}

func TestUnionMismatchedTypes(t *testing.T) {
	// right wins whenever the types differ
	assert.Equal(t, "b", Union(decode(t, `{"a": 1}`), "b"))
	assert.Equal(t, decode(t, `{"a": 1}`), Union("b", decode(t, `{"a": 1}`)))
	assert.Equal(t, float64(2), Union(float64(1), float64(2)))
	assert.Nil(t, Union("x", nil))
}

func TestUnionFlags(t *testing.T) {
	a := decode(t, `{"n": {"a": 1}}`)
	b := decode(t, `{"n": {"b": 2}}`)

	got := UnionWith(a, b, UnionOpts{NoDictUnion: true})
	assert.Equal(t, b, got)

	la := decode(t, `[1]`)
	lb := decode(t, `[2]`)
	got = UnionWith(la, lb, UnionOpts{NoListUnion: true})
	assert.Equal(t, lb, got)
}

// union(a, {}) == a, union(a, a) == a, disjoint keys add up, right wins at
// overlapping leaves.
func TestUnionLaws(t *testing.T) {
	a := decode(t, `{"k1": "v1", "k2": {"n": [1, 2]}}`)

	assert.Equal(t, a, Union(a, map[string]any{}))
	assert.Equal(t, a, Union(a, a))

	disjoint := decode(t, `{"k3": true}`)
	got := Union(a, disjoint).(map[string]any)
	assert.Len(t, got, 3)

	overlap := decode(t, `{"k1": "other"}`)
	got = Union(a, overlap).(map[string]any)
	assert.Equal(t, "other", got["k1"])
	assert.Equal(t, a.(map[string]any)["k2"], got["k2"])
}
