package jsonexpand

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandString(t *testing.T) {
	vars := Vars{
		"name":  "host1",
		"count": float64(3),
		"obj":   map[string]any{"a": "b"},
	}

	assert.Equal(t, "host1.example.com", ExpandString(vars, "{name}.example.com"))
	assert.Equal(t, "no vars here", ExpandString(vars, "no vars here"))

	// whole-string reference to a non-string var returns the raw value
	assert.Equal(t, float64(3), ExpandString(vars, "{count}"))
	assert.Equal(t, map[string]any{"a": "b"}, ExpandString(vars, "{obj}"))

	// partial reference to a non-string var is left alone
	assert.Equal(t, "n={count}", ExpandString(vars, "n={count}"))
}

func TestProcessVars(t *testing.T) {
	vars := Vars{"HOST": "host1", "DOMAIN": "example.com"}
	in := decode(t, `{
		"fqdn": "{HOST}.{DOMAIN}",
		"nested": {"again": "{HOST}"},
		"list": ["{DOMAIN}", 42],
		"untouched": true
	}`)

	out, err := ProcessVars(vars, in)
	require.NoError(t, err)
	assert.Equal(t, decode(t, `{
		"fqdn": "host1.example.com",
		"nested": {"again": "host1"},
		"list": ["example.com", 42],
		"untouched": true
	}`), out)
}

func TestProcessVarsSection(t *testing.T) {
	in := decode(t, `{
		"vars": {"base": "example.com", "fqdn": "www.{base}"},
		"url": "https://{fqdn}/",
		"child": {
			"vars": {"base": "other.org"},
			"url": "https://{fqdn}/"
		}
	}`)

	out, err := Process(nil, in)
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, "https://www.example.com/", m["url"])
	// the child's override only affects names re-resolved below it
	child := m["child"].(map[string]any)
	assert.Equal(t, "https://www.example.com/", child["url"])
	// vars sections are retained verbatim by default
	assert.Equal(t, decode(t, `{"base": "example.com", "fqdn": "www.{base}"}`), m["vars"])

	out, err = ProcessWith(nil, in, Options{VarsKey: "vars", MaxSize: DefaultMaxSize})
	require.NoError(t, err)
	_, kept := out.(map[string]any)["vars"]
	assert.False(t, kept)
}

func TestProcessSiblingIsolation(t *testing.T) {
	in := decode(t, `{
		"left": {
			"vars": {"who": "lefty"},
			"v": "{who}"
		},
		"right": {"v": "{who}"}
	}`)

	out, err := Process(Vars{}, in)
	require.NoError(t, err)
	m := out.(map[string]any)
	assert.Equal(t, "lefty", m["left"].(map[string]any)["v"])
	// the sibling never saw "who"
	assert.Equal(t, "{who}", m["right"].(map[string]any)["v"])
}

func TestProcessFiles(t *testing.T) {
	dir := t.TempDir()
	whole := filepath.Join(dir, "whole.json")
	require.NoError(t, os.WriteFile(whole, []byte(`{"inner": "value", "vars": {"deep": "nested"}, "use": "{deep}"}`), 0600))
	sub := filepath.Join(dir, "sub.json")
	require.NoError(t, os.WriteFile(sub, []byte(`{"a": {"b": "picked"}}`), 0600))

	in := decode(t, `{
		"files": {
			"WHOLE": "` + whole + `",
			"PICK": {"source": "` + sub + `", "path": ".a.b"}
		},
		"out1": "{WHOLE}",
		"out2": "prefix-{PICK}"
	}`)

	out, err := ProcessWith(nil, in, Options{
		VarsKey:  DefaultVarsKey,
		FilesKey: DefaultFilesKey,
		MaxSize:  DefaultMaxSize,
	})
	require.NoError(t, err)
	m := out.(map[string]any)

	// the included object is re-processed, so its own vars section applies
	out1 := m["out1"].(map[string]any)
	assert.Equal(t, "value", out1["inner"])
	assert.Equal(t, "nested", out1["use"])

	assert.Equal(t, "prefix-picked", m["out2"])
}

func TestProcessFilesMissingPath(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub.json")
	require.NoError(t, os.WriteFile(sub, []byte(`{"a": 1}`), 0600))

	in := decode(t, `{
		"files": {"X": {"source": "` + sub + `", "path": ".nope"}}
	}`)
	_, err := Process(nil, in)
	assert.Error(t, err)
}

func TestFixedPointIsNoop(t *testing.T) {
	vars := Vars{"a": "A", "b": "B"}
	fixed, err := selfExpand(vars, ".", DefaultMaxSize)
	require.NoError(t, err)
	again, err := selfExpand(fixed, ".", DefaultMaxSize)
	require.NoError(t, err)
	assert.Equal(t, fixed, again)
}

func TestExpansionBombRejected(t *testing.T) {
	// each pass doubles the payload; the ceiling must reject, not loop
	vars := Vars{"x": strings.Repeat("y{x}", 512)}
	_, err := ProcessVars(vars, decode(t, `{"v": "{x}"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeded")
}

func TestKeyExpansion(t *testing.T) {
	vars := Vars{"K": "renamed"}
	out, err := ProcessVars(vars, decode(t, `{"{K}": 1}`))
	require.NoError(t, err)
	assert.Equal(t, decode(t, `{"renamed": 1}`), out)

	// collisions caused by expansion are an error, not a silent overwrite
	_, err = ProcessVars(vars, decode(t, `{"{K}": 1, "renamed": 2}`))
	assert.Error(t, err)
}
