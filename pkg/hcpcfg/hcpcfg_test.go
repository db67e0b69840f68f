package hcpcfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0600))
	return p
}

func TestLoadJSON(t *testing.T) {
	p := writeConfig(t, "cfg.json", `{
		"id": "emgmt",
		"enrollsvc": {
			"state": "/srv/enroll",
			"policy_url": "http://policy:9080",
			"db_add": {"preclient": {"a": 1}}
		}
	}`)
	t.Setenv(EnvConfigScope, "")

	cfg, err := Load(p)
	require.NoError(t, err)

	id, err := cfg.String(".id")
	require.NoError(t, err)
	assert.Equal(t, "emgmt", id)

	state, err := cfg.String(".enrollsvc.state")
	require.NoError(t, err)
	assert.Equal(t, "/srv/enroll", state)

	_, err = cfg.String(".enrollsvc.missing")
	assert.Error(t, err)

	v, err := cfg.StringOr(".enrollsvc.missing", "dflt")
	require.NoError(t, err)
	assert.Equal(t, "dflt", v)
}

func TestLoadYAML(t *testing.T) {
	p := writeConfig(t, "cfg.yaml", `
id: emgmt
enrollsvc:
  state: /srv/enroll
  nofiles: true
`)
	t.Setenv(EnvConfigScope, "")

	cfg, err := Load(p)
	require.NoError(t, err)

	state, err := cfg.String(".enrollsvc.state")
	require.NoError(t, err)
	assert.Equal(t, "/srv/enroll", state)

	b, err := cfg.BoolOr(".enrollsvc.nofiles", false)
	require.NoError(t, err)
	assert.True(t, b)
}

func TestScopeShrink(t *testing.T) {
	p := writeConfig(t, "cfg.json", `{"enrollsvc": {"state": "/srv/enroll"}}`)
	t.Setenv(EnvConfigScope, "")

	cfg, err := Load(p)
	require.NoError(t, err)

	sub, err := cfg.Shrink(".enrollsvc")
	require.NoError(t, err)
	assert.Equal(t, ".enrollsvc", sub.Scope())

	state, err := sub.String(".state")
	require.NoError(t, err)
	assert.Equal(t, "/srv/enroll", state)

	_, err = cfg.Shrink(".nope")
	assert.Error(t, err)
}

func TestScopeFromEnv(t *testing.T) {
	p := writeConfig(t, "cfg.json", `{"enrollsvc": {"state": "/srv/enroll"}}`)
	t.Setenv(EnvConfigScope, ".enrollsvc")

	cfg, err := Load(p)
	require.NoError(t, err)

	state, err := cfg.String(".state")
	require.NoError(t, err)
	assert.Equal(t, "/srv/enroll", state)
}

func TestConfigExpansion(t *testing.T) {
	p := writeConfig(t, "cfg.json", `{
		"vars": {"base": "/srv"},
		"enrollsvc": {"state": "{base}/enroll"}
	}`)
	t.Setenv(EnvConfigScope, "")

	cfg, err := Load(p)
	require.NoError(t, err)

	state, err := cfg.String(".enrollsvc.state")
	require.NoError(t, err)
	assert.Equal(t, "/srv/enroll", state)
}

func TestGetEnv(t *testing.T) {
	t.Setenv("HCP_TEST_VAR", "")
	assert.Equal(t, "fallback", GetEnv("HCP_TEST_VAR", "fallback"))
	t.Setenv("HCP_TEST_VAR", "set")
	assert.Equal(t, "set", GetEnv("HCP_TEST_VAR", "fallback"))
}
