package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/hcp/internal/exitstatus"
	"github.com/kraklabs/hcp/pkg/hcpcfg"
)

// fakeAttestScript is a stand-in for the external attest-enroll tool: it
// copies the EK into the ephemeral dir and fabricates an asset.
const fakeAttestScript = `#!/bin/sh
EK=""
HN=""
while [ $# -gt 0 ]; do
	case "$1" in
	-I) EK="$2"; shift 2 ;;
	-C|-V) shift 2 ;;
	-v) shift ;;
	*) HN="$1"; shift ;;
	esac
done
cp "$EK" "$EPHEMERAL_ENROLL/ek.pub" || exit 1
printf %s "$HN" > "$EPHEMERAL_ENROLL/hostname" || exit 1
echo synthetic-cert > "$EPHEMERAL_ENROLL/hostcert.pem"
`

// writeOpConfig builds a workload config whose attest tool is the fake
// script, and returns the config path and the state dir.
func writeOpConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	state := filepath.Join(dir, "state")
	require.NoError(t, os.MkdirAll(state, 0755))

	script := filepath.Join(dir, "attest-enroll")
	require.NoError(t, os.WriteFile(script, []byte(fakeAttestScript), 0755))
	conf := filepath.Join(dir, "enroll.conf")
	require.NoError(t, os.WriteFile(conf, []byte("# enroll.conf\n"), 0644))

	doc := map[string]any{
		"enrollsvc": map[string]any{
			"state": state,
			"db_add": map[string]any{
				"preclient":  map[string]any{"__env": map[string]any{}},
				"postclient": map[string]any{},
			},
			"attest": map[string]any{
				"binary":  script,
				"conf":    conf,
				"workdir": dir,
			},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	cfgPath := filepath.Join(dir, "workload.json")
	require.NoError(t, os.WriteFile(cfgPath, data, 0600))
	return cfgPath, state
}

// captureStdout runs fn with os.Stdout redirected and returns what it
// printed.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = old }()
	fn()
	require.NoError(t, w.Close())
	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	return buf.String()
}

func TestOpArgvValidation(t *testing.T) {
	out := captureStdout(t, func() {
		code := runOp([]string{"explode"}, "", GlobalFlags{Quiet: true})
		assert.Equal(t, exitstatus.FromHTTP(400), code)
	})
	assert.Contains(t, out, "unknown operation")

	out = captureStdout(t, func() {
		code := runOp([]string{"add", "only-one-arg"}, "", GlobalFlags{Quiet: true})
		assert.Equal(t, exitstatus.FromHTTP(400), code)
	})
	assert.Contains(t, out, "wrong number of arguments")

	out = captureStdout(t, func() {
		code := runOp(nil, "", GlobalFlags{Quiet: true})
		assert.Equal(t, exitstatus.FromHTTP(400), code)
	})
	assert.Contains(t, out, "missing operation verb")
}

func TestOpRoundTrip(t *testing.T) {
	cfgPath, state := writeOpConfig(t)
	t.Setenv(hcpcfg.EnvConfigScope, "")

	// hcp init
	runInit(nil, cfgPath, GlobalFlags{Quiet: true})
	require.DirExists(t, filepath.Join(state, "db"))

	ekpub := filepath.Join(t.TempDir(), "ek.pub")
	require.NoError(t, os.WriteFile(ekpub, []byte("op-round-trip-ek"), 0644))

	// add
	var addOut string
	addOut = captureStdout(t, func() {
		code := runOp([]string{"add", ekpub, "host1.example.com", `{"via": "test"}`}, cfgPath, GlobalFlags{Quiet: true})
		assert.Equal(t, exitstatus.FromHTTP(201), code)
	})
	var addRes map[string]any
	require.NoError(t, json.Unmarshal([]byte(addOut), &addRes))
	assert.Equal(t, "host1.example.com", addRes["hostname"])
	hash := addRes["ekpubhash"].(string)
	require.Len(t, hash, 64)

	// query
	queryOut := captureStdout(t, func() {
		req, _ := json.Marshal(map[string]any{"ekpubhash": hash[:6], "nofiles": false})
		code := runOp([]string{"query", string(req)}, cfgPath, GlobalFlags{Quiet: true})
		assert.Equal(t, exitstatus.FromHTTP(200), code)
	})
	var queryRes map[string]any
	require.NoError(t, json.Unmarshal([]byte(queryOut), &queryRes))
	entries := queryRes["entries"].([]any)
	require.Len(t, entries, 1)

	// duplicate add reports the halfhash and exits as a 500
	dupOut := captureStdout(t, func() {
		code := runOp([]string{"add", ekpub, "host1.example.com", `{}`}, cfgPath, GlobalFlags{Quiet: true})
		assert.Equal(t, exitstatus.FromHTTP(500), code)
	})
	assert.Contains(t, dupOut, hash[:16])

	// find
	findOut := captureStdout(t, func() {
		req, _ := json.Marshal(map[string]any{"hostname_regex": "example"})
		code := runOp([]string{"find", string(req)}, cfgPath, GlobalFlags{Quiet: true})
		assert.Equal(t, exitstatus.FromHTTP(200), code)
	})
	assert.Contains(t, findOut, "host1.example.com")

	// janitor
	janOut := captureStdout(t, func() {
		code := runOp([]string{"janitor"}, cfgPath, GlobalFlags{Quiet: true})
		assert.Equal(t, exitstatus.FromHTTP(200), code)
	})
	var janRes map[string]any
	require.NoError(t, json.Unmarshal([]byte(janOut), &janRes))
	assert.Len(t, janRes["hn2ek"], 1)

	// delete
	delOut := captureStdout(t, func() {
		req, _ := json.Marshal(map[string]any{"ekpubhash": hash, "nofiles": true})
		code := runOp([]string{"delete", string(req)}, cfgPath, GlobalFlags{Quiet: true})
		assert.Equal(t, exitstatus.FromHTTP(200), code)
	})
	var delRes map[string]any
	require.NoError(t, json.Unmarshal([]byte(delOut), &delRes))
	assert.Len(t, delRes["entries"], 1)

	// reenroll of the deleted record is a 404
	captureStdout(t, func() {
		req, _ := json.Marshal(map[string]any{"ekpubhash": hash})
		code := runOp([]string{"reenroll", string(req)}, cfgPath, GlobalFlags{Quiet: true})
		assert.Equal(t, exitstatus.FromHTTP(404), code)
	})
}

func TestSecureFilename(t *testing.T) {
	tests := []struct{ in, want string }{
		{"ek.pub", "ek.pub"},
		{"../../etc/passwd", "passwd"},
		{"weird name!.bin", "weird_name_.bin"},
		{"..", "upload"},
		{"", "upload"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, secureFilename(tc.in), fmt.Sprintf("%q", tc.in))
	}
}

func TestScrubbedEnv(t *testing.T) {
	t.Setenv(hcpcfg.EnvConfigFile, "/etc/hcp/workload.json")
	t.Setenv(hcpcfg.EnvConfigScope, ".emgmt")
	t.Setenv("SECRET_TOKEN", "do-not-leak")

	env := scrubbedEnv()
	assert.Contains(t, env, hcpcfg.EnvConfigFile+"=/etc/hcp/workload.json")
	assert.Contains(t, env, hcpcfg.EnvConfigScope+"=.emgmt")
	for _, kv := range env {
		assert.NotContains(t, kv, "SECRET_TOKEN")
	}
}
