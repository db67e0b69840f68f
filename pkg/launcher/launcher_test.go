// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package launcher

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/hcp/pkg/hcpcfg"
)

func loadLauncher(t *testing.T, doc map[string]any) *Launcher {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	p := filepath.Join(t.TempDir(), "workload.json")
	require.NoError(t, os.WriteFile(p, data, 0600))
	t.Setenv(hcpcfg.EnvConfigScope, "")
	cfg, err := hcpcfg.Load(p)
	require.NoError(t, err)
	l, err := Load(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return l
}

func TestLoadServices(t *testing.T) {
	l := loadLauncher(t, map[string]any{
		"id":              "unit",
		"services":        []any{"web", "oneshot"},
		"default_targets": []any{"setup", "start"},
		"args_for":        "web",
		"web": map[string]any{
			"exec":  "serve-web",
			"args":  []any{"--port", "8080"},
			"until": "/tmp/web-ready",
			"tag":   "web",
			"uid":   "wwwrun",
			"gid":   "www",
		},
		"oneshot": map[string]any{
			"setup": map[string]any{
				"exec":      []any{"mk-state"},
				"touchfile": "/tmp/state-done",
				"tag":       "early",
			},
		},
	})

	require.Len(t, l.Services, 2)
	web := l.Services[0]
	assert.Equal(t, []string{
		"runuser", "-w", "HCP_CONFIG_FILE,HCP_CONFIG_SCOPE",
		"-g", "www", "-u", "wwwrun", "--", "serve-web",
	}, web.Exec)
	assert.Equal(t, []string{"--port", "8080"}, web.Args)
	assert.Equal(t, "/tmp/web-ready", web.Until)

	oneshot := l.Services[1]
	assert.Empty(t, oneshot.Exec)
	require.Len(t, oneshot.Setup, 1)
	assert.Equal(t, []string{"mk-state"}, oneshot.Setup[0].Exec)
	assert.Equal(t, "/tmp/state-done", oneshot.Setup[0].Touchfile)
	assert.Equal(t, "early", oneshot.Setup[0].Tag)
}

func TestDeriveEnv(t *testing.T) {
	base := map[string]string{"PATH": "/bin", "DROP": "x", "KEEP": "y"}
	tr := &EnvTransform{
		PathAdd: map[string]string{"PATH": "/opt/hcp/bin", "NEWPATH": "/p"},
		Set:     map[string]string{"MODE": "prod"},
		Unset:   []string{"DROP"},
	}
	got := deriveEnv(tr, base)
	assert.Equal(t, "/bin:/opt/hcp/bin", got["PATH"])
	assert.Equal(t, "/p", got["NEWPATH"])
	assert.Equal(t, "prod", got["MODE"])
	assert.Equal(t, "y", got["KEEP"])
	_, dropped := got["DROP"]
	assert.False(t, dropped)
	// base untouched
	assert.Equal(t, "x", base["DROP"])
}

func TestRunSetup(t *testing.T) {
	dir := t.TempDir()
	touch := filepath.Join(dir, "done")
	l := loadLauncher(t, map[string]any{
		"services": []any{"svc"},
		"svc": map[string]any{
			"setup": map[string]any{
				"exec":      []any{"touch", touch},
				"touchfile": touch,
			},
		},
	})

	require.NoError(t, l.RunSetup(""))
	assert.FileExists(t, touch)

	// second run is skipped (the touchfile guards it)
	require.NoError(t, l.RunSetup(""))
}

func TestRunSetupMustCreateTouch(t *testing.T) {
	dir := t.TempDir()
	l := loadLauncher(t, map[string]any{
		"services": []any{"svc"},
		"svc": map[string]any{
			"setup": map[string]any{
				"exec":      []any{"true"},
				"touchfile": filepath.Join(dir, "never"),
			},
		},
	})
	err := l.RunSetup("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "didn't create")
}

func TestRunSetupTagFilter(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	l := loadLauncher(t, map[string]any{
		"services": []any{"svc"},
		"svc": map[string]any{
			"setup": []any{
				map[string]any{"exec": []any{"touch", a}, "touchfile": a, "tag": "one"},
				map[string]any{"exec": []any{"touch", b}, "touchfile": b, "tag": "two"},
			},
		},
	})
	require.NoError(t, l.RunSetup("one"))
	assert.FileExists(t, a)
	assert.NoFileExists(t, b)
}

func TestStartUntilReady(t *testing.T) {
	dir := t.TempDir()
	ready := filepath.Join(dir, "ready")
	l := loadLauncher(t, map[string]any{
		"services": []any{"svc"},
		"svc": map[string]any{
			"exec":  []any{"sh", "-c", "touch " + ready + " && sleep 30"},
			"until": ready,
		},
	})
	require.NoError(t, l.RunStart(""))
	assert.FileExists(t, ready)
	require.Len(t, l.started, 1)
	l.Shutdown()
}

func TestStartUntilServiceDies(t *testing.T) {
	dir := t.TempDir()
	l := loadLauncher(t, map[string]any{
		"services": []any{"svc"},
		"svc": map[string]any{
			"exec":  []any{"sh", "-c", "exit 3"},
			"until": filepath.Join(dir, "never"),
		},
	})
	err := l.RunStart("")
	require.Error(t, err)
	l.Shutdown()
}

func TestWaitReportsExit(t *testing.T) {
	l := loadLauncher(t, map[string]any{
		"services": []any{"svc"},
		"svc": map[string]any{
			"exec": []any{"sh", "-c", "exit 7"},
		},
	})
	require.NoError(t, l.RunStart(""))
	name, code, exited := l.Wait()
	assert.True(t, exited)
	assert.Equal(t, "svc", name)
	assert.Equal(t, 7, code)
}

func TestResolveTargets(t *testing.T) {
	l := loadLauncher(t, map[string]any{
		"services":        []any{"svc"},
		"default_targets": []any{"setup", "start"},
		"args_for":        "svc",
		"svc":             map[string]any{"exec": "serve", "args": []any{"--default"}},
	})

	tgts, err := l.ResolveTargets([]string{"setup", "start-web"})
	require.NoError(t, err)
	require.Len(t, tgts, 2)
	assert.Equal(t, Target{Kind: "setup"}, tgts[0])
	assert.Equal(t, Target{Kind: "start", Tag: "web"}, tgts[1])

	tgts, err = l.ResolveTargets([]string{"exec-svc"})
	require.NoError(t, err)
	assert.Equal(t, []Target{{Kind: "exec", Name: "svc"}}, tgts)

	tgts, err = l.ResolveTargets([]string{"custom", "echo", "hi"})
	require.NoError(t, err)
	assert.Equal(t, []Target{{Kind: "custom", Argv: []string{"echo", "hi"}}}, tgts)

	// a bare unknown word behaves like custom
	tgts, err = l.ResolveTargets([]string{"echo", "hi"})
	require.NoError(t, err)
	assert.Equal(t, []Target{{Kind: "custom", Argv: []string{"echo", "hi"}}}, tgts)

	// '-'-prefixed argv goes to the args_for service, after the default
	// targets are queued
	tgts, err = l.ResolveTargets([]string{"--port", "9090"})
	require.NoError(t, err)
	require.Len(t, tgts, 2)
	assert.Equal(t, "setup", tgts[0].Kind)
	assert.Equal(t, "start", tgts[1].Kind)
	assert.Equal(t, []string{"--port", "9090"}, l.findService("svc").Args)
}

func TestResolveTargetsEnvFallback(t *testing.T) {
	l := loadLauncher(t, map[string]any{
		"services":        []any{},
		"default_targets": []any{"setup"},
	})
	t.Setenv(EnvTargets, "start")
	tgts, err := l.ResolveTargets(nil)
	require.NoError(t, err)
	assert.Equal(t, []Target{{Kind: "start"}}, tgts)

	t.Setenv(EnvTargets, "")
	tgts, err = l.ResolveTargets(nil)
	require.NoError(t, err)
	assert.Equal(t, []Target{{Kind: "setup"}}, tgts)
}

func TestRunCustomExitCode(t *testing.T) {
	l := loadLauncher(t, map[string]any{"services": []any{}})
	code, err := l.RunCustom([]string{"sh", "-c", "exit 5"})
	require.NoError(t, err)
	assert.Equal(t, 5, code)
}
