// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package launcher is the declarative service supervisor. A workload's
// config names its services; each service can have setup steps (guarded by
// touchfiles, so they run once) and a long-running exec (optionally waited
// on via a readiness touchfile). The launcher sequences setup, starts
// services, reaps them, and tears everything down when one fails.
package launcher

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/kraklabs/hcp/pkg/hcpcfg"
)

const (
	// untilPollDelay paces readiness-touchfile polling; reapPollDelay
	// paces the supervision loop.
	untilPollDelay = 500 * time.Millisecond
	reapPollDelay  = 2 * time.Second

	// EnvTargets lets a container entrypoint inherit its targets when
	// re-invoked without argv.
	EnvTargets = "HCP_LAUNCHER_TGTS"
)

// EnvTransform is a config 'env' section: unset, then set, then pathadd.
type EnvTransform struct {
	PathAdd map[string]string
	Set     map[string]string
	Unset   []string
}

// Setup is one guarded setup step. If the touch target exists the step is
// skipped; otherwise Exec runs and must create the target.
type Setup struct {
	Exec      []string
	Touchfile string
	Touchdir  string
	Tag       string
}

// touchDone reports whether the step's touch target exists (a step with no
// target never reads as done).
func (s *Setup) touchDone() bool {
	if s.Touchfile != "" {
		st, err := os.Stat(s.Touchfile)
		return err == nil && !st.IsDir()
	}
	if s.Touchdir != "" {
		st, err := os.Stat(s.Touchdir)
		return err == nil && st.IsDir()
	}
	return false
}

func (s *Setup) touchName() string {
	if s.Touchfile != "" {
		return s.Touchfile
	}
	return s.Touchdir
}

// Service is one curated entry from the config's services list.
type Service struct {
	Name   string
	Exec   []string // full command, including any runuser prefix
	Args   []string
	Until  string // readiness touchfile
	Tag    string
	NoWait bool
	Setup  []Setup
	Env    *EnvTransform
}

// child tracks a started subprocess.
type child struct {
	svc     *Service
	cmd     *exec.Cmd
	waitCh  chan error
	exited  bool
	exitErr error
}

// poll checks without blocking whether the child has exited.
func (c *child) poll() bool {
	if !c.exited {
		select {
		case err := <-c.waitCh:
			c.exited = true
			c.exitErr = err
		default:
		}
	}
	return c.exited
}

func (c *child) exitCode() int {
	if c.exitErr == nil {
		return 0
	}
	if ee, ok := c.exitErr.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return 1
}

// Launcher is a parsed supervisor config plus its runtime state.
type Launcher struct {
	ID             string
	Services       []*Service
	DefaultTargets []string
	ArgsFor        string
	LightsOut      []string

	baseEnv map[string]string
	logger  *slog.Logger
	started []*child
}

// Load curates the launcher's view of the workload config.
func Load(cfg *hcpcfg.Config, logger *slog.Logger) (*Launcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Launcher{logger: logger, baseEnv: environMap()}

	var err error
	if l.ID, err = cfg.StringOr(".id", "unknown_id"); err != nil {
		return nil, err
	}
	names, err := cfg.StringsOr(".services", nil)
	if err != nil {
		return nil, err
	}
	if l.DefaultTargets, err = cfg.StringsOr(".default_targets", []string{"setup", "start"}); err != nil {
		return nil, err
	}
	if l.ArgsFor, err = cfg.StringOr(".args_for", ""); err != nil {
		return nil, err
	}
	if l.LightsOut, err = cfg.StringsOr(".lights_out", nil); err != nil {
		return nil, err
	}

	// A global env section applies to the launcher itself and is the base
	// every per-service env derives from.
	if globalEnv, ok, err := extractEnv(cfg, "."); err != nil {
		return nil, err
	} else if ok {
		l.baseEnv = deriveEnv(globalEnv, l.baseEnv)
	}

	for _, name := range names {
		sub, err := cfg.Shrink("." + name)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", name, err)
		}
		svc, err := loadService(name, sub)
		if err != nil {
			return nil, err
		}
		l.Services = append(l.Services, svc)
	}
	return l, nil
}

func loadService(name string, cfg *hcpcfg.Config) (*Service, error) {
	svc := &Service{Name: name}

	execv, err := cfg.StringsOr(".exec", nil)
	if err != nil {
		return nil, fmt.Errorf("service %q: exec: %w", name, err)
	}
	if len(execv) > 0 {
		if svc.Until, err = cfg.StringOr(".until", ""); err != nil {
			return nil, err
		}
		if svc.Tag, err = cfg.StringOr(".tag", ""); err != nil {
			return nil, err
		}
		uid, err := cfg.StringOr(".uid", "")
		if err != nil {
			return nil, err
		}
		gid, err := cfg.StringOr(".gid", "")
		if err != nil {
			return nil, err
		}
		// Dropping privileges goes through runuser, preserving only the
		// config-pointer variables across the identity switch.
		if uid != "" {
			prefix := []string{"runuser", "-w", hcpcfg.EnvConfigFile + "," + hcpcfg.EnvConfigScope}
			if gid != "" {
				prefix = append(prefix, "-g", gid)
			}
			prefix = append(prefix, "-u", uid, "--")
			execv = append(prefix, execv...)
		}
		svc.Exec = execv
		if svc.Args, err = cfg.StringsOr(".args", nil); err != nil {
			return nil, err
		}
		if svc.NoWait, err = cfg.BoolOr(".nowait", false); err != nil {
			return nil, err
		}
	}

	rawSetup, ok, err := cfg.Extract(".setup")
	if err != nil {
		return nil, err
	}
	if ok {
		entries, ok := rawSetup.([]any)
		if !ok {
			entries = []any{rawSetup}
		}
		for i, raw := range entries {
			step, err := loadSetup(name, i, raw)
			if err != nil {
				return nil, err
			}
			svc.Setup = append(svc.Setup, step)
		}
	}

	if envObj, ok, err := extractEnv(cfg, "."); err != nil {
		return nil, err
	} else if ok {
		svc.Env = envObj
	}
	return svc, nil
}

func loadSetup(name string, i int, raw any) (Setup, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return Setup{}, fmt.Errorf("service %q: setup[%d] must be an object", name, i)
	}
	var step Setup
	switch e := obj["exec"].(type) {
	case nil:
	case string:
		step.Exec = []string{e}
	case []any:
		for _, v := range e {
			s, ok := v.(string)
			if !ok {
				return Setup{}, fmt.Errorf("service %q: setup[%d]: exec entries must be strings", name, i)
			}
			step.Exec = append(step.Exec, s)
		}
	default:
		return Setup{}, fmt.Errorf("service %q: setup[%d]: exec must be a string or list", name, i)
	}
	if tf, ok := obj["touchfile"]; ok {
		s, sok := tf.(string)
		if !sok {
			return Setup{}, fmt.Errorf("service %q: setup[%d]: touchfile must be a string", name, i)
		}
		step.Touchfile = s
	}
	if td, ok := obj["touchdir"]; ok {
		if step.Touchfile != "" {
			return Setup{}, fmt.Errorf("service %q: setup[%d]: touchfile and touchdir can't both be provided", name, i)
		}
		s, sok := td.(string)
		if !sok {
			return Setup{}, fmt.Errorf("service %q: setup[%d]: touchdir must be a string", name, i)
		}
		step.Touchdir = s
	}
	if tag, ok := obj["tag"]; ok {
		s, sok := tag.(string)
		if !sok {
			return Setup{}, fmt.Errorf("service %q: setup[%d]: tag must be a string", name, i)
		}
		step.Tag = s
	}
	return step, nil
}

// extractEnv reads an 'env' section at path, if any.
func extractEnv(cfg *hcpcfg.Config, path string) (*EnvTransform, bool, error) {
	raw, ok, err := cfg.Extract(strings.TrimSuffix(path, ".") + ".env")
	if err != nil || !ok {
		return nil, false, err
	}
	obj, isObj := raw.(map[string]any)
	if !isObj {
		return nil, false, fmt.Errorf("'env' must be an object")
	}
	tr := &EnvTransform{PathAdd: map[string]string{}, Set: map[string]string{}}
	for section, rawVal := range obj {
		vals, isObj := rawVal.(map[string]any)
		if !isObj {
			return nil, false, fmt.Errorf("'env:%s' must be an object", section)
		}
		switch section {
		case "pathadd", "set":
			for k, v := range vals {
				s, isStr := v.(string)
				if !isStr {
					// Non-string values are carried as their JSON encoding.
					enc, err := jsonEncode(v)
					if err != nil {
						return nil, false, err
					}
					s = enc
				}
				if section == "pathadd" {
					tr.PathAdd[k] = s
				} else {
					tr.Set[k] = s
				}
			}
		case "unset":
			for k, v := range vals {
				if v != nil {
					return nil, false, fmt.Errorf("'env:unset:%s' must be null", k)
				}
				tr.Unset = append(tr.Unset, k)
			}
		default:
			return nil, false, fmt.Errorf("'env' supports pathadd/set/unset (not %q)", section)
		}
	}
	sort.Strings(tr.Unset)
	return tr, true, nil
}

// deriveEnv applies a transform to a base environment, returning a new one.
func deriveEnv(tr *EnvTransform, base map[string]string) map[string]string {
	newenv := make(map[string]string, len(base))
	for k, v := range base {
		newenv[k] = v
	}
	for _, k := range tr.Unset {
		delete(newenv, k)
	}
	for k, v := range tr.Set {
		newenv[k] = v
	}
	for k, v := range tr.PathAdd {
		if cur, ok := newenv[k]; ok && cur != "" {
			newenv[k] = cur + ":" + v
		} else {
			newenv[k] = v
		}
	}
	return newenv
}

// serviceEnv resolves the environment one service's subprocesses see.
func (l *Launcher) serviceEnv(svc *Service) []string {
	env := l.baseEnv
	if svc.Env != nil {
		env = deriveEnv(svc.Env, l.baseEnv)
	}
	return envSlice(env)
}

func environMap() map[string]string {
	m := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func envSlice(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(m))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

// RunSetup runs every (tag-matching) setup step of every service. A step
// whose touch target already exists is skipped; one that runs must create
// its target.
func (l *Launcher) RunSetup(tag string) error {
	for _, svc := range l.Services {
		for _, s := range svc.Setup {
			if tag != "" && tag != s.Tag {
				continue
			}
			if s.touchName() != "" && s.touchDone() {
				l.logger.Info("launcher.setup.skip", "service", svc.Name, "touch", s.touchName())
				continue
			}
			if len(s.Exec) == 0 {
				return fmt.Errorf("service %q: %q has no setup function", svc.Name, s.touchName())
			}
			l.logger.Info("launcher.setup.run", "service", svc.Name, "exec", strings.Join(s.Exec, " "))
			cmd := exec.Command(s.Exec[0], s.Exec[1:]...)
			cmd.Env = l.serviceEnv(svc)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("service %q: setup %q failed: %w", svc.Name, s.touchName(), err)
			}
			if s.touchName() != "" && !s.touchDone() {
				return fmt.Errorf("service %q: setup didn't create %q", svc.Name, s.touchName())
			}
		}
	}
	return nil
}

// RunStart starts every (tag-matching) service that has an exec, then waits
// for any 'until' readiness touchfiles to show up. A service that exits
// before its touchfile appears is fatal.
func (l *Launcher) RunStart(tag string) error {
	var pending []*child
	for _, svc := range l.Services {
		if len(svc.Exec) == 0 {
			continue
		}
		if tag != "" && tag != svc.Tag {
			continue
		}
		// A service with setup requirements must have been set up.
		for _, s := range svc.Setup {
			if s.touchName() != "" && !s.touchDone() {
				return fmt.Errorf("service %q: %q not setup", svc.Name, s.touchName())
			}
		}
		argv := append(append([]string{}, svc.Exec...), svc.Args...)
		l.logger.Info("launcher.start", "service", svc.Name, "exec", strings.Join(argv, " "))
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Env = l.serviceEnv(svc)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("service %q: start failed: %w", svc.Name, err)
		}
		c := &child{svc: svc, cmd: cmd, waitCh: make(chan error, 1)}
		go func() { c.waitCh <- c.cmd.Wait() }()
		if svc.Until != "" {
			pending = append(pending, c)
		} else {
			l.started = append(l.started, c)
		}
	}

	// Poll the pending services against their readiness touchfiles.
	for len(pending) > 0 {
		var still []*child
		for _, c := range pending {
			exited := c.poll()
			if exited && c.exitCode() != 0 {
				l.started = append(l.started, c)
				return fmt.Errorf("service %q failed before %q appeared", c.svc.Name, c.svc.Until)
			}
			if _, err := os.Stat(c.svc.Until); err == nil {
				l.logger.Info("launcher.ready", "service", c.svc.Name, "until", c.svc.Until)
				if !exited {
					l.started = append(l.started, c)
				}
				continue
			}
			if exited {
				return fmt.Errorf("service %q didn't produce %q", c.svc.Name, c.svc.Until)
			}
			still = append(still, c)
		}
		pending = still
		if len(pending) > 0 {
			time.Sleep(untilPollDelay)
		}
	}
	return nil
}

// Wait supervises the started services: it returns when every non-nowait
// service is gone, or as soon as any service exits (whose name and status
// it reports).
func (l *Launcher) Wait() (name string, code int, exited bool) {
	for {
		var still []*child
		numWaiting := 0
		for i, c := range l.started {
			if c.poll() {
				still = append(still, l.started[i+1:]...)
				l.started = still
				return c.svc.Name, c.exitCode(), true
			}
			if !c.svc.NoWait {
				numWaiting++
			}
			still = append(still, c)
		}
		l.started = still
		if numWaiting == 0 {
			return "", 0, false
		}
		time.Sleep(reapPollDelay)
	}
}

// Shutdown encourages everything still started to exit. The launcher must
// clean up after itself rather than leave processes dangling in contexts
// that outlive it.
func (l *Launcher) Shutdown() {
	for _, c := range l.started {
		if !c.poll() {
			l.logger.Info("launcher.terminate", "service", c.svc.Name)
			_ = c.cmd.Process.Signal(syscall.SIGTERM)
		}
	}
	l.started = nil
}

// ExecService replaces the current process with the named service's
// command (no setup is run).
func (l *Launcher) ExecService(name string) error {
	for _, svc := range l.Services {
		if svc.Name != name || len(svc.Exec) == 0 {
			continue
		}
		argv := append(append([]string{}, svc.Exec...), svc.Args...)
		path, err := exec.LookPath(argv[0])
		if err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
		l.logger.Info("launcher.exec", "service", name, "pid", os.Getpid())
		return syscall.Exec(path, argv, l.serviceEnv(svc))
	}
	return fmt.Errorf("service %q wasn't found", name)
}

// RunCustom runs an arbitrary command in place of the managed services and
// returns its exit code.
func (l *Launcher) RunCustom(argv []string) (int, error) {
	if len(argv) == 0 {
		return 1, fmt.Errorf("custom: empty command")
	}
	l.logger.Info("launcher.custom", "exec", strings.Join(argv, " "))
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = envSlice(l.baseEnv)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	err := cmd.Run()
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode(), nil
	}
	if err != nil {
		return 1, err
	}
	return 0, nil
}

func jsonEncode(v any) (string, error) {
	enc, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(enc), nil
}
