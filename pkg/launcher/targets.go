// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package launcher

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"os/exec"
)

// Target is one resolved action from the launcher's argv.
type Target struct {
	Kind string // "setup", "start", "exec", "custom"
	Tag  string // tag filter for setup/start
	Name string // service name for exec
	Argv []string
}

// ResolveTargets turns the launcher's argv into an action list. With no
// argv the targets come from HCP_LAUNCHER_TGTS, else the config's
// default_targets. Recognised words are consumed left to right:
//
//	none setup setup-<tag> start start-<tag> exec-<name> custom <argv…>
//
// A '-'-prefixed token (or "--") hands the remaining argv to the args_for
// service as its arguments, prepending the default targets if none were
// named yet. Any other token makes it and the rest a custom command.
func (l *Launcher) ResolveTargets(argv []string) ([]Target, error) {
	actions := append([]string{}, argv...)
	if len(actions) == 0 {
		if tgts := os.Getenv(EnvTargets); tgts != "" {
			actions = strings.Fields(tgts)
		} else {
			actions = append(actions, l.DefaultTargets...)
		}
	}
	_ = os.Setenv(EnvTargets, strings.Join(actions, " "))

	var targets []Target
	for len(actions) > 0 {
		action := actions[0]
		actions = actions[1:]
		switch {
		case action == "none":
		case action == "setup":
			targets = append(targets, Target{Kind: "setup"})
		case strings.HasPrefix(action, "setup-"):
			targets = append(targets, Target{Kind: "setup", Tag: strings.TrimPrefix(action, "setup-")})
		case action == "start":
			targets = append(targets, Target{Kind: "start"})
		case strings.HasPrefix(action, "start-"):
			targets = append(targets, Target{Kind: "start", Tag: strings.TrimPrefix(action, "start-")})
		case action == "custom":
			targets = append(targets, Target{Kind: "custom", Argv: actions})
			actions = nil
		case strings.HasPrefix(action, "exec-"):
			targets = append(targets, Target{Kind: "exec", Name: strings.TrimPrefix(action, "exec-")})
		case strings.HasPrefix(action, "-"):
			if l.ArgsFor == "" || l.findService(l.ArgsFor) == nil {
				return nil, fmt.Errorf("given arguments, but there's no 'args_for' service")
			}
			if action != "--" {
				actions = append([]string{action}, actions...)
			}
			if len(targets) == 0 {
				// Arguments alone mean "the default targets, with these
				// arguments", so queue the defaults and come around again.
				if action == "--" {
					actions = append([]string{action}, actions...)
				}
				actions = append(append([]string{}, l.DefaultTargets...), actions...)
				continue
			}
			l.findService(l.ArgsFor).Args = actions
			actions = nil
		default:
			targets = append(targets, Target{Kind: "custom", Argv: append([]string{action}, actions...)})
			actions = nil
		}
	}
	return targets, nil
}

func (l *Launcher) findService(name string) *Service {
	for _, svc := range l.Services {
		if svc.Name == name {
			return svc
		}
	}
	return nil
}

// Run executes the resolved targets, supervises whatever got started, and
// tears down on any failure. The returned code is the process exit code;
// err describes the failure that caused a bail.
func (l *Launcher) Run(targets []Target) (int, error) {
	var bail error

	for _, t := range targets {
		switch t.Kind {
		case "setup":
			bail = l.RunSetup(t.Tag)
		case "start":
			bail = l.RunStart(t.Tag)
		case "exec":
			// Only returns on failure.
			bail = l.ExecService(t.Name)
		case "custom":
			code, err := l.RunCustom(t.Argv)
			if err != nil {
				bail = err
				break
			}
			l.Shutdown()
			return code, nil
		default:
			bail = fmt.Errorf("internal bug, bad target %q", t.Kind)
		}
		if bail != nil {
			break
		}
	}

	var name string
	var code int
	var exited bool
	if bail == nil {
		l.logger.Info("launcher.waiting")
		name, code, exited = l.Wait()
	}

	// Whether bailing or done, encourage any remaining children to exit.
	l.Shutdown()

	if bail != nil {
		return 1, bail
	}
	if exited && code != 0 {
		return code, fmt.Errorf("service %q failed: %d", name, code)
	}

	if len(l.LightsOut) > 0 {
		path, err := exec.LookPath(l.LightsOut[0])
		if err != nil {
			return 1, fmt.Errorf("lights_out: %w", err)
		}
		l.logger.Info("launcher.lights_out", "exec", strings.Join(l.LightsOut, " "))
		if err := syscall.Exec(path, l.LightsOut, envSlice(l.baseEnv)); err != nil {
			return 1, fmt.Errorf("lights_out: %w", err)
		}
	}
	return 0, nil
}
