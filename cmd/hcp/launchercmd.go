// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/kraklabs/hcp/internal/errors"
	"github.com/kraklabs/hcp/pkg/hcpcfg"
	"github.com/kraklabs/hcp/pkg/launcher"
)

// runLauncher is the workload entrypoint: parse the config's services,
// resolve targets from argv, run them, supervise, tear down.
func runLauncher(args []string, configPath string, globals GlobalFlags) int {
	if len(args) > 0 && (args[0] == "--help" || args[0] == "-h") {
		fmt.Fprintf(os.Stderr, `Usage: hcp launcher [targets...]

Description:
  Supervise the services named by the workload config. With no targets,
  the config's default_targets run (usually "setup start").

Targets:
  setup           Run every setup step (touchfile-guarded)
  setup-<tag>     Run the setup steps carrying <tag>
  start           Start every service, waiting on 'until' touchfiles
  start-<tag>     Start the services carrying <tag>
  exec-<name>     Replace this process with the named service's command
  custom <cmd…>   Replace the managed services with an arbitrary command
  none            No-op (placeholder target)
  -- / -<arg>     Pass the remaining argv to the 'args_for' service

On any failure, everything started gets a SIGTERM before the launcher
exits with the error. A clean exit execs 'lights_out' when configured.
`)
		return 0
	}

	logger := newLogger(globals)

	// Independence from the caller's location, and a working directory a
	// deprivileged child can always stat.
	_ = os.Chdir("/")

	cfg, err := hcpcfg.Load(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	l, err := launcher.Load(cfg, logger)
	if err != nil {
		errors.FatalError(errors.NewConfigError(
			"Invalid launcher configuration",
			err.Error(),
			"Check the services/setup sections of the workload config",
			err,
		), globals.JSON)
	}

	targets, err := l.ResolveTargets(args)
	if err != nil {
		errors.FatalError(errors.NewInputError(
			"Cannot resolve launcher targets",
			err.Error(),
			"See 'hcp launcher --help' for the accepted targets",
			err,
		), globals.JSON)
	}

	code, err := l.Run(targets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
	}
	return code
}
