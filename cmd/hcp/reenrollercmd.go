// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/hcp/internal/errors"
	"github.com/kraklabs/hcp/internal/exitstatus"
	"github.com/kraklabs/hcp/pkg/enrolldb"
	"github.com/kraklabs/hcp/pkg/hcpcfg"
)

// runReenroller is the background scheduler: scan the record tree for due
// hint-reenroll deadlines and push each one through the reenroll executor.
func runReenroller(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("reenroller", flag.ExitOnError)
	once := fs.Bool("once", false, "Scan once and exit")
	period := fs.Duration("period", 0, "Scan period (default from config, else 5m)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: hcp reenroller [options]

Description:
  Watch for hint-reenroll-<YYYYMMDDhhmmss> markers in the enrollment
  database and reenroll each record whose deadline has passed. The
  reenroll executor is invoked directly (same binary, same status-code
  contract); the web layer is bypassed.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	logger := newLogger(globals)
	cfg, err := hcpcfg.Load(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	state, err := cfg.String(".enrollsvc.state")
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	if *period == 0 {
		raw, err := cfg.StringOr(".enrollsvc.reenroller.period", "5m")
		if err != nil {
			errors.FatalError(err, globals.JSON)
		}
		if *period, err = time.ParseDuration(raw); err != nil {
			errors.FatalError(errors.NewConfigError(
				"Invalid reenroller period",
				fmt.Sprintf("%q does not parse as a duration", raw),
				"Use forms like '5m' or '1h' in .enrollsvc.reenroller.period",
				err,
			), globals.JSON)
		}
	}

	self, err := os.Executable()
	if err != nil {
		errors.FatalError(errors.NewInternalError(
			"Cannot locate own binary",
			"The reenroller execs this binary's 'op reenroll'",
			"",
			err,
		), globals.JSON)
	}

	r := &enrolldb.Reenroller{
		Store:  enrolldb.NewStore(state, logger),
		Logger: logger,
		RunReenroll: func(ctx context.Context, ekpubhash string) (int, error) {
			clientJSON, err := json.Marshal(map[string]any{"ekpubhash": ekpubhash})
			if err != nil {
				return 0, err
			}
			cmd := exec.CommandContext(ctx, self, "op", "reenroll", string(clientJSON))
			cmd.Stdout = os.Stderr // the result JSON is only diagnostics here
			cmd.Stderr = os.Stderr
			err = cmd.Run()
			code := 0
			if err != nil {
				ee, ok := err.(*exec.ExitError)
				if !ok {
					return 0, err
				}
				code = ee.ExitCode()
			}
			return exitstatus.ToHTTP(code), nil
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *once {
		if err := r.ScanOnce(ctx, time.Now()); err != nil {
			errors.FatalError(errors.NewDatabaseError(
				"Reenrollment scan failed",
				err.Error(),
				"Inspect the enrollment database and the executor's stderr",
				err,
			), globals.JSON)
		}
		return
	}
	if err := r.Run(ctx, *period); err != nil && ctx.Err() == nil {
		errors.FatalError(errors.NewDatabaseError(
			"Reenroller stopped",
			err.Error(),
			"Inspect the enrollment database and the executor's stderr",
			err,
		), globals.JSON)
	}
}
