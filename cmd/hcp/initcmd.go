// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/hcp/internal/errors"
	"github.com/kraklabs/hcp/internal/ui"
	"github.com/kraklabs/hcp/pkg/enrolldb"
	"github.com/kraklabs/hcp/pkg/hcpcfg"
)

// runInit creates the enrollment repository the executors mutate. This is
// run once, as the state-owning identity, before the services start.
func runInit(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: hcp init

Description:
  Initialise the enrollment database: a git repository with an empty
  record tree and hostname index, at <.enrollsvc.state>/db/%s.
`, enrolldb.RepoName)
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

	store := enrolldb.NewStore(state, logger)
	if err := store.Init(context.Background()); err != nil {
		errors.FatalError(errors.NewDatabaseError(
			"Cannot initialise the enrollment database",
			err.Error(),
			"Check the .enrollsvc.state directory and its permissions",
			err,
		), globals.JSON)
	}
	ui.Successf("Enrollment database initialised at %s", store.RepoPath())
}
