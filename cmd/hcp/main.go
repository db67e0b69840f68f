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

// Package main implements the HCP CLI: the service planes of the Host
// Cryptographic Provisioning system and the operation executors they drive.
//
// Usage:
//
//	hcp emgmt                   Enrollment management HTTP service
//	hcp policy                  Policy sidecar HTTP service
//	hcp op <verb> [args...]     Run one enrollment-db operation
//	hcp launcher [targets...]   Supervise a workload's services
//	hcp reenroller              Hint-driven reenrollment scheduler
//	hcp init                    Initialise the enrollment repository
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/hcp/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"     // Version string
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// GlobalFlags holds the global CLI flags that apply to all commands.
type GlobalFlags struct {
	JSON    bool // Output in JSON format (for applicable commands)
	NoColor bool // Disable color output
	Verbose int  // Verbosity level: 0=normal, 1=-v (info), 2=-vv (debug)
	Quiet   bool // Suppress non-essential output
}

// newLogger builds the process logger. Executors and services log to
// stderr only; stdout belongs to the executor JSON contract.
func newLogger(globals GlobalFlags) *slog.Logger {
	level := slog.LevelWarn
	verbose := globals.Verbose
	if v := os.Getenv("VERBOSE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > verbose {
			verbose = n
		}
	}
	switch {
	case globals.Quiet:
		level = slog.LevelError
	case verbose == 1:
		level = slog.LevelInfo
	case verbose >= 2:
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		configPath  = flag.StringP("config", "c", "", "Path to the workload config (default: $HCP_CONFIG_FILE)")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format (for applicable commands)")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Increase verbosity (-v for info, -vv for debug)")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output")
	)

	// Stop parsing at the first non-flag argument (the command name), so
	// subcommand flags like "emgmt --port" reach their handlers instead of
	// being rejected here.
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `HCP - Host Cryptographic Provisioning

HCP issues per-host cryptographic assets (keytabs, PKINIT credentials,
x509 host certificates, TLS material) bound to each host's TPM
endorsement key, and distributes them after attestation. One binary
carries the service planes and the privilege-separated operation
executors behind them.

Usage:
  hcp <command> [options]

Commands:
  emgmt         Enrollment management HTTP service
  policy        Policy sidecar HTTP service
  op            Run one enrollment-db operation (executor demux)
  launcher      Supervise a workload's services
  reenroller    Hint-driven reenrollment scheduler
  init          Initialise the enrollment repository

Global Options:
  --json            Output in JSON format (for applicable commands)
  --no-color        Disable color output (respects NO_COLOR env var)
  -v, --verbose     Increase verbosity (-v for info, -vv for debug)
  -q, --quiet       Suppress non-essential output
  -c, --config      Path to the workload config JSON/YAML
  -V, --version     Show version and exit

Configuration:
  All commands share one workload config document, addressed by
  HCP_CONFIG_FILE (or --config) and narrowed by HCP_CONFIG_SCOPE.

Examples:
  hcp init                         Create the enrollment repository
  hcp emgmt                        Serve the management API
  hcp op query '{"ekpubhash": "0d3f", "nofiles": false}'
  hcp launcher setup start         Set up and start the workload

For detailed command help: hcp <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("hcp version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}
	if *quiet && *verbose > 0 {
		fmt.Fprintf(os.Stderr, "Error: cannot use --quiet and --verbose together\n")
		os.Exit(1)
	}
	if *jsonOutput {
		*quiet = true
	}

	globals := GlobalFlags{
		JSON:    *jsonOutput,
		NoColor: *noColor,
		Verbose: *verbose,
		Quiet:   *quiet,
	}
	ui.InitColors(globals.NoColor)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "emgmt":
		runEmgmt(cmdArgs, *configPath, globals)
	case "policy":
		runPolicySvc(cmdArgs, *configPath, globals)
	case "op":
		os.Exit(runOp(cmdArgs, *configPath, globals))
	case "launcher":
		os.Exit(runLauncher(cmdArgs, *configPath, globals))
	case "reenroller":
		runReenroller(cmdArgs, *configPath, globals)
	case "init":
		runInit(cmdArgs, *configPath, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
