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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/hcp/internal/errors"
	"github.com/kraklabs/hcp/pkg/hcpcfg"
	"github.com/kraklabs/hcp/pkg/policy"
)

// policyServer is the sidecar wrapper around the policy engine: one hook
// endpoint that other services POST their composed request parameters to.
// The policy document is read once at start and reused for every request.
type policyServer struct {
	logger     *slog.Logger
	policyJSON []byte
	decisions  *prometheus.CounterVec
}

func runPolicySvc(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("policy", flag.ExitOnError)
	port := fs.StringP("port", "p", "", "Port to listen on")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: hcp policy [options]

Description:
  Serve the policy evaluation hook. POST /run with form fields
  'hookname', 'request_uid' and 'params' (JSON); 200 returns the
  (env-expanded) params on accept, 403 means rejected.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Config (scope .webapi):
  config    Path to the policy JSON document
  port      Listen port (default 9080)
`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	logger := newLogger(globals)
	cfg, err := hcpcfg.Load(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	policyPath, err := cfg.String(".webapi.config")
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	policyJSON, err := os.ReadFile(policyPath)
	if err != nil {
		errors.FatalError(errors.NewConfigError(
			"Cannot read policy document",
			fmt.Sprintf("Failed to read %s", policyPath),
			"Check the .webapi.config setting",
			err,
		), globals.JSON)
	}
	// Surface malformed policies at start, not per-request.
	if _, err := policy.Parse(policyJSON); err != nil {
		errors.FatalError(errors.NewConfigError(
			"Malformed policy document",
			err.Error(),
			fmt.Sprintf("Fix the filter definitions in %s", policyPath),
			err,
		), globals.JSON)
	}

	if *port == "" {
		*port, err = cfg.StringOr(".webapi.port", hcpcfg.GetEnv("HCP_POLICY_PORT", "9080"))
		if err != nil {
			errors.FatalError(err, globals.JSON)
		}
	}

	srv := &policyServer{
		logger:     logger,
		policyJSON: policyJSON,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hcp_policy_decisions_total",
			Help: "Policy hook decisions by action.",
		}, []string{"action"}),
	}
	prometheus.MustRegister(srv.decisions)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Get("/healthcheck", srv.handleHealthcheck)
	r.Post("/run", srv.handleRun)
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              ":" + *port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		logger.Info("policy.shutdown")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()

	logger.Info("policy.listen", "port", *port, "policy", policyPath)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func (s *policyServer) handleHealthcheck(w http.ResponseWriter, _ *http.Request) {
	_, _ = io.WriteString(w, "<h1>Healthcheck</h1>\n")
}

func (s *policyServer) handleRun(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil && err != http.ErrNotMultipart {
		http.Error(w, "Bad form input", http.StatusBadRequest)
		return
	}

	params := map[string]any{}
	if raw := r.FormValue("params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			http.Error(w, "Bad JSON input", http.StatusUnauthorized)
			return
		}
	}
	// Fold the caller's bookkeeping fields into the filtered data; params
	// must not carry conflicting fields of their own.
	if hookname := r.FormValue("hookname"); hookname != "" {
		params["hookname"] = hookname
	}
	if requestUID := r.FormValue("request_uid"); requestUID != "" {
		params["request_uid"] = requestUID
	}

	opts := policy.DefaultRunOpts()
	opts.KeepVars = true
	result, expanded, err := policy.Run(s.policyJSON, params, opts)
	if err != nil {
		s.logger.Error("policy.run_failed", "err", err)
		http.Error(w, "Policy evaluation error", http.StatusInternalServerError)
		return
	}

	s.decisions.WithLabelValues(result.Action).Inc()
	if result.Action != policy.ActionAccept {
		s.logger.Info("policy.reject",
			"last_filter", result.LastFilter,
			"reason", result.Reason,
			"hookname", params["hookname"],
			"request_uid", params["request_uid"],
		)
		http.Error(w, "Blocked by policy", http.StatusForbidden)
		return
	}

	s.logger.Info("policy.allow",
		"last_filter", result.LastFilter,
		"hookname", params["hookname"],
		"request_uid", params["request_uid"],
	)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(expanded)
}
