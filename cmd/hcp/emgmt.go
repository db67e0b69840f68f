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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/hcp/internal/errors"
	"github.com/kraklabs/hcp/internal/exitstatus"
	"github.com/kraklabs/hcp/pkg/hcpcfg"
	"github.com/kraklabs/hcp/pkg/jsonexpand"
)

// emgmtServer is the enrollment management web front-end. It runs as an
// unprivileged identity with no filesystem access to the enrollment state:
// every operation goes across the privilege-separation channel (a pinholed,
// environment-scrubbed runner invoking "op <verb>" as the state-owning
// identity), whose exit code is an HTTP status and whose stdout is the
// response body.
type emgmtServer struct {
	logger           *slog.Logger
	runner           []string
	assetSigner      string
	clientCertHeader string
	requests         *prometheus.CounterVec
}

func runEmgmt(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("emgmt", flag.ExitOnError)
	port := fs.StringP("port", "p", "", "Port to listen on")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: hcp emgmt [options]

Description:
  Serve the enrollment management API. Handlers validate each request,
  assemble its JSON job description, and hand it to the matching
  operation executor across the privilege-separation channel.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Config (scope .enrollsvc.web):
  port                Listen port (default 8080)
  runner              Privilege-separation command prefix, eg.
                      ["sudo", "-u", "emgmtdb", "/usr/bin/hcp"]
                      (default: this binary, no identity switch)
  client_cert_header  Header carrying the terminator-forwarded client
                      certificate PEM (default "ssl-client-cert")
  cors_origins        Allowed CORS origins (optional)

Config (scope .enrollsvc):
  asset_signer        Asset-signing trust anchor PEM served at
                      /v1/get-asset-signer
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

	if *port == "" {
		*port, err = cfg.StringOr(".enrollsvc.web.port", hcpcfg.GetEnv("HCP_EMGMT_PORT", "8080"))
		if err != nil {
			errors.FatalError(err, globals.JSON)
		}
	}

	runner, err := cfg.StringsOr(".enrollsvc.web.runner", nil)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	if len(runner) == 0 {
		self, err := os.Executable()
		if err != nil {
			errors.FatalError(errors.NewInternalError(
				"Cannot locate own binary",
				"The default op runner execs this binary",
				"Configure .enrollsvc.web.runner explicitly",
				err,
			), globals.JSON)
		}
		runner = []string{self}
	}

	assetSigner, err := cfg.StringOr(".enrollsvc.asset_signer", "/enrollsigner/key.pem")
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	certHeader, err := cfg.StringOr(".enrollsvc.web.client_cert_header", "ssl-client-cert")
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	corsOrigins, err := cfg.StringsOr(".enrollsvc.web.cors_origins", nil)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	srv := &emgmtServer{
		logger:           logger,
		runner:           runner,
		assetSigner:      assetSigner,
		clientCertHeader: certHeader,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hcp_emgmt_requests_total",
			Help: "Management API requests by verb and response code.",
		}, []string{"verb", "code"}),
	}
	prometheus.MustRegister(srv.requests)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{"GET", "POST"},
		}))
	}

	r.Get("/", srv.handleHome)
	r.Get("/healthcheck", srv.handleHealthcheck)
	r.Post("/v1/add", srv.handleAdd)
	r.Get("/v1/query", srv.handleQuery)
	r.Post("/v1/delete", srv.handleDelete)
	r.Post("/v1/reenroll", srv.handleReenroll)
	r.Get("/v1/find", srv.handleFind)
	r.Get("/v1/janitor", srv.handleJanitor)
	r.Get("/v1/get-asset-signer", srv.handleAssetSigner)
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
		logger.Info("emgmt.shutdown")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}()

	logger.Info("emgmt.listen", "port", *port, "runner", runner[0])
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

// invoke crosses the privilege-separation channel: run the op demux with
// the verb and its JSON argv, capture stdout and the exit code. The child's
// environment is scrubbed down to an allow-list.
func (s *emgmtServer) invoke(ctx context.Context, verb string, args ...string) (int, []byte) {
	argv := append(append(append([]string{}, s.runner[1:]...), "op", verb), args...)
	cmd := exec.CommandContext(ctx, s.runner[0], argv...)
	cmd.Env = scrubbedEnv()
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	code := 0
	if err != nil {
		ee, ok := err.(*exec.ExitError)
		if !ok {
			s.logger.Error("emgmt.invoke.spawn_failed", "verb", verb, "err", err)
			return http.StatusInternalServerError, nil
		}
		code = ee.ExitCode()
	}
	status := exitstatus.ToHTTP(code)
	s.logger.Info("emgmt.invoke", "verb", verb, "exit", code, "status", status)
	return status, stdout.Bytes()
}

// scrubbedEnv is the allow-list preserved across the channel.
func scrubbedEnv() []string {
	var env []string
	for _, k := range []string{hcpcfg.EnvConfigFile, hcpcfg.EnvConfigScope, "PATH", "VERBOSE", "HOME"} {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// respond translates an executor outcome into the HTTP response: 2xx means
// stdout is the JSON body, anything else gets a short error body.
func (s *emgmtServer) respond(w http.ResponseWriter, verb string, status int, stdout []byte) {
	if status >= 200 && status < 300 {
		if !json.Valid(stdout) {
			s.logger.Error("emgmt.bad_json", "verb", verb)
			status = http.StatusInternalServerError
			s.requests.WithLabelValues(verb, strconv.Itoa(status)).Inc()
			http.Error(w, "Server JSON error", status)
			return
		}
		s.requests.WithLabelValues(verb, strconv.Itoa(status)).Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(stdout)
		return
	}
	s.requests.WithLabelValues(verb, strconv.Itoa(status)).Inc()
	http.Error(w, "Error", status)
}

// requestData assembles the metadata merged into every job description:
// the request URI plus whatever client-authentication material the HTTPS
// terminator forwarded.
func (s *emgmtServer) requestData(r *http.Request, uri string) map[string]any {
	auth := map[string]any{}
	if pem := r.Header.Get(s.clientCertHeader); pem != "" {
		auth["client_cert"] = pem
	}
	return map[string]any{
		"uri":  uri,
		"auth": auth,
	}
}

var unsafeFilenameRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// secureFilename flattens an uploaded filename to a safe basename.
func secureFilename(name string) string {
	name = filepath.Base(name)
	name = unsafeFilenameRe.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == ".." {
		name = "upload"
	}
	return name
}

func (s *emgmtServer) handleAdd(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Error: bad multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("ekpub")
	if err != nil {
		http.Error(w, "Error: ekpub not in request", http.StatusBadRequest)
		return
	}
	defer file.Close()
	hostnameField := r.FormValue("hostname")
	if hostnameField == "" {
		http.Error(w, "Error: hostname not in request", http.StatusBadRequest)
		return
	}
	profile := r.FormValue("profile")
	if profile == "" {
		profile = "{}"
	}

	var formData any
	if err := json.Unmarshal([]byte(profile), &formData); err != nil {
		http.Error(w, "Error: profile is not JSON", http.StatusBadRequest)
		return
	}
	requestJSON, err := json.Marshal(jsonexpand.Union(formData, s.requestData(r, "/v1/add")))
	if err != nil {
		http.Error(w, "Error", http.StatusInternalServerError)
		return
	}

	// The ek.pub lands in a fresh directory that the state-owning identity
	// can traverse into.
	tmp, err := os.MkdirTemp("", "ekpub-")
	if err != nil {
		http.Error(w, "Error", http.StatusInternalServerError)
		return
	}
	defer os.RemoveAll(tmp)
	if err := os.Chmod(tmp, 0755); err != nil {
		http.Error(w, "Error", http.StatusInternalServerError)
		return
	}
	localEkpub := filepath.Join(tmp, secureFilename(header.Filename))
	out, err := os.Create(localEkpub)
	if err != nil {
		http.Error(w, "Error", http.StatusInternalServerError)
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		http.Error(w, "Error", http.StatusInternalServerError)
		return
	}
	if err := out.Close(); err != nil {
		http.Error(w, "Error", http.StatusInternalServerError)
		return
	}
	if err := os.Chmod(localEkpub, 0644); err != nil {
		http.Error(w, "Error", http.StatusInternalServerError)
		return
	}

	status, stdout := s.invoke(r.Context(), "add", localEkpub, hostnameField, string(requestJSON))
	s.respond(w, "add", status, stdout)
}

func (s *emgmtServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("ekpubhash") {
		http.Error(w, "Error: ekpubhash not in request", http.StatusBadRequest)
		return
	}
	requestData := s.requestData(r, "/v1/query")
	requestData["ekpubhash"] = q.Get("ekpubhash")
	requestData["nofiles"] = q.Has("nofiles")
	requestJSON, _ := json.Marshal(requestData)

	status, stdout := s.invoke(r.Context(), "query", string(requestJSON))
	s.respond(w, "query", status, stdout)
}

func (s *emgmtServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Error: bad form", http.StatusBadRequest)
		return
	}
	if !r.PostForm.Has("ekpubhash") {
		http.Error(w, "Error: ekpubhash not in request", http.StatusBadRequest)
		return
	}
	requestData := s.requestData(r, "/v1/delete")
	requestData["ekpubhash"] = r.PostForm.Get("ekpubhash")
	requestData["nofiles"] = r.PostForm.Has("nofiles")
	requestJSON, _ := json.Marshal(requestData)

	status, stdout := s.invoke(r.Context(), "delete", string(requestJSON))
	s.respond(w, "delete", status, stdout)
}

func (s *emgmtServer) handleReenroll(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Error: bad form", http.StatusBadRequest)
		return
	}
	if !r.PostForm.Has("ekpubhash") {
		http.Error(w, "Error: ekpubhash not in request", http.StatusBadRequest)
		return
	}
	requestData := s.requestData(r, "/v1/reenroll")
	requestData["ekpubhash"] = r.PostForm.Get("ekpubhash")
	requestJSON, _ := json.Marshal(requestData)

	status, stdout := s.invoke(r.Context(), "reenroll", string(requestJSON))
	s.respond(w, "reenroll", status, stdout)
}

func (s *emgmtServer) handleFind(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("hostname_regex") {
		http.Error(w, "Error: hostname_regex not in request", http.StatusBadRequest)
		return
	}
	requestData := s.requestData(r, "/v1/find")
	requestData["hostname_regex"] = q.Get("hostname_regex")
	requestJSON, _ := json.Marshal(requestData)

	status, stdout := s.invoke(r.Context(), "find", string(requestJSON))
	s.respond(w, "find", status, stdout)
}

func (s *emgmtServer) handleJanitor(w http.ResponseWriter, r *http.Request) {
	status, stdout := s.invoke(r.Context(), "janitor")
	s.respond(w, "janitor", status, stdout)
}

func (s *emgmtServer) handleAssetSigner(w http.ResponseWriter, r *http.Request) {
	f, err := os.Open(s.assetSigner)
	if err != nil {
		http.Error(w, "Error", http.StatusInternalServerError)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="asset-signer.pem"`)
	_, _ = io.Copy(w, f)
}

func (s *emgmtServer) handleHealthcheck(w http.ResponseWriter, _ *http.Request) {
	_, _ = io.WriteString(w, "<h1>Healthcheck</h1>\n")
}

func (s *emgmtServer) handleHome(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, `<h1>Enrollment Service Management API</h1>
<hr>

<h2>To add a new host entry;</h2>
<form method="post" enctype="multipart/form-data" action="/v1/add">
<table>
<tr><td>ekpub</td><td><input type=file name=ekpub></td></tr>
<tr><td>hostname</td><td><input type=text name=hostname></td></tr>
<tr><td>profile</td><td><input type=text name=profile></td></tr>
</table>
<input type="submit" value="Enroll">
</form>

<h2>To query host entries;</h2>
<form method="get" action="/v1/query">
<table>
<tr><td>ekpubhash prefix</td><td><input type=text name=ekpubhash></td></tr>
</table>
<input type="submit" value="Query">
</form>

<h2>To delete host entries;</h2>
<form method="post" action="/v1/delete">
<table>
<tr><td>ekpubhash prefix</td><td><input type=text name=ekpubhash></td></tr>
</table>
<input type="submit" value="Delete">
</form>

<h2>To reenroll a host entry;</h2>
<form method="post" action="/v1/reenroll">
<table>
<tr><td>ekpubhash</td><td><input type=text name=ekpubhash></td></tr>
</table>
<input type="submit" value="Reenroll">
</form>

<h2>To find host entries by hostname regex;</h2>
<form method="get" action="/v1/find">
<table>
<tr><td>hostname regex</td><td><input type=text name=hostname_regex></td></tr>
</table>
<input type="submit" value="Find">
</form>

<h2>To trigger the janitor (looks for known issues, regenerates the
hn2ek table, etc);</h2>
<form method="get" action="/v1/janitor">
<input type="submit" value="Janitor">
</form>

<h2>To retrieve the asset-signing trust anchor;</h2>
<a href="/v1/get-asset-signer">Click here</a>
`)
}
