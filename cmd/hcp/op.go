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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/kraklabs/hcp/internal/exitstatus"
	"github.com/kraklabs/hcp/pkg/enrolldb"
	"github.com/kraklabs/hcp/pkg/hcpcfg"
)

// opArgCounts is the per-verb argv validation performed on the privileged
// side of the channel, mitigating a compromised web worker.
var opArgCounts = map[string]int{
	"add":      3, // <ekpub-path> <hostname> <clientjson>
	"reenroll": 1, // <clientjson>
	"query":    1, // <clientjson>
	"delete":   1, // <clientjson>
	"find":     1, // <clientjson>
	"janitor":  0,
}

// runOp is the executor demux. Anything that isn't the result JSON goes to
// stderr; stdout carries exactly one JSON document on success or a short
// error line on failure, and the returned exit code is the HTTP status
// compressed into 0-99.
func runOp(args []string, configPath string, globals GlobalFlags) int {
	logger := newLogger(globals)

	if len(args) < 1 {
		fmt.Println("missing operation verb")
		return exitstatus.FromHTTP(http.StatusBadRequest)
	}
	verb := args[0]
	rest := args[1:]
	want, known := opArgCounts[verb]
	if !known {
		fmt.Printf("unknown operation %q\n", verb)
		return exitstatus.FromHTTP(http.StatusBadRequest)
	}
	if len(rest) != want {
		fmt.Printf("%s: wrong number of arguments: %d\n", verb, len(rest))
		return exitstatus.FromHTTP(http.StatusBadRequest)
	}

	cfg, err := hcpcfg.Load(configPath)
	if err != nil {
		logger.Error("op.config", "err", err)
		fmt.Println("config error")
		return exitstatus.FromHTTP(http.StatusInternalServerError)
	}
	ops, err := buildOps(cfg, logger)
	if err != nil {
		logger.Error("op.setup", "err", err)
		fmt.Println("config error")
		return exitstatus.FromHTTP(http.StatusInternalServerError)
	}

	ctx := context.Background()
	var result map[string]any
	success := http.StatusOK

	switch verb {
	case "add":
		success = http.StatusCreated
		result, err = ops.Add(ctx, rest[0], rest[1], rest[2])
	case "reenroll":
		success = http.StatusCreated
		var ekpubhash string
		ekpubhash, err = stringField(rest[0], "ekpubhash")
		if err == nil {
			result, err = ops.Reenroll(ctx, ekpubhash)
		}
	case "query", "delete":
		var prefix string
		var nofiles bool
		prefix, err = stringField(rest[0], "ekpubhash")
		if err == nil {
			nofiles, err = boolField(rest[0], "nofiles")
		}
		if err == nil {
			result, err = ops.Query(ctx, prefix, nofiles, verb == "delete")
		}
	case "find":
		var regex string
		regex, err = stringField(rest[0], "hostname_regex")
		if err == nil {
			result, err = ops.Find(ctx, regex)
		}
	case "janitor":
		result, err = ops.Janitor(ctx)
	}

	if err != nil {
		status := errStatus(err)
		logger.Error("op.failed", "verb", verb, "status", status, "err", err)
		var cat *enrolldb.CatastrophicError
		if errors.As(err, &cat) {
			fmt.Fprintln(os.Stderr, cat.Error())
		}
		fmt.Println(shortError(err))
		return exitstatus.FromHTTP(status)
	}

	enc, err := json.Marshal(result)
	if err != nil {
		logger.Error("op.encode", "verb", verb, "err", err)
		fmt.Println("result encoding error")
		return exitstatus.FromHTTP(http.StatusInternalServerError)
	}
	fmt.Println(string(enc))
	return exitstatus.FromHTTP(success)
}

// errStatus maps executor failures onto the HTTP statuses the web layer
// re-emits.
func errStatus(err error) int {
	switch {
	case errors.Is(err, enrolldb.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, enrolldb.ErrPolicyRefused):
		return http.StatusForbidden
	case errors.Is(err, enrolldb.ErrNotEnrolled):
		return http.StatusNotFound
	default:
		// ErrAlreadyEnrolled deliberately lands here: a conflicting add
		// is an executor failure whose message identifies the halfhash.
		return http.StatusInternalServerError
	}
}

// shortError is the one-line stdout form of a failure.
func shortError(err error) string {
	return err.Error()
}

// stringField pulls a required string member out of a JSON argv document.
func stringField(rawJSON, key string) (string, error) {
	m, err := decodeObject(rawJSON)
	if err != nil {
		return "", err
	}
	v, ok := m[key].(string)
	if !ok {
		return "", fmt.Errorf("%w: missing %q", enrolldb.ErrInvalid, key)
	}
	return v, nil
}

// boolField pulls an optional boolean member (absent reads false).
func boolField(rawJSON, key string) (bool, error) {
	m, err := decodeObject(rawJSON)
	if err != nil {
		return false, err
	}
	if v, ok := m[key]; ok {
		b, isBool := v.(bool)
		if !isBool {
			return false, fmt.Errorf("%w: %q is not a boolean", enrolldb.ErrInvalid, key)
		}
		return b, nil
	}
	return false, nil
}

func decodeObject(rawJSON string) (map[string]any, error) {
	if rawJSON == "" {
		return nil, fmt.Errorf("%w: empty JSON", enrolldb.ErrInvalid)
	}
	var v any
	if err := json.Unmarshal([]byte(rawJSON), &v); err != nil {
		return nil, fmt.Errorf("%w: bad JSON: %v", enrolldb.ErrInvalid, err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: request is not a JSON object", enrolldb.ErrInvalid)
	}
	return m, nil
}

// buildOps assembles the executor state from the workload config.
func buildOps(cfg *hcpcfg.Config, logger *slog.Logger) (*enrolldb.Ops, error) {
	state, err := cfg.String(".enrollsvc.state")
	if err != nil {
		return nil, err
	}
	pre, err := cfg.Object(".enrollsvc.db_add.preclient")
	if err != nil {
		return nil, err
	}
	post, err := cfg.Object(".enrollsvc.db_add.postclient")
	if err != nil {
		return nil, err
	}
	policyURL, err := cfg.StringOr(".enrollsvc.policy_url", "")
	if err != nil {
		return nil, err
	}

	ops := &enrolldb.Ops{
		Store:      enrolldb.NewStore(state, logger),
		Logger:     logger,
		Preclient:  pre,
		Postclient: post,
		Signer:     signerPaths(cfg),
	}
	if policyURL != "" {
		ops.Policy = enrolldb.NewHTTPPolicyChecker(policyURL)
	}

	enroller, err := buildEnroller(cfg, state, policyURL, logger)
	if err != nil {
		return nil, err
	}
	ops.Enroller = enroller
	return ops, nil
}

// signerPaths resolves the issuer-credential locations: environment wins
// (the launcher's env sections set these in production), config fills the
// gaps.
func signerPaths(cfg *hcpcfg.Config) enrolldb.SignerPaths {
	get := func(envKey, cfgPath string) string {
		if v := os.Getenv(envKey); v != "" {
			return v
		}
		s, _ := cfg.StringOr(cfgPath, "")
		return s
	}
	return enrolldb.SignerPaths{
		SigningKeyDir:  get("SIGNING_KEY_DIR", ".enrollsvc.signer.dir"),
		SigningKeyPub:  get("SIGNING_KEY_PUB", ".enrollsvc.signer.pub"),
		SigningKeyPriv: get("SIGNING_KEY_PRIV", ".enrollsvc.signer.priv"),
		GencertCADir:   get("GENCERT_CA_DIR", ".enrollsvc.gencert.dir"),
		GencertCACert:  get("GENCERT_CA_CERT", ".enrollsvc.gencert.cert"),
		GencertCAPriv:  get("GENCERT_CA_PRIV", ".enrollsvc.gencert.priv"),
	}
}

func buildEnroller(cfg *hcpcfg.Config, state, policyURL string, logger *slog.Logger) (enrolldb.Enroller, error) {
	str := func(path, fallback string) (string, error) {
		return cfg.StringOr(path, fallback)
	}
	binary, err := str(".enrollsvc.attest.binary", "/install-safeboot/sbin/attest-enroll")
	if err != nil {
		return nil, err
	}
	conf, err := str(".enrollsvc.attest.conf", "/install-safeboot/enroll.conf")
	if err != nil {
		return nil, err
	}
	checkout, err := str(".enrollsvc.attest.checkout", "/hcp/enrollsvc/cb_checkout.sh")
	if err != nil {
		return nil, err
	}
	commit, err := str(".enrollsvc.attest.commit", "/hcp/enrollsvc/cb_commit.sh")
	if err != nil {
		return nil, err
	}
	workdir, err := str(".enrollsvc.attest.workdir", "/install-safeboot")
	if err != nil {
		return nil, err
	}
	vendors, err := str(".enrollsvc.attest.tpm_vendors", filepath.Join(state, "tpm_vendors"))
	if err != nil {
		return nil, err
	}
	genprogs, err := str(".enrollsvc.attest.genprogs", "/hcp/enrollsvc/genprogs")
	if err != nil {
		return nil, err
	}
	return &enrolldb.AttestEnroller{
		Binary:       binary,
		ConfSource:   conf,
		CheckoutHook: checkout,
		CommitHook:   commit,
		WorkDir:      workdir,
		TPMVendors:   vendors,
		GenprogsPath: genprogs,
		PolicyURL:    policyURL,
		Logger:       logger,
	}, nil
}
