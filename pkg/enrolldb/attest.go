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

package enrolldb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
)

// Enroller stages one host's generated assets into an ephemeral directory.
// The directory must end up containing at least ek.pub; everything in it
// becomes the host's record on commit.
type Enroller interface {
	Enroll(ctx context.Context, dir, ekpubPath, host string, profile map[string]any, finalGenprogs string) error
}

// AttestEnroller drives the external attest-enroll tool. The attestation
// cryptography lives entirely in that tool and its genprogs; this wrapper
// only curates its inputs (config file, hooks, environment) and treats a
// non-zero exit as failure. The tool's stdout is discarded — it is
// extremely noisy — and stderr passes through for diagnostics.
type AttestEnroller struct {
	Binary       string // attest-enroll executable
	ConfSource   string // enroll.conf template, copied into the enrollment dir with GENPROGS appended
	CheckoutHook string // hook emitting the enrollment dir on stdout
	CommitHook   string // hook run after generation (typically a no-op)
	WorkDir      string // cwd for the tool
	TPMVendors   string // trust-root dir for EKcert validation
	GenprogsPath string // prepended to PATH so HCP genprogs win
	PolicyURL    string // exported for genprogs that consult policy
	Logger       *slog.Logger
}

// Enroll runs attest-enroll with the composed profile exported in its
// environment.
func (a *AttestEnroller) Enroll(ctx context.Context, dir, ekpubPath, host string, profile map[string]any, finalGenprogs string) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conf := filepath.Join(dir, "enroll.conf")
	base, err := os.ReadFile(a.ConfSource)
	if err != nil {
		return fmt.Errorf("read enroll.conf template: %w", err)
	}
	body := append(base, []byte(fmt.Sprintf("export GENPROGS=(%s)\n", finalGenprogs))...)
	if err := os.WriteFile(conf, body, 0644); err != nil {
		return fmt.Errorf("write enroll.conf: %w", err)
	}

	profileJSON, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.Binary,
		"-v",
		"-C", conf,
		"-V", "CHECKOUT="+a.CheckoutHook,
		"-V", "COMMIT="+a.CommitHook,
		"-I", ekpubPath,
		host)
	cmd.Dir = a.WorkDir
	cmd.Env = append(os.Environ(),
		"EPHEMERAL_ENROLL="+dir,
		"ENROLL_JSON="+string(profileJSON),
		"TPM_VENDORS="+a.TPMVendors,
	)
	if a.GenprogsPath != "" {
		cmd.Env = append(cmd.Env, "PATH="+a.GenprogsPath+":"+os.Getenv("PATH"))
	}
	if a.PolicyURL != "" {
		cmd.Env = append(cmd.Env, "HCP_ENROLLSVC_POLICY="+a.PolicyURL)
	}
	cmd.Stdout = nil
	cmd.Stderr = os.Stderr

	logger.Info("attest.enroll", "hostname", host, "dir", dir)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("attest-enroll failed: %w", err)
	}
	return nil
}
