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
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// HintPrefix is the basename prefix of reenrollment-deadline marker files.
// A record may carry at most one file of the exact form
// hint-reenroll-<YYYYMMDDhhmmss>; names with a dot after the timestamp are
// scratch files and ignored.
const HintPrefix = "hint-reenroll-"

// scratchHintRe matches the scratch-file forms that the scan must skip.
var scratchHintRe = regexp.MustCompile(`hint-reenroll-[0-9]*\.`)

// TimeHint renders a time in the sortable YYYYMMDDhhmmss form used in hint
// filenames.
func TimeHint(t time.Time) string {
	return t.Format("20060102150405")
}

// hintEntry is one due-diligence candidate found by the scan.
type hintEntry struct {
	dirname   string
	basename  string
	ekpubhash string
	hint      string
}

// Reenroller drives hint-scheduled reenrollments. It bypasses the web
// layer: RunReenroll invokes the reenroll executor directly (same binary,
// same status-code contract) and returns the decoded HTTP status.
type Reenroller struct {
	Store       *Store
	Logger      *slog.Logger
	RunReenroll func(ctx context.Context, ekpubhash string) (int, error)
}

func (r *Reenroller) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// ScanOnce walks all hint files, earliest deadline first, and reenrolls
// every record whose deadline is at or before now. The scan stops at the
// first future-dated hint.
func (r *Reenroller) ScanOnce(ctx context.Context, now time.Time) error {
	mask := filepath.Join(r.Store.recordMask(""), HintPrefix+"*")
	matches, err := filepath.Glob(mask)
	if err != nil {
		return fmt.Errorf("scan hints: %w", err)
	}

	var entries []hintEntry
	for _, m := range matches {
		if scratchHintRe.MatchString(m) {
			continue
		}
		dirname := filepath.Dir(m)
		basename := filepath.Base(m)
		ek, err := readTrim(filepath.Join(dirname, "ekpubhash"))
		if err != nil {
			return fmt.Errorf("hint without record at %s: %w", dirname, err)
		}
		entries = append(entries, hintEntry{
			dirname:   dirname,
			basename:  basename,
			ekpubhash: ek,
			hint:      strings.TrimPrefix(basename, HintPrefix),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].basename < entries[j].basename
	})

	hintnow := TimeHint(now.UTC())
	r.logger().Info("reenroller.scan", "now", hintnow, "candidates", len(entries))

	for _, entry := range entries {
		half := Halfhash(entry.ekpubhash)
		if hintnow < entry.hint {
			r.logger().Info("reenroller.stop", "halfhash", half, "hint", entry.hint)
			break
		}
		r.logger().Info("reenroller.reenroll", "halfhash", half, "hint", entry.hint)
		status, err := r.RunReenroll(ctx, entry.ekpubhash)
		if err != nil {
			return fmt.Errorf("reenroll of %s: %w", half, err)
		}
		if status != http.StatusCreated {
			return fmt.Errorf("reenroll of %s: status %d", half, status)
		}
	}
	return nil
}

// Run loops ScanOnce on a period until the context is canceled.
func (r *Reenroller) Run(ctx context.Context, period time.Duration) error {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		if err := r.ScanOnce(ctx, time.Now()); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
