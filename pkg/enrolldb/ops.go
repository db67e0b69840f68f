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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/kraklabs/hcp/pkg/hostname"
)

// Error kinds the web layer translates into HTTP statuses.
var (
	// ErrInvalid marks malformed request input (400).
	ErrInvalid = errors.New("invalid request")
	// ErrAlreadyEnrolled rejects an add for a TPM that has a record.
	ErrAlreadyEnrolled = errors.New("already enrolled")
	// ErrNotEnrolled rejects a reenroll for a TPM without a record (404).
	ErrNotEnrolled = errors.New("not enrolled")
)

// CatastrophicError means a failed mutation could not be rolled back. The
// repo lock stays held for manual intervention; nothing may silently
// release it over an inconsistent tree.
type CatastrophicError struct {
	Err error
}

func (e *CatastrophicError) Error() string {
	return fmt.Sprintf("CATASTROPHIC! DB stays locked for manual intervention: %v", e.Err)
}

func (e *CatastrophicError) Unwrap() error {
	return e.Err
}

// addRequestHook names the policy hook consulted for add and reenroll.
const addRequestHook = "enrollsvc::add_request"

// Ops bundles the state one executor invocation operates with.
type Ops struct {
	Store    *Store
	Logger   *slog.Logger
	Enroller Enroller

	// Preclient and Postclient are the server's profile fragments,
	// applied under and over the client's requested profile.
	Preclient  map[string]any
	Postclient map[string]any
	Signer     SignerPaths

	// Policy, when non-nil, is consulted with the composed profile
	// before any assets are generated.
	Policy PolicyChecker
}

func (o *Ops) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// critical runs fn inside the repo lock. On failure the working tree is
// hard-reset before the lock is released; if the rollback itself fails the
// lock is deliberately left held and a CatastrophicError returned.
func (o *Ops) critical(ctx context.Context, fn func() error) error {
	if err := o.Store.Lock(ctx); err != nil {
		return fmt.Errorf("acquire repo lock: %w", err)
	}
	err := fn()
	if err != nil {
		o.logger().Error("db.critical.rollback", "err", err)
		if rerr := o.Store.Reset(ctx); rerr != nil {
			o.logger().Error("db.critical.rollback_failed", "err", rerr)
			return &CatastrophicError{fmt.Errorf("rollback failed: %v (while handling: %w)", rerr, err)}
		}
	}
	if uerr := o.Store.Unlock(); uerr != nil && err == nil {
		err = fmt.Errorf("release repo lock: %w", uerr)
	}
	return err
}

// generate composes the job description, consults policy, and stages a
// fresh enrollment into an ephemeral directory. The caller runs cleanup on
// every exit path.
func (o *Ops) generate(ctx context.Context, ekpubPath, host, clientJSON string) (clientData, profile map[string]any, dir string, cleanup func(), err error) {
	if strings.TrimSpace(clientJSON) == "" {
		return nil, nil, "", nil, fmt.Errorf("%w: empty JSON", ErrInvalid)
	}
	var rawClient any
	if err := json.Unmarshal([]byte(clientJSON), &rawClient); err != nil {
		return nil, nil, "", nil, fmt.Errorf("%w: bad JSON: %v", ErrInvalid, err)
	}
	clientData, ok := rawClient.(map[string]any)
	if !ok {
		return nil, nil, "", nil, fmt.Errorf("%w: request is not a JSON object", ErrInvalid)
	}

	profile, finalGenprogs, err := ComposeProfile(o.Preclient, o.Postclient, clientData, host, o.Signer)
	if err != nil {
		return nil, nil, "", nil, fmt.Errorf("compose profile: %w", err)
	}

	if o.Policy != nil {
		uid := uuid.New().URN()
		o.logger().Info("db.add.policy_check", "hostname", host, "request_uid", uid)
		if err := o.Policy.Check(ctx, addRequestHook, uid, profile); err != nil {
			return nil, nil, "", nil, err
		}
	}

	dir, err = os.MkdirTemp("", "enroll-")
	if err != nil {
		return nil, nil, "", nil, fmt.Errorf("ephemeral dir: %w", err)
	}
	cleanup = func() { _ = os.RemoveAll(dir) }

	if err := o.Enroller.Enroll(ctx, dir, ekpubPath, host, profile, finalGenprogs); err != nil {
		cleanup()
		return nil, nil, "", nil, err
	}
	return clientData, profile, dir, cleanup, nil
}

// Add enrolls a new TPM: generate assets for (ekpub, hostname), then commit
// them as a new record. The TPM must not already be enrolled.
func (o *Ops) Add(ctx context.Context, ekpubPath, host, clientJSON string) (map[string]any, error) {
	if err := hostname.Valid(host); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := os.Stat(ekpubPath); err != nil {
		return nil, fmt.Errorf("%w: no file at ekpub path: %s", ErrInvalid, ekpubPath)
	}

	clientData, _, dir, cleanup, err := o.generate(ctx, ekpubPath, host, clientJSON)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	// attest-enroll may have converted the EK into ek.pub form, so the
	// hash is taken from its output, not the upload.
	ekpubhash, err := hashFile(filepath.Join(dir, "ek.pub"))
	if err != nil {
		return nil, err
	}
	half := Halfhash(ekpubhash)
	fpath := o.Store.RecordPath(ekpubhash)
	o.logger().Info("db.add.staged", "halfhash", half, "hostname", host)

	err = o.critical(ctx, func() error {
		if isDir(fpath) {
			return fmt.Errorf("%w: existing ekpub: %s", ErrAlreadyEnrolled, half)
		}
		if err := o.Store.hn2ekAdd(host, ekpubhash); err != nil {
			return err
		}
		if err := commitRecord(dir, fpath, ekpubhash, host, clientJSON); err != nil {
			return err
		}
		return o.Store.Commit(ctx, fmt.Sprintf("map %s to %s", half, host))
	})
	if err != nil {
		return nil, err
	}

	o.logger().Info("db.add.done", "halfhash", half, "hostname", host)
	return map[string]any{
		"returncode": 0,
		"hostname":   host,
		"ekpubhash":  ekpubhash,
		"profile":    clientData,
	}, nil
}

// Reenroll regenerates an existing record wholesale, reusing the stored
// ek.pub, hostname, and client profile. The TPM must already be enrolled.
func (o *Ops) Reenroll(ctx context.Context, ekpubhash string) (map[string]any, error) {
	if err := ValidEkpubhash(ekpubhash); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	half := Halfhash(ekpubhash)
	fpath := o.Store.RecordPath(ekpubhash)

	check, err := readTrim(filepath.Join(fpath, "ekpubhash"))
	if err != nil {
		return nil, fmt.Errorf("%w: unknown ekpub: %s", ErrNotEnrolled, half)
	}
	if check != ekpubhash {
		return nil, fmt.Errorf("record mismatch: ekpubhash=%s check=%s", ekpubhash, check)
	}
	clientJSON, err := readTrim(filepath.Join(fpath, "clientprofile"))
	if err != nil {
		return nil, fmt.Errorf("read clientprofile: %w", err)
	}
	host, err := readTrim(filepath.Join(fpath, "hostname"))
	if err != nil {
		return nil, fmt.Errorf("read hostname: %w", err)
	}
	ekpubPath := filepath.Join(fpath, "ek.pub")

	clientData, _, dir, cleanup, err := o.generate(ctx, ekpubPath, host, clientJSON)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	err = o.critical(ctx, func() error {
		if !isDir(fpath) {
			return fmt.Errorf("%w: unknown ekpub: %s", ErrNotEnrolled, half)
		}
		// Remove the old tree; a failure from here on is undone by the
		// rollback reset, and the removal itself never gets committed.
		if err := os.RemoveAll(fpath); err != nil {
			return err
		}
		if err := commitRecord(dir, fpath, ekpubhash, host, clientJSON); err != nil {
			return err
		}
		return o.Store.Commit(ctx, fmt.Sprintf("map %s to %s", half, host))
	})
	if err != nil {
		return nil, err
	}

	o.logger().Info("db.reenroll.done", "halfhash", half, "hostname", host)
	return map[string]any{
		"returncode": 0,
		"hostname":   host,
		"ekpubhash":  ekpubhash,
		"profile":    clientData,
	}, nil
}

// Query lists records matching an ekpubhash prefix. With del set it is the
// delete operation: every matched record is removed, along with its hn2ek
// entry, under a single commit.
func (o *Ops) Query(ctx context.Context, prefix string, nofiles, del bool) (map[string]any, error) {
	if err := ValidEkpubhashPrefix(prefix); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	entries := []map[string]any{}

	err := o.critical(ctx, func() error {
		matches, err := o.Store.matchRecords(prefix)
		if err != nil {
			return err
		}
		for _, path := range matches {
			ek, err := readTrim(filepath.Join(path, "ekpubhash"))
			if err != nil {
				return err
			}
			hn, err := readTrim(filepath.Join(path, "hostname"))
			if err != nil {
				return err
			}
			entry := map[string]any{
				"ekpubhash": ek,
				"hostname":  hn,
			}
			if !nofiles {
				files, err := recordFiles(path)
				if err != nil {
					return err
				}
				entry["files"] = files
			}
			entries = append(entries, entry)
			if del {
				if err := os.RemoveAll(path); err != nil {
					return err
				}
				if err := o.Store.hn2ekDelete(hn, ek); err != nil {
					return err
				}
			}
		}
		return o.Store.Commit(ctx, "delete "+prefix)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}

// Find filters the hn2ek index by a hostname regular expression (substring
// match, RE2 syntax).
func (o *Ops) Find(ctx context.Context, hostnameRegex string) (map[string]any, error) {
	prog, err := regexp.Compile(hostnameRegex)
	if err != nil {
		return nil, fmt.Errorf("%w: bad hostname_regex: %v", ErrInvalid, err)
	}

	var entries []Entry
	err = o.critical(ctx, func() error {
		entries, err = o.Store.hn2ekRead()
		return err
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"hostname_regex": hostnameRegex,
		"entries":        hn2ekQuery(entries, prog),
	}, nil
}

// Janitor walks the whole record tree, normalizes ekpubhash/hostname files
// (historical records sometimes carry trailing newlines), and rebuilds
// hn2ek from scratch. Anything that changed lands in a "Janitor" commit.
func (o *Ops) Janitor(ctx context.Context) (map[string]any, error) {
	hn2ek := []Entry{}

	err := o.critical(ctx, func() error {
		matches, err := o.Store.matchRecords("")
		if err != nil {
			return err
		}
		for _, path := range matches {
			ek, hn, err := scrubRecord(path)
			if err != nil {
				return err
			}
			hn2ek = append(hn2ek, Entry{Hostname: hn, Ekpubhash: ek})
		}
		if err := o.Store.hn2ekWrite(hn2ek); err != nil {
			return err
		}
		return o.Store.Commit(ctx, "Janitor")
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"hn2ek": hn2ek}, nil
}

// scrubRecord strips newlines out of a record's ekpubhash and hostname
// files and rewrites them.
func scrubRecord(path string) (ek, hn string, err error) {
	rawEk, err := os.ReadFile(filepath.Join(path, "ekpubhash"))
	if err != nil {
		return "", "", err
	}
	rawHn, err := os.ReadFile(filepath.Join(path, "hostname"))
	if err != nil {
		return "", "", err
	}
	ek = strings.ReplaceAll(string(rawEk), "\n", "")
	hn = strings.ReplaceAll(string(rawHn), "\n", "")
	if err := os.WriteFile(filepath.Join(path, "ekpubhash"), []byte(ek), 0644); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(filepath.Join(path, "hostname"), []byte(hn), 0644); err != nil {
		return "", "", err
	}
	return ek, hn, nil
}

// commitRecord copies a staged enrollment into its record directory and
// writes the identity files. The hostname file normally comes from the
// generators; it is written here when they didn't produce one.
func commitRecord(stagedDir, fpath, ekpubhash, host, clientJSON string) error {
	if err := os.CopyFS(fpath, os.DirFS(stagedDir)); err != nil {
		return fmt.Errorf("copy enrollment into record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(fpath, "ekpubhash"), []byte(ekpubhash), 0644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(fpath, "clientprofile"), []byte(clientJSON), 0644); err != nil {
		return err
	}
	hnPath := filepath.Join(fpath, "hostname")
	if _, err := os.Stat(hnPath); err != nil {
		if err := os.WriteFile(hnPath, []byte(host), 0644); err != nil {
			return err
		}
	}
	return nil
}

// recordFiles lists a record's file names, sorted.
func recordFiles(path string) ([]string, error) {
	globbed, err := filepath.Glob(filepath.Join(path, "*"))
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(globbed))
	for _, g := range globbed {
		files = append(files, filepath.Base(g))
	}
	sort.Strings(files)
	return files, nil
}

// readTrim reads a small record file, tolerating a terminating newline.
func readTrim(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\n"), nil
}

func isDir(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.IsDir()
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
