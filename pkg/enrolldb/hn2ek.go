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
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
)

// Entry is one hostname-index record. The record tree is inherently keyed
// by ekpubhash; this redundant index exists so "find" by hostname regex is
// a scan of one file rather than a walk of the whole tree. The tree stays
// authoritative — the janitor can rebuild hn2ek from scratch at any time.
type Entry struct {
	Hostname  string `json:"hostname"`
	Ekpubhash string `json:"ekpubhash"`
}

// hn2ekRead loads the index. Callers hold the repo lock; there is no
// caching, every interaction goes to the filesystem.
func (s *Store) hn2ekRead() ([]Entry, error) {
	data, err := os.ReadFile(s.hn2ekPath())
	if err != nil {
		return nil, fmt.Errorf("read hn2ek: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse hn2ek: %w", err)
	}
	return entries, nil
}

// hn2ekWrite stores the index, sorted by hostname so the file is stable
// under rebuilds.
func (s *Store) hn2ekWrite(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Hostname < entries[j].Hostname
	})
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode hn2ek: %w", err)
	}
	if err := os.WriteFile(s.hn2ekPath(), data, 0644); err != nil {
		return fmt.Errorf("write hn2ek: %w", err)
	}
	return nil
}

// hn2ekAdd inserts an entry (read-modify-write under the caller's lock).
func (s *Store) hn2ekAdd(hostname, ekpubhash string) error {
	entries, err := s.hn2ekRead()
	if err != nil {
		return err
	}
	entries = append(entries, Entry{Hostname: hostname, Ekpubhash: ekpubhash})
	return s.hn2ekWrite(entries)
}

// hn2ekDelete removes the matching entry (read-filter-write under the
// caller's lock).
func (s *Store) hn2ekDelete(hostname, ekpubhash string) error {
	entries, err := s.hn2ekRead()
	if err != nil {
		return err
	}
	x := Entry{Hostname: hostname, Ekpubhash: ekpubhash}
	kept := entries[:0]
	for _, e := range entries {
		if e != x {
			kept = append(kept, e)
		}
	}
	return s.hn2ekWrite(kept)
}

// hn2ekQuery filters entries by a hostname regexp, substring-match (not
// anchored), mirroring the find API's contract.
func hn2ekQuery(entries []Entry, prog *regexp.Regexp) []Entry {
	results := []Entry{}
	for _, e := range entries {
		if prog.MatchString(e.Hostname) {
			results = append(results, e)
		}
	}
	return results
}
