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

// Package jsonpath implements dotted-path addressing into decoded JSON
// values (the map[string]any / []any / string / float64 / bool / nil family
// produced by encoding/json).
//
// A path is either "." (the root) or a sequence of ".node" segments, eg.
// ".request.lookup.source". Node names are restricted to a conservative
// character set; list indexing is deliberately not supported.
package jsonpath

import (
	"fmt"
	"regexp"
	"strings"
)

// nodeRe constrains a single path node. The angle brackets are permitted
// because profile templates use placeholder nodes like "<hostname>".
var nodeRe = regexp.MustCompile(`^[A-Za-z0-9_<>-]+$`)

// PathError reports a structurally-invalid path, as opposed to a path that
// merely fails to match anything.
type PathError struct {
	Path string
	Msg  string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Msg)
}

// Split validates a path and returns its node sequence. The root path "."
// yields an empty slice.
func Split(path string) ([]string, error) {
	if path == "." {
		return nil, nil
	}
	if !strings.HasPrefix(path, ".") {
		return nil, &PathError{path, "path nodes must begin with '.'"}
	}
	nodes := strings.Split(path[1:], ".")
	for _, n := range nodes {
		if n == "" {
			return nil, &PathError{path, "path nodes must be non-empty"}
		}
		if !nodeRe.MatchString(n) {
			return nil, &PathError{path, fmt.Sprintf("invalid path node %q", n)}
		}
	}
	return nodes, nil
}

// Valid returns an error if the path is not well-formed.
func Valid(path string) error {
	_, err := Split(path)
	return err
}

// Extract returns the value at path within d, plus whether the path was
// present. Traversing through a non-object at an intermediate node is a
// miss, not an error. The only error case is a malformed path.
func Extract(d any, path string) (any, bool, error) {
	nodes, err := Split(path)
	if err != nil {
		return nil, false, err
	}
	cur := d
	for _, n := range nodes {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false, nil
		}
		cur, ok = obj[n]
		if !ok {
			return nil, false, nil
		}
	}
	return cur, true, nil
}

// MustExtract is Extract for callers that treat a miss as an error.
func MustExtract(d any, path string) (any, error) {
	v, ok, err := Extract(d, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("missing path %q", path)
	}
	return v, nil
}

// ExtractOr is Extract with a fallback value for misses.
func ExtractOr(d any, path string, def any) (any, error) {
	v, ok, err := Extract(d, path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// Overwrite sets path within d to v and returns the modified value. Missing
// intermediate objects are created; intermediate non-objects are replaced by
// fresh objects. Overwriting the root returns v itself.
func Overwrite(d any, path string, v any) (any, error) {
	nodes, err := Split(path)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return v, nil
	}
	root, ok := d.(map[string]any)
	if !ok {
		root = map[string]any{}
	}
	cur := root
	for _, n := range nodes[:len(nodes)-1] {
		next, ok := cur[n].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[n] = next
		}
		cur = next
	}
	cur[nodes[len(nodes)-1]] = v
	return root, nil
}

// Delete removes path from d and returns the modified value. A missing path
// is a no-op success. Deleting the root yields an empty object.
func Delete(d any, path string) (any, error) {
	nodes, err := Split(path)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return map[string]any{}, nil
	}
	cur, ok := d.(map[string]any)
	if !ok {
		return d, nil
	}
	for _, n := range nodes[:len(nodes)-1] {
		cur, ok = cur[n].(map[string]any)
		if !ok {
			return d, nil
		}
	}
	delete(cur, nodes[len(nodes)-1])
	return d, nil
}
