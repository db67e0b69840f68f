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

// Package jsonexpand implements the JSON composition passes: recursive
// union, "{name}" variable substitution, and vars/files accumulation as an
// object hierarchy is descended.
//
// Variable context is copy-on-extend: specializations picked up while
// descending one branch are dropped on the way back up, so sibling branches
// never see each other's vars.
package jsonexpand

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/kraklabs/hcp/pkg/jsonpath"
)

const (
	// DefaultVarsKey and DefaultFilesKey name the sections recognised
	// while descending objects. Either can be disabled by setting the
	// corresponding Options field to "".
	DefaultVarsKey  = "vars"
	DefaultFilesKey = "files"

	// DefaultMaxSize caps the encoded size a value may reach during
	// fixed-point expansion. Inputs that grow past it are rejected, not
	// truncated, to defeat expansion bombs.
	DefaultMaxSize = 1 << 20

	// maxPasses bounds fixed-point iteration.
	maxPasses = 10
)

// Options tunes Process. The zero value disables vars/files accumulation and
// key retention; use DefaultOptions for the standard behavior.
type Options struct {
	VarsKey    string
	FilesKey   string
	RetainKeys bool
	MaxSize    int
}

// DefaultOptions returns the standard expansion options.
func DefaultOptions() Options {
	return Options{
		VarsKey:    DefaultVarsKey,
		FilesKey:   DefaultFilesKey,
		RetainKeys: true,
		MaxSize:    DefaultMaxSize,
	}
}

// ExpandError reports a malformed input or an expansion that exceeded the
// size ceiling. Path locates the offending element in the input hierarchy.
type ExpandError struct {
	Path string
	Msg  string
}

func (e *ExpandError) Error() string {
	return fmt.Sprintf("json expansion at %q: %s", e.Path, e.Msg)
}

// Vars is a variable context: name to JSON value.
type Vars map[string]any

// merge returns a new context with v2 overlaid on v1 (v2 wins).
func (v1 Vars) merge(v2 Vars) Vars {
	newctx := make(Vars, len(v1)+len(v2))
	for k, v := range v1 {
		newctx[k] = v
	}
	for k, v := range v2 {
		newctx[k] = v
	}
	return newctx
}

// ExpandString substitutes vars into a single string. Every "{k}" substring
// whose k is a string-valued var is replaced textually. If the entire string
// equals "{k}" for a non-string-valued var, the raw value is returned, so
// types propagate through substitution.
func ExpandString(vars Vars, s string) any {
	for k, v := range vars {
		if sv, ok := v.(string); ok {
			s = strings.ReplaceAll(s, "{"+k+"}", sv)
		} else if s == "{"+k+"}" {
			return v
		}
	}
	return s
}

// expand walks obj substituting vars into every string (keys included). It
// does not accumulate vars/files sections; that is Process's job.
func expand(vars Vars, obj any, path string) (any, error) {
	switch v := obj.(type) {
	case string:
		return ExpandString(vars, v), nil
	case map[string]any:
		newobj := make(map[string]any, len(v))
		for k, val := range v {
			nk := ExpandString(vars, k)
			newk, ok := nk.(string)
			if !ok {
				return nil, &ExpandError{path, fmt.Sprintf("key %q expanded to a non-string", k)}
			}
			newpath := childPath(path, newk)
			newv, err := expand(vars, val, newpath)
			if err != nil {
				return nil, err
			}
			if _, dup := newobj[newk]; dup {
				return nil, &ExpandError{path, fmt.Sprintf("expansion collided on key %q", newk)}
			}
			newobj[newk] = newv
		}
		return newobj, nil
	case []any:
		newobj := make([]any, 0, len(v))
		for _, val := range v {
			newv, err := expand(vars, val, path+"[]")
			if err != nil {
				return nil, err
			}
			newobj = append(newobj, newv)
		}
		return newobj, nil
	}
	// Remaining primitives (numbers, booleans, null) expand to themselves.
	return obj, nil
}

// fullExpand applies expand until a fixed point, bounded by maxPasses and
// the size ceiling.
func fullExpand(vars Vars, obj any, path string, maxSize int) (any, error) {
	for i := 0; i < maxPasses; i++ {
		newobj, err := expand(vars, obj, path)
		if err != nil {
			return nil, err
		}
		if err := checkSize(newobj, path, maxSize); err != nil {
			return nil, err
		}
		if reflect.DeepEqual(newobj, obj) {
			return newobj, nil
		}
		obj = newobj
	}
	return obj, nil
}

func checkSize(obj any, path string, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	enc, err := json.Marshal(obj)
	if err != nil {
		return &ExpandError{path, fmt.Sprintf("unencodable value: %v", err)}
	}
	if len(enc) > maxSize {
		return &ExpandError{path, fmt.Sprintf("expansion exceeded %d bytes", maxSize)}
	}
	return nil
}

// selfExpand expands a vars context against itself to a fixed point.
func selfExpand(vars Vars, path string, maxSize int) (Vars, error) {
	out, err := fullExpand(vars, map[string]any(vars), path, maxSize)
	if err != nil {
		return nil, err
	}
	return Vars(out.(map[string]any)), nil
}

// mergeFiles loads each files entry and folds the result into a new vars
// context. An entry is either a path string (the whole document) or
// {"source": path, "path": jsonpath} (a sub-value, which must exist).
func mergeFiles(vars Vars, files map[string]any, path string) (Vars, error) {
	newctx := make(Vars, len(vars)+len(files))
	for k, v := range vars {
		newctx[k] = v
	}
	for k, v := range files {
		var newv any
		switch fv := v.(type) {
		case string:
			loaded, err := loadJSONFile(fv)
			if err != nil {
				return nil, &ExpandError{childPath(path, k), err.Error()}
			}
			newv = loaded
		case map[string]any:
			source, sok := fv["source"].(string)
			sub, pok := fv["path"].(string)
			if !sok || !pok {
				return nil, &ExpandError{childPath(path, k), "files entry needs 'source' and 'path'"}
			}
			loaded, err := loadJSONFile(source)
			if err != nil {
				return nil, &ExpandError{childPath(path, k), err.Error()}
			}
			newv, err = jsonpath.MustExtract(loaded, sub)
			if err != nil {
				return nil, &ExpandError{childPath(path, k), err.Error()}
			}
		default:
			return nil, &ExpandError{childPath(path, k), "files entry is malformed"}
		}
		newctx[k] = newv
	}
	return newctx, nil
}

func loadJSONFile(p string) (any, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse %s: %w", p, err)
	}
	return v, nil
}

func childPath(path, k string) string {
	if path == "." {
		return "." + k
	}
	return path + "." + k
}

// Process expands obj with the standard options, seeded with vars.
func Process(vars Vars, obj any) (any, error) {
	return ProcessWith(vars, obj, DefaultOptions())
}

// ProcessVars expands obj using vars only: no vars/files sections are
// recognised or retained. This is the pass applied to composed job profiles,
// where the context comes from the profile's own __env.
func ProcessVars(vars Vars, obj any) (any, error) {
	return ProcessWith(vars, obj, Options{MaxSize: DefaultMaxSize})
}

// ProcessWith walks obj, accumulating vars and files sections per the
// options, and substitutes variables into everything else.
func ProcessWith(vars Vars, obj any, opts Options) (any, error) {
	if vars == nil {
		vars = Vars{}
	}
	return process(vars, obj, ".", opts)
}

func process(ctxvars Vars, obj any, path string, opts Options) (any, error) {
	switch v := obj.(type) {
	case map[string]any:
		obj := make(map[string]any, len(v))
		for k, val := range v {
			obj[k] = val
		}
		// Pull in a local vars section if there is one, then self-expand
		// unconditionally in case the inherited context wasn't yet at a
		// fixed point.
		var origvars any
		if opts.VarsKey != "" {
			if raw, ok := obj[opts.VarsKey]; ok {
				delete(obj, opts.VarsKey)
				origvars = raw
				local, ok := raw.(map[string]any)
				if !ok {
					return nil, &ExpandError{path, fmt.Sprintf("'%s' section is not an object", opts.VarsKey)}
				}
				ctxvars = ctxvars.merge(Vars(local))
			}
		}
		var err error
		ctxvars, err = selfExpand(ctxvars, path, opts.MaxSize)
		if err != nil {
			return nil, err
		}
		// Same for a files section: expand it with the current vars, load
		// the files into vars, self-expand again.
		var origfiles any
		if opts.FilesKey != "" {
			if raw, ok := obj[opts.FilesKey]; ok {
				delete(obj, opts.FilesKey)
				origfiles = raw
				local, ok := raw.(map[string]any)
				if !ok {
					return nil, &ExpandError{path, fmt.Sprintf("'%s' section is not an object", opts.FilesKey)}
				}
				newpath := childPath(path, opts.FilesKey)
				expanded, err := fullExpand(ctxvars, any(local), newpath, opts.MaxSize)
				if err != nil {
					return nil, err
				}
				ctxvars, err = mergeFiles(ctxvars, expanded.(map[string]any), newpath)
				if err != nil {
					return nil, err
				}
				ctxvars, err = selfExpand(ctxvars, path, opts.MaxSize)
				if err != nil {
					return nil, err
				}
			}
		}
		newobj := make(map[string]any, len(obj))
		for k, val := range obj {
			nk := ExpandString(ctxvars, k)
			newk, ok := nk.(string)
			if !ok {
				return nil, &ExpandError{path, fmt.Sprintf("key %q expanded to a non-string", k)}
			}
			newpath := childPath(path, newk)
			newv, err := process(ctxvars, val, newpath, opts)
			if err != nil {
				return nil, err
			}
			if _, dup := newobj[newk]; dup {
				return nil, &ExpandError{newpath, fmt.Sprintf("expansion collided on key %q", newk)}
			}
			newobj[newk] = newv
		}
		if opts.RetainKeys {
			if origvars != nil {
				newobj[opts.VarsKey] = origvars
			}
			if origfiles != nil {
				newobj[opts.FilesKey] = origfiles
			}
		}
		return newobj, nil
	case []any:
		newobj := make([]any, 0, len(v))
		for _, val := range v {
			newv, err := process(ctxvars, val, path+"[]", opts)
			if err != nil {
				return nil, err
			}
			newobj = append(newobj, newv)
		}
		return newobj, nil
	}
	// A primitive. Expansion may substitute a whole object in place of a
	// string, in which case the replacement has to be re-processed so that
	// vars/files inside included documents are honoured.
	newobj, err := expand(ctxvars, obj, path)
	if err != nil {
		return nil, err
	}
	if _, wasStr := obj.(string); wasStr {
		if _, isStr := newobj.(string); !isStr {
			return process(ctxvars, newobj, path, opts)
		}
	}
	return newobj, nil
}
