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

package policy

import (
	"fmt"

	"github.com/kraklabs/hcp/pkg/jsonexpand"
	"github.com/kraklabs/hcp/pkg/jsonpath"
)

// scopeOp enumerates the scope construction steps.
type scopeOp int

const (
	scopeSet scopeOp = iota
	scopeDelete
	scopeImport
	scopeUnion
)

var scopeOps = map[string]scopeOp{
	"set":    scopeSet,
	"delete": scopeDelete,
	"import": scopeImport,
	"union":  scopeUnion,
}

// ScopeStep is one construction step of a "scope" attribute. Steps build a
// fresh object that replaces the visible data for the duration of a call;
// only "import" reads from the original data.
type ScopeStep struct {
	op      scopeOp
	path    string
	value   any    // set
	source  string // import
	source1 string // union; "" means use source2 alone
	source2 string // union
}

// parseScope normalizes and validates a "scope" attribute. The shorthand
// string form P is equivalent to [{"import": ".", "source": P}].
func parseScope(filter string, raw any) ([]ScopeStep, error) {
	if s, ok := raw.(string); ok {
		raw = []any{map[string]any{"import": ".", "source": s}}
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, &ParseError{filter, "scope: must be a string or array"}
	}
	steps := make([]ScopeStep, 0, len(list))
	for _, entry := range list {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, &ParseError{filter, "scope: entry isn't an object"}
		}
		var key string
		found := 0
		for k := range obj {
			if _, ok := scopeOps[k]; ok {
				key = k
				found++
			}
		}
		if found == 0 {
			return nil, &ParseError{filter, "scope: no method"}
		}
		if found > 1 {
			return nil, &ParseError{filter, "scope: too many methods"}
		}
		step := ScopeStep{op: scopeOps[key]}
		path, ok := obj[key].(string)
		if !ok {
			return nil, &ParseError{filter, fmt.Sprintf("scope: invalid '%s' path", key)}
		}
		if err := jsonpath.Valid(path); err != nil {
			return nil, &ParseError{filter, fmt.Sprintf("scope: invalid '%s' path: %v", key, err)}
		}
		step.path = path

		switch step.op {
		case scopeSet:
			v, ok := obj["value"]
			if len(obj) != 2 || !ok {
				return nil, &ParseError{filter, "scope: 'set' must have (only) 'value'"}
			}
			step.value = v
		case scopeDelete:
			if len(obj) != 1 {
				return nil, &ParseError{filter, "scope: 'delete' expects no attributes"}
			}
		case scopeImport:
			src, ok := obj["source"].(string)
			if len(obj) != 2 || !ok {
				return nil, &ParseError{filter, "scope: 'import' must have (only) 'source'"}
			}
			if err := jsonpath.Valid(src); err != nil {
				return nil, &ParseError{filter, fmt.Sprintf("scope: invalid 'import' source: %v", err)}
			}
			step.source = src
		case scopeUnion:
			if len(obj) != 3 {
				return nil, &ParseError{filter, "scope: 'union' requires (only) 'source1' and 'source2'"}
			}
			s1raw, ok1 := obj["source1"]
			s2, ok2 := obj["source2"].(string)
			if !ok1 || !ok2 {
				return nil, &ParseError{filter, "scope: 'union' requires 'source1' and 'source2'"}
			}
			if s1raw != nil {
				s1, ok := s1raw.(string)
				if !ok {
					return nil, &ParseError{filter, "scope: invalid 'union' source1"}
				}
				if err := jsonpath.Valid(s1); err != nil {
					return nil, &ParseError{filter, fmt.Sprintf("scope: invalid 'union' source1: %v", err)}
				}
				step.source1 = s1
			}
			if err := jsonpath.Valid(s2); err != nil {
				return nil, &ParseError{filter, fmt.Sprintf("scope: invalid 'union' source2: %v", err)}
			}
			step.source2 = s2
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// runScope applies the steps to a fresh object, reading imports from the
// original data, and returns the constructed view.
func runScope(filter string, steps []ScopeStep, data any) (any, error) {
	var result any = map[string]any{}
	var err error
	for _, s := range steps {
		switch s.op {
		case scopeSet:
			result, err = jsonpath.Overwrite(result, s.path, s.value)
		case scopeDelete:
			result, err = jsonpath.Delete(result, s.path)
		case scopeImport:
			v, ok, xerr := jsonpath.Extract(data, s.source)
			if xerr != nil {
				err = xerr
			} else if !ok {
				err = fmt.Errorf("%s: import: missing '%s'", filter, s.source)
			} else {
				// Copy, so later steps can't reach back into the
				// original data through the imported value.
				v, err = deepCopy(v)
				if err == nil {
					result, err = jsonpath.Overwrite(result, s.path, v)
				}
			}
		case scopeUnion:
			v2, ok, xerr := jsonpath.Extract(result, s.source2)
			if xerr != nil {
				err = xerr
				break
			}
			if !ok {
				err = fmt.Errorf("%s: union: missing '%s'", filter, s.source2)
				break
			}
			value := v2
			if s.source1 != "" {
				v1, ok, xerr := jsonpath.Extract(result, s.source1)
				if xerr != nil {
					err = xerr
					break
				}
				if !ok {
					err = fmt.Errorf("%s: union: missing '%s'", filter, s.source1)
					break
				}
				value = jsonexpand.Union(v1, v2)
			}
			result, err = jsonpath.Overwrite(result, s.path, value)
		}
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}
