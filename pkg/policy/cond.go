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
	"reflect"
	"strings"

	"github.com/kraklabs/hcp/pkg/jsonpath"
)

// condKind enumerates the condition primitives.
type condKind int

const (
	condExist condKind = iota
	condEqual
	condSubset
	condElementOf
	condContains
	condIsInstance
)

var condKinds = map[string]condKind{
	"exist":      condExist,
	"equal":      condEqual,
	"subset":     condSubset,
	"elementof":  condElementOf,
	"contains":   condContains,
	"isinstance": condIsInstance,
}

// typeNames maps 'isinstance' type tags to checkers. JSON terms are
// canonical; the legacy aliases are accepted for compatibility with
// existing policy documents.
var typeNames = map[string]func(any) bool{
	"null":    func(v any) bool { return v == nil },
	"string":  func(v any) bool { _, ok := v.(string); return ok },
	"number":  func(v any) bool { _, ok := v.(float64); return ok },
	"object":  func(v any) bool { _, ok := v.(map[string]any); return ok },
	"array":   func(v any) bool { _, ok := v.([]any); return ok },
	"boolean": func(v any) bool { _, ok := v.(bool); return ok },
}

func init() {
	for alias, canon := range map[string]string{
		"None": "null", "str": "string", "int": "number",
		"dict": "object", "list": "array", "bool": "boolean",
	} {
		typeNames[alias] = typeNames[canon]
	}
}

// Condition is one evaluated clause of a filter's "if". Conditions with
// negated=true come from the "not-" spellings.
type Condition struct {
	kind     condKind
	negated  bool
	path     string
	value    any
	typeName string
}

// parseCondition builds a Condition from a single-key condition object.
func parseCondition(filter string, raw any) (Condition, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return Condition{}, &ParseError{filter, "if: entry isn't an object"}
	}
	var c Condition
	var key string
	found := 0
	for k := range obj {
		name := strings.TrimPrefix(k, "not-")
		if _, ok := condKinds[name]; ok {
			key = k
			found++
		}
	}
	if found == 0 {
		return Condition{}, &ParseError{filter, "if: no condition method"}
	}
	if found > 1 {
		return Condition{}, &ParseError{filter, "if: too many condition methods"}
	}

	c.negated = strings.HasPrefix(key, "not-")
	c.kind = condKinds[strings.TrimPrefix(key, "not-")]

	path, ok := obj[key].(string)
	if !ok {
		return Condition{}, &ParseError{filter, fmt.Sprintf("invalid '%s' condition", key)}
	}
	if err := jsonpath.Valid(path); err != nil {
		return Condition{}, &ParseError{filter, fmt.Sprintf("invalid '%s' path: %v", key, err)}
	}
	c.path = path

	switch c.kind {
	case condExist:
		if len(obj) != 1 {
			return Condition{}, &ParseError{filter, fmt.Sprintf("invalid '%s' condition", key)}
		}
	case condEqual, condContains:
		if len(obj) != 2 {
			return Condition{}, &ParseError{filter, fmt.Sprintf("invalid '%s' condition", key)}
		}
		v, ok := obj["value"]
		if !ok {
			return Condition{}, &ParseError{filter, fmt.Sprintf("'%s' requires 'value'", key)}
		}
		c.value = v
	case condSubset, condElementOf:
		if len(obj) != 2 {
			return Condition{}, &ParseError{filter, fmt.Sprintf("invalid '%s' condition", key)}
		}
		v, ok := obj["value"].([]any)
		if !ok {
			return Condition{}, &ParseError{filter, fmt.Sprintf("value for '%s' must be an array", key)}
		}
		c.value = v
	case condIsInstance:
		if len(obj) != 2 {
			return Condition{}, &ParseError{filter, fmt.Sprintf("invalid '%s' condition", key)}
		}
		tn, ok := obj["type"].(string)
		if !ok {
			return Condition{}, &ParseError{filter, fmt.Sprintf("'%s' requires 'type'", key)}
		}
		if _, ok := typeNames[tn]; !ok {
			return Condition{}, &ParseError{filter, fmt.Sprintf("unknown 'type' for '%s'", key)}
		}
		c.typeName = tn
	}
	return c, nil
}

// eval runs the condition against data. Parse already validated the shape,
// so evaluation cannot fail.
func (c Condition) eval(data any) bool {
	b := c.evalBase(data)
	if c.negated {
		return !b
	}
	return b
}

func (c Condition) evalBase(data any) bool {
	v, ok, _ := jsonpath.Extract(data, c.path)
	switch c.kind {
	case condExist:
		return ok
	case condEqual:
		return ok && reflect.DeepEqual(c.value, v)
	case condSubset:
		if !ok {
			return false
		}
		elems, isList := v.([]any)
		if !isList {
			return false
		}
		allowed := c.value.([]any)
		for _, e := range elems {
			if !listContains(allowed, e) {
				return false
			}
		}
		return true
	case condElementOf:
		return ok && listContains(c.value.([]any), v)
	case condContains:
		if !ok {
			return false
		}
		elems, isList := v.([]any)
		return isList && listContains(elems, c.value)
	case condIsInstance:
		return ok && typeNames[c.typeName](v)
	}
	return false
}

func listContains(list []any, v any) bool {
	for _, e := range list {
		if reflect.DeepEqual(e, v) {
			return true
		}
	}
	return false
}
