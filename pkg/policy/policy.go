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

// Package policy implements the JSON filtering scheme used to authorize
// requests. A policy document works a little like iptables: named filter
// entries with accept/reject/jump/call/return/next actions, conditions over
// jq-style paths, and chains (array-valued entries that expand into linked
// sequences at parse time). "call" can present a rebuilt data view to the
// called subchain via a "scope" recipe; the original data is restored on
// return.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Actions. accept/reject terminate filtering; jump/call transfer control;
// return pops a call; next follows the chain link.
const (
	ActionAccept = "accept"
	ActionReject = "reject"
	ActionJump   = "jump"
	ActionCall   = "call"
	ActionReturn = "return"
	ActionNext   = "next"
)

func isTerminal(a string) bool {
	return a == ActionAccept || a == ActionReject
}

// isSecondary reports whether a is valid as a parameter-less action
// (on-return, otherwise, default-on-return semantics).
func isSecondary(a string) bool {
	return isTerminal(a) || a == ActionReturn || a == ActionNext
}

// ParseError pinpoints the offending filter in a malformed policy.
type ParseError struct {
	Filter string
	Msg    string
}

func (e *ParseError) Error() string {
	if e.Filter == "" {
		return "policy: " + e.Msg
	}
	return fmt.Sprintf("policy filter %q: %s", e.Filter, e.Msg)
}

// Filter is one parsed filter entry.
type Filter struct {
	Name      string
	Action    string
	Jump      string
	Call      string
	Next      string
	OnReturn  string // "" means the default ("next")
	Otherwise string // "" means the default ("next")
	Scope     []ScopeStep
	HasScope  bool
	If        []Condition
}

// Policy is a parsed, checked policy document.
type Policy struct {
	Start   string
	Default string
	Filters map[string]*Filter
}

// Parse builds a Policy from its JSON encoding. Filters appear in a JSON
// object, so chain expansion and the default for "start" honour document
// order.
func Parse(raw []byte) (*Policy, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	order, err := filtersKeyOrder(raw)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	return parseDoc(doc, order)
}

// parseDoc parses an already-decoded policy document. order carries the
// document order of the filters object's keys (map iteration would not).
func parseDoc(doc any, order []string) (*Policy, error) {
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, &ParseError{"", "policy must be an object"}
	}

	p := &Policy{Default: ActionReject, Filters: map[string]*Filter{}}

	if raw, ok := obj["start"]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, &ParseError{"", "start: not a string"}
		}
		p.Start = s
	}
	if raw, ok := obj["default"]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, &ParseError{"", "default: not a string"}
		}
		if !isTerminal(s) {
			return nil, &ParseError{"", fmt.Sprintf("default: %q not accept/reject", s)}
		}
		p.Default = s
	}

	rawFilters, ok := obj["filters"]
	if !ok {
		return nil, &ParseError{"", "filters: missing"}
	}
	filters, ok := rawFilters.(map[string]any)
	if !ok {
		return nil, &ParseError{"", "filters: must be an object"}
	}

	for _, key := range orderedFilterKeys(filters, order) {
		first, err := parseFilter(key, filters[key], p.Filters)
		if err != nil {
			return nil, err
		}
		if p.Start == "" {
			p.Start = first.Name
		}
	}

	if err := checkPolicy(p); err != nil {
		return nil, err
	}
	return p, nil
}

// orderedFilterKeys reconciles the decoded filters map with the document
// order. Keys absent from the recorded order (eg. renamed by parameter
// expansion) are appended sorted, for determinism.
func orderedFilterKeys(filters map[string]any, order []string) []string {
	keys := make([]string, 0, len(filters))
	seen := map[string]bool{}
	for _, k := range order {
		if _, ok := filters[k]; ok && !seen[k] {
			keys = append(keys, k)
			seen[k] = true
		}
	}
	var extra []string
	for k := range filters {
		if !seen[k] {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return append(keys, extra...)
}

// parseFilter parses the value for one key of the filters object. An
// object value yields a single filter. An array value is a chain: each
// element becomes a filter named "<key>_<i>" (unless it provides its own
// name), non-final elements get "next" synthesized, and the chain key
// aliases the first element.
func parseFilter(key string, value any, out map[string]*Filter) (*Filter, error) {
	if list, ok := value.([]any); ok {
		var first, last *Filter
		for suffix, rf := range list {
			newf, err := parseFilter(fmt.Sprintf("%s_%d", key, suffix), rf, out)
			if err != nil {
				return nil, err
			}
			if last != nil {
				if last.Next == "" {
					last.Next = newf.Name
				}
			} else {
				out[key] = newf
			}
			last = newf
			if first == nil {
				first = newf
			}
		}
		if first == nil {
			return nil, &ParseError{key, "empty chain"}
		}
		return first, nil
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return nil, &ParseError{key, "filter must be an object or array"}
	}

	f := &Filter{Name: key}
	if raw, ok := obj["name"]; ok {
		name, ok := raw.(string)
		if !ok {
			return nil, &ParseError{key, "'name' isn't a string"}
		}
		f.Name = name
	}
	x := f.Name

	rawAction, ok := obj["action"]
	if !ok {
		return nil, &ParseError{x, "action: missing"}
	}
	action, ok := rawAction.(string)
	if !ok {
		return nil, &ParseError{x, "action: not a string"}
	}
	f.Action = action

	switch action {
	case ActionJump, ActionCall:
		dest, ok := obj[action].(string)
		if !ok {
			return nil, &ParseError{x, fmt.Sprintf("%s: missing or not a string", action)}
		}
		if action == ActionJump {
			f.Jump = dest
		} else {
			f.Call = dest
		}
	default:
		if !isSecondary(action) {
			return nil, &ParseError{x, fmt.Sprintf("action: %q unknown", action)}
		}
	}

	if raw, ok := obj["on-return"]; ok {
		if f.Action != ActionCall {
			return nil, &ParseError{x, "on-return: only valid with action 'call'"}
		}
		s, ok := raw.(string)
		if !ok || !isSecondary(s) {
			return nil, &ParseError{x, fmt.Sprintf("on-return: unknown %v", raw)}
		}
		f.OnReturn = s
	}

	if raw, ok := obj["scope"]; ok {
		if f.Action != ActionCall {
			return nil, &ParseError{x, "scope: only valid with action 'call'"}
		}
		steps, err := parseScope(x, raw)
		if err != nil {
			return nil, err
		}
		f.Scope = steps
		f.HasScope = true
	}

	if raw, ok := obj["next"]; ok {
		s, ok := raw.(string)
		if !ok {
			return nil, &ParseError{x, "next: not a string"}
		}
		f.Next = s
	}

	if raw, ok := obj["if"]; ok {
		andlist, ok := raw.([]any)
		if !ok {
			andlist = []any{raw}
		}
		for _, entry := range andlist {
			cond, err := parseCondition(x, entry)
			if err != nil {
				return nil, err
			}
			f.If = append(f.If, cond)
		}
	}

	if raw, ok := obj["otherwise"]; ok {
		s, ok := raw.(string)
		if !ok || !isSecondary(s) {
			return nil, &ParseError{x, fmt.Sprintf("otherwise: unknown %v", raw)}
		}
		f.Otherwise = s
	}

	if _, dup := out[x]; dup {
		return nil, &ParseError{x, "filter name conflict"}
	}
	out[x] = f
	return f, nil
}

// checkPolicy verifies cross-references that can't be checked while
// individual filters are being parsed.
func checkPolicy(p *Policy) error {
	if len(p.Filters) == 0 {
		return &ParseError{"", "filters: empty"}
	}
	if _, ok := p.Filters[p.Start]; !ok {
		return &ParseError{"", fmt.Sprintf("'start' (%s) doesn't match a valid filter", p.Start)}
	}
	for x, f := range p.Filters {
		switch f.Action {
		case ActionJump:
			if _, ok := p.Filters[f.Jump]; !ok {
				return &ParseError{x, fmt.Sprintf("jump: missing %q", f.Jump)}
			}
		case ActionCall:
			if _, ok := p.Filters[f.Call]; !ok {
				return &ParseError{x, fmt.Sprintf("call: missing %q", f.Call)}
			}
		}
		if f.Next != "" {
			if _, ok := p.Filters[f.Next]; !ok {
				return &ParseError{x, fmt.Sprintf("next: unknown %q", f.Next)}
			}
		}
	}
	return nil
}

// filtersKeyOrder scans the raw policy text for the top-level "filters"
// object and returns its keys in document order.
func filtersKeyOrder(raw []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	t, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := t.(json.Delim); !ok || d != '{' {
		return nil, nil
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)
		if key != "filters" {
			if err := skipValue(dec); err != nil {
				return nil, err
			}
			continue
		}
		t, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if d, ok := t.(json.Delim); !ok || d != '{' {
			return nil, nil
		}
		var keys []string
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, err
			}
			if k, ok := kt.(string); ok {
				keys = append(keys, k)
			}
			if err := skipValue(dec); err != nil {
				return nil, err
			}
		}
		return keys, nil
	}
	return nil, nil
}

// skipValue consumes one JSON value from the decoder.
func skipValue(dec *json.Decoder) error {
	t, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := t.(json.Delim); ok && (d == '{' || d == '[') {
		for dec.More() {
			if err := skipValue(dec); err != nil {
				return err
			}
		}
		if _, err := dec.Token(); err != nil { // closing delim
			return err
		}
	}
	return nil
}

// StripComments removes every "_" key from objects in x, recursively. It is
// applied to both policy and data before evaluation so that documents can
// carry annotations.
func StripComments(x any) {
	switch v := x.(type) {
	case map[string]any:
		delete(v, "_")
		for _, e := range v {
			StripComments(e)
		}
	case []any:
		for _, e := range v {
			StripComments(e)
		}
	}
}
