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
	"encoding/json"
	"fmt"

	"github.com/kraklabs/hcp/pkg/jsonexpand"
)

// Result is the outcome of evaluating a policy against one input.
type Result struct {
	Action     string `json:"action"`
	LastFilter string `json:"last_filter"`
	Reason     string `json:"reason"`
}

// maxSteps bounds total filter visits per evaluation, so a cyclic jump
// graph degrades to a reject instead of spinning.
const maxSteps = 10000

// Eval runs data through the policy. Evaluation of a parsed policy never
// errors; every outcome is an accept or reject Result.
func (p *Policy) Eval(data any) Result {
	steps := 0
	if out := p.runSub(p.Start, data, &steps); out != nil {
		return *out
	}
	return Result{Action: p.Default, Reason: "Default filter action"}
}

// runSub walks filters from cursor. A nil return means a "return" action
// unwound to the caller (or off the top, where the default applies).
func (p *Policy) runSub(cursor string, data any, steps *int) *Result {
	for {
		*steps++
		if *steps > maxSteps {
			return &Result{ActionReject, cursor, "policy evaluation step limit reached"}
		}
		f := p.Filters[cursor]
		action := f.Action
		if len(f.If) > 0 {
			match := true
			for _, cond := range f.If {
				if !cond.eval(data) {
					match = false
					break
				}
			}
			if !match {
				if f.Otherwise != "" {
					action = f.Otherwise
				} else {
					action = ActionNext
				}
			}
		}
		if action == ActionReturn {
			return nil
		}
		if action == ActionCall {
			scoped := data
			if f.HasScope {
				var err error
				scoped, err = runScope(f.Name, f.Scope, data)
				if err != nil {
					return &Result{ActionReject, f.Name, fmt.Sprintf("scope error: %v", err)}
				}
			}
			if sub := p.runSub(f.Call, scoped, steps); sub != nil {
				return sub
			}
			if f.OnReturn != "" {
				action = f.OnReturn
			} else {
				action = ActionNext
			}
			if action == ActionReturn {
				return nil
			}
		}
		if action == ActionJump {
			cursor = f.Jump
			continue
		}
		if action == ActionNext {
			if f.Next == "" {
				return &Result{ActionReject, f.Name, "bug in policy.json - no 'next'"}
			}
			cursor = f.Next
			continue
		}
		return &Result{action, f.Name, "Filter match"}
	}
}

// RunOpts tunes the full Run pipeline.
type RunOpts struct {
	// StripComments removes "_" keys from policy and data first.
	StripComments bool
	// UseVars peels the VarsKey object off the data and parameter-expands
	// both the policy and the data with it before filtering.
	UseVars bool
	// VarsKey names the expansion-variable member of the data.
	VarsKey string
	// KeepVars re-attaches the peeled vars to the data after expansion.
	KeepVars bool
}

// DefaultRunOpts matches the sidecar's behavior.
func DefaultRunOpts() RunOpts {
	return RunOpts{StripComments: true, UseVars: true, VarsKey: "__env"}
}

// Run is the one-shot pipeline: decode the policy, strip comments,
// parameter-expand policy and data from the data's vars member, parse,
// evaluate. The caller's data is never modified; the returned value is the
// (possibly expanded) copy that was filtered, which accept responses echo
// back.
func Run(policyJSON []byte, data any, opts RunOpts) (Result, any, error) {
	data, err := deepCopy(data)
	if err != nil {
		return Result{}, nil, fmt.Errorf("policy data: %w", err)
	}

	var doc any
	if err := json.Unmarshal(policyJSON, &doc); err != nil {
		return Result{}, nil, fmt.Errorf("policy: %w", err)
	}
	order, err := filtersKeyOrder(policyJSON)
	if err != nil {
		return Result{}, nil, fmt.Errorf("policy: %w", err)
	}

	if opts.StripComments {
		StripComments(doc)
		StripComments(data)
	}

	if opts.UseVars {
		vars := jsonexpand.Vars{}
		var rawVars any
		if m, ok := data.(map[string]any); ok {
			if raw, ok := m[opts.VarsKey]; ok {
				delete(m, opts.VarsKey)
				rawVars = raw
				if vm, ok := raw.(map[string]any); ok {
					vars = jsonexpand.Vars(vm)
				}
			}
		}
		data, err = jsonexpand.Process(vars, data)
		if err != nil {
			return Result{}, nil, fmt.Errorf("data expansion: %w", err)
		}
		doc, err = jsonexpand.Process(vars, doc)
		if err != nil {
			return Result{}, nil, fmt.Errorf("policy expansion: %w", err)
		}
		if opts.KeepVars && rawVars != nil {
			if m, ok := data.(map[string]any); ok {
				m[opts.VarsKey] = rawVars
			}
		}
	}

	p, err := parseDoc(doc, order)
	if err != nil {
		return Result{}, nil, err
	}
	return p.Eval(data), data, nil
}

func deepCopy(v any) (any, error) {
	enc, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(enc, &out); err != nil {
		return nil, err
	}
	return out, nil
}
