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

package jsonexpand

import "reflect"

// UnionOpts tunes Union. The zero value gives the default behavior: objects
// merge recursively, arrays concatenate with de-duplication, scalars take
// the right-hand value.
type UnionOpts struct {
	// NoDictUnion makes the right object win outright instead of merging.
	NoDictUnion bool
	// NoListUnion makes the right array win outright instead of
	// concatenating.
	NoListUnion bool
	// NoListDedup keeps duplicates when arrays concatenate.
	NoListDedup bool
}

// Union performs a non-shallow merge of two decoded JSON values. If both are
// objects the merge recurses per key with b winning on scalar conflicts; if
// both are arrays the result is a+b de-duplicated in order of first
// appearance; in every other case the result is b.
func Union(a, b any) any {
	return UnionWith(a, b, UnionOpts{})
}

// UnionWith is Union with explicit options.
func UnionWith(a, b any, opts UnionOpts) any {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || opts.NoDictUnion {
			return b
		}
		result := make(map[string]any, len(av)+len(bv))
		for k, v := range av {
			result[k] = v
		}
		for k, v := range bv {
			if prev, ok := av[k]; ok {
				result[k] = UnionWith(prev, v, opts)
			} else {
				result[k] = v
			}
		}
		return result
	case []any:
		bv, ok := b.([]any)
		if !ok || opts.NoListUnion {
			return b
		}
		c := make([]any, 0, len(av)+len(bv))
		c = append(c, av...)
		c = append(c, bv...)
		if opts.NoListDedup {
			return c
		}
		d := make([]any, 0, len(c))
		for _, i := range c {
			dup := false
			for _, j := range d {
				if reflect.DeepEqual(i, j) {
					dup = true
					break
				}
			}
			if !dup {
				d = append(d, i)
			}
		}
		return d
	}
	return b
}
