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

// Package hostname validates enrollment hostnames and derives the
// domain-component forms used in generated certificates and realm
// configuration.
//
// The accepted grammar is [A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*. Underscores
// are allowed and no length cap is enforced; both quirks are part of the
// enrollment contract.
package hostname

import (
	"fmt"
	"regexp"
	"strings"
)

var validRe = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

// Valid returns an error if hostname does not match the accepted grammar.
func Valid(hostname string) error {
	if !validRe.MatchString(hostname) {
		return fmt.Errorf("invalid hostname: %q", hostname)
	}
	return nil
}

// Pop splits the leading component off a dotted hostname. Popping "a.b.c"
// gives ("a", "b.c"); popping "a" gives ("a", "").
func Pop(hostname string) (node, rest string, err error) {
	index := strings.Index(hostname, ".")
	if index == 0 {
		return "", "", fmt.Errorf("hostname components must be non-empty: %q", hostname)
	}
	if index < 0 {
		return hostname, "", nil
	}
	return hostname[:index], hostname[index+1:], nil
}

// DC renders a dotted name as LDAP domain components: "a.b" becomes
// "DC=a,DC=b". An empty name renders as "".
func DC(name string) (string, error) {
	result := ""
	for name != "" {
		node, rest, err := Pop(name)
		if err != nil {
			return "", err
		}
		if result == "" {
			result = "DC=" + node
		} else {
			result = result + ",DC=" + node
		}
		name = rest
	}
	return result, nil
}

// PopDomain splits hostname into the host-local prefix and the given domain
// suffix. If the hostname ends in the domain, matched is true and prefix is
// everything before it. Otherwise matched is false and prefix is the whole
// hostname.
func PopDomain(hostname, domain string) (prefix string, matched bool, err error) {
	pre := ""
	post := hostname
	for post != "" && post != domain {
		var node string
		node, post, err = Pop(post)
		if err != nil {
			return "", false, err
		}
		if pre != "" {
			pre = pre + "." + node
		} else {
			pre = node
		}
	}
	if post != "" {
		return pre, true, nil
	}
	return hostname, false, nil
}
