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
	"strings"

	"github.com/kraklabs/hcp/pkg/hostname"
	"github.com/kraklabs/hcp/pkg/jsonexpand"
)

// SignerPaths are the issuer-credential locations injected into a job
// description's __env for parameter expansion by asset generators.
type SignerPaths struct {
	SigningKeyDir  string
	SigningKeyPub  string
	SigningKeyPriv string
	GencertCADir   string
	GencertCACert  string
	GencertCAPriv  string
}

// ComposeProfile builds the job description for one enrollment: the
// client's requested profile overlaid on the server's "preclient" profile,
// then the server's "postclient" profile overlaid on top of that, then the
// derived __env fields, then parameter expansion. The returned profile
// carries its (unexpanded) __env and the final_genprogs list; the second
// return is the space-separated genprogs string handed to the enrollment
// tool.
func ComposeProfile(pre, post map[string]any, client map[string]any, host string, signer SignerPaths) (map[string]any, string, error) {
	merged := jsonexpand.Union(jsonexpand.Union(anyMap(pre), anyMap(client)), anyMap(post))
	profile, ok := merged.(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("composed profile is not an object")
	}
	// The union can alias submaps of the server profile; copy before the
	// env fields get written in.
	copied, err := deepCopyValue(profile)
	if err != nil {
		return nil, "", err
	}
	profile = copied.(map[string]any)

	env, _ := profile["__env"].(map[string]any)
	if env == nil {
		env = map[string]any{}
		profile["__env"] = env
	}

	hostname2dc, err := hostname.DC(host)
	if err != nil {
		return nil, "", err
	}
	domain, _ := env["ENROLL_DOMAIN"].(string)
	if domain == "" {
		_, domain, err = hostname.Pop(host)
		if err != nil {
			return nil, "", err
		}
		env["ENROLL_DOMAIN"] = domain
	}
	id, matched, err := hostname.PopDomain(host, domain)
	if err != nil {
		return nil, "", err
	}
	if !matched {
		id = "unknown_id"
	}
	domain2dc, err := hostname.DC(domain)
	if err != nil {
		return nil, "", err
	}

	xtra := map[string]any{
		"__env": map[string]any{
			"ENROLL_ID":          id,
			"ENROLL_HOSTNAME":    host,
			"SIGNING_KEY_DIR":    signer.SigningKeyDir,
			"SIGNING_KEY_PUB":    signer.SigningKeyPub,
			"SIGNING_KEY_PRIV":   signer.SigningKeyPriv,
			"GENCERT_CA_DIR":     signer.GencertCADir,
			"GENCERT_CA_CERT":    signer.GencertCACert,
			"GENCERT_CA_PRIV":    signer.GencertCAPriv,
			"ENROLL_HOSTNAME2DC": hostname2dc,
			"ENROLL_DOMAIN2DC":   domain2dc,
		},
	}
	profile = jsonexpand.Union(profile, xtra).(map[string]any)

	// Parameter expansion uses __env as the variable context; the raw
	// __env is kept on the profile afterwards.
	origenv, _ := profile["__env"].(map[string]any)
	delete(profile, "__env")
	expanded, err := jsonexpand.ProcessVars(jsonexpand.Vars(origenv), any(profile))
	if err != nil {
		return nil, "", err
	}
	profile = expanded.(map[string]any)
	profile["__env"] = origenv

	// Assemble the generator list. The string form feeds the enrollment
	// tool; the profile records it as an array.
	var parts []string
	for _, k := range []string{"genprogs_pre", "genprogs", "genprogs_post"} {
		if v, ok := profile[k].(string); ok {
			parts = append(parts, strings.Fields(v)...)
		}
	}
	finalGenprogs := strings.Join(parts, " ")
	genprogsList := make([]any, len(parts))
	for i, p := range parts {
		genprogsList[i] = p
	}
	profile["final_genprogs"] = genprogsList

	return profile, finalGenprogs, nil
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func deepCopyValue(v any) (any, error) {
	enc, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("copy profile: %w", err)
	}
	var out any
	if err := json.Unmarshal(enc, &out); err != nil {
		return nil, fmt.Errorf("copy profile: %w", err)
	}
	return out, nil
}
