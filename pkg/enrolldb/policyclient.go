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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// ErrPolicyRefused marks a request the policy service did not accept.
// Inability to reach the service is a refusal too — never an implicit
// accept.
var ErrPolicyRefused = errors.New("refused by policy")

// PolicyChecker is consulted before any enrollment is generated.
type PolicyChecker interface {
	Check(ctx context.Context, hookname, requestUID string, params map[string]any) error
}

// HTTPPolicyChecker asks the policy sidecar over HTTP. A circuit breaker
// sits in front so a dead sidecar fails requests fast instead of stacking
// up timeouts; a tripped breaker still reads as a refusal.
type HTTPPolicyChecker struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPPolicyChecker builds a checker for the sidecar at baseURL.
func NewHTTPPolicyChecker(baseURL string) *HTTPPolicyChecker {
	return &HTTPPolicyChecker{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "policysvc",
			Timeout: 15 * time.Second,
		}),
	}
}

// Check posts the composed params to the sidecar's /run hook. Only a 200
// is an accept; a 403, any other status, any transport error, and an open
// breaker all come back as ErrPolicyRefused.
func (p *HTTPPolicyChecker) Check(ctx context.Context, hookname, requestUID string, params map[string]any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: unencodable params: %v", ErrPolicyRefused, err)
	}
	form := url.Values{
		"hookname":    {hookname},
		"request_uid": {requestUID},
		"params":      {string(paramsJSON)},
	}

	status, err := p.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			p.baseURL+"/run", strings.NewReader(form.Encode()))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := p.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		// A refusal is a healthy response; only transport-level trouble
		// should count against the breaker.
		return resp.StatusCode, nil
	})
	if err != nil {
		return fmt.Errorf("%w: policy service unreachable: %v", ErrPolicyRefused, err)
	}
	if status.(int) != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrPolicyRefused, status.(int))
	}
	return nil
}
