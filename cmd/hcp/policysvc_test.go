package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPolicyServer(t *testing.T, policyJSON string) *policyServer {
	t.Helper()
	return &policyServer{
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		policyJSON: []byte(policyJSON),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "test_policy_decisions_total",
			Help: "test",
		}, []string{"action"}),
	}
}

func postRun(t *testing.T, srv *policyServer, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/run", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.handleRun(rec, req)
	return rec
}

const hostnamePolicy = `{
	"start": "checks",
	"default": "accept",
	"filters": {
		"checks": [
			{"action": "reject", "if": {"equal": ".hostname", "value": "forbidden"}},
			{"action": "return"}
		]
	}
}`

func TestPolicyRunAccept(t *testing.T) {
	srv := newTestPolicyServer(t, hostnamePolicy)
	rec := postRun(t, srv, url.Values{
		"hookname":    {"enrollsvc::add_request"},
		"request_uid": {"urn:uuid:1234"},
		"params":      {`{"hostname": "host1.example.com"}`},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "host1.example.com")
	assert.Contains(t, body, "enrollsvc::add_request")
	assert.Contains(t, body, "urn:uuid:1234")
}

func TestPolicyRunReject(t *testing.T) {
	srv := newTestPolicyServer(t, hostnamePolicy)
	rec := postRun(t, srv, url.Values{
		"params": {`{"hostname": "forbidden"}`},
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Blocked by policy")
}

func TestPolicyRunBadJSON(t *testing.T) {
	srv := newTestPolicyServer(t, hostnamePolicy)
	rec := postRun(t, srv, url.Values{
		"params": {`{not json`},
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPolicyRunEnvExpansion(t *testing.T) {
	srv := newTestPolicyServer(t, `{
		"start": "f",
		"default": "reject",
		"filters": {
			"f": {
				"action": "accept",
				"if": {"equal": ".hostname", "value": "{WANT}"},
				"otherwise": "reject"
			}
		}
	}`)
	rec := postRun(t, srv, url.Values{
		"params": {`{"hostname": "h1", "__env": {"WANT": "h1"}}`},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	// KeepVars re-attaches the vars on the returned params
	assert.Contains(t, rec.Body.String(), "__env")
}
