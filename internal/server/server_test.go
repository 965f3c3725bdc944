package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authzd/authzd/internal/conditions"
	"github.com/authzd/authzd/internal/engine"
	"github.com/authzd/authzd/internal/policy"
)

const serverPolicies = `
apiVersion: authz/v1
kind: ResourcePolicy
metadata:
  name: document-policy
spec:
  resource: document
  rules:
    - actions: ["view"]
      effect: allow
      roles: ["viewer"]
`

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cond, err := conditions.NewEngine()
	require.NoError(t, err)

	catalog := policy.NewCatalog(policy.NewValidator(cond), nil)
	docs, err := policy.NewLoader(nil).ParseDocuments([]byte(serverPolicies))
	require.NoError(t, err)
	require.NoError(t, catalog.ReplaceAll(docs))

	cfg := engine.DefaultConfig()
	cfg.Cache.SweepInterval = 0
	eng, err := engine.New(cfg, catalog, cond, nil)
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	srv, err := New(DefaultConfig(), eng, nil, nil)
	require.NoError(t, err)
	return srv
}

func doRequest(srv *Server, method, path string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	return resp.Data
}

func TestCheckEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, "POST", "/v1/check", `{
		"principal": {"id": "dave", "roles": ["viewer"]},
		"resource": {"kind": "document", "id": "doc-1"},
		"actions": ["view", "edit"]
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	results := data["results"].(map[string]interface{})
	view := results["view"].(map[string]interface{})
	edit := results["edit"].(map[string]interface{})

	assert.Equal(t, "allow", view["effect"])
	assert.Equal(t, "deny", edit["effect"])
	assert.NotEmpty(t, data["requestId"])
}

func TestCheckEndpointBadJSON(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, "POST", "/v1/check", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckBatchEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, "POST", "/v1/check/batch", `{"requests": [
		{"principal": {"id": "dave", "roles": ["viewer"]}, "resource": {"kind": "document"}, "actions": ["view"]},
		{"principal": {"id": "eve", "roles": []}, "resource": {"kind": "document"}, "actions": ["view"]}
	]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData(t, rec)
	responses := data["responses"].([]interface{})
	assert.Len(t, responses, 2)
}

func TestAdminLoadPolicies(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, "POST", "/admin/policies", `
apiVersion: authz/v1
kind: ResourcePolicy
metadata:
  name: report-policy
spec:
  resource: report
  rules:
    - actions: ["view"]
      effect: allow
      roles: ["viewer"]
`)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, float64(2), data["active"])
}

func TestAdminLoadRejectsInvalid(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, "POST", "/admin/policies", `
apiVersion: authz/v1
kind: ResourcePolicy
metadata:
  name: bad-policy
spec:
  resource: report
  rules:
    - actions: ["view"]
      effect: bogus
      roles: ["viewer"]
`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "LOAD_FAILED")
}

func TestAdminReplaceAndList(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, "PUT", "/admin/policies", serverPolicies)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(srv, "GET", "/admin/policies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, float64(1), data["count"])

	keys := data["policies"].([]interface{})
	assert.True(t, strings.HasPrefix(keys[0].(string), "ResourcePolicy/document-policy"))
}

func TestAdminExportRoundTrips(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, "GET", "/admin/policies/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-yaml", rec.Header().Get("Content-Type"))

	// The exported YAML replaces the catalog without loss.
	exported := rec.Body.String()
	rec = doRequest(srv, "PUT", "/admin/policies", exported)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, float64(1), data["active"])

	rec = doRequest(srv, "GET", "/admin/policies/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, exported, rec.Body.String())
}

func TestAdminExportJSON(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, "GET", "/admin/policies/export?format=json", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Policies []map[string]interface{} `json:"policies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out.Policies, 1)
	assert.Equal(t, "ResourcePolicy", out.Policies[0]["kind"])
}

func TestAdminGetAndDeletePolicy(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, "GET", "/admin/policies/document-policy", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(srv, "DELETE", "/admin/policies/document-policy", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(srv, "GET", "/admin/policies/document-policy", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(srv, "DELETE", "/admin/policies/document-policy", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(srv, "GET", "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, "healthy", data["status"])
}

func TestCacheEndpoints(t *testing.T) {
	srv := newTestServer(t)

	doRequest(srv, "POST", "/v1/check", `{
		"principal": {"id": "dave", "roles": ["viewer"]},
		"resource": {"kind": "document"},
		"actions": ["view"]
	}`)

	rec := doRequest(srv, "GET", "/admin/cache", "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, true, data["enabled"])
	assert.Equal(t, float64(1), data["size"])

	rec = doRequest(srv, "DELETE", "/admin/cache", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(srv, "GET", "/admin/cache", "")
	data = decodeData(t, rec)
	assert.Equal(t, float64(0), data["size"])
}
