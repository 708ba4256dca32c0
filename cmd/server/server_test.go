package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/liamcoop/fraudrules/internal/logger"
	"github.com/liamcoop/fraudrules/internal/metrics"
	"github.com/liamcoop/fraudrules/multitenantengine"
	"github.com/liamcoop/fraudrules/store"
)

const cardTestingRules = `[
	{"key": "high_amount", "outcome": "review", "check": {"operator": "greater_than", "key": "amount", "value": 1000}},
	{"key": "card_testing", "outcome": "block", "check": {"operator": "and", "checks": [
		{"operator": "less_than", "key": "amount", "value": 2},
		{"operator": "greater_than_or_equal", "key": "attempts_last_hour", "value": 5}
	]}}
]`

const cardTestingYAML = `
- key: sanctioned_country
  outcome: block
  check:
    operator: in
    key: country
    value: [KP, IR]
`

func newTestServer(t *testing.T, ping func(context.Context) error) (*httptest.Server, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	m := metrics.New()
	manager := multitenantengine.NewManager(st,
		multitenantengine.WithLogger(logger.Discard()),
		multitenantengine.WithMetrics(m))

	srv := NewServer(Deps{
		Manager: manager,
		Store:   st,
		Metrics: m,
		Log:     logger.Discard(),
		Ping:    ping,
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, st
}

func doRequest(t *testing.T, method, url, contentType, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("Failed to decode %s: %v", data, err)
	}
	return v
}

func createTenant(t *testing.T, baseURL, id string) {
	t.Helper()
	status, body := doRequest(t, http.MethodPost, baseURL+"/api/v1/tenants", "application/json",
		`{"id": "`+id+`", "name": "Test Tenant"}`)
	if status != http.StatusCreated {
		t.Fatalf("create tenant: status %d, body %s", status, body)
	}
}

// TestEndToEnd_PublishAndEvaluate tests the complete workflow:
// create tenant, publish ruleset, evaluate transactions
func TestEndToEnd_PublishAndEvaluate(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	base := ts.URL + "/api/v1"

	createTenant(t, ts.URL, "acme")

	status, body := doRequest(t, http.MethodPut, base+"/tenants/acme/ruleset", "application/json", cardTestingRules)
	if status != http.StatusCreated {
		t.Fatalf("publish: status %d, body %s", status, body)
	}
	published := decode[PublishResponse](t, body)
	if published.RuleCount != 2 || published.Version == "" {
		t.Errorf("publish response = %+v", published)
	}

	testCases := []struct {
		name    string
		facts   string
		outcome string
		matched []string
	}{
		{"card testing", `{"amount": 1, "attempts_last_hour": 9}`, "block", []string{"card_testing"}},
		{"large purchase", `{"amount": 5000, "attempts_last_hour": 0}`, "review", []string{"high_amount"}},
		{"ordinary", `{"amount": 40}`, "allow", []string{}},
		{"string amount", `{"amount": "5000"}`, "allow", []string{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := doRequest(t, http.MethodPost, base+"/tenants/acme/evaluate", "application/json",
				`{"facts": `+tc.facts+`}`)
			if status != http.StatusOK {
				t.Fatalf("evaluate: status %d, body %s", status, body)
			}
			got := decode[EvaluateResponse](t, body)
			if string(got.Outcome) != tc.outcome {
				t.Errorf("outcome = %s, want %s", got.Outcome, tc.outcome)
			}
			if diff := cmp.Diff(tc.matched, got.MatchedRuleKeys); diff != "" {
				t.Errorf("matchedRuleKeys mismatch (-want +got):\n%s", diff)
			}
			if got.Version != published.Version {
				t.Errorf("version = %s, want %s", got.Version, published.Version)
			}
		})
	}

	// the unscoped route takes the tenant from the body
	status, body = doRequest(t, http.MethodPost, base+"/evaluate", "application/json",
		`{"tenantId": "acme", "facts": {"amount": 1, "attempts_last_hour": 5}}`)
	if status != http.StatusOK {
		t.Fatalf("unscoped evaluate: status %d, body %s", status, body)
	}
	if got := decode[EvaluateResponse](t, body); got.Outcome != "block" {
		t.Errorf("unscoped outcome = %s, want block", got.Outcome)
	}
}

func TestPublishInvalidRuleset(t *testing.T) {
	ts, st := newTestServer(t, nil)
	base := ts.URL + "/api/v1"
	createTenant(t, ts.URL, "acme")

	testCases := []struct {
		name string
		doc  string
		code string
		path string
	}{
		{
			name: "unknown operator",
			doc:  `[{"key": "r", "outcome": "block", "check": {"operator": "matches", "key": "k", "value": 1}}]`,
			code: "invalid_operator",
			path: "$[0].check.operator",
		},
		{
			name: "nested empty list",
			doc:  `[{"key": "r", "outcome": "block", "check": {"operator": "or", "checks": [{"operator": "and", "checks": []}]}}]`,
			code: "empty_checks",
			path: "$[0].check.checks[0].checks",
		},
		{
			name: "bad outcome",
			doc:  `[{"key": "r", "outcome": "deny", "check": {"operator": "equals", "key": "k", "value": 1}}]`,
			code: "invalid_outcome",
			path: "$[0].outcome",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := doRequest(t, http.MethodPut, base+"/tenants/acme/ruleset", "application/json", tc.doc)
			if status != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body %s", status, body)
			}
			got := decode[ErrorResponse](t, body)
			if got.Code != tc.code || got.Path != tc.path {
				t.Errorf("error = %+v, want code %s at %s", got, tc.code, tc.path)
			}
		})
	}

	status, body := doRequest(t, http.MethodPut, base+"/tenants/acme/ruleset", "application/json", `[{`)
	if status != http.StatusBadRequest {
		t.Errorf("malformed JSON: status %d, body %s", status, body)
	}

	if _, err := st.Active(context.Background(), "acme"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("invalid documents must not be stored, Active() error = %v", err)
	}
}

func TestPublishYAML(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	base := ts.URL + "/api/v1"
	createTenant(t, ts.URL, "acme")

	status, body := doRequest(t, http.MethodPut, base+"/tenants/acme/ruleset", "application/yaml", cardTestingYAML)
	if status != http.StatusCreated {
		t.Fatalf("publish yaml: status %d, body %s", status, body)
	}

	status, body = doRequest(t, http.MethodGet, base+"/tenants/acme/ruleset", "", "")
	if status != http.StatusOK {
		t.Fatalf("get ruleset: status %d, body %s", status, body)
	}
	got := decode[RulesetResponse](t, body)
	if got.RuleCount != 1 || got.Source != "publish" {
		t.Errorf("ruleset = %+v", got)
	}
	if diff := cmp.Diff([]string{"country"}, got.FactKeys); diff != "" {
		t.Errorf("factKeys mismatch (-want +got):\n%s", diff)
	}
	if !bytes.Contains(got.Rules, []byte(`"sanctioned_country"`)) {
		t.Errorf("rules = %s", got.Rules)
	}
}

func TestMalformedDocument(t *testing.T) {
	ts, st := newTestServer(t, nil)
	base := ts.URL + "/api/v1"
	createTenant(t, ts.URL, "acme")

	testCases := []struct {
		name        string
		method      string
		path        string
		contentType string
		doc         string
	}{
		{"publish yaml", http.MethodPut, "/tenants/acme/ruleset", "application/yaml", "- key: [unclosed"},
		{"validate yaml", http.MethodPost, "/tenants/acme/ruleset/validate", "application/yaml", "- key: [unclosed"},
		{"publish json", http.MethodPut, "/tenants/acme/ruleset", "application/json", `[{"key": `},
		{"validate json", http.MethodPost, "/tenants/acme/ruleset/validate", "application/json", `[{"key": `},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := doRequest(t, tc.method, base+tc.path, tc.contentType, tc.doc)
			if status != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body %s", status, body)
			}
			got := decode[ErrorResponse](t, body)
			if got.Code != "malformed_document" || got.Path != "$" {
				t.Errorf("error = %+v, want malformed_document at $", got)
			}
		})
	}

	if _, err := st.Active(context.Background(), "acme"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("malformed documents must not be stored, Active() error = %v", err)
	}
}

func TestValidateRuleset(t *testing.T) {
	ts, st := newTestServer(t, nil)
	base := ts.URL + "/api/v1"
	createTenant(t, ts.URL, "acme")

	status, body := doRequest(t, http.MethodPost, base+"/tenants/acme/ruleset/validate", "application/json", cardTestingRules)
	if status != http.StatusOK {
		t.Fatalf("validate: status %d, body %s", status, body)
	}
	got := decode[ValidateResponse](t, body)
	if !got.Valid || got.RuleCount != 2 {
		t.Errorf("validate response = %+v", got)
	}

	status, body = doRequest(t, http.MethodPost, base+"/tenants/acme/ruleset/validate", "application/json", `[]`)
	if status != http.StatusOK {
		t.Fatalf("empty ruleset: status %d, body %s", status, body)
	}
	if got := decode[ValidateResponse](t, body); !got.Valid || got.RuleCount != 0 {
		t.Errorf("empty ruleset response = %+v", got)
	}

	if versions, _ := st.List(context.Background(), "acme"); len(versions) != 0 {
		t.Errorf("validate stored %d versions", len(versions))
	}
}

func TestVersionsAndRollback(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	base := ts.URL + "/api/v1"
	createTenant(t, ts.URL, "acme")

	_, body := doRequest(t, http.MethodPut, base+"/tenants/acme/ruleset", "application/json", cardTestingRules)
	first := decode[PublishResponse](t, body)
	_, body = doRequest(t, http.MethodPut, base+"/tenants/acme/ruleset", "application/yaml", cardTestingYAML)
	second := decode[PublishResponse](t, body)

	status, body := doRequest(t, http.MethodGet, base+"/tenants/acme/ruleset/versions", "", "")
	if status != http.StatusOK {
		t.Fatalf("versions: status %d, body %s", status, body)
	}
	versions := decode[VersionsListResponse](t, body).Versions
	if len(versions) != 2 || versions[0].Version != second.Version || !versions[0].Active {
		t.Fatalf("versions = %+v", versions)
	}

	status, body = doRequest(t, http.MethodPost, base+"/tenants/acme/ruleset/rollback", "application/json",
		`{"version": "`+first.Version+`"}`)
	if status != http.StatusOK {
		t.Fatalf("rollback: status %d, body %s", status, body)
	}

	_, body = doRequest(t, http.MethodPost, base+"/tenants/acme/evaluate", "application/json",
		`{"facts": {"amount": 5000, "country": "KP"}}`)
	got := decode[EvaluateResponse](t, body)
	if got.Version != first.Version || got.Outcome != "review" {
		t.Errorf("after rollback: version %s outcome %s", got.Version, got.Outcome)
	}

	status, _ = doRequest(t, http.MethodPost, base+"/tenants/acme/ruleset/rollback", "application/json",
		`{"version": "does-not-exist"}`)
	if status != http.StatusNotFound {
		t.Errorf("rollback unknown version: status %d, want 404", status)
	}
}

func TestRenderCEL(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	base := ts.URL + "/api/v1"
	createTenant(t, ts.URL, "acme")

	status, _ := doRequest(t, http.MethodGet, base+"/tenants/acme/ruleset/cel", "", "")
	if status != http.StatusNotFound {
		t.Errorf("cel before publish: status %d, want 404", status)
	}

	doRequest(t, http.MethodPut, base+"/tenants/acme/ruleset", "application/json", cardTestingRules)
	status, body := doRequest(t, http.MethodGet, base+"/tenants/acme/ruleset/cel", "", "")
	if status != http.StatusOK {
		t.Fatalf("cel: status %d, body %s", status, body)
	}
	got := decode[CELResponse](t, body)
	if len(got.Rules) != 2 || got.Rules[0].Key != "high_amount" {
		t.Fatalf("cel rules = %+v", got.Rules)
	}
	if !strings.Contains(got.Rules[0].Expression, `facts["amount"]`) {
		t.Errorf("expression = %s", got.Rules[0].Expression)
	}
}

func TestTenantErrors(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	base := ts.URL + "/api/v1"

	testCases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"evaluate unknown tenant", http.MethodPost, "/tenants/ghost/evaluate", `{"facts": {}}`, http.StatusNotFound},
		{"ruleset unknown tenant", http.MethodGet, "/tenants/ghost/ruleset", "", http.StatusNotFound},
		{"unscoped without tenant", http.MethodPost, "/evaluate", `{"facts": {}}`, http.StatusBadRequest},
		{"missing facts", http.MethodPost, "/evaluate", `{"tenantId": "ghost"}`, http.StatusBadRequest},
		{"invalid tenant id", http.MethodPost, "/tenants", `{"id": "-bad"}`, http.StatusBadRequest},
		{"reserved tenant id", http.MethodPost, "/tenants", `{"id": "metrics"}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/tenants", `{`, http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := doRequest(t, tc.method, base+tc.path, "application/json", tc.body)
			if status != tc.want {
				t.Errorf("status = %d, want %d; body %s", status, tc.want, body)
			}
		})
	}

	createTenant(t, ts.URL, "acme")
	status, _ := doRequest(t, http.MethodPost, base+"/tenants", "application/json", `{"id": "acme"}`)
	if status != http.StatusConflict {
		t.Errorf("duplicate tenant: status %d, want 409", status)
	}

	status, _ = doRequest(t, http.MethodPost, base+"/tenants/acme/evaluate", "application/json", `{"facts": {}}`)
	if status != http.StatusNotFound {
		t.Errorf("evaluate before publish: status %d, want 404", status)
	}

	status, body := doRequest(t, http.MethodGet, base+"/tenants", "", "")
	if status != http.StatusOK {
		t.Fatalf("list tenants: status %d", status)
	}
	tenants := decode[TenantsListResponse](t, body).Tenants
	if len(tenants) != 1 || tenants[0].ID != "acme" || tenants[0].Name != "Test Tenant" {
		t.Errorf("tenants = %+v", tenants)
	}
}

func TestCreateTenantReturnsStoredRow(t *testing.T) {
	ts, st := newTestServer(t, nil)

	status, body := doRequest(t, http.MethodPost, ts.URL+"/api/v1/tenants", "application/json", `{"id": "globex"}`)
	if status != http.StatusCreated {
		t.Fatalf("create tenant: status %d, body %s", status, body)
	}
	got := decode[TenantResponse](t, body)

	stored, err := st.Tenants(context.Background())
	if err != nil || len(stored) != 1 {
		t.Fatalf("Tenants() = %+v, %v", stored, err)
	}
	if got.ID != "globex" || got.Name != "globex" {
		t.Errorf("response = %+v, want globex named after its id", got)
	}
	if !got.CreatedAt.Equal(stored[0].CreatedAt) {
		t.Errorf("createdAt = %s, stored row has %s", got.CreatedAt, stored[0].CreatedAt)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	var dbDown atomic.Bool
	ts, _ := newTestServer(t, func(context.Context) error {
		if dbDown.Load() {
			return errors.New("connection refused")
		}
		return nil
	})

	status, body := doRequest(t, http.MethodGet, ts.URL+"/api/v1/health", "", "")
	if status != http.StatusOK {
		t.Fatalf("health: status %d, body %s", status, body)
	}
	if got := decode[HealthResponse](t, body); got.Status != "healthy" {
		t.Errorf("health status = %s", got.Status)
	}

	dbDown.Store(true)
	status, body = doRequest(t, http.MethodGet, ts.URL+"/api/v1/health", "", "")
	if status != http.StatusServiceUnavailable {
		t.Errorf("health with db down: status %d, body %s", status, body)
	}

	status, body = doRequest(t, http.MethodGet, ts.URL+"/metrics", "", "")
	if status != http.StatusOK {
		t.Fatalf("metrics: status %d", status)
	}
	if !bytes.Contains(body, []byte("fraudrules_http_requests_total")) {
		t.Error("metrics output missing fraudrules_http_requests_total")
	}

	status, body = doRequest(t, http.MethodGet, ts.URL+"/api/v1/schema", "", "")
	if status != http.StatusOK || !bytes.Contains(body, []byte(`"$schema"`)) {
		t.Errorf("schema: status %d, body %.80s", status, body)
	}
}
