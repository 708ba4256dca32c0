package main

import (
	"encoding/json"
	"time"

	"github.com/liamcoop/fraudrules/rules"
	"github.com/liamcoop/fraudrules/rules/celexpr"
)

// API request and response models

// CreateTenantRequest represents the request body for creating a tenant
type CreateTenantRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TenantResponse represents a tenant in API responses
type TenantResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// TenantsListResponse represents the response for listing tenants
type TenantsListResponse struct {
	Tenants []TenantResponse `json:"tenants"`
}

// EvaluateRequest represents the request body for evaluating facts.
// TenantID is only read on the unscoped /evaluate route.
type EvaluateRequest struct {
	TenantID string      `json:"tenantId,omitempty"`
	Facts    rules.Facts `json:"facts"`
}

// EvaluateResponse represents the decision for one transaction
type EvaluateResponse struct {
	TenantID        string        `json:"tenantId"`
	Version         string        `json:"version"`
	Outcome         rules.Outcome `json:"outcome"`
	MatchedRuleKeys []string      `json:"matchedRuleKeys"`
	Matches         []rules.Match `json:"matches"`
	EvaluationTime  string        `json:"evaluationTime"`
}

// RulesetResponse represents the published ruleset of a tenant
type RulesetResponse struct {
	Version   string          `json:"version"`
	Source    string          `json:"source"`
	LoadedAt  time.Time       `json:"loadedAt"`
	RuleCount int             `json:"ruleCount"`
	FactKeys  []string        `json:"factKeys"`
	Rules     json.RawMessage `json:"rules"`
}

// PublishResponse represents the result of publishing or rolling back
type PublishResponse struct {
	Version   string `json:"version"`
	RuleCount int    `json:"ruleCount"`
	Status    string `json:"status"`
}

// ValidateResponse represents the result of a dry-run validation
type ValidateResponse struct {
	Valid     bool     `json:"valid"`
	RuleCount int      `json:"ruleCount"`
	FactKeys  []string `json:"factKeys"`
}

// VersionResponse describes one stored ruleset version
type VersionResponse struct {
	Version   string    `json:"version"`
	RuleCount int       `json:"ruleCount"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// VersionsListResponse represents the version history of a tenant
type VersionsListResponse struct {
	Versions []VersionResponse `json:"versions"`
}

// RollbackRequest represents the request body for re-activating a version
type RollbackRequest struct {
	Version string `json:"version"`
}

// CELResponse lists the CEL rendering of each rule
type CELResponse struct {
	Version string           `json:"version"`
	Rules   []celexpr.Source `json:"rules"`
}

// ErrorResponse represents an error response. Code and Path are set for
// ruleset validation failures and point at the offending node.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code,omitempty"`
	Path    string `json:"path,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string   `json:"status"`
	TenantsLoaded int      `json:"tenantsLoaded"`
	StaleTenants  []string `json:"staleTenants,omitempty"`
	Error         string   `json:"error,omitempty"`
}
