package multitenantengine

import (
	"fmt"
	"regexp"
)

const maxTenantIDLength = 100

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_-]*$`)

// ValidateTenantID checks a tenant identifier before it is stored or used in a URL.
// IDs are 1-100 characters of letters, digits, underscores and hyphens, may
// not start with a hyphen and may not collide with a reserved path segment.
func ValidateTenantID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("tenant id cannot be empty")
	}
	if len(id) > maxTenantIDLength {
		return fmt.Errorf("tenant id length %d exceeds maximum of %d characters", len(id), maxTenantIDLength)
	}

	if !tenantIDPattern.MatchString(id) {
		return fmt.Errorf("tenant id %q must match pattern %s (letters, digits, underscores or hyphens, not starting with a hyphen)", id, tenantIDPattern)
	}

	if isReservedTenantID(id) {
		return fmt.Errorf("cannot use reserved name %q as tenant id", id)
	}

	return nil
}

// isReservedTenantID reports names that would shadow server routes
func isReservedTenantID(id string) bool {
	reserved := map[string]bool{
		"health":   true,
		"metrics":  true,
		"schema":   true,
		"tenants":  true,
		"evaluate": true,
		"ruleset":  true,
		"admin":    true,
		"api":      true,
		"v1":       true,
	}
	return reserved[id]
}
