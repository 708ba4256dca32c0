package engine

import (
	"context"

	"github.com/liamcoop/fraudrules/store"
)

// LocalCache keeps the last ruleset an engine published outside the primary
// store. store.SQLiteCache is the production implementation; tests may swap
// in anything that satisfies the interface.
type LocalCache interface {
	// Put replaces the cached ruleset for rec.TenantID
	Put(ctx context.Context, rec *store.StoredRuleset) error

	// Get returns the cached ruleset, store.ErrNotFound if there is none
	Get(ctx context.Context, tenantID string) (*store.StoredRuleset, error)
}
