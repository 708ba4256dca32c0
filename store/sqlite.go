package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS last_known_good (
	tenant_id  TEXT PRIMARY KEY,
	version    TEXT NOT NULL,
	document   TEXT NOT NULL,
	rule_count INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	cached_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLiteCache keeps the last ruleset each tenant published successfully on
// local disk so an engine can start serving when the primary store is
// unreachable.
type SQLiteCache struct {
	db *sql.DB
}

// NewSQLiteCache opens (creating if needed) the cache database at path.
// Use ":memory:" for a process-local cache.
func NewSQLiteCache(path string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}
	return &SQLiteCache{db: db}, nil
}

// Put replaces the cached ruleset for rec.TenantID
func (c *SQLiteCache) Put(ctx context.Context, rec *StoredRuleset) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO last_known_good (tenant_id, version, document, rule_count, created_at, cached_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(tenant_id) DO UPDATE SET
			version = excluded.version,
			document = excluded.document,
			rule_count = excluded.rule_count,
			created_at = excluded.created_at,
			cached_at = CURRENT_TIMESTAMP
	`, rec.TenantID, rec.Version, string(rec.Document), rec.RuleCount, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to cache ruleset: %w", err)
	}
	return nil
}

// Get returns the cached ruleset for tenantID, ErrNotFound if none.
// The returned record is marked Active since it was active when cached.
func (c *SQLiteCache) Get(ctx context.Context, tenantID string) (*StoredRuleset, error) {
	rec := StoredRuleset{TenantID: tenantID, Active: true}
	var (
		doc       string
		createdAt time.Time
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT version, document, rule_count, created_at
		FROM last_known_good
		WHERE tenant_id = ?
	`, tenantID).Scan(&rec.Version, &doc, &rec.RuleCount, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cached ruleset for tenant %s: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached ruleset: %w", err)
	}
	rec.Document = []byte(doc)
	rec.CreatedAt = createdAt
	return &rec, nil
}

// Tenants returns the IDs of every tenant with a cached ruleset, sorted
func (c *SQLiteCache) Tenants(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT tenant_id FROM last_known_good ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan cached tenant: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete drops the cached ruleset for tenantID
func (c *SQLiteCache) Delete(ctx context.Context, tenantID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM last_known_good WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("failed to delete cached ruleset: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
