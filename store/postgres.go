package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore implements RulesetStore backed by PostgreSQL.
// Tables are created by the migrations package.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping checks database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateTenant inserts a tenant row
func (s *PostgresStore) CreateTenant(ctx context.Context, id, name string) (*Tenant, error) {
	t := Tenant{ID: id, Name: name}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tenants (id, name)
		VALUES ($1, $2)
		RETURNING created_at
	`, id, name).Scan(&t.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, fmt.Errorf("tenant %s: %w", id, ErrTenantExists)
		}
		return nil, fmt.Errorf("failed to insert tenant: %w", err)
	}
	return &t, nil
}

// Tenants lists registered tenants ordered by ID
func (s *PostgresStore) Tenants(ctx context.Context) ([]Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM tenants ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenants: %w", err)
	}
	return tenants, nil
}

// Save deactivates the current version and inserts doc as the active one in
// a single transaction
func (s *PostgresStore) Save(ctx context.Context, tenantID string, doc []byte, ruleCount int) (*StoredRuleset, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := lockTenant(ctx, tx, tenantID); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE rulesets SET active = false
		WHERE tenant_id = $1 AND active
	`, tenantID); err != nil {
		return nil, fmt.Errorf("failed to deactivate current ruleset: %w", err)
	}

	rec := StoredRuleset{
		TenantID:  tenantID,
		Version:   uuid.NewString(),
		RuleCount: ruleCount,
		Active:    true,
	}
	var stored []byte
	err = tx.QueryRowContext(ctx, `
		INSERT INTO rulesets (version, tenant_id, document, rule_count, active)
		VALUES ($1, $2, $3::jsonb, $4, true)
		RETURNING document, created_at
	`, rec.Version, tenantID, string(doc), ruleCount).Scan(&stored, &rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert ruleset: %w", err)
	}
	rec.Document = stored

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit ruleset: %w", err)
	}
	return &rec, nil
}

// Active returns the active version
func (s *PostgresStore) Active(ctx context.Context, tenantID string) (*StoredRuleset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, version, document, rule_count, active, created_at
		FROM rulesets
		WHERE tenant_id = $1 AND active
	`, tenantID)
	rec, err := scanRuleset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active ruleset for tenant %s: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active ruleset: %w", err)
	}
	return rec, nil
}

// Get returns a specific version
func (s *PostgresStore) Get(ctx context.Context, tenantID, version string) (*StoredRuleset, error) {
	if _, err := uuid.Parse(version); err != nil {
		return nil, fmt.Errorf("ruleset %s for tenant %s: %w", version, tenantID, ErrNotFound)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, version, document, rule_count, active, created_at
		FROM rulesets
		WHERE tenant_id = $1 AND version = $2
	`, tenantID, version)
	rec, err := scanRuleset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ruleset %s for tenant %s: %w", version, tenantID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ruleset: %w", err)
	}
	return rec, nil
}

// List returns every version, newest first
func (s *PostgresStore) List(ctx context.Context, tenantID string) ([]StoredRuleset, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tenants WHERE id = $1)`, tenantID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check tenant existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, version, document, rule_count, active, created_at
		FROM rulesets
		WHERE tenant_id = $1
		ORDER BY created_at DESC, version DESC
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rulesets: %w", err)
	}
	defer rows.Close()

	var out []StoredRuleset
	for rows.Next() {
		rec, err := scanRuleset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ruleset: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rulesets: %w", err)
	}
	return out, nil
}

// Activate makes an existing version the active one
func (s *PostgresStore) Activate(ctx context.Context, tenantID, version string) (*StoredRuleset, error) {
	if _, err := uuid.Parse(version); err != nil {
		return nil, fmt.Errorf("ruleset %s for tenant %s: %w", version, tenantID, ErrNotFound)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := lockTenant(ctx, tx, tenantID); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE rulesets SET active = false
		WHERE tenant_id = $1 AND active AND version <> $2
	`, tenantID, version); err != nil {
		return nil, fmt.Errorf("failed to deactivate current ruleset: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE rulesets SET active = true
		WHERE tenant_id = $1 AND version = $2
		RETURNING tenant_id, version, document, rule_count, active, created_at
	`, tenantID, version)
	rec, err := scanRuleset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ruleset %s for tenant %s: %w", version, tenantID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to activate ruleset: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit activation: %w", err)
	}
	return rec, nil
}

// lockTenant serializes writers per tenant and reports unknown tenants
func lockTenant(ctx context.Context, tx *sql.Tx, tenantID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM tenants WHERE id = $1 FOR UPDATE`, tenantID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to lock tenant: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRuleset(row scanner) (*StoredRuleset, error) {
	var rec StoredRuleset
	var doc []byte
	if err := row.Scan(&rec.TenantID, &rec.Version, &doc, &rec.RuleCount, &rec.Active, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Document = doc
	return &rec, nil
}
