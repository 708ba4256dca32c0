package multitenantengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/fraudrules/engine"
	"github.com/liamcoop/fraudrules/internal/logger"
	"github.com/liamcoop/fraudrules/internal/metrics"
	"github.com/liamcoop/fraudrules/store"
)

// ErrTenantNotFound is returned for tenants the manager has no engine for
var ErrTenantNotFound = errors.New("tenant not found")

const defaultWorkers = 8

// TenantCache is a local ruleset cache that can also list and forget
// tenants. store.SQLiteCache implements it.
type TenantCache interface {
	engine.LocalCache
	Tenants(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, tenantID string) error
}

// Manager manages engines for all tenants
type Manager struct {
	store      store.RulesetStore
	cache      TenantCache
	engineOpts []engine.Option
	metrics    *metrics.Metrics
	log        *slog.Logger
	workers    int

	engines map[string]*engine.Engine
	mu      sync.RWMutex
}

// Option configures a Manager
type Option func(*Manager)

// WithEngineOptions appends options applied to every tenant engine
func WithEngineOptions(opts ...engine.Option) Option {
	return func(m *Manager) { m.engineOpts = append(m.engineOpts, opts...) }
}

// WithMetrics records per-tenant metrics for every engine
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
		m.engineOpts = append(m.engineOpts, engine.WithMetrics(mt))
	}
}

// WithLogger sets the logger for the manager and its engines
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.log = l
		m.engineOpts = append(m.engineOpts, engine.WithLogger(l))
	}
}

// WithLocalCache gives every engine c as its last-known-good cache. While the
// store cannot list tenants, the tenants found in c are registered instead.
func WithLocalCache(c TenantCache) Option {
	return func(m *Manager) {
		m.cache = c
		m.engineOpts = append(m.engineOpts, engine.WithLocalCache(c))
	}
}

// WithWorkers bounds how many tenants are reloaded concurrently
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// NewManager creates a new manager instance
func NewManager(st store.RulesetStore, opts ...Option) *Manager {
	m := &Manager{
		store:   st,
		log:     logger.Logger,
		workers: defaultWorkers,
		engines: make(map[string]*engine.Engine),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadAllTenants registers an engine for every tenant in the store that does
// not have one yet, then reloads all engines. Engines are kept even when
// their reload fails so they can serve a cached ruleset and recover on the
// next refresh. If the store cannot list tenants, the local cache's tenants
// are registered and the store error is still returned.
func (m *Manager) LoadAllTenants(ctx context.Context) error {
	ids, listErr := m.tenantIDs(ctx)
	if ids == nil && listErr != nil {
		return listErr
	}

	added := 0
	m.mu.Lock()
	for _, id := range ids {
		if _, exists := m.engines[id]; exists {
			continue
		}
		m.engines[id] = engine.New(id, m.store, m.engineOpts...)
		added++
	}
	m.mu.Unlock()

	if added > 0 {
		m.log.Info("tenants registered", "added", added, "total", len(ids))
	}
	if err := m.RefreshAll(ctx); err != nil {
		return errors.Join(listErr, err)
	}
	return listErr
}

func (m *Manager) tenantIDs(ctx context.Context) ([]string, error) {
	tenants, err := m.store.Tenants(ctx)
	if err == nil {
		ids := make([]string, len(tenants))
		for i, t := range tenants {
			ids[i] = t.ID
		}
		return ids, nil
	}

	err = fmt.Errorf("failed to fetch tenants: %w", err)
	if m.cache == nil {
		return nil, err
	}
	cached, cerr := m.cache.Tenants(ctx)
	if cerr != nil {
		return nil, errors.Join(err, cerr)
	}
	m.log.Warn("store unavailable, using cached tenants", "count", len(cached), "error", err)
	if cached == nil {
		cached = []string{}
	}
	return cached, err
}

// CreateTenant stores a new tenant and starts its engine. The engine has no
// ruleset until one is published.
func (m *Manager) CreateTenant(ctx context.Context, tenantID, name string) (*store.Tenant, *engine.Engine, error) {
	if err := ValidateTenantID(tenantID); err != nil {
		return nil, nil, err
	}
	if name == "" {
		name = tenantID
	}

	tenant, err := m.store.CreateTenant(ctx, tenantID, name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create tenant %s: %w", tenantID, err)
	}

	e := engine.New(tenantID, m.store, m.engineOpts...)
	if err := e.Reload(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize tenant %s: %w", tenantID, err)
	}

	m.mu.Lock()
	m.engines[tenantID] = e
	m.mu.Unlock()

	m.log.Info("tenant created", "tenant", tenantID)
	return tenant, e, nil
}

// GetEngine retrieves the engine for a specific tenant
func (m *Manager) GetEngine(tenantID string) (*engine.Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.engines[tenantID]
	if !exists {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
	}
	return e, nil
}

// ListTenants returns all loaded tenant IDs in sorted order
func (m *Manager) ListTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]string, 0, len(m.engines))
	for tenantID := range m.engines {
		tenants = append(tenants, tenantID)
	}
	sort.Strings(tenants)
	return tenants
}

// DeleteTenant removes a tenant's engine, its metric series and its local
// cache entry.
// Note: This does not delete the tenant from the database
func (m *Manager) DeleteTenant(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	if _, exists := m.engines[tenantID]; !exists {
		m.mu.Unlock()
		return fmt.Errorf("tenant %s: %w", tenantID, ErrTenantNotFound)
	}
	delete(m.engines, tenantID)
	m.mu.Unlock()

	m.metrics.ForgetTenant(tenantID)
	if m.cache != nil {
		if err := m.cache.Delete(ctx, tenantID); err != nil {
			m.log.Warn("failed to drop cached ruleset", "tenant", tenantID, "error", err)
		}
	}
	return nil
}

// RefreshAll reloads every engine with at most the configured number of
// concurrent store reads. A failing tenant does not stop the others; all
// failures are joined into the returned error.
func (m *Manager) RefreshAll(ctx context.Context) error {
	m.mu.RLock()
	engines := make([]*engine.Engine, 0, len(m.engines))
	for _, e := range m.engines {
		engines = append(engines, e)
	}
	m.mu.RUnlock()

	var (
		g    errgroup.Group
		errs []error
		emu  sync.Mutex
	)
	g.SetLimit(m.workers)

	for _, e := range engines {
		g.Go(func() error {
			err := e.Reload(ctx)
			m.metrics.SetStale(e.TenantID(), e.Stale(time.Now()))
			if err != nil {
				emu.Lock()
				errs = append(errs, err)
				emu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("refresh %d of %d tenants failed: %w", len(errs), len(engines), errors.Join(errs...))
	}
	return nil
}

// Run picks up new tenants and refreshes all engines every interval until
// ctx is cancelled
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.LoadAllTenants(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn("tenant refresh incomplete", "error", err)
			}
		}
	}
}
