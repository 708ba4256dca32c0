package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a tenant or ruleset version does not exist
	ErrNotFound = errors.New("not found")
	// ErrTenantExists is returned by CreateTenant for a duplicate tenant ID
	ErrTenantExists = errors.New("tenant already exists")
)

// Tenant is a registered ruleset owner
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// StoredRuleset is one persisted version of a tenant's ruleset document.
// Document holds the wire JSON exactly as it was validated.
type StoredRuleset struct {
	TenantID  string          `json:"tenantId"`
	Version   string          `json:"version"`
	Document  json.RawMessage `json:"document"`
	RuleCount int             `json:"ruleCount"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"createdAt"`
}

// RulesetStore persists versioned ruleset documents per tenant. Stores do not
// validate documents; callers validate before Save.
type RulesetStore interface {
	// CreateTenant registers a tenant
	CreateTenant(ctx context.Context, id, name string) (*Tenant, error)

	// Tenants lists registered tenants ordered by ID
	Tenants(ctx context.Context) ([]Tenant, error)

	// Save stores doc as a new version and makes it the active one
	Save(ctx context.Context, tenantID string, doc []byte, ruleCount int) (*StoredRuleset, error)

	// Active returns the active version, ErrNotFound if there is none
	Active(ctx context.Context, tenantID string) (*StoredRuleset, error)

	// Get returns a specific version
	Get(ctx context.Context, tenantID, version string) (*StoredRuleset, error)

	// List returns every version, newest first
	List(ctx context.Context, tenantID string) ([]StoredRuleset, error)

	// Activate makes an existing version the active one
	Activate(ctx context.Context, tenantID, version string) (*StoredRuleset, error)
}

// InMemoryStore implements RulesetStore using in-memory maps.
// Safe for concurrent use.
type InMemoryStore struct {
	tenants  map[string]Tenant
	versions map[string][]*StoredRuleset // tenant -> versions, oldest first
	now      func() time.Time
	mu       sync.RWMutex
}

// NewInMemoryStore creates an empty in-memory store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tenants:  make(map[string]Tenant),
		versions: make(map[string][]*StoredRuleset),
		now:      time.Now,
	}
}

// CreateTenant registers a tenant
func (s *InMemoryStore) CreateTenant(_ context.Context, id, name string) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tenants[id]; exists {
		return nil, fmt.Errorf("tenant %s: %w", id, ErrTenantExists)
	}
	t := Tenant{ID: id, Name: name, CreatedAt: s.now()}
	s.tenants[id] = t
	return &t, nil
}

// Tenants lists registered tenants ordered by ID
func (s *InMemoryStore) Tenants(_ context.Context) ([]Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save stores doc as the new active version
func (s *InMemoryStore) Save(_ context.Context, tenantID string, doc []byte, ruleCount int) (*StoredRuleset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tenants[tenantID]; !exists {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}

	for _, v := range s.versions[tenantID] {
		v.Active = false
	}
	rec := &StoredRuleset{
		TenantID:  tenantID,
		Version:   uuid.NewString(),
		Document:  append(json.RawMessage(nil), doc...),
		RuleCount: ruleCount,
		Active:    true,
		CreatedAt: s.now(),
	}
	s.versions[tenantID] = append(s.versions[tenantID], rec)
	return clone(rec), nil
}

// Active returns the active version
func (s *InMemoryStore) Active(_ context.Context, tenantID string) (*StoredRuleset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, v := range s.versions[tenantID] {
		if v.Active {
			return clone(v), nil
		}
	}
	return nil, fmt.Errorf("active ruleset for tenant %s: %w", tenantID, ErrNotFound)
}

// Get returns a specific version
func (s *InMemoryStore) Get(_ context.Context, tenantID, version string) (*StoredRuleset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v := s.find(tenantID, version); v != nil {
		return clone(v), nil
	}
	return nil, fmt.Errorf("ruleset %s for tenant %s: %w", version, tenantID, ErrNotFound)
}

// List returns every version, newest first
func (s *InMemoryStore) List(_ context.Context, tenantID string) ([]StoredRuleset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.tenants[tenantID]; !exists {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, ErrNotFound)
	}
	versions := s.versions[tenantID]
	out := make([]StoredRuleset, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		out = append(out, *clone(versions[i]))
	}
	return out, nil
}

// Activate makes an existing version the active one
func (s *InMemoryStore) Activate(_ context.Context, tenantID, version string) (*StoredRuleset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.find(tenantID, version)
	if target == nil {
		return nil, fmt.Errorf("ruleset %s for tenant %s: %w", version, tenantID, ErrNotFound)
	}
	for _, v := range s.versions[tenantID] {
		v.Active = v == target
	}
	return clone(target), nil
}

func (s *InMemoryStore) find(tenantID, version string) *StoredRuleset {
	for _, v := range s.versions[tenantID] {
		if v.Version == version {
			return v
		}
	}
	return nil
}

func clone(r *StoredRuleset) *StoredRuleset {
	cp := *r
	cp.Document = append(json.RawMessage(nil), r.Document...)
	return &cp
}
