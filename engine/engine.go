package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/liamcoop/fraudrules/internal/logger"
	"github.com/liamcoop/fraudrules/internal/metrics"
	"github.com/liamcoop/fraudrules/internal/tracing"
	"github.com/liamcoop/fraudrules/rules"
	"github.com/liamcoop/fraudrules/store"
)

// ErrNoRuleset is returned by Evaluate before any ruleset has been loaded
var ErrNoRuleset = errors.New("no ruleset loaded")

// Snapshot is an immutable published ruleset
type Snapshot struct {
	Ruleset  *rules.Ruleset
	Version  string
	LoadedAt time.Time
	Source   string // store, cache, publish or rollback
}

// Result is the outcome of one evaluation
type Result struct {
	rules.Decision
	TenantID string        `json:"tenantId"`
	Version  string        `json:"version"`
	Duration time.Duration `json:"durationNs"`
}

// Engine owns the published ruleset of one tenant. Evaluations read the
// current snapshot without locking; Reload, Publish and Rollback validate a
// candidate fully before swapping it in, so a bad document never replaces a
// good one and readers never observe a partial update.
type Engine struct {
	tenantID   string
	store      store.RulesetStore
	cache      LocalCache
	log        *slog.Logger
	metrics    *metrics.Metrics
	decode     rules.DecodeOptions
	staleAfter time.Duration
	now        func() time.Time

	current  atomic.Pointer[Snapshot]
	syncedAt atomic.Int64 // unix nanos of the last successful store read
	mu       sync.Mutex   // serializes writers
}

// Option configures an Engine
type Option func(*Engine)

// WithLocalCache persists every published ruleset to c and falls back to it
// when the store is unreachable before anything was loaded
func WithLocalCache(c LocalCache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithLogger sets the logger; the default is logger.Logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics records evaluations and loads in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDecodeOptions sets the limits applied to documents
func WithDecodeOptions(opts rules.DecodeOptions) Option {
	return func(e *Engine) { e.decode = opts }
}

// WithStaleAfter sets how long after the last successful store read the
// engine reports itself stale. Zero disables staleness.
func WithStaleAfter(d time.Duration) Option {
	return func(e *Engine) { e.staleAfter = d }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine for tenantID. It performs no I/O; call Reload to
// load the active ruleset.
func New(tenantID string, st store.RulesetStore, opts ...Option) *Engine {
	e := &Engine{
		tenantID: tenantID,
		store:    st,
		log:      logger.Logger,
		decode:   rules.DecodeOptions{Limits: rules.DefaultLimits},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("tenant", tenantID)
	return e
}

// TenantID returns the tenant this engine serves
func (e *Engine) TenantID() string {
	return e.tenantID
}

// Snapshot returns the published snapshot, nil before the first load
func (e *Engine) Snapshot() *Snapshot {
	return e.current.Load()
}

// Stale reports whether the last successful store read is older than the
// configured threshold
func (e *Engine) Stale(now time.Time) bool {
	if e.staleAfter <= 0 {
		return false
	}
	synced := e.syncedAt.Load()
	if synced == 0 {
		return true
	}
	return now.Sub(time.Unix(0, synced)) > e.staleAfter
}

// Reload fetches the active ruleset from the store and publishes it if it
// differs from the current one. On failure the current snapshot stays in
// place; if nothing was ever loaded the local cache copy is used instead.
func (e *Engine) Reload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.store.Active(ctx, e.tenantID)
	if errors.Is(err, store.ErrNotFound) {
		e.markSynced()
		e.log.Debug("no active ruleset")
		return nil
	}
	if err != nil {
		e.metrics.RecordLoad(e.tenantID, "error")
		e.log.Error("failed to fetch active ruleset", "error", err)
		e.fallbackToCache(ctx)
		return fmt.Errorf("fetch ruleset for tenant %s: %w", e.tenantID, err)
	}

	if cur := e.current.Load(); cur != nil && cur.Version == rec.Version {
		e.markSynced()
		return nil
	}

	rs, err := rules.ParseRulesetJSONWithOptions(rec.Document, e.decode)
	if err != nil {
		e.rejected(rec.Version, err)
		e.fallbackToCache(ctx)
		return fmt.Errorf("ruleset %s for tenant %s: %w", rec.Version, e.tenantID, err)
	}

	e.swap(rs, rec, "store")
	e.markSynced()
	e.persist(ctx, rec)
	return nil
}

// Publish validates doc (wire JSON), stores it as the new active version and
// swaps it in. An invalid document is never stored; the returned error is a
// *rules.ValidationError.
func (e *Engine) Publish(ctx context.Context, doc []byte) (*Snapshot, error) {
	rs, err := rules.ParseRulesetJSONWithOptions(doc, e.decode)
	if err != nil {
		e.rejected("", err)
		return nil, err
	}
	return e.PublishRuleset(ctx, rs)
}

// PublishRuleset stores an already validated ruleset as the new active
// version and swaps it in
func (e *Engine) PublishRuleset(ctx context.Context, rs *rules.Ruleset) (*Snapshot, error) {
	if rs == nil {
		return nil, errors.New("ruleset is nil")
	}
	canonical, err := json.Marshal(rs)
	if err != nil {
		return nil, fmt.Errorf("encode ruleset: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.store.Save(ctx, e.tenantID, canonical, rs.Len())
	if err != nil {
		e.metrics.RecordLoad(e.tenantID, "error")
		return nil, fmt.Errorf("save ruleset for tenant %s: %w", e.tenantID, err)
	}

	snap := e.swap(rs, rec, "publish")
	e.markSynced()
	e.persist(ctx, rec)
	logger.RulesetPublished()
	return snap, nil
}

// Rollback re-activates a stored version after validating it against the
// current limits
func (e *Engine) Rollback(ctx context.Context, version string) (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.store.Get(ctx, e.tenantID, version)
	if err != nil {
		return nil, fmt.Errorf("get ruleset %s: %w", version, err)
	}
	rs, err := rules.ParseRulesetJSONWithOptions(rec.Document, e.decode)
	if err != nil {
		e.rejected(version, err)
		return nil, err
	}

	rec, err = e.store.Activate(ctx, e.tenantID, version)
	if err != nil {
		return nil, fmt.Errorf("activate ruleset %s: %w", version, err)
	}

	snap := e.swap(rs, rec, "rollback")
	e.markSynced()
	e.persist(ctx, rec)
	return snap, nil
}

// History lists stored versions, newest first
func (e *Engine) History(ctx context.Context) ([]store.StoredRuleset, error) {
	return e.store.List(ctx, e.tenantID)
}

// Evaluate runs the current ruleset against facts. The evaluation uses the
// snapshot current at the time of the call even if a swap happens meanwhile.
func (e *Engine) Evaluate(ctx context.Context, facts rules.Facts) (Result, error) {
	_, span := tracing.Tracer().Start(ctx, "engine.Evaluate",
		trace.WithAttributes(attribute.String("tenant", e.tenantID)))
	defer span.End()

	snap := e.current.Load()
	if snap == nil {
		span.SetStatus(codes.Error, ErrNoRuleset.Error())
		return Result{}, ErrNoRuleset
	}

	start := time.Now()
	decision := snap.Ruleset.Evaluate(facts)
	elapsed := time.Since(start)

	e.metrics.RecordEvaluation(e.tenantID, string(decision.Outcome), elapsed)
	span.SetAttributes(
		attribute.String("ruleset.version", snap.Version),
		attribute.String("decision.outcome", string(decision.Outcome)),
		attribute.Int("decision.matched", len(decision.Matches)),
	)
	e.log.Debug("evaluated",
		"version", snap.Version,
		"outcome", decision.Outcome,
		"matched", decision.MatchedRuleKeys,
		"duration", elapsed)

	return Result{
		Decision: decision,
		TenantID: e.tenantID,
		Version:  snap.Version,
		Duration: elapsed,
	}, nil
}

// Run reloads every interval until ctx is cancelled
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// failures are logged and counted by Reload
			_ = e.Reload(ctx)
			e.metrics.SetStale(e.tenantID, e.Stale(e.now()))
		}
	}
}

func (e *Engine) swap(rs *rules.Ruleset, rec *store.StoredRuleset, source string) *Snapshot {
	snap := &Snapshot{
		Ruleset:  rs,
		Version:  rec.Version,
		LoadedAt: e.now(),
		Source:   source,
	}
	prev := e.current.Swap(snap)

	e.metrics.RecordLoad(e.tenantID, "ok")
	e.metrics.SetRules(e.tenantID, rs.Len())
	e.metrics.SetStale(e.tenantID, false)

	prevVersion := ""
	if prev != nil {
		prevVersion = prev.Version
	}
	e.log.Info("ruleset published",
		"version", rec.Version,
		"previous", prevVersion,
		"rules", rs.Len(),
		"source", source)
	return snap
}

func (e *Engine) markSynced() {
	e.syncedAt.Store(e.now().UnixNano())
}

func (e *Engine) rejected(version string, err error) {
	e.metrics.RecordLoad(e.tenantID, "invalid")
	logger.RulesetRejected()

	attrs := []any{"version", version, "error", err}
	if root := rules.RootCause(err); root != nil {
		attrs = append(attrs, "code", root.Code.String(), "path", root.Path)
	}
	e.log.Error("ruleset rejected", attrs...)
}

// persist writes rec to the local cache; failures only cost durability
func (e *Engine) persist(ctx context.Context, rec *store.StoredRuleset) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Put(ctx, rec); err != nil {
		e.log.Warn("failed to write local ruleset cache", "version", rec.Version, "error", err)
	}
}

func (e *Engine) fallbackToCache(ctx context.Context) {
	if e.cache == nil || e.current.Load() != nil {
		return
	}
	rec, err := e.cache.Get(ctx, e.tenantID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.Warn("failed to read local ruleset cache", "error", err)
		}
		return
	}
	rs, err := rules.ParseRulesetJSONWithOptions(rec.Document, e.decode)
	if err != nil {
		e.rejected(rec.Version, err)
		return
	}
	e.swap(rs, rec, "cache")
}
