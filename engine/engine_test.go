package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/liamcoop/fraudrules/internal/logger"
	"github.com/liamcoop/fraudrules/internal/metrics"
	"github.com/liamcoop/fraudrules/rules"
	"github.com/liamcoop/fraudrules/store"
)

const (
	blockHighAmount = `[
		{"key": "high_amount", "outcome": "block", "check": {"operator": "greater_than", "key": "amount", "value": 1000}},
		{"key": "foreign", "outcome": "review", "check": {"operator": "not_in", "key": "country", "value": ["US"]}}
	]`
	reviewEverything = `[
		{"key": "always", "outcome": "review", "check": {"operator": "greater_than_or_equal", "key": "amount", "value": 0}}
	]`
	invalidDoc = `[{"key": "bad", "outcome": "block", "check": {"operator": "and", "checks": []}}]`
)

// flakyStore wraps a store and fails Active while down is set
type flakyStore struct {
	store.RulesetStore
	down atomic.Bool
}

var errStoreDown = errors.New("connection refused")

func (f *flakyStore) Active(ctx context.Context, tenantID string) (*store.StoredRuleset, error) {
	if f.down.Load() {
		return nil, errStoreDown
	}
	return f.RulesetStore.Active(ctx, tenantID)
}

// mapCache is a LocalCache backed by a map
type mapCache struct {
	mu   sync.Mutex
	recs map[string]*store.StoredRuleset
}

func newMapCache() *mapCache {
	return &mapCache{recs: make(map[string]*store.StoredRuleset)}
}

func (c *mapCache) Put(_ context.Context, rec *store.StoredRuleset) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *rec
	c.recs[rec.TenantID] = &cp
	return nil
}

func (c *mapCache) Get(_ context.Context, tenantID string) (*store.StoredRuleset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.recs[tenantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func newStore(t *testing.T) *store.InMemoryStore {
	t.Helper()
	s := store.NewInMemoryStore()
	if _, err := s.CreateTenant(context.Background(), "acme", "Acme"); err != nil {
		t.Fatalf("CreateTenant() failed: %v", err)
	}
	return s
}

func newEngine(t *testing.T, st store.RulesetStore, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	return New("acme", st, opts...)
}

func TestEvaluateBeforeLoad(t *testing.T) {
	e := newEngine(t, newStore(t))

	if err := e.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() with no active ruleset failed: %v", err)
	}
	if _, err := e.Evaluate(context.Background(), rules.Facts{"amount": 1}); !errors.Is(err, ErrNoRuleset) {
		t.Errorf("Evaluate() error = %v, want ErrNoRuleset", err)
	}
}

func TestPublishAndEvaluate(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	m := metrics.New()
	e := newEngine(t, st, WithMetrics(m))

	snap, err := e.Publish(ctx, []byte(blockHighAmount))
	if err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	if snap.Ruleset.Len() != 2 || snap.Source != "publish" {
		t.Errorf("snapshot = %+v", snap)
	}

	active, err := st.Active(ctx, "acme")
	if err != nil {
		t.Fatalf("store Active() failed: %v", err)
	}
	if active.Version != snap.Version || active.RuleCount != 2 {
		t.Errorf("stored version = %+v, want %s", active, snap.Version)
	}

	testCases := []struct {
		name    string
		facts   rules.Facts
		want    rules.Outcome
		matched []string
	}{
		{"block wins", rules.Facts{"amount": 5000, "country": "FR"}, rules.OutcomeBlock, []string{"high_amount"}},
		{"review only", rules.Facts{"amount": 10, "country": "FR"}, rules.OutcomeReview, []string{"foreign"}},
		{"allow", rules.Facts{"amount": 10, "country": "US"}, rules.OutcomeAllow, []string{}},
		{"missing facts", rules.Facts{}, rules.OutcomeAllow, []string{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := e.Evaluate(ctx, tc.facts)
			if err != nil {
				t.Fatalf("Evaluate() failed: %v", err)
			}
			if res.Outcome != tc.want {
				t.Errorf("Outcome = %s, want %s", res.Outcome, tc.want)
			}
			if len(res.MatchedRuleKeys) != len(tc.matched) {
				t.Fatalf("MatchedRuleKeys = %v, want %v", res.MatchedRuleKeys, tc.matched)
			}
			for i := range tc.matched {
				if res.MatchedRuleKeys[i] != tc.matched[i] {
					t.Errorf("MatchedRuleKeys = %v, want %v", res.MatchedRuleKeys, tc.matched)
				}
			}
			if res.Version != snap.Version || res.TenantID != "acme" {
				t.Errorf("Result version/tenant = %s/%s", res.Version, res.TenantID)
			}
		})
	}

	if got := testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("acme", "allow")); got != 2 {
		t.Errorf("allow evaluations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RulesetRules.WithLabelValues("acme")); got != 2 {
		t.Errorf("ruleset_rules = %v, want 2", got)
	}
}

// TestPublishInvalidKeepsLastKnownGood verifies a rejected document is neither stored nor published
func TestPublishInvalidKeepsLastKnownGood(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	m := metrics.New()
	e := newEngine(t, st, WithMetrics(m))

	good, err := e.Publish(ctx, []byte(blockHighAmount))
	if err != nil {
		t.Fatalf("Publish(good) failed: %v", err)
	}

	_, err = e.Publish(ctx, []byte(invalidDoc))
	if !errors.Is(err, rules.ErrEmptyChecks) {
		t.Fatalf("Publish(invalid) error = %v, want empty_checks", err)
	}
	if code, ok := rules.CodeOf(err); !ok || code != rules.CodeEmptyChecks {
		t.Errorf("CodeOf() = %s, %v", code, ok)
	}

	if e.Snapshot().Version != good.Version {
		t.Error("invalid publish replaced the snapshot")
	}
	versions, _ := st.List(ctx, "acme")
	if len(versions) != 1 {
		t.Errorf("store holds %d versions, want 1", len(versions))
	}
	if got := testutil.ToFloat64(m.RulesetLoadsTotal.WithLabelValues("acme", "invalid")); got != 1 {
		t.Errorf("invalid loads = %v, want 1", got)
	}
}

func TestPublishLimits(t *testing.T) {
	e := newEngine(t, newStore(t), WithDecodeOptions(rules.DecodeOptions{Limits: rules.Limits{MaxRules: 1}}))

	_, err := e.Publish(context.Background(), []byte(blockHighAmount))
	if !errors.Is(err, rules.ErrMaxFanOutExceeded) {
		t.Errorf("Publish() error = %v, want max_fan_out_exceeded", err)
	}
}

// TestReloadRejectsInvalidStoredDocument verifies Reload keeps the last good snapshot
func TestReloadRejectsInvalidStoredDocument(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	e := newEngine(t, st)

	if _, err := st.Save(ctx, "acme", []byte(blockHighAmount), 2); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if err := e.Reload(ctx); err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	good := e.Snapshot()
	if good == nil || good.Source != "store" {
		t.Fatalf("snapshot after Reload = %+v", good)
	}

	// a second writer bypassed validation
	if _, err := st.Save(ctx, "acme", []byte(invalidDoc), 1); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	err := e.Reload(ctx)
	if !errors.Is(err, rules.ErrEmptyChecks) {
		t.Fatalf("Reload() error = %v, want empty_checks", err)
	}
	if e.Snapshot() != good {
		t.Error("Reload() replaced the snapshot with an invalid ruleset")
	}

	res, err := e.Evaluate(ctx, rules.Facts{"amount": 2000, "country": "US"})
	if err != nil || res.Outcome != rules.OutcomeBlock {
		t.Errorf("Evaluate() = %v, %v; want block from last-known-good", res.Outcome, err)
	}
}

func TestReloadSameVersionIsNoop(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	e := newEngine(t, st)

	if _, err := e.Publish(ctx, []byte(blockHighAmount)); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}
	before := e.Snapshot()
	if err := e.Reload(ctx); err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	if e.Snapshot() != before {
		t.Error("Reload() of the active version replaced the snapshot")
	}
}

func TestRollback(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	e := newEngine(t, st)

	v1, err := e.Publish(ctx, []byte(blockHighAmount))
	if err != nil {
		t.Fatalf("Publish(v1) failed: %v", err)
	}
	if _, err := e.Publish(ctx, []byte(reviewEverything)); err != nil {
		t.Fatalf("Publish(v2) failed: %v", err)
	}

	snap, err := e.Rollback(ctx, v1.Version)
	if err != nil {
		t.Fatalf("Rollback() failed: %v", err)
	}
	if snap.Version != v1.Version || snap.Source != "rollback" {
		t.Errorf("Rollback() snapshot = %+v", snap)
	}
	active, _ := st.Active(ctx, "acme")
	if active.Version != v1.Version {
		t.Errorf("store active = %s, want %s", active.Version, v1.Version)
	}

	if _, err := e.Rollback(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Rollback(unknown) error = %v, want store.ErrNotFound", err)
	}

	history, err := e.History(ctx)
	if err != nil {
		t.Fatalf("History() failed: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("History() returned %d versions, want 2", len(history))
	}
}

func TestRollbackRevalidates(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	bad, err := st.Save(ctx, "acme", []byte(invalidDoc), 1)
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	good, err := st.Save(ctx, "acme", []byte(blockHighAmount), 2)
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	e := newEngine(t, st)
	if err := e.Reload(ctx); err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	if _, err := e.Rollback(ctx, bad.Version); !errors.Is(err, rules.ErrEmptyChecks) {
		t.Fatalf("Rollback(invalid) error = %v, want empty_checks", err)
	}
	active, _ := st.Active(ctx, "acme")
	if active.Version != good.Version {
		t.Error("Rollback() activated an invalid version")
	}
}

// TestFallbackToLocalCache verifies a cold engine serves the cached ruleset when the store is down
func TestFallbackToLocalCache(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{RulesetStore: newStore(t)}
	cache := newMapCache()

	first := newEngine(t, st, WithLocalCache(cache))
	published, err := first.Publish(ctx, []byte(blockHighAmount))
	if err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	st.down.Store(true)
	cold := newEngine(t, st, WithLocalCache(cache))
	err = cold.Reload(ctx)
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("Reload() error = %v, want store error", err)
	}

	snap := cold.Snapshot()
	if snap == nil {
		t.Fatal("cold engine did not fall back to the local cache")
	}
	if snap.Version != published.Version || snap.Source != "cache" {
		t.Errorf("snapshot = %+v, want cached %s", snap, published.Version)
	}

	res, err := cold.Evaluate(ctx, rules.Facts{"amount": 5000})
	if err != nil || res.Outcome != rules.OutcomeBlock {
		t.Errorf("Evaluate() = %v, %v; want block", res.Outcome, err)
	}

	// a warm engine keeps its own snapshot
	err = first.Reload(ctx)
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("Reload() error = %v", err)
	}
	if first.Snapshot().Source != "publish" {
		t.Errorf("warm engine snapshot source = %s, want publish", first.Snapshot().Source)
	}
}

func TestFallbackToSQLiteCache(t *testing.T) {
	ctx := context.Background()
	cache, err := store.NewSQLiteCache(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteCache() failed: %v", err)
	}
	defer cache.Close()

	st := &flakyStore{RulesetStore: newStore(t)}
	if _, err := newEngine(t, st, WithLocalCache(cache)).Publish(ctx, []byte(reviewEverything)); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	st.down.Store(true)
	cold := newEngine(t, st, WithLocalCache(cache))
	_ = cold.Reload(ctx)

	res, err := cold.Evaluate(ctx, rules.Facts{"amount": 1})
	if err != nil {
		t.Fatalf("Evaluate() failed: %v", err)
	}
	if res.Outcome != rules.OutcomeReview {
		t.Errorf("Outcome = %s, want review", res.Outcome)
	}
}

func TestStale(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	st := &flakyStore{RulesetStore: newStore(t)}
	e := newEngine(t, st, WithStaleAfter(time.Minute), WithClock(clock))

	if !e.Stale(now) {
		t.Error("engine that never synced should be stale")
	}
	if err := e.Reload(ctx); err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	if e.Stale(now.Add(30 * time.Second)) {
		t.Error("engine should be fresh 30s after sync")
	}

	st.down.Store(true)
	now = now.Add(2 * time.Minute)
	_ = e.Reload(ctx)
	if !e.Stale(now) {
		t.Error("engine should be stale after failed reloads past the threshold")
	}

	if newEngine(t, st).Stale(now) {
		t.Error("staleness disabled by default")
	}
}

// TestConcurrentEvaluateDuringPublish verifies readers always see a whole ruleset
func TestConcurrentEvaluateDuringPublish(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, newStore(t))
	if _, err := e.Publish(ctx, []byte(blockHighAmount)); err != nil {
		t.Fatalf("Publish() failed: %v", err)
	}

	facts := rules.Facts{"amount": 5000, "country": "FR"}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				res, err := e.Evaluate(ctx, facts)
				if err != nil {
					t.Errorf("Evaluate() failed: %v", err)
					return
				}
				// block from the first ruleset or review from the second, never a mix
				switch res.Outcome {
				case rules.OutcomeBlock:
					if len(res.Matches) != 2 {
						t.Errorf("block decision with %d matches", len(res.Matches))
					}
				case rules.OutcomeReview:
					if len(res.Matches) != 1 || res.Matches[0].Key != "always" {
						t.Errorf("review decision = %+v", res.Matches)
					}
				default:
					t.Errorf("unexpected outcome %s", res.Outcome)
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		doc := reviewEverything
		if i%2 == 1 {
			doc = blockHighAmount
		}
		if _, err := e.Publish(ctx, []byte(doc)); err != nil {
			t.Fatalf("Publish() failed: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestRunReloadsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := newStore(t)
	e := newEngine(t, st)

	done := make(chan struct{})
	go func() {
		e.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	rec, err := st.Save(context.Background(), "acme", []byte(reviewEverything), 1)
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if snap := e.Snapshot(); snap != nil && snap.Version == rec.Version {
			break
		}
		select {
		case <-deadline:
			t.Fatal("Run() did not pick up the new version")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
