package detector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mbd888/geoanomaly/internal/circuitbreaker"
	"github.com/mbd888/geoanomaly/internal/geo"
	"github.com/mbd888/geoanomaly/internal/logging"
	"github.com/mbd888/geoanomaly/internal/metrics"
	"github.com/mbd888/geoanomaly/internal/profile"
	"github.com/mbd888/geoanomaly/internal/retry"
	"github.com/mbd888/geoanomaly/internal/risk"
	"github.com/mbd888/geoanomaly/internal/txn"
)

var (
	mondayMorning = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	mondayNight   = time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
)

func newTestDetector(cfg Config) *Detector {
	slots := geo.DefaultSlotTable()
	return New(cfg, risk.NewScorer(risk.DefaultConfig(), slots), slots, logging.Discard()).
		WithRetryPolicy(retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
}

func tx(user string, lat, lon float64, at time.Time) txn.Transaction {
	return txn.Transaction{User: user, Time: at, Lat: lat, Lon: lon}
}

// homeHistory is ten weekday-morning purchases at (1, 1).
func homeHistory(user string) []txn.Transaction {
	out := make([]txn.Transaction, 10)
	for i := range out {
		out[i] = tx(user, 1, 1, mondayMorning.Add(time.Duration(i)*7*24*time.Hour))
	}
	return out
}

func drain(t *testing.T, d *Detector) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	seen []*risk.Assessment
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, a *risk.Assessment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seen = append(n.seen, a)
	return n.err
}

type recordingObserver struct {
	mu     sync.Mutex
	builds []string
	sweeps int
}

func (o *recordingObserver) BroadcastProfileBuilt(userID string, _, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.builds = append(o.builds, userID)
}

func (o *recordingObserver) BroadcastDecaySweep(_, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sweeps++
}

type failingProfileStore struct {
	profile.Store
	mu    sync.Mutex
	saves int
}

func (f *failingProfileStore) Save(context.Context, *profile.GeoProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return errors.New("database unavailable")
}

func (f *failingProfileStore) Get(context.Context, string) (*profile.GeoProfile, error) {
	return nil, errors.New("database unavailable")
}

// ---------------------------------------------------------------------------
// ProcessTransaction
// ---------------------------------------------------------------------------

func TestProcessTransaction_ColdStart(t *testing.T) {
	d := newTestDetector(DefaultConfig())

	a, err := d.ProcessTransaction(context.Background(), tx("alice", 52.52, 13.40, mondayNight))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Score != 0.6 || a.IsAnomaly {
		t.Errorf("cold start: score=%v anomaly=%v, want 0.6 and not anomalous", a.Score, a.IsAnomaly)
	}

	p, ok := d.Profile("alice")
	if !ok {
		t.Fatal("expected profile to be created")
	}
	if len(p.Clusters) != 1 || p.TotalCount != 1 {
		t.Errorf("expected one seeded cluster, got %d clusters, total %d", len(p.Clusters), p.TotalCount)
	}
	if p.Clusters[0].RadiusKm != profile.DefaultSeedRadiusKm {
		t.Errorf("seed radius = %v", p.Clusters[0].RadiusKm)
	}
}

func TestProcessTransaction_FarAwayAtNight(t *testing.T) {
	d := newTestDetector(DefaultConfig())
	ctx := context.Background()
	if _, err := d.BuildProfile(ctx, "alice", homeHistory("alice")); err != nil {
		t.Fatalf("BuildProfile: %v", err)
	}
	before, _ := d.Profile("alice")

	a, err := d.ProcessTransaction(ctx, tx("alice", 1, 1.6, mondayNight))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Score != 1.0 || !a.IsAnomaly {
		t.Errorf("score=%v anomaly=%v, want 1.0 and anomalous", a.Score, a.IsAnomaly)
	}

	after, _ := d.Profile("alice")
	if after.Version != before.Version || after.TotalCount != before.TotalCount || len(after.Clusters) != len(before.Clusters) {
		t.Error("anomalous transaction must not update the profile by default")
	}
}

func TestProcessTransaction_UpdateOnAnomaly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UpdateOnAnomaly = true
	d := newTestDetector(cfg)
	ctx := context.Background()
	_, _ = d.BuildProfile(ctx, "alice", homeHistory("alice"))

	a, _ := d.ProcessTransaction(ctx, tx("alice", 1, 1.6, mondayNight))
	if !a.IsAnomaly {
		t.Fatal("expected anomaly")
	}
	p, _ := d.Profile("alice")
	if len(p.Clusters) != 2 {
		t.Errorf("expected anomaly to seed a second cluster, got %d", len(p.Clusters))
	}
}

func TestProcessTransaction_HomeIsNormal(t *testing.T) {
	d := newTestDetector(DefaultConfig())
	ctx := context.Background()
	_, _ = d.BuildProfile(ctx, "alice", homeHistory("alice"))

	a, err := d.ProcessTransaction(ctx, tx("alice", 1, 1, mondayMorning))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Score != 0 || a.IsAnomaly {
		t.Errorf("score=%v anomaly=%v", a.Score, a.IsAnomaly)
	}
	p, _ := d.Profile("alice")
	if p.TotalCount != 11 || p.Clusters[0].Weight != 11 {
		t.Errorf("expected home cluster to absorb the transaction, got total %d weight %v", p.TotalCount, p.Clusters[0].Weight)
	}
}

func TestProcessTransaction_InvalidInput(t *testing.T) {
	d := newTestDetector(DefaultConfig())
	before := testutil.ToFloat64(metrics.TransactionsRejectedTotal)

	cases := []txn.Transaction{
		{Time: mondayMorning, Lat: 1, Lon: 1},
		{User: "alice", Lat: 1, Lon: 1},
		{User: "alice", Time: mondayMorning, Lat: 91, Lon: 1},
		{User: "alice", Time: mondayMorning, Lat: 1, Lon: -181},
	}
	for _, c := range cases {
		if _, err := d.ProcessTransaction(context.Background(), c); !errors.Is(err, txn.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for %+v, got %v", c, err)
		}
	}
	if len(d.Users()) != 0 {
		t.Error("rejected transactions must not create profiles")
	}
	if got := testutil.ToFloat64(metrics.TransactionsRejectedTotal); got != before+float64(len(cases)) {
		t.Errorf("rejected counter moved by %v, want %d", got-before, len(cases))
	}
}

func TestProcessTransaction_ConcurrentSameUser(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UpdateOnAnomaly = true
	d := newTestDetector(cfg)

	const workers, perWorker = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, _ = d.ProcessTransaction(context.Background(), tx("alice", 1, 1, mondayMorning))
			}
		}()
	}
	wg.Wait()

	p, _ := d.Profile("alice")
	if p.TotalCount != workers*perWorker {
		t.Errorf("TotalCount = %d, want %d (lost updates)", p.TotalCount, workers*perWorker)
	}
	if p.Version != workers*perWorker {
		t.Errorf("Version = %d, want %d", p.Version, workers*perWorker)
	}
	if len(p.Clusters) != 1 {
		t.Errorf("expected a single cluster, got %d", len(p.Clusters))
	}
}

func TestProcessTransaction_NotifiesAndAudits(t *testing.T) {
	audit := risk.NewMemoryStore()
	n := &recordingNotifier{err: errors.New("subscriber down")}
	d := newTestDetector(DefaultConfig()).WithAuditStore(audit).WithNotifier(n)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := d.ProcessTransaction(ctx, tx("alice", 1, 1, mondayMorning.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("notifier failure must not fail processing: %v", err)
		}
	}
	drain(t, d)

	if len(n.seen) != 3 {
		t.Errorf("expected 3 notifications, got %d", len(n.seen))
	}
	list, err := d.Assessments(ctx, "alice", 10, nil)
	if err != nil {
		t.Fatalf("Assessments: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 recorded assessments, got %d", len(list))
	}
	recorded := make(map[string]bool, len(list))
	for _, a := range list {
		recorded[a.ID] = true
	}
	for _, a := range n.seen {
		if !recorded[a.ID] {
			t.Errorf("assessment %s was notified but not recorded", a.ID)
		}
	}
}

func TestAssessments_WithoutAuditStore(t *testing.T) {
	d := newTestDetector(DefaultConfig())
	list, err := d.Assessments(context.Background(), "alice", 10, nil)
	if err != nil || list != nil {
		t.Errorf("expected nil, nil; got %v, %v", list, err)
	}
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

func TestPersistAndRestore(t *testing.T) {
	store := profile.NewMemoryStore()
	d := newTestDetector(DefaultConfig()).WithProfileStore(store)
	ctx := context.Background()

	_, _ = d.ProcessTransaction(ctx, tx("alice", 1, 1, mondayMorning))
	_, _ = d.ProcessTransaction(ctx, tx("alice", 1, 1, mondayMorning))
	_, _ = d.BuildProfile(ctx, "bob", homeHistory("bob"))
	drain(t, d)

	saved, err := store.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("expected alice to be persisted: %v", err)
	}
	live, _ := d.Profile("alice")
	if saved.Version != live.Version || saved.TotalCount != 2 {
		t.Errorf("persisted version %d total %d, live version %d", saved.Version, saved.TotalCount, live.Version)
	}

	restored := newTestDetector(DefaultConfig()).WithProfileStore(store)
	n, err := restored.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 restored profiles, got %d", n)
	}
	p, ok := restored.Profile("bob")
	if !ok || len(p.Clusters) != 1 {
		t.Errorf("expected bob's cluster to survive restore, got %+v", p)
	}
}

func TestLookup_FallsBackToStore(t *testing.T) {
	store := profile.NewMemoryStore()
	ctx := context.Background()

	// Written by another process after this detector restored.
	other := profile.New("carol")
	other.Version = 3
	other.TotalCount = 7
	_ = store.Save(ctx, other)

	d := newTestDetector(DefaultConfig()).WithProfileStore(store)
	if _, ok := d.Profile("carol"); ok {
		t.Fatal("expected carol to be absent from the registry")
	}

	p, err := d.Lookup(ctx, "carol")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if p.TotalCount != 7 || p.Version != 3 {
		t.Errorf("unexpected profile %+v", p)
	}
	if _, ok := d.Profile("carol"); !ok {
		t.Error("expected the stored profile to be loaded into the registry")
	}

	if _, err := d.Lookup(ctx, "nobody"); !errors.Is(err, profile.ErrProfileNotFound) {
		t.Errorf("expected ErrProfileNotFound, got %v", err)
	}
}

func TestLookup_WithoutStore(t *testing.T) {
	d := newTestDetector(DefaultConfig())
	ctx := context.Background()

	if _, err := d.Lookup(ctx, "alice"); !errors.Is(err, profile.ErrProfileNotFound) {
		t.Errorf("expected ErrProfileNotFound, got %v", err)
	}
	_, _ = d.ProcessTransaction(ctx, tx("alice", 1, 1, mondayMorning))
	if p, err := d.Lookup(ctx, "alice"); err != nil || p.TotalCount != 1 {
		t.Errorf("Lookup = %+v, %v", p, err)
	}
}

func TestLookup_StoreError(t *testing.T) {
	d := newTestDetector(DefaultConfig()).WithProfileStore(&failingProfileStore{})

	_, err := d.Lookup(context.Background(), "alice")
	if err == nil || errors.Is(err, profile.ErrProfileNotFound) {
		t.Errorf("expected a store error, got %v", err)
	}
}

func TestRestore_KeepsLiveProfiles(t *testing.T) {
	store := profile.NewMemoryStore()
	ctx := context.Background()
	stale := profile.New("alice")
	stale.TotalCount = 99
	_ = store.Save(ctx, stale)

	d := newTestDetector(DefaultConfig()).WithProfileStore(store)
	_, _ = d.ProcessTransaction(ctx, tx("alice", 1, 1, mondayMorning))

	n, err := d.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 0 {
		t.Errorf("expected live profile to win, restored %d", n)
	}
	p, _ := d.Profile("alice")
	if p.TotalCount != 1 {
		t.Errorf("live profile overwritten: total %d", p.TotalCount)
	}
}

func TestRestore_WithoutStore(t *testing.T) {
	n, err := newTestDetector(DefaultConfig()).Restore(context.Background())
	if n != 0 || err != nil {
		t.Errorf("expected 0, nil; got %d, %v", n, err)
	}
}

func TestBackgroundFailureIsCounted(t *testing.T) {
	d := newTestDetector(DefaultConfig()).WithProfileStore(&failingProfileStore{})
	before := testutil.ToFloat64(metrics.PersistFailuresTotal.WithLabelValues("profile"))

	if _, err := d.ProcessTransaction(context.Background(), tx("alice", 1, 1, mondayMorning)); err != nil {
		t.Fatalf("persistence failure must not fail processing: %v", err)
	}
	drain(t, d)

	if got := testutil.ToFloat64(metrics.PersistFailuresTotal.WithLabelValues("profile")); got != before+1 {
		t.Errorf("persist failures moved by %v, want 1", got-before)
	}
}

func TestBackgroundWritesStopWhenCircuitOpens(t *testing.T) {
	store := &failingProfileStore{}
	d := newTestDetector(DefaultConfig()).
		WithProfileStore(store).
		WithBreaker(circuitbreaker.New(1, time.Hour))
	ctx := context.Background()

	_, _ = d.ProcessTransaction(ctx, tx("alice", 1, 1, mondayMorning))
	drain(t, d)
	_, _ = d.ProcessTransaction(ctx, tx("alice", 1, 1, mondayMorning))
	drain(t, d)

	store.mu.Lock()
	defer store.mu.Unlock()
	// Two attempts for the first write, none once the circuit is open.
	if store.saves != 2 {
		t.Errorf("expected 2 save attempts, got %d", store.saves)
	}
}

func TestTrippedStores(t *testing.T) {
	d := newTestDetector(DefaultConfig()).
		WithProfileStore(&failingProfileStore{}).
		WithBreaker(circuitbreaker.New(1, time.Hour))
	if got := d.TrippedStores(); len(got) != 0 {
		t.Fatalf("expected no tripped stores, got %v", got)
	}

	_, _ = d.ProcessTransaction(context.Background(), tx("alice", 1, 1, mondayMorning))
	drain(t, d)

	if got := d.TrippedStores(); len(got) != 1 || got[0] != "profile" {
		t.Errorf("expected [profile], got %v", got)
	}
}

// ---------------------------------------------------------------------------
// BuildProfile
// ---------------------------------------------------------------------------

func TestBuildProfile_ReplacesProfile(t *testing.T) {
	obs := &recordingObserver{}
	d := newTestDetector(DefaultConfig()).WithObserver(obs)
	ctx := context.Background()

	_, _ = d.ProcessTransaction(ctx, tx("alice", -33.9, 151.2, mondayNight))
	old, _ := d.Profile("alice")

	p, err := d.BuildProfile(ctx, "alice", homeHistory(""))
	if err != nil {
		t.Fatalf("BuildProfile: %v", err)
	}
	if len(p.Clusters) != 1 || p.TotalCount != 10 {
		t.Errorf("expected one cluster of 10, got %d clusters total %d", len(p.Clusters), p.TotalCount)
	}
	if p.Clusters[0].Center != (geo.Point{Lat: 1, Lon: 1}) {
		t.Errorf("old cluster survived rebuild: %+v", p.Clusters[0])
	}
	if p.Version <= old.Version {
		t.Errorf("version must move forward: %d -> %d", old.Version, p.Version)
	}
	if len(obs.builds) != 1 || obs.builds[0] != "alice" {
		t.Errorf("expected build to be observed, got %v", obs.builds)
	}
}

func TestBuildProfile_RejectsForeignHistory(t *testing.T) {
	d := newTestDetector(DefaultConfig())
	history := homeHistory("alice")
	history[3].User = "mallory"

	if _, err := d.BuildProfile(context.Background(), "alice", history); !errors.Is(err, txn.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
	if _, ok := d.Profile("alice"); ok {
		t.Error("rejected build must not create a profile")
	}
}

func TestBuildProfile_RequiresUser(t *testing.T) {
	d := newTestDetector(DefaultConfig())
	if _, err := d.BuildProfile(context.Background(), "", homeHistory("")); !errors.Is(err, txn.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestBuildProfile_EmptyHistory(t *testing.T) {
	d := newTestDetector(DefaultConfig())
	p, err := d.BuildProfile(context.Background(), "alice", nil)
	if err != nil {
		t.Fatalf("BuildProfile: %v", err)
	}
	if len(p.Clusters) != 0 || p.TotalCount != 0 {
		t.Errorf("expected empty profile, got %+v", p)
	}
}

// ---------------------------------------------------------------------------
// DecaySweep
// ---------------------------------------------------------------------------

func TestDecaySweep_PrunesAndObserves(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DecayFactor = 0.5
	cfg.PruneThreshold = 0.6
	obs := &recordingObserver{}
	d := newTestDetector(cfg).WithObserver(obs)
	ctx := context.Background()

	_, _ = d.ProcessTransaction(ctx, tx("alice", 1, 1, mondayMorning))
	_, _ = d.BuildProfile(ctx, "bob", homeHistory("bob"))
	_, _ = d.BuildProfile(ctx, "carol", nil)

	stats := d.DecaySweep(ctx)
	if stats.Profiles != 3 || stats.Decayed != 2 || stats.Pruned != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}

	alice, _ := d.Profile("alice")
	if len(alice.Clusters) != 0 {
		t.Errorf("alice's weight-1 cluster should be pruned, got %d", len(alice.Clusters))
	}
	bob, _ := d.Profile("bob")
	if len(bob.Clusters) != 1 || bob.Clusters[0].Weight != 5 {
		t.Errorf("bob's cluster should halve to 5, got %+v", bob.Clusters)
	}
	if obs.sweeps != 1 {
		t.Errorf("expected sweep to be observed once, got %d", obs.sweeps)
	}
}

func TestDecaySweep_CancelledContext(t *testing.T) {
	d := newTestDetector(DefaultConfig())
	_, _ = d.ProcessTransaction(context.Background(), tx("alice", 1, 1, mondayMorning))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats := d.DecaySweep(ctx)
	if stats.Decayed != 0 {
		t.Errorf("cancelled sweep decayed %d profiles", stats.Decayed)
	}
}

func TestDecaySweep_ConcurrentWithScoring(t *testing.T) {
	d := newTestDetector(DefaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, user := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, _ = d.ProcessTransaction(ctx, tx(user, 1, 1, mondayMorning))
			}
		}(user)
	}
	for i := 0; i < 10; i++ {
		d.DecaySweep(ctx)
	}
	wg.Wait()

	for _, user := range []string{"a", "b", "c", "d"} {
		p, _ := d.Profile(user)
		if p.TotalCount != 100 {
			t.Errorf("%s: TotalCount = %d, want 100", user, p.TotalCount)
		}
	}
}
