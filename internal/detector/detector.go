// Package detector is the realtime entry point of the service: it validates a
// transaction, scores it against the user's profile, folds it into the
// profile when appropriate, and fans the result out to audit, persistence and
// subscribers.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/geoanomaly/internal/circuitbreaker"
	"github.com/mbd888/geoanomaly/internal/geo"
	"github.com/mbd888/geoanomaly/internal/metrics"
	"github.com/mbd888/geoanomaly/internal/pagination"
	"github.com/mbd888/geoanomaly/internal/profile"
	"github.com/mbd888/geoanomaly/internal/retry"
	"github.com/mbd888/geoanomaly/internal/risk"
	"github.com/mbd888/geoanomaly/internal/traces"
	"github.com/mbd888/geoanomaly/internal/txn"
)

// Default orchestration parameters.
const (
	DefaultDecayFactor    = 0.99
	DefaultPruneThreshold = 0.5
)

// Config holds the orchestration parameters.
type Config struct {
	// UpdateOnAnomaly lets flagged transactions update the profile.
	UpdateOnAnomaly bool
	DecayFactor     float64
	PruneThreshold  float64
	SeedRadiusKm    float64
	EpsilonKm       float64
	MinSamples      int
}

// DefaultConfig returns the default orchestration parameters.
func DefaultConfig() Config {
	return Config{
		UpdateOnAnomaly: false,
		DecayFactor:     DefaultDecayFactor,
		PruneThreshold:  DefaultPruneThreshold,
		SeedRadiusKm:    profile.DefaultSeedRadiusKm,
		EpsilonKm:       profile.DefaultEpsilonKm,
		MinSamples:      profile.DefaultMinSamples,
	}
}

// Notifier receives every assessment after the decision is made.
type Notifier interface {
	Notify(ctx context.Context, a *risk.Assessment) error
}

// Observer is told about profile builds and decay sweeps.
type Observer interface {
	BroadcastProfileBuilt(userID string, clusters, historySize int)
	BroadcastDecaySweep(profiles, pruned int)
}

// SweepStats summarises one decay sweep.
type SweepStats struct {
	Profiles int           `json:"profiles"`
	Decayed  int           `json:"decayed"`
	Pruned   int           `json:"pruned"`
	Duration time.Duration `json:"durationNs"`
}

// Detector orchestrates scoring and profile maintenance.
type Detector struct {
	cfg      Config
	slots    *geo.SlotTable
	scorer   *risk.Scorer
	registry *profile.Registry
	logger   *slog.Logger

	profiles  profile.Store // optional
	audit     risk.Store    // optional
	notifiers []Notifier
	observers []Observer
	retry     retry.Policy
	breaker   *circuitbreaker.Breaker

	bg sync.WaitGroup
}

// New creates a detector with an empty profile registry.
func New(cfg Config, scorer *risk.Scorer, slots *geo.SlotTable, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:      cfg,
		slots:    slots,
		scorer:   scorer,
		registry: profile.NewRegistry(),
		logger:   logger,
		retry:    retry.DefaultPolicy(),
		breaker:  circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultOpenDuration),
	}
}

// WithProfileStore persists profile snapshots after every mutation.
func (d *Detector) WithProfileStore(s profile.Store) *Detector {
	d.profiles = s
	return d
}

// WithAuditStore records every assessment.
func (d *Detector) WithAuditStore(s risk.Store) *Detector {
	d.audit = s
	return d
}

// WithNotifier adds a subscriber for assessments.
func (d *Detector) WithNotifier(n Notifier) *Detector {
	d.notifiers = append(d.notifiers, n)
	return d
}

// WithObserver reports profile builds and sweeps to o.
func (d *Detector) WithObserver(o Observer) *Detector {
	d.observers = append(d.observers, o)
	return d
}

// WithRetryPolicy overrides the retry policy for background writes.
func (d *Detector) WithRetryPolicy(p retry.Policy) *Detector {
	d.retry = p
	return d
}

// WithBreaker replaces the circuit breaker guarding background writes.
// Writes to a store whose circuit is open are dropped.
func (d *Detector) WithBreaker(b *circuitbreaker.Breaker) *Detector {
	d.breaker = b
	return d
}

// Config returns the orchestration parameters.
func (d *Detector) Config() Config {
	return d.cfg
}

// ProcessTransaction scores tx against its user's profile and, unless it was
// flagged and UpdateOnAnomaly is off, learns from it. Calls for the same user
// are serialised; different users proceed in parallel.
func (d *Detector) ProcessTransaction(ctx context.Context, tx txn.Transaction) (*risk.Assessment, error) {
	if err := tx.Validate(); err != nil {
		metrics.TransactionsRejectedTotal.Inc()
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "detector.ProcessTransaction", traces.UserID(tx.User))
	defer span.End()

	start := time.Now()
	var (
		assessment *risk.Assessment
		snapshot   *profile.GeoProfile
	)
	d.registry.Update(tx.User, func(p *profile.GeoProfile) {
		assessment = d.scorer.Score(p, tx)
		if !assessment.IsAnomaly || d.cfg.UpdateOnAnomaly {
			p.UpdateWithTransaction(tx, d.slots, d.cfg.SeedRadiusKm)
			snapshot = p.Clone()
		}
	})
	metrics.ScoringDuration.Observe(time.Since(start).Seconds())

	span.SetAttributes(
		traces.Score(assessment.Score),
		traces.IsAnomaly(assessment.IsAnomaly),
		traces.Slot(assessment.Slot.String()),
	)
	metrics.TransactionsScoredTotal.WithLabelValues(metrics.Verdict(assessment.IsAnomaly)).Inc()
	metrics.AnomalyScore.Observe(assessment.Score)
	metrics.ActiveProfiles.Set(float64(d.registry.Len()))

	if snapshot != nil {
		metrics.ProfileUpdatesTotal.WithLabelValues("applied").Inc()
		d.persist(snapshot)
	} else {
		metrics.ProfileUpdatesTotal.WithLabelValues("skipped").Inc()
	}

	if assessment.IsAnomaly {
		d.logger.Info("anomalous transaction",
			"user", tx.User,
			"score", assessment.Score,
			"distance", assessment.Factors[risk.FactorDistance],
			"time", assessment.Factors[risk.FactorTime],
			"slot", assessment.Slot.String(),
		)
	}

	d.record(assessment)
	d.notify(ctx, assessment)

	return assessment, nil
}

// BuildProfile replaces userID's profile with one clustered from history.
// Transactions with an empty user are attributed to userID; any other user
// is rejected.
func (d *Detector) BuildProfile(ctx context.Context, userID string, history []txn.Transaction) (*profile.GeoProfile, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", txn.ErrInvalidInput)
	}
	cleaned := make([]txn.Transaction, len(history))
	for i, tx := range history {
		if tx.User == "" {
			tx.User = userID
		}
		if tx.User != userID {
			return nil, fmt.Errorf("%w: history[%d] belongs to %q", txn.ErrInvalidInput, i, tx.User)
		}
		if err := tx.Validate(); err != nil {
			return nil, fmt.Errorf("history[%d]: %w", i, err)
		}
		cleaned[i] = tx
	}

	_, span := traces.StartSpan(ctx, "detector.BuildProfile",
		traces.UserID(userID), traces.HistorySize(len(cleaned)))
	defer span.End()

	var snapshot *profile.GeoProfile
	d.registry.Update(userID, func(p *profile.GeoProfile) {
		next := profile.New(userID)
		// Keep the version moving forward so stores accept the rebuilt profile.
		next.Version = p.Version + 1
		next.UpdatedAt = time.Now()
		next.BuildFromHistory(cleaned, d.cfg.EpsilonKm, d.cfg.MinSamples, d.slots)
		*p = *next
		snapshot = p.Clone()
	})

	span.SetAttributes(traces.ClusterCount(len(snapshot.Clusters)))
	metrics.ProfileBuildsTotal.Inc()
	metrics.ActiveProfiles.Set(float64(d.registry.Len()))
	d.logger.Info("profile built",
		"user", userID,
		"history", len(cleaned),
		"clusters", len(snapshot.Clusters),
	)

	d.persist(snapshot)
	for _, o := range d.observers {
		o.BroadcastProfileBuilt(userID, len(snapshot.Clusters), len(cleaned))
	}
	return snapshot.Clone(), nil
}

// DecaySweep ages every profile's cluster weights and prunes clusters that
// fall below the threshold. Only one user's lock is held at a time, so
// scoring for other users continues during the sweep. A cancelled ctx stops
// the sweep early.
func (d *Detector) DecaySweep(ctx context.Context) SweepStats {
	_, span := traces.StartSpan(ctx, "detector.DecaySweep")
	defer span.End()

	start := time.Now()
	var (
		stats     SweepStats
		snapshots []*profile.GeoProfile
	)
	stats.Profiles = d.registry.Sweep(func(p *profile.GeoProfile) {
		if ctx.Err() != nil || len(p.Clusters) == 0 {
			return
		}
		stats.Pruned += p.Decay(d.cfg.DecayFactor, d.cfg.PruneThreshold)
		stats.Decayed++
		snapshots = append(snapshots, p.Clone())
	})
	stats.Duration = time.Since(start)

	for _, s := range snapshots {
		d.persist(s)
	}

	metrics.DecaySweepsTotal.Inc()
	metrics.ClustersPrunedTotal.Add(float64(stats.Pruned))
	metrics.DecaySweepDuration.Observe(stats.Duration.Seconds())

	d.logger.Info("decay sweep complete",
		"profiles", stats.Profiles,
		"decayed", stats.Decayed,
		"pruned", stats.Pruned,
		"duration", stats.Duration,
	)
	for _, o := range d.observers {
		o.BroadcastDecaySweep(stats.Profiles, stats.Pruned)
	}
	return stats
}

// Profile returns a snapshot of userID's profile.
func (d *Detector) Profile(userID string) (*profile.GeoProfile, bool) {
	return d.registry.View(userID)
}

// Lookup is Profile with a fallback to the profile store on a registry miss.
// A stored profile found that way is loaded into the registry, which picks up
// profiles written by another process after Restore ran.
func (d *Detector) Lookup(ctx context.Context, userID string) (*profile.GeoProfile, error) {
	if p, ok := d.registry.View(userID); ok {
		return p, nil
	}
	if d.profiles == nil {
		return nil, profile.ErrProfileNotFound
	}
	stored, err := d.profiles.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile %s: %w", userID, err)
	}
	if d.registry.Load(stored) {
		metrics.ActiveProfiles.Set(float64(d.registry.Len()))
	}
	if p, ok := d.registry.View(userID); ok {
		return p, nil
	}
	return nil, profile.ErrProfileNotFound
}

// Users returns every user with a profile, sorted.
func (d *Detector) Users() []string {
	return d.registry.Users()
}

// Assessments returns userID's assessments newest first, starting after
// before when it is non-nil. Without an audit store it returns nothing.
func (d *Detector) Assessments(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*risk.Assessment, error) {
	if d.audit == nil {
		return nil, nil
	}
	return d.audit.ListByUser(ctx, userID, limit, before)
}

// TrippedStores names the stores whose circuit breaker is open or probing.
// Writes to them are being dropped.
func (d *Detector) TrippedStores() []string {
	return d.breaker.Tripped()
}

// Restore loads persisted profiles into the registry. Profiles that already
// exist in memory are left alone, so Restore may run alongside live traffic.
func (d *Detector) Restore(ctx context.Context) (int, error) {
	if d.profiles == nil {
		return 0, nil
	}
	all, err := d.profiles.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list stored profiles: %w", err)
	}
	loaded := 0
	for _, p := range all {
		if d.registry.Load(p) {
			loaded++
		}
	}
	metrics.ActiveProfiles.Set(float64(d.registry.Len()))
	d.logger.Info("profiles restored", "loaded", loaded, "stored", len(all))
	return loaded, nil
}

// Drain waits for in-flight background writes to finish or ctx to expire.
func (d *Detector) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persist saves a profile snapshot in the background.
func (d *Detector) persist(p *profile.GeoProfile) {
	if d.profiles == nil {
		return
	}
	d.background("profile", "user", p.UserID, func(ctx context.Context) error {
		return d.profiles.Save(ctx, p)
	})
}

// record writes the assessment to the audit trail in the background.
func (d *Detector) record(a *risk.Assessment) {
	if d.audit == nil {
		return
	}
	a = a.Clone()
	d.background("assessment", "assessment", a.ID, func(ctx context.Context) error {
		return d.audit.Record(ctx, a)
	})
}

// notify hands the assessment to every notifier. Failures are logged only.
func (d *Detector) notify(ctx context.Context, a *risk.Assessment) {
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, a.Clone()); err != nil {
			d.logger.Warn("failed to notify assessment", "assessment", a.ID, "error", err)
		}
	}
}

// background runs a best-effort write with retries, off the caller's path.
func (d *Detector) background(store, idKey, id string, fn func(ctx context.Context) error) {
	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		policy := d.retry
		policy.OnRetry = func(attempt int, err error) {
			d.logger.Debug("retrying background write", "store", store, idKey, id, "attempt", attempt, "error", err)
		}
		err := d.breaker.Do(store, func() error { return policy.Do(ctx, fn) })
		switch {
		case err == nil, errors.Is(err, context.Canceled):
		case errors.Is(err, circuitbreaker.ErrOpen):
			metrics.PersistFailuresTotal.WithLabelValues(store).Inc()
			d.logger.Debug("dropping background write, circuit open", "store", store, idKey, id)
		default:
			metrics.PersistFailuresTotal.WithLabelValues(store).Inc()
			d.logger.Warn("background write failed", "store", store, idKey, id, "error", err)
		}
	}()
}
