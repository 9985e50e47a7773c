package risk

import (
	"math"
	"time"

	"github.com/mbd888/geoanomaly/internal/geo"
	"github.com/mbd888/geoanomaly/internal/idgen"
	"github.com/mbd888/geoanomaly/internal/profile"
	"github.com/mbd888/geoanomaly/internal/txn"
)

// Config holds the scoring parameters.
type Config struct {
	MaxDistanceKm    float64
	WeightDistance   float64
	WeightTime       float64
	AnomalyThreshold float64
}

// DefaultConfig returns the default scoring parameters.
func DefaultConfig() Config {
	return Config{
		MaxDistanceKm:    DefaultMaxDistanceKm,
		WeightDistance:   DefaultWeightDistance,
		WeightTime:       DefaultWeightTime,
		AnomalyThreshold: DefaultAnomalyThreshold,
	}
}

// Scorer evaluates transactions against profiles. It holds no mutable state
// and is safe for concurrent use.
type Scorer struct {
	cfg   Config
	slots *geo.SlotTable
}

// NewScorer creates a scorer using the given parameters and slot table.
func NewScorer(cfg Config, slots *geo.SlotTable) *Scorer {
	return &Scorer{cfg: cfg, slots: slots}
}

// Config returns the scorer's parameters.
func (s *Scorer) Config() Config {
	return s.cfg
}

// Score evaluates tx against p. p is only read.
func (s *Scorer) Score(p *profile.GeoProfile, tx txn.Transaction) *Assessment {
	key := s.slots.Classify(tx.Time)
	idx, dMin := p.Nearest(tx.Point())

	factors := map[string]float64{
		FactorDistance:    s.distanceFactor(dMin),
		FactorTimeGlobal:  timeFactor(p.GlobalHistogram, key),
		FactorTimeCluster: 0,
	}
	if idx >= 0 {
		factors[FactorTimeCluster] = timeFactor(p.Clusters[idx].Histogram, key)
	}
	factors[FactorTime] = math.Max(factors[FactorTimeGlobal], factors[FactorTimeCluster])

	score := s.cfg.WeightDistance*factors[FactorDistance] + s.cfg.WeightTime*factors[FactorTime]
	score = math.Round(score*1000) / 1000 // 3 decimal places

	a := &Assessment{
		ID:            idgen.WithPrefix("asm_"),
		UserID:        tx.User,
		Score:         score,
		IsAnomaly:     score >= s.cfg.AnomalyThreshold,
		Factors:       factors,
		Slot:          key,
		Location:      tx.Point(),
		Seller:        tx.Seller,
		TransactionAt: tx.Time,
		EvaluatedAt:   time.Now(),
	}
	if idx >= 0 {
		d := dMin
		a.NearestClusterKm = &d
	}
	return a
}

// distanceFactor: distance to the nearest cluster as a fraction of
// MaxDistanceKm, saturating at 1. No clusters means +Inf and so 1.
func (s *Scorer) distanceFactor(dMin float64) float64 {
	if s.cfg.MaxDistanceKm <= 0 {
		if dMin > 0 {
			return 1.0
		}
		return 0.0
	}
	return math.Min(dMin/s.cfg.MaxDistanceKm, 1.0)
}

// timeFactor: rarity of the slot, or 0 when the histogram has no mass.
func timeFactor(h geo.Histogram, key geo.SlotKey) float64 {
	score, ok := h.Rarity(key)
	if !ok {
		return 0.0
	}
	return score
}
