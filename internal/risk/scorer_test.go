package risk

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/mbd888/geoanomaly/internal/geo"
	"github.com/mbd888/geoanomaly/internal/profile"
	"github.com/mbd888/geoanomaly/internal/txn"
)

var (
	mondayMorning = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	mondayNight   = time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	weekdayMorn   = geo.SlotKey{Day: geo.Weekday, Slot: "morning"}
	weekdayNight  = geo.SlotKey{Day: geo.Weekday, Slot: "night"}
)

func newScorer() *Scorer {
	return NewScorer(DefaultConfig(), geo.DefaultSlotTable())
}

// homeProfile has one cluster at (1, 1) whose activity is all weekday mornings.
func homeProfile() *profile.GeoProfile {
	p := profile.New("u1")
	p.Clusters = []*profile.GeoCluster{{
		Center:    geo.Point{Lat: 1, Lon: 1},
		RadiusKm:  0.1,
		Weight:    10,
		Histogram: geo.Histogram{weekdayMorn: 10},
	}}
	p.GlobalHistogram = geo.Histogram{weekdayMorn: 10}
	p.TotalCount = 10
	return p
}

func TestColdStartNeverFlagged(t *testing.T) {
	s := newScorer()
	tx := txn.Transaction{User: "u1", Time: mondayNight, Lat: -33.9, Lon: 151.2}

	a := s.Score(profile.New("u1"), tx)

	if a.Score != 0.6 {
		t.Errorf("score = %v, want 0.6 (factors %v)", a.Score, a.Factors)
	}
	if a.IsAnomaly {
		t.Error("cold-start transaction flagged")
	}
	if a.Factors[FactorDistance] != 1 || a.Factors[FactorTimeGlobal] != 0 {
		t.Errorf("factors = %v", a.Factors)
	}
	if a.NearestClusterKm != nil {
		t.Errorf("nearest = %v, want nil", *a.NearestClusterKm)
	}
}

func TestFarAwayAtUnusualHourIsAnomaly(t *testing.T) {
	s := newScorer()
	tx := txn.Transaction{User: "u1", Time: mondayNight, Lat: 1, Lon: 1.6}
	if d := geo.DistanceKm(geo.Point{Lat: 1, Lon: 1}, tx.Point()); d < 50 {
		t.Fatalf("fixture too close: %v km", d)
	}

	a := s.Score(homeProfile(), tx)

	if a.Score != 1.0 {
		t.Errorf("score = %v, want 1.0 (factors %v)", a.Score, a.Factors)
	}
	if !a.IsAnomaly {
		t.Error("expected anomaly")
	}
	if a.Slot != weekdayNight {
		t.Errorf("slot = %v", a.Slot)
	}
	if a.NearestClusterKm == nil || *a.NearestClusterKm < 50 {
		t.Errorf("nearest = %v", a.NearestClusterKm)
	}
}

func TestHomeAtUsualHourScoresZero(t *testing.T) {
	s := newScorer()
	tx := txn.Transaction{User: "u1", Time: mondayMorning, Lat: 1, Lon: 1}

	a := s.Score(homeProfile(), tx)

	if a.Score != 0 || a.IsAnomaly {
		t.Errorf("score = %v anomaly = %v", a.Score, a.IsAnomaly)
	}
}

func TestTimeFactorTakesMaxOfGlobalAndCluster(t *testing.T) {
	s := newScorer()
	p := homeProfile()
	// Globally, nights are as common as mornings; at this cluster they never happen.
	p.GlobalHistogram = geo.Histogram{weekdayMorn: 10, weekdayNight: 10}

	a := s.Score(p, txn.Transaction{User: "u1", Time: mondayNight, Lat: 1, Lon: 1})

	if a.Factors[FactorTimeGlobal] != 0 {
		t.Errorf("time_global = %v", a.Factors[FactorTimeGlobal])
	}
	if a.Factors[FactorTimeCluster] != 1 || a.Factors[FactorTime] != 1 {
		t.Errorf("factors = %v", a.Factors)
	}
	if a.Score != 0.4 {
		t.Errorf("score = %v, want 0.4", a.Score)
	}
}

func TestPartialFrequency(t *testing.T) {
	s := newScorer()
	p := homeProfile()
	p.GlobalHistogram = geo.Histogram{weekdayMorn: 8, weekdayNight: 2}
	p.Clusters[0].Histogram = geo.Histogram{weekdayMorn: 8, weekdayNight: 2}

	a := s.Score(p, txn.Transaction{User: "u1", Time: mondayNight, Lat: 1, Lon: 1})

	if math.Abs(a.Factors[FactorTime]-0.75) > 1e-12 {
		t.Errorf("time = %v, want 0.75", a.Factors[FactorTime])
	}
	if a.Score != 0.3 {
		t.Errorf("score = %v, want 0.3", a.Score)
	}
}

func TestEmptyClusterHistogramContributesZero(t *testing.T) {
	s := newScorer()
	p := homeProfile()
	p.Clusters[0].Histogram = geo.Histogram{}

	a := s.Score(p, txn.Transaction{User: "u1", Time: mondayMorning, Lat: 1, Lon: 1})

	if a.Factors[FactorTimeCluster] != 0 {
		t.Errorf("time_cluster = %v", a.Factors[FactorTimeCluster])
	}
}

func TestDistanceFactorMonotonicAndCapped(t *testing.T) {
	s := newScorer()
	p := homeProfile()

	prev := -1.0
	for _, lon := range []float64{1, 1.05, 1.1, 1.2, 1.4, 2, 5, 30} {
		a := s.Score(p, txn.Transaction{User: "u1", Time: mondayMorning, Lat: 1, Lon: lon})
		d := a.Factors[FactorDistance]
		if d < prev {
			t.Errorf("distance factor decreased at lon %v: %v < %v", lon, d, prev)
		}
		if d > 1 {
			t.Errorf("distance factor above 1 at lon %v: %v", lon, d)
		}
		prev = d
	}
	if prev != 1 {
		t.Errorf("far transaction distance factor = %v, want 1", prev)
	}
}

func TestUnnormalisedWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WeightDistance = 1.0
	cfg.WeightTime = 1.0
	s := NewScorer(cfg, geo.DefaultSlotTable())

	a := s.Score(homeProfile(), txn.Transaction{User: "u1", Time: mondayNight, Lat: 10, Lon: 10})

	if a.Score != 2.0 {
		t.Errorf("score = %v, want 2.0", a.Score)
	}
}

func TestThresholdIsInclusive(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AnomalyThreshold = 0.6
	s := NewScorer(cfg, geo.DefaultSlotTable())

	a := s.Score(profile.New("u1"), txn.Transaction{User: "u1", Time: mondayMorning, Lat: 1, Lon: 1})

	if a.Score != 0.6 || !a.IsAnomaly {
		t.Errorf("score = %v anomaly = %v, want 0.6 flagged", a.Score, a.IsAnomaly)
	}
}

func TestScoreRoundedToThreeDecimals(t *testing.T) {
	s := newScorer()
	p := homeProfile()

	a := s.Score(p, txn.Transaction{User: "u1", Time: mondayMorning, Lat: 1, Lon: 1.1234})

	if a.Score != math.Round(a.Score*1000)/1000 {
		t.Errorf("score %v not rounded", a.Score)
	}
}

func TestScoreDoesNotMutateProfile(t *testing.T) {
	s := newScorer()
	p := homeProfile()
	before := p.Clone()

	s.Score(p, txn.Transaction{User: "u1", Time: mondayNight, Lat: 5, Lon: 5})

	if p.Version != before.Version || p.TotalCount != before.TotalCount || len(p.Clusters) != 1 {
		t.Errorf("profile mutated: %+v", p)
	}
	if p.Clusters[0].Weight != 10 || len(p.GlobalHistogram) != 1 || len(p.Clusters[0].Histogram) != 1 {
		t.Error("profile contents mutated")
	}
}

func TestAssessmentIDs(t *testing.T) {
	s := newScorer()
	a := s.Score(profile.New("u1"), txn.Transaction{User: "u1", Time: mondayMorning, Seller: "shop"})
	b := s.Score(profile.New("u1"), txn.Transaction{User: "u1", Time: mondayMorning})

	if !strings.HasPrefix(a.ID, "asm_") || a.ID == b.ID {
		t.Errorf("ids = %q, %q", a.ID, b.ID)
	}
	if a.Seller != "shop" || a.UserID != "u1" {
		t.Errorf("assessment = %+v", a)
	}
}
