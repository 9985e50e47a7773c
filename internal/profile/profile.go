// Package profile maintains per-user spatial-temporal behaviour profiles.
//
// A profile is a small set of location clusters, each carrying a histogram of
// the time slots its transactions fell in, plus a global histogram over every
// observed transaction. Profiles are built in batch from history with a
// density-based clustering pass and then maintained incrementally: a new
// transaction either joins the nearest cluster (if it falls inside that
// cluster's original radius) or seeds a new one. Cluster shapes never adapt
// after creation except through weight growth and decay.
package profile

import (
	"math"
	"time"

	"github.com/mbd888/geoanomaly/internal/geo"
	"github.com/mbd888/geoanomaly/internal/txn"
)

// DefaultSeedRadiusKm is the radius given to clusters created by a single
// streaming transaction.
const DefaultSeedRadiusKm = 0.1

// GeoCluster is one learned location.
type GeoCluster struct {
	Center geo.Point `json:"center"`
	// RadiusKm is the membership boundary, fixed at creation.
	RadiusKm float64 `json:"radiusKm"`
	// Weight starts as a member count. Once a decay sweep has run it is an
	// aged weight, not a literal transaction count.
	Weight    float64       `json:"weight"`
	Histogram geo.Histogram `json:"histogram"`
}

// GeoProfile is one user's learned pattern.
type GeoProfile struct {
	UserID          string        `json:"userId"`
	Clusters        []*GeoCluster `json:"clusters"`
	GlobalHistogram geo.Histogram `json:"globalHistogram"`
	TotalCount      int           `json:"totalCount"`
	// Version increases on every mutation; stores use it to drop stale writes.
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New returns an empty profile for userID.
func New(userID string) *GeoProfile {
	return &GeoProfile{
		UserID:          userID,
		GlobalHistogram: make(geo.Histogram),
	}
}

// Nearest returns the index of the cluster whose center is closest to pt and
// the distance to it. The first cluster wins ties. With no clusters it
// returns -1 and +Inf.
func (p *GeoProfile) Nearest(pt geo.Point) (int, float64) {
	idx, best := -1, math.Inf(1)
	for i, c := range p.Clusters {
		if d := geo.DistanceKm(c.Center, pt); d < best {
			idx, best = i, d
		}
	}
	return idx, best
}

// UpdateWithTransaction folds one transaction into the profile without
// re-clustering.
func (p *GeoProfile) UpdateWithTransaction(tx txn.Transaction, slots *geo.SlotTable, seedRadiusKm float64) {
	key := slots.Classify(tx.Time)
	pt := tx.Point()

	if idx, dist := p.Nearest(pt); idx >= 0 && dist <= p.Clusters[idx].RadiusKm {
		c := p.Clusters[idx]
		c.Weight++
		if c.Histogram == nil {
			c.Histogram = make(geo.Histogram)
		}
		c.Histogram.Add(key)
	} else {
		p.Clusters = append(p.Clusters, &GeoCluster{
			Center:    pt,
			RadiusKm:  seedRadiusKm,
			Weight:    1,
			Histogram: geo.Histogram{key: 1},
		})
	}

	if p.GlobalHistogram == nil {
		p.GlobalHistogram = make(geo.Histogram)
	}
	p.GlobalHistogram.Add(key)
	p.TotalCount++
	p.touch()
}

// Decay multiplies every cluster weight by factor and drops clusters whose
// weight falls below pruneThreshold. It returns the number pruned.
func (p *GeoProfile) Decay(factor, pruneThreshold float64) int {
	if len(p.Clusters) == 0 {
		return 0
	}
	kept := p.Clusters[:0]
	for _, c := range p.Clusters {
		c.Weight *= factor
		if c.Weight >= pruneThreshold {
			kept = append(kept, c)
		}
	}
	pruned := len(p.Clusters) - len(kept)
	// Clear the tail so pruned clusters can be collected.
	for i := len(kept); i < len(p.Clusters); i++ {
		p.Clusters[i] = nil
	}
	p.Clusters = kept
	p.touch()
	return pruned
}

// Clone returns a deep copy.
func (p *GeoProfile) Clone() *GeoProfile {
	out := *p
	out.GlobalHistogram = p.GlobalHistogram.Clone()
	out.Clusters = make([]*GeoCluster, len(p.Clusters))
	for i, c := range p.Clusters {
		cc := *c
		cc.Histogram = c.Histogram.Clone()
		out.Clusters[i] = &cc
	}
	return &out
}

func (p *GeoProfile) touch() {
	p.Version++
	p.UpdatedAt = time.Now()
}
