package profile

import (
	"time"

	"github.com/mbd888/geoanomaly/internal/geo"
	"github.com/mbd888/geoanomaly/internal/txn"
)

// Batch clustering defaults.
const (
	DefaultEpsilonKm  = 0.5
	DefaultMinSamples = 3
)

const noise = -1

// BuildFromHistory runs one DBSCAN pass over the history's coordinates and
// appends a cluster per dense group. Noise points never become clusters but
// still count in the global histogram. An empty history is a no-op.
func (p *GeoProfile) BuildFromHistory(history []txn.Transaction, epsilonKm float64, minSamples int, slots *geo.SlotTable) {
	if len(history) == 0 {
		return
	}

	points := make([]geo.Point, len(history))
	for i, tx := range history {
		points[i] = tx.Point()
	}
	labels, n := dbscan(points, epsilonKm, minSamples)

	// Member timestamps come from the same labels that group coordinates.
	members := make([][]int, n)
	for i, label := range labels {
		if label != noise {
			members[label] = append(members[label], i)
		}
	}

	for _, idx := range members {
		pts := make([]geo.Point, len(idx))
		times := make([]time.Time, len(idx))
		for j, i := range idx {
			pts[j] = points[i]
			times[j] = history[i].Time
		}

		center := geo.Centroid(pts)
		radius := 0.0
		for _, pt := range pts {
			if d := geo.DistanceKm(center, pt); d > radius {
				radius = d
			}
		}

		p.Clusters = append(p.Clusters, &GeoCluster{
			Center:    center,
			RadiusKm:  radius,
			Weight:    float64(len(idx)),
			Histogram: slots.Histogram(times),
		})
		p.TotalCount += len(idx)
	}

	if p.GlobalHistogram == nil {
		p.GlobalHistogram = make(geo.Histogram)
	}
	for _, tx := range history {
		p.GlobalHistogram.Add(slots.Classify(tx.Time))
	}
	p.touch()
}

// Build returns a fresh profile for userID built from history.
func Build(userID string, history []txn.Transaction, epsilonKm float64, minSamples int, slots *geo.SlotTable) *GeoProfile {
	p := New(userID)
	p.BuildFromHistory(history, epsilonKm, minSamples, slots)
	return p
}

// dbscan labels each point with a cluster index in [0, n) or noise.
// minSamples counts the point itself. Border points reachable from several
// clusters join the first one that expands to them.
func dbscan(points []geo.Point, epsKm float64, minSamples int) ([]int, int) {
	if minSamples < 1 {
		minSamples = 1
	}

	neighbors := make([][]int, len(points))
	for i := range points {
		for j := range points {
			if geo.DistanceKm(points[i], points[j]) <= epsKm {
				neighbors[i] = append(neighbors[i], j)
			}
		}
	}

	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = noise
	}

	n := 0
	for i := range points {
		if labels[i] != noise || len(neighbors[i]) < minSamples {
			continue
		}
		labels[i] = n
		queue := append([]int(nil), neighbors[i]...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] != noise {
				continue
			}
			labels[j] = n
			if len(neighbors[j]) >= minSamples {
				queue = append(queue, neighbors[j]...)
			}
		}
		n++
	}
	return labels, n
}
