// Package risk scores a transaction against a user's learned geo-temporal
// profile.
//
// Every transaction is evaluated against two weighted factors: distance from
// the nearest known location cluster, and rarity of its time slot both
// globally and within that cluster. Weights are applied as configured and are
// not normalised, so the score ranges over [0, WeightDistance+WeightTime].
// Transactions scoring at or above the anomaly threshold are flagged.
package risk

import (
	"context"
	"time"

	"github.com/mbd888/geoanomaly/internal/geo"
	"github.com/mbd888/geoanomaly/internal/pagination"
)

// Factor names reported in Assessment.Factors.
const (
	FactorDistance    = "distance"
	FactorTimeGlobal  = "time_global"
	FactorTimeCluster = "time_cluster"
	FactorTime        = "time"
)

// Default scoring parameters.
const (
	DefaultMaxDistanceKm    = 50.0
	DefaultWeightDistance   = 0.6
	DefaultWeightTime       = 0.4
	DefaultAnomalyThreshold = 0.7
)

// Assessment is the result of scoring a single transaction.
type Assessment struct {
	ID        string             `json:"id"`
	UserID    string             `json:"userId"`
	Score     float64            `json:"score"`
	IsAnomaly bool               `json:"isAnomaly"`
	Factors   map[string]float64 `json:"factors"`
	// NearestClusterKm is nil when the profile had no clusters to compare to.
	NearestClusterKm *float64    `json:"nearestClusterKm,omitempty"`
	Slot             geo.SlotKey `json:"slot"`
	Location         geo.Point   `json:"location"`
	Seller           string      `json:"seller,omitempty"`
	TransactionAt    time.Time   `json:"transactionAt"`
	EvaluatedAt      time.Time   `json:"evaluatedAt"`
}

// Clone returns a copy that shares no maps or pointers with a.
func (a *Assessment) Clone() *Assessment {
	out := *a
	out.Factors = make(map[string]float64, len(a.Factors))
	for k, v := range a.Factors {
		out.Factors[k] = v
	}
	if a.NearestClusterKm != nil {
		d := *a.NearestClusterKm
		out.NearestClusterKm = &d
	}
	return &out
}

// Store persists assessments for audit trail.
type Store interface {
	Record(ctx context.Context, assessment *Assessment) error
	// ListByUser returns the user's assessments newest first, ordered by
	// (EvaluatedAt, ID). A non-nil cursor restricts the result to entries
	// strictly older than the cursor position.
	ListByUser(ctx context.Context, userID string, limit int, before *pagination.Cursor) ([]*Assessment, error)
}
