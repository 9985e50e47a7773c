// Package txn defines the normalized transaction record consumed by the
// profile, scoring and detector packages.
package txn

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/geoanomaly/internal/geo"
)

// ErrInvalidInput is returned when a transaction cannot be scored because a
// field is missing or not a finite, in-range value.
var ErrInvalidInput = errors.New("invalid transaction input")

// Transaction is the canonical record produced by ingestion. Time keeps the
// location it was parsed with; hour and weekday are evaluated there.
type Transaction struct {
	User   string    `json:"user"`
	Time   time.Time `json:"time"`
	Lat    float64   `json:"lat"`
	Lon    float64   `json:"lon"`
	Seller string    `json:"seller,omitempty"`
}

// Point returns the transaction's coordinates.
func (t Transaction) Point() geo.Point {
	return geo.Point{Lat: t.Lat, Lon: t.Lon}
}

// Validate reports ErrInvalidInput, wrapped with the offending field.
func (t Transaction) Validate() error {
	if t.User == "" {
		return fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	if t.Time.IsZero() {
		return fmt.Errorf("%w: time is required", ErrInvalidInput)
	}
	if !finite(t.Lat) || t.Lat < -90 || t.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidInput, t.Lat)
	}
	if !finite(t.Lon) || t.Lon < -180 || t.Lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidInput, t.Lon)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
