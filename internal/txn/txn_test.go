package txn

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	valid := Transaction{User: "u1", Time: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC), Lat: 1, Lon: 1}

	tests := []struct {
		name    string
		mutate  func(*Transaction)
		wantErr bool
	}{
		{"valid", func(*Transaction) {}, false},
		{"no seller is fine", func(tx *Transaction) { tx.Seller = "" }, false},
		{"missing user", func(tx *Transaction) { tx.User = "" }, true},
		{"zero time", func(tx *Transaction) { tx.Time = time.Time{} }, true},
		{"nan lat", func(tx *Transaction) { tx.Lat = math.NaN() }, true},
		{"inf lon", func(tx *Transaction) { tx.Lon = math.Inf(1) }, true},
		{"lat too large", func(tx *Transaction) { tx.Lat = 90.5 }, true},
		{"lon too small", func(tx *Transaction) { tx.Lon = -180.1 }, true},
		{"poles and antimeridian", func(tx *Transaction) { tx.Lat = -90; tx.Lon = 180 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := valid
			tt.mutate(&tx)
			err := tx.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Errorf("expected ErrInvalidInput, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestPoint(t *testing.T) {
	p := Transaction{Lat: 12.5, Lon: -3.25}.Point()
	if p.Lat != 12.5 || p.Lon != -3.25 {
		t.Errorf("Point = %+v", p)
	}
}
