// Package ingest turns raw transaction payloads into normalized
// transactions. Coordinates come from the payload itself or, when absent,
// from an optional IP geolocation lookup.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/geoanomaly/internal/geo"
	"github.com/mbd888/geoanomaly/internal/txn"
	"github.com/mbd888/geoanomaly/internal/validation"
)

// Payload is the wire format accepted from upstream systems. Buyer and
// seller may be strings or numbers; latitude and longitude must be JSON
// numbers.
type Payload struct {
	Timestamp string          `json:"timestamp"`
	Latitude  json.RawMessage `json:"latitude,omitempty"`
	Longitude json.RawMessage `json:"longitude,omitempty"`
	Buyer     json.RawMessage `json:"buyer,omitempty"`
	Seller    json.RawMessage `json:"seller,omitempty"`
	IP        string          `json:"ip,omitempty"`
}

// InvalidPayloadError lists every problem found in a payload. It matches
// txn.ErrInvalidInput under errors.Is.
type InvalidPayloadError struct {
	Errors validation.ValidationErrors
}

func (e *InvalidPayloadError) Error() string {
	return "invalid payload: " + e.Errors.Error()
}

func (e *InvalidPayloadError) Unwrap() error { return txn.ErrInvalidInput }

// Locator resolves an IP address to coordinates.
type Locator interface {
	Locate(ctx context.Context, ip string) (geo.Point, error)
}

// ErrLocationUnknown is returned by a Locator that has no record for an IP.
var ErrLocationUnknown = errors.New("location unknown")

// Normalizer converts payloads into transactions.
type Normalizer struct {
	locator Locator
}

// NewNormalizer creates a normalizer. locator may be nil, in which case
// payloads must carry coordinates.
func NewNormalizer(locator Locator) *Normalizer {
	return &Normalizer{locator: locator}
}

// Decode parses a JSON payload and normalizes it.
func (n *Normalizer) Decode(ctx context.Context, data []byte) (txn.Transaction, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return txn.Transaction{}, &InvalidPayloadError{Errors: validation.ValidationErrors{
			{Field: "body", Message: "must be a JSON object"},
		}}
	}
	return n.Normalize(ctx, p)
}

// Normalize validates p and builds the transaction it describes.
func (n *Normalizer) Normalize(ctx context.Context, p Payload) (txn.Transaction, error) {
	var errs validation.ValidationErrors

	at, err := ParseTimestamp(p.Timestamp)
	if err != nil {
		errs = append(errs, validation.ValidationError{Field: "timestamp", Message: "is missing or not an ISO-8601 timestamp"})
	}

	buyer, ok := identifier(p.Buyer)
	if !ok {
		errs = append(errs, validation.ValidationError{Field: "buyer", Message: "must be a string or number"})
	}
	seller, ok := identifier(p.Seller)
	if !ok {
		errs = append(errs, validation.ValidationError{Field: "seller", Message: "must be a string or number"})
	}
	errs = append(errs, validation.Validate(
		validation.Required("buyer", buyer),
		validation.ValidUserID("buyer", buyer),
		validation.ValidUserID("seller", seller),
	)...)

	lat, latErr := number(p.Latitude)
	lon, lonErr := number(p.Longitude)
	useIP := lat == nil && lon == nil && latErr == nil && lonErr == nil && p.IP != "" && n.locator != nil
	if !useIP {
		if latErr != nil {
			errs = append(errs, validation.ValidationError{Field: "latitude", Message: latErr.Error()})
		}
		if lonErr != nil {
			errs = append(errs, validation.ValidationError{Field: "longitude", Message: lonErr.Error()})
		}
		errs = append(errs, validation.Validate(
			validation.Latitude("latitude", lat),
			validation.Longitude("longitude", lon),
		)...)
	}

	if len(errs) > 0 {
		return txn.Transaction{}, &InvalidPayloadError{Errors: dedupe(errs)}
	}

	tx := txn.Transaction{User: buyer, Time: at, Seller: seller}
	if useIP {
		pt, err := n.locator.Locate(ctx, p.IP)
		if err != nil {
			if errors.Is(err, ErrLocationUnknown) {
				return txn.Transaction{}, &InvalidPayloadError{Errors: validation.ValidationErrors{
					{Field: "ip", Message: "could not be geolocated"},
				}}
			}
			return txn.Transaction{}, fmt.Errorf("failed to geolocate %s: %w", p.IP, err)
		}
		tx.Lat, tx.Lon = pt.Lat, pt.Lon
	} else {
		tx.Lat, tx.Lon = *lat, *lon
	}
	return tx, nil
}

// timestampLayouts are tried in order. Fractional seconds are accepted after
// any seconds field; layouts without a zone parse as UTC.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"20060102T150405Z0700",
	"20060102T150405",
	"2006-01-02",
}

// ParseTimestamp parses the ISO-8601 forms seen from upstream producers.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("timestamp is empty")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// identifier accepts a JSON string or number. Absent and null yield "".
func identifier(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", true
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return validation.SanitizeString(s, validation.MaxUserIDLength+1), true
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", false
		}
		return n.String(), true
	}
	return "", false
}

// number accepts only a JSON number. Absent and null yield nil.
func number(raw json.RawMessage) (*float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '"' {
		return nil, errors.New("must be a number, not a string")
	}
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return nil, errors.New("must be a number")
	}
	return &v, nil
}

// dedupe keeps the first message reported for each field.
func dedupe(errs validation.ValidationErrors) validation.ValidationErrors {
	seen := make(map[string]bool, len(errs))
	out := errs[:0]
	for _, e := range errs {
		if seen[e.Field] {
			continue
		}
		seen[e.Field] = true
		out = append(out, e)
	}
	return out
}
