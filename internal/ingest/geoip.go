package ingest

import (
	"context"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/mbd888/geoanomaly/internal/geo"
	"github.com/mbd888/geoanomaly/internal/metrics"
)

// cityReader is the subset of *geoip2.Reader used for lookups.
type cityReader interface {
	City(ip net.IP) (*geoip2.City, error)
	Close() error
}

// GeoIPLocator resolves IPs against a MaxMind City database.
type GeoIPLocator struct {
	db cityReader
}

// OpenGeoIP opens the City database at path.
func OpenGeoIP(path string) (*GeoIPLocator, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geoip database %s: %w", path, err)
	}
	return &GeoIPLocator{db: db}, nil
}

// Locate returns the city-level coordinates recorded for ip.
func (l *GeoIPLocator) Locate(_ context.Context, ip string) (geo.Point, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		metrics.GeoIPLookupsTotal.WithLabelValues("miss").Inc()
		return geo.Point{}, fmt.Errorf("%w: %q is not an IP address", ErrLocationUnknown, ip)
	}
	city, err := l.db.City(addr)
	if err != nil {
		metrics.GeoIPLookupsTotal.WithLabelValues("error").Inc()
		return geo.Point{}, fmt.Errorf("geoip lookup failed: %w", err)
	}
	// Unknown addresses come back as an empty record rather than an error.
	if city == nil || (city.Location.Latitude == 0 && city.Location.Longitude == 0 && city.Location.AccuracyRadius == 0) {
		metrics.GeoIPLookupsTotal.WithLabelValues("miss").Inc()
		return geo.Point{}, fmt.Errorf("%w: %s", ErrLocationUnknown, ip)
	}
	metrics.GeoIPLookupsTotal.WithLabelValues("hit").Inc()
	return geo.Point{Lat: city.Location.Latitude, Lon: city.Location.Longitude}, nil
}

// Close releases the database.
func (l *GeoIPLocator) Close() error {
	return l.db.Close()
}
