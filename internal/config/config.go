// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/geoanomaly/internal/detector"
	"github.com/mbd888/geoanomaly/internal/geo"
	"github.com/mbd888/geoanomaly/internal/profile"
	"github.com/mbd888/geoanomaly/internal/risk"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL   string
	MigrationsDir string // empty runs the migrations embedded in the binary

	// Redis caches IP geolocation results (optional)
	RedisURL string

	// NATS receives anomaly alerts (optional)
	NATSURL     string
	NATSSubject string

	// Kafka feeds cmd/consumer
	KafkaBrokers string
	KafkaGroupID string
	KafkaTopic   string

	// GeoIP resolves coordinates for payloads that only carry an IP (optional)
	GeoIPCityDB   string
	GeoIPCacheTTL time.Duration

	OTLPEndpoint  string
	AdminSecret   string
	DecayInterval time.Duration

	// HTTP hardening
	CORSOrigins    string // comma-separated; empty allows any origin
	RateLimitRPS   float64
	RateLimitBurst int

	Detection DetectionConfig
}

// DetectionConfig holds the clustering, scoring and decay parameters.
type DetectionConfig struct {
	ClusterEpsilonKm  float64
	ClusterMinSamples int
	SeedRadiusKm      float64

	MaxDistanceKm    float64
	WeightDistance   float64
	WeightTime       float64
	AnomalyThreshold float64
	UpdateOnAnomaly  bool

	DecayFactor    float64
	PruneThreshold float64

	TimeSlots   string
	WeekendDays string
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
	DefaultNATSSubject    = "geoanomaly.anomalies"
	DefaultKafkaGroupID   = "geoanomaly"
	DefaultKafkaTopic     = "transactions"
	DefaultGeoIPCacheTTL  = 24 * time.Hour
	DefaultDecayInterval  = time.Hour
	DefaultDecayFactor    = 0.99
	DefaultPruneThreshold = 0.5
	DefaultWeekendDays    = "sat,sun"
	DefaultRateLimitRPS   = 100.0
	DefaultRateLimitBurst = 200
)

// DefaultDetection returns the default detection parameters.
func DefaultDetection() DetectionConfig {
	return DetectionConfig{
		ClusterEpsilonKm:  profile.DefaultEpsilonKm,
		ClusterMinSamples: profile.DefaultMinSamples,
		SeedRadiusKm:      profile.DefaultSeedRadiusKm,
		MaxDistanceKm:     risk.DefaultMaxDistanceKm,
		WeightDistance:    risk.DefaultWeightDistance,
		WeightTime:        risk.DefaultWeightTime,
		AnomalyThreshold:  risk.DefaultAnomalyThreshold,
		UpdateOnAnomaly:   false,
		DecayFactor:       DefaultDecayFactor,
		PruneThreshold:    DefaultPruneThreshold,
		TimeSlots:         geo.DefaultTimeSlots,
		WeekendDays:       DefaultWeekendDays,
	}
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	d := DefaultDetection()
	cfg := &Config{
		Port:          getEnv("PORT", DefaultPort),
		Env:           getEnv("ENV", DefaultEnv),
		LogLevel:      getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:     getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		MigrationsDir: os.Getenv("MIGRATIONS_DIR"),
		RedisURL:      os.Getenv("REDIS_URL"),
		NATSURL:       os.Getenv("NATS_URL"),
		NATSSubject:   getEnv("NATS_SUBJECT", DefaultNATSSubject),
		KafkaBrokers:  os.Getenv("KAFKA_BROKERS"),
		KafkaGroupID:  getEnv("KAFKA_GROUP_ID", DefaultKafkaGroupID),
		KafkaTopic:    getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		GeoIPCityDB:   os.Getenv("GEOIP_CITY_DB"),
		GeoIPCacheTTL: getEnvDuration("GEOIP_CACHE_TTL", DefaultGeoIPCacheTTL),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:   os.Getenv("ADMIN_SECRET"),
		DecayInterval: getEnvDuration("DECAY_INTERVAL", DefaultDecayInterval),

		CORSOrigins:    os.Getenv("CORS_ORIGINS"),
		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", DefaultRateLimitRPS),
		RateLimitBurst: int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),

		Detection: DetectionConfig{
			ClusterEpsilonKm:  getEnvFloat("CLUSTER_EPS_KM", d.ClusterEpsilonKm),
			ClusterMinSamples: int(getEnvInt64("CLUSTER_MIN_SAMPLES", int64(d.ClusterMinSamples))),
			SeedRadiusKm:      getEnvFloat("CLUSTER_SEED_RADIUS_KM", d.SeedRadiusKm),
			MaxDistanceKm:     getEnvFloat("MAX_DISTANCE_KM", d.MaxDistanceKm),
			WeightDistance:    getEnvFloat("W_DISTANCE", d.WeightDistance),
			WeightTime:        getEnvFloat("W_TIME", d.WeightTime),
			AnomalyThreshold:  getEnvFloat("ANOMALY_THRESHOLD", d.AnomalyThreshold),
			UpdateOnAnomaly:   getEnvBool("UPDATE_ON_ANOMALY", d.UpdateOnAnomaly),
			DecayFactor:       getEnvFloat("DECAY_FACTOR", d.DecayFactor),
			PruneThreshold:    getEnvFloat("CLUSTER_PRUNE_THRESHOLD", d.PruneThreshold),
			TimeSlots:         getEnv("TIME_SLOTS", d.TimeSlots),
			WeekendDays:       getEnv("WEEKEND_DAYS", d.WeekendDays),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is consistent
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}
	if c.DecayInterval <= 0 {
		return fmt.Errorf("DECAY_INTERVAL must be positive")
	}
	if c.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must not be negative (0 disables rate limiting)")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1")
	}
	return c.Detection.Validate()
}

// Validate checks the detection parameters
func (d DetectionConfig) Validate() error {
	if d.ClusterEpsilonKm <= 0 {
		return fmt.Errorf("CLUSTER_EPS_KM must be positive")
	}
	if d.ClusterMinSamples < 1 {
		return fmt.Errorf("CLUSTER_MIN_SAMPLES must be at least 1")
	}
	if d.SeedRadiusKm < 0 {
		return fmt.Errorf("CLUSTER_SEED_RADIUS_KM must not be negative")
	}
	if d.MaxDistanceKm <= 0 {
		return fmt.Errorf("MAX_DISTANCE_KM must be positive")
	}
	if d.WeightDistance < 0 || d.WeightTime < 0 {
		return fmt.Errorf("W_DISTANCE and W_TIME must not be negative")
	}
	if d.DecayFactor <= 0 || d.DecayFactor >= 1 {
		return fmt.Errorf("DECAY_FACTOR must be in (0, 1), got %v", d.DecayFactor)
	}
	if d.PruneThreshold < 0 {
		return fmt.Errorf("CLUSTER_PRUNE_THRESHOLD must not be negative")
	}
	if _, err := d.SlotTable(); err != nil {
		return fmt.Errorf("TIME_SLOTS/WEEKEND_DAYS: %w", err)
	}
	return nil
}

// SlotTable parses the configured time slots and weekend days.
func (d DetectionConfig) SlotTable() (*geo.SlotTable, error) {
	return geo.ParseSlotTable(d.TimeSlots, d.WeekendDays)
}

// Scoring returns the scorer parameters.
func (d DetectionConfig) Scoring() risk.Config {
	return risk.Config{
		MaxDistanceKm:    d.MaxDistanceKm,
		WeightDistance:   d.WeightDistance,
		WeightTime:       d.WeightTime,
		AnomalyThreshold: d.AnomalyThreshold,
	}
}

// Orchestration returns the detector parameters.
func (d DetectionConfig) Orchestration() detector.Config {
	return detector.Config{
		UpdateOnAnomaly: d.UpdateOnAnomaly,
		DecayFactor:     d.DecayFactor,
		PruneThreshold:  d.PruneThreshold,
		SeedRadiusKm:    d.SeedRadiusKm,
		EpsilonKm:       d.ClusterEpsilonKm,
		MinSamples:      d.ClusterMinSamples,
	}
}

// KafkaBrokerList splits KAFKA_BROKERS on commas.
func (c *Config) KafkaBrokerList() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
