// Command consumer scores transactions read from Kafka and publishes
// anomalies to NATS.
//
// It shares configuration with cmd/server. KAFKA_BROKERS is required;
// DATABASE_URL, NATS_URL, GEOIP_CITY_DB and REDIS_URL are optional. With a
// database it also delivers to the webhooks registered through the server's
// admin API.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/geoanomaly/internal/config"
	"github.com/mbd888/geoanomaly/internal/detector"
	"github.com/mbd888/geoanomaly/internal/ingest"
	"github.com/mbd888/geoanomaly/internal/logging"
	"github.com/mbd888/geoanomaly/internal/profile"
	"github.com/mbd888/geoanomaly/internal/risk"
	"github.com/mbd888/geoanomaly/internal/stream"
	"github.com/mbd888/geoanomaly/internal/traces"
	"github.com/mbd888/geoanomaly/internal/webhooks"
)

func main() {
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTraces, err := traces.Init(ctx, "geoanomaly-consumer", cfg.OTLPEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	slots, err := cfg.Detection.SlotTable()
	if err != nil {
		return err
	}
	det := detector.New(cfg.Detection.Orchestration(), risk.NewScorer(cfg.Detection.Scoring(), slots), slots, logger)

	var hooks *webhooks.Dispatcher
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		det.WithProfileStore(profile.NewPostgresStore(db)).WithAuditStore(risk.NewPostgresStore(db))
		hooks = webhooks.NewDispatcher(webhooks.NewPostgresStore(db), logger)
		det.WithNotifier(hooks)
		if _, err := det.Restore(ctx); err != nil {
			logger.Warn("failed to restore profiles", "error", err)
		}
	}

	var locator ingest.Locator
	if cfg.GeoIPCityDB != "" {
		geoip, err := ingest.OpenGeoIP(cfg.GeoIPCityDB)
		if err != nil {
			return err
		}
		defer func() { _ = geoip.Close() }()
		locator = geoip

		if cfg.RedisURL != "" {
			client, err := ingest.NewRedisClient(ctx, cfg.RedisURL)
			if err != nil {
				logger.Warn("geoip cache disabled", "error", err)
			} else {
				defer func() { _ = client.Close() }()
				locator = ingest.NewCachedLocator(geoip, client, cfg.GeoIPCacheTTL, logger)
			}
		}
	}

	if cfg.NATSURL != "" {
		nc, err := stream.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer func() { _ = nc.Drain() }()
		det.WithNotifier(stream.NewAnomalyPublisher(nc, cfg.NATSSubject))
	}

	timer := detector.NewDecayTimer(det, cfg.DecayInterval, logger)
	go timer.Start(ctx)
	defer timer.Stop()

	consumer, err := stream.NewKafkaConsumer(stream.KafkaConfig{
		Brokers: cfg.KafkaBrokerList(),
		GroupID: cfg.KafkaGroupID,
		Topic:   cfg.KafkaTopic,
	}, stream.NewScoringProcessor(ingest.NewNormalizer(locator), det), logger)
	if err != nil {
		return err
	}

	runErr := consumer.Run(ctx)

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := det.Drain(drainCtx); err != nil {
		logger.Warn("background writes did not finish", "error", err)
	}
	if hooks != nil {
		if err := hooks.Drain(drainCtx); err != nil {
			logger.Warn("webhook deliveries did not finish", "error", err)
		}
	}
	return runErr
}
