// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/geoanomaly/internal/auth"
	"github.com/mbd888/geoanomaly/internal/config"
	"github.com/mbd888/geoanomaly/internal/detector"
	"github.com/mbd888/geoanomaly/internal/health"
	"github.com/mbd888/geoanomaly/internal/idgen"
	"github.com/mbd888/geoanomaly/internal/ingest"
	"github.com/mbd888/geoanomaly/internal/logging"
	"github.com/mbd888/geoanomaly/internal/metrics"
	"github.com/mbd888/geoanomaly/internal/profile"
	"github.com/mbd888/geoanomaly/internal/ratelimit"
	"github.com/mbd888/geoanomaly/internal/realtime"
	"github.com/mbd888/geoanomaly/internal/risk"
	"github.com/mbd888/geoanomaly/internal/security"
	"github.com/mbd888/geoanomaly/internal/stream"
	"github.com/mbd888/geoanomaly/internal/validation"
	"github.com/mbd888/geoanomaly/internal/webhooks"
)

// Version is reported by the health endpoint. Set by cmd/server.
var Version = "dev"

// shutdownGrace gives load balancers time to stop sending traffic.
const shutdownGrace = 5 * time.Second

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	detector     *detector.Detector
	handler      *detector.Handler
	decayTimer   *detector.DecayTimer
	realtimeHub  *realtime.Hub
	webhooks     *webhooks.Dispatcher
	webhookStore webhooks.Store
	health       *health.Registry
	geoip        *ingest.GeoIPLocator // nil unless GEOIP_CITY_DB is set
	redis        *redis.Client        // nil unless REDIS_URL is set
	nats         *nats.Conn           // nil unless NATS_URL is set
	rateLimiter  *ratelimit.Limiter   // nil when RATE_LIMIT_RPS is 0
	db           *sql.DB              // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	slots, err := cfg.Detection.SlotTable()
	if err != nil {
		return nil, fmt.Errorf("invalid time slots: %w", err)
	}
	scorer := risk.NewScorer(cfg.Detection.Scoring(), slots)
	s.detector = detector.New(cfg.Detection.Orchestration(), scorer, slots, s.logger)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		profileStore := profile.NewPostgresStore(db)
		if err := profileStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate profile store", "error", err)
		}
		auditStore := risk.NewPostgresStore(db)
		if err := auditStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate assessment store", "error", err)
		}
		webhookStore := webhooks.NewPostgresStore(db)
		if err := webhookStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate webhook store", "error", err)
		}
		s.webhookStore = webhookStore
		s.detector.WithProfileStore(profileStore).WithAuditStore(auditStore)
		s.health.Register("database", health.Ping("database", db.PingContext))
		s.health.Register("persistence", health.Ping("persistence", func(context.Context) error {
			if tripped := s.detector.TrippedStores(); len(tripped) > 0 {
				return errors.New("circuit open: " + strings.Join(tripped, ", "))
			}
			return nil
		}))
	} else {
		// Profiles live only in the registry; assessments keep a bounded
		// in-memory audit trail.
		s.detector.WithAuditStore(risk.NewMemoryStore())
		s.webhookStore = webhooks.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// IP geolocation fallback for payloads without coordinates
	var locator ingest.Locator
	if cfg.GeoIPCityDB != "" {
		geoip, err := ingest.OpenGeoIP(cfg.GeoIPCityDB)
		if err != nil {
			s.closeBackends()
			return nil, err
		}
		s.geoip = geoip
		locator = geoip
		s.logger.Info("geoip fallback enabled", "db", cfg.GeoIPCityDB)

		if cfg.RedisURL != "" {
			client, err := ingest.NewRedisClient(ctx, cfg.RedisURL)
			if err != nil {
				s.logger.Warn("geoip cache disabled", "error", err)
			} else {
				s.redis = client
				locator = ingest.NewCachedLocator(geoip, client, cfg.GeoIPCacheTTL, s.logger)
				s.health.Register("redis", health.Ping("redis", func(ctx context.Context) error {
					return client.Ping(ctx).Err()
				}))
				s.logger.Info("geoip cache enabled", "ttl", cfg.GeoIPCacheTTL)
			}
		}
	} else if cfg.RedisURL != "" {
		s.logger.Info("REDIS_URL ignored without GEOIP_CITY_DB")
	}

	// Anomaly alerts over NATS
	if cfg.NATSURL != "" {
		nc, err := stream.ConnectNATS(cfg.NATSURL, s.logger)
		if err != nil {
			s.logger.Warn("anomaly alerts disabled", "error", err)
		} else {
			s.nats = nc
			s.detector.WithNotifier(stream.NewAnomalyPublisher(nc, cfg.NATSSubject))
			s.health.Register("nats", health.Ping("nats", func(context.Context) error {
				if !nc.IsConnected() {
					return errors.New("not connected")
				}
				return nil
			}))
			s.logger.Info("anomaly alerts enabled", "subject", cfg.NATSSubject)
		}
	}

	// Operator-registered HTTP callbacks
	s.webhooks = webhooks.NewDispatcher(s.webhookStore, s.logger)
	s.detector.WithNotifier(s.webhooks)

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.detector.WithNotifier(s.realtimeHub).WithObserver(s.realtimeHub)
	s.logger.Info("realtime streaming enabled")

	s.decayTimer = detector.NewDecayTimer(s.detector, cfg.DecayInterval, s.logger)
	s.handler = detector.NewHandler(s.detector, ingest.NewNormalizer(locator))

	if _, err := s.detector.Restore(ctx); err != nil {
		s.logger.Warn("failed to restore profiles", "error", err)
	}

	if cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set, admin routes are open")
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(security.ParseOrigins(s.cfg.CORSOrigins)))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	if s.cfg.RateLimitRPS > 0 {
		rl := ratelimit.DefaultConfig()
		rl.RequestsPerSecond = s.cfg.RateLimitRPS
		rl.Burst = s.cfg.RateLimitBurst
		s.rateLimiter = ratelimit.New(rl)
		s.router.Use(s.rateLimiter.Middleware(ratelimit.ByClientIP))
	}

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Accept IDs from load balancers only when they look like ours.
		requestID := c.GetHeader("X-Request-ID")
		if !idgen.Valid(requestID) {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Debug("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// Unversioned endpoint for existing producers
	s.handler.RegisterLegacyRoutes(s.router)

	v1 := s.router.Group("/v1")
	s.handler.RegisterRoutes(v1)

	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	s.handler.RegisterAdminRoutes(admin)
	webhooks.NewHandler(s.webhookStore).RegisterRoutes(admin)
	admin.GET("/admin/realtime", s.realtimeStatsHandler)
	admin.GET("/admin/decay", s.decayStatusHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Profiles  int             `json:"profiles"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Profiles:  len(s.detector.Users()),
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"realtime": s.realtimeHub.Stats()})
}

func (s *Server) decayStatusHandler(c *gin.Context) {
	resp := gin.H{
		"running":  s.decayTimer.Running(),
		"interval": s.cfg.DecayInterval.String(),
	}
	if last := s.decayTimer.LastRun(); !last.IsZero() {
		resp["lastRun"] = last.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"version", Version,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.decayTimer.Start(runCtx)
	s.health.Register("decay_timer", health.Ping("decay_timer", func(context.Context) error {
		if !s.decayTimer.Running() {
			return errors.New("not running")
		}
		return nil
	}))

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		time.Sleep(shutdownGrace)
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Cancel the context for all background goroutines (hub, timer, collector)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.decayTimer.Stop()
	s.logger.Info("decay timer stopped")

	// In-flight profile and assessment writes still need the database.
	if err := s.detector.Drain(ctx); err != nil {
		s.logger.Warn("background writes did not finish", "error", err)
	}
	if err := s.webhooks.Drain(ctx); err != nil {
		s.logger.Warn("webhook deliveries did not finish", "error", err)
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	s.closeBackends()

	s.logger.Info("server stopped")
	return nil
}

// closeBackends releases external connections opened by New.
func (s *Server) closeBackends() {
	if s.nats != nil {
		if err := s.nats.Drain(); err != nil {
			s.logger.Error("nats drain error", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.geoip != nil {
		if err := s.geoip.Close(); err != nil {
			s.logger.Error("geoip close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Detector returns the detector for testing
func (s *Server) Detector() *detector.Detector {
	return s.detector
}
