// Package server wires storage, services and transport into the HTTP API.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/covenant/internal/arbitration"
	"github.com/mbd888/covenant/internal/auth"
	"github.com/mbd888/covenant/internal/clock"
	"github.com/mbd888/covenant/internal/config"
	"github.com/mbd888/covenant/internal/escrow"
	"github.com/mbd888/covenant/internal/events"
	"github.com/mbd888/covenant/internal/health"
	"github.com/mbd888/covenant/internal/ledger"
	"github.com/mbd888/covenant/internal/logging"
	"github.com/mbd888/covenant/internal/metrics"
	"github.com/mbd888/covenant/internal/ratelimit"
	"github.com/mbd888/covenant/internal/realtime"
	"github.com/mbd888/covenant/internal/reconciliation"
	"github.com/mbd888/covenant/internal/relay"
	"github.com/mbd888/covenant/internal/security"
	"github.com/mbd888/covenant/internal/traces"
	"github.com/mbd888/covenant/internal/validation"
)

// MaxRequestSize bounds request bodies. A maximal relay payload travels as
// hex inside JSON, so this sits well above relay.MaxPayloadBytes.
const MaxRequestSize = 512 << 10

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string
	clock   clock.Clock

	db              *sql.DB // nil if using in-memory
	authMgr         *auth.Manager
	ledger          *ledger.Ledger
	emitter         *events.Emitter
	kafkaSink       *events.KafkaSink
	realtimeHub     *realtime.Hub
	arbitrators     *arbitration.Registry
	escrowService   *escrow.Service
	relayService    *relay.Service
	stallMonitor    *arbitration.StallMonitor
	relayTimer      *relay.Timer
	reconciler      *reconciliation.Service
	reconcileTimer  *reconciliation.Timer
	rateLimiter     *ratelimit.Limiter
	health          *health.Registry
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	drainDelay      time.Duration

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

// WithClock replaces the time source of every service (for testing).
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithVersion sets the version reported by /health and the tracer.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers before
// closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		clock:      clock.System{},
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
		health:     health.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdownTracing

	if err := s.setupAuth(); err != nil {
		return nil, err
	}
	if err := s.setupEvents(); err != nil {
		return nil, err
	}

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		ledgerStore      ledger.Store
		escrowStore      escrow.Store
		arbitrationStore arbitration.Store
		packetStore      relay.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		ledgerStore = ledger.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		arbitrationStore = arbitration.NewPostgresStore(db)
		packetStore = relay.NewPostgresStore(db)
		s.health.Register("database", health.DBChecker(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		ledgerStore = ledger.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore()
		arbitrationStore = arbitration.NewMemoryStore()
		packetStore = relay.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.ledger = ledger.New(ledgerStore)

	s.arbitrators = arbitration.NewRegistry(arbitrationStore).
		WithEmitter(s.emitter).
		WithClock(s.clock).
		WithStallAfter(cfg.EscrowStallAfter).
		WithLogger(s.logger)

	s.escrowService = escrow.NewService(escrowStore, s.ledger).
		WithArbitration(s.arbitrators, s.arbitrators).
		WithCustodyAccount(ledger.EscrowAccount).
		WithEmitter(s.emitter).
		WithClock(s.clock).
		WithLogger(s.logger)
	s.logger.Info("escrow enabled")

	s.relayService = relay.NewService(packetStore).
		WithEmitter(s.emitter).
		WithClock(s.clock).
		WithDefaultTimeout(cfg.PacketDefaultTimeout).
		WithMaxRetries(cfg.PacketMaxRetries).
		WithLogger(s.logger)
	s.logger.Info("relay enabled",
		"default_timeout", cfg.PacketDefaultTimeout.String(),
		"max_retries", cfg.PacketMaxRetries,
	)

	// Background loops. A zero interval leaves sweeping to an external
	// scheduler calling the HTTP endpoints.
	s.health.Register("realtime", health.LoopChecker("realtime", s.realtimeHub))
	if cfg.StallScanInterval > 0 {
		s.stallMonitor = arbitration.NewStallMonitor(s.arbitrators, s.escrowService, cfg.StallScanInterval, s.logger)
		s.health.Register("stall_monitor", health.LoopChecker("stall_monitor", s.stallMonitor))
	}
	if cfg.RelaySweepInterval > 0 {
		s.relayTimer = relay.NewTimer(s.relayService, cfg.RelaySweepInterval, s.logger)
		s.health.Register("relay_timer", health.LoopChecker("relay_timer", s.relayTimer))
	}
	s.reconciler = reconciliation.NewService(s.ledger, s.escrowService, ledger.EscrowAccount).WithLogger(s.logger)
	if cfg.ReconcileInterval > 0 {
		s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
		s.health.Register("reconciliation", health.LoopChecker("reconciliation", s.reconcileTimer))
	}

	if cfg.RateLimitPerMinute > 0 {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimitPerMinute,
			BurstSize:         cfg.RateLimitBurst,
		}, s.clock)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

func (s *Server) setupAuth() error {
	secret := s.cfg.JWTSecret
	if secret == "" {
		if !s.cfg.IsDevelopment() {
			return errors.New("JWT_SECRET is required outside development")
		}
		secret = randomHex(32)
		s.logger.Warn("JWT_SECRET not set, using an ephemeral development secret")
	}
	m, err := auth.NewManager(secret, s.cfg.JWTIssuer)
	if err != nil {
		return fmt.Errorf("failed to create auth manager: %w", err)
	}
	s.authMgr = m
	return nil
}

func (s *Server) setupEvents() error {
	s.realtimeHub = realtime.NewHub(s.logger)

	sinks := []events.Sink{events.NewLogSink(s.logger), events.NewHubSink(s.realtimeHub)}
	if len(s.cfg.KafkaBrokers) > 0 {
		k, err := events.NewKafkaSink(s.cfg.KafkaBrokers, s.cfg.KafkaTopic, s.logger)
		if err != nil {
			return fmt.Errorf("failed to create kafka sink: %w", err)
		}
		s.kafkaSink = k
		sinks = append(sinks, k)
		s.logger.Info("audit events published to kafka", "topic", s.cfg.KafkaTopic)
	}
	s.emitter = events.NewEmitter(s.logger, sinks...)
	return nil
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Identity before rate limiting so verified callers get their own bucket.
	s.router.Use(auth.Middleware(s.authMgr))
	if s.rateLimiter != nil {
		s.router.Use(s.rateLimiter.Middleware(func(c *gin.Context) string {
			if caller := auth.Caller(c); caller != "" {
				return "caller:" + caller
			}
			return ""
		}))
	}
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	protected := v1.Group("", auth.RequireAuth())

	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	ledgerHandler.RegisterRoutes(v1)

	escrowHandler := escrow.NewHandler(s.escrowService, s.logger)
	escrowHandler.RegisterRoutes(v1)
	escrowHandler.RegisterProtectedRoutes(protected)

	arbitrationHandler := arbitration.NewHandler(s.arbitrators, s.escrowService, s.logger)
	arbitrationHandler.RegisterRoutes(v1)
	arbitrationHandler.RegisterProtectedRoutes(protected)

	relayHandler := relay.NewHandler(s.relayService, s.logger)
	relayHandler.RegisterRoutes(v1)
	relayHandler.RegisterProtectedRoutes(protected)

	reconciliation.NewHandler(s.reconciler, s.logger).RegisterProtectedRoutes(protected)

	// Faucet deposits and token minting exist only for local development.
	if s.cfg.IsDevelopment() {
		dev := v1.Group("/dev")
		ledgerHandler.RegisterDevRoutes(dev)
		dev.POST("/token", s.devTokenHandler)
		s.logger.Warn("development routes enabled", "prefix", "/v1/dev")
	}
}

type devTokenRequest struct {
	Address string `json:"address" binding:"required"`
}

func (s *Server) devTokenHandler(c *gin.Context) {
	var req devTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "address is required"})
		return
	}
	if !validation.IsValidAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "address must be a 0x-prefixed hex address"})
		return
	}
	token, err := s.authMgr.IssueToken(validation.NormalizeAddress(req.Address), auth.DefaultTokenTTL)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to issue token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to issue token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresIn": int(auth.DefaultTokenTTL.Seconds())})
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Realtime  map[string]any  `json:"realtime,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	ok, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Realtime:  s.realtimeHub.Stats(),
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startBackground(runCtx)

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

// startBackground launches the hub, the sweepers and the DB stats sampler.
func (s *Server) startBackground(ctx context.Context) {
	go s.realtimeHub.Run(ctx)
	if s.stallMonitor != nil {
		go s.stallMonitor.Start(ctx)
	}
	if s.relayTimer != nil {
		go s.relayTimer.Start(ctx)
	}
	if s.reconcileTimer != nil {
		go s.reconcileTimer.Start(ctx)
	}
	if s.rateLimiter != nil {
		go s.rateLimiter.Cleanup(ctx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, 15*time.Second)
	}
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	if s.stallMonitor != nil {
		s.stallMonitor.Stop()
		s.logger.Info("stall monitor stopped")
	}
	if s.relayTimer != nil {
		s.relayTimer.Stop()
		s.logger.Info("relay timer stopped")
	}
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	if s.kafkaSink != nil {
		if err := s.kafkaSink.Close(); err != nil {
			s.logger.Error("kafka sink close error", "error", err)
		}
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracer shutdown error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// AuthManager returns the token manager, e.g. for issuing test tokens.
func (s *Server) AuthManager() *auth.Manager {
	return s.authMgr
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	return randomHex(16)
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
