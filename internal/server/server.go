// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"github.com/jfenske/marketledger/internal/audit"
	"github.com/jfenske/marketledger/internal/automation"
	"github.com/jfenske/marketledger/internal/balance"
	"github.com/jfenske/marketledger/internal/commission"
	"github.com/jfenske/marketledger/internal/config"
	"github.com/jfenske/marketledger/internal/database"
	"github.com/jfenske/marketledger/internal/events"
	"github.com/jfenske/marketledger/internal/finance"
	"github.com/jfenske/marketledger/internal/health"
	"github.com/jfenske/marketledger/internal/ledger"
	"github.com/jfenske/marketledger/internal/logging"
	"github.com/jfenske/marketledger/internal/metrics"
	"github.com/jfenske/marketledger/internal/money"
	"github.com/jfenske/marketledger/internal/payments"
	"github.com/jfenske/marketledger/internal/payout"
	"github.com/jfenske/marketledger/internal/ratelimit"
	"github.com/jfenske/marketledger/internal/reconciliation"
	"github.com/jfenske/marketledger/internal/security"
	"github.com/jfenske/marketledger/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	ledger       *ledger.Service
	balances     *balance.Service
	commissions  *commission.Service
	payouts      *payout.Service
	finance      *finance.Service
	reconciler   *reconciliation.Service
	automation   *automation.Service
	reconTimer   *reconciliation.Timer
	autoTimer    *automation.Timer
	publisher    events.Publisher
	provider     payments.Provider
	rateLimiter  *ratelimit.Limiter
	checks       *health.Registry
	db           *sql.DB // nil if using in-memory
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

// WithProvider sets a custom payment provider (for testing)
func WithProvider(p payments.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		checks: health.NewRegistry(),
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set provider/logger)
	for _, opt := range opts {
		opt(s)
	}

	threshold, err := money.ParsePositive(cfg.AutoApproveThreshold)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTO_APPROVE_THRESHOLD: %w", err)
	}
	maxVolume, err := money.ParsePositive(cfg.AutoApproveMaxVolume)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTO_APPROVE_MAX_VOLUME: %w", err)
	}

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		txRunner        database.TxRunner
		sink            audit.Logger
		ledgerStore     ledger.Store
		balanceStore    balance.Store
		commissionStore commission.Store
		payoutStore     payout.Store
		txStore         finance.TransactionStore
		refundStore     finance.RefundStore
	)

	if cfg.DatabaseURL != "" {
		raw, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		raw.SetMaxOpenConns(25)
		raw.SetMaxIdleConns(5)
		raw.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := raw.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		db := database.New(raw)
		s.db = raw
		txRunner = db
		sink = audit.NewPostgresLogger(db)
		ledgerStore = ledger.NewPostgresStore(db)
		balanceStore = balance.NewPostgresStore(db)
		commissionStore = commission.NewPostgresStore(db)
		payoutStore = payout.NewPostgresStore(db)
		txStore = finance.NewPostgresTransactionStore(db)
		refundStore = finance.NewPostgresRefundStore(db)

		s.checks.Register("database", func(ctx context.Context) health.Status {
			ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			if err := raw.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})

		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		txRunner = database.Passthrough{}
		sink = audit.NewMemoryLogger()
		ledgerStore = ledger.NewMemoryStore()
		balanceStore = balance.NewMemoryStore()
		commissionStore = commission.NewMemoryStore()
		payoutStore = payout.NewMemoryStore()
		txStore = finance.NewMemoryTransactionStore()
		refundStore = finance.NewMemoryRefundStore()

		s.logger.Warn("using in-memory storage (set DATABASE_URL for persistence)")
	}

	// Payment provider
	if s.provider == nil {
		if cfg.StripeSecretKey != "" {
			s.provider = payments.NewStripeProvider(cfg.StripeSecretKey, s.logger)
			s.logger.Info("stripe payout provider enabled")
		} else {
			s.provider = payments.NewMockProvider()
			s.logger.Warn("using mock payment provider (set STRIPE_SECRET_KEY for real payouts)")
		}
	}

	// Event publisher
	if len(cfg.KafkaBrokers) > 0 {
		s.publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, s.logger)
		s.logger.Info("kafka event publishing enabled", "topic", cfg.KafkaTopic)
	} else {
		s.publisher = events.NopPublisher{}
	}

	// Domain services
	s.ledger = ledger.New(ledgerStore, sink, s.logger)
	s.balances = balance.NewService(balanceStore, s.ledger, s.logger).
		WithRecorder(metrics.MutationRecorder{})
	s.commissions = commission.NewService(commissionStore, s.logger)
	s.payouts = payout.NewService(payoutStore, s.balances, s.provider, sink, s.logger)
	s.finance = finance.NewService(
		txRunner, txStore, refundStore,
		s.commissions, s.balances, s.ledger, payoutStore,
		s.publisher, sink, s.logger,
	)
	s.payouts.WithCompleter(s.finance)

	s.reconciler = reconciliation.NewService(s.balances, s.ledger, s.payouts, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	limiter := automation.NewRateLimiter(cfg.AutoApproveMaxCount, maxVolume, time.Now)
	s.automation = automation.NewService(s.payouts, s.reconciler, limiter, threshold, s.logger)
	s.autoTimer = automation.NewTimer(s.automation, cfg.AutomationInterval, s.logger)

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		ctx = audit.WithRequestID(ctx, requestID)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// adminAuthMiddleware gates the admin group on the X-Admin-Secret header.
// Development mode with no secret configured leaves the group open.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsProduction() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access not configured"})
				return
			}
			c.Next()
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.AdminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin secret"})
			return
		}

		ctx := audit.WithActor(c.Request.Context(), "admin")
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/healthz", s.healthHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	{
		balance.RegisterRoutes(v1, s.balances)
		ledger.RegisterRoutes(v1, s.ledger)
		payout.RegisterRoutes(v1, s.payouts)
		finance.RegisterRoutes(v1, s.finance)

		admin := v1.Group("/admin")
		admin.Use(s.adminAuthMiddleware())
		{
			payout.RegisterAdminRoutes(admin, s.payouts)
			finance.RegisterAdminRoutes(admin, s.finance)
			reconciliation.RegisterAdminRoutes(admin, s.reconciler)
			automation.RegisterAdminRoutes(admin, s.automation)
		}
	}
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse is the aggregate health payload.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
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

// Run starts the server and blocks until shutdown
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

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start reconciliation sweep timer
	go s.reconTimer.Start(runCtx)

	// Start auto-approval timer
	go s.autoTimer.Start(runCtx)

	// Sample DB pool stats into Prometheus
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

	// Cancel the context for all background goroutines (timers, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Stop timers
	s.reconTimer.Stop()
	s.autoTimer.Stop()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Flush the event publisher
	if err := s.publisher.Close(); err != nil {
		s.logger.Error("publisher close error", "error", err)
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Finance returns the orchestration service for testing
func (s *Server) Finance() *finance.Service {
	return s.finance
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
