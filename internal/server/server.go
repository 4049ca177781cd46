// Package server sets up the HTTP server with all routes
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
	"github.com/trustlesswork/demoengine/internal/account"
	"github.com/trustlesswork/demoengine/internal/config"
	"github.com/trustlesswork/demoengine/internal/demos"
	"github.com/trustlesswork/demoengine/internal/escrowrpc"
	"github.com/trustlesswork/demoengine/internal/eventbus"
	"github.com/trustlesswork/demoengine/internal/health"
	"github.com/trustlesswork/demoengine/internal/logging"
	"github.com/trustlesswork/demoengine/internal/metrics"
	"github.com/trustlesswork/demoengine/internal/notify"
	"github.com/trustlesswork/demoengine/internal/ratelimit"
	"github.com/trustlesswork/demoengine/internal/realtime"
	"github.com/trustlesswork/demoengine/internal/security"
	"github.com/trustlesswork/demoengine/internal/session"
	"github.com/trustlesswork/demoengine/internal/traces"
	"github.com/trustlesswork/demoengine/internal/validation"
	"github.com/trustlesswork/demoengine/internal/wallet"
)

// Version is reported by /health and in traces.
var Version = "dev"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	db           *sql.DB // nil if using in-memory
	accountStore account.Store
	accounts     *account.Service
	escrow       escrowrpc.Client
	signer       wallet.Signer
	wallets      *wallet.Registry
	catalog      *demos.Catalog
	bus          *eventbus.Bus
	nats         *eventbus.NATSForwarder
	realtimeHub  *realtime.Hub
	extraSinks   []notify.Sink
	webhook      *notify.WebhookSink
	sessions     *session.Manager
	reaper       *session.Reaper
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger

	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	unsubscribeHub func()

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

// WithEscrowClient replaces the escrow client chosen from config.
func WithEscrowClient(c escrowrpc.Client) Option {
	return func(s *Server) {
		s.escrow = c
	}
}

// WithSigner replaces the signer built from DEMO_SIGNER_KEY.
func WithSigner(signer wallet.Signer) Option {
	return func(s *Server) {
		s.signer = signer
	}
}

// WithAccountStore replaces the account store chosen from config.
func WithAccountStore(store account.Store) Option {
	return func(s *Server) {
		s.accountStore = store
	}
}

// WithNotifier adds a notification sink next to the log and hub sinks.
func WithNotifier(sink notify.Sink) Option {
	return func(s *Server) {
		s.extraSinks = append(s.extraSinks, sink)
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory
	if s.accountStore == nil {
		if cfg.DatabaseURL != "" {
			db, err := openDB(ctx, cfg.DatabaseURL)
			if err != nil {
				return nil, err
			}
			s.db = db
			s.accountStore = account.NewPostgresStore(db)
			s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
		} else {
			s.accountStore = account.NewMemoryStore()
			s.logger.Info("using in-memory storage (data will not persist)")
		}
	}
	s.accounts = account.NewService(s.accountStore, s.logger)

	if s.escrow == nil {
		if cfg.EscrowAPIURL != "" {
			s.escrow = escrowrpc.NewHTTPClient(escrowrpc.HTTPConfig{
				BaseURL: cfg.EscrowAPIURL,
				APIKey:  cfg.EscrowAPIKey,
			})
			s.logger.Info("escrow API enabled", "url", cfg.EscrowAPIURL)
		} else {
			s.escrow = escrowrpc.NewMockClient()
			s.logger.Info("escrow API not configured, using in-memory escrow")
		}
	}

	if s.signer == nil && cfg.SignerKey != "" {
		signer, err := wallet.NewLocalSigner(cfg.SignerKey, cfg.ChainID)
		if err != nil {
			return nil, fmt.Errorf("failed to create signer: %w", err)
		}
		s.signer = signer
		s.logger.Info("local signer enabled", "address", signer.Address(), "chain_id", cfg.ChainID)
	}
	s.wallets = wallet.NewRegistry(s.signer)

	fallback, err := demos.ParseSigningFallback(cfg.SigningFallback)
	if err != nil {
		return nil, err
	}
	s.catalog = demos.NewCatalog(demos.Config{
		Escrow:      s.escrow,
		Fallback:    fallback,
		Network:     cfg.Network,
		AutoResolve: cfg.AutoResolveDelay,
		Logger:      s.logger,
	})
	if cfg.CatalogFile != "" {
		if err := s.catalog.LoadFile(cfg.CatalogFile); err != nil {
			return nil, fmt.Errorf("failed to load demo catalog: %w", err)
		}
		s.logger.Info("demo catalog loaded", "file", cfg.CatalogFile)
	}

	// Events: in-process bus, mirrored to NATS when configured
	s.bus = eventbus.New(s.logger)
	if cfg.NATSURL != "" {
		fwd, err := eventbus.DialNATS(cfg.NATSURL)
		if err != nil {
			s.logger.Warn("NATS unavailable, events stay in-process", "error", err)
		} else {
			s.nats = fwd
			s.bus.AddForwarder(fwd)
			s.logger.Info("NATS event forwarding enabled")
		}
	}

	s.realtimeHub = realtime.NewHub(s.logger)
	s.unsubscribeHub = s.bus.SubscribeAll(s.realtimeHub.BroadcastBusEvent)

	sinks := notify.Multi{notify.NewLogSink(s.logger), notify.NewHubSink(s.realtimeHub)}
	if cfg.WebhookURL != "" {
		s.webhook = notify.NewWebhookSink(cfg.WebhookURL, cfg.WebhookSecret)
		sinks = append(sinks, s.webhook)
		s.logger.Info("notification webhook enabled")
	}
	sinks = append(sinks, s.extraSinks...)

	s.sessions = session.NewManager(session.Config{
		Catalog:   s.catalog,
		Wallets:   s.wallets,
		Network:   wallet.StaticNetwork(cfg.Network),
		Notifier:  sinks,
		Bus:       s.bus,
		Completer: s.accounts,
		History:   s.accounts,
		Logger:    s.logger,
	})
	s.reaper = session.NewReaper(s.sessions, cfg.SessionIdleTTL, s.logger)

	s.health = health.NewRegistry()
	s.health.Register("realtime", health.Loop("realtime", s.realtimeHub.Running))
	s.health.Register("session_reaper", health.Loop("session_reaper", s.reaper.Running))
	if s.db != nil {
		db := s.db
		s.health.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Healthy: false, Detail: err.Error()}
			}
			return health.Status{Healthy: true}
		})
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	if s.cfg.RateLimitRPM > 0 {
		rl := ratelimit.DefaultConfig()
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		s.rateLimiter = ratelimit.New(rl)
		s.router.Use(s.rateLimiter.Middleware())
	}

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Debug("request completed", attrs...)
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
	v1.GET("/demos", s.listDemos)

	session.NewHandler(s.sessions).RegisterRoutes(v1)
	account.NewHandler(s.accounts).RegisterRoutes(v1)

	wallets := v1.Group("/wallets/:address", validation.AddressParamMiddleware())
	wallets.GET("", s.getWallet)
	wallets.PUT("", s.putWallet)
	wallets.POST("/refund", s.refundWallet)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Route not found",
		})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Sessions  int             `json:"sessions"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Sessions:  s.sessions.Len(),
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

func (s *Server) listDemos(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"demos": s.catalog.List()})
}

// WalletRequest is the state the front-end reports for a wallet.
type WalletRequest struct {
	Connected bool   `json:"connected"`
	PublicKey string `json:"publicKey"`
	Network   string `json:"network"`
}

func (s *Server) getWallet(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"wallet": s.wallets.Get(c.Param("address"))})
}

func (s *Server) putWallet(c *gin.Context) {
	var req WalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.PublicKey != "" && !validation.IsValidWalletAddress(req.PublicKey) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "publicKey must be a Stellar public key (G...) or 0x address",
		})
		return
	}

	st := s.wallets.Set(c.Param("address"), wallet.State{
		Connected: req.Connected,
		PublicKey: req.PublicKey,
		Network:   validation.SanitizeString(req.Network, 32),
	})
	c.JSON(http.StatusOK, gin.H{"wallet": st})
}

// refundWallet publishes RefundRequested; the session manager resets every
// session of the wallet in response.
func (s *Server) refundWallet(c *gin.Context) {
	addr := c.Param("address")
	s.bus.Publish(c.Request.Context(), eventbus.Event{
		Type:       eventbus.TypeRefundRequested,
		WalletAddr: addr,
	})
	logging.L(c.Request.Context()).Info("refund requested", "wallet", addr)
	c.JSON(http.StatusAccepted, gin.H{"status": "reset", "sessions": len(s.sessions.List(addr))})
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
		s.logger.Info("starting server", "port", s.cfg.Port, "network", s.cfg.Network)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.reaper.Start(runCtx)
	go metrics.StartRuntimeCollector(runCtx, s.db, 15*time.Second)

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

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

	s.reaper.Stop()

	// Closing sessions cancels every pending auto-resolve timer.
	s.sessions.CloseAll()
	s.logger.Info("sessions closed")

	if s.webhook != nil {
		if err := s.webhook.Close(ctx); err != nil {
			s.logger.Error("webhook drain error", "error", err)
		}
	}

	if s.unsubscribeHub != nil {
		s.unsubscribeHub()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.nats != nil {
		if err := s.nats.Close(); err != nil {
			s.logger.Error("nats close error", "error", err)
		}
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
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
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Sessions exposes the session manager (used by tests and the MCP server).
func (s *Server) Sessions() *session.Manager {
	return s.sessions
}

// Wallets exposes the wallet registry.
func (s *Server) Wallets() *wallet.Registry {
	return s.wallets
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
