// Package server sets up the node gateway: the HTTP API local clients use
// and the inbox peers deliver to.
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
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/tradenode/internal/chain"
	"github.com/mbd888/tradenode/internal/config"
	"github.com/mbd888/tradenode/internal/escrow"
	"github.com/mbd888/tradenode/internal/listing"
	"github.com/mbd888/tradenode/internal/logging"
	"github.com/mbd888/tradenode/internal/messaging"
	"github.com/mbd888/tradenode/internal/metrics"
	"github.com/mbd888/tradenode/internal/moderator"
	"github.com/mbd888/tradenode/internal/node"
	"github.com/mbd888/tradenode/internal/order"
	"github.com/mbd888/tradenode/internal/ratelimit"
	"github.com/mbd888/tradenode/internal/security"
	"github.com/mbd888/tradenode/internal/traces"
	"github.com/mbd888/tradenode/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP gateway and the node behind it
type Server struct {
	cfg          *config.Config
	node         *node.Node
	db           *sql.DB // nil unless DATABASE_URL is set
	rateLimiter  *ratelimit.Limiter
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc

	shutdownTraces func(context.Context) error
	shutdownCh     chan struct{}
	shutdownOnce   sync.Once
	drainDelay     time.Duration

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

// WithNode serves an already assembled node instead of building one from
// config (for testing)
func WithNode(n *node.Node) Option {
	return func(s *Server) {
		s.node = n
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		shutdownCh: make(chan struct{}),
		drainDelay: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.node == nil {
		n, err := s.buildNode()
		if err != nil {
			return nil, err
		}
		s.node = n
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

// buildNode assembles storage, ledger and transport from config.
func (s *Server) buildNode() (*node.Node, error) {
	cfg := s.cfg

	key, err := crypto.HexToECDSA(cfg.NodeKey)
	if err != nil {
		return nil, fmt.Errorf("invalid NODE_KEY: %w", err)
	}

	ncfg := node.Config{
		Key:               key,
		ReconcileInterval: cfg.ReconcileInterval,
		OutboxInterval:    cfg.OutboxInterval,
		MaxAttempts:       cfg.MessageMaxAttempts,
		Logger:            s.logger,
	}

	// Storage: Postgres if DATABASE_URL set, leveldb if DATA_DIR set, otherwise in-memory
	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		ncfg.DB = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	case cfg.DataDir != "":
		ncfg.DataDir = cfg.DataDir
		s.logger.Info("using leveldb storage", "dir", cfg.DataDir)
	default:
		s.logger.Warn("no DATABASE_URL or DATA_DIR, orders are kept in memory")
	}

	// Ledger: real chain if RPC_URL set, otherwise a private simulated ledger
	if cfg.UsesChain() {
		adapter, err := chain.NewEthereumAdapter(chain.EthereumConfig{
			RPCURL:        cfg.RPCURL,
			PrivateKey:    cfg.NodeKey,
			ChainID:       cfg.ChainID,
			TokenContract: cfg.TokenContract,
			EscrowFactory: cfg.EscrowFactory,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect ledger: %w", err)
		}
		ncfg.Ledger = adapter
		s.logger.Info("using EVM ledger", "chainId", cfg.ChainID)
	} else {
		ncfg.Ledger = chain.NewMemoryNetwork().NewWallet()
		s.logger.Warn("no RPC_URL, using the in-memory demo ledger")
	}

	transport := messaging.NewHTTPTransport(cfg.Peers, 10*time.Second)
	ncfg.Transport = transport
	ncfg.Listings = listing.NewRemoteResolver(listing.NewMemoryStore(), transport, 10*time.Second)
	ncfg.Moderators = moderator.NewRemoteRegistry(moderator.NewMemoryRegistry(), transport, 10*time.Second)
	ncfg.Builder = escrow.NewBuilder(
		common.HexToAddress(cfg.EscrowFactory),
		common.HexToHash(cfg.EscrowInitCode),
		cfg.EscrowThreshold,
	)

	n, err := node.New(ncfg)
	if err != nil {
		if s.db != nil {
			_ = s.db.Close()
		}
		return nil, err
	}
	return n, nil
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
			"error":  "internal_error",
			"reason": "an unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.FromRPS(s.cfg.RateLimitRPS))
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Keep an upstream request ID when there is one
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
	// Health & observability
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.node.Hub().HandleWebSocket(c.Writer, c.Request)
	})

	// Wallet
	chain.NewHandler(s.node.Ledger()).RegisterRoutes(s.router.Group("/wallet"))

	// Marketplace API and peer inbox
	ob := s.router.Group("/ob")
	order.NewHandler(s.node.Orders()).RegisterRoutes(ob)
	listing.NewHandler(s.node.Listings(), s.node.ID()).RegisterRoutes(ob)
	moderator.NewHandler(s.node.Moderators(), s.node.RegisterModerator).RegisterRoutes(ob)
	ob.GET("/profile", s.getProfile)
	ob.POST("/profile", s.setProfile)
	ob.POST("/inbox", s.inboxHandler)
	ob.POST("/shutdown", s.shutdownHandler)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "reason": "not found"})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string `json:"status"`
	PeerID    string `json:"peerId"`
	Storage   string `json:"storage"`
	Checks    any    `json:"checks"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.node.Health().CheckAll(ctx)
	status, httpStatus := "healthy", http.StatusOK
	if !healthy {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		PeerID:    s.node.ID(),
		Storage:   s.node.StorageKind(),
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

func (s *Server) getProfile(c *gin.Context) {
	c.JSON(http.StatusOK, s.node.Profile())
}

func (s *Server) setProfile(c *gin.Context) {
	var p node.Profile
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "invalid_request",
			"reason": "invalid request body: " + err.Error(),
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("name", p.Name),
		validation.MaxLength("name", p.Name, 200),
		validation.MaxLength("description", p.Description, validation.MaxTextLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "reason": errs.Error(), "details": errs})
		return
	}
	p.Name = validation.SanitizeString(p.Name, 200)
	p.Description = validation.SanitizeString(p.Description, validation.MaxTextLength)
	c.JSON(http.StatusOK, s.node.SetProfile(p))
}

// inboxHandler accepts a signed envelope from a peer. The status tells the
// sender whether to retry: 200 accepted, 409 retry later, 400 never.
func (s *Server) inboxHandler(c *gin.Context) {
	var env messaging.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "protocol_error", "reason": "malformed envelope: " + err.Error()})
		return
	}

	ctx := logging.WithOrderID(c.Request.Context(), env.OrderID)
	err := s.node.Messenger().Receive(ctx, &env)
	status := messaging.StatusFor(err)
	if err == nil {
		c.JSON(status, gin.H{"status": "accepted", "id": env.ID})
		return
	}
	if status >= http.StatusInternalServerError {
		logging.L(ctx).Error("inbox message failed", "kind", env.Kind, "sender", env.Sender, "error", err)
	}
	c.JSON(status, gin.H{"error": "protocol_error", "reason": err.Error()})
}

func (s *Server) shutdownHandler(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{"status": "shutting_down"})
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the node and the HTTP server, and blocks until a signal,
// ctx cancellation or POST /ob/shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	traces.SetServiceName("tradenode")
	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

	if err := s.node.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start node: %w", err)
	}

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
		s.logger.Info("starting gateway",
			"port", s.cfg.Port,
			"peerId", s.node.ID(),
			"storage", s.node.StorageKind(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.ready.Store(true)
	s.logger.Info("gateway ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-s.shutdownCh:
		s.logger.Info("shutdown requested over the API")
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server and the node
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.httpSrv != nil && s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	if err := s.node.Stop(); err != nil {
		s.logger.Error("node stop error", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.node.Ledger().Close(); err != nil {
		s.logger.Error("ledger close error", "error", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Node returns the node behind the gateway
func (s *Server) Node() *node.Node {
	return s.node
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
