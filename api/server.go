package api

import (
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gapeva/gapeva-core/internal/wallet"
)

// Server represents the API server
type Server struct {
	router    *gin.Engine
	logger    *zap.Logger
	wallets   wallet.WalletService
	auth      Authenticator
	validator *validator.Validate
}

// NewServer creates a new API server with injected service interfaces
func NewServer(logger *zap.Logger, wallets wallet.WalletService, auth Authenticator) *Server {
	server := &Server{
		logger:    logger,
		wallets:   wallets,
		auth:      auth,
		validator: validator.New(),
	}

	router := gin.New()

	// Add middleware
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	// Configure CORS
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	server.router = router
	server.registerRoutes()
	return server
}

// Start starts the API server
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting API server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// registerRoutes registers all API routes
func (s *Server) registerRoutes() {
	// Public routes
	public := s.router.Group("/api/v1")
	{
		// Metrics endpoint
		public.GET("/metrics", gin.WrapH(promhttp.Handler()))

		// Health check
		public.GET("/health", s.healthCheck)
	}

	// Protected routes (require an authenticated caller)
	protected := s.router.Group("/api/v1")
	protected.Use(s.identityMiddleware())
	{
		wallets := protected.Group("/wallets")
		{
			wallets.GET("/", s.getWallet)
			wallets.POST("/validate-deposit", s.validateDeposit)
			wallets.POST("/verify-deposit", s.verifyDeposit)
			wallets.POST("/withdraw", s.withdraw)
			wallets.POST("/allocate", s.allocate)
			wallets.POST("/deallocate", s.deallocate)
			wallets.GET("/history", s.getHistory)
			wallets.GET("/reconcile", s.reconcileWallet)
		}
	}

	// Payout operator routes
	admin := s.router.Group("/api/v1/admin")
	admin.Use(s.identityMiddleware())
	{
		admin.GET("/payouts/pending", s.listPendingPayouts)
		admin.POST("/payouts/:id/settle", s.settlePayout)
		admin.POST("/payouts/:id/reject", s.rejectPayout)
		admin.POST("/accounts/:user_id/deactivate", s.deactivateAccount)
	}
}

// healthCheck handles the health check endpoint
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(200, gin.H{
		"status": "ok",
		"time":   time.Now(),
	})
}
