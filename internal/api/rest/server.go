package rest

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenShotCore/internal/api/websocket"
	"github.com/KevinKickass/OpenShotCore/internal/auth"
	"github.com/KevinKickass/OpenShotCore/internal/contract"
	"github.com/KevinKickass/OpenShotCore/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
}

func NewServer(lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	if !lm.Config().Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", lm.Config().Server.HTTPPort),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// Long enough for a synchronous CONFIGURE or STOP
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens in the background. Bind errors are returned directly.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// ==================== AUTH ====================
		v1.POST("/auth/login", s.login)
		v1.GET("/auth/me", s.authService.AuthMiddleware(), s.getCurrentUser)

		// ==================== SYSTEM (OPERATOR+) ====================
		system := v1.Group("/system")
		system.Use(s.authService.AuthMiddleware())
		system.Use(auth.RequirePermission(auth.PermOperator))
		{
			system.GET("/status", s.getSystemStatus)
			system.POST("/shutdown", auth.RequirePermission(auth.PermAdmin), s.shutdown)
		}

		// ==================== DESCRIPTORS (OPERATOR+) ====================
		descriptors := v1.Group("/descriptors")
		descriptors.Use(s.authService.AuthMiddleware())
		descriptors.Use(auth.RequirePermission(auth.PermOperator))
		{
			descriptors.GET("", s.listDescriptors)
			descriptors.GET("/:kind", s.getDescriptor)
			descriptors.POST("/validate", s.validateDescriptor)
		}

		// ==================== DEVICES ====================
		devices := v1.Group("/devices")
		devices.Use(s.authService.AuthMiddleware())
		{
			// Read and drive: Operator+
			devices.GET("", auth.RequirePermission(auth.PermOperator), s.listDevices)
			devices.GET("/:id", auth.RequirePermission(auth.PermOperator), s.getDevice)
			devices.GET("/:id/parameters", auth.RequirePermission(auth.PermOperator), s.getParameters)
			devices.GET("/:id/faults", auth.RequirePermission(auth.PermOperator), s.getFaults)
			devices.POST("/:id/check", auth.RequirePermission(auth.PermOperator), s.lifecycle(contract.OpCheck))
			devices.POST("/:id/configure", auth.RequirePermission(auth.PermOperator), s.lifecycle(contract.OpConfigure))
			devices.POST("/:id/start", auth.RequirePermission(auth.PermOperator), s.lifecycle(contract.OpStart))
			devices.POST("/:id/stop", auth.RequirePermission(auth.PermOperator), s.lifecycle(contract.OpStop))
			devices.POST("/:id/demand", auth.RequirePermission(auth.PermOperator), s.writeDemand)

			// Instances and recipes: Admin only
			devices.POST("", auth.RequirePermission(auth.PermAdmin), s.createDevice)
			devices.PUT("/:id/parameters", auth.RequirePermission(auth.PermAdmin), s.setParameter)
		}

		// ==================== SHOTS (OPERATOR+) ====================
		shots := v1.Group("/shots")
		shots.Use(s.authService.AuthMiddleware())
		shots.Use(auth.RequirePermission(auth.PermOperator))
		{
			shots.GET("", s.shotHistory)
			shots.POST("", s.startShot)
			shots.GET("/current", s.currentShot)
			shots.POST("/abort", s.abortShot)
		}

		// ==================== WEBSOCKET (PUBLIC - Auth via first message) ====================
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.authService.AuthMiddleware(), auth.RequirePermission(auth.PermOperator), s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"state":     s.lm.GetCurrentStatus().State,
		"timestamp": time.Now().Unix(),
	})
}
