package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vibetunnel/vibetunnel-server/pkg/api"
	"github.com/vibetunnel/vibetunnel-server/pkg/auth"
	"github.com/vibetunnel/vibetunnel-server/pkg/config"
	"github.com/vibetunnel/vibetunnel-server/pkg/hq"
	"github.com/vibetunnel/vibetunnel-server/pkg/logging"
	"github.com/vibetunnel/vibetunnel-server/pkg/portcheck"
	"github.com/vibetunnel/vibetunnel-server/pkg/pty"
	"github.com/vibetunnel/vibetunnel-server/pkg/session"
	"github.com/vibetunnel/vibetunnel-server/pkg/stream"
	"github.com/vibetunnel/vibetunnel-server/pkg/terminal"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vibetunnel-server",
	Short: "VibeTunnel terminal multiplexer server",
	Long:  `A web-based terminal multiplexer with distributed architecture support.`,
	RunE:  runServer,
}

func init() {
	if err := config.BindFlags(viper.GetViper(), rootCmd.Flags()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	rootCmd.MarkFlagRequired("static")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	if !cfg.HasAuth() {
		log.Warn("no authentication configured; set --username/--password or VIBETUNNEL_USERNAME/VIBETUNNEL_PASSWORD")
	}

	// Generate bearer token for remote mode
	if cfg.IsRemoteMode() {
		cfg.BearerToken = uuid.New().String()
	}

	// Create control directory
	if err := os.MkdirAll(cfg.ControlDir, 0755); err != nil {
		return fmt.Errorf("failed to create control directory: %v", err)
	}

	// Initialize services
	ptyManager := pty.NewManager(cfg)
	sessionManager := session.NewManager(cfg, ptyManager)
	terminalManager := terminal.NewManager(cfg, log)
	streamWatcher := stream.NewWatcher(cfg)
	bufferAggregator := stream.NewBufferAggregator(cfg, terminalManager)

	// Initialize HQ-specific services
	var remoteRegistry *hq.RemoteRegistry
	var hqClient *hq.Client
	if cfg.IsHQMode {
		remoteRegistry = hq.NewRemoteRegistry(cfg)
	} else if cfg.IsRemoteMode() {
		hqClient = hq.NewClient(cfg)
	}

	// Create Gin router
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapRequestLogger(log))

	// Apply authentication middleware
	authMiddleware := auth.NewMiddleware(cfg)
	apiGroup := router.Group("/api")
	apiGroup.Use(authMiddleware)

	// Health check endpoint (no auth)
	router.GET("/api/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
			"mode":      cfg.GetServerMode(),
		})
	})

	// Register API routes
	apiHandler := api.NewHandler(cfg, sessionManager, terminalManager, streamWatcher, bufferAggregator, remoteRegistry)
	apiHandler.RegisterRoutes(apiGroup)

	// WebSocket server
	wsServer := stream.NewWebSocketServer(cfg, bufferAggregator)
	router.GET("/buffers", wsServer.HandleWebSocket)

	// Static files - serve index.html for all non-API routes
	router.NoRoute(func(c *gin.Context) {
		// If it's an API route, return 404
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(404, gin.H{"error": "Not found"})
			return
		}

		// Try to serve the exact file first
		filePath := filepath.Join(cfg.StaticPath, c.Request.URL.Path)
		if _, err := os.Stat(filePath); err == nil {
			c.File(filePath)
			return
		}

		// Otherwise serve index.html for client-side routing
		c.File(filepath.Join(cfg.StaticPath, "index.html"))
	})

	// Resolve any port conflict before binding (§4.8). A self-managed
	// owner (a previous instance of our own binaries) is terminated
	// automatically; an external owner aborts startup with alternatives.
	if conflict, err := portcheck.Check(cfg.Port); err != nil {
		log.Warn("port conflict check failed, proceeding anyway", zap.Error(err))
	} else if conflict != nil {
		if conflict.SelfManaged {
			log.Info("terminating stale self-managed process holding port",
				zap.Int("port", cfg.Port), zap.Int32("pid", conflict.Owner.PID))
			if err := portcheck.Kill(conflict); err != nil {
				return fmt.Errorf("failed to free port %d: %v", cfg.Port, err)
			}
		} else {
			return fmt.Errorf("port %d is in use by %s (pid %d); try one of: %v",
				cfg.Port, conflict.Owner.Name, conflict.Owner.PID, conflict.AlternativePorts)
		}
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: router,
	}

	// Start control directory watcher
	controlWatcher := session.NewControlDirWatcher(cfg, sessionManager)
	if err := controlWatcher.Start(); err != nil {
		return fmt.Errorf("failed to start control directory watcher: %v", err)
	}

	// Start cleanup timers
	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	go func() {
		for range cleanupTicker.C {
			terminalManager.CleanupIdleSessions()
		}
	}()

	// Register with HQ if in remote mode
	if cfg.IsRemoteMode() {
		go func() {
			// Give server time to start
			time.Sleep(2 * time.Second)
			if err := hqClient.Register(); err != nil {
				log.Error("failed to register with HQ", zap.Error(err))
			}
		}()
	}

	// Start server
	go func() {
		serverAddr := fmt.Sprintf("http://localhost:%d", cfg.Port)
		if cfg.Host != "" {
			serverAddr = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
		}
		log.Info("vibetunnel server listening",
			zap.String("mode", cfg.GetServerMode()),
			zap.String("addr", serverAddr))

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server")

	// Shutdown sequence
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Stop services
	cleanupTicker.Stop()
	controlWatcher.Stop()

	// Unregister from HQ
	if hqClient != nil {
		hqClient.Unregister()
	}

	// Stop remote registry
	if remoteRegistry != nil {
		remoteRegistry.Stop()
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server exiting")
	return nil
}

// zapRequestLogger replaces gin's default text-format request logger
// with structured fields, so access logs follow the rest of the
// server's logging.
func zapRequestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		log.Info("request",
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
