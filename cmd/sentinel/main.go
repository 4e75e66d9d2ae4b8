package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/bias-sentinel/internal/app"
	"github.com/raaihank/bias-sentinel/internal/config"
	"github.com/raaihank/bias-sentinel/internal/logger"
	"github.com/raaihank/bias-sentinel/internal/moderation"
	"github.com/raaihank/bias-sentinel/internal/server"
	"github.com/raaihank/bias-sentinel/internal/websocket"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.String("health-check", "", "Check the server at this base URL and exit")
		watch       = flag.Bool("watch", true, "Reload bias rules when the configuration file changes")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("bias-sentinel %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if *healthCheck != "" {
		performHealthCheck(*healthCheck)
		return
	}

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.FilePath = cfg.Logging.File.Path
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting bias-sentinel",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.String("config_file", loader.ConfigFile()),
		zap.Int("port", cfg.Server.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hub *websocket.Hub
	var events moderation.EventBroadcaster
	if cfg.WebSocket.Enabled {
		hub = websocket.NewHub(&websocket.HubConfig{
			BroadcastDetections:  cfg.WebSocket.Events.BroadcastDetections,
			BroadcastSystem:      cfg.WebSocket.Events.BroadcastSystem,
			BroadcastConnections: cfg.WebSocket.Events.BroadcastConnections,
			AllowedOrigins:       cfg.WebSocket.AllowedOrigins,
			ReadBufferSize:       cfg.WebSocket.ReadBufferSize,
			WriteBufferSize:      cfg.WebSocket.WriteBufferSize,
			PingInterval:         cfg.WebSocket.PingInterval,
			PongTimeout:          cfg.WebSocket.PongTimeout,
			WriteTimeout:         cfg.WebSocket.WriteTimeout,
			MaxMessageSize:       cfg.WebSocket.MaxMessageSize,
		}, log.Logger)
		events = hub
		go hub.Run(ctx)
	}

	services, err := app.Build(ctx, cfg, log, app.Options{Events: events})
	if err != nil {
		log.Fatal("Failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	opts := server.Options{
		Config:    cfg,
		Logger:    log,
		Moderator: services.Moderator,
		Hub:       hub,
		Metrics:   services.Metrics,
		Version:   version,
		ReloadBias: func() (config.BiasConfig, error) {
			fresh, err := loader.Load()
			if err != nil {
				return config.BiasConfig{}, err
			}
			return fresh.Bias, nil
		},
	}
	if services.Incidents != nil {
		opts.Incidents = services.Incidents
	}
	if services.Cache != nil {
		opts.Cache = services.Cache
	}

	srv, err := server.New(opts)
	if err != nil {
		log.Fatal("Failed to create server", zap.Error(err))
	}

	if *watch && loader.ConfigFile() != "" {
		loader.Watch(func(fresh *config.Config) {
			if err := services.Moderator.Reload(fresh.Bias); err != nil {
				log.Warn("Ignoring invalid bias rules from config change", zap.Error(err))
			}
		}, func(err error) {
			log.Warn("Configuration change rejected", zap.Error(err))
		})
		log.Info("Watching configuration for rule changes", zap.String("file", loader.ConfigFile()))
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start(ctx)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil {
			log.Error("Server error", zap.Error(err))
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
		}
		log.Info("Server shutdown complete")
	}
	cancel()
}

// performHealthCheck probes a running server
func performHealthCheck(baseURL string) {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
}
