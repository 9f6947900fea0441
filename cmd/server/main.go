package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/printer-dashboard/relay/internal/api"
	"github.com/printer-dashboard/relay/internal/config"
	"github.com/printer-dashboard/relay/internal/metrics"
	"github.com/printer-dashboard/relay/internal/mqtt"
	"github.com/printer-dashboard/relay/internal/relay"
	"github.com/printer-dashboard/relay/internal/session"
	"github.com/printer-dashboard/relay/internal/snapshot"
	"github.com/printer-dashboard/relay/internal/storage"
	"github.com/printer-dashboard/relay/internal/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		envFile    string
	)
	pflag.StringVar(&configPath, "config", "", "path to the YAML config (default: relay.yaml next to the executable)")
	pflag.StringVar(&envFile, "env-file", ".env", "dotenv file with CONNECTION_KEY and other overrides")
	pflag.Parse()

	if configPath == "" {
		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}
		configPath = filepath.Join(filepath.Dir(exePath), "relay.yaml")
	}

	cfg, err := config.LoadConfig(configPath, envFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)
	api.ShowErrorDetails = cfg.LogLevel() == slog.LevelDebug

	// A log that cannot be opened is the one fatal startup failure
	fl, err := storage.OpenFileLog(cfg.LogPath(), storage.Options{NoSync: cfg.Storage.NoSync})
	if err != nil {
		return fmt.Errorf("failed to open durable log: %w", err)
	}
	if n := fl.Recovered(); n > 0 {
		logger.Warn("truncated torn tail of durable log", "path", fl.Path(), "bytes", n)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	rl := relay.New(snapshot.NewStore(), fl, session.NewRegistry(), relay.Options{
		AllowedProtocols: cfg.Security.AllowedProtocols,
		Secret:           cfg.Security.ConnectionKey,
		QueueSize:        cfg.Relay.QueueSize,
		SendTimeout:      cfg.SendTimeout(),
		SeedOnAttach:     cfg.Relay.SeedOnAttach,
		Logger:           logger,
		Observer:         metrics.NewPromObserver(reg),
	})
	metrics.RegisterStats(reg, rl.Stats)

	restored, err := rl.Restore(fl.Records())
	if err != nil {
		fl.Close()
		return err
	}
	logger.Info("snapshot restored from log", "records", restored, "metrics", len(rl.Snapshot()))

	var sub *mqtt.Subscriber
	if cfg.MQTT.Broker != "" {
		sub, err = mqtt.Connect(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
		}, rl, logger)
		if err != nil {
			// The WebSocket producer path still works without the broker
			logger.Error("MQTT ingress disabled", "error", err)
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	setupMiddleware(e, cfg)

	api.SetupMiddleware(e)
	api.RegisterRoutes(e, api.NewHandlers(&api.Dependencies{
		Relay:   rl,
		Log:     fl,
		Metrics: metrics.Handler(reg),
		Version: Version,
		Logger:  logger,
		WebSocket: api.WebSocketOptions{
			MaxMessageSize: int64(cfg.Relay.MaxMessageSizeKB) * 1024,
			PingInterval:   time.Duration(cfg.Relay.PingIntervalSeconds) * time.Second,
		},
		Index: web.IndexHandler(),
	}))
	if web.HasEmbeddedFiles() {
		if err := web.RegisterStaticRoutes(e); err != nil {
			logger.Warn("failed to register static routes", "error", err)
		}
	}

	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	printBanner(cfg, configPath, restored)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- e.StartServer(s)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			if sub != nil {
				sub.Close()
			}
			_ = rl.Shutdown(context.Background())
			return fmt.Errorf("server stopped: %w", err)
		}
	case <-ctx.Done():
		logger.Info("interrupt received, shutting down", "grace", cfg.ShutdownGrace())
	}

	graceCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()

	if sub != nil {
		sub.Close()
	}
	shutdownErr := rl.Shutdown(graceCtx)
	if err := e.Shutdown(graceCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("http shutdown: %w", err))
	}
	if shutdownErr != nil {
		return shutdownErr
	}
	logger.Info("shutdown complete")
	return nil
}

func setupMiddleware(e *echo.Echo, cfg *config.AppConfig) {
	isUpgrade := func(c echo.Context) bool {
		return websocket.IsWebSocketUpgrade(c.Request())
	}

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool {
			if !cfg.Advanced.EnableRequestLogging {
				return true
			}
			path := c.Request().URL.Path
			return path == "/health" || path == "/api/health" || path == "/metrics"
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
	}))

	e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		Skipper: func(c echo.Context) bool {
			return isUpgrade(c) || c.Request().URL.Path == "/api/export"
		},
		ErrorMessage: "Request timeout",
	}))

	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Skipper: isUpgrade,
	}))

	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

	if cfg.Server.EnableCORS {
		origins := strings.Split(cfg.Server.AllowOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		if len(origins) == 0 || (len(origins) == 1 && origins[0] == "") {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}))
	}
}

func printBanner(cfg *config.AppConfig, configPath string, restored int) {
	mqttState := "disabled"
	if cfg.MQTT.Broker != "" {
		mqttState = cfg.MQTT.Broker + " " + cfg.MQTT.Topic
	}

	fmt.Printf("\n")
	fmt.Printf("╔═══════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║           Printer Telemetry Relay                         ║\n")
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Version:    %-45s║\n", Version)
	fmt.Printf("║  Build Time: %-45s║\n", BuildTime)
	fmt.Printf("╠═══════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Config:    %-46s║\n", configPath)
	fmt.Printf("║  Listen:    ws://%-40s║\n", cfg.GetServerAddr())
	fmt.Printf("║  Log:       %-46s║\n", cfg.LogPath())
	fmt.Printf("║  Records:   %-46d║\n", restored)
	fmt.Printf("║  MQTT:      %-46s║\n", mqttState)
	fmt.Printf("╚═══════════════════════════════════════════════════════════╝\n")
	fmt.Printf("\n")
}
