package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"fogsched/internal/api"
	"fogsched/internal/config"
	"fogsched/internal/core"
	"fogsched/internal/fog"
	"fogsched/internal/logging"
	fogmcp "fogsched/internal/mcp"
	"fogsched/internal/metrics"
	"fogsched/internal/notify"
	"fogsched/internal/store"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logOpts := logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File}
	if cfg.Mode != "http" {
		// stdout carries the MCP protocol.
		logOpts.Output = os.Stderr
	}
	logger, logCloser, err := logging.New(logOpts)
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer logCloser.Close()

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.Close()

	location := cfg.Location()
	m := metrics.New()

	worker, provider := newFogWorker(cfg, logger)
	runner := core.NewRunner(worker, logger)
	controller := core.NewController(runner, core.NewHistory(cfg.Schedule.HistorySize), core.ControllerOptions{
		Interval:       cfg.Schedule.TickInterval,
		Location:       location,
		Store:          storeInst,
		Notifier:       newNotifier(cfg, logger),
		Observer:       m,
		StatusProvider: provider,
		Logger:         logger,
	})
	if err := controller.Restore(baseCtx); err != nil {
		logger.Error("restore controller state", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()
	controller.Start(ctx)

	mcpServer := fogmcp.NewMCPServer(controller, logger, location, cfg.Schedule.StatusHistory)

	switch cfg.Mode {
	case "http":
		runHTTPMode(cfg, controller, mcpServer, m, logger)
	case "mcp":
		runMCPMode(mcpServer, logger)
	case "both":
		runBothMode(cfg, controller, mcpServer, m, logger)
	}

	shutdownController(cfg, controller, logger)
	logger.Info("shutdown complete")
}

// offlineTaskCenter reports a task center that was never configured.
type offlineTaskCenter struct{}

func (offlineTaskCenter) Connected(context.Context) bool { return false }

func newFogWorker(cfg *config.Config, logger *slog.Logger) (*fog.Worker, core.StatusProvider) {
	opts := fog.Options{
		PollInterval: cfg.Fog.PollInterval,
		WaitTimeout:  cfg.Fog.WaitTimeout,
		Logger:       logger,
	}

	var source fog.TaskSource
	var provider core.StatusProvider = offlineTaskCenter{}
	if cfg.Fog.TaskCenterURL == "" {
		logger.Warn("task center url not set, fog runs will fail until FOGSCHED_TASK_CENTER_URL is configured")
	} else if tc, err := fog.NewTaskCenter(cfg.Fog.TaskCenterURL); err != nil {
		logger.Warn("task center client", "err", err)
	} else {
		source = tc
		provider = tc
	}

	var executor fog.Executor
	if comfy, err := fog.NewComfy(cfg.Fog.ComfyURL); err != nil {
		logger.Warn("comfy client", "err", err)
	} else {
		executor = comfy
	}
	return fog.NewWorker(source, executor, opts), provider
}

func newNotifier(cfg *config.Config, logger *slog.Logger) core.Notifier {
	if !cfg.Notification.Bark.Enabled {
		return nil
	}
	bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
	if err != nil {
		logger.Warn("bark notifications disabled", "err", err)
		return nil
	}
	logger.Info("bark notifications enabled")
	return notify.NewMultiNotifier(bark)
}

func newHTTPServer(cfg *config.Config, controller *core.Controller, mcpServer *fogmcp.MCPServer, m *metrics.Metrics, logger *slog.Logger) *api.Server {
	return api.NewServer(cfg.Server.Addr, controller, api.Options{
		AuthToken:     cfg.Server.AuthToken,
		StatusHistory: cfg.Schedule.StatusHistory,
		MCP:           mcpServer,
		Metrics:       m.Handler(),
		Logger:        logger,
	})
}

// runHTTPMode starts only the HTTP server.
func runHTTPMode(cfg *config.Config, controller *core.Controller, mcpServer *fogmcp.MCPServer, m *metrics.Metrics, logger *slog.Logger) {
	server := newHTTPServer(cfg, controller, mcpServer, m, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdownHTTP(cfg, server, logger)
}

// runMCPMode serves MCP on stdio until the client disconnects or a signal arrives.
func runMCPMode(mcpServer *fogmcp.MCPServer, logger *slog.Logger) {
	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
	}
}

// runBothMode starts both HTTP and MCP servers.
func runBothMode(cfg *config.Config, controller *core.Controller, mcpServer *fogmcp.MCPServer, m *metrics.Metrics, logger *slog.Logger) {
	mcpErr := make(chan error, 1)
	go func() {
		mcpErr <- mcpServer.Run()
	}()

	server := newHTTPServer(cfg, controller, mcpServer, m, logger)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		if err != nil {
			logger.Error("mcp server error", "err", err)
		} else {
			logger.Info("mcp client disconnected")
		}
	}

	shutdownHTTP(cfg, server, logger)
}

func shutdownHTTP(cfg *config.Config, server *api.Server, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
}

// shutdownController stops the tick loop and gives the fog task the grace
// period to exit.
func shutdownController(cfg *config.Config, controller *core.Controller, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := controller.Stop(ctx); err != nil {
		logger.Warn("controller stop timed out", "err", err)
	}
}
