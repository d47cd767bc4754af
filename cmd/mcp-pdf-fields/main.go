package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"go.uber.org/zap"

	"github.com/a3tai/mcp-pdf-fields/internal/config"
	"github.com/a3tai/mcp-pdf-fields/internal/crf"
	"github.com/a3tai/mcp-pdf-fields/internal/engine"
	"github.com/a3tai/mcp-pdf-fields/internal/logging"
	"github.com/a3tai/mcp-pdf-fields/internal/mcp"
	"github.com/a3tai/mcp-pdf-fields/internal/service"
	"github.com/a3tai/mcp-pdf-fields/internal/store"
)

var (
	version   = "dev"     // This will be set by build flags
	buildTime = "unknown" // This will be set by build flags
	gitCommit = "unknown" // This will be set by build flags
)

// serviceConfig maps the command line configuration onto the service and engine settings
func serviceConfig(cfg *config.Config) service.Config {
	sc := service.DefaultConfig(cfg.PDFDirectory, cfg.TemplateDirectory)
	sc.MaxFileSize = cfg.MaxFileSize

	ec := engine.DefaultConfig()
	ec.Workers = cfg.Workers
	ec.Learning.Trainer.Train.Epochs = cfg.Epochs
	ec.Learning.Trainer.Timeout = cfg.TrainTimeout
	sc.Engine = ec
	return sc
}

// app owns everything that must be released on shutdown
type app struct {
	server  *mcp.Server
	service *service.Service
	model   *crf.Handle
	store   store.Store
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	st, err := store.Open(cfg.Store, cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	model := crf.NewHandle(cfg.ModelPath(), logger)
	if snap := model.ReloadIfChanged(); snap != nil {
		logger.Info("sequence model loaded", zap.Int64("version", snap.Version), zap.Strings("fields", snap.Model.Fields()))
	}

	svc, err := service.New(serviceConfig(cfg), st, model, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create service: %w", err)
	}

	server, err := mcp.NewServer(cfg, svc, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create MCP server: %w", err)
	}
	return &app{server: server, service: svc, model: model, store: st}, nil
}

// run serves until ctx is cancelled or the transport stops. Model and template files are
// watched for changes made by other processes.
func (a *app) run(ctx context.Context, logger *zap.Logger) error {
	defer func() {
		if err := a.store.Close(); err != nil {
			logger.Warn("store close failed", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := a.model.Watch(ctx); err != nil {
			logger.Warn("model watcher stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := a.service.WatchTemplates(ctx); err != nil {
			logger.Warn("template watcher stopped", zap.Error(err))
		}
	}()

	return a.server.Run(ctx)
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" || arg == "-v" {
			printVersion(os.Stdout)
			return
		}
	}

	cfg, err := config.LoadFromFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if version != "dev" {
		cfg.Version = version
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Debug("starting", zap.String("config", cfg.String()))

	a, err := newApp(cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	if err := a.run(ctx, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// printVersion prints version information
func printVersion(w io.Writer) {
	fmt.Fprintf(w, "MCP PDF Fields\n")
	fmt.Fprintf(w, "Version: %s\n", version)
	fmt.Fprintf(w, "Build Time: %s\n", buildTime)
	fmt.Fprintf(w, "Git Commit: %s\n", gitCommit)
	fmt.Fprintf(w, "Built with: %s\n", runtime.Version())
}
