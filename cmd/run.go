package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seastall/fishreply/internal/bus"
	"github.com/seastall/fishreply/internal/config"
	"github.com/seastall/fishreply/internal/coze"
	"github.com/seastall/fishreply/internal/dispatch"
	"github.com/seastall/fishreply/internal/gateway"
	"github.com/seastall/fishreply/internal/market/goofish"
	"github.com/seastall/fishreply/internal/memctx"
	"github.com/seastall/fishreply/internal/sessions"
	"github.com/seastall/fishreply/internal/store"
	"github.com/seastall/fishreply/internal/telemetry"
)

// runBot wires everything together and blocks until shutdown.
func runBot() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", "error", err)
		slog.Info("run 'fishreply onboard' to create a config file")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, slog.Default())
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTelemetry(flushCtx)
	}()

	st, err := store.Open(cfg.Database.Driver, cfg.SqlitePathExpanded(), cfg.Database.PostgresDSN)
	if err != nil {
		slog.Error("store open failed", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("session store ready", "driver", cfg.Database.Driver)

	directory := sessions.NewDirectory(st, slog.Default())

	ai := coze.NewClient(cfg.Coze.APIToken, cfg.Coze.BotID, coze.Options{
		BaseURL:        cfg.Coze.BaseURL,
		RequestTimeout: time.Duration(cfg.Coze.RequestTimeoutSec) * time.Second,
		RateLimitRPM:   cfg.Coze.RateLimitRPM,
		Logger:         slog.Default(),
	})

	adapter := goofish.New(goofish.Options{
		URL:         cfg.Browser.URL,
		Headless:    cfg.Browser.Headless,
		UserDataDir: cfg.BrowserDataDir(),
		EnterDelay:  cfg.EnterDelay(),
		LoginWait:   time.Duration(cfg.Browser.LoginWaitSec) * time.Second,
		Logger:      slog.Default(),
	})
	if err := adapter.Start(ctx); err != nil {
		slog.Error("browser start failed", "error", err)
		os.Exit(1)
	}
	defer adapter.Close()

	var sink bus.EventSink = bus.NopSink{}
	var hub *gateway.Server
	if cfg.Gateway.Enabled {
		hub = gateway.NewServer(cfg.Gateway.Host, cfg.Gateway.Port, slog.Default())
		sink = hub
	}

	assembler := memctx.NewAssembler(st, ai, cfg, slog.Default())
	dispatcher := dispatch.New(adapter, ai, directory, assembler, cfg, sink, slog.Default())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		return dispatcher.Reengager().RunSweepLoop(gctx, cfg)
	})
	g.Go(func() error {
		return cfg.Watch(gctx, cfgPath)
	})
	if hub != nil {
		g.Go(func() error {
			return hub.Start(gctx)
		})
	}

	slog.Info("fishreply running", "version", Version)
	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Error("shutdown with error", "error", err)
		os.Exit(1)
	}
	slog.Info("fishreply stopped")
}
