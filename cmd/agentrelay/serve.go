package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"agentrelay/internal/adapter/engine"
	"agentrelay/internal/adapter/gateway"
	"agentrelay/internal/adapter/journal"
	"agentrelay/internal/adapter/render"
	"agentrelay/internal/adapter/watcher"
	"agentrelay/internal/domain"
	"agentrelay/internal/infra/config"
	"agentrelay/internal/infra/logger"
	"agentrelay/internal/infra/tracer"
	"agentrelay/internal/usecase/eventbus"
	"agentrelay/internal/usecase/ownership"
	"agentrelay/internal/usecase/process"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

// components is everything serve starts, in shutdown order.
type components struct {
	bus        *eventbus.Bus
	supervisor *process.Supervisor
	tracker    *ownership.Tracker
	watcher    *watcher.Watcher       // nil when disabled or failed to start
	journal    *journal.SQLiteJournal // nil when disabled
	server     *gateway.Server
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	c, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.shutdown(cfg, log)

	log.Info("agentrelay starting", "version", resolveVersion(), "addr", cfg.Server.Addr)
	if err := c.server.Start(ctx); err != nil {
		return err
	}
	log.Info("agentrelay stopping")
	return nil
}

// build wires the relay. Optional subsystems that fail to start are logged
// and left out.
func build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*components, error) {
	c := &components{bus: eventbus.New(log)}

	cli := engine.NewClaudeCLI(engine.ClaudeConfig{
		CLIPath:   cfg.Engine.CLIPath,
		ExtraArgs: cfg.Engine.ExtraArgs,
		Env:       cfg.Engine.Env,
		StopGrace: cfg.Engine.StopGrace,
	}, log)

	c.supervisor = process.NewSupervisor(process.SupervisorConfig{
		MaxProcesses:          cfg.Process.MaxProcesses,
		IdleTimeout:           cfg.Process.IdleTimeout,
		HistoryLimit:          cfg.Process.HistoryLimit,
		IdleReapAfter:         cfg.Process.IdleReapAfter,
		CleanupInterval:       cfg.Process.CleanupInterval,
		DefaultPermissionMode: domain.PermissionMode(cfg.Process.PermissionMode),
	}, cli, c.bus, log)

	c.tracker = ownership.New(c.bus, c.supervisor, cfg.Ownership.Decay, log)

	if cfg.Watcher.Enabled {
		w, err := watcher.New(cfg.Watcher.Root, c.bus, log)
		if err == nil {
			err = w.Start(ctx)
		}
		if err != nil {
			log.Warn("session watcher disabled", "root", cfg.Watcher.Root, "error", err)
		} else {
			c.watcher = w
		}
	}

	if cfg.Journal.Enabled {
		j, err := journal.Open(journal.Options{Path: cfg.Journal.Path, MaxRows: cfg.Journal.MaxRows}, log)
		if err != nil {
			c.shutdown(cfg, log)
			return nil, fmt.Errorf("open journal: %w", err)
		}
		j.Attach(c.bus)
		c.journal = j
	}

	var renderers domain.RendererFactory
	if cfg.Render.Enabled {
		breaker := render.NewBreaker(render.BreakerConfig{
			MaxFailures: cfg.Render.BreakerMaxFailures,
			Timeout:     cfg.Render.BreakerTimeout,
		}, log)
		renderers = breaker.Wrap(render.Factory())
	}

	relay := gateway.NewStreamRelay(gateway.RelayConfig{
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		QueueSize:         cfg.Stream.QueueSize,
		FlushTimeout:      cfg.Stream.FlushTimeout,
	}, renderers, log)

	deps := gateway.Deps{
		Supervisor: c.supervisor,
		External:   c.tracker,
		Relay:      relay,
		Logger:     log,
	}
	if c.journal != nil {
		deps.Journal = c.journal
	}
	if cfg.Auth.Enabled {
		entries := make([]gateway.TokenEntry, 0, len(cfg.Auth.Tokens))
		for _, t := range cfg.Auth.Tokens {
			entries = append(entries, gateway.TokenEntry{Name: t.Name, Token: t.Token})
		}
		deps.Auth = gateway.NewStaticTokenAuth(entries)
	}

	c.server = gateway.NewServer(gateway.ServerConfig{
		Addr:           cfg.Server.Addr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimitRPM:   cfg.Server.RateLimitRPM,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		TrustedProxies: cfg.Server.TrustedProxies,
	}, deps)
	return c, nil
}

// shutdown stops processes first so their final status events still reach
// the journal, then the producers and consumers of the bus.
func (c *components) shutdown(cfg *config.Config, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if c.supervisor != nil {
		c.supervisor.Stop(ctx)
	}
	if c.watcher != nil {
		if err := c.watcher.Stop(); err != nil {
			log.Warn("watcher stop failed", "error", err)
		}
	}
	if c.tracker != nil {
		c.tracker.Dispose()
	}
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			log.Warn("journal close failed", "error", err)
		}
	}
	c.bus.Close()
}
