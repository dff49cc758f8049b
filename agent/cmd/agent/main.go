package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/obsidianstack/relay/agent/internal/collector"
	"github.com/obsidianstack/relay/agent/internal/compute"
	"github.com/obsidianstack/relay/agent/internal/config"
	"github.com/obsidianstack/relay/agent/internal/scraper"
	"github.com/obsidianstack/relay/agent/internal/security"
	"github.com/obsidianstack/relay/agent/internal/shipper"
	"github.com/obsidianstack/relay/pkg/swapbuf"
	"github.com/obsidianstack/relay/pkg/types"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("relay-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	level.Set(cfg.Agent.Level())

	agentID := cfg.Agent.AgentID
	if agentID == "" {
		agentID = uuid.NewString()
	}
	slog.Info("config loaded",
		"agent_id", agentID,
		"server_endpoint", cfg.Agent.ServerEndpoint,
		"sources", len(cfg.Agent.Sources),
		"scrape_interval", cfg.Agent.ScrapeInterval,
		"ship_interval", cfg.Agent.ShipInterval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	buf := swapbuf.New(swapbuf.WithCloner[types.Sample]())

	// One collector per source, plus one certificate checker per https source.
	// Hot-reload updates the log level only; sources are fixed at startup.
	var collectors []*collector.Collector
	for _, src := range cfg.Agent.Sources {
		s, err := scraper.New(src)
		if err != nil {
			slog.Error("skipping source — could not build scraper", "source", src.ID, "err", err)
			continue
		}
		collectors = append(collectors,
			collector.New(src.ID, s, compute.NewEngine(), buf, cfg.Agent.ScrapeInterval))
		slog.Info("registered source", "id", src.ID, "type", src.Type, "endpoint", src.Endpoint)

		if chk, ok := security.NewCertChecker(src); ok {
			collectors = append(collectors,
				collector.New(chk.SourceID(), chk, compute.NewEngine(), buf, cfg.Agent.ScrapeInterval))
		}
	}
	if len(collectors) == 0 {
		slog.Warn("no sources configured — agent will idle")
	}

	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			level.Set(updated.Agent.Level())
			slog.Info("config hot-reloaded", "log_level", updated.Agent.LogLevel)
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	ship := shipper.New(cfg.Agent, agentID, buf)
	shipErr := make(chan error, 1)
	go func() { shipErr <- ship.Run(ctx) }()

	collectErr := collector.Run(ctx, collectors)

	// A poisoned buffer is unrecoverable: stop the shipper too.
	if collectErr != nil {
		cancel()
	}
	err = errors.Join(collectErr, <-shipErr)

	if err != nil {
		slog.Error("relay-agent stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("relay-agent shutting down")
}
