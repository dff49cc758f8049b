package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/obsidianstack/relay/pkg/ingest"
	"github.com/obsidianstack/relay/server/internal/alerts"
	"github.com/obsidianstack/relay/server/internal/api"
	"github.com/obsidianstack/relay/server/internal/auth"
	"github.com/obsidianstack/relay/server/internal/config"
	"github.com/obsidianstack/relay/server/internal/receiver"
	"github.com/obsidianstack/relay/server/internal/store"
	"github.com/obsidianstack/relay/server/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	uiDir := flag.String("ui-dir", "", "serve UI static files from this directory; leave empty to disable")
	flag.Parse()

	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("relay-server starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	level.Set(cfg.Server.Level())

	slog.Info("config loaded",
		"grpc_port", cfg.Server.GRPCPort,
		"http_port", cfg.Server.HTTPPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"series_ttl", cfg.Server.Series.TTL,
		"stream_interval", cfg.Server.Stream.Interval,
		"alert_rules", len(cfg.Server.Alerts.Rules),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Series store with background TTL eviction.
	st := store.New(cfg.Server.Series.TTL)
	go st.Run(ctx)

	// Alerts engine — evaluates rules on every accepted batch.
	alertEngine := alerts.New(cfg.Server.Alerts)

	// Change stream hub. A poisoned change buffer stops the server.
	hub := ws.New(st, cfg.Server.Stream.Interval)
	hubErr := make(chan error, 1)
	go func() { hubErr <- hub.Run(ctx) }()

	// gRPC ingest with optional API key authentication interceptor.
	interceptor := auth.APIKeyInterceptor(
		cfg.Server.Auth.Mode,
		cfg.Server.Auth.EffectiveHeader(),
		cfg.Server.Auth.Key(),
	)
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(interceptor))
	ingest.Register(grpcSrv, receiver.New(st, hub, alertEngine))

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		slog.Error("failed to listen on gRPC port",
			"port", cfg.Server.GRPCPort, "err", err)
		os.Exit(1)
	}

	srvErr := make(chan error, 2)
	go func() {
		slog.Info("gRPC receiver listening", "port", cfg.Server.GRPCPort)
		if err := grpcSrv.Serve(lis); err != nil {
			srvErr <- fmt.Errorf("grpc: %w", err)
		}
	}()

	secure := func(h http.Handler) http.Handler {
		return auth.Middleware(cfg.Server.Auth.Mode, cfg.Server.Auth.EffectiveHeader(), cfg.Server.Auth.Key(), h)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/stream", secure(hub))
	mux.Handle("/api/", secure(api.New(st, alertEngine)))

	// Optional: serve a pre-built UI from a local directory.
	// The "/" catch-all serves index.html for any unknown path (SPA routing).
	if *uiDir != "" {
		fs := http.FileServer(http.Dir(*uiDir))
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			path := *uiDir + r.URL.Path
			if _, err := os.Stat(path); os.IsNotExist(err) {
				http.ServeFile(w, r, *uiDir+"/index.html")
				return
			}
			fs.ServeHTTP(w, r)
		})
		slog.Info("serving UI static files", "dir", *uiDir)
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			srvErr <- fmt.Errorf("http: %w", err)
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-srvErr:
		slog.Error("server stopped", "err", err)
		exitCode = 1
	case err := <-hubErr:
		if err != nil {
			slog.Error("stream hub stopped", "err", err)
			exitCode = 1
		}
	}

	slog.Info("relay-server shutting down")
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	httpSrv.Shutdown(shutdownCtx) //nolint:errcheck
	stopGRPC(shutdownCtx, grpcSrv)
	alertEngine.Wait()

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// stopGRPC drains in-flight ingest calls, falling back to a hard stop when
// ctx expires first.
func stopGRPC(ctx context.Context, srv *grpc.Server) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
	}
}
