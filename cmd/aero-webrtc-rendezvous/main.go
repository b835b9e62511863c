package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/rooms"
	"github.com/wilsonzlin/aero/proxy/webrtc-rendezvous/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-rendezvous",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"ice_servers", len(cfg.ICEServers),
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"send_queue_size", cfg.SendQueueSize,
		"pending_room_ttl", cfg.PendingRoomTTL,
		"unreachable_signal_policy", cfg.UnreachableSignalPolicy,
	)

	origins, err := origin.NewPolicy(cfg.AllowedOrigins)
	if err != nil {
		logger.Error("invalid allowed origins", "err", err)
		os.Exit(2)
	}

	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()
	store := rooms.NewStore(rooms.Config{
		PendingRoomTTL: cfg.PendingRoomTTL,
		Metrics:        m,
		Logger:         logger,
	})
	reg := registry.New(m, logger)

	sig, err := signaling.NewServer(signaling.Config{
		Rooms:                    store,
		Registry:                 reg,
		ICEServers:               cfg.ICEServers,
		Origins:                  origins,
		UnreachableSignalPolicy:  cfg.UnreachableSignalPolicy,
		SendQueueSize:            cfg.SendQueueSize,
		SignalingWSIdleTimeout:   cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval:  cfg.SignalingWSPingInterval,
		MaxSignalingMessageBytes: cfg.MaxSignalingMessageBytes,
		Metrics:                  m,
		Logger:                   logger,
	})
	if err != nil {
		logger.Error("failed to configure signaling", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, origins, m)
	sig.RegisterRoutes(srv.Mux())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server exited: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return store.RunJanitor(gctx, cfg.RoomSweepInterval)
	})
	g.Go(func() error {
		<-gctx.Done()
		if ctx.Err() != nil {
			logger.Info("shutdown signal received")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		// Hijacked websockets are not covered by Shutdown.
		if err := sig.Close(shutdownCtx); err != nil {
			logger.Error("signaling shutdown failed", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info (useful
	// for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
