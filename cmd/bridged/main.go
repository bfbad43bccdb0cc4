package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sewef/macroHero-sub001/internal/bridgeconfig"
	"github.com/Sewef/macroHero-sub001/internal/broadcast"
	"github.com/Sewef/macroHero-sub001/internal/callbus"
	"github.com/Sewef/macroHero-sub001/internal/identity"
	"github.com/Sewef/macroHero-sub001/internal/metrics"
	"github.com/Sewef/macroHero-sub001/internal/persist"
	"github.com/Sewef/macroHero-sub001/internal/platform/ratelimiter"
	"github.com/Sewef/macroHero-sub001/internal/platform/scrublog"
	"github.com/Sewef/macroHero-sub001/internal/statecache"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to bridged.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for bridge local data (optional)")
	transport := flag.String("transport", "", "Network transport override: go-waku | mock")
	roomID := flag.String("room", "", "Room identifier override")
	metricsAddr := flag.String("metrics-addr", "127.0.0.1:9787", "Health/metrics listen address")
	flag.Parse()
	if *showVersion {
		fmt.Printf("bridged version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *transport != "" {
		_ = os.Setenv("MH_NETWORK_TRANSPORT", *transport)
	}
	if *roomID != "" {
		_ = os.Setenv("MH_ROOM_ID", *roomID)
	}

	logger := slog.New(scrublog.WrapHandler(slog.NewTextHandler(os.Stderr, nil)))
	slog.SetDefault(logger)

	if err := run(ctx, *configPath, *dataDir, *metricsAddr, logger); err != nil {
		log.Fatalf("bridged failed: %v", err)
	}
	logger.Info("bridged stopped")
}

func run(ctx context.Context, configPath, dataDir, metricsAddr string, logger *slog.Logger) error {
	cfg := bridgeconfig.LoadFromPath(configPath)
	secret := bridgeconfig.Secret()

	identityPath := cfg.Storage.IdentityPath
	statePath := cfg.Storage.Path
	if dataDir != "" {
		if identityPath == "" {
			identityPath = filepath.Join(dataDir, "identity.enc")
		}
		if statePath == "" {
			statePath = filepath.Join(dataDir, "state.enc")
		}
	}

	var ident *identity.Manager
	var err error
	if secret == "" {
		logger.Warn("MH_STORAGE_SECRET is not set; identity and state are ephemeral")
		ident, err = identity.LoadOrCreate("", "")
	} else {
		ident, err = identity.LoadOrCreate(identityPath, secret)
	}
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	logger.Info("requester identity ready", "requester_id", ident.RequesterID())

	node := broadcast.NewNode(cfg.Network)
	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("broadcast node: %w", err)
	}
	defer node.Stop(context.Background())

	registry := prometheus.NewRegistry()
	stats := metrics.New(registry)

	limiter := ratelimiter.New(cfg.Bridge.CallRPS, cfg.Bridge.CallBurst, 10*time.Minute)
	client, err := callbus.New(node, ident.RequesterID(),
		callbus.WithDomain(cfg.Bridge.Domain),
		callbus.WithTimeout(cfg.Bridge.CallTimeout),
		callbus.WithLimiter(limiter),
		callbus.WithMetrics(stats),
		callbus.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("call bus: %w", err)
	}
	defer client.Close()

	var store persist.Store
	if secret != "" && statePath != "" {
		store, err = persist.NewFileStore(statePath, secret, 0)
		if err != nil {
			return fmt.Errorf("state store: %w", err)
		}
	} else {
		store = persist.NewMemStore()
	}
	cache := statecache.New(store, persist.ScopedKey(cfg.Bridge.Domain, cfg.Bridge.RoomID),
		statecache.WithQuietPeriod(cfg.Bridge.QuietPeriod),
		statecache.WithLogger(logger),
		statecache.WithMetrics(stats),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := node.Status()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"state":%q,"peer_count":%d,"pending_calls":%d}`, status.State, status.PeerCount, client.PendingCount())
	})
	srv := &http.Server{Addr: metricsAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bridged started", "metrics_addr", metricsAddr, "transport", cfg.Network.Transport, "room_id", cfg.Bridge.RoomID)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	// Persist whatever the debounce window was still holding.
	if err := cache.ForceFlush(); err != nil {
		logger.Error("final state flush failed", "reason", err.Error())
	}
	return nil
}
