package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"veilpay/core/types"
	"veilpay/observability/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup("verifyd", cfg.Environment)

	store, err := NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	sessions := NewSessionStore(cfg.SessionCapacity, cfg.SessionSweep.Duration)
	defer sessions.Close()

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry, sessions)

	node := NewHTTPNodeClient(cfg.NodeURL, cfg.NodeAuthToken)
	oracle := NewHTTPOracleClient(cfg.OracleURL)

	server := NewServer(node, oracle, sessions, store, metrics, registry, logger, cfg.SessionTTL.Duration)
	if ref := cfg.LedgerRef; ref != "" {
		parsed, err := types.ParseAddress(ref)
		if err != nil {
			log.Fatalf("parse ledger ref: %v", err)
		}
		server.SetLedgerRef(parsed)
	}
	limiter := NewRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitBurst)
	srv := &http.Server{Addr: cfg.ListenAddress, Handler: limiter.Middleware(server)}

	go func() {
		logger.Info("verifyd listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down verifyd")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}
