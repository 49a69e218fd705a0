package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/taskwire/taskwire/internal/advisor"
	"github.com/taskwire/taskwire/internal/backend"
	"github.com/taskwire/taskwire/internal/clock"
	"github.com/taskwire/taskwire/internal/config"
	"github.com/taskwire/taskwire/internal/outbox"
	"github.com/taskwire/taskwire/internal/planner"
	"github.com/taskwire/taskwire/internal/scheduler"
	"github.com/taskwire/taskwire/internal/server"
	"github.com/taskwire/taskwire/internal/store"
	"github.com/taskwire/taskwire/internal/triage"
	"github.com/taskwire/taskwire/internal/webhook"
)

func main() {
	// Load env
	_ = godotenv.Load(".env")

	var (
		rulesPath = flag.String("rules", os.Getenv("TASKWIRE_RULES"), "path to the YAML rules file")
		devMode   = flag.Bool("dev", false, "dev mode: in-memory store, human-readable logs")
	)
	flag.Parse()

	log := newLogger(*devMode)
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load(*rulesPath)
	if err != nil {
		log.Fatal("load rules", zap.Error(err))
	}

	// Context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
	}()

	clk := clock.Real{}

	// Store: Postgres when configured, in-memory otherwise (dev mode)
	st, err := openStore(ctx, cfg, *devMode, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer st.Close() //nolint:errcheck

	// Seen-delivery ledger: Redis when configured, otherwise the store itself
	var ledger store.LedgerStore = st
	if cfg.RedisURL != "" {
		ttl := time.Duration(cfg.Scheduler.LedgerTTLDays) * 24 * time.Hour
		rl, err := store.NewRedisLedger(ctx, cfg.RedisURL, ttl)
		if err != nil {
			log.Fatal("open redis ledger", zap.Error(err))
		}
		defer rl.Close() //nolint:errcheck
		ledger = rl
	}

	// Backend adapters from config
	backends := make(backend.Registry, len(cfg.Backends))
	for _, bc := range cfg.Backends {
		backends[bc.Name] = backend.NewREST(bc, cfg.Outbox.RequestTimeout(), cfg.Outbox.ListTimeout())
	}

	// Metrics registry shared by the workers and /metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := outbox.NewMetrics(registry)

	// Core components
	tr := triage.New(cfg, clk, log)
	pl := planner.New(st, cfg, clk, log)
	prod := outbox.NewProducer(st, log)
	hook := webhook.New(st, ledger, backends, cfg, clk, webhook.NewMetrics(registry), log)

	var adv advisor.Advisor
	if cfg.Advisor.Enabled {
		adv = advisor.NewClient(cfg.Advisor, log)
	}

	// Delivery workers
	tick := time.Duration(cfg.Scheduler.OutboxTickMs) * time.Millisecond
	for i := 0; i < cfg.Scheduler.Workers; i++ {
		w := outbox.NewWorker(st, backends, cfg.Outbox, clk, metrics, log.With(zap.Int("worker", i)))
		go w.Run(ctx, tick)
	}

	// Periodic jobs
	sched := scheduler.New(st, ledger, cfg, clk, tr, pl, prod, log)
	if err := sched.Start(); err != nil {
		log.Fatal("start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	// HTTP surface
	srv := server.New(cfg, st, tr, adv, pl, prod, hook, registry, clk, log)
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
}

func newLogger(dev bool) *zap.Logger {
	if dev {
		log, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return log
	}
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return log
}

func openStore(ctx context.Context, cfg *config.Config, devMode bool, log *zap.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		if !devMode {
			log.Warn("DATABASE_URL not set, using in-memory store")
		}
		return store.NewMemory(), nil
	}
	pg, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return pg, nil
}
