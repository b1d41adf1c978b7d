package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tickloom/tickloom/server/auth"
	"github.com/tickloom/tickloom/server/coordination"
	"github.com/tickloom/tickloom/server/monitor"
	"github.com/tickloom/tickloom/server/notify"
	"github.com/tickloom/tickloom/server/quota"
	"github.com/tickloom/tickloom/server/scheduler"
	"github.com/tickloom/tickloom/server/signals"
	"github.com/tickloom/tickloom/server/store"
	"github.com/tickloom/tickloom/server/stream"
	"github.com/tickloom/tickloom/server/worker"
)

func main() {
	cfg := LoadConfig()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var st store.Store
	var pgPool *pgxpool.Pool
	if cfg.DatabaseURL == "" || cfg.DatabaseURL == "memory" {
		log.Printf("[main] DATABASE_URL empty, using in-memory store (single node)")
		st = store.NewMemoryStore()
	} else {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("[main] connect postgres: %v", err)
		}
		if cfg.MigrateOnBoot {
			if err := pg.Migrate(ctx); err != nil {
				log.Fatalf("[main] migrate: %v", err)
			}
		}
		st = pg
		pgPool = pg.Pool()
	}
	defer st.Close()

	// Redis is optional; without it wake signals and cross-node key
	// invalidation degrade to polling.
	var bus *signals.Bus
	if cfg.RedisAddr != "" {
		b, err := signals.Connect(cfg.RedisAddr, "", 0)
		if err != nil {
			log.Printf("[main] redis unavailable, degrading to polling: %v", err)
		} else {
			bus = b
			defer bus.Close()
		}
	}

	authSvc := auth.NewService(st, bus)
	go authSvc.WatchInvalidations(ctx)

	sink := notify.NewWebhookSink(cfg.NotifyWebhookTimeout)
	notifier := notify.New(st, sink)
	accountant := quota.NewAccountant(st, notifier, quota.Limits{Free: cfg.FreeQuota, Pro: cfg.ProQuota})

	hub := stream.NewHub()
	go hub.Run(ctx)

	guard, err := worker.NewGuard(cfg.SSRFAllowlist)
	if err != nil {
		log.Fatalf("[main] ssrf allowlist: %v", err)
	}
	workers := worker.NewPool(st, bus, accountant, notifier, hub, guard, worker.Config{
		NodeID:             cfg.NodeID,
		Count:              cfg.WorkerCount,
		PollInterval:       cfg.PollInterval,
		MaxResponseCapture: cfg.MaxResponseCapture,
		FreeConcurrency:    cfg.FreeConcurrency,
		ProConcurrency:     cfg.ProConcurrency,
	})
	workers.Start(ctx)

	sched := scheduler.New(st, bus, accountant, cfg.TickInterval)
	janitor := coordination.NewJanitor(st, accountant, notifier, time.Minute)
	watchdog := monitor.NewWatchdog(st, notifier, cfg.TickInterval)

	elector := coordination.NewLeaderElector(pgPool, cfg.NodeID)
	elector.SetCallbacks(func(leaderCtx context.Context) {
		log.Printf("[main] elected leader, starting scheduler, janitor and watchdog")
		go sched.Run(leaderCtx)
		go janitor.Run(leaderCtx)
		go watchdog.Run(leaderCtx)
	}, func() {
		log.Printf("[main] leadership lost, background loops stopping")
	})
	elector.Start(ctx)

	monitorSvc := monitor.NewService(st, notifier)
	api := NewAPI(st, authSvc, accountant, monitorSvc, hub, bus, cfg.IdempotencyWait)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[main] tickloom listening on %s (node %s)", cfg.ListenAddr, cfg.NodeID)
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Printf("[main] received %s, shutting down", sig)
	case err := <-errCh:
		log.Fatalf("[main] serve: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] http shutdown: %v", err)
	}

	// Cancelling the root context interrupts in-flight executions within
	// a second; Wait drains the claim loops before the store closes.
	cancel()
	workers.Wait()
	log.Printf("[main] shutdown complete")
}
