package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"reelforge/internal/api"
	"reelforge/internal/config"
	"reelforge/internal/health"
	"reelforge/internal/queue"
	"reelforge/internal/registry"
	"reelforge/internal/store"
)

func main() {
	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "err", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "err", err)
		os.Exit(1)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// The API registers every queue without workers: it enqueues, snapshots,
	// and administers, but never consumes.
	reg := registry.New(client, log)
	queueOpts := queue.Options{
		LeaseTimeout:       cfg.LeaseTimeout,
		CompletedRetention: cfg.CompletedRetention,
		FailedRetention:    cfg.FailedRetention,
	}
	for name, policy := range queue.DefaultPolicies() {
		reg.Register(queue.New(client, name, policy, queueOpts), nil)
	}

	monitor := health.NewMonitor(st, cfg.StallThreshold, log)
	if err := monitor.Start(ctx, cfg.StallSweepSpec); err != nil {
		log.Error("start stall sweep", "err", err)
		os.Exit(1)
	}
	defer monitor.Stop()

	server := api.New(cfg, st, reg, monitor, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	reg.Shutdown(shutdownCtx)
}
