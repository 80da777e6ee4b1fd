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

	"reelforge/internal/config"
	"reelforge/internal/generate"
	"reelforge/internal/health"
	"reelforge/internal/pipeline"
	"reelforge/internal/providers"
	"reelforge/internal/queue"
	"reelforge/internal/ratelimit"
	"reelforge/internal/registry"
	"reelforge/internal/scrape"
	"reelforge/internal/storage"
	"reelforge/internal/store"
	"reelforge/internal/telemetry"
	"reelforge/internal/worker"
)

func main() {
	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "worker")

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

	objects, err := storage.New(ctx, cfg)
	if err != nil {
		log.Error("init object storage", "err", err)
		os.Exit(1)
	}
	fallback := storage.NewLocal(cfg.MediaDir)

	limiter := ratelimit.NewTokenBucket(client, cfg.ProviderRateCapacity, cfg.ProviderRateRefill, time.Hour)
	analyzer := providers.NewHTTPAnalyzer(cfg.AnalyzerURL, cfg.AnalyzerTimeout)
	generator := providers.NewHTTPGenerator(cfg.GeneratorURL, cfg.GeneratorAPIKey, cfg.ProviderTimeout, limiter)
	video := providers.NewHTTPVideoTools(cfg.VideoToolsURL, cfg.SegmenterURL, cfg.ProviderTimeout, cfg.MaxDownloadBytes)
	scraper := providers.NewHTTPScraper(cfg.ScraperURL, cfg.ScraperTimeout)
	var enhancer providers.PromptEnhancer
	if e := providers.NewHTTPEnhancer(cfg.EnhancerURL, cfg.ProviderTimeout); e != nil {
		enhancer = e
	}

	reg := registry.New(client, log)
	queueOpts := queue.Options{
		LeaseTimeout:       cfg.LeaseTimeout,
		CompletedRetention: cfg.CompletedRetention,
		FailedRetention:    cfg.FailedRetention,
	}
	policies := queue.DefaultPolicies()
	queues := make(map[string]*queue.Queue, len(policies))
	for name, policy := range policies {
		queues[name] = queue.New(client, name, policy, queueOpts)
	}

	pipelineHandler := pipeline.NewHandler(st, objects, analyzer, video, video, pipeline.Options{
		MaxDownloadBytes: cfg.MaxDownloadBytes,
		FrameCount:       cfg.FrameSampleCount,
		FrameMaxWidth:    cfg.FrameMaxWidth,
	}, log)
	scrapeHandler := scrape.NewHandler(st, scraper, queues[queue.QueuePipeline], log)
	waiter := generate.NewWaiter(st, cfg.WaitPollInterval, cfg.WaitHeartbeatInterval, log)
	genHandler := generate.NewHandler(st, objects, fallback, generator, enhancer, video, waiter, generate.Options{
		MaxDownloadBytes: cfg.MaxDownloadBytes,
		WaitTimeout:      cfg.WaitTimeout,
	}, log)

	handlers := map[string]worker.Handler{
		queue.QueueScrape:          scrapeHandler.Handle,
		queue.QueuePipeline:        pipelineHandler.Handle,
		queue.QueueGeneration:      genHandler.HandleSingle,
		queue.QueueSceneGeneration: genHandler.HandleScene,
		queue.QueueComposite:       genHandler.HandleComposite,
	}
	for name, q := range queues {
		reg.Register(q, worker.New(q, handlers[name], cfg.WorkerPollInterval, log))
	}

	monitor := health.NewMonitor(st, cfg.StallThreshold, log)
	if err := monitor.Start(ctx, cfg.StallSweepSpec); err != nil {
		log.Error("start stall sweep", "err", err)
		os.Exit(1)
	}
	defer monitor.Stop()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", "err", err)
		}
	}()

	reg.StartAll(ctx)
	log.Info("worker started", "lease", cfg.LeaseTimeout.String(), "queues", len(queues))

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	reg.Shutdown(shutdownCtx)
	log.Info("worker stopped")
}
