package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"agent-dispatch/internal/agent"
	"agent-dispatch/internal/callback"
	"agent-dispatch/internal/config"
	"agent-dispatch/internal/dispatch"
	"agent-dispatch/internal/events"
	"agent-dispatch/internal/jobtypes"
	"agent-dispatch/internal/models"
	"agent-dispatch/internal/notify"
	"agent-dispatch/internal/outputcache"
	"agent-dispatch/internal/poller"
	"agent-dispatch/internal/reaper"
	"agent-dispatch/internal/store"
	"agent-dispatch/internal/taskq"
	"agent-dispatch/internal/telemetry"
	"agent-dispatch/internal/tracker"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

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
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	types, err := jobtypes.Load(cfg.JobTypePath)
	if err != nil {
		log.Fatalf("load job types: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	trk := tracker.New(st, cfg, logger)
	factory := agent.NewFactory(st, cfg, trk)
	sink := events.NewRedisSink(redisClient)
	notifier := notify.New(st, sink, logger)
	router := callback.NewRouter(callback.NewRegistry(), st, notifier, logger)

	dispatcher := dispatch.NewDispatcher(st, dispatch.ClientFunc(
		func(ctx context.Context, target models.Target) (dispatch.AgentClient, error) {
			return factory.Client(ctx, target)
		}), router, logger)
	engine := dispatch.NewEngine(st, dispatch.ClientFunc(
		func(ctx context.Context, target models.Target) (dispatch.AgentClient, error) {
			return factory.Client(ctx, target)
		}), dispatcher, router, types, cfg.DisableAutoRetry, logger)

	pol := poller.New(st, poller.ClientFunc(
		func(ctx context.Context, target models.Target) (poller.AgentClient, error) {
			return factory.Client(ctx, target)
		}), trk, router, engine, types,
		outputcache.New(redisClient, cfg.OutputCacheTTL), sink,
		poller.Options{BatchSize: cfg.PollBatchSize, Realtime: cfg.RealtimeJobUpdates},
		logger)

	queue := taskq.New(redisClient)
	loop := poller.NewLoop(st, queue, cfg.PollInterval, logger)
	consumer := poller.NewConsumer(pol, queue, logger)
	reap := reaper.New(st, router, cfg.ReaperThreshold, cfg.ReaperBatchSize, logger)
	flusher := events.NewFlusher(redisClient, cfg.EventLogPath, logger)

	prober := tracker.ProberFunc(
		func(ctx context.Context, target models.Target) (tracker.Prober, error) {
			return factory.Client(ctx, target)
		})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error { return consumer.Run(ctx) })
	g.Go(func() error { return flusher.Run(ctx, cfg.FlushInterval) })
	g.Go(func() error {
		return runEvery(ctx, cfg.RetryInterval, "retry sweep", logger, engine.Sweep)
	})
	g.Go(func() error {
		return runEvery(ctx, cfg.ReaperInterval, "reaper sweep", logger, reap.Sweep)
	})
	g.Go(func() error {
		return runEvery(ctx, cfg.HealInterval, "tracker heal", logger, func(ctx context.Context) error {
			return trk.Heal(ctx, prober)
		})
	})

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler()}
	g.Go(func() error {
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("worker exited: %v", err)
	}
}

// runEvery invokes fn on a fixed interval until the context ends. Sweep
// errors are logged, not fatal, so one bad cycle never stops the loop.
func runEvery(ctx context.Context, interval time.Duration, name string,
	logger *slog.Logger, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				logger.Error(name, "err", err)
			}
		}
	}
}
