package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-dispatch/internal/agent"
	"agent-dispatch/internal/api"
	"agent-dispatch/internal/callback"
	"agent-dispatch/internal/config"
	"agent-dispatch/internal/dispatch"
	"agent-dispatch/internal/events"
	"agent-dispatch/internal/jobtypes"
	"agent-dispatch/internal/models"
	"agent-dispatch/internal/notify"
	"agent-dispatch/internal/ratelimit"
	"agent-dispatch/internal/remotefile"
	"agent-dispatch/internal/store"
	"agent-dispatch/internal/tracker"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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

	clients := dispatch.ClientFunc(func(ctx context.Context, target models.Target) (dispatch.AgentClient, error) {
		return factory.Client(ctx, target)
	})
	dispatcher := dispatch.NewDispatcher(st, clients, router, logger)

	// Delivery happens off the request path: the insert has committed by
	// the time the client hears 202.
	dispatchFn := agent.DispatchFunc(func(ctx context.Context, job models.Job) {
		go func() {
			dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
			defer dcancel()
			if err := dispatcher.Dispatch(dctx, job); err != nil {
				logger.Error("dispatch job", "job", job.Name, "err", err)
			}
		}()
	})

	var signer agent.LinkSigner
	if cfg.BackupBucket != "" {
		links, err := remotefile.New(ctx, remotefile.Options{
			Bucket:   cfg.BackupBucket,
			Region:   cfg.BackupRegion,
			Endpoint: cfg.BackupEndpoint,
			Expiry:   cfg.LinkExpiry,
		})
		if err != nil {
			log.Fatalf("init backup links: %v", err)
		}
		signer = links
	}

	producer := agent.NewProducer(st, types, signer, dispatchFn, cfg.DisableDeduplication, logger)
	limiter := ratelimit.New(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill)

	cancelRelay := api.Canceller(func(ctx context.Context, job models.Job) error {
		client, err := factory.Client(ctx, job.Target())
		if err != nil {
			return err
		}
		return client.CancelJob(ctx, job.JobID)
	})

	server := api.New(st, producer, limiter, cancelRelay, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
