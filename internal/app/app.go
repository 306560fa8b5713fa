// Package app builds and runs the indexer service: it wires configuration to
// concrete backends, recovers pipeline state from the newest checkpoint, and
// owns the lifecycle of every long-running goroutine.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-indexer/internal/api"
	gcsblob "github.com/JakeFAU/realtime-cpi-indexer/internal/blob/gcs"
	localblob "github.com/JakeFAU/realtime-cpi-indexer/internal/blob/local"
	memoryblob "github.com/JakeFAU/realtime-cpi-indexer/internal/blob/memory"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/checkpoint"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/clock/system"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/config"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/dedup"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/events"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/events/sinks"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/extract"
	collyfetcher "github.com/JakeFAU/realtime-cpi-indexer/internal/fetcher/colly"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/frontier"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/hash/sha256"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/indexer"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/pipeline"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/seed"
	memorystorage "github.com/JakeFAU/realtime-cpi-indexer/internal/storage/memory"
	pgstorage "github.com/JakeFAU/realtime-cpi-indexer/internal/storage/postgres"
	"github.com/JakeFAU/realtime-cpi-indexer/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	frontier    *frontier.Frontier
	dedupStore  dedup.Store
	pool        *worker.Pool
	coordinator *pipeline.Coordinator
	hub         *events.Hub
	seeder      *seed.Seeder
	manager     *checkpoint.Manager
	apiServer   *api.Server
	clock       indexer.Clock

	ready atomic.Bool

	// owned clients released by Close
	pgPool          *pgxpool.Pool
	redisClient     *redis.Client
	pubsubClient    *pubsub.Client
	pubsubTopic     *pubsub.Topic
	gcsBlob         *gcsblob.BlobStore
	checkpointStore checkpoint.Store
}

// Build creates every application dependency according to the configuration.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	metrics.Init()

	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
	}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Int("workers", cfg.Workers.Count),
		zap.Int("sources", len(cfg.Sources)))

	if err := a.setupDedup(ctx); err != nil {
		return nil, err
	}
	a.frontier = frontier.New(a.dedupStore, frontier.Config{
		BackoffBase: time.Duration(cfg.Frontier.BackoffInitialMs) * time.Millisecond,
		BackoffMax:  time.Duration(cfg.Frontier.BackoffMaxMs) * time.Millisecond,
		MaxRetries:  cfg.Frontier.MaxRetries,
	})

	records, runs, err := a.setupStorage(ctx)
	if err != nil {
		return nil, err
	}
	blobStore, err := a.setupBlob(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.setupEvents(ctx, runs); err != nil {
		return nil, err
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
		MaxBodyBytes:  cfg.Fetch.MaxBodyBytes,
	})
	w := worker.New(fetcher, extract.NewRegistry(), blobStore, sha256.New(), a.clock, worker.Config{
		ContentType:   cfg.Workers.ContentType,
		BlobPrefix:    cfg.Workers.BlobPrefix,
		ArchiveBodies: cfg.Workers.ArchiveBodies,
	}, logger.Named("worker"))
	a.pool = worker.NewPool(w, cfg.Workers.Count, logger.Named("pool"))

	var emitter events.Emitter = a.hub
	pipelineRecords := records
	if cfg.DryRun {
		logger.Info("dry run: record writes and event publishes disabled")
		emitter = events.Discard{}
		pipelineRecords = dryRunRecordStore{RecordStore: records, logger: logger.Named("dryrun")}
	}

	gate := ratelimit.New(rateLimitConfig(cfg.RateLimit))
	a.coordinator = pipeline.New(pipeline.Config{
		GateRetryDelay:    time.Duration(cfg.Pipeline.GateRetryMs) * time.Millisecond,
		PoolRetryDelay:    time.Duration(cfg.Pipeline.PoolRetryMs) * time.Millisecond,
		RateLimitCooldown: time.Duration(cfg.Pipeline.RateLimitCooldownSeconds) * time.Second,
		StorageMaxRetries: cfg.Pipeline.StorageMaxRetries,
		StorageRetryDelay: time.Duration(cfg.Pipeline.StorageRetryMs) * time.Millisecond,
		DrainGrace:        time.Duration(cfg.Pipeline.DrainGraceSeconds) * time.Second,
	}, a.frontier, a.dedupStore, gate, a.pool, pipelineRecords, emitter, a.clock, logger.Named("pipeline"))

	if err := a.setupCheckpoint(ctx); err != nil {
		return nil, err
	}
	a.manager = checkpoint.NewManager(
		a.coordinator,
		a.frontier,
		a.dedupStore,
		a.checkpointStore,
		a.clock,
		checkpoint.Config{Interval: time.Duration(cfg.Checkpoint.IntervalSeconds) * time.Second},
		logger.Named("checkpoint"),
	)

	a.seeder, err = seed.New(cfg.SeedSources(), a.frontier, emitter, a.clock, logger.Named("seed"))
	if err != nil {
		return nil, fmt.Errorf("seeder init failed: %w", err)
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(
		records,
		runs,
		a.coordinator,
		a.manager.LastPersisted,
		a.ready.Load,
		api.Config{Timeout: cfg.ServerTimeout(), APIKey: apiKey},
		logger.Named("api"),
	)
	return a, nil
}

func rateLimitConfig(cfg config.RateLimitConfig) ratelimit.Config {
	out := ratelimit.Config{
		DefaultRPS:   cfg.DefaultRPS,
		DefaultBurst: cfg.DefaultBurst,
	}
	if len(cfg.PerHost) > 0 {
		out.PerHost = make(map[string]ratelimit.HostLimit, len(cfg.PerHost))
		for host, limit := range cfg.PerHost {
			out.PerHost[host] = ratelimit.HostLimit{RPS: limit.RPS, Burst: limit.Burst}
		}
	}
	return out
}

func (a *App) setupDedup(ctx context.Context) error {
	retention := time.Duration(a.cfg.Dedup.RetentionHours) * time.Hour
	switch a.cfg.Dedup.Backend {
	case "redis":
		a.logger.Info("using redis dedup backend", zap.String("addr", a.cfg.Dedup.RedisAddr))
		a.redisClient = redis.NewClient(&redis.Options{Addr: a.cfg.Dedup.RedisAddr})
		if err := a.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		a.dedupStore = dedup.NewRedis(a.redisClient, a.cfg.Dedup.RedisPrefix, retention)
	default:
		a.logger.Info("using in-memory dedup backend")
		a.dedupStore = dedup.NewMemory(retention)
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) (indexer.RecordStore, indexer.RunStore, error) {
	switch a.cfg.Storage.Backend {
	case "postgres":
		a.logger.Info("using postgres storage backend")
		pool, err := pgxpool.New(ctx, a.cfg.Storage.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool init failed: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres ping failed: %w", err)
		}
		a.pgPool = pool
		records, err := pgstorage.NewRecordStoreWithPool(pool, a.cfg.Storage.RecordsTable)
		if err != nil {
			return nil, nil, fmt.Errorf("record store init failed: %w", err)
		}
		runs, err := pgstorage.NewRunStoreWithPool(pool, a.cfg.Storage.RunsTable)
		if err != nil {
			return nil, nil, fmt.Errorf("run store init failed: %w", err)
		}
		return records, runs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewRecordStore(), memorystorage.NewRunStore(), nil
	}
}

func (a *App) setupBlob(ctx context.Context) (indexer.BlobStore, error) {
	switch a.cfg.Blob.Backend {
	case "gcs":
		a.logger.Info("using GCS blob backend", zap.String("bucket", a.cfg.Blob.Bucket))
		store, err := gcsblob.New(ctx, a.cfg.Blob.Bucket, a.logger.Named("blob"))
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcsBlob = store
		return store, nil
	case "local":
		a.logger.Info("using local blob backend", zap.String("dir", a.cfg.Blob.BaseDir))
		store, err := localblob.New(localblob.Config{BaseDir: a.cfg.Blob.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, nil
	default:
		a.logger.Info("using in-memory blob backend")
		return memoryblob.NewBlobStore(), nil
	}
}

func (a *App) setupEvents(ctx context.Context, runs indexer.RunStore) error {
	sinkList := []events.Sink{
		sinks.NewLogSink(a.logger.Named("events")),
		sinks.NewMetricsSink(),
		sinks.NewStoreSink(runs, a.logger.Named("events_store")),
	}
	if a.cfg.PubSub.Enabled && !a.cfg.DryRun {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubTopic = client.Topic(a.cfg.PubSub.TopicName)
		sinkList = append(sinkList, sinks.NewPubSubSink(a.pubsubTopic))
		a.logger.Info("pubsub event sink initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName))
	}
	a.hub = events.NewHub(events.Config{
		BufferSize:     a.cfg.Events.BufferSize,
		MaxBatchEvents: a.cfg.Events.BatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Events.BatchWaitMs) * time.Millisecond,
		Logger:         a.logger.Named("events_hub"),
	}, sinkList...)
	return nil
}

func (a *App) setupCheckpoint(ctx context.Context) error {
	switch a.cfg.Checkpoint.Backend {
	case "gcs":
		a.logger.Info("using GCS checkpoint backend", zap.String("bucket", a.cfg.Checkpoint.Bucket))
		store, err := checkpoint.NewGCSStore(ctx,
			a.cfg.Checkpoint.Bucket,
			a.cfg.Checkpoint.Prefix,
			a.cfg.Checkpoint.Keep,
			a.logger.Named("checkpoint_store"))
		if err != nil {
			return fmt.Errorf("gcs checkpoint store init failed: %w", err)
		}
		a.checkpointStore = store
	default:
		a.logger.Info("using local checkpoint backend", zap.String("dir", a.cfg.Checkpoint.Dir))
		store, err := checkpoint.NewLocalStore(a.cfg.Checkpoint.Dir, a.cfg.Checkpoint.Keep,
			a.logger.Named("checkpoint_store"))
		if err != nil {
			return fmt.Errorf("local checkpoint store init failed: %w", err)
		}
		a.checkpointStore = store
	}
	return nil
}

// Run recovers state, seeds the frontier, starts every goroutine, and blocks
// until the context is canceled. Shutdown order matters: the API and seeder
// stop first, then the coordinator drains in-flight fetches while the pool
// still runs, then the final checkpoint is taken.
func (a *App) Run(ctx context.Context) error {
	if err := a.recoverAndSeed(ctx); err != nil {
		return err
	}

	poolCtx, poolCancel := context.WithCancel(context.Background())
	defer poolCancel()
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		a.pool.Run(poolCtx)
	}()

	coordCtx, coordCancel := context.WithCancel(context.Background())
	defer coordCancel()
	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		a.coordinator.Run(coordCtx)
	}()

	mgrCtx, mgrCancel := context.WithCancel(context.Background())
	defer mgrCancel()
	go a.manager.Run(mgrCtx)

	if err := a.seeder.Start(ctx); err != nil {
		return fmt.Errorf("start seed schedules: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	a.ready.Store(true)
	a.logger.Info("application started")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-httpErr:
		runErr = fmt.Errorf("http server failed: %w", err)
	}
	a.ready.Store(false)
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a.seeder.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", zap.Error(err))
	}

	// Stop dispatching and drain; workers must stay alive until the
	// coordinator has collected every in-flight outcome.
	coordCancel()
	<-coordDone
	poolCancel()
	<-poolDone

	mgrCancel()
	a.manager.Final(shutdownCtx)

	if err := a.hub.Close(shutdownCtx); err != nil {
		a.logger.Warn("event hub close failed", zap.Error(err))
	}
	a.Close()
	return runErr
}

// recoverAndSeed restores the newest checkpoint when one exists; otherwise
// it seeds every configured source with a fresh epoch. A warm start skips
// initial seeding so a restart resumes the interrupted crawl instead of
// re-admitting it; the cron schedules take over from there.
func (a *App) recoverAndSeed(ctx context.Context) error {
	snap, err := a.manager.LoadLatest(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if snap != nil {
		if err := a.manager.Restore(ctx, snap); err != nil {
			return fmt.Errorf("restore checkpoint: %w", err)
		}
		return nil
	}
	epoch := a.clock.Now().UTC().Unix()
	if _, err := a.seeder.SeedAll(ctx, epoch); err != nil {
		return fmt.Errorf("seed sources: %w", err)
	}
	return nil
}

// Close releases owned clients. Safe to call after a failed Build.
func (a *App) Close() {
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsBlob != nil {
		if err := a.gcsBlob.Close(); err != nil {
			a.logger.Warn("gcs blob store close failed", zap.Error(err))
		}
	}
	if store, ok := a.checkpointStore.(*checkpoint.GCSStore); ok {
		if err := store.Close(); err != nil {
			a.logger.Warn("gcs checkpoint store close failed", zap.Error(err))
		}
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
}
