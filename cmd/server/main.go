package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/data-platform/dataset-upload/internal/api"
	"github.com/data-platform/dataset-upload/internal/config"
	"github.com/data-platform/dataset-upload/internal/health"
	"github.com/data-platform/dataset-upload/internal/index"
	"github.com/data-platform/dataset-upload/internal/observability"
	"github.com/data-platform/dataset-upload/internal/pipeline"
	"github.com/data-platform/dataset-upload/internal/server"
	"github.com/data-platform/dataset-upload/internal/service/chunk"
	"github.com/data-platform/dataset-upload/internal/service/upload"
	"github.com/data-platform/dataset-upload/internal/storage/object"
	objectfs "github.com/data-platform/dataset-upload/internal/storage/object/fs"
	objects3 "github.com/data-platform/dataset-upload/internal/storage/object/s3"
	"github.com/data-platform/dataset-upload/internal/storage/sessions"
	"github.com/data-platform/dataset-upload/internal/validator"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level)
	logger.WithField("version", version).Info("starting dataset-upload")

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", err)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	metrics := observability.NewMetrics("dataset_upload", nil)

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	store, err := newObjectStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	instrumented := object.WithMetrics(store, metrics)

	sessionStore := sessions.NewStore(
		sessions.NewRepository(db),
		sessions.NewCache(redisClient),
	)
	chunkIndex := index.NewRedisIndexWithClient(redisClient)

	keys := object.KeyLayout{
		TempPrefix:  cfg.Upload.TempPrefix,
		FinalPrefix: cfg.Upload.FinalPrefix,
	}

	chunkService := chunk.NewService(chunk.Config{
		Sessions: sessionStore,
		Index:    chunkIndex,
		Store:    instrumented,
		Keys:     keys,
		Logger:   logger,
		Metrics:  metrics,
	})

	verifier := validator.NewValidator(validator.Config{
		AllowedTypes:      cfg.Upload.AllowedTypes,
		AllowedExtensions: cfg.Upload.AllowedExtensions,
		MaxFileSize:       cfg.Upload.MaxFileSize,
		DigestAlgorithm:   cfg.Upload.DigestAlgorithm,
		Logger:            logger,
	})

	processor := pipeline.NewProcessor(pipeline.ProcessorConfig{
		Workers:   cfg.Pipeline.Workers,
		QueueSize: cfg.Pipeline.QueueSize,
	})
	registerPipelineHandlers(processor, logger)
	if err := processor.Start(); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	hook := pipeline.NewHook(processor, logger, metrics)

	uploadService := upload.NewService(upload.Config{
		Sessions:  sessionStore,
		Chunks:    chunkService,
		Verifier:  verifier,
		Store:     instrumented,
		Hook:      hook,
		ChunkSize: cfg.Upload.ChunkSize,
		Expiry:    cfg.Upload.Expiry,
		Logger:    logger,
		Metrics:   metrics,
	})

	sweeper, err := upload.NewSweeper(uploadService, cfg.Sweep.Schedule, logger)
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	sweeper.Start()

	checks := health.NewRegistry(version)
	checks.Register("database", health.DatabaseChecker(sessionStore.Ping))
	checks.Register("index", health.IndexChecker(chunkIndex.Ping))
	checks.Register("storage", health.StoreChecker(storePing(store)))

	router := api.NewRouter(api.RouterConfig{
		Handler:   api.NewHandler(uploadService, chunkService, cfg.Upload.ChunkSize, logger),
		Logger:    logger,
		Readiness: checks.Handler(),
		Metrics:   promhttp.Handler(),
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := server.New(addr, router,
		cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout)

	// Teardown runs in reverse order: sweeper and pipeline first, stores last.
	srv.OnShutdown(func(ctx context.Context) error { return db.Close() })
	srv.OnShutdown(func(ctx context.Context) error { return redisClient.Close() })
	srv.OnShutdown(func(ctx context.Context) error { return processor.Stop() })
	srv.OnShutdown(func(ctx context.Context) error {
		sweeper.Stop()
		return nil
	})

	logger.WithField("addr", addr).Info("listening")
	return srv.Run()
}

// newObjectStore builds the store selected by configuration. There is no
// runtime fallback between backends.
func newObjectStore(ctx context.Context, cfg config.StorageConfig) (object.Store, error) {
	switch cfg.Provider {
	case "s3":
		return objects3.NewProvider(ctx, cfg)
	case "filesystem":
		return objectfs.NewProvider(cfg.LocalRoot)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

// storePing extracts the provider's readiness probe.
func storePing(store object.Store) func(ctx context.Context) error {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	if p, ok := store.(pinger); ok {
		return p.Ping
	}
	return func(ctx context.Context) error { return nil }
}

// registerPipelineHandlers wires the purpose handlers. Delivery is a log line
// until the downstream pipeline endpoints exist.
func registerPipelineHandlers(processor *pipeline.Processor, logger *observability.Logger) {
	log := logger.WithComponent("pipeline")
	handler := func(ctx context.Context, job *pipeline.Job) error {
		log.WithField("job_id", job.ID).
			WithField("purpose", string(job.Purpose)).
			WithField("final_path", job.FinalPath).
			Info("dataset handed to pipeline")
		return nil
	}
	for _, purpose := range []pipeline.Purpose{
		pipeline.PurposeFineTuning, pipeline.PurposeEmbeddings,
		pipeline.PurposeTraining, pipeline.PurposeIndexing,
		pipeline.PurposeDefault,
	} {
		processor.RegisterHandler(purpose, handler)
	}
}
