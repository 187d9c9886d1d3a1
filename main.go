package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"dataassistant/internal/api"
	"dataassistant/internal/config"
	"dataassistant/internal/datasource"
	"dataassistant/internal/export"
	"dataassistant/internal/llm"
	"dataassistant/internal/logging"
	"dataassistant/internal/metrics"
	"dataassistant/internal/policy"
	"dataassistant/internal/redis"
	"dataassistant/internal/schemacache"
	"dataassistant/internal/service/assistant"
	"dataassistant/internal/service/pipeline"
	"dataassistant/internal/storage"
	"dataassistant/internal/worker"
)

func main() {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("DATA_ASSISTANT_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if err := config.ApplyEnv(cfg, os.LookupEnv); err != nil {
		log.Fatal().Err(err).Msg("apply environment")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	logging.Setup(cfg.BasicConfig.LogLevel, cfg.BasicConfig.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbType := cfg.BasicConfig.DatabaseType
	log.Info().Str("db_type", dbType).Msg("opening session store")
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}
	assistantService := assistant.NewService(db)

	source, err := datasource.Open(ctx, cfg.Target)
	if err != nil {
		log.Fatal().Err(err).Msg("open target database")
	}
	defer source.Close()
	if cfg.Target.SeedSample {
		n, err := source.SeedSample(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("seed sample data")
		}
		if n > 0 {
			log.Info().Int("rows", n).Msg("seeded sample sales data")
		}
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("create redis client")
		}
		defer rdb.Close()
	}
	cache := schemacache.New(source, rdb, time.Duration(cfg.Redis.SchemaTTLSeconds)*time.Second)
	if err := cache.Listen(ctx); err != nil {
		log.Warn().Err(err).Msg("schema invalidation listener unavailable")
	}

	opts := pipeline.Options{UseTools: cfg.ToolsEnabled(), Dialect: source.Driver()}
	if cfg.Policy.Enabled {
		engine, err := policy.LoadEngine(ctx, cfg.Policy.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("load sql policy")
		}
		opts.Guard = engine
	}

	client, err := llm.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create llm client")
	}
	runner := pipeline.New(client, cache, source, opts)

	dispatcher := worker.NewDispatcher(
		cfg.Worker.MinWorkers,
		cfg.Worker.MaxWorkers,
		cfg.Worker.QueueSize,
		time.Duration(cfg.Worker.IdleTimeoutSeconds)*time.Second,
	)

	var store export.ObjectStore
	if cfg.Export.Endpoint != "" {
		s3, err := export.NewS3Store(ctx, cfg.Export)
		if err != nil {
			log.Fatal().Err(err).Msg("create export store")
		}
		store = s3
	}

	handlers := api.NewHandler(api.Deps{
		Assistant: assistantService,
		Pipeline:  runner,
		Schema:    cache,
		Tables:    source,
		Workers:   dispatcher,
		Exporter:  export.NewExporter(store),
	}, api.Options{
		HistoryLimit:  cfg.HistoryLimit(),
		StreamTimeout: time.Duration(cfg.BasicConfig.StreamTimeoutSeconds) * time.Second,
		RateLimit:     cfg.RateLimit,
		CORSOrigins:   cfg.BasicConfig.CORSOrigins,
	})

	router := gin.New()
	router.Use(logging.GinLogger(), gin.Recovery(), metrics.Middleware(), api.CORS(cfg.BasicConfig.CORSOrigins))
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8090"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Str("target", source.Driver()).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	dispatcher.Close()
}
