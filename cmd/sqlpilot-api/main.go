package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sqlpilot/sqlpilot/internal/api"
	"github.com/sqlpilot/sqlpilot/internal/auth"
	"github.com/sqlpilot/sqlpilot/internal/config"
	"github.com/sqlpilot/sqlpilot/internal/embedcache"
	"github.com/sqlpilot/sqlpilot/internal/embedding"
	"github.com/sqlpilot/sqlpilot/internal/generator"
	"github.com/sqlpilot/sqlpilot/internal/nl2sql"
	"github.com/sqlpilot/sqlpilot/internal/observability"
	"github.com/sqlpilot/sqlpilot/internal/query"
	duckdbparser "github.com/sqlpilot/sqlpilot/internal/query/duckdb"
	"github.com/sqlpilot/sqlpilot/internal/query/sqldb"
	"github.com/sqlpilot/sqlpilot/internal/schema"
	"github.com/sqlpilot/sqlpilot/internal/sqlguard"
	s3store "github.com/sqlpilot/sqlpilot/internal/storage/s3"
	"github.com/sqlpilot/sqlpilot/internal/vectorstore"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Error("failed to load .env", slog.Any("error", err))
		os.Exit(1)
	}
	cfg, err := config.LoadFromEnv("sqlpilot-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		db     *sql.DB
		engine query.Engine
	)
	if cfg.Database.DSN != "" || cfg.Database.Dialect == sqldb.DialectDuckDB {
		db, err = sqldb.Open(ctx, sqldb.DBConfig{
			Dialect:         cfg.Database.Dialect,
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to open target database", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		sqlEngine, err := sqldb.NewEngine(db, cfg.Database.Dialect)
		if err != nil {
			logger.Error("failed to initialize query engine", slog.Any("error", err))
			os.Exit(1)
		}
		engine = sqlEngine
	} else {
		logger.Warn("no target database configured; generated SQL is checked for syntax only")
	}

	var parser sqlguard.Parser
	if cfg.Validator.SyntaxParser == "duckdb" {
		var p *duckdbparser.Parser
		if db != nil && cfg.Database.Dialect == sqldb.DialectDuckDB {
			p = duckdbparser.NewParserWithDB(db)
		} else if p, err = duckdbparser.NewParser(); err != nil {
			logger.Error("failed to open duckdb parser", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = p.Close() }()
		parser = p
	}
	validator := sqlguard.New(sqlguard.Options{
		Engine:       engine,
		Parser:       parser,
		Logger:       logger,
		RowLimit:     cfg.Validator.RowLimit,
		Timeout:      cfg.Validator.Timeout,
		ScratchDir:   cfg.Validator.ScratchDir,
		MinFreeBytes: uint64(cfg.Validator.MinFreeMB) << 20,
	})

	var embedder embedding.Embedder
	embedder, err = embedding.New(ctx, embedding.Config{
		Provider:   cfg.Embedding.Provider,
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		Timeout:    cfg.Embedding.Timeout,
		MaxRetries: cfg.Embedding.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to initialize embedder", slog.Any("error", err))
		os.Exit(1)
	}
	var redisClient *redis.Client
	if cfg.Embedding.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Embedding.RedisAddr,
			Password: cfg.Embedding.RedisPassword,
			DB:       cfg.Embedding.RedisDB,
		})
		defer func() { _ = redisClient.Close() }()
		embedder = embedcache.WrapRedis(embedder, redisClient, cfg.Embedding.RedisTTL, logger)
	}
	cachedEmbedder, err := embedcache.New(embedder, cfg.Embedding.CacheCapacity, logger)
	if err != nil {
		logger.Error("failed to initialize embedding cache", slog.Any("error", err))
		os.Exit(1)
	}

	var (
		snapshots   vectorstore.SnapshotStore = vectorstore.FileSnapshotStore{Path: cfg.Store.SnapshotPath}
		objectReady api.ReadinessCheck
	)
	if cfg.Store.Backend == "object" {
		objectStore, err := s3store.New(ctx, s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		snapshots = vectorstore.ObjectSnapshotStore{Store: objectStore, Key: cfg.Store.SnapshotKey}
		objectReady = api.CheckObjectStore(objectStore.Ping)
	}
	store := vectorstore.New(
		vectorstore.WithDimension(cfg.Store.Dimension),
		vectorstore.WithSnapshotStore(snapshots),
		vectorstore.WithLogger(logger),
	)
	loaded, err := store.Load(ctx)
	if err != nil {
		logger.Error("example store snapshot unreadable; serving without learned examples and not saving",
			slog.Any("error", err))
	} else if loaded {
		logger.Info("loaded example store", slog.Int("records", store.Len()))
	}

	schemaSource := schema.NewCachedSource(
		schema.NewDialectIntrospector(db, cfg.Database.Dialect, logger),
		cfg.Schema.CachePath,
		logger,
	)
	if cfg.Schema.RefreshSchedule != "" {
		refresher, err := schema.NewRefresher(schemaSource, cfg.Schema.RefreshSchedule, logger)
		if err != nil {
			logger.Error("invalid schema refresh schedule", slog.Any("error", err))
			os.Exit(1)
		}
		refresher.Start(ctx)
		defer refresher.Stop()
	}

	completer, err := nl2sql.New(ctx, nl2sql.Config{
		Provider:    cfg.LLM.Provider,
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     cfg.LLM.Timeout,
		MaxRetries:  cfg.LLM.MaxRetries,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to initialize completer", slog.Any("error", err))
		os.Exit(1)
	}

	service, err := generator.New(generator.Options{
		Schema:           schemaSource,
		Embedder:         cachedEmbedder,
		Store:            store,
		Completer:        completer,
		Validator:        validator,
		Logger:           logger,
		SearchTopK:       cfg.Store.TopK,
		PromptExamples:   cfg.Store.PromptExamples,
		ResponseExamples: cfg.Store.ResponseExamples,
	})
	if err != nil {
		logger.Error("failed to initialize generator", slog.Any("error", err))
		os.Exit(1)
	}

	deps := api.Dependencies{
		Logger:    logger,
		Generator: service,
		Schema:    schemaSource,
		Examples:  store,
		Readiness: api.CombineReadinessChecks(
			pingCheck(db),
			objectReady,
		),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		keys, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, keys)
	}

	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      api.NewHandler(cfg, deps),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
	}
	if store.Dirty() {
		if err := store.Save(shutdownCtx); err != nil && !errors.Is(err, vectorstore.ErrNoSnapshotStore) {
			logger.Error("final example store snapshot failed", slog.Any("error", err))
		}
	}
}

func pingCheck(db *sql.DB) api.ReadinessCheck {
	if db == nil {
		return nil
	}
	return api.CheckDatabase(db.PingContext)
}
