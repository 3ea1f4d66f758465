package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/knowledge-assistant/backend/internal/api/handlers"
	redisCache "github.com/knowledge-assistant/backend/internal/cache/redis"
	"github.com/knowledge-assistant/backend/internal/ingestion"
	"github.com/knowledge-assistant/backend/internal/llm"
	"github.com/knowledge-assistant/backend/internal/metrics"
	"github.com/knowledge-assistant/backend/internal/middleware/auth"
	"github.com/knowledge-assistant/backend/internal/middleware/ratelimit"
	"github.com/knowledge-assistant/backend/internal/middleware/security"
	"github.com/knowledge-assistant/backend/internal/middleware/validation"
	"github.com/knowledge-assistant/backend/internal/query"
	"github.com/knowledge-assistant/backend/internal/storage"
	"github.com/knowledge-assistant/backend/internal/storage/neo4j"
	"github.com/knowledge-assistant/backend/internal/storage/sqlite"
	"github.com/knowledge-assistant/backend/internal/vector"
	"github.com/knowledge-assistant/backend/internal/vector/memory"
	"github.com/knowledge-assistant/backend/internal/vector/qdrant"
	"github.com/knowledge-assistant/backend/internal/vector/zilliz"
	"github.com/knowledge-assistant/backend/pkg/config"
	appLogger "github.com/knowledge-assistant/backend/pkg/logger"
)

func main() {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Knowledge Assistant API Server",
		zap.String("vector_provider", cfg.Vector.Provider),
		zap.String("metadata_provider", cfg.Metadata.Provider),
	)

	metrics.Init()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	var store storage.DocumentStore = sqliteClient
	if cfg.Metadata.Provider == "neo4j" {
		neo4jClient, err := newNeo4jStore(ctx, cfg)
		if err != nil {
			appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
		}
		defer neo4jClient.Close()
		store = neo4jClient
	}

	backend, err := newVectorBackend(ctx, cfg)
	if err != nil {
		appLogger.Fatal("Failed to create vector backend", zap.Error(err))
	}
	vectors := vector.NewManager(backend)
	defer vectors.Close()

	llmClient := llm.NewClient(llm.Config{
		APIKey:           cfg.LLM.APIKey,
		BaseURL:          cfg.LLM.BaseURL,
		Model:            cfg.LLM.Model,
		Temperature:      cfg.LLM.Temperature,
		MaxTokens:        cfg.LLM.MaxTokens,
		Timeout:          time.Duration(cfg.LLM.TimeoutSec) * time.Second,
		EmbeddingModel:   cfg.LLM.EmbeddingModel,
		EmbeddingDim:     cfg.LLM.EmbeddingDim,
		EmbeddingTimeout: time.Duration(cfg.LLM.EmbeddingTimeoutSec) * time.Second,
		EmbeddingBatch:   cfg.LLM.EmbeddingBatchSize,
	})

	var embedder llm.Embedder = llmClient
	if cfg.Redis.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
		cache, err := redisCache.NewClient(ctx, addr, cfg.Redis.Password, cfg.Redis.DB, time.Duration(cfg.Redis.TTLHours)*time.Hour)
		if err != nil {
			// embeddings still work without the cache
			appLogger.Warn("Redis unavailable, embedding cache disabled", zap.String("addr", addr), zap.Error(err))
		} else {
			defer cache.Close()
			embedder = llm.NewCachedEmbedder(llmClient, cache, cfg.LLM.EmbeddingModel)
		}
	}

	processor := ingestion.NewProcessor(store, vectors, embedder, ingestion.Options{
		AllowedTypes: cfg.Ingestion.AllowedTypes,
		MaxFileSize:  cfg.Ingestion.MaxFileSizeBytes,
		ChunkSize:    cfg.Ingestion.ChunkSize,
		ChunkOverlap: cfg.Ingestion.ChunkOverlap,
		Timeout:      time.Duration(cfg.Ingestion.TimeoutSec) * time.Second,
	})
	queryEngine := query.NewEngine(vectors, embedder, llmClient, sqliteClient, query.Options{
		TopK:           cfg.Retrieval.TopK,
		MinScore:       cfg.Retrieval.MinScore,
		MaxQueryLength: cfg.Retrieval.MaxQueryLength,
		ExcerptLength:  cfg.Retrieval.ExcerptLength,
	})

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
		ErrorHandler: handlers.ErrorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.CORS.AllowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: strings.Split(cfg.CORS.AllowOrigins, ","),
		IsDevelopment:  cfg.Server.Development,
	}))

	app.Get("/metrics", metrics.MetricsHandler())

	authMiddleware := auth.Middleware(auth.Config{
		Verifier:   auth.NewTokenTable(cfg.Auth.Tokens),
		QueryParam: "token",
		Logger:     appLogger.Named("auth"),
	})
	if len(cfg.Auth.Tokens) == 0 {
		appLogger.Warn("No auth tokens configured, every authenticated request will be rejected")
	}

	api := app.Group("/api/v1")
	healthRoutes(api, vectors, store)

	secured := []fiber.Handler{authMiddleware}
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
			Logger:            appLogger.Named("ratelimit"),
		})
		defer limiter.Stop()
		secured = append(secured, limiter.Middleware())
	}
	secured = append(secured, validation.ContentType(validation.Config{}))

	queryHandler := handlers.NewQueryHandler(queryEngine)
	documentHandler := handlers.NewDocumentHandler(processor, store)
	wsHandler := handlers.NewWebSocketHandler(queryEngine)

	v1 := api.Group("", secured...)

	v1.Post("/upload", documentHandler.UploadDocument)
	v1.Post("/documents", documentHandler.UploadDocument)
	v1.Get("/documents", documentHandler.ListDocuments)

	v1.Post("/query", validation.QueryBody(validation.Config{
		MaxQueryLength: cfg.Retrieval.MaxQueryLength,
		Logger:         appLogger.Named("validation"),
	}), queryHandler.HandleQuery)
	v1.Get("/query/history", queryHandler.GetQueryHistory)

	v1.Get("/ws", handlers.RequireUpgrade, websocket.New(wsHandler.HandleConnection))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Warn("Shutdown did not complete cleanly", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

func newNeo4jStore(ctx context.Context, cfg *config.Config) (*neo4j.Client, error) {
	client, err := neo4j.NewClient(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
	if err != nil {
		return nil, err
	}
	if err := client.InitSchema(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func newVectorBackend(ctx context.Context, cfg *config.Config) (vector.Backend, error) {
	switch cfg.Vector.Provider {
	case "memory":
		appLogger.Warn("Using in-memory vector store, indexed documents are lost on restart")
		return memory.NewStore(), nil
	case "zilliz":
		client, err := zilliz.NewClient(ctx, zilliz.Config{
			Endpoint: cfg.Vector.Zilliz.Endpoint,
			APIKey:   cfg.Vector.Zilliz.APIKey,
			Username: cfg.Vector.Zilliz.Username,
			Password: cfg.Vector.Zilliz.Password,
		})
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return qdrant.NewClient(qdrant.Config{
			URL:       cfg.Vector.Qdrant.URL,
			APIKey:    cfg.Vector.Qdrant.APIKey,
			Timeout:   time.Duration(cfg.Vector.Qdrant.TimeoutSec) * time.Second,
			BatchSize: cfg.Vector.Qdrant.BatchSize,
		}), nil
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func healthRoutes(router fiber.Router, deps ...pinger) {
	router.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	router.Get("/ready", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
		defer cancel()

		for _, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"status": "not ready",
					"error":  err.Error(),
				})
			}
		}
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})
}
