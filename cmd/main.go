package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"

	"textbook-knowledge-engine/internal/ai"
	"textbook-knowledge-engine/internal/config"
	"textbook-knowledge-engine/internal/logger"
	"textbook-knowledge-engine/internal/queue"
	"textbook-knowledge-engine/internal/telemetry"
	"textbook-knowledge-engine/middleware"
	"textbook-knowledge-engine/routes"
	"textbook-knowledge-engine/services"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.InitLogger(cfg)

	shutdownTracer, err := telemetry.InitTracer("textbook-knowledge-engine")
	if err != nil {
		logger.Warn("Tracing disabled", "error", err)
	} else {
		defer shutdownTracer()
	}

	metrics, err := telemetry.InitMetrics()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	mongoClient, err := config.ConnectMongoDB(cfg)
	if err != nil {
		logger.Error("Failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(ctx); err != nil {
			logger.Error("Failed to disconnect from MongoDB", "error", err)
		}
	}()
	db := mongoClient.Database(cfg.DBName)

	storage, err := services.NewFileStorageManager(cfg.FileStorageDir, cfg.MaxFileSize)
	if err != nil {
		logger.Error("Failed to initialize file storage", "error", err)
		os.Exit(1)
	}

	vision, err := ai.NewGeminiClient(cfg)
	if err != nil {
		logger.Error("Failed to initialize vision client", "error", err)
		os.Exit(1)
	}
	defer vision.Close()

	embedder, err := ai.NewGeminiEmbedder(cfg)
	if err != nil {
		logger.Error("Failed to initialize embedder", "error", err)
		os.Exit(1)
	}
	defer embedder.Close()

	gateway := services.NewEmbeddingGateway(embedder, cfg.EmbedBatchSize, cfg.EmbedBatchDelay, cfg.EmbedMaxChars, metrics)
	if redisClient, err := config.NewRedisClient(cfg); err != nil {
		logger.Warn("Query vector cache disabled", "error", err)
	} else {
		gateway.WithQueryCache(redisClient)
		defer redisClient.Close()
	}
	knowledge := services.NewKnowledgeService(db, gateway, services.RetrievalConfig{
		FetchCap:          cfg.SearchFetchCap,
		DefaultLimit:      cfg.DefaultSearchLimit,
		DefaultMinSim:     cfg.DefaultMinSimilarity,
		ContextTotalLimit: cfg.ContextTotalLimit,
	}, metrics)
	chunker := services.NewChunkerService(cfg.ChunkTokenBudget, cfg.MinChunkTokens, cfg.OverlapSentences)
	extractor := services.NewConsensusExtractor(vision, services.NewMongoExtractionStore(db), services.ExtractionConfig{
		LargeDocThreshold: cfg.LargeDocThreshold,
		BatchWindow:       cfg.BatchWindow,
		InterPageDelay:    cfg.InterPageDelay,
		BackoffMin:        cfg.BackoffMin,
		BackoffMax:        cfg.BackoffMax,
		MaxRetryAttempts:  cfg.MaxRetryAttempts,
	}, metrics)
	documents := services.NewDocumentService(db, storage, extractor, chunker, knowledge)
	reviews := services.NewReviewService(db, chunker, knowledge, storage)

	taskClient := asynq.NewClient(queue.RedisOpt(cfg))
	defer taskClient.Close()

	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware(),
		middleware.CORSMiddleware(cfg.CORSOrigins),
		middleware.TracingMiddleware(),
		middleware.EnrichTrace(),
		middleware.MetricsMiddleware(metrics),
	)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	routes.NewDocumentHandler(documents, taskClient, cfg.MaxFileSize).Register(api)
	routes.NewSearchHandler(knowledge).Register(api)
	routes.NewReviewHandler(reviews).Register(api)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("API server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Forced shutdown", "error", err)
	}
}
