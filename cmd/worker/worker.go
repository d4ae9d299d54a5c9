package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/hibiken/asynq"

	"textbook-knowledge-engine/internal/ai"
	"textbook-knowledge-engine/internal/config"
	"textbook-knowledge-engine/internal/logger"
	"textbook-knowledge-engine/internal/queue"
	"textbook-knowledge-engine/internal/telemetry"
	"textbook-knowledge-engine/services"
)

// stalledAfter is how long a checkpoint may sit untouched before the
// resumer re-enqueues its document.
const stalledAfter = 30 * time.Minute

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.InitLogger(cfg)

	shutdownTracer, err := telemetry.InitTracer("textbook-knowledge-engine-worker")
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

	taskClient := asynq.NewClient(queue.RedisOpt(cfg))
	defer taskClient.Close()

	// Resumer: documents whose checkpoint stopped advancing are re-enqueued,
	// the checkpoint guarantees no page runs twice
	scheduler := gocron.NewScheduler(time.UTC)
	if _, err := scheduler.Every(10).Minutes().Do(func() {
		resumeStalled(documents, taskClient)
	}); err != nil {
		logger.Error("Failed to schedule stalled-checkpoint resumer", "error", err)
		os.Exit(1)
	}
	scheduler.StartAsync()
	defer scheduler.Stop()

	srv := queue.NewServer(cfg)
	mux := asynq.NewServeMux()
	queue.NewProcessor(documents, taskClient).Register(mux)

	go func() {
		logger.Info("Worker started", "batch_window", cfg.BatchWindow)
		if err := srv.Run(mux); err != nil {
			logger.Error("Worker failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker")
	srv.Shutdown()
}

func resumeStalled(documents *services.DocumentService, taskClient *asynq.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stalled, err := documents.FindStalled(ctx, stalledAfter)
	if err != nil {
		logger.Error("Stalled-checkpoint scan failed", "error", err)
		return
	}

	for _, id := range stalled {
		task, err := queue.NewExtractBatchTask(id.Hex())
		if err != nil {
			logger.Error("Failed to build resume task", "document_id", id.Hex(), "error", err)
			continue
		}
		if _, err := taskClient.EnqueueContext(ctx, task); err != nil {
			logger.Error("Failed to enqueue resume task", "document_id", id.Hex(), "error", err)
			continue
		}
		logger.Info("Re-enqueued stalled extraction", "document_id", id.Hex())
	}
}
