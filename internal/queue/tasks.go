package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"textbook-knowledge-engine/internal/config"
	"textbook-knowledge-engine/internal/logger"
	"textbook-knowledge-engine/services"
)

// Task types
const (
	TypeExtractBatch = "extraction:batch"
)

// Queue priorities
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// ExtractBatchPayload identifies the document whose next window should run.
type ExtractBatchPayload struct {
	DocumentID string `json:"document_id"`
}

// NewExtractBatchTask creates a batch extraction task. Extraction is the
// product's critical path, so it runs on the critical queue.
func NewExtractBatchTask(documentID string) (*asynq.Task, error) {
	payload, err := json.Marshal(ExtractBatchPayload{DocumentID: documentID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal extract batch payload: %w", err)
	}

	return asynq.NewTask(TypeExtractBatch, payload,
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
	), nil
}

// RedisOpt builds the asynq redis connection options from configuration.
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// NewServer builds the asynq worker server with weighted queues.
func NewServer(cfg *config.Config) *asynq.Server {
	return asynq.NewServer(RedisOpt(cfg), asynq.Config{
		Concurrency: 2, // extraction is provider-rate-limited, keep it narrow
		Queues: map[string]int{
			QueueCritical: 6,
			QueueDefault:  3,
			QueueLow:      1,
		},
	})
}

// Processor handles queued tasks against the document pipeline.
type Processor struct {
	documents *services.DocumentService
	client    *asynq.Client
}

func NewProcessor(documents *services.DocumentService, client *asynq.Client) *Processor {
	return &Processor{documents: documents, client: client}
}

// Register mounts all task handlers on the mux.
func (p *Processor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeExtractBatch, p.HandleExtractBatch)
}

// HandleExtractBatch runs one checkpointed window and re-enqueues itself
// until the document is fully extracted.
func (p *Processor) HandleExtractBatch(ctx context.Context, t *asynq.Task) error {
	var payload ExtractBatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal extract batch payload: %v: %w", err, asynq.SkipRetry)
	}

	docID, err := primitive.ObjectIDFromHex(payload.DocumentID)
	if err != nil {
		return fmt.Errorf("invalid document id %q: %v: %w", payload.DocumentID, err, asynq.SkipRetry)
	}

	result, finished, err := p.documents.ProcessNextBatch(ctx, docID)
	if err != nil {
		return fmt.Errorf("batch extraction failed for %s: %w", payload.DocumentID, err)
	}

	if finished {
		logger.Info("Document extraction finished",
			"document_id", payload.DocumentID,
			"needs_review", len(result.PagesNeedingReview))
		return nil
	}

	next, err := NewExtractBatchTask(payload.DocumentID)
	if err != nil {
		return err
	}
	info, err := p.client.EnqueueContext(ctx, next)
	if err != nil {
		return fmt.Errorf("failed to enqueue next batch for %s: %w", payload.DocumentID, err)
	}

	logger.Info("Next extraction batch enqueued",
		"document_id", payload.DocumentID,
		"resume_from_page", result.ResumeFromPage,
		"task_id", info.ID)

	return nil
}
