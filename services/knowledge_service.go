package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"textbook-knowledge-engine/internal/logger"
	"textbook-knowledge-engine/internal/telemetry"
	"textbook-knowledge-engine/models"
)

// RetrievalConfig bounds search fan-out and context assembly.
type RetrievalConfig struct {
	FetchCap          int
	DefaultLimit      int
	DefaultMinSim     float64
	ContextTotalLimit int
}

// KnowledgeService owns the chunk collection: persistence with vectors,
// filtered semantic search and weighted multi-bucket context assembly.
type KnowledgeService struct {
	chunks  *mongo.Collection
	gateway *EmbeddingGateway
	cfg     RetrievalConfig
	metrics *telemetry.Metrics
}

func NewKnowledgeService(db *mongo.Database, gateway *EmbeddingGateway, cfg RetrievalConfig, metrics *telemetry.Metrics) *KnowledgeService {
	if cfg.FetchCap <= 0 {
		cfg.FetchCap = 500
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.ContextTotalLimit <= 0 {
		cfg.ContextTotalLimit = 10
	}

	return &KnowledgeService{
		chunks:  db.Collection("chunks"),
		gateway: gateway,
		cfg:     cfg,
		metrics: metrics,
	}
}

// SaveChunks embeds chunk texts and upserts the results keyed by chunk id,
// so re-running indexing for a document is idempotent. Chunks whose
// embedding failed are stored without a vector and stay invisible to search
// until re-indexed.
func (ks *KnowledgeService) SaveChunks(ctx context.Context, chunks []models.KnowledgeChunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}

	vectors, err := ks.gateway.EmbedTexts(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed chunks: %w", err)
	}

	embedded := 0
	writes := make([]mongo.WriteModel, 0, len(chunks))
	for i := range chunks {
		chunks[i].Vector = vectors[i]
		if len(vectors[i]) > 0 {
			embedded++
		}
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"chunk_id": chunks[i].ChunkID}).
			SetReplacement(chunks[i]).
			SetUpsert(true))
	}

	if _, err := ks.chunks.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false)); err != nil {
		return 0, fmt.Errorf("failed to persist chunks: %w", err)
	}

	if embedded < len(chunks) {
		logger.Warn("Some chunks stored without vectors",
			"total", len(chunks), "embedded", embedded)
	}

	return embedded, nil
}

// Search embeds the query, fetches a bounded candidate set by metadata
// filter and ranks it by cosine similarity in memory.
func (ks *KnowledgeService) Search(ctx context.Context, query string, filters models.SearchFilters, limit int, minSimilarity float64) (*models.SearchResponse, error) {
	start := time.Now()

	if limit <= 0 {
		limit = ks.cfg.DefaultLimit
	}
	if minSimilarity <= 0 {
		minSimilarity = ks.cfg.DefaultMinSim
	}

	queryVector, err := ks.gateway.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	candidates, err := ks.fetchCandidates(ctx, filterToBSON(filters))
	if err != nil {
		return nil, err
	}

	results := RankBySimilarity(queryVector, candidates, minSimilarity, limit)
	ks.touchUsage(results)

	elapsed := time.Since(start)
	if ks.metrics != nil {
		ks.metrics.RecordSearch(elapsed.Seconds(), len(results))
	}

	return &models.SearchResponse{
		Results:          results,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}, nil
}

// ContextResponse is the assembled prompt context plus its source chunks.
type ContextResponse struct {
	Context          string                `json:"context"`
	Chunks           []models.SearchResult `json:"chunks"`
	ProcessingTimeMs int64                 `json:"processing_time_ms"`
}

// BuildPromptContext searches the three volume-type buckets concurrently and
// assembles a curriculum-first context string. A failed bucket is logged and
// skipped rather than failing the whole assembly.
func (ks *KnowledgeService) BuildPromptContext(ctx context.Context, query, subject, grade string, totalLimit int) (*ContextResponse, error) {
	start := time.Now()

	if totalLimit <= 0 {
		totalLimit = ks.cfg.ContextTotalLimit
	}
	curLimit, textLimit, guideLimit := BucketLimits(totalLimit)

	queryVector, err := ks.gateway.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	buckets := []struct {
		volumeType string
		limit      int
		filter     bson.M
	}{
		{models.VolumeTypeCurriculum, curLimit, curriculumFilter(subject, grade)},
		{models.VolumeTypeTextbook, textLimit, volumeFilter(models.VolumeTypeTextbook, subject, grade)},
		{models.VolumeTypeGuide, guideLimit, volumeFilter(models.VolumeTypeGuide, subject, grade)},
	}

	results := make([][]models.SearchResult, len(buckets))
	var wg sync.WaitGroup

	for i, bucket := range buckets {
		wg.Add(1)
		go func(i int, volumeType string, limit int, filter bson.M) {
			defer wg.Done()

			candidates, err := ks.fetchCandidates(ctx, filter)
			if err != nil {
				logger.Warn("Context bucket search failed",
					"volume_type", volumeType, "error", err)
				return
			}
			results[i] = RankBySimilarity(queryVector, candidates, ks.cfg.DefaultMinSim, limit)
		}(i, bucket.volumeType, bucket.limit, bucket.filter)
	}
	wg.Wait()

	merged := MergeBuckets(results[0], results[1], results[2])
	ks.touchUsage(merged)

	elapsed := time.Since(start)
	if ks.metrics != nil {
		ks.metrics.RecordSearch(elapsed.Seconds(), len(merged))
	}

	return &ContextResponse{
		Context:          FormatContext(merged),
		Chunks:           merged,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}, nil
}

// DeleteDocumentChunks removes every chunk of a document via the chunk id
// prefix and reports how many were deleted.
func (ks *KnowledgeService) DeleteDocumentChunks(ctx context.Context, documentID primitive.ObjectID) (int64, error) {
	filter := bson.M{"chunk_id": bson.M{"$regex": "^" + documentID.Hex() + "_"}}
	result, err := ks.chunks.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks for document %s: %w", documentID.Hex(), err)
	}
	return result.DeletedCount, nil
}

func (ks *KnowledgeService) fetchCandidates(ctx context.Context, filter bson.M) ([]models.KnowledgeChunk, error) {
	opts := options.Find().SetLimit(int64(ks.cfg.FetchCap))
	cursor, err := ks.chunks.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candidate chunks: %w", err)
	}
	defer cursor.Close(ctx)

	var candidates []models.KnowledgeChunk
	if err := cursor.All(ctx, &candidates); err != nil {
		return nil, fmt.Errorf("failed to decode candidate chunks: %w", err)
	}
	return candidates, nil
}

// touchUsage bumps usage counters for served chunks without blocking the
// response. Failures are logged and dropped.
func (ks *KnowledgeService) touchUsage(results []models.SearchResult) {
	if len(results) == 0 {
		return
	}

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Chunk.ChunkID
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		filter := bson.M{"chunk_id": bson.M{"$in": ids}}
		update := bson.M{"$inc": bson.M{"usage_count": 1}}
		if _, err := ks.chunks.UpdateMany(ctx, filter, update); err != nil {
			logger.Warn("Failed to update chunk usage counters", "error", err)
		}
	}()
}

func filterToBSON(filters models.SearchFilters) bson.M {
	filter := bson.M{}
	if filters.Subject != "" {
		filter["subject"] = filters.Subject
	}
	if filters.Grade != "" {
		filter["grade"] = filters.Grade
	}
	if filters.Volume != "" {
		filter["volume"] = filters.Volume
	}
	if filters.VolumeType != "" {
		filter["volume_type"] = filters.VolumeType
	}
	if filters.ContentType != "" {
		filter["content_type"] = filters.ContentType
	}
	return filter
}

// curriculumFilter matches curriculum chunks whose grade equals the target
// or whose grades array contains it, since curriculum volumes often span
// several grades.
func curriculumFilter(subject, grade string) bson.M {
	filter := bson.M{"volume_type": models.VolumeTypeCurriculum}
	if subject != "" {
		filter["subject"] = subject
	}
	if grade != "" {
		filter["$or"] = []bson.M{
			{"grade": grade},
			{"grades": grade},
		}
	}
	return filter
}

func volumeFilter(volumeType, subject, grade string) bson.M {
	filter := bson.M{"volume_type": volumeType}
	if subject != "" {
		filter["subject"] = subject
	}
	if grade != "" {
		filter["grade"] = grade
	}
	return filter
}

// BucketLimits splits a total context budget 30/40/30 across curriculum,
// textbook and guide. Rounding remainder goes to the textbook bucket so the
// parts always sum to the total.
func BucketLimits(total int) (curriculum, textbook, guide int) {
	curriculum = total * 30 / 100
	guide = total * 30 / 100
	textbook = total - curriculum - guide
	return curriculum, textbook, guide
}

// MergeBuckets concatenates bucket results curriculum-first, dropping
// duplicate chunk ids in later buckets.
func MergeBuckets(curriculum, textbook, guide []models.SearchResult) []models.SearchResult {
	seen := make(map[string]bool)
	merged := make([]models.SearchResult, 0, len(curriculum)+len(textbook)+len(guide))

	for _, bucket := range [][]models.SearchResult{curriculum, textbook, guide} {
		for _, result := range bucket {
			if seen[result.Chunk.ChunkID] {
				continue
			}
			seen[result.Chunk.ChunkID] = true
			merged = append(merged, result)
		}
	}

	return merged
}

// FormatContext renders ranked chunks into a labeled prompt context block.
func FormatContext(results []models.SearchResult) string {
	if len(results) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, result := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(fmt.Sprintf("[%s | %s | grade %s",
			result.Chunk.VolumeType, result.Chunk.Subject, result.Chunk.Grade))
		if result.Chunk.Chapter != "" {
			sb.WriteString(" | " + result.Chunk.Chapter)
		}
		sb.WriteString("]\n")
		sb.WriteString(result.Chunk.Text)
	}
	return sb.String()
}
