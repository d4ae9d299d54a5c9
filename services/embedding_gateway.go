package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"textbook-knowledge-engine/internal/logger"
	"textbook-knowledge-engine/internal/telemetry"
)

const queryCacheTTL = time.Hour

// Embedder is the external embedding capability consumed by the gateway.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingGateway batches chunk texts into the embedding capability. Order
// is preserved: the i-th output vector belongs to the i-th input text. A
// failed item yields an empty vector instead of aborting the batch, so one
// bad chunk never loses a whole document.
type EmbeddingGateway struct {
	embedder   Embedder
	batchSize  int
	batchDelay time.Duration
	maxChars   int
	metrics    *telemetry.Metrics
	cache      *redis.Client
}

// WithQueryCache enables redis caching of query vectors. Repeated searches
// for the same query skip the embedding call entirely.
func (g *EmbeddingGateway) WithQueryCache(cache *redis.Client) *EmbeddingGateway {
	g.cache = cache
	return g
}

func NewEmbeddingGateway(embedder Embedder, batchSize int, batchDelay time.Duration, maxChars int, metrics *telemetry.Metrics) *EmbeddingGateway {
	if batchSize <= 0 {
		batchSize = 10
	}
	if maxChars <= 0 {
		maxChars = 8000
	}

	return &EmbeddingGateway{
		embedder:   embedder,
		batchSize:  batchSize,
		batchDelay: batchDelay,
		maxChars:   maxChars,
		metrics:    metrics,
	}
}

// EmbedTexts returns one vector per input text, in input order. Inputs above
// the capability's ceiling are truncated before submission.
func (g *EmbeddingGateway) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))

	for start := 0; start < len(texts); start += g.batchSize {
		end := start + g.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		failed := 0
		for i := start; i < end; i++ {
			if err := ctx.Err(); err != nil {
				return vectors, err
			}

			text := g.truncate(texts[i])
			vec, err := g.embedder.Embed(ctx, text)
			if err != nil {
				logger.Warn("embedding failed for item, keeping empty vector", "index", i, "error", err)
				vectors[i] = []float32{}
				failed++
				continue
			}
			vectors[i] = vec
		}

		if g.metrics != nil {
			g.metrics.RecordEmbeddingBatch(end-start, failed)
		}

		// Smooth the call rate between batches
		if end < len(texts) && g.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return vectors, ctx.Err()
			case <-time.After(g.batchDelay):
			}
		}
	}

	return vectors, nil
}

// EmbedQuery embeds a single query string. Unlike batch embedding, a query
// failure is surfaced: there is no search without a query vector.
func (g *EmbeddingGateway) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	text := g.truncate(query)

	var key string
	if g.cache != nil {
		sum := sha256.Sum256([]byte(text))
		key = "embed:query:" + hex.EncodeToString(sum[:])

		if cached, err := g.cache.Get(ctx, key).Bytes(); err == nil {
			var vec []float32
			if err := json.Unmarshal(cached, &vec); err == nil && len(vec) > 0 {
				return vec, nil
			}
		}
	}

	vec, err := g.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if g.cache != nil {
		if data, err := json.Marshal(vec); err == nil {
			if err := g.cache.Set(ctx, key, data, queryCacheTTL).Err(); err != nil {
				logger.Warn("failed to cache query vector", "error", err)
			}
		}
	}

	return vec, nil
}

func (g *EmbeddingGateway) truncate(text string) string {
	if len(text) <= g.maxChars {
		return text
	}

	runes := []rune(text)
	if len(runes) <= g.maxChars {
		return text
	}
	return string(runes[:g.maxChars])
}
