package services

import (
	"fmt"
	"math"
	"sort"

	"textbook-knowledge-engine/models"
)

// CosineSimilarity computes the cosine of the angle between two vectors.
// Mismatched dimensionality is a programming error, not a search condition:
// every vector in the corpus shares the embedding model's dimensionality, so
// a mismatch means a caller wired the wrong vectors together.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		panic(fmt.Sprintf("cosine similarity on mismatched dimensions: %d vs %d", len(a), len(b)))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// RankBySimilarity scores every candidate against the query vector, drops
// anything below minSimilarity, and returns the top results in non-increasing
// similarity order, truncated to limit. Candidates without a stored vector
// are skipped rather than scored.
func RankBySimilarity(query []float32, candidates []models.KnowledgeChunk, minSimilarity float64, limit int) []models.SearchResult {
	results := make([]models.SearchResult, 0, len(candidates))

	for _, chunk := range candidates {
		if len(chunk.Vector) == 0 {
			continue
		}

		similarity := CosineSimilarity(query, chunk.Vector)
		if similarity < minSimilarity {
			continue
		}

		results = append(results, models.SearchResult{
			Chunk:      chunk,
			Similarity: similarity,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	return results
}
