package models

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// KnowledgeChunk is a token-bounded slice of consensus or corrected text,
// the unit of embedding and retrieval. Chunk ids derive deterministically
// from the owning document id plus a sequence index so the whole set can be
// removed with a single prefix match when the document is re-indexed.
type KnowledgeChunk struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ChunkID     string             `bson:"chunk_id" json:"chunk_id"`
	DocumentID  primitive.ObjectID `bson:"document_id" json:"document_id"`
	Order       int                `bson:"order" json:"order"`
	Text        string             `bson:"text" json:"text"`
	Subject     string             `bson:"subject" json:"subject"`
	Grade       string             `bson:"grade" json:"grade"`
	Grades      []string           `bson:"grades,omitempty" json:"grades,omitempty"` // curriculum content may span grades
	Volume      string             `bson:"volume" json:"volume"`
	VolumeType  string             `bson:"volume_type" json:"volume_type"`
	Chapter     string             `bson:"chapter,omitempty" json:"chapter,omitempty"`
	ContentType string             `bson:"content_type" json:"content_type"`
	Keywords    []string           `bson:"keywords,omitempty" json:"keywords,omitempty"`
	TokenCount  int                `bson:"token_count" json:"token_count"`
	Vector      []float32          `bson:"vector,omitempty" json:"-"`
	UsageCount  int64              `bson:"usage_count" json:"usage_count"`
	CreatedAt   time.Time          `bson:"created_at" json:"created_at"`
}

// ChunkID builds the deterministic id for the i-th chunk of a document.
func ChunkID(documentID primitive.ObjectID, index int) string {
	return fmt.Sprintf("%s_%04d", documentID.Hex(), index)
}

// Content type tags assigned by the chunker's keyword heuristics.
const (
	ContentTypeExplanation   = "explanation"
	ContentTypeExample       = "example"
	ContentTypeExercise      = "exercise"
	ContentTypeSolution      = "solution"
	ContentTypeTip           = "tip"
	ContentTypeCommonMistake = "common-mistake"
	ContentTypeDefinition    = "definition"
	ContentTypeRule          = "rule"
	ContentTypeSummary       = "summary"
)

// SearchFilters narrows candidate chunks before similarity ranking. Empty
// fields are ignored.
type SearchFilters struct {
	Subject     string `json:"subject,omitempty"`
	Grade       string `json:"grade,omitempty"`
	Volume      string `json:"volume,omitempty"`
	VolumeType  string `json:"volume_type,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// SearchResult pairs a chunk with its similarity to the query vector.
type SearchResult struct {
	Chunk      KnowledgeChunk `json:"chunk"`
	Similarity float64        `json:"similarity"`
}

// SearchResponse is the HTTP search payload.
type SearchResponse struct {
	Results          []SearchResult `json:"results"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
}
