package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Document represents one uploaded source book or exam. A document is
// immutable once created; re-extraction supersedes it with a new document id
// after the old chunk set is removed.
type Document struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Filename    string             `bson:"filename" json:"filename"`
	FilePath    string             `bson:"file_path" json:"file_path"`
	FileHash    string             `bson:"file_hash" json:"file_hash"`
	Subject     string             `bson:"subject" json:"subject"`
	Grade       string             `bson:"grade" json:"grade"`
	Grades      []string           `bson:"grades,omitempty" json:"grades,omitempty"` // curriculum volumes may span grades
	Volume      string             `bson:"volume" json:"volume"`
	VolumeType  string             `bson:"volume_type" json:"volume_type"`
	TotalPages  int                `bson:"total_pages" json:"total_pages"`
	Status      string             `bson:"status" json:"status"`
	ErrorMsg    string             `bson:"error_message,omitempty" json:"error_message,omitempty"`
	UploadedAt  time.Time          `bson:"uploaded_at" json:"uploaded_at"`
	ProcessedAt *time.Time         `bson:"processed_at,omitempty" json:"processed_at,omitempty"`
}

// Document processing status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Volume types used as retrieval buckets. Curriculum volumes bound what
// generated content is allowed to cover; textbooks are the primary source;
// guides supplement.
const (
	VolumeTypeCurriculum = "curriculum"
	VolumeTypeTextbook   = "textbook"
	VolumeTypeGuide      = "guide"
)

// UploadResponse is returned after a document upload. For documents large
// enough to need multiple batch invocations it carries a partial result plus
// the progress needed to resume.
type UploadResponse struct {
	DocumentID         string         `json:"document_id"`
	Filename           string         `json:"filename"`
	Status             string         `json:"status"`
	ChunksCreated      int            `json:"chunks_created"`
	ChaptersFound      int            `json:"chapters_found"`
	Confidence         map[string]int `json:"confidence"`
	PagesNeedingReview []int          `json:"pages_needing_review,omitempty"`
	NeedsMoreBatches   bool           `json:"needs_more_batches,omitempty"`
	ResumeFromPage     int            `json:"resume_from_page,omitempty"`
	Message            string         `json:"message,omitempty"`
}
