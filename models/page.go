package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Page is the unit of extraction. Each page belongs to exactly one document
// and records both raw passes plus the reconciled consensus text.
type Page struct {
	ID               primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	DocumentID       primitive.ObjectID `bson:"document_id" json:"document_id"`
	PageNumber       int                `bson:"page_number" json:"page_number"` // 1-indexed
	PrimaryText      string             `bson:"primary_text" json:"primary_text"`
	VerificationText string             `bson:"verification_text,omitempty" json:"verification_text,omitempty"`
	ConsensusText    string             `bson:"consensus_text" json:"consensus_text"`
	Confidence       string             `bson:"confidence" json:"confidence"`
	AgreementScore   float64            `bson:"agreement_score" json:"agreement_score"`
	NeedsReview      bool               `bson:"needs_review" json:"needs_review"`
	Method           string             `bson:"method" json:"method"`
	CorrectedText    string             `bson:"corrected_text,omitempty" json:"corrected_text,omitempty"`
	CorrectedBy      string             `bson:"corrected_by,omitempty" json:"corrected_by,omitempty"`
	CorrectedAt      *time.Time         `bson:"corrected_at,omitempty" json:"corrected_at,omitempty"`
	ExtractedAt      time.Time          `bson:"extracted_at" json:"extracted_at"`
}

// BestText returns the text downstream consumers should use: a human
// correction always supersedes the machine consensus.
func (p *Page) BestText() string {
	if p.CorrectedText != "" {
		return p.CorrectedText
	}
	return p.ConsensusText
}

// Page confidence tiers
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Extraction method tags
const (
	MethodDualPass   = "dual-pass"
	MethodSinglePass = "single-pass"
	MethodMajority   = "majority-of-3"
	MethodFailed     = "failed"
)

// BatchProgress is the checkpoint for a multi-invocation extraction. It is
// the sole source of truth for resuming: a new invocation must start at
// LastProcessedPage+1. LastProcessedPage only ever grows and never exceeds
// TotalPages.
type BatchProgress struct {
	ID                primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	DocumentID        primitive.ObjectID `bson:"document_id" json:"document_id"`
	TotalPages        int                `bson:"total_pages" json:"total_pages"`
	LastProcessedPage int                `bson:"last_processed_page" json:"last_processed_page"`
	PagesNeedingReview []int             `bson:"pages_needing_review" json:"pages_needing_review"`
	StartedAt         time.Time          `bson:"started_at" json:"started_at"`
	UpdatedAt         time.Time          `bson:"updated_at" json:"updated_at"`
	Completed         bool               `bson:"completed" json:"completed"`
}

// ExtractionReview aggregates a document's pages for human correction.
type ExtractionReview struct {
	ID             primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	DocumentID     primitive.ObjectID `bson:"document_id" json:"document_id"`
	Filename       string             `bson:"filename" json:"filename"`
	Subject        string             `bson:"subject" json:"subject"`
	Grade          string             `bson:"grade" json:"grade"`
	TotalPages     int                `bson:"total_pages" json:"total_pages"`
	PagesRemaining []int              `bson:"pages_remaining" json:"pages_remaining"`
	Status         string             `bson:"status" json:"status"`
	ApprovedBy     string             `bson:"approved_by,omitempty" json:"approved_by,omitempty"`
	CreatedAt      time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time          `bson:"updated_at" json:"updated_at"`
}

// Review status transitions: pending_review -> reviewed (all flagged pages
// corrected) -> approved (human committed, chunks regenerated).
const (
	ReviewStatusPending  = "pending_review"
	ReviewStatusReviewed = "reviewed"
	ReviewStatusApproved = "approved"
)
