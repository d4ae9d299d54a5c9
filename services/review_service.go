package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"textbook-knowledge-engine/internal/logger"
	"textbook-knowledge-engine/models"
)

// ErrReviewNotFound is returned for lookups of unknown reviews.
var ErrReviewNotFound = errors.New("extraction review not found")

// ErrReviewNotReady is returned when approval is requested while flagged
// pages remain uncorrected.
var ErrReviewNotReady = errors.New("review still has uncorrected pages")

// ReviewService drives the human correction workflow: pending reviews list
// flagged pages, corrections supersede consensus text, and approval
// re-indexes the document from the corrected pages.
type ReviewService struct {
	reviews   *mongo.Collection
	pages     *mongo.Collection
	documents *mongo.Collection
	chunker   *ChunkerService
	knowledge *KnowledgeService
	storage   *FileStorageManager
}

func NewReviewService(db *mongo.Database, chunker *ChunkerService, knowledge *KnowledgeService, storage *FileStorageManager) *ReviewService {
	return &ReviewService{
		reviews:   db.Collection("extraction_reviews"),
		pages:     db.Collection("pages"),
		documents: db.Collection("documents"),
		chunker:   chunker,
		knowledge: knowledge,
		storage:   storage,
	}
}

// List returns reviews newest first, optionally filtered by status. If the
// sorted query fails it falls back to an unsorted scan so the review queue
// stays reachable.
func (rs *ReviewService) List(ctx context.Context, status string) ([]models.ExtractionReview, error) {
	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	reviews, err := rs.findReviews(ctx, filter, opts)
	if err != nil {
		logger.Warn("Sorted review query failed, retrying unsorted", "error", err)
		return rs.findReviews(ctx, filter, options.Find())
	}
	return reviews, nil
}

func (rs *ReviewService) findReviews(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.ExtractionReview, error) {
	cursor, err := rs.reviews.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query reviews: %w", err)
	}

	var reviews []models.ExtractionReview
	if err := cursor.All(ctx, &reviews); err != nil {
		return nil, fmt.Errorf("failed to decode reviews: %w", err)
	}
	return reviews, nil
}

// ReviewDetail pairs a review with the page records a corrector needs.
type ReviewDetail struct {
	Review models.ExtractionReview `json:"review"`
	Pages  []models.Page           `json:"pages"`
}

// Get loads a review and the flagged pages of its document.
func (rs *ReviewService) Get(ctx context.Context, documentID primitive.ObjectID) (*ReviewDetail, error) {
	review, err := rs.loadReview(ctx, documentID)
	if err != nil {
		return nil, err
	}

	opts := options.Find().SetSort(bson.D{{Key: "page_number", Value: 1}})
	cursor, err := rs.pages.Find(ctx, bson.M{
		"document_id":  documentID,
		"needs_review": true,
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load flagged pages: %w", err)
	}

	var pages []models.Page
	if err := cursor.All(ctx, &pages); err != nil {
		return nil, fmt.Errorf("failed to decode flagged pages: %w", err)
	}

	return &ReviewDetail{Review: *review, Pages: pages}, nil
}

// CorrectPage records a human correction for one page and advances the
// review. Correcting an already corrected page simply replaces the text, so
// the operation is idempotent.
func (rs *ReviewService) CorrectPage(ctx context.Context, documentID primitive.ObjectID, pageNum int, correctedText, correctedBy string) (*models.ExtractionReview, error) {
	review, err := rs.loadReview(ctx, documentID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	update := bson.M{"$set": bson.M{
		"corrected_text": correctedText,
		"corrected_by":   correctedBy,
		"corrected_at":   now,
		"needs_review":   false,
	}}
	result, err := rs.pages.UpdateOne(ctx,
		bson.M{"document_id": documentID, "page_number": pageNum}, update)
	if err != nil {
		return nil, fmt.Errorf("failed to save page correction: %w", err)
	}
	if result.MatchedCount == 0 {
		return nil, fmt.Errorf("page %d not found for document %s", pageNum, documentID.Hex())
	}

	// Recompute remaining pages from the source of truth rather than
	// mutating the cached list
	pages, err := rs.loadAllPages(ctx, documentID)
	if err != nil {
		return nil, err
	}
	remaining := FlaggedPages(pages)

	status := models.ReviewStatusPending
	if len(remaining) == 0 {
		status = models.ReviewStatusReviewed
	}

	reviewUpdate := bson.M{"$set": bson.M{
		"pages_remaining": remaining,
		"status":          status,
		"updated_at":      now,
	}}
	if _, err := rs.reviews.UpdateByID(ctx, review.ID, reviewUpdate); err != nil {
		return nil, fmt.Errorf("failed to update review: %w", err)
	}

	review.PagesRemaining = remaining
	review.Status = status
	review.UpdatedAt = now

	logger.Info("Page corrected",
		"document_id", documentID.Hex(),
		"page", pageNum,
		"remaining", len(remaining),
		"review_status", status)

	return review, nil
}

// Approve commits a fully corrected review: the document's chunks are
// rebuilt from the corrected text, old chunks are removed by id prefix and
// the fresh set is embedded and stored.
func (rs *ReviewService) Approve(ctx context.Context, documentID primitive.ObjectID, approvedBy string) (int, error) {
	review, err := rs.loadReview(ctx, documentID)
	if err != nil {
		return 0, err
	}
	if review.Status == models.ReviewStatusPending && len(review.PagesRemaining) > 0 {
		return 0, ErrReviewNotReady
	}

	var doc models.Document
	if err := rs.documents.FindOne(ctx, bson.M{"_id": documentID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, ErrDocumentNotFound
		}
		return 0, fmt.Errorf("failed to load document: %w", err)
	}

	pages, err := rs.loadAllPages(ctx, documentID)
	if err != nil {
		return 0, err
	}
	if len(pages) == 0 {
		return 0, fmt.Errorf("document %s has no pages to re-index", documentID.Hex())
	}

	fullText := RebuildText(pages)
	if err := rs.storage.SaveTextArtifact(documentID.Hex(), fullText); err != nil {
		logger.Warn("Failed to save text artifact", "document_id", documentID.Hex(), "error", err)
	}
	chunks, _ := rs.chunker.ChunkDocument(&doc, fullText)

	deleted, err := rs.knowledge.DeleteDocumentChunks(ctx, documentID)
	if err != nil {
		return 0, err
	}

	if _, err := rs.knowledge.SaveChunks(ctx, chunks); err != nil {
		return 0, fmt.Errorf("failed to re-index corrected document: %w", err)
	}

	now := time.Now()
	update := bson.M{"$set": bson.M{
		"status":      models.ReviewStatusApproved,
		"approved_by": approvedBy,
		"updated_at":  now,
	}}
	if _, err := rs.reviews.UpdateByID(ctx, review.ID, update); err != nil {
		return 0, fmt.Errorf("failed to mark review approved: %w", err)
	}

	logger.Info("Review approved and document re-indexed",
		"document_id", documentID.Hex(),
		"chunks_removed", deleted,
		"chunks_created", len(chunks),
		"approved_by", approvedBy)

	return len(chunks), nil
}

func (rs *ReviewService) loadReview(ctx context.Context, documentID primitive.ObjectID) (*models.ExtractionReview, error) {
	var review models.ExtractionReview
	err := rs.reviews.FindOne(ctx, bson.M{"document_id": documentID}).Decode(&review)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrReviewNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load review: %w", err)
	}
	return &review, nil
}

func (rs *ReviewService) loadAllPages(ctx context.Context, documentID primitive.ObjectID) ([]models.Page, error) {
	opts := options.Find().SetSort(bson.D{{Key: "page_number", Value: 1}})
	cursor, err := rs.pages.Find(ctx, bson.M{"document_id": documentID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load pages: %w", err)
	}

	var pages []models.Page
	if err := cursor.All(ctx, &pages); err != nil {
		return nil, fmt.Errorf("failed to decode pages: %w", err)
	}
	return pages, nil
}
