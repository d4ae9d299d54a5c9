package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"textbook-knowledge-engine/internal/logger"
	"textbook-knowledge-engine/models"
)

// ErrDuplicateDocument is returned when an upload matches the hash of an
// already ingested file.
var ErrDuplicateDocument = errors.New("document with identical content already exists")

// ErrDocumentNotFound is returned for lookups of unknown document ids.
var ErrDocumentNotFound = errors.New("document not found")

// DocumentMeta is the caller-supplied classification of an upload.
type DocumentMeta struct {
	Filename   string
	Subject    string
	Grade      string
	Grades     []string
	Volume     string
	VolumeType string
}

// DocumentService orchestrates the ingestion lifecycle: upload and
// dedupe, batch extraction, chunking and indexing, status and deletion.
type DocumentService struct {
	documents *mongo.Collection
	pages     *mongo.Collection
	progress  *mongo.Collection
	reviews   *mongo.Collection

	storage   *FileStorageManager
	extractor *ConsensusExtractor
	chunker   *ChunkerService
	knowledge *KnowledgeService
}

func NewDocumentService(db *mongo.Database, storage *FileStorageManager, extractor *ConsensusExtractor, chunker *ChunkerService, knowledge *KnowledgeService) *DocumentService {
	return &DocumentService{
		documents: db.Collection("documents"),
		pages:     db.Collection("pages"),
		progress:  db.Collection("batch_progress"),
		reviews:   db.Collection("extraction_reviews"),
		storage:   storage,
		extractor: extractor,
		chunker:   chunker,
		knowledge: knowledge,
	}
}

// Upload validates and stores a file, dedupes by content hash and creates
// the document record in pending state. Extraction happens in batches
// driven by the task queue, not here.
func (ds *DocumentService) Upload(ctx context.Context, content []byte, meta DocumentMeta) (*models.Document, error) {
	if err := ds.storage.Validate(content); err != nil {
		return nil, err
	}

	totalPages, err := CountPages(content)
	if err != nil {
		return nil, err
	}

	path, hash, err := ds.storage.Save(content)
	if err != nil {
		return nil, err
	}

	var existing models.Document
	err = ds.documents.FindOne(ctx, bson.M{"file_hash": hash}).Decode(&existing)
	if err == nil {
		return &existing, ErrDuplicateDocument
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to check for duplicate document: %w", err)
	}

	doc := &models.Document{
		Filename:   meta.Filename,
		FilePath:   path,
		FileHash:   hash,
		Subject:    meta.Subject,
		Grade:      meta.Grade,
		Grades:     meta.Grades,
		Volume:     meta.Volume,
		VolumeType: meta.VolumeType,
		TotalPages: totalPages,
		Status:     models.StatusPending,
		UploadedAt: time.Now(),
	}

	result, err := ds.documents.InsertOne(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to create document record: %w", err)
	}
	doc.ID = result.InsertedID.(primitive.ObjectID)

	logger.Info("Document uploaded",
		"document_id", doc.ID.Hex(),
		"filename", doc.Filename,
		"pages", doc.TotalPages,
		"volume_type", doc.VolumeType)

	return doc, nil
}

// Get loads a document by id.
func (ds *DocumentService) Get(ctx context.Context, id primitive.ObjectID) (*models.Document, error) {
	var doc models.Document
	err := ds.documents.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return &doc, nil
}

// Status reports the document's ingestion state including checkpoint
// position, confidence distribution and chunk count.
func (ds *DocumentService) Status(ctx context.Context, id primitive.ObjectID) (*models.UploadResponse, error) {
	doc, err := ds.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	resp := &models.UploadResponse{
		DocumentID: doc.ID.Hex(),
		Filename:   doc.Filename,
		Status:     doc.Status,
		Confidence: map[string]int{},
	}

	var progress models.BatchProgress
	err = ds.progress.FindOne(ctx, bson.M{"document_id": id}).Decode(&progress)
	if err == nil {
		resp.PagesNeedingReview = progress.PagesNeedingReview
		if !progress.Completed {
			resp.NeedsMoreBatches = true
			resp.ResumeFromPage = progress.LastProcessedPage + 1
		}
	} else if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("failed to load batch progress: %w", err)
	}

	cursor, err := ds.pages.Find(ctx, bson.M{"document_id": id},
		options.Find().SetProjection(bson.M{"confidence": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to load page confidences: %w", err)
	}
	var pages []models.Page
	if err := cursor.All(ctx, &pages); err != nil {
		return nil, fmt.Errorf("failed to decode page confidences: %w", err)
	}
	for _, page := range pages {
		resp.Confidence[page.Confidence]++
	}

	chunkCount, err := ds.knowledge.chunks.CountDocuments(ctx, bson.M{"document_id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	resp.ChunksCreated = int(chunkCount)

	return resp, nil
}

// ProcessNextBatch runs one extraction window for the document and, when the
// checkpoint reports completion, indexes the document. finished reports that
// no further batches are needed.
func (ds *DocumentService) ProcessNextBatch(ctx context.Context, id primitive.ObjectID) (*BatchResult, bool, error) {
	doc, err := ds.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	if err := ds.setStatus(ctx, id, models.StatusProcessing, ""); err != nil {
		return nil, false, err
	}

	content, err := ds.storage.Load(doc.FilePath)
	if err != nil {
		ds.markFailed(ctx, id, err)
		return nil, false, err
	}

	result, err := ds.extractor.ProcessBatch(ctx, doc, content)
	if err != nil {
		ds.markFailed(ctx, id, err)
		return nil, false, err
	}

	if !result.Completed {
		return result, false, nil
	}

	if err := ds.indexDocument(ctx, doc); err != nil {
		ds.markFailed(ctx, id, err)
		return nil, false, err
	}

	return result, true, nil
}

// indexDocument rebuilds the full text from extracted pages, chunks and
// embeds it, and opens a review when any page was flagged.
func (ds *DocumentService) indexDocument(ctx context.Context, doc *models.Document) error {
	pages, err := ds.loadPages(ctx, doc.ID)
	if err != nil {
		return err
	}
	if len(pages) == 0 {
		return fmt.Errorf("document %s has no extracted pages", doc.ID.Hex())
	}

	fullText := RebuildText(pages)
	if err := ds.storage.SaveTextArtifact(doc.ID.Hex(), fullText); err != nil {
		logger.Warn("Failed to save text artifact", "document_id", doc.ID.Hex(), "error", err)
	}
	chunks, chapters := ds.chunker.ChunkDocument(doc, fullText)

	embedded, err := ds.knowledge.SaveChunks(ctx, chunks)
	if err != nil {
		return err
	}

	flagged := FlaggedPages(pages)
	if len(flagged) > 0 {
		if err := ds.openReview(ctx, doc, flagged); err != nil {
			return err
		}
	}

	now := time.Now()
	update := bson.M{"$set": bson.M{
		"status":       models.StatusCompleted,
		"processed_at": now,
	}}
	if _, err := ds.documents.UpdateByID(ctx, doc.ID, update); err != nil {
		return fmt.Errorf("failed to mark document completed: %w", err)
	}

	logger.Info("Document indexed",
		"document_id", doc.ID.Hex(),
		"chunks", len(chunks),
		"embedded", embedded,
		"chapters", chapters,
		"pages_flagged", len(flagged))

	return nil
}

func (ds *DocumentService) openReview(ctx context.Context, doc *models.Document, flagged []int) error {
	review := models.ExtractionReview{
		DocumentID:     doc.ID,
		Filename:       doc.Filename,
		Subject:        doc.Subject,
		Grade:          doc.Grade,
		TotalPages:     doc.TotalPages,
		PagesRemaining: flagged,
		Status:         models.ReviewStatusPending,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := ds.reviews.ReplaceOne(ctx, bson.M{"document_id": doc.ID}, review, opts); err != nil {
		return fmt.Errorf("failed to open extraction review: %w", err)
	}
	return nil
}

// ReExtractPage re-runs one page through the majority-of-3 pipeline and
// refreshes any open review to reflect the new flag state.
func (ds *DocumentService) ReExtractPage(ctx context.Context, id primitive.ObjectID, pageNum int) (*models.Page, error) {
	doc, err := ds.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if pageNum < 1 || pageNum > doc.TotalPages {
		return nil, fmt.Errorf("page %d is out of range for document %s", pageNum, id.Hex())
	}

	content, err := ds.storage.Load(doc.FilePath)
	if err != nil {
		return nil, err
	}

	page, err := ds.extractor.ReExtractPage(ctx, id, content, pageNum)
	if err != nil {
		return nil, err
	}

	pages, err := ds.loadPages(ctx, id)
	if err != nil {
		return nil, err
	}
	remaining := FlaggedPages(pages)

	status := models.ReviewStatusPending
	if len(remaining) == 0 {
		status = models.ReviewStatusReviewed
	}
	update := bson.M{"$set": bson.M{
		"pages_remaining": remaining,
		"status":          status,
		"updated_at":      time.Now(),
	}}
	if _, err := ds.reviews.UpdateOne(ctx, bson.M{"document_id": id}, update); err != nil {
		return nil, fmt.Errorf("failed to refresh review: %w", err)
	}

	return page, nil
}

// Delete removes the document and everything derived from it and reports
// how many chunks disappeared from the knowledge base.
func (ds *DocumentService) Delete(ctx context.Context, id primitive.ObjectID) (int64, error) {
	doc, err := ds.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	deleted, err := ds.knowledge.DeleteDocumentChunks(ctx, id)
	if err != nil {
		return 0, err
	}

	for _, coll := range []*mongo.Collection{ds.pages, ds.progress, ds.reviews} {
		if _, err := coll.DeleteMany(ctx, bson.M{"document_id": id}); err != nil {
			return deleted, fmt.Errorf("failed to delete derived records: %w", err)
		}
	}

	if err := ds.storage.Delete(doc.FilePath); err != nil {
		logger.Warn("Failed to delete stored file", "path", doc.FilePath, "error", err)
	}

	if _, err := ds.documents.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return deleted, fmt.Errorf("failed to delete document record: %w", err)
	}

	logger.Info("Document deleted", "document_id", id.Hex(), "chunks_removed", deleted)
	return deleted, nil
}

// FindStalled returns ids of documents whose extraction checkpoint has not
// advanced within the staleness window and is not complete.
func (ds *DocumentService) FindStalled(ctx context.Context, olderThan time.Duration) ([]primitive.ObjectID, error) {
	cutoff := time.Now().Add(-olderThan)
	cursor, err := ds.progress.Find(ctx, bson.M{
		"completed":  false,
		"updated_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query stalled checkpoints: %w", err)
	}

	var stalled []models.BatchProgress
	if err := cursor.All(ctx, &stalled); err != nil {
		return nil, fmt.Errorf("failed to decode stalled checkpoints: %w", err)
	}

	ids := make([]primitive.ObjectID, len(stalled))
	for i, progress := range stalled {
		ids[i] = progress.DocumentID
	}
	return ids, nil
}

func (ds *DocumentService) loadPages(ctx context.Context, id primitive.ObjectID) ([]models.Page, error) {
	opts := options.Find().SetSort(bson.D{{Key: "page_number", Value: 1}})
	cursor, err := ds.pages.Find(ctx, bson.M{"document_id": id}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load pages: %w", err)
	}

	var pages []models.Page
	if err := cursor.All(ctx, &pages); err != nil {
		return nil, fmt.Errorf("failed to decode pages: %w", err)
	}
	return pages, nil
}

func (ds *DocumentService) setStatus(ctx context.Context, id primitive.ObjectID, status, errMsg string) error {
	update := bson.M{"$set": bson.M{"status": status, "error_message": errMsg}}
	if _, err := ds.documents.UpdateByID(ctx, id, update); err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	return nil
}

func (ds *DocumentService) markFailed(ctx context.Context, id primitive.ObjectID, cause error) {
	if err := ds.setStatus(ctx, id, models.StatusFailed, cause.Error()); err != nil {
		logger.Error("Failed to mark document failed", "document_id", id.Hex(), "error", err)
	}
}

// RebuildText joins pages in order, preferring human corrections over the
// machine consensus.
func RebuildText(pages []models.Page) string {
	sorted := make([]models.Page, len(pages))
	copy(sorted, pages)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PageNumber < sorted[j].PageNumber
	})

	parts := make([]string, 0, len(sorted))
	for i := range sorted {
		if text := sorted[i].BestText(); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// FlaggedPages lists page numbers still needing review, in page order.
func FlaggedPages(pages []models.Page) []int {
	var flagged []int
	for i := range pages {
		if pages[i].NeedsReview {
			flagged = append(flagged, pages[i].PageNumber)
		}
	}
	sort.Ints(flagged)
	return flagged
}
