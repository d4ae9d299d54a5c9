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

	"textbook-knowledge-engine/internal/ai"
	"textbook-knowledge-engine/internal/logger"
	"textbook-knowledge-engine/internal/telemetry"
	"textbook-knowledge-engine/models"
)

// VisionExtractor is the vision model surface the consensus pipeline needs.
// Implementations upload a document once and answer page-scoped prompts
// against the returned handle.
type VisionExtractor interface {
	UploadDocument(ctx context.Context, content []byte) (uri string, name string, err error)
	ExtractPage(ctx context.Context, uri string, page int, prompt string, temperature float32) (string, error)
	DeleteDocument(ctx context.Context, name string) error
}

// ExtractionStore persists pages and the batch checkpoint.
type ExtractionStore interface {
	SavePage(ctx context.Context, page *models.Page) error
	LoadProgress(ctx context.Context, documentID primitive.ObjectID) (*models.BatchProgress, error)
	SaveProgress(ctx context.Context, progress *models.BatchProgress) error
}

// ExtractionConfig carries the tunable knobs of the consensus pipeline.
type ExtractionConfig struct {
	LargeDocThreshold int
	BatchWindow       int
	InterPageDelay    time.Duration
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	MaxRetryAttempts  int
}

// BatchResult summarizes one checkpointed extraction invocation.
type BatchResult struct {
	PagesProcessed     int            `json:"pages_processed"`
	PagesNeedingReview []int          `json:"pages_needing_review"`
	Confidence         map[string]int `json:"confidence"`
	NeedsMoreBatches   bool           `json:"needs_more_batches"`
	ResumeFromPage     int            `json:"resume_from_page,omitempty"`
	Completed          bool           `json:"completed"`
}

const (
	primaryExtractionPrompt = `You are a precise document transcriber for educational textbooks.
Transcribe the requested page exactly as printed, preserving the original language, ordering, headings, numbered exercises and mathematical notation.
Output plain text only. Do not summarize, translate, or add commentary.`

	verificationExtractionPrompt = `You are verifying a textbook page transcription.
Read the requested page carefully and produce a complete, faithful transcription of everything printed on it, keeping the source language and layout order.
Return only the transcribed text, nothing else.`
)

// ConsensusExtractor runs dual-pass page extraction with agreement scoring,
// checkpointed in windows so a single invocation stays within provider and
// runtime limits.
type ConsensusExtractor struct {
	vision  VisionExtractor
	store   ExtractionStore
	cfg     ExtractionConfig
	metrics *telemetry.Metrics

	// sleep is swappable in tests to avoid real delays
	sleep func(ctx context.Context, d time.Duration) error
}

func NewConsensusExtractor(vision VisionExtractor, store ExtractionStore, cfg ExtractionConfig, metrics *telemetry.Metrics) *ConsensusExtractor {
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 15
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 4
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 5 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = cfg.BackoffMin
	}

	return &ConsensusExtractor{
		vision:  vision,
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		sleep:   sleepContext,
	}
}

// ProcessBatch extracts the next window of pages for a document, resuming
// from the persisted checkpoint. The checkpoint advances after every page,
// so a crash mid-window loses at most the page in flight.
func (ce *ConsensusExtractor) ProcessBatch(ctx context.Context, doc *models.Document, content []byte) (*BatchResult, error) {
	start := time.Now()

	progress, err := ce.store.LoadProgress(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch progress: %w", err)
	}
	if progress == nil {
		progress = &models.BatchProgress{
			DocumentID:         doc.ID,
			TotalPages:         doc.TotalPages,
			LastProcessedPage:  0,
			PagesNeedingReview: []int{},
			StartedAt:          time.Now(),
			UpdatedAt:          time.Now(),
		}
		if err := ce.store.SaveProgress(ctx, progress); err != nil {
			return nil, fmt.Errorf("failed to initialize batch progress: %w", err)
		}
	}

	if progress.Completed {
		return &BatchResult{
			PagesNeedingReview: progress.PagesNeedingReview,
			Confidence:         map[string]int{},
			Completed:          true,
		}, nil
	}

	firstPage := progress.LastProcessedPage + 1
	lastPage := firstPage + ce.cfg.BatchWindow - 1
	if lastPage > progress.TotalPages {
		lastPage = progress.TotalPages
	}

	dualPass := doc.TotalPages <= ce.cfg.LargeDocThreshold

	// Single-pass pages issue half the model calls, so batch mode paces
	// pages at half the configured delay
	pageDelay := ce.cfg.InterPageDelay
	if !dualPass {
		pageDelay /= 2
	}

	uri, name, err := ce.vision.UploadDocument(ctx, content)
	if err != nil {
		ce.recordBatch(start, "upload_failed")
		return nil, fmt.Errorf("failed to upload document for extraction: %w", err)
	}
	defer func() {
		if err := ce.vision.DeleteDocument(context.Background(), name); err != nil {
			logger.Warn("Failed to delete uploaded document", "name", name, "error", err)
		}
	}()

	result := &BatchResult{Confidence: map[string]int{}}

	for pageNum := firstPage; pageNum <= lastPage; pageNum++ {
		if pageNum > firstPage {
			if err := ce.sleep(ctx, pageDelay); err != nil {
				ce.recordBatch(start, "cancelled")
				return nil, err
			}
		}

		page := ce.extractOnePage(ctx, doc.ID, uri, pageNum, dualPass)

		if err := ce.store.SavePage(ctx, page); err != nil {
			ce.recordBatch(start, "store_failed")
			return nil, fmt.Errorf("failed to save page %d: %w", pageNum, err)
		}

		progress.LastProcessedPage = pageNum
		progress.UpdatedAt = time.Now()
		if page.NeedsReview {
			progress.PagesNeedingReview = append(progress.PagesNeedingReview, pageNum)
			result.PagesNeedingReview = append(result.PagesNeedingReview, pageNum)
		}
		if pageNum == progress.TotalPages {
			progress.Completed = true
		}
		if err := ce.store.SaveProgress(ctx, progress); err != nil {
			ce.recordBatch(start, "store_failed")
			return nil, fmt.Errorf("failed to checkpoint progress at page %d: %w", pageNum, err)
		}

		result.PagesProcessed++
		result.Confidence[page.Confidence]++
		if ce.metrics != nil {
			ce.metrics.RecordPageExtracted(page.Confidence, page.Method)
		}
	}

	result.Completed = progress.Completed
	if !progress.Completed {
		result.NeedsMoreBatches = true
		result.ResumeFromPage = progress.LastProcessedPage + 1
	}

	ce.recordBatch(start, "ok")
	logger.Info("Extraction batch finished",
		"document_id", doc.ID.Hex(),
		"pages", result.PagesProcessed,
		"last_page", progress.LastProcessedPage,
		"needs_review", len(result.PagesNeedingReview),
		"completed", result.Completed)

	return result, nil
}

// extractOnePage never fails the batch: a page whose extraction errors out is
// recorded as a failed placeholder flagged for review, and the loop moves on.
func (ce *ConsensusExtractor) extractOnePage(ctx context.Context, docID primitive.ObjectID, uri string, pageNum int, dualPass bool) *models.Page {
	page := &models.Page{
		DocumentID:  docID,
		PageNumber:  pageNum,
		ExtractedAt: time.Now(),
	}

	primary, err := ce.extractWithRetry(ctx, uri, pageNum, primaryExtractionPrompt, 0)
	if err != nil {
		logger.Error("Page extraction failed", "page", pageNum, "error", err)
		page.ConsensusText = fmt.Sprintf("[extraction failed for page %d]", pageNum)
		page.Confidence = models.ConfidenceLow
		page.NeedsReview = true
		page.Method = models.MethodFailed
		return page
	}
	page.PrimaryText = primary

	if !dualPass {
		// Large documents skip verification: confidence defaults to medium
		// since nothing contradicts the primary pass, but without a second
		// pass to corroborate it every page still goes to review
		page.ConsensusText = primary
		page.Confidence = models.ConfidenceMedium
		page.AgreementScore = 0
		page.NeedsReview = true
		page.Method = models.MethodSinglePass
		return page
	}

	if err := ce.sleep(ctx, ce.cfg.InterPageDelay/2); err != nil {
		page.ConsensusText = primary
		page.Confidence = models.ConfidenceLow
		page.NeedsReview = true
		page.Method = models.MethodSinglePass
		return page
	}

	verification, err := ce.extractWithRetry(ctx, uri, pageNum, verificationExtractionPrompt, 0.2)
	if err != nil {
		// Primary pass succeeded on its own, keep it but flag for review
		logger.Warn("Verification pass failed, keeping primary", "page", pageNum, "error", err)
		page.ConsensusText = primary
		page.Confidence = models.ConfidenceLow
		page.NeedsReview = true
		page.Method = models.MethodSinglePass
		return page
	}
	page.VerificationText = verification

	agreement := AgreementScore(primary, verification)
	confidence, needsReview := ClassifyAgreement(agreement)

	page.ConsensusText = MergeConsensus(primary, verification)
	page.AgreementScore = agreement
	page.Confidence = confidence
	page.NeedsReview = needsReview
	page.Method = models.MethodDualPass

	return page
}

// ReExtractPage re-runs a flagged page with three independent passes and
// keeps the candidate that agrees most with the other two.
func (ce *ConsensusExtractor) ReExtractPage(ctx context.Context, docID primitive.ObjectID, content []byte, pageNum int) (*models.Page, error) {
	uri, name, err := ce.vision.UploadDocument(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("failed to upload document for re-extraction: %w", err)
	}
	defer func() {
		if err := ce.vision.DeleteDocument(context.Background(), name); err != nil {
			logger.Warn("Failed to delete uploaded document", "name", name, "error", err)
		}
	}()

	temperatures := []float32{0, 0.2, 0.4}
	candidates := make([]string, 0, len(temperatures))

	for i, temp := range temperatures {
		if i > 0 {
			if err := ce.sleep(ctx, ce.cfg.InterPageDelay); err != nil {
				return nil, err
			}
		}
		text, err := ce.extractWithRetry(ctx, uri, pageNum, primaryExtractionPrompt, temp)
		if err != nil {
			return nil, fmt.Errorf("re-extraction pass %d failed for page %d: %w", i+1, pageNum, err)
		}
		candidates = append(candidates, text)
	}

	best, score := MajorityCandidate(candidates)
	confidence, needsReview := ClassifyAgreement(score)

	page := &models.Page{
		DocumentID:     docID,
		PageNumber:     pageNum,
		PrimaryText:    candidates[0],
		ConsensusText:  best,
		AgreementScore: score,
		Confidence:     confidence,
		NeedsReview:    needsReview,
		Method:         models.MethodMajority,
		ExtractedAt:    time.Now(),
	}

	if err := ce.store.SavePage(ctx, page); err != nil {
		return nil, fmt.Errorf("failed to save re-extracted page %d: %w", pageNum, err)
	}

	if ce.metrics != nil {
		ce.metrics.RecordPageExtracted(page.Confidence, page.Method)
	}

	return page, nil
}

// extractWithRetry retries rate-limit-class errors with exponential backoff,
// honoring a server-provided Retry-After when present. Any other error fails
// immediately.
func (ce *ConsensusExtractor) extractWithRetry(ctx context.Context, uri string, pageNum int, prompt string, temperature float32) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= ce.cfg.MaxRetryAttempts; attempt++ {
		text, err := ce.vision.ExtractPage(ctx, uri, pageNum, prompt, temperature)
		if err == nil {
			return text, nil
		}

		rle, retryable := ai.AsRateLimit(err)
		if !retryable {
			return "", err
		}
		lastErr = err

		if attempt == ce.cfg.MaxRetryAttempts {
			break
		}

		delay := ce.backoffDelay(attempt, rle.RetryAfter)
		logger.Warn("Rate limited, backing off",
			"page", pageNum, "attempt", attempt, "delay", delay.String())

		if err := ce.sleep(ctx, delay); err != nil {
			return "", err
		}
	}

	return "", fmt.Errorf("extraction exhausted %d attempts for page %d: %w", ce.cfg.MaxRetryAttempts, pageNum, lastErr)
}

func (ce *ConsensusExtractor) backoffDelay(attempt int, retryAfter time.Duration) time.Duration {
	delay := ce.cfg.BackoffMin << (attempt - 1)
	if retryAfter > delay {
		delay = retryAfter
	}
	if delay > ce.cfg.BackoffMax {
		delay = ce.cfg.BackoffMax
	}
	return delay
}

func (ce *ConsensusExtractor) recordBatch(start time.Time, status string) {
	if ce.metrics != nil {
		ce.metrics.RecordExtractionBatch(time.Since(start).Seconds(), status)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// AgreementScore is 1 minus the character error rate between two passes.
// Two empty strings agree perfectly.
func AgreementScore(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}

	distance := levenshtein(ra, rb)
	score := 1 - float64(distance)/float64(longest)
	if score < 0 {
		score = 0
	}
	return score
}

// ClassifyAgreement maps an agreement score to a confidence tier. Tier
// boundaries are inclusive: exactly 0.95 is high, exactly 0.85 is medium.
func ClassifyAgreement(score float64) (confidence string, needsReview bool) {
	switch {
	case score >= 0.95:
		return models.ConfidenceHigh, false
	case score >= 0.85:
		return models.ConfidenceMedium, false
	default:
		return models.ConfidenceLow, true
	}
}

// MergeConsensus picks the consensus text of two passes. A length gap above
// 30 percent of the longer text means one pass dropped content, so the
// longer one wins; otherwise the deterministic primary pass is kept.
func MergeConsensus(primary, verification string) string {
	lp, lv := len([]rune(primary)), len([]rune(verification))
	longest := lp
	if lv > longest {
		longest = lv
	}
	if longest == 0 {
		return primary
	}

	diff := lp - lv
	if diff < 0 {
		diff = -diff
	}

	if float64(diff)/float64(longest) > 0.30 {
		if lv > lp {
			return verification
		}
		return primary
	}
	return primary
}

// MajorityCandidate returns the candidate with the highest total pairwise
// agreement against the others, plus its average pairwise agreement.
func MajorityCandidate(candidates []string) (string, float64) {
	if len(candidates) == 0 {
		return "", 0
	}
	if len(candidates) == 1 {
		return candidates[0], 1
	}

	bestIdx := 0
	bestTotal := -1.0

	for i := range candidates {
		total := 0.0
		for j := range candidates {
			if i == j {
				continue
			}
			total += AgreementScore(candidates[i], candidates[j])
		}
		if total > bestTotal {
			bestTotal = total
			bestIdx = i
		}
	}

	return candidates[bestIdx], bestTotal / float64(len(candidates)-1)
}

// levenshtein computes edit distance over runes with a two-row table.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// MongoExtractionStore is the production ExtractionStore backed by the pages
// and batch_progress collections.
type MongoExtractionStore struct {
	pages    *mongo.Collection
	progress *mongo.Collection
}

func NewMongoExtractionStore(db *mongo.Database) *MongoExtractionStore {
	return &MongoExtractionStore{
		pages:    db.Collection("pages"),
		progress: db.Collection("batch_progress"),
	}
}

func (s *MongoExtractionStore) SavePage(ctx context.Context, page *models.Page) error {
	filter := bson.M{"document_id": page.DocumentID, "page_number": page.PageNumber}
	opts := options.Replace().SetUpsert(true)
	_, err := s.pages.ReplaceOne(ctx, filter, page, opts)
	return err
}

func (s *MongoExtractionStore) LoadProgress(ctx context.Context, documentID primitive.ObjectID) (*models.BatchProgress, error) {
	var progress models.BatchProgress
	err := s.progress.FindOne(ctx, bson.M{"document_id": documentID}).Decode(&progress)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &progress, nil
}

func (s *MongoExtractionStore) SaveProgress(ctx context.Context, progress *models.BatchProgress) error {
	filter := bson.M{"document_id": progress.DocumentID}
	opts := options.Replace().SetUpsert(true)
	_, err := s.progress.ReplaceOne(ctx, filter, progress, opts)
	return err
}
