package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"textbook-knowledge-engine/internal/ai"
	"textbook-knowledge-engine/models"
)

// fakeVision answers page prompts from a script. Errors can be injected per
// page and per call sequence.
type fakeVision struct {
	mu        sync.Mutex
	pages     map[int][]string // responses per page, consumed in order
	pageErrs  map[int][]error  // errors returned before responses
	uploads   int
	deletes   int
	callCount int
}

func newFakeVision() *fakeVision {
	return &fakeVision{
		pages:    map[int][]string{},
		pageErrs: map[int][]error{},
	}
}

func (f *fakeVision) setPage(page int, responses ...string) {
	f.pages[page] = responses
}

func (f *fakeVision) UploadDocument(ctx context.Context, content []byte) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	return "files/fake-uri", "files/fake-name", nil
}

func (f *fakeVision) DeleteDocument(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return nil
}

func (f *fakeVision) ExtractPage(ctx context.Context, uri string, page int, prompt string, temperature float32) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount++

	if errs := f.pageErrs[page]; len(errs) > 0 {
		err := errs[0]
		f.pageErrs[page] = errs[1:]
		return "", err
	}

	responses := f.pages[page]
	if len(responses) == 0 {
		return fmt.Sprintf("default text of page %d", page), nil
	}
	resp := responses[0]
	if len(responses) > 1 {
		f.pages[page] = responses[1:]
	}
	return resp, nil
}

// memStore is an in-memory ExtractionStore.
type memStore struct {
	mu       sync.Mutex
	pages    map[string]*models.Page // keyed doc:page
	progress map[primitive.ObjectID]*models.BatchProgress

	// checkpoint history for monotonicity assertions
	checkpoints []int
}

func newMemStore() *memStore {
	return &memStore{
		pages:    map[string]*models.Page{},
		progress: map[primitive.ObjectID]*models.BatchProgress{},
	}
}

func (s *memStore) SavePage(ctx context.Context, page *models.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *page
	s.pages[fmt.Sprintf("%s:%d", page.DocumentID.Hex(), page.PageNumber)] = &copied
	return nil
}

func (s *memStore) LoadProgress(ctx context.Context, documentID primitive.ObjectID) (*models.BatchProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	progress, ok := s.progress[documentID]
	if !ok {
		return nil, nil
	}
	copied := *progress
	return &copied, nil
}

func (s *memStore) SaveProgress(ctx context.Context, progress *models.BatchProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *progress
	s.progress[progress.DocumentID] = &copied
	s.checkpoints = append(s.checkpoints, progress.LastProcessedPage)
	return nil
}

func (s *memStore) page(docID primitive.ObjectID, num int) *models.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[fmt.Sprintf("%s:%d", docID.Hex(), num)]
}

func testExtractor(vision VisionExtractor, store ExtractionStore) *ConsensusExtractor {
	ce := NewConsensusExtractor(vision, store, ExtractionConfig{
		LargeDocThreshold: 40,
		BatchWindow:       15,
		InterPageDelay:    time.Millisecond,
		BackoffMin:        time.Millisecond,
		BackoffMax:        4 * time.Millisecond,
		MaxRetryAttempts:  4,
	}, nil)
	ce.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return ce
}

func TestClassifyAgreementBoundaries(t *testing.T) {
	tests := []struct {
		score       float64
		confidence  string
		needsReview bool
	}{
		{1.0, models.ConfidenceHigh, false},
		{0.95, models.ConfidenceHigh, false}, // boundary is inclusive
		{0.949, models.ConfidenceMedium, false},
		{0.85, models.ConfidenceMedium, false}, // boundary is inclusive
		{0.849, models.ConfidenceLow, true},
		{0.0, models.ConfidenceLow, true},
	}

	for _, tt := range tests {
		confidence, needsReview := ClassifyAgreement(tt.score)
		if confidence != tt.confidence || needsReview != tt.needsReview {
			t.Errorf("ClassifyAgreement(%v) = (%s, %v), want (%s, %v)",
				tt.score, confidence, needsReview, tt.confidence, tt.needsReview)
		}
	}
}

func TestAgreementScore(t *testing.T) {
	if got := AgreementScore("", ""); got != 1 {
		t.Errorf("two empty passes should agree perfectly, got %v", got)
	}
	if got := AgreementScore("abcd", "abcd"); got != 1 {
		t.Errorf("identical passes should score 1, got %v", got)
	}
	// one substitution out of four characters
	if got := AgreementScore("abcd", "abxd"); got != 0.75 {
		t.Errorf("expected 0.75, got %v", got)
	}
	if got := AgreementScore("abcd", ""); got != 0 {
		t.Errorf("empty vs non-empty should score 0, got %v", got)
	}
}

func TestMergeConsensus(t *testing.T) {
	// Similar lengths: primary wins
	if got := MergeConsensus("primary text here", "verify text there"); got != "primary text here" {
		t.Errorf("expected primary to win, got %q", got)
	}

	// Verification much longer: it likely caught content the primary dropped
	long := strings.Repeat("x", 100)
	if got := MergeConsensus("short", long); got != long {
		t.Errorf("expected longer verification to win")
	}

	// Primary much longer: primary stays
	if got := MergeConsensus(long, "short"); got != long {
		t.Errorf("expected longer primary to win")
	}

	if got := MergeConsensus("", ""); got != "" {
		t.Errorf("expected empty consensus for empty passes, got %q", got)
	}
}

func TestMajorityCandidate(t *testing.T) {
	// Two agreeing candidates outvote the outlier
	best, score := MajorityCandidate([]string{
		"the correct page text",
		"the correct page texx", // near match
		"garbage entirely different content",
	})
	if best != "the correct page text" && best != "the correct page texx" {
		t.Errorf("expected a majority candidate, got %q", best)
	}
	if score <= 0 || score > 1 {
		t.Errorf("score out of range: %v", score)
	}

	if _, score := MajorityCandidate([]string{"only"}); score != 1 {
		t.Errorf("single candidate should score 1, got %v", score)
	}
}

func TestProcessBatchSmallDocument(t *testing.T) {
	vision := newFakeVision()
	// Page 1: identical passes. Page 2: small divergence. Page 3: identical.
	vision.setPage(1, "page one content is stable")
	vision.setPage(2, "page two content is mostly stable", "page two content is mostly stible")
	vision.setPage(3, "page three content")

	store := newMemStore()
	ce := testExtractor(vision, store)

	docID := primitive.NewObjectID()
	doc := &models.Document{ID: docID, TotalPages: 3}

	result, err := ce.ProcessBatch(context.Background(), doc, []byte("%PDF-fake"))
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	if !result.Completed || result.NeedsMoreBatches {
		t.Errorf("3-page document should finish in one batch: %+v", result)
	}
	if result.PagesProcessed != 3 {
		t.Errorf("expected 3 pages processed, got %d", result.PagesProcessed)
	}

	page1 := store.page(docID, 1)
	if page1 == nil || page1.Method != models.MethodDualPass {
		t.Fatalf("page 1 should be dual-pass, got %+v", page1)
	}
	if page1.Confidence != models.ConfidenceHigh || page1.NeedsReview {
		t.Errorf("identical passes should be high confidence: %+v", page1)
	}

	if vision.uploads != 1 {
		t.Errorf("expected a single upload per invocation, got %d", vision.uploads)
	}
	if vision.deletes != 1 {
		t.Errorf("uploaded file should be cleaned up, got %d deletes", vision.deletes)
	}
}

func TestProcessBatchLargeDocumentCheckpoints(t *testing.T) {
	vision := newFakeVision()
	store := newMemStore()
	ce := testExtractor(vision, store)

	docID := primitive.NewObjectID()
	doc := &models.Document{ID: docID, TotalPages: 120}

	result, err := ce.ProcessBatch(context.Background(), doc, []byte("%PDF-fake"))
	if err != nil {
		t.Fatalf("first batch failed: %v", err)
	}

	if result.Completed || !result.NeedsMoreBatches {
		t.Fatalf("120-page document cannot finish in one window: %+v", result)
	}
	if result.PagesProcessed != 15 {
		t.Errorf("expected window of 15 pages, got %d", result.PagesProcessed)
	}
	if result.ResumeFromPage != 16 {
		t.Errorf("expected resume from page 16, got %d", result.ResumeFromPage)
	}

	// Above the threshold every page is single-pass and flagged
	if len(result.PagesNeedingReview) != 15 {
		t.Errorf("all large-doc pages must be flagged, got %d", len(result.PagesNeedingReview))
	}
	if page := store.page(docID, 1); page.Method != models.MethodSinglePass || !page.NeedsReview {
		t.Errorf("large-doc page should be single-pass flagged: %+v", page)
	}
	// A skipped verification pass leaves the default medium tier; only a
	// failed verification demotes to low
	if page := store.page(docID, 1); page.Confidence != models.ConfidenceMedium {
		t.Errorf("single-pass page confidence = %q, want %q", page.Confidence, models.ConfidenceMedium)
	}
	if result.Confidence[models.ConfidenceMedium] != 15 {
		t.Errorf("expected 15 medium pages in summary, got %v", result.Confidence)
	}

	// Second invocation resumes exactly where the first stopped
	result2, err := ce.ProcessBatch(context.Background(), doc, []byte("%PDF-fake"))
	if err != nil {
		t.Fatalf("second batch failed: %v", err)
	}
	if result2.ResumeFromPage != 31 {
		t.Errorf("expected resume from page 31, got %d", result2.ResumeFromPage)
	}
	if store.page(docID, 16) == nil || store.page(docID, 30) == nil {
		t.Errorf("second window should cover pages 16-30")
	}

	// Checkpoint only ever advances
	for i := 1; i < len(store.checkpoints); i++ {
		if store.checkpoints[i] < store.checkpoints[i-1] {
			t.Fatalf("checkpoint moved backwards: %v", store.checkpoints)
		}
	}
}

func TestInterPageDelayHalvedForSinglePass(t *testing.T) {
	newPacedExtractor := func() (*ConsensusExtractor, *[]time.Duration) {
		ce := NewConsensusExtractor(newFakeVision(), newMemStore(), ExtractionConfig{
			LargeDocThreshold: 2,
			BatchWindow:       3,
			InterPageDelay:    10 * time.Millisecond,
			BackoffMin:        time.Millisecond,
			BackoffMax:        time.Millisecond,
			MaxRetryAttempts:  1,
		}, nil)
		slept := &[]time.Duration{}
		ce.sleep = func(ctx context.Context, d time.Duration) error {
			*slept = append(*slept, d)
			return nil
		}
		return ce, slept
	}

	// Above the threshold each page is single model call, so the pause
	// between pages drops to half the configured delay
	ce, slept := newPacedExtractor()
	doc := &models.Document{ID: primitive.NewObjectID(), TotalPages: 5}
	if _, err := ce.ProcessBatch(context.Background(), doc, []byte("%PDF-fake")); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(*slept) != 2 {
		t.Fatalf("expected 2 pauses between 3 single-pass pages, got %v", *slept)
	}
	for _, d := range *slept {
		if d != 5*time.Millisecond {
			t.Errorf("single-pass page pause = %v, want 5ms", d)
		}
	}

	// Under the threshold the full delay separates pages, with a half
	// delay between the two passes of each page
	ce, slept = newPacedExtractor()
	doc = &models.Document{ID: primitive.NewObjectID(), TotalPages: 2}
	if _, err := ce.ProcessBatch(context.Background(), doc, []byte("%PDF-fake")); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	want := []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 5 * time.Millisecond}
	if len(*slept) != len(want) {
		t.Fatalf("expected pauses %v, got %v", want, *slept)
	}
	for i, d := range want {
		if (*slept)[i] != d {
			t.Errorf("pause %d = %v, want %v", i, (*slept)[i], d)
		}
	}
}

func TestProcessBatchCompletesOnLastWindow(t *testing.T) {
	vision := newFakeVision()
	store := newMemStore()
	ce := testExtractor(vision, store)

	docID := primitive.NewObjectID()
	doc := &models.Document{ID: docID, TotalPages: 45}

	for i := 0; i < 3; i++ {
		result, err := ce.ProcessBatch(context.Background(), doc, []byte("%PDF-fake"))
		if err != nil {
			t.Fatalf("batch %d failed: %v", i+1, err)
		}
		if i < 2 && result.Completed {
			t.Fatalf("batch %d should not complete a 45-page document", i+1)
		}
		if i == 2 && !result.Completed {
			t.Fatalf("third window should complete 45 pages: %+v", result)
		}
	}

	// A further invocation is a no-op on a completed checkpoint
	result, err := ce.ProcessBatch(context.Background(), doc, []byte("%PDF-fake"))
	if err != nil {
		t.Fatalf("no-op batch failed: %v", err)
	}
	if !result.Completed || result.PagesProcessed != 0 {
		t.Errorf("completed document should not reprocess: %+v", result)
	}
}

func TestProcessBatchPageFailureIsolated(t *testing.T) {
	vision := newFakeVision()
	// Page 2 fails terminally, pages 1 and 3 are fine
	vision.pageErrs[2] = []error{errors.New("model refused")}

	store := newMemStore()
	ce := testExtractor(vision, store)

	docID := primitive.NewObjectID()
	doc := &models.Document{ID: docID, TotalPages: 3}

	result, err := ce.ProcessBatch(context.Background(), doc, []byte("%PDF-fake"))
	if err != nil {
		t.Fatalf("batch should survive a single page failure: %v", err)
	}
	if !result.Completed {
		t.Fatalf("remaining pages should still be processed: %+v", result)
	}

	failed := store.page(docID, 2)
	if failed.Method != models.MethodFailed || !failed.NeedsReview {
		t.Errorf("failed page should be a flagged placeholder: %+v", failed)
	}
	if !strings.Contains(failed.ConsensusText, "page 2") {
		t.Errorf("placeholder should name the page: %q", failed.ConsensusText)
	}
	if ok := store.page(docID, 3); ok == nil || ok.Method == models.MethodFailed {
		t.Errorf("page 3 should extract normally after page 2 failed")
	}
}

func TestExtractWithRetryHonorsRetryAfter(t *testing.T) {
	vision := newFakeVision()
	vision.pageErrs[1] = []error{
		&ai.RateLimitError{RetryAfter: 42 * time.Millisecond, Err: errors.New("429")},
		&ai.RateLimitError{Err: errors.New("429")},
	}
	vision.setPage(1, "recovered text")

	store := newMemStore()
	ce := testExtractor(vision, store)

	var slept []time.Duration
	ce.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	text, err := ce.extractWithRetry(context.Background(), "uri", 1, primaryExtractionPrompt, 0)
	if err != nil {
		t.Fatalf("retry should eventually succeed: %v", err)
	}
	if text != "recovered text" {
		t.Errorf("unexpected text %q", text)
	}

	if len(slept) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %d", len(slept))
	}
	// First delay follows the server's Retry-After since it exceeds the
	// computed backoff, but never the configured ceiling
	if slept[0] != 4*time.Millisecond {
		t.Errorf("Retry-After above the ceiling should clamp to BackoffMax, got %v", slept[0])
	}
	if slept[1] != 2*time.Millisecond {
		t.Errorf("second attempt should use exponential backoff, got %v", slept[1])
	}
}

func TestExtractWithRetryFailsFastOnTerminalError(t *testing.T) {
	vision := newFakeVision()
	vision.pageErrs[1] = []error{errors.New("invalid argument")}

	store := newMemStore()
	ce := testExtractor(vision, store)

	if _, err := ce.extractWithRetry(context.Background(), "uri", 1, primaryExtractionPrompt, 0); err == nil {
		t.Fatal("terminal error should not be retried")
	}
	if vision.callCount != 1 {
		t.Errorf("expected exactly one call for a terminal error, got %d", vision.callCount)
	}
}

func TestExtractWithRetryExhaustsAttempts(t *testing.T) {
	vision := newFakeVision()
	vision.pageErrs[1] = []error{
		&ai.RateLimitError{Err: errors.New("429")},
		&ai.RateLimitError{Err: errors.New("429")},
		&ai.RateLimitError{Err: errors.New("429")},
		&ai.RateLimitError{Err: errors.New("429")},
	}

	store := newMemStore()
	ce := testExtractor(vision, store)

	_, err := ce.extractWithRetry(context.Background(), "uri", 1, primaryExtractionPrompt, 0)
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if vision.callCount != 4 {
		t.Errorf("expected MaxRetryAttempts calls, got %d", vision.callCount)
	}
}

func TestReExtractPageMajority(t *testing.T) {
	vision := newFakeVision()
	vision.setPage(7,
		"the stable page seven text",
		"the stable page seven text",
		"completely different hallucination",
	)

	store := newMemStore()
	ce := testExtractor(vision, store)

	docID := primitive.NewObjectID()
	page, err := ce.ReExtractPage(context.Background(), docID, []byte("%PDF-fake"), 7)
	if err != nil {
		t.Fatalf("ReExtractPage failed: %v", err)
	}

	if page.ConsensusText != "the stable page seven text" {
		t.Errorf("majority should win, got %q", page.ConsensusText)
	}
	if page.Method != models.MethodMajority {
		t.Errorf("expected majority method, got %s", page.Method)
	}
	if saved := store.page(docID, 7); saved == nil {
		t.Error("re-extracted page should be persisted")
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"kitten", "sitting", 3},
		{"שלום", "שלוב", 1},
	}
	for _, tt := range tests {
		if got := levenshtein([]rune(tt.a), []rune(tt.b)); got != tt.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}
