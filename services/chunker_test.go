package services

import (
	"strings"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"textbook-knowledge-engine/models"
)

func TestEstimateTokensScriptAware(t *testing.T) {
	latin := strings.Repeat("abcd", 25) // 100 chars
	if got := EstimateTokens(latin); got != 25 {
		t.Errorf("latin text should divide by 4: got %d, want 25", got)
	}

	hebrew := strings.Repeat("שלום", 25) // 100 chars, all Hebrew
	if got := EstimateTokens(hebrew); got != 40 {
		t.Errorf("hebrew text should divide by 2.5: got %d, want 40", got)
	}

	if got := EstimateTokens(""); got != 0 {
		t.Errorf("empty text should be 0 tokens, got %d", got)
	}
	if got := EstimateTokens("ab"); got != 1 {
		t.Errorf("tiny text should floor at 1 token, got %d", got)
	}
}

func TestEstimateTokensMixedScript(t *testing.T) {
	// 40% Hebrew crosses the 30% threshold
	mixed := strings.Repeat("שלום", 10) + strings.Repeat("abcdef", 10) // 40 + 60 chars
	if got := EstimateTokens(mixed); got != 40 {
		t.Errorf("hebrew-heavy mixed text should divide by 2.5: got %d, want 40", got)
	}

	// 20% Hebrew stays below it
	mostly := strings.Repeat("שלום", 5) + strings.Repeat("abcd", 20) // 20 + 80 chars
	if got := EstimateTokens(mostly); got != 25 {
		t.Errorf("latin-heavy mixed text should divide by 4: got %d, want 25", got)
	}
}

func TestSplitChapters(t *testing.T) {
	cs := NewChunkerService(500, 100, 2)

	text := "intro before any chapter\n\nפרק 1 שברים\n\ncontent of chapter one\n\nפרק 2 משוואות\n\ncontent of chapter two"
	chapters := cs.SplitChapters(text)

	if len(chapters) != 3 {
		t.Fatalf("expected preamble plus two chapters, got %d", len(chapters))
	}
	if chapters[0].Title != "" || !strings.Contains(chapters[0].Text, "intro") {
		t.Errorf("preamble should be an untitled chapter: %+v", chapters[0])
	}
	if !strings.HasPrefix(chapters[1].Title, "פרק 1") {
		t.Errorf("unexpected chapter title %q", chapters[1].Title)
	}
	if !strings.Contains(chapters[2].Text, "chapter two") {
		t.Errorf("chapter body misassigned: %+v", chapters[2])
	}
}

func TestSplitChaptersWithoutHeadings(t *testing.T) {
	cs := NewChunkerService(500, 100, 2)
	chapters := cs.SplitChapters("plain text without any heading at all")
	if len(chapters) != 1 || chapters[0].Title != "" {
		t.Fatalf("headingless text should be one untitled chapter, got %+v", chapters)
	}
}

func TestChunkChapterRespectsTokenBudget(t *testing.T) {
	cs := NewChunkerService(50, 10, 1)

	// Paragraphs of ~25 tokens each (100 latin chars)
	para := strings.Repeat("word att ", 11) + "x."
	text := strings.Join([]string{para, para, para, para, para, para}, "\n\n")

	drafts := cs.chunkChapter(text)
	if len(drafts) < 2 {
		t.Fatalf("budget of 50 tokens should split 6 paragraphs, got %d chunks", len(drafts))
	}

	for i, draft := range drafts {
		if draft.bodyTokens > 50+25 {
			t.Errorf("chunk %d body far exceeds budget: %d tokens", i, draft.bodyTokens)
		}
		if draft.bodyTokens == 0 {
			t.Errorf("chunk %d has no body tokens", i)
		}
	}
}

func TestChunkChapterOversizedParagraphSplits(t *testing.T) {
	cs := NewChunkerService(50, 10, 0)

	// A single run-on paragraph of well over 50 tokens, with sentence marks
	var sb strings.Builder
	for i := 0; i < 20; i++ {
		sb.WriteString("this is one full sentence of the giant paragraph. ")
	}

	drafts := cs.chunkChapter(sb.String())
	if len(drafts) < 2 {
		t.Fatalf("oversized paragraph should split by sentence, got %d chunks", len(drafts))
	}
}

func TestChunkDocumentIDsAndOrder(t *testing.T) {
	cs := NewChunkerService(50, 10, 1)
	docID := primitive.NewObjectID()
	doc := &models.Document{
		ID:         docID,
		Subject:    "math",
		Grade:      "5",
		Grades:     []string{"4", "5"},
		Volume:     "a",
		VolumeType: models.VolumeTypeCurriculum,
	}

	para := strings.Repeat("content here ", 20)
	text := "פרק 1 שברים\n\n" + para + "\n\n" + para + "\n\n" + para

	chunks, chapters := cs.ChunkDocument(doc, text)
	if chapters != 1 {
		t.Errorf("expected one chapter, got %d", chapters)
	}
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}

	for i, chunk := range chunks {
		want := models.ChunkID(docID, i)
		if chunk.ChunkID != want {
			t.Errorf("chunk %d id = %q, want %q", i, chunk.ChunkID, want)
		}
		if chunk.Order != i {
			t.Errorf("chunk %d order = %d", i, chunk.Order)
		}
		if chunk.Subject != "math" || chunk.Grade != "5" || len(chunk.Grades) != 2 {
			t.Errorf("chunk %d metadata not propagated: %+v", i, chunk)
		}
		if !strings.HasPrefix(chunk.Chapter, "פרק 1") {
			t.Errorf("chunk %d missing chapter tag: %q", i, chunk.Chapter)
		}
	}
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"תרגיל 5: חשבו את השטח", models.ContentTypeExercise},
		{"פתרון: נציב את הערכים", models.ContentTypeSolution},
		{"דוגמה: נחשב יחד", models.ContentTypeExample},
		{"הגדרה: שבר הוא חלק משלם", models.ContentTypeDefinition},
		{"שימו לב לסימן המינוס", models.ContentTypeTip},
		{"טעות נפוצה היא לשכוח את המכנה", models.ContentTypeCommonMistake},
		{"לסיכום, למדנו על שברים", models.ContentTypeSummary},
		{"סתם טקסט הסברי רגיל", models.ContentTypeExplanation},
	}

	for _, tt := range tests {
		if got := DetectContentType(tt.text); got != tt.want {
			t.Errorf("DetectContentType(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}

func TestExtractKeywords(t *testing.T) {
	keywords := ExtractKeywords("בפרק זה נלמד על שברים ועל משוואות פשוטות")
	if len(keywords) != 2 {
		t.Fatalf("expected 2 keywords, got %v", keywords)
	}
	if keywords[0] != "fractions" || keywords[1] != "equations" {
		t.Errorf("unexpected keywords %v", keywords)
	}

	if got := ExtractKeywords("no domain terms at all"); got != nil {
		t.Errorf("expected no keywords, got %v", got)
	}

	// Duplicate variants collapse to one canonical keyword
	dup := ExtractKeywords("שבר ועוד שברים וגם fraction")
	if len(dup) != 1 {
		t.Errorf("variants should dedup, got %v", dup)
	}
}

func TestChunkOverlapSeeding(t *testing.T) {
	cs := NewChunkerService(50, 10, 1)

	first := "First sentence ends here. Second sentence carries the marker zebra."
	para := strings.Repeat("filler words go here ", 10)
	drafts := cs.chunkChapter(first + "\n\n" + para + "\n\n" + para)

	if len(drafts) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(drafts))
	}
	if !strings.Contains(drafts[1].text, "zebra") {
		t.Errorf("second chunk should start with the previous chunk's last sentence: %q", drafts[1].text)
	}
}
