package services

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"textbook-knowledge-engine/models"
)

// ChunkerService turns consensus text into ordered, token-bounded,
// overlap-seeded chunks tagged with chapter, content type and keywords.
// Token estimation is a deterministic character heuristic so chunking never
// depends on an external tokenizer.
type ChunkerService struct {
	tokenBudget      int
	minTokens        int
	overlapSentences int
	chapterRegex     *regexp.Regexp
	sentenceRegex    *regexp.Regexp
	paragraphRegex   *regexp.Regexp
}

func NewChunkerService(tokenBudget, minTokens, overlapSentences int) *ChunkerService {
	if tokenBudget <= 0 {
		tokenBudget = 500
	}
	if minTokens <= 0 {
		minTokens = 100
	}
	if overlapSentences < 0 {
		overlapSentences = 0
	}

	return &ChunkerService{
		tokenBudget:      tokenBudget,
		minTokens:        minTokens,
		overlapSentences: overlapSentences,
		chapterRegex:     regexp.MustCompile(`(?m)^\s*(?:פרק|יחידה|שיעור|נושא|Chapter|Unit|Lesson)\s+[0-9א-ת]+[^\n]*`),
		sentenceRegex:    regexp.MustCompile(`[^.!?\n]+[.!?]`),
		paragraphRegex:   regexp.MustCompile(`\n\n+`),
	}
}

// Chapter is a detected section of the source text.
type Chapter struct {
	Title string
	Text  string
}

// ChunkDocument produces the full ordered chunk sequence for a document's
// consensus text. Chunk ids derive from the document id plus sequence index.
func (cs *ChunkerService) ChunkDocument(doc *models.Document, fullText string) ([]models.KnowledgeChunk, int) {
	chapters := cs.SplitChapters(fullText)

	var chunks []models.KnowledgeChunk
	now := time.Now()

	for _, chapter := range chapters {
		for _, draft := range cs.chunkChapter(chapter.Text) {
			chunk := models.KnowledgeChunk{
				ChunkID:     models.ChunkID(doc.ID, len(chunks)),
				DocumentID:  doc.ID,
				Order:       len(chunks),
				Text:        draft.text,
				Subject:     doc.Subject,
				Grade:       doc.Grade,
				Grades:      doc.Grades,
				Volume:      doc.Volume,
				VolumeType:  doc.VolumeType,
				Chapter:     chapter.Title,
				ContentType: DetectContentType(draft.text),
				Keywords:    ExtractKeywords(draft.text),
				TokenCount:  draft.bodyTokens,
				CreatedAt:   now,
			}
			chunks = append(chunks, chunk)
		}
	}

	return chunks, len(chapters)
}

// SplitChapters detects chapter boundaries via numbered heading markers.
// Text without any recognizable heading becomes a single chapter.
func (cs *ChunkerService) SplitChapters(text string) []Chapter {
	headings := cs.chapterRegex.FindAllStringIndex(text, -1)
	if len(headings) == 0 {
		return []Chapter{{Title: "", Text: text}}
	}

	var chapters []Chapter

	// Preamble before the first heading stays its own untitled chapter
	if headings[0][0] > 0 {
		preamble := strings.TrimSpace(text[:headings[0][0]])
		if preamble != "" {
			chapters = append(chapters, Chapter{Title: "", Text: preamble})
		}
	}

	for i, loc := range headings {
		title := strings.TrimSpace(text[loc[0]:loc[1]])
		end := len(text)
		if i+1 < len(headings) {
			end = headings[i+1][0]
		}
		body := strings.TrimSpace(text[loc[1]:end])
		chapters = append(chapters, Chapter{Title: title, Text: body})
	}

	return chapters
}

// chunkDraft is an emitted chunk before metadata tagging. bodyTokens counts
// the chunk's own content, excluding the overlap prefix seeded from the
// previous chunk.
type chunkDraft struct {
	text       string
	bodyTokens int
}

// chunkChapter accumulates paragraphs into a buffer until adding the next
// one would exceed the token budget and the buffer already meets the minimum
// floor, then emits the buffer and seeds the next one with a short overlap.
func (cs *ChunkerService) chunkChapter(text string) []chunkDraft {
	paragraphs := cs.splitUnits(text)
	if len(paragraphs) == 0 {
		return nil
	}

	var drafts []chunkDraft
	buffer := new(strings.Builder)
	bodyTokens := 0
	overlapTokens := 0

	flush := func() {
		if buffer.Len() == 0 {
			return
		}
		drafts = append(drafts, chunkDraft{
			text:       buffer.String(),
			bodyTokens: bodyTokens,
		})

		buffer = new(strings.Builder)
		bodyTokens = 0
		overlapTokens = 0

		if cs.overlapSentences > 0 {
			overlap := cs.overlapTail(drafts[len(drafts)-1].text)
			if overlap != "" {
				buffer.WriteString(overlap)
				overlapTokens = EstimateTokens(overlap)
			}
		}
	}

	for _, paragraph := range paragraphs {
		paraTokens := EstimateTokens(paragraph)

		if bodyTokens+overlapTokens+paraTokens > cs.tokenBudget && bodyTokens >= cs.minTokens {
			flush()
		}

		if buffer.Len() > 0 {
			buffer.WriteString("\n\n")
		}
		buffer.WriteString(paragraph)
		bodyTokens += paraTokens
	}

	if buffer.Len() > 0 && bodyTokens > 0 {
		drafts = append(drafts, chunkDraft{text: buffer.String(), bodyTokens: bodyTokens})
	}

	return drafts
}

// splitUnits splits text into paragraphs; a paragraph bigger than the whole
// budget is further split into sentences so a single run-on scan page cannot
// produce an unbounded chunk.
func (cs *ChunkerService) splitUnits(text string) []string {
	var units []string
	for _, paragraph := range cs.paragraphRegex.Split(text, -1) {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}

		if EstimateTokens(paragraph) <= cs.tokenBudget {
			units = append(units, paragraph)
			continue
		}

		sentences := cs.sentenceRegex.FindAllString(paragraph, -1)
		if len(sentences) == 0 {
			units = append(units, paragraph)
			continue
		}
		for _, sentence := range sentences {
			sentence = strings.TrimSpace(sentence)
			if sentence != "" {
				units = append(units, sentence)
			}
		}
	}
	return units
}

// overlapTail returns the last sentences of an emitted chunk to seed the
// next buffer, preserving context continuity across the boundary.
func (cs *ChunkerService) overlapTail(text string) string {
	sentences := cs.sentenceRegex.FindAllString(text, -1)
	if len(sentences) == 0 {
		return ""
	}

	n := cs.overlapSentences
	if n > len(sentences) {
		n = len(sentences)
	}

	tail := sentences[len(sentences)-n:]
	for i := range tail {
		tail[i] = strings.TrimSpace(tail[i])
	}
	return strings.Join(tail, " ")
}

// EstimateTokens approximates the token count of text with a character
// heuristic. Hebrew and Arabic tokens average fewer characters than Latin
// ones, so RTL-heavy text uses a narrower divisor.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}

	total := 0
	rtl := 0
	for _, r := range text {
		total++
		if unicode.Is(unicode.Hebrew, r) || unicode.Is(unicode.Arabic, r) {
			rtl++
		}
	}

	divisor := 4.0
	if float64(rtl) > float64(total)*0.3 {
		divisor = 2.5
	}

	tokens := int(float64(total) / divisor)
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// contentTypePatterns maps detection patterns to content type tags, checked
// in order: the more specific instructional markers win over prose.
var contentTypePatterns = []struct {
	pattern     *regexp.Regexp
	contentType string
}{
	{regexp.MustCompile(`טעות נפוצה|טעויות נפוצות|common mistake`), models.ContentTypeCommonMistake},
	{regexp.MustCompile(`פתרון|פיתרון|solution:`), models.ContentTypeSolution},
	{regexp.MustCompile(`תרגיל|תרגילים|משימה|exercise|שאלה \d`), models.ContentTypeExercise},
	{regexp.MustCompile(`דוגמה|דוגמא|לדוגמה|example`), models.ContentTypeExample},
	{regexp.MustCompile(`הגדרה|מהו |מהי |definition`), models.ContentTypeDefinition},
	{regexp.MustCompile(`כלל |חוק |נוסחה|rule:|formula`), models.ContentTypeRule},
	{regexp.MustCompile(`סיכום|לסיכום|חזרה על|summary`), models.ContentTypeSummary},
	{regexp.MustCompile(`טיפ|שים לב|שימו לב|זכרו|tip:`), models.ContentTypeTip},
}

// DetectContentType classifies a chunk by keyword patterns. Unmatched text
// defaults to explanation, the most common textbook register.
func DetectContentType(text string) string {
	lower := strings.ToLower(text)
	for _, entry := range contentTypePatterns {
		if entry.pattern.MatchString(lower) {
			return entry.contentType
		}
	}
	return models.ContentTypeExplanation
}

// domainLexicon is the fixed keyword lookup for chunk tagging. Variants on
// the left collapse to the canonical keyword on the right.
var domainLexicon = []struct {
	variants []string
	keyword  string
}{
	{[]string{"שבר", "שברים", "fraction"}, "fractions"},
	{[]string{"משוואה", "משוואות", "equation"}, "equations"},
	{[]string{"גיאומטריה", "משולש", "מרובע", "geometry", "triangle"}, "geometry"},
	{[]string{"אחוז", "אחוזים", "percent"}, "percentages"},
	{[]string{"כפל", "מכפלה", "multiplication"}, "multiplication"},
	{[]string{"חילוק", "division"}, "division"},
	{[]string{"חיבור", "addition"}, "addition"},
	{[]string{"חיסור", "subtraction"}, "subtraction"},
	{[]string{"עשרוני", "עשרוניים", "decimal"}, "decimals"},
	{[]string{"זווית", "זוויות", "angle"}, "angles"},
	{[]string{"שטח", "היקף", "area", "perimeter"}, "area-perimeter"},
	{[]string{"גרף", "פונקציה", "graph", "function"}, "functions"},
	{[]string{"הסתברות", "probability"}, "probability"},
	{[]string{"סטטיסטיקה", "ממוצע", "statistics", "average"}, "statistics"},
	{[]string{"מספר שלם", "מספרים שלמים", "integer"}, "integers"},
}

// ExtractKeywords tags a chunk with canonical domain keywords found in its
// text. Lookup only, no frequency analysis: the lexicon is the contract.
func ExtractKeywords(text string) []string {
	lower := strings.ToLower(text)

	var keywords []string
	seen := make(map[string]bool)

	for _, entry := range domainLexicon {
		for _, variant := range entry.variants {
			if strings.Contains(lower, variant) {
				if !seen[entry.keyword] {
					seen[entry.keyword] = true
					keywords = append(keywords, entry.keyword)
				}
				break
			}
		}
	}

	return keywords
}
