package services

import (
	"strings"
	"testing"

	"textbook-knowledge-engine/models"
)

func TestBucketLimits(t *testing.T) {
	tests := []struct {
		total                       int
		curriculum, textbook, guide int
	}{
		{10, 3, 4, 3},
		{20, 6, 8, 6},
		{7, 2, 3, 2},
		{1, 0, 1, 0}, // remainder lands in the textbook bucket
	}

	for _, tt := range tests {
		c, x, g := BucketLimits(tt.total)
		if c != tt.curriculum || x != tt.textbook || g != tt.guide {
			t.Errorf("BucketLimits(%d) = (%d, %d, %d), want (%d, %d, %d)",
				tt.total, c, x, g, tt.curriculum, tt.textbook, tt.guide)
		}
		if c+x+g != tt.total {
			t.Errorf("BucketLimits(%d) does not sum to total", tt.total)
		}
	}
}

func result(id, volumeType string, similarity float64) models.SearchResult {
	return models.SearchResult{
		Chunk:      models.KnowledgeChunk{ChunkID: id, VolumeType: volumeType, Text: "text of " + id},
		Similarity: similarity,
	}
}

func TestMergeBucketsCurriculumFirst(t *testing.T) {
	curriculum := []models.SearchResult{result("c1", "curriculum", 0.7)}
	textbook := []models.SearchResult{result("t1", "textbook", 0.9), result("t2", "textbook", 0.8)}
	guide := []models.SearchResult{result("g1", "guide", 0.95)}

	merged := MergeBuckets(curriculum, textbook, guide)

	// Curriculum leads regardless of similarity
	order := []string{"c1", "t1", "t2", "g1"}
	if len(merged) != len(order) {
		t.Fatalf("expected %d results, got %d", len(order), len(merged))
	}
	for i, want := range order {
		if merged[i].Chunk.ChunkID != want {
			t.Errorf("position %d = %s, want %s", i, merged[i].Chunk.ChunkID, want)
		}
	}
}

func TestMergeBucketsDedup(t *testing.T) {
	curriculum := []models.SearchResult{result("shared", "curriculum", 0.7)}
	textbook := []models.SearchResult{result("shared", "textbook", 0.9), result("t1", "textbook", 0.8)}

	merged := MergeBuckets(curriculum, textbook, nil)
	if len(merged) != 2 {
		t.Fatalf("duplicate chunk id should merge, got %d results", len(merged))
	}
	// The curriculum occurrence wins
	if merged[0].Chunk.VolumeType != "curriculum" {
		t.Errorf("first occurrence should be kept, got %s", merged[0].Chunk.VolumeType)
	}
}

func TestFormatContext(t *testing.T) {
	results := []models.SearchResult{
		{Chunk: models.KnowledgeChunk{
			ChunkID: "a", VolumeType: "curriculum", Subject: "math",
			Grade: "5", Chapter: "פרק 1", Text: "curriculum text",
		}},
		{Chunk: models.KnowledgeChunk{
			ChunkID: "b", VolumeType: "textbook", Subject: "math",
			Grade: "5", Text: "textbook text",
		}},
	}

	ctx := FormatContext(results)

	if !strings.Contains(ctx, "curriculum text") || !strings.Contains(ctx, "textbook text") {
		t.Error("context should include all chunk texts")
	}
	if !strings.Contains(ctx, "[curriculum | math | grade 5 | פרק 1]") {
		t.Errorf("context should label sources:\n%s", ctx)
	}
	if strings.Index(ctx, "curriculum text") > strings.Index(ctx, "textbook text") {
		t.Error("curriculum content should precede textbook content")
	}

	if got := FormatContext(nil); got != "" {
		t.Errorf("empty results should format to empty string, got %q", got)
	}
}

func TestFilterToBSON(t *testing.T) {
	filter := filterToBSON(models.SearchFilters{Subject: "math", ContentType: "exercise"})
	if len(filter) != 2 {
		t.Fatalf("empty fields should be omitted, got %v", filter)
	}
	if filter["subject"] != "math" || filter["content_type"] != "exercise" {
		t.Errorf("unexpected filter %v", filter)
	}

	if got := filterToBSON(models.SearchFilters{}); len(got) != 0 {
		t.Errorf("empty filters should produce empty document, got %v", got)
	}
}

func TestCurriculumFilterGradeUnion(t *testing.T) {
	filter := curriculumFilter("math", "5")
	if filter["volume_type"] != models.VolumeTypeCurriculum {
		t.Errorf("curriculum filter must pin volume_type: %v", filter)
	}
	if _, ok := filter["$or"]; !ok {
		t.Error("curriculum filter must union grade and grades-array membership")
	}

	// Without a grade there is nothing to union
	if _, ok := curriculumFilter("math", "")["$or"]; ok {
		t.Error("gradeless filter should not include $or")
	}
}
