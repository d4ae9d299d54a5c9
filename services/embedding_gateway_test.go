package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// fakeEmbedder returns a deterministic vector per text and can fail on
// chosen inputs.
type fakeEmbedder struct {
	failOn  map[string]bool
	calls   []string
	lastLen int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls = append(f.calls, text)
	f.lastLen = len([]rune(text))
	if f.failOn[text] {
		return nil, errors.New("embedding refused")
	}
	return []float32{float32(len(text)), 1}, nil
}

func TestEmbedTextsPreservesOrder(t *testing.T) {
	embedder := &fakeEmbedder{}
	gateway := NewEmbeddingGateway(embedder, 2, 0, 8000, nil)

	texts := []string{"one", "twooo", "threeee"}
	vectors, err := gateway.EmbedTexts(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedTexts failed: %v", err)
	}

	if len(vectors) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vectors))
	}
	for i, text := range texts {
		if vectors[i][0] != float32(len(text)) {
			t.Errorf("vector %d does not match input %q", i, text)
		}
	}
}

func TestEmbedTextsPartialFailure(t *testing.T) {
	embedder := &fakeEmbedder{failOn: map[string]bool{"bad": true}}
	gateway := NewEmbeddingGateway(embedder, 10, 0, 8000, nil)

	vectors, err := gateway.EmbedTexts(context.Background(), []string{"good", "bad", "fine"})
	if err != nil {
		t.Fatalf("partial failure should not fail the batch: %v", err)
	}

	if len(vectors[0]) == 0 || len(vectors[2]) == 0 {
		t.Error("successful items should keep their vectors")
	}
	if len(vectors[1]) != 0 {
		t.Errorf("failed item should yield an empty vector, got %v", vectors[1])
	}
}

func TestEmbedTextsTruncation(t *testing.T) {
	embedder := &fakeEmbedder{}
	gateway := NewEmbeddingGateway(embedder, 10, 0, 50, nil)

	long := strings.Repeat("שלום עולם ", 100)
	if _, err := gateway.EmbedTexts(context.Background(), []string{long}); err != nil {
		t.Fatalf("EmbedTexts failed: %v", err)
	}

	if embedder.lastLen > 50 {
		t.Errorf("text should be truncated to 50 runes, got %d", embedder.lastLen)
	}
}

func TestEmbedTextsContextCancellation(t *testing.T) {
	embedder := &fakeEmbedder{}
	gateway := NewEmbeddingGateway(embedder, 1, time.Minute, 8000, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := gateway.EmbedTexts(ctx, []string{"a", "b"}); err == nil {
		t.Fatal("cancelled context should surface an error")
	}
}

func TestEmbedQuerySurfacesError(t *testing.T) {
	embedder := &fakeEmbedder{failOn: map[string]bool{"query": true}}
	gateway := NewEmbeddingGateway(embedder, 10, 0, 8000, nil)

	if _, err := gateway.EmbedQuery(context.Background(), "query"); err == nil {
		t.Fatal("query embedding failure must be surfaced")
	}
}
