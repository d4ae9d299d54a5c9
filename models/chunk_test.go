package models

import (
	"strings"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestChunkIDFormat(t *testing.T) {
	docID := primitive.NewObjectID()

	first := ChunkID(docID, 0)
	if !strings.HasPrefix(first, docID.Hex()+"_") {
		t.Errorf("chunk id should be prefixed by the document id: %q", first)
	}
	if !strings.HasSuffix(first, "_0000") {
		t.Errorf("index should be zero-padded to four digits: %q", first)
	}

	if got := ChunkID(docID, 42); !strings.HasSuffix(got, "_0042") {
		t.Errorf("ChunkID(42) = %q", got)
	}
	// Beyond four digits the id keeps growing rather than truncating
	if got := ChunkID(docID, 12345); !strings.HasSuffix(got, "_12345") {
		t.Errorf("ChunkID(12345) = %q", got)
	}
}
