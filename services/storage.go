package services

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ledongthuc/pdf"

	"textbook-knowledge-engine/utils"
)

// FileStorageManager keeps uploaded source files on local disk so later
// batch invocations and re-extraction can re-read the original bytes.
type FileStorageManager struct {
	dir     string
	maxSize int64
}

func NewFileStorageManager(dir string, maxSize int64) (*FileStorageManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	return &FileStorageManager{dir: dir, maxSize: maxSize}, nil
}

// Validate rejects oversized or non-PDF content before any processing.
func (fs *FileStorageManager) Validate(content []byte) error {
	if int64(len(content)) > fs.maxSize {
		return fmt.Errorf("file size %d exceeds limit of %d bytes", len(content), fs.maxSize)
	}
	if len(content) < 5 || !bytes.HasPrefix(content, []byte("%PDF-")) {
		return fmt.Errorf("file is not a valid PDF")
	}
	return nil
}

// Save writes content to disk named by its hash. The write goes to a temp
// file first and is renamed into place, so readers never see a partial file.
func (fs *FileStorageManager) Save(content []byte) (path string, hash string, err error) {
	sum := sha256.Sum256(content)
	hash = hex.EncodeToString(sum[:])
	path = filepath.Join(fs.dir, hash+".pdf")

	if _, err := os.Stat(path); err == nil {
		return path, hash, nil
	}

	tmp, err := os.CreateTemp(fs.dir, "upload-*.tmp")
	if err != nil {
		return "", "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", "", fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", "", fmt.Errorf("failed to move file into storage: %w", err)
	}

	return path, hash, nil
}

// Load reads a stored file back for a later batch or re-extraction.
func (fs *FileStorageManager) Load(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stored file %s: %w", path, err)
	}
	return content, nil
}

// Delete removes a stored file. A missing file is not an error.
func (fs *FileStorageManager) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete stored file %s: %w", path, err)
	}
	return nil
}

// SaveTextArtifact persists the rebuilt document text for audit and export,
// gzipped when large enough to be worth it.
func (fs *FileStorageManager) SaveTextArtifact(documentID, text string) error {
	data, compressed, err := utils.CompressText(text)
	if err != nil {
		return err
	}

	name := documentID + ".txt"
	if compressed {
		name += ".gz"
	}

	if err := os.WriteFile(filepath.Join(fs.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("failed to write text artifact: %w", err)
	}
	return nil
}

// LoadTextArtifact reads back a stored text artifact.
func (fs *FileStorageManager) LoadTextArtifact(documentID string) (string, error) {
	gzPath := filepath.Join(fs.dir, documentID+".txt.gz")
	if data, err := os.ReadFile(gzPath); err == nil {
		return utils.DecompressText(data, true)
	}

	data, err := os.ReadFile(filepath.Join(fs.dir, documentID+".txt"))
	if err != nil {
		return "", fmt.Errorf("failed to read text artifact: %w", err)
	}
	return utils.DecompressText(data, false)
}

// CountPages inspects the PDF structure for its page count.
func CountPages(content []byte) (int, error) {
	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return 0, fmt.Errorf("failed to parse PDF: %w", err)
	}

	pages := reader.NumPage()
	if pages <= 0 {
		return 0, fmt.Errorf("PDF contains no pages")
	}
	return pages, nil
}
