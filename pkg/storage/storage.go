// Package storage is the blob store for encrypted resource content and
// previews. Blobs are content-addressed: the locator is the SHA-256 of the
// stored bytes, so writes are idempotent and a corrupted blob is detectable
// on read.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ErrBlobNotFound indicates no blob exists under the locator.
var ErrBlobNotFound = errors.New("blob not found")

var locatorRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ContentStore persists opaque blobs.
type ContentStore interface {
	// Put stores a blob and returns its locator.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves the blob for a locator, or ErrBlobNotFound.
	Get(ctx context.Context, locator string) ([]byte, error)
}

// FileStore keeps blobs on the local filesystem, sharded by the first two
// hex digits of the locator.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create content store root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	locator := hex.EncodeToString(sum[:])

	dir := filepath.Join(s.root, locator[:2])
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}

	path := filepath.Join(dir, locator)
	if _, err := os.Stat(path); err == nil {
		// Content-addressed: identical bytes are already stored.
		return locator, nil
	}

	// Write to a temp file and rename so a crashed write never leaves a
	// partial blob under a valid locator.
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to finalize blob: %w", err)
	}
	return locator, nil
}

func (s *FileStore) Get(ctx context.Context, locator string) ([]byte, error) {
	if !locatorRegex.MatchString(locator) {
		return nil, fmt.Errorf("%w: invalid locator %q", ErrBlobNotFound, locator)
	}

	data, err := os.ReadFile(filepath.Join(s.root, locator[:2], locator))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != locator {
		return nil, fmt.Errorf("blob %s failed integrity check", locator)
	}
	return data, nil
}
