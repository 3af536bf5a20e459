package ledger

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory ledger for development and tests. License
// uniqueness is enforced under the same lock that performs the insert, giving
// the same first-writer-wins semantics as the database unique index.
type MemoryStore struct {
	mu       sync.RWMutex
	images   map[string]Image
	licenses map[string]License
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		images:   make(map[string]Image),
		licenses: make(map[string]License),
	}
}

func licenseKey(imageID, buyerAddress string) string {
	return imageID + "/" + NormalizeAddress(buyerAddress)
}

func (s *MemoryStore) CreateImage(ctx context.Context, image *Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[image.ID] = *image
	return nil
}

func (s *MemoryStore) FindImage(ctx context.Context, id string) (*Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	image, ok := s.images[id]
	if !ok {
		return nil, ErrImageNotFound
	}
	return &image, nil
}

func (s *MemoryStore) ListImages(ctx context.Context) ([]Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	images := make([]Image, 0, len(s.images))
	for _, image := range s.images {
		images = append(images, image)
	}
	sort.Slice(images, func(i, j int) bool {
		return images[i].CreatedAt.After(images[j].CreatedAt)
	})
	return images, nil
}

func (s *MemoryStore) CreateLicense(ctx context.Context, license *License) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := licenseKey(license.ImageID, license.BuyerAddress)
	if _, exists := s.licenses[key]; exists {
		return ErrAlreadyLicensed
	}
	license.BuyerAddress = NormalizeAddress(license.BuyerAddress)
	s.licenses[key] = *license
	return nil
}

func (s *MemoryStore) FindLicense(ctx context.Context, imageID, buyerAddress string) (*License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	license, ok := s.licenses[licenseKey(imageID, buyerAddress)]
	if !ok {
		return nil, ErrLicenseNotFound
	}
	return &license, nil
}
