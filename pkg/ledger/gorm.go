package ledger

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormStore persists the ledger in MySQL via GORM. TranslateError is enabled
// so a duplicate-key insert surfaces as gorm.ErrDuplicatedKey regardless of
// driver, which we map to ErrAlreadyLicensed.
type GormStore struct {
	db *gorm.DB
}

// OpenMySQL connects to MySQL and migrates the ledger schema.
func OpenMySQL(dsn string) (*GormStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger database: %w", err)
	}
	return NewGormStore(db)
}

// NewGormStore wraps an existing GORM connection. The connection must have
// TranslateError enabled.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&Image{}, &License{}); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) CreateImage(ctx context.Context, image *Image) error {
	if err := s.db.WithContext(ctx).Create(image).Error; err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	return nil
}

func (s *GormStore) FindImage(ctx context.Context, id string) (*Image, error) {
	var image Image
	err := s.db.WithContext(ctx).First(&image, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrImageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query image: %w", err)
	}
	return &image, nil
}

func (s *GormStore) ListImages(ctx context.Context) ([]Image, error) {
	var images []Image
	if err := s.db.WithContext(ctx).Order("created_at desc").Find(&images).Error; err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	return images, nil
}

func (s *GormStore) CreateLicense(ctx context.Context, license *License) error {
	license.BuyerAddress = NormalizeAddress(license.BuyerAddress)
	err := s.db.WithContext(ctx).Create(license).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAlreadyLicensed
	}
	if err != nil {
		return fmt.Errorf("failed to create license: %w", err)
	}
	return nil
}

func (s *GormStore) FindLicense(ctx context.Context, imageID, buyerAddress string) (*License, error) {
	var license License
	err := s.db.WithContext(ctx).
		First(&license, "image_id = ? AND buyer_address = ?", imageID, NormalizeAddress(buyerAddress)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLicenseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query license: %w", err)
	}
	return &license, nil
}
