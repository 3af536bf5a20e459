// Package ledger owns the durable marketplace records: published images and
// the licenses bought against them. At most one license exists per
// (image, buyer) pair, enforced by a unique composite index so the guarantee
// holds even under concurrent writers.
package ledger

import "time"

// Image is a published resource. The plaintext never touches this table: the
// content locator points at ciphertext in the content store and WrappedKey is
// the content key sealed under the master key.
type Image struct {
	ID             string    `gorm:"primaryKey;size:64" json:"id"`
	Title          string    `gorm:"size:255" json:"title"`
	OwnerAddress   string    `gorm:"size:42" json:"ownerAddress"`
	Price          string    `gorm:"size:32" json:"price"`
	MimeType       string    `gorm:"size:64" json:"mimeType"`
	Filename       string    `gorm:"size:255" json:"filename"`
	ContentLocator string    `gorm:"size:128" json:"-"`
	PreviewLocator string    `gorm:"size:128" json:"-"`
	WrappedKey     string    `gorm:"size:512" json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
}

// License records a settled purchase. BuyerAddress is stored lowercased so
// the composite unique index is effectively case-insensitive.
type License struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	ImageID        string    `gorm:"size:64;uniqueIndex:idx_image_buyer" json:"imageId"`
	BuyerAddress   string    `gorm:"size:42;uniqueIndex:idx_image_buyer" json:"buyerAddress"`
	PayeeAddress   string    `gorm:"size:42" json:"payeeAddress"`
	PricePaid      string    `gorm:"size:32" json:"pricePaid"`
	TransactionRef string    `gorm:"size:66" json:"transactionRef"`
	IssuedAt       time.Time `json:"issuedAt"`
}
