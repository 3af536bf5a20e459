package ledger

import (
	"context"
	"errors"
	"strings"
)

// ErrImageNotFound indicates the requested image id is not published.
var ErrImageNotFound = errors.New("image not found")

// ErrLicenseNotFound indicates no license exists for the (image, buyer) pair.
var ErrLicenseNotFound = errors.New("license not found")

// ErrAlreadyLicensed indicates a license already exists for the (image, buyer)
// pair. Callers treat this as success: the buyer holds a valid license either
// way.
var ErrAlreadyLicensed = errors.New("license already exists")

// Store is the ledger persistence interface. Implementations must enforce
// license uniqueness per (image, buyer) at the storage layer, not just in
// application code.
type Store interface {
	CreateImage(ctx context.Context, image *Image) error
	FindImage(ctx context.Context, id string) (*Image, error)
	ListImages(ctx context.Context) ([]Image, error)

	CreateLicense(ctx context.Context, license *License) error
	FindLicense(ctx context.Context, imageID, buyerAddress string) (*License, error)
}

// NormalizeAddress canonicalizes an EVM address for ledger keys. EIP-55
// checksum casing carries no identity information.
func NormalizeAddress(address string) string {
	return strings.ToLower(address)
}
