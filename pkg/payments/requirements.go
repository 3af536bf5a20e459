package payments

import (
	"fmt"
	"math/big"

	"github.com/pixelvault/pixelvault/pkg/ledger"
	"github.com/pixelvault/pixelvault/pkg/types"
)

const (
	// assetDecimals is the minor-unit scale of the settlement asset
	// (USDC-like, 6 decimals).
	assetDecimals = 6

	// maxTimeoutSeconds is how long a buyer has to produce a valid proof
	// after receiving a challenge.
	maxTimeoutSeconds = 300
)

var minorUnitsScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(assetDecimals), nil)

// RequirementsBuilder turns a published image into the PaymentRequirements of
// a 402 challenge. All fields except the price and resource URI come from
// deployment configuration; the output is deterministic for a given image.
type RequirementsBuilder struct {
	Network      string
	PayTo        string
	Asset        string
	TokenName    string
	TokenVersion string
}

// Build constructs the requirements for one image. The resource URI embeds
// the image id under the server's base URL.
func (b *RequirementsBuilder) Build(image *ledger.Image, baseURL string) (*types.PaymentRequirements, error) {
	minorUnits, err := PriceToMinorUnits(image.Price)
	if err != nil {
		return nil, fmt.Errorf("image %s has invalid price: %w", image.ID, err)
	}

	return &types.PaymentRequirements{
		Scheme:            types.SchemeExact,
		Network:           b.Network,
		MaxAmountRequired: minorUnits,
		Resource:          fmt.Sprintf("%s/resources/%s", baseURL, image.ID),
		Description:       image.Title,
		MimeType:          image.MimeType,
		PayTo:             b.PayTo,
		MaxTimeoutSeconds: maxTimeoutSeconds,
		Asset:             b.Asset,
		Extra: &types.PaymentExtra{
			Name:    b.TokenName,
			Version: b.TokenVersion,
		},
	}, nil
}

// PriceToMinorUnits converts a decimal price string to integer minor units of
// the settlement asset, rounding half up: "7.50" becomes "7500000".
func PriceToMinorUnits(price string) (string, error) {
	rat, ok := new(big.Rat).SetString(price)
	if !ok {
		return "", fmt.Errorf("price %q is not a decimal number", price)
	}
	if rat.Sign() < 0 {
		return "", fmt.Errorf("price %q is negative", price)
	}

	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(minorUnitsScale))

	// Round half up: floor(n/d + 1/2) = floor((2n + d) / 2d).
	num := new(big.Int).Lsh(scaled.Num(), 1)
	num.Add(num, scaled.Denom())
	den := new(big.Int).Lsh(scaled.Denom(), 1)
	return new(big.Int).Div(num, den).String(), nil
}
