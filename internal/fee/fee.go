// internal/fee/fee.go
// Package fee computes the split of a gross payment between the platform and
// the seller. The same arithmetic is used at checkout and at settlement so
// quoted and paid amounts never drift.
package fee

import (
	"fmt"
	"math"

	"github.com/sellfolio/sellfolio-access-go/internal/model"
)

// DefaultRate is the platform's standard fee fraction.
const DefaultRate = 0.15

// PlatformFee returns the platform's cut of a gross amount in cents, rounded
// half away from zero on whole cent amounts.
func PlatformFee(grossCents int64, rate float64) int64 {
	return int64(math.Round(float64(grossCents) * rate))
}

// SellerEarnings returns the seller's share: the gross amount minus the
// platform fee. Fee plus earnings always equals the gross amount exactly.
func SellerEarnings(grossCents int64, rate float64) int64 {
	return grossCents - PlatformFee(grossCents, rate)
}

// Calculator wraps a configured fee rate.
type Calculator struct {
	rate float64
}

// NewCalculator validates the rate and returns a calculator. Rates outside
// [0,1] are configuration defects and rejected at startup.
func NewCalculator(rate float64) (*Calculator, error) {
	if rate < 0 || rate > 1 {
		return nil, fmt.Errorf("fee rate must be in [0,1], got %v", rate)
	}
	return &Calculator{rate: rate}, nil
}

// Rate returns the configured fee fraction.
func (c *Calculator) Rate() float64 {
	return c.rate
}

// PlatformFee returns the platform's cut at the configured rate.
func (c *Calculator) PlatformFee(grossCents int64) int64 {
	return PlatformFee(grossCents, c.rate)
}

// SellerEarnings returns the seller's share at the configured rate.
func (c *Calculator) SellerEarnings(grossCents int64) int64 {
	return SellerEarnings(grossCents, c.rate)
}

// Split divides a gross amount at the configured rate.
func (c *Calculator) Split(grossCents int64) model.FeeSplit {
	return c.SplitAt(grossCents, c.rate)
}

// SplitAt divides a gross amount at an explicit rate, e.g. one resolved from
// the fee policy for a specific category.
func (c *Calculator) SplitAt(grossCents int64, rate float64) model.FeeSplit {
	platform := PlatformFee(grossCents, rate)
	return model.FeeSplit{
		GrossCents:    grossCents,
		PlatformCents: platform,
		SellerCents:   grossCents - platform,
	}
}
