// Package pricing resolves the unit price for a requested quantity. The
// resolver is pure: identical product state and inputs always yield the
// identical price, so a committed line can be re-derived for audit.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"gudangpos/backend/internal/domain"
	"gudangpos/backend/internal/unit"
)

var (
	ErrDuplicateTier     = errors.New("duplicate bulk-price tier threshold")
	ErrTiersNotAscending = errors.New("bulk-price tiers not ascending")
)

// ResolveUnitPrice picks the applicable unit price. Bulk tiers price the
// primary-unit basis: the tier with the largest threshold not exceeding qty
// wins, falling back to the base primary price when none qualifies.
// Secondary-unit requests resolve to the secondary unit price directly.
func ResolveUnitPrice(p domain.Product, u domain.Unit, qty decimal.Decimal) (decimal.Decimal, error) {
	if u == domain.UnitSecondary {
		if !p.HasSecondaryUnit() {
			return decimal.Zero, fmt.Errorf("%w: product %s has no secondary unit", unit.ErrUnsupportedConversion, p.ID)
		}
		return p.SecondaryUnitPrice, nil
	}

	price := p.PrimaryUnitPrice
	// Tiers are sorted ascending; the last qualifying entry is the largest
	// threshold <= qty. An equal threshold later in the list wins, though
	// writes reject duplicates (see ValidateTiers).
	for _, tier := range p.BulkPrices {
		if tier.Quantity.Cmp(qty) <= 0 {
			price = tier.Price
		}
	}
	return price, nil
}

// ValidateTiers enforces the tier-list invariants at write time: positive
// thresholds, strictly ascending order, no duplicate thresholds.
func ValidateTiers(tiers []domain.BulkPrice) error {
	for i, tier := range tiers {
		if !tier.Quantity.IsPositive() {
			return fmt.Errorf("%w: tier %d threshold %s not positive", ErrTiersNotAscending, i, tier.Quantity)
		}
		if tier.Price.IsNegative() {
			return fmt.Errorf("tier %d price %s negative", i, tier.Price)
		}
		if i == 0 {
			continue
		}
		switch tiers[i-1].Quantity.Cmp(tier.Quantity) {
		case 0:
			return fmt.Errorf("%w: %s", ErrDuplicateTier, tier.Quantity)
		case 1:
			return fmt.Errorf("%w: %s after %s", ErrTiersNotAscending, tier.Quantity, tiers[i-1].Quantity)
		}
	}
	return nil
}
