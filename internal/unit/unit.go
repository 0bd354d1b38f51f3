// Package unit converts quantities between a product's two packaging
// granularities. Conversion is a single multiplication or division by the
// product's fixed conversion rate and never touches stock by itself.
package unit

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"gudangpos/backend/internal/domain"
)

var (
	ErrUnsupportedConversion = errors.New("unsupported unit conversion")
	ErrNonIntegralQuantity   = errors.New("secondary-unit quantity must be integral")
)

// Convert translates qty from one unit to the other. Primary to secondary
// multiplies by rate, secondary to primary divides; the identity conversion
// returns the input unchanged. A missing or non-positive rate means the
// product has no secondary unit and any cross-unit request fails.
func Convert(qty decimal.Decimal, from, to domain.Unit, rate decimal.Decimal) (decimal.Decimal, error) {
	if from == to {
		return qty, nil
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: conversion rate not defined", ErrUnsupportedConversion)
	}
	if from == domain.UnitPrimary && to == domain.UnitSecondary {
		return qty.Mul(rate), nil
	}
	return qty.Div(rate), nil
}

// RequireIntegral rejects fractional quantities. Secondary units are
// counted pieces; only primary-unit quantities may be fractional.
func RequireIntegral(qty decimal.Decimal) error {
	if !qty.Equal(qty.Truncate(0)) {
		return fmt.Errorf("%w: got %s", ErrNonIntegralQuantity, qty)
	}
	return nil
}

// SecondaryStockFor returns the secondary units credited by breaking qty
// primary units of the product.
func SecondaryStockFor(p domain.Product, qty decimal.Decimal) (decimal.Decimal, error) {
	if !p.HasSecondaryUnit() {
		return decimal.Zero, fmt.Errorf("%w: product %s has no secondary unit", ErrUnsupportedConversion, p.ID)
	}
	return Convert(qty, domain.UnitPrimary, domain.UnitSecondary, p.ConversionRate)
}
