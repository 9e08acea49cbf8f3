package orders

import (
	"context"

	"github.com/shopspring/decimal"
)

// PriceCatalog resolves the per-unit price charged when a reservation
// converts into an order.
type PriceCatalog interface {
	UnitPrice(ctx context.Context, sku string) (decimal.Decimal, error)
}

// StaticCatalog prices every SKU identically.
type StaticCatalog struct {
	Price decimal.Decimal
}

// UnitPrice implements PriceCatalog.
func (c StaticCatalog) UnitPrice(context.Context, string) (decimal.Decimal, error) {
	return c.Price, nil
}

// DefaultCatalog is the flat flash-sale price list.
func DefaultCatalog() StaticCatalog {
	return StaticCatalog{Price: decimal.RequireFromString("29.99")}
}
