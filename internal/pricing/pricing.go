// Package pricing computes a sale's financial breakdown. Everything here is
// pure: no storage access, no clock, no side effects.
package pricing

import (
	"github.com/shopspring/decimal"

	"medipos/backend/internal/domain"
)

// TaxRate is the fixed GST rate applied when a bill requests tax.
var TaxRate = decimal.RequireFromString("0.18")

var hundred = decimal.NewFromInt(100)

// Totals is the complete breakdown for one bill.
type Totals struct {
	SubTotal       decimal.Decimal
	GSTAmount      decimal.Decimal
	DiscountAmount decimal.Decimal
	GrandTotal     decimal.Decimal
	Profit         decimal.Decimal
}

// EffectiveUnitPrice applies the line's own discount to its sell price,
// floored at zero. A line without a discount type sells at face value.
func EffectiveUnitPrice(line domain.CartLine) decimal.Decimal {
	discount := decimal.Zero
	switch line.ItemDiscountType {
	case domain.DiscountPercent:
		discount = line.SellPrice.Mul(line.ItemDiscountValue).Div(hundred)
	case domain.DiscountFlat:
		discount = line.ItemDiscountValue
	}

	price := line.SellPrice.Sub(discount)
	if price.IsNegative() {
		return decimal.Zero
	}
	return price
}

// ComputeTotals derives the bill totals for a cart. The whole-bill discount
// percentage is clamped to [0,100]; tax applies to the item subtotal and the
// bill discount to the taxed gross. The bill discount is charged entirely
// against margin, so Profit already reflects it.
func ComputeTotals(items []domain.CartLine, taxEnabled bool, billDiscountPercent decimal.Decimal) Totals {
	if billDiscountPercent.IsNegative() {
		billDiscountPercent = decimal.Zero
	}
	if billDiscountPercent.GreaterThan(hundred) {
		billDiscountPercent = hundred
	}

	subTotal := decimal.Zero
	profit := decimal.Zero
	for _, line := range items {
		qty := decimal.NewFromInt(int64(line.Quantity))
		unit := EffectiveUnitPrice(line)
		subTotal = subTotal.Add(unit.Mul(qty))
		profit = profit.Add(unit.Sub(line.BuyPrice).Mul(qty))
	}

	gst := decimal.Zero
	if taxEnabled {
		gst = subTotal.Mul(TaxRate)
	}
	gross := subTotal.Add(gst)
	discount := gross.Mul(billDiscountPercent).Div(hundred)

	return Totals{
		SubTotal:       subTotal,
		GSTAmount:      gst,
		DiscountAmount: discount,
		GrandTotal:     gross.Sub(discount),
		Profit:         profit.Sub(discount),
	}
}
