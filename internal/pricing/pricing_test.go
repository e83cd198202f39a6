package pricing

import (
	"testing"

	"github.com/shopspring/decimal"

	"medipos/backend/internal/domain"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func line(sell, buy string, qty int) domain.CartLine {
	return domain.CartLine{
		Product: domain.Product{
			ID:        "p1",
			Name:      "Paracetamol 500mg",
			SellPrice: dec(sell),
			BuyPrice:  dec(buy),
		},
		Quantity: qty,
	}
}

func TestComputeTotalsPlainCart(t *testing.T) {
	totals := ComputeTotals([]domain.CartLine{line("100", "60", 2)}, false, decimal.Zero)

	if !totals.SubTotal.Equal(dec("200")) {
		t.Fatalf("expected subtotal 200, got %s", totals.SubTotal)
	}
	if !totals.GSTAmount.IsZero() {
		t.Fatalf("expected zero gst, got %s", totals.GSTAmount)
	}
	if !totals.GrandTotal.Equal(dec("200")) {
		t.Fatalf("expected grand total 200, got %s", totals.GrandTotal)
	}
	if !totals.Profit.Equal(dec("80")) {
		t.Fatalf("expected profit 80, got %s", totals.Profit)
	}
}

func TestComputeTotalsWithTaxAndBillDiscount(t *testing.T) {
	totals := ComputeTotals([]domain.CartLine{line("100", "60", 2)}, true, dec("10"))

	if !totals.GSTAmount.Equal(dec("36")) {
		t.Fatalf("expected gst 36, got %s", totals.GSTAmount)
	}
	if !totals.DiscountAmount.Equal(dec("23.6")) {
		t.Fatalf("expected discount 23.6, got %s", totals.DiscountAmount)
	}
	if !totals.GrandTotal.Equal(dec("212.4")) {
		t.Fatalf("expected grand total 212.4, got %s", totals.GrandTotal)
	}
	if !totals.Profit.Equal(dec("56.4")) {
		t.Fatalf("expected profit 56.4, got %s", totals.Profit)
	}
}

func TestEffectiveUnitPricePercentDiscount(t *testing.T) {
	l := line("100", "60", 1)
	l.ItemDiscountType = domain.DiscountPercent
	l.ItemDiscountValue = dec("50")

	if got := EffectiveUnitPrice(l); !got.Equal(dec("50")) {
		t.Fatalf("expected effective price 50, got %s", got)
	}

	totals := ComputeTotals([]domain.CartLine{l}, false, decimal.Zero)
	if !totals.SubTotal.Equal(dec("50")) {
		t.Fatalf("expected line subtotal 50, got %s", totals.SubTotal)
	}
}

func TestEffectiveUnitPriceFlatDiscountFloorsAtZero(t *testing.T) {
	l := line("100", "60", 1)
	l.ItemDiscountType = domain.DiscountFlat
	l.ItemDiscountValue = dec("150")

	if got := EffectiveUnitPrice(l); !got.IsZero() {
		t.Fatalf("expected effective price floored at 0, got %s", got)
	}
}

func TestComputeTotalsEmptyCart(t *testing.T) {
	totals := ComputeTotals(nil, true, dec("25"))

	for name, v := range map[string]decimal.Decimal{
		"subTotal":       totals.SubTotal,
		"gstAmount":      totals.GSTAmount,
		"discountAmount": totals.DiscountAmount,
		"grandTotal":     totals.GrandTotal,
		"profit":         totals.Profit,
	} {
		if !v.IsZero() {
			t.Fatalf("expected %s to be 0 for empty cart, got %s", name, v)
		}
	}
}

func TestComputeTotalsClampsBillDiscount(t *testing.T) {
	negative := ComputeTotals([]domain.CartLine{line("100", "60", 1)}, false, dec("-10"))
	if !negative.DiscountAmount.IsZero() {
		t.Fatalf("expected negative discount treated as 0, got %s", negative.DiscountAmount)
	}

	over := ComputeTotals([]domain.CartLine{line("100", "60", 1)}, false, dec("250"))
	if !over.GrandTotal.IsZero() {
		t.Fatalf("expected grand total 0 at clamped 100%% discount, got %s", over.GrandTotal)
	}
}

func TestTotalsInvariantReconstructsGross(t *testing.T) {
	cart := []domain.CartLine{line("85", "40", 3), line("15", "8", 2)}
	pct := dec("12.5")
	totals := ComputeTotals(cart, true, pct)

	gross := totals.SubTotal.Add(totals.GSTAmount)
	if !gross.Sub(totals.GrandTotal).Equal(totals.DiscountAmount) {
		t.Fatalf("gross - grand (%s) should equal discount (%s)",
			gross.Sub(totals.GrandTotal), totals.DiscountAmount)
	}
	want := gross.Mul(decimal.NewFromInt(1).Sub(pct.Div(decimal.NewFromInt(100))))
	if !totals.GrandTotal.Equal(want) {
		t.Fatalf("expected grand total %s, got %s", want, totals.GrandTotal)
	}
}
