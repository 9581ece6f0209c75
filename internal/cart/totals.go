package cart

import (
	"github.com/shopspring/decimal"

	"apotekpos/backend/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// LineSubtotal is price x qty x (1 - discount/100), unrounded.
func LineSubtotal(line domain.CartLine) decimal.Decimal {
	return line.EffectivePrice().
		Mul(decimal.NewFromInt(int64(line.Qty))).
		Mul(hundred.Sub(line.DiscountPercent)).
		Div(hundred)
}

// ComputeTotals works on exact values and rounds each reported figure half
// away from zero to two decimals at the very end.
func ComputeTotals(c domain.Cart, taxRate decimal.Decimal) domain.Totals {
	subtotal := decimal.Zero
	for _, line := range c.Lines {
		subtotal = subtotal.Add(LineSubtotal(line))
	}
	discount := subtotal.Mul(c.GlobalDiscountPercent).Div(hundred)
	taxable := subtotal.Sub(discount)
	tax := taxable.Mul(taxRate)

	return domain.Totals{
		Subtotal:       subtotal.Round(2),
		DiscountAmount: discount.Round(2),
		TaxAmount:      tax.Round(2),
		Total:          taxable.Add(tax).Round(2),
	}
}
