package billing

import "github.com/shopspring/decimal"

// RecalculateTotals derives subtotal, transfer fee and totals from the
// invoice's line items and financial configuration. It is pure and
// idempotent: applying it twice yields the same result, and it never
// reads or writes payment logs.
func RecalculateTotals(inv Invoice) Invoice {
	subtotal := decimal.Zero
	for _, item := range inv.Items {
		subtotal = subtotal.Add(item.EffectiveAmount())
	}
	inv.Subtotal = subtotal

	inv.Transfer = computeTransferFee(inv.Transfer, inv.Coverage, subtotal)

	adjustments := decimal.Zero
	for _, adj := range inv.Adjustments {
		if adj.AppliesTo == AppliesToGuardian {
			adjustments = adjustments.Add(adj.Amount)
		}
	}

	total := subtotal.
		Sub(inv.Discount).
		Add(inv.Tax).
		Add(inv.LateFee).
		Add(inv.Transfer.Amount).
		Sub(adjustments)

	// Authored negative discounts/taxes are allowed, but they must not
	// push the total below zero. Clamp and flag instead of absorbing.
	inv.NeedsReview = false
	if total.IsNegative() {
		total = decimal.Zero
		inv.NeedsReview = true
	}
	inv.Total = total

	// adjustedTotal is derived and cached, never an independent source
	// of truth: it exposes the remaining (non-guardian) adjustments for
	// audit and export.
	adjusted := total
	for _, adj := range inv.Adjustments {
		if adj.AppliesTo != AppliesToGuardian {
			adjusted = adjusted.Sub(adj.Amount)
		}
	}
	if adjusted.IsNegative() {
		adjusted = decimal.Zero
		inv.NeedsReview = true
	}
	inv.AdjustedTotal = adjusted

	return inv
}

func computeTransferFee(fee TransferFee, coverage Coverage, subtotal decimal.Decimal) TransferFee {
	if fee.Mode == "" {
		fee.Mode = TransferFeeFixed
		fee.Value = decimal.Zero
	}

	switch fee.Mode {
	case TransferFeePercent:
		fee.Amount = subtotal.Mul(fee.Value).Div(decimal.NewFromInt(100))
	default:
		fee.Amount = fee.Value
	}

	if coverage.WaiveTransferFee {
		fee.Amount = decimal.Zero
		fee.Waived = true
		fee.WaivedByCoverage = true
	} else {
		fee.Waived = false
		fee.WaivedByCoverage = false
	}
	return fee
}
