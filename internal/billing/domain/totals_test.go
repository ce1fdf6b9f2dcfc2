package billing

import (
	"testing"

	"github.com/shopspring/decimal"
)

func invoiceWithItems(amounts ...float64) Invoice {
	inv := Invoice{}
	for i, amount := range amounts {
		inv.Items = append(inv.Items, LineItem{
			ID:        "item-" + string(rune('a'+i)),
			Amount:    decimal.NewFromFloat(amount),
			AmountSet: true,
		})
	}
	return inv
}

func TestRecalculateTotalsSubtotalAndFixedFee(t *testing.T) {
	inv := invoiceWithItems(100, 50)
	inv.Transfer = TransferFee{Mode: TransferFeeFixed, Value: decimal.NewFromFloat(2.5)}

	out := RecalculateTotals(inv)

	if !out.Subtotal.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("subtotal = %s, want 150", out.Subtotal)
	}
	if !out.Transfer.Amount.Equal(decimal.NewFromFloat(2.5)) {
		t.Fatalf("transfer fee = %s, want 2.5", out.Transfer.Amount)
	}
	if !out.Total.Equal(decimal.NewFromFloat(152.5)) {
		t.Fatalf("total = %s, want 152.5", out.Total)
	}
	if out.NeedsReview {
		t.Fatal("needs review set on a clean invoice")
	}
}

func TestRecalculateTotalsPercentFee(t *testing.T) {
	inv := invoiceWithItems(200)
	inv.Transfer = TransferFee{Mode: TransferFeePercent, Value: decimal.NewFromInt(3)}

	out := RecalculateTotals(inv)

	if !out.Transfer.Amount.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("transfer fee = %s, want 6", out.Transfer.Amount)
	}
	if !out.Total.Equal(decimal.NewFromInt(206)) {
		t.Fatalf("total = %s, want 206", out.Total)
	}
}

func TestRecalculateTotalsCoverageWaivesFee(t *testing.T) {
	inv := invoiceWithItems(200)
	inv.Transfer = TransferFee{Mode: TransferFeePercent, Value: decimal.NewFromInt(3)}
	inv.Coverage = Coverage{WaiveTransferFee: true}

	out := RecalculateTotals(inv)

	if !out.Transfer.Amount.IsZero() {
		t.Fatalf("transfer fee = %s, want 0 under coverage", out.Transfer.Amount)
	}
	if !out.Transfer.Waived || !out.Transfer.WaivedByCoverage {
		t.Fatal("waiver flags not set")
	}
	if !out.Total.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("total = %s, want 200", out.Total)
	}
}

func TestRecalculateTotalsDiscountTaxLateFee(t *testing.T) {
	inv := invoiceWithItems(100)
	inv.Discount = decimal.NewFromInt(10)
	inv.Tax = decimal.NewFromInt(5)
	inv.LateFee = decimal.NewFromInt(3)

	out := RecalculateTotals(inv)

	if !out.Total.Equal(decimal.NewFromInt(98)) {
		t.Fatalf("total = %s, want 98", out.Total)
	}
}

func TestRecalculateTotalsClampsNegativeTotal(t *testing.T) {
	inv := invoiceWithItems(40)
	inv.Discount = decimal.NewFromInt(60)

	out := RecalculateTotals(inv)

	if !out.Total.IsZero() {
		t.Fatalf("total = %s, want 0 after clamp", out.Total)
	}
	if !out.NeedsReview {
		t.Fatal("needs review not set after clamp")
	}
}

func TestRecalculateTotalsGuardianAdjustments(t *testing.T) {
	inv := invoiceWithItems(100)
	inv.Adjustments = []Adjustment{
		{ID: "adj-1", Amount: decimal.NewFromInt(20), AppliesTo: AppliesToGuardian},
		{ID: "adj-2", Amount: decimal.NewFromInt(5), AppliesTo: "student"},
	}

	out := RecalculateTotals(inv)

	if !out.Total.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("total = %s, want 80 after guardian adjustment", out.Total)
	}
	if !out.AdjustedTotal.Equal(decimal.NewFromInt(75)) {
		t.Fatalf("adjusted total = %s, want 75", out.AdjustedTotal)
	}
}

func TestRecalculateTotalsIdempotent(t *testing.T) {
	inv := invoiceWithItems(100, 33.33)
	inv.Discount = decimal.NewFromInt(10)
	inv.Transfer = TransferFee{Mode: TransferFeePercent, Value: decimal.NewFromFloat(1.5)}

	once := RecalculateTotals(inv)
	twice := RecalculateTotals(once)

	if !once.Total.Equal(twice.Total) {
		t.Fatalf("total drifted: %s vs %s", once.Total, twice.Total)
	}
	if !once.Subtotal.Equal(twice.Subtotal) {
		t.Fatalf("subtotal drifted: %s vs %s", once.Subtotal, twice.Subtotal)
	}
	if !once.Transfer.Amount.Equal(twice.Transfer.Amount) {
		t.Fatalf("fee drifted: %s vs %s", once.Transfer.Amount, twice.Transfer.Amount)
	}
	if !once.AdjustedTotal.Equal(twice.AdjustedTotal) {
		t.Fatalf("adjusted total drifted: %s vs %s", once.AdjustedTotal, twice.AdjustedTotal)
	}
}

func TestEffectiveAmountFallsBackToRate(t *testing.T) {
	item := LineItem{
		DurationMinutes: 90,
		Rate:            decimal.NewFromInt(40),
	}
	if !item.EffectiveAmount().Equal(decimal.NewFromInt(60)) {
		t.Fatalf("effective amount = %s, want 60", item.EffectiveAmount())
	}

	item.Amount = decimal.NewFromInt(55)
	item.AmountSet = true
	if !item.EffectiveAmount().Equal(decimal.NewFromInt(55)) {
		t.Fatalf("effective amount = %s, want authored 55", item.EffectiveAmount())
	}
}

func TestEffectiveStatusDerivesOverdue(t *testing.T) {
	due := mustDate(t, "2026-02-01")
	now := mustDate(t, "2026-02-10")

	inv := Invoice{
		Status:  StatusSent,
		DueDate: due,
		Total:   decimal.NewFromInt(100),
	}
	if got := inv.EffectiveStatus(now); got != StatusOverdue {
		t.Fatalf("effective status = %s, want overdue", got)
	}

	inv.PaidAmount = decimal.NewFromInt(100)
	if got := inv.EffectiveStatus(now); got != StatusSent {
		t.Fatalf("effective status = %s, want sent when nothing is owed", got)
	}

	inv.Status = StatusDraft
	inv.PaidAmount = decimal.Zero
	if got := inv.EffectiveStatus(now); got != StatusDraft {
		t.Fatalf("effective status = %s, want draft untouched", got)
	}
}
