package interfaces

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	billing "tutorbill/internal/billing/domain"
	"tutorbill/internal/observability/metrics"
)

func (h *InvoiceHandler) handleExportPDF(w http.ResponseWriter, r *http.Request, id string) {
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveInvoiceExport("pdf", result, time.Since(start))
	}()

	inv, err := h.loadInvoiceChecked(r, id)
	if err != nil {
		result = metrics.ResultError
		respondServiceError(w, err)
		return
	}
	snapshot, err := h.service.Snapshot(r.Context(), id, billing.SnapshotOptions{
		Timezone:        r.URL.Query().Get("timezone"),
		IncludeItems:    true,
		IncludePayments: true,
	})
	if err != nil {
		result = metrics.ResultError
		respondServiceError(w, err)
		return
	}
	data, err := BuildInvoicePDF(snapshot)
	if err != nil {
		result = metrics.ResultError
		http.Error(w, "export pdf error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	h.logAudit(r, inv.GuardianID, inv.ID, "invoice.export", map[string]any{"format": "pdf"})
}

func (h *InvoiceHandler) handleExportXLSX(w http.ResponseWriter, r *http.Request, id string) {
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveInvoiceExport("xlsx", result, time.Since(start))
	}()

	inv, err := h.loadInvoiceChecked(r, id)
	if err != nil {
		result = metrics.ResultError
		respondServiceError(w, err)
		return
	}
	snapshot, err := h.service.Snapshot(r.Context(), id, billing.SnapshotOptions{
		Timezone:        r.URL.Query().Get("timezone"),
		IncludeItems:    true,
		IncludePayments: true,
	})
	if err != nil {
		result = metrics.ResultError
		respondServiceError(w, err)
		return
	}
	data, err := BuildInvoiceXLSX(snapshot)
	if err != nil {
		result = metrics.ResultError
		http.Error(w, "export xlsx error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	h.logAudit(r, inv.GuardianID, inv.ID, "invoice.export", map[string]any{"format": "xlsx"})
}

func (h *InvoiceHandler) handleExportCSV(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	result := metrics.ResultSuccess
	defer func() {
		metrics.ObserveInvoiceExport("csv", result, time.Since(start))
	}()

	guardianID := r.URL.Query().Get("guardian_id")
	if guardianID == "" {
		result = metrics.ResultError
		http.Error(w, "guardian_id is required", http.StatusBadRequest)
		return
	}
	if err := h.ensureGuardianTenant(r, guardianID); err != nil {
		result = metrics.ResultError
		respondTenantError(w, err)
		return
	}
	var month time.Time
	if raw := r.URL.Query().Get("month"); raw != "" {
		parsed, err := time.Parse("2006-01", raw)
		if err != nil {
			result = metrics.ResultError
			http.Error(w, "month must be YYYY-MM", http.StatusBadRequest)
			return
		}
		month = parsed
	}

	list, err := h.service.List(r.Context(), guardianID, month)
	if err != nil {
		result = metrics.ResultError
		respondServiceError(w, err)
		return
	}

	now := time.Now().UTC()
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	writer := csv.NewWriter(w)
	_ = writer.Write([]string{
		"invoice_id",
		"number",
		"guardian_id",
		"type",
		"status",
		"effective_status",
		"currency",
		"period_start",
		"period_end",
		"due_date",
		"subtotal",
		"total",
		"paid_amount",
		"remaining_balance",
		"lesson_count",
		"version",
	})
	for i := range list {
		inv := &list[i]
		_ = writer.Write([]string{
			inv.ID,
			inv.Number,
			inv.GuardianID,
			inv.Type,
			inv.Status,
			inv.EffectiveStatus(now),
			inv.Currency,
			inv.PeriodStart.Format("2006-01-02"),
			inv.PeriodEnd.Format("2006-01-02"),
			inv.DueDate.Format("2006-01-02"),
			inv.Subtotal.StringFixed(2),
			inv.Total.StringFixed(2),
			inv.PaidAmount.StringFixed(2),
			inv.RemainingBalance().StringFixed(2),
			strconv.Itoa(len(inv.Items)),
			strconv.Itoa(inv.Version),
		})
	}
	writer.Flush()
	h.logAudit(r, guardianID, "", "invoice.export", map[string]any{"format": "csv"})
}
