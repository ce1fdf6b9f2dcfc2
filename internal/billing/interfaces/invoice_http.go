package interfaces

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"tutorbill/internal/audit"
	"tutorbill/internal/auth"
	billingapp "tutorbill/internal/billing/application"
	billing "tutorbill/internal/billing/domain"
)

var validate = validator.New()

// InvoiceHandler handles invoice APIs.
type InvoiceHandler struct {
	service         *billingapp.InvoiceService
	followUps       *billingapp.FollowUpService
	guardianChecker auth.GuardianTenantChecker
	auditLogger     audit.Logger
}

// NewInvoiceHandler constructs a handler.
func NewInvoiceHandler(service *billingapp.InvoiceService, followUps *billingapp.FollowUpService, guardianChecker auth.GuardianTenantChecker, auditLogger audit.Logger) (*InvoiceHandler, error) {
	if service == nil {
		return nil, errors.New("invoice handler: nil service")
	}
	return &InvoiceHandler{
		service:         service,
		followUps:       followUps,
		guardianChecker: guardianChecker,
		auditLogger:     auditLogger,
	}, nil
}

// ServeHTTP handles invoice routes under /api/v1.
func (h *InvoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/api/v1/invoices/generate" && r.Method == http.MethodPost:
		h.handleGenerate(w, r)
	case path == "/api/v1/invoices" && r.Method == http.MethodGet:
		h.handleList(w, r)
	case path == "/api/v1/exports/invoices.csv" && r.Method == http.MethodGet:
		h.handleExportCSV(w, r)
	case strings.HasPrefix(path, "/api/v1/invoices/"):
		h.handleByID(w, r, strings.TrimPrefix(path, "/api/v1/invoices/"))
	case strings.HasPrefix(path, "/api/v1/guardians/") && strings.HasSuffix(path, "/followup") && r.Method == http.MethodPost:
		guardianID := strings.TrimSuffix(strings.TrimPrefix(path, "/api/v1/guardians/"), "/followup")
		h.handleFollowUp(w, r, guardianID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type generateRequest struct {
	GuardianID  string          `json:"guardian_id" validate:"required"`
	Type        string          `json:"type" validate:"omitempty,oneof=guardian_invoice adhoc"`
	Reason      string          `json:"reason"`
	PeriodStart time.Time       `json:"period_start" validate:"required"`
	PeriodEnd   time.Time       `json:"period_end" validate:"required,gtfield=PeriodStart"`
	DueDate     time.Time       `json:"due_date"`
	LessonIDs   []string        `json:"lesson_ids"`
	Discount    decimal.Decimal `json:"discount"`
	Tax         decimal.Decimal `json:"tax"`
	WaiveFee    bool            `json:"waive_transfer_fee"`
}

func (h *InvoiceHandler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.ensureGuardianTenant(r, req.GuardianID); err != nil {
		respondTenantError(w, err)
		return
	}

	inv, err := h.service.CreateInvoice(r.Context(), billingapp.CreateInvoiceRequest{
		GuardianID:  req.GuardianID,
		Type:        req.Type,
		Reason:      req.Reason,
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
		DueDate:     req.DueDate,
		LessonIDs:   req.LessonIDs,
		Discount:    req.Discount,
		Tax:         req.Tax,
		Coverage:    billing.Coverage{WaiveTransferFee: req.WaiveFee},
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
	h.logAudit(r, inv.GuardianID, inv.ID, "invoice.generate", map[string]any{
		"number":  inv.Number,
		"lessons": len(inv.Items),
		"total":   inv.Total.String(),
	})
}

func (h *InvoiceHandler) handleList(w http.ResponseWriter, r *http.Request) {
	guardianID := r.URL.Query().Get("guardian_id")
	if err := h.ensureGuardianTenant(r, guardianID); err != nil {
		respondTenantError(w, err)
		return
	}
	var month time.Time
	if raw := r.URL.Query().Get("month"); raw != "" {
		parsed, err := time.Parse("2006-01", raw)
		if err != nil {
			http.Error(w, "month must be YYYY-MM", http.StatusBadRequest)
			return
		}
		month = parsed
	}
	list, err := h.service.List(r.Context(), guardianID, month)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	now := time.Now().UTC()
	type listEntry struct {
		billing.Invoice
		EffectiveStatus string `json:"effective_status"`
	}
	entries := make([]listEntry, 0, len(list))
	for i := range list {
		entries = append(entries, listEntry{
			Invoice:         list[i],
			EffectiveStatus: list[i].EffectiveStatus(now),
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *InvoiceHandler) handleByID(w http.ResponseWriter, r *http.Request, rest string) {
	if rest == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	parts := strings.Split(rest, "/")
	id := parts[0]
	if len(parts) == 1 && r.Method == http.MethodGet {
		h.handleGet(w, r, id)
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "send":
			if r.Method == http.MethodPost {
				h.handleSend(w, r, id)
				return
			}
		case "payment":
			if r.Method == http.MethodPost {
				h.handlePayment(w, r, id)
				return
			}
		case "refund":
			if r.Method == http.MethodPost {
				h.handleRefund(w, r, id)
				return
			}
		case "cancel":
			if r.Method == http.MethodPost {
				h.handleCancel(w, r, id)
				return
			}
		case "snapshot":
			if r.Method == http.MethodGet {
				h.handleSnapshot(w, r, id)
				return
			}
		case "export.pdf":
			if r.Method == http.MethodGet {
				h.handleExportPDF(w, r, id)
				return
			}
		case "export.xlsx":
			if r.Method == http.MethodGet {
				h.handleExportXLSX(w, r, id)
				return
			}
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func (h *InvoiceHandler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	inv, err := h.loadInvoiceChecked(r, id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	resp := struct {
		*billing.Invoice
		EffectiveStatus  string          `json:"effective_status"`
		RemainingBalance decimal.Decimal `json:"remaining_balance"`
	}{
		Invoice:          inv,
		EffectiveStatus:  inv.EffectiveStatus(time.Now().UTC()),
		RemainingBalance: inv.RemainingBalance(),
	}
	writeJSON(w, http.StatusOK, resp)
}

type sendRequest struct {
	Channel   string `json:"channel" validate:"required,oneof=email whatsapp manual"`
	Recipient string `json:"recipient"`
}

func (h *InvoiceHandler) handleSend(w http.ResponseWriter, r *http.Request, id string) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := h.loadInvoiceChecked(r, id); err != nil {
		respondServiceError(w, err)
		return
	}
	inv, err := h.service.MarkSent(r.Context(), id, req.Channel, req.Recipient)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
	h.logAudit(r, inv.GuardianID, inv.ID, "invoice.send", map[string]any{
		"channel":   req.Channel,
		"recipient": req.Recipient,
	})
}

type paymentRequest struct {
	Amount        decimal.Decimal `json:"amount" validate:"required"`
	Method        string          `json:"method"`
	TransactionID string          `json:"transaction_id"`
	Note          string          `json:"note"`
}

func (h *InvoiceHandler) handlePayment(w http.ResponseWriter, r *http.Request, id string) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := h.loadInvoiceChecked(r, id); err != nil {
		respondServiceError(w, err)
		return
	}
	inv, logEntry, err := h.service.ProcessPayment(r.Context(), id, billingapp.PaymentRequest{
		Amount:        req.Amount,
		Method:        req.Method,
		TransactionID: req.TransactionID,
		Note:          req.Note,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*billing.Invoice
		PaymentLog billing.PaymentLog `json:"payment_log"`
	}{inv, logEntry})
	h.logAudit(r, inv.GuardianID, inv.ID, "invoice.payment", map[string]any{
		"amount":         req.Amount.String(),
		"method":         req.Method,
		"transaction_id": req.TransactionID,
		"payment_log_id": logEntry.ID,
	})
}

type refundRequest struct {
	Amount          decimal.Decimal `json:"amount" validate:"required"`
	RefundHours     float64         `json:"refund_hours" validate:"gte=0"`
	Reason          string          `json:"reason"`
	RefundReference string          `json:"refund_reference"`
}

func (h *InvoiceHandler) handleRefund(w http.ResponseWriter, r *http.Request, id string) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := h.loadInvoiceChecked(r, id); err != nil {
		respondServiceError(w, err)
		return
	}
	inv, err := h.service.RecordRefund(r.Context(), id, billingapp.RefundRequest{
		Amount:          req.Amount,
		RefundHours:     req.RefundHours,
		Reason:          req.Reason,
		RefundReference: req.RefundReference,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
	h.logAudit(r, inv.GuardianID, inv.ID, "invoice.refund", map[string]any{
		"amount":       req.Amount.String(),
		"refund_hours": req.RefundHours,
		"reason":       req.Reason,
	})
}

func (h *InvoiceHandler) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	var req struct {
		Reason string `json:"reason"`
		Delete bool   `json:"delete"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if _, err := h.loadInvoiceChecked(r, id); err != nil {
		respondServiceError(w, err)
		return
	}
	inv, err := h.service.Cancel(r.Context(), id, req.Reason, req.Delete)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
	h.logAudit(r, inv.GuardianID, inv.ID, "invoice.cancel", map[string]any{
		"reason": req.Reason,
		"delete": req.Delete,
	})
}

func (h *InvoiceHandler) handleSnapshot(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := h.loadInvoiceChecked(r, id); err != nil {
		respondServiceError(w, err)
		return
	}
	query := r.URL.Query()
	snapshot, err := h.service.Snapshot(r.Context(), id, billing.SnapshotOptions{
		Timezone:        query.Get("timezone"),
		Locale:          query.Get("locale"),
		IncludeItems:    query.Get("compact") != "true",
		IncludePayments: query.Get("compact") != "true",
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (h *InvoiceHandler) handleFollowUp(w http.ResponseWriter, r *http.Request, guardianID string) {
	if h.followUps == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err := h.ensureGuardianTenant(r, guardianID); err != nil {
		respondTenantError(w, err)
		return
	}
	result, err := h.followUps.EnsureNextInvoice(r.Context(), guardianID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
	invoiceID := ""
	if result.Invoice != nil {
		invoiceID = result.Invoice.ID
	}
	h.logAudit(r, guardianID, invoiceID, "invoice.followup", map[string]any{
		"created":     result.Created,
		"skip_reason": result.SkipReason,
		"student_id":  result.StudentID,
	})
}

func (h *InvoiceHandler) loadInvoiceChecked(r *http.Request, id string) (*billing.Invoice, error) {
	inv, err := h.service.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if err := h.ensureGuardianTenant(r, inv.GuardianID); err != nil {
		return nil, err
	}
	return inv, nil
}

func (h *InvoiceHandler) ensureGuardianTenant(r *http.Request, guardianID string) error {
	tenantID := auth.TenantIDFromContext(r.Context())
	if h.guardianChecker == nil || tenantID == "" || guardianID == "" {
		return nil
	}
	return h.guardianChecker.EnsureGuardianTenant(r.Context(), tenantID, guardianID)
}

func (h *InvoiceHandler) logAudit(r *http.Request, guardianID, invoiceID, action string, meta map[string]any) {
	if h.auditLogger == nil {
		return
	}
	tenantID := auth.TenantIDFromContext(r.Context())
	if tenantID == "" {
		return
	}
	payload, _ := json.Marshal(meta)
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		TenantID:     tenantID,
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: "invoice",
		ResourceID:   invoiceID,
		GuardianID:   guardianID,
		Metadata:     payload,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondTenantError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, auth.ErrTenantMismatch) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if errors.Is(err, auth.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, "tenant check failed", http.StatusInternalServerError)
}

func respondServiceError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var conflict *billing.DoubleBillingConflict
	switch {
	case errors.Is(err, auth.ErrTenantMismatch):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, auth.ErrNotFound),
		errors.Is(err, billing.ErrInvoiceNotFound),
		errors.Is(err, billing.ErrGuardianNotFound),
		errors.Is(err, billing.ErrLessonNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &conflict),
		errors.Is(err, billing.ErrStaleWrite),
		errors.Is(err, billing.ErrTerminalStatus),
		errors.Is(err, billing.ErrReconciliationHold),
		errors.Is(err, billing.ErrRateLocked):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, billing.ErrValidation),
		errors.Is(err, billing.ErrInvalidRefundAmount):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
