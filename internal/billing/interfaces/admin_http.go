package interfaces

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tutorbill/internal/audit"
	"tutorbill/internal/auth"
	billing "tutorbill/internal/billing/domain"
	"tutorbill/internal/billing/infrastructure/rates"
)

// RateHandler serves the monthly exchange rate book. Mutations are
// admin-only per policy; a locked month rejects further updates.
type RateHandler struct {
	rates       *rates.Provider
	auditLogger audit.Logger
}

// NewRateHandler constructs a rate handler.
func NewRateHandler(provider *rates.Provider, auditLogger audit.Logger) (*RateHandler, error) {
	if provider == nil {
		return nil, errors.New("rate handler: nil provider")
	}
	return &RateHandler{rates: provider, auditLogger: auditLogger}, nil
}

// ServeHTTP handles /api/v1/rates routes.
func (h *RateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/api/v1/rates" && r.Method == http.MethodGet:
		h.handleList(w, r)
	case path == "/api/v1/rates" && r.Method == http.MethodPut:
		h.handleUpsert(w, r)
	case strings.HasPrefix(path, "/api/v1/rates/") && strings.HasSuffix(path, "/lock") && r.Method == http.MethodPost:
		month := strings.TrimSuffix(strings.TrimPrefix(path, "/api/v1/rates/"), "/lock")
		h.handleLock(w, r, month)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *RateHandler) handleList(w http.ResponseWriter, r *http.Request) {
	month, err := time.Parse("2006-01", r.URL.Query().Get("month"))
	if err != nil {
		http.Error(w, "month must be YYYY-MM", http.StatusBadRequest)
		return
	}
	list, err := h.rates.List(r.Context(), month)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []rates.MonthlyRate{}
	}
	writeJSON(w, http.StatusOK, list)
}

type upsertRateRequest struct {
	Currency string          `json:"currency" validate:"required,len=3"`
	Month    string          `json:"month" validate:"required"`
	Rate     decimal.Decimal `json:"rate" validate:"required"`
}

func (h *RateHandler) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var req upsertRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	month, err := time.Parse("2006-01", req.Month)
	if err != nil {
		http.Error(w, "month must be YYYY-MM", http.StatusBadRequest)
		return
	}
	if !req.Rate.IsPositive() {
		http.Error(w, "rate must be positive", http.StatusBadRequest)
		return
	}

	actor := auth.SubjectFromContext(r.Context())
	rate, err := h.rates.Upsert(r.Context(), strings.ToUpper(req.Currency), month, req.Rate, actor)
	if err != nil {
		if errors.Is(err, billing.ErrRateLocked) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rate)
	h.logAudit(r, "rate.upsert", req.Currency+"/"+req.Month, map[string]any{
		"currency": rate.Currency,
		"month":    req.Month,
		"rate":     rate.Rate.String(),
	})
}

func (h *RateHandler) handleLock(w http.ResponseWriter, r *http.Request, rawMonth string) {
	month, err := time.Parse("2006-01", rawMonth)
	if err != nil {
		http.Error(w, "month must be YYYY-MM", http.StatusBadRequest)
		return
	}
	var req struct {
		Currency string `json:"currency" validate:"required,len=3"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	actor := auth.SubjectFromContext(r.Context())
	rate, err := h.rates.Lock(r.Context(), strings.ToUpper(req.Currency), month, actor)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rate)
	h.logAudit(r, "rate.lock", req.Currency+"/"+rawMonth, map[string]any{
		"currency": rate.Currency,
		"month":    rawMonth,
	})
}

func (h *RateHandler) logAudit(r *http.Request, action, resourceID string, meta map[string]any) {
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
		ResourceType: "rate",
		ResourceID:   resourceID,
		Metadata:     payload,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
}

// HoldHandler serves reconciliation holds. Resolving a hold unblocks
// the guardian's automatic billing operations.
type HoldHandler struct {
	store       billing.Store
	auditLogger audit.Logger
}

// NewHoldHandler constructs a hold handler.
func NewHoldHandler(store billing.Store, auditLogger audit.Logger) (*HoldHandler, error) {
	if store == nil {
		return nil, errors.New("hold handler: nil store")
	}
	return &HoldHandler{store: store, auditLogger: auditLogger}, nil
}

// ServeHTTP handles /api/v1/holds routes.
func (h *HoldHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/api/v1/holds" && r.Method == http.MethodGet:
		h.handleList(w, r)
	case strings.HasPrefix(path, "/api/v1/holds/") && strings.HasSuffix(path, "/resolve") && r.Method == http.MethodPost:
		holdID := strings.TrimSuffix(strings.TrimPrefix(path, "/api/v1/holds/"), "/resolve")
		h.handleResolve(w, r, holdID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *HoldHandler) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	holds, err := h.store.ListHolds(r.Context(), query.Get("guardian_id"), query.Get("include_resolved") == "true")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if holds == nil {
		holds = []billing.ReconciliationHold{}
	}
	writeJSON(w, http.StatusOK, holds)
}

func (h *HoldHandler) handleResolve(w http.ResponseWriter, r *http.Request, holdID string) {
	if holdID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err := h.store.ResolveHold(r.Context(), holdID, time.Now().UTC()); err != nil {
		if errors.Is(err, billing.ErrHoldNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": true, "hold_id": holdID})
	if h.auditLogger != nil {
		if tenantID := auth.TenantIDFromContext(r.Context()); tenantID != "" {
			_ = h.auditLogger.Log(r.Context(), audit.Entry{
				TenantID:     tenantID,
				Actor:        auth.SubjectFromContext(r.Context()),
				Role:         string(auth.RoleFromContext(r.Context())),
				Action:       "hold.resolve",
				ResourceType: "hold",
				ResourceID:   holdID,
				IP:           audit.ClientIP(r),
				UserAgent:    r.UserAgent(),
			})
		}
	}
}
