// Package api exposes the settlement engine over HTTP and WebSocket.
//
// All monetary values use shopspring/decimal and are encoded as JSON
// strings. Identities come from the gateway headers X-User-ID and
// X-Admin-ID; the engine performs no credential checks of its own.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/admin"
	"github.com/atmx/settlement-engine/internal/intake"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// Handler serves the trade, wallet and admin endpoints.
type Handler struct {
	intake *intake.Service
	admin  *admin.Service
	store  store.Store
	logger *slog.Logger
}

// NewHandler creates the HTTP handlers.
func NewHandler(in *intake.Service, adm *admin.Service, st store.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{intake: in, admin: adm, store: st, logger: logger.With(slog.String("component", "api"))}
}

// --- Request types ---

// PlaceTradeRequest is the JSON body for POST /trades.
type PlaceTradeRequest struct {
	Symbol          string          `json:"symbol"`    // BASE-QUOTE, e.g. BTC-USD
	Direction       string          `json:"direction"` // "UP" or "DOWN"
	Stake           decimal.Decimal `json:"stake"`
	DurationSeconds int64           `json:"duration_seconds"`
	PayoutRate      decimal.Decimal `json:"payout_rate"` // optional; 0 → configured rate
}

// VoidRequest is the JSON body for POST /admin/trades/{tradeID}/void.
type VoidRequest struct {
	Reason string `json:"reason"`
}

// --- Trades ---

// PlaceTrade handles POST /api/v1/trades
func (h *Handler) PlaceTrade(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	if userID == "" {
		writeError(w, "missing "+HeaderUserID, http.StatusUnauthorized)
		return
	}

	var req PlaceTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	t, err := h.intake.PlaceTrade(r.Context(), intake.PlaceRequest{
		UserID:          userID,
		Symbol:          req.Symbol,
		Direction:       model.Direction(req.Direction),
		Stake:           req.Stake,
		DurationSeconds: req.DurationSeconds,
		PayoutRate:      req.PayoutRate,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTrade handles GET /api/v1/trades/{tradeID}
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.GetTrade(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if !canAccess(r.Context(), t.UserID) {
		// Same answer as a missing trade so IDs cannot be probed.
		writeError(w, "trade not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListOpenTrades handles GET /api/v1/users/{userID}/trades/open
func (h *Handler) ListOpenTrades(w http.ResponseWriter, r *http.Request) {
	h.listUserTrades(w, r, model.StatusOpen, model.StatusSettling)
}

// ListTradeHistory handles GET /api/v1/users/{userID}/trades/history
func (h *Handler) ListTradeHistory(w http.ResponseWriter, r *http.Request) {
	h.listUserTrades(w, r, model.StatusSettled, model.StatusVoid)
}

func (h *Handler) listUserTrades(w http.ResponseWriter, r *http.Request, statuses ...model.Status) {
	userID := chi.URLParam(r, "userID")
	if !canAccess(r.Context(), userID) {
		writeError(w, "forbidden", http.StatusForbidden)
		return
	}

	trades, err := h.store.ListUserTrades(r.Context(), userID, statuses...)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list user trades failed", "user", userID, "err", err)
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetWallet handles GET /api/v1/users/{userID}/wallets/{currency}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !canAccess(r.Context(), userID) {
		writeError(w, "forbidden", http.StatusForbidden)
		return
	}

	currency := strings.ToUpper(chi.URLParam(r, "currency"))
	wallet, err := h.store.GetWallet(r.Context(), userID, currency)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// --- Admin ---

// ListSettlements handles GET /api/v1/admin/settlements
// Optional filters: ?outcome=WIN|LOSS|VOID, ?user_id=, ?limit=N.
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.AuditFilter{
		Outcome: model.Outcome(strings.ToUpper(q.Get("outcome"))),
		UserID:  q.Get("user_id"),
		Limit:   defaultAuditLimit,
	}
	switch f.Outcome {
	case "", model.OutcomeWin, model.OutcomeLoss, model.OutcomeVoid:
	default:
		writeError(w, "outcome must be WIN, LOSS or VOID", http.StatusBadRequest)
		return
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		f.Limit = min(n, maxAuditLimit)
	}

	entries, err := h.store.ListAudit(r.Context(), f)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list audit failed", "err", err)
		writeError(w, "failed to list settlements", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ForceSettle handles POST /api/v1/admin/trades/{tradeID}/force-settle
func (h *Handler) ForceSettle(w http.ResponseWriter, r *http.Request) {
	res, err := h.admin.ForceSettle(r.Context(), chi.URLParam(r, "tradeID"), AdminID(r.Context()))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// VoidTrade handles POST /api/v1/admin/trades/{tradeID}/void
func (h *Handler) VoidTrade(w http.ResponseWriter, r *http.Request) {
	var req VoidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.admin.VoidTrade(r.Context(), chi.URLParam(r, "tradeID"), AdminID(r.Context()), req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ReAudit handles GET /api/v1/admin/trades/{tradeID}/audit
func (h *Handler) ReAudit(w http.ResponseWriter, r *http.Request) {
	report, err := h.admin.ReAudit(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
