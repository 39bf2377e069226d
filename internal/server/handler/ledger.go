package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tradekit/internal/domain"
)

// LedgerService is the part of the ledger the API exposes.
type LedgerService interface {
	Account() domain.Account
	Deposit(amount decimal.Decimal) error
	FundAssets(qty int64) error
}

// LedgerHandler serves balance endpoints.
type LedgerHandler struct {
	ledger LedgerService
	logger *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(ledger LedgerService, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{ledger: ledger, logger: logger}
}

// GetAccount returns cash, holdings and commission.
// GET /api/ledger
func (h *LedgerHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ledger.Account())
}

type depositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Deposit adds cash to the ledger.
// POST /api/ledger/deposit {"amount":"250.50"}
func (h *LedgerHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.ledger.Deposit(req.Amount); err != nil {
		h.logger.WarnContext(r.Context(), "handler: deposit rejected", slog.String("error", err.Error()))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.ledger.Account())
}

type fundRequest struct {
	Quantity int64 `json:"quantity"`
}

// FundAssets adds shares to the ledger's holdings.
// POST /api/ledger/fund {"quantity":10}
func (h *LedgerHandler) FundAssets(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.ledger.FundAssets(req.Quantity); err != nil {
		h.logger.WarnContext(r.Context(), "handler: fund assets rejected", slog.String("error", err.Error()))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.ledger.Account())
}
