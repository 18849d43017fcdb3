package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/inkfable/tokenledger/internal/ledger"
	"github.com/inkfable/tokenledger/internal/models"
	"github.com/inkfable/tokenledger/internal/promo"

	"github.com/gin-gonic/gin"
)

// WalletHandler serves balance, history, and direct adjustment endpoints.
type WalletHandler struct {
	ledger *ledger.Service
	promo  *promo.Scheduler
}

// NewWalletHandler constructs a WalletHandler.
func NewWalletHandler(ledgerSvc *ledger.Service, scheduler *promo.Scheduler) *WalletHandler {
	return &WalletHandler{ledger: ledgerSvc, promo: scheduler}
}

// upcomingExpiry describes one pending promo decay.
type upcomingExpiry struct {
	Amount   int64     `json:"amount"`
	ExpiryAt time.Time `json:"expiry_at"`
}

// balanceResponse is the GET /wallet/balance payload.
type balanceResponse struct {
	Regular          int64            `json:"regular"`
	Promo            int64            `json:"promo"`
	Total            int64            `json:"total"`
	UpdatedAt        time.Time        `json:"updated_at"`
	UpcomingExpiries []upcomingExpiry `json:"upcoming_expiries"`
}

// GetBalance returns the caller's balance with pending promo decay.
func (h *WalletHandler) GetBalance(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	balance, errBalance := h.ledger.GetBalance(c.Request.Context(), userID)
	if errBalance != nil {
		writeError(c, errBalance)
		return
	}
	schedules, errUpcoming := h.promo.Upcoming(c.Request.Context(), userID)
	if errUpcoming != nil {
		writeError(c, errUpcoming)
		return
	}

	resp := balanceResponse{
		Regular:          balance.Regular,
		Promo:            balance.Promo,
		Total:            balance.Total,
		UpdatedAt:        balance.UpdatedAt,
		UpcomingExpiries: make([]upcomingExpiry, 0, len(schedules)),
	}
	for _, schedule := range schedules {
		resp.UpcomingExpiries = append(resp.UpcomingExpiries, upcomingExpiry{
			Amount:   schedule.AmountRemaining,
			ExpiryAt: schedule.ExpiryAt,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// transactionResponse is one ledger entry in the history listing.
type transactionResponse struct {
	ID                  uint64    `json:"id"`
	TokenType           string    `json:"token_type"`
	Direction           string    `json:"direction"`
	Reason              string    `json:"reason"`
	Amount              int64     `json:"amount"`
	BalanceAfterRegular int64     `json:"balance_after_regular"`
	BalanceAfterPromo   int64     `json:"balance_after_promo"`
	ReferenceID         string    `json:"reference_id,omitempty"`
	OccurredAt          time.Time `json:"occurred_at"`
}

// ListTransactions returns the caller's ledger history, newest first.
func (h *WalletHandler) ListTransactions(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	entries, total, errList := h.ledger.ListEntries(c.Request.Context(), userID, page, pageSize)
	if errList != nil {
		writeError(c, errList)
		return
	}

	items := make([]transactionResponse, 0, len(entries))
	for _, entry := range entries {
		items = append(items, toTransactionResponse(entry))
	}
	c.JSON(http.StatusOK, gin.H{
		"items":     items,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// adjustmentRequest is the admin credit/debit body.
type adjustmentRequest struct {
	UserID      uint64         `json:"user_id" binding:"required"`
	TokenType   string         `json:"token_type" binding:"required"`
	Reason      string         `json:"reason" binding:"required"`
	Amount      int64          `json:"amount" binding:"required"`
	ReferenceID string         `json:"reference_id"`
	Metadata    map[string]any `json:"metadata"`
}

// Credit applies an administrative credit to any wallet.
func (h *WalletHandler) Credit(c *gin.Context) {
	h.adjust(c, h.ledger.Credit)
}

// Debit applies an administrative debit to any wallet.
func (h *WalletHandler) Debit(c *gin.Context) {
	h.adjust(c, h.ledger.Debit)
}

func (h *WalletHandler) adjust(c *gin.Context, apply func(ctx context.Context, p ledger.EntryParams) (*models.LedgerEntry, error)) {
	var req adjustmentRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	entry, errApply := apply(c.Request.Context(), ledger.EntryParams{
		UserID:         req.UserID,
		TokenType:      models.TokenType(req.TokenType),
		Reason:         models.Reason(req.Reason),
		Amount:         req.Amount,
		ReferenceID:    req.ReferenceID,
		Metadata:       req.Metadata,
		IdempotencyKey: idempotencyKey(c),
	})
	if errApply != nil {
		writeError(c, errApply)
		return
	}
	c.JSON(http.StatusOK, toTransactionResponse(entry))
}

func toTransactionResponse(entry *models.LedgerEntry) transactionResponse {
	return transactionResponse{
		ID:                  entry.ID,
		TokenType:           string(entry.TokenType),
		Direction:           string(entry.Direction),
		Reason:              string(entry.Reason),
		Amount:              entry.Amount,
		BalanceAfterRegular: entry.BalanceAfterRegular,
		BalanceAfterPromo:   entry.BalanceAfterPromo,
		ReferenceID:         entry.ReferenceID,
		OccurredAt:          entry.OccurredAt,
	}
}
