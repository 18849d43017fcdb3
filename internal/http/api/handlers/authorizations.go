package handlers

import (
	"net/http"
	"time"

	"github.com/inkfable/tokenledger/internal/authz"
	"github.com/inkfable/tokenledger/internal/ledger"
	"github.com/inkfable/tokenledger/internal/models"
	"github.com/inkfable/tokenledger/internal/security"

	"github.com/gin-gonic/gin"
)

// AuthorizationHandler serves the hold/capture/void endpoints.
type AuthorizationHandler struct {
	engine *authz.Engine
	ledger *ledger.Service
}

// NewAuthorizationHandler constructs an AuthorizationHandler.
func NewAuthorizationHandler(engine *authz.Engine, ledgerSvc *ledger.Service) *AuthorizationHandler {
	return &AuthorizationHandler{engine: engine, ledger: ledgerSvc}
}

// createAuthorizationRequest is the hold creation body.
type createAuthorizationRequest struct {
	Feature     string         `json:"feature" binding:"required"`
	ResourceKey string         `json:"resource_key" binding:"required"`
	Units       int64          `json:"units"`
	Metadata    map[string]any `json:"metadata"`
}

// authorizationResponse is the wire form of an authorization.
type authorizationResponse struct {
	ID                    string    `json:"id"`
	UserID                uint64    `json:"user_id"`
	Feature               string    `json:"feature"`
	ResourceKey           string    `json:"resource_key"`
	Amount                int64     `json:"amount"`
	Status                string    `json:"status"`
	HoldExpiresAt         time.Time `json:"hold_expires_at"`
	CapturedTransactionID *uint64   `json:"captured_transaction_id,omitempty"`
	VoidedTransactionID   *uint64   `json:"voided_transaction_id,omitempty"`
	UpstreamStatus        string    `json:"upstream_status,omitempty"`
	FailureCode           string    `json:"failure_code,omitempty"`
	FailureMessage        string    `json:"failure_message,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Create places a hold for the authenticated user.
func (h *AuthorizationHandler) Create(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req createAuthorizationRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, errCreate := h.engine.CreateAuthorization(c.Request.Context(), authz.CreateParams{
		UserID:         userID,
		Feature:        req.Feature,
		ResourceKey:    req.ResourceKey,
		Units:          req.Units,
		Metadata:       req.Metadata,
		IdempotencyKey: idempotencyKey(c),
	})
	if errCreate != nil {
		writeError(c, errCreate)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authorization":   toAuthorizationResponse(result.Authorization),
		"balance_preview": toBalanceBody(result.BalancePreview),
	})
}

// Get returns one authorization. Users may only read their own.
func (h *AuthorizationHandler) Get(c *gin.Context) {
	auth, ok := h.load(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toAuthorizationResponse(auth))
}

// captureRequest is the capture body.
type captureRequest struct {
	ResultID       string `json:"result_id"`
	UpstreamStatus string `json:"upstream_status"`
}

// Capture settles a held authorization and reports the debit and the
// resulting balance.
func (h *AuthorizationHandler) Capture(c *gin.Context) {
	if _, ok := h.load(c); !ok {
		return
	}

	var req captureRequest
	if c.Request.ContentLength > 0 {
		if errBind := c.ShouldBindJSON(&req); errBind != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	captured, errCapture := h.engine.CaptureAuthorization(c.Request.Context(), authz.CaptureParams{
		AuthorizationID: c.Param("id"),
		ResultID:        req.ResultID,
		UpstreamStatus:  req.UpstreamStatus,
	})
	if errCapture != nil {
		writeError(c, errCapture)
		return
	}

	balance, errBalance := h.ledger.GetBalance(c.Request.Context(), captured.UserID)
	if errBalance != nil {
		writeError(c, errBalance)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authorization": toAuthorizationResponse(captured),
		"debited":       captured.Amount,
		"balances":      toBalanceBody(balance),
	})
}

// voidRequest is the void body.
type voidRequest struct {
	UpstreamStatus string `json:"upstream_status"`
	FailureCode    string `json:"failure_code"`
	FailureMessage string `json:"failure_message"`
}

// Void cancels a held authorization or refunds a captured one.
func (h *AuthorizationHandler) Void(c *gin.Context) {
	if _, ok := h.load(c); !ok {
		return
	}

	var req voidRequest
	if c.Request.ContentLength > 0 {
		if errBind := c.ShouldBindJSON(&req); errBind != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	voided, refunded, errVoid := h.engine.VoidAuthorization(c.Request.Context(), authz.VoidParams{
		AuthorizationID: c.Param("id"),
		UpstreamStatus:  req.UpstreamStatus,
		FailureCode:     req.FailureCode,
		FailureMessage:  req.FailureMessage,
	})
	if errVoid != nil {
		writeError(c, errVoid)
		return
	}

	balance, errBalance := h.ledger.GetBalance(c.Request.Context(), voided.UserID)
	if errBalance != nil {
		writeError(c, errBalance)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"authorization": toAuthorizationResponse(voided),
		"refunded":      refunded,
		"balances":      toBalanceBody(balance),
	})
}

// deductRequest is the direct charge body.
type deductRequest struct {
	Feature     string         `json:"feature" binding:"required"`
	ResourceKey string         `json:"resource_key"`
	Units       int64          `json:"units"`
	Metadata    map[string]any `json:"metadata"`
}

// Deduct charges a feature immediately, skipping the hold phase.
func (h *AuthorizationHandler) Deduct(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req deductRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	entries, errDeduct := h.engine.DeductTokens(c.Request.Context(), authz.DeductParams{
		UserID:         userID,
		Feature:        req.Feature,
		ResourceKey:    req.ResourceKey,
		Units:          req.Units,
		Metadata:       req.Metadata,
		IdempotencyKey: idempotencyKey(c),
	})
	if errDeduct != nil {
		writeError(c, errDeduct)
		return
	}

	items := make([]transactionResponse, 0, len(entries))
	for _, entry := range entries {
		items = append(items, toTransactionResponse(entry))
	}
	c.JSON(http.StatusOK, gin.H{"entries": items})
}

// load fetches the authorization from the path and enforces ownership:
// plain users may only touch their own holds, service and admin roles may
// touch any.
func (h *AuthorizationHandler) load(c *gin.Context) (*models.Authorization, bool) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}

	auth, errGet := h.engine.GetAuthorization(c.Request.Context(), c.Param("id"))
	if errGet != nil {
		writeError(c, errGet)
		return nil, false
	}

	role := getRole(c)
	if auth.UserID != userID && role == security.RoleUser {
		// Hide other users' authorizations entirely.
		writeError(c, ledger.NewNotFound("authorization %s not found", auth.ID))
		return nil, false
	}
	return auth, true
}

func toBalanceBody(balance *ledger.Balance) gin.H {
	return gin.H{
		"regular": balance.Regular,
		"promo":   balance.Promo,
		"total":   balance.Total,
	}
}

func toAuthorizationResponse(auth *models.Authorization) authorizationResponse {
	return authorizationResponse{
		ID:                    auth.ID,
		UserID:                auth.UserID,
		Feature:               auth.Feature,
		ResourceKey:           auth.ResourceKey,
		Amount:                auth.Amount,
		Status:                string(auth.Status),
		HoldExpiresAt:         auth.HoldExpiresAt,
		CapturedTransactionID: auth.CapturedTransactionID,
		VoidedTransactionID:   auth.VoidedTransactionID,
		UpstreamStatus:        auth.UpstreamStatus,
		FailureCode:           auth.FailureCode,
		FailureMessage:        auth.FailureMessage,
		CreatedAt:             auth.CreatedAt,
		UpdatedAt:             auth.UpdatedAt,
	}
}
