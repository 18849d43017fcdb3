// Package handlers implements the wallet API endpoints.
package handlers

import (
	"errors"
	"net/http"

	"github.com/inkfable/tokenledger/internal/idempotency"
	"github.com/inkfable/tokenledger/internal/ledger"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// HeaderIdempotencyKey carries the caller-supplied retry key.
const HeaderIdempotencyKey = "Idempotency-Key"

// getUserID extracts the authenticated user ID from gin context.
func getUserID(c *gin.Context) uint64 {
	val, exists := c.Get("userID")
	if !exists {
		return 0
	}
	id, ok := val.(uint64)
	if !ok {
		return 0
	}
	return id
}

// getRole extracts the authenticated role from gin context.
func getRole(c *gin.Context) string {
	val, exists := c.Get("role")
	if !exists {
		return ""
	}
	role, ok := val.(string)
	if !ok {
		return ""
	}
	return role
}

// idempotencyKey reads the retry key header.
func idempotencyKey(c *gin.Context) string {
	return c.GetHeader(HeaderIdempotencyKey)
}

// writeError maps engine errors onto HTTP statuses and a uniform error body.
func writeError(c *gin.Context, err error) {
	if errors.Is(err, idempotency.ErrKeyConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "kind": string(ledger.KindConflict)})
		return
	}

	engineErr, ok := ledger.AsError(err)
	if !ok {
		log.WithError(err).Error("unclassified handler error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "kind": string(ledger.KindServer)})
		return
	}

	body := gin.H{"error": engineErr.Message, "kind": string(engineErr.Kind)}
	if len(engineErr.Details) > 0 {
		body["details"] = engineErr.Details
	}

	switch engineErr.Kind {
	case ledger.KindValidation:
		c.JSON(http.StatusBadRequest, body)
	case ledger.KindInsufficientBalance:
		c.JSON(http.StatusPaymentRequired, body)
	case ledger.KindConflict:
		c.JSON(http.StatusConflict, body)
	case ledger.KindNotFound:
		c.JSON(http.StatusNotFound, body)
	default:
		log.WithError(err).Error("handler server error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "kind": string(ledger.KindServer)})
	}
}
