package http

import (
	"net/http"

	"github.com/inkfable/tokenledger/internal/access"
	"github.com/inkfable/tokenledger/internal/authz"
	"github.com/inkfable/tokenledger/internal/http/api/handlers"
	"github.com/inkfable/tokenledger/internal/ledger"
	"github.com/inkfable/tokenledger/internal/promo"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// RouterDeps carries everything the router needs.
type RouterDeps struct {
	DB        *gorm.DB
	Ledger    *ledger.Service
	Engine    *authz.Engine
	Promo     *promo.Scheduler
	JWTSecret string
}

// NewRouter builds the gin engine with middleware and all wallet routes.
func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestIDMiddleware(), AccessLogMiddleware())

	r.GET("/healthz", healthHandler(deps.DB))

	walletHandler := handlers.NewWalletHandler(deps.Ledger, deps.Promo)
	authHandler := handlers.NewAuthorizationHandler(deps.Engine, deps.Ledger)

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(deps.JWTSecret))

	wallet := v1.Group("/wallet")
	wallet.GET("/balance", RequireCapability(access.CapReadOwnWallet), walletHandler.GetBalance)
	wallet.GET("/transactions", RequireCapability(access.CapReadOwnWallet), walletHandler.ListTransactions)
	wallet.POST("/credits", RequireCapability(access.CapAdjust), walletHandler.Credit)
	wallet.POST("/debits", RequireCapability(access.CapAdjust), walletHandler.Debit)
	wallet.POST("/deductions", RequireCapability(access.CapHold), authHandler.Deduct)

	authorizations := v1.Group("/authorizations")
	authorizations.POST("", RequireCapability(access.CapHold), authHandler.Create)
	authorizations.GET("/:id", RequireCapability(access.CapReadOwnWallet), authHandler.Get)
	authorizations.POST("/:id/capture", RequireCapability(access.CapCapture), authHandler.Capture)
	authorizations.POST("/:id/void", RequireCapability(access.CapHold), authHandler.Void)

	return r
}

// healthHandler reports liveness and database reachability.
func healthHandler(conn *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, errDB := conn.DB()
		if errDB != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		if errPing := sqlDB.PingContext(c.Request.Context()); errPing != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
