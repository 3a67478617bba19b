package handler

import (
	"github.com/gin-gonic/gin"

	"p2pwallet/internal/config"
	"p2pwallet/internal/transfer"
	"p2pwallet/internal/wallet"
)

// SetupRouter wires the transfer core's HTTP surface (spec section 6).
func SetupRouter(wallets *wallet.Mutator, xfer *transfer.Service, cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	h := NewHandler(wallets, xfer, cfg)

	group := r.Group("/wallets", AuthMiddleware(cfg.Auth.JWTSecret))
	{
		group.POST("", h.CreateWallet)
		group.POST("/:walletId/transfer", h.Transfer)
		group.POST("/:id/add-funds", h.AddFunds)
		group.GET("/:id/balance", h.GetBalance)
		group.GET("/:id/transfer-limits", h.TransferLimits)
		group.GET("/:id/transactions/by-idempotency/:key", h.LookupByIdempotencyKey)
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
