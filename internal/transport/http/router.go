package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/richardliu001/wallet-bridge/internal/config"
	"go.uber.org/zap"
)

func NewRouter(h *Handler, rl config.RateLimitConfig, auth config.AuthConfig, rdb *redis.Client, lockTTL time.Duration, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	// provider callbacks carry their own signatures
	v1.POST("/webhooks/:provider", h.receiveWebhook)
	v1.POST("/oauth/callback", h.oauthCallback)

	user := v1.Group("", UserMiddleware(auth))
	user.POST("/transfers", IdempotencyMiddleware(rdb, lockTTL, log), h.createTransfer)
	user.GET("/transactions", h.listTransactions)
	user.GET("/transactions/:id", h.getTransaction)
	user.POST("/transactions/:id/cancel", h.cancelTransaction)
	user.POST("/transactions/:id/retry", IdempotencyMiddleware(rdb, lockTTL, log), h.retryTransaction)
	user.GET("/fees/estimate", h.estimateFee)

	user.GET("/wallets", h.listWallets)
	user.POST("/wallets", h.connectWallet)
	user.DELETE("/wallets/:id", h.disconnectWallet)
	user.GET("/wallets/:id/balance", h.walletBalance)
	user.POST("/oauth/:provider/start", h.startOAuth)
	return r
}
