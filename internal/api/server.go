// Package api is the HTTP surface of the ledger: operator overrides,
// reporting queries, progress streaming and the collaborator feeds.
package api

import (
	"net/http"
	"time"

	"bonus_ledger/internal/admin"
	"bonus_ledger/internal/bonus"
	"bonus_ledger/internal/catalog"
	"bonus_ledger/internal/wagering"
	"bonus_ledger/internal/wallet"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type Deps struct {
	Catalog     *catalog.Service
	Bonuses     *bonus.Service
	Gateway     *admin.Gateway
	Accumulator *wagering.Accumulator
	Hub         *wagering.NotificationHub
	Wallet      *wallet.Service
	JWTSecret   string
	Logger      zerolog.Logger
}

type Handler struct {
	catalog     *catalog.Service
	bonuses     *bonus.Service
	gateway     *admin.Gateway
	accumulator *wagering.Accumulator
	hub         *wagering.NotificationHub
	wallet      *wallet.Service
	logger      zerolog.Logger
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(TraceID(), Logging(d.Logger), Recovery(d.Logger))

	h := &Handler{
		catalog:     d.Catalog,
		bonuses:     d.Bonuses,
		gateway:     d.Gateway,
		accumulator: d.Accumulator,
		hub:         d.Hub,
		wallet:      d.Wallet,
		logger:      d.Logger,
	}

	r.GET("/health", func(c *gin.Context) {
		ok(c, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1", JWTMiddleware(d.JWTSecret, d.Logger))

	reads := v1.Group("", RequireRole(admin.RoleViewer, admin.RoleSupport, admin.RoleAdmin))
	reads.GET("/definitions", h.listDefinitions)
	reads.GET("/definitions/:id", h.getDefinition)
	reads.GET("/definitions/:id/contributions", h.listContributions)
	reads.GET("/definitions/:id/stats", h.definitionStats)
	reads.GET("/definitions/:id/audit", h.auditTrail(admin.TargetDefinition))
	reads.GET("/bonuses/:id", h.getBonus)
	reads.GET("/bonuses/:id/progress", h.getProgress)
	reads.GET("/bonuses/:id/ledger", h.getLedger)
	reads.GET("/bonuses/:id/audit", h.auditTrail(admin.TargetInstance))
	reads.GET("/players/:player_id/bonuses", h.playerHistory)
	reads.GET("/players/:player_id/balances", h.playerBalances)
	reads.GET("/players/:player_id/progress/stream", h.streamProgress)

	// authorization of overrides is decided per action by the gateway
	v1.POST("/definitions", h.createDefinition)
	v1.PATCH("/definitions/:id", h.updateDefinition)
	v1.DELETE("/definitions/:id", h.disableDefinition)
	v1.PUT("/definitions/:id/contributions", h.setContributions)
	v1.POST("/bonuses", h.awardBonus)
	v1.POST("/bonuses/:id/cancel", h.cancelBonus)
	v1.POST("/bonuses/:id/reset-wagering", h.resetWagering)

	feeds := v1.Group("", RequireRole(admin.RoleService, admin.RoleAdmin))
	feeds.POST("/bets", h.processBet)
	feeds.POST("/deposits", h.processDeposit)
	feeds.POST("/players/:player_id/claims", h.claimByCode)
	feeds.POST("/wallet/transactions", h.walletTransaction)

	return r
}

// NewHTTPServer wraps handler with the timeouts used in production. Write
// timeout stays unset so progress streams are not cut off.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
