package api

import (
	"io"
	"strconv"
	"time"

	"bonus_ledger/internal/admin"
	"bonus_ledger/internal/bonus"
	"bonus_ledger/internal/catalog"
	"bonus_ledger/internal/wagering"
	"bonus_ledger/internal/wallet"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const streamHeartbeat = 15 * time.Second

func (h *Handler) listDefinitions(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	defs, err := h.catalog.List(c.Request.Context(), activeOnly)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, defs)
}

func (h *Handler) getDefinition(c *gin.Context) {
	def, err := h.catalog.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, def)
}

func (h *Handler) createDefinition(c *gin.Context) {
	var in catalog.DefinitionInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	def, err := h.gateway.CreateDefinition(c.Request.Context(), currentOperator(c), in)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, def)
}

func (h *Handler) updateDefinition(c *gin.Context) {
	var patch catalog.DefinitionPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err)
		return
	}
	def, err := h.gateway.UpdateDefinition(c.Request.Context(), currentOperator(c), c.Param("id"), patch)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, def)
}

func (h *Handler) disableDefinition(c *gin.Context) {
	def, err := h.gateway.DisableDefinition(c.Request.Context(), currentOperator(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, def)
}

func (h *Handler) listContributions(c *gin.Context) {
	rows, err := h.catalog.ListContributions(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, rows)
}

type contributionsRequest struct {
	Games []catalog.ContributionInput `json:"games"`
}

func (h *Handler) setContributions(c *gin.Context) {
	var req contributionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	rows, err := h.gateway.SetGameContributions(c.Request.Context(), currentOperator(c), c.Param("id"), req.Games)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, rows)
}

func (h *Handler) definitionStats(c *gin.Context) {
	stats, err := h.bonuses.DefinitionStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, stats)
}

func (h *Handler) auditTrail(targetType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := h.gateway.AuditTrail(c.Request.Context(), targetType, c.Param("id"))
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, records)
	}
}

func (h *Handler) awardBonus(c *gin.Context) {
	var req admin.AwardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	b, err := h.gateway.AwardToPlayer(c.Request.Context(), currentOperator(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, b)
}

type cancelRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) cancelBonus(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	b, err := h.gateway.CancelInstance(c.Request.Context(), currentOperator(c), c.Param("id"), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, b)
}

func (h *Handler) resetWagering(c *gin.Context) {
	var req admin.ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	b, err := h.gateway.ResetWagering(c.Request.Context(), currentOperator(c), c.Param("id"), req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, b)
}

func (h *Handler) getBonus(c *gin.Context) {
	b, err := h.bonuses.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, b)
}

func (h *Handler) getProgress(c *gin.Context) {
	p, err := h.bonuses.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, p)
}

func (h *Handler) getLedger(c *gin.Context) {
	ctx := c.Request.Context()
	attribution, err := h.bonuses.Attribution(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	entries, err := h.bonuses.Ledger(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, gin.H{"attribution": attribution, "entries": entries})
}

func (h *Handler) playerHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	history, err := h.bonuses.History(c.Request.Context(), c.Param("player_id"), limit, offset)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, history)
}

func (h *Handler) playerBalances(c *gin.Context) {
	balances, err := h.wallet.GetBalances(c.Request.Context(), c.Param("player_id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, balances)
}

// streamProgress pushes a player's wagering progress as server-sent events
// until the client disconnects.
func (h *Handler) streamProgress(c *gin.Context) {
	playerID := c.Param("player_id")
	updates, unsubscribe := h.hub.Subscribe(playerID)
	defer unsubscribe()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case p, open := <-updates:
			if !open {
				return false
			}
			c.SSEvent("progress", p)
			return true
		case <-heartbeat.C:
			c.SSEvent("heartbeat", gin.H{"timestamp": time.Now().UTC()})
			return true
		}
	})
}

func (h *Handler) processBet(c *gin.Context) {
	var bet wagering.BetEvent
	if err := c.ShouldBindJSON(&bet); err != nil {
		badRequest(c, err)
		return
	}
	out, err := h.accumulator.ProcessBet(c.Request.Context(), bet)
	if err != nil {
		fail(c, err)
		return
	}

	results := make([]bonus.Progress, 0, len(out.Advanced))
	for _, r := range out.Advanced {
		if r.Applied {
			results = append(results, bonus.ProgressOf(r.Instance, time.Now().UTC()))
		}
	}
	ok(c, gin.H{"bet_id": out.BetID, "applied": results, "skipped": out.Skipped})
}

type depositRequest struct {
	DepositID string          `json:"deposit_id" binding:"required"`
	PlayerID  string          `json:"player_id" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Trigger   string          `json:"trigger"`
}

func (h *Handler) processDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = string(catalog.TriggerOnDeposit)
	}
	granted, err := h.bonuses.ApplyTrigger(c.Request.Context(), bonus.TriggerEvent{
		PlayerID:   req.PlayerID,
		Trigger:    trigger,
		BaseAmount: req.Amount,
		SourceRef:  "deposit:" + req.DepositID,
	})
	if err != nil {
		fail(c, err)
		return
	}
	if granted == nil {
		granted = []bonus.PlayerBonus{}
	}
	ok(c, granted)
}

type claimRequest struct {
	Code       string          `json:"code" binding:"required"`
	BaseAmount decimal.Decimal `json:"base_amount"`
}

func (h *Handler) claimByCode(c *gin.Context) {
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	b, err := h.bonuses.ClaimByCode(c.Request.Context(), c.Param("player_id"), req.Code, req.BaseAmount)
	if err != nil {
		fail(c, err)
		return
	}
	created(c, b)
}

func (h *Handler) walletTransaction(c *gin.Context) {
	var req wallet.TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.wallet.ProcessTransaction(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, res)
}
