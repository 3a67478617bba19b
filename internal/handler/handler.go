// Package handler exposes the transfer core over HTTP, matching spec
// section 6's contract one gin route per operation.
package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"p2pwallet/internal/apperr"
	"p2pwallet/internal/config"
	"p2pwallet/internal/models"
	"p2pwallet/internal/transfer"
	"p2pwallet/internal/wallet"
	"p2pwallet/pkg/response"
)

// Handler wires the transfer core's public operations to gin routes.
type Handler struct {
	wallets *wallet.Mutator
	xfer    *transfer.Service
	cfg     *config.Config
}

func NewHandler(wallets *wallet.Mutator, xfer *transfer.Service, cfg *config.Config) *Handler {
	return &Handler{wallets: wallets, xfer: xfer, cfg: cfg}
}

// CreateWalletRequest opens a new wallet for the caller.
type CreateWalletRequest struct {
	Currency string `json:"currency" binding:"required"`
}

// CreateWallet is POST /wallets.
func (h *Handler) CreateWallet(c *gin.Context) {
	owner, ok := callerID(c)
	if !ok {
		response.Unauthorized(c, "missing caller identity")
		return
	}
	var req CreateWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request body: "+err.Error())
		return
	}
	w, err := h.wallets.CreateWallet(c.Request.Context(), owner, models.Currency(req.Currency))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, w)
}

// TransferRequest is the body of POST /wallets/{walletId}/transfer.
type TransferRequest struct {
	DestinationWalletID string          `json:"destinationWalletId" binding:"required"`
	Amount              decimal.Decimal `json:"amount" binding:"required"`
	Description         string          `json:"description"`
	IdempotencyKey      string          `json:"idempotencyKey"`
	ExternalReferenceID string          `json:"externalReferenceId"`
}

// Transfer is POST /wallets/{walletId}/transfer.
func (h *Handler) Transfer(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		response.Unauthorized(c, "missing caller identity")
		return
	}
	sourceID, err := uuid.Parse(c.Param("walletId"))
	if err != nil {
		response.ParamError(c, "invalid walletId")
		return
	}

	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request body: "+err.Error())
		return
	}
	destID, err := uuid.Parse(req.DestinationWalletID)
	if err != nil {
		response.ParamError(c, "invalid destinationWalletId")
		return
	}

	key := req.IdempotencyKey
	if header := c.GetHeader("Idempotency-Key"); key == "" && header != "" {
		key = header
	}

	resp, err := h.xfer.Transfer(c.Request.Context(), transfer.Request{
		CallerID:            caller,
		SourceWalletID:      sourceID,
		DestinationWalletID: destID,
		Amount:              req.Amount,
		Description:         req.Description,
		IdempotencyKey:      key,
		ExternalReferenceID: req.ExternalReferenceID,
		Endpoint:            "/wallets/" + sourceID.String() + "/transfer",
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, resp)
}

// AddFundsRequest is the body of POST /wallets/{id}/add-funds.
type AddFundsRequest struct {
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Description string          `json:"description"`
}

// AddFunds is POST /wallets/{id}/add-funds.
func (h *Handler) AddFunds(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		response.Unauthorized(c, "missing caller identity")
		return
	}
	walletID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ParamError(c, "invalid wallet id")
		return
	}
	var req AddFundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request body: "+err.Error())
		return
	}
	w, err := h.xfer.AddFunds(c.Request.Context(), walletID, caller, req.Amount, req.Description)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, w)
}

// GetBalance is GET /wallets/{id}/balance.
func (h *Handler) GetBalance(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		response.Unauthorized(c, "missing caller identity")
		return
	}
	walletID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ParamError(c, "invalid wallet id")
		return
	}
	bal, err := h.xfer.GetBalance(c.Request.Context(), walletID, caller, h.cfg.TTL.BalanceFreshWindow)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, gin.H{"balance": bal})
}

// TransferLimits is GET /wallets/{id}/transfer-limits. The path's wallet id
// is not read: the ledger is keyed by user, so the caller's own ledger is
// returned, matching spec section 3's "LimitLedger is 1:1 with a User".
func (h *Handler) TransferLimits(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		response.Unauthorized(c, "missing caller identity")
		return
	}
	ledger, err := h.xfer.TransferLimits(c.Request.Context(), caller)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			response.Success(c, gin.H{
				"dailyLimit":       decimal.Zero,
				"dailyUsed":        decimal.Zero,
				"dailyRemaining":   decimal.Zero,
				"monthlyLimit":     decimal.Zero,
				"monthlyUsed":      decimal.Zero,
				"monthlyRemaining": decimal.Zero,
			})
			return
		}
		response.FromError(c, err)
		return
	}
	response.Success(c, gin.H{
		"dailyLimit":       ledger.DailyLimit,
		"dailyUsed":        ledger.DailyUsed,
		"dailyRemaining":   ledger.DailyLimit.Sub(ledger.DailyUsed),
		"monthlyLimit":     ledger.MonthlyLimit,
		"monthlyUsed":      ledger.MonthlyUsed,
		"monthlyRemaining": ledger.MonthlyLimit.Sub(ledger.MonthlyUsed),
		"lastDailyReset":   ledger.LastDailyReset,
		"lastMonthlyReset": ledger.LastMonthlyReset,
	})
}

// LookupByIdempotencyKey is GET /wallets/{id}/transactions/by-idempotency/{key}.
func (h *Handler) LookupByIdempotencyKey(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		response.Unauthorized(c, "missing caller identity")
		return
	}
	walletID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ParamError(c, "invalid wallet id")
		return
	}
	key := c.Param("key")

	// GetBalance's owner check confirms walletID actually belongs to the
	// caller before any transaction on it is disclosed.
	if _, err := h.xfer.GetBalance(c.Request.Context(), walletID, caller, 0); err != nil {
		response.FromError(c, err)
		return
	}

	t, err := h.xfer.LookupByIdempotencyKey(c.Request.Context(), key)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if t == nil {
		response.Success(c, gin.H{"exists": false})
		return
	}

	owned := (t.SourceWalletID != nil && *t.SourceWalletID == walletID) ||
		(t.DestinationWalletID != nil && *t.DestinationWalletID == walletID)
	if !owned {
		response.FromError(c, apperr.New(apperr.KindNotFound, "transaction not visible from this wallet"))
		return
	}

	response.Success(c, gin.H{"exists": true, "transaction": t})
}
