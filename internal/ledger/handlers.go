package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/clearhold/clearhold/internal/idgen"
)

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	wallets *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(wallets *Service) *Handler {
	return &Handler{wallets: wallets}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/wallet", h.GetWallet)
	r.GET("/wallets/:id", h.GetBalance)
	r.GET("/wallets/:id/entries", h.GetHistory)
	r.POST("/wallets/:id/withdraw", h.Withdraw)
	r.GET("/wallets/:id/reconcile", h.Reconcile)
}

// GetWallet handles GET /users/:id/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	currency := c.DefaultQuery("currency", "USD")

	account, err := h.wallets.Account(c.Request.Context(), c.Param("id"), currency)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_error",
			"message": "Failed to load wallet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"wallet": account})
}

// GetBalance handles GET /wallets/:id
func (h *Handler) GetBalance(c *gin.Context) {
	account, err := h.wallets.Balance(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Wallet account not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"wallet": account})
}

// GetHistory handles GET /wallets/:id/entries
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil && l > 0 && l <= 500 {
		limit = l
	}

	entries, err := h.wallets.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// WithdrawRequest for moving funds out of a wallet.
type WithdrawRequest struct {
	Amount         string `json:"amount" binding:"required"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Withdraw handles POST /wallets/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	idemKey := req.IdempotencyKey
	if idemKey == "" {
		idemKey = idgen.WithPrefix("wd_")
	}

	accountID := c.Param("id")
	if err := h.wallets.Withdraw(c.Request.Context(), accountID, req.Amount, idemKey); err != nil {
		switch {
		case errors.Is(err, ErrAccountNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Wallet account not found",
			})
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be a positive decimal",
			})
		case errors.Is(err, ErrInsufficientBalance):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "insufficient_balance",
				"message": "Withdrawal exceeds available balance",
			})
		case errors.Is(err, ErrDuplicateEntry):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_entry",
				"message": "A ledger entry with this idempotency key already exists",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "withdraw_failed",
				"message": "Failed to process withdrawal",
			})
		}
		return
	}

	account, err := h.wallets.Balance(c.Request.Context(), accountID)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"status": "withdrawn"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "withdrawn",
		"wallet": account,
	})
}

// Reconcile handles GET /wallets/:id/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	drift, ok, err := h.wallets.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Wallet account not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconcile_failed",
			"message": "Failed to reconcile wallet",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"consistent": ok,
		"drift":      drift,
	})
}
