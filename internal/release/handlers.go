package release

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clearhold/clearhold/internal/deal"
)

// Handler provides HTTP endpoints for release and refund operations.
type Handler struct {
	orch *Orchestrator
}

// NewHandler creates a new release handler.
func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// RegisterRoutes sets up release routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/deals/:id/release", h.Release)
	r.POST("/deals/:id/refund", h.Refund)
	r.POST("/deals/:id/transfers/retry", h.RetryTransfers)
}

// Release handles POST /v1/deals/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req struct {
		MilestoneIndex *int   `json:"milestoneIndex"`
		Actor          string `json:"actor" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "actor is required",
		})
		return
	}

	target := Full()
	if req.MilestoneIndex != nil {
		target = ForMilestone(*req.MilestoneIndex)
	}

	result, err := h.orch.Release(c.Request.Context(), c.Param("id"), target, req.Actor)
	if err != nil {
		respondReleaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": result})
}

// Refund handles POST /v1/deals/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req struct {
		Amount string `json:"amount"`
		Actor  string `json:"actor" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "actor is required",
		})
		return
	}

	result, err := h.orch.Refund(c.Request.Context(), c.Param("id"), req.Amount, req.Actor)
	if err != nil {
		respondReleaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement": result})
}

// RetryTransfers handles POST /v1/deals/:id/transfers/retry
func (h *Handler) RetryTransfers(c *gin.Context) {
	refs, err := h.orch.RetryTransfers(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondReleaseError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transfers": refs,
		"count":     len(refs),
	})
}

func respondReleaseError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, deal.ErrDealNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Deal not found",
		})
	case errors.Is(err, ErrLockBusy):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "busy",
			"message": "Deal is being settled by another request, retry shortly",
		})
	case errors.Is(err, ErrDisputeFrozen):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "dispute_frozen",
			"message": "An open dispute blocks this release",
		})
	case errors.Is(err, ErrMilestoneOrder):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "milestone_order",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNothingToRelease):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "nothing_to_release",
			"message": "All funds for this deal are already settled",
		})
	case errors.Is(err, ErrRefundTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "refund_too_large",
			"message": "Refund amount must be below the buyer's total payment",
		})
	case errors.Is(err, deal.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
