package deal

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/clearhold/clearhold/internal/validation"
)

// Handler provides HTTP endpoints for deal lifecycle operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new deal handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up deal routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/deals", h.CreateDeal)
	r.GET("/deals/:id", h.GetDeal)
	r.GET("/deals/:id/milestones", h.ListMilestones)
	r.GET("/users/:id/deals", h.ListDeals)
	r.POST("/deals/:id/send", h.SendForPayment)
	r.POST("/deals/:id/fund", h.ConfirmFunding)
	r.POST("/deals/:id/proof", h.SubmitProof)
	r.POST("/deals/:id/review", h.StartReview)
	r.POST("/deals/:id/revision", h.RequestRevision)
	r.POST("/deals/:id/cancel", h.CancelDeal)
}

// CreateDeal handles POST /v1/deals
func (h *Handler) CreateDeal(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("buyer_id", req.BuyerID),
		validation.Required("seller_id", req.SellerID),
		validation.ValidAmount("subtotal", req.Subtotal),
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "deal_failed",
			"message": "Failed to create deal",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"deal": d})
}

// GetDeal handles GET /v1/deals/:id
func (h *Handler) GetDeal(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondDealError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// ListMilestones handles GET /v1/deals/:id/milestones
func (h *Handler) ListMilestones(c *gin.Context) {
	id := c.Param("id")
	d, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		respondDealError(c, err)
		return
	}
	releases, err := h.service.MilestoneReleases(c.Request.Context(), id)
	if err != nil {
		respondDealError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"milestones": d.Milestones,
		"releases":   releases,
	})
}

// ListDeals handles GET /v1/users/:id/deals
func (h *Handler) ListDeals(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	deals, err := h.service.ListByParty(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deals": deals, "count": len(deals)})
}

// SendForPayment handles POST /v1/deals/:id/send
func (h *Handler) SendForPayment(c *gin.Context) {
	h.lifecycle(c, func(id string) (*Deal, error) {
		return h.service.SendForPayment(c.Request.Context(), id)
	})
}

// ConfirmFunding handles POST /v1/deals/:id/fund
func (h *Handler) ConfirmFunding(c *gin.Context) {
	var req struct {
		PaymentRef string `json:"paymentRef" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "paymentRef is required",
		})
		return
	}
	h.lifecycle(c, func(id string) (*Deal, error) {
		return h.service.ConfirmFunding(c.Request.Context(), id, req.PaymentRef)
	})
}

// SubmitProof handles POST /v1/deals/:id/proof
func (h *Handler) SubmitProof(c *gin.Context) {
	h.lifecycle(c, func(id string) (*Deal, error) {
		return h.service.SubmitProof(c.Request.Context(), id)
	})
}

// StartReview handles POST /v1/deals/:id/review
func (h *Handler) StartReview(c *gin.Context) {
	h.lifecycle(c, func(id string) (*Deal, error) {
		return h.service.StartReview(c.Request.Context(), id)
	})
}

// RequestRevision handles POST /v1/deals/:id/revision
func (h *Handler) RequestRevision(c *gin.Context) {
	h.lifecycle(c, func(id string) (*Deal, error) {
		return h.service.RequestRevision(c.Request.Context(), id)
	})
}

// CancelDeal handles POST /v1/deals/:id/cancel
func (h *Handler) CancelDeal(c *gin.Context) {
	h.lifecycle(c, func(id string) (*Deal, error) {
		return h.service.Cancel(c.Request.Context(), id)
	})
}

func (h *Handler) lifecycle(c *gin.Context, op func(id string) (*Deal, error)) {
	d, err := op(c.Param("id"))
	if err != nil {
		respondDealError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

func respondDealError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDealNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Deal not found",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrRevisionsExceeded):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "revisions_exceeded",
			"message": "Revision limit reached for this deal",
		})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Deal was modified concurrently, retry the request",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
