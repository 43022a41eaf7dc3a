package proof

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for proof verdicts and access events.
type Handler struct {
	service *Service
}

// NewHandler creates a new proof handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up proof routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/deals/:id/proofs", h.RecordProof)
	r.GET("/deals/:id/proofs", h.ListProofs)
	r.POST("/deals/:id/access", h.RecordAccess)
}

// RecordProof handles POST /v1/deals/:id/proofs
//
// Called by the verification pipeline with its verdict; this service
// never inspects content.
func (h *Handler) RecordProof(c *gin.Context) {
	var req struct {
		Reference string `json:"reference"`
		Valid     *bool  `json:"valid" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "valid verdict is required",
		})
		return
	}

	p, err := h.service.Record(c.Request.Context(), c.Param("id"), req.Reference, *req.Valid)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"proof": p})
}

// ListProofs handles GET /v1/deals/:id/proofs
func (h *Handler) ListProofs(c *gin.Context) {
	proofs, err := h.service.ListProofs(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"proofs": proofs, "count": len(proofs)})
}

// RecordAccess handles POST /v1/deals/:id/access
func (h *Handler) RecordAccess(c *gin.Context) {
	var req struct {
		UserID string `json:"userId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId is required",
		})
		return
	}

	if err := h.service.RecordAccess(c.Request.Context(), c.Param("id"), req.UserID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusNoContent, nil)
}
