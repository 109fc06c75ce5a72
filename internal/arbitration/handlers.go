package arbitration

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/covenant/internal/apperr"
	"github.com/mbd888/covenant/internal/auth"
	"github.com/mbd888/covenant/internal/escrow"
	"github.com/mbd888/covenant/internal/validation"
)

// Handler provides HTTP endpoints for the arbitrator registry.
type Handler struct {
	registry *Registry
	escrows  *escrow.Service
	logger   *slog.Logger
}

// NewHandler creates a new arbitration handler.
func NewHandler(registry *Registry, escrows *escrow.Service, logger *slog.Logger) *Handler {
	return &Handler{registry: registry, escrows: escrows, logger: logger}
}

// RegisterRoutes sets up public arbitration routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/arbitrators", h.ListArbitrators)
	r.GET("/arbitrators/pick", h.PickArbitrator)
	r.GET("/arbitrators/:address", validation.AddressParamMiddleware(), h.GetArbitrator)
	r.GET("/escrows/:id/stalled", h.CheckStalled)
}

// RegisterProtectedRoutes sets up auth-required arbitration routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/arbitrators", h.RegisterArbitrator)
	r.PUT("/arbitrators/:address", validation.AddressParamMiddleware(), h.UpdateArbitrator)
}

// RegisterRequest is the body of POST /arbitrators.
type RegisterRequest struct {
	Address string `json:"address" binding:"required"`
}

// UpdateRequest is the body of PUT /arbitrators/:address.
type UpdateRequest struct {
	IsActive *bool `json:"isActive" binding:"required"`
}

// RegisterArbitrator handles POST /v1/arbitrators
func (h *Handler) RegisterArbitrator(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "address is required"})
		return
	}
	if errs := validation.Validate(validation.ValidAddress("address", req.Address)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	prof, err := h.registry.Register(c.Request.Context(), auth.Caller(c), Profile{Address: req.Address})
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"arbitrator": prof})
}

// UpdateArbitrator handles PUT /v1/arbitrators/:address
func (h *Handler) UpdateArbitrator(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "isActive is required"})
		return
	}

	prof, err := h.registry.Update(c.Request.Context(), auth.Caller(c), Profile{
		Address:  c.Param("address"),
		IsActive: *req.IsActive,
	})
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"arbitrator": prof})
}

// GetArbitrator handles GET /v1/arbitrators/:address
func (h *Handler) GetArbitrator(c *gin.Context) {
	prof, err := h.registry.Get(c.Request.Context(), c.Param("address"))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"arbitrator": prof})
}

// ListArbitrators handles GET /v1/arbitrators?active=true&limit=50
func (h *Handler) ListArbitrators(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	activeOnly := c.Query("active") == "true"

	profiles, err := h.registry.List(c.Request.Context(), activeOnly, limit)
	if err != nil {
		h.mapError(c, err)
		return
	}
	if profiles == nil {
		profiles = []*Profile{}
	}
	c.JSON(http.StatusOK, gin.H{"arbitrators": profiles, "count": len(profiles)})
}

// PickArbitrator handles GET /v1/arbitrators/pick
func (h *Handler) PickArbitrator(c *gin.Context) {
	addr, err := h.registry.Pick(c.Request.Context())
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"arbitrator": addr})
}

// CheckStalled handles GET /v1/escrows/:id/stalled
func (h *Handler) CheckStalled(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "escrow id must be a positive integer"})
		return
	}
	e, err := h.escrows.Get(c.Request.Context(), id)
	if err != nil {
		h.mapError(c, err)
		return
	}
	now := h.escrows.Now()
	c.JSON(http.StatusOK, gin.H{
		"escrowId":  id,
		"stalled":   h.registry.CheckStalledEscrow(e, now),
		"checkedAt": now,
	})
}

func (h *Handler) mapError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("arbitration request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal_error", "message": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": apperr.Code(err), "message": err.Error()})
}
