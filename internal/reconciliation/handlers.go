package reconciliation

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes an on-demand reconciliation run.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterProtectedRoutes sets up auth-required reconciliation routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.Reconcile)
}

// Reconcile handles GET /v1/reconciliation
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.service.Check(c.Request.Context())
	if err != nil {
		h.logger.Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Mismatches == 0})
}
