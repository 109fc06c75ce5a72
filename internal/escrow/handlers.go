package escrow

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/covenant/internal/apperr"
	"github.com/mbd888/covenant/internal/auth"
	"github.com/mbd888/covenant/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/approvals", h.ListApprovals)
	r.GET("/parties/:address/escrows", validation.AddressParamMiddleware(), h.ListEscrows)
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/approve", h.ApproveEscrow)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
	r.POST("/escrows/:id/cancel", h.CancelEscrow)
	r.POST("/escrows/:id/dispute", h.DisputeEscrow)
	r.POST("/escrows/:id/resolve", h.ResolveEscrow)
}

// CreateEscrowRequest is the JSON body of POST /escrows.
type CreateEscrowRequest struct {
	Depositor   string     `json:"depositor" binding:"required"`
	Beneficiary string     `json:"beneficiary" binding:"required"`
	Token       string     `json:"token" binding:"required"`
	Amount      string     `json:"amount" binding:"required"`
	Signers     []string   `json:"signers" binding:"required"`
	Threshold   int        `json:"threshold" binding:"required"`
	ReleaseTime *time.Time `json:"releaseTime"`
	RefundTime  *time.Time `json:"refundTime"`
	Arbitrator  string     `json:"arbitrator"`
}

// ApproveRequest names the approving signer; it defaults to the caller.
type ApproveRequest struct {
	Signer string `json:"signer"`
}

// DisputeRequest contains the parameters for disputing an escrow.
type DisputeRequest struct {
	Reason string `json:"reason"`
}

// ResolveRequest carries the arbitrator's ruling.
type ResolveRequest struct {
	Outcome Outcome `json:"outcome" binding:"required"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("depositor", req.Depositor),
		validation.ValidAddress("beneficiary", req.Beneficiary),
		validation.ValidAddress("arbitrator", req.Arbitrator),
		validation.ValidAddresses("signers", req.Signers),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), auth.Caller(c), CreateRequest{
		Depositor:   req.Depositor,
		Beneficiary: req.Beneficiary,
		Token:       req.Token,
		Amount:      decimal.RequireFromString(req.Amount),
		Signers:     req.Signers,
		Threshold:   req.Threshold,
		ReleaseTime: req.ReleaseTime,
		RefundTime:  req.RefundTime,
		Arbitrator:  req.Arbitrator,
	})
	if err != nil {
		h.mapError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	escrow, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListApprovals handles GET /v1/escrows/:id/approvals
func (h *Handler) ListApprovals(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	approvals, err := h.service.Approvals(c.Request.Context(), id)
	if err != nil {
		h.mapError(c, err)
		return
	}
	if approvals == nil {
		approvals = []*Approval{}
	}
	c.JSON(http.StatusOK, gin.H{"approvals": approvals, "count": len(approvals)})
}

// ListEscrows handles GET /v1/parties/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	escrows, err := h.service.ListByParty(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		h.mapError(c, err)
		return
	}
	if escrows == nil {
		escrows = []*Escrow{}
	}
	c.JSON(http.StatusOK, gin.H{"escrows": escrows, "count": len(escrows)})
}

// ApproveEscrow handles POST /v1/escrows/:id/approve
func (h *Handler) ApproveEscrow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req ApproveRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}
	caller := auth.Caller(c)
	if req.Signer == "" {
		req.Signer = caller
	}

	count, err := h.service.Approve(c.Request.Context(), id, caller, req.Signer)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrowId": id, "approvalCount": count})
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	h.terminal(c, h.service.Release)
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	h.terminal(c, h.service.Refund)
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	h.terminal(c, h.service.Cancel)
}

func (h *Handler) terminal(c *gin.Context, op func(ctx context.Context, id uint64, caller string) (*Escrow, error)) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	escrow, err := op(c.Request.Context(), id, auth.Caller(c))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req DisputeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}

	escrow, err := h.service.Dispute(c.Request.Context(), id, auth.Caller(c), []byte(req.Reason))
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ResolveEscrow handles POST /v1/escrows/:id/resolve
func (h *Handler) ResolveEscrow(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "outcome is required"})
		return
	}

	escrow, err := h.service.Resolve(c.Request.Context(), id, auth.Caller(c), req.Outcome)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "escrow id must be a positive integer"})
		return 0, false
	}
	return id, true
}

// mapError maps service errors to HTTP responses.
func (h *Handler) mapError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("escrow request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal_error", "message": "Escrow operation failed"})
		return
	}
	c.JSON(status, gin.H{"error": apperr.Code(err), "message": err.Error()})
}
