package ledger

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/covenant/internal/apperr"
	"github.com/mbd888/covenant/internal/idgen"
	"github.com/mbd888/covenant/internal/validation"
)

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up read-only ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ledger/:address/balances", validation.AddressParamMiddleware(), h.GetBalances)
	r.GET("/ledger/:address/history", validation.AddressParamMiddleware(), h.GetHistory)
}

// RegisterDevRoutes exposes unbacked funding. Only mounted in development.
func (h *Handler) RegisterDevRoutes(r *gin.RouterGroup) {
	r.POST("/ledger/deposits", h.Deposit)
}

// DepositRequest funds an address in development.
type DepositRequest struct {
	Address   string `json:"address" binding:"required"`
	Token     string `json:"token" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// Deposit handles POST /ledger/deposits
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("address", req.Address),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	amount := decimal.RequireFromString(req.Amount)
	if req.Reference == "" {
		req.Reference = idgen.WithPrefix("dep_")
	}
	if err := h.ledger.Deposit(c.Request.Context(), req.Address, req.Token, amount, req.Reference); err != nil {
		h.mapError(c, err)
		return
	}

	bal, err := h.ledger.GetBalance(c.Request.Context(), req.Address, req.Token)
	if err != nil {
		h.mapError(c, err)
		return
	}
	h.logger.Info("development deposit", "address", bal.Address, "token", bal.Token, "amount", amount.String())
	c.JSON(http.StatusCreated, gin.H{"balance": bal, "reference": req.Reference})
}

// GetBalances handles GET /ledger/:address/balances
func (h *Handler) GetBalances(c *gin.Context) {
	balances, err := h.ledger.Balances(c.Request.Context(), c.Param("address"))
	if err != nil {
		h.mapError(c, err)
		return
	}
	if balances == nil {
		balances = []*Balance{}
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

// GetHistory handles GET /ledger/:address/history
func (h *Handler) GetHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.ledger.GetHistory(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		h.mapError(c, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *Handler) mapError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("ledger request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal_error", "message": "Ledger operation failed"})
		return
	}
	c.JSON(status, gin.H{"error": apperr.Code(err), "message": err.Error()})
}
