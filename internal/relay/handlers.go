package relay

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/covenant/internal/apperr"
	"github.com/mbd888/covenant/internal/validation"
)

// Handler provides HTTP endpoints for the packet relay.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new relay handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up public (read-only) relay routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/packets", h.ListPackets)
	r.GET("/packets/:id", h.GetPacket)
	r.GET("/packets/:id/receipt", h.GetReceipt)
}

// RegisterProtectedRoutes sets up auth-required relay routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/packets", h.SendPacket)
	r.POST("/packets/check-timeouts", h.CheckTimeouts)
	r.POST("/packets/:id/deliver", h.DeliverPacket)
	r.POST("/packets/:id/fail", h.FailPacket)
	r.POST("/packets/:id/retry", h.RetryPacket)
}

// SendPacketRequest is the JSON body of POST /packets. Byte fields are
// 0x-prefixed hex.
type SendPacketRequest struct {
	SourceDomain      uint32        `json:"sourceDomain"`
	DestinationDomain uint32        `json:"destinationDomain"`
	Sender            hexutil.Bytes `json:"sender" binding:"required"`
	Recipient         hexutil.Bytes `json:"recipient" binding:"required"`
	Payload           hexutil.Bytes `json:"payload" binding:"required"`
	TimeoutSeconds    *uint64       `json:"timeoutSeconds,omitempty"`
}

// DeliverPacketRequest reports a delivery from the destination domain.
type DeliverPacketRequest struct {
	GasUsed uint64        `json:"gasUsed"`
	Result  hexutil.Bytes `json:"result"`
}

// FailPacketRequest records why a delivery attempt failed.
type FailPacketRequest struct {
	Reason string `json:"reason"`
}

// SendPacket handles POST /v1/packets
func (h *Handler) SendPacket(c *gin.Context) {
	var req SendPacketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body: sender, recipient and payload are 0x-hex and required",
		})
		return
	}
	if errs := validation.Validate(
		validation.ByteLength("sender", req.Sender, 1, MaxAddressBytes),
		validation.ByteLength("recipient", req.Recipient, 1, MaxAddressBytes),
		validation.ByteLength("payload", req.Payload, 1, MaxPayloadBytes),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	var timeout *time.Duration
	if req.TimeoutSeconds != nil {
		if *req.TimeoutSeconds > uint64(MaxTimeout/time.Second) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "timeoutSeconds must not exceed " + strconv.FormatInt(int64(MaxTimeout/time.Second), 10),
			})
			return
		}
		d := time.Duration(*req.TimeoutSeconds) * time.Second
		timeout = &d
	}

	pkt, err := h.service.Send(c.Request.Context(), SendRequest{
		SourceDomain:      req.SourceDomain,
		DestinationDomain: req.DestinationDomain,
		Sender:            req.Sender,
		Recipient:         req.Recipient,
		Payload:           req.Payload,
		Timeout:           timeout,
	})
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"packet": pkt})
}

// GetPacket handles GET /v1/packets/:id
func (h *Handler) GetPacket(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	pkt, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"packet": pkt})
}

// GetReceipt handles GET /v1/packets/:id/receipt
func (h *Handler) GetReceipt(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	r, err := h.service.Receipt(c.Request.Context(), id)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": r})
}

// ListPackets handles GET /v1/packets?status=pending&limit=100
func (h *Handler) ListPackets(c *gin.Context) {
	status := Status(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": "unknown packet status"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	packets, err := h.service.List(c.Request.Context(), status, limit)
	if err != nil {
		h.mapError(c, err)
		return
	}
	if packets == nil {
		packets = []*Packet{}
	}
	c.JSON(http.StatusOK, gin.H{"packets": packets, "count": len(packets)})
}

// DeliverPacket handles POST /v1/packets/:id/deliver
func (h *Handler) DeliverPacket(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req DeliverPacketRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}

	r, err := h.service.Deliver(c.Request.Context(), id, req.GasUsed, req.Result)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": r})
}

// FailPacket handles POST /v1/packets/:id/fail
func (h *Handler) FailPacket(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req FailPacketRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}

	pkt, err := h.service.Fail(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"packet": pkt})
}

// RetryPacket handles POST /v1/packets/:id/retry
func (h *Handler) RetryPacket(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	pkt, err := h.service.Retry(c.Request.Context(), id)
	if err != nil {
		h.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"packet": pkt})
}

// CheckTimeouts handles POST /v1/packets/check-timeouts
func (h *Handler) CheckTimeouts(c *gin.Context) {
	ids, err := h.service.CheckTimeouts(c.Request.Context())
	if ids == nil {
		ids = []uint64{}
	}
	if err != nil {
		h.logger.Warn("timeout sweep incomplete", "error", err, "timedOut", len(ids))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     "internal_error",
			"message":   "Timeout sweep incomplete",
			"packetIds": ids,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"packetIds": ids, "count": len(ids)})
}

func parseID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "packet id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func (h *Handler) mapError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("relay request failed", "path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": "internal_error", "message": "Relay operation failed"})
		return
	}
	c.JSON(status, gin.H{"error": apperr.Code(err), "message": err.Error()})
}
