package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckBalance returns the caller's balances.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalances(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}
	text, err := formatBalances(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balances: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCreateEscrow locks funds in a new escrow.
func (h *Handlers) HandleCreateEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p := CreateEscrowParams{
		Beneficiary: req.GetString("beneficiary", ""),
		Amount:      req.GetString("amount", ""),
		Token:       req.GetString("token", "USDC"),
		Signers:     splitList(req.GetString("signers", "")),
		Threshold:   req.GetInt("threshold", 0),
		Arbitrator:  req.GetString("arbitrator", ""),
	}
	switch {
	case p.Beneficiary == "":
		return mcp.NewToolResultError("beneficiary is required"), nil
	case p.Amount == "":
		return mcp.NewToolResultError("amount is required"), nil
	case len(p.Signers) == 0:
		return mcp.NewToolResultError("signers is required"), nil
	case p.Threshold <= 0:
		return mcp.NewToolResultError("threshold must be at least 1"), nil
	}

	var err error
	if p.ReleaseTime, err = optionalTime(req.GetString("release_time", "")); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("release_time: %v", err)), nil
	}
	if p.RefundTime, err = optionalTime(req.GetString("refund_time", "")); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("refund_time: %v", err)), nil
	}

	raw, err := h.client.CreateEscrow(ctx, p)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Escrow creation failed: %v", err)), nil
	}
	e, err := parseEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s created.\n", getString(e, "id"))
	fmt.Fprintf(&sb, "Locked: %s %s for %s\n", getString(e, "amount"), getString(e, "token"), getString(e, "beneficiary"))
	fmt.Fprintf(&sb, "Approvals needed: %s of %d signers\n", getString(e, "threshold"), len(p.Signers))
	fmt.Fprintf(&sb, "Arbitrator: %s", getString(e, "arbitrator"))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetEscrow returns one escrow.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := requireID(req, "escrow_id")
	if !ok {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	raw, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	e, err := parseEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(formatEscrow(e)), nil
}

// HandleListEscrows lists the caller's escrows.
func (h *Handlers) HandleListEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListEscrows(ctx, req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}

	var resp struct {
		Escrows []map[string]any `json:"escrows"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrows: %v", err)), nil
	}
	if len(resp.Escrows) == 0 {
		return mcp.NewToolResultText("No escrows found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrows:\n", len(resp.Escrows))
	for _, e := range resp.Escrows {
		fmt.Fprintf(&sb, "\n#%s  %s  %s %s  approvals %s/%s",
			getString(e, "id"), getString(e, "status"),
			getString(e, "amount"), getString(e, "token"),
			getString(e, "approvalCount"), getString(e, "threshold"))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleApproveEscrow approves as the caller.
func (h *Handlers) HandleApproveEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := requireID(req, "escrow_id")
	if !ok {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	raw, err := h.client.ApproveEscrow(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Approval failed: %v", err)), nil
	}
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse approval: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Escrow %d approved. Approvals so far: %s", id, getString(resp, "approvalCount"))), nil
}

// HandleSettleEscrow releases, refunds or cancels an escrow.
func (h *Handlers) HandleSettleEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := requireID(req, "escrow_id")
	if !ok {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	action := req.GetString("action", "")
	switch action {
	case "release", "refund", "cancel":
	default:
		return mcp.NewToolResultError("action must be one of release, refund, cancel"), nil
	}

	raw, err := h.client.SettleEscrow(ctx, id, action)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Escrow %s failed: %v", action, err)), nil
	}
	e, err := parseEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Escrow %d is now %s.", id, getString(e, "status"))), nil
}

// HandleDisputeEscrow hands an escrow to its arbitrator.
func (h *Handlers) HandleDisputeEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := requireID(req, "escrow_id")
	if !ok {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	reason := req.GetString("reason", "")

	raw, err := h.client.DisputeEscrow(ctx, id, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}
	e, err := parseEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %d disputed.\n"+
			"Arbitrator %s will decide whether funds are released or refunded.",
		id, getString(e, "arbitrator"))), nil
}

// HandleResolveEscrow records an arbitrator's ruling.
func (h *Handlers) HandleResolveEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := requireID(req, "escrow_id")
	if !ok {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	outcome := req.GetString("outcome", "")
	if outcome != "release" && outcome != "refund" {
		return mcp.NewToolResultError("outcome must be release or refund"), nil
	}

	raw, err := h.client.ResolveEscrow(ctx, id, outcome)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Resolution failed: %v", err)), nil
	}
	e, err := parseEscrow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Escrow %d resolved: %s.", id, getString(e, "status"))), nil
}

// HandleListArbitrators lists registered arbitrators.
func (h *Handlers) HandleListArbitrators(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListArbitrators(ctx, req.GetBool("active_only", true))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list arbitrators: %v", err)), nil
	}

	var resp struct {
		Arbitrators []map[string]any `json:"arbitrators"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse arbitrators: %v", err)), nil
	}
	if len(resp.Arbitrators) == 0 {
		return mcp.NewToolResultText("No arbitrators registered."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d arbitrators:\n", len(resp.Arbitrators))
	for _, a := range resp.Arbitrators {
		active := "inactive"
		if v, _ := a["isActive"].(bool); v {
			active = "active"
		}
		fmt.Fprintf(&sb, "\n%s  reputation %s  resolved %s  %s",
			getString(a, "address"), getString(a, "reputationScore"), getString(a, "totalResolved"), active)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleSendPacket submits a packet to the relay.
func (h *Handlers) HandleSendPacket(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p := SendPacketParams{
		SourceDomain:      uint32(req.GetInt("source_domain", 0)),
		DestinationDomain: uint32(req.GetInt("destination_domain", 0)),
		Sender:            req.GetString("sender", ""),
		Recipient:         req.GetString("recipient", ""),
		Payload:           req.GetString("payload", ""),
	}
	if t := req.GetInt("timeout_seconds", 0); t > 0 {
		p.TimeoutSeconds = uint64(t)
	}
	for field, v := range map[string]string{"sender": p.Sender, "recipient": p.Recipient, "payload": p.Payload} {
		if !strings.HasPrefix(v, "0x") || len(v) < 4 {
			return mcp.NewToolResultError(field + " must be non-empty 0x-hex"), nil
		}
	}

	raw, err := h.client.SendPacket(ctx, p)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Send failed: %v", err)), nil
	}
	pkt, err := parseField(raw, "packet")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse packet: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Packet %s sent from domain %d to domain %d.\nDeliver before: %s",
		getString(pkt, "id"), p.SourceDomain, p.DestinationDomain, getString(pkt, "timeout"))), nil
}

// HandleGetPacket returns a packet and its receipt when delivered.
func (h *Handlers) HandleGetPacket(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := requireID(req, "packet_id")
	if !ok {
		return mcp.NewToolResultError("packet_id is required"), nil
	}
	raw, err := h.client.GetPacket(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get packet: %v", err)), nil
	}
	pkt, err := parseField(raw, "packet")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse packet: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Packet %s: %s\n", getString(pkt, "id"), getString(pkt, "status"))
	fmt.Fprintf(&sb, "Route: domain %s -> domain %s\n", getString(pkt, "sourceDomain"), getString(pkt, "destinationDomain"))
	fmt.Fprintf(&sb, "Retries: %s\n", getString(pkt, "retryCount"))
	if reason := getString(pkt, "failureReason"); reason != "" {
		fmt.Fprintf(&sb, "Last failure: %s\n", reason)
	}

	if getString(pkt, "status") == "delivered" {
		if rraw, err := h.client.GetReceipt(ctx, id); err == nil {
			if r, err := parseField(rraw, "receipt"); err == nil {
				fmt.Fprintf(&sb, "Delivered at %s using %s gas", getString(r, "deliveredAt"), getString(r, "gasUsed"))
			}
		}
	}
	return mcp.NewToolResultText(strings.TrimRight(sb.String(), "\n")), nil
}

// HandleReportPacket records a delivery, failure or retry.
func (h *Handlers) HandleReportPacket(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, ok := requireID(req, "packet_id")
	if !ok {
		return mcp.NewToolResultError("packet_id is required"), nil
	}

	var (
		raw json.RawMessage
		err error
	)
	outcome := req.GetString("outcome", "")
	switch outcome {
	case "deliver":
		gas := req.GetInt("gas_used", 0)
		if gas < 0 {
			return mcp.NewToolResultError("gas_used must not be negative"), nil
		}
		raw, err = h.client.DeliverPacket(ctx, id, uint64(gas), req.GetString("result", ""))
	case "fail":
		raw, err = h.client.FailPacket(ctx, id, req.GetString("reason", ""))
	case "retry":
		raw, err = h.client.RetryPacket(ctx, id)
	default:
		return mcp.NewToolResultError("outcome must be one of deliver, fail, retry"), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Packet %s failed: %v", outcome, err)), nil
	}

	if outcome == "deliver" {
		return mcp.NewToolResultText(fmt.Sprintf("Packet %d delivered. Receipt:\n%s", id, formatJSON(raw))), nil
	}
	pkt, err := parseField(raw, "packet")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse packet: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Packet %d is now %s (retries: %s).", id, getString(pkt, "status"), getString(pkt, "retryCount"))), nil
}

// --- Formatting helpers ---

func requireID(req mcp.CallToolRequest, key string) (uint64, bool) {
	id := req.GetInt(key, 0)
	if id <= 0 {
		return 0, false
	}
	return uint64(id), true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func optionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("expected RFC 3339 time: %w", err)
	}
	return &t, nil
}

func parseEscrow(raw json.RawMessage) (map[string]any, error) {
	return parseField(raw, "escrow")
}

func parseField(raw json.RawMessage, key string) (map[string]any, error) {
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	inner, ok := resp[key]
	if !ok {
		return nil, fmt.Errorf("response has no %q", key)
	}
	var m map[string]any
	if err := json.Unmarshal(inner, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func formatEscrow(e map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %s: %s\n", getString(e, "id"), getString(e, "status"))
	fmt.Fprintf(&sb, "Amount: %s %s\n", getString(e, "amount"), getString(e, "token"))
	fmt.Fprintf(&sb, "Depositor: %s\n", getString(e, "depositor"))
	fmt.Fprintf(&sb, "Beneficiary: %s\n", getString(e, "beneficiary"))
	fmt.Fprintf(&sb, "Approvals: %s of %s\n", getString(e, "approvalCount"), getString(e, "threshold"))
	if t := getString(e, "releaseTime"); t != "" {
		fmt.Fprintf(&sb, "Release after: %s\n", t)
	}
	if t := getString(e, "refundTime"); t != "" {
		fmt.Fprintf(&sb, "Refund after: %s\n", t)
	}
	fmt.Fprintf(&sb, "Arbitrator: %s", getString(e, "arbitrator"))
	return sb.String()
}

func formatBalances(raw json.RawMessage) (string, error) {
	var resp struct {
		Balances []map[string]any `json:"balances"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Balances) == 0 {
		return "No balances yet.", nil
	}

	var sb strings.Builder
	sb.WriteString("Balances:\n")
	for _, b := range resp.Balances {
		fmt.Fprintf(&sb, "\n%s: %s available (in %s, out %s)",
			getString(b, "token"), getString(b, "available"), getString(b, "totalIn"), getString(b, "totalOut"))
	}
	return sb.String(), nil
}

// formatJSON pretty-prints raw JSON, falling back to the raw string.
func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString renders a JSON value as text; numbers print without exponent.
func getString(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		return ""
	}
}
