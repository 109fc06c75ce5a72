package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to a covenant API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	Token   string // Bearer token whose subject is Address
	Address string // Caller address, e.g. "0x..."
}

// Client is a thin HTTP client for the covenant API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// -----------------------------------------------------------------------------
// Ledger
// -----------------------------------------------------------------------------

// GetBalances returns the caller's token balances.
func (c *Client) GetBalances(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/ledger/"+url.PathEscape(c.cfg.Address)+"/balances", nil, nil)
}

// -----------------------------------------------------------------------------
// Escrow
// -----------------------------------------------------------------------------

// CreateEscrowParams is the body of POST /v1/escrows. The depositor is
// always the configured address.
type CreateEscrowParams struct {
	Depositor   string     `json:"depositor"`
	Beneficiary string     `json:"beneficiary"`
	Token       string     `json:"token"`
	Amount      string     `json:"amount"`
	Signers     []string   `json:"signers"`
	Threshold   int        `json:"threshold"`
	ReleaseTime *time.Time `json:"releaseTime,omitempty"`
	RefundTime  *time.Time `json:"refundTime,omitempty"`
	Arbitrator  string     `json:"arbitrator,omitempty"`
}

// CreateEscrow locks the caller's funds in a new escrow.
func (c *Client) CreateEscrow(ctx context.Context, p CreateEscrowParams) (json.RawMessage, error) {
	p.Depositor = c.cfg.Address
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows", nil, p)
}

// GetEscrow returns one escrow.
func (c *Client) GetEscrow(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, escrowPath(id, ""), nil, nil)
}

// ListEscrows returns escrows the caller is a party to.
func (c *Client) ListEscrows(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/parties/"+url.PathEscape(c.cfg.Address)+"/escrows", q, nil)
}

// ApproveEscrow records the caller's approval.
func (c *Client) ApproveEscrow(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, escrowPath(id, "/approve"), nil, map[string]string{})
}

// SettleEscrow performs release, refund or cancel.
func (c *Client) SettleEscrow(ctx context.Context, id uint64, action string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, escrowPath(id, "/"+action), nil, nil)
}

// DisputeEscrow moves the escrow to arbitration.
func (c *Client) DisputeEscrow(ctx context.Context, id uint64, reason string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, escrowPath(id, "/dispute"), nil, map[string]string{"reason": reason})
}

// ResolveEscrow records the arbitrator's ruling, "release" or "refund".
func (c *Client) ResolveEscrow(ctx context.Context, id uint64, outcome string) (json.RawMessage, error) {
	ruling := map[string]string{
		"release": "release_to_beneficiary",
		"refund":  "refund_to_depositor",
	}[outcome]
	if ruling == "" {
		ruling = outcome
	}
	return c.doRequest(ctx, http.MethodPost, escrowPath(id, "/resolve"), nil, map[string]string{"outcome": ruling})
}

// ListArbitrators returns registered arbitrators.
func (c *Client) ListArbitrators(ctx context.Context, activeOnly bool) (json.RawMessage, error) {
	q := url.Values{}
	if activeOnly {
		q.Set("active", "true")
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/arbitrators", q, nil)
}

func escrowPath(id uint64, suffix string) string {
	return "/v1/escrows/" + strconv.FormatUint(id, 10) + suffix
}

// -----------------------------------------------------------------------------
// Relay
// -----------------------------------------------------------------------------

// SendPacketParams is the body of POST /v1/packets. Byte fields are 0x-hex.
type SendPacketParams struct {
	SourceDomain      uint32 `json:"sourceDomain"`
	DestinationDomain uint32 `json:"destinationDomain"`
	Sender            string `json:"sender"`
	Recipient         string `json:"recipient"`
	Payload           string `json:"payload"`
	TimeoutSeconds    uint64 `json:"timeoutSeconds,omitempty"`
}

// SendPacket submits a packet for relay.
func (c *Client) SendPacket(ctx context.Context, p SendPacketParams) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/packets", nil, p)
}

// GetPacket returns one packet.
func (c *Client) GetPacket(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, packetPath(id, ""), nil, nil)
}

// GetReceipt returns the delivery receipt of a packet.
func (c *Client) GetReceipt(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, packetPath(id, "/receipt"), nil, nil)
}

// DeliverPacket reports a successful delivery.
func (c *Client) DeliverPacket(ctx context.Context, id, gasUsed uint64, result string) (json.RawMessage, error) {
	body := map[string]any{"gasUsed": gasUsed}
	if result != "" {
		body["result"] = result
	}
	return c.doRequest(ctx, http.MethodPost, packetPath(id, "/deliver"), nil, body)
}

// FailPacket reports a failed delivery attempt.
func (c *Client) FailPacket(ctx context.Context, id uint64, reason string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, packetPath(id, "/fail"), nil, map[string]string{"reason": reason})
}

// RetryPacket re-queues a failed or timed-out packet.
func (c *Client) RetryPacket(ctx context.Context, id uint64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, packetPath(id, "/retry"), nil, nil)
}

func packetPath(id uint64, suffix string) string {
	return "/v1/packets/" + strconv.FormatUint(id, 10) + suffix
}
