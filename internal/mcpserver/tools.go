package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the covenant MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your ledger balances on covenant. "+
			"Shows available funds per token and lifetime totals in and out."),
)

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Lock your funds in a multi-signature escrow for a beneficiary. "+
			"Funds are released to the beneficiary once enough signers approve (and the release time, if any, has passed), "+
			"or returned to you after the refund time. An arbitrator settles disputes."),
	mcp.WithString("beneficiary",
		mcp.Required(),
		mcp.Description("Address that receives the funds on release (e.g. '0x1234...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount to lock (e.g. '12.50')")),
	mcp.WithString("token",
		mcp.Description("Token symbol (default 'USDC')")),
	mcp.WithString("signers",
		mcp.Required(),
		mcp.Description("Comma-separated signer addresses whose approvals count toward the threshold")),
	mcp.WithNumber("threshold",
		mcp.Required(),
		mcp.Description("Number of distinct signer approvals required for release")),
	mcp.WithString("release_time",
		mcp.Description("Earliest release time, RFC 3339 (e.g. '2026-06-01T00:00:00Z')")),
	mcp.WithString("refund_time",
		mcp.Description("Time after which you can reclaim the funds, RFC 3339. Must not be before release_time.")),
	mcp.WithString("arbitrator",
		mcp.Description("Arbitrator address. If omitted, an active arbitrator is picked from the registry.")),
)

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription("Get the current state of an escrow, including its status and approval count."),
	mcp.WithNumber("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID returned by create_escrow")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription("List escrows where you are the depositor, beneficiary, signer or arbitrator, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
)

var ToolApproveEscrow = mcp.NewTool("approve_escrow",
	mcp.WithDescription(
		"Approve an escrow as one of its signers. Each signer counts once; approving twice is an error."),
	mcp.WithNumber("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID to approve")),
)

var ToolSettleEscrow = mcp.NewTool("settle_escrow",
	mcp.WithDescription(
		"Settle a pending escrow. 'release' pays the beneficiary once the approval threshold and release time are met. "+
			"'refund' returns funds to the depositor after the refund time. "+
			"'cancel' returns funds to the depositor while no signer has approved."),
	mcp.WithNumber("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID to settle")),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("Settlement action"),
		mcp.Enum("release", "refund", "cancel")),
)

var ToolDisputeEscrow = mcp.NewTool("dispute_escrow",
	mcp.WithDescription(
		"Dispute a pending escrow so its arbitrator decides the outcome. "+
			"Only the depositor or beneficiary can dispute."),
	mcp.WithNumber("escrow_id",
		mcp.Required(),
		mcp.Description("Escrow ID to dispute")),
	mcp.WithString("reason",
		mcp.Description("Why the escrow is disputed")),
)

var ToolResolveEscrow = mcp.NewTool("resolve_escrow",
	mcp.WithDescription(
		"Resolve a disputed escrow as its arbitrator. 'release' pays the beneficiary, 'refund' returns funds to the depositor."),
	mcp.WithNumber("escrow_id",
		mcp.Required(),
		mcp.Description("Disputed escrow ID")),
	mcp.WithString("outcome",
		mcp.Required(),
		mcp.Description("Ruling"),
		mcp.Enum("release", "refund")),
)

var ToolListArbitrators = mcp.NewTool("list_arbitrators",
	mcp.WithDescription("Browse registered arbitrators with their reputation scores and resolution counts."),
	mcp.WithBoolean("active_only",
		mcp.Description("Only return arbitrators currently accepting escrows (default true)")),
)

var ToolSendPacket = mcp.NewTool("send_packet",
	mcp.WithDescription(
		"Send a packet from a source domain to a destination domain through the relay. "+
			"The packet must be delivered before its timeout or it times out and can be retried."),
	mcp.WithNumber("source_domain",
		mcp.Required(),
		mcp.Description("Numeric ID of the origin domain")),
	mcp.WithNumber("destination_domain",
		mcp.Required(),
		mcp.Description("Numeric ID of the target domain")),
	mcp.WithString("sender",
		mcp.Required(),
		mcp.Description("Sender address on the source domain, 0x-hex")),
	mcp.WithString("recipient",
		mcp.Required(),
		mcp.Description("Recipient address on the destination domain, 0x-hex")),
	mcp.WithString("payload",
		mcp.Required(),
		mcp.Description("Payload bytes, 0x-hex")),
	mcp.WithNumber("timeout_seconds",
		mcp.Description("Delivery window in seconds (server default if omitted)")),
)

var ToolGetPacket = mcp.NewTool("get_packet",
	mcp.WithDescription("Get a relayed packet's status and, if delivered, its receipt."),
	mcp.WithNumber("packet_id",
		mcp.Required(),
		mcp.Description("Packet ID returned by send_packet")),
)

var ToolReportPacket = mcp.NewTool("report_packet",
	mcp.WithDescription(
		"Report the outcome of a delivery attempt as a relayer. "+
			"'deliver' records a receipt (exactly once per packet), 'fail' marks the attempt failed, "+
			"'retry' re-queues a failed or timed-out packet with a fresh timeout."),
	mcp.WithNumber("packet_id",
		mcp.Required(),
		mcp.Description("Packet ID")),
	mcp.WithString("outcome",
		mcp.Required(),
		mcp.Description("What happened"),
		mcp.Enum("deliver", "fail", "retry")),
	mcp.WithNumber("gas_used",
		mcp.Description("Gas consumed on the destination domain (deliver only)")),
	mcp.WithString("result",
		mcp.Description("Execution result, 0x-hex (deliver only)")),
	mcp.WithString("reason",
		mcp.Description("Failure reason (fail only)")),
)
