// Package mcpserver exposes the escrow and relay APIs as MCP tools so an
// LLM agent can hold funds in escrow and relay packets on a user's behalf.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all covenant tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("covenant", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolCreateEscrow, h.HandleCreateEscrow)
	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolApproveEscrow, h.HandleApproveEscrow)
	s.AddTool(ToolSettleEscrow, h.HandleSettleEscrow)
	s.AddTool(ToolDisputeEscrow, h.HandleDisputeEscrow)
	s.AddTool(ToolResolveEscrow, h.HandleResolveEscrow)
	s.AddTool(ToolListArbitrators, h.HandleListArbitrators)
	s.AddTool(ToolSendPacket, h.HandleSendPacket)
	s.AddTool(ToolGetPacket, h.HandleGetPacket)
	s.AddTool(ToolReportPacket, h.HandleReportPacket)

	return s
}
