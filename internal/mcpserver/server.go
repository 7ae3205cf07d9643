package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all gateway tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("tradenode", "1.0.0")
	h := NewHandlers(NewGatewayClient(cfg))

	s.AddTool(ToolBrowseListings, h.HandleBrowseListings)
	s.AddTool(ToolPurchase, h.HandlePurchase)
	s.AddTool(ToolGetOrder, h.HandleGetOrder)
	s.AddTool(ToolListOrders, h.HandleListOrders)
	s.AddTool(ToolConfirmOrder, h.HandleConfirmOrder)
	s.AddTool(ToolFulfillOrder, h.HandleFulfillOrder)
	s.AddTool(ToolCompleteOrder, h.HandleCompleteOrder)
	s.AddTool(ToolCancelOrder, h.HandleCancelOrder)
	s.AddTool(ToolOpenDispute, h.HandleOpenDispute)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolSpend, h.HandleSpend)

	return s
}
