package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all detector tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("geoanomaly", "1.0.0")
	client := NewDetectorClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolScoreTransaction, h.HandleScoreTransaction)
	s.AddTool(ToolGetProfile, h.HandleGetProfile)
	s.AddTool(ToolBuildProfile, h.HandleBuildProfile)
	s.AddTool(ToolListAssessments, h.HandleListAssessments)
	s.AddTool(ToolRunDecaySweep, h.HandleRunDecaySweep)

	return s
}
