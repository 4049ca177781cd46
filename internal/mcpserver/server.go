package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all demo tools registered.
func NewMCPServer(cfg Config, version string) *server.MCPServer {
	s := server.NewMCPServer("demoengine", version)
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolListDemos, h.HandleListDemos)
	s.AddTool(ToolStartDemo, h.HandleStartDemo)
	s.AddTool(ToolGetDemoState, h.HandleGetDemoState)
	s.AddTool(ToolSwitchRole, h.HandleSwitchRole)
	s.AddTool(ToolInvokeAction, h.HandleInvokeAction)
	s.AddTool(ToolConfirmTransaction, h.HandleConfirmTransaction)
	s.AddTool(ToolResetDemo, h.HandleResetDemo)
	s.AddTool(ToolGetAccount, h.HandleGetAccount)

	return s
}
