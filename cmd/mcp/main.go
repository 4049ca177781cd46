// Demo engine MCP server - lets an LLM walk through the escrow demos
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/trustlesswork/demoengine/internal/mcpserver"
	"github.com/trustlesswork/demoengine/internal/validation"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	cfg := mcpserver.Config{
		APIURL:        envOrDefault("DEMOENGINE_API_URL", "http://localhost:8080"),
		WalletAddress: os.Getenv("DEMOENGINE_WALLET_ADDRESS"),
		Network:       envOrDefault("DEMOENGINE_NETWORK", "testnet"),
	}

	if cfg.WalletAddress == "" {
		fmt.Fprintln(os.Stderr, "DEMOENGINE_WALLET_ADDRESS is required")
		os.Exit(1)
	}
	if !validation.IsValidWalletAddress(cfg.WalletAddress) {
		fmt.Fprintln(os.Stderr, "DEMOENGINE_WALLET_ADDRESS must be a Stellar public key (G...) or 0x address")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
