// Covenant MCP server - exposes escrow and relay operations as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/covenant/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	cfg := mcpserver.Config{
		APIURL:  envOrDefault("COVENANT_API_URL", "http://localhost:8080"),
		Token:   os.Getenv("COVENANT_TOKEN"),
		Address: os.Getenv("COVENANT_ADDRESS"),
	}

	if cfg.Token == "" {
		fmt.Fprintln(os.Stderr, "COVENANT_TOKEN is required")
		os.Exit(1)
	}
	if cfg.Address == "" {
		fmt.Fprintln(os.Stderr, "COVENANT_ADDRESS is required")
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
