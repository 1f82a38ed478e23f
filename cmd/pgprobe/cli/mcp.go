package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgprobe/pgprobe/internal/action"
	pmcp "github.com/pgprobe/pgprobe/internal/mcp"
	"github.com/pgprobe/pgprobe/internal/pgclient"
	"github.com/pgprobe/pgprobe/internal/relation"
	"github.com/pgprobe/pgprobe/internal/writer"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that exposes the operator actions
as tools for AI agents. Supports stdio (default) and HTTP transports.

In stdio mode, the MCP server communicates over stdin/stdout using JSON-RPC,
suitable for direct integration with Claude Desktop or other MCP clients.

In HTTP mode, the server listens on the specified port for streamable HTTP
connections.`,
		Example: `  pgprobe mcp                              # stdio mode (for Claude Desktop)
  pgprobe mcp --transport http --port 3001 # HTTP mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(transport, port)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport mode: stdio or http")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port (only used with --transport http)")

	return cmd
}

func runMCP(transport string, port int) error {
	// Logs go to stderr so stdio transport stays clean.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	store, err := openConfigStore()
	if err != nil {
		return fmt.Errorf("init config store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()

	rels, err := store.ListRelations(ctx)
	if err != nil {
		logger.Warn("failed to load relations", "error", err)
	}
	registry := relation.NewRegistry()
	registry.Load(rels)

	cfg := loadEffectiveConfig()
	w := writer.New(writer.Config{
		SleepInterval:  parseDuration(cfg.Writer.SleepInterval, 0),
		AttemptTimeout: parseDuration(cfg.Writer.AttemptTimeout, 10*time.Second),
		StallInterval:  parseDuration(cfg.Writer.StallInterval, 30*time.Second),
	}, pgclient.Open, logger)
	runner := action.NewRunner(store, registry, w, pgclient.Open, logger)

	if err := runner.ResumeIfRunning(ctx); err != nil {
		logger.Error("failed to resume continuous writes", "error", err)
	}

	mcpSrv := pmcp.NewMCPServer(runner, registry, store, logger)

	switch transport {
	case "stdio":
		return mcpSrv.ServeStdio()
	case "http":
		addr := fmt.Sprintf(":%d", port)
		logger.Info("starting MCP HTTP server", "addr", addr)
		return mcpSrv.ServeHTTP(addr)
	default:
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}
}
