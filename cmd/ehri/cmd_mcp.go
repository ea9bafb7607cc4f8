package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/dumbbond/ehri-rest/internal/graph"
	ehrimcp "github.com/dumbbond/ehri-rest/internal/mcp"
)

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP (Model Context Protocol) server over stdio",
		Long: `Starts an MCP JSON-RPC 2.0 server that reads from stdin and writes to stdout.
All diagnostic logs go to stderr so that stdout remains exclusively MCP protocol traffic.

Tools exposed:
  list_events       recent events from the global stream
  item_history      events recorded against one item
  user_actions      actions performed by one user
  check_permission  permission check on an item or content type
  versions          prior versions of an item

If the graph cannot be opened at startup the server still starts;
individual tool calls will return MCP error responses.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger()

			var st graph.Store
			opened, closeStore, storeErr := newStore(cmd.Context(), logger)
			if storeErr != nil {
				// Continue with a nil store; tool calls report the failure.
				logger.Error("mcp: failed to open graph; tool calls will fail", "error", storeErr)
			} else {
				st = opened
				defer closeStore()
			}

			srv := ehrimcp.NewServer(st, logger, ehrimcp.Options{
				AdminGroup:     cfg.ACL.AdminGroup,
				Aggregation:    defaultAggregation(),
				MaxAggregation: cfg.Events.MaxAggregation,
			})

			// Use a standard log.Logger pointing at stderr for the mcp-go error logger.
			errLogger := log.New(os.Stderr, "mcp: ", log.LstdFlags)

			logger.Info("mcp: ehri MCP server starting", "transport", "stdio")

			return mcpserver.ServeStdio(
				srv.MCPServer(),
				mcpserver.WithErrorLogger(errLogger),
			)
		},
	}

	return cmd
}
