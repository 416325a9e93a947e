// ABOUTME: MCP server subcommand
// ABOUTME: Serves the sync tools over stdio for desktop assistants
package cli

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prokopsimek/pmcrm-sub000/handlers"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the MCP server on stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app.Logger.Info("starting MCP server", zap.String("user_id", app.Config.User.ID))
		server := handlers.NewServer(app.Engine, app.Store, app.Config.User.ID, Version)
		return server.Run(cmd.Context(), &mcp.StdioTransport{})
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
