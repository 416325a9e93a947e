// ABOUTME: MCP server assembly
// ABOUTME: Registers the sync tools and read-only resources on one server
package handlers

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/prokopsimek/pmcrm-sub000/sync"
)

// NewServer returns an MCP server exposing the engine to an assistant acting for userID.
func NewServer(engine *sync.Engine, store SyncStore, userID, version string) *mcp.Server {
	syncHandlers := NewSyncHandlers(engine, store, userID)
	resourceHandlers := NewResourceHandlers(store, userID)

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "pmcrm",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "start_import",
		Description: "Start a full contact import from a connected Google or Microsoft directory; returns a job id",
	}, syncHandlers.StartImport)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "job_status",
		Description: "Get progress counters and errors of an import or sync job",
	}, syncHandlers.JobStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cancel_job",
		Description: "Cancel a running import or sync job after its current batch",
	}, syncHandlers.CancelJob)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_integration",
		Description: "Apply directory changes since the last sync and wait for the result",
	}, syncHandlers.SyncIntegration)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "preview_import",
		Description: "Classify directory contacts as new or duplicate without writing anything",
	}, syncHandlers.PreviewImport)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "push_contact",
		Description: "Sync one local contact with every directory it is linked to",
	}, syncHandlers.PushContact)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_conflicts",
		Description: "List field conflicts of an integration that wait for review",
	}, syncHandlers.ListConflicts)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "resolve_conflicts",
		Description: "Resolve pending conflicts by keeping the local or remote side, or with a strategy",
	}, syncHandlers.ResolveConflicts)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "disconnect_integration",
		Description: "Remove all links and the sync cursor of an integration; contacts are kept",
	}, syncHandlers.Disconnect)

	server.AddResource(&mcp.Resource{
		URI:         resourceScheme + "integrations",
		Name:        "integrations",
		Description: "Connected directories with their conflict strategy",
		MIMEType:    "application/json",
	}, resourceHandlers.ReadResource)

	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: resourceScheme + "integrations/{id}/conflicts",
		Name:        "integration-conflicts",
		Description: "Pending conflicts of one integration",
		MIMEType:    "application/json",
	}, resourceHandlers.ReadResource)

	return server
}
