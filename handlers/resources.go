// ABOUTME: MCP resource handlers for sync state
// ABOUTME: Provides read-only access to integrations and their pending conflicts via pmcrm:// URIs
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/prokopsimek/pmcrm-sub000/models"
)

const resourceScheme = "pmcrm://"

type ResourceHandlers struct {
	store  SyncStore
	userID string
}

func NewResourceHandlers(store SyncStore, userID string) *ResourceHandlers {
	return &ResourceHandlers{store: store, userID: userID}
}

// ReadResource handles resource read requests
func (h *ResourceHandlers) ReadResource(ctx context.Context, request *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := request.Params.URI
	if !strings.HasPrefix(uri, resourceScheme) {
		return nil, fmt.Errorf("invalid URI scheme: expected %s", resourceScheme)
	}

	parts := strings.Split(strings.TrimPrefix(uri, resourceScheme), "/")
	switch {
	case len(parts) == 1 && parts[0] == "integrations":
		return h.readIntegrations(ctx, uri)
	case len(parts) == 3 && parts[0] == "integrations" && parts[2] == "conflicts":
		return h.readConflicts(ctx, uri, parts[1])
	}
	return nil, fmt.Errorf("unknown resource: %s", uri)
}

type integrationResource struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	Strategy  string `json:"strategy"`
	WriteBack bool   `json:"write_back"`
}

func (h *ResourceHandlers) readIntegrations(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	integrations, err := h.store.ListIntegrations(ctx, h.userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch integrations: %w", err)
	}
	out := make([]integrationResource, len(integrations))
	for i, in := range integrations {
		out[i] = integrationResource{ID: in.ID, Provider: in.Provider, Strategy: string(in.Strategy), WriteBack: in.WriteBack}
	}
	return jsonResource(uri, out)
}

func (h *ResourceHandlers) readConflicts(ctx context.Context, uri, integrationID string) (*mcp.ReadResourceResult, error) {
	integration, err := h.store.GetIntegration(ctx, integrationID)
	if err != nil || integration.UserID != h.userID {
		return nil, fmt.Errorf("unknown resource: %s", uri)
	}
	conflicts, err := h.store.ListConflicts(ctx, integrationID, models.ConflictPending)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conflicts: %w", err)
	}
	out := make([]ConflictOutput, len(conflicts))
	for i, c := range conflicts {
		out[i] = conflictToOutput(c)
	}
	return jsonResource(uri, out)
}

func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}
	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{
		{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}}, nil
}
