package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prokopsimek/pmcrm-sub000/models"
)

func readResource(h *ResourceHandlers, uri string) (*mcp.ReadResourceResult, error) {
	return h.ReadResource(context.Background(), &mcp.ReadResourceRequest{
		Params: &mcp.ReadResourceParams{URI: uri},
	})
}

func TestReadIntegrationsResource(t *testing.T) {
	f := newFixture(t)
	h := NewResourceHandlers(f.store, testUser)

	res, err := readResource(h, "pmcrm://integrations")
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.Equal(t, "application/json", res.Contents[0].MIMEType)

	var listed []integrationResource
	require.NoError(t, json.Unmarshal([]byte(res.Contents[0].Text), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, f.integration.ID, listed[0].ID)
	assert.Equal(t, string(models.StrategyLastWriteWins), listed[0].Strategy)
}

func TestReadConflictsResource(t *testing.T) {
	f := newFixture(t)
	h := NewResourceHandlers(f.store, testUser)

	res, err := readResource(h, "pmcrm://integrations/"+f.integration.ID+"/conflicts")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", res.Contents[0].Text)
}

func TestReadResourceRejectsUnknownURIs(t *testing.T) {
	f := newFixture(t)
	other := &models.Integration{UserID: "user-2", Provider: models.ProviderGoogle}
	require.NoError(t, f.store.CreateIntegration(context.Background(), other))
	h := NewResourceHandlers(f.store, testUser)

	for _, uri := range []string{
		"crm://contacts",
		"pmcrm://contacts",
		"pmcrm://integrations/" + other.ID + "/conflicts",
		"pmcrm://integrations/missing/conflicts",
	} {
		_, err := readResource(h, uri)
		assert.Error(t, err, uri)
	}
}
