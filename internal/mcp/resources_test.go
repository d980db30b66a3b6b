package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/storage"
)

func TestParseConversationURI(t *testing.T) {
	tests := []struct {
		name      string
		uri       string
		wantID    string
		wantError bool
	}{
		{name: "simple id", uri: "kokoro://conversations/conv-1", wantID: "conv-1"},
		{name: "uuid id", uri: "kokoro://conversations/6f1c2a7e-2b1d-4c8e-9a43-0e6f3b9d2c11", wantID: "6f1c2a7e-2b1d-4c8e-9a43-0e6f3b9d2c11"},
		{name: "empty id", uri: "kokoro://conversations/", wantError: true},
		{name: "nested path", uri: "kokoro://conversations/a/b", wantError: true},
		{name: "wrong prefix", uri: "other://conversations/a", wantError: true},
		{name: "empty string", uri: "", wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := parseConversationURI(tt.uri)
			if tt.wantError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid conversation URI")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func resourceText(t *testing.T, contents []mcplib.ResourceContents) string {
	t.Helper()
	require.Len(t, contents, 1)
	tc, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok, "expected TextResourceContents")
	assert.Equal(t, "application/json", tc.MIMEType)
	return tc.Text
}

func TestModulesResource(t *testing.T) {
	srv := newTestServer(t)
	contents, err := srv.handleModules(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: modulesURI},
	})
	require.NoError(t, err)

	var mods []model.ModuleDefinition
	require.NoError(t, json.Unmarshal([]byte(resourceText(t, contents)), &mods))
	assert.Len(t, mods, srv.svc.Catalog().ModuleCatalog().Len())
}

func TestQuestionnairesResource(t *testing.T) {
	srv := newTestServer(t)
	contents, err := srv.handleQuestionnaires(context.Background(), mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: questionnairesURI},
	})
	require.NoError(t, err)

	var qs []model.QuestionnaireDefinition
	require.NoError(t, json.Unmarshal([]byte(resourceText(t, contents)), &qs))
	ids := make([]string, 0, len(qs))
	for _, q := range qs {
		ids = append(ids, q.ID)
	}
	assert.Contains(t, ids, "pss_5")
}

func TestConversationResource(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	_, err := srv.handleConversationResource(ctx, mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "kokoro://conversations/conv-r"},
	})
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = srv.svc.ProcessTurn(ctx, "conv-r", "I'm anxious about work", time.Time{})
	require.NoError(t, err)

	contents, err := srv.handleConversationResource(ctx, mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "kokoro://conversations/conv-r"},
	})
	require.NoError(t, err)
	var conv model.Conversation
	require.NoError(t, json.Unmarshal([]byte(resourceText(t, contents)), &conv))
	assert.Equal(t, "conv-r", conv.ID)
	assert.Equal(t, 1, conv.Aggregates.TotalTurns)
}
