package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kokoro/internal/catalog"
	"github.com/ashita-ai/kokoro/internal/mcp"
	"github.com/ashita-ai/kokoro/internal/model"
	"github.com/ashita-ai/kokoro/internal/server"
	"github.com/ashita-ai/kokoro/internal/service/turns"
	"github.com/ashita-ai/kokoro/internal/storage"
	"github.com/ashita-ai/kokoro/internal/testutil"
	"github.com/ashita-ai/kokoro/migrations"
)

var testSrv *httptest.Server

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	logger := testutil.TestLogger()

	dir, err := os.MkdirTemp("", "kokoro-server-test")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		return 1
	}
	defer func() { _ = os.RemoveAll(dir) }()

	store, err := storage.OpenSQLite(ctx, filepath.Join(dir, "kokoro.db"), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open sqlite: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()
	if err := store.RunMigrations(ctx, migrations.SQLite()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		return 1
	}

	cat, err := catalog.Default()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load catalog: %v\n", err)
		return 1
	}
	svc, err := turns.New(store, cat, nil, turns.DefaultConfig(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create service: %v\n", err)
		return 1
	}

	mcpSrv := mcp.New(svc, logger, "test")
	srv := server.New(server.ServerConfig{
		Service:             svc,
		Store:               store,
		StoreName:           "sqlite",
		Logger:              logger,
		MCPServer:           mcpSrv.MCPServer(),
		Version:             "test",
		MaxRequestBodyBytes: 64 * 1024,
	})
	testSrv = httptest.NewServer(srv.Handler())
	defer testSrv.Close()

	return m.Run()
}

func newID() string {
	return "conv-" + uuid.NewString()
}

func doJSON(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, testSrv.URL+path, bodyReader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeData(t *testing.T, data []byte, v any) {
	t.Helper()
	env := struct {
		Data json.RawMessage `json:"data"`
	}{}
	require.NoError(t, json.Unmarshal(data, &env), "body: %s", data)
	require.NoError(t, json.Unmarshal(env.Data, v), "data: %s", env.Data)
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(data, &apiErr), "body: %s", data)
	return apiErr.Error.Code
}

func TestHealthEndpoint(t *testing.T) {
	resp, data := doJSON(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health model.HealthResponse
	decodeData(t, data, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "sqlite", health.Store)
	assert.Equal(t, "test", health.Version)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestRequestIDEchoed(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, testSrv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
}

func TestTurnStrongRisk(t *testing.T) {
	id := newID()
	resp, data := doJSON(t, http.MethodPost, "/v1/turns", model.TurnRequest{
		ConversationID: id,
		Text:           "I don't want to live anymore",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var result turns.TurnResult
	decodeData(t, data, &result)
	assert.Equal(t, id, result.ConversationID)
	assert.Equal(t, 1, result.Turn)
	assert.Equal(t, model.RiskStrong, result.Risk.Level)
	assert.True(t, result.Risk.AlertDue)
	require.NotNil(t, result.Risk.CooldownUntil)

	resp, data = doJSON(t, http.MethodGet, "/v1/conversations/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var conv model.Conversation
	decodeData(t, data, &conv)
	assert.Equal(t, 1, conv.Aggregates.TotalTurns)
	assert.Len(t, conv.Messages, 1)
}

func TestTurnTimestamp(t *testing.T) {
	id := newID()
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	resp, data := doJSON(t, http.MethodPost, "/v1/turns", model.TurnRequest{
		ConversationID: id,
		Text:           "I'm having a panic attack",
		Timestamp:      &at,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var result turns.TurnResult
	decodeData(t, data, &result)
	require.NotNil(t, result.Risk.CooldownUntil)
	assert.Equal(t, at.Add(30*time.Minute), result.Risk.CooldownUntil.UTC())
}

func TestTurnValidation(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing conversation id", `{"text":"hi"}`, http.StatusBadRequest},
		{"unknown field", `{"conversation_id":"c","text":"hi","mood":"sad"}`, http.StatusBadRequest},
		{"empty body", ``, http.StatusBadRequest},
		{"malformed json", `{"conversation_id":`, http.StatusBadRequest},
		{"trailing data", `{"conversation_id":"c","text":"hi"}{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(testSrv.URL+"/v1/turns", "application/json", bytes.NewBufferString(tt.body))
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()
			data, _ := io.ReadAll(resp.Body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, data))
		})
	}
}

func TestTurnBodyTooLarge(t *testing.T) {
	text := bytes.Repeat([]byte("a"), 70*1024)
	body, err := json.Marshal(model.TurnRequest{ConversationID: newID(), Text: string(text)})
	require.NoError(t, err)
	resp, err := http.Post(testSrv.URL+"/v1/turns", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestTurnBatch(t *testing.T) {
	a, b := newID(), newID()
	resp, data := doJSON(t, http.MethodPost, "/v1/turns/batch", model.BatchTurnRequest{Turns: []model.TurnRequest{
		{ConversationID: a, Text: "I'm anxious"},
		{ConversationID: b, Text: "work is fine"},
		{ConversationID: a, Text: "I'm worried"},
	}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	var out struct {
		Results []turns.TurnResult `json:"results"`
	}
	decodeData(t, data, &out)
	require.Len(t, out.Results, 3)
	assert.Equal(t, a, out.Results[0].ConversationID)
	assert.Equal(t, 1, out.Results[0].Turn)
	assert.Equal(t, b, out.Results[1].ConversationID)
	assert.Equal(t, 1, out.Results[1].Turn)
	assert.Equal(t, 2, out.Results[2].Turn)

	resp, data = doJSON(t, http.MethodPost, "/v1/turns/batch", model.BatchTurnRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(data))
}

func TestModuleLifecycle(t *testing.T) {
	id := newID()
	base := "/v1/conversations/" + id + "/modules/grounding"

	// Completing before recommending is a conflict.
	resp, data := doJSON(t, http.MethodPost, base+"/complete", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, model.ErrCodeConflict, errorCode(t, data))

	resp, data = doJSON(t, http.MethodPost, base+"/recommend", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	resp, data = doJSON(t, http.MethodPost, base+"/complete", model.CompleteModuleRequest{
		CompletionData: map[string]any{"rounds": 3},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var out struct {
		ModuleID string               `json:"module_id"`
		Progress model.ModuleProgress `json:"progress"`
	}
	decodeData(t, data, &out)
	assert.Equal(t, "grounding", out.ModuleID)
	require.NotNil(t, out.Progress.CompletedAt)
	assert.Equal(t, float64(3), out.Progress.CompletionData["rounds"])

	// Unknown module.
	resp, data = doJSON(t, http.MethodPost, "/v1/conversations/"+id+"/modules/nope/recommend", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, errorCode(t, data))
}

func TestQuestionnaireSubmission(t *testing.T) {
	id := newID()
	resp, _ := doJSON(t, http.MethodPost, "/v1/conversations/"+id+"/modules/stress_check/recommend", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data := doJSON(t, http.MethodPost, "/v1/questionnaires/pss_5/submit", model.SubmitQuestionnaireRequest{
		ConversationID: id,
		Answers:        model.Answers{1: 3, 2: 3, 3: 3, 4: 4, 5: 4},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var rec model.ScoreRecord
	decodeData(t, data, &rec)
	assert.Equal(t, float64(17), rec.Result.TotalScore)
	require.NotNil(t, rec.Result.Interpretation)
	assert.Equal(t, "中等", rec.Result.Interpretation.Level)

	resp, data = doJSON(t, http.MethodGet, "/v1/scores/"+rec.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got model.ScoreRecord
	decodeData(t, data, &got)
	assert.Equal(t, rec.ID, got.ID)

	resp, data = doJSON(t, http.MethodGet, "/v1/conversations/"+id+"/scores", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Scores []model.ScoreRecord `json:"scores"`
	}
	decodeData(t, data, &list)
	require.Len(t, list.Scores, 1)
	assert.Equal(t, rec.ID, list.Scores[0].ID)

	resp, data = doJSON(t, http.MethodGet, "/v1/conversations/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var conv model.Conversation
	decodeData(t, data, &conv)
	assert.True(t, conv.ModuleStatus.Completed("stress_check"))
}

func TestQuestionnaireErrors(t *testing.T) {
	resp, data := doJSON(t, http.MethodPost, "/v1/questionnaires/pss_5/submit", model.SubmitQuestionnaireRequest{
		Answers: model.Answers{1: 99},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, errorCode(t, data))

	resp, data = doJSON(t, http.MethodPost, "/v1/questionnaires/nope/submit", model.SubmitQuestionnaireRequest{
		Answers: model.Answers{1: 1},
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, errorCode(t, data))

	resp, _ = doJSON(t, http.MethodGet, "/v1/scores/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, "/v1/scores/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCatalogEndpoints(t *testing.T) {
	resp, data := doJSON(t, http.MethodGet, "/v1/modules", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var mods struct {
		Modules []model.ModuleDefinition `json:"modules"`
	}
	decodeData(t, data, &mods)
	assert.NotEmpty(t, mods.Modules)

	resp, data = doJSON(t, http.MethodGet, "/v1/questionnaires/pss_5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var q model.QuestionnaireDefinition
	decodeData(t, data, &q)
	assert.Len(t, q.Questions, 5)

	resp, _ = doJSON(t, http.MethodGet, "/v1/questionnaires/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConversationNotFound(t *testing.T) {
	resp, data := doJSON(t, http.MethodGet, "/v1/conversations/"+newID(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, errorCode(t, data))
}

func TestReminderOptOut(t *testing.T) {
	id := newID()
	resp, data := doJSON(t, http.MethodPut, "/v1/conversations/"+id+"/reminders", model.ReminderOptOutRequest{OptedOut: true})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var tally model.GateTally
	decodeData(t, data, &tally)
	assert.True(t, tally.OptedOut)
}

func initMCPClient(t *testing.T) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(testSrv.URL + "/mcp")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	initResult, err := c.Initialize(context.Background(), mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "kokoro", initResult.ServerInfo.Name)
	assert.Equal(t, "test", initResult.ServerInfo.Version)
	return c
}

func TestMCPListTools(t *testing.T) {
	c := initMCPClient(t)

	toolsResult, err := c.ListTools(context.Background(), mcplib.ListToolsRequest{})
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, tool := range toolsResult.Tools {
		names[tool.Name] = true
	}
	assert.Len(t, toolsResult.Tools, 6)
	assert.True(t, names["kokoro_process_turn"])
	assert.True(t, names["kokoro_submit_questionnaire"])
}

func TestMCPProcessTurnAndReadResource(t *testing.T) {
	c := initMCPClient(t)
	ctx := context.Background()
	id := newID()

	result, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name: "kokoro_process_turn",
			Arguments: map[string]any{
				"conversation_id": id,
				"text":            "I'm anxious about my boss",
			},
		},
	})
	require.NoError(t, err)
	require.False(t, result.IsError)

	res, err := c.ReadResource(ctx, mcplib.ReadResourceRequest{
		Params: mcplib.ReadResourceParams{URI: "kokoro://conversations/" + id},
	})
	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	tc, ok := res.Contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	var conv model.Conversation
	require.NoError(t, json.Unmarshal([]byte(tc.Text), &conv))
	assert.Equal(t, id, conv.ID)
}
