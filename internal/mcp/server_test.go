package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/docgen/internal/backend"
	"github.com/joescharf/docgen/internal/kinds"
	"github.com/joescharf/docgen/internal/ledger"
	"github.com/joescharf/docgen/internal/models"
	"github.com/joescharf/docgen/internal/orchestrator"
)

// ---------------------------------------------------------------------------
// Mock backend
// ---------------------------------------------------------------------------

// mockBackend completes every generation immediately.
type mockBackend struct {
	mu       sync.Mutex
	next     int
	content  map[string]string
	versions map[string][]*models.Version
	chat     map[string][]models.ChatMessage
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		content:  make(map[string]string),
		versions: make(map[string][]*models.Version),
		chat:     make(map[string][]models.ChatMessage),
	}
}

func (m *mockBackend) appendVersion(id, content string, ct models.ChangeType) {
	m.content[id] = content
	m.versions[id] = append(m.versions[id], &models.Version{
		SessionID: id, Version: len(m.versions[id]) + 1, Content: content, ChangeType: ct, CreatedAt: time.Now(),
	})
}

func (m *mockBackend) CreateSession(_ context.Context, req backend.CreateRequest) (*backend.CreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	id := fmt.Sprintf("sess-%d", m.next)
	m.appendVersion(id, "# Doc for "+req.Inputs["project_id"], models.ChangeInitialGeneration)
	return &backend.CreateResponse{SessionID: id, Status: models.SessionStatusGenerating}, nil
}

func (m *mockBackend) GetSessionStatus(_ context.Context, id string) (*backend.SessionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.content[id]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return &backend.SessionStatus{Status: models.SessionStatusCompleted, Content: content, Version: len(m.versions[id])}, nil
}

func (m *mockBackend) RefineSession(_ context.Context, id string, req backend.RefineRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chat[id] = append(m.chat[id], models.ChatMessage{
		ID: fmt.Sprintf("msg-%d", len(m.chat[id])+1), Sender: models.SenderUser, Text: req.Message, Timestamp: time.Now().UTC(),
	})
	m.appendVersion(id, m.content[id]+"\n"+req.Message, models.ChangeAIRefinement)
	return nil
}

func (m *mockBackend) ReviewSession(_ context.Context, _ string) (*backend.ReviewResult, error) {
	return &backend.ReviewResult{Suggestions: "- add examples", ReviewMessageID: "rev-1"}, nil
}

func (m *mockBackend) ListVersions(_ context.Context, id string) ([]*models.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[id], nil
}

func (m *mockBackend) GetVersion(_ context.Context, id string, version int) (*models.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions[id] {
		if v.Version == version {
			return v, nil
		}
	}
	return nil, models.ErrVersionNotFound
}

func (m *mockBackend) GetChatHistory(_ context.Context, id string) ([]models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ChatMessage(nil), m.chat[id]...), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestServer(t *testing.T) (*Server, *mockBackend) {
	t.Helper()
	mb := newMockBackend()
	factory := func(k models.DocumentKind) (*orchestrator.Orchestrator, error) {
		return orchestrator.New(k, mb, ledger.New(ledger.NewMemoryStore()),
			orchestrator.WithInterval(5*time.Millisecond)), nil
	}
	srv := NewServer(kinds.NewRegistry(), factory, "functional_spec")
	t.Cleanup(srv.Close)
	return srv, mb
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

func startSession(t *testing.T, srv *Server) sessionOut {
	t.Helper()
	result, err := srv.handleStart(context.Background(), callToolReq("docgen_start", map[string]any{"inputs": "project_id=p1"}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	var out sessionOut
	resultJSON(t, result, &out)
	return out
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestMCPServer_RegistersTools(t *testing.T) {
	srv, _ := newTestServer(t)
	assert.NotNil(t, srv.MCPServer())
}

func TestHandleListKinds(t *testing.T) {
	srv, _ := newTestServer(t)
	result, err := srv.handleListKinds(context.Background(), callToolReq("docgen_list_kinds", nil))
	require.NoError(t, err)

	var out []map[string]any
	resultJSON(t, result, &out)
	require.Len(t, out, 4)
	assert.Equal(t, "agent_spec", out[0]["name"])
}

func TestHandleStart(t *testing.T) {
	srv, _ := newTestServer(t)
	out := startSession(t, srv)

	assert.Equal(t, "sess-1", out.ID)
	assert.Equal(t, "completed", out.Status)
	assert.Equal(t, 1, out.CurrentVersion)
	assert.Equal(t, "# Doc for p1", out.Content)
	assert.False(t, out.HasPendingDiff)
}

func TestHandleStart_Errors(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleStart(context.Background(), callToolReq("docgen_start", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "project_id")

	result, err = srv.handleStart(context.Background(), callToolReq("docgen_start", map[string]any{"inputs": "novalue"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = srv.handleStart(context.Background(), callToolReq("docgen_start", map[string]any{"kind": "poem"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "unknown document kind")
}

func TestHandleRefine(t *testing.T) {
	srv, _ := newTestServer(t)
	started := startSession(t, srv)

	result, err := srv.handleRefine(context.Background(), callToolReq("docgen_refine", map[string]any{
		"session_id": started.ID,
		"message":    "add goals",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var out sessionOut
	resultJSON(t, result, &out)
	assert.Equal(t, 2, out.CurrentVersion)
	assert.True(t, out.HasPendingDiff)
	assert.Contains(t, out.Content, "add goals")
}

func TestHandleRefine_MissingParams(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleRefine(context.Background(), callToolReq("docgen_refine", map[string]any{"session_id": "x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "message")

	result, err = srv.handleRefine(context.Background(), callToolReq("docgen_refine", map[string]any{"message": "x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "session_id")
}

func TestHandleStatus_LoadsUnknownSession(t *testing.T) {
	srv, mb := newTestServer(t)
	mb.mu.Lock()
	mb.appendVersion("remote", "# Remote", models.ChangeInitialGeneration)
	mb.mu.Unlock()

	result, err := srv.handleStatus(context.Background(), callToolReq("docgen_status", map[string]any{"session_id": "remote"}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var out sessionOut
	resultJSON(t, result, &out)
	assert.Equal(t, "completed", out.Status)
	assert.Equal(t, "# Remote", out.Content)

	result, err = srv.handleStatus(context.Background(), callToolReq("docgen_status", map[string]any{"session_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleVersionsAndLoadVersion(t *testing.T) {
	srv, _ := newTestServer(t)
	started := startSession(t, srv)
	_, err := srv.handleRefine(context.Background(), callToolReq("docgen_refine", map[string]any{
		"session_id": started.ID,
		"message":    "add goals",
	}))
	require.NoError(t, err)

	result, err := srv.handleVersions(context.Background(), callToolReq("docgen_versions", map[string]any{"session_id": started.ID}))
	require.NoError(t, err)
	var versions []map[string]any
	resultJSON(t, result, &versions)
	require.Len(t, versions, 2)
	assert.Equal(t, "ai_refinement", versions[1]["change_type"])
	assert.Equal(t, "add goals", versions[1]["description"])

	result, err = srv.handleLoadVersion(context.Background(), callToolReq("docgen_load_version", map[string]any{
		"session_id": started.ID,
		"version":    2,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))
	var loaded map[string]any
	resultJSON(t, result, &loaded)
	assert.Equal(t, true, loaded["has_diff"])
	assert.Contains(t, loaded["diff"], "+add goals")
	assert.Equal(t, "+1 -0", loaded["diff_summary"])

	result, err = srv.handleLoadVersion(context.Background(), callToolReq("docgen_load_version", map[string]any{
		"session_id": started.ID,
		"version":    7,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleReviewAndChat(t *testing.T) {
	srv, _ := newTestServer(t)
	started := startSession(t, srv)

	result, err := srv.handleReview(context.Background(), callToolReq("docgen_review", map[string]any{"session_id": started.ID}))
	require.NoError(t, err)
	assert.Equal(t, "- add examples", resultText(t, result))

	result, err = srv.handleChat(context.Background(), callToolReq("docgen_chat", map[string]any{"session_id": started.ID}))
	require.NoError(t, err)
	var msgs []map[string]any
	resultJSON(t, result, &msgs)

	var ids []string
	for _, m := range msgs {
		ids = append(ids, m["id"].(string))
	}
	assert.Contains(t, ids, "rev-1")
}

func TestParseInputs(t *testing.T) {
	tests := []struct {
		in      string
		want    map[string]string
		wantErr bool
	}{
		{"", map[string]string{}, false},
		{"spec_id=s1", map[string]string{"spec_id": "s1"}, false},
		{" spec_id = s1 , spec_version=2 ,", map[string]string{"spec_id": "s1", "spec_version": "2"}, false},
		{"a=b=c", map[string]string{"a": "b=c"}, false},
		{"novalue", nil, true},
		{"=x", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseInputs(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
