package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/docgen/internal/backend"
	"github.com/joescharf/docgen/internal/diff"
	"github.com/joescharf/docgen/internal/kinds"
	"github.com/joescharf/docgen/internal/models"
	"github.com/joescharf/docgen/internal/orchestrator"
)

// DefaultWait bounds how long a tool call blocks for a generation.
const DefaultWait = 3 * time.Minute

// Factory builds the orchestrator for one document kind.
type Factory func(kind models.DocumentKind) (*orchestrator.Orchestrator, error)

// Server exposes document sessions as MCP tools.
type Server struct {
	kinds       *kinds.Registry
	factory     Factory
	defaultKind string
	wait        time.Duration
	differ      *diff.Coordinator

	mu    sync.Mutex
	orchs map[string]*orchestrator.Orchestrator
}

// NewServer creates the MCP server wrapper. defaultKind is used when a tool
// call names no kind.
func NewServer(reg *kinds.Registry, factory Factory, defaultKind string) *Server {
	return &Server{
		kinds:       reg,
		factory:     factory,
		defaultKind: defaultKind,
		wait:        DefaultWait,
		differ:      diff.NewCoordinator(),
		orchs:       make(map[string]*orchestrator.Orchestrator),
	}
}

// Close stops all polling.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orchs {
		o.Close()
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("docgen", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listKindsTool())
	srv.AddTool(s.startTool())
	srv.AddTool(s.refineTool())
	srv.AddTool(s.statusTool())
	srv.AddTool(s.reviewTool())
	srv.AddTool(s.versionsTool())
	srv.AddTool(s.loadVersionTool())
	srv.AddTool(s.chatTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// orchestrator returns the cached orchestrator for the request's kind.
func (s *Server) orchestrator(request mcp.CallToolRequest) (*orchestrator.Orchestrator, error) {
	name := request.GetString("kind", s.defaultKind)
	k, err := s.kinds.Get(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orchs[k.Name]; ok {
		return o, nil
	}
	o, err := s.factory(k)
	if err != nil {
		return nil, err
	}
	s.orchs[k.Name] = o
	return o, nil
}

// session resolves the orchestrator and makes sure the session is hydrated.
func (s *Server) session(ctx context.Context, request mcp.CallToolRequest) (*orchestrator.Orchestrator, string, *mcp.CallToolResult) {
	id, err := request.RequireString("session_id")
	if err != nil {
		return nil, "", mcp.NewToolResultError("missing required parameter: session_id")
	}
	o, err := s.orchestrator(request)
	if err != nil {
		return nil, "", mcp.NewToolResultError(err.Error())
	}
	if _, ok := o.Session(id); !ok {
		if _, err := o.LoadSession(ctx, id); err != nil {
			return nil, "", mcp.NewToolResultError(fmt.Sprintf("failed to load session: %v", err))
		}
	}
	return o, id, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

type sessionOut struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	Status         string `json:"status"`
	CurrentVersion int    `json:"current_version"`
	Content        string `json:"content,omitempty"`
	Error          string `json:"error,omitempty"`
	HasPendingDiff bool   `json:"has_pending_diff"`
	UpdatedAt      string `json:"updated_at"`
}

func (s *Server) sessionResult(o *orchestrator.Orchestrator, doc *models.DocumentSession) (*mcp.CallToolResult, error) {
	_, pending := o.PendingDiff(doc.ID)
	return jsonResult(sessionOut{
		ID:             doc.ID,
		Kind:           doc.Kind,
		Status:         string(doc.Status),
		CurrentVersion: doc.CurrentVersion,
		Content:        doc.Content,
		Error:          doc.LastError,
		HasPendingDiff: pending,
		UpdatedAt:      doc.UpdatedAt.Format(time.RFC3339),
	})
}

// waitResult blocks for the generation when the caller asked for it.
func (s *Server) waitResult(ctx context.Context, request mcp.CallToolRequest, o *orchestrator.Orchestrator, id string) (*mcp.CallToolResult, error) {
	if request.GetBool("wait", true) {
		waitCtx, cancel := context.WithTimeout(ctx, s.wait)
		defer cancel()
		if _, err := o.Wait(waitCtx, id); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return mcp.NewToolResultError(fmt.Sprintf("wait for session: %v", err)), nil
		}
	}
	doc, _ := o.Session(id)
	return s.sessionResult(o, doc)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

func kindParam() mcp.ToolOption {
	return mcp.WithString("kind", mcp.Description("Document kind (see docgen_list_kinds); defaults to the configured kind"))
}

func sessionParam() mcp.ToolOption {
	return mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID"))
}

// docgen_list_kinds
func (s *Server) listKindsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("docgen_list_kinds",
		mcp.WithDescription("List the document kinds that can be generated, with their format and required inputs."),
	)
	return tool, s.handleListKinds
}

func (s *Server) handleListKinds(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type kindOut struct {
		Name           string   `json:"name"`
		Title          string   `json:"title"`
		Format         string   `json:"format"`
		RequiredInputs []string `json:"required_inputs"`
	}
	var out []kindOut
	for _, k := range s.kinds.List() {
		out = append(out, kindOut{Name: k.Name, Title: k.Title, Format: string(k.Format), RequiredInputs: k.RequiredInputs})
	}
	return jsonResult(out)
}

// docgen_start
func (s *Server) startTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("docgen_start",
		mcp.WithDescription("Start generating a new document. Inputs reference upstream artifacts as key=value pairs separated by commas, e.g. \"spec_id=s1,spec_version=2\". Returns the session as JSON."),
		kindParam(),
		mcp.WithString("inputs", mcp.Description("Upstream references as key=value pairs separated by commas")),
		mcp.WithBoolean("wait", mcp.Description("Block until the generation finishes (default: true)")),
	)
	return tool, s.handleStart
}

func (s *Server) handleStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	o, err := s.orchestrator(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	inputs, err := ParseInputs(request.GetString("inputs", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id, err := o.Start(ctx, inputs)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start session: %v", err)), nil
	}
	return s.waitResult(ctx, request, o, id)
}

// docgen_refine
func (s *Server) refineTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("docgen_refine",
		mcp.WithDescription("Ask the agent to revise a completed document, or discuss it with action \"chat\". Returns the session as JSON."),
		kindParam(),
		sessionParam(),
		mcp.WithString("message", mcp.Required(), mcp.Description("Refinement instruction or question")),
		mcp.WithString("action", mcp.Description("refine (default) or chat")),
		mcp.WithBoolean("wait", mcp.Description("Block until the generation finishes (default: true)")),
	)
	return tool, s.handleRefine
}

func (s *Server) handleRefine(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := request.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: message"), nil
	}
	o, id, errResult := s.session(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	action := backend.ActionType(request.GetString("action", string(backend.ActionRefine)))
	if err := o.Refine(ctx, id, message, action); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to refine session: %v", err)), nil
	}
	return s.waitResult(ctx, request, o, id)
}

// docgen_status
func (s *Server) statusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("docgen_status",
		mcp.WithDescription("Get a session's status, current version and content."),
		kindParam(),
		sessionParam(),
	)
	return tool, s.handleStatus
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	o, id, errResult := s.session(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	doc, _ := o.Session(id)
	return s.sessionResult(o, doc)
}

// docgen_review
func (s *Server) reviewTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("docgen_review",
		mcp.WithDescription("Get review suggestions for a completed document."),
		kindParam(),
		sessionParam(),
	)
	return tool, s.handleReview
}

func (s *Server) handleReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	o, id, errResult := s.session(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	res, err := o.Review(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to review session: %v", err)), nil
	}
	return mcp.NewToolResultText(res.Suggestions), nil
}

// docgen_versions
func (s *Server) versionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("docgen_versions",
		mcp.WithDescription("List a session's document versions (without content)."),
		kindParam(),
		sessionParam(),
	)
	return tool, s.handleVersions
}

func (s *Server) handleVersions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	o, id, errResult := s.session(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	versions, err := o.Versions(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list versions: %v", err)), nil
	}

	type versionOut struct {
		Version     int    `json:"version"`
		ChangeType  string `json:"change_type"`
		Description string `json:"description,omitempty"`
		CreatedAt   string `json:"created_at"`
	}
	out := make([]versionOut, len(versions))
	for i, v := range versions {
		out[i] = versionOut{
			Version:     v.Version,
			ChangeType:  string(v.ChangeType),
			Description: v.ChangeDescription,
			CreatedAt:   v.CreatedAt.Format(time.RFC3339),
		}
	}
	return jsonResult(out)
}

// docgen_load_version
func (s *Server) loadVersionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("docgen_load_version",
		mcp.WithDescription("Load one document version with a unified diff against the previous version."),
		kindParam(),
		sessionParam(),
		mcp.WithNumber("version", mcp.Required(), mcp.Description("Version number")),
	)
	return tool, s.handleLoadVersion
}

func (s *Server) handleLoadVersion(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	version := request.GetInt("version", 0)
	if version < 1 {
		return mcp.NewToolResultError("missing required parameter: version"), nil
	}
	id, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	o, err := s.orchestrator(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	v, d, err := o.LoadVersion(ctx, id, version)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load version: %v", err)), nil
	}
	out := map[string]any{
		"version":     v.Version,
		"change_type": v.ChangeType,
		"content":     v.Content,
		"has_diff":    d.HasDiff,
	}
	if d.HasDiff {
		rendered, err := s.differ.Render(d, fmt.Sprintf("v%d", version-1), fmt.Sprintf("v%d", version))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to render diff: %v", err)), nil
		}
		out["diff"] = rendered
		out["diff_summary"] = s.differ.Summary(d)
	}
	return jsonResult(out)
}

// docgen_chat
func (s *Server) chatTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("docgen_chat",
		mcp.WithDescription("Show a session's chat transcript."),
		kindParam(),
		sessionParam(),
	)
	return tool, s.handleChat
}

func (s *Server) handleChat(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	o, id, errResult := s.session(ctx, request)
	if errResult != nil {
		return errResult, nil
	}

	type messageOut struct {
		ID        string `json:"id"`
		Sender    string `json:"sender"`
		Text      string `json:"text"`
		Type      string `json:"type,omitempty"`
		Delivery  string `json:"delivery"`
		Timestamp string `json:"timestamp"`
	}
	msgs := o.Transcript(id)
	out := make([]messageOut, len(msgs))
	for i, m := range msgs {
		out[i] = messageOut{
			ID:        m.ID,
			Sender:    string(m.Sender),
			Text:      m.Text,
			Type:      string(m.MessageType),
			Delivery:  string(m.Delivery),
			Timestamp: m.Timestamp.Format(time.RFC3339),
		}
	}
	return jsonResult(out)
}

// ParseInputs parses "key=value,key=value" into a map.
func ParseInputs(s string) (map[string]string, error) {
	inputs := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q: expected key=value", pair)
		}
		inputs[key] = strings.TrimSpace(value)
	}
	return inputs, nil
}
