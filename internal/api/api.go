// Package api is the reference generation service: it implements the
// session backend contract over HTTP with SQLite persistence.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/docgen/internal/backend"
	"github.com/joescharf/docgen/internal/kinds"
	"github.com/joescharf/docgen/internal/ledger"
	"github.com/joescharf/docgen/internal/llm"
	"github.com/joescharf/docgen/internal/models"
	"github.com/joescharf/docgen/internal/store"
)

// DefaultGenerationTimeout bounds one generation job.
const DefaultGenerationTimeout = 5 * time.Minute

// Generator produces document content. *llm.Client implements it.
type Generator interface {
	Generate(ctx context.Context, k models.DocumentKind, inputs map[string]string) (string, error)
	Refine(ctx context.Context, k models.DocumentKind, current, message string, chatOnly bool, history []models.ChatMessage) (*llm.Revision, error)
	Review(ctx context.Context, k models.DocumentKind, content string) (string, error)
}

// Server provides the REST API handlers.
type Server struct {
	store   store.Store
	ledger  *ledger.Ledger
	kinds   *kinds.Registry
	gen     Generator
	token   string
	timeout time.Duration
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	jobs   sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires a bearer token on every API request.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithGenerationTimeout bounds each generation job.
func WithGenerationTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// NewServer creates a new API server.
func NewServer(s store.Store, reg *kinds.Registry, gen Generator, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		store:   s,
		ledger:  ledger.New(s),
		kinds:   reg,
		gen:     gen,
		timeout: DefaultGenerationTimeout,
		log:     slog.Default(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Close cancels running generation jobs and waits for them to record their
// outcome.
func (s *Server) Close() {
	s.cancel()
	s.jobs.Wait()
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/kinds", s.listKinds)

	mux.HandleFunc("GET /api/v1/kinds/{kind}/sessions", s.listSessions)
	mux.HandleFunc("POST /api/v1/kinds/{kind}/sessions", s.createSession)
	mux.HandleFunc("GET /api/v1/kinds/{kind}/sessions/{id}/status", s.sessionStatus)
	mux.HandleFunc("POST /api/v1/kinds/{kind}/sessions/{id}/refine", s.refineSession)
	mux.HandleFunc("POST /api/v1/kinds/{kind}/sessions/{id}/review", s.reviewSession)
	mux.HandleFunc("GET /api/v1/kinds/{kind}/sessions/{id}/versions", s.listVersions)
	mux.HandleFunc("GET /api/v1/kinds/{kind}/sessions/{id}/versions/{version}", s.getVersion)
	mux.HandleFunc("GET /api/v1/kinds/{kind}/sessions/{id}/chat", s.chatHistory)

	return corsMiddleware(s.authMiddleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps lookup failures to 404.
func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrSessionNotFound) || errors.Is(err, models.ErrVersionNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// --- Kinds ---

func (s *Server) listKinds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.kinds.List())
}

func (s *Server) kind(w http.ResponseWriter, r *http.Request) (models.DocumentKind, bool) {
	k, err := s.kinds.Get(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return models.DocumentKind{}, false
	}
	return k, true
}

// session loads the path's session and checks it belongs to the path's kind.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (models.DocumentKind, *models.DocumentSession, bool) {
	k, ok := s.kind(w, r)
	if !ok {
		return k, nil, false
	}
	id := r.PathValue("id")
	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return k, nil, false
	}
	if sess.Kind != k.Name {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s: %s", models.ErrSessionNotFound, id))
		return k, nil, false
	}
	return k, sess, true
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	k, ok := s.kind(w, r)
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	sessions, err := s.store.ListSessions(r.Context(), k.Name, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	k, ok := s.kind(w, r)
	if !ok {
		return
	}
	var req backend.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if missing := kinds.MissingInputs(k, req.Inputs); len(missing) > 0 {
		writeError(w, http.StatusBadRequest, "missing required inputs: "+strings.Join(missing, ", "))
		return
	}

	sess := &models.DocumentSession{
		Kind:   k.Name,
		Status: models.SessionStatusGenerating,
		Inputs: req.Inputs,
	}
	if err := s.store.CreateSession(r.Context(), sess); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.startJob(k, sess.ID, func(ctx context.Context) (jobResult, error) {
		content, err := s.gen.Generate(ctx, k, req.Inputs)
		return jobResult{content: content, changeType: models.ChangeInitialGeneration}, err
	})

	writeJSON(w, http.StatusCreated, backend.CreateResponse{SessionID: sess.ID, Status: sess.Status})
}

func (s *Server) sessionStatus(w http.ResponseWriter, r *http.Request) {
	k, sess, ok := s.session(w, r)
	if !ok {
		return
	}
	resp := map[string]any{
		"status":  sess.Status,
		"version": sess.CurrentVersion,
	}
	if sess.LastError != "" {
		resp["error"] = sess.LastError
	}
	if sess.Status == models.SessionStatusCompleted {
		resp[k.ContentField] = sess.Content
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) refineSession(w http.ResponseWriter, r *http.Request) {
	k, sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var req backend.RefineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ActionType == "" {
		req.ActionType = backend.ActionRefine
	}
	if !req.ActionType.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.ActionType))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	claimed, err := s.store.ClaimGeneration(r.Context(), sess.ID, models.SessionStatusCompleted)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !claimed {
		current, err := s.store.GetSession(r.Context(), sess.ID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if current.Status == models.SessionStatusGenerating {
			writeError(w, http.StatusConflict, "generation already in progress")
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("session is %s; only completed sessions can be refined", current.Status))
		return
	}

	history, err := s.store.ListChatMessages(r.Context(), sess.ID)
	if err != nil {
		s.log.Warn("chat history unavailable", "session", sess.ID, "error", err)
	}
	userMsg := &models.ChatMessage{SessionID: sess.ID, Sender: models.SenderUser, Text: req.Message}
	if err := s.store.AddChatMessage(r.Context(), userMsg); err != nil {
		s.log.Warn("failed to record user message", "session", sess.ID, "error", err)
	}

	current := sess.Content
	chatOnly := req.ActionType == backend.ActionChat
	changeType := models.ChangeAIRefinement
	if chatOnly {
		changeType = models.ChangeFeedbackIncorporation
	}
	s.startJob(k, sess.ID, func(ctx context.Context) (jobResult, error) {
		rev, err := s.gen.Refine(ctx, k, current, req.Message, chatOnly, history)
		if err != nil {
			return jobResult{}, err
		}
		res := jobResult{content: rev.Content, reply: rev.Reply, changeType: changeType, description: req.Message}
		if !chatOnly {
			// Every successful refinement is a new version, even an unchanged one.
			if res.content == "" {
				res.content = current
			}
			res.newVersion = true
		}
		return res, nil
	})

	writeJSON(w, http.StatusAccepted, map[string]any{"status": models.SessionStatusGenerating})
}

func (s *Server) reviewSession(w http.ResponseWriter, r *http.Request) {
	k, sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if sess.Content == "" {
		writeError(w, http.StatusBadRequest, "session has no content to review")
		return
	}

	suggestions, err := s.gen.Review(r.Context(), k, sess.Content)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	msg := &models.ChatMessage{SessionID: sess.ID, Sender: models.SenderAgent, Text: suggestions}
	if err := s.store.AddChatMessage(r.Context(), msg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, backend.ReviewResult{Suggestions: suggestions, ReviewMessageID: msg.ID})
}

// --- Versions ---

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	_, sess, ok := s.session(w, r)
	if !ok {
		return
	}
	versions, err := s.ledger.List(r.Context(), sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if versions == nil {
		versions = []*models.Version{}
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	_, sess, ok := s.session(w, r)
	if !ok {
		return
	}
	n, err := strconv.Atoi(r.PathValue("version"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid version")
		return
	}
	v, err := s.ledger.Get(r.Context(), sess.ID, n)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// --- Chat ---

func (s *Server) chatHistory(w http.ResponseWriter, r *http.Request) {
	_, sess, ok := s.session(w, r)
	if !ok {
		return
	}
	msgs, err := s.store.ListChatMessages(r.Context(), sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}
