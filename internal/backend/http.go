package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joescharf/docgen/internal/models"
)

const defaultTimeout = 30 * time.Second

// HTTPClient implements Client against the service's REST API.
type HTTPClient struct {
	baseURL string
	token   string
	kind    models.DocumentKind
	http    *http.Client
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *HTTPClient) { c.token = token }
}

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.http = hc }
}

// NewHTTPClient creates a client for kind at baseURL.
func NewHTTPClient(baseURL string, kind models.DocumentKind, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		kind:    kind,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Kind returns the document kind the client is bound to.
func (c *HTTPClient) Kind() models.DocumentKind {
	return c.kind
}

func (c *HTTPClient) sessionsURL(parts ...string) string {
	u := c.baseURL + c.kind.BasePath + "/sessions"
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// errorBody is the service's error envelope.
type errorBody struct {
	Error string `json:"error"`
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
// notFound is the sentinel wrapped on 404.
func (c *HTTPClient) do(ctx context.Context, op, method, u string, body, out any, notFound error) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &UnavailableError{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &UnavailableError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		msg := eb.Error
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		switch {
		case resp.StatusCode == http.StatusNotFound && notFound != nil:
			return fmt.Errorf("%s: %w: %s", op, notFound, msg)
		case resp.StatusCode == http.StatusConflict:
			return fmt.Errorf("%s: %w: %s", op, ErrConflict, msg)
		case resp.StatusCode >= 500:
			return &UnavailableError{Op: op, StatusCode: resp.StatusCode, Message: msg}
		default:
			return fmt.Errorf("%s: %w: HTTP %d: %s", op, ErrRejected, resp.StatusCode, msg)
		}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// CreateSession implements Client.
func (c *HTTPClient) CreateSession(ctx context.Context, req CreateRequest) (*CreateResponse, error) {
	var out CreateResponse
	if err := c.do(ctx, "create session", http.MethodPost, c.sessionsURL(), req, &out, nil); err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		return nil, fmt.Errorf("create session: response has no session id")
	}
	return &out, nil
}

// GetSessionStatus implements Client. The content is read from the kind's
// content field, falling back to "content".
func (c *HTTPClient) GetSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	var raw map[string]json.RawMessage
	if err := c.do(ctx, "get session status", http.MethodGet, c.sessionsURL(sessionID, "status"), nil, &raw, models.ErrSessionNotFound); err != nil {
		return nil, err
	}

	st := &SessionStatus{}
	if err := decodeField(raw, "status", &st.Status); err != nil {
		return nil, err
	}
	if err := decodeField(raw, "version", &st.Version); err != nil {
		return nil, err
	}
	if err := decodeField(raw, "error", &st.Error); err != nil {
		return nil, err
	}
	field := c.kind.ContentField
	if _, ok := raw[field]; !ok || field == "" {
		field = "content"
	}
	if err := decodeField(raw, field, &st.Content); err != nil {
		return nil, err
	}
	if st.Status == "" {
		return nil, fmt.Errorf("get session status: response has no status")
	}
	return st, nil
}

func decodeField(raw map[string]json.RawMessage, key string, out any) error {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		return nil
	}
	if err := json.Unmarshal(v, out); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}
	return nil
}

// RefineSession implements Client.
func (c *HTTPClient) RefineSession(ctx context.Context, sessionID string, req RefineRequest) error {
	return c.do(ctx, "refine session", http.MethodPost, c.sessionsURL(sessionID, "refine"), req, nil, models.ErrSessionNotFound)
}

// ReviewSession implements Client.
func (c *HTTPClient) ReviewSession(ctx context.Context, sessionID string) (*ReviewResult, error) {
	var out ReviewResult
	if err := c.do(ctx, "review session", http.MethodPost, c.sessionsURL(sessionID, "review"), nil, &out, models.ErrSessionNotFound); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListVersions implements Client.
func (c *HTTPClient) ListVersions(ctx context.Context, sessionID string) ([]*models.Version, error) {
	var out []*models.Version
	if err := c.do(ctx, "list versions", http.MethodGet, c.sessionsURL(sessionID, "versions"), nil, &out, models.ErrSessionNotFound); err != nil {
		return nil, err
	}
	return out, nil
}

// GetVersion implements Client.
func (c *HTTPClient) GetVersion(ctx context.Context, sessionID string, version int) (*models.Version, error) {
	var out models.Version
	u := c.sessionsURL(sessionID, "versions", strconv.Itoa(version))
	if err := c.do(ctx, "get version", http.MethodGet, u, nil, &out, models.ErrVersionNotFound); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetChatHistory implements Client.
func (c *HTTPClient) GetChatHistory(ctx context.Context, sessionID string) ([]models.ChatMessage, error) {
	var out []models.ChatMessage
	if err := c.do(ctx, "get chat history", http.MethodGet, c.sessionsURL(sessionID, "chat"), nil, &out, models.ErrSessionNotFound); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Delivery = models.DeliveryConfirmed
		if out[i].SessionID == "" {
			out[i].SessionID = sessionID
		}
	}
	return out, nil
}
