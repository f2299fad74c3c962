// Package orchestrator drives a document session through generation and
// refinement: it is the only component talking to the generation backend.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joescharf/docgen/internal/backend"
	"github.com/joescharf/docgen/internal/chat"
	"github.com/joescharf/docgen/internal/diff"
	"github.com/joescharf/docgen/internal/kinds"
	"github.com/joescharf/docgen/internal/ledger"
	"github.com/joescharf/docgen/internal/models"
	"github.com/joescharf/docgen/internal/poller"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.interval = d }
}

// WithMaxPolls bounds status checks per generation.
func WithMaxPolls(n int) Option {
	return func(o *Orchestrator) { o.maxPolls = n }
}

// WithMaxWait bounds wall-clock time per generation.
func WithMaxWait(d time.Duration) Option {
	return func(o *Orchestrator) { o.maxWait = d }
}

// WithTicker replaces the pollers' time source.
func WithTicker(fn poller.TickerFunc) Option {
	return func(o *Orchestrator) { o.ticker = fn }
}

// WithNotifier sets the event sink.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithClock replaces the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// session is the orchestrator-owned state of one session.
type session struct {
	doc        models.DocumentSession
	transcript *chat.Transcript

	poller *poller.Controller
	done   chan struct{}
	gen    int

	// inFlight is set while a refine request is with the backend.
	inFlight bool

	// Captured when a generation is accepted, consumed on completion.
	oldContent  string
	changeType  models.ChangeType
	description string

	pendingDiff diff.Result
}

// Orchestrator manages the sessions of one document kind.
type Orchestrator struct {
	kind     models.DocumentKind
	backend  backend.Client
	ledger   *ledger.Ledger
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time

	interval time.Duration
	maxPolls int
	maxWait  time.Duration
	ticker   poller.TickerFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates an Orchestrator for kind.
func New(kind models.DocumentKind, client backend.Client, l *ledger.Ledger, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		kind:     kind,
		backend:  client,
		ledger:   l,
		notifier: nopNotifier{},
		log:      slog.Default(),
		now:      time.Now,
		interval: poller.DefaultInterval,
		maxPolls: poller.DefaultMaxPolls,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Kind returns the document kind this orchestrator serves.
func (o *Orchestrator) Kind() models.DocumentKind {
	return o.kind
}

// Start validates inputs, creates a backend session and begins polling it.
func (o *Orchestrator) Start(ctx context.Context, inputs map[string]string) (string, error) {
	if missing := kinds.MissingInputs(o.kind, inputs); len(missing) > 0 {
		return "", &ValidationError{Kind: o.kind.Name, Missing: missing}
	}

	resp, err := o.backend.CreateSession(ctx, backend.CreateRequest{Inputs: inputs})
	if err != nil {
		return "", fmt.Errorf("start %s session: %w", o.kind.Name, err)
	}
	id := resp.SessionID

	o.mu.Lock()
	if existing, ok := o.sessions[id]; ok && existing.doc.Status == models.SessionStatusGenerating {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrSessionBusy, id)
	}
	now := o.now().UTC()
	st := &session{
		doc: models.DocumentSession{
			ID:        id,
			Kind:      o.kind.Name,
			Status:    models.SessionStatusGenerating,
			Inputs:    copyInputs(inputs),
			CreatedAt: now,
			UpdatedAt: now,
		},
		transcript: chat.New(chat.WithClock(o.now)),
		changeType: models.ChangeInitialGeneration,
	}
	o.sessions[id] = st
	err = o.startPollingLocked(id, st)
	o.mu.Unlock()
	if err != nil {
		return "", err
	}

	o.log.Info("session started", "kind", o.kind.Name, "session", id)
	o.notifier.Notify(Event{Type: EventStartAccepted, SessionID: id, Status: models.SessionStatusGenerating})
	return id, nil
}

// Refine asks the backend to revise a completed session. action defaults to
// backend.ActionRefine.
func (o *Orchestrator) Refine(ctx context.Context, sessionID, message string, action backend.ActionType) error {
	if sessionID == "" {
		return ErrNoActiveSession
	}
	if action == "" {
		action = backend.ActionRefine
	}
	if !action.Valid() {
		return &ValidationError{Kind: o.kind.Name, Reason: fmt.Sprintf("unknown action %q", action)}
	}
	if message == "" {
		return &ValidationError{Kind: o.kind.Name, Reason: "message is required"}
	}

	o.mu.Lock()
	st, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoActiveSession, sessionID)
	}
	if st.inFlight {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	}
	switch st.doc.Status {
	case models.SessionStatusGenerating:
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionBusy, sessionID)
	case models.SessionStatusCompleted:
	default:
		status := st.doc.Status
		o.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRefinable, sessionID, status)
	}

	// Reserve the session before the network call so a second refine is
	// rejected as busy and LoadSession leaves it alone.
	st.inFlight = true
	st.doc.Status = models.SessionStatusGenerating
	st.doc.UpdatedAt = o.now().UTC()
	st.oldContent = st.doc.Content
	st.changeType = models.ChangeAIRefinement
	if action == backend.ActionChat {
		st.changeType = models.ChangeFeedbackIncorporation
	}
	st.description = message
	optimistic := st.transcript.AppendOptimistic(sessionID, models.SenderUser, message)
	o.mu.Unlock()

	err := o.backend.RefineSession(ctx, sessionID, backend.RefineRequest{Message: message, ActionType: action})

	o.mu.Lock()
	st.inFlight = false
	if err != nil {
		st.doc.Status = models.SessionStatusCompleted
		st.doc.UpdatedAt = o.now().UTC()
		st.transcript.MarkFailed(optimistic.ID)
		o.mu.Unlock()
		return fmt.Errorf("refine session %s: %w", sessionID, err)
	}
	err = o.startPollingLocked(sessionID, st)
	o.mu.Unlock()
	if err != nil {
		return err
	}

	o.log.Info("refinement accepted", "session", sessionID, "action", action)
	o.notifier.Notify(Event{Type: EventRefineAccepted, SessionID: sessionID, Status: models.SessionStatusGenerating})
	return nil
}

// Review fetches suggestions for the current content and records them in the
// transcript.
func (o *Orchestrator) Review(ctx context.Context, sessionID string) (*backend.ReviewResult, error) {
	if sessionID == "" {
		return nil, ErrNoActiveSession
	}

	o.mu.Lock()
	st, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoActiveSession, sessionID)
	}
	hasContent := st.doc.Content != ""
	o.mu.Unlock()
	if !hasContent {
		return nil, fmt.Errorf("%w: session %s has no completed content", ErrReview, sessionID)
	}

	res, err := o.backend.ReviewSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("review session %s: %w", sessionID, err)
	}

	id := res.ReviewMessageID
	if id == "" {
		id = "review-" + uuid.NewString()
	}
	st.transcript.Merge([]models.ChatMessage{{
		ID:        id,
		SessionID: sessionID,
		Sender:    models.SenderAgent,
		Text:      res.Suggestions,
		Timestamp: o.now().UTC(),
		Delivery:  models.DeliveryConfirmed,
	}})
	return res, nil
}

// LoadSession hydrates a session from the backend and resumes polling if a
// generation is still running.
func (o *Orchestrator) LoadSession(ctx context.Context, sessionID string) (*models.DocumentSession, error) {
	if sessionID == "" {
		return nil, ErrNoActiveSession
	}

	status, err := o.backend.GetSessionStatus(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	latest, err := o.hydrateVersions(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	history, err := o.backend.GetChatHistory(ctx, sessionID)
	if err != nil {
		o.log.Warn("chat history unavailable", "session", sessionID, "error", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	st, ok := o.sessions[sessionID]
	if !ok {
		st = &session{transcript: chat.New(chat.WithClock(o.now))}
		st.doc.CreatedAt = o.now().UTC()
		o.sessions[sessionID] = st
	}
	if st.inFlight || (st.poller != nil && st.poller.Running()) {
		// A refine is being accepted or a generation is being observed;
		// only refresh the transcript.
		st.transcript.Merge(history)
		doc := st.doc
		return &doc, nil
	}

	st.doc.ID = sessionID
	st.doc.Kind = o.kind.Name
	st.doc.Status = status.Status
	st.doc.Content = status.Content
	st.doc.LastError = status.Error
	st.doc.UpdatedAt = o.now().UTC()
	if latest != nil {
		st.doc.CurrentVersion = latest.Version
		if st.doc.Content == "" {
			st.doc.Content = latest.Content
		}
	}
	st.transcript.Merge(history)

	if status.Status == models.SessionStatusGenerating {
		st.oldContent = st.doc.Content
		st.changeType = models.ChangeInitialGeneration
		if latest != nil {
			st.changeType = models.ChangeAIRefinement
		}
		st.description = ""
		if err := o.startPollingLocked(sessionID, st); err != nil {
			return nil, err
		}
		o.log.Info("resumed polling", "session", sessionID)
	}

	doc := st.doc
	return &doc, nil
}

// hydrateVersions copies remote versions the ledger lacks and returns the
// latest local version.
func (o *Orchestrator) hydrateVersions(ctx context.Context, sessionID string) (*models.Version, error) {
	remote, err := o.backend.ListVersions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	latest, err := o.ledger.Latest(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	have := 0
	if latest != nil {
		have = latest.Version
	}

	for _, v := range sortedVersions(remote) {
		if v.Version <= have {
			continue
		}
		ct := v.ChangeType
		if !ct.Valid() {
			ct = models.ChangeAIRefinement
			if v.Version == 1 {
				ct = models.ChangeInitialGeneration
			}
		}
		n, err := o.ledger.Append(ctx, sessionID, v.Content, ct, v.ChangeDescription)
		if err != nil {
			return nil, err
		}
		if n != v.Version {
			o.log.Warn("ledger numbering differs from backend", "session", sessionID, "local", n, "remote", v.Version)
		}
		have = n
	}
	return o.ledger.Latest(ctx, sessionID)
}

// LoadVersion returns a stored version and its diff against the previous one.
// A found diff becomes the session's pending diff.
func (o *Orchestrator) LoadVersion(ctx context.Context, sessionID string, version int) (*models.Version, diff.Result, error) {
	if sessionID == "" {
		return nil, diff.Result{}, ErrNoActiveSession
	}
	if version < 1 {
		return nil, diff.Result{}, fmt.Errorf("%w: %s v%d", models.ErrVersionNotFound, sessionID, version)
	}

	v, err := o.ledger.Get(ctx, sessionID, version)
	if errors.Is(err, models.ErrVersionNotFound) {
		v, err = o.fetchVersion(ctx, sessionID, version)
	}
	if err != nil {
		return nil, diff.Result{}, err
	}

	var previous string
	if version > 1 {
		prev, err := o.ledger.Get(ctx, sessionID, version-1)
		switch {
		case err == nil:
			previous = prev.Content
		case !errors.Is(err, models.ErrVersionNotFound):
			return nil, diff.Result{}, err
		}
	}
	d := diff.ComputeFrom(previous, v.Content)

	o.mu.Lock()
	st, ok := o.sessions[sessionID]
	if !ok {
		st = &session{transcript: chat.New(chat.WithClock(o.now))}
		st.doc = models.DocumentSession{ID: sessionID, Kind: o.kind.Name, Status: models.SessionStatusDraft, CreatedAt: o.now().UTC()}
		o.sessions[sessionID] = st
	}
	if d.HasDiff {
		st.pendingDiff = d
	}
	o.mu.Unlock()

	o.notifier.Notify(Event{Type: EventVersionLoaded, SessionID: sessionID, Version: version, Diff: d, ViewDiff: d.HasDiff})
	return v, d, nil
}

// fetchVersion handles a ledger miss by asking the backend and hydrating.
func (o *Orchestrator) fetchVersion(ctx context.Context, sessionID string, version int) (*models.Version, error) {
	remote, err := o.backend.GetVersion(ctx, sessionID, version)
	if err != nil {
		return nil, fmt.Errorf("load version %d of %s: %w", version, sessionID, err)
	}
	if _, err := o.hydrateVersions(ctx, sessionID); err != nil {
		o.log.Warn("version hydration failed", "session", sessionID, "error", err)
	}
	v, err := o.ledger.Get(ctx, sessionID, version)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, models.ErrVersionNotFound) {
		return nil, err
	}
	remote.SessionID = sessionID
	return remote, nil
}

// Versions lists the session's versions known to the ledger.
func (o *Orchestrator) Versions(ctx context.Context, sessionID string) ([]*models.Version, error) {
	if sessionID == "" {
		return nil, ErrNoActiveSession
	}
	return o.ledger.List(ctx, sessionID)
}

// Wait blocks until the session's current generation ends, ctx is done or
// polling is stopped, and returns the session at that point.
func (o *Orchestrator) Wait(ctx context.Context, sessionID string) (*models.DocumentSession, error) {
	o.mu.Lock()
	st, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoActiveSession, sessionID)
	}
	done := st.done
	o.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	doc, _ := o.Session(sessionID)
	return doc, nil
}

// Session returns a copy of the session.
func (o *Orchestrator) Session(sessionID string) (*models.DocumentSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.sessions[sessionID]
	if !ok {
		return nil, false
	}
	doc := st.doc
	doc.Inputs = copyInputs(st.doc.Inputs)
	return &doc, true
}

// Transcript returns the session's chat messages.
func (o *Orchestrator) Transcript(sessionID string) []models.ChatMessage {
	o.mu.Lock()
	st, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	return st.transcript.Messages()
}

// PendingDiff returns the diff awaiting display, if any.
func (o *Orchestrator) PendingDiff(sessionID string) (diff.Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.sessions[sessionID]
	if !ok || !st.pendingDiff.HasDiff {
		return diff.Result{}, false
	}
	return st.pendingDiff, true
}

// ClearDiff dismisses the pending diff.
func (o *Orchestrator) ClearDiff(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.sessions[sessionID]; ok {
		st.pendingDiff = diff.Result{}
	}
}

// StopPolling stops observing the session. The backend generation keeps
// running; LoadSession resumes observation.
func (o *Orchestrator) StopPolling(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.sessions[sessionID]; ok {
		o.stopPollingLocked(st)
	}
}

// Close stops all polling. The orchestrator must not be used afterwards.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	for _, st := range o.sessions {
		o.stopPollingLocked(st)
	}
	o.mu.Unlock()
	o.cancel()
}

func (o *Orchestrator) stopPollingLocked(st *session) {
	if st.poller == nil {
		return
	}
	st.poller.Stop()
	st.poller = nil
	st.gen++
	if st.done != nil {
		close(st.done)
		st.done = nil
	}
}

func (o *Orchestrator) startPollingLocked(sessionID string, st *session) error {
	if st.poller != nil && st.poller.Running() {
		return fmt.Errorf("%w: %s is already being polled", ErrSessionBusy, sessionID)
	}
	opts := []poller.Option{
		poller.WithMaxPolls(o.maxPolls),
		poller.WithMaxWait(o.maxWait),
		poller.WithLogger(o.log),
		poller.WithClock(o.now),
	}
	if o.ticker != nil {
		opts = append(opts, poller.WithTicker(o.ticker))
	}

	st.gen++
	gen := st.gen
	p := poller.New(statusChecker{o.backend}, opts...)
	if err := p.Start(o.ctx, sessionID, o.interval, func(out poller.Outcome) {
		o.handleOutcome(sessionID, gen, out)
	}); err != nil {
		return err
	}
	st.poller = p
	if st.done != nil {
		close(st.done)
	}
	st.done = make(chan struct{})
	return nil
}

// handleOutcome applies a terminal poll result. Outcomes from a superseded
// or stopped loop are discarded.
func (o *Orchestrator) handleOutcome(sessionID string, gen int, out poller.Outcome) {
	o.mu.Lock()
	st, ok := o.sessions[sessionID]
	if !ok || st.gen != gen {
		o.mu.Unlock()
		return
	}
	oldContent, changeType, description := st.oldContent, st.changeType, st.description
	o.mu.Unlock()

	if out.Status == models.SessionStatusCompleted {
		o.complete(sessionID, st, gen, out, oldContent, changeType, description)
		return
	}
	o.fail(sessionID, st, gen, out.Err)
}

func (o *Orchestrator) complete(sessionID string, st *session, gen int, out poller.Outcome,
	oldContent string, changeType models.ChangeType, description string) {
	ctx := o.ctx

	if err := kinds.ValidateContent(o.kind, out.Content); err != nil {
		o.log.Warn("generated content does not validate", "session", sessionID, "kind", o.kind.Name, "error", err)
	}

	latest, err := o.ledger.Latest(ctx, sessionID)
	if err != nil {
		o.fail(sessionID, st, gen, fmt.Errorf("read latest version: %w", err))
		return
	}
	version := 0
	if latest != nil {
		version = latest.Version
	}
	if needsVersion(latest, out, changeType) {
		if latest == nil {
			changeType = models.ChangeInitialGeneration
		}
		version, err = o.ledger.Append(ctx, sessionID, out.Content, changeType, description)
		if err != nil {
			o.fail(sessionID, st, gen, fmt.Errorf("append version: %w", err))
			return
		}
	}
	if out.Version != 0 && out.Version != version {
		o.log.Warn("backend version differs from ledger", "session", sessionID, "backend", out.Version, "ledger", version)
	}

	d := diff.ComputeFrom(oldContent, out.Content)
	result := models.ChatMessage{
		ID:          "result-" + uuid.NewString(),
		SessionID:   sessionID,
		Sender:      models.SenderSystem,
		Text:        fmt.Sprintf("Generation completed (version %d)", version),
		Timestamp:   o.now().UTC(),
		MessageType: models.MessageTypeResult,
		Metadata:    d.Metadata(o.kind),
		Delivery:    models.DeliveryConfirmed,
	}

	o.mu.Lock()
	if st.gen != gen {
		o.mu.Unlock()
		return
	}
	st.doc.Status = models.SessionStatusCompleted
	st.doc.Content = out.Content
	st.doc.CurrentVersion = version
	st.doc.LastError = ""
	st.doc.UpdatedAt = o.now().UTC()
	if d.HasDiff {
		st.pendingDiff = d
	}
	st.transcript.Merge([]models.ChatMessage{result})
	o.mu.Unlock()

	if history, err := o.backend.GetChatHistory(ctx, sessionID); err != nil {
		o.log.Warn("chat history unavailable", "session", sessionID, "error", err)
	} else {
		st.transcript.Merge(history)
	}

	o.log.Info("generation completed", "session", sessionID, "version", version, "diff", d.HasDiff)
	o.notifier.Notify(Event{
		Type:      EventCompleted,
		SessionID: sessionID,
		Status:    models.SessionStatusCompleted,
		Version:   version,
		Diff:      d,
		ViewDiff:  d.HasDiff,
	})
	o.finishGeneration(st, gen)
}

// needsVersion reports whether a completed generation adds a version. A
// refinement always does, unless the ledger already holds the version the
// backend reported. Chat turns only add one when the content changed.
func needsVersion(latest *models.Version, out poller.Outcome, changeType models.ChangeType) bool {
	if latest == nil || latest.Content != out.Content {
		return true
	}
	if changeType != models.ChangeAIRefinement {
		return false
	}
	return out.Version == 0 || out.Version > latest.Version
}

func (o *Orchestrator) fail(sessionID string, st *session, gen int, cause error) {
	if cause == nil {
		cause = errors.New("generation failed")
	}

	o.mu.Lock()
	if st.gen != gen {
		o.mu.Unlock()
		return
	}
	st.doc.Status = models.SessionStatusFailed
	st.doc.LastError = cause.Error()
	st.doc.UpdatedAt = o.now().UTC()
	o.mu.Unlock()

	o.log.Warn("generation failed", "session", sessionID, "error", cause)
	o.notifier.Notify(Event{Type: EventFailed, SessionID: sessionID, Status: models.SessionStatusFailed, Err: cause})
	o.finishGeneration(st, gen)
}

// finishGeneration releases the poller and wakes waiters. It runs after
// Notify, so Wait returns only once the terminal event was delivered.
func (o *Orchestrator) finishGeneration(st *session, gen int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st.gen != gen {
		return
	}
	st.poller = nil
	if st.done != nil {
		close(st.done)
		st.done = nil
	}
}

// statusChecker adapts the backend to poller.Checker.
type statusChecker struct {
	client backend.Client
}

func (c statusChecker) CheckStatus(ctx context.Context, sessionID string) (*poller.Status, error) {
	st, err := c.client.GetSessionStatus(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &poller.Status{Status: st.Status, Content: st.Content, Version: st.Version, Error: st.Error}, nil
}

func copyInputs(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedVersions(vs []*models.Version) []*models.Version {
	out := make([]*models.Version, 0, len(vs))
	for _, v := range vs {
		if v != nil {
			out = append(out, v)
		}
	}
	slices.SortFunc(out, func(a, b *models.Version) int { return a.Version - b.Version })
	return out
}
