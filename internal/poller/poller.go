// Package poller watches a generating session until it reaches a terminal
// status.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joescharf/docgen/internal/models"
)

// Default polling cadence and bound.
const (
	DefaultInterval = 3 * time.Second
	DefaultMaxPolls = 200
)

var (
	// ErrTimeout is reported when a session never reached a terminal status
	// within the poll or wall-clock bound.
	ErrTimeout = errors.New("generation timed out")

	// ErrAlreadyRunning is returned by Start on an active controller.
	ErrAlreadyRunning = errors.New("poller already running")
)

// Status is one status check result.
type Status struct {
	Status  models.SessionStatus
	Content string
	Version int
	Error   string
}

// Checker fetches the current status of a session.
type Checker interface {
	CheckStatus(ctx context.Context, sessionID string) (*Status, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, sessionID string) (*Status, error)

// CheckStatus implements Checker.
func (f CheckerFunc) CheckStatus(ctx context.Context, sessionID string) (*Status, error) {
	return f(ctx, sessionID)
}

// Outcome is delivered exactly once when polling ends on its own.
// Err is ErrTimeout (wrapped) when the bound was hit.
type Outcome struct {
	SessionID string
	Status    models.SessionStatus
	Content   string
	Version   int
	Polls     int
	Err       error
}

// TerminalFunc receives the outcome of a poll loop.
type TerminalFunc func(Outcome)

// Ticker is the part of time.Ticker the controller uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func newRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// Option configures a Controller.
type Option func(*Controller)

// WithMaxPolls bounds the number of status checks. n <= 0 disables the bound.
func WithMaxPolls(n int) Option {
	return func(c *Controller) { c.maxPolls = n }
}

// WithMaxWait bounds the wall-clock time spent polling. d <= 0 disables it.
func WithMaxWait(d time.Duration) Option {
	return func(c *Controller) { c.maxWait = d }
}

// WithTicker replaces the time source, mainly for tests.
func WithTicker(fn TickerFunc) Option {
	return func(c *Controller) { c.newTicker = fn }
}

// WithClock replaces the clock used for the wall-clock bound.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger for poll errors.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// Controller polls one session at a time. Checks are strictly sequential:
// the next one is not issued until the previous one returned.
type Controller struct {
	checker   Checker
	maxPolls  int
	maxWait   time.Duration
	newTicker TickerFunc
	now       func() time.Time
	log       *slog.Logger

	mu        sync.Mutex
	running   bool
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
	polls     int
}

// New creates an idle Controller.
func New(checker Checker, opts ...Option) *Controller {
	c := &Controller{
		checker:   checker,
		maxPolls:  DefaultMaxPolls,
		newTicker: newRealTicker,
		now:       time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins polling sessionID every interval. onTerminal is called once
// from the polling goroutine unless Stop is called first.
func (c *Controller) Start(ctx context.Context, sessionID string, interval time.Duration, onTerminal TerminalFunc) error {
	if sessionID == "" {
		return fmt.Errorf("start poller: session id is required")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("%w: session %s", ErrAlreadyRunning, c.sessionID)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.sessionID = sessionID
	c.cancel = cancel
	c.done = make(chan struct{})
	c.polls = 0

	ticker := c.newTicker(interval)
	go c.loop(loopCtx, ticker, sessionID, onTerminal, c.done)
	return nil
}

// Stop cancels polling. It is safe to call repeatedly, before Start, or
// after the loop already finished. A check in flight is abandoned and its
// result discarded.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.running = false
}

// Running reports whether the loop is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Polls returns the number of status checks issued by the current or last loop.
func (c *Controller) Polls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

// Done is closed when the current loop exits. It returns nil before Start.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Controller) loop(ctx context.Context, ticker Ticker, sessionID string, onTerminal TerminalFunc, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	defer func() {
		c.mu.Lock()
		if c.done == done {
			c.running = false
		}
		c.mu.Unlock()
	}()

	started := c.now()
	polls := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}

		polls++
		c.mu.Lock()
		if c.done == done {
			c.polls = polls
		}
		c.mu.Unlock()

		st, err := c.checker.CheckStatus(ctx, sessionID)
		if ctx.Err() != nil {
			return
		}

		var out *Outcome
		switch {
		case err != nil:
			c.log.Warn("status check failed, retrying next tick", "session", sessionID, "poll", polls, "error", err)
		case st.Status == models.SessionStatusCompleted:
			out = &Outcome{Status: st.Status, Content: st.Content, Version: st.Version}
		case st.Status == models.SessionStatusFailed:
			out = &Outcome{Status: st.Status}
			if st.Error != "" {
				out.Err = errors.New(st.Error)
			}
		}

		if out == nil {
			if c.maxPolls > 0 && polls >= c.maxPolls {
				out = &Outcome{Status: models.SessionStatusFailed,
					Err: fmt.Errorf("%w after %d polls", ErrTimeout, polls)}
			} else if c.maxWait > 0 && c.now().Sub(started) >= c.maxWait {
				out = &Outcome{Status: models.SessionStatusFailed,
					Err: fmt.Errorf("%w after %s", ErrTimeout, c.maxWait)}
			}
		}
		if out == nil {
			continue
		}

		out.SessionID = sessionID
		out.Polls = polls
		if !c.finish(ctx, done) {
			return
		}
		if onTerminal != nil {
			onTerminal(*out)
		}
		return
	}
}

// finish marks the loop stopped unless Stop already won the race.
func (c *Controller) finish(ctx context.Context, done chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil || c.done != done {
		return false
	}
	c.running = false
	if c.cancel != nil {
		c.cancel()
	}
	return true
}
