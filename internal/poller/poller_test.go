package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/docgen/internal/models"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeTicker is advanced by hand. Sends block until the loop receives.
type fakeTicker struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeTicker) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// tick delivers one tick, reporting false if nobody received it.
func (f *fakeTicker) tick(wait time.Duration) bool {
	select {
	case f.ch <- time.Now():
		return true
	case <-time.After(wait):
		return false
	}
}

type tickerFactory struct {
	mu       sync.Mutex
	tickers  []*fakeTicker
	interval time.Duration
}

func (tf *tickerFactory) new(d time.Duration) Ticker {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	t := &fakeTicker{ch: make(chan time.Time)}
	tf.tickers = append(tf.tickers, t)
	tf.interval = d
	return t
}

func (tf *tickerFactory) last() *fakeTicker {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return tf.tickers[len(tf.tickers)-1]
}

type response struct {
	status *Status
	err    error
}

// scriptedChecker replays responses, repeating the last one.
type scriptedChecker struct {
	mu        sync.Mutex
	responses []response
	calls     int
	checked   chan struct{}
	release   chan struct{} // when non-nil, each check waits for it
}

func newChecker(responses ...response) *scriptedChecker {
	return &scriptedChecker{responses: responses, checked: make(chan struct{}, 100)}
}

func (s *scriptedChecker) CheckStatus(_ context.Context, _ string) (*Status, error) {
	if s.release != nil {
		<-s.release
	}
	s.mu.Lock()
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	r := s.responses[idx]
	s.mu.Unlock()
	s.checked <- struct{}{}
	return r.status, r.err
}

func (s *scriptedChecker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func generating() response {
	return response{status: &Status{Status: models.SessionStatusGenerating}}
}

func completed(content string, version int) response {
	return response{status: &Status{Status: models.SessionStatusCompleted, Content: content, Version: version}}
}

type harness struct {
	ctrl     *Controller
	checker  *scriptedChecker
	tickers  *tickerFactory
	outcomes chan Outcome
}

func newHarness(t *testing.T, checker *scriptedChecker, opts ...Option) *harness {
	t.Helper()
	tf := &tickerFactory{}
	opts = append([]Option{WithTicker(tf.new)}, opts...)
	h := &harness{
		ctrl:     New(checker, opts...),
		checker:  checker,
		tickers:  tf,
		outcomes: make(chan Outcome, 4),
	}
	t.Cleanup(h.ctrl.Stop)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.ctrl.Start(context.Background(), "sess1", 3*time.Second, func(o Outcome) {
		h.outcomes <- o
	}))
}

// step advances simulated time by one interval and waits for the check.
func (h *harness) step(t *testing.T) {
	t.Helper()
	require.True(t, h.tickers.last().tick(time.Second), "loop did not accept tick")
	select {
	case <-h.checker.checked:
	case <-time.After(time.Second):
		t.Fatal("status check not issued")
	}
}

func (h *harness) outcome(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-h.outcomes:
		return o
	case <-time.After(time.Second):
		t.Fatal("no terminal outcome")
		return Outcome{}
	}
}

func waitDone(t *testing.T, c *Controller) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit")
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestController_CompletesAfterPolling(t *testing.T) {
	h := newHarness(t, newChecker(generating(), generating(), completed("# Doc v1", 1)))
	h.start(t)
	assert.Equal(t, 3*time.Second, h.tickers.interval)

	h.step(t)
	h.step(t)
	h.step(t)

	o := h.outcome(t)
	assert.Equal(t, "sess1", o.SessionID)
	assert.Equal(t, models.SessionStatusCompleted, o.Status)
	assert.Equal(t, "# Doc v1", o.Content)
	assert.Equal(t, 1, o.Version)
	assert.Equal(t, 3, o.Polls)
	assert.NoError(t, o.Err)

	waitDone(t, h.ctrl)
	assert.False(t, h.ctrl.Running())
	assert.True(t, h.tickers.last().isStopped())
	assert.Equal(t, 3, h.ctrl.Polls())
}

func TestController_Failed(t *testing.T) {
	h := newHarness(t, newChecker(response{status: &Status{Status: models.SessionStatusFailed, Error: "model overloaded"}}))
	h.start(t)
	h.step(t)

	o := h.outcome(t)
	assert.Equal(t, models.SessionStatusFailed, o.Status)
	require.Error(t, o.Err)
	assert.Contains(t, o.Err.Error(), "model overloaded")
	assert.False(t, errors.Is(o.Err, ErrTimeout))
}

func TestController_RetriesErrorsOnNextTick(t *testing.T) {
	boom := response{err: errors.New("connection refused")}
	h := newHarness(t, newChecker(boom, boom, completed("ok", 1)))
	h.start(t)

	h.step(t)
	h.step(t)
	assert.True(t, h.ctrl.Running(), "errors do not stop polling")
	h.step(t)

	o := h.outcome(t)
	assert.Equal(t, models.SessionStatusCompleted, o.Status)
	assert.Equal(t, 3, h.checker.callCount())
}

func TestController_MaxPollsTimeout(t *testing.T) {
	h := newHarness(t, newChecker(generating()), WithMaxPolls(2))
	h.start(t)

	h.step(t)
	h.step(t)

	o := h.outcome(t)
	assert.Equal(t, models.SessionStatusFailed, o.Status)
	assert.ErrorIs(t, o.Err, ErrTimeout)
	assert.Equal(t, 2, o.Polls)
	waitDone(t, h.ctrl)
}

func TestController_ErrorsCountTowardTimeout(t *testing.T) {
	h := newHarness(t, newChecker(response{err: errors.New("503")}), WithMaxPolls(3))
	h.start(t)

	h.step(t)
	h.step(t)
	h.step(t)

	o := h.outcome(t)
	assert.ErrorIs(t, o.Err, ErrTimeout)
}

func TestController_MaxWaitTimeout(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	h := newHarness(t, newChecker(generating()), WithMaxPolls(0), WithMaxWait(time.Minute), WithClock(clock))
	h.start(t)

	h.step(t)
	assert.True(t, h.ctrl.Running())

	advance(2 * time.Minute)
	h.step(t)

	o := h.outcome(t)
	assert.ErrorIs(t, o.Err, ErrTimeout)
}

func TestController_StopMidInterval(t *testing.T) {
	h := newHarness(t, newChecker(generating()))
	h.start(t)

	h.step(t)
	require.Equal(t, 1, h.checker.callCount())

	h.ctrl.Stop()
	waitDone(t, h.ctrl)

	// Advancing past the interval issues no further status calls.
	assert.False(t, h.tickers.last().tick(50*time.Millisecond))
	assert.Equal(t, 1, h.checker.callCount())
	assert.Empty(t, h.outcomes)
	assert.True(t, h.tickers.last().isStopped())
}

func TestController_StopIdempotent(t *testing.T) {
	c := New(newChecker(generating()))
	c.Stop()
	c.Stop()
	assert.Nil(t, c.Done())

	h := newHarness(t, newChecker(completed("x", 1)))
	h.start(t)
	h.step(t)
	h.outcome(t)
	waitDone(t, h.ctrl)

	// Stopping after the loop finished is harmless.
	h.ctrl.Stop()
	h.ctrl.Stop()
	assert.False(t, h.ctrl.Running())
}

func TestController_LateResponseDiscarded(t *testing.T) {
	checker := newChecker(completed("late", 1))
	checker.release = make(chan struct{})
	h := newHarness(t, checker)
	h.start(t)

	require.True(t, h.tickers.last().tick(time.Second))
	h.ctrl.Stop()
	close(checker.release)

	waitDone(t, h.ctrl)
	assert.Empty(t, h.outcomes, "a response arriving after Stop must not be applied")
}

func TestController_SingleActiveLoop(t *testing.T) {
	h := newHarness(t, newChecker(generating()))
	h.start(t)

	err := h.ctrl.Start(context.Background(), "sess1", time.Second, nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	h.ctrl.Stop()
	waitDone(t, h.ctrl)
	require.NoError(t, h.ctrl.Start(context.Background(), "sess1", time.Second, nil))
	assert.True(t, h.ctrl.Running())
}

func TestController_StartValidation(t *testing.T) {
	c := New(newChecker(generating()))
	assert.Error(t, c.Start(context.Background(), "", time.Second, nil))
}

func TestController_ParentContextCancels(t *testing.T) {
	h := newHarness(t, newChecker(generating()))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.ctrl.Start(ctx, "sess1", time.Second, func(o Outcome) { h.outcomes <- o }))

	cancel()
	waitDone(t, h.ctrl)
	assert.False(t, h.ctrl.Running())
	assert.Equal(t, 0, h.checker.callCount())
	assert.Empty(t, h.outcomes)
}

func TestCheckerFunc(t *testing.T) {
	var got string
	f := CheckerFunc(func(_ context.Context, id string) (*Status, error) {
		got = id
		return &Status{Status: models.SessionStatusGenerating}, nil
	})
	st, err := f.CheckStatus(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", got)
	assert.Equal(t, models.SessionStatusGenerating, st.Status)
}
