// Package chat keeps the ordered, deduplicated chat log of a session.
package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joescharf/docgen/internal/models"
)

// TempIDPrefix marks client-generated ids of optimistic messages.
const TempIDPrefix = "tmp-"

// DefaultReconcileWindow bounds how far apart an optimistic message and its
// server copy may be timestamped and still be treated as the same message.
const DefaultReconcileWindow = 2 * time.Minute

// Merge returns existing plus every incoming message whose id is not yet
// present, sorted by timestamp then id. Neither input slice is modified.
func Merge(existing, incoming []models.ChatMessage) []models.ChatMessage {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]models.ChatMessage, 0, len(existing)+len(incoming))
	for _, m := range existing {
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	for _, m := range incoming {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	sortMessages(out)
	return out
}

func sortMessages(msgs []models.ChatMessage) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

// Transcript is a session's chat log. It is safe for concurrent use.
type Transcript struct {
	mu       sync.Mutex
	messages []models.ChatMessage
	window   time.Duration
	now      func() time.Time
}

// Option configures a Transcript.
type Option func(*Transcript)

// WithReconcileWindow overrides DefaultReconcileWindow.
func WithReconcileWindow(d time.Duration) Option {
	return func(t *Transcript) { t.window = d }
}

// WithClock overrides the clock used to timestamp optimistic messages.
func WithClock(now func() time.Time) Option {
	return func(t *Transcript) { t.now = now }
}

// New creates an empty transcript.
func New(opts ...Option) *Transcript {
	t := &Transcript{
		window: DefaultReconcileWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Messages returns a copy of the transcript.
func (t *Transcript) Messages() []models.ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.ChatMessage(nil), t.messages...)
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Merge folds a batch from the backend into the transcript and returns the
// new full transcript. Each newly added confirmed message replaces at most
// one matching pending optimistic message, so the size never decreases.
func (t *Transcript) Merge(incoming []models.ChatMessage) []models.ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	present := make(map[string]struct{}, len(t.messages))
	for _, m := range t.messages {
		present[m.ID] = struct{}{}
	}

	drop := make(map[string]struct{})
	for _, in := range incoming {
		if _, ok := present[in.ID]; ok || in.Pending() {
			continue
		}
		present[in.ID] = struct{}{}
		if id, ok := t.matchPending(in, drop); ok {
			drop[id] = struct{}{}
		}
	}

	kept := t.messages[:0:0]
	for _, m := range t.messages {
		if _, ok := drop[m.ID]; ok {
			continue
		}
		kept = append(kept, m)
	}
	t.messages = Merge(kept, confirmed(incoming))
	return append([]models.ChatMessage(nil), t.messages...)
}

// matchPending finds the earliest pending message that in confirms.
func (t *Transcript) matchPending(in models.ChatMessage, taken map[string]struct{}) (string, bool) {
	for _, m := range t.messages {
		if !m.Pending() {
			continue
		}
		if _, ok := taken[m.ID]; ok {
			continue
		}
		if m.Sender != in.Sender || m.Text != in.Text {
			continue
		}
		delta := in.Timestamp.Sub(m.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta <= t.window {
			return m.ID, true
		}
	}
	return "", false
}

func confirmed(msgs []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Delivery == "" {
			m.Delivery = models.DeliveryConfirmed
		}
		out = append(out, m)
	}
	return out
}

// AppendOptimistic adds a pending message with a temporary id and returns it.
func (t *Transcript) AppendOptimistic(sessionID string, sender models.Sender, text string) models.ChatMessage {
	msg := models.ChatMessage{
		ID:        TempIDPrefix + uuid.NewString(),
		SessionID: sessionID,
		Sender:    sender,
		Text:      text,
		Timestamp: t.now().UTC(),
		Delivery:  models.DeliveryPending,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = Merge(t.messages, []models.ChatMessage{msg})
	return msg
}

// MarkFailed flags a pending message as never accepted by the backend.
// The message stays visible.
func (t *Transcript) MarkFailed(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.messages {
		if t.messages[i].ID == id && t.messages[i].Pending() {
			t.messages[i].Delivery = models.DeliveryFailed
			return true
		}
	}
	return false
}

// Pending returns the messages still awaiting confirmation.
func (t *Transcript) Pending() []models.ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []models.ChatMessage
	for _, m := range t.messages {
		if m.Pending() {
			out = append(out, m)
		}
	}
	return out
}
