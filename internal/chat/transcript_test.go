package chat

import (
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/docgen/internal/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id string, sender models.Sender, text string, offset time.Duration) models.ChatMessage {
	return models.ChatMessage{ID: id, Sender: sender, Text: text, Timestamp: base.Add(offset)}
}

func ids(msgs []models.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func isSorted(msgs []models.ChatMessage) bool {
	return sort.SliceIsSorted(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.Before(msgs[j].Timestamp)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func TestMerge_DedupAndSort(t *testing.T) {
	existing := []models.ChatMessage{
		msg("m1", models.SenderUser, "hi", 0),
		msg("m3", models.SenderAgent, "done", 3*time.Second),
	}
	incoming := []models.ChatMessage{
		msg("m3", models.SenderAgent, "done", 3*time.Second),
		msg("m2", models.SenderAgent, "working", 2*time.Second),
		msg("m2", models.SenderAgent, "working", 2*time.Second),
	}

	got := Merge(existing, incoming)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(got))
	assert.Len(t, existing, 2, "inputs are not modified")
}

func TestMerge_TieBrokenByID(t *testing.T) {
	got := Merge(nil, []models.ChatMessage{
		msg("b", models.SenderAgent, "x", 0),
		msg("a", models.SenderAgent, "y", 0),
	})
	assert.Equal(t, []string{"a", "b"}, ids(got))
}

func TestMerge_Idempotent(t *testing.T) {
	existing := []models.ChatMessage{msg("m1", models.SenderUser, "hi", 0)}
	batch := []models.ChatMessage{
		msg("m4", models.SenderAgent, "late", 10*time.Second),
		msg("m2", models.SenderAgent, "early", time.Second),
	}

	once := Merge(existing, batch)
	twice := Merge(once, batch)
	assert.Equal(t, once, twice)
}

func TestMerge_NeverShrinksAndStaysSorted(t *testing.T) {
	var transcript []models.ChatMessage
	for round := 0; round < 20; round++ {
		var batch []models.ChatMessage
		for i := 0; i < 5; i++ {
			n := (round*7 + i*3) % 25
			batch = append(batch, msg(fmt.Sprintf("m%02d", n), models.SenderAgent, "x", time.Duration(25-n)*time.Second))
		}
		before := len(transcript)
		transcript = Merge(transcript, batch)
		assert.GreaterOrEqual(t, len(transcript), before)
		assert.True(t, isSorted(transcript))
	}
}

func TestTranscript_AppendOptimistic(t *testing.T) {
	tr := New(WithClock(func() time.Time { return base }))

	m := tr.AppendOptimistic("sess1", models.SenderUser, "fix typo")
	assert.True(t, strings.HasPrefix(m.ID, TempIDPrefix))
	assert.True(t, m.Pending())
	assert.Equal(t, "sess1", m.SessionID)
	assert.Equal(t, base, m.Timestamp)

	require.Equal(t, 1, tr.Len())
	assert.Len(t, tr.Pending(), 1)
}

func TestTranscript_ReconcilesOptimisticMessage(t *testing.T) {
	tr := New(WithClock(func() time.Time { return base }))
	tr.Merge([]models.ChatMessage{msg("s1", models.SenderAgent, "generated", -time.Minute)})
	tr.AppendOptimistic("sess1", models.SenderUser, "fix typo")

	got := tr.Merge([]models.ChatMessage{
		msg("s1", models.SenderAgent, "generated", -time.Minute),
		msg("s2", models.SenderUser, "fix typo", 2*time.Second),
		msg("s3", models.SenderAgent, "updated", 30*time.Second),
	})

	assert.Equal(t, []string{"s1", "s2", "s3"}, ids(got))
	assert.Empty(t, tr.Pending())
	for _, m := range got {
		assert.Equal(t, models.DeliveryConfirmed, m.Delivery)
	}
}

func TestTranscript_ReconcileRespectsWindow(t *testing.T) {
	tr := New(WithClock(func() time.Time { return base }), WithReconcileWindow(time.Second))
	tr.AppendOptimistic("sess1", models.SenderUser, "fix typo")

	got := tr.Merge([]models.ChatMessage{msg("s2", models.SenderUser, "fix typo", time.Hour)})
	assert.Len(t, got, 2, "outside the window both copies are kept")
	assert.Len(t, tr.Pending(), 1)
}

func TestTranscript_ReconcileOneForOne(t *testing.T) {
	tr := New(WithClock(func() time.Time { return base }))
	tr.AppendOptimistic("sess1", models.SenderUser, "again")
	tr.AppendOptimistic("sess1", models.SenderUser, "again")

	got := tr.Merge([]models.ChatMessage{msg("s1", models.SenderUser, "again", time.Second)})
	assert.Len(t, got, 2)
	assert.Len(t, tr.Pending(), 1)
}

func TestTranscript_MergeIdempotent(t *testing.T) {
	tr := New()
	batch := []models.ChatMessage{
		msg("a", models.SenderAgent, "one", 0),
		msg("b", models.SenderAgent, "two", time.Second),
	}
	first := tr.Merge(batch)
	second := tr.Merge(batch)
	assert.Equal(t, first, second)
}

func TestTranscript_MarkFailed(t *testing.T) {
	tr := New()
	m := tr.AppendOptimistic("sess1", models.SenderUser, "hello")

	assert.True(t, tr.MarkFailed(m.ID))
	assert.False(t, tr.MarkFailed(m.ID), "only pending messages can fail")
	assert.Empty(t, tr.Pending())

	msgs := tr.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.DeliveryFailed, msgs[0].Delivery)
}
