package api

import (
	"context"
	"fmt"

	"github.com/joescharf/docgen/internal/kinds"
	"github.com/joescharf/docgen/internal/models"
)

// jobResult is what a generation job produced. An empty content leaves the
// document unchanged. A new version is recorded when content changed, or
// always when newVersion is set.
type jobResult struct {
	content     string
	reply       string
	changeType  models.ChangeType
	description string
	newVersion  bool
}

type jobFunc func(ctx context.Context) (jobResult, error)

// startJob runs fn in the background and records its outcome. The session
// must already be in the generating status.
func (s *Server) startJob(k models.DocumentKind, sessionID string, fn jobFunc) {
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		res, err := fn(ctx)
		if err == nil && res.content != "" {
			err = kinds.ValidateContent(k, res.content)
		}
		if ctx.Err() == context.DeadlineExceeded && err != nil {
			err = fmt.Errorf("generation timed out after %s: %w", s.timeout, err)
		}

		// Record with a fresh context so a shutdown still persists the outcome.
		if ferr := s.finishJob(context.WithoutCancel(ctx), sessionID, res, err); ferr != nil {
			s.log.Error("failed to record generation outcome", "session", sessionID, "error", ferr)
		}
	}()
}

func (s *Server) finishJob(ctx context.Context, sessionID string, res jobResult, jobErr error) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if jobErr != nil {
		s.log.Warn("generation failed", "session", sessionID, "error", jobErr)
		sess.Status = models.SessionStatusFailed
		sess.LastError = jobErr.Error()
		if err := s.store.AddChatMessage(ctx, &models.ChatMessage{
			SessionID:   sessionID,
			Sender:      models.SenderSystem,
			Text:        "Generation failed: " + jobErr.Error(),
			MessageType: models.MessageTypeStatus,
		}); err != nil {
			s.log.Warn("failed to record status message", "session", sessionID, "error", err)
		}
		return s.store.UpdateSession(ctx, sess)
	}

	if res.content != "" && (res.newVersion || res.content != sess.Content) {
		n, err := s.ledger.Append(ctx, sessionID, res.content, res.changeType, res.description)
		if err != nil {
			return err
		}
		sess.Content = res.content
		sess.CurrentVersion = n
	}
	if res.reply != "" {
		if err := s.store.AddChatMessage(ctx, &models.ChatMessage{
			SessionID: sessionID,
			Sender:    models.SenderAgent,
			Text:      res.reply,
		}); err != nil {
			s.log.Warn("failed to record agent reply", "session", sessionID, "error", err)
		}
	}
	sess.Status = models.SessionStatusCompleted
	sess.LastError = ""
	s.log.Info("generation completed", "session", sessionID, "version", sess.CurrentVersion)
	return s.store.UpdateSession(ctx, sess)
}
