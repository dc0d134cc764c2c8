// Package session coordinates the extraction pipeline: it owns the durable
// session rows, drives the multi-turn extractor conversation over queued
// material, and finalizes sessions with a summary.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/papercomputeco/engram/pkg/extractor"
	"github.com/papercomputeco/engram/pkg/observation"
	"github.com/papercomputeco/engram/pkg/queue"
	"github.com/papercomputeco/engram/pkg/store"
)

// historyLimit caps how many conversation turns are replayed to the
// extractor. Older turns fall off; the system prompt carries the format.
const historyLimit = 20

// ActiveSession is the in-memory extraction state for one live session.
type ActiveSession struct {
	MemoryID  string
	ContentID string
	Project   string

	userPrompt   string
	promptNumber int
	history      []extractor.Turn
}

// Manager owns active sessions and drives extraction for them. One goroutine
// processes a given session at a time; different sessions proceed
// independently.
type Manager struct {
	store     store.Store
	queue     queue.Queue
	extractor extractor.Extractor
	processor *Processor
	logger    *zap.Logger

	mu     sync.Mutex
	active map[string]*ActiveSession
	busy   map[string]bool
}

// NewManager creates a session manager.
func NewManager(
	s store.Store,
	q queue.Queue,
	ex extractor.Extractor,
	p *Processor,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		store:     s,
		queue:     q,
		extractor: ex,
		processor: p,
		logger:    logger,
		active:    make(map[string]*ActiveSession),
		busy:      make(map[string]bool),
	}
}

// EnsureSession returns the active session for memoryID, creating the durable
// row on first sight and re-attaching a rotated transcript id otherwise.
func (m *Manager) EnsureSession(ctx context.Context, memoryID, contentID, project, userPrompt string) (*ActiveSession, error) {
	m.mu.Lock()
	if sess, ok := m.active[memoryID]; ok {
		m.mu.Unlock()
		if contentID != "" && contentID != sess.ContentID {
			if err := m.store.UpdateContentID(ctx, memoryID, contentID); err != nil {
				return nil, fmt.Errorf("updating content id: %w", err)
			}
			sess.ContentID = contentID
			m.logger.Info("session content id rotated",
				zap.String("session", memoryID), zap.String("content_id", contentID))
		}
		return sess, nil
	}
	m.mu.Unlock()

	row, err := m.store.GetSessionByMemoryID(ctx, memoryID)
	switch {
	case err == nil:
		if contentID != "" && contentID != row.ContentID {
			if err := m.store.UpdateContentID(ctx, memoryID, contentID); err != nil {
				return nil, fmt.Errorf("updating content id: %w", err)
			}
			row.ContentID = contentID
		}

	case errors.As(err, &store.ErrNotFound{}):
		row = &observation.Session{
			MemoryID:   memoryID,
			ContentID:  contentID,
			Project:    project,
			UserPrompt: userPrompt,
			StartedAt:  time.Now().UnixMilli(),
		}
		if err := m.store.CreateSession(ctx, row); err != nil {
			return nil, fmt.Errorf("creating session: %w", err)
		}
		m.logger.Info("session started",
			zap.String("session", memoryID), zap.String("project", project))

	default:
		return nil, fmt.Errorf("loading session: %w", err)
	}

	sess := &ActiveSession{
		MemoryID:     row.MemoryID,
		ContentID:    row.ContentID,
		Project:      row.Project,
		userPrompt:   row.UserPrompt,
		promptNumber: row.PromptCount,
	}
	if sess.userPrompt == "" {
		sess.userPrompt = userPrompt
	}

	m.mu.Lock()
	if existing, ok := m.active[memoryID]; ok {
		sess = existing
	} else {
		m.active[memoryID] = sess
	}
	m.mu.Unlock()

	return sess, nil
}

// tryAcquire marks a session busy; returns false when another goroutine is
// already processing it.
func (m *Manager) tryAcquire(memoryID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.busy[memoryID] {
		return false
	}
	m.busy[memoryID] = true
	return true
}

func (m *Manager) release(memoryID string) {
	m.mu.Lock()
	delete(m.busy, memoryID)
	m.mu.Unlock()
}

// ProcessPending drains the session's queued material through the extractor.
// Each message is claimed, extracted, persisted and acknowledged in order.
// A failed message is returned for retry and draining stops so ordering
// holds. Returns the number of messages fully processed and whether a
// session-end marker was consumed.
func (m *Manager) ProcessPending(ctx context.Context, sess *ActiveSession) (int, bool, error) {
	if !m.tryAcquire(sess.MemoryID) {
		return 0, false, nil
	}
	defer m.release(sess.MemoryID)

	processed := 0
	ended := false
	for {
		if ctx.Err() != nil {
			return processed, ended, ctx.Err()
		}

		msg, err := m.queue.ClaimNext(ctx, sess.MemoryID)
		if errors.Is(err, queue.ErrEmpty) {
			return processed, ended, nil
		}
		if err != nil {
			return processed, ended, fmt.Errorf("claiming message: %w", err)
		}

		// End markers carry no material; they just signal finalization.
		if msg.Kind == queue.KindSessionEnd {
			if err := m.queue.MarkProcessed(ctx, msg.ID); err != nil {
				return processed, ended, fmt.Errorf("marking message processed: %w", err)
			}
			ended = true
			processed++
			continue
		}

		if err := m.processMessage(ctx, sess, msg); err != nil {
			if markErr := m.queue.MarkFailed(ctx, msg.ID, err); markErr != nil {
				m.logger.Error("marking message failed",
					zap.Int64("message", msg.ID), zap.Error(markErr))
			}
			m.logger.Warn("extraction failed",
				zap.String("session", sess.MemoryID),
				zap.Int64("message", msg.ID),
				zap.Error(err),
			)
			return processed, ended, err
		}

		if err := m.queue.MarkProcessed(ctx, msg.ID); err != nil {
			return processed, ended, fmt.Errorf("marking message processed: %w", err)
		}
		processed++
	}
}

// processMessage runs one extraction turn and persists the result.
func (m *Manager) processMessage(ctx context.Context, sess *ActiveSession, msg *queue.Message) error {
	if sess.Project == "" && msg.Project != "" {
		sess.Project = msg.Project
	}
	if msg.Kind == queue.KindUserPrompt {
		sess.promptNumber++
		if sess.userPrompt == "" {
			sess.userPrompt = msg.Payload
		}
	}

	prompt := extractor.ObservationPrompt(string(msg.Kind), msg.Payload)

	resp, err := m.extractor.Extract(ctx, extractor.Request{
		System:  extractor.SystemPrompt,
		History: sess.history,
		Prompt:  prompt,
	})
	if err != nil {
		return fmt.Errorf("extracting: %w", err)
	}

	observations := extractor.ParseObservations(resp.Text)
	for _, o := range observations {
		o.PromptNumber = sess.promptNumber
	}

	_, err = m.processor.Persist(ctx, store.ExtractionBatch{
		MemorySessionID: sess.MemoryID,
		Project:         sess.Project,
		PromptNumber:    sess.promptNumber,
		Observations:    observations,
		InputTokens:     resp.Usage.InputTokens,
		OutputTokens:    resp.Usage.OutputTokens,
		Timestamp:       msg.CreatedAt,
	})
	if err != nil {
		return err
	}

	sess.history = appendTurns(sess.history, prompt, resp.Text)

	return nil
}

// appendTurns records one exchange, trimming the oldest beyond historyLimit.
func appendTurns(history []extractor.Turn, prompt, reply string) []extractor.Turn {
	history = append(history,
		extractor.Turn{Role: "user", Text: prompt},
		extractor.Turn{Role: "assistant", Text: reply},
	)
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	return history
}

// Finalize drains remaining material, asks the extractor for a session
// summary and completes the durable row. The session leaves the active set
// even when the summary fails; queued material is never lost.
func (m *Manager) Finalize(ctx context.Context, sess *ActiveSession) error {
	if _, _, err := m.ProcessPending(ctx, sess); err != nil {
		m.logger.Warn("finalize drained with errors",
			zap.String("session", sess.MemoryID), zap.Error(err))
	}

	defer func() {
		m.mu.Lock()
		delete(m.active, sess.MemoryID)
		m.mu.Unlock()
	}()

	resp, err := m.extractor.Extract(ctx, extractor.Request{
		System:  extractor.SystemPrompt,
		History: sess.history,
		Prompt:  extractor.SummaryPrompt(sess.userPrompt),
	})
	if err != nil {
		return fmt.Errorf("extracting summary: %w", err)
	}

	summary := extractor.ParseSummary(resp.Text)
	if summary == nil {
		if reason, ok := extractor.SkipReason(resp.Text); ok {
			m.logger.Info("summary skipped",
				zap.String("session", sess.MemoryID), zap.String("reason", reason))
		}
	} else {
		_, err = m.processor.Persist(ctx, store.ExtractionBatch{
			MemorySessionID: sess.MemoryID,
			Project:         sess.Project,
			PromptNumber:    sess.promptNumber,
			Summary:         summary,
			InputTokens:     resp.Usage.InputTokens,
			OutputTokens:    resp.Usage.OutputTokens,
		})
		if err != nil {
			return fmt.Errorf("persisting summary: %w", err)
		}
	}

	if err := m.store.CompleteSession(ctx, sess.MemoryID, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("completing session: %w", err)
	}

	m.logger.Info("session finalized",
		zap.String("session", sess.MemoryID),
		zap.Int("prompts", sess.promptNumber),
	)

	return nil
}

// Abort drops a session's in-memory state without summarizing. Queued
// material stays pending and is picked up on the next resume.
func (m *Manager) Abort(memoryID string) {
	m.mu.Lock()
	delete(m.active, memoryID)
	m.mu.Unlock()
}

// ResumePending re-activates sessions that still have queued work, typically
// at startup after a crash.
func (m *Manager) ResumePending(ctx context.Context) ([]string, error) {
	sessions, err := m.queue.PendingSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pending sessions: %w", err)
	}

	var resumed []string
	for _, id := range sessions {
		row, err := m.store.GetSessionByMemoryID(ctx, id)
		if err != nil {
			m.logger.Warn("pending session has no durable row",
				zap.String("session", id), zap.Error(err))
			continue
		}

		sess, err := m.EnsureSession(ctx, row.MemoryID, row.ContentID, row.Project, row.UserPrompt)
		if err != nil {
			return resumed, err
		}

		_, ended, err := m.ProcessPending(ctx, sess)
		if err != nil {
			m.logger.Warn("resume processing failed",
				zap.String("session", id), zap.Error(err))
			continue
		}
		if ended {
			if err := m.Finalize(ctx, sess); err != nil {
				m.logger.Warn("resume finalize failed",
					zap.String("session", id), zap.Error(err))
			}
		}
		resumed = append(resumed, id)
	}

	return resumed, nil
}
