package commit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/acadops/examsession/go/internal/exam/session"
)

// Result is a submit's outcome. These are business outcomes, not errors:
// a rejected-too-late submit is a valid resolution, not a failure of the
// pipeline itself.
type Result string

const (
	Accepted        Result = "accepted"
	AcceptedInGrace Result = "accepted_in_grace"
	RejectedTooLate Result = "rejected_too_late"
)

// DefaultGraceWindow is how long after session completion late-arriving
// submits are still honored, so answers already in flight at the instant of
// expiry land instead of being silently dropped.
const DefaultGraceWindow = 60 * time.Second

// AnswerStore is the external answer-store collaborator. The pipeline hands
// answers off and tracks only the hand-off's success or failure; it never
// persists anything itself.
type AnswerStore interface {
	Persist(ctx context.Context, sessionID, studentID, questionID string, answer json.RawMessage, timeSpentSec int) error
}

// StatusSource is the read-only view of session state the pipeline consults.
// The pipeline never transitions session state; it only reads the current
// status and completion timestamp. session.Manager satisfies this.
type StatusSource interface {
	Snapshot(sessionID string) (session.Snapshot, error)
}

// Config holds the pipeline tunables.
type Config struct {
	GraceWindow  time.Duration
	StoreTimeout time.Duration
}

// Pipeline serializes answer submissions against session completion: submits
// while active or paused are accepted, submits within the grace window after
// completion are accepted in grace, and later submits are rejected without a
// store hand-off.
type Pipeline struct {
	store    AnswerStore
	sessions StatusSource
	clock    clockwork.Clock
	cfg      Config

	mu          sync.Mutex
	outstanding map[string]int
	waiters     map[string][]chan struct{}
	failed      map[string]Resolution
}

// Resolution is the accumulated failure record for one (session, student)
// pair. The two kinds matter separately: a too-late rejection after timer
// expiry is excusable (the grace window was honored), a store failure never
// is — the answer is actually gone.
type Resolution struct {
	TooLateRejected bool
	StoreFailed     bool
}

// Failed reports whether any submit failed to resolve cleanly.
func (r Resolution) Failed() bool {
	return r.TooLateRejected || r.StoreFailed
}

// New creates a pipeline. Non-positive config values fall back to defaults.
func New(store AnswerStore, sessions StatusSource, clock clockwork.Clock, cfg Config) *Pipeline {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	return &Pipeline{
		store:       store,
		sessions:    sessions,
		clock:       clock,
		cfg:         cfg,
		outstanding: make(map[string]int),
		waiters:     make(map[string][]chan struct{}),
		failed:      make(map[string]Resolution),
	}
}

// Submit resolves one answer submission. The store hand-off runs outside any
// session lock and is detached from the caller's cancellation: a disconnect
// never cancels a submit already accepted into the pipeline.
func (p *Pipeline) Submit(ctx context.Context, sessionID, studentID, questionID string, answer json.RawMessage, timeSpentSec int) (Result, error) {
	snap, err := p.sessions.Snapshot(sessionID)
	if err != nil {
		return "", err
	}

	var result Result
	switch snap.Status {
	case session.StatusActive, session.StatusPaused:
		result = Accepted
	case session.StatusCompleted:
		elapsed := p.clock.Now().Sub(snap.CompletedAt)
		if elapsed <= 0 {
			// At or before the completion instant: a regular accept, the
			// grace window has not started yet.
			result = Accepted
		} else if elapsed <= p.cfg.GraceWindow {
			result = AcceptedInGrace
		} else {
			log.Info().
				Str("session_id", sessionID).
				Str("student_id", studentID).
				Str("question_id", questionID).
				Dur("past_completion", elapsed).
				Msg("submit rejected past grace window")
			p.markTooLate(sessionID, studentID)
			return RejectedTooLate, nil
		}
	default:
		return "", ErrSessionNotStarted
	}

	key := outstandingKey(sessionID, studentID)
	p.track(key)
	defer p.untrack(key)

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StoreTimeout)
	defer cancel()

	if err := p.store.Persist(storeCtx, sessionID, studentID, questionID, answer, timeSpentSec); err != nil {
		p.markStoreFailure(sessionID, studentID)
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if result == AcceptedInGrace {
		log.Info().
			Str("session_id", sessionID).
			Str("student_id", studentID).
			Str("question_id", questionID).
			Msg("submit accepted in grace window")
	}
	return result, nil
}

// WaitOutstanding blocks until every in-flight submit from the student has
// resolved, or the context is done. The manual finish-exam path calls this
// before requesting session completion on the student's behalf.
func (p *Pipeline) WaitOutstanding(ctx context.Context, sessionID, studentID string) error {
	key := outstandingKey(sessionID, studentID)

	p.mu.Lock()
	if p.outstanding[key] == 0 {
		p.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	p.waiters[key] = append(p.waiters[key], done)
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StudentResolution reports how the student's submits resolved. The
// finish-exam path uses this to tell "your answers did not all land" apart
// from a clean finish; whether a too-late rejection is excusable (the timer
// already completed the session) is the caller's call, made against the
// room's completion cause. A store failure is never excusable.
func (p *Pipeline) StudentResolution(sessionID, studentID string) Resolution {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed[outstandingKey(sessionID, studentID)]
}

func (p *Pipeline) markTooLate(sessionID, studentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := outstandingKey(sessionID, studentID)
	res := p.failed[key]
	res.TooLateRejected = true
	p.failed[key] = res
}

func (p *Pipeline) markStoreFailure(sessionID, studentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := outstandingKey(sessionID, studentID)
	res := p.failed[key]
	res.StoreFailed = true
	p.failed[key] = res
}

// Outstanding returns the number of unresolved submits for the student.
func (p *Pipeline) Outstanding(sessionID, studentID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding[outstandingKey(sessionID, studentID)]
}

func (p *Pipeline) track(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding[key]++
}

func (p *Pipeline) untrack(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding[key]--
	if p.outstanding[key] <= 0 {
		delete(p.outstanding, key)
		for _, done := range p.waiters[key] {
			close(done)
		}
		delete(p.waiters, key)
	}
}

func outstandingKey(sessionID, studentID string) string {
	return sessionID + "\x00" + studentID
}
