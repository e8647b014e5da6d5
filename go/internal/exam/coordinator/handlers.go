package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/acadops/examsession/go/internal/exam/commit"
	"github.com/acadops/examsession/go/internal/exam/events"
	"github.com/acadops/examsession/go/internal/exam/gateway"
	"github.com/acadops/examsession/go/internal/exam/registry"
	"github.com/acadops/examsession/go/internal/exam/session"
)

// Error codes reported to the originating connection. None of these crash
// the coordinator; they are typed error events on the wire.
const (
	codeUnknownConnection = "unknown_connection"
	codeUnauthorized      = "unauthorized_action"
	codeSessionNotFound   = "session_not_found"
	codeRejoinDenied      = "rejoin_denied"
	codeRejectedTooLate   = "submit_rejected_too_late"
	codeStoreUnavailable  = "store_unavailable"
	codeInvalidTransition = "invalid_transition"
	codeBadMessage        = "bad_message"
	codeResolutionFailed  = "resolution_failed"
)

func decodeClientMessage(data []byte) (gateway.ClientMessage, error) {
	var msg gateway.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("malformed message: %w", err)
	}
	if msg.Kind == "" {
		return msg, errors.New("message kind is required")
	}
	return msg, nil
}

func (c *Coordinator) handleJoin(conn registry.Connection, msg gateway.ClientMessage) {
	if msg.SessionID == "" {
		c.sendError(conn.ID, "", codeBadMessage, "session_id is required to join")
		return
	}

	// External validation runs before and outside the room's exclusive
	// section so a slow lookup cannot stall broadcasts to the room.
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.JoinTimeout)
	defer cancel()
	exists, err := c.directory.Exists(ctx, msg.SessionID, msg.AcademyID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", msg.SessionID).Msg("session existence check failed")
		c.sendError(conn.ID, msg.SessionID, codeStoreUnavailable, "session validation failed, try again")
		return
	}
	if !exists {
		c.sendError(conn.ID, msg.SessionID, codeSessionNotFound, "session does not exist")
		return
	}

	var emitted []*events.ExamEvent
	err = c.rooms.WithRoom(msg.SessionID, func(r *session.Room) error {
		now := c.clock.Now()
		member := session.Member{
			ConnID:      conn.ID,
			UserID:      conn.UserID,
			DisplayName: conn.DisplayName,
			Role:        conn.Role,
			JoinedAt:    now,
		}
		if err := r.AddMember(member, now); err != nil {
			return err
		}
		if err := c.registry.BindSession(conn.ID, msg.SessionID); err != nil {
			r.RemoveMember(conn.ID, now)
			return err
		}
		c.router.JoinSession(conn.ID, msg.SessionID)

		joined := c.newEvent(msg.SessionID, events.EventTypeStudentJoined, events.StudentJoinedPayload{
			UserID:      conn.UserID,
			DisplayName: conn.DisplayName,
			Role:        string(conn.Role),
			JoinedAt:    now,
		})
		c.router.Broadcast(msg.SessionID, joined, gateway.AudienceAll)
		emitted = append(emitted, joined, c.broadcastStatus(r))
		return nil
	})
	switch {
	case errors.Is(err, session.ErrRejoinDenied):
		c.sendError(conn.ID, msg.SessionID, codeRejoinDenied, "session already completed")
		return
	case err != nil:
		c.sendError(conn.ID, msg.SessionID, codeBadMessage, err.Error())
		return
	}
	c.mirror(emitted...)

	log.Info().
		Str("session_id", msg.SessionID).
		Str("user_id", conn.UserID).
		Str("role", string(conn.Role)).
		Msg("joined session")
}

func (c *Coordinator) handleControl(conn registry.Connection, msg gateway.ClientMessage) {
	if conn.Role != registry.RoleTeacher {
		c.sendError(conn.ID, msg.SessionID, codeUnauthorized, "only the teacher can control the session")
		return
	}

	sessionID := conn.SessionID
	if sessionID == "" {
		sessionID = msg.SessionID
	}
	if sessionID == "" {
		c.sendError(conn.ID, "", codeBadMessage, "no session to control")
		return
	}

	var emitted []*events.ExamEvent
	err := c.rooms.WithRoom(sessionID, func(r *session.Room) error {
		now := c.clock.Now()
		switch msg.Action {
		case gateway.ActionStart:
			duration := time.Duration(msg.DurationSec) * time.Second
			if err := r.Start(now, duration); err != nil {
				return err
			}
			c.timers.Arm(sessionID, duration)
			start := c.newEvent(sessionID, events.EventTypeSessionStart, events.SessionStartPayload{
				SessionID:   sessionID,
				StartedBy:   conn.UserID,
				StartedAt:   now,
				DurationSec: msg.DurationSec,
			})
			c.router.Broadcast(sessionID, start, gateway.AudienceAll)
			emitted = append(emitted, start, c.broadcastStatus(r))
			return nil

		case gateway.ActionPause:
			if err := r.Pause(now); err != nil {
				return err
			}
			c.timers.Disarm(sessionID)
			emitted = append(emitted, c.broadcastStatus(r))
			return nil

		case gateway.ActionResume:
			if err := r.Resume(now); err != nil {
				return err
			}
			c.timers.Arm(sessionID, r.Remaining(now))
			emitted = append(emitted, c.broadcastStatus(r))
			return nil

		case gateway.ActionEnd:
			evs, err := c.completeRoom(r, session.CauseManual)
			emitted = append(emitted, evs...)
			return err

		default:
			return fmt.Errorf("unknown control action: %q", msg.Action)
		}
	})
	switch {
	case errors.Is(err, session.ErrInvalidTransition):
		c.sendError(conn.ID, sessionID, codeInvalidTransition, err.Error())
		return
	case errors.Is(err, session.ErrDurationRequired):
		c.sendError(conn.ID, sessionID, codeBadMessage, "start requires a positive duration")
		return
	case err != nil:
		c.sendError(conn.ID, sessionID, codeBadMessage, err.Error())
		return
	}
	c.mirror(emitted...)
}

func (c *Coordinator) handleSubmit(conn registry.Connection, msg gateway.ClientMessage) {
	if conn.Role != registry.RoleStudent {
		c.sendError(conn.ID, msg.SessionID, codeUnauthorized, "only students submit answers")
		return
	}
	if conn.SessionID == "" {
		c.sendError(conn.ID, "", codeBadMessage, "join a session before submitting")
		return
	}
	if msg.QuestionID == "" {
		c.sendError(conn.ID, conn.SessionID, codeBadMessage, "question_id is required")
		return
	}

	// The pipeline decides the outcome and performs the store hand-off
	// outside any room lock; a disconnect from here on does not cancel it.
	result, err := c.pipeline.Submit(context.Background(), conn.SessionID, conn.UserID, msg.QuestionID, msg.Answer, msg.TimeSpentSec)
	switch {
	case errors.Is(err, commit.ErrStoreUnavailable):
		c.sendError(conn.ID, conn.SessionID, codeStoreUnavailable, "answer may not have been saved, retry")
		return
	case errors.Is(err, commit.ErrSessionNotStarted):
		c.sendError(conn.ID, conn.SessionID, codeBadMessage, "exam has not started")
		return
	case err != nil:
		c.sendError(conn.ID, conn.SessionID, codeBadMessage, err.Error())
		return
	}

	ack := c.newEvent(conn.SessionID, events.EventTypeAnswerAck, events.AnswerAckPayload{
		QuestionID: msg.QuestionID,
		Outcome:    string(result),
	})
	c.router.SendTo(conn.ID, ack)

	if result == commit.RejectedTooLate {
		c.sendError(conn.ID, conn.SessionID, codeRejectedTooLate, "answer may not have been saved, retry")
		return
	}

	submitted := c.newEvent(conn.SessionID, events.EventTypeAnswerSubmitted, events.AnswerSubmittedPayload{
		StudentID:   conn.UserID,
		QuestionID:  msg.QuestionID,
		SubmittedAt: c.clock.Now(),
	}).WithOrigin(conn.UserID)
	c.router.Broadcast(conn.SessionID, submitted, gateway.AudienceTeachers)
	c.mirror(submitted)
}

// handleFinish is the manual "submit exam" path. It waits for every
// outstanding submit from the student before requesting session-level
// completion on their behalf. A failed resolution alerts the student instead
// of finishing silently, with one exception: too-late rejections under a
// timer-caused completion are excused, because the grace window was honored
// and the lateness is the timer's doing. A store failure is never excused;
// that answer is actually lost.
func (c *Coordinator) handleFinish(conn registry.Connection, msg gateway.ClientMessage) {
	if conn.Role != registry.RoleStudent {
		c.sendError(conn.ID, msg.SessionID, codeUnauthorized, "only students finish an exam")
		return
	}
	if conn.SessionID == "" {
		c.sendError(conn.ID, "", codeBadMessage, "join a session before finishing")
		return
	}
	sessionID := conn.SessionID

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FinishTimeout)
	defer cancel()
	if err := c.pipeline.WaitOutstanding(ctx, sessionID, conn.UserID); err != nil {
		c.sendError(conn.ID, sessionID, codeResolutionFailed, "answers are still being saved, try again")
		return
	}

	res := c.pipeline.StudentResolution(sessionID, conn.UserID)

	var emitted []*events.ExamEvent
	var routedToResults bool
	err := c.rooms.WithExistingRoom(sessionID, func(r *session.Room) error {
		if r.Status == session.StatusCompleted {
			excusable := res.TooLateRejected && !res.StoreFailed &&
				r.CompletionCause == session.CauseTimer
			if res.Failed() && !excusable {
				return errResolutionFailed
			}
			// Either a clean record, or only too-late rejections under a
			// timer expiry: the grace window was honored, the student
			// still gets results.
			end := c.newEvent(sessionID, events.EventTypeSessionEnd, events.SessionEndPayload{
				SessionID:   sessionID,
				CompletedAt: r.CompletedAt,
				Cause:       string(r.CompletionCause),
			})
			c.router.SendTo(conn.ID, end)
			routedToResults = true
			return nil
		}

		if res.Failed() {
			return errResolutionFailed
		}

		evs, err := c.completeRoom(r, session.CauseStudentFinish)
		emitted = append(emitted, evs...)
		return err
	})
	switch {
	case errors.Is(err, errResolutionFailed):
		c.sendError(conn.ID, sessionID, codeResolutionFailed, "some answers were not saved; do not leave yet")
		return
	case errors.Is(err, session.ErrSessionNotFound):
		c.sendError(conn.ID, sessionID, codeSessionNotFound, "session does not exist")
		return
	case err != nil:
		c.sendError(conn.ID, sessionID, codeBadMessage, err.Error())
		return
	}
	c.mirror(emitted...)

	log.Info().
		Str("session_id", sessionID).
		Str("student_id", conn.UserID).
		Bool("routed_to_results", routedToResults).
		Msg("exam finished manually")
}

var errResolutionFailed = errors.New("answer resolution failed")

func (c *Coordinator) handleBroadcastMessage(conn registry.Connection, msg gateway.ClientMessage) {
	if conn.SessionID == "" {
		c.sendError(conn.ID, "", codeBadMessage, "join a session before messaging")
		return
	}
	if msg.Text == "" {
		c.sendError(conn.ID, conn.SessionID, codeBadMessage, "message text is required")
		return
	}

	var emitted []*events.ExamEvent
	err := c.rooms.WithExistingRoom(conn.SessionID, func(r *session.Room) error {
		ev := c.newEvent(conn.SessionID, events.EventTypeBroadcastMessage, events.BroadcastMessagePayload{
			From:     conn.UserID,
			FromRole: string(conn.Role),
			Text:     msg.Text,
			Category: msg.Category,
			SentAt:   c.clock.Now(),
		}).WithOrigin(conn.UserID)
		c.router.Broadcast(conn.SessionID, ev, gateway.AudienceAll)
		emitted = append(emitted, ev)
		return nil
	})
	if err != nil {
		c.sendError(conn.ID, conn.SessionID, codeSessionNotFound, "session does not exist")
		return
	}
	c.mirror(emitted...)
}

// Timer hooks. Each runs on the countdown goroutine and re-enters the
// room's exclusive section, so warnings and ticks interleave with
// transitions in a single observable order.

func (c *Coordinator) onTimeWarning(sessionID string, remaining time.Duration) {
	var emitted []*events.ExamEvent
	err := c.rooms.WithExistingRoom(sessionID, func(r *session.Room) error {
		if r.Status != session.StatusActive {
			return nil
		}
		ev := c.newEvent(sessionID, events.EventTypeTimeWarning, events.TimeWarningPayload{
			RemainingSec: int(remaining.Seconds()),
			WarnedAt:     c.clock.Now(),
		})
		c.router.Broadcast(sessionID, ev, gateway.AudienceAll)
		emitted = append(emitted, ev)
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("time warning for unknown session")
		return
	}
	c.mirror(emitted...)
}

func (c *Coordinator) onTimerTick(sessionID string, remaining time.Duration) {
	err := c.rooms.WithExistingRoom(sessionID, func(r *session.Room) error {
		if r.Status != session.StatusActive {
			return nil
		}
		c.broadcastStatus(r)
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("timer tick for unknown session")
	}
}

// onTimerExpire fires the authoritative active -> completed transition with
// no teacher action required, even when no teacher is connected.
func (c *Coordinator) onTimerExpire(sessionID string) {
	var emitted []*events.ExamEvent
	err := c.rooms.WithExistingRoom(sessionID, func(r *session.Room) error {
		evs, err := c.completeRoom(r, session.CauseTimer)
		emitted = append(emitted, evs...)
		return err
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("timer expiry could not complete session")
		return
	}
	c.mirror(emitted...)
}
