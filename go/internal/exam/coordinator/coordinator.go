package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/acadops/examsession/go/internal/exam/commit"
	"github.com/acadops/examsession/go/internal/exam/events"
	"github.com/acadops/examsession/go/internal/exam/gateway"
	"github.com/acadops/examsession/go/internal/exam/registry"
	"github.com/acadops/examsession/go/internal/exam/session"
	"github.com/acadops/examsession/go/internal/exam/timer"
)

// SessionDirectory is the external session-existence collaborator, consulted
// once at join time. Sessions are created by the scheduling subsystem, never
// here.
type SessionDirectory interface {
	Exists(ctx context.Context, sessionID, academyID string) (bool, error)
}

// EventSink mirrors outbound events to the message bus for downstream
// consumers. Best-effort; never on a session's critical path.
type EventSink interface {
	Publish(ctx context.Context, event *events.ExamEvent) error
}

// Broadcaster is what the coordinator needs from the gateway.
// gateway.Manager satisfies it.
type Broadcaster interface {
	Broadcast(sessionID string, event *events.ExamEvent, audience gateway.Audience)
	SendTo(connID string, event *events.ExamEvent)
	JoinSession(connID, sessionID string)
	LeaveSession(connID, sessionID string)
}

// Config holds the coordinator's timeouts.
type Config struct {
	// JoinTimeout bounds the session-existence check at join time.
	JoinTimeout time.Duration
	// FinishTimeout bounds how long a manual finish waits for the student's
	// outstanding submits to resolve.
	FinishTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 5 * time.Second
	}
	if c.FinishTimeout <= 0 {
		c.FinishTimeout = 30 * time.Second
	}
}

// Coordinator orchestrates the registry, rooms, timer, commit pipeline and
// router in response to inbound control messages. All mutation for one
// session happens behind that session's exclusive section; the store
// hand-off and the join-time existence check are awaited outside it.
type Coordinator struct {
	registry  *registry.Registry
	rooms     *session.Manager
	timers    *timer.Service
	pipeline  *commit.Pipeline
	router    Broadcaster
	directory SessionDirectory
	sink      EventSink
	clock     clockwork.Clock
	cfg       Config
}

// New wires a coordinator. The timer service is constructed here so its
// hooks land back on the coordinator.
func New(
	reg *registry.Registry,
	rooms *session.Manager,
	pipeline *commit.Pipeline,
	router Broadcaster,
	directory SessionDirectory,
	sink EventSink,
	clock clockwork.Clock,
	timerCfg timer.Config,
	cfg Config,
) *Coordinator {
	cfg.applyDefaults()
	c := &Coordinator{
		registry:  reg,
		rooms:     rooms,
		pipeline:  pipeline,
		router:    router,
		directory: directory,
		sink:      sink,
		clock:     clock,
		cfg:       cfg,
	}
	c.timers = timer.New(clock, timerCfg, timer.Hooks{
		OnWarning: c.onTimeWarning,
		OnTick:    c.onTimerTick,
		OnExpire:  c.onTimerExpire,
	})
	return c
}

// Timers exposes the timer service, for shutdown and inspection.
func (c *Coordinator) Timers() *timer.Service {
	return c.timers
}

// ConnectionCounts reports live connections per role, for the stats surface.
func (c *Coordinator) ConnectionCounts() map[registry.Role]int {
	return c.registry.CountByRole()
}

// OnConnect registers the transport connection's identity. Implements
// gateway.Handler.
func (c *Coordinator) OnConnect(connID string, role registry.Role, userID, displayName string) error {
	_, err := c.registry.Register(connID, role, userID, displayName)
	return err
}

// OnMessage dispatches one inbound frame. Implements gateway.Handler. A
// handler panic is contained to a warning log: many unrelated sessions share
// this process and none of them may take it down.
func (c *Coordinator) OnMessage(connID string, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("connection_id", connID).
				Interface("panic", r).
				Msg("message handler panicked")
		}
	}()

	conn, err := c.registry.Get(connID)
	if err != nil {
		c.sendError(connID, "", codeUnknownConnection, "connection is not registered")
		return
	}

	msg, err := decodeClientMessage(data)
	if err != nil {
		c.sendError(connID, conn.SessionID, codeBadMessage, err.Error())
		return
	}

	switch msg.Kind {
	case gateway.KindJoinSession:
		c.handleJoin(conn, msg)
	case gateway.KindControlSession:
		c.handleControl(conn, msg)
	case gateway.KindSubmitAnswer:
		c.handleSubmit(conn, msg)
	case gateway.KindFinishExam:
		c.handleFinish(conn, msg)
	case gateway.KindBroadcastMessage:
		c.handleBroadcastMessage(conn, msg)
	case gateway.KindHeartbeatPing:
		// Liveness is handled by websocket ping/pong; the app-level
		// heartbeat needs no reply.
		log.Debug().Str("connection_id", connID).Msg("heartbeat")
	default:
		c.sendError(connID, conn.SessionID, codeBadMessage, "unknown message kind: "+msg.Kind)
	}
}

// OnDisconnect reclaims the connection's resources and recomputes the room.
// Implements gateway.Handler. In-flight answer commits already accepted into
// the pipeline are unaffected.
func (c *Coordinator) OnDisconnect(connID string) {
	rec, ok := c.registry.Unregister(connID)
	if !ok || rec.SessionID == "" {
		return
	}

	var emitted []*events.ExamEvent
	err := c.rooms.WithExistingRoom(rec.SessionID, func(r *session.Room) error {
		now := c.clock.Now()
		member, removed := r.RemoveMember(connID, now)
		if !removed {
			return nil
		}
		c.router.LeaveSession(connID, rec.SessionID)

		left := c.newEvent(rec.SessionID, events.EventTypeStudentLeft, events.StudentLeftPayload{
			UserID:      member.UserID,
			DisplayName: member.DisplayName,
			Role:        string(member.Role),
			LeftAt:      now,
		})
		c.router.Broadcast(rec.SessionID, left, gateway.AudienceAll)
		emitted = append(emitted, left)

		emitted = append(emitted, c.broadcastStatus(r))
		return nil
	})
	if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		log.Warn().Err(err).Str("session_id", rec.SessionID).Msg("disconnect cleanup failed")
	}
	c.mirror(emitted...)
}

// broadcastStatus recomputes and broadcasts the aggregate room status.
// Callers hold the room's exclusive section, so enqueue order matches
// transition order.
func (c *Coordinator) broadcastStatus(r *session.Room) *events.ExamEvent {
	snap := r.Snapshot(c.clock.Now())
	ev := c.newEvent(r.ID, events.EventTypeSessionStatus, events.SessionStatusPayload{
		SessionID:    snap.SessionID,
		Status:       string(snap.Status),
		TeacherCount: snap.TeacherCount,
		StudentCount: snap.StudentCount,
		RemainingSec: int(snap.Remaining.Seconds()),
	})
	c.router.Broadcast(r.ID, ev, gateway.AudienceAll)
	return ev
}

// completeRoom applies the terminal transition and emits its events. Called
// inside the room's exclusive section. Idempotent: when the room already
// completed, the duplicate request is a no-op with a warning log, never an
// error, so the timer and a manual end racing each other cannot double-fire.
func (c *Coordinator) completeRoom(r *session.Room, cause session.CompletionCause) ([]*events.ExamEvent, error) {
	now := c.clock.Now()
	completedNow, err := r.Complete(now, cause)
	if err != nil {
		return nil, err
	}
	if !completedNow {
		log.Warn().
			Str("session_id", r.ID).
			Str("requested_cause", string(cause)).
			Str("actual_cause", string(r.CompletionCause)).
			Msg("completion requested on already-completed session; ignoring")
		return nil, nil
	}

	c.timers.Disarm(r.ID)

	end := c.newEvent(r.ID, events.EventTypeSessionEnd, events.SessionEndPayload{
		SessionID:   r.ID,
		CompletedAt: now,
		Cause:       string(cause),
	})
	c.router.Broadcast(r.ID, end, gateway.AudienceAll)

	status := c.broadcastStatus(r)

	log.Info().
		Str("session_id", r.ID).
		Str("cause", string(cause)).
		Msg("session completed")
	return []*events.ExamEvent{end, status}, nil
}

// newEvent builds an envelope, tolerating marshal failure with a log so
// handlers stay linear; payloads here are all marshalable structs.
func (c *Coordinator) newEvent(sessionID string, eventType events.EventType, payload interface{}) *events.ExamEvent {
	ev, err := events.New(sessionID, eventType, c.clock.Now(), payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to build event")
		return &events.ExamEvent{SessionID: sessionID, Type: eventType, Timestamp: c.clock.Now()}
	}
	return ev
}

// mirror publishes events to the sink off the critical path.
func (c *Coordinator) mirror(evs ...*events.ExamEvent) {
	if c.sink == nil || len(evs) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, ev := range evs {
			if ev == nil {
				continue
			}
			if err := c.sink.Publish(ctx, ev); err != nil {
				log.Warn().
					Err(err).
					Str("event_type", string(ev.Type)).
					Str("session_id", ev.SessionID).
					Msg("event mirror publish failed")
			}
		}
	}()
}

func (c *Coordinator) sendError(connID, sessionID, code, message string) {
	ev := c.newEvent(sessionID, events.EventTypeError, events.ErrorPayload{
		Code:    code,
		Message: message,
	})
	c.router.SendTo(connID, ev)
}
