package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/acadops/examsession/go/internal/exam/commit"
	"github.com/acadops/examsession/go/internal/exam/events"
	"github.com/acadops/examsession/go/internal/exam/gateway"
	"github.com/acadops/examsession/go/internal/exam/registry"
	"github.com/acadops/examsession/go/internal/exam/session"
	"github.com/acadops/examsession/go/internal/exam/timer"
)

var t0 = time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

// fakeRouter records every fanout the coordinator requests.
type fakeRouter struct {
	mu         sync.Mutex
	broadcasts []routedEvent
	directs    []routedEvent
	joined     map[string]string // connID -> sessionID
}

type routedEvent struct {
	sessionID string
	connID    string
	audience  gateway.Audience
	event     *events.ExamEvent
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{joined: make(map[string]string)}
}

func (f *fakeRouter) Broadcast(sessionID string, event *events.ExamEvent, audience gateway.Audience) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, routedEvent{sessionID: sessionID, audience: audience, event: event})
}

func (f *fakeRouter) SendTo(connID string, event *events.ExamEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directs = append(f.directs, routedEvent{connID: connID, event: event})
}

func (f *fakeRouter) JoinSession(connID, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined[connID] = sessionID
}

func (f *fakeRouter) LeaveSession(connID, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.joined, connID)
}

func (f *fakeRouter) broadcastsOf(eventType events.EventType) []routedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []routedEvent
	for _, r := range f.broadcasts {
		if r.event != nil && r.event.Type == eventType {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeRouter) directsOf(eventType events.EventType) []routedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []routedEvent
	for _, r := range f.directs {
		if r.event != nil && r.event.Type == eventType {
			out = append(out, r)
		}
	}
	return out
}

// fakeDirectory knows a fixed set of session IDs.
type fakeDirectory struct {
	known map[string]bool
	err   error
}

func (f *fakeDirectory) Exists(ctx context.Context, sessionID, academyID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.known[sessionID], nil
}

// memStore records persisted answers in memory.
type memStore struct {
	mu       sync.Mutex
	persists []string
	failWith error
}

func (s *memStore) Persist(ctx context.Context, sessionID, studentID, questionID string, answer json.RawMessage, timeSpentSec int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	s.persists = append(s.persists, questionID)
	return nil
}

type fixture struct {
	coord  *Coordinator
	router *fakeRouter
	clock  *clockwork.FakeClock
	store  *memStore
	rooms  *session.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	reg := registry.New(clock)
	rooms := session.NewManager(clock, session.DefaultRetention)
	store := &memStore{}
	pipeline := commit.New(store, rooms, clock, commit.Config{})
	router := newFakeRouter()
	directory := &fakeDirectory{known: map[string]bool{"exam-1": true}}
	coord := New(reg, rooms, pipeline, router, directory, nil, clock, timer.DefaultConfig(), Config{})
	return &fixture{coord: coord, router: router, clock: clock, store: store, rooms: rooms}
}

func (f *fixture) connect(t *testing.T, connID string, role registry.Role, userID string) {
	t.Helper()
	if err := f.coord.OnConnect(connID, role, userID, userID); err != nil {
		t.Fatalf("OnConnect(%s): %v", connID, err)
	}
}

func (f *fixture) send(t *testing.T, connID string, msg gateway.ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	f.coord.OnMessage(connID, data)
}

func (f *fixture) join(t *testing.T, connID string) {
	t.Helper()
	f.send(t, connID, gateway.ClientMessage{Kind: gateway.KindJoinSession, SessionID: "exam-1", AcademyID: "acad-1"})
}

func (f *fixture) startSession(t *testing.T, teacherConn string, durationSec int) {
	t.Helper()
	f.send(t, teacherConn, gateway.ClientMessage{
		Kind:        gateway.KindControlSession,
		Action:      gateway.ActionStart,
		DurationSec: durationSec,
	})
}

func errorCodes(router *fakeRouter) []string {
	var codes []string
	for _, r := range router.directsOf(events.EventTypeError) {
		raw, err := events.ParseEventPayload(r.event)
		if err != nil {
			continue
		}
		if p, ok := raw.(events.ErrorPayload); ok {
			codes = append(codes, p.Code)
		}
	}
	return codes
}

// payloadAs decodes an event through the shared payload parser and asserts
// it came back as the expected struct.
func payloadAs[T any](t *testing.T, ev *events.ExamEvent) T {
	t.Helper()
	raw, err := events.ParseEventPayload(ev)
	if err != nil {
		t.Fatalf("parse %s payload: %v", ev.Type, err)
	}
	p, ok := raw.(T)
	if !ok {
		t.Fatalf("payload for %s decoded as %T", ev.Type, raw)
	}
	return p
}

func TestJoinBroadcastsMembershipAndStatus(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c-t", registry.RoleTeacher, "teacher-1")
	f.connect(t, "c-s", registry.RoleStudent, "student-1")
	f.join(t, "c-t")
	f.join(t, "c-s")

	joins := f.router.broadcastsOf(events.EventTypeStudentJoined)
	if len(joins) != 2 {
		t.Fatalf("student_joined broadcasts = %d, want 2", len(joins))
	}
	statuses := f.router.broadcastsOf(events.EventTypeSessionStatus)
	if len(statuses) != 2 {
		t.Fatalf("session_status broadcasts = %d, want 2", len(statuses))
	}
	last := payloadAs[events.SessionStatusPayload](t, statuses[1].event)
	if last.TeacherCount != 1 || last.StudentCount != 1 {
		t.Errorf("counts = %d/%d, want 1/1", last.TeacherCount, last.StudentCount)
	}
	if last.Status != string(session.StatusWaiting) {
		t.Errorf("status = %q, want waiting", last.Status)
	}
	if f.router.joined["c-s"] != "exam-1" {
		t.Errorf("student connection was not routed into the session")
	}
}

func TestJoinUnknownSessionRejected(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c-s", registry.RoleStudent, "student-1")
	f.send(t, "c-s", gateway.ClientMessage{Kind: gateway.KindJoinSession, SessionID: "nope", AcademyID: "acad-1"})

	codes := errorCodes(f.router)
	if len(codes) != 1 || codes[0] != codeSessionNotFound {
		t.Fatalf("error codes = %v, want [%s]", codes, codeSessionNotFound)
	}
	if got := f.rooms.Len(); got != 0 {
		t.Errorf("rooms created = %d, want 0", got)
	}
}

func TestStudentCannotControlSession(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c-s", registry.RoleStudent, "student-1")
	f.join(t, "c-s")
	f.send(t, "c-s", gateway.ClientMessage{
		Kind:        gateway.KindControlSession,
		Action:      gateway.ActionStart,
		DurationSec: 600,
	})

	codes := errorCodes(f.router)
	if len(codes) != 1 || codes[0] != codeUnauthorized {
		t.Fatalf("error codes = %v, want [%s]", codes, codeUnauthorized)
	}
	if len(f.router.broadcastsOf(events.EventTypeSessionStart)) != 0 {
		t.Error("session_start broadcast after unauthorized control")
	}
	snap, err := f.rooms.Snapshot("exam-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Status != session.StatusWaiting {
		t.Errorf("status = %q after unauthorized start, want waiting", snap.Status)
	}
}

func TestStartArmsTimerAndAnnounces(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c-t", registry.RoleTeacher, "teacher-1")
	f.join(t, "c-t")
	f.startSession(t, "c-t", 600)

	starts := f.router.broadcastsOf(events.EventTypeSessionStart)
	if len(starts) != 1 {
		t.Fatalf("session_start broadcasts = %d, want 1", len(starts))
	}
	p := payloadAs[events.SessionStartPayload](t, starts[0].event)
	if p.DurationSec != 600 || p.StartedBy != "teacher-1" {
		t.Errorf("start payload = %+v", p)
	}
	if !f.coord.Timers().Active("exam-1") {
		t.Error("countdown not armed after start")
	}

	statuses := f.router.broadcastsOf(events.EventTypeSessionStatus)
	last := payloadAs[events.SessionStatusPayload](t, statuses[len(statuses)-1].event)
	if last.Status != string(session.StatusActive) || last.RemainingSec != 600 {
		t.Errorf("status after start = %+v", last)
	}
}

func TestPauseDisarmsResumeRearms(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c-t", registry.RoleTeacher, "teacher-1")
	f.join(t, "c-t")
	f.startSession(t, "c-t", 600)

	f.clock.Advance(120 * time.Second)
	f.send(t, "c-t", gateway.ClientMessage{Kind: gateway.KindControlSession, Action: gateway.ActionPause})
	if f.coord.Timers().Active("exam-1") {
		t.Error("countdown still armed while paused")
	}

	f.clock.Advance(180 * time.Second)
	f.send(t, "c-t", gateway.ClientMessage{Kind: gateway.KindControlSession, Action: gateway.ActionResume})
	if !f.coord.Timers().Active("exam-1") {
		t.Error("countdown not re-armed on resume")
	}

	// 120s consumed before the pause, the paused 180s must not count.
	snap, err := f.rooms.Snapshot("exam-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Remaining != 480*time.Second {
		t.Errorf("remaining after resume = %v, want 480s", snap.Remaining)
	}
}

func TestRejoinDeniedAfterCompletion(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c-t", registry.RoleTeacher, "teacher-1")
	f.join(t, "c-t")
	f.startSession(t, "c-t", 600)
	f.send(t, "c-t", gateway.ClientMessage{Kind: gateway.KindControlSession, Action: gateway.ActionEnd})

	f.connect(t, "c-s", registry.RoleStudent, "student-1")
	f.join(t, "c-s")

	codes := errorCodes(f.router)
	if len(codes) != 1 || codes[0] != codeRejoinDenied {
		t.Fatalf("error codes = %v, want [%s]", codes, codeRejoinDenied)
	}
}

func TestTimerExpiryAfterManualEndIsSilent(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c-t", registry.RoleTeacher, "teacher-1")
	f.join(t, "c-t")
	f.startSession(t, "c-t", 600)
	f.send(t, "c-t", gateway.ClientMessage{Kind: gateway.KindControlSession, Action: gateway.ActionEnd})

	// A racing expiry for the same session must not produce a second end.
	f.coord.onTimerExpire("exam-1")

	ends := f.router.broadcastsOf(events.EventTypeSessionEnd)
	if len(ends) != 1 {
		t.Fatalf("session_end broadcasts = %d, want exactly 1", len(ends))
	}
	p := payloadAs[events.SessionEndPayload](t, ends[0].event)
	if p.Cause != string(session.CauseManual) {
		t.Errorf("cause = %q, want manual", p.Cause)
	}
}

func TestSubmitAckAndTeacherNotification(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c-t", registry.RoleTeacher, "teacher-1")
	f.connect(t, "c-s", registry.RoleStudent, "student-1")
	f.join(t, "c-t")
	f.join(t, "c-s")
	f.startSession(t, "c-t", 600)

	f.send(t, "c-s", gateway.ClientMessage{
		Kind:       gateway.KindSubmitAnswer,
		QuestionID: "q-7",
		Answer:     json.RawMessage(`{"choice":"b"}`),
	})

	acks := f.router.directsOf(events.EventTypeAnswerAck)
	if len(acks) != 1 || acks[0].connID != "c-s" {
		t.Fatalf("answer_ack directs = %+v, want one to c-s", acks)
	}
	ack := payloadAs[events.AnswerAckPayload](t, acks[0].event)
	if ack.Outcome != string(commit.Accepted) {
		t.Errorf("outcome = %q, want accepted", ack.Outcome)
	}

	submitted := f.router.broadcastsOf(events.EventTypeAnswerSubmitted)
	if len(submitted) != 1 || submitted[0].audience != gateway.AudienceTeachers {
		t.Fatalf("answer_submitted = %+v, want one teacher-only broadcast", submitted)
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if len(f.store.persists) != 1 || f.store.persists[0] != "q-7" {
		t.Errorf("persisted = %v, want [q-7]", f.store.persists)
	}
}

func TestSubmitWithinGraceAfterExpiry(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c-t", registry.RoleTeacher, "teacher-1")
	f.connect(t, "c-s", registry.RoleStudent, "student-1")
	f.join(t, "c-t")
	f.join(t, "c-s")
	f.startSession(t, "c-t", 600)
	f.send(t, "c-t", gateway.ClientMessage{Kind: gateway.KindControlSession, Action: gateway.ActionEnd})

	f.clock.Advance(30 * time.Second)
	f.send(t, "c-s", gateway.ClientMessage{
		Kind:       gateway.KindSubmitAnswer,
		QuestionID: "q-9",
		Answer:     json.RawMessage(`{"choice":"a"}`),
	})

	acks := f.router.directsOf(events.EventTypeAnswerAck)
	if len(acks) != 1 {
		t.Fatalf("answer_ack directs = %d, want 1", len(acks))
	}
	ack := payloadAs[events.AnswerAckPayload](t, acks[0].event)
	if ack.Outcome != string(commit.AcceptedInGrace) {
		t.Errorf("outcome = %q, want accepted_in_grace", ack.Outcome)
	}
}

func TestSubmitPastGraceRejectedAndAlerted(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c-t", registry.RoleTeacher, "teacher-1")
	f.connect(t, "c-s", registry.RoleStudent, "student-1")
	f.join(t, "c-t")
	f.join(t, "c-s")
	f.startSession(t, "c-t", 600)
	f.send(t, "c-t", gateway.ClientMessage{Kind: gateway.KindControlSession, Action: gateway.ActionEnd})

	f.clock.Advance(61 * time.Second)
	f.send(t, "c-s", gateway.ClientMessage{
		Kind:       gateway.KindSubmitAnswer,
		QuestionID: "q-9",
		Answer:     json.RawMessage(`{"choice":"a"}`),
	})

	acks := f.router.directsOf(events.EventTypeAnswerAck)
	if len(acks) != 1 {
		t.Fatalf("answer_ack directs = %d, want 1", len(acks))
	}
	ack := payloadAs[events.AnswerAckPayload](t, acks[0].event)
	if ack.Outcome != string(commit.RejectedTooLate) {
		t.Errorf("outcome = %q, want rejected_too_late", ack.Outcome)
	}
	codes := errorCodes(f.router)
	if len(codes) != 1 || codes[0] != codeRejectedTooLate {
		t.Fatalf("error codes = %v, want [%s]", codes, codeRejectedTooLate)
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if len(f.store.persists) != 0 {
		t.Errorf("persisted %v past the grace window", f.store.persists)
	}
}

func TestFinishExamCompletesSession(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c-t", registry.RoleTeacher, "teacher-1")
	f.connect(t, "c-s", registry.RoleStudent, "student-1")
	f.join(t, "c-t")
	f.join(t, "c-s")
	f.startSession(t, "c-t", 600)

	f.send(t, "c-s", gateway.ClientMessage{Kind: gateway.KindFinishExam})

	ends := f.router.broadcastsOf(events.EventTypeSessionEnd)
	if len(ends) != 1 {
		t.Fatalf("session_end broadcasts = %d, want 1", len(ends))
	}
	p := payloadAs[events.SessionEndPayload](t, ends[0].event)
	if p.Cause != string(session.CauseStudentFinish) {
		t.Errorf("cause = %q, want student_finish", p.Cause)
	}
}

func TestFinishAfterFailedResolutionAlertsStudent(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c-t", registry.RoleTeacher, "teacher-1")
	f.connect(t, "c-s", registry.RoleStudent, "student-1")
	f.join(t, "c-t")
	f.join(t, "c-s")
	f.startSession(t, "c-t", 600)

	f.store.mu.Lock()
	f.store.failWith = errors.New("connection refused")
	f.store.mu.Unlock()
	f.send(t, "c-s", gateway.ClientMessage{
		Kind:       gateway.KindSubmitAnswer,
		QuestionID: "q-1",
		Answer:     json.RawMessage(`{"choice":"c"}`),
	})

	f.send(t, "c-s", gateway.ClientMessage{Kind: gateway.KindFinishExam})

	codes := errorCodes(f.router)
	wantLast := codeResolutionFailed
	if len(codes) == 0 || codes[len(codes)-1] != wantLast {
		t.Fatalf("error codes = %v, want trailing %s", codes, wantLast)
	}
	if len(f.router.broadcastsOf(events.EventTypeSessionEnd)) != 0 {
		t.Error("session completed despite failed answer resolution")
	}
}

func TestFinishAfterTimerExpiryRoutesToResults(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c-t", registry.RoleTeacher, "teacher-1")
	f.connect(t, "c-s", registry.RoleStudent, "student-1")
	f.join(t, "c-t")
	f.join(t, "c-s")
	f.startSession(t, "c-t", 600)

	// Timer completes the session; the student submits late within the
	// grace window, then finishes manually.
	f.coord.onTimerExpire("exam-1")
	f.clock.Advance(65 * time.Second)
	f.send(t, "c-s", gateway.ClientMessage{
		Kind:       gateway.KindSubmitAnswer,
		QuestionID: "q-2",
		Answer:     json.RawMessage(`{"choice":"d"}`),
	})
	f.send(t, "c-s", gateway.ClientMessage{Kind: gateway.KindFinishExam})

	// The too-late rejection alone is excused by the expiry cause: the
	// student still gets an end frame for results routing.
	directEnds := f.router.directsOf(events.EventTypeSessionEnd)
	if len(directEnds) != 1 || directEnds[0].connID != "c-s" {
		t.Fatalf("direct session_end = %+v, want one to c-s", directEnds)
	}
	p := payloadAs[events.SessionEndPayload](t, directEnds[0].event)
	if p.Cause != string(session.CauseTimer) {
		t.Errorf("cause = %q, want timer", p.Cause)
	}
}

func TestDisconnectBroadcastsDeparture(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c-t", registry.RoleTeacher, "teacher-1")
	f.connect(t, "c-s", registry.RoleStudent, "student-1")
	f.join(t, "c-t")
	f.join(t, "c-s")

	f.coord.OnDisconnect("c-s")

	lefts := f.router.broadcastsOf(events.EventTypeStudentLeft)
	if len(lefts) != 1 {
		t.Fatalf("student_left broadcasts = %d, want 1", len(lefts))
	}
	statuses := f.router.broadcastsOf(events.EventTypeSessionStatus)
	last := payloadAs[events.SessionStatusPayload](t, statuses[len(statuses)-1].event)
	if last.StudentCount != 0 || last.TeacherCount != 1 {
		t.Errorf("counts after disconnect = %d/%d, want 1/0 teachers/students", last.TeacherCount, last.StudentCount)
	}
	if _, ok := f.router.joined["c-s"]; ok {
		t.Error("connection still routed into the session after disconnect")
	}
}

func TestBroadcastMessageReachesEveryone(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c-t", registry.RoleTeacher, "teacher-1")
	f.join(t, "c-t")

	f.send(t, "c-t", gateway.ClientMessage{
		Kind: gateway.KindBroadcastMessage,
		Text: "five minutes left, check your work",
	})

	msgs := f.router.broadcastsOf(events.EventTypeBroadcastMessage)
	if len(msgs) != 1 || msgs[0].audience != gateway.AudienceAll {
		t.Fatalf("broadcast_message = %+v, want one to everyone", msgs)
	}
	p := payloadAs[events.BroadcastMessagePayload](t, msgs[0].event)
	if p.From != "teacher-1" || p.FromRole != string(registry.RoleTeacher) {
		t.Errorf("message payload = %+v", p)
	}
}

func TestMalformedFrameReportsBadMessage(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c-s", registry.RoleStudent, "student-1")

	f.coord.OnMessage("c-s", []byte("{not json"))
	f.coord.OnMessage("unknown-conn", []byte(`{"kind":"heartbeat_ping"}`))

	codes := errorCodes(f.router)
	if len(codes) != 2 || codes[0] != codeBadMessage || codes[1] != codeUnknownConnection {
		t.Fatalf("error codes = %v, want [%s %s]", codes, codeBadMessage, codeUnknownConnection)
	}
}

func TestFinishAfterStoreFailureNotExcusedByExpiry(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "c-t", registry.RoleTeacher, "teacher-1")
	f.connect(t, "c-s", registry.RoleStudent, "student-1")
	f.join(t, "c-t")
	f.join(t, "c-s")
	f.startSession(t, "c-t", 600)

	// The store loses an answer while the exam is running, then the timer
	// completes the session. The expiry does not excuse the lost answer:
	// finishing must still alert the student, not route them to results.
	f.store.mu.Lock()
	f.store.failWith = errors.New("connection refused")
	f.store.mu.Unlock()
	f.send(t, "c-s", gateway.ClientMessage{
		Kind:       gateway.KindSubmitAnswer,
		QuestionID: "q-3",
		Answer:     json.RawMessage(`{"choice":"a"}`),
	})

	f.coord.onTimerExpire("exam-1")
	f.send(t, "c-s", gateway.ClientMessage{Kind: gateway.KindFinishExam})

	codes := errorCodes(f.router)
	if len(codes) == 0 || codes[len(codes)-1] != codeResolutionFailed {
		t.Fatalf("error codes = %v, want trailing %s", codes, codeResolutionFailed)
	}
	if got := f.router.directsOf(events.EventTypeSessionEnd); len(got) != 0 {
		t.Errorf("student was routed to results despite a lost answer: %+v", got)
	}
}
