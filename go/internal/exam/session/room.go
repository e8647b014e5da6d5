package session

import (
	"fmt"
	"time"

	"github.com/acadops/examsession/go/internal/exam/registry"
)

// Status is the session room's lifecycle status.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// CompletionCause records what ended a session.
type CompletionCause string

const (
	CauseManual        CompletionCause = "manual"
	CauseTimer         CompletionCause = "timer"
	CauseStudentFinish CompletionCause = "student_finish"
)

// validTransitions is the full teacher/system transition table. Completed is
// terminal: it appears as a target only.
var validTransitions = map[Status][]Status{
	StatusWaiting: {StatusActive},
	StatusActive:  {StatusPaused, StatusCompleted},
	StatusPaused:  {StatusActive, StatusCompleted},
}

func canTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Member is one connection's membership in a room.
type Member struct {
	ConnID      string
	UserID      string
	DisplayName string
	Role        registry.Role
	JoinedAt    time.Time
}

// Snapshot is a point-in-time view of a room, safe to read outside the
// room's exclusive section.
type Snapshot struct {
	SessionID       string
	Status          Status
	TeacherCount    int
	StudentCount    int
	Remaining       time.Duration
	StartedAt       time.Time
	CompletedAt     time.Time
	CompletionCause CompletionCause
}

// Room holds one exam session's membership and timing state. A Room carries
// no lock of its own: the Manager serializes all access behind the session's
// exclusive section (single writer per session).
type Room struct {
	ID      string
	Status  Status
	members map[string]Member

	// Timing. Remaining time is always derived from segmentStart and
	// segmentTotal, never from tick counting, so pause/resume cycles and
	// lost ticks cannot compound error. Each resume begins a fresh segment
	// whose total is the remaining time captured at the preceding pause.
	Duration        time.Duration
	segmentStart    time.Time
	segmentTotal    time.Duration
	pausedRemaining time.Duration

	StartedAt       time.Time
	CompletedAt     time.Time
	CompletionCause CompletionCause

	lastActivity time.Time
}

// NewRoom creates a room in the waiting status.
func NewRoom(sessionID string, now time.Time) *Room {
	return &Room{
		ID:           sessionID,
		Status:       StatusWaiting,
		members:      make(map[string]Member),
		lastActivity: now,
	}
}

// Start arms the exam: waiting -> active with the configured duration.
func (r *Room) Start(now time.Time, duration time.Duration) error {
	if !canTransition(r.Status, StatusActive) || r.Status != StatusWaiting {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusActive)
	}
	if duration <= 0 {
		return ErrDurationRequired
	}
	r.Status = StatusActive
	r.Duration = duration
	r.StartedAt = now
	r.segmentStart = now
	r.segmentTotal = duration
	r.lastActivity = now
	return nil
}

// Pause suspends the countdown: active -> paused. The remaining time at the
// pause instant is captured and becomes the next segment's total on resume.
func (r *Room) Pause(now time.Time) error {
	if !canTransition(r.Status, StatusPaused) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusPaused)
	}
	r.pausedRemaining = r.Remaining(now)
	r.Status = StatusPaused
	r.lastActivity = now
	return nil
}

// Resume re-arms the countdown: paused -> active, with the captured remaining
// time as the new segment total.
func (r *Room) Resume(now time.Time) error {
	if r.Status != StatusPaused {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusActive)
	}
	r.Status = StatusActive
	r.segmentStart = now
	r.segmentTotal = r.pausedRemaining
	r.lastActivity = now
	return nil
}

// Complete moves the room to the terminal completed status. It is idempotent:
// when the room is already completed it reports completedNow=false and has no
// side effects, so a manual end racing the timer cannot double-fire
// completion. Completing from waiting is not a valid transition.
func (r *Room) Complete(now time.Time, cause CompletionCause) (completedNow bool, err error) {
	if r.Status == StatusCompleted {
		return false, nil
	}
	if !canTransition(r.Status, StatusCompleted) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusCompleted)
	}
	r.Status = StatusCompleted
	r.CompletedAt = now
	r.CompletionCause = cause
	r.lastActivity = now
	return true, nil
}

// Remaining returns the time left on the countdown at the given instant.
// Only meaningful while active or paused; zero otherwise.
func (r *Room) Remaining(now time.Time) time.Duration {
	switch r.Status {
	case StatusActive:
		remaining := r.segmentTotal - now.Sub(r.segmentStart)
		if remaining < 0 {
			return 0
		}
		return remaining
	case StatusPaused:
		return r.pausedRemaining
	default:
		return 0
	}
}

// AddMember admits a connection to the room. Joining is permitted in any
// non-completed status.
func (r *Room) AddMember(m Member, now time.Time) error {
	if r.Status == StatusCompleted {
		return ErrRejoinDenied
	}
	r.members[m.ConnID] = m
	r.lastActivity = now
	return nil
}

// RemoveMember evicts a connection from the room, returning the removed
// member when present.
func (r *Room) RemoveMember(connID string, now time.Time) (Member, bool) {
	m, ok := r.members[connID]
	if ok {
		delete(r.members, connID)
		r.lastActivity = now
	}
	return m, ok
}


// Snapshot captures the room's aggregate status at the given instant.
func (r *Room) Snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		SessionID:       r.ID,
		Status:          r.Status,
		Remaining:       r.Remaining(now),
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		CompletionCause: r.CompletionCause,
	}
	for _, m := range r.members {
		switch m.Role {
		case registry.RoleTeacher:
			snap.TeacherCount++
		case registry.RoleStudent:
			snap.StudentCount++
		}
	}
	return snap
}
