package events

import (
	"time"
)

// Event payload types shared between the coordinator, the gateway and the
// event mirror.

// SessionStartPayload is the payload for a session_start event
type SessionStartPayload struct {
	SessionID   string    `json:"session_id"`
	StartedBy   string    `json:"started_by"`
	StartedAt   time.Time `json:"started_at"`
	DurationSec int       `json:"duration_sec"`
}

// SessionEndPayload is the payload for a session_end event
type SessionEndPayload struct {
	SessionID   string    `json:"session_id"`
	CompletedAt time.Time `json:"completed_at"`
	Cause       string    `json:"cause"` // "manual", "timer" or "student_finish"
}

// SessionStatusPayload is the aggregate room status broadcast after every
// membership change and state transition.
type SessionStatusPayload struct {
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	TeacherCount int    `json:"teacher_count"`
	StudentCount int    `json:"student_count"`
	RemainingSec int    `json:"remaining_sec"`
}

// TimeWarningPayload is the payload for a time_warning event
type TimeWarningPayload struct {
	RemainingSec int       `json:"remaining_sec"`
	WarnedAt     time.Time `json:"warned_at"`
}

// AnswerSubmittedPayload is the payload for an answer_submitted event,
// delivered to teachers for live progress tracking.
type AnswerSubmittedPayload struct {
	StudentID   string    `json:"student_id"`
	QuestionID  string    `json:"question_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// AnswerAckPayload is the payload for an answer_ack event, delivered only to
// the submitting student.
type AnswerAckPayload struct {
	QuestionID string `json:"question_id"`
	Outcome    string `json:"outcome"` // "accepted", "accepted_in_grace" or "rejected_too_late"
}

// BroadcastMessagePayload is the payload for a broadcast_message event
type BroadcastMessagePayload struct {
	From     string    `json:"from"`
	FromRole string    `json:"from_role"`
	Text     string    `json:"text"`
	Category string    `json:"category,omitempty"`
	SentAt   time.Time `json:"sent_at"`
}

// StudentJoinedPayload is the payload for a student_joined event
type StudentJoinedPayload struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	JoinedAt    time.Time `json:"joined_at"`
}

// StudentLeftPayload is the payload for a student_left event
type StudentLeftPayload struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	LeftAt      time.Time `json:"left_at"`
}

// ErrorPayload is the payload for an error event, delivered only to the
// connection whose request failed.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
