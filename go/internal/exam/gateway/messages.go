package gateway

import "encoding/json"

// Inbound message kinds the coordinator consumes.
const (
	KindJoinSession      = "join-session"
	KindControlSession   = "control-session"
	KindSubmitAnswer     = "submit-answer"
	KindFinishExam       = "finish-exam"
	KindBroadcastMessage = "broadcast-message"
	KindHeartbeatPing    = "heartbeat-ping"
)

// Control actions for control-session messages. Teacher-only.
const (
	ActionStart  = "start"
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionEnd    = "end"
)

// ClientMessage is the inbound envelope. It is decoded once at the transport
// boundary; which fields are meaningful depends on Kind.
type ClientMessage struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id"`

	// join-session
	AcademyID string `json:"academy_id,omitempty"`

	// control-session
	Action      string `json:"action,omitempty"`
	DurationSec int    `json:"duration_sec,omitempty"`

	// submit-answer
	QuestionID   string          `json:"question_id,omitempty"`
	Answer       json.RawMessage `json:"answer,omitempty"`
	TimeSpentSec int             `json:"time_spent_sec,omitempty"`

	// broadcast-message
	Text     string `json:"text,omitempty"`
	Category string `json:"category,omitempty"`
}
