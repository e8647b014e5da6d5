package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExamEvent is the envelope for every event the coordinator emits. It is
// immutable after construction: built once, then fanned out to room members
// and mirrored to the event stream.
type ExamEvent struct {
	ID        string          `json:"id"`         // Event UUID
	SessionID string          `json:"session_id"` // Exam session identifier
	Type      EventType       `json:"type"`       // Event type
	Origin    string          `json:"origin,omitempty"` // User ID of the originating member, if any
	Timestamp time.Time       `json:"timestamp"`  // Event creation time
	Data      json.RawMessage `json:"data"`       // Event-specific payload
}

// EventType represents the type of exam session event
type EventType string

const (
	EventTypeSessionStart     EventType = "session_start"
	EventTypeSessionEnd       EventType = "session_end"
	EventTypeSessionStatus    EventType = "session_status"
	EventTypeTimeWarning      EventType = "time_warning"
	EventTypeAnswerSubmitted  EventType = "answer_submitted"
	EventTypeAnswerAck        EventType = "answer_ack"
	EventTypeBroadcastMessage EventType = "broadcast_message"
	EventTypeStudentJoined    EventType = "student_joined"
	EventTypeStudentLeft      EventType = "student_left"
	EventTypeError            EventType = "error"
)

// New builds an event envelope around the given payload. The payload is
// marshaled once here; the envelope must not be mutated afterwards.
func New(sessionID string, eventType EventType, now time.Time, payload interface{}) (*ExamEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &ExamEvent{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Type:      eventType,
		Timestamp: now,
		Data:      data,
	}, nil
}

// WithOrigin returns a copy of the event stamped with the originating user.
func (e *ExamEvent) WithOrigin(userID string) *ExamEvent {
	ev := *e
	ev.Origin = userID
	return &ev
}

// ParseEventPayload parses event data into the appropriate payload struct
func ParseEventPayload(event *ExamEvent) (interface{}, error) {
	switch event.Type {
	case EventTypeSessionStart:
		var payload SessionStartPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeSessionEnd:
		var payload SessionEndPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeSessionStatus:
		var payload SessionStatusPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeTimeWarning:
		var payload TimeWarningPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeAnswerSubmitted:
		var payload AnswerSubmittedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeAnswerAck:
		var payload AnswerAckPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeBroadcastMessage:
		var payload BroadcastMessagePayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeStudentJoined:
		var payload StudentJoinedPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeStudentLeft:
		var payload StudentLeftPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventTypeError:
		var payload ErrorPayload
		if err := json.Unmarshal(event.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, nil // Unknown event type
	}
}
