package protocol

import (
	"fmt"
	"time"
)

// EventType classifies a pipeline lifecycle notification.
type EventType string

const (
	EventStageStarted   EventType = "stage_started"
	EventStageSucceeded EventType = "stage_succeeded"
	EventStageFailed    EventType = "stage_failed"
	EventSessionReset   EventType = "session_reset"
	EventWarning        EventType = "warning"
)

// StageEvent is broadcast on the bus whenever a session moves through
// the pipeline. State carries the session state after the event.
type StageEvent struct {
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	Stage     string    `json:"stage,omitempty"`
	State     string    `json:"state"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	// SubjectStageEventPrefix is the subject root for session events.
	// Per-session events publish on "<prefix>.<session_id>".
	SubjectStageEventPrefix = "pipeline.evt"

	// SubjectStageEventWildcard subscribes to events for all sessions.
	SubjectStageEventWildcard = SubjectStageEventPrefix + ".*"
)

// SubjectStageEvent returns the per-session event subject.
func SubjectStageEvent(sessionID string) string {
	return fmt.Sprintf("%s.%s", SubjectStageEventPrefix, sessionID)
}
