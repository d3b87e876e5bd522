package domain

import (
	"encoding/json"
	"time"
)

// Session represents one recorded dual-agent session.
type Session struct {
	SessionID string          `json:"session_id"`
	Task      string          `json:"task"`
	Mode      string          `json:"mode,omitempty"`
	Status    SessionStatus   `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// Duration returns the session length, measured against now for sessions
// that are still open.
func (s *Session) Duration(now time.Time) time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return now.Sub(s.StartedAt)
}

// Message represents a single recorded message in a session.
type Message struct {
	MessageID string          `json:"message_id"`
	SessionID string          `json:"session_id"`
	Agent     AgentType       `json:"agent"`
	Type      MessageType     `json:"type"`
	Content   string          `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// AgentCommunication represents one inter-agent exchange. RelatedMessageID
// ties a reply back to the message it answers, which is how response times
// are estimated.
type AgentCommunication struct {
	CommunicationID  string    `json:"communication_id"`
	SessionID        string    `json:"session_id"`
	FromAgent        AgentType `json:"from_agent"`
	ToAgent          AgentType `json:"to_agent"`
	RelatedMessageID string    `json:"related_message_id,omitempty"`
	Content          string    `json:"content"`
	Timestamp        time.Time `json:"timestamp"`
}

// SystemEvent represents a recorded system-level occurrence.
type SystemEvent struct {
	EventID   string          `json:"event_id"`
	SessionID string          `json:"session_id"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PerformanceMetric represents one recorded performance sample.
type PerformanceMetric struct {
	MetricID       string    `json:"metric_id"`
	SessionID      string    `json:"session_id"`
	Timestamp      time.Time `json:"timestamp"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Cost           float64   `json:"cost"`
	Tokens         int       `json:"tokens,omitempty"`
	IsError        bool      `json:"is_error,omitempty"`
}
