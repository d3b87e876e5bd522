// Package domain defines the core domain models for the replay engine.
package domain

// AgentType identifies one of the two agents in a recorded session.
type AgentType string

const (
	AgentManager AgentType = "manager"
	AgentWorker  AgentType = "worker"
)

// MessageType represents the type of a recorded message.
type MessageType string

const (
	MessageTypePrompt   MessageType = "prompt"
	MessageTypeResponse MessageType = "response"
	MessageTypeToolCall MessageType = "tool_call"
	MessageTypeError    MessageType = "error"
)

// SessionStatus represents the lifecycle status of a recorded session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// EventKind tags a timeline event with its payload variant.
type EventKind string

const (
	EventKindMessage       EventKind = "message"
	EventKindCommunication EventKind = "communication"
	EventKindSystemEvent   EventKind = "system_event"
	EventKindMetric        EventKind = "metric"
	EventKindBookmark      EventKind = "bookmark"
	EventKindAnnotation    EventKind = "annotation"
)

// Importance ranks a key moment.
type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceMedium Importance = "medium"
	ImportanceHigh   Importance = "high"
)

// CreatorType records whether a marker was produced by a heuristic or a human.
type CreatorType string

const (
	CreatorSystem CreatorType = "system"
	CreatorUser   CreatorType = "user"
)

// KeyMomentType classifies an automatically flagged point of interest.
type KeyMomentType string

const (
	KeyMomentSessionStarted   KeyMomentType = "session_started"
	KeyMomentAgentSwitch      KeyMomentType = "agent_switch"
	KeyMomentFirstError       KeyMomentType = "first_error"
	KeyMomentSessionCompleted KeyMomentType = "session_completed"
)
