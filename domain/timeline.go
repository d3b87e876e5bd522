package domain

import "time"

// TimelineEvent is one normalized record in the merged chronological
// sequence. Kind selects which payload pointer is set; exactly one is
// non-nil for a well-formed event.
type TimelineEvent struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Index     int       `json:"index"`

	Message       *Message            `json:"message,omitempty"`
	Communication *AgentCommunication `json:"communication,omitempty"`
	SystemEvent   *SystemEvent        `json:"system_event,omitempty"`
	Metric        *PerformanceMetric  `json:"metric,omitempty"`
	Bookmark      *Bookmark           `json:"bookmark,omitempty"`
	Annotation    *Annotation         `json:"annotation,omitempty"`
}

// IsErrorMessage reports whether the event is an error message.
func (e *TimelineEvent) IsErrorMessage() bool {
	return e.Kind == EventKindMessage && e.Message != nil && e.Message.Type == MessageTypeError
}

// Bookmark is a named pointer into a session's timeline. Bookmarks have a
// lifecycle independent of the timeline: heuristics or users create them,
// nothing deletes them automatically.
type Bookmark struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"session_id"`
	Label       string      `json:"label"`
	Description string      `json:"description,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	Index       int         `json:"index"`
	Tags        []string    `json:"tags,omitempty"`
	CreatedBy   CreatorType `json:"created_by"`
}

// Annotation is a free-text note attached to a point in time. ParentID
// links a reply to the annotation it answers, forming a thread.
type Annotation struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Segment is a labeled index range over a session's timeline, used to mark
// workflow phases and recovery windows.
type Segment struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	Label      string    `json:"label"`
	StartIndex int       `json:"start_index"`
	EndIndex   int       `json:"end_index"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Tags       []string  `json:"tags,omitempty"`
	Color      string    `json:"color,omitempty"`
}
