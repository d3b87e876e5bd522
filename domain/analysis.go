package domain

import "time"

// MessageBreakdown counts messages by type for one agent.
type MessageBreakdown struct {
	Prompts   int `json:"prompts"`
	Responses int `json:"responses"`
	ToolCalls int `json:"tool_calls"`
	Errors    int `json:"errors"`
}

// CommunicationPattern aggregates exchanges for one ordered agent pair.
// AvgResponseTime is averaged over pairings only: a communication counts
// toward it when an earlier opposite-direction communication shares its
// related-message reference.
type CommunicationPattern struct {
	FromAgent       AgentType     `json:"from_agent"`
	ToAgent         AgentType     `json:"to_agent"`
	Count           int           `json:"count"`
	Paired          int           `json:"paired"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
}

// ActivityWindow is a time window with an event count, used for peak and
// spike reporting.
type ActivityWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Count int       `json:"count"`
}

// PerformanceSummary aggregates a session's recorded metrics.
type PerformanceSummary struct {
	AvgResponseTime time.Duration   `json:"avg_response_time"`
	TotalCost       float64         `json:"total_cost"`
	ErrorRate       float64         `json:"error_rate"`
	PeakActivity    *ActivityWindow `json:"peak_activity,omitempty"`
}

// KeyMoment is an automatically flagged point of interest.
type KeyMoment struct {
	Type        KeyMomentType `json:"type"`
	Description string        `json:"description"`
	Timestamp   time.Time     `json:"timestamp"`
	Index       int           `json:"index"`
	Importance  Importance    `json:"importance"`
}

// WorkflowPhase is a maximal contiguous run of messages from one agent.
type WorkflowPhase struct {
	Agent      AgentType `json:"agent"`
	StartIndex int       `json:"start_index"`
	EndIndex   int       `json:"end_index"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
}

// Duration returns the phase's time span.
func (p WorkflowPhase) Duration() time.Duration {
	return p.EndTime.Sub(p.StartTime)
}

// ActivitySpike is a window whose event density exceeded the configured
// per-minute threshold.
type ActivitySpike struct {
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Count      int       `json:"count"`
	PerMinute  float64   `json:"per_minute"`
	StartIndex int       `json:"start_index"`
}

// SessionAnalysis is a derived, recomputable summary of one session.
type SessionAnalysis struct {
	SessionID        string                         `json:"session_id"`
	MessageBreakdown map[AgentType]MessageBreakdown `json:"message_breakdown"`
	Communication    []CommunicationPattern         `json:"communication_patterns"`
	Performance      PerformanceSummary             `json:"performance"`
	KeyMoments       []KeyMoment                    `json:"key_moments"`
	WorkflowPhases   []WorkflowPhase                `json:"workflow_phases"`
}

// ReplayMetadata describes a prepared replay. It is a pure function of the
// underlying session data and can be regenerated at any time.
type ReplayMetadata struct {
	SessionID  string        `json:"session_id"`
	Title      string        `json:"title"`
	Duration   time.Duration `json:"duration"`
	Tags       []string      `json:"tags,omitempty"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    *time.Time    `json:"end_time,omitempty"`
	KeyMoments []KeyMoment   `json:"key_moments,omitempty"`
}

// SessionStats summarizes one session inside a comparison.
type SessionStats struct {
	TotalEvents     int            `json:"total_events"`
	TotalMessages   int            `json:"total_messages"`
	Duration        time.Duration  `json:"duration"`
	AvgResponseTime time.Duration  `json:"avg_response_time"`
	TotalCost       float64        `json:"total_cost"`
	ErrorRate       float64        `json:"error_rate"`
	Phases          []PhaseSummary `json:"phases"`
}

// PhaseSummary is a workflow phase reduced to its dominant agent and span.
type PhaseSummary struct {
	Agent    AgentType     `json:"agent"`
	Duration time.Duration `json:"duration"`
	Messages int           `json:"messages"`
}

// AlignedRow is one row of an aligned cross-session timeline: a distinct
// timestamp plus, per session, the event at exactly that timestamp or nil.
type AlignedRow struct {
	Timestamp time.Time                 `json:"timestamp"`
	Events    map[string]*TimelineEvent `json:"events"`
}

// SessionComparison holds multiple sessions aligned on a shared time axis.
type SessionComparison struct {
	SessionIDs []string                `json:"session_ids"`
	Aligned    []AlignedRow            `json:"aligned_timeline"`
	Stats      map[string]SessionStats `json:"stats"`
}
