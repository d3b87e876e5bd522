// Package timeline turns a session's disjoint event collections into one
// ordered timeline and derives higher-level structure from it: key moments,
// workflow phases, activity spikes, bookmarks, segments and metadata.
package timeline

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pairtrace/pairtrace/domain"
)

// Config holds the analysis heuristic constants.
type Config struct {
	// PeakWindow is the trailing window used for peak-activity and spike
	// detection.
	PeakWindow time.Duration
	// SpikeThresholdPerMinute is the event density at which a window
	// qualifies as a spike.
	SpikeThresholdPerMinute float64
	// SpikeSkipFactor is the fraction of a qualifying window's event count
	// the scan skips ahead by, so overlapping spikes are not reported twice.
	SpikeSkipFactor float64
}

// DefaultConfig returns the heuristic constants used when none are supplied.
func DefaultConfig() Config {
	return Config{
		PeakWindow:              60 * time.Second,
		SpikeThresholdPerMinute: 10,
		SpikeSkipFactor:         0.5,
	}
}

// ProcessOptions controls how a timeline is assembled.
type ProcessOptions struct {
	IncludeCommunications bool
	IncludeSystemEvents   bool
	IncludeMetrics        bool

	// MessageTypes and Agents, when non-empty, restrict which messages are
	// included.
	MessageTypes []domain.MessageType
	Agents       []domain.AgentType

	// MinSpacing drops any event closer than this to the previously kept
	// one. The first event is always kept.
	MinSpacing time.Duration
	// MaxEvents resamples the timeline by even stride when it exceeds the
	// cap, preserving overall shape instead of truncating.
	MaxEvents int
}

// AllOptions includes every event collection with no filtering.
func AllOptions() ProcessOptions {
	return ProcessOptions{
		IncludeCommunications: true,
		IncludeSystemEvents:   true,
		IncludeMetrics:        true,
	}
}

// Processor builds timelines and analysis for one session's recorded data.
type Processor struct {
	cfg      Config
	session  *domain.Session
	messages []domain.Message
	comms    []domain.AgentCommunication
	events   []domain.SystemEvent
	metrics  []domain.PerformanceMetric
}

// NewProcessor creates a processor over one session's collections. Messages
// and communications are re-sorted by timestamp (stable, so ties keep their
// recorded order); indexes in derived results refer to this order.
func NewProcessor(cfg Config, session *domain.Session, messages []domain.Message, comms []domain.AgentCommunication, events []domain.SystemEvent, metrics []domain.PerformanceMetric) *Processor {
	if cfg.PeakWindow <= 0 {
		cfg.PeakWindow = DefaultConfig().PeakWindow
	}
	if cfg.SpikeThresholdPerMinute <= 0 {
		cfg.SpikeThresholdPerMinute = DefaultConfig().SpikeThresholdPerMinute
	}
	if cfg.SpikeSkipFactor <= 0 {
		cfg.SpikeSkipFactor = DefaultConfig().SpikeSkipFactor
	}

	msgs := make([]domain.Message, len(messages))
	copy(msgs, messages)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })

	cms := make([]domain.AgentCommunication, len(comms))
	copy(cms, comms)
	sort.SliceStable(cms, func(i, j int) bool { return cms[i].Timestamp.Before(cms[j].Timestamp) })

	return &Processor{
		cfg:      cfg,
		session:  session,
		messages: msgs,
		comms:    cms,
		events:   events,
		metrics:  metrics,
	}
}

// Process merges the selected collections into one ordered timeline. Events
// are sorted by timestamp with ties broken by insertion order, then filtered
// by spacing or resampled down to the cap, and finally reindexed so that
// Index equals array position.
func (p *Processor) Process(opts ProcessOptions) []domain.TimelineEvent {
	var timeline []domain.TimelineEvent

	for i := range p.messages {
		msg := p.messages[i]
		if !matchesMessage(&msg, opts) {
			continue
		}
		timeline = append(timeline, domain.TimelineEvent{
			ID:        msg.MessageID,
			Kind:      domain.EventKindMessage,
			Timestamp: msg.Timestamp,
			Message:   &msg,
		})
	}
	if opts.IncludeCommunications {
		for i := range p.comms {
			comm := p.comms[i]
			timeline = append(timeline, domain.TimelineEvent{
				ID:            comm.CommunicationID,
				Kind:          domain.EventKindCommunication,
				Timestamp:     comm.Timestamp,
				Communication: &comm,
			})
		}
	}
	if opts.IncludeSystemEvents {
		for i := range p.events {
			event := p.events[i]
			timeline = append(timeline, domain.TimelineEvent{
				ID:          event.EventID,
				Kind:        domain.EventKindSystemEvent,
				Timestamp:   event.Timestamp,
				SystemEvent: &event,
			})
		}
	}
	if opts.IncludeMetrics {
		for i := range p.metrics {
			metric := p.metrics[i]
			timeline = append(timeline, domain.TimelineEvent{
				ID:        metric.MetricID,
				Kind:      domain.EventKindMetric,
				Timestamp: metric.Timestamp,
				Metric:    &metric,
			})
		}
	}

	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Timestamp.Before(timeline[j].Timestamp)
	})

	if opts.MinSpacing > 0 {
		timeline = applySpacing(timeline, opts.MinSpacing)
	}
	if opts.MaxEvents > 0 && len(timeline) > opts.MaxEvents {
		timeline = resample(timeline, opts.MaxEvents)
	}

	for i := range timeline {
		timeline[i].Index = i
	}
	return timeline
}

func matchesMessage(msg *domain.Message, opts ProcessOptions) bool {
	if len(opts.MessageTypes) > 0 && !containsType(opts.MessageTypes, msg.Type) {
		return false
	}
	if len(opts.Agents) > 0 && !containsAgent(opts.Agents, msg.Agent) {
		return false
	}
	return true
}

func containsType(types []domain.MessageType, t domain.MessageType) bool {
	for _, mt := range types {
		if mt == t {
			return true
		}
	}
	return false
}

func containsAgent(agents []domain.AgentType, a domain.AgentType) bool {
	for _, agent := range agents {
		if agent == a {
			return true
		}
	}
	return false
}

// applySpacing drops events closer than the interval to the previously kept
// event. The first event is always kept.
func applySpacing(timeline []domain.TimelineEvent, spacing time.Duration) []domain.TimelineEvent {
	if len(timeline) == 0 {
		return timeline
	}
	kept := timeline[:1]
	last := timeline[0].Timestamp
	for _, event := range timeline[1:] {
		if event.Timestamp.Sub(last) < spacing {
			continue
		}
		kept = append(kept, event)
		last = event.Timestamp
	}
	return kept
}

// resample picks events by even stride across the full range so the
// timeline's shape survives the cap.
func resample(timeline []domain.TimelineEvent, max int) []domain.TimelineEvent {
	stride := float64(len(timeline)) / float64(max)
	sampled := make([]domain.TimelineEvent, 0, max)
	for i := 0; i < max; i++ {
		sampled = append(sampled, timeline[int(float64(i)*stride)])
	}
	return sampled
}

// Analyze computes the full derived summary for the session.
func (p *Processor) Analyze() *domain.SessionAnalysis {
	return &domain.SessionAnalysis{
		SessionID:        p.session.SessionID,
		MessageBreakdown: p.messageBreakdown(),
		Communication:    p.CommunicationPatterns(),
		Performance:      p.performanceSummary(),
		KeyMoments:       p.KeyMoments(),
		WorkflowPhases:   p.WorkflowPhases(),
	}
}

func (p *Processor) messageBreakdown() map[domain.AgentType]domain.MessageBreakdown {
	breakdown := make(map[domain.AgentType]domain.MessageBreakdown)
	for _, msg := range p.messages {
		b := breakdown[msg.Agent]
		switch msg.Type {
		case domain.MessageTypePrompt:
			b.Prompts++
		case domain.MessageTypeResponse:
			b.Responses++
		case domain.MessageTypeToolCall:
			b.ToolCalls++
		case domain.MessageTypeError:
			b.Errors++
		}
		breakdown[msg.Agent] = b
	}
	return breakdown
}

// CommunicationPatterns groups communications by ordered (from, to) agent
// pair. A communication contributes a response-time sample when an earlier
// communication in the opposite direction carries the same related-message
// reference; the average covers paired samples only.
func (p *Processor) CommunicationPatterns() []domain.CommunicationPattern {
	type pairKey struct {
		from, to domain.AgentType
	}
	type pairAgg struct {
		count  int
		paired int
		total  time.Duration
	}

	aggs := make(map[pairKey]*pairAgg)
	var order []pairKey
	for i, comm := range p.comms {
		key := pairKey{comm.FromAgent, comm.ToAgent}
		agg, ok := aggs[key]
		if !ok {
			agg = &pairAgg{}
			aggs[key] = agg
			order = append(order, key)
		}
		agg.count++

		if comm.RelatedMessageID == "" {
			continue
		}
		// Nearest earlier opposite-direction exchange on the same message.
		for j := i - 1; j >= 0; j-- {
			prev := p.comms[j]
			if prev.RelatedMessageID == comm.RelatedMessageID &&
				prev.FromAgent == comm.ToAgent && prev.ToAgent == comm.FromAgent {
				agg.paired++
				agg.total += comm.Timestamp.Sub(prev.Timestamp)
				break
			}
		}
	}

	patterns := make([]domain.CommunicationPattern, 0, len(order))
	for _, key := range order {
		agg := aggs[key]
		pattern := domain.CommunicationPattern{
			FromAgent: key.from,
			ToAgent:   key.to,
			Count:     agg.count,
			Paired:    agg.paired,
		}
		if agg.paired > 0 {
			pattern.AvgResponseTime = agg.total / time.Duration(agg.paired)
		}
		patterns = append(patterns, pattern)
	}
	return patterns
}

func (p *Processor) performanceSummary() domain.PerformanceSummary {
	var summary domain.PerformanceSummary

	if len(p.metrics) > 0 {
		var totalMs int64
		for _, m := range p.metrics {
			totalMs += m.ResponseTimeMs
			summary.TotalCost += m.Cost
		}
		summary.AvgResponseTime = time.Duration(totalMs/int64(len(p.metrics))) * time.Millisecond
	}

	if len(p.messages) > 0 {
		errors := 0
		for _, msg := range p.messages {
			if msg.Type == domain.MessageTypeError {
				errors++
			}
		}
		summary.ErrorRate = float64(errors) / float64(len(p.messages))
	}

	summary.PeakActivity = p.peakActivity()
	return summary
}

// peakActivity finds the trailing window with the highest message count.
func (p *Processor) peakActivity() *domain.ActivityWindow {
	if len(p.messages) == 0 {
		return nil
	}
	var peak domain.ActivityWindow
	for i, msg := range p.messages {
		end := msg.Timestamp.Add(p.cfg.PeakWindow)
		count := 0
		for j := i; j < len(p.messages); j++ {
			if p.messages[j].Timestamp.Before(end) {
				count++
			} else {
				break
			}
		}
		if count > peak.Count {
			peak = domain.ActivityWindow{Start: msg.Timestamp, End: end, Count: count}
		}
	}
	return &peak
}

// KeyMoments flags points of interest in chronological order: session start,
// every agent switch, the first error, and the session end when recorded.
// Moments sharing a timestamp keep their discovery order.
func (p *Processor) KeyMoments() []domain.KeyMoment {
	if len(p.messages) == 0 {
		return nil
	}

	moments := []domain.KeyMoment{{
		Type:        domain.KeyMomentSessionStarted,
		Description: "Session started",
		Timestamp:   p.messages[0].Timestamp,
		Index:       0,
		Importance:  domain.ImportanceHigh,
	}}

	for i := 1; i < len(p.messages); i++ {
		prev, cur := p.messages[i-1], p.messages[i]
		if prev.Agent != cur.Agent {
			moments = append(moments, domain.KeyMoment{
				Type:        domain.KeyMomentAgentSwitch,
				Description: fmt.Sprintf("Control passed from %s to %s", prev.Agent, cur.Agent),
				Timestamp:   cur.Timestamp,
				Index:       i,
				Importance:  domain.ImportanceMedium,
			})
		}
	}

	for i, msg := range p.messages {
		if msg.Type == domain.MessageTypeError {
			moments = append(moments, domain.KeyMoment{
				Type:        domain.KeyMomentFirstError,
				Description: "First error encountered",
				Timestamp:   msg.Timestamp,
				Index:       i,
				Importance:  domain.ImportanceHigh,
			})
			break
		}
	}

	if p.session.EndedAt != nil {
		moments = append(moments, domain.KeyMoment{
			Type:        domain.KeyMomentSessionCompleted,
			Description: "Session completed",
			Timestamp:   *p.session.EndedAt,
			Index:       len(p.messages) - 1,
			Importance:  domain.ImportanceHigh,
		})
	}

	sort.SliceStable(moments, func(i, j int) bool {
		return moments[i].Timestamp.Before(moments[j].Timestamp)
	})
	return moments
}

// WorkflowPhases splits the message sequence into maximal runs dominated by
// one agent. The final message always closes the last open phase, even when
// it is a run of one.
func (p *Processor) WorkflowPhases() []domain.WorkflowPhase {
	if len(p.messages) == 0 {
		return nil
	}

	var phases []domain.WorkflowPhase
	start := 0
	for i := 1; i < len(p.messages); i++ {
		if p.messages[i].Agent != p.messages[start].Agent {
			phases = append(phases, p.phase(start, i-1))
			start = i
		}
	}
	phases = append(phases, p.phase(start, len(p.messages)-1))
	return phases
}

func (p *Processor) phase(start, end int) domain.WorkflowPhase {
	return domain.WorkflowPhase{
		Agent:      p.messages[start].Agent,
		StartIndex: start,
		EndIndex:   end,
		StartTime:  p.messages[start].Timestamp,
		EndTime:    p.messages[end].Timestamp,
	}
}

// DetectSpikes scans the timeline for windows whose event density exceeds
// the configured per-minute threshold. After a window qualifies, the scan
// skips ahead by a fraction of that window's event count so overlapping
// duplicates are not reported.
func (p *Processor) DetectSpikes(timeline []domain.TimelineEvent) []domain.ActivitySpike {
	var spikes []domain.ActivitySpike
	windowMinutes := p.cfg.PeakWindow.Minutes()

	for i := 0; i < len(timeline); {
		end := timeline[i].Timestamp.Add(p.cfg.PeakWindow)
		count := 0
		for j := i; j < len(timeline); j++ {
			if timeline[j].Timestamp.Before(end) {
				count++
			} else {
				break
			}
		}

		perMinute := float64(count) / windowMinutes
		if perMinute >= p.cfg.SpikeThresholdPerMinute {
			spikes = append(spikes, domain.ActivitySpike{
				Start:      timeline[i].Timestamp,
				End:        end,
				Count:      count,
				PerMinute:  perMinute,
				StartIndex: i,
			})
			skip := int(float64(count) * p.cfg.SpikeSkipFactor)
			if skip < 1 {
				skip = 1
			}
			i += skip
			continue
		}
		i++
	}
	return spikes
}

// GenerateBookmarks produces system bookmarks for phase starts,
// high-importance key moments, error messages and activity spikes, sorted by
// timestamp. IDs are derived from the session data, so repeated calls over
// unchanged input yield identical results.
func (p *Processor) GenerateBookmarks() []domain.Bookmark {
	var bookmarks []domain.Bookmark
	sessionID := p.session.SessionID

	for i, phase := range p.WorkflowPhases() {
		bookmarks = append(bookmarks, domain.Bookmark{
			ID:          fmt.Sprintf("bmk_phase_%d", i),
			SessionID:   sessionID,
			Label:       fmt.Sprintf("%s phase", phase.Agent),
			Description: fmt.Sprintf("Messages %d-%d", phase.StartIndex, phase.EndIndex),
			Timestamp:   phase.StartTime,
			Index:       phase.StartIndex,
			Tags:        []string{"phase", string(phase.Agent)},
			CreatedBy:   domain.CreatorSystem,
		})
	}

	for _, moment := range p.KeyMoments() {
		if moment.Importance != domain.ImportanceHigh {
			continue
		}
		bookmarks = append(bookmarks, domain.Bookmark{
			ID:        "bmk_moment_" + string(moment.Type),
			SessionID: sessionID,
			Label:     moment.Description,
			Timestamp: moment.Timestamp,
			Index:     moment.Index,
			Tags:      []string{"key-moment"},
			CreatedBy: domain.CreatorSystem,
		})
	}

	for i, msg := range p.messages {
		if msg.Type != domain.MessageTypeError {
			continue
		}
		bookmarks = append(bookmarks, domain.Bookmark{
			ID:          "bmk_error_" + msg.MessageID,
			SessionID:   sessionID,
			Label:       "Error",
			Description: truncate(msg.Content, 80),
			Timestamp:   msg.Timestamp,
			Index:       i,
			Tags:        []string{"error"},
			CreatedBy:   domain.CreatorSystem,
		})
	}

	for i, spike := range p.DetectSpikes(p.Process(AllOptions())) {
		bookmarks = append(bookmarks, domain.Bookmark{
			ID:          fmt.Sprintf("bmk_spike_%d", i),
			SessionID:   sessionID,
			Label:       "Activity spike",
			Description: fmt.Sprintf("%d events (%.1f/min)", spike.Count, spike.PerMinute),
			Timestamp:   spike.Start,
			Index:       spike.StartIndex,
			Tags:        []string{"spike"},
			CreatedBy:   domain.CreatorSystem,
		})
	}

	sort.SliceStable(bookmarks, func(i, j int) bool {
		return bookmarks[i].Timestamp.Before(bookmarks[j].Timestamp)
	})
	return bookmarks
}

var agentColors = map[domain.AgentType]string{
	domain.AgentManager: "#6366f1",
	domain.AgentWorker:  "#10b981",
}

// GenerateSegments produces one segment per workflow phase plus an error
// recovery segment for each error message. A recovery segment ends at the
// first subsequent successful response, or five messages later when none
// exists.
func (p *Processor) GenerateSegments() []domain.Segment {
	var segments []domain.Segment
	sessionID := p.session.SessionID

	for i, phase := range p.WorkflowPhases() {
		segments = append(segments, domain.Segment{
			ID:         fmt.Sprintf("seg_phase_%d", i),
			SessionID:  sessionID,
			Label:      fmt.Sprintf("%s phase", phase.Agent),
			StartIndex: phase.StartIndex,
			EndIndex:   phase.EndIndex,
			StartTime:  phase.StartTime,
			EndTime:    phase.EndTime,
			Tags:       []string{"phase", string(phase.Agent)},
			Color:      agentColors[phase.Agent],
		})
	}

	for i, msg := range p.messages {
		if msg.Type != domain.MessageTypeError {
			continue
		}
		end := -1
		for j := i + 1; j < len(p.messages); j++ {
			if p.messages[j].Type == domain.MessageTypeResponse {
				end = j
				break
			}
		}
		if end == -1 {
			end = i + 5
			if end > len(p.messages)-1 {
				end = len(p.messages) - 1
			}
		}
		segments = append(segments, domain.Segment{
			ID:         fmt.Sprintf("seg_recovery_%d", i),
			SessionID:  sessionID,
			Label:      "Error recovery",
			StartIndex: i,
			EndIndex:   end,
			StartTime:  msg.Timestamp,
			EndTime:    p.messages[end].Timestamp,
			Tags:       []string{"error-recovery"},
			Color:      "#ef4444",
		})
	}

	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].StartTime.Before(segments[j].StartTime)
	})
	return segments
}

// topicVocabulary is the fixed keyword set scanned when tagging a replay.
var topicVocabulary = []string{
	"refactor", "test", "debug", "deploy", "api", "database",
	"frontend", "auth", "performance", "docs", "migration", "review",
}

// GenerateMetadata synthesizes a descriptive summary of the session: a title
// from the task description, tags from the mode, status and detected topics,
// and the key-moments list. Pure with respect to the session data, so it can
// be regenerated at any time.
func (p *Processor) GenerateMetadata() *domain.ReplayMetadata {
	title := truncate(p.session.Task, 60)
	if title == "" {
		title = "Session " + p.session.SessionID
	}

	var tags []string
	if p.session.Mode != "" {
		tags = append(tags, p.session.Mode)
	}
	tags = append(tags, string(p.session.Status))

	corpus := strings.ToLower(p.session.Task)
	for _, msg := range p.messages {
		corpus += " " + strings.ToLower(msg.Content)
	}
	for _, topic := range topicVocabulary {
		if strings.Contains(corpus, topic) {
			tags = append(tags, topic)
		}
	}

	return &domain.ReplayMetadata{
		SessionID:  p.session.SessionID,
		Title:      title,
		Duration:   p.session.Duration(time.Now()),
		Tags:       tags,
		StartTime:  p.session.StartedAt,
		EndTime:    p.session.EndedAt,
		KeyMoments: p.KeyMoments(),
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
