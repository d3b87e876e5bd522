package replay

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pairtrace/pairtrace/domain"
)

// Export formats.
const (
	FormatJSON     = "json"
	FormatCSV      = "csv"
	FormatMarkdown = "markdown"
)

// TimeRange bounds an export. Both ends are inclusive.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// ExportOptions selects what goes into an export and how it is rendered.
type ExportOptions struct {
	Format string
	// TimeRange restricts the export to events inside the range. Nil means
	// the whole timeline.
	TimeRange *TimeRange
	// Kinds restricts the export to the listed event kinds. Empty means all
	// kinds that survive the replay's active filters.
	Kinds []domain.EventKind

	IncludeBookmarks   bool
	IncludeAnnotations bool
	IncludeSegments    bool
	IncludeAnalysis    bool
}

// exportDocument is the JSON export envelope.
type exportDocument struct {
	SessionID   string                  `json:"session_id"`
	Metadata    *domain.ReplayMetadata  `json:"metadata,omitempty"`
	Events      []domain.TimelineEvent  `json:"events"`
	Bookmarks   []domain.Bookmark       `json:"bookmarks,omitempty"`
	Annotations []domain.Annotation     `json:"annotations,omitempty"`
	Segments    []domain.Segment        `json:"segments,omitempty"`
	Analysis    *domain.SessionAnalysis `json:"analysis,omitempty"`
}

// Export writes the replay's filtered timeline to w in the requested format.
// The replay's active view filters apply first, then the export's own range
// and kind restrictions.
func (m *Manager) Export(handleID string, opts ExportOptions, w io.Writer) error {
	h, err := m.Get(handleID)
	if err != nil {
		return err
	}

	events := h.State.FilteredTimeline()
	events = filterExport(events, opts)

	switch opts.Format {
	case FormatJSON:
		return writeJSON(h, events, opts, w)
	case FormatCSV:
		return writeCSV(events, w)
	case FormatMarkdown:
		return writeMarkdown(h, events, opts, w)
	default:
		return fmt.Errorf("unsupported export format %q", opts.Format)
	}
}

// ExportSegment exports only the events covered by a stored segment.
func (m *Manager) ExportSegment(handleID, segmentID string, opts ExportOptions, w io.Writer) error {
	h, err := m.Get(handleID)
	if err != nil {
		return err
	}
	var seg *domain.Segment
	for _, s := range h.State.Segments() {
		if s.ID == segmentID {
			seg = &s
			break
		}
	}
	if seg == nil {
		return fmt.Errorf("segment %s: %w", segmentID, ErrNotFound)
	}
	opts.TimeRange = &TimeRange{Start: seg.StartTime, End: seg.EndTime}
	return m.Export(handleID, opts, w)
}

func filterExport(events []domain.TimelineEvent, opts ExportOptions) []domain.TimelineEvent {
	var kinds map[domain.EventKind]bool
	if len(opts.Kinds) > 0 {
		kinds = make(map[domain.EventKind]bool, len(opts.Kinds))
		for _, k := range opts.Kinds {
			kinds[k] = true
		}
	}
	out := make([]domain.TimelineEvent, 0, len(events))
	for _, ev := range events {
		if opts.TimeRange != nil {
			if ev.Timestamp.Before(opts.TimeRange.Start) || ev.Timestamp.After(opts.TimeRange.End) {
				continue
			}
		}
		if kinds != nil && !kinds[ev.Kind] {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func writeJSON(h *Handle, events []domain.TimelineEvent, opts ExportOptions, w io.Writer) error {
	doc := exportDocument{
		SessionID: h.SessionID,
		Metadata:  h.Metadata,
		Events:    events,
	}
	if opts.IncludeBookmarks {
		doc.Bookmarks = h.State.Bookmarks()
	}
	if opts.IncludeAnnotations {
		doc.Annotations = h.State.Annotations()
	}
	if opts.IncludeSegments {
		doc.Segments = h.State.Segments()
	}
	if opts.IncludeAnalysis {
		doc.Analysis = h.Analysis
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal export: %w", err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// writeCSV emits one row per message event. Non-message kinds have no
// natural tabular shape and are skipped.
func writeCSV(events []domain.TimelineEvent, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"index", "timestamp", "agent", "type", "content"}); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, ev := range events {
		if ev.Kind != domain.EventKindMessage || ev.Message == nil {
			continue
		}
		msg := ev.Message
		row := []string{
			strconv.Itoa(ev.Index),
			ev.Timestamp.UTC().Format(time.RFC3339Nano),
			string(msg.Agent),
			string(msg.Type),
			msg.Content,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeMarkdown(h *Handle, events []domain.TimelineEvent, opts ExportOptions, w io.Writer) error {
	var b strings.Builder
	title := h.SessionID
	if h.Metadata != nil && h.Metadata.Title != "" {
		title = h.Metadata.Title
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	if h.Metadata != nil {
		fmt.Fprintf(&b, "Session `%s`, duration %s, %d events.\n\n",
			h.SessionID, h.Metadata.Duration, len(events))
	}

	bookmarksAt := make(map[int64][]domain.Bookmark)
	if opts.IncludeBookmarks {
		for _, bm := range h.State.Bookmarks() {
			ms := bm.Timestamp.UnixMilli()
			bookmarksAt[ms] = append(bookmarksAt[ms], bm)
		}
	}
	annotationsAt := make(map[int64][]domain.Annotation)
	if opts.IncludeAnnotations {
		for _, a := range h.State.Annotations() {
			ms := a.Timestamp.UnixMilli()
			annotationsAt[ms] = append(annotationsAt[ms], a)
		}
	}

	for _, ev := range events {
		ms := ev.Timestamp.UnixMilli()
		for _, bm := range bookmarksAt[ms] {
			fmt.Fprintf(&b, "> **Bookmark: %s**", bm.Label)
			if bm.Description != "" {
				fmt.Fprintf(&b, ": %s", bm.Description)
			}
			b.WriteString("\n\n")
		}
		delete(bookmarksAt, ms)

		stamp := ev.Timestamp.UTC().Format("15:04:05.000")
		switch ev.Kind {
		case domain.EventKindMessage:
			fmt.Fprintf(&b, "**[%s] %s (%s):** %s\n\n",
				stamp, ev.Message.Agent, ev.Message.Type, ev.Message.Content)
		case domain.EventKindCommunication:
			fmt.Fprintf(&b, "*[%s] %s → %s:* %s\n\n",
				stamp, ev.Communication.FromAgent, ev.Communication.ToAgent, ev.Communication.Content)
		case domain.EventKindSystemEvent:
			fmt.Fprintf(&b, "_[%s] system: %s_\n\n", stamp, ev.SystemEvent.Kind)
		case domain.EventKindMetric:
			fmt.Fprintf(&b, "_[%s] metric: %dms, $%.4f_\n\n",
				stamp, ev.Metric.ResponseTimeMs, ev.Metric.Cost)
		}

		for _, a := range annotationsAt[ms] {
			fmt.Fprintf(&b, "> _%s notes:_ %s\n\n", a.Author, a.Content)
		}
		delete(annotationsAt, ms)
	}

	if opts.IncludeSegments {
		segments := h.State.Segments()
		if len(segments) > 0 {
			b.WriteString("## Segments\n\n")
			for _, seg := range segments {
				fmt.Fprintf(&b, "- **%s**: events %d to %d (%s)\n",
					seg.Label, seg.StartIndex, seg.EndIndex, seg.EndTime.Sub(seg.StartTime))
			}
			b.WriteString("\n")
		}
	}

	if opts.IncludeAnalysis && h.Analysis != nil {
		b.WriteString("## Analysis\n\n")
		fmt.Fprintf(&b, "- Error rate: %.1f%%\n", h.Analysis.Performance.ErrorRate*100)
		fmt.Fprintf(&b, "- Avg response time: %s\n", h.Analysis.Performance.AvgResponseTime)
		fmt.Fprintf(&b, "- Total cost: $%.4f\n", h.Analysis.Performance.TotalCost)
		for _, km := range h.Analysis.KeyMoments {
			fmt.Fprintf(&b, "- [%s] %s\n", km.Timestamp.UTC().Format("15:04:05"), km.Description)
		}
		b.WriteString("\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}
