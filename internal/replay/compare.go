package replay

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pairtrace/pairtrace/domain"
	"github.com/pairtrace/pairtrace/internal/timeline"
)

type comparedSession struct {
	timeline []domain.TimelineEvent
	analysis *domain.SessionAnalysis
	metadata *domain.ReplayMetadata
}

// Compare loads two or more sessions, processes each into a timeline and
// aligns them on recorded timestamps. Sessions are loaded concurrently.
func (m *Manager) Compare(ctx context.Context, sessionIDs []string) (*domain.SessionComparison, error) {
	if len(sessionIDs) < 2 {
		return nil, fmt.Errorf("comparison requires at least 2 sessions, got %d", len(sessionIDs))
	}
	seen := make(map[string]bool, len(sessionIDs))
	for _, id := range sessionIDs {
		if seen[id] {
			return nil, fmt.Errorf("duplicate session id %s in comparison", id)
		}
		seen[id] = true
	}

	loaded := make([]comparedSession, len(sessionIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range sessionIDs {
		i, id := i, id
		g.Go(func() error {
			cs, err := m.loadForCompare(gctx, id)
			if err != nil {
				return err
			}
			loaded[i] = *cs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	cmp := &domain.SessionComparison{
		SessionIDs: append([]string(nil), sessionIDs...),
		Aligned:    alignTimelines(sessionIDs, loaded),
		Stats:      make(map[string]domain.SessionStats, len(sessionIDs)),
	}
	for i, id := range sessionIDs {
		cmp.Stats[id] = sessionStats(loaded[i])
	}
	return cmp, nil
}

func (m *Manager) loadForCompare(ctx context.Context, sessionID string) (*comparedSession, error) {
	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	messages, err := m.sessions.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages for %s: %w", sessionID, err)
	}
	comms, err := m.sessions.GetCommunications(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get communications for %s: %w", sessionID, err)
	}
	events, err := m.sessions.GetSystemEvents(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get system events for %s: %w", sessionID, err)
	}
	metrics, err := m.sessions.GetMetrics(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics for %s: %w", sessionID, err)
	}

	proc := timeline.NewProcessor(m.cfg.Timeline, session, messages, comms, events, metrics)
	return &comparedSession{
		timeline: proc.Process(timeline.AllOptions()),
		analysis: proc.Analyze(),
		metadata: proc.GenerateMetadata(),
	}, nil
}

// alignTimelines builds one row per distinct timestamp across all sessions.
// A session's slot holds the event it recorded at that exact instant, or nil.
// When a session has several events at one instant the first is kept.
func alignTimelines(sessionIDs []string, loaded []comparedSession) []domain.AlignedRow {
	type slotKey struct {
		session string
		unixMs  int64
	}
	slots := make(map[slotKey]*domain.TimelineEvent)
	tsSet := make(map[int64]bool)
	for i, cs := range loaded {
		for j := range cs.timeline {
			ev := &cs.timeline[j]
			ms := ev.Timestamp.UnixMilli()
			tsSet[ms] = true
			key := slotKey{sessionIDs[i], ms}
			if _, ok := slots[key]; !ok {
				slots[key] = ev
			}
		}
	}

	stamps := make([]int64, 0, len(tsSet))
	for ms := range tsSet {
		stamps = append(stamps, ms)
	}
	sort.Slice(stamps, func(a, b int) bool { return stamps[a] < stamps[b] })

	rows := make([]domain.AlignedRow, 0, len(stamps))
	for _, ms := range stamps {
		row := domain.AlignedRow{
			Timestamp: time.UnixMilli(ms).UTC(),
			Events:    make(map[string]*domain.TimelineEvent, len(sessionIDs)),
		}
		for _, id := range sessionIDs {
			row.Events[id] = slots[slotKey{id, ms}]
		}
		rows = append(rows, row)
	}
	return rows
}

func sessionStats(cs comparedSession) domain.SessionStats {
	totalMessages := 0
	for _, bd := range cs.analysis.MessageBreakdown {
		totalMessages += bd.Prompts + bd.Responses + bd.ToolCalls + bd.Errors
	}
	stats := domain.SessionStats{
		TotalEvents:     len(cs.timeline),
		TotalMessages:   totalMessages,
		Duration:        cs.metadata.Duration,
		ErrorRate:       cs.analysis.Performance.ErrorRate,
		AvgResponseTime: cs.analysis.Performance.AvgResponseTime,
		TotalCost:       cs.analysis.Performance.TotalCost,
	}
	for _, ph := range cs.analysis.WorkflowPhases {
		stats.Phases = append(stats.Phases, domain.PhaseSummary{
			Agent:    ph.Agent,
			Duration: ph.Duration(),
			Messages: ph.EndIndex - ph.StartIndex + 1,
		})
	}
	return stats
}
