package replay

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pairtrace/pairtrace/domain"
)

var testStart = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// testTimeline builds n message events one second apart.
func testTimeline(n int) []domain.TimelineEvent {
	events := make([]domain.TimelineEvent, 0, n)
	for i := 0; i < n; i++ {
		ts := testStart.Add(time.Duration(i) * time.Second)
		agent := domain.AgentManager
		if i%2 == 1 {
			agent = domain.AgentWorker
		}
		msg := &domain.Message{
			MessageID: fmt.Sprintf("m%d", i),
			SessionID: "s1",
			Agent:     agent,
			Type:      domain.MessageTypeResponse,
			Content:   fmt.Sprintf("message %d", i),
			Timestamp: ts,
		}
		events = append(events, domain.TimelineEvent{
			ID:        msg.MessageID,
			Kind:      domain.EventKindMessage,
			Timestamp: ts,
			Index:     i,
			Message:   msg,
		})
	}
	return events
}

func TestStateStepBounds(t *testing.T) {
	s := NewState("s1", testTimeline(3))

	s.StepBackward()
	if s.CurrentIndex() != 0 {
		t.Fatalf("step backward at start must stay at 0, got %d", s.CurrentIndex())
	}

	s.StepForward()
	s.StepForward()
	if s.CurrentIndex() != 2 {
		t.Fatalf("expected index 2, got %d", s.CurrentIndex())
	}
	s.StepForward()
	if s.CurrentIndex() != 2 {
		t.Fatalf("step forward at end must stay at last, got %d", s.CurrentIndex())
	}
}

func TestStateSetCurrentIndexClamps(t *testing.T) {
	s := NewState("s1", testTimeline(5))

	s.SetCurrentIndex(99)
	if s.CurrentIndex() != 4 {
		t.Fatalf("expected clamp to 4, got %d", s.CurrentIndex())
	}
	s.SetCurrentIndex(-3)
	if s.CurrentIndex() != 0 {
		t.Fatalf("expected clamp to 0, got %d", s.CurrentIndex())
	}
}

func TestStateJumpToTimestamp(t *testing.T) {
	s := NewState("s1", testTimeline(5))

	// Between events: lands on the first event at or after.
	s.JumpToTimestamp(testStart.Add(1500 * time.Millisecond))
	if s.CurrentIndex() != 2 {
		t.Fatalf("expected index 2, got %d", s.CurrentIndex())
	}

	// Exactly on an event.
	s.JumpToTimestamp(testStart.Add(3 * time.Second))
	if s.CurrentIndex() != 3 {
		t.Fatalf("expected index 3, got %d", s.CurrentIndex())
	}

	// Past the end: lands on the last event.
	s.JumpToTimestamp(testStart.Add(time.Hour))
	if s.CurrentIndex() != 4 {
		t.Fatalf("expected last index 4, got %d", s.CurrentIndex())
	}

	// Before the start: lands on the first event.
	s.JumpToTimestamp(testStart.Add(-time.Hour))
	if s.CurrentIndex() != 0 {
		t.Fatalf("expected index 0, got %d", s.CurrentIndex())
	}
}

func TestStateJumpToMessage(t *testing.T) {
	s := NewState("s1", testTimeline(4))

	if err := s.JumpToMessage("m2"); err != nil {
		t.Fatalf("JumpToMessage failed: %v", err)
	}
	if s.CurrentIndex() != 2 {
		t.Fatalf("expected index 2, got %d", s.CurrentIndex())
	}

	err := s.JumpToMessage("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if s.CurrentIndex() != 2 {
		t.Fatalf("failed jump must not move the cursor, got %d", s.CurrentIndex())
	}
}

func TestStateJumpToBookmark(t *testing.T) {
	s := NewState("s1", testTimeline(5))
	s.AddBookmark(domain.Bookmark{
		ID:        "bmk_1",
		SessionID: "s1",
		Label:     "here",
		Timestamp: testStart.Add(2 * time.Second),
		Index:     2,
	})

	if err := s.JumpToBookmark("bmk_1"); err != nil {
		t.Fatalf("JumpToBookmark failed: %v", err)
	}
	if s.CurrentIndex() != 2 {
		t.Fatalf("expected index 2, got %d", s.CurrentIndex())
	}

	if err := s.JumpToBookmark("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStateNotifiesOnlyOnChange(t *testing.T) {
	s := NewState("s1", testTimeline(3))

	calls := 0
	unsubscribe := s.Subscribe(func(Snapshot) { calls++ })

	s.SetCurrentIndex(1)
	if calls != 1 {
		t.Fatalf("expected 1 notification, got %d", calls)
	}

	// No-ops must not notify.
	s.SetCurrentIndex(1)
	s.SetSpeed(1.0)
	s.SetLoop(false)
	s.SetPlaying(false)
	s.SetFilters(DefaultFilters())
	if calls != 1 {
		t.Fatalf("no-op mutations notified, got %d calls", calls)
	}

	s.SetSpeed(2.0)
	if calls != 2 {
		t.Fatalf("expected 2 notifications, got %d", calls)
	}

	unsubscribe()
	s.SetCurrentIndex(2)
	if calls != 2 {
		t.Fatalf("unsubscribed callback still invoked")
	}
}

func TestStateSubscriberSeesFullSnapshot(t *testing.T) {
	s := NewState("s1", testTimeline(3))

	var got Snapshot
	s.Subscribe(func(snap Snapshot) { got = snap })

	s.SetCurrentIndex(2)
	if got.SessionID != "s1" || got.CurrentIndex != 2 || got.TotalEvents != 3 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestStateSpeedClamping(t *testing.T) {
	s := NewState("s1", testTimeline(2))

	s.SetSpeed(100)
	if s.Speed() != MaxSpeed {
		t.Fatalf("expected clamp to %v, got %v", MaxSpeed, s.Speed())
	}
	s.SetSpeed(0.01)
	if s.Speed() != MinSpeed {
		t.Fatalf("expected clamp to %v, got %v", MinSpeed, s.Speed())
	}
}

func TestStateFilteredTimeline(t *testing.T) {
	events := testTimeline(4)
	events = append(events, domain.TimelineEvent{
		ID:        "e1",
		Kind:      domain.EventKindSystemEvent,
		Timestamp: testStart.Add(10 * time.Second),
		Index:     4,
		SystemEvent: &domain.SystemEvent{
			EventID: "e1", SessionID: "s1", Kind: "checkpoint", Timestamp: testStart.Add(10 * time.Second),
		},
	})
	events = append(events, domain.TimelineEvent{
		ID:        "pm1",
		Kind:      domain.EventKindMetric,
		Timestamp: testStart.Add(11 * time.Second),
		Index:     5,
		Metric: &domain.PerformanceMetric{
			MetricID: "pm1", SessionID: "s1", Timestamp: testStart.Add(11 * time.Second), ResponseTimeMs: 50,
		},
	})
	s := NewState("s1", events)

	if got := len(s.FilteredTimeline()); got != 6 {
		t.Fatalf("default filters must show everything, got %d", got)
	}

	s.SetFilters(Filters{Agents: []domain.AgentType{domain.AgentWorker}, ShowSystemEvents: true, ShowMetrics: true})
	filtered := s.FilteredTimeline()
	if len(filtered) != 4 {
		t.Fatalf("expected 2 worker messages + event + metric, got %d", len(filtered))
	}

	s.SetFilters(Filters{ShowSystemEvents: false, ShowMetrics: false})
	filtered = s.FilteredTimeline()
	if len(filtered) != 4 {
		t.Fatalf("expected messages only, got %d", len(filtered))
	}
	for _, ev := range filtered {
		if ev.Kind != domain.EventKindMessage {
			t.Fatalf("non-message kind leaked through: %s", ev.Kind)
		}
	}

	// The underlying timeline is untouched.
	if s.TotalEvents() != 6 {
		t.Fatalf("filtering must not mutate the timeline, got %d", s.TotalEvents())
	}
}

func TestStateProgress(t *testing.T) {
	empty := NewState("s1", nil)
	if empty.Progress() != 0 {
		t.Fatalf("empty timeline progress must be 0, got %f", empty.Progress())
	}

	single := NewState("s1", testTimeline(1))
	if single.Progress() != 1 {
		t.Fatalf("single event progress must be 1, got %f", single.Progress())
	}

	s := NewState("s1", testTimeline(5))
	if s.Progress() != 0 {
		t.Fatalf("progress at start must be 0, got %f", s.Progress())
	}
	s.SetCurrentIndex(2)
	if s.Progress() != 0.5 {
		t.Fatalf("expected 0.5, got %f", s.Progress())
	}
	s.JumpToEnd()
	if s.Progress() != 1 {
		t.Fatalf("progress at end must be 1, got %f", s.Progress())
	}
}

func TestStateDurationAndElapsed(t *testing.T) {
	s := NewState("s1", testTimeline(5))

	if s.Duration() != 4*time.Second {
		t.Fatalf("expected 4s duration, got %s", s.Duration())
	}
	s.SetCurrentIndex(3)
	if s.Elapsed() != 3*time.Second {
		t.Fatalf("expected 3s elapsed, got %s", s.Elapsed())
	}
}

func TestStateMarkersStaySorted(t *testing.T) {
	s := NewState("s1", testTimeline(10))

	s.AddBookmark(domain.Bookmark{ID: "b3", Timestamp: testStart.Add(3 * time.Second)})
	s.AddBookmark(domain.Bookmark{ID: "b1", Timestamp: testStart.Add(1 * time.Second)})
	s.AddBookmark(domain.Bookmark{ID: "b2", Timestamp: testStart.Add(2 * time.Second)})

	bookmarks := s.Bookmarks()
	for i, want := range []string{"b1", "b2", "b3"} {
		if bookmarks[i].ID != want {
			t.Fatalf("bookmarks unsorted: %+v", bookmarks)
		}
	}

	// Update that moves a bookmark in time re-sorts.
	if err := s.UpdateBookmark(domain.Bookmark{ID: "b1", Timestamp: testStart.Add(9 * time.Second)}); err != nil {
		t.Fatalf("UpdateBookmark failed: %v", err)
	}
	bookmarks = s.Bookmarks()
	if bookmarks[2].ID != "b1" {
		t.Fatalf("update did not re-sort: %+v", bookmarks)
	}

	if err := s.RemoveBookmark("b2"); err != nil {
		t.Fatalf("RemoveBookmark failed: %v", err)
	}
	if len(s.Bookmarks()) != 2 {
		t.Fatalf("expected 2 bookmarks, got %d", len(s.Bookmarks()))
	}
	if err := s.RemoveBookmark("b2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStateExportImportRoundTrip(t *testing.T) {
	s := NewState("s1", testTimeline(5))
	s.SetCurrentIndex(3)
	s.SetSpeed(2.0)
	s.SetLoop(true)
	s.AddBookmark(domain.Bookmark{ID: "b1", SessionID: "s1", Label: "x", Timestamp: testStart.Add(time.Second)})

	exported := s.Export()

	restored := NewState("s1", testTimeline(5))
	if err := restored.Import(exported); err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if restored.CurrentIndex() != 3 || restored.Speed() != 2.0 || !restored.Loop() {
		t.Fatalf("unexpected restored state: index=%d speed=%v loop=%v",
			restored.CurrentIndex(), restored.Speed(), restored.Loop())
	}
	if len(restored.Bookmarks()) != 1 || restored.Bookmarks()[0].ID != "b1" {
		t.Fatalf("bookmarks not restored: %+v", restored.Bookmarks())
	}
}

func TestStateImportRejectsWrongSession(t *testing.T) {
	s := NewState("s1", testTimeline(3))
	exported := s.Export()

	other := NewState("s2", testTimeline(3))
	if err := other.Import(exported); err == nil {
		t.Fatalf("expected import of foreign export to fail")
	}
}

func TestStateImportClampsOutOfRangeCursor(t *testing.T) {
	s := NewState("s1", testTimeline(10))
	s.SetCurrentIndex(9)
	exported := s.Export()

	// Restore into a shorter timeline.
	short := NewState("s1", testTimeline(4))
	if err := short.Import(exported); err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if short.CurrentIndex() != 3 {
		t.Fatalf("expected clamp to 3, got %d", short.CurrentIndex())
	}
}
