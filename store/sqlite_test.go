package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pairtrace/pairtrace/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestSQLiteStoreSessionAndMessages(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(30 * time.Minute)
	session := &domain.Session{
		SessionID: "s1",
		Task:      "refactor the auth module",
		Mode:      "pair",
		Status:    domain.SessionStatusCompleted,
		StartedAt: started,
		EndedAt:   &ended,
		Metadata:  json.RawMessage(`{"team":"platform"}`),
	}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Task != "refactor the auth module" || got.Mode != "pair" {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Fatalf("unexpected ended_at: %v", got.EndedAt)
	}

	// Insert out of order; reads must come back sorted by timestamp.
	msgs := []domain.Message{
		{MessageID: "m2", SessionID: "s1", Agent: domain.AgentWorker, Type: domain.MessageTypeResponse, Content: "done", Timestamp: started.Add(2 * time.Second)},
		{MessageID: "m1", SessionID: "s1", Agent: domain.AgentManager, Type: domain.MessageTypePrompt, Content: "start", Timestamp: started.Add(1 * time.Second)},
	}
	for i := range msgs {
		if err := store.CreateMessage(ctx, &msgs[i]); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
	}

	gotMsgs, err := store.GetMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(gotMsgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(gotMsgs))
	}
	if gotMsgs[0].MessageID != "m1" || gotMsgs[1].MessageID != "m2" {
		t.Fatalf("messages not ordered by timestamp: %s, %s", gotMsgs[0].MessageID, gotMsgs[1].MessageID)
	}
}

func TestSQLiteStoreGetSessionNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	_, err := store.GetSession(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStoreCommunicationsAndEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	session := &domain.Session{SessionID: "s1", Task: "t", Status: domain.SessionStatusActive, StartedAt: started}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	comm := &domain.AgentCommunication{
		CommunicationID:  "c1",
		SessionID:        "s1",
		FromAgent:        domain.AgentManager,
		ToAgent:          domain.AgentWorker,
		RelatedMessageID: "m1",
		Content:          "please run the tests",
		Timestamp:        started.Add(time.Second),
	}
	if err := store.CreateCommunication(ctx, comm); err != nil {
		t.Fatalf("CreateCommunication failed: %v", err)
	}

	comms, err := store.GetCommunications(ctx, "s1")
	if err != nil {
		t.Fatalf("GetCommunications failed: %v", err)
	}
	if len(comms) != 1 || comms[0].RelatedMessageID != "m1" {
		t.Fatalf("unexpected communications: %+v", comms)
	}

	event := &domain.SystemEvent{
		EventID:   "e1",
		SessionID: "s1",
		Kind:      "checkpoint",
		Timestamp: started.Add(2 * time.Second),
		Payload:   json.RawMessage(`{"step":1}`),
	}
	if err := store.CreateSystemEvent(ctx, event); err != nil {
		t.Fatalf("CreateSystemEvent failed: %v", err)
	}

	events, err := store.GetSystemEvents(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSystemEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "checkpoint" {
		t.Fatalf("unexpected events: %+v", events)
	}

	metric := &domain.PerformanceMetric{
		MetricID:       "pm1",
		SessionID:      "s1",
		Timestamp:      started.Add(3 * time.Second),
		ResponseTimeMs: 420,
		Cost:           0.0125,
		Tokens:         512,
		IsError:        true,
	}
	if err := store.CreateMetric(ctx, metric); err != nil {
		t.Fatalf("CreateMetric failed: %v", err)
	}

	metrics, err := store.GetMetrics(ctx, "s1")
	if err != nil {
		t.Fatalf("GetMetrics failed: %v", err)
	}
	if len(metrics) != 1 || metrics[0].ResponseTimeMs != 420 || !metrics[0].IsError {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}

func TestSQLiteStoreBookmarkLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	ts := time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC)
	b := &domain.Bookmark{
		ID:          "bmk_1",
		SessionID:   "s1",
		Label:       "interesting",
		Description: "worker got stuck here",
		Timestamp:   ts,
		Index:       5,
		Tags:        []string{"debug", "loop"},
		CreatedBy:   domain.CreatorUser,
	}
	if err := store.PutBookmark(ctx, b); err != nil {
		t.Fatalf("PutBookmark failed: %v", err)
	}

	// Put with the same id replaces.
	b.Label = "renamed"
	if err := store.PutBookmark(ctx, b); err != nil {
		t.Fatalf("PutBookmark update failed: %v", err)
	}

	bookmarks, err := store.ListBookmarks(ctx, "s1")
	if err != nil {
		t.Fatalf("ListBookmarks failed: %v", err)
	}
	if len(bookmarks) != 1 {
		t.Fatalf("expected 1 bookmark, got %d", len(bookmarks))
	}
	got := bookmarks[0]
	if got.Label != "renamed" || got.Index != 5 || len(got.Tags) != 2 || got.Tags[0] != "debug" {
		t.Fatalf("unexpected bookmark: %+v", got)
	}

	if err := store.DeleteBookmark(ctx, "s1", "bmk_1"); err != nil {
		t.Fatalf("DeleteBookmark failed: %v", err)
	}
	bookmarks, err = store.ListBookmarks(ctx, "s1")
	if err != nil {
		t.Fatalf("ListBookmarks failed: %v", err)
	}
	if len(bookmarks) != 0 {
		t.Fatalf("expected no bookmarks after delete, got %d", len(bookmarks))
	}
}

func TestSQLiteStoreAnnotationsAndSegments(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := &domain.Annotation{
		ID:        "ann_1",
		SessionID: "s1",
		Author:    "reviewer",
		Content:   "this retry loop looks wrong",
		Timestamp: ts,
	}
	if err := store.PutAnnotation(ctx, a); err != nil {
		t.Fatalf("PutAnnotation failed: %v", err)
	}
	reply := &domain.Annotation{
		ID:        "ann_2",
		SessionID: "s1",
		ParentID:  "ann_1",
		Author:    "author",
		Content:   "fixed in the next phase",
		Timestamp: ts.Add(time.Minute),
	}
	if err := store.PutAnnotation(ctx, reply); err != nil {
		t.Fatalf("PutAnnotation reply failed: %v", err)
	}

	annotations, err := store.ListAnnotations(ctx, "s1")
	if err != nil {
		t.Fatalf("ListAnnotations failed: %v", err)
	}
	if len(annotations) != 2 || annotations[1].ParentID != "ann_1" {
		t.Fatalf("unexpected annotations: %+v", annotations)
	}

	seg := &domain.Segment{
		ID:         "seg_1",
		SessionID:  "s1",
		Label:      "worker phase",
		StartIndex: 0,
		EndIndex:   4,
		StartTime:  ts,
		EndTime:    ts.Add(5 * time.Minute),
		Tags:       []string{"phase"},
		Color:      "#10b981",
	}
	if err := store.PutSegment(ctx, seg); err != nil {
		t.Fatalf("PutSegment failed: %v", err)
	}

	segments, err := store.ListSegments(ctx, "s1")
	if err != nil {
		t.Fatalf("ListSegments failed: %v", err)
	}
	if len(segments) != 1 || segments[0].EndIndex != 4 || segments[0].Color != "#10b981" {
		t.Fatalf("unexpected segments: %+v", segments)
	}

	if err := store.DeleteSegment(ctx, "s1", "seg_1"); err != nil {
		t.Fatalf("DeleteSegment failed: %v", err)
	}
	if err := store.DeleteAnnotation(ctx, "s1", "ann_2"); err != nil {
		t.Fatalf("DeleteAnnotation failed: %v", err)
	}
}

func TestSQLiteStoreBookmarkIDsScopedBySession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	// Generated ids repeat across sessions; one session's markers must not
	// replace another's.
	for _, sid := range []string{"s1", "s2"} {
		b := &domain.Bookmark{ID: "bmk_phase_0", SessionID: sid, Label: sid, Timestamp: ts, CreatedBy: domain.CreatorSystem}
		if err := store.PutBookmark(ctx, b); err != nil {
			t.Fatalf("PutBookmark failed: %v", err)
		}
	}

	for _, sid := range []string{"s1", "s2"} {
		bookmarks, err := store.ListBookmarks(ctx, sid)
		if err != nil {
			t.Fatalf("ListBookmarks failed: %v", err)
		}
		if len(bookmarks) != 1 || bookmarks[0].Label != sid {
			t.Fatalf("bookmarks for %s clobbered: %+v", sid, bookmarks)
		}
	}
}

func TestSQLiteStoreMetadataRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	m := &domain.ReplayMetadata{
		SessionID: "s1",
		Title:     "refactor the auth module",
		Duration:  time.Hour,
		Tags:      []string{"pair", "completed", "auth"},
		StartTime: start,
		EndTime:   &end,
		KeyMoments: []domain.KeyMoment{
			{Type: domain.KeyMomentSessionStarted, Description: "Session started", Timestamp: start, Importance: domain.ImportanceHigh},
		},
	}
	if err := store.PutMetadata(ctx, m); err != nil {
		t.Fatalf("PutMetadata failed: %v", err)
	}

	got, err := store.GetMetadata(ctx, "s1")
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if got.Title != m.Title || got.Duration != time.Hour {
		t.Fatalf("unexpected metadata: %+v", got)
	}
	if len(got.KeyMoments) != 1 || got.KeyMoments[0].Type != domain.KeyMomentSessionStarted {
		t.Fatalf("unexpected key moments: %+v", got.KeyMoments)
	}

	_, err = store.GetMetadata(ctx, "other")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
