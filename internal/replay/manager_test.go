package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairtrace/pairtrace/domain"
	"github.com/pairtrace/pairtrace/store"
)

func newTestManager(t *testing.T) (*Manager, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := DefaultManagerConfig()
	cfg.TickInterval = 10 * time.Millisecond
	m := NewManager(st, st, cfg)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, st
}

func seedSession(t *testing.T, st *store.SQLiteStore, sessionID string) {
	t.Helper()
	ctx := context.Background()
	ended := testStart.Add(10 * time.Minute)
	require.NoError(t, st.CreateSession(ctx, &domain.Session{
		SessionID: sessionID,
		Task:      "debug the billing api",
		Mode:      "pair",
		Status:    domain.SessionStatusCompleted,
		StartedAt: testStart,
		EndedAt:   &ended,
	}))

	msgs := []domain.Message{
		{MessageID: sessionID + "_m1", SessionID: sessionID, Agent: domain.AgentManager, Type: domain.MessageTypePrompt, Content: "fix the bug", Timestamp: testStart.Add(1 * time.Second)},
		{MessageID: sessionID + "_m2", SessionID: sessionID, Agent: domain.AgentWorker, Type: domain.MessageTypeError, Content: "tests failed", Timestamp: testStart.Add(3 * time.Second)},
		{MessageID: sessionID + "_m3", SessionID: sessionID, Agent: domain.AgentWorker, Type: domain.MessageTypeResponse, Content: "fixed now", Timestamp: testStart.Add(5 * time.Second)},
	}
	for i := range msgs {
		require.NoError(t, st.CreateMessage(ctx, &msgs[i]))
	}
	require.NoError(t, st.CreateCommunication(ctx, &domain.AgentCommunication{
		CommunicationID: sessionID + "_c1", SessionID: sessionID,
		FromAgent: domain.AgentManager, ToAgent: domain.AgentWorker,
		Content: "handing off", Timestamp: testStart.Add(2 * time.Second),
	}))
	require.NoError(t, st.CreateMetric(ctx, &domain.PerformanceMetric{
		MetricID: sessionID + "_pm1", SessionID: sessionID,
		Timestamp: testStart.Add(4 * time.Second), ResponseTimeMs: 150, Cost: 0.01,
	}))
}

func TestManagerPrepare(t *testing.T) {
	m, st := newTestManager(t)
	seedSession(t, st, "s1")
	ctx := context.Background()

	h, err := m.Prepare(ctx, "s1", PrepareOptions{})
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "s1", h.SessionID)
	assert.True(t, strings.HasPrefix(h.ID, "rpl_"))
	assert.Equal(t, 5, h.State.TotalEvents())
	assert.Equal(t, 0, h.State.CurrentIndex())
	require.NotNil(t, h.Metadata)
	assert.Equal(t, "debug the billing api", h.Metadata.Title)
	require.NotNil(t, h.Analysis)

	// Metadata is persisted during prepare.
	meta, err := st.GetMetadata(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, h.Metadata.Title, meta.Title)

	// Generated bookmarks and segments were mirrored into the store.
	bookmarks, err := st.ListBookmarks(ctx, "s1")
	require.NoError(t, err)
	assert.NotEmpty(t, bookmarks)
	segments, err := st.ListSegments(ctx, "s1")
	require.NoError(t, err)
	assert.NotEmpty(t, segments)
	for _, b := range bookmarks {
		assert.Equal(t, domain.CreatorSystem, b.CreatedBy)
	}
}

func TestManagerPrepareReturnsExistingHandle(t *testing.T) {
	m, st := newTestManager(t)
	seedSession(t, st, "s1")
	ctx := context.Background()

	first, err := m.Prepare(ctx, "s1", PrepareOptions{})
	require.NoError(t, err)
	second, err := m.Prepare(ctx, "s1", PrepareOptions{})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, m.ActiveCount())
}

func TestManagerPrepareUnknownSession(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Prepare(context.Background(), "missing", PrepareOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManagerPrepareKeepsStoredBookmarks(t *testing.T) {
	m, st := newTestManager(t)
	seedSession(t, st, "s1")
	ctx := context.Background()

	// A user bookmark already exists, so prepare must not generate over it.
	require.NoError(t, st.PutBookmark(ctx, &domain.Bookmark{
		ID: "bmk_user", SessionID: "s1", Label: "mine",
		Timestamp: testStart.Add(2 * time.Second), CreatedBy: domain.CreatorUser,
	}))

	h, err := m.Prepare(ctx, "s1", PrepareOptions{})
	require.NoError(t, err)
	bookmarks := h.State.Bookmarks()
	require.Len(t, bookmarks, 1)
	assert.Equal(t, "bmk_user", bookmarks[0].ID)
}

func TestManagerBookmarkMutations(t *testing.T) {
	m, st := newTestManager(t)
	seedSession(t, st, "s1")
	ctx := context.Background()

	h, err := m.Prepare(ctx, "s1", PrepareOptions{})
	require.NoError(t, err)
	before := len(h.State.Bookmarks())

	b, err := m.AddBookmark(ctx, h.ID, domain.Bookmark{
		Label: "look here", Timestamp: testStart.Add(2 * time.Second), Index: 1,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(b.ID, "bmk_"))
	assert.Equal(t, domain.CreatorUser, b.CreatedBy)
	assert.Len(t, h.State.Bookmarks(), before+1)

	stored, err := st.ListBookmarks(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, stored, before+1)

	b.Label = "renamed"
	require.NoError(t, m.UpdateBookmark(ctx, h.ID, *b))
	found := false
	for _, sb := range h.State.Bookmarks() {
		if sb.ID == b.ID {
			found = true
			assert.Equal(t, "renamed", sb.Label)
		}
	}
	assert.True(t, found)

	require.NoError(t, m.RemoveBookmark(ctx, h.ID, b.ID))
	assert.Len(t, h.State.Bookmarks(), before)

	_, err = m.AddBookmark(ctx, "rpl_bogus", domain.Bookmark{Label: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerAnnotationLifecycle(t *testing.T) {
	m, st := newTestManager(t)
	seedSession(t, st, "s1")
	ctx := context.Background()

	h, err := m.Prepare(ctx, "s1", PrepareOptions{})
	require.NoError(t, err)

	a, err := m.AddAnnotation(ctx, h.ID, domain.Annotation{
		Author: "reviewer", Content: "retry loop is unbounded",
		Timestamp: testStart.Add(3 * time.Second),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a.ID, "ann_"))

	reply, err := m.AddAnnotation(ctx, h.ID, domain.Annotation{
		ParentID: a.ID, Author: "author", Content: "capped in the fix",
		Timestamp: testStart.Add(4 * time.Second),
	})
	require.NoError(t, err)
	assert.Equal(t, a.ID, reply.ParentID)

	stored, err := st.ListAnnotations(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	require.NoError(t, m.RemoveAnnotation(ctx, h.ID, reply.ID))
	stored, err = st.ListAnnotations(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestManagerCloseFlushesAndReleases(t *testing.T) {
	m, st := newTestManager(t)
	seedSession(t, st, "s1")
	ctx := context.Background()

	h, err := m.Prepare(ctx, "s1", PrepareOptions{})
	require.NoError(t, err)

	// Mutate the live state directly; Close must still persist it.
	h.State.AddBookmark(domain.Bookmark{
		ID: "bmk_live", SessionID: "s1", Label: "added live",
		Timestamp: testStart.Add(4 * time.Second), CreatedBy: domain.CreatorUser,
	})

	require.NoError(t, m.Close(ctx, h.ID))
	assert.Equal(t, 0, m.ActiveCount())

	stored, err := st.ListBookmarks(ctx, "s1")
	require.NoError(t, err)
	ids := make([]string, 0, len(stored))
	for _, b := range stored {
		ids = append(ids, b.ID)
	}
	assert.Contains(t, ids, "bmk_live")

	assert.ErrorIs(t, m.Close(ctx, h.ID), ErrNotFound)

	// A fresh prepare builds a new handle over the stored markers.
	h2, err := m.Prepare(ctx, "s1", PrepareOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, h.ID, h2.ID)
}

func TestManagerExportJSON(t *testing.T) {
	m, st := newTestManager(t)
	seedSession(t, st, "s1")
	ctx := context.Background()

	h, err := m.Prepare(ctx, "s1", PrepareOptions{})
	require.NoError(t, err)

	var buf bytes.Buffer
	err = m.Export(h.ID, ExportOptions{Format: FormatJSON, IncludeBookmarks: true, IncludeAnalysis: true}, &buf)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "s1", doc["session_id"])
	events, ok := doc["events"].([]any)
	require.True(t, ok)
	assert.Len(t, events, 5)
	assert.NotNil(t, doc["analysis"])
}

func TestManagerExportCSV(t *testing.T) {
	m, st := newTestManager(t)
	seedSession(t, st, "s1")
	ctx := context.Background()

	h, err := m.Prepare(ctx, "s1", PrepareOptions{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, m.Export(h.ID, ExportOptions{Format: FormatCSV}, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	// Header plus one row per message; communications and metrics are not
	// tabular and are skipped.
	require.Len(t, lines, 4)
	assert.Equal(t, "index,timestamp,agent,type,content", lines[0])
	assert.Contains(t, lines[1], "fix the bug")
}

func TestManagerExportMarkdown(t *testing.T) {
	m, st := newTestManager(t)
	seedSession(t, st, "s1")
	ctx := context.Background()

	h, err := m.Prepare(ctx, "s1", PrepareOptions{})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, m.Export(h.ID, ExportOptions{Format: FormatMarkdown, IncludeBookmarks: true}, &buf))
	out := buf.String()
	assert.Contains(t, out, "# debug the billing api")
	assert.Contains(t, out, "fix the bug")
	assert.Contains(t, out, "**Bookmark:")
}

func TestManagerExportTimeRangeAndKinds(t *testing.T) {
	m, st := newTestManager(t)
	seedSession(t, st, "s1")
	ctx := context.Background()

	h, err := m.Prepare(ctx, "s1", PrepareOptions{})
	require.NoError(t, err)

	var buf bytes.Buffer
	err = m.Export(h.ID, ExportOptions{
		Format:    FormatJSON,
		TimeRange: &TimeRange{Start: testStart.Add(1 * time.Second), End: testStart.Add(3 * time.Second)},
		Kinds:     []domain.EventKind{domain.EventKindMessage},
	}, &buf)
	require.NoError(t, err)

	var doc struct {
		Events []domain.TimelineEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	// Messages at 1s and 3s; the range is inclusive on both ends.
	require.Len(t, doc.Events, 2)
	for _, ev := range doc.Events {
		assert.Equal(t, domain.EventKindMessage, ev.Kind)
	}
}

func TestManagerExportUnsupportedFormat(t *testing.T) {
	m, st := newTestManager(t)
	seedSession(t, st, "s1")

	h, err := m.Prepare(context.Background(), "s1", PrepareOptions{})
	require.NoError(t, err)

	var buf bytes.Buffer
	err = m.Export(h.ID, ExportOptions{Format: "xml"}, &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported export format")
}

func TestManagerExportSegment(t *testing.T) {
	m, st := newTestManager(t)
	seedSession(t, st, "s1")
	ctx := context.Background()

	h, err := m.Prepare(ctx, "s1", PrepareOptions{})
	require.NoError(t, err)
	segments := h.State.Segments()
	require.NotEmpty(t, segments)

	var buf bytes.Buffer
	require.NoError(t, m.ExportSegment(h.ID, segments[0].ID, ExportOptions{Format: FormatJSON}, &buf))

	var doc struct {
		Events []domain.TimelineEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	for _, ev := range doc.Events {
		assert.False(t, ev.Timestamp.Before(segments[0].StartTime))
		assert.False(t, ev.Timestamp.After(segments[0].EndTime))
	}

	err = m.ExportSegment(h.ID, "seg_missing", ExportOptions{Format: FormatJSON}, &buf)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManagerCompare(t *testing.T) {
	m, st := newTestManager(t)
	seedSession(t, st, "s1")
	seedSession(t, st, "s2")
	ctx := context.Background()

	cmp, err := m.Compare(ctx, []string{"s1", "s2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, cmp.SessionIDs)
	require.Len(t, cmp.Stats, 2)
	assert.Equal(t, 5, cmp.Stats["s1"].TotalEvents)
	assert.Equal(t, 3, cmp.Stats["s1"].TotalMessages)
	assert.Equal(t, 10*time.Minute, cmp.Stats["s1"].Duration)
	assert.NotEmpty(t, cmp.Stats["s1"].Phases)

	// Both sessions share the same recorded instants, so rows line up.
	require.NotEmpty(t, cmp.Aligned)
	for _, row := range cmp.Aligned {
		require.Len(t, row.Events, 2)
	}
	for i := 1; i < len(cmp.Aligned); i++ {
		assert.True(t, cmp.Aligned[i].Timestamp.After(cmp.Aligned[i-1].Timestamp))
	}
	first := cmp.Aligned[0]
	require.NotNil(t, first.Events["s1"])
	require.NotNil(t, first.Events["s2"])
}

func TestManagerCompareValidation(t *testing.T) {
	m, st := newTestManager(t)
	seedSession(t, st, "s1")
	ctx := context.Background()

	_, err := m.Compare(ctx, []string{"s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 2")

	_, err = m.Compare(ctx, []string{"s1", "s1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")

	_, err = m.Compare(ctx, []string{"s1", "missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManagerSweepIdle(t *testing.T) {
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := DefaultManagerConfig()
	cfg.IdleTimeout = 200 * time.Millisecond
	m := NewManager(st, st, cfg)
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	seedSession(t, st, "s1")
	ctx := context.Background()
	_, err = m.Prepare(ctx, "s1", PrepareOptions{})
	require.NoError(t, err)

	// Fresh handle survives the sweep.
	assert.Equal(t, 0, m.SweepIdle(ctx))
	assert.Equal(t, 1, m.ActiveCount())

	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 1, m.SweepIdle(ctx))
	assert.Equal(t, 0, m.ActiveCount())
}
