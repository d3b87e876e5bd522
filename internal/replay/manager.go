package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/pairtrace/pairtrace/domain"
	"github.com/pairtrace/pairtrace/internal/timeline"
	"github.com/pairtrace/pairtrace/store"
)

// ManagerConfig tunes replay lifecycles and the analysis heuristics passed
// down to the timeline processor.
type ManagerConfig struct {
	Timeline     timeline.Config
	TickInterval time.Duration
	// IdleTimeout is how long an untouched replay survives before the sweep
	// closes it.
	IdleTimeout time.Duration
	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration
}

// DefaultManagerConfig returns the production defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Timeline:      timeline.DefaultConfig(),
		TickInterval:  DefaultTickInterval,
		IdleTimeout:   time.Hour,
		SweepInterval: 5 * time.Minute,
	}
}

// Handle is one live replay session: a prepared timeline with its state and
// controls.
type Handle struct {
	ID        string
	SessionID string
	State     *State
	Controls  *Controls
	Metadata  *domain.ReplayMetadata
	Analysis  *domain.SessionAnalysis

	lastAccess time.Time // guarded by the manager's mutex
}

// PrepareOptions tunes how a session's timeline is assembled.
type PrepareOptions struct {
	// Process overrides the timeline assembly options. Zero value means
	// include everything.
	Process *timeline.ProcessOptions
}

// Manager orchestrates per-session replay lifecycles. It owns the registry
// of active replays and keeps each replay's live markers consistent with the
// durable marker store. Managers are independent: two instances never share
// state, so tests can run them side by side.
type Manager struct {
	cfg      ManagerConfig
	sessions store.SessionStore
	markers  store.MarkerStore

	mu        sync.Mutex
	active    map[string]*Handle // by handle id
	bySession map[string]string  // session id -> handle id

	cron *cron.Cron
}

// NewManager creates a replay manager over the given stores.
func NewManager(sessions store.SessionStore, markers store.MarkerStore, cfg ManagerConfig) *Manager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	return &Manager{
		cfg:       cfg,
		sessions:  sessions,
		markers:   markers,
		active:    make(map[string]*Handle),
		bySession: make(map[string]string),
	}
}

// Prepare builds a replay for the session, or returns the existing handle
// when one is already active. The registry mutex is held across the check
// and the insert, so two near-simultaneous calls for the same session id
// still yield a single handle.
func (m *Manager) Prepare(ctx context.Context, sessionID string, opts PrepareOptions) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hid, ok := m.bySession[sessionID]; ok {
		h := m.active[hid]
		h.lastAccess = time.Now()
		return h, nil
	}

	session, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	messages, err := m.sessions.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	comms, err := m.sessions.GetCommunications(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get communications: %w", err)
	}
	events, err := m.sessions.GetSystemEvents(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get system events: %w", err)
	}
	metrics, err := m.sessions.GetMetrics(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get metrics: %w", err)
	}

	proc := timeline.NewProcessor(m.cfg.Timeline, session, messages, comms, events, metrics)
	processOpts := timeline.AllOptions()
	if opts.Process != nil {
		processOpts = *opts.Process
	}
	tl := proc.Process(processOpts)
	metadata := proc.GenerateMetadata()
	analysis := proc.Analyze()

	state := NewState(sessionID, tl)

	bookmarks, err := m.markers.ListBookmarks(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bookmarks: %w", err)
	}
	if len(bookmarks) == 0 {
		bookmarks = proc.GenerateBookmarks()
		for i := range bookmarks {
			if err := m.markers.PutBookmark(ctx, &bookmarks[i]); err != nil {
				return nil, fmt.Errorf("failed to persist generated bookmark: %w", err)
			}
		}
	}
	for _, b := range bookmarks {
		state.AddBookmark(b)
	}

	segments, err := m.markers.ListSegments(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load segments: %w", err)
	}
	if len(segments) == 0 {
		segments = proc.GenerateSegments()
		for i := range segments {
			if err := m.markers.PutSegment(ctx, &segments[i]); err != nil {
				return nil, fmt.Errorf("failed to persist generated segment: %w", err)
			}
		}
	}
	for _, seg := range segments {
		state.AddSegment(seg)
	}

	annotations, err := m.markers.ListAnnotations(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load annotations: %w", err)
	}
	for _, a := range annotations {
		state.AddAnnotation(a)
	}

	if err := m.markers.PutMetadata(ctx, metadata); err != nil {
		return nil, fmt.Errorf("failed to persist metadata: %w", err)
	}

	h := &Handle{
		ID:         "rpl_" + uuid.New().String()[:8],
		SessionID:  sessionID,
		State:      state,
		Controls:   NewControls(state, m.cfg.TickInterval),
		Metadata:   metadata,
		Analysis:   analysis,
		lastAccess: time.Now(),
	}
	m.active[h.ID] = h
	m.bySession[sessionID] = h.ID
	return h, nil
}

// Get returns an active handle by id, refreshing its last-accessed time.
func (m *Manager) Get(handleID string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(handleID)
}

func (m *Manager) getLocked(handleID string) (*Handle, error) {
	h, ok := m.active[handleID]
	if !ok {
		return nil, fmt.Errorf("replay handle %s: %w", handleID, ErrNotFound)
	}
	h.lastAccess = time.Now()
	return h, nil
}

// ActiveCount returns the number of live replay handles.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// AddBookmark attaches a bookmark to an active replay, mirroring it into the
// durable store. A missing id and creator are filled in.
func (m *Manager) AddBookmark(ctx context.Context, handleID string, b domain.Bookmark) (*domain.Bookmark, error) {
	h, err := m.Get(handleID)
	if err != nil {
		return nil, err
	}
	if b.ID == "" {
		b.ID = "bmk_" + uuid.New().String()[:8]
	}
	if b.CreatedBy == "" {
		b.CreatedBy = domain.CreatorUser
	}
	b.SessionID = h.SessionID
	if err := m.markers.PutBookmark(ctx, &b); err != nil {
		return nil, fmt.Errorf("failed to persist bookmark: %w", err)
	}
	h.State.AddBookmark(b)
	return &b, nil
}

// UpdateBookmark updates a bookmark in both the live state and the durable
// store.
func (m *Manager) UpdateBookmark(ctx context.Context, handleID string, b domain.Bookmark) error {
	h, err := m.Get(handleID)
	if err != nil {
		return err
	}
	b.SessionID = h.SessionID
	if err := h.State.UpdateBookmark(b); err != nil {
		return err
	}
	if err := m.markers.PutBookmark(ctx, &b); err != nil {
		return fmt.Errorf("failed to persist bookmark: %w", err)
	}
	return nil
}

// RemoveBookmark deletes a bookmark from both the live state and the durable
// store.
func (m *Manager) RemoveBookmark(ctx context.Context, handleID, bookmarkID string) error {
	h, err := m.Get(handleID)
	if err != nil {
		return err
	}
	if err := h.State.RemoveBookmark(bookmarkID); err != nil {
		return err
	}
	if err := m.markers.DeleteBookmark(ctx, h.SessionID, bookmarkID); err != nil {
		return fmt.Errorf("failed to delete bookmark: %w", err)
	}
	return nil
}

// AddAnnotation attaches an annotation to an active replay, mirroring it
// into the durable store.
func (m *Manager) AddAnnotation(ctx context.Context, handleID string, a domain.Annotation) (*domain.Annotation, error) {
	h, err := m.Get(handleID)
	if err != nil {
		return nil, err
	}
	if a.ID == "" {
		a.ID = "ann_" + uuid.New().String()[:8]
	}
	a.SessionID = h.SessionID
	if err := m.markers.PutAnnotation(ctx, &a); err != nil {
		return nil, fmt.Errorf("failed to persist annotation: %w", err)
	}
	h.State.AddAnnotation(a)
	return &a, nil
}

// UpdateAnnotation updates an annotation in both the live state and the
// durable store.
func (m *Manager) UpdateAnnotation(ctx context.Context, handleID string, a domain.Annotation) error {
	h, err := m.Get(handleID)
	if err != nil {
		return err
	}
	a.SessionID = h.SessionID
	if err := h.State.UpdateAnnotation(a); err != nil {
		return err
	}
	if err := m.markers.PutAnnotation(ctx, &a); err != nil {
		return fmt.Errorf("failed to persist annotation: %w", err)
	}
	return nil
}

// RemoveAnnotation deletes an annotation from both the live state and the
// durable store.
func (m *Manager) RemoveAnnotation(ctx context.Context, handleID, annotationID string) error {
	h, err := m.Get(handleID)
	if err != nil {
		return err
	}
	if err := h.State.RemoveAnnotation(annotationID); err != nil {
		return err
	}
	if err := m.markers.DeleteAnnotation(ctx, h.SessionID, annotationID); err != nil {
		return fmt.Errorf("failed to delete annotation: %w", err)
	}
	return nil
}

// AddSegment attaches a segment to an active replay, mirroring it into the
// durable store.
func (m *Manager) AddSegment(ctx context.Context, handleID string, seg domain.Segment) (*domain.Segment, error) {
	h, err := m.Get(handleID)
	if err != nil {
		return nil, err
	}
	if seg.ID == "" {
		seg.ID = "seg_" + uuid.New().String()[:8]
	}
	seg.SessionID = h.SessionID
	if err := m.markers.PutSegment(ctx, &seg); err != nil {
		return nil, fmt.Errorf("failed to persist segment: %w", err)
	}
	h.State.AddSegment(seg)
	return &seg, nil
}

// UpdateSegment updates a segment in both the live state and the durable
// store.
func (m *Manager) UpdateSegment(ctx context.Context, handleID string, seg domain.Segment) error {
	h, err := m.Get(handleID)
	if err != nil {
		return err
	}
	seg.SessionID = h.SessionID
	if err := h.State.UpdateSegment(seg); err != nil {
		return err
	}
	if err := m.markers.PutSegment(ctx, &seg); err != nil {
		return fmt.Errorf("failed to persist segment: %w", err)
	}
	return nil
}

// RemoveSegment deletes a segment from both the live state and the durable
// store.
func (m *Manager) RemoveSegment(ctx context.Context, handleID, segmentID string) error {
	h, err := m.Get(handleID)
	if err != nil {
		return err
	}
	if err := h.State.RemoveSegment(segmentID); err != nil {
		return err
	}
	if err := m.markers.DeleteSegment(ctx, h.SessionID, segmentID); err != nil {
		return fmt.Errorf("failed to delete segment: %w", err)
	}
	return nil
}

// Close flushes a replay's live markers to the durable store, stops its
// playback and releases the handle.
func (m *Manager) Close(ctx context.Context, handleID string) error {
	m.mu.Lock()
	h, ok := m.active[handleID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("replay handle %s: %w", handleID, ErrNotFound)
	}
	m.mu.Unlock()

	// Flush before release so an eviction never loses markers.
	if err := m.flush(ctx, h); err != nil {
		return err
	}
	h.Controls.Dispose()

	m.mu.Lock()
	delete(m.active, handleID)
	delete(m.bySession, h.SessionID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) flush(ctx context.Context, h *Handle) error {
	bookmarks := h.State.Bookmarks()
	for i := range bookmarks {
		if err := m.markers.PutBookmark(ctx, &bookmarks[i]); err != nil {
			return fmt.Errorf("failed to flush bookmarks: %w", err)
		}
	}
	annotations := h.State.Annotations()
	for i := range annotations {
		if err := m.markers.PutAnnotation(ctx, &annotations[i]); err != nil {
			return fmt.Errorf("failed to flush annotations: %w", err)
		}
	}
	segments := h.State.Segments()
	for i := range segments {
		if err := m.markers.PutSegment(ctx, &segments[i]); err != nil {
			return fmt.Errorf("failed to flush segments: %w", err)
		}
	}
	return nil
}

// StartSweeper schedules the periodic idle sweep. Stop the manager with
// Shutdown.
func (m *Manager) StartSweeper() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return
	}
	m.cron = cron.New()
	m.cron.Schedule(cron.Every(m.cfg.SweepInterval), cron.FuncJob(func() {
		m.SweepIdle(context.Background())
	}))
	m.cron.Start()
}

// SweepIdle closes every replay whose last-accessed time exceeds the idle
// threshold. Freshness is re-checked per handle, so a replay touched after
// the sweep began survives.
func (m *Manager) SweepIdle(ctx context.Context) int {
	m.mu.Lock()
	var candidates []string
	for id, h := range m.active {
		if time.Since(h.lastAccess) >= m.cfg.IdleTimeout {
			candidates = append(candidates, id)
		}
	}
	m.mu.Unlock()

	closed := 0
	for _, id := range candidates {
		m.mu.Lock()
		h, ok := m.active[id]
		fresh := ok && time.Since(h.lastAccess) < m.cfg.IdleTimeout
		m.mu.Unlock()
		if !ok || fresh {
			continue
		}
		if err := m.Close(ctx, id); err != nil {
			slog.Warn("failed to close idle replay", "handle", id, "error", err)
			continue
		}
		slog.Info("closed idle replay", "handle", id, "session", h.SessionID)
		closed++
	}
	return closed
}

// Shutdown stops the sweeper and closes every active replay.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.cron != nil {
		m.cron.Stop()
		m.cron = nil
	}
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Close(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
