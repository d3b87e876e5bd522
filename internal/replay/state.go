// Package replay drives navigable playback of processed session timelines:
// a mutable observable state per replay, a timer-driven playback controller,
// and a manager that owns replay lifecycles.
package replay

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/pairtrace/pairtrace/domain"
)

// Speed bounds for playback.
const (
	MinSpeed = 0.25
	MaxSpeed = 4.0
)

// Filters selects which timeline events a viewer currently sees.
type Filters struct {
	MessageTypes     []domain.MessageType `json:"message_types,omitempty"`
	Agents           []domain.AgentType   `json:"agents,omitempty"`
	ShowSystemEvents bool                 `json:"show_system_events"`
	ShowMetrics      bool                 `json:"show_metrics"`
}

// DefaultFilters shows everything.
func DefaultFilters() Filters {
	return Filters{ShowSystemEvents: true, ShowMetrics: true}
}

// Snapshot is the full current state delivered to subscribers on every
// change. The Timeline slice is shared and must not be modified.
type Snapshot struct {
	SessionID    string                 `json:"session_id"`
	CurrentIndex int                    `json:"current_index"`
	TotalEvents  int                    `json:"total_events"`
	IsPlaying    bool                   `json:"is_playing"`
	Speed        float64                `json:"speed"`
	Loop         bool                   `json:"loop"`
	AutoAdvance  bool                   `json:"auto_advance"`
	Filters      Filters                `json:"filters"`
	Timeline     []domain.TimelineEvent `json:"timeline"`
	Bookmarks    []domain.Bookmark      `json:"bookmarks"`
	Annotations  []domain.Annotation    `json:"annotations"`
	Segments     []domain.Segment       `json:"segments"`
}

// ExportedState is the persistable form of a replay state.
type ExportedState struct {
	SessionID    string              `json:"session_id"`
	CurrentIndex int                 `json:"current_index"`
	Speed        float64             `json:"speed"`
	Loop         bool                `json:"loop"`
	AutoAdvance  bool                `json:"auto_advance"`
	Filters      Filters             `json:"filters"`
	Bookmarks    []domain.Bookmark   `json:"bookmarks"`
	Annotations  []domain.Annotation `json:"annotations"`
	Segments     []domain.Segment    `json:"segments"`
}

// State is the in-memory model of where a viewer currently is in a timeline.
// Every mutation that actually changes a value notifies all subscribers
// synchronously, after the mutation; no-op mutations do not notify.
type State struct {
	mu           sync.Mutex
	sessionID    string
	timeline     []domain.TimelineEvent
	currentIndex int
	isPlaying    bool
	speed        float64
	loop         bool
	autoAdvance  bool
	filters      Filters
	bookmarks    []domain.Bookmark
	annotations  []domain.Annotation
	segments     []domain.Segment
	subscribers  map[int]func(Snapshot)
	nextSubID    int
}

// NewState creates a replay state positioned at the start of the timeline.
func NewState(sessionID string, timeline []domain.TimelineEvent) *State {
	return &State{
		sessionID:   sessionID,
		timeline:    timeline,
		speed:       1.0,
		autoAdvance: true,
		filters:     DefaultFilters(),
		subscribers: make(map[int]func(Snapshot)),
	}
}

// Subscribe registers fn to receive a snapshot after every actual change.
// Delivery is synchronous in the mutating call's stack. The returned func
// removes the subscription.
func (s *State) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

func (s *State) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID:    s.sessionID,
		CurrentIndex: s.currentIndex,
		TotalEvents:  len(s.timeline),
		IsPlaying:    s.isPlaying,
		Speed:        s.speed,
		Loop:         s.loop,
		AutoAdvance:  s.autoAdvance,
		Filters:      s.filters,
		Timeline:     s.timeline,
		Bookmarks:    append([]domain.Bookmark(nil), s.bookmarks...),
		Annotations:  append([]domain.Annotation(nil), s.annotations...),
		Segments:     append([]domain.Segment(nil), s.segments...),
	}
}

// changedLocked captures the snapshot and subscriber list while the lock is
// held; the caller unlocks and then emits, so subscribers run synchronously
// but outside the lock and may call back into the state.
func (s *State) changedLocked() (Snapshot, []func(Snapshot)) {
	subs := make([]func(Snapshot), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	return s.snapshotLocked(), subs
}

func emit(snap Snapshot, subs []func(Snapshot)) {
	for _, fn := range subs {
		fn(snap)
	}
}

func (s *State) clampIndex(i int) int {
	if len(s.timeline) == 0 {
		return 0
	}
	if i < 0 {
		return 0
	}
	if i > len(s.timeline)-1 {
		return len(s.timeline) - 1
	}
	return i
}

// ClampSpeed bounds a speed multiplier to the supported range.
func ClampSpeed(v float64) float64 {
	if v < MinSpeed {
		return MinSpeed
	}
	if v > MaxSpeed {
		return MaxSpeed
	}
	return v
}

// SetTimeline replaces the loaded timeline and re-clamps the cursor.
func (s *State) SetTimeline(timeline []domain.TimelineEvent) {
	s.mu.Lock()
	s.timeline = timeline
	s.currentIndex = s.clampIndex(s.currentIndex)
	snap, subs := s.changedLocked()
	s.mu.Unlock()
	emit(snap, subs)
}

// SetCurrentIndex moves the cursor, clamped to the timeline bounds.
func (s *State) SetCurrentIndex(i int) {
	s.mu.Lock()
	clamped := s.clampIndex(i)
	if clamped == s.currentIndex {
		s.mu.Unlock()
		return
	}
	s.currentIndex = clamped
	snap, subs := s.changedLocked()
	s.mu.Unlock()
	emit(snap, subs)
}

// StepForward advances the cursor by one; a no-op at the last event.
func (s *State) StepForward() {
	s.mu.Lock()
	next := s.clampIndex(s.currentIndex + 1)
	if next == s.currentIndex {
		s.mu.Unlock()
		return
	}
	s.currentIndex = next
	snap, subs := s.changedLocked()
	s.mu.Unlock()
	emit(snap, subs)
}

// StepBackward moves the cursor back by one; a no-op at index 0.
func (s *State) StepBackward() {
	s.mu.Lock()
	prev := s.clampIndex(s.currentIndex - 1)
	if prev == s.currentIndex {
		s.mu.Unlock()
		return
	}
	s.currentIndex = prev
	snap, subs := s.changedLocked()
	s.mu.Unlock()
	emit(snap, subs)
}

// JumpToStart moves the cursor to the first event.
func (s *State) JumpToStart() { s.SetCurrentIndex(0) }

// JumpToEnd moves the cursor to the last event.
func (s *State) JumpToEnd() {
	s.mu.Lock()
	last := len(s.timeline) - 1
	s.mu.Unlock()
	s.SetCurrentIndex(last)
}

// JumpToTimestamp seeks to the first event at or after ts. Seeking past the
// end lands on the last event.
func (s *State) JumpToTimestamp(ts time.Time) {
	s.mu.Lock()
	target := len(s.timeline) - 1
	for i, event := range s.timeline {
		if !event.Timestamp.Before(ts) {
			target = i
			break
		}
	}
	s.mu.Unlock()
	s.SetCurrentIndex(target)
}

// JumpToMessage seeks to the event carrying the given message id.
func (s *State) JumpToMessage(messageID string) error {
	s.mu.Lock()
	target := -1
	for i, event := range s.timeline {
		if event.Kind == domain.EventKindMessage && event.Message.MessageID == messageID {
			target = i
			break
		}
	}
	s.mu.Unlock()
	if target == -1 {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	s.SetCurrentIndex(target)
	return nil
}

// JumpToBookmark seeks to the first event at or after the bookmark's
// timestamp.
func (s *State) JumpToBookmark(bookmarkID string) error {
	s.mu.Lock()
	var ts time.Time
	found := false
	for _, b := range s.bookmarks {
		if b.ID == bookmarkID {
			ts = b.Timestamp
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("bookmark %s: %w", bookmarkID, ErrNotFound)
	}
	s.JumpToTimestamp(ts)
	return nil
}

// AddBookmark inserts a bookmark, keeping the collection sorted by timestamp.
func (s *State) AddBookmark(b domain.Bookmark) {
	s.mu.Lock()
	s.bookmarks = insertBookmark(s.bookmarks, b)
	snap, subs := s.changedLocked()
	s.mu.Unlock()
	emit(snap, subs)
}

// UpdateBookmark replaces the bookmark with the same id.
func (s *State) UpdateBookmark(b domain.Bookmark) error {
	s.mu.Lock()
	idx := -1
	for i := range s.bookmarks {
		if s.bookmarks[i].ID == b.ID {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return fmt.Errorf("bookmark %s: %w", b.ID, ErrNotFound)
	}
	s.bookmarks = append(s.bookmarks[:idx], s.bookmarks[idx+1:]...)
	s.bookmarks = insertBookmark(s.bookmarks, b)
	snap, subs := s.changedLocked()
	s.mu.Unlock()
	emit(snap, subs)
	return nil
}

// RemoveBookmark deletes a bookmark by id.
func (s *State) RemoveBookmark(bookmarkID string) error {
	s.mu.Lock()
	idx := -1
	for i := range s.bookmarks {
		if s.bookmarks[i].ID == bookmarkID {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return fmt.Errorf("bookmark %s: %w", bookmarkID, ErrNotFound)
	}
	s.bookmarks = append(s.bookmarks[:idx], s.bookmarks[idx+1:]...)
	snap, subs := s.changedLocked()
	s.mu.Unlock()
	emit(snap, subs)
	return nil
}

// AddAnnotation inserts an annotation, keeping the collection sorted by
// timestamp.
func (s *State) AddAnnotation(a domain.Annotation) {
	s.mu.Lock()
	s.annotations = insertAnnotation(s.annotations, a)
	snap, subs := s.changedLocked()
	s.mu.Unlock()
	emit(snap, subs)
}

// UpdateAnnotation replaces the annotation with the same id.
func (s *State) UpdateAnnotation(a domain.Annotation) error {
	s.mu.Lock()
	idx := -1
	for i := range s.annotations {
		if s.annotations[i].ID == a.ID {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return fmt.Errorf("annotation %s: %w", a.ID, ErrNotFound)
	}
	s.annotations = append(s.annotations[:idx], s.annotations[idx+1:]...)
	s.annotations = insertAnnotation(s.annotations, a)
	snap, subs := s.changedLocked()
	s.mu.Unlock()
	emit(snap, subs)
	return nil
}

// RemoveAnnotation deletes an annotation by id.
func (s *State) RemoveAnnotation(annotationID string) error {
	s.mu.Lock()
	idx := -1
	for i := range s.annotations {
		if s.annotations[i].ID == annotationID {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return fmt.Errorf("annotation %s: %w", annotationID, ErrNotFound)
	}
	s.annotations = append(s.annotations[:idx], s.annotations[idx+1:]...)
	snap, subs := s.changedLocked()
	s.mu.Unlock()
	emit(snap, subs)
	return nil
}

// AddSegment inserts a segment, keeping the collection sorted by start time.
func (s *State) AddSegment(seg domain.Segment) {
	s.mu.Lock()
	s.segments = insertSegment(s.segments, seg)
	snap, subs := s.changedLocked()
	s.mu.Unlock()
	emit(snap, subs)
}

// UpdateSegment replaces the segment with the same id.
func (s *State) UpdateSegment(seg domain.Segment) error {
	s.mu.Lock()
	idx := -1
	for i := range s.segments {
		if s.segments[i].ID == seg.ID {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return fmt.Errorf("segment %s: %w", seg.ID, ErrNotFound)
	}
	s.segments = append(s.segments[:idx], s.segments[idx+1:]...)
	s.segments = insertSegment(s.segments, seg)
	snap, subs := s.changedLocked()
	s.mu.Unlock()
	emit(snap, subs)
	return nil
}

// RemoveSegment deletes a segment by id.
func (s *State) RemoveSegment(segmentID string) error {
	s.mu.Lock()
	idx := -1
	for i := range s.segments {
		if s.segments[i].ID == segmentID {
			idx = i
			break
		}
	}
	if idx == -1 {
		s.mu.Unlock()
		return fmt.Errorf("segment %s: %w", segmentID, ErrNotFound)
	}
	s.segments = append(s.segments[:idx], s.segments[idx+1:]...)
	snap, subs := s.changedLocked()
	s.mu.Unlock()
	emit(snap, subs)
	return nil
}

func insertBookmark(list []domain.Bookmark, b domain.Bookmark) []domain.Bookmark {
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(b.Timestamp) })
	list = append(list, domain.Bookmark{})
	copy(list[i+1:], list[i:])
	list[i] = b
	return list
}

func insertAnnotation(list []domain.Annotation, a domain.Annotation) []domain.Annotation {
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(a.Timestamp) })
	list = append(list, domain.Annotation{})
	copy(list[i+1:], list[i:])
	list[i] = a
	return list
}

func insertSegment(list []domain.Segment, s domain.Segment) []domain.Segment {
	i := sort.Search(len(list), func(i int) bool { return list[i].StartTime.After(s.StartTime) })
	list = append(list, domain.Segment{})
	copy(list[i+1:], list[i:])
	list[i] = s
	return list
}

// SetPlaying flips the playback flag.
func (s *State) SetPlaying(playing bool) {
	s.mu.Lock()
	if s.isPlaying == playing {
		s.mu.Unlock()
		return
	}
	s.isPlaying = playing
	snap, subs := s.changedLocked()
	s.mu.Unlock()
	emit(snap, subs)
}

// SetSpeed sets the playback speed, clamped to [MinSpeed, MaxSpeed].
func (s *State) SetSpeed(speed float64) {
	s.mu.Lock()
	clamped := ClampSpeed(speed)
	if clamped == s.speed {
		s.mu.Unlock()
		return
	}
	s.speed = clamped
	snap, subs := s.changedLocked()
	s.mu.Unlock()
	emit(snap, subs)
}

// SetLoop flips loop mode.
func (s *State) SetLoop(loop bool) {
	s.mu.Lock()
	if s.loop == loop {
		s.mu.Unlock()
		return
	}
	s.loop = loop
	snap, subs := s.changedLocked()
	s.mu.Unlock()
	emit(snap, subs)
}

// SetAutoAdvance flips timestamp-paced advancement.
func (s *State) SetAutoAdvance(auto bool) {
	s.mu.Lock()
	if s.autoAdvance == auto {
		s.mu.Unlock()
		return
	}
	s.autoAdvance = auto
	snap, subs := s.changedLocked()
	s.mu.Unlock()
	emit(snap, subs)
}

// SetFilters replaces the display filters.
func (s *State) SetFilters(f Filters) {
	s.mu.Lock()
	if reflect.DeepEqual(s.filters, f) {
		s.mu.Unlock()
		return
	}
	s.filters = f
	snap, subs := s.changedLocked()
	s.mu.Unlock()
	emit(snap, subs)
}

// FilteredTimeline returns the view of the timeline the current filters
// allow, without mutating the underlying timeline.
func (s *State) FilteredTimeline() []domain.TimelineEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.TimelineEvent
	for _, event := range s.timeline {
		switch event.Kind {
		case domain.EventKindMessage:
			if len(s.filters.MessageTypes) > 0 && !containsMessageType(s.filters.MessageTypes, event.Message.Type) {
				continue
			}
			if len(s.filters.Agents) > 0 && !containsAgentType(s.filters.Agents, event.Message.Agent) {
				continue
			}
		case domain.EventKindSystemEvent:
			if !s.filters.ShowSystemEvents {
				continue
			}
		case domain.EventKindMetric:
			if !s.filters.ShowMetrics {
				continue
			}
		}
		out = append(out, event)
	}
	return out
}

func containsMessageType(types []domain.MessageType, t domain.MessageType) bool {
	for _, mt := range types {
		if mt == t {
			return true
		}
	}
	return false
}

func containsAgentType(agents []domain.AgentType, a domain.AgentType) bool {
	for _, agent := range agents {
		if agent == a {
			return true
		}
	}
	return false
}

// Progress returns how far through the timeline the cursor is, in [0, 1].
func (s *State) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch len(s.timeline) {
	case 0:
		return 0
	case 1:
		return 1
	}
	return float64(s.currentIndex) / float64(len(s.timeline)-1)
}

// Duration returns the time span of the loaded timeline.
func (s *State) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timeline) == 0 {
		return 0
	}
	return s.timeline[len(s.timeline)-1].Timestamp.Sub(s.timeline[0].Timestamp)
}

// Elapsed returns the timeline time elapsed at the cursor.
func (s *State) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedAtLocked(s.currentIndex)
}

// ElapsedAt returns the timeline time elapsed at an arbitrary index.
func (s *State) ElapsedAt(i int) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedAtLocked(s.clampIndex(i))
}

func (s *State) elapsedAtLocked(i int) time.Duration {
	if len(s.timeline) == 0 {
		return 0
	}
	return s.timeline[i].Timestamp.Sub(s.timeline[0].Timestamp)
}

// Export captures the state for a persistence round-trip.
func (s *State) Export() ExportedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ExportedState{
		SessionID:    s.sessionID,
		CurrentIndex: s.currentIndex,
		Speed:        s.speed,
		Loop:         s.loop,
		AutoAdvance:  s.autoAdvance,
		Filters:      s.filters,
		Bookmarks:    append([]domain.Bookmark(nil), s.bookmarks...),
		Annotations:  append([]domain.Annotation(nil), s.annotations...),
		Segments:     append([]domain.Segment(nil), s.segments...),
	}
}

// Import restores an exported state. An export taken from a different
// session is rejected.
func (s *State) Import(in ExportedState) error {
	s.mu.Lock()
	if in.SessionID != s.sessionID {
		s.mu.Unlock()
		return fmt.Errorf("state export is for session %s, not %s", in.SessionID, s.sessionID)
	}
	s.currentIndex = s.clampIndex(in.CurrentIndex)
	s.speed = ClampSpeed(in.Speed)
	s.loop = in.Loop
	s.autoAdvance = in.AutoAdvance
	s.filters = in.Filters
	s.bookmarks = append([]domain.Bookmark(nil), in.Bookmarks...)
	s.annotations = append([]domain.Annotation(nil), in.Annotations...)
	s.segments = append([]domain.Segment(nil), in.Segments...)
	sort.SliceStable(s.bookmarks, func(i, j int) bool { return s.bookmarks[i].Timestamp.Before(s.bookmarks[j].Timestamp) })
	sort.SliceStable(s.annotations, func(i, j int) bool { return s.annotations[i].Timestamp.Before(s.annotations[j].Timestamp) })
	sort.SliceStable(s.segments, func(i, j int) bool { return s.segments[i].StartTime.Before(s.segments[j].StartTime) })
	snap, subs := s.changedLocked()
	s.mu.Unlock()
	emit(snap, subs)
	return nil
}

// SessionID returns the underlying session id.
func (s *State) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// CurrentIndex returns the cursor position.
func (s *State) CurrentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentIndex
}

// TotalEvents returns the loaded timeline length.
func (s *State) TotalEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timeline)
}

// CurrentEvent returns the event under the cursor.
func (s *State) CurrentEvent() (domain.TimelineEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timeline) == 0 {
		return domain.TimelineEvent{}, false
	}
	return s.timeline[s.currentIndex], true
}

// EventAt returns the event at index i.
func (s *State) EventAt(i int) (domain.TimelineEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.timeline) {
		return domain.TimelineEvent{}, false
	}
	return s.timeline[i], true
}

// Timeline returns the loaded timeline. The slice is shared and must not be
// modified.
func (s *State) Timeline() []domain.TimelineEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline
}

// Bookmarks returns a copy of the bookmark collection.
func (s *State) Bookmarks() []domain.Bookmark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Bookmark(nil), s.bookmarks...)
}

// Annotations returns a copy of the annotation collection.
func (s *State) Annotations() []domain.Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Annotation(nil), s.annotations...)
}

// Segments returns a copy of the segment collection.
func (s *State) Segments() []domain.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Segment(nil), s.segments...)
}

// IsPlaying reports whether playback is active.
func (s *State) IsPlaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isPlaying
}

// Speed returns the playback speed multiplier.
func (s *State) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// Loop reports whether playback wraps at the end.
func (s *State) Loop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loop
}

// AutoAdvance reports whether playback honors recorded pacing.
func (s *State) AutoAdvance() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoAdvance
}

// Filters returns the active display filters.
func (s *State) Filters() Filters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filters
}

// Snapshot returns the full current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}
