package replay

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/pairtrace/pairtrace/domain"
)

// speedLadder is the fixed set of playback speeds reachable through the
// increase/decrease helpers.
var speedLadder = []float64{0.25, 0.5, 0.75, 1.0, 1.25, 1.5, 2.0, 3.0, 4.0}

// DefaultTickInterval is the base tick cadence at speed 1.0.
const DefaultTickInterval = 100 * time.Millisecond

// PlayOptions tunes one playback run.
type PlayOptions struct {
	// Speed, when non-zero, is applied before playback starts.
	Speed float64
	// PauseOnBookmark pauses playback after advancing onto an event a
	// bookmark points at.
	PauseOnBookmark bool
	// PauseOnAnnotation pauses playback after advancing onto an event an
	// annotation is attached to.
	PauseOnAnnotation bool
	// SkipErrors advances past error events without pausing on them.
	SkipErrors bool
}

// Controls drives playback over one replay state. A repeating tick fires at
// the base interval divided by the current speed; each tick decides whether
// the cursor advances. Controls never outlives the state it wraps.
type Controls struct {
	state *State
	base  time.Duration

	// mu guards the tick bookkeeping. The generation counter invalidates
	// timer callbacks from a superseded run, so a stale tick terminates its
	// own chain instead of racing a restart.
	mu          sync.Mutex
	timer       *time.Timer
	gen         int
	opts        PlayOptions
	lastAdvance time.Time
	disposed    bool
}

// NewControls creates a playback driver for the given state.
func NewControls(state *State, tickInterval time.Duration) *Controls {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	return &Controls{state: state, base: tickInterval}
}

// Play starts (or restarts) playback.
func (c *Controls) Play(opts PlayOptions) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	c.opts = opts
	c.gen++
	gen := c.gen
	c.lastAdvance = time.Now()
	c.mu.Unlock()

	if opts.Speed != 0 {
		c.state.SetSpeed(opts.Speed)
	}
	c.state.SetPlaying(true)
	c.schedule(gen)
	return nil
}

// Pause stops playback, keeping the cursor in place.
func (c *Controls) Pause() {
	c.mu.Lock()
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.state.SetPlaying(false)
}

// Stop stops playback and resets the cursor to the start.
func (c *Controls) Stop() {
	c.Pause()
	c.state.SetCurrentIndex(0)
}

// Dispose stops any running timer. Safe to call multiple times; the controls
// cannot be restarted afterwards.
func (c *Controls) Dispose() {
	c.mu.Lock()
	c.disposed = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.state.SetPlaying(false)
}

// schedule arms the tick timer for the given generation. The delay is
// recomputed from the current speed on every cycle, so speed changes take
// effect immediately.
func (c *Controls) schedule(gen int) {
	interval := time.Duration(float64(c.base) / c.state.Speed())
	c.mu.Lock()
	if c.disposed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.timer = time.AfterFunc(interval, func() { c.tick(gen) })
	c.mu.Unlock()
}

// tick is one playback cycle. A tick that finds playback stopped, or that
// belongs to a superseded generation, terminates its own chain.
func (c *Controls) tick(gen int) {
	c.mu.Lock()
	if c.disposed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	opts := c.opts
	c.mu.Unlock()

	if !c.state.IsPlaying() {
		return
	}

	cur := c.state.CurrentIndex()
	total := c.state.TotalEvents()

	// End of timeline: wrap or pause.
	if total == 0 || cur >= total-1 {
		if c.state.Loop() && total > 0 {
			c.markAdvance()
			c.state.SetCurrentIndex(0)
			c.schedule(gen)
			return
		}
		c.state.SetPlaying(false)
		return
	}

	next := cur + 1

	if opts.SkipErrors {
		if event, ok := c.state.EventAt(next); ok && event.IsErrorMessage() {
			target := next
			for target < total {
				event, ok := c.state.EventAt(target)
				if !ok || !event.IsErrorMessage() {
					break
				}
				target++
			}
			if target >= total {
				slog.Debug("playback reached end while skipping errors", "session", c.state.SessionID())
				c.state.SetCurrentIndex(total - 1)
				c.state.SetPlaying(false)
				return
			}
			c.markAdvance()
			c.state.SetCurrentIndex(target)
			c.schedule(gen)
			return
		}
	}

	if (opts.PauseOnBookmark || opts.PauseOnAnnotation) && c.isMarkerTarget(next, opts) {
		c.markAdvance()
		c.state.SetCurrentIndex(next)
		c.state.SetPlaying(false)
		return
	}

	if c.state.AutoAdvance() {
		// Reproduce the original pacing: advance once the scaled recorded
		// gap has elapsed on the wall clock.
		curEvent, _ := c.state.EventAt(cur)
		nextEvent, _ := c.state.EventAt(next)
		delta := nextEvent.Timestamp.Sub(curEvent.Timestamp)
		required := time.Duration(float64(delta) / c.state.Speed())

		c.mu.Lock()
		due := time.Since(c.lastAdvance) >= required
		c.mu.Unlock()
		if due {
			c.markAdvance()
			c.state.SetCurrentIndex(next)
		}
	} else {
		c.markAdvance()
		c.state.SetCurrentIndex(next)
	}

	c.schedule(gen)
}

func (c *Controls) markAdvance() {
	c.mu.Lock()
	c.lastAdvance = time.Now()
	c.mu.Unlock()
}

// isMarkerTarget reports whether a bookmark or annotation points at the
// event at index i.
func (c *Controls) isMarkerTarget(i int, opts PlayOptions) bool {
	event, ok := c.state.EventAt(i)
	if !ok {
		return false
	}
	if opts.PauseOnBookmark {
		for _, b := range c.state.Bookmarks() {
			if b.Index == i || b.Timestamp.Equal(event.Timestamp) {
				return true
			}
		}
	}
	if opts.PauseOnAnnotation {
		for _, a := range c.state.Annotations() {
			if a.Timestamp.Equal(event.Timestamp) {
				return true
			}
		}
	}
	return false
}

// SetSpeed applies a new speed and, when playback is running, restarts the
// tick timer so the new rate takes effect immediately.
func (c *Controls) SetSpeed(speed float64) {
	c.state.SetSpeed(speed)
	if !c.state.IsPlaying() {
		return
	}
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.schedule(gen)
}

// IncreaseSpeed moves one step up the speed ladder.
func (c *Controls) IncreaseSpeed() {
	cur := c.state.Speed()
	for _, v := range speedLadder {
		if v > cur {
			c.SetSpeed(v)
			return
		}
	}
}

// DecreaseSpeed moves one step down the speed ladder.
func (c *Controls) DecreaseSpeed() {
	cur := c.state.Speed()
	for i := len(speedLadder) - 1; i >= 0; i-- {
		if speedLadder[i] < cur {
			c.SetSpeed(speedLadder[i])
			return
		}
	}
}

// StepForward advances the cursor by one event.
func (c *Controls) StepForward() { c.state.StepForward() }

// StepBackward moves the cursor back by one event.
func (c *Controls) StepBackward() { c.state.StepBackward() }

// Step moves the cursor by n events in either direction, clamped.
func (c *Controls) Step(n int) {
	c.state.SetCurrentIndex(c.state.CurrentIndex() + n)
}

// SkipToNextAgentSwitch seeks forward to the first message from a different
// agent than the one speaking at the cursor. The cursor is unchanged when no
// switch exists ahead.
func (c *Controls) SkipToNextAgentSwitch() {
	c.skipToAgentSwitch(1)
}

// SkipToPreviousAgentSwitch seeks backward to the nearest message from a
// different agent than the one speaking at the cursor.
func (c *Controls) SkipToPreviousAgentSwitch() {
	c.skipToAgentSwitch(-1)
}

func (c *Controls) skipToAgentSwitch(dir int) {
	timeline := c.state.Timeline()
	cur := c.state.CurrentIndex()

	// Reference agent: the last message at or before the cursor, falling
	// back to the first message in scan direction.
	var ref domain.AgentType
	haveRef := false
	for i := cur; i >= 0; i-- {
		if timeline[i].Kind == domain.EventKindMessage {
			ref = timeline[i].Message.Agent
			haveRef = true
			break
		}
	}

	for i := cur + dir; i >= 0 && i < len(timeline); i += dir {
		if timeline[i].Kind != domain.EventKindMessage {
			continue
		}
		if !haveRef {
			ref = timeline[i].Message.Agent
			haveRef = true
			continue
		}
		if timeline[i].Message.Agent != ref {
			c.state.SetCurrentIndex(i)
			return
		}
	}
}

// SkipToNextToolCall seeks forward to the next tool-call message.
func (c *Controls) SkipToNextToolCall() { c.skipToMessageType(1, domain.MessageTypeToolCall) }

// SkipToPreviousToolCall seeks backward to the previous tool-call message.
func (c *Controls) SkipToPreviousToolCall() { c.skipToMessageType(-1, domain.MessageTypeToolCall) }

// SkipToNextError seeks forward to the next error message.
func (c *Controls) SkipToNextError() { c.skipToMessageType(1, domain.MessageTypeError) }

// SkipToPreviousError seeks backward to the previous error message.
func (c *Controls) SkipToPreviousError() { c.skipToMessageType(-1, domain.MessageTypeError) }

func (c *Controls) skipToMessageType(dir int, mt domain.MessageType) {
	timeline := c.state.Timeline()
	for i := c.state.CurrentIndex() + dir; i >= 0 && i < len(timeline); i += dir {
		if timeline[i].Kind == domain.EventKindMessage && timeline[i].Message.Type == mt {
			c.state.SetCurrentIndex(i)
			return
		}
	}
}

// JumpToIndex moves the cursor to an absolute index, clamped.
func (c *Controls) JumpToIndex(i int) { c.state.SetCurrentIndex(i) }

// JumpToTimestamp seeks to the first event at or after ts.
func (c *Controls) JumpToTimestamp(ts time.Time) { c.state.JumpToTimestamp(ts) }

// JumpToMessage seeks to the event carrying the given message id.
func (c *Controls) JumpToMessage(messageID string) error { return c.state.JumpToMessage(messageID) }

// JumpToBookmark seeks to the given bookmark's position.
func (c *Controls) JumpToBookmark(bookmarkID string) error { return c.state.JumpToBookmark(bookmarkID) }

// JumpToPercent seeks to a percentage of the total timeline, clamped to
// [0, 100].
func (c *Controls) JumpToPercent(percent float64) {
	total := c.state.TotalEvents()
	if total == 0 {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	c.state.SetCurrentIndex(int(math.Round(percent / 100 * float64(total-1))))
}

// NextBookmark jumps to the nearest bookmark strictly after the current
// elapsed time. The cursor is unchanged when none exists.
func (c *Controls) NextBookmark() bool {
	event, ok := c.state.CurrentEvent()
	if !ok {
		return false
	}
	var best *domain.Bookmark
	for _, b := range c.state.Bookmarks() {
		b := b
		if b.Timestamp.After(event.Timestamp) && (best == nil || b.Timestamp.Before(best.Timestamp)) {
			best = &b
		}
	}
	if best == nil {
		return false
	}
	c.state.JumpToTimestamp(best.Timestamp)
	return true
}

// PreviousBookmark jumps to the nearest bookmark strictly before the current
// elapsed time. The cursor is unchanged when none exists.
func (c *Controls) PreviousBookmark() bool {
	event, ok := c.state.CurrentEvent()
	if !ok {
		return false
	}
	var best *domain.Bookmark
	for _, b := range c.state.Bookmarks() {
		b := b
		if b.Timestamp.Before(event.Timestamp) && (best == nil || b.Timestamp.After(best.Timestamp)) {
			best = &b
		}
	}
	if best == nil {
		return false
	}
	c.state.JumpToTimestamp(best.Timestamp)
	return true
}

// JumpToSegmentStart moves the cursor to a segment's first event.
func (c *Controls) JumpToSegmentStart(segmentID string) error {
	return c.jumpToSegment(segmentID, false)
}

// JumpToSegmentEnd moves the cursor to a segment's last event.
func (c *Controls) JumpToSegmentEnd(segmentID string) error {
	return c.jumpToSegment(segmentID, true)
}

func (c *Controls) jumpToSegment(segmentID string, end bool) error {
	for _, seg := range c.state.Segments() {
		if seg.ID != segmentID {
			continue
		}
		if end {
			c.state.SetCurrentIndex(seg.EndIndex)
		} else {
			c.state.SetCurrentIndex(seg.StartIndex)
		}
		return nil
	}
	return fmt.Errorf("segment %s: %w", segmentID, ErrNotFound)
}
