package replay

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vincentbai/traceflow-agent/internal/models"
)

type recordingSurface struct {
	mu      sync.Mutex
	ops     []string
	nextID  MarkerID
	removed []MarkerID
	failOn  string
}

func (r *recordingSurface) record(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	if r.failOn != "" && strings.HasPrefix(op, r.failOn) {
		return errors.New("surface detached")
	}
	return nil
}

func (r *recordingSurface) MoveCursor(x, y float64) error {
	return r.record(fmt.Sprintf("move %v,%v", x, y))
}

func (r *recordingSurface) ShowClickMarker(x, y float64) (MarkerID, error) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.mu.Unlock()
	return id, r.record(fmt.Sprintf("marker %v,%v", x, y))
}

func (r *recordingSurface) RemoveClickMarker(id MarkerID) error {
	r.mu.Lock()
	r.removed = append(r.removed, id)
	r.mu.Unlock()
	return nil
}

func (r *recordingSurface) SetScrollOffset(x, y float64) error {
	return r.record(fmt.Sprintf("scroll %v,%v", x, y))
}

func (r *recordingSurface) Reset() error {
	return r.record("reset")
}

func (r *recordingSurface) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func (r *recordingSurface) removedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.removed)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func pointerAt(typ models.EventType, ts int64, x, y float64) models.TrackingEvent {
	e := models.TrackingEvent{Type: typ, Timestamp: ts}
	e.At(x, y)
	return e
}

func threeEventSession() models.SessionRecord {
	return models.SessionRecord{
		SessionID: "s",
		StartTime: 1000,
		Events: []models.TrackingEvent{
			pointerAt(models.EventPointerMove, 1000, 1, 1),
			pointerAt(models.EventClick, 1100, 2, 2),
			pointerAt(models.EventPointerMove, 1250, 3, 3),
		},
	}
}

// setupTestScheduler returns a scheduler whose ticks are driven by tick().
func setupTestScheduler(t *testing.T, session models.SessionRecord, opts ...Option) (*Scheduler, *recordingSurface, *manualClock) {
	t.Helper()
	clock := &manualClock{now: time.UnixMilli(0)}
	surface := &recordingSurface{}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	s, err := NewScheduler(session, surface, opts...)
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	s.manual = true
	t.Cleanup(s.Close)
	return s, surface, clock
}

func tick(s *Scheduler, clock *manualClock, d time.Duration) bool {
	clock.advance(d)
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	return s.step(gen, clock.Now())
}

func TestNewSchedulerRejectsEmptySession(t *testing.T) {
	_, err := NewScheduler(models.SessionRecord{SessionID: "empty"}, &recordingSurface{})
	if !errors.Is(err, ErrEmptySession) {
		t.Errorf("NewScheduler() error = %v, want ErrEmptySession", err)
	}
}

func TestPlaybackAtDoubleSpeed(t *testing.T) {
	s, surface, clock := setupTestScheduler(t, threeEventSession(), WithSpeed(2))

	if s.TotalDuration() != 250 {
		t.Fatalf("Expected total duration 250, got %d", s.TotalDuration())
	}
	s.Play()
	if s.State() != StatePlaying {
		t.Fatalf("Expected playing, got %s", s.State())
	}

	tick(s, clock, 16*time.Millisecond) // virtual 32
	if s.Index() != 1 {
		t.Fatalf("Expected first event dispatched, index = %d", s.Index())
	}
	tick(s, clock, 34*time.Millisecond) // virtual 100
	if s.Index() != 2 {
		t.Fatalf("Expected second event at virtual 100ms, index = %d", s.Index())
	}
	tick(s, clock, 74*time.Millisecond) // virtual 248
	if s.Index() != 2 {
		t.Fatalf("Expected third event pending, index = %d", s.Index())
	}
	if more := tick(s, clock, 1*time.Millisecond); more { // virtual 250, real 125
		t.Error("Expected ticking to stop at the end")
	}

	if s.Index() != 3 || s.State() != StateEnded {
		t.Errorf("Expected ended at index 3, got %s at %d", s.State(), s.Index())
	}
	if s.ProgressPercentage() != 100 || s.CurrentTime() != 250 {
		t.Errorf("Expected 100%% at 250ms, got %v%% at %d", s.ProgressPercentage(), s.CurrentTime())
	}

	want := []string{"move 1,1", "move 2,2", "marker 2,2", "move 3,3"}
	if got := surface.snapshot(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Dispatch order = %v, want %v", got, want)
	}
}

func TestPlayAtEndIsNoop(t *testing.T) {
	s, _, clock := setupTestScheduler(t, threeEventSession())
	s.Play()
	tick(s, clock, time.Second)

	s.Play()
	if s.State() != StateEnded {
		t.Errorf("Expected to stay ended, got %s", s.State())
	}
}

func TestRestartReplaysSameOrder(t *testing.T) {
	s, surface, clock := setupTestScheduler(t, threeEventSession())
	s.Play()
	tick(s, clock, time.Second)
	first := surface.snapshot()

	s.Restart()
	if s.ProgressPercentage() != 0 || s.CurrentTime() != 0 || s.Index() != 0 {
		t.Fatalf("Expected restart to rewind, got %v%% index %d", s.ProgressPercentage(), s.Index())
	}
	if s.State() != StatePlaying {
		t.Fatalf("Expected playing after restart, got %s", s.State())
	}
	tick(s, clock, time.Second)

	all := surface.snapshot()
	second := all[len(first):]
	if second[0] != "reset" {
		t.Errorf("Expected surface reset first, got %q", second[0])
	}
	if strings.Join(second[1:], "|") != strings.Join(first, "|") {
		t.Errorf("Replay differs after restart: %v vs %v", second[1:], first)
	}
	if surface.removedCount() != 1 {
		t.Errorf("Expected pending marker cleared on restart, got %d removals", surface.removedCount())
	}
}

func TestPauseAndResume(t *testing.T) {
	s, _, clock := setupTestScheduler(t, threeEventSession())
	s.Play()
	tick(s, clock, 120*time.Millisecond)
	if s.Index() != 2 {
		t.Fatalf("Expected index 2, got %d", s.Index())
	}

	s.Pause()
	if s.State() != StatePaused {
		t.Fatalf("Expected paused, got %s", s.State())
	}
	if tick(s, clock, 10*time.Second) {
		t.Error("Expected stale tick to stop")
	}
	if s.Index() != 2 || s.CurrentTime() != 120 {
		t.Errorf("Expected position kept while paused, got index %d at %d", s.Index(), s.CurrentTime())
	}

	s.Play()
	tick(s, clock, 100*time.Millisecond)
	if s.Index() != 2 {
		t.Errorf("Expected paused time not to count, index = %d", s.Index())
	}
	tick(s, clock, 30*time.Millisecond)
	if s.Index() != 3 {
		t.Errorf("Expected end reached, index = %d", s.Index())
	}
}

func TestSetSpeed(t *testing.T) {
	s, _, clock := setupTestScheduler(t, threeEventSession())

	for _, bad := range []float64{0, -1} {
		if err := s.SetSpeed(bad); !errors.Is(err, ErrInvalidSpeed) {
			t.Errorf("SetSpeed(%v) error = %v, want ErrInvalidSpeed", bad, err)
		}
	}

	s.Play()
	tick(s, clock, 50*time.Millisecond) // virtual 50
	if err := s.SetSpeed(4); err != nil {
		t.Fatalf("SetSpeed() error = %v", err)
	}
	if s.CurrentTime() != 50 {
		t.Errorf("Expected elapsed time not rescaled, got %d", s.CurrentTime())
	}
	tick(s, clock, 50*time.Millisecond) // virtual 250
	if s.State() != StateEnded {
		t.Errorf("Expected new speed on next tick, state %s at %d", s.State(), s.CurrentTime())
	}
}

func TestScrollAndNoopEvents(t *testing.T) {
	session := models.SessionRecord{
		SessionID: "s",
		Events: []models.TrackingEvent{
			{Type: models.EventScroll, Timestamp: 10, Data: map[string]any{"scrollX": 0.0, "scrollY": 480.0}},
			{Type: models.EventInput, Timestamp: 11, Data: map[string]any{"value": "x"}},
			{Type: models.EventMutation, Timestamp: 12},
			{Type: models.EventScroll, Timestamp: 13, Data: map[string]any{"scrollX": 5, "scrollY": int64(6)}},
		},
	}
	s, surface, clock := setupTestScheduler(t, session)
	s.Play()
	tick(s, clock, 10*time.Millisecond)

	want := []string{"scroll 0,480", "scroll 5,6"}
	if got := surface.snapshot(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("ops = %v, want %v", got, want)
	}
}

func TestSurfaceErrorsDoNotStopPlayback(t *testing.T) {
	s, surface, clock := setupTestScheduler(t, threeEventSession())
	surface.failOn = "move"

	s.Play()
	tick(s, clock, time.Second)

	if s.State() != StateEnded || s.Index() != 3 {
		t.Errorf("Expected playback to finish, got %s at %d", s.State(), s.Index())
	}
}

type panickingSurface struct {
	recordingSurface
}

func (p *panickingSurface) MoveCursor(x, y float64) error {
	panic("element removed")
}

func TestDispatchPanicRecovered(t *testing.T) {
	clock := &manualClock{now: time.UnixMilli(0)}
	surface := &panickingSurface{}
	s, err := NewScheduler(threeEventSession(), surface, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	s.manual = true
	defer s.Close()

	s.Play()
	tick(s, clock, time.Second)
	if s.Index() != 3 {
		t.Errorf("Expected all events dispatched despite panics, index = %d", s.Index())
	}
}

func TestObserverSeesStateChanges(t *testing.T) {
	var mu sync.Mutex
	var states []State
	s, _, clock := setupTestScheduler(t, threeEventSession(), WithObserver(func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		if len(states) == 0 || states[len(states)-1] != p.State {
			states = append(states, p.State)
		}
	}))

	s.Play()
	tick(s, clock, 50*time.Millisecond)
	s.Pause()
	s.Play()
	tick(s, clock, time.Second)

	mu.Lock()
	defer mu.Unlock()
	want := []State{StatePlaying, StatePaused, StatePlaying, StateEnded}
	if fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("states = %v, want %v", states, want)
	}
}

func TestSingleEventSession(t *testing.T) {
	session := models.SessionRecord{SessionID: "s", Events: []models.TrackingEvent{pointerAt(models.EventClick, 5, 1, 1)}}
	s, _, clock := setupTestScheduler(t, session)

	if s.TotalDuration() != 0 || s.ProgressPercentage() != 0 {
		t.Fatalf("Expected zero duration and progress, got %d, %v", s.TotalDuration(), s.ProgressPercentage())
	}
	s.Play()
	tick(s, clock, time.Millisecond)
	if s.State() != StateEnded || s.ProgressPercentage() != 100 {
		t.Errorf("Expected ended at 100%%, got %s at %v", s.State(), s.ProgressPercentage())
	}
}

func TestClickMarkerRemovedAfterTTL(t *testing.T) {
	s, surface, clock := setupTestScheduler(t, threeEventSession(), WithMarkerTTL(10*time.Millisecond))
	s.Play()
	tick(s, clock, 100*time.Millisecond)
	s.Pause()

	deadline := time.Now().Add(time.Second)
	for surface.removedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if surface.removedCount() != 1 {
		t.Errorf("Expected marker removed while paused, got %d removals", surface.removedCount())
	}
}

func TestRealTimePlayback(t *testing.T) {
	ended := make(chan time.Time, 1)
	surface := &recordingSurface{}
	s, err := NewScheduler(threeEventSession(), surface,
		WithSpeed(2),
		WithMarkerTTL(time.Millisecond),
		WithObserver(func(p Progress) {
			if p.State == StateEnded {
				ended <- time.Now()
			}
		}))
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	defer s.Close()

	started := time.Now()
	s.Play()

	select {
	case at := <-ended:
		elapsed := at.Sub(started)
		if elapsed < 100*time.Millisecond || elapsed > 600*time.Millisecond {
			t.Errorf("Expected playback to take about 125ms, took %v", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for playback to end")
	}

	if s.Index() != 3 {
		t.Errorf("Expected index 3, got %d", s.Index())
	}
	ops := surface.snapshot()
	if len(ops) < 4 || ops[0] != "move 1,1" || ops[len(ops)-1] != "move 3,3" {
		t.Errorf("Unexpected dispatch order %v", ops)
	}
}

func TestWriterSurface(t *testing.T) {
	var buf bytes.Buffer
	surface := NewWriterSurface(&buf)

	_ = surface.MoveCursor(10, 20)
	id, _ := surface.ShowClickMarker(10, 20)
	if surface.Markers() != 1 {
		t.Errorf("Expected 1 marker, got %d", surface.Markers())
	}
	_ = surface.RemoveClickMarker(id)
	_ = surface.RemoveClickMarker(id)
	_ = surface.SetScrollOffset(0, 300)
	_ = surface.Reset()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("Expected 5 lines, got %d: %q", len(lines), buf.String())
	}
	prefixes := []string{"cursor", "click", "unmark", "scroll", "reset"}
	for i, prefix := range prefixes {
		if !strings.HasPrefix(lines[i], prefix) {
			t.Errorf("line %d = %q, want prefix %q", i, lines[i], prefix)
		}
	}
}

// gatedSurface blocks the first cursor move until release is closed.
type gatedSurface struct {
	*recordingSurface
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedSurface) MoveCursor(x, y float64) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.recordingSurface.MoveCursor(x, y)
}

func TestRestartWaitsForInFlightTick(t *testing.T) {
	clock := &manualClock{now: time.UnixMilli(0)}
	surface := &gatedSurface{
		recordingSurface: &recordingSurface{},
		entered:          make(chan struct{}),
		release:          make(chan struct{}),
	}
	s, err := NewScheduler(threeEventSession(), surface, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	s.manual = true
	defer s.Close()

	s.Play()
	tickDone := make(chan struct{})
	go func() {
		tick(s, clock, time.Second)
		close(tickDone)
	}()
	<-surface.entered

	restartDone := make(chan struct{})
	go func() {
		s.Restart()
		close(restartDone)
	}()

	select {
	case <-restartDone:
		t.Fatal("Restart reset the surface while a tick was dispatching")
	case <-time.After(50 * time.Millisecond):
	}

	close(surface.release)
	<-tickDone
	<-restartDone

	want := []string{"move 1,1", "move 2,2", "marker 2,2", "move 3,3", "reset"}
	if got := surface.snapshot(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Surface operations = %v, want %v", got, want)
	}
	if s.State() != StatePlaying || s.Index() != 0 {
		t.Errorf("Expected rewound playback, got %s at %d", s.State(), s.Index())
	}
}
