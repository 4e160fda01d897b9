// Package replay plays a recorded session back onto a Surface in real time.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/vincentbai/traceflow-agent/internal/models"
	"github.com/vincentbai/traceflow-agent/internal/telemetry"
)

const (
	DefaultTick      = 16 * time.Millisecond
	DefaultMarkerTTL = 500 * time.Millisecond
)

var (
	ErrEmptySession = errors.New("session has no events")
	ErrInvalidSpeed = errors.New("speed must be a positive finite number")
)

type State string

const (
	StateIdle    State = "idle"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StateEnded   State = "ended"
)

// Progress is the observable playback position.
type Progress struct {
	State         State   `json:"state"`
	Index         int     `json:"index"`
	CurrentTime   int64   `json:"currentTime"`   // ms
	TotalDuration int64   `json:"totalDuration"` // ms
	Percentage    float64 `json:"percentage"`
}

// Scheduler drives playback of one session. A single goroutine ticks at a
// fixed cadence while playing; each tick advances virtual time by the real
// time since the previous tick times the speed and dispatches, in order,
// every event whose offset from the first event has been reached.
type Scheduler struct {
	events    []models.TrackingEvent
	origin    int64
	total     int64
	surface   Surface
	tick      time.Duration
	markerTTL time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	observer  func(Progress)
	manual    bool // ticks are driven by calling step directly

	mu       sync.Mutex
	index    int
	elapsed  float64 // virtual ms since the first event
	speed    float64
	state    State
	lastTick time.Time
	stop     chan struct{}
	gen      uint64

	// dispatchMu serializes every surface call: a tick's dispatch batch,
	// Reset and marker removal. Taken before mu.
	dispatchMu sync.Mutex

	markerMu sync.Mutex
	markers  map[MarkerID]*time.Timer
}

type Option func(*Scheduler)

func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithMarkerTTL sets how long a click marker stays on the surface.
func WithMarkerTTL(d time.Duration) Option {
	return func(s *Scheduler) { s.markerTTL = d }
}

// WithSpeed sets the initial speed. Non-positive values are ignored.
func WithSpeed(speed float64) Option {
	return func(s *Scheduler) {
		if validSpeed(speed) {
			s.speed = speed
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithObserver registers fn to receive the playback position after every
// state change and every tick that dispatched events.
func WithObserver(fn func(Progress)) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// NewScheduler prepares playback of session onto surface.
func NewScheduler(session models.SessionRecord, surface Surface, opts ...Option) (*Scheduler, error) {
	if len(session.Events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptySession, session.SessionID)
	}
	events := make([]models.TrackingEvent, len(session.Events))
	copy(events, session.Events)

	s := &Scheduler{
		events:    events,
		origin:    events[0].Timestamp,
		total:     events[len(events)-1].Timestamp - events[0].Timestamp,
		surface:   surface,
		tick:      DefaultTick,
		markerTTL: DefaultMarkerTTL,
		now:       time.Now,
		logger:    slog.Default(),
		speed:     1,
		state:     StateIdle,
		markers:   make(map[MarkerID]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tick <= 0 {
		s.tick = DefaultTick
	}
	return s, nil
}

// Play starts or resumes playback. No-op while playing or at the end.
func (s *Scheduler) Play() {
	s.mu.Lock()
	if s.state == StatePlaying || s.index >= len(s.events) {
		s.mu.Unlock()
		return
	}
	s.state = StatePlaying
	s.lastTick = s.now()
	s.gen++
	gen := s.gen
	stop := make(chan struct{})
	s.stop = stop
	progress := s.progressLocked()
	s.mu.Unlock()

	if !s.manual {
		go s.run(gen, stop)
	}
	s.notify(progress)
}

// Pause stops ticking and keeps the position.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	if s.state != StatePlaying {
		s.mu.Unlock()
		return
	}
	s.haltLocked(StatePaused)
	progress := s.progressLocked()
	s.mu.Unlock()
	s.notify(progress)
}

// Restart rewinds to the first event, clears the surface and plays.
func (s *Scheduler) Restart() {
	s.dispatchMu.Lock()
	s.mu.Lock()
	if s.state == StatePlaying {
		s.haltLocked(StatePaused)
	}
	s.index = 0
	s.elapsed = 0
	s.state = StateIdle
	s.mu.Unlock()

	s.clearMarkers()
	if err := s.surface.Reset(); err != nil {
		s.logger.Warn("failed to reset replay surface", "error", err)
	}
	s.dispatchMu.Unlock()
	s.Play()
}

// SetSpeed changes the speed from the next tick on. Time already played is
// not rescaled.
func (s *Scheduler) SetSpeed(speed float64) error {
	if !validSpeed(speed) {
		return fmt.Errorf("%w: %v", ErrInvalidSpeed, speed)
	}
	s.mu.Lock()
	s.speed = speed
	s.mu.Unlock()
	return nil
}

// Close stops playback and removes pending click markers.
func (s *Scheduler) Close() {
	s.Pause()
	s.dispatchMu.Lock()
	s.clearMarkers()
	s.dispatchMu.Unlock()
}

func (s *Scheduler) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Index is the position of the next event to dispatch.
func (s *Scheduler) Index() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// CurrentTime is the virtual playback position in ms, capped at TotalDuration.
func (s *Scheduler) CurrentTime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTimeLocked()
}

// TotalDuration is the span between the first and last event in ms.
func (s *Scheduler) TotalDuration() int64 {
	return s.total
}

func (s *Scheduler) ProgressPercentage() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.percentageLocked()
}

func (s *Scheduler) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

func (s *Scheduler) run(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !s.step(gen, s.now()) {
				return
			}
		}
	}
}

// step advances virtual time to now and dispatches every due event. It
// reports whether playback of generation gen should keep ticking.
func (s *Scheduler) step(gen uint64, now time.Time) bool {
	s.dispatchMu.Lock()
	s.mu.Lock()
	if gen != s.gen || s.state != StatePlaying {
		s.mu.Unlock()
		s.dispatchMu.Unlock()
		return false
	}

	delta := now.Sub(s.lastTick)
	if delta < 0 {
		delta = 0
	}
	s.lastTick = now
	s.elapsed += float64(delta) / float64(time.Millisecond) * s.speed

	start := s.index
	for s.index < len(s.events) && float64(s.events[s.index].Timestamp-s.origin) <= s.elapsed {
		s.index++
	}
	due := s.events[start:s.index]

	ended := s.index >= len(s.events)
	if ended {
		s.haltLocked(StateEnded)
	}
	progress := s.progressLocked()
	s.mu.Unlock()

	for _, event := range due {
		s.dispatch(event)
	}
	s.dispatchMu.Unlock()

	if len(due) > 0 || ended {
		s.notify(progress)
	}
	if ended {
		s.logger.Debug("replay ended", "events", len(s.events))
	}
	return !ended
}

// dispatch renders one event. Surface failures and panics are logged and do
// not stop playback.
func (s *Scheduler) dispatch(event models.TrackingEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while dispatching replay event",
				"type", event.Type,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	var err error
	switch event.Type {
	case models.EventPointerMove:
		if x, y, ok := event.Point(); ok {
			err = s.surface.MoveCursor(x, y)
		}
	case models.EventClick:
		if x, y, ok := event.Point(); ok {
			if err = s.surface.MoveCursor(x, y); err == nil {
				err = s.showMarker(x, y)
			}
		}
	case models.EventScroll:
		x, okX := number(event.Data["scrollX"])
		y, okY := number(event.Data["scrollY"])
		if okX || okY {
			err = s.surface.SetScrollOffset(x, y)
		}
	default:
		// input, mutation and the rest carry no visual state
	}
	if err != nil {
		s.logger.Warn("failed to render replay event", "type", event.Type, "error", err)
	}
	s.metrics.ReplayDispatched(context.Background())
}

// showMarker shows a click marker and schedules its removal. Removal runs on
// its own timer whether or not playback is paused.
func (s *Scheduler) showMarker(x, y float64) error {
	id, err := s.surface.ShowClickMarker(x, y)
	if err != nil {
		return err
	}

	s.markerMu.Lock()
	defer s.markerMu.Unlock()
	s.markers[id] = time.AfterFunc(s.markerTTL, func() {
		s.dispatchMu.Lock()
		defer s.dispatchMu.Unlock()

		s.markerMu.Lock()
		_, pending := s.markers[id]
		delete(s.markers, id)
		s.markerMu.Unlock()
		if !pending {
			return
		}
		if err := s.surface.RemoveClickMarker(id); err != nil {
			s.logger.Warn("failed to remove click marker", "marker", id, "error", err)
		}
	})
	return nil
}

// clearMarkers removes every shown marker. Callers hold dispatchMu.
func (s *Scheduler) clearMarkers() {
	s.markerMu.Lock()
	markers := s.markers
	s.markers = make(map[MarkerID]*time.Timer)
	s.markerMu.Unlock()

	for id, timer := range markers {
		timer.Stop()
		if err := s.surface.RemoveClickMarker(id); err != nil {
			s.logger.Warn("failed to remove click marker", "marker", id, "error", err)
		}
	}
}

func (s *Scheduler) haltLocked(state State) {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.gen++
	s.state = state
}

func (s *Scheduler) currentTimeLocked() int64 {
	t := int64(s.elapsed)
	if t > s.total {
		t = s.total
	}
	return t
}

func (s *Scheduler) percentageLocked() float64 {
	if s.total == 0 {
		if s.index >= len(s.events) {
			return 100
		}
		return 0
	}
	return math.Min(s.elapsed/float64(s.total)*100, 100)
}

func (s *Scheduler) progressLocked() Progress {
	return Progress{
		State:         s.state,
		Index:         s.index,
		CurrentTime:   s.currentTimeLocked(),
		TotalDuration: s.total,
		Percentage:    s.percentageLocked(),
	}
}

func (s *Scheduler) notify(p Progress) {
	if s.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("replay observer panicked", "panic", r)
		}
	}()
	s.observer(p)
}

func validSpeed(speed float64) bool {
	return speed > 0 && !math.IsInf(speed, 0) && !math.IsNaN(speed)
}

// number reads a JSON-decoded or natively typed numeric value.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
