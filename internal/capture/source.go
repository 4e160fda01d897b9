// Package capture normalizes raw page signals into TrackingEvents.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/vincentbai/traceflow-agent/internal/models"
	"github.com/vincentbai/traceflow-agent/internal/pubsub"
	"github.com/vincentbai/traceflow-agent/internal/telemetry"
)

// DefaultPointerSamplePercent is the share of pointer-move signals forwarded.
const DefaultPointerSamplePercent = 50

// Source attaches to an InputSource and emits normalized events to its
// subscribers. Events are emitted one at a time in timestamp order, whatever
// goroutine the platform delivers signals on.
type Source struct {
	input            InputSource
	sampler          Sampler
	observeMutations bool
	now              func() time.Time
	logger           *slog.Logger
	metrics          *telemetry.Metrics

	mu         sync.Mutex
	capturing  bool
	detach     func()
	disconnect func()

	emitMu   sync.Mutex
	queue    []models.TrackingEvent
	draining bool
	lastTS   int64

	events *pubsub.Broadcaster[models.TrackingEvent]
}

type Option func(*Source)

func WithSampler(s Sampler) Option {
	return func(src *Source) { src.sampler = s }
}

// WithMutations toggles attaching the mutation-observation channel.
func WithMutations(enabled bool) Option {
	return func(src *Source) { src.observeMutations = enabled }
}

func WithClock(now func() time.Time) Option {
	return func(src *Source) { src.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(src *Source) { src.logger = logger }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(src *Source) { src.metrics = m }
}

func NewSource(input InputSource, opts ...Option) *Source {
	s := &Source{
		input:            input,
		sampler:          HashSampler{Percent: DefaultPointerSamplePercent},
		observeMutations: true,
		now:              time.Now,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.events = pubsub.NewBroadcaster[models.TrackingEvent](s.logger)
	return s
}

// Start attaches to the input surface. Calling Start while capturing is a no-op.
// A platform without mutation observation still captures input.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capturing {
		return nil
	}

	detach, err := s.input.Listen(s.handleSignal)
	if err != nil {
		return fmt.Errorf("failed to attach input listeners: %w", err)
	}
	s.detach = detach

	if s.observeMutations {
		s.attachMutations()
	}

	s.capturing = true
	s.logger.Info("event capture started")
	return nil
}

func (s *Source) attachMutations() {
	observer, ok := s.input.(MutationSource)
	if !ok {
		s.logger.Debug("mutation observation unavailable, skipping")
		return
	}
	disconnect, err := observer.ObserveMutations(s.handleMutation)
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			s.logger.Debug("mutation observation unavailable, skipping")
		} else {
			s.logger.Warn("failed to observe mutations", "error", err)
		}
		return
	}
	s.disconnect = disconnect
}

// Stop detaches from the input surface. Calling Stop while idle is a no-op.
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.capturing {
		return
	}
	s.capturing = false

	if s.detach != nil {
		s.detach()
		s.detach = nil
	}
	if s.disconnect != nil {
		s.disconnect()
		s.disconnect = nil
	}
	s.logger.Info("event capture stopped")
}

func (s *Source) IsCapturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capturing
}

// Subscribe registers fn for every emitted event.
func (s *Source) Subscribe(fn func(models.TrackingEvent)) (unsubscribe func()) {
	return s.events.Subscribe(fn)
}

// Events returns a buffered channel of emitted events. Events are dropped
// for this subscriber when the buffer is full.
func (s *Source) Events(buffer int) (<-chan models.TrackingEvent, func()) {
	return s.events.Channel(buffer)
}

// TrackCustomEvent emits a custom event carrying name and data. It is
// ignored while not capturing.
func (s *Source) TrackCustomEvent(name string, data map[string]any) {
	if !s.IsCapturing() {
		return
	}
	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["name"] = name
	s.emit(models.TrackingEvent{Type: models.EventCustom, Data: payload})
}

func (s *Source) handleSignal(sig Signal) {
	defer s.recoverHandler("signal", string(sig.Kind))

	if !s.IsCapturing() {
		return
	}

	event, ok := s.normalize(sig)
	if !ok {
		return
	}
	s.emit(event)
}

func (s *Source) normalize(sig Signal) (models.TrackingEvent, bool) {
	switch sig.Kind {
	case SignalClick:
		event := models.TrackingEvent{
			Type:       models.EventClick,
			TargetPath: ElementPath(sig.Target),
			Data:       map[string]any{"button": sig.Button},
		}
		event.At(sig.ClientX, sig.ClientY)
		return event, true

	case SignalPointerMove:
		if !s.sampler.Keep(sig) {
			s.metrics.EventSampledOut(context.Background())
			return models.TrackingEvent{}, false
		}
		event := models.TrackingEvent{Type: models.EventPointerMove}
		event.At(sig.ClientX, sig.ClientY)
		return event, true

	case SignalScroll:
		return models.TrackingEvent{
			Type:       models.EventScroll,
			TargetPath: ElementPath(sig.Target),
			Data:       map[string]any{"scrollX": sig.ScrollX, "scrollY": sig.ScrollY},
		}, true

	case SignalResize:
		return models.TrackingEvent{
			Type: models.EventResize,
			Data: map[string]any{"width": sig.Width, "height": sig.Height},
		}, true

	case SignalFocus, SignalBlur:
		eventType := models.EventFocus
		if sig.Kind == SignalBlur {
			eventType = models.EventBlur
		}
		return models.TrackingEvent{Type: eventType, TargetPath: ElementPath(sig.Target)}, true

	case SignalInput:
		value := ""
		if sig.Target != nil {
			value = sig.Target.Value
		}
		if IsSensitive(sig.Target) {
			value = models.RedactedValue
		}
		return models.TrackingEvent{
			Type:       models.EventInput,
			TargetPath: ElementPath(sig.Target),
			Data:       map[string]any{"value": value},
		}, true

	default:
		s.logger.Debug("ignoring unknown signal", "kind", sig.Kind)
		return models.TrackingEvent{}, false
	}
}

func (s *Source) handleMutation(m Mutation) {
	defer s.recoverHandler("mutation", m.Type)

	if !s.IsCapturing() || m.Target == nil {
		return
	}
	s.emit(models.TrackingEvent{
		Type:       models.EventMutation,
		TargetPath: ElementPath(m.Target),
		Data:       map[string]any{"mutationType": m.Type},
	})
}

// emit stamps event and queues it. Whichever caller finds the queue idle
// drains it, so events reach subscribers one at a time in stamp order, and a
// subscriber that emits re-entrantly does not deadlock.
func (s *Source) emit(event models.TrackingEvent) {
	s.emitMu.Lock()
	ts := s.now().UnixMilli()
	if ts < s.lastTS {
		ts = s.lastTS
	}
	s.lastTS = ts
	event.Timestamp = ts
	s.queue = append(s.queue, event)
	if s.draining {
		s.emitMu.Unlock()
		return
	}
	s.draining = true

	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.emitMu.Unlock()

		s.events.Publish(next)
		s.metrics.EventCaptured(context.Background())

		s.emitMu.Lock()
	}
	s.draining = false
	s.emitMu.Unlock()
}

func (s *Source) recoverHandler(channel, kind string) {
	if r := recover(); r != nil {
		s.logger.Error("event handler panicked",
			"channel", channel,
			"kind", kind,
			"panic", r,
			"stack", string(debug.Stack()))
	}
}
