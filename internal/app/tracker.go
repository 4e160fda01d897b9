// Package app assembles the capture, detection, recording, storage and
// replay components into the Tracker used by the agent's front ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vincentbai/traceflow-agent/internal/capture"
	"github.com/vincentbai/traceflow-agent/internal/config"
	"github.com/vincentbai/traceflow-agent/internal/database"
	"github.com/vincentbai/traceflow-agent/internal/kv"
	"github.com/vincentbai/traceflow-agent/internal/models"
	"github.com/vincentbai/traceflow-agent/internal/rageclick"
	"github.com/vincentbai/traceflow-agent/internal/recorder"
	"github.com/vincentbai/traceflow-agent/internal/replay"
	"github.com/vincentbai/traceflow-agent/internal/store"
	"github.com/vincentbai/traceflow-agent/internal/telemetry"
)

// ErrSessionNotFound is returned when a replay is requested for an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// LogErrorEvent names the custom event recorded for intercepted error logs.
const LogErrorEvent = "log_error"

// OpenBackend opens the persistence backend selected by cfg.
func OpenBackend(cfg config.StorageConfig) (kv.Store, error) {
	switch cfg.Type {
	case config.StorageSQLite:
		db, err := database.NewDatabase(cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.StorageBadger:
		db, err := kv.OpenBadger(cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case config.StorageMemory:
		return kv.NewMemory(), nil
	default:
		return nil, fmt.Errorf("invalid storage type: %s", cfg.Type)
	}
}

// Tracker owns one instance of every component. Clicks flowing out of the
// capture source are fed to the rage click detector here; the detector does
// not observe capture on its own.
type Tracker struct {
	cfg     *config.Config
	backend kv.Store
	logger  *slog.Logger
	metrics *telemetry.Metrics

	capture  *capture.Source
	detector *rageclick.Detector
	recorder *recorder.Recorder
	store    *store.Store

	mu            sync.Mutex
	started       bool
	stopClicks    func()
	restoreErrors func()
	forwarding    atomic.Bool
}

type Option func(*Tracker)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// New builds a Tracker reading input from input, describing the page with
// env and persisting sessions to backend. The Tracker takes ownership of
// backend and closes it in Close.
func New(cfg *config.Config, input capture.InputSource, env recorder.Environment, backend kv.Store, opts ...Option) *Tracker {
	t := &Tracker{cfg: cfg, backend: backend}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = telemetry.FollowDefault()
	}

	t.capture = capture.NewSource(input,
		capture.WithSampler(capture.HashSampler{Percent: cfg.Capture.PointerSamplePercent}),
		capture.WithMutations(cfg.Capture.ObserveMutations),
		capture.WithLogger(t.logger),
		capture.WithMetrics(t.metrics),
	)
	t.detector = rageclick.NewDetector(rageclick.Config{
		Threshold: cfg.RageClick.Threshold,
		Window:    cfg.RageClick.Window,
		Radius:    cfg.RageClick.Radius,
	},
		rageclick.WithLogger(t.logger),
		rageclick.WithMetrics(t.metrics),
	)
	t.store = store.New(backend,
		store.WithKey(cfg.Storage.Key),
		store.WithMaxSessions(cfg.Storage.MaxSessions),
		store.WithCompression(cfg.Storage.Compress),
		store.WithLogger(t.logger),
	)
	recorderOpts := []recorder.Option{
		recorder.WithFlushEvery(cfg.Recorder.FlushEvery),
		recorder.WithLogger(t.logger),
		recorder.WithMetrics(t.metrics),
	}
	if env != nil {
		recorderOpts = append(recorderOpts, recorder.WithEnvironment(env))
	}
	t.recorder = recorder.New(t.capture, t.store, recorderOpts...)
	return t
}

// Start loads persisted sessions, wires click detection and error-log
// tracking, and begins recording when auto start is configured.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.stopClicks = t.capture.Subscribe(t.forwardClick)
	if t.cfg.Telemetry.TrackLogErrors {
		t.restoreErrors = telemetry.InterceptErrors(t.recordLogError)
	}
	t.mu.Unlock()

	t.Load(ctx)

	if t.cfg.RageClick.Enabled {
		t.detector.Enable()
	}
	if t.cfg.Recorder.AutoStart {
		if err := t.recorder.StartRecording(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Load reads persisted sessions without wiring capture or starting a
// recording. It is all a read-only consumer of the store needs.
func (t *Tracker) Load(ctx context.Context) []models.SessionRecord {
	sessions := t.store.LoadAll(ctx)
	t.logger.Info("sessions loaded", "count", len(sessions))
	return sessions
}

// Close stops any active recording (flushing it), unwinds the wiring done by
// Start and closes the backend.
func (t *Tracker) Close(ctx context.Context) error {
	stopErr := t.recorder.StopRecording(ctx)
	t.detector.Disable()

	t.mu.Lock()
	if t.stopClicks != nil {
		t.stopClicks()
		t.stopClicks = nil
	}
	if t.restoreErrors != nil {
		t.restoreErrors()
		t.restoreErrors = nil
	}
	t.started = false
	t.mu.Unlock()

	return errors.Join(stopErr, t.backend.Close())
}

func (t *Tracker) forwardClick(event models.TrackingEvent) {
	if event.Type != models.EventClick {
		return
	}
	x, y, ok := event.Point()
	if !ok {
		return
	}
	t.detector.ProcessClick(event.TargetPath, x, y)
}

func (t *Tracker) recordLogError(rec telemetry.ErrorRecord) {
	// an error logged while recording an error must not loop
	if !t.forwarding.CompareAndSwap(false, true) {
		return
	}
	defer t.forwarding.Store(false)

	data := map[string]any{"message": rec.Message}
	for k, v := range rec.Attrs {
		switch v := v.(type) {
		case error:
			data[k] = v.Error()
		case fmt.Stringer:
			data[k] = v.String()
		default:
			data[k] = v
		}
	}
	t.capture.TrackCustomEvent(LogErrorEvent, data)
}

// Recording control.

func (t *Tracker) StartRecording(ctx context.Context) error {
	return t.recorder.StartRecording(ctx)
}

func (t *Tracker) StopRecording(ctx context.Context) error {
	return t.recorder.StopRecording(ctx)
}

func (t *Tracker) AddSessionMetadata(key string, value any) {
	t.recorder.AddSessionMetadata(key, value)
}

func (t *Tracker) IsRecording() bool {
	return t.recorder.IsRecording()
}

func (t *Tracker) CurrentSessionID() string {
	return t.recorder.CurrentSessionID()
}

// CurrentSession returns a copy of the active session, events included.
func (t *Tracker) CurrentSession() (models.SessionRecord, bool) {
	return t.recorder.Snapshot()
}

// Session access.

func (t *Tracker) GetSessions() []models.SessionRecord {
	return t.store.Sessions()
}

// SubscribeSessions calls fn with the current session collection and after
// every change.
func (t *Tracker) SubscribeSessions(fn func([]models.SessionRecord)) (unsubscribe func()) {
	return t.store.Subscribe(fn)
}

func (t *Tracker) GetSessionByID(id string) (models.SessionRecord, bool) {
	return t.store.GetByID(id)
}

func (t *Tracker) ClearAllSessions(ctx context.Context) error {
	return t.store.ClearAll(ctx)
}

// Event stream access.

func (t *Tracker) SubscribeEvents(fn func(models.TrackingEvent)) (unsubscribe func()) {
	return t.capture.Subscribe(fn)
}

// Events returns a buffered channel of captured events. Events are dropped
// for this subscriber when the buffer is full.
func (t *Tracker) Events(buffer int) (<-chan models.TrackingEvent, func()) {
	return t.capture.Events(buffer)
}

func (t *Tracker) TrackCustomEvent(name string, data map[string]any) {
	t.capture.TrackCustomEvent(name, data)
}

// Rage click access.

func (t *Tracker) EnableRageClicks() {
	t.detector.Enable()
}

func (t *Tracker) DisableRageClicks() {
	t.detector.Disable()
}

func (t *Tracker) RageClicksEnabled() bool {
	return t.detector.IsEnabled()
}

func (t *Tracker) ProcessClick(targetPath []string, x, y float64) {
	t.detector.ProcessClick(targetPath, x, y)
}

func (t *Tracker) SubscribeRageClicks(fn func(models.RageClickEvent)) (unsubscribe func()) {
	return t.detector.Subscribe(fn)
}

func (t *Tracker) RageClicks(buffer int) (<-chan models.RageClickEvent, func()) {
	return t.detector.RageClicks(buffer)
}

// NewReplay prepares playback of the stored session id onto surface using
// the configured replay timing. opts are applied after the configured ones.
func (t *Tracker) NewReplay(id string, surface replay.Surface, opts ...replay.Option) (*replay.Scheduler, error) {
	session, ok := t.store.GetByID(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	base := []replay.Option{
		replay.WithTick(t.cfg.Replay.Tick),
		replay.WithMarkerTTL(t.cfg.Replay.MarkerTTL),
		replay.WithSpeed(t.cfg.Replay.DefaultSpeed),
		replay.WithLogger(t.logger),
		replay.WithMetrics(t.metrics),
	}
	return replay.NewScheduler(session, surface, append(base, opts...)...)
}
