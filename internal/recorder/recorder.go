// Package recorder owns the lifecycle of the active recording session.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vincentbai/traceflow-agent/internal/models"
	"github.com/vincentbai/traceflow-agent/internal/telemetry"
)

// DefaultFlushEvery is the number of appended events between flushes.
const DefaultFlushEvery = 50

// Capturer is the event stream a recording subscribes to.
type Capturer interface {
	Start() error
	Stop()
	Subscribe(fn func(models.TrackingEvent)) (unsubscribe func())
}

// SessionSaver persists session snapshots.
type SessionSaver interface {
	Save(ctx context.Context, rec models.SessionRecord) error
}

// Environment reports page and device facts recorded as session metadata.
type Environment interface {
	Collect() map[string]any
}

// EnvironmentFunc adapts a function to Environment.
type EnvironmentFunc func() map[string]any

func (f EnvironmentFunc) Collect() map[string]any { return f() }

// Recorder appends captured events to the active session and hands snapshots
// to a SessionSaver every flushEvery events and once more on stop.
type Recorder struct {
	capture    Capturer
	saver      SessionSaver
	env        Environment
	flushEvery int
	now        func() time.Time
	newID      func() string
	logger     *slog.Logger
	metrics    *telemetry.Metrics

	// lifeMu serializes StartRecording and StopRecording end to end.
	lifeMu sync.Mutex

	mu          sync.Mutex
	current     *models.SessionRecord
	sinceFlush  int
	unsubscribe func()

	flushMu sync.Mutex
	// session id -> event count of the newest persisted snapshot. Entries
	// outlive the session so a late periodic flush cannot overwrite the final one.
	flushed map[string]int
}

type Option func(*Recorder)

func WithFlushEvery(n int) Option {
	return func(r *Recorder) { r.flushEvery = n }
}

func WithEnvironment(env Environment) Option {
	return func(r *Recorder) { r.env = env }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithIDGenerator replaces the session id source.
func WithIDGenerator(newID func() string) Option {
	return func(r *Recorder) { r.newID = newID }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

func New(capture Capturer, saver SessionSaver, opts ...Option) *Recorder {
	r := &Recorder{
		capture:    capture,
		saver:      saver,
		flushEvery: DefaultFlushEvery,
		now:        time.Now,
		newID:      func() string { return "session_" + uuid.NewString() },
		logger:     slog.Default(),
		flushed:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.flushEvery <= 0 {
		r.flushEvery = DefaultFlushEvery
	}
	return r
}

// StartRecording opens a new session and starts capture. No-op when a
// session is already active. If capture cannot start the session is
// abandoned and nothing is persisted.
func (r *Recorder) StartRecording(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	r.mu.Lock()
	if r.current != nil {
		r.mu.Unlock()
		return nil
	}

	metadata := map[string]any{}
	if r.env != nil {
		for k, v := range r.env.Collect() {
			metadata[k] = v
		}
	}
	r.current = &models.SessionRecord{
		SessionID: r.newID(),
		StartTime: r.now().UnixMilli(),
		Events:    []models.TrackingEvent{},
		Metadata:  metadata,
	}
	r.sinceFlush = 0
	sessionID := r.current.SessionID
	r.mu.Unlock()

	unsubscribe := r.capture.Subscribe(r.append)
	if err := r.capture.Start(); err != nil {
		unsubscribe()
		r.mu.Lock()
		r.current = nil
		r.mu.Unlock()
		return fmt.Errorf("failed to start recording: %w", err)
	}

	r.mu.Lock()
	r.unsubscribe = unsubscribe
	r.mu.Unlock()

	r.logger.Info("session recording started", "session_id", sessionID)
	return nil
}

// StopRecording stops capture, performs the final flush and releases the
// session. No-op when idle. The session is released even if the final flush
// fails; the error is returned.
func (r *Recorder) StopRecording(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()

	r.mu.Lock()
	if r.current == nil {
		r.mu.Unlock()
		return nil
	}
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	r.capture.Stop()
	if unsubscribe != nil {
		unsubscribe()
	}

	r.mu.Lock()
	snapshot := r.current.Clone()
	r.current = nil
	r.sinceFlush = 0
	r.mu.Unlock()

	err := r.flush(ctx, snapshot)

	r.logger.Info("session recording stopped",
		"session_id", snapshot.SessionID,
		"events", len(snapshot.Events))
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", snapshot.SessionID, err)
	}
	return nil
}

// AddSessionMetadata sets key on the active session. No-op when idle.
func (r *Recorder) AddSessionMetadata(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return
	}
	r.current.Metadata[key] = value
}

func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// CurrentSessionID returns the active session id, or "" when idle.
func (r *Recorder) CurrentSessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.SessionID
}

// Snapshot returns a copy of the active session.
func (r *Recorder) Snapshot() (models.SessionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return models.SessionRecord{}, false
	}
	return r.current.Clone(), true
}

func (r *Recorder) append(event models.TrackingEvent) {
	if err := models.ValidateEvent(event); err != nil {
		r.logger.Warn("dropping invalid event", "type", event.Type, "error", err)
		return
	}

	r.mu.Lock()
	if r.current == nil {
		r.mu.Unlock()
		return
	}
	r.current.Events = append(r.current.Events, event)
	r.sinceFlush++
	if r.sinceFlush < r.flushEvery {
		r.mu.Unlock()
		return
	}
	r.sinceFlush = 0
	snapshot := r.current.Clone()
	r.mu.Unlock()

	// periodic flush failures are logged; the next flush retries with more events
	if err := r.flush(context.Background(), snapshot); err != nil {
		r.logger.Error("failed to flush session",
			"session_id", snapshot.SessionID,
			"error", err)
	}
}

// flush persists snapshot unless a snapshot of the same session with at
// least as many events has already been written.
func (r *Recorder) flush(ctx context.Context, snapshot models.SessionRecord) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	if n, ok := r.flushed[snapshot.SessionID]; ok && n > len(snapshot.Events) {
		return nil
	}
	if err := r.saver.Save(ctx, snapshot); err != nil {
		return err
	}
	r.flushed[snapshot.SessionID] = len(snapshot.Events)
	r.metrics.SessionFlushed(ctx)
	r.logger.Debug("session flushed",
		"session_id", snapshot.SessionID,
		"events", len(snapshot.Events))
	return nil
}
