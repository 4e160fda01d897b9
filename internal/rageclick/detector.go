// Package rageclick detects clusters of repeated clicks on the same spot.
package rageclick

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/vincentbai/traceflow-agent/internal/models"
	"github.com/vincentbai/traceflow-agent/internal/pubsub"
	"github.com/vincentbai/traceflow-agent/internal/telemetry"
)

const (
	DefaultThreshold = 3
	DefaultWindow    = 2000 * time.Millisecond
	DefaultRadius    = 30.0
)

// Config tunes the clustering rule.
type Config struct {
	Threshold int           // clicks needed to emit
	Window    time.Duration // clicks older than this relative to the newest are forgotten
	Radius    float64       // px, Euclidean distance from the newest click
}

func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold, Window: DefaultWindow, Radius: DefaultRadius}
}

type click struct {
	targetPath []string
	timestamp  int64
	x, y       float64
}

// Detector is fed clicks through ProcessClick by the click handler wiring and
// emits a RageClickEvent when enough of them land close together in time and
// space. It keeps no state beyond a short click history.
type Detector struct {
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	enabled bool
	history []click

	rageClicks *pubsub.Broadcaster[models.RageClickEvent]
}

type Option func(*Detector)

func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) { d.logger = logger }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

func NewDetector(cfg Config, opts ...Option) *Detector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Radius <= 0 {
		cfg.Radius = DefaultRadius
	}
	d := &Detector{cfg: cfg, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	d.rageClicks = pubsub.NewBroadcaster[models.RageClickEvent](d.logger)
	return d
}

// Enable starts detection with an empty history. No-op when already enabled.
func (d *Detector) Enable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.enabled {
		return
	}
	d.enabled = true
	d.history = nil
	d.logger.Info("rage click detection enabled")
}

// Disable stops detection and forgets the history. No-op when already disabled.
func (d *Detector) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled {
		return
	}
	d.enabled = false
	d.history = nil
	d.logger.Info("rage click detection disabled")
}

func (d *Detector) IsEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// Subscribe registers fn for every detected rage click.
func (d *Detector) Subscribe(fn func(models.RageClickEvent)) (unsubscribe func()) {
	return d.rageClicks.Subscribe(fn)
}

// RageClicks returns a buffered channel of detected rage clicks.
func (d *Detector) RageClicks(buffer int) (<-chan models.RageClickEvent, func()) {
	return d.rageClicks.Channel(buffer)
}

// ProcessClick records a click on targetPath at (x, y) and emits a
// RageClickEvent if it completes a cluster. The history is cleared after an
// emission so the same cluster is never reported twice.
func (d *Detector) ProcessClick(targetPath []string, x, y float64) {
	event, ok := d.record(targetPath, x, y)
	if !ok {
		return
	}

	d.logger.Info("rage click detected",
		"path", event.TargetPath,
		"click_count", event.ClickCount,
		"time_span_ms", event.TimeSpan)
	d.metrics.RageClick(context.Background())
	d.rageClicks.Publish(event)
}

func (d *Detector) record(targetPath []string, x, y float64) (models.RageClickEvent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return models.RageClickEvent{}, false
	}

	now := d.now().UnixMilli()
	d.history = append(d.history, click{targetPath: targetPath, timestamp: now, x: x, y: y})

	window := d.cfg.Window.Milliseconds()
	kept := d.history[:0]
	for _, c := range d.history {
		if now-c.timestamp <= window {
			kept = append(kept, c)
		}
	}
	d.history = kept

	var cluster []click
	for _, c := range d.history {
		if withinRadius(c.x, c.y, x, y, d.cfg.Radius) {
			cluster = append(cluster, c)
		}
	}
	if len(cluster) < d.cfg.Threshold {
		return models.RageClickEvent{}, false
	}

	d.history = nil

	path := make([]string, len(targetPath))
	copy(path, targetPath)
	return models.RageClickEvent{
		TargetPath: path,
		Timestamp:  now,
		ClickCount: len(cluster),
		TimeSpan:   cluster[len(cluster)-1].timestamp - cluster[0].timestamp,
		X:          x,
		Y:          y,
	}, true
}

func withinRadius(x1, y1, x2, y2, radius float64) bool {
	return math.Hypot(x2-x1, y2-y1) <= radius
}
