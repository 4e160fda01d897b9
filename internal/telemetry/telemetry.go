// Package telemetry builds the agent's structured logger and otel instruments.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationName = "github.com/vincentbai/traceflow-agent"

// NewLogger returns a slog logger writing to w. format is "text", "json" or
// "auto"; auto picks text when w is a terminal.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	useText := format == "text"
	if format == "auto" || format == "" {
		if f, ok := w.(*os.File); ok {
			useText = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	}
	if useText {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel maps a level name to a slog.Level, defaulting to Info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupMetrics installs an OTLP/HTTP meter provider when endpoint is set.
// With an empty endpoint the global no-op provider stays in place.
// The returned shutdown flushes pending exports.
func SetupMetrics(ctx context.Context, endpoint string) (shutdown func(context.Context) error, err error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(endpoint),
		otlpmetrichttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}

// GetMeter returns the agent meter from the global provider.
func GetMeter() metric.Meter {
	return otel.Meter(instrumentationName)
}

// Metrics groups the counters the core components report to.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsCaptured   metric.Int64Counter
	eventsSampledOut metric.Int64Counter
	rageClicks       metric.Int64Counter
	sessionsFlushed  metric.Int64Counter
	replayDispatched metric.Int64Counter
}

// NewMetrics creates every counter on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	if m.eventsCaptured, err = meter.Int64Counter("traceflow.events.captured",
		metric.WithDescription("Tracking events emitted by the capture source")); err != nil {
		return nil, fmt.Errorf("failed to create events counter: %w", err)
	}
	if m.eventsSampledOut, err = meter.Int64Counter("traceflow.events.sampled_out",
		metric.WithDescription("Pointer-move signals dropped by sampling")); err != nil {
		return nil, fmt.Errorf("failed to create sampling counter: %w", err)
	}
	if m.rageClicks, err = meter.Int64Counter("traceflow.rage_clicks",
		metric.WithDescription("Rage click clusters detected")); err != nil {
		return nil, fmt.Errorf("failed to create rage click counter: %w", err)
	}
	if m.sessionsFlushed, err = meter.Int64Counter("traceflow.sessions.flushed",
		metric.WithDescription("Session snapshots handed to the store")); err != nil {
		return nil, fmt.Errorf("failed to create flush counter: %w", err)
	}
	if m.replayDispatched, err = meter.Int64Counter("traceflow.replay.events_dispatched",
		metric.WithDescription("Events dispatched to a replay surface")); err != nil {
		return nil, fmt.Errorf("failed to create replay counter: %w", err)
	}
	return &m, nil
}

func (m *Metrics) EventCaptured(ctx context.Context) {
	if m != nil {
		m.eventsCaptured.Add(ctx, 1)
	}
}

func (m *Metrics) EventSampledOut(ctx context.Context) {
	if m != nil {
		m.eventsSampledOut.Add(ctx, 1)
	}
}

func (m *Metrics) RageClick(ctx context.Context) {
	if m != nil {
		m.rageClicks.Add(ctx, 1)
	}
}

func (m *Metrics) SessionFlushed(ctx context.Context) {
	if m != nil {
		m.sessionsFlushed.Add(ctx, 1)
	}
}

func (m *Metrics) ReplayDispatched(ctx context.Context) {
	if m != nil {
		m.replayDispatched.Add(ctx, 1)
	}
}
