// Package config provides configuration for the TraceFlow agent.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "TRACEFLOW_"

// Storage backends.
const (
	StorageSQLite = "sqlite"
	StorageBadger = "badger"
	StorageMemory = "memory"
)

// Config holds the agent configuration.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	HTTP      HTTPConfig      `json:"http" yaml:"http"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Capture   CaptureConfig   `json:"capture" yaml:"capture"`
	RageClick RageClickConfig `json:"rage_click" yaml:"rage_click"`
	Recorder  RecorderConfig  `json:"recorder" yaml:"recorder"`
	Replay    ReplayConfig    `json:"replay" yaml:"replay"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
}

// StorageConfig selects and tunes the session persistence backend.
type StorageConfig struct {
	// Type is the backend: sqlite, badger, memory
	Type string `json:"type" yaml:"type"`

	// Path is the database file (sqlite) or directory (badger)
	Path string `json:"path" yaml:"path"`

	// Key is the storage key holding the session array
	Key string `json:"key" yaml:"key"`

	// MaxSessions is the retention cap
	MaxSessions int `json:"max_sessions" yaml:"max_sessions"`

	// Compress stores the session blob snappy-encoded
	Compress bool `json:"compress" yaml:"compress"`
}

type CaptureConfig struct {
	// PointerSamplePercent is the share of pointer moves kept (0-100)
	PointerSamplePercent uint32 `json:"pointer_sample_percent" yaml:"pointer_sample_percent"`

	ObserveMutations bool `json:"observe_mutations" yaml:"observe_mutations"`
}

type RageClickConfig struct {
	Enabled   bool          `json:"enabled" yaml:"enabled"`
	Threshold int           `json:"threshold" yaml:"threshold"`
	Window    time.Duration `json:"window" yaml:"window"`
	Radius    float64       `json:"radius" yaml:"radius"`
}

type RecorderConfig struct {
	// FlushEvery is the number of events between persistence flushes
	FlushEvery int `json:"flush_every" yaml:"flush_every"`

	// AutoStart begins recording as soon as the agent starts
	AutoStart bool `json:"auto_start" yaml:"auto_start"`
}

type ReplayConfig struct {
	Tick         time.Duration `json:"tick" yaml:"tick"`
	MarkerTTL    time.Duration `json:"marker_ttl" yaml:"marker_ttl"`
	DefaultSpeed float64       `json:"default_speed" yaml:"default_speed"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // auto, text, json
}

type TelemetryConfig struct {
	// OTLPEndpoint enables OTLP/HTTP metric export when set
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`

	// TrackLogErrors records error logs as custom events in the active session
	TrackLogErrors bool `json:"track_log_errors" yaml:"track_log_errors"`
}

// jsonDuration decodes a duration string such as "250ms" or an integer
// count of nanoseconds, matching how YAML config files spell durations.
type jsonDuration time.Duration

func (d *jsonDuration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = jsonDuration(parsed)
	case float64:
		*d = jsonDuration(time.Duration(value))
	default:
		return fmt.Errorf("invalid duration %s", data)
	}
	return nil
}

func (h *HTTPConfig) UnmarshalJSON(data []byte) error {
	type plain HTTPConfig
	aux := struct {
		*plain
		ReadTimeout  *jsonDuration `json:"read_timeout"`
		WriteTimeout *jsonDuration `json:"write_timeout"`
	}{
		plain:        (*plain)(h),
		ReadTimeout:  (*jsonDuration)(&h.ReadTimeout),
		WriteTimeout: (*jsonDuration)(&h.WriteTimeout),
	}
	return json.Unmarshal(data, &aux)
}

func (r *RageClickConfig) UnmarshalJSON(data []byte) error {
	type plain RageClickConfig
	aux := struct {
		*plain
		Window *jsonDuration `json:"window"`
	}{
		plain:  (*plain)(r),
		Window: (*jsonDuration)(&r.Window),
	}
	return json.Unmarshal(data, &aux)
}

func (r *ReplayConfig) UnmarshalJSON(data []byte) error {
	type plain ReplayConfig
	aux := struct {
		*plain
		Tick      *jsonDuration `json:"tick"`
		MarkerTTL *jsonDuration `json:"marker_ttl"`
	}{
		plain:     (*plain)(r),
		Tick:      (*jsonDuration)(&r.Tick),
		MarkerTTL: (*jsonDuration)(&r.MarkerTTL),
	}
	return json.Unmarshal(data, &aux)
}

// DefaultConfig returns the default configuration for a local agent.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "",
		HTTP: HTTPConfig{
			Addr:         "127.0.0.1:8123",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Type:        StorageSQLite,
			Key:         "traceflow_sessions",
			MaxSessions: 10,
		},
		Capture: CaptureConfig{
			PointerSamplePercent: 50,
			ObserveMutations:     true,
		},
		RageClick: RageClickConfig{
			Enabled:   true,
			Threshold: 3,
			Window:    2 * time.Second,
			Radius:    30,
		},
		Recorder: RecorderConfig{
			FlushEvery: 50,
		},
		Replay: ReplayConfig{
			Tick:         16 * time.Millisecond,
			MarkerTTL:    500 * time.Millisecond,
			DefaultSpeed: 1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// AppDataDir returns the platform-specific application data directory.
func AppDataDir() (string, error) {
	homeDirectory, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDirectory, "Library", "Application Support", "TraceFlow"), nil
	case "windows":
		return filepath.Join(homeDirectory, "AppData", "Roaming", "TraceFlow"), nil
	default: // linux and others
		return filepath.Join(homeDirectory, ".local", "share", "TraceFlow"), nil
	}
}

// Resolve fills in paths derived from DataDir.
func (c *Config) Resolve() error {
	if c.DataDir == "" {
		dir, err := AppDataDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}

	if c.Storage.Path == "" {
		switch c.Storage.Type {
		case StorageSQLite:
			c.Storage.Path = filepath.Join(c.DataDir, "sessions.db")
		case StorageBadger:
			c.Storage.Path = filepath.Join(c.DataDir, "sessions")
		}
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Storage.Type {
	case StorageSQLite, StorageBadger, StorageMemory:
	default:
		return fmt.Errorf("invalid storage type: %s (must be sqlite, badger, or memory)", c.Storage.Type)
	}
	if c.Storage.Key == "" {
		return fmt.Errorf("storage.key is required")
	}
	if c.Storage.MaxSessions < 1 {
		return fmt.Errorf("storage.max_sessions must be at least 1, got %d", c.Storage.MaxSessions)
	}

	if c.Capture.PointerSamplePercent > 100 {
		return fmt.Errorf("capture.pointer_sample_percent must be between 0 and 100, got %d", c.Capture.PointerSamplePercent)
	}

	if c.RageClick.Threshold < 2 {
		return fmt.Errorf("rage_click.threshold must be at least 2, got %d", c.RageClick.Threshold)
	}
	if c.RageClick.Window <= 0 {
		return fmt.Errorf("rage_click.window must be positive")
	}
	if c.RageClick.Radius <= 0 {
		return fmt.Errorf("rage_click.radius must be positive")
	}

	if c.Recorder.FlushEvery < 1 {
		return fmt.Errorf("recorder.flush_every must be at least 1, got %d", c.Recorder.FlushEvery)
	}

	if c.Replay.Tick <= 0 {
		return fmt.Errorf("replay.tick must be positive")
	}
	if c.Replay.DefaultSpeed <= 0 {
		return fmt.Errorf("replay.default_speed must be positive, got %v", c.Replay.DefaultSpeed)
	}

	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be auto, text, or json)", c.Log.Format)
	}

	return nil
}

// EnsureDirectories creates the data directory and the storage parent.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	switch c.Storage.Type {
	case StorageSQLite:
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	case StorageBadger:
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Load builds the effective configuration: defaults, then the optional
// config file, then a .env file in the working directory, then TRACEFLOW_
// environment variables.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	LoadFromEnv(cfg)

	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overrides cfg from environment variables with the TRACEFLOW_
// prefix. Unparsable values are ignored.
func LoadFromEnv(cfg *Config) {
	setString("DATA_DIR", &cfg.DataDir)

	// HTTP configuration
	setString("ADDRESS", &cfg.HTTP.Addr)
	setString("HTTP_ADDR", &cfg.HTTP.Addr)
	setDuration("HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	setDuration("HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)

	// Storage configuration
	setString("STORAGE_TYPE", &cfg.Storage.Type)
	setString("STORAGE_PATH", &cfg.Storage.Path)
	setString("STORAGE_KEY", &cfg.Storage.Key)
	setInt("STORAGE_MAX_SESSIONS", &cfg.Storage.MaxSessions)
	setBool("STORAGE_COMPRESS", &cfg.Storage.Compress)

	// Capture configuration
	if v := os.Getenv(envPrefix + "CAPTURE_POINTER_SAMPLE_PERCENT"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Capture.PointerSamplePercent = uint32(n)
		}
	}
	setBool("CAPTURE_OBSERVE_MUTATIONS", &cfg.Capture.ObserveMutations)

	// Rage click configuration
	setBool("RAGE_CLICK_ENABLED", &cfg.RageClick.Enabled)
	setInt("RAGE_CLICK_THRESHOLD", &cfg.RageClick.Threshold)
	setDuration("RAGE_CLICK_WINDOW", &cfg.RageClick.Window)
	setFloat("RAGE_CLICK_RADIUS", &cfg.RageClick.Radius)

	// Recorder configuration
	setInt("RECORDER_FLUSH_EVERY", &cfg.Recorder.FlushEvery)
	setBool("RECORDER_AUTO_START", &cfg.Recorder.AutoStart)

	// Replay configuration
	setDuration("REPLAY_TICK", &cfg.Replay.Tick)
	setDuration("REPLAY_MARKER_TTL", &cfg.Replay.MarkerTTL)
	setFloat("REPLAY_DEFAULT_SPEED", &cfg.Replay.DefaultSpeed)

	setString("LOG_LEVEL", &cfg.Log.Level)
	setString("LOG_FORMAT", &cfg.Log.Format)

	setString("TELEMETRY_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	setBool("TELEMETRY_TRACK_LOG_ERRORS", &cfg.Telemetry.TrackLogErrors)
}

func setString(name string, dst *string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = v
	}
}

func setInt(name string, dst *int) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(name string, dst *float64) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(name string, dst *bool) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func setDuration(name string, dst *time.Duration) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
