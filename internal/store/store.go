// Package store keeps the bounded, validated collection of recorded sessions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/golang/snappy"

	"github.com/vincentbai/traceflow-agent/internal/kv"
	"github.com/vincentbai/traceflow-agent/internal/models"
	"github.com/vincentbai/traceflow-agent/internal/pubsub"
)

const (
	// DefaultKey is the storage key holding the session array.
	DefaultKey = "traceflow_sessions"
	// DefaultMaxSessions is the retention cap.
	DefaultMaxSessions = 10
)

// ErrInvalidSession is returned by Save for a record that would fail
// structural validation on load.
var ErrInvalidSession = errors.New("invalid session record")

// Store persists sessions as one JSON array blob under a single key, newest
// first, and publishes the resulting collection after every change.
type Store struct {
	backend     kv.Store
	key         string
	maxSessions int
	compress    bool
	logger      *slog.Logger

	mu       sync.Mutex // serializes read-modify-write cycles
	sessions *pubsub.Value[[]models.SessionRecord]
}

type Option func(*Store)

func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

func WithMaxSessions(n int) Option {
	return func(s *Store) { s.maxSessions = n }
}

// WithCompression stores the blob snappy-encoded.
func WithCompression(enabled bool) Option {
	return func(s *Store) { s.compress = enabled }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func New(backend kv.Store, opts ...Option) *Store {
	s := &Store{
		backend:     backend,
		key:         DefaultKey,
		maxSessions: DefaultMaxSessions,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxSessions <= 0 {
		s.maxSessions = DefaultMaxSessions
	}
	s.sessions = pubsub.NewValue[[]models.SessionRecord](nil, s.logger)
	return s
}

// Save merges rec into the persisted collection by session id, re-sorts by
// start time descending, applies the retention cap and persists. Subscribers
// see the new collection only once it has been written.
func (s *Store) Save(ctx context.Context, rec models.SessionRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("%w: session id cannot be empty", ErrInvalidSession)
	}
	rec = rec.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.read(ctx)
	if err != nil {
		return err
	}

	idx := slices.IndexFunc(existing, func(r models.SessionRecord) bool {
		return r.SessionID == rec.SessionID
	})
	if idx >= 0 {
		existing[idx] = rec
	} else {
		existing = append(existing, rec)
	}

	slices.SortStableFunc(existing, func(a, b models.SessionRecord) int {
		switch {
		case a.StartTime > b.StartTime:
			return -1
		case a.StartTime < b.StartTime:
			return 1
		}
		return 0
	})
	if len(existing) > s.maxSessions {
		existing = existing[:s.maxSessions]
	}

	if err := s.write(ctx, existing); err != nil {
		return err
	}
	s.sessions.Set(existing)
	return nil
}

// LoadAll reads and validates the persisted collection and publishes it.
// Invalid entries are dropped, a corrupt blob is erased. Faults are logged,
// never returned.
func (s *Store) LoadAll(ctx context.Context) []models.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.read(ctx)
	if err != nil {
		s.logger.Warn("failed to load sessions", "error", err)
		sessions = nil
	}
	s.sessions.Set(sessions)
	return sessions
}

// GetByID looks id up in the currently published collection.
func (s *Store) GetByID(id string) (models.SessionRecord, bool) {
	if id == "" {
		return models.SessionRecord{}, false
	}
	for _, rec := range s.sessions.Get() {
		if rec.SessionID == id {
			return rec.Clone(), true
		}
	}
	return models.SessionRecord{}, false
}

// ClearAll erases the persisted collection and publishes an empty one.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}
	s.sessions.Set(nil)
	s.logger.Info("all sessions cleared")
	return nil
}

// Sessions returns the currently published collection.
func (s *Store) Sessions() []models.SessionRecord {
	return slices.Clone(s.sessions.Get())
}

// Subscribe calls fn with the current collection and again after every change.
func (s *Store) Subscribe(fn func([]models.SessionRecord)) (unsubscribe func()) {
	return s.sessions.Subscribe(fn)
}

// read returns the valid persisted sessions. A missing, non-array or corrupt
// blob reads as empty; a corrupt one is also deleted.
func (s *Store) read(ctx context.Context) ([]models.SessionRecord, error) {
	raw, err := s.backend.Get(ctx, s.key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}

	sessions, err := decodeSessions(decodeBlob(raw))
	if err == nil {
		return sessions, nil
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		s.logger.Warn("persisted sessions are not an array, ignoring", "key", s.key)
		return nil, nil
	}

	s.logger.Warn("persisted sessions are corrupt, resetting", "key", s.key, "error", err)
	if err := s.backend.Delete(ctx, s.key); err != nil {
		s.logger.Error("failed to delete corrupt sessions", "key", s.key, "error", err)
	}
	return nil, nil
}

func (s *Store) write(ctx context.Context, sessions []models.SessionRecord) error {
	if sessions == nil {
		sessions = []models.SessionRecord{}
	}
	data, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("failed to marshal sessions: %w", err)
	}
	if s.compress {
		data = snappy.Encode(nil, data)
	}
	if err := s.backend.Set(ctx, s.key, data); err != nil {
		return fmt.Errorf("failed to persist sessions: %w", err)
	}
	return nil
}
