package replay

import (
	"fmt"
	"io"
	"sync"
)

// MarkerID identifies a click marker shown on a Surface.
type MarkerID uint64

// Surface is the render target a replay draws onto. Implementations must be
// safe for use from multiple goroutines: click markers are removed from timer
// callbacks.
type Surface interface {
	MoveCursor(x, y float64) error
	ShowClickMarker(x, y float64) (MarkerID, error)
	RemoveClickMarker(id MarkerID) error
	SetScrollOffset(x, y float64) error
	// Reset removes every marker and returns the cursor and scroll offset to
	// their initial positions.
	Reset() error
}

// WriterSurface renders a replay as one text line per surface operation.
type WriterSurface struct {
	mu      sync.Mutex
	w       io.Writer
	nextID  MarkerID
	markers map[MarkerID]struct{}
}

func NewWriterSurface(w io.Writer) *WriterSurface {
	return &WriterSurface{w: w, markers: make(map[MarkerID]struct{})}
}

func (s *WriterSurface) MoveCursor(x, y float64) error {
	return s.printf("cursor  %7.1f %7.1f\n", x, y)
}

func (s *WriterSurface) ShowClickMarker(x, y float64) (MarkerID, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.markers[id] = struct{}{}
	s.mu.Unlock()
	return id, s.printf("click   %7.1f %7.1f  marker=%d\n", x, y, id)
}

func (s *WriterSurface) RemoveClickMarker(id MarkerID) error {
	s.mu.Lock()
	_, ok := s.markers[id]
	delete(s.markers, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.printf("unmark  marker=%d\n", id)
}

func (s *WriterSurface) SetScrollOffset(x, y float64) error {
	return s.printf("scroll  %7.1f %7.1f\n", x, y)
}

func (s *WriterSurface) Reset() error {
	s.mu.Lock()
	clear(s.markers)
	s.mu.Unlock()
	return s.printf("reset\n")
}

// Markers reports how many click markers are currently shown.
func (s *WriterSurface) Markers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.markers)
}

func (s *WriterSurface) printf(format string, args ...any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, format, args...)
	return err
}
