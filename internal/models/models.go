package models

import "fmt"

// EventType names the kind of interaction a TrackingEvent records.
type EventType string

const (
	EventClick       EventType = "click"
	EventPointerMove EventType = "pointermove"
	EventScroll      EventType = "scroll"
	EventResize      EventType = "resize"
	EventFocus       EventType = "focus"
	EventBlur        EventType = "blur"
	EventInput       EventType = "input"
	EventMutation    EventType = "mutation"
	EventCustom      EventType = "custom"
)

// RedactedValue replaces the value of any input classified as sensitive.
const RedactedValue = "[REDACTED]"

var validEventTypes = map[EventType]bool{
	EventClick:       true,
	EventPointerMove: true,
	EventScroll:      true,
	EventResize:      true,
	EventFocus:       true,
	EventBlur:        true,
	EventInput:       true,
	EventMutation:    true,
	EventCustom:      true,
}

type TrackingEvent struct {
	Type       EventType      `json:"type"`
	Timestamp  int64          `json:"timestamp"`            // unix ms
	X          *float64       `json:"x,omitempty"`          // nullable
	Y          *float64       `json:"y,omitempty"`          // nullable
	TargetPath []string       `json:"targetPath,omitempty"` // ancestor identifiers, outermost first
	Data       map[string]any `json:"data,omitempty"`       // arbitrary JSON
}

// Point returns the event coordinates when both are present.
func (e TrackingEvent) Point() (x, y float64, ok bool) {
	if e.X == nil || e.Y == nil {
		return 0, 0, false
	}
	return *e.X, *e.Y, true
}

// At sets both coordinates.
func (e *TrackingEvent) At(x, y float64) {
	e.X = &x
	e.Y = &y
}

func ValidateEvent(event TrackingEvent) error {
	if event.Type == "" {
		return fmt.Errorf("type cannot be empty")
	}
	if !validEventTypes[event.Type] {
		return fmt.Errorf("invalid event type: %s", event.Type)
	}
	if event.Timestamp <= 0 {
		return fmt.Errorf("timestamp must be positive")
	}
	return nil
}

// Metadata keys collected when a session starts.
const (
	MetaUserAgent    = "userAgent"
	MetaScreenWidth  = "screenWidth"
	MetaScreenHeight = "screenHeight"
	MetaURL          = "url"
	MetaReferrer     = "referrer"
	MetaLanguage     = "language"
	MetaTimezone     = "timezone"
	MetaTimestamp    = "timestamp"
)

type SessionRecord struct {
	SessionID string          `json:"sessionId"`
	StartTime int64           `json:"startTime"` // unix ms
	Events    []TrackingEvent `json:"events"`
	Metadata  map[string]any  `json:"metadata"`
}

// Clone returns a snapshot that shares no mutable slice or map with s.
// Events are treated as immutable once emitted, so only the containers are copied.
func (s SessionRecord) Clone() SessionRecord {
	out := SessionRecord{
		SessionID: s.SessionID,
		StartTime: s.StartTime,
		Events:    make([]TrackingEvent, len(s.Events)),
		Metadata:  make(map[string]any, len(s.Metadata)),
	}
	copy(out.Events, s.Events)
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	return out
}

// Duration is the span between the first and last event in ms.
func (s SessionRecord) Duration() int64 {
	if len(s.Events) < 2 {
		return 0
	}
	return s.Events[len(s.Events)-1].Timestamp - s.Events[0].Timestamp
}

// RageClickEvent is a derived frustration signal. It is streamed, never persisted.
type RageClickEvent struct {
	TargetPath []string `json:"targetPath"`
	Timestamp  int64    `json:"timestamp"`
	ClickCount int      `json:"clickCount"`
	TimeSpan   int64    `json:"timeSpan"` // ms between oldest and newest click in the cluster
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
}
