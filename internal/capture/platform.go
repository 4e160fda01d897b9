package capture

import "errors"

// ErrUnsupported is returned by a platform that lacks a capability.
var ErrUnsupported = errors.New("capability not supported")

// SignalKind is the raw platform signal name.
type SignalKind string

const (
	SignalClick       SignalKind = "click"
	SignalPointerMove SignalKind = "pointermove"
	SignalScroll      SignalKind = "scroll"
	SignalResize      SignalKind = "resize"
	SignalFocus       SignalKind = "focus"
	SignalBlur        SignalKind = "blur"
	SignalInput       SignalKind = "input"
)

// Signal is one raw input notification from the page.
type Signal struct {
	Kind      SignalKind `json:"kind"`
	TimeStamp float64    `json:"timeStamp"` // platform event clock, ms since page load
	ClientX   float64    `json:"clientX,omitempty"`
	ClientY   float64    `json:"clientY,omitempty"`
	Button    int        `json:"button,omitempty"`
	Target    *Element   `json:"target,omitempty"`
	ScrollX   float64    `json:"scrollX,omitempty"`
	ScrollY   float64    `json:"scrollY,omitempty"`
	Width     int        `json:"width,omitempty"`
	Height    int        `json:"height,omitempty"`
}

// Mutation is one observed structural, attribute or text change.
type Mutation struct {
	Type   string   `json:"type"` // childList | attributes | characterData
	Target *Element `json:"target,omitempty"`
}

// InputSource is the platform's input event capability. Listen attaches
// handler to the live input surface; detach removes it.
type InputSource interface {
	Listen(handler func(Signal)) (detach func(), err error)
}

// MutationSource is the optional mutation-observation capability of an
// InputSource. Implementations return ErrUnsupported when observation is
// unavailable at runtime.
type MutationSource interface {
	ObserveMutations(handler func(Mutation)) (disconnect func(), err error)
}
