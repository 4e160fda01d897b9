package server

import (
	"errors"
	"sync"
	"time"

	"github.com/vincentbai/traceflow-agent/internal/capture"
	"github.com/vincentbai/traceflow-agent/internal/format"
	"github.com/vincentbai/traceflow-agent/internal/models"
)

var errAlreadyAttached = errors.New("a listener is already attached")

// Platform is the page-side capability set as seen over HTTP: the page posts
// raw signals, mutations and its environment, and Platform hands them to
// whichever capture source is attached.
type Platform struct {
	mu          sync.RWMutex
	onSignal    func(capture.Signal)
	onMutation  func(capture.Mutation)
	environment map[string]any
	now         func() time.Time
}

var (
	_ capture.InputSource    = (*Platform)(nil)
	_ capture.MutationSource = (*Platform)(nil)
)

func NewPlatform() *Platform {
	return &Platform{environment: map[string]any{}, now: time.Now}
}

func (p *Platform) Listen(handler func(capture.Signal)) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onSignal != nil {
		return nil, errAlreadyAttached
	}
	p.onSignal = handler
	return func() {
		p.mu.Lock()
		p.onSignal = nil
		p.mu.Unlock()
	}, nil
}

func (p *Platform) ObserveMutations(handler func(capture.Mutation)) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onMutation != nil {
		return nil, errAlreadyAttached
	}
	p.onMutation = handler
	return func() {
		p.mu.Lock()
		p.onMutation = nil
		p.mu.Unlock()
	}, nil
}

// DeliverSignal passes sig to the attached listener. Reports false when
// nothing is listening.
func (p *Platform) DeliverSignal(sig capture.Signal) bool {
	p.mu.RLock()
	handler := p.onSignal
	p.mu.RUnlock()
	if handler == nil {
		return false
	}
	handler(sig)
	return true
}

func (p *Platform) DeliverMutation(m capture.Mutation) bool {
	p.mu.RLock()
	handler := p.onMutation
	p.mu.RUnlock()
	if handler == nil {
		return false
	}
	handler(m)
	return true
}

// SetEnvironment replaces the page environment reported to new sessions.
func (p *Platform) SetEnvironment(env map[string]any) {
	copied := make(map[string]any, len(env))
	for k, v := range env {
		copied[k] = v
	}
	p.mu.Lock()
	p.environment = copied
	p.mu.Unlock()
}

// Collect returns the last posted environment, stamped with the collection
// time and, when a user agent is known, the detected browser and device.
func (p *Platform) Collect() map[string]any {
	p.mu.RLock()
	env := make(map[string]any, len(p.environment)+3)
	for k, v := range p.environment {
		env[k] = v
	}
	p.mu.RUnlock()

	env[models.MetaTimestamp] = p.now().UnixMilli()
	if ua, ok := env[models.MetaUserAgent].(string); ok && ua != "" {
		env["browser"] = format.DetectBrowser(ua)
		env["deviceType"] = format.DetectDeviceType(ua)
	}
	return env
}
