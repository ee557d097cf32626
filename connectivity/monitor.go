// Package connectivity tracks the online/offline state of the
// process and triggers a sync drain on recovery.
package connectivity

import (
	"context"
	"log/slog"
	"sync"

	"github.com/abedhatabh-bit/studio-cache/notify"
	"github.com/abedhatabh-bit/studio-cache/telemetry"
)

// State is the connectivity state.
type State string

const (
	Online  State = "online"
	Offline State = "offline"
)

// OnlineFunc is invoked after an offline to online transition.
// Implemented by the sync coordinator's drain.
type OnlineFunc func(ctx context.Context)

// Monitor is a two-state connectivity machine. Transitions are driven
// by explicit signals, never by polling. Repeated signals for the
// current state are ignored.
type Monitor struct {
	logger *slog.Logger
	bus    *notify.Bus
	online OnlineFunc

	mu    sync.RWMutex
	state State
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger for the monitor.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithInitialState sets the starting state. Defaults to online.
func WithInitialState(s State) Option {
	return func(m *Monitor) {
		m.state = s
	}
}

// NewMonitor creates a connectivity monitor. onOnline runs after
// every offline to online transition; it may be nil.
func NewMonitor(bus *notify.Bus, onOnline OnlineFunc, opts ...Option) *Monitor {
	m := &Monitor{
		logger: slog.Default(),
		bus:    bus,
		online: onOnline,
		state:  Online,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current connectivity state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsOnline reports whether the monitor currently considers the
// process online.
func (m *Monitor) IsOnline() bool {
	return m.State() == Online
}

// SetOnline signals that connectivity has returned. On an actual
// transition it broadcasts the change and triggers the drain.
func (m *Monitor) SetOnline(ctx context.Context) {
	if !m.transition(Online) {
		return
	}
	m.logger.Info("connectivity changed", "state", Online)
	telemetry.RecordConnectivityTransition(ctx, string(Online))
	m.bus.Publish(notify.EventConnectivity, map[string]any{"online": true})

	if m.online != nil {
		m.online(ctx)
	}
}

// SetOffline signals that connectivity has been lost. Only a
// notification is broadcast; the queue is left untouched.
func (m *Monitor) SetOffline(ctx context.Context) {
	if !m.transition(Offline) {
		return
	}
	m.logger.Info("connectivity changed", "state", Offline)
	telemetry.RecordConnectivityTransition(ctx, string(Offline))
	m.bus.Publish(notify.EventConnectivity, map[string]any{"online": false})
}

// transition swaps the state and reports whether it actually changed.
func (m *Monitor) transition(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == to {
		return false
	}
	m.state = to
	return true
}
