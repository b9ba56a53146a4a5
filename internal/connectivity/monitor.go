// Package connectivity tracks whether the terminal currently has a path
// to the ChefCloud server. State changes are event-driven: the MQTT
// bridge's connect/disconnect handlers feed transitions in, and
// subscribers (the sync-on-reconnect policy, the host UI status
// endpoint) are notified on every change. The monitor itself never
// triggers a sync pass.
package connectivity

import (
	"log/slog"
	"sync"
)

// Monitor holds the current online/offline state.
type Monitor struct {
	mu     sync.RWMutex
	online bool
	subs   []func(online bool)
	logger *slog.Logger
}

// NewMonitor creates a monitor. The terminal starts offline; the first
// successful broker connection flips it online, which also gives the
// composing layer its startup sync pass.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{logger: logger.With("component", "connectivity")}
}

// IsOnline returns the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records a transition. Subscribers are only notified when
// the state actually changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	if online {
		m.logger.Info("connectivity restored")
	} else {
		m.logger.Warn("connectivity lost")
	}
	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers a callback for state transitions.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}
