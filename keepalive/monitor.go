// Package keepalive implements the bidirectional heartbeat state machine
// that detects a ClientNode gone silent and triggers its disconnection.
package keepalive

import (
	"sync"
	"time"
)

// State is one of the three states a Monitor can be in.
type State int

const (
	// StateIdle is waiting for the next timeout window to elapse.
	StateIdle State = iota
	// StateAwaitingPong has sent a ping and is waiting for any inbound
	// frame (not necessarily a pong specifically) to clear it.
	StateAwaitingPong
	// StateClosed has fired its timeout callback and will not fire again.
	StateClosed
)

// Monitor tracks liveness for a single ClientNode. Touch resets the clock
// on any inbound frame (the server honors client-initiated keep-alives the
// same as it sends its own). Start arms the timer; Stop disarms it
// permanently, used when the node disconnects for any other reason.
type Monitor struct {
	interval time.Duration
	onPing   func()
	onTimeout func()

	mu    sync.Mutex
	state State
	timer *time.Timer
}

// New builds a Monitor with the given ping interval. onPing is called each
// time the interval elapses without a Touch (the caller is expected to
// write an actual ping frame); onTimeout is called if a second interval
// elapses with still no Touch, at which point the Monitor transitions to
// StateClosed and stops scheduling itself again.
func New(interval time.Duration, onPing, onTimeout func()) *Monitor {
	return &Monitor{
		interval:  interval,
		onPing:    onPing,
		onTimeout: onTimeout,
		state:     StateIdle,
	}
}

// Start arms the first timer. Calling Start on an already-started Monitor
// is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil || m.state == StateClosed {
		return
	}
	m.timer = time.AfterFunc(m.interval, m.fireIdle)
}

func (m *Monitor) fireIdle() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StateAwaitingPong
	m.timer = time.AfterFunc(m.interval, m.fireTimeout)
	m.mu.Unlock()
	if m.onPing != nil {
		m.onPing()
	}
}

func (m *Monitor) fireTimeout() {
	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.state = StateClosed
	m.timer = nil
	m.mu.Unlock()
	if m.onTimeout != nil {
		m.onTimeout()
	}
}

// Touch records an inbound frame, clearing any pending timeout and
// restarting the idle window. Safe to call from any goroutine, including
// concurrently with Start.
func (m *Monitor) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.state = StateIdle
	m.timer = time.AfterFunc(m.interval, m.fireIdle)
}

// Stop permanently disarms the Monitor without invoking onTimeout.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.state = StateClosed
}

// State reports the Monitor's current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
