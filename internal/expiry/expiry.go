// Package expiry owns the decision-window timers of outstanding offers. It is
// the only place that decides whether an offer has timed out.
package expiry

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	stateArmed int32 = iota
	stateFired
	stateCancelled
)

// Handle is the timer of one offer. Exactly one of fire and cancel wins.
type Handle struct {
	offerID  string
	deadline time.Time
	state    atomic.Int32
	timer    *time.Timer
	expired  chan struct{}
	m        *Manager
}

// Deadline is when the offer expires unless cancelled first.
func (h *Handle) Deadline() time.Time { return h.deadline }
func (h *Handle) Fired() bool { return h.state.Load() == stateFired }
func (h *Handle) Cancelled() bool { return h.state.Load() == stateCancelled }
func (h *Handle) Expired() <-chan struct{} { return h.expired }

// Manager arms and cancels offer timers.
type Manager struct {
	mu      sync.Mutex
	handles map[string]*Handle

	// OnExpire, when set, runs on the timer goroutine after an offer expires.
	OnExpire func(offerID string)
}

func NewManager() *Manager {
	return &Manager{handles: make(map[string]*Handle)}
}

// Arm starts the decision window for offerID. Arming an id that still has a
// live timer cancels the old one first.
func (m *Manager) Arm(offerID string, d time.Duration) *Handle {
	h := &Handle{
		offerID:  offerID,
		deadline: time.Now().Add(d),
		expired:  make(chan struct{}),
		m:        m,
	}
	m.mu.Lock()
	if old, ok := m.handles[offerID]; ok {
		m.mu.Unlock()
		m.Cancel(old)
		m.mu.Lock()
	}
	m.handles[offerID] = h
	h.timer = time.AfterFunc(d, h.fire)
	m.mu.Unlock()
	return h
}

func (h *Handle) fire() {
	if !h.state.CompareAndSwap(stateArmed, stateFired) {
		return
	}
	h.m.forget(h)
	close(h.expired)
	if fn := h.m.OnExpire; fn != nil {
		fn(h.offerID)
	}
}

// Cancel stops the timer. It returns true only if the offer had not expired
// and was not already cancelled; cancelling a fired or cancelled handle is a
// no-op.
func (m *Manager) Cancel(h *Handle) bool {
	if h == nil || !h.state.CompareAndSwap(stateArmed, stateCancelled) {
		return false
	}
	h.timer.Stop()
	m.forget(h)
	return true
}

// Pending is the number of armed timers.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Stop cancels every armed timer.
func (m *Manager) Stop() {
	m.mu.Lock()
	hs := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		hs = append(hs, h)
	}
	m.mu.Unlock()
	for _, h := range hs {
		m.Cancel(h)
	}
}

func (m *Manager) forget(h *Handle) {
	m.mu.Lock()
	if cur, ok := m.handles[h.offerID]; ok && cur == h {
		delete(m.handles, h.offerID)
	}
	m.mu.Unlock()
}
