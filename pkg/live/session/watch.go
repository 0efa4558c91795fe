package session

import (
	"math"
)

// Watch returns a channel that receives a signal after state, draft, transcript
// or volume changes. Signals coalesce; read Snapshot after each one. Call the
// returned function to unsubscribe.
func (m *Machine) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.watchMu.Lock()
	m.watchSeq++
	id := m.watchSeq
	m.watchers[id] = ch
	m.watchMu.Unlock()

	return ch, func() {
		m.watchMu.Lock()
		delete(m.watchers, id)
		m.watchMu.Unlock()
	}
}

func (m *Machine) notify() {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	for _, ch := range m.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// publish makes the loop's state visible to readers and wakes watchers.
func (m *Machine) publish() {
	cur := m.status.Load()
	if cur == nil || cur.state != m.state || cur.err != m.errMsg {
		m.status.Store(&status{state: m.state, err: m.errMsg})
	}
	m.notify()
}

func (m *Machine) storeVolume(v float64) {
	old := math.Float64frombits(m.volume.Swap(math.Float64bits(v)))
	if old != v {
		m.notify()
	}
}

func (m *Machine) loadVolume() float64 {
	return math.Float64frombits(m.volume.Load())
}
