package lifecycle

import "sync/atomic"

// Lifecycle tracks process shutdown so readiness can fail while the session
// is being torn down.
type Lifecycle struct {
	draining atomic.Bool
}

func (l *Lifecycle) BeginDrain() {
	if l == nil {
		return
	}
	l.draining.Store(true)
}

func (l *Lifecycle) Draining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
