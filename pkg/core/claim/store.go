package claim

import (
	"fmt"
	"sync/atomic"
)

// Store publishes Draft snapshots. Writers build a new Draft and swap it in whole.
type Store struct {
	current atomic.Pointer[Draft]
}

// NewStore returns a store holding an empty draft.
func NewStore() *Store {
	s := &Store{}
	s.Reset()
	return s
}

// Snapshot returns the current draft by value.
func (s *Store) Snapshot() Draft {
	if d := s.current.Load(); d != nil {
		return *d
	}
	return NewDraft()
}

// Reset replaces the draft with an empty one.
func (s *Store) Reset() {
	d := NewDraft()
	s.current.Store(&d)
}

// Apply merges u into the current draft and publishes the result atomically.
func (s *Store) Apply(u Update) (Draft, Outcome, error) {
	for {
		prev := s.current.Load()
		base := NewDraft()
		if prev != nil {
			base = *prev
		}
		next, outcome, err := base.Apply(u)
		if err != nil {
			return base, outcome, err
		}
		if s.current.CompareAndSwap(prev, &next) {
			return next, outcome, nil
		}
	}
}

// Submit moves a ready draft to submitted.
func (s *Store) Submit() (Draft, error) {
	for {
		prev := s.current.Load()
		base := NewDraft()
		if prev != nil {
			base = *prev
		}
		if base.Status != StatusReady {
			return base, fmt.Errorf("claim is %s, only a ready claim can be submitted", base.Status)
		}
		next := base
		next.Status = StatusSubmitted
		if s.current.CompareAndSwap(prev, &next) {
			return next, nil
		}
	}
}
