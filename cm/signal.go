package cm

import (
	"context"
	"sync"
)

// readySignal is an edge-triggered wait primitive: Set releases all current
// and future waiters until Clear arms it again.
type readySignal struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{} // closed while set
}

func newReadySignal() *readySignal {
	return &readySignal{ch: make(chan struct{})}
}

func (s *readySignal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		s.set = true
		close(s.ch)
	}
}

func (s *readySignal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		s.set = false
		s.ch = make(chan struct{})
	}
}

func (s *readySignal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Wait blocks until the signal is set or the context ends.
func (s *readySignal) Wait(ctx context.Context) error {
	s.mu.Lock()
	ch := s.ch
	set := s.set
	s.mu.Unlock()
	if set {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}
