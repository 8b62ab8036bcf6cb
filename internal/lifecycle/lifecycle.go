// Package lifecycle exposes the host application's foreground state to
// the sync workers.
package lifecycle

import "sync"

// Phase is the app's visibility state.
type Phase string

const (
	Foreground Phase = "foreground"
	Background Phase = "background"
)

// Source is where the workers learn the current phase.
type Source interface {
	Phase() Phase
	// Subscribe returns a channel of subsequent transitions and an
	// unsubscribe func. Delivery coalesces to the latest phase.
	Subscribe() (<-chan Phase, func())
}

// ManualSource is a Source fed by the host shell. A daemon that has no
// notion of backgrounding constructs one pinned to Foreground and never
// calls Set.
type ManualSource struct {
	mu    sync.Mutex
	phase Phase
	next  int
	subs  map[int]chan Phase
}

func NewManualSource(initial Phase) *ManualSource {
	return &ManualSource{phase: initial, subs: make(map[int]chan Phase)}
}

func (s *ManualSource) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.phase
}

func (s *ManualSource) Subscribe() (<-chan Phase, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	ch := make(chan Phase, 1)
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Set records a transition and notifies subscribers. Setting the current
// phase again is a no-op.
func (s *ManualSource) Set(phase Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if phase == s.phase {
		return
	}
	s.phase = phase

	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- phase
	}
}
