package control

import (
	"context"
	"sync"
)

// Signal is one snapshot of the control inputs.
type Signal struct {
	Paused bool   `yaml:"paused" json:"paused"`
	Focus  string `yaml:"focus" json:"focus"`
}

// State is the in-process source of truth for control signals. Readers get
// the latest value; subscribers get every change, but a slow subscriber only
// ever sees the most recent one.
type State struct {
	mu          sync.RWMutex
	current     Signal
	subscribers map[chan Signal]struct{}
}

// NewState creates a State holding initial.
func NewState(initial Signal) *State {
	return &State{
		current:     initial,
		subscribers: make(map[chan Signal]struct{}),
	}
}

// Current returns the latest signal.
func (s *State) Current() Signal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Focus returns the current focus domain, or "" when none is set.
func (s *State) Focus() string {
	return s.Current().Focus
}

// Paused reports whether the global pause is requested.
func (s *State) Paused() bool {
	return s.Current().Paused
}

// Publish replaces the current signal and notifies subscribers.
func (s *State) Publish(sig Signal) {
	s.update(func(cur *Signal) { *cur = sig })
}

// SetPaused changes only the pause flag.
func (s *State) SetPaused(paused bool) {
	s.update(func(cur *Signal) { cur.Paused = paused })
}

// SetFocus changes only the focus domain.
func (s *State) SetFocus(focus string) {
	s.update(func(cur *Signal) { cur.Focus = focus })
}

func (s *State) update(fn func(*Signal)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current
	fn(&next)
	if next == s.current {
		return
	}
	s.current = next
	for ch := range s.subscribers {
		offer(ch, next)
	}
}

// Subscribe returns a channel that receives the current signal immediately
// and every later change. The channel is closed when ctx ends.
func (s *State) Subscribe(ctx context.Context) <-chan Signal {
	ch := make(chan Signal, 1)

	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	ch <- s.current
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subscribers, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

// PauseSignal returns a channel of pause transitions, starting with the
// current value. Repeated values are dropped. The channel is closed when ctx
// ends.
func (s *State) PauseSignal(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)
	sub := s.Subscribe(ctx)

	go func() {
		defer close(out)
		var (
			last    bool
			started bool
		)
		for sig := range sub {
			if started && sig.Paused == last {
				continue
			}
			started, last = true, sig.Paused
			select {
			case out <- sig.Paused:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// offer delivers sig, replacing an undelivered older value if needed.
// Callers hold s.mu, so offers to one channel never interleave.
func offer(ch chan Signal, sig Signal) {
	select {
	case ch <- sig:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- sig:
	default:
	}
}
