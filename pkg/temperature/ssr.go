package temperature

import (
	"sync"

	"ovenctl/pkg/oerr"
)

// Output is the physical switch behind the SSR; the I/O expander mapping
// lives with the driver collaborator.
type Output interface {
	Set(on bool) error
}

// Clock supplies timestamps for SSR events.
type Clock interface {
	NowMS() uint64
}

// Event is one SSR state transition.
type Event struct {
	On          bool
	TimestampMS uint64
}

// Listener receives SSR events in transition order. A single listener
// (the statistics collector) is supported.
type Listener func(Event)

// SSR is the solid-state relay actuator. On and Off are idempotent; only
// real transitions reach the output and the listener.
type SSR struct {
	mu       sync.Mutex
	out      Output
	clock    Clock
	on       bool
	listener Listener
}

// NewSSR creates the actuator. The relay starts off.
func NewSSR(out Output, clock Clock) *SSR {
	return &SSR{out: out, clock: clock}
}

// SetListener installs the single event listener.
func (s *SSR) SetListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// On energizes the relay.
func (s *SSR) On() error {
	return s.set(true)
}

// Off de-energizes the relay.
func (s *SSR) Off() error {
	return s.set(false)
}

// IsOn reports the current relay state.
func (s *SSR) IsOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on
}

func (s *SSR) set(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.on == on {
		return nil
	}
	if err := s.out.Set(on); err != nil {
		return oerr.Wrap(err, oerr.IOFailure, "temperature.SSR", "switch relay")
	}
	s.on = on

	if s.listener != nil {
		s.listener(Event{On: on, TimestampMS: s.clock.NowMS()})
	}
	return nil
}
