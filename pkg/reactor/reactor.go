// Package reactor provides the monotonic clock and task scheduler for the
// controller host. It replaces the RTOS primitives the firmware grew up
// with: task spawning, cooperative sleep, and coarse periodic timers, all
// built on goroutines and channels.
package reactor

import (
	"sync"
	"sync/atomic"
	"time"

	"ovenctl/pkg/oerr"
)

// TickerCallback is invoked on the dedicated timer goroutine at each
// period. Callbacks must not block for longer than their period.
type TickerCallback func(nowMS uint64)

// Ticker is a periodic timer registered with EveryMS.
type Ticker struct {
	stop chan struct{}
	once sync.Once
}

// Stop cancels the ticker. Safe to call more than once.
func (t *Ticker) Stop() {
	t.once.Do(func() { close(t.stop) })
}

// Reactor owns the monotonic clock and all spawned tasks.
type Reactor struct {
	startTime time.Time

	mu       sync.Mutex
	shutdown atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a new Reactor. The monotonic clock starts at zero.
func New() *Reactor {
	return &Reactor{
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// NowMS returns milliseconds since the reactor was created. Monotonic and
// non-decreasing for the process lifetime.
func (r *Reactor) NowMS() uint64 {
	return uint64(time.Since(r.startTime) / time.Millisecond)
}

// SleepMS blocks the calling task for at least ms milliseconds, or until
// the reactor shuts down.
func (r *Reactor) SleepMS(ms uint64) {
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-r.done:
	}
}

// Done returns a channel closed on shutdown. Long-running tasks select on
// it as their cancellation signal.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

// Spawn runs entry as an independent task. The name is used only for
// logging by the caller; goroutines carry no identity of their own.
func (r *Reactor) Spawn(name string, entry func()) error {
	if r.shutdown.Load() {
		return oerr.E(oerr.ResourceExhausted, "reactor.Spawn", "reactor is shut down, cannot spawn %q", name)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		entry()
	}()
	return nil
}

// EveryMS schedules cb at a coarse cadence of ms milliseconds. Each ticker
// runs its callbacks serially on its own goroutine, never from interrupt
// or timer-dispatch context.
func (r *Reactor) EveryMS(ms uint64, cb TickerCallback) (*Ticker, error) {
	if ms == 0 {
		return nil, oerr.E(oerr.InvalidArgument, "reactor.EveryMS", "period must be positive")
	}
	if r.shutdown.Load() {
		return nil, oerr.E(oerr.ResourceExhausted, "reactor.EveryMS", "reactor is shut down")
	}

	t := &Ticker{stop: make(chan struct{})}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(time.Duration(ms) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cb(r.NowMS())
			case <-t.stop:
				return
			case <-r.done:
				return
			}
		}
	}()
	return t, nil
}

// Shutdown stops all tasks and waits for them to exit.
func (r *Reactor) Shutdown() {
	if r.shutdown.Swap(true) {
		return
	}
	close(r.done)
	r.wg.Wait()
}
