// Package stats accumulates usage counters for the oven: how long the
// heating element has been energized, how often it switched, and how
// long the controller has been running. Counters survive restarts in
// their own NV namespace and are flushed on a timer, so a power cut
// loses at most one flush interval.
package stats

import (
	"sync"

	"ovenctl/pkg/log"
	"ovenctl/pkg/nvstore"
	"ovenctl/pkg/oerr"
	"ovenctl/pkg/reactor"
	"ovenctl/pkg/temperature"
)

// NVNamespace holds the four counters, each an independent 4-byte blob.
const NVNamespace = "statistics"

// Counter keys.
const (
	keySSROnSeconds   = "ssr_on_s"
	keyActuations     = "actuations"
	keySessions       = "sessions"
	keyRuntimeSeconds = "runtime_s"
)

// DefaultFlushMS is how often counters are persisted.
const DefaultFlushMS = 60_000

// Usage is a snapshot of the counters.
type Usage struct {
	SSROnSeconds   uint32
	Actuations     uint32
	Sessions       uint32
	RuntimeSeconds uint32
}

// Collector listens to SSR transitions and accumulates usage.
type Collector struct {
	mu     sync.Mutex
	handle *nvstore.Handle
	rt     *reactor.Reactor
	logger *log.Logger

	usage Usage

	// live accumulation since the last flush, in milliseconds
	ssrOnMS   uint64
	runtimeMS uint64

	ssrOn    bool
	onSince  uint64
	lastTick uint64

	ticker *reactor.Ticker
}

// New loads persisted counters; missing keys start at zero.
func New(store *nvstore.Store, rt *reactor.Reactor, logger *log.Logger) (*Collector, error) {
	h, err := store.OpenNamespace(NVNamespace, nvstore.ReadWrite)
	if err != nil {
		return nil, err
	}
	c := &Collector{handle: h, rt: rt, logger: logger, lastTick: rt.NowMS()}

	for _, kv := range []struct {
		key string
		dst *uint32
	}{
		{keySSROnSeconds, &c.usage.SSROnSeconds},
		{keyActuations, &c.usage.Actuations},
		{keySessions, &c.usage.Sessions},
		{keyRuntimeSeconds, &c.usage.RuntimeSeconds},
	} {
		v, err := h.GetUint32(kv.key)
		if oerr.Is(err, oerr.NotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		*kv.dst = v
	}
	return c, nil
}

// Start begins periodic flushing. flushMS of zero uses the default.
func (c *Collector) Start(flushMS uint64) error {
	if flushMS == 0 {
		flushMS = DefaultFlushMS
	}
	ticker, err := c.rt.EveryMS(flushMS, func(uint64) {
		if err := c.Flush(); err != nil {
			c.logger.Warn("flushing counters: %v", err)
		}
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.ticker = ticker
	c.mu.Unlock()
	return nil
}

// Stop halts periodic flushing and flushes once more.
func (c *Collector) Stop() {
	c.mu.Lock()
	ticker := c.ticker
	c.ticker = nil
	c.mu.Unlock()
	if ticker != nil {
		ticker.Stop()
	}
	if err := c.Flush(); err != nil {
		c.logger.Warn("final counter flush: %v", err)
	}
}

// HandleSSREvent is the temperature.Listener fed by the SSR actuator.
// Events arrive in transition order; each on/off pair contributes its
// duration to the on-time counter.
func (c *Collector) HandleSSREvent(e temperature.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.On {
		if !c.ssrOn {
			c.ssrOn = true
			c.onSince = e.TimestampMS
			c.usage.Actuations++
		}
		return
	}
	if c.ssrOn {
		c.ssrOn = false
		c.ssrOnMS += e.TimestampMS - c.onSince
	}
}

// RecordSession counts one bake session start.
func (c *Collector) RecordSession() {
	c.mu.Lock()
	c.usage.Sessions++
	c.mu.Unlock()
}

// Snapshot returns the counters including un-flushed accumulation.
func (c *Collector) Snapshot() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accumulateLocked()
	return c.usage
}

// Flush persists all four counters.
func (c *Collector) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accumulateLocked()

	for _, kv := range []struct {
		key string
		val uint32
	}{
		{keySSROnSeconds, c.usage.SSROnSeconds},
		{keyActuations, c.usage.Actuations},
		{keySessions, c.usage.Sessions},
		{keyRuntimeSeconds, c.usage.RuntimeSeconds},
	} {
		if err := c.handle.SetUint32(kv.key, kv.val); err != nil {
			return err
		}
	}
	return c.handle.Commit()
}

// accumulateLocked folds live millisecond accumulation into the
// persisted second counters.
func (c *Collector) accumulateLocked() {
	now := c.rt.NowMS()
	c.runtimeMS += now - c.lastTick
	c.lastTick = now
	if c.ssrOn {
		c.ssrOnMS += now - c.onSince
		c.onSince = now
	}

	c.usage.RuntimeSeconds += uint32(c.runtimeMS / 1000)
	c.runtimeMS %= 1000
	c.usage.SSROnSeconds += uint32(c.ssrOnMS / 1000)
	c.ssrOnMS %= 1000
}
