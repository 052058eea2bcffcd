package telemetry

import (
	"encoding/json"
	"sync"

	"ovenctl/pkg/log"
	"ovenctl/pkg/reactor"
	"ovenctl/pkg/status"
	"ovenctl/pkg/temperature"
)

// DefaultIntervalMS is the periodic state frame period.
const DefaultIntervalMS = 5000

// Telemetry publishes SSR transitions and periodic state frames under a
// common topic prefix: <topic>/ssr and <topic>/state.
type Telemetry struct {
	mu       sync.Mutex
	pub      Publisher
	topic    string
	provider status.Provider
	rt       *reactor.Reactor
	logger   *log.Logger
	ticker   *reactor.Ticker
}

// New wires telemetry over an already connected publisher.
func New(pub Publisher, topic string, provider status.Provider, rt *reactor.Reactor, logger *log.Logger) *Telemetry {
	return &Telemetry{pub: pub, topic: topic, provider: provider, rt: rt, logger: logger}
}

// Start begins the periodic state frames. intervalMS of zero uses the
// default.
func (t *Telemetry) Start(intervalMS uint64) error {
	if intervalMS == 0 {
		intervalMS = DefaultIntervalMS
	}
	ticker, err := t.rt.EveryMS(intervalMS, func(uint64) { t.publishState() })
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.ticker = ticker
	t.mu.Unlock()
	return nil
}

// Stop halts periodic frames and closes the publisher.
func (t *Telemetry) Stop() {
	t.mu.Lock()
	ticker := t.ticker
	t.ticker = nil
	t.mu.Unlock()
	if ticker != nil {
		ticker.Stop()
	}
	t.pub.Close()
}

// HandleSSREvent publishes one relay transition. Chainable behind the
// statistics listener.
func (t *Telemetry) HandleSSREvent(e temperature.Event) {
	payload, err := json.Marshal(map[string]any{
		"on":    e.On,
		"ts_ms": e.TimestampMS,
	})
	if err != nil {
		return
	}
	if err := t.pub.Publish(t.topic+"/ssr", payload); err != nil {
		t.logger.Warn("publishing SSR event: %v", err)
	}
}

func (t *Telemetry) publishState() {
	payload, err := json.Marshal(t.provider())
	if err != nil {
		t.logger.Warn("encoding state frame: %v", err)
		return
	}
	if err := t.pub.Publish(t.topic+"/state", payload); err != nil {
		t.logger.Warn("publishing state frame: %v", err)
	}
}
