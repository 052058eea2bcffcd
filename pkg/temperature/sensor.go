// Package temperature holds the two thermal primitives the control loops
// are built on: the sensed temperature (raw and smoothed) and the SSR
// actuator driving the heating element.
package temperature

import (
	"math"
	"sync"
)

// Sensor produces one sampled temperature reading. The RS-485 probe
// behind it is a collaborator; errors here are transient read failures.
type Sensor interface {
	ReadRaw() (float64, error)
}

// DefaultSmoothing is the exponential moving average weight applied to
// new samples.
const DefaultSmoothing = 0.2

// EMA wraps a Sensor with an exponential moving average. A failed read
// returns NaN and leaves the average untouched, so control loops can
// skip the period without disturbing their state.
type EMA struct {
	mu     sync.Mutex
	sensor Sensor
	alpha  float64
	value  float64
	primed bool
}

// NewEMA creates a smoothing reader over sensor. alpha outside (0, 1]
// falls back to DefaultSmoothing.
func NewEMA(sensor Sensor, alpha float64) *EMA {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultSmoothing
	}
	return &EMA{sensor: sensor, alpha: alpha}
}

// ReadSmoothed samples the sensor and folds the reading into the moving
// average. Returns NaN if the sample failed.
func (e *EMA) ReadSmoothed() float64 {
	raw, err := e.sensor.ReadRaw()
	if err != nil || math.IsNaN(raw) {
		return math.NaN()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.primed {
		e.value = raw
		e.primed = true
	} else {
		e.value = e.value + e.alpha*(raw-e.value)
	}
	return e.value
}

// Last returns the current average without sampling. NaN until primed.
func (e *EMA) Last() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.primed {
		return math.NaN()
	}
	return e.value
}
