package temperature

import (
	"sync"
	"time"
)

// Plant is a first-order thermal model used in bench mode, when no
// RS-485 probe is attached. It is both the Sensor the control loop
// reads and the Output the SSR drives, so the whole loop can run closed
// on a development host.
type Plant struct {
	mu      sync.Mutex
	temp    float64
	ambient float64
	// heatRate is degrees per second of full heater drive; coolRate is
	// the fraction of the delta to ambient lost per second.
	heatRate float64
	coolRate float64
	heating  bool
	last     time.Time
}

// NewPlant creates a plant at ambient temperature.
func NewPlant(ambient, heatRate, coolRate float64) *Plant {
	return &Plant{
		temp:     ambient,
		ambient:  ambient,
		heatRate: heatRate,
		coolRate: coolRate,
		last:     time.Now(),
	}
}

// Set implements Output: the SSR drives the heater input.
func (p *Plant) Set(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stepLocked()
	p.heating = on
	return nil
}

// ReadRaw implements Sensor.
func (p *Plant) ReadRaw() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stepLocked()
	return p.temp, nil
}

func (p *Plant) stepLocked() {
	now := time.Now()
	dt := now.Sub(p.last).Seconds()
	p.last = now
	if dt <= 0 {
		return
	}
	if p.heating {
		p.temp += p.heatRate * dt
	}
	p.temp -= p.coolRate * (p.temp - p.ambient) * dt
}
