// Package pid implements the temperature regulator: a sampled PID loop
// with conditional anti-windup and overshoot protection, whose 0-100
// output is time-proportioned over the sample period onto the SSR.
package pid

import (
	"math"
	"sync"

	"ovenctl/pkg/log"
	"ovenctl/pkg/nvstore"
	"ovenctl/pkg/oerr"
	"ovenctl/pkg/reactor"
	"ovenctl/pkg/temperature"
)

// NVNamespace holds the persisted gains, one 4-byte float per key.
const NVNamespace = "pid_params"

// Output limits and validation bounds.
const (
	OutputMin = 0.0
	OutputMax = 100.0

	MaxKp = 100.0
	MaxKi = 10.0
	MaxKd = 100.0
)

// Built-in gains used when nothing is persisted.
const (
	DefaultKp = 1.0
	DefaultKi = 0.1
	DefaultKd = 2.0
)

// Config fixes the sampling behaviour at construction time.
type Config struct {
	// SamplePeriodMS is the length of one control window.
	SamplePeriodMS uint64

	// OvershootCutoff forces the SSR off once the temperature exceeds
	// the setpoint by this many degrees.
	OvershootCutoff float64
}

// DefaultConfig returns the firmware's stock sampling configuration.
func DefaultConfig() Config {
	return Config{
		SamplePeriodMS:  5000,
		OvershootCutoff: 0.5,
	}
}

// SmoothedReader supplies the filtered process temperature. NaN marks a
// failed sample.
type SmoothedReader interface {
	ReadSmoothed() float64
}

// Controller is the process-wide PID regulator.
type Controller struct {
	mu sync.Mutex

	kp, ki, kd float64
	setpoint   float64
	integral   float64
	prevError  float64
	lastOutput float64
	enabled    bool

	// suspended means the actuator handle has been lent out (to the
	// autotuner); the sample loop idles without touching the SSR.
	suspended bool

	cfg    Config
	source SmoothedReader
	ssr    *temperature.SSR
	handle *nvstore.Handle
	rt     *reactor.Reactor
	logger *log.Logger

	initialized bool
}

// New wires a controller; call Init to load gains and start sampling.
func New(cfg Config, source SmoothedReader, ssr *temperature.SSR, store *nvstore.Store, rt *reactor.Reactor, logger *log.Logger) (*Controller, error) {
	if cfg.SamplePeriodMS == 0 {
		return nil, oerr.E(oerr.InvalidArgument, "pid.New", "sample period must be positive")
	}
	h, err := store.OpenNamespace(NVNamespace, nvstore.ReadWrite)
	if err != nil {
		return nil, err
	}
	return &Controller{
		cfg:    cfg,
		source: source,
		ssr:    ssr,
		handle: h,
		rt:     rt,
		logger: logger,
	}, nil
}

// Init loads gains from NV (falling back to the built-in defaults),
// clears the loop state, and starts the sampling task. The controller
// starts disabled.
func (c *Controller) Init(setpoint float64) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return oerr.E(oerr.InvalidState, "pid.Init", "controller already initialized")
	}

	kp, ki, kd, err := c.loadGains()
	if err != nil {
		c.logger.Warn("no persisted gains, using defaults: %v", err)
		kp, ki, kd = DefaultKp, DefaultKi, DefaultKd
	}
	c.kp, c.ki, c.kd = kp, ki, kd
	c.setpoint = setpoint
	c.integral = 0
	c.prevError = 0
	c.lastOutput = 0
	c.enabled = false
	c.initialized = true
	c.mu.Unlock()

	c.logger.InfoF("controller initialized", log.Fields{
		"Kp": kp, "Ki": ki, "Kd": kd, "setpoint": setpoint,
	})
	return c.rt.Spawn("pid", c.sampleLoop)
}

// Enable starts regulating.
func (c *Controller) Enable() {
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
}

// Disable stops regulating and forces the SSR off before returning.
func (c *Controller) Disable() {
	c.mu.Lock()
	c.enabled = false
	suspended := c.suspended
	c.mu.Unlock()
	if !suspended {
		c.ssr.Off()
	}
}

// Enabled reports whether the controller is regulating.
func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetSetpoint atomically replaces the target temperature. The integral
// is deliberately not reset, so small setpoint changes do not bump the
// output.
func (c *Controller) SetSetpoint(sp float64) {
	c.mu.Lock()
	c.setpoint = sp
	c.mu.Unlock()
}

// Setpoint returns the current target temperature.
func (c *Controller) Setpoint() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setpoint
}

// SetGains validates, applies, and persists new gains. They take effect
// no later than the next sample.
func (c *Controller) SetGains(kp, ki, kd float64) error {
	if kp < 0 || kp > MaxKp {
		return oerr.E(oerr.InvalidArgument, "pid.SetGains", "Kp %.4f outside [0, %g]", kp, MaxKp)
	}
	if ki < 0 || ki > MaxKi {
		return oerr.E(oerr.InvalidArgument, "pid.SetGains", "Ki %.4f outside [0, %g]", ki, MaxKi)
	}
	if kd < 0 || kd > MaxKd {
		return oerr.E(oerr.InvalidArgument, "pid.SetGains", "Kd %.4f outside [0, %g]", kd, MaxKd)
	}

	c.mu.Lock()
	c.kp, c.ki, c.kd = kp, ki, kd
	c.mu.Unlock()

	for _, kv := range []struct {
		key string
		val float64
	}{{"Kp", kp}, {"Ki", ki}, {"Kd", kd}} {
		if err := c.handle.SetFloat32(kv.key, float32(kv.val)); err != nil {
			return err
		}
		if err := c.handle.Commit(); err != nil {
			return err
		}
	}

	c.logger.InfoF("gains updated", log.Fields{"Kp": kp, "Ki": ki, "Kd": kd})
	return nil
}

// Gains returns the active gains.
func (c *Controller) Gains() (kp, ki, kd float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kp, c.ki, c.kd
}

// LastOutput returns the most recent control output in [0, 100].
func (c *Controller) LastOutput() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOutput
}

// IsSSROn reports the relay state.
func (c *Controller) IsSSROn() bool {
	return c.ssr.IsOn()
}

// AcquireActuator disables the controller, forces the SSR off, and lends
// the exclusive actuator handle to the caller (the autotuner). The
// sample loop idles until ReturnActuator.
func (c *Controller) AcquireActuator() (*temperature.SSR, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspended {
		return nil, oerr.E(oerr.InvalidState, "pid.AcquireActuator", "actuator already lent out")
	}
	c.enabled = false
	c.suspended = true
	c.ssr.Off()
	return c.ssr, nil
}

// ReturnActuator hands the SSR back. reenable restarts regulation.
func (c *Controller) ReturnActuator(reenable bool) {
	c.mu.Lock()
	c.suspended = false
	c.enabled = reenable
	c.mu.Unlock()
}

func (c *Controller) loadGains() (kp, ki, kd float64, err error) {
	fkp, err := c.handle.GetFloat32("Kp")
	if err != nil {
		return 0, 0, 0, err
	}
	fki, err := c.handle.GetFloat32("Ki")
	if err != nil {
		return 0, 0, 0, err
	}
	fkd, err := c.handle.GetFloat32("Kd")
	if err != nil {
		return 0, 0, 0, err
	}
	return float64(fkp), float64(fki), float64(fkd), nil
}

// Compute runs one PID step for error e over the configured period and
// returns the clamped output. Exposed for the sample loop and tests;
// mutates integral and previous-error state.
func (c *Controller) Compute(e float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.computeLocked(e)
}

func (c *Controller) computeLocked(e float64) float64 {
	dt := float64(c.cfg.SamplePeriodMS) / 1000.0

	c.integral += e * dt
	derivative := (e - c.prevError) / dt
	u := c.kp*e + c.ki*c.integral + c.kd*derivative

	// Conditional anti-windup: when the output saturates, take the
	// period's contribution back out of the integral.
	if u > OutputMax {
		u = OutputMax
		c.integral -= e * dt
	} else if u < OutputMin {
		u = OutputMin
		c.integral -= e * dt
	}

	c.prevError = e
	c.lastOutput = u
	return u
}

func (c *Controller) sampleLoop() {
	period := c.cfg.SamplePeriodMS
	for {
		select {
		case <-c.rt.Done():
			return
		default:
		}

		t := c.source.ReadSmoothed()
		if math.IsNaN(t) {
			// Transient sensor failure: leave the SSR alone, do not
			// advance the integral, retry next period.
			c.logger.Warn("temperature read failed, skipping sample")
			c.rt.SleepMS(period)
			continue
		}

		c.mu.Lock()
		enabled := c.enabled
		suspended := c.suspended
		sp := c.setpoint
		c.mu.Unlock()

		if suspended {
			c.rt.SleepMS(period)
			continue
		}
		if !enabled {
			c.ssr.Off()
			c.rt.SleepMS(period)
			continue
		}

		e := sp - t
		if e < -c.cfg.OvershootCutoff {
			c.ssr.Off()
			c.logger.Debug("overshoot cutoff: %.2f over setpoint, SSR off", -e)
			c.rt.SleepMS(period)
			continue
		}

		u := c.Compute(e)
		onMS := uint64(math.Round(u / 100.0 * float64(period)))
		offMS := period - onMS

		if onMS > 0 {
			c.ssr.On()
			c.rt.SleepMS(onMS)
		}
		if offMS > 0 {
			c.ssr.Off()
			c.rt.SleepMS(offMS)
		}
	}
}
