// Package autotune derives PID gains from relay-feedback oscillation.
// A bang-bang relay drives the process around the setpoint; the observed
// oscillation period and amplitude give the ultimate gain, from which
// the selected method computes the gain triple.
package autotune

import (
	"math"
	"sync"

	"ovenctl/pkg/log"
	"ovenctl/pkg/oerr"
	"ovenctl/pkg/pid"
	"ovenctl/pkg/reactor"
)

// Method names a tuning rule: how to turn the ultimate gain and period
// into a PID triple.
type Method struct {
	name  string
	gains func(ku, pu float64) (kp, ki, kd float64)
}

func (m Method) String() string { return m.name }

// Gains applies the method's tuning rule.
func (m Method) Gains(ku, pu float64) (kp, ki, kd float64) {
	return m.gains(ku, pu)
}

func classicPID(ku, pu float64) (kp, ki, kd float64) {
	return 0.6 * ku, 1.2 * ku / pu, 0.075 * ku * pu
}

// ZieglerNichols is the classic closed-loop tuning rule.
var ZieglerNichols = Method{name: "ziegler-nichols", gains: classicPID}

// AstromHagglund currently maps the relay experiment onto the same
// classic rule; kept as a separate method so the two can diverge.
var AstromHagglund = Method{name: "astrom-hagglund", gains: classicPID}

// UltimateGain estimates Ku from the relay amplitude d and the observed
// oscillation amplitude.
func UltimateGain(d, amplitude float64) float64 {
	return 4 * d / (math.Pi * amplitude)
}

// Config holds the oscillator parameters.
type Config struct {
	// Hysteresis is the dead band around the setpoint, in degrees.
	Hysteresis float64

	// RelayHigh and RelayLow are the relay output levels; their half
	// difference is the relay amplitude d.
	RelayHigh float64
	RelayLow  float64

	// MinCycles is the number of full relay cycles to observe.
	MinCycles int

	// SampleIntervalMS is the oscillator polling period.
	SampleIntervalMS uint64

	// MaxDurationMS bounds the whole session; 0 means no ceiling.
	MaxDurationMS uint64
}

// DefaultConfig returns the stock oscillator parameters.
func DefaultConfig() Config {
	return Config{
		Hysteresis:       0.5,
		RelayHigh:        100,
		RelayLow:         0,
		MinCycles:        5,
		SampleIntervalMS: 100,
		MaxDurationMS:    30 * 60 * 1000,
	}
}

// Result is a completed tuning session.
type Result struct {
	Ku, Pu     float64
	Kp, Ki, Kd float64
}

// Tuner runs at most one relay-feedback session at a time. It borrows
// the SSR from the PID controller for the session's duration; the PID
// is re-enabled with the new gains on normal completion only.
type Tuner struct {
	mu        sync.Mutex
	cfg       Config
	ctrl      *pid.Controller
	source    pid.SmoothedReader
	rt        *reactor.Reactor
	logger    *log.Logger
	running   bool
	cancelled bool
	result    *Result
}

// New wires a tuner over the controller whose actuator it will borrow.
func New(cfg Config, ctrl *pid.Controller, source pid.SmoothedReader, rt *reactor.Reactor, logger *log.Logger) (*Tuner, error) {
	if cfg.SampleIntervalMS == 0 {
		return nil, oerr.E(oerr.InvalidArgument, "autotune.New", "sample interval must be positive")
	}
	if cfg.MinCycles <= 0 {
		return nil, oerr.E(oerr.InvalidArgument, "autotune.New", "min cycles must be positive")
	}
	if cfg.RelayHigh <= cfg.RelayLow {
		return nil, oerr.E(oerr.InvalidArgument, "autotune.New", "relay high %.1f not above low %.1f", cfg.RelayHigh, cfg.RelayLow)
	}
	return &Tuner{cfg: cfg, ctrl: ctrl, source: source, rt: rt, logger: logger}, nil
}

// Start launches a tuning session around setpoint. Refuses while a
// session is in flight.
func (t *Tuner) Start(method Method, setpoint float64) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return oerr.E(oerr.AlreadyRunning, "autotune.Start", "tuning session already in progress")
	}
	t.running = true
	t.cancelled = false
	t.result = nil
	t.mu.Unlock()

	ssr, err := t.ctrl.AcquireActuator()
	if err != nil {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		return err
	}

	t.logger.InfoF("tuning session started", log.Fields{
		"method": method.name, "setpoint": setpoint,
	})
	err = t.rt.Spawn("autotune", func() {
		t.run(method, setpoint, ssr)
	})
	if err != nil {
		t.ctrl.ReturnActuator(false)
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}
	return err
}

// Cancel asks the running session to stop. The oscillator leaves the
// SSR off and discards the session without touching the gains.
func (t *Tuner) Cancel() {
	t.mu.Lock()
	if t.running {
		t.cancelled = true
	}
	t.mu.Unlock()
}

// IsRunning reports whether a session is in flight.
func (t *Tuner) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// GetPID returns the gains from the last completed session.
func (t *Tuner) GetPID() (kp, ki, kd float64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result == nil {
		return 0, 0, 0, oerr.E(oerr.InvalidState, "autotune.GetPID", "no completed tuning session")
	}
	return t.result.Kp, t.result.Ki, t.result.Kd, nil
}

// Result returns the full outcome of the last completed session.
func (t *Tuner) Result() (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result == nil {
		return Result{}, false
	}
	return *t.result, true
}

func (t *Tuner) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

type ssrHandle interface {
	On() error
	Off() error
}

func (t *Tuner) run(method Method, setpoint float64, ssr ssrHandle) {
	ssr.Off()

	var (
		cycles        int
		lastOnTick    uint64
		haveLastOn    bool
		tempMax       = math.Inf(-1)
		tempMin       = math.Inf(1)
		sumHalfPeriod float64
		relayOn       bool
	)
	start := t.rt.NowMS()

	finish := func(res *Result, reenable bool) {
		ssr.Off()
		t.ctrl.ReturnActuator(reenable)
		t.mu.Lock()
		t.result = res
		t.running = false
		t.mu.Unlock()
	}

	for cycles < t.cfg.MinCycles {
		select {
		case <-t.rt.Done():
			finish(nil, false)
			return
		default:
		}
		if t.isCancelled() {
			t.logger.Info("tuning cancelled after %d cycles", cycles)
			finish(nil, false)
			return
		}
		if t.cfg.MaxDurationMS > 0 && t.rt.NowMS()-start > t.cfg.MaxDurationMS {
			t.logger.Error("tuning timed out after %d of %d cycles", cycles, t.cfg.MinCycles)
			finish(nil, false)
			return
		}

		temp := t.source.ReadSmoothed()
		if math.IsNaN(temp) {
			t.rt.SleepMS(t.cfg.SampleIntervalMS)
			continue
		}
		tempMax = math.Max(tempMax, temp)
		tempMin = math.Min(tempMin, temp)

		if !relayOn && temp < setpoint-t.cfg.Hysteresis {
			relayOn = true
			ssr.On()
			now := t.rt.NowMS()
			if haveLastOn {
				sumHalfPeriod += float64(now-lastOnTick) / 1000.0
				cycles++
			}
			lastOnTick = now
			haveLastOn = true
		} else if relayOn && temp > setpoint+t.cfg.Hysteresis {
			relayOn = false
			ssr.Off()
		}

		t.rt.SleepMS(t.cfg.SampleIntervalMS)
	}

	pu := sumHalfPeriod / float64(cycles)
	amplitude := (tempMax - tempMin) / 2
	if pu <= 0 || amplitude <= 0 {
		t.logger.Error("degenerate oscillation: Pu=%.3f amplitude=%.3f", pu, amplitude)
		finish(nil, false)
		return
	}

	d := (t.cfg.RelayHigh - t.cfg.RelayLow) / 2
	ku := UltimateGain(d, amplitude)
	kp, ki, kd := method.Gains(ku, pu)

	if err := t.ctrl.SetGains(kp, ki, kd); err != nil {
		t.logger.Error("tuned gains rejected: %v", err)
		finish(nil, false)
		return
	}

	t.logger.InfoF("tuning complete", log.Fields{
		"method": method.name, "Ku": ku, "Pu": pu,
		"Kp": kp, "Ki": ki, "Kd": kd,
	})
	finish(&Result{Ku: ku, Pu: pu, Kp: kp, Ki: ki, Kd: kd}, true)
}
