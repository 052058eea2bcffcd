// Package boot decides, at power-on, whether the stored application can
// run or must first be restored from the SD card. It owns the persisted
// boot bookkeeping: attempt counters bound how often a broken image may
// try to start before recovery is forced.
package boot

import (
	"fmt"
	"io"
	"sync"

	"ovenctl/pkg/integrity"
	"ovenctl/pkg/log"
	"ovenctl/pkg/nvstore"
	"ovenctl/pkg/oerr"
	"ovenctl/pkg/reactor"
	"ovenctl/pkg/recovery"
)

// Attempt ceilings before the orchestrator escalates.
const (
	MaxBootAttempts     = 3
	MaxRecoveryAttempts = 3
)

// NV location of the stats blob (shares the namespace with the
// reference hash).
const (
	NVNamespace = "bootloader"
	NVKeyStats  = "stats"
)

// rebootDelayMS gives the recovery log a moment to flush before reset.
const rebootDelayMS = 1000

// Decision is the outcome of the startup check.
type Decision int

const (
	// DecisionNormalBoot means the image verified; continue into the
	// application.
	DecisionNormalBoot Decision = iota
	// DecisionRebooting means recovery succeeded and a reboot has been
	// requested; the caller should stop.
	DecisionRebooting
	// DecisionEmergency means recovery is exhausted; only the minimal
	// recovery loop may run.
	DecisionEmergency
)

// Rebooter requests a system reset.
type Rebooter interface {
	Reboot() error
}

// Orchestrator drives the power-on decision flow.
type Orchestrator struct {
	mu       sync.Mutex
	stats    Stats
	handle   *nvstore.Handle
	checker  *integrity.Checker
	rec      *recovery.Recoverer
	rebooter Rebooter
	rt       *reactor.Reactor
	logger   *log.Logger
	console  io.Writer
	loaded   bool
}

// New wires the orchestrator. console receives the user-visible recovery
// and emergency messages (UART/display).
func New(store *nvstore.Store, checker *integrity.Checker, rec *recovery.Recoverer, rebooter Rebooter, rt *reactor.Reactor, logger *log.Logger, console io.Writer) (*Orchestrator, error) {
	h, err := store.OpenNamespace(NVNamespace, nvstore.ReadWrite)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		handle:   h,
		checker:  checker,
		rec:      rec,
		rebooter: rebooter,
		rt:       rt,
		logger:   logger,
		console:  console,
	}, nil
}

// Startup loads (or initializes) the stats block and charges this
// power-on against the attempt counters. Must run exactly once, before
// CheckAndDecide.
func (o *Orchestrator) Startup() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.loaded {
		return oerr.E(oerr.InvalidState, "boot.Startup", "already started")
	}

	buf := make([]byte, statsBlobSize)
	n, err := o.handle.GetBlob(NVKeyStats, buf)
	switch {
	case oerr.Is(err, oerr.NotFound):
		o.logger.Info("no boot stats found, first power-on")
		o.stats = Stats{FirstBoot: true}
	case err != nil:
		return err
	default:
		s, derr := decodeStats(buf[:n])
		if derr != nil {
			o.logger.Warn("boot stats corrupt, reinitializing: %v", derr)
			s = Stats{}
		}
		s.FirstBoot = false
		o.stats = s
	}

	o.stats.BootAttempts++
	o.stats.TotalBoots++
	if err := o.persistLocked(); err != nil {
		return err
	}
	o.loaded = true

	o.logger.InfoF("power-on recorded", log.Fields{
		"boot_attempts":     o.stats.BootAttempts,
		"recovery_attempts": o.stats.RecoveryAttempts,
		"total_boots":       o.stats.TotalBoots,
	})
	return nil
}

// Stats returns a copy of the current bookkeeping block.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// CheckAndDecide runs the startup state machine: attempt ceilings first,
// then integrity, then SD recovery with one manual retry.
func (o *Orchestrator) CheckAndDecide() (Decision, error) {
	o.mu.Lock()
	if !o.loaded {
		o.mu.Unlock()
		return DecisionEmergency, oerr.E(oerr.InvalidState, "boot.CheckAndDecide", "Startup not called")
	}
	s := o.stats
	o.mu.Unlock()

	switch {
	case s.BootAttempts >= MaxBootAttempts:
		o.logger.Error("%d consecutive failed boots, forcing recovery", s.BootAttempts)
		o.setReason(ReasonMultipleFailures)
	case s.RecoveryAttempts >= MaxRecoveryAttempts:
		// A freshly inserted card must still be able to rescue the
		// device, so recovery gets one last chance before emergency.
		o.logger.Error("%d failed recoveries, last recovery attempt before emergency", s.RecoveryAttempts)
		return o.manualRecovery()
	default:
		_, err := o.checker.Verify()
		if err == nil {
			if err := o.resetBootCounters(); err != nil {
				return DecisionEmergency, err
			}
			o.setReason(ReasonNormal)
			return DecisionNormalBoot, nil
		}
		// Any verification failure counts as corruption, IO-level
		// errors included; SD recovery is the answer to all of them.
		o.logger.Error("application image failed verification: %v", err)
		o.setReason(ReasonCorruption)
	}

	// Auto recovery.
	if err := o.rec.PerformFullRecovery(); err == nil {
		return o.recoveredAndReboot()
	}
	if err := o.recordRecoveryFailure(); err != nil {
		return DecisionEmergency, err
	}
	return o.manualRecovery()
}

// manualRecovery tells the user what the card must contain, then gives
// recovery one more chance before declaring the device unrecoverable.
func (o *Orchestrator) manualRecovery() (Decision, error) {
	o.printRecoveryInstructions()
	if err := o.rec.PerformFullRecovery(); err == nil {
		return o.recoveredAndReboot()
	}
	if err := o.recordRecoveryFailure(); err != nil {
		return DecisionEmergency, err
	}
	return o.emergency()
}

// MarkBootSuccessful is called by the application once its subsystems
// report healthy; it clears the attempt counters so the next reset takes
// the normal path.
func (o *Orchestrator) MarkBootSuccessful() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats.BootAttempts = 0
	o.stats.RecoveryAttempts = 0
	o.stats.FirstBoot = false
	if err := o.persistLocked(); err != nil {
		return err
	}
	o.logger.Info("boot marked successful")
	return nil
}

// ForceRecovery runs SD recovery regardless of image state and reboots
// on success.
func (o *Orchestrator) ForceRecovery() error {
	o.setReason(ReasonRecovery)
	if err := o.rec.PerformFullRecovery(); err != nil {
		if rerr := o.recordRecoveryFailure(); rerr != nil {
			return rerr
		}
		return err
	}
	_, err := o.recoveredAndReboot()
	return err
}

// FactoryReset erases the bootloader's persisted state: reference hash
// and boot stats. The next power-on behaves like the first.
func (o *Orchestrator) FactoryReset() error {
	if err := o.checker.ClearIntegrityData(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.handle.EraseKey(NVKeyStats); err != nil {
		return err
	}
	if err := o.handle.Commit(); err != nil {
		return err
	}
	o.stats = Stats{}
	o.loaded = false
	o.logger.Warn("factory reset: integrity data and boot stats erased")
	return nil
}

// SelfTest exercises the subsystems the boot path depends on: NV
// read-back and a full partition hash.
func (o *Orchestrator) SelfTest() error {
	o.mu.Lock()
	buf := make([]byte, statsBlobSize)
	_, err := o.handle.GetBlob(NVKeyStats, buf)
	o.mu.Unlock()
	if err != nil && !oerr.Is(err, oerr.NotFound) {
		return oerr.Wrap(err, oerr.IOFailure, "boot.SelfTest", "NV read-back")
	}

	if _, err := o.checker.Verify(); err != nil && !oerr.Is(err, oerr.IntegrityMismatch) {
		return oerr.Wrap(err, oerr.IOFailure, "boot.SelfTest", "partition hash")
	}
	o.logger.Info("self test passed")
	return nil
}

// SimulateCorruption invalidates the stored reference hash so the next
// verification fails. Test hook for exercising the recovery path on real
// hardware.
func (o *Orchestrator) SimulateCorruption() error {
	stored, err := o.checker.ReadStoredHash()
	if err != nil {
		return err
	}
	stored[0] ^= 0xFF
	if err := o.checker.StoreFirmwareHash(stored); err != nil {
		return err
	}
	o.logger.Warn("reference hash deliberately corrupted")
	return nil
}

// PrintDetailedInfo writes a human-readable state report to the console.
func (o *Orchestrator) PrintDetailedInfo() {
	o.mu.Lock()
	s := o.stats
	o.mu.Unlock()

	fmt.Fprintf(o.console, "boot attempts:      %d/%d\n", s.BootAttempts, MaxBootAttempts)
	fmt.Fprintf(o.console, "recovery attempts:  %d/%d\n", s.RecoveryAttempts, MaxRecoveryAttempts)
	fmt.Fprintf(o.console, "total boots:        %d\n", s.TotalBoots)
	fmt.Fprintf(o.console, "total recoveries:   %d\n", s.TotalRecoveries)
	fmt.Fprintf(o.console, "last boot reason:   %s\n", s.LastBootReason)
	fmt.Fprintf(o.console, "recovery state:     %s\n", o.rec.State())
}

func (o *Orchestrator) persistLocked() error {
	if err := o.handle.SetBlob(NVKeyStats, o.stats.encode()); err != nil {
		return err
	}
	return o.handle.Commit()
}

func (o *Orchestrator) setReason(r Reason) {
	o.mu.Lock()
	o.stats.LastBootReason = r
	if err := o.persistLocked(); err != nil {
		o.logger.Warn("persisting boot reason: %v", err)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) resetBootCounters() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats.BootAttempts = 0
	return o.persistLocked()
}

func (o *Orchestrator) recordRecoveryFailure() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stats.RecoveryAttempts++
	o.stats.LastBootReason = ReasonRecovery
	return o.persistLocked()
}

func (o *Orchestrator) recoveredAndReboot() (Decision, error) {
	o.mu.Lock()
	o.stats.TotalRecoveries++
	o.stats.RecoveryAttempts = 0
	o.stats.BootAttempts = 0
	o.stats.LastBootReason = ReasonSDRecovery
	o.stats.LastRecoveryTimestamp = uint32(o.rt.NowMS() / 1000)
	if err := o.persistLocked(); err != nil {
		o.mu.Unlock()
		return DecisionEmergency, err
	}
	o.mu.Unlock()

	o.logger.Info("recovery succeeded, rebooting")
	o.rt.SleepMS(rebootDelayMS)
	if err := o.rebooter.Reboot(); err != nil {
		return DecisionEmergency, err
	}
	return DecisionRebooting, nil
}

func (o *Orchestrator) emergency() (Decision, error) {
	o.setReason(ReasonEmergency)
	fmt.Fprintln(o.console, "*** CRITICAL: firmware unrecoverable ***")
	fmt.Fprintln(o.console, "insert an SD card with base_firmware.bin and base_firmware.bin.sha256, then power-cycle")
	return DecisionEmergency, oerr.E(oerr.InvalidState, "boot.CheckAndDecide", "recovery exhausted")
}

func (o *Orchestrator) printRecoveryInstructions() {
	fmt.Fprintln(o.console, "firmware recovery required")
	fmt.Fprintln(o.console, "the SD card must contain one of:")
	fmt.Fprintf(o.console, "  %s + %s%s\n", recovery.UpdateImage, recovery.UpdateImage, recovery.SidecarSuffix)
	fmt.Fprintf(o.console, "  %s + %s%s\n", recovery.BaseImage, recovery.BaseImage, recovery.SidecarSuffix)
	fmt.Fprintln(o.console, "attempting recovery...")
}
