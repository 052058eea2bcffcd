// Package recovery restores the running application from a firmware
// image on the SD card. A pending update image takes priority over the
// factory base image; both must carry a hash sidecar that matches the
// image bytes before anything touches the flash.
package recovery

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ovenctl/pkg/flashpart"
	"ovenctl/pkg/integrity"
	"ovenctl/pkg/log"
	"ovenctl/pkg/oerr"
	"ovenctl/pkg/sdcard"
)

// Well-known SD paths.
const (
	UpdateImage   = "update.bin"
	BaseImage     = "base_firmware.bin"
	SidecarSuffix = ".sha256"

	LogDir  = "recovery"
	LogFile = "recovery/recovery.log"
)

// State is the position of the recovery state machine.
type State int

const (
	StateIdle State = iota
	StateSDMount
	StateFirmwareVerify
	StateFlashing
	StateCleanup
	StateSuccess
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSDMount:
		return "sd_mount"
	case StateFirmwareVerify:
		return "firmware_verify"
	case StateFlashing:
		return "flashing"
	case StateCleanup:
		return "cleanup"
	case StateSuccess:
		return "success"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Image is a candidate recovery image on the card.
type Image struct {
	Path    string
	Sidecar string

	// IsUpdate marks a pending update image, which is deleted after a
	// successful flash. The base image is never deleted.
	IsUpdate bool
}

// Recoverer drives SD-based firmware recovery.
type Recoverer struct {
	mu      sync.Mutex
	card    *sdcard.Card
	flash   *flashpart.Flash
	checker *integrity.Checker
	logger  *log.Logger
	state   State
}

// New wires a recoverer over the card, flash, and integrity checker.
func New(card *sdcard.Card, fl *flashpart.Flash, checker *integrity.Checker, logger *log.Logger) *Recoverer {
	return &Recoverer{card: card, flash: fl, checker: checker, logger: logger, state: StateIdle}
}

// State returns the current machine position.
func (r *Recoverer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Recoverer) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// FindFirmware picks the recovery image by priority: a pending update
// first, the factory base image second. Both the image and its sidecar
// must be present.
func (r *Recoverer) FindFirmware() (Image, error) {
	candidates := []Image{
		{Path: UpdateImage, Sidecar: UpdateImage + SidecarSuffix, IsUpdate: true},
		{Path: BaseImage, Sidecar: BaseImage + SidecarSuffix},
	}
	for _, img := range candidates {
		if r.card.Exists(img.Path) && r.card.Exists(img.Sidecar) {
			return img, nil
		}
	}
	return Image{}, oerr.E(oerr.NotFound, "recovery.FindFirmware", "no firmware image with sidecar on card")
}

// PerformFullRecovery runs the whole state machine: mount, locate,
// verify, flash, clean up. Any failure leaves the flash untouched.
func (r *Recoverer) PerformFullRecovery() error {
	runID := uuid.New().String()
	logger := r.logger
	logger.InfoF("recovery started", log.Fields{"run": runID})

	err := r.perform(runID)
	if err != nil {
		r.setState(StateFailed)
		logger.ErrorF("recovery failed", log.Fields{"run": runID, "error": err.Error()})
		r.appendLog(runID, "failed: "+err.Error())
		return err
	}

	r.setState(StateSuccess)
	logger.InfoF("recovery complete", log.Fields{"run": runID})
	r.appendLog(runID, "success")
	return nil
}

func (r *Recoverer) perform(runID string) error {
	r.setState(StateSDMount)
	if err := r.card.Mount(); err != nil {
		return err
	}

	img, err := r.FindFirmware()
	if err != nil {
		return err
	}
	r.logger.InfoF("recovery image selected", log.Fields{
		"run": runID, "image": img.Path, "update": img.IsUpdate,
	})

	r.setState(StateFirmwareVerify)
	expected, err := r.readSidecar(img.Sidecar)
	if err != nil {
		return err
	}
	if err := r.verifyImage(img.Path, expected); err != nil {
		return err
	}

	r.setState(StateFlashing)
	if err := r.FlashFromFile(img.Path); err != nil {
		return err
	}

	r.setState(StateCleanup)
	if img.IsUpdate {
		if err := r.card.Remove(img.Path); err != nil {
			return err
		}
		if err := r.card.Remove(img.Sidecar); err != nil {
			return err
		}
		r.logger.Info("consumed update image %s", img.Path)
	}
	return nil
}

// readSidecar parses a hash sidecar: exactly 64 hex characters, with
// trailing whitespace tolerated.
func (r *Recoverer) readSidecar(rel string) ([integrity.HashSize]byte, error) {
	var out [integrity.HashSize]byte
	f, err := r.card.Open(rel, sdcard.ModeRead)
	if err != nil {
		return out, err
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, 256))
	if err != nil {
		return out, oerr.Wrap(err, oerr.IOFailure, "recovery.readSidecar", "read %s", rel)
	}
	return integrity.HexToHash(strings.TrimSpace(string(raw)))
}

func (r *Recoverer) verifyImage(rel string, expected [integrity.HashSize]byte) error {
	f, err := r.card.Open(rel, sdcard.ModeRead)
	if err != nil {
		return err
	}
	defer f.Close()

	calc, err := integrity.HashReader(f)
	if err != nil {
		return err
	}
	if calc != expected {
		return oerr.E(oerr.IntegrityMismatch, "recovery.verifyImage",
			"%s hash %s does not match sidecar %s", rel,
			integrity.HashToHex(calc), integrity.HashToHex(expected))
	}
	return nil
}

// FlashFromFile streams an image from the card into the running
// partition, switches boot to it, and stores the freshly computed
// partition hash. The OTA updater shares this step for its fallback
// path. Callers verify the image first; this only checks size bounds.
func (r *Recoverer) FlashFromFile(rel string) error {
	size, err := r.card.Size(rel)
	if err != nil {
		return err
	}
	if !integrity.ValidFirmwareSize(uint32(size)) {
		return oerr.E(oerr.SizeMismatch, "recovery.flashImage", "image %s is %d bytes, outside [%d, %d]",
			rel, size, integrity.FirmwareMinSize, integrity.FirmwareMaxSize)
	}

	f, err := r.card.Open(rel, sdcard.ModeRead)
	if err != nil {
		return err
	}
	defer f.Close()

	part := r.flash.Running()
	handle, err := r.flash.BeginWrite(part, uint32(size))
	if err != nil {
		return err
	}

	buf := make([]byte, integrity.ChunkSize)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if werr := handle.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			handle.Abort()
			return oerr.Wrap(rerr, oerr.IOFailure, "recovery.flashImage", "read %s", rel)
		}
	}
	if err := handle.End(); err != nil {
		return err
	}
	if err := r.flash.SetBoot(part); err != nil {
		return err
	}

	hash, err := integrity.HashPartition(r.flash, part)
	if err != nil {
		return err
	}
	return r.checker.StoreFirmwareHash(hash)
}

// appendLog records one recovery run on the card. Logging failures are
// swallowed; the card may be gone by cleanup time.
func (r *Recoverer) appendLog(runID, outcome string) {
	if !r.card.Mounted() {
		return
	}
	if err := r.card.Mkdir(LogDir); err != nil {
		return
	}
	f, err := r.card.Open(LogFile, sdcard.ModeAppend)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s run=%s %s\n", time.Now().UTC().Format(time.RFC3339), runID, outcome)
}
