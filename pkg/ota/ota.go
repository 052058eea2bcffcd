// Package ota moves a new application image from a remote origin onto
// the device. The flow is deliberately staged through the SD card: the
// image is downloaded to a file, flashed from that file, and a failed
// flash falls back to a known-good image so a broken download can never
// leave the device unbootable.
package ota

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"ovenctl/pkg/flashpart"
	"ovenctl/pkg/integrity"
	"ovenctl/pkg/log"
	"ovenctl/pkg/oerr"
	"ovenctl/pkg/recovery"
	"ovenctl/pkg/sdcard"
)

// Default operation ceilings.
const (
	DefaultCheckTimeout    = 15 * time.Second
	DefaultDownloadTimeout = 300 * time.Second
)

// Config parametrizes the updater.
type Config struct {
	// VersionURL serves the version descriptor JSON.
	VersionURL string

	// FirmwareURL serves the raw firmware image.
	FirmwareURL string

	// CurrentVersion is the compiled-in firmware version string.
	CurrentVersion string

	CheckTimeout    time.Duration
	DownloadTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.CheckTimeout == 0 {
		out.CheckTimeout = DefaultCheckTimeout
	}
	if out.DownloadTimeout == 0 {
		out.DownloadTimeout = DefaultDownloadTimeout
	}
	return out
}

// Rebooter requests a system reset after a completed update.
type Rebooter interface {
	Reboot() error
}

// versionDescriptor is the remote JSON document. Unknown fields are
// tolerated; only "version" matters.
type versionDescriptor struct {
	Version string `json:"version"`
}

// Updater drives the over-the-air update flow.
type Updater struct {
	mu            sync.Mutex
	cfg           Config
	card          *sdcard.Card
	flash         *flashpart.Flash
	checker       *integrity.Checker
	rec           *recovery.Recoverer
	rebooter      Rebooter
	client        *http.Client
	logger        *log.Logger
	pending       bool
	remoteVersion string
}

// New wires an updater. The recoverer supplies the shared
// flash-from-SD step.
func New(cfg Config, card *sdcard.Card, fl *flashpart.Flash, checker *integrity.Checker, rec *recovery.Recoverer, rebooter Rebooter, logger *log.Logger) (*Updater, error) {
	if cfg.VersionURL == "" || cfg.FirmwareURL == "" {
		return nil, oerr.E(oerr.InvalidArgument, "ota.New", "version and firmware URLs required")
	}
	if cfg.CurrentVersion == "" {
		return nil, oerr.E(oerr.InvalidArgument, "ota.New", "current version required")
	}
	return &Updater{
		cfg:      cfg.withDefaults(),
		card:     card,
		flash:    fl,
		checker:  checker,
		rec:      rec,
		rebooter: rebooter,
		client:   &http.Client{},
		logger:   logger,
	}, nil
}

// Init probes the origin once at startup. A failed check is logged and
// leaves no update pending.
func (u *Updater) Init() {
	pending, err := u.Check()
	if err != nil {
		u.logger.Warn("startup version check failed: %v", err)
		return
	}
	if pending {
		u.logger.Info("update pending: %s -> %s", u.cfg.CurrentVersion, u.RemoteVersion())
	}
}

// Check fetches the version descriptor and compares the remote version
// string byte-exactly against the compiled-in one. Any failure clears
// the pending flag.
func (u *Updater) Check() (bool, error) {
	u.mu.Lock()
	u.pending = false
	u.remoteVersion = ""
	u.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), u.cfg.CheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.cfg.VersionURL, nil)
	if err != nil {
		return false, oerr.Wrap(err, oerr.InvalidArgument, "ota.Check", "build request")
	}
	resp, err := u.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return false, oerr.E(oerr.Timeout, "ota.Check", "version check exceeded %s", u.cfg.CheckTimeout)
		}
		return false, oerr.Wrap(err, oerr.IOFailure, "ota.Check", "GET %s", u.cfg.VersionURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, oerr.E(oerr.IOFailure, "ota.Check", "version endpoint returned %s", resp.Status)
	}

	var desc versionDescriptor
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&desc); err != nil {
		return false, oerr.Wrap(err, oerr.InvalidArgument, "ota.Check", "parse version descriptor")
	}
	if desc.Version == "" {
		return false, oerr.E(oerr.InvalidArgument, "ota.Check", "descriptor has no version field")
	}

	pending := desc.Version != u.cfg.CurrentVersion
	u.mu.Lock()
	u.pending = pending
	u.remoteVersion = desc.Version
	u.mu.Unlock()

	u.logger.InfoF("version check", log.Fields{
		"local": u.cfg.CurrentVersion, "remote": desc.Version, "pending": pending,
	})
	return pending, nil
}

// Pending reports whether a newer image awaits installation.
func (u *Updater) Pending() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pending
}

// RemoteVersion returns the version string from the last successful
// check.
func (u *Updater) RemoteVersion() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.remoteVersion
}

// Download streams the firmware image to a file on the card in 4 KiB
// chunks. Zero-byte downloads are rejected and removed.
func (u *Updater) Download(sdPath string) error {
	ctx, cancel := context.WithTimeout(context.Background(), u.cfg.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.cfg.FirmwareURL, nil)
	if err != nil {
		return oerr.Wrap(err, oerr.InvalidArgument, "ota.Download", "build request")
	}
	resp, err := u.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return oerr.E(oerr.Timeout, "ota.Download", "download exceeded %s", u.cfg.DownloadTimeout)
		}
		return oerr.Wrap(err, oerr.IOFailure, "ota.Download", "GET %s", u.cfg.FirmwareURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return oerr.E(oerr.IOFailure, "ota.Download", "firmware endpoint returned %s", resp.Status)
	}

	f, err := u.card.Open(sdPath, sdcard.ModeWrite)
	if err != nil {
		return err
	}

	buf := make([]byte, integrity.ChunkSize)
	var written int64
	for {
		if ctx.Err() == context.DeadlineExceeded {
			f.Close()
			u.card.Remove(sdPath)
			return oerr.E(oerr.Timeout, "ota.Download", "download exceeded %s", u.cfg.DownloadTimeout)
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				u.card.Remove(sdPath)
				return oerr.Wrap(werr, oerr.IOFailure, "ota.Download", "write %s", sdPath)
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			u.card.Remove(sdPath)
			return oerr.Wrap(rerr, oerr.IOFailure, "ota.Download", "read image stream")
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return oerr.Wrap(err, oerr.IOFailure, "ota.Download", "sync %s", sdPath)
	}
	f.Close()

	if written == 0 {
		u.card.Remove(sdPath)
		return oerr.E(oerr.SizeMismatch, "ota.Download", "origin returned an empty image")
	}
	u.logger.Info("downloaded %d bytes to %s", written, sdPath)
	return nil
}

// Perform executes the full update: download, flash, fall back to a
// known-good image if the new one cannot be installed, then reboot. The
// pending flag is consumed whatever the outcome.
func (u *Updater) Perform(downloadPath, fallbackPath string) error {
	u.mu.Lock()
	if !u.pending {
		u.mu.Unlock()
		return oerr.E(oerr.InvalidState, "ota.Perform", "no update pending")
	}
	u.pending = false
	u.mu.Unlock()

	session := uuid.New().String()
	u.logger.InfoF("update started", log.Fields{
		"session": session, "target": u.RemoteVersion(),
	})

	if !u.card.Mounted() {
		if err := u.card.Mount(); err != nil {
			return err
		}
	}
	if err := u.Download(downloadPath); err != nil {
		return err
	}

	if err := u.rec.FlashFromFile(downloadPath); err != nil {
		u.logger.ErrorF("flashing new image failed, restoring fallback", log.Fields{
			"session": session, "error": err.Error(),
		})
		if ferr := u.rec.FlashFromFile(fallbackPath); ferr != nil {
			return oerr.Wrap(ferr, oerr.IOFailure, "ota.Perform", "fallback flash after failed update")
		}
		u.logger.InfoF("fallback image restored, rebooting", log.Fields{"session": session})
		return u.rebooter.Reboot()
	}

	u.logger.InfoF("update flashed, rebooting", log.Fields{"session": session})
	return u.rebooter.Reboot()
}

// PrepareRecoveryFiles copies the running partition to the card as the
// factory base image, computing the sidecar hash inline during the copy.
func (u *Updater) PrepareRecoveryFiles() error {
	if !u.card.Mounted() {
		if err := u.card.Mount(); err != nil {
			return err
		}
	}

	part := u.flash.Running()
	f, err := u.card.Open(recovery.BaseImage, sdcard.ModeWrite)
	if err != nil {
		return err
	}

	h := sha256.New()
	w := io.MultiWriter(f, h)
	buf := make([]byte, integrity.ChunkSize)
	for off := uint32(0); off < part.Size; off += integrity.ChunkSize {
		n := uint32(integrity.ChunkSize)
		if part.Size-off < n {
			n = part.Size - off
		}
		if err := u.flash.Read(part, off, buf[:n]); err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write(buf[:n]); err != nil {
			f.Close()
			return oerr.Wrap(err, oerr.IOFailure, "ota.PrepareRecoveryFiles", "write base image")
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return oerr.Wrap(err, oerr.IOFailure, "ota.PrepareRecoveryFiles", "sync base image")
	}
	f.Close()

	var digest [integrity.HashSize]byte
	copy(digest[:], h.Sum(nil))
	side, err := u.card.Open(recovery.BaseImage+recovery.SidecarSuffix, sdcard.ModeWrite)
	if err != nil {
		return err
	}
	defer side.Close()
	if _, err := side.WriteString(integrity.HashToHex(digest) + "\n"); err != nil {
		return oerr.Wrap(err, oerr.IOFailure, "ota.PrepareRecoveryFiles", "write sidecar")
	}
	if err := side.Sync(); err != nil {
		return oerr.Wrap(err, oerr.IOFailure, "ota.PrepareRecoveryFiles", "sync sidecar")
	}

	u.logger.Info("recovery files prepared (%d bytes)", part.Size)
	return nil
}

// VerifyFirmwareIntegrity reports whether the running image matches the
// stored reference hash.
func (u *Updater) VerifyFirmwareIntegrity() (bool, error) {
	info, err := u.checker.Verify()
	if err != nil {
		return false, err
	}
	return info.HashMatch, nil
}
