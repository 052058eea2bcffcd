// Package flashpart gives the controller access to its application flash.
// Partitions live inside one backing image file; the running partition is
// the region the current executable was loaded from. Writes go through an
// OTA handle: begin, sequential chunks, end. Abort invalidates everything
// written so a failed flash can never produce a partially written boot
// image. SetBoot is the only way to change which partition runs next.
package flashpart

import (
	"io"
	"os"
	"sync"

	"ovenctl/pkg/oerr"
)

// Partition describes one region of the backing image.
type Partition struct {
	Label string
	Base  uint32
	Size  uint32
}

// Flash owns the backing image and the partition table.
type Flash struct {
	mu       sync.Mutex
	path     string
	parts    []Partition
	running  string
	bootNext string
	writer   *OTAHandle
}

// Open maps the backing image at path with the given partition table.
// The image file is created and zero-extended to cover every partition.
func Open(path string, parts []Partition, running string) (*Flash, error) {
	if len(parts) == 0 {
		return nil, oerr.E(oerr.InvalidArgument, "flashpart.Open", "empty partition table")
	}

	var total int64
	found := false
	for _, p := range parts {
		if end := int64(p.Base) + int64(p.Size); end > total {
			total = end
		}
		if p.Label == running {
			found = true
		}
	}
	if !found {
		return nil, oerr.E(oerr.NotFound, "flashpart.Open", "running partition %q not in table", running)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, oerr.Wrap(err, oerr.IOFailure, "flashpart.Open", "open image %s", path)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, oerr.Wrap(err, oerr.IOFailure, "flashpart.Open", "stat image")
	}
	if info.Size() < total {
		if err := f.Truncate(total); err != nil {
			return nil, oerr.Wrap(err, oerr.IOFailure, "flashpart.Open", "extend image to %d bytes", total)
		}
	}

	return &Flash{
		path:     path,
		parts:    parts,
		running:  running,
		bootNext: running,
	}, nil
}

// Running returns the descriptor of the currently running partition.
func (fl *Flash) Running() Partition {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	for _, p := range fl.parts {
		if p.Label == fl.running {
			return p
		}
	}
	return Partition{}
}

// Lookup finds a partition by label.
func (fl *Flash) Lookup(label string) (Partition, error) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	for _, p := range fl.parts {
		if p.Label == label {
			return p, nil
		}
	}
	return Partition{}, oerr.E(oerr.NotFound, "flashpart.Lookup", "unknown partition %q", label)
}

// Read fills buf from the partition starting at offset.
func (fl *Flash) Read(p Partition, offset uint32, buf []byte) error {
	if int64(offset)+int64(len(buf)) > int64(p.Size) {
		return oerr.E(oerr.InvalidArgument, "flashpart.Read", "read [%d,%d) beyond partition %s size %d",
			offset, offset+uint32(len(buf)), p.Label, p.Size)
	}

	f, err := os.Open(fl.path)
	if err != nil {
		return oerr.Wrap(err, oerr.IOFailure, "flashpart.Read", "open image")
	}
	defer f.Close()

	if _, err := f.ReadAt(buf, int64(p.Base)+int64(offset)); err != nil && err != io.EOF {
		return oerr.Wrap(err, oerr.IOFailure, "flashpart.Read", "read partition %s", p.Label)
	}
	return nil
}

// BeginWrite starts an OTA write to a partition. expectedSize of zero
// means unknown; a nonzero value is validated against the partition and
// against the bytes actually written at End. Only one writer may exist at
// a time.
func (fl *Flash) BeginWrite(p Partition, expectedSize uint32) (*OTAHandle, error) {
	if expectedSize > p.Size {
		return nil, oerr.E(oerr.SizeMismatch, "flashpart.BeginWrite", "image of %d bytes does not fit partition %s (%d)",
			expectedSize, p.Label, p.Size)
	}

	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.writer != nil {
		return nil, oerr.E(oerr.InvalidState, "flashpart.BeginWrite", "another OTA write is in progress")
	}

	staging, err := os.CreateTemp("", "ota-*.bin")
	if err != nil {
		return nil, oerr.Wrap(err, oerr.IOFailure, "flashpart.BeginWrite", "create staging file")
	}

	h := &OTAHandle{
		flash:    fl,
		part:     p,
		expected: expectedSize,
		staging:  staging,
	}
	fl.writer = h
	return h, nil
}

// SetBoot designates which partition runs after the next reset.
func (fl *Flash) SetBoot(p Partition) error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	for _, known := range fl.parts {
		if known.Label == p.Label {
			fl.bootNext = p.Label
			return nil
		}
	}
	return oerr.E(oerr.NotFound, "flashpart.SetBoot", "unknown partition %q", p.Label)
}

// BootPartition reports which partition is designated to run next.
func (fl *Flash) BootPartition() string {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.bootNext
}

// OTAHandle is the exclusive write token for one partition update.
type OTAHandle struct {
	flash    *Flash
	part     Partition
	expected uint32
	staging  *os.File
	written  uint32
	finished bool
}

// Write appends a chunk. Writes are sequential and cumulative.
func (h *OTAHandle) Write(chunk []byte) error {
	if h.finished {
		return oerr.E(oerr.InvalidState, "flashpart.Write", "handle already ended or aborted")
	}
	if h.written+uint32(len(chunk)) > h.part.Size {
		h.abortLocked()
		return oerr.E(oerr.SizeMismatch, "flashpart.Write", "write overflows partition %s (%d bytes)",
			h.part.Label, h.part.Size)
	}

	if _, err := h.staging.Write(chunk); err != nil {
		h.abortLocked()
		return oerr.Wrap(err, oerr.IOFailure, "flashpart.Write", "stage chunk")
	}
	h.written += uint32(len(chunk))
	return nil
}

// Written reports the number of bytes staged so far.
func (h *OTAHandle) Written() uint32 {
	return h.written
}

// End commits the staged bytes into the partition. The remainder of the
// partition is zero-filled so the partition hash depends only on the
// written image plus deterministic padding.
func (h *OTAHandle) End() error {
	if h.finished {
		return oerr.E(oerr.InvalidState, "flashpart.End", "handle already ended or aborted")
	}
	if h.expected != 0 && h.written != h.expected {
		h.abortLocked()
		return oerr.E(oerr.SizeMismatch, "flashpart.End", "wrote %d bytes, expected %d", h.written, h.expected)
	}

	if _, err := h.staging.Seek(0, io.SeekStart); err != nil {
		h.abortLocked()
		return oerr.Wrap(err, oerr.IOFailure, "flashpart.End", "rewind staging file")
	}

	img, err := os.OpenFile(h.flash.path, os.O_RDWR, 0o644)
	if err != nil {
		h.abortLocked()
		return oerr.Wrap(err, oerr.IOFailure, "flashpart.End", "open image")
	}
	defer img.Close()

	if _, err := img.Seek(int64(h.part.Base), io.SeekStart); err != nil {
		h.abortLocked()
		return oerr.Wrap(err, oerr.IOFailure, "flashpart.End", "seek to partition %s", h.part.Label)
	}
	if _, err := io.Copy(img, h.staging); err != nil {
		h.abortLocked()
		return oerr.Wrap(err, oerr.IOFailure, "flashpart.End", "copy staged image")
	}

	// Zero-fill the tail of the partition.
	zeros := make([]byte, 4096)
	remaining := int64(h.part.Size) - int64(h.written)
	for remaining > 0 {
		n := int64(len(zeros))
		if remaining < n {
			n = remaining
		}
		if _, err := img.Write(zeros[:n]); err != nil {
			h.abortLocked()
			return oerr.Wrap(err, oerr.IOFailure, "flashpart.End", "zero-fill partition tail")
		}
		remaining -= n
	}
	if err := img.Sync(); err != nil {
		h.abortLocked()
		return oerr.Wrap(err, oerr.IOFailure, "flashpart.End", "sync image")
	}

	h.cleanup()
	return nil
}

// Abort invalidates the staged writes. The partition is untouched.
func (h *OTAHandle) Abort() {
	if h.finished {
		return
	}
	h.abortLocked()
}

func (h *OTAHandle) abortLocked() {
	h.cleanup()
}

func (h *OTAHandle) cleanup() {
	h.finished = true
	name := h.staging.Name()
	h.staging.Close()
	os.Remove(name)

	h.flash.mu.Lock()
	if h.flash.writer == h {
		h.flash.writer = nil
	}
	h.flash.mu.Unlock()
}
