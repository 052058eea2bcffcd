// Package sdcard exposes the removable microSD card as a mounted file
// store. The card root is a directory on the host; mount state is
// tracked explicitly because recovery must distinguish "card absent"
// from "file absent". Streaming operations carry a 30 second ceiling.
package sdcard

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ovenctl/pkg/oerr"
)

// OpTimeout is the ceiling for one streaming SD operation.
const OpTimeout = 30 * time.Second

// OpenMode selects how a file is opened.
type OpenMode int

const (
	// ModeRead opens an existing file for reading.
	ModeRead OpenMode = iota
	// ModeWrite truncates or creates a file for writing.
	ModeWrite
	// ModeAppend opens or creates a file for appending.
	ModeAppend
)

// Card is a mountable directory-rooted file store.
type Card struct {
	mu      sync.Mutex
	root    string
	mounted bool
}

// New creates a card rooted at dir. The card starts unmounted.
func New(root string) *Card {
	return &Card{root: root}
}

// Mount makes the card's files accessible. Fails if the root directory
// does not exist (card not inserted).
func (c *Card) Mount() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := os.Stat(c.root)
	if err != nil || !info.IsDir() {
		return oerr.E(oerr.NotFound, "sdcard.Mount", "card root %s not present", c.root)
	}
	c.mounted = true
	return nil
}

// Unmount releases the card.
func (c *Card) Unmount() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mounted = false
}

// Mounted reports whether the card is mounted.
func (c *Card) Mounted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mounted
}

func (c *Card) resolve(op, rel string) (string, error) {
	c.mu.Lock()
	mounted := c.mounted
	c.mu.Unlock()
	if !mounted {
		return "", oerr.E(oerr.InvalidState, op, "card not mounted")
	}
	if rel == "" {
		return "", oerr.E(oerr.InvalidArgument, op, "empty path")
	}
	return filepath.Join(c.root, rel), nil
}

// Exists reports whether a file exists on the card.
func (c *Card) Exists(rel string) bool {
	path, err := c.resolve("sdcard.Exists", rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Size returns the size of a file in bytes.
func (c *Card) Size(rel string) (int64, error) {
	path, err := c.resolve("sdcard.Size", rel)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, oerr.E(oerr.NotFound, "sdcard.Size", "%s not found", rel)
	}
	if err != nil {
		return 0, oerr.Wrap(err, oerr.IOFailure, "sdcard.Size", "stat %s", rel)
	}
	return info.Size(), nil
}

// Open opens a file on the card.
func (c *Card) Open(rel string, mode OpenMode) (*os.File, error) {
	path, err := c.resolve("sdcard.Open", rel)
	if err != nil {
		return nil, err
	}

	var f *os.File
	switch mode {
	case ModeRead:
		f, err = os.Open(path)
	case ModeWrite:
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	case ModeAppend:
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	default:
		return nil, oerr.E(oerr.InvalidArgument, "sdcard.Open", "unknown mode %d", mode)
	}
	if os.IsNotExist(err) {
		return nil, oerr.E(oerr.NotFound, "sdcard.Open", "%s not found", rel)
	}
	if err != nil {
		return nil, oerr.Wrap(err, oerr.IOFailure, "sdcard.Open", "open %s", rel)
	}
	return f, nil
}

// Remove deletes a file. Removing a missing file is not an error.
func (c *Card) Remove(rel string) error {
	path, err := c.resolve("sdcard.Remove", rel)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return oerr.Wrap(err, oerr.IOFailure, "sdcard.Remove", "remove %s", rel)
	}
	return nil
}

// Mkdir creates a directory (and parents) on the card.
func (c *Card) Mkdir(rel string) error {
	path, err := c.resolve("sdcard.Mkdir", rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return oerr.Wrap(err, oerr.IOFailure, "sdcard.Mkdir", "mkdir %s", rel)
	}
	return nil
}

// StreamTo copies r into a file on the card in 4 KiB chunks, observing
// the operation ceiling. Returns bytes written.
func (c *Card) StreamTo(rel string, r io.Reader) (int64, error) {
	f, err := c.Open(rel, ModeWrite)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	deadline := time.Now().Add(OpTimeout)
	buf := make([]byte, 4096)
	var written int64
	for {
		if time.Now().After(deadline) {
			return written, oerr.E(oerr.Timeout, "sdcard.StreamTo", "writing %s exceeded %s", rel, OpTimeout)
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return written, oerr.Wrap(werr, oerr.IOFailure, "sdcard.StreamTo", "write %s", rel)
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, oerr.Wrap(rerr, oerr.IOFailure, "sdcard.StreamTo", "read source for %s", rel)
		}
	}
	if err := f.Sync(); err != nil {
		return written, oerr.Wrap(err, oerr.IOFailure, "sdcard.StreamTo", "sync %s", rel)
	}
	return written, nil
}
