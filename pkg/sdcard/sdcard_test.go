package sdcard

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"ovenctl/pkg/oerr"
)

func mountedCard(t *testing.T) *Card {
	t.Helper()
	c := New(t.TempDir())
	if err := c.Mount(); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return c
}

func TestMountMissingRoot(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "no-such-card"))
	if err := c.Mount(); !oerr.Is(err, oerr.NotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
	if c.Mounted() {
		t.Fatal("card reports mounted after failed mount")
	}
}

func TestUnmountedOperationsRefused(t *testing.T) {
	c := New(t.TempDir())

	if _, err := c.Open("recovery/update.bin", ModeRead); !oerr.Is(err, oerr.InvalidState) {
		t.Fatalf("expected invalid_state, got %v", err)
	}
	if _, err := c.Size("x"); !oerr.Is(err, oerr.InvalidState) {
		t.Fatalf("expected invalid_state, got %v", err)
	}
	if c.Exists("x") {
		t.Fatal("Exists true on unmounted card")
	}
}

func TestWriteReadRemove(t *testing.T) {
	c := mountedCard(t)
	if err := c.Mkdir("recovery"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	content := []byte("firmware bytes")
	f, err := c.Open("recovery/update.bin", ModeWrite)
	if err != nil {
		t.Fatalf("Open write: %v", err)
	}
	f.Write(content)
	f.Close()

	if !c.Exists("recovery/update.bin") {
		t.Fatal("written file does not exist")
	}
	size, err := c.Size("recovery/update.bin")
	if err != nil || size != int64(len(content)) {
		t.Fatalf("Size = %d, %v", size, err)
	}

	rf, err := c.Open("recovery/update.bin", ModeRead)
	if err != nil {
		t.Fatalf("Open read: %v", err)
	}
	got, _ := io.ReadAll(rf)
	rf.Close()
	if !bytes.Equal(got, content) {
		t.Fatalf("read %q, want %q", got, content)
	}

	if err := c.Remove("recovery/update.bin"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if c.Exists("recovery/update.bin") {
		t.Fatal("file exists after Remove")
	}
	// Removing again is not an error.
	if err := c.Remove("recovery/update.bin"); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestOpenMissingFile(t *testing.T) {
	c := mountedCard(t)
	if _, err := c.Open("nope.bin", ModeRead); !oerr.Is(err, oerr.NotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestStreamTo(t *testing.T) {
	c := mountedCard(t)
	c.Mkdir("recovery")

	payload := bytes.Repeat([]byte{0x5a}, 20000)
	n, err := c.StreamTo("recovery/base_firmware.bin", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("StreamTo: %v", err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("wrote %d bytes, want %d", n, len(payload))
	}

	f, _ := c.Open("recovery/base_firmware.bin", ModeRead)
	got, _ := io.ReadAll(f)
	f.Close()
	if !bytes.Equal(got, payload) {
		t.Fatal("streamed content differs")
	}
}

func TestUnmountBlocksAccess(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "x"), []byte("1"), 0o644)

	c := New(dir)
	c.Mount()
	c.Unmount()
	if c.Exists("x") {
		t.Fatal("Exists true after unmount")
	}
}
