package flashpart

import (
	"bytes"
	"path/filepath"
	"testing"

	"ovenctl/pkg/oerr"
)

func testFlash(t *testing.T, size uint32) *Flash {
	t.Helper()
	fl, err := Open(filepath.Join(t.TempDir(), "flash.img"),
		[]Partition{{Label: "app0", Base: 0, Size: size}}, "app0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return fl
}

func TestWriteEndReadBack(t *testing.T) {
	fl := testFlash(t, 64*1024)
	p := fl.Running()

	image := bytes.Repeat([]byte{0xA5}, 10000)
	h, err := fl.BeginWrite(p, uint32(len(image)))
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	for off := 0; off < len(image); off += 4096 {
		end := off + 4096
		if end > len(image) {
			end = len(image)
		}
		if err := h.Write(image[off:end]); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := h.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	buf := make([]byte, len(image))
	if err := fl.Read(p, 0, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, image) {
		t.Fatal("read-back image differs from written image")
	}

	// Tail beyond the image must be zero-filled.
	tail := make([]byte, 64)
	if err := fl.Read(p, uint32(len(image)), tail); err != nil {
		t.Fatalf("Read tail: %v", err)
	}
	for _, b := range tail {
		if b != 0 {
			t.Fatal("partition tail not zero-filled")
		}
	}
}

func TestAbortLeavesPartitionUntouched(t *testing.T) {
	fl := testFlash(t, 8192)
	p := fl.Running()

	// Seed the partition with known content.
	h, _ := fl.BeginWrite(p, 0)
	h.Write(bytes.Repeat([]byte{0x11}, 8192))
	if err := h.End(); err != nil {
		t.Fatalf("seed End: %v", err)
	}

	h2, _ := fl.BeginWrite(p, 0)
	h2.Write(bytes.Repeat([]byte{0x22}, 4096))
	h2.Abort()

	buf := make([]byte, 8192)
	fl.Read(p, 0, buf)
	for _, b := range buf {
		if b != 0x11 {
			t.Fatal("aborted write modified the partition")
		}
	}
}

func TestSingleWriterEnforced(t *testing.T) {
	fl := testFlash(t, 8192)
	p := fl.Running()

	h, err := fl.BeginWrite(p, 0)
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	if _, err := fl.BeginWrite(p, 0); !oerr.Is(err, oerr.InvalidState) {
		t.Fatalf("expected invalid_state for second writer, got %v", err)
	}
	h.Abort()

	if _, err := fl.BeginWrite(p, 0); err != nil {
		t.Fatalf("BeginWrite after abort: %v", err)
	}
}

func TestEndSizeMismatch(t *testing.T) {
	fl := testFlash(t, 8192)
	p := fl.Running()

	h, _ := fl.BeginWrite(p, 4096)
	h.Write(make([]byte, 1000))
	if err := h.End(); !oerr.Is(err, oerr.SizeMismatch) {
		t.Fatalf("expected size_mismatch, got %v", err)
	}
}

func TestWriteOverflowAborts(t *testing.T) {
	fl := testFlash(t, 1024)
	p := fl.Running()

	h, _ := fl.BeginWrite(p, 0)
	if err := h.Write(make([]byte, 2048)); !oerr.Is(err, oerr.SizeMismatch) {
		t.Fatalf("expected size_mismatch, got %v", err)
	}
	// Handle is invalidated; further writes refused.
	if err := h.Write([]byte{1}); !oerr.Is(err, oerr.InvalidState) {
		t.Fatalf("expected invalid_state after overflow, got %v", err)
	}
}

func TestSetBoot(t *testing.T) {
	fl, err := Open(filepath.Join(t.TempDir(), "flash.img"),
		[]Partition{
			{Label: "app0", Base: 0, Size: 4096},
			{Label: "app1", Base: 4096, Size: 4096},
		}, "app0")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if got := fl.BootPartition(); got != "app0" {
		t.Fatalf("initial boot partition %q", got)
	}
	p1, _ := fl.Lookup("app1")
	if err := fl.SetBoot(p1); err != nil {
		t.Fatalf("SetBoot: %v", err)
	}
	if got := fl.BootPartition(); got != "app1" {
		t.Fatalf("boot partition after SetBoot: %q", got)
	}

	if err := fl.SetBoot(Partition{Label: "nope"}); !oerr.Is(err, oerr.NotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}
