// Package integrity verifies that the running application image matches
// the reference SHA-256 stored in non-volatile memory, and owns the hash
// utilities shared by SD recovery and the OTA updater.
package integrity

import (
	"crypto/sha256"
	"io"

	"ovenctl/pkg/flashpart"
	"ovenctl/pkg/oerr"
)

const (
	// HashSize is the SHA-256 digest length in bytes.
	HashSize = 32

	// ChunkSize is the buffer size used for streaming hashes.
	ChunkSize = 4096
)

// HashReader streams r through SHA-256 in ChunkSize pieces.
func HashReader(r io.Reader) ([HashSize]byte, error) {
	var out [HashSize]byte
	h := sha256.New()
	buf := make([]byte, ChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, oerr.Wrap(err, oerr.IOFailure, "integrity.HashReader", "read stream")
		}
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// HashPartition streams an entire flash partition through SHA-256.
func HashPartition(fl *flashpart.Flash, p flashpart.Partition) ([HashSize]byte, error) {
	var out [HashSize]byte
	h := sha256.New()
	buf := make([]byte, ChunkSize)
	for off := uint32(0); off < p.Size; off += ChunkSize {
		n := uint32(ChunkSize)
		if p.Size-off < n {
			n = p.Size - off
		}
		if err := fl.Read(p, off, buf[:n]); err != nil {
			return out, err
		}
		h.Write(buf[:n])
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// HashToHex renders a digest as 64 lowercase hex characters.
func HashToHex(hash [HashSize]byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, HashSize*2)
	for i, b := range hash {
		out[i*2] = digits[b>>4]
		out[i*2+1] = digits[b&0xf]
	}
	return string(out)
}

// HexToHash parses exactly 64 hex characters into a digest. Uppercase
// digits are accepted; anything else is a size or format error.
func HexToHash(s string) ([HashSize]byte, error) {
	var out [HashSize]byte
	if len(s) != HashSize*2 {
		return out, oerr.E(oerr.SizeMismatch, "integrity.HexToHash", "hash string is %d chars, want %d", len(s), HashSize*2)
	}
	for i := 0; i < HashSize; i++ {
		hi, ok1 := hexVal(s[i*2])
		lo, ok2 := hexVal(s[i*2+1])
		if !ok1 || !ok2 {
			return out, oerr.E(oerr.InvalidArgument, "integrity.HexToHash", "non-hex character at offset %d", i*2)
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
