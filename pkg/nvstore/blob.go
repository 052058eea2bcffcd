package nvstore

import (
	"encoding/binary"
	"math"

	"ovenctl/pkg/oerr"
)

// Typed helpers over the blob API. The firmware stores PID gains as
// 4-byte little-endian floats and counters as 4-byte unsigned integers;
// these keep that wire format bit-exact across restarts.

// SetFloat32 stages a 4-byte little-endian float blob.
func (h *Handle) SetFloat32(key string, v float32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
	return h.SetBlob(key, buf[:])
}

// GetFloat32 reads a 4-byte little-endian float blob.
func (h *Handle) GetFloat32(key string) (float32, error) {
	var buf [4]byte
	n, err := h.GetBlob(key, buf[:])
	if err != nil {
		return 0, err
	}
	if n != 4 {
		return 0, oerr.E(oerr.SizeMismatch, "nvstore.GetFloat32", "%s/%s is %d bytes, want 4", h.namespace, key, n)
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(buf[:])), nil
}

// SetUint32 stages a 4-byte little-endian unsigned integer blob.
func (h *Handle) SetUint32(key string, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return h.SetBlob(key, buf[:])
}

// GetUint32 reads a 4-byte little-endian unsigned integer blob.
func (h *Handle) GetUint32(key string) (uint32, error) {
	var buf [4]byte
	n, err := h.GetBlob(key, buf[:])
	if err != nil {
		return 0, err
	}
	if n != 4 {
		return 0, oerr.E(oerr.SizeMismatch, "nvstore.GetUint32", "%s/%s is %d bytes, want 4", h.namespace, key, n)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
