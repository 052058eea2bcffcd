package integrity

import (
	"bytes"
	"encoding/binary"

	"ovenctl/pkg/oerr"
)

const (
	// FirmwareMagic is the sentinel at the start of a valid image header.
	FirmwareMagic = 0xDEADBEEF

	// FirmwareMinSize is the smallest plausible application image.
	FirmwareMinSize = 1024 * 1024

	// FirmwareMaxSize leaves safety margin below the partition size.
	FirmwareMaxSize = 9 * 1024 * 1024

	// HeaderSize is the packed byte length of FirmwareHeader.
	HeaderSize = 4 + 4 + 4 + HashSize + 4 + 4 + 64
)

// FirmwareHeader is the packed little-endian block prefixing an image.
type FirmwareHeader struct {
	Magic     uint32
	Version   uint32
	Size      uint32
	SHA256    [HashSize]byte
	CRC32     uint32
	Timestamp uint32
	BuildInfo [64]byte
}

// BuildInfoString returns the build info as a trimmed ASCII string.
func (h *FirmwareHeader) BuildInfoString() string {
	n := bytes.IndexByte(h.BuildInfo[:], 0)
	if n < 0 {
		n = len(h.BuildInfo)
	}
	return string(h.BuildInfo[:n])
}

// ParseHeader decodes a packed header from the start of data.
func ParseHeader(data []byte) (*FirmwareHeader, error) {
	if len(data) < HeaderSize {
		return nil, oerr.E(oerr.SizeMismatch, "integrity.ParseHeader", "%d bytes, header needs %d", len(data), HeaderSize)
	}

	var h FirmwareHeader
	r := bytes.NewReader(data[:HeaderSize])
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, oerr.Wrap(err, oerr.IOFailure, "integrity.ParseHeader", "decode header")
	}
	return &h, nil
}

// ValidFirmwareSize reports whether size is inside the accepted range.
func ValidFirmwareSize(size uint32) bool {
	return size >= FirmwareMinSize && size <= FirmwareMaxSize
}

// VerifyFirmwareHeader parses and validates the header at the start of
// data: magic sentinel, size bounds, and declared size not exceeding the
// bytes actually available.
func VerifyFirmwareHeader(data []byte) (*FirmwareHeader, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	if h.Magic != FirmwareMagic {
		return nil, oerr.E(oerr.IntegrityMismatch, "integrity.VerifyFirmwareHeader", "bad magic 0x%08X", h.Magic)
	}
	if !ValidFirmwareSize(h.Size) {
		return nil, oerr.E(oerr.SizeMismatch, "integrity.VerifyFirmwareHeader", "declared size %d outside [%d, %d]",
			h.Size, FirmwareMinSize, FirmwareMaxSize)
	}
	if uint64(h.Size) > uint64(len(data)) {
		return nil, oerr.E(oerr.SizeMismatch, "integrity.VerifyFirmwareHeader", "declared size %d exceeds available %d bytes",
			h.Size, len(data))
	}
	return h, nil
}
