package boot

import (
	"encoding/binary"

	"ovenctl/pkg/oerr"
)

// Reason records why the last boot took the path it did.
type Reason uint8

const (
	ReasonNormal Reason = iota
	ReasonCorruption
	ReasonUpdateFailed
	ReasonRecovery
	ReasonMultipleFailures
	ReasonSDRecovery
	ReasonEmergency
)

func (r Reason) String() string {
	switch r {
	case ReasonNormal:
		return "normal"
	case ReasonCorruption:
		return "corruption"
	case ReasonUpdateFailed:
		return "update_failed"
	case ReasonRecovery:
		return "recovery"
	case ReasonMultipleFailures:
		return "multiple_failures"
	case ReasonSDRecovery:
		return "sd_recovery"
	case ReasonEmergency:
		return "emergency"
	}
	return "unknown"
}

// Stats is the persisted boot bookkeeping block.
type Stats struct {
	BootAttempts          uint8
	RecoveryAttempts      uint8
	TotalBoots            uint32
	TotalRecoveries       uint32
	LastBootReason        Reason
	LastRecoveryTimestamp uint32
	FirstBoot             bool
}

// statsBlobSize is the packed little-endian size of Stats.
const statsBlobSize = 1 + 1 + 4 + 4 + 1 + 4 + 1

func (s *Stats) encode() []byte {
	buf := make([]byte, statsBlobSize)
	buf[0] = s.BootAttempts
	buf[1] = s.RecoveryAttempts
	binary.LittleEndian.PutUint32(buf[2:6], s.TotalBoots)
	binary.LittleEndian.PutUint32(buf[6:10], s.TotalRecoveries)
	buf[10] = uint8(s.LastBootReason)
	binary.LittleEndian.PutUint32(buf[11:15], s.LastRecoveryTimestamp)
	if s.FirstBoot {
		buf[15] = 1
	}
	return buf
}

func decodeStats(buf []byte) (Stats, error) {
	var s Stats
	if len(buf) != statsBlobSize {
		return s, oerr.E(oerr.SizeMismatch, "boot.decodeStats", "stats blob is %d bytes, want %d", len(buf), statsBlobSize)
	}
	s.BootAttempts = buf[0]
	s.RecoveryAttempts = buf[1]
	s.TotalBoots = binary.LittleEndian.Uint32(buf[2:6])
	s.TotalRecoveries = binary.LittleEndian.Uint32(buf[6:10])
	s.LastBootReason = Reason(buf[10])
	s.LastRecoveryTimestamp = binary.LittleEndian.Uint32(buf[11:15])
	s.FirstBoot = buf[15] != 0
	return s, nil
}
