package integrity

import (
	"ovenctl/pkg/flashpart"
	"ovenctl/pkg/log"
	"ovenctl/pkg/nvstore"
	"ovenctl/pkg/oerr"
)

// Namespace and key for the stored reference hash.
const (
	NVNamespace = "bootloader"
	NVKeyHash   = "app_hash"
)

// Info is the result of one integrity verification.
type Info struct {
	Valid          bool
	Size           uint32
	CalculatedHash [HashSize]byte
	StoredHash     [HashSize]byte
	HashMatch      bool
	FirstBoot      bool
}

// Checker decides whether the running application matches the most
// recently stored reference hash.
type Checker struct {
	flash  *flashpart.Flash
	handle *nvstore.Handle
	logger *log.Logger
}

// NewChecker creates a checker over the given flash and NV store.
func NewChecker(fl *flashpart.Flash, store *nvstore.Store, logger *log.Logger) (*Checker, error) {
	h, err := store.OpenNamespace(NVNamespace, nvstore.ReadWrite)
	if err != nil {
		return nil, err
	}
	return &Checker{flash: fl, handle: h, logger: logger}, nil
}

// Verify hashes the running partition and compares it with the stored
// reference. On the very first boot no reference exists; the computed
// hash is written once and treated as authoritative.
func (c *Checker) Verify() (*Info, error) {
	info := &Info{}

	part := c.flash.Running()
	if !ValidFirmwareSize(part.Size) {
		return info, oerr.E(oerr.SizeMismatch, "integrity.Verify", "partition %s size %d outside [%d, %d]",
			part.Label, part.Size, FirmwareMinSize, FirmwareMaxSize)
	}
	info.Size = part.Size

	calc, err := HashPartition(c.flash, part)
	if err != nil {
		return info, err
	}
	info.CalculatedHash = calc

	stored, err := c.ReadStoredHash()
	if oerr.Is(err, oerr.NotFound) {
		c.logger.Warn("no reference hash stored, first boot detected")
		if err := c.StoreFirmwareHash(calc); err != nil {
			return info, err
		}
		info.StoredHash = calc
		info.HashMatch = true
		info.Valid = true
		info.FirstBoot = true
		return info, nil
	}
	if err != nil {
		return info, err
	}
	info.StoredHash = stored

	info.HashMatch = calc == stored
	info.Valid = info.HashMatch
	if !info.HashMatch {
		c.logger.ErrorF("firmware hash mismatch", log.Fields{
			"calculated": HashToHex(calc),
			"stored":     HashToHex(stored),
		})
		return info, oerr.E(oerr.IntegrityMismatch, "integrity.Verify", "running image does not match reference hash")
	}

	c.logger.Info("integrity verification passed (%s)", part.Label)
	return info, nil
}

// ReadStoredHash loads the reference hash from NV.
func (c *Checker) ReadStoredHash() ([HashSize]byte, error) {
	var out [HashSize]byte
	buf := make([]byte, HashSize)
	n, err := c.handle.GetBlob(NVKeyHash, buf)
	if err != nil {
		return out, err
	}
	if n != HashSize {
		return out, oerr.E(oerr.SizeMismatch, "integrity.ReadStoredHash", "stored hash is %d bytes", n)
	}
	copy(out[:], buf)
	return out, nil
}

// StoreFirmwareHash durably replaces the reference hash.
func (c *Checker) StoreFirmwareHash(hash [HashSize]byte) error {
	if err := c.handle.SetBlob(NVKeyHash, hash[:]); err != nil {
		return err
	}
	if err := c.handle.Commit(); err != nil {
		return err
	}
	c.logger.Info("reference hash stored: %s", HashToHex(hash))
	return nil
}

// ClearIntegrityData removes the reference hash (factory reset).
func (c *Checker) ClearIntegrityData() error {
	if err := c.handle.EraseKey(NVKeyHash); err != nil {
		return err
	}
	return c.handle.Commit()
}
