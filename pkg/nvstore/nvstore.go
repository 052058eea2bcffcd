// Package nvstore is the non-volatile key/value store for the controller.
// Blobs are grouped by namespace and persisted to a single backing file,
// mirroring the layout the firmware keeps in its NVS flash partition:
// namespace "bootloader" holds boot stats and the reference hash,
// "pid_params" the controller gains, "statistics" the usage counters.
//
// Writes staged with SetBlob become durable only after Commit. A commit
// either fully succeeds or leaves the previously committed values
// observable.
package nvstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"sync"

	"ovenctl/pkg/oerr"
)

// Mode controls what a namespace handle may do.
type Mode int

const (
	// ReadOnly handles may only read committed blobs.
	ReadOnly Mode = iota
	// ReadWrite handles may stage writes and commit them.
	ReadWrite
)

// storeMagic guards the backing file against partial writes and foreign
// content. A file that fails the check is erased and reinitialized once.
const storeMagic = 0x4e565331 // "NVS1"

// Store is the process-wide non-volatile store.
type Store struct {
	mu   sync.Mutex
	path string
	data map[string]map[string][]byte
}

// Open loads (or creates) the store backed by the given file. A corrupt
// backing file is erased and reinitialized once, matching the firmware's
// response to "no free pages" / "version migrated" conditions.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		data: make(map[string]map[string][]byte),
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, oerr.Wrap(err, oerr.IOFailure, "nvstore.Open", "read backing file %s", path)
	}

	if err := s.decode(raw); err != nil {
		// Erase and reinitialize once, then continue empty.
		s.data = make(map[string]map[string][]byte)
		if werr := s.persistLocked(); werr != nil {
			return nil, werr
		}
	}
	return s, nil
}

// OpenNamespace returns a handle scoped to one namespace. Handles must not
// be shared between tasks.
func (s *Store) OpenNamespace(namespace string, mode Mode) (*Handle, error) {
	if namespace == "" {
		return nil, oerr.E(oerr.InvalidArgument, "nvstore.OpenNamespace", "empty namespace")
	}
	return &Handle{
		store:     s,
		namespace: namespace,
		mode:      mode,
		pending:   make(map[string][]byte),
	}, nil
}

// EraseAll removes every key in a namespace and persists immediately.
func (s *Store) EraseAll(namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := s.data[namespace]
	delete(s.data, namespace)
	if err := s.persistLocked(); err != nil {
		if saved != nil {
			s.data[namespace] = saved
		}
		return err
	}
	return nil
}

func (s *Store) decode(raw []byte) error {
	r := bytes.NewReader(raw)

	var magic, count uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return err
	}
	if magic != storeMagic {
		return fmt.Errorf("bad magic 0x%08x", magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return err
	}

	readStr := func(n int) (string, error) {
		b := make([]byte, n)
		if _, err := r.Read(b); err != nil {
			return "", err
		}
		return string(b), nil
	}

	for i := uint32(0); i < count; i++ {
		var nsLen, keyLen uint16
		var valLen uint32
		if err := binary.Read(r, binary.LittleEndian, &nsLen); err != nil {
			return err
		}
		ns, err := readStr(int(nsLen))
		if err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
			return err
		}
		key, err := readStr(int(keyLen))
		if err != nil {
			return err
		}
		if err := binary.Read(r, binary.LittleEndian, &valLen); err != nil {
			return err
		}
		val := make([]byte, valLen)
		if _, err := r.Read(val); err != nil {
			return err
		}

		if s.data[ns] == nil {
			s.data[ns] = make(map[string][]byte)
		}
		s.data[ns][key] = val
	}
	return nil
}

func (s *Store) encode() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(storeMagic))

	var count uint32
	for _, keys := range s.data {
		count += uint32(len(keys))
	}
	binary.Write(&buf, binary.LittleEndian, count)

	for ns, keys := range s.data {
		for key, val := range keys {
			binary.Write(&buf, binary.LittleEndian, uint16(len(ns)))
			buf.WriteString(ns)
			binary.Write(&buf, binary.LittleEndian, uint16(len(key)))
			buf.WriteString(key)
			binary.Write(&buf, binary.LittleEndian, uint32(len(val)))
			buf.Write(val)
		}
	}
	return buf.Bytes()
}

// persistLocked writes the store to disk atomically: temp file, sync,
// rename. Callers hold s.mu.
func (s *Store) persistLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return oerr.Wrap(err, oerr.IOFailure, "nvstore.persist", "open temp file")
	}
	if _, err := f.Write(s.encode()); err != nil {
		f.Close()
		os.Remove(tmp)
		return oerr.Wrap(err, oerr.IOFailure, "nvstore.persist", "write temp file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return oerr.Wrap(err, oerr.IOFailure, "nvstore.persist", "sync temp file")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return oerr.Wrap(err, oerr.IOFailure, "nvstore.persist", "close temp file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return oerr.Wrap(err, oerr.IOFailure, "nvstore.persist", "rename into place")
	}
	return nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Handle is a per-namespace view of the store. Staged writes are private
// to the handle until Commit.
type Handle struct {
	store     *Store
	namespace string
	mode      Mode
	pending   map[string][]byte
	erased    map[string]bool
}

// GetBlob copies the value for key into buf and returns its length.
// Staged-but-uncommitted writes on this handle are visible to it.
func (h *Handle) GetBlob(key string, buf []byte) (int, error) {
	if key == "" {
		return 0, oerr.E(oerr.InvalidArgument, "nvstore.GetBlob", "empty key")
	}

	if val, ok := h.pending[key]; ok {
		return copyBlob(val, buf)
	}
	if h.erased[key] {
		return 0, oerr.E(oerr.NotFound, "nvstore.GetBlob", "%s/%s erased", h.namespace, key)
	}

	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	ns, ok := h.store.data[h.namespace]
	if !ok {
		return 0, oerr.E(oerr.NotFound, "nvstore.GetBlob", "namespace %s not found", h.namespace)
	}
	val, ok := ns[key]
	if !ok {
		return 0, oerr.E(oerr.NotFound, "nvstore.GetBlob", "%s/%s not found", h.namespace, key)
	}
	return copyBlob(val, buf)
}

func copyBlob(val, buf []byte) (int, error) {
	if len(buf) < len(val) {
		return 0, oerr.E(oerr.SizeMismatch, "nvstore.GetBlob", "blob is %d bytes, buffer is %d", len(val), len(buf))
	}
	copy(buf, val)
	return len(val), nil
}

// SetBlob stages a write. The value is durable only after Commit.
func (h *Handle) SetBlob(key string, value []byte) error {
	if key == "" {
		return oerr.E(oerr.InvalidArgument, "nvstore.SetBlob", "empty key")
	}
	if h.mode != ReadWrite {
		return oerr.E(oerr.InvalidState, "nvstore.SetBlob", "handle for %s is read-only", h.namespace)
	}

	h.pending[key] = append([]byte(nil), value...)
	if h.erased != nil {
		delete(h.erased, key)
	}
	return nil
}

// EraseKey stages removal of a key.
func (h *Handle) EraseKey(key string) error {
	if h.mode != ReadWrite {
		return oerr.E(oerr.InvalidState, "nvstore.EraseKey", "handle for %s is read-only", h.namespace)
	}
	if h.erased == nil {
		h.erased = make(map[string]bool)
	}
	delete(h.pending, key)
	h.erased[key] = true
	return nil
}

// Commit applies staged writes and persists them. On failure the staged
// writes are kept on the handle and the committed state is unchanged.
func (h *Handle) Commit() error {
	if h.mode != ReadWrite {
		return oerr.E(oerr.InvalidState, "nvstore.Commit", "handle for %s is read-only", h.namespace)
	}
	if len(h.pending) == 0 && len(h.erased) == 0 {
		return nil
	}

	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	// Snapshot the namespace so a failed persist can be rolled back.
	var saved map[string][]byte
	if cur, ok := h.store.data[h.namespace]; ok {
		saved = make(map[string][]byte, len(cur))
		for k, v := range cur {
			saved[k] = v
		}
	}

	ns := h.store.data[h.namespace]
	if ns == nil {
		ns = make(map[string][]byte)
		h.store.data[h.namespace] = ns
	}
	for k := range h.erased {
		delete(ns, k)
	}
	for k, v := range h.pending {
		ns[k] = v
	}

	if err := h.store.persistLocked(); err != nil {
		if saved == nil {
			delete(h.store.data, h.namespace)
		} else {
			h.store.data[h.namespace] = saved
		}
		return err
	}

	h.pending = make(map[string][]byte)
	h.erased = nil
	return nil
}

// DefaultPath returns the conventional backing file location under dir.
func DefaultPath(dir string) string {
	return filepath.Join(dir, "nvs.bin")
}
