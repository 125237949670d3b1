package groupwave

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lestrrat-go/strftime"
	"gopkg.in/yaml.v3"
)

// nowFunc is a var so snapshot-filename generation stays mockable.
var nowFunc = time.Now

// NVS is the tiny persistent key/value interface the core consumes.
// Namespaces in use: "device_id", "dial_slots".
type NVS interface {
	Get(namespace, key string) ([]byte, error)
	Put(namespace, key string, value []byte) error
	Erase(namespace, key string) error
	Commit() error
}

// MemoryNVS is an in-memory NVS, used by tests and the loopback
// device composition.
type MemoryNVS struct {
	mu   sync.Mutex
	data map[string]map[string][]byte
}

func NewMemoryNVS() *MemoryNVS {
	return &MemoryNVS{data: map[string]map[string][]byte{}}
}

func (m *MemoryNVS) Get(namespace, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		return nil, newErr("nvs.get", ErrNotFound)
	}
	v, ok := ns[key]
	if !ok {
		return nil, newErr("nvs.get", ErrNotFound)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryNVS) Put(namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		ns = map[string][]byte{}
		m.data[namespace] = ns
	}
	v := make([]byte, len(value))
	copy(v, value)
	ns[key] = v
	return nil
}

func (m *MemoryNVS) Erase(namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ns, ok := m.data[namespace]; ok {
		delete(ns, key)
	}
	return nil
}

func (m *MemoryNVS) Commit() error { return nil }

// FileNVS is a namespaced key/value store backed by a single YAML
// snapshot file (values are base64-encoded since YAML strings aren't
// a natural fit for arbitrary binary), the same format the teacher
// uses for its tocalls.yaml data file. Layouts stored under each key
// are the implementation's private format and are validated on Load.
type FileNVS struct {
	mu       sync.Mutex
	path     string
	snapDir  string
	data     map[string]map[string]string // namespace -> key -> base64
	dirty    bool
}

type fileNVSDocument struct {
	Namespaces map[string]map[string]string `yaml:"namespaces"`
}

// NewFileNVS opens (or creates) a YAML-backed store at path. snapDir,
// if non-empty, receives timestamped snapshots on Commit named with
// strftime's "%Y%m%dT%H%M%S" pattern.
func NewFileNVS(path, snapDir string) (*FileNVS, error) {
	f := &FileNVS{path: path, snapDir: snapDir, data: map[string]map[string]string{}}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *FileNVS) load() error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return wrapErr("nvs.file.load", ErrIO, err)
	}
	var doc fileNVSDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return wrapErr("nvs.file.load", ErrIO, err)
	}
	if doc.Namespaces == nil {
		return wrapErr("nvs.file.load", ErrIO, fmt.Errorf("malformed nvs snapshot: no namespaces"))
	}
	f.data = doc.Namespaces
	return nil
}

func (f *FileNVS) Get(namespace, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ns, ok := f.data[namespace]
	if !ok {
		return nil, newErr("nvs.file.get", ErrNotFound)
	}
	enc, ok := ns[key]
	if !ok {
		return nil, newErr("nvs.file.get", ErrNotFound)
	}
	v, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, wrapErr("nvs.file.get", ErrIO, err)
	}
	return v, nil
}

func (f *FileNVS) Put(namespace, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ns, ok := f.data[namespace]
	if !ok {
		ns = map[string]string{}
		f.data[namespace] = ns
	}
	ns[key] = base64.StdEncoding.EncodeToString(value)
	f.dirty = true
	return nil
}

func (f *FileNVS) Erase(namespace, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ns, ok := f.data[namespace]; ok {
		delete(ns, key)
		f.dirty = true
	}
	return nil
}

func (f *FileNVS) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirty {
		return nil
	}

	doc := fileNVSDocument{Namespaces: f.data}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return wrapErr("nvs.file.commit", ErrIO, err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return wrapErr("nvs.file.commit", ErrNoSpace, err)
	}
	if err := os.WriteFile(f.path, out, 0o644); err != nil {
		return wrapErr("nvs.file.commit", ErrIO, err)
	}

	if f.snapDir != "" {
		if err := f.writeSnapshot(out); err != nil {
			return err
		}
	}

	f.dirty = false
	return nil
}

func (f *FileNVS) writeSnapshot(out []byte) error {
	name, err := strftime.Format("nvs-%Y%m%dT%H%M%S.yaml", nowFunc())
	if err != nil {
		return wrapErr("nvs.file.snapshot", ErrIO, err)
	}
	if err := os.MkdirAll(f.snapDir, 0o755); err != nil {
		return wrapErr("nvs.file.snapshot", ErrNoSpace, err)
	}
	if err := os.WriteFile(filepath.Join(f.snapDir, name), out, 0o644); err != nil {
		return wrapErr("nvs.file.snapshot", ErrIO, err)
	}
	return nil
}
