package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// LockFile pins the content hash of the modules a project runs.
type LockFile struct {
	Modules []LockedModule `toml:"module"`
}

// LockedModule records one module file and the hash of its canonical image.
type LockedModule struct {
	Path     string    `toml:"path"`
	Hash     string    `toml:"hash"`
	Modified time.Time `toml:"modified"`
}

// ReadLock reads a lock file. A missing file yields nil, nil.
func ReadLock(path string) (*LockFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lf LockFile
	if err := toml.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return &lf, nil
}

// WriteLock writes lf to path, creating the parent directory.
func WriteLock(path string, lf *LockFile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	var buf bytes.Buffer
	buf.WriteString("# Generated by capsule. Do not edit.\n\n")
	if err := toml.NewEncoder(&buf).Encode(lf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// Find returns the entry for path, or nil.
func (lf *LockFile) Find(path string) *LockedModule {
	if lf == nil {
		return nil
	}
	for i := range lf.Modules {
		if lf.Modules[i].Path == path {
			return &lf.Modules[i]
		}
	}
	return nil
}

// Pin records hash for path, replacing an existing entry.
func (lf *LockFile) Pin(path, hash string) {
	now := time.Now().UTC().Truncate(time.Second)
	if m := lf.Find(path); m != nil {
		m.Hash = hash
		m.Modified = now
		return
	}
	lf.Modules = append(lf.Modules, LockedModule{Path: path, Hash: hash, Modified: now})
}

// Verify checks hash against the pinned entry for path. Unpinned modules
// pass.
func (lf *LockFile) Verify(path, hash string) error {
	m := lf.Find(path)
	if m == nil || m.Hash == hash {
		return nil
	}
	return fmt.Errorf("module %s changed: locked hash %s, now %s", path, m.Hash, hash)
}
