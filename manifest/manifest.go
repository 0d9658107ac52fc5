// Package manifest handles capsule.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the manifest file looked up by Load and FindAndLoad.
const FileName = "capsule.toml"

// Manifest represents a capsule.toml project configuration.
type Manifest struct {
	Project    Project     `toml:"project"`
	Runtime    Runtime     `toml:"runtime"`
	Log        Log         `toml:"log"`
	Resources  Resources   `toml:"resources"`
	Containers []Container `toml:"container"`

	// Dir is the directory containing the capsule.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Module  string `toml:"module"`
	Entry   string `toml:"entry"`
}

// Runtime configures the root container.
type Runtime struct {
	Workers    int      `toml:"workers"`
	Quantum    int      `toml:"quantum"`
	Timeout    Duration `toml:"timeout"`
	Reentrancy string   `toml:"reentrancy"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// Resources selects the native resources registered in the root container.
type Resources struct {
	Storage string   `toml:"storage"`
	Seed    int64    `toml:"seed"`
	Disable []string `toml:"disable"`
}

// Container describes a child container of the root.
type Container struct {
	Name string   `toml:"name"`
	Deny []string `toml:"deny"`
}

// Duration is a time.Duration written as a string like "250ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load parses a capsule.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return parse(dir, path, data)
}

func parse(dir, path string, data []byte) (*Manifest, error) {
	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	// Defaults
	if m.Project.Module == "" {
		m.Project.Module = "main.yaml"
	}
	if m.Runtime.Reentrancy == "" {
		m.Runtime.Reentrancy = "exclusive"
	}
	if m.Log.Verbosity == 0 {
		m.Log.Verbosity = 1
	}
	seen := make(map[string]bool)
	for i, c := range m.Containers {
		if c.Name == "" {
			return nil, fmt.Errorf("%s: container %d has no name", path, i)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("%s: duplicate container %q", path, c.Name)
		}
		seen[c.Name] = true
	}

	return &m, nil
}

// FindAndLoad walks up from startDir to find a capsule.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// ModulePath returns the absolute path of the project's module file.
func (m *Manifest) ModulePath() string {
	if filepath.IsAbs(m.Project.Module) {
		return m.Project.Module
	}
	return filepath.Join(m.Dir, m.Project.Module)
}

// StoragePath returns the absolute path of the storage database, or "" when
// storage is in memory.
func (m *Manifest) StoragePath() string {
	p := m.Resources.Storage
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// Enabled reports whether a resource was not disabled.
func (m *Manifest) Enabled(resource string) bool {
	for _, d := range m.Resources.Disable {
		if d == resource {
			return false
		}
	}
	return true
}

// LockFilePath returns the path to .capsule/lock.toml.
func (m *Manifest) LockFilePath() string {
	return filepath.Join(m.Dir, ".capsule", "lock.toml")
}
