// Package manifest handles svm.toml configuration.
package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chazu/stackvm/pkg/bytecode"
)

// FileName is the name of the configuration file.
const FileName = "svm.toml"

// Manifest represents an svm.toml configuration.
type Manifest struct {
	Machine Machine `toml:"machine"`
	Log     Log     `toml:"log"`
	Store   Store   `toml:"store"`

	// Dir is the directory containing the svm.toml file (set at load time).
	Dir string `toml:"-"`
}

// Machine configures how programs are executed.
type Machine struct {
	MemorySize int      `toml:"memory-size"` // used when an image declares none
	StepLimit  int      `toml:"step-limit"`  // 0 = unbounded
	Timeout    Duration `toml:"timeout"`     // 0 = none
	Trace      bool     `toml:"trace"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Store configures the program store.
type Store struct {
	Path string `toml:"path"` // relative paths resolve against Dir
}

// Duration is a time.Duration written as a string ("1.5s") in TOML.
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
	return []byte(d.String()), nil
}

// Default returns the configuration used when no svm.toml exists.
func Default() *Manifest {
	m := &Manifest{}
	m.applyDefaults()
	return m
}

func (m *Manifest) applyDefaults() {
	if m.Machine.MemorySize <= 0 {
		m.Machine.MemorySize = 16
	}
	if m.Store.Path == "" {
		m.Store.Path = filepath.Join(".svm", "programs.db")
	}
}

// Load parses an svm.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	md, err := toml.Decode(string(data), &m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown key %q in %s", undecoded[0].String(), path)
	}
	if m.Machine.StepLimit < 0 {
		return nil, fmt.Errorf("%s: step-limit must not be negative", path)
	}
	if m.Machine.MemorySize > bytecode.MaxMemorySize {
		return nil, fmt.Errorf("%s: memory-size must not exceed %d", path, bytecode.MaxMemorySize)
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	m.applyDefaults()
	return &m, nil
}

// FindAndLoad walks up from startDir to find an svm.toml file,
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

// Write encodes m to dir/svm.toml, creating dir if needed.
func Write(dir string, m *Manifest) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("encoding %s: %w", FileName, err)
	}

	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return nil
}

// StorePath returns the absolute path of the program store.
func (m *Manifest) StorePath() string {
	if filepath.IsAbs(m.Store.Path) || m.Dir == "" {
		return m.Store.Path
	}
	return filepath.Join(m.Dir, m.Store.Path)
}

// LogPath returns the log file path, or nil to log to stderr.
func (m *Manifest) LogPath() *string {
	if m.Log.File == "" {
		return nil
	}
	path := m.Log.File
	if !filepath.IsAbs(path) && m.Dir != "" {
		path = filepath.Join(m.Dir, path)
	}
	return &path
}
