// Package config loads link settings from a YAML or TOML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/lto/internal/backend"
	"github.com/tinyrange/lto/internal/cache"
	"github.com/tinyrange/lto/internal/lto"
)

const (
	DefaultMachine  = backend.MachineX86_64
	DefaultOptLevel = 2
	DefaultBackend  = "native"
	DefaultOutput   = "a.out"
)

// File is the on-disk link configuration. Unset fields keep their defaults.
type File struct {
	Machine string   `yaml:"machine" toml:"machine"`
	Triple  string   `yaml:"triple,omitempty" toml:"triple"`
	CPU     string   `yaml:"cpu,omitempty" toml:"cpu"`
	Attrs   []string `yaml:"attrs,omitempty" toml:"attrs"`
	// OptLevel is a pointer so an explicit 0 survives normalize.
	OptLevel *int   `yaml:"optLevel,omitempty" toml:"opt-level"`
	Jobs     int    `yaml:"jobs,omitempty" toml:"jobs"`
	Backend  string `yaml:"backend" toml:"backend"`
	ToolDir  string `yaml:"toolDir,omitempty" toml:"tool-dir"`
	Output   string `yaml:"output" toml:"output"`

	SaveTemps        bool  `yaml:"saveTemps,omitempty" toml:"save-temps"`
	FunctionSections *bool `yaml:"functionSections,omitempty" toml:"function-sections"`
	DataSections     *bool `yaml:"dataSections,omitempty" toml:"data-sections"`

	Cache CacheConfig `yaml:"cache" toml:"cache"`
}

type CacheConfig struct {
	Dir string `yaml:"dir,omitempty" toml:"dir"`
	// Policy uses the prune_interval=..:cache_size_files=.. syntax.
	Policy string `yaml:"policy,omitempty" toml:"policy"`
}

// Default returns the configuration used when no file is given.
func Default() File {
	var f File
	f.normalize()
	return f
}

func (f *File) normalize() {
	if f.Machine == "" {
		f.Machine = string(DefaultMachine)
	}
	if f.OptLevel == nil {
		level := DefaultOptLevel
		f.OptLevel = &level
	}
	if f.Backend == "" {
		f.Backend = DefaultBackend
	}
	if f.Output == "" {
		f.Output = DefaultOutput
	}
}

// Load reads path, choosing the decoder by extension.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}

	var f File
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return File{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &f); err != nil {
			return File{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return File{}, fmt.Errorf("unsupported config format %q", ext)
	}
	f.normalize()
	return f, nil
}

// Target builds the code generation target.
func (f File) Target() (backend.Target, error) {
	machine, err := backend.ParseMachine(f.Machine)
	if err != nil {
		return backend.Target{}, err
	}
	level := DefaultOptLevel
	if f.OptLevel != nil {
		level = *f.OptLevel
	}

	t := backend.NewTarget(machine, level)
	if f.Triple != "" {
		t.Triple = f.Triple
	}
	t.CPU = f.CPU
	t.Attrs = f.Attrs
	if f.FunctionSections != nil {
		t.FunctionSections = *f.FunctionSections
	}
	if f.DataSections != nil {
		t.DataSections = *f.DataSections
	}
	return t, t.Validate()
}

// LTO builds the compiler configuration.
func (f File) LTO() (lto.Config, error) {
	target, err := f.Target()
	if err != nil {
		return lto.Config{}, err
	}
	policy, err := cache.ParsePolicy(f.Cache.Policy)
	if err != nil {
		return lto.Config{}, err
	}
	if f.Jobs < 0 {
		return lto.Config{}, fmt.Errorf("invalid job count %d", f.Jobs)
	}
	return lto.Config{
		Target:      target,
		Jobs:        f.Jobs,
		CacheDir:    f.Cache.Dir,
		CachePolicy: policy,
		SaveTemps:   f.SaveTemps,
		OutputFile:  f.Output,
	}, nil
}

// BackendOptions builds the options for backend.Open.
func (f File) BackendOptions() (backend.Options, error) {
	target, err := f.Target()
	if err != nil {
		return backend.Options{}, err
	}
	return backend.Options{
		Target:    target,
		ToolDir:   f.ToolDir,
		KeepTemps: f.SaveTemps,
	}, nil
}
