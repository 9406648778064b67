// Package backend defines the capability the LTO compiler drives to turn a
// unit of IR into a native object, and the shared helpers its
// implementations use.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/lto/internal/diag"
	"github.com/tinyrange/lto/internal/irmod"
)

// Unit is one independently compilable partition.
type Unit struct {
	Index   int
	Modules []*irmod.Module
	Target  Target
}

// Empty reports whether the unit holds no modules.
func (u *Unit) Empty() bool {
	return len(u.Modules) == 0
}

// Backend turns units into native objects.
type Backend interface {
	// Name identifies the backend. It is part of every cache key.
	Name() string
	// Partition splits mods into units. jobs == 0 requests a single unit;
	// jobs > 0 allows up to jobs units. Slots may be empty.
	Partition(mods []*irmod.Module, jobs int) [][]*irmod.Module
	// Compile returns the native object for u. An empty result means the
	// unit produced no code.
	Compile(ctx context.Context, u *Unit, sink diag.Sink) ([]byte, error)
}

// Options configures a backend created through Open.
type Options struct {
	Target Target
	Logger *slog.Logger
	// ToolDir is searched for external tools before PATH.
	ToolDir string
	// KeepTemps leaves intermediate files of out-of-process backends on disk.
	KeepTemps bool
}

// Factory creates a backend.
type Factory func(opts Options) (Backend, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a backend available to Open. It panics when the same name is
// registered twice so mistakes are caught during init.
func Register(name string, f Factory) {
	if name == "" {
		panic("backend: cannot register backend with empty name")
	}
	if f == nil {
		panic("backend: factory must be non-nil")
	}

	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("backend: %s already registered", name))
	}
	factories[name] = f
}

// Open creates the backend registered under name.
func Open(name string, opts Options) (Backend, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("backend: no backend registered for %q", name)
	}
	if err := opts.Target.Validate(); err != nil {
		return nil, fmt.Errorf("backend %s: %w", name, err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return f(opts)
}

// Names lists the registered backends.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RoundRobin is the partitioner shared by the bundled backends. jobs == 0
// yields one unit holding every module; otherwise exactly jobs slots are
// allocated and module i goes to slot i%jobs, so surplus slots stay empty.
func RoundRobin(mods []*irmod.Module, jobs int) [][]*irmod.Module {
	if jobs <= 0 {
		return [][]*irmod.Module{append([]*irmod.Module(nil), mods...)}
	}
	units := make([][]*irmod.Module, jobs)
	for i, m := range mods {
		units[i%jobs] = append(units[i%jobs], m)
	}
	return units
}
