// Package lto coordinates link-time optimization: it collects the IR modules
// the linker deferred, resolves which definition of each symbol prevails,
// compiles the result in units through a backend with an optional on-disk
// cache in between, and hands the native objects back to the linker.
package lto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/lto/internal/backend"
	"github.com/tinyrange/lto/internal/cache"
	"github.com/tinyrange/lto/internal/diag"
	"github.com/tinyrange/lto/internal/irmod"
	"github.com/tinyrange/lto/internal/resolve"
	"github.com/tinyrange/lto/internal/symtab"
	"github.com/tinyrange/lto/internal/timeslice"
)

// ErrCompiled is returned when modules are added or compiled after Compile.
var ErrCompiled = errors.New("lto: modules already compiled")

// UnitError is a backend failure for one unit. It aborts the whole compile.
type UnitError struct {
	Unit int
	Err  error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("lto: unit %d: %v", e.Unit, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

// CacheWriteError is a failure to publish a freshly compiled unit. It is
// fatal: continuing could link a stale or missing object on the next run.
type CacheWriteError struct {
	Unit int
	Key  string
	Err  error
}

func (e *CacheWriteError) Error() string {
	return fmt.Sprintf("lto: unit %d: write cache entry %s: %v", e.Unit, e.Key, e.Err)
}

func (e *CacheWriteError) Unwrap() error { return e.Err }

// Store is the cache capability the compiler needs. *cache.Cache implements
// it; Get must return cache.ErrNotFound on a miss.
type Store interface {
	Get(key string) ([]byte, string, error)
	Put(key string, data []byte) (string, error)
	Prune(p cache.Policy) (cache.PruneStats, error)
}

// Config holds everything that affects one LTO compile.
type Config struct {
	Target backend.Target
	// Jobs is the requested parallelism. 0 compiles everything as one unit.
	Jobs int
	// CacheDir enables the on-disk cache when set.
	CacheDir    string
	CachePolicy cache.Policy
	// SaveTemps writes every freshly compiled unit and the resolution table
	// next to OutputFile.
	SaveTemps  bool
	OutputFile string
	// Diagnostics receives backend warnings and errors. Defaults to the logger.
	Diagnostics diag.Sink
}

// Stats counts what a compile did.
type Stats struct {
	Units       int
	CacheHits   int
	CacheMisses int
	Invocations int
	Empty       int
	Objects     int
}

type Option func(*Compiler)

// WithStore sets the cache store, overriding Config.CacheDir.
func WithStore(s Store) Option {
	return func(c *Compiler) { c.store = s }
}

// WithProgress registers a callback run after each unit completes. It is
// called from worker goroutines.
func WithProgress(fn func(done, total int)) Option {
	return func(c *Compiler) { c.progress = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Compiler) { c.logger = logger }
}

// WithTimings records how long each phase takes.
func WithTimings(r *timeslice.Recorder) Option {
	return func(c *Compiler) { c.timings = r }
}

// Compiler owns the modules of one link.
type Compiler struct {
	cfg      Config
	backend  backend.Backend
	table    *symtab.Table
	registry irmod.Registry
	store    Store
	logger   *slog.Logger
	sink     diag.Sink
	progress func(done, total int)
	timings  *timeslice.Recorder

	compiled bool
	stats    Stats

	hits, misses, invocations, empty atomic.Int64
}

// New validates cfg and opens the cache. table is the linker-wide symbol
// table the resolver reads verdicts from.
func New(cfg Config, be backend.Backend, table *symtab.Table, opts ...Option) (*Compiler, error) {
	if be == nil {
		return nil, fmt.Errorf("lto: backend must be non-nil")
	}
	if table == nil {
		return nil, fmt.Errorf("lto: symbol table must be non-nil")
	}
	if err := cfg.Target.Validate(); err != nil {
		return nil, fmt.Errorf("lto: %w", err)
	}
	if cfg.Jobs < 0 {
		return nil, fmt.Errorf("lto: invalid job count %d", cfg.Jobs)
	}
	if cfg.SaveTemps && cfg.OutputFile == "" {
		return nil, fmt.Errorf("lto: save-temps needs an output file name")
	}

	c := &Compiler{
		cfg:     cfg,
		backend: be,
		table:   table,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.store == nil && cfg.CacheDir != "" {
		store, err := cache.Open(cfg.CacheDir, cache.WithLogger(c.logger))
		if err != nil {
			return nil, fmt.Errorf("lto: %w", err)
		}
		c.store = store
		c.logger.Debug("opened LTO cache", slog.String("dir", store.Dir()))
	}

	c.sink = cfg.Diagnostics
	if c.sink == nil {
		c.sink = diag.NewLogSink(c.logger)
	}
	return c, nil
}

// Add registers one IR module. Modules must all be added before Compile.
func (c *Compiler) Add(m *irmod.Module) error {
	if c.compiled {
		return ErrCompiled
	}
	if m == nil || m.File == nil {
		return fmt.Errorf("lto: module must have an origin file")
	}
	c.registry.Register(m)
	return nil
}

// Modules returns the registered modules.
func (c *Compiler) Modules() []*irmod.Module {
	return c.registry.Modules()
}

// Stats returns the counters of the last Compile.
func (c *Compiler) Stats() Stats {
	return c.stats
}

// Compile resolves symbols, compiles every unit and returns the native
// objects in link order. It can run once per Compiler.
func (c *Compiler) Compile(ctx context.Context) ([][]byte, error) {
	if c.compiled {
		return nil, ErrCompiled
	}
	c.compiled = true

	start := time.Now()
	res := resolve.Resolve(&c.registry, c.table)
	c.timings.Since(timeslice.KindResolve, start)
	c.logger.Debug("resolved LTO symbols",
		slog.Int("modules", c.registry.Len()),
		slog.Int("symbols", res.Symbols),
		slog.Int("prevailing", res.Prevailing),
		slog.Int("demoted", res.Demoted))

	if c.cfg.SaveTemps {
		if err := writeResolutions(c.cfg.OutputFile+".resolution.txt", &c.registry); err != nil {
			return nil, err
		}
	}

	start = time.Now()
	parts := c.backend.Partition(c.registry.Modules(), c.cfg.Jobs)
	c.timings.Since(timeslice.KindPartition, start)
	n := len(parts)
	units := make([]*backend.Unit, n)
	for i, mods := range parts {
		units[i] = &backend.Unit{Index: i, Modules: mods, Target: c.cfg.Target}
	}

	// One slot per unit; each worker writes only its own index.
	fresh := make([][]byte, n)
	cached := make([]*cachedObject, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.cfg.Jobs, 1))

	var done atomic.Int64
	for _, u := range units {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := c.compileUnit(gctx, u, fresh, cached); err != nil {
				return err
			}
			if c.progress != nil {
				c.progress(int(done.Add(1)), n)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Every write of this run is complete, so eviction is safe now.
	if c.store != nil {
		start = time.Now()
		stats, err := c.store.Prune(c.cfg.CachePolicy)
		c.timings.Since(timeslice.KindPrune, start)
		if err != nil {
			c.sink.Report(diag.Diagnostic{Severity: diag.Warning, Unit: -1, Message: fmt.Sprintf("prune cache: %v", err)})
		} else if stats.Removed > 0 {
			c.logger.Debug("pruned LTO cache",
				slog.Int("removed", stats.Removed),
				slog.Int64("removedBytes", stats.RemovedBytes),
				slog.Int("remaining", stats.Remaining))
		}
	}

	start = time.Now()
	objs, err := aggregate(fresh, cached, saveTemps{enabled: c.cfg.SaveTemps, output: c.cfg.OutputFile})
	c.timings.Since(timeslice.KindAggregate, start)
	if err != nil {
		return nil, err
	}

	c.stats = Stats{
		Units:       n,
		CacheHits:   int(c.hits.Load()),
		CacheMisses: int(c.misses.Load()),
		Invocations: int(c.invocations.Load()),
		Empty:       int(c.empty.Load()),
		Objects:     len(objs),
	}
	c.logger.Info("LTO compile finished",
		slog.Int("units", c.stats.Units),
		slog.Int("objects", c.stats.Objects),
		slog.Int("cacheHits", c.stats.CacheHits),
		slog.Int("cacheMisses", c.stats.CacheMisses))
	return objs, nil
}

func (c *Compiler) compileUnit(ctx context.Context, u *backend.Unit, fresh [][]byte, cached []*cachedObject) error {
	// Nothing was partitioned into this slot.
	if u.Empty() {
		c.empty.Add(1)
		return nil
	}

	var key string
	if c.store != nil {
		start := time.Now()
		key = Fingerprint(c.backend.Name(), u)
		data, path, err := c.store.Get(key)
		c.timings.Since(timeslice.KindCacheLookup, start)
		if err == nil {
			c.hits.Add(1)
			cached[u.Index] = &cachedObject{path: path, data: data}
			return nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			c.logger.Debug("cache read failed, compiling",
				slog.Int("unit", u.Index),
				slog.String("key", key),
				slog.Any("err", err))
		}
		c.misses.Add(1)
	}

	c.invocations.Add(1)
	start := time.Now()
	data, err := c.backend.Compile(ctx, u, c.sink)
	c.timings.Since(timeslice.KindCompile, start)
	if err != nil {
		return &UnitError{Unit: u.Index, Err: err}
	}
	if len(data) == 0 {
		c.empty.Add(1)
	}

	if c.store == nil {
		fresh[u.Index] = data
		return nil
	}

	start = time.Now()
	path, err := c.store.Put(key, data)
	c.timings.Since(timeslice.KindCacheWrite, start)
	if err != nil {
		return &CacheWriteError{Unit: u.Index, Key: key, Err: err}
	}
	cached[u.Index] = &cachedObject{path: path, data: data}
	return nil
}
