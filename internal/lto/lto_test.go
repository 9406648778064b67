package lto

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinyrange/lto/internal/backend"
	"github.com/tinyrange/lto/internal/cache"
	"github.com/tinyrange/lto/internal/diag"
	"github.com/tinyrange/lto/internal/irmod"
	"github.com/tinyrange/lto/internal/symtab"
	"github.com/tinyrange/lto/internal/timeslice"
)

// fakeBackend renders each unit as a text summary of its modules and the
// symbols they keep.
type fakeBackend struct {
	calls atomic.Int64
	// failUnit makes Compile fail for that unit index; -1 disables.
	failUnit int
	// empty lists modules that contribute no code.
	empty map[string]bool
	// hold blocks a unit until its channel is closed.
	hold map[int]chan struct{}
	// finished runs after each unit's output is ready.
	finished func(unit int)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{failUnit: -1, empty: map[string]bool{}}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Partition(mods []*irmod.Module, jobs int) [][]*irmod.Module {
	return backend.RoundRobin(mods, jobs)
}

func (b *fakeBackend) Compile(ctx context.Context, u *backend.Unit, sink diag.Sink) ([]byte, error) {
	b.calls.Add(1)
	if ch, ok := b.hold[u.Index]; ok {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.finished != nil {
		defer b.finished(u.Index)
	}
	if u.Index == b.failUnit {
		return nil, fmt.Errorf("codegen exploded")
	}
	var buf bytes.Buffer
	for _, m := range u.Modules {
		if b.empty[m.ID()] {
			continue
		}
		fmt.Fprintf(&buf, "[%s", m.ID())
		for _, s := range m.Symbols {
			if s.Prevailing() {
				fmt.Fprintf(&buf, " %s", s.Name)
			}
		}
		buf.WriteString("]")
	}
	if buf.Len() == 0 {
		return nil, nil
	}
	return buf.Bytes(), nil
}

// memStore is an in-memory Store with injectable failures.
type memStore struct {
	mu      sync.Mutex
	entries map[string][]byte
	getErr  error
	putErr  error
	pruned  int
}

func newMemStore() *memStore {
	return &memStore{entries: map[string][]byte{}}
}

func (s *memStore) Get(key string) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, "", s.getErr
	}
	data, ok := s.entries[key]
	if !ok {
		return nil, "", cache.ErrNotFound
	}
	return data, "mem/" + key, nil
}

func (s *memStore) Put(key string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return "", s.putErr
	}
	s.entries[key] = data
	return "mem/" + key, nil
}

func (s *memStore) Prune(p cache.Policy) (cache.PruneStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned++
	return cache.PruneStats{Remaining: len(s.entries)}, nil
}

type sym struct {
	name string
	kind irmod.DefKind
}

func newModule(tbl *symtab.Table, path string, syms ...sym) *irmod.Module {
	file := &symtab.File{Path: path, Kind: symtab.KindBitcode}
	m := &irmod.Module{File: file, Source: []byte("; " + path + "\n")}
	for _, s := range syms {
		m.Symbols = append(m.Symbols, &irmod.Symbol{
			Name:  s.name,
			Kind:  s.kind,
			Entry: tbl.Add(s.name, s.kind.TableKind(), file, 0),
		})
	}
	return m
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(jobs int) Config {
	return Config{
		Target: backend.NewTarget(backend.MachineX86_64, 2),
		Jobs:   jobs,
	}
}

// link builds a fresh table and compiler holding one module per path. Every
// module defines a symbol named after itself plus the shared symbol foo.
func link(t *testing.T, cfg Config, be backend.Backend, paths []string, opts ...Option) *Compiler {
	t.Helper()
	tbl := symtab.New()
	opts = append([]Option{WithLogger(quiet)}, opts...)
	c, err := New(cfg, be, tbl, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, p := range paths {
		name := strings.TrimSuffix(p, ".ll")
		if err := c.Add(newModule(tbl, p, sym{name, irmod.Defined}, sym{"foo", irmod.Defined})); err != nil {
			t.Fatalf("Add(%s): %v", p, err)
		}
	}
	return c
}

func TestCompileOrderSkipsEmptyUnits(t *testing.T) {
	be := newFakeBackend()
	be.empty["b.ll"] = true

	// Unit 0 finishes only after the other two have.
	release := make(chan struct{})
	be.hold = map[int]chan struct{}{0: release}
	var mu sync.Mutex
	var order []int
	be.finished = func(unit int) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, unit)
		if len(order) == 2 {
			close(release)
		}
	}
	c := link(t, testConfig(3), be, []string{"a.ll", "b.ll", "c.ll"})

	objs, err := c.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(order) != 3 || order[2] != 0 {
		t.Fatalf("units finished in order %v, want unit 0 last", order)
	}
	want := []string{"[a.ll a foo]", "[c.ll c]"}
	if len(objs) != len(want) {
		t.Fatalf("got %d objects, want %d", len(objs), len(want))
	}
	for i, w := range want {
		if string(objs[i]) != w {
			t.Errorf("object %d = %q, want %q", i, objs[i], w)
		}
	}

	stats := c.Stats()
	if stats.Units != 3 || stats.Invocations != 3 || stats.Empty != 1 || stats.Objects != 2 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestCompileMoreJobsThanModules(t *testing.T) {
	be := newFakeBackend()
	c := link(t, testConfig(4), be, []string{"a.ll"})

	objs, err := c.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(objs) != 1 {
		t.Fatalf("got %d objects, want 1", len(objs))
	}
	// Slots nothing was partitioned into never reach the backend.
	if got := be.calls.Load(); got != 1 {
		t.Fatalf("backend calls = %d, want 1", got)
	}
	if stats := c.Stats(); stats.Units != 4 || stats.Empty != 3 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestCompileNoModules(t *testing.T) {
	c := link(t, testConfig(0), newFakeBackend(), nil)
	objs, err := c.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(objs) != 0 {
		t.Fatalf("got %d objects, want none", len(objs))
	}
}

func TestCompileOnce(t *testing.T) {
	c := link(t, testConfig(0), newFakeBackend(), []string{"a.ll"})
	if _, err := c.Compile(context.Background()); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if _, err := c.Compile(context.Background()); !errors.Is(err, ErrCompiled) {
		t.Fatalf("second Compile err = %v, want ErrCompiled", err)
	}
	tbl := symtab.New()
	if err := c.Add(newModule(tbl, "late.ll")); !errors.Is(err, ErrCompiled) {
		t.Fatalf("Add after Compile err = %v, want ErrCompiled", err)
	}
}

func TestAddRejectsOrphanModule(t *testing.T) {
	c := link(t, testConfig(0), newFakeBackend(), nil)
	if err := c.Add(&irmod.Module{}); err == nil {
		t.Fatal("Add should reject a module without a file")
	}
}

func TestSharedSymbolPrevailsOnce(t *testing.T) {
	be := newFakeBackend()
	c := link(t, testConfig(2), be, []string{"m1.ll", "m2.ll"})

	objs, err := c.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := []string{"[m1.ll m1 foo]", "[m2.ll m2]"}
	for i, w := range want {
		if string(objs[i]) != w {
			t.Errorf("object %d = %q, want %q", i, objs[i], w)
		}
	}

	count := 0
	for _, m := range c.Modules() {
		if s, ok := m.Lookup("foo"); ok && s.Prevailing() {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("foo prevails in %d modules, want 1", count)
	}
}

func TestUnitErrorNamesUnit(t *testing.T) {
	be := newFakeBackend()
	be.failUnit = 1
	c := link(t, testConfig(2), be, []string{"a.ll", "b.ll"})

	_, err := c.Compile(context.Background())
	var ue *UnitError
	if !errors.As(err, &ue) {
		t.Fatalf("Compile err = %v, want *UnitError", err)
	}
	if ue.Unit != 1 {
		t.Fatalf("failing unit = %d, want 1", ue.Unit)
	}
	if !strings.Contains(err.Error(), "unit 1") {
		t.Fatalf("error %q does not name the unit", err)
	}
}

func TestCompileCanceled(t *testing.T) {
	be := newFakeBackend()
	c := link(t, testConfig(2), be, []string{"a.ll", "b.ll"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Compile(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Compile err = %v, want context.Canceled", err)
	}
	if got := be.calls.Load(); got != 0 {
		t.Fatalf("backend calls = %d, want 0", got)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	cfg := testConfig(2)
	cfg.CacheDir = t.TempDir()
	paths := []string{"a.ll", "b.ll", "c.ll"}

	be := newFakeBackend()
	first, err := link(t, cfg, be, paths).Compile(context.Background())
	if err != nil {
		t.Fatalf("first Compile: %v", err)
	}
	if got := be.calls.Load(); got != 2 {
		t.Fatalf("first run backend calls = %d, want 2", got)
	}

	be2 := newFakeBackend()
	c := link(t, cfg, be2, paths)
	second, err := c.Compile(context.Background())
	if err != nil {
		t.Fatalf("second Compile: %v", err)
	}
	if got := be2.calls.Load(); got != 0 {
		t.Fatalf("second run backend calls = %d, want 0", got)
	}
	if stats := c.Stats(); stats.CacheHits != 2 || stats.CacheMisses != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(first) != len(second) {
		t.Fatalf("object counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if !bytes.Equal(first[i], second[i]) {
			t.Errorf("object %d differs: %q vs %q", i, first[i], second[i])
		}
	}
}

func TestCacheWriteFailureIsFatal(t *testing.T) {
	store := newMemStore()
	store.putErr = errors.New("disk full")
	c := link(t, testConfig(0), newFakeBackend(), []string{"a.ll"}, WithStore(store))

	_, err := c.Compile(context.Background())
	var cwe *CacheWriteError
	if !errors.As(err, &cwe) {
		t.Fatalf("Compile err = %v, want *CacheWriteError", err)
	}
	if !errors.Is(err, store.putErr) {
		t.Fatalf("error chain lost the cause: %v", err)
	}
}

func TestCacheReadErrorIsMiss(t *testing.T) {
	store := newMemStore()
	store.getErr = errors.New("permission denied")
	be := newFakeBackend()
	c := link(t, testConfig(0), be, []string{"a.ll"}, WithStore(store))

	objs, err := c.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(objs) != 1 || be.calls.Load() != 1 {
		t.Fatalf("objects = %d, calls = %d", len(objs), be.calls.Load())
	}
	if stats := c.Stats(); stats.CacheMisses != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if store.pruned != 1 {
		t.Fatalf("pruned %d times, want 1", store.pruned)
	}
}

type tickingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickingClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func TestCacheEvictsOldestLink(t *testing.T) {
	clock := &tickingClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store, err := cache.Open(t.TempDir(), cache.WithClock(clock.now))
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	cfg := testConfig(0)
	cfg.CachePolicy = cache.Policy{MaxFiles: 2}

	for _, p := range []string{"one.ll", "two.ll", "three.ll"} {
		if _, err := link(t, cfg, newFakeBackend(), []string{p}, WithStore(store)).Compile(context.Background()); err != nil {
			t.Fatalf("Compile(%s): %v", p, err)
		}
	}

	entries, err := store.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("cache holds %d entries, want 2", len(entries))
	}

	// The first link was evicted, so it compiles again.
	be := newFakeBackend()
	if _, err := link(t, cfg, be, []string{"one.ll"}, WithStore(store)).Compile(context.Background()); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got := be.calls.Load(); got != 1 {
		t.Fatalf("evicted link backend calls = %d, want 1", got)
	}
	// The most recent link is still cached.
	be = newFakeBackend()
	if _, err := link(t, cfg, be, []string{"three.ll"}, WithStore(store)).Compile(context.Background()); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got := be.calls.Load(); got != 0 {
		t.Fatalf("cached link backend calls = %d, want 0", got)
	}
}

func TestSaveTemps(t *testing.T) {
	out := filepath.Join(t.TempDir(), "a.out")
	cfg := testConfig(2)
	cfg.SaveTemps = true
	cfg.OutputFile = out

	if _, err := link(t, cfg, newFakeBackend(), []string{"m1.ll", "m2.ll"}).Compile(context.Background()); err != nil {
		t.Fatalf("Compile: %v", err)
	}

	for path, want := range map[string]string{
		out + ".lto.o":  "[m1.ll m1 foo]",
		out + "1.lto.o": "[m2.ll m2]",
	} {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", path, data, want)
		}
	}

	res, err := os.ReadFile(out + ".resolution.txt")
	if err != nil {
		t.Fatalf("read resolutions: %v", err)
	}
	for _, line := range []string{"-r=m1.ll,foo,p\n", "-r=m2.ll,foo,\n", "-r=m2.ll,m2,p\n"} {
		if !strings.Contains(string(res), line) {
			t.Errorf("resolutions missing %q:\n%s", line, res)
		}
	}
}

func TestProgress(t *testing.T) {
	var mu sync.Mutex
	var seen []int
	total := 0
	progress := func(done, n int) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, done)
		total = n
	}
	c := link(t, testConfig(3), newFakeBackend(), []string{"a.ll", "b.ll", "c.ll"}, WithProgress(progress))
	if _, err := c.Compile(context.Background()); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(seen) != 3 || total != 3 {
		t.Fatalf("progress calls = %v of %d", seen, total)
	}
}

func TestNewValidates(t *testing.T) {
	tbl := symtab.New()
	be := newFakeBackend()

	if _, err := New(testConfig(0), nil, tbl); err == nil {
		t.Error("nil backend accepted")
	}
	if _, err := New(testConfig(0), be, nil); err == nil {
		t.Error("nil table accepted")
	}
	if _, err := New(testConfig(-1), be, tbl); err == nil {
		t.Error("negative jobs accepted")
	}
	cfg := testConfig(0)
	cfg.SaveTemps = true
	if _, err := New(cfg, be, tbl); err == nil {
		t.Error("save-temps without output accepted")
	}
	cfg = testConfig(0)
	cfg.Target.OptLevel = 7
	if _, err := New(cfg, be, tbl); err == nil {
		t.Error("bad opt level accepted")
	}
}

func TestAggregateOrder(t *testing.T) {
	fresh := [][]byte{[]byte("f0"), nil, []byte("f2"), {}}
	cached := []*cachedObject{nil, {path: "c1", data: []byte("c1")}, nil, {path: "c3"}}

	got, err := aggregate(fresh, cached, saveTemps{})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	want := []string{"f0", "f2", "c1"}
	if len(got) != len(want) {
		t.Fatalf("got %d buffers, want %d", len(got), len(want))
	}
	for i, w := range want {
		if string(got[i]) != w {
			t.Errorf("buffer %d = %q, want %q", i, got[i], w)
		}
	}
}

func TestFingerprint(t *testing.T) {
	target := backend.NewTarget(backend.MachineX86_64, 2)
	unit := func(source string, prevailing bool) *backend.Unit {
		m := &irmod.Module{
			File:   &symtab.File{Path: "a.ll"},
			Source: []byte(source),
			Symbols: []*irmod.Symbol{
				{Name: "foo", Kind: irmod.Defined},
			},
		}
		m.Symbols[0].Resolve(irmod.Resolution{Prevailing: prevailing})
		return &backend.Unit{Modules: []*irmod.Module{m}, Target: target}
	}

	base := Fingerprint("fake", unit("x", true))
	if got := Fingerprint("fake", unit("x", true)); got != base {
		t.Fatal("fingerprint is not deterministic")
	}

	moved := unit("x", true)
	moved.Index = 5
	if Fingerprint("fake", moved) != base {
		t.Error("unit index changed the fingerprint")
	}
	if Fingerprint("fake", unit("y", true)) == base {
		t.Error("source change kept the fingerprint")
	}
	if Fingerprint("fake", unit("x", false)) == base {
		t.Error("resolution change kept the fingerprint")
	}
	if Fingerprint("other", unit("x", true)) == base {
		t.Error("backend change kept the fingerprint")
	}
	u := unit("x", true)
	u.Target.OptLevel = 3
	if Fingerprint("fake", u) == base {
		t.Error("target change kept the fingerprint")
	}
}

func TestTimings(t *testing.T) {
	rec := timeslice.NewRecorder()
	c := link(t, testConfig(2), newFakeBackend(), []string{"a.ll", "b.ll"}, WithStore(newMemStore()), WithTimings(rec))
	if _, err := c.Compile(context.Background()); err != nil {
		t.Fatalf("Compile: %v", err)
	}

	counts := make(map[timeslice.Kind]int)
	for _, total := range rec.Totals() {
		counts[total.Kind] = total.Count
	}
	want := map[timeslice.Kind]int{
		timeslice.KindResolve:     1,
		timeslice.KindPartition:   1,
		timeslice.KindCacheLookup: 2,
		timeslice.KindCompile:     2,
		timeslice.KindCacheWrite:  2,
		timeslice.KindPrune:       1,
		timeslice.KindAggregate:   1,
	}
	for kind, n := range want {
		if counts[kind] != n {
			t.Errorf("%s recorded %d times, want %d", kind, counts[kind], n)
		}
	}
}
