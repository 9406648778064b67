package native

import (
	"bytes"
	"context"
	"debug/elf"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/tinyrange/lto/internal/backend"
	"github.com/tinyrange/lto/internal/diag"
	"github.com/tinyrange/lto/internal/irfile"
	"github.com/tinyrange/lto/internal/irmod"
	"github.com/tinyrange/lto/internal/lto"
	"github.com/tinyrange/lto/internal/symtab"
)

const m1 = `
define i32 @foo() {
entry:
  ret i32 1
}

define i32 @main() {
entry:
  %r = call i32 @foo()
  ret i32 %r
}
`

const m2 = `
@counter = global i64 0

define i32 @foo() {
entry:
  ret i32 2
}

define i32 @other() {
entry:
  %r = call i32 @foo()
  ret i32 %r
}
`

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func parse(t *testing.T, tbl *symtab.Table, path, src string) *irmod.Module {
	t.Helper()
	m, err := irfile.Parse(&symtab.File{Path: path, Kind: symtab.KindBitcode}, []byte(src))
	if err != nil {
		t.Fatalf("Parse(%s): %v", path, err)
	}
	irfile.Bind(tbl, m)
	return m
}

func newBackend(t *testing.T, target backend.Target) backend.Backend {
	t.Helper()
	be, err := backend.Open(Name, backend.Options{Target: target, Logger: quiet})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return be
}

type elfSym struct {
	section elf.SectionIndex
	bind    elf.SymBind
	typ     elf.SymType
}

func readSymbols(t *testing.T, obj []byte) (*elf.File, map[string]elfSym) {
	t.Helper()
	f, err := elf.NewFile(bytes.NewReader(obj))
	if err != nil {
		t.Fatalf("elf.NewFile: %v", err)
	}
	syms, err := f.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	out := make(map[string]elfSym)
	for _, s := range syms {
		out[s.Name] = elfSym{section: s.Section, bind: elf.ST_BIND(s.Info), typ: elf.ST_TYPE(s.Info)}
	}
	return f, out
}

func TestCompileTwoUnits(t *testing.T) {
	target := backend.NewTarget(backend.MachineX86_64, 2)
	tbl := symtab.New()
	c, err := lto.New(lto.Config{Target: target, Jobs: 2}, newBackend(t, target), tbl, lto.WithLogger(quiet))
	if err != nil {
		t.Fatalf("lto.New: %v", err)
	}
	for _, m := range []*irmod.Module{parse(t, tbl, "m1.ll", m1), parse(t, tbl, "m2.ll", m2)} {
		if err := c.Add(m); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	objs, err := c.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("got %d objects, want 2", len(objs))
	}

	f, syms := readSymbols(t, objs[0])
	if f.Type != elf.ET_REL || f.Machine != elf.EM_X86_64 {
		t.Fatalf("object 0 is %v/%v", f.Type, f.Machine)
	}
	foo, ok := syms["foo"]
	if !ok || foo.section == elf.SHN_UNDEF || foo.typ != elf.STT_FUNC || foo.bind != elf.STB_GLOBAL {
		t.Fatalf("object 0 foo = %+v, %v", foo, ok)
	}
	if sec := f.Sections[foo.section]; sec.Name != ".text.foo" {
		t.Fatalf("foo lives in %s, want .text.foo", sec.Name)
	}
	if _, ok := syms["main"]; !ok {
		t.Fatal("object 0 lacks main")
	}

	f, syms = readSymbols(t, objs[1])
	foo, ok = syms["foo"]
	if !ok || foo.section != elf.SHN_UNDEF {
		t.Fatalf("object 1 foo = %+v, %v, want an undefined reference", foo, ok)
	}
	if s := syms["other"]; s.section == elf.SHN_UNDEF {
		t.Fatal("object 1 lost its own definition of other")
	}
	if s := syms["counter"]; s.section == elf.SHN_UNDEF || s.typ != elf.STT_OBJECT {
		t.Fatalf("object 1 counter = %+v", s)
	}

	irSec := f.Section(IRSection)
	if irSec == nil {
		t.Fatal("object 1 has no IR section")
	}
	if irSec.Flags&elf.SHF_ALLOC != 0 {
		t.Fatal("IR section must not be allocated")
	}
	ir, err := irSec.Data()
	if err != nil {
		t.Fatalf("IR section: %v", err)
	}
	if !strings.Contains(string(ir), "declare i32 @foo()") {
		t.Fatalf("merged IR does not declare foo:\n%s", ir)
	}
}

func TestCompileSharedSections(t *testing.T) {
	target := backend.NewTarget(backend.MachineAArch64, 2)
	target.FunctionSections = false
	target.DataSections = false

	tbl := symtab.New()
	m := parse(t, tbl, "m2.ll", m2)
	for _, s := range m.Symbols {
		s.Resolve(irmod.Resolution{Prevailing: s.Kind != irmod.Undefined})
	}

	be := newBackend(t, target)
	obj, err := be.Compile(context.Background(), &backend.Unit{Modules: []*irmod.Module{m}, Target: target}, new(diag.Collector))
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	f, syms := readSymbols(t, obj)
	if f.Machine != elf.EM_AARCH64 {
		t.Fatalf("machine = %v", f.Machine)
	}
	text := f.Section(".text")
	if text == nil || text.Size != 20 {
		t.Fatalf(".text = %+v, want two stubs 16 bytes apart", text)
	}
	if f.Sections[syms["foo"].section].Name != ".text" || f.Sections[syms["counter"].section].Name != ".data" {
		t.Fatal("symbols not placed in the shared sections")
	}
}

func TestCompileEmptyUnit(t *testing.T) {
	target := backend.NewTarget(backend.MachineX86_64, 0)
	obj, err := newBackend(t, target).Compile(context.Background(), &backend.Unit{Target: target}, new(diag.Collector))
	if err != nil || obj != nil {
		t.Fatalf("Compile(empty) = %d bytes, %v", len(obj), err)
	}
}

func TestTripleMismatchWarns(t *testing.T) {
	target := backend.NewTarget(backend.MachineX86_64, 2)
	tbl := symtab.New()
	m := parse(t, tbl, "arm.ll", "target triple = \"aarch64-unknown-linux-gnu\"\n"+m1)
	for _, s := range m.Symbols {
		s.Resolve(irmod.Resolution{Prevailing: s.Kind != irmod.Undefined})
	}

	var sink diag.Collector
	if _, err := newBackend(t, target).Compile(context.Background(), &backend.Unit{Modules: []*irmod.Module{m}, Target: target}, &sink); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if sink.Count(diag.Warning) != 1 {
		t.Fatalf("diagnostics = %v", sink.Diagnostics())
	}
}

func TestUnsupportedMachine(t *testing.T) {
	if _, err := backend.Open(Name, backend.Options{Target: backend.NewTarget(backend.MachineI386, 2)}); err == nil {
		t.Fatal("i386 should be rejected")
	}
}

// definitions counts the defined global symbols named name in obj.
func definitions(t *testing.T, obj []byte, name string) int {
	t.Helper()
	f, err := elf.NewFile(bytes.NewReader(obj))
	if err != nil {
		t.Fatalf("elf.NewFile: %v", err)
	}
	syms, err := f.Symbols()
	if err != nil {
		t.Fatalf("Symbols: %v", err)
	}
	n := 0
	for _, s := range syms {
		if s.Name == name && s.Section != elf.SHN_UNDEF && elf.ST_BIND(s.Info) != elf.STB_LOCAL {
			n++
		}
	}
	return n
}

func compileAll(t *testing.T, jobs int, srcs ...string) [][]byte {
	t.Helper()
	target := backend.NewTarget(backend.MachineX86_64, 2)
	tbl := symtab.New()
	c, err := lto.New(lto.Config{Target: target, Jobs: jobs}, newBackend(t, target), tbl, lto.WithLogger(quiet))
	if err != nil {
		t.Fatalf("lto.New: %v", err)
	}
	for i, src := range srcs {
		if err := c.Add(parse(t, tbl, string(rune('a'+i))+".ll", src)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	objs, err := c.Compile(context.Background())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return objs
}

func TestAvailableExternallyIsReference(t *testing.T) {
	const inlineHint = `
define available_externally i32 @foo() {
entry:
  ret i32 1
}

@limit = available_externally global i32 4

define i32 @user() {
entry:
  %r = call i32 @foo()
  ret i32 %r
}
`
	const def = `
@limit = global i32 4

define i32 @foo() {
entry:
  ret i32 2
}
`
	objs := compileAll(t, 0, def, inlineHint)
	if len(objs) != 1 {
		t.Fatalf("got %d objects, want 1", len(objs))
	}
	for _, name := range []string{"foo", "limit"} {
		if n := definitions(t, objs[0], name); n != 1 {
			t.Errorf("%s has %d definitions, want 1", name, n)
		}
	}

	// Alone, the hint leaves the symbol for someone else to define.
	objs = compileAll(t, 0, inlineHint)
	_, syms := readSymbols(t, objs[0])
	if s, ok := syms["foo"]; !ok || s.section != elf.SHN_UNDEF {
		t.Fatalf("foo = %+v, %v, want an undefined reference", s, ok)
	}
}

const aliasDef = `
define i32 @foo() {
entry:
  ret i32 1
}

@bar = alias i32 (), i32 ()* @foo
`

const aliasUser = `
declare i32 @bar()

define i32 @main() {
entry:
  %r = call i32 @bar()
  ret i32 %r
}
`

func TestAliasSharesAliaseeLocation(t *testing.T) {
	objs := compileAll(t, 2, aliasDef, aliasUser)
	if len(objs) != 2 {
		t.Fatalf("got %d objects, want 2", len(objs))
	}

	_, syms := readSymbols(t, objs[0])
	foo, bar := syms["foo"], syms["bar"]
	if bar.section == elf.SHN_UNDEF || bar.section != foo.section || bar.typ != elf.STT_FUNC {
		t.Fatalf("bar = %+v, foo = %+v", bar, foo)
	}

	_, syms = readSymbols(t, objs[1])
	if s, ok := syms["bar"]; !ok || s.section != elf.SHN_UNDEF {
		t.Fatalf("object 1 bar = %+v, %v, want an undefined reference", s, ok)
	}
}

func TestDuplicateAliasDefinedOnce(t *testing.T) {
	objs := compileAll(t, 2, aliasDef, aliasDef)
	total := 0
	for _, obj := range objs {
		total += definitions(t, obj, "bar")
	}
	if total != 1 {
		t.Fatalf("bar defined %d times across units, want 1", total)
	}

	_, syms := readSymbols(t, objs[1])
	if s := syms["bar"]; s.section != elf.SHN_UNDEF {
		t.Fatalf("object 1 bar = %+v, want an undefined reference", s)
	}
}

func TestIFuncAtResolver(t *testing.T) {
	const src = `
define i32 @impl() {
entry:
  ret i32 3
}

define internal i32 ()* @pick() {
entry:
  ret i32 ()* @impl
}

@dispatch = ifunc i32 (), i32 ()* ()* @pick
`
	objs := compileAll(t, 0, src)
	_, syms := readSymbols(t, objs[0])
	s, ok := syms["dispatch"]
	if !ok || s.section == elf.SHN_UNDEF || s.typ != sttGNUIFunc || s.section != syms["pick"].section {
		t.Fatalf("dispatch = %+v, %v", s, ok)
	}
}
