// Package linker is the driver around the LTO compiler: it sorts inputs into
// regular objects and IR, keeps the linker-wide symbol table, and folds the
// objects LTO returns back into symbol resolution.
package linker

import (
	"bytes"
	"context"
	"debug/elf"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/lto/internal/irfile"
	"github.com/tinyrange/lto/internal/lto"
	"github.com/tinyrange/lto/internal/symtab"
)

// Object is a native object taking part in the link.
type Object struct {
	Name string
	Data []byte
	// FromLTO marks objects produced by the LTO compiler.
	FromLTO bool
}

// Result is the outcome of Link.
type Result struct {
	Objects []Object
	// Undefined lists names no input defines, in first-seen order.
	Undefined []string
	Stats     lto.Stats
}

type Linker struct {
	table    *symtab.Table
	compiler *lto.Compiler
	logger   *slog.Logger
	objects  []Object
	modules  int
}

// New creates a linker that defers IR inputs to compiler. table must be the
// table compiler was created with.
func New(table *symtab.Table, compiler *lto.Compiler, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{table: table, compiler: compiler, logger: logger}
}

// AddFile reads one input and routes it by content.
func (l *Linker) AddFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	switch irfile.Detect(data) {
	case irfile.ELF:
		return l.AddObject(path, data)
	case irfile.Bitcode, irfile.TextIR:
		return l.AddIR(&symtab.File{Path: path, Kind: symtab.KindBitcode}, data)
	default:
		return fmt.Errorf("%s: unrecognized input format", path)
	}
}

// AddIR parses textual IR or bitcode and hands the module to the LTO
// compiler.
func (l *Linker) AddIR(file *symtab.File, data []byte) error {
	m, err := irfile.Load(file, data)
	if err != nil {
		return err
	}
	irfile.Bind(l.table, m)
	if err := l.compiler.Add(m); err != nil {
		return err
	}
	l.modules++
	l.logger.Debug("deferred IR module to LTO", slog.String("file", file.Path), slog.Int("symbols", len(m.Symbols)))
	return nil
}

// AddObject records a regular ELF object and its symbols.
func (l *Linker) AddObject(name string, data []byte) error {
	return l.addObject(Object{Name: name, Data: data})
}

func (l *Linker) addObject(obj Object) error {
	syms, err := ReadObjectSymbols(obj.Data)
	if err != nil {
		return fmt.Errorf("%s: %w", obj.Name, err)
	}
	file := &symtab.File{Path: obj.Name, Kind: symtab.KindObject}
	for _, s := range syms {
		l.table.Add(s.Name, s.Kind, file, s.Size)
	}
	l.objects = append(l.objects, obj)
	return nil
}

// Link runs LTO and resolves its output against the regular objects.
func (l *Linker) Link(ctx context.Context) (Result, error) {
	var res Result
	if l.modules > 0 {
		objs, err := l.compiler.Compile(ctx)
		if err != nil {
			return res, err
		}
		for i, data := range objs {
			obj := Object{Name: fmt.Sprintf("<lto object %d>", i), Data: data, FromLTO: true}
			if err := l.addObject(obj); err != nil {
				return res, err
			}
		}
		res.Stats = l.compiler.Stats()
	}

	res.Objects = append(res.Objects, l.objects...)
	res.Undefined = l.table.Undefined()
	if len(res.Undefined) > 0 {
		l.logger.Debug("link left undefined symbols",
			slog.Int("count", len(res.Undefined)),
			slog.Int("symbols", l.table.Len()))
	}
	return res, nil
}

// ObjectSymbol is one global symbol of an ELF object.
type ObjectSymbol struct {
	Name string
	Kind symtab.Kind
	Size uint64
}

// ReadObjectSymbols lists the non-local named symbols of an ELF object.
func ReadObjectSymbols(data []byte) ([]ObjectSymbol, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse ELF object: %w", err)
	}
	defer f.Close()

	syms, err := f.Symbols()
	if err == elf.ErrNoSymbols {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ELF symbols: %w", err)
	}

	var out []ObjectSymbol
	for _, s := range syms {
		bind := elf.ST_BIND(s.Info)
		typ := elf.ST_TYPE(s.Info)
		if s.Name == "" || bind == elf.STB_LOCAL || typ == elf.STT_SECTION || typ == elf.STT_FILE {
			continue
		}

		sym := ObjectSymbol{Name: s.Name}
		switch {
		case s.Section == elf.SHN_UNDEF:
			sym.Kind = symtab.Undefined
		case s.Section == elf.SHN_COMMON:
			sym.Kind = symtab.Common
			sym.Size = s.Size
		case bind == elf.STB_WEAK:
			sym.Kind = symtab.Weak
		default:
			sym.Kind = symtab.Defined
		}
		out = append(out, sym)
	}
	return out, nil
}
