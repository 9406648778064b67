// Package symtab is the linker-wide symbol table that ordinary object
// processing and the LTO layer share. It owns strong/weak/common precedence;
// the LTO resolver only reads the verdict recorded here.
package symtab

import "fmt"

// FileKind distinguishes regular native objects from deferred IR modules.
type FileKind int

const (
	KindObject FileKind = iota
	KindBitcode
)

func (k FileKind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindBitcode:
		return "bitcode"
	default:
		return "unknown"
	}
}

// File identifies one input of the link. Identity is by pointer.
type File struct {
	Path string
	Kind FileKind
}

func (f *File) String() string {
	if f == nil {
		return "<none>"
	}
	return f.Path
}

// Kind is the state of a table entry. The order of the constants is the
// precedence order used by Add.
type Kind int

const (
	Undefined Kind = iota
	Weak
	Common
	Defined
)

func (k Kind) String() string {
	switch k {
	case Undefined:
		return "undefined"
	case Weak:
		return "weak"
	case Common:
		return "common"
	case Defined:
		return "defined"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Symbol is one linker-wide entry.
type Symbol struct {
	Name string
	Kind Kind
	// File currently providing the definition, nil while undefined.
	File *File
	// CommonSize is the size requested by the winning common definition.
	CommonSize uint64
	// UsedInRegularObj is set once any regular object defines or references
	// the name.
	UsedInRegularObj bool
	// PendingLTO marks an entry rewritten by the LTO resolver: its definition
	// will come from an LTO output object.
	PendingLTO bool
}

// Table maps names to entries and remembers insertion order.
type Table struct {
	syms  map[string]*Symbol
	order []*Symbol
}

func New() *Table {
	return &Table{syms: make(map[string]*Symbol)}
}

// Lookup returns the entry for name.
func (t *Table) Lookup(name string) (*Symbol, bool) {
	s, ok := t.syms[name]
	return s, ok
}

func (t *Table) intern(name string) *Symbol {
	if s, ok := t.syms[name]; ok {
		return s
	}
	s := &Symbol{Name: name}
	t.syms[name] = s
	t.order = append(t.order, s)
	return s
}

// Add records one occurrence of name in file and returns the entry.
//
// A stronger kind replaces a weaker one. Among equals the first file wins,
// except that a regular object replaces a bitcode file and a larger common
// replaces a smaller one.
func (t *Table) Add(name string, kind Kind, file *File, size uint64) *Symbol {
	s := t.intern(name)
	if file != nil && file.Kind == KindObject {
		s.UsedInRegularObj = true
	}
	if kind == Undefined {
		return s
	}

	switch {
	case s.Kind < kind:
		t.set(s, kind, file, size)
	case s.Kind == kind:
		objectOverIR := s.File != nil && s.File.Kind == KindBitcode && file != nil && file.Kind == KindObject
		if kind == Common {
			if size > s.CommonSize || (size == s.CommonSize && objectOverIR) {
				t.set(s, kind, file, size)
			}
		} else if objectOverIR {
			t.set(s, kind, file, size)
		}
	}
	return s
}

func (t *Table) set(s *Symbol, kind Kind, file *File, size uint64) {
	s.Kind = kind
	s.File = file
	s.CommonSize = size
	s.PendingLTO = false
}

// Undefine rewrites s into the "undefined, pending LTO output" placeholder so
// ordinary object processing cannot resolve it independently of LTO.
func (t *Table) Undefine(s *Symbol) {
	s.Kind = Undefined
	s.File = nil
	s.CommonSize = 0
	s.PendingLTO = true
}

// Undefined returns the names that no file defines.
func (t *Table) Undefined() []string {
	var out []string
	for _, s := range t.order {
		if s.Kind == Undefined {
			out = append(out, s.Name)
		}
	}
	return out
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.order)
}
