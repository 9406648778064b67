// Package irmod holds the IR modules deferred from native compilation and
// the per-module symbol occurrences the LTO resolver assigns verdicts to.
package irmod

import (
	"fmt"
	"iter"

	"github.com/llir/llvm/ir"

	"github.com/tinyrange/lto/internal/symtab"
)

// DefKind is how a module treats one of its symbols.
type DefKind int

const (
	Undefined DefKind = iota
	Defined
	Common
	Weak
)

func (k DefKind) String() string {
	switch k {
	case Undefined:
		return "undefined"
	case Defined:
		return "defined"
	case Common:
		return "common"
	case Weak:
		return "weak"
	default:
		return fmt.Sprintf("DefKind(%d)", int(k))
	}
}

// TableKind maps a module-level kind onto the linker-wide table's kind.
func (k DefKind) TableKind() symtab.Kind {
	switch k {
	case Defined:
		return symtab.Defined
	case Common:
		return symtab.Common
	case Weak:
		return symtab.Weak
	default:
		return symtab.Undefined
	}
}

// Resolution is the verdict the resolver attaches to an occurrence.
type Resolution struct {
	Prevailing        bool
	VisibleOutsideLTO bool
}

// Symbol is one occurrence of a name within a module.
type Symbol struct {
	Name string
	Kind DefKind
	// Size is the requested size of a common symbol.
	Size uint64
	// Entry is the linker-wide table entry for Name.
	Entry *symtab.Symbol

	res      Resolution
	resolved bool
}

// Resolve records the verdict. It panics when called twice so a second
// resolution pass over the same module is caught immediately.
func (s *Symbol) Resolve(res Resolution) {
	if s.resolved {
		panic(fmt.Sprintf("irmod: symbol %q already resolved", s.Name))
	}
	s.res = res
	s.resolved = true
}

// Resolution returns the verdict and whether one was assigned.
func (s *Symbol) Resolution() (Resolution, bool) {
	return s.res, s.resolved
}

// Prevailing reports whether this occurrence is the one definition kept.
func (s *Symbol) Prevailing() bool {
	return s.resolved && s.res.Prevailing
}

// Module is one deferred IR unit.
type Module struct {
	File *symtab.File
	// Index is assigned by Registry.Register.
	Index int
	// Source is the IR text the module was parsed from.
	Source []byte
	// IR is the parsed module. Test doubles may leave it nil.
	IR      *ir.Module
	Symbols []*Symbol
}

// ID returns the module's origin identity.
func (m *Module) ID() string {
	return m.File.String()
}

// Lookup returns the module's first occurrence of name.
func (m *Module) Lookup(name string) (*Symbol, bool) {
	for _, s := range m.Symbols {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// Registry is the ordered set of modules in one link.
type Registry struct {
	modules []*Module
}

// Register appends m and assigns it the next index. Registering the same
// module twice is a caller error and is not detected.
func (r *Registry) Register(m *Module) int {
	m.Index = len(r.modules)
	r.modules = append(r.modules, m)
	return m.Index
}

// Modules returns the registered modules in registration order.
func (r *Registry) Modules() []*Module {
	return append([]*Module(nil), r.modules...)
}

func (r *Registry) Len() int {
	return len(r.modules)
}

// AllSymbols yields every (module, occurrence) pair in registration order and
// then file order. The sequence can be ranged over more than once.
func (r *Registry) AllSymbols() iter.Seq2[*Module, *Symbol] {
	return func(yield func(*Module, *Symbol) bool) {
		for _, m := range r.modules {
			for _, s := range m.Symbols {
				if !yield(m, s) {
					return
				}
			}
		}
	}
}
