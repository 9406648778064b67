package backend

import (
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"

	"github.com/tinyrange/lto/internal/irmod"
)

// Demote rewrites every definition in m that lost resolution into an external
// declaration, so the unit references the prevailing copy instead of
// emitting its own. Prevailing linkonce definitions become weak so the
// optimizer cannot drop the one copy other units rely on. It returns the
// rewritten IR and how many definitions were demoted. The module is owned by
// the backend for the duration of the call.
func Demote(m *irmod.Module) (*ir.Module, int, error) {
	if m.IR == nil {
		return nil, 0, fmt.Errorf("module %s has no parsed IR", m.ID())
	}

	lost := make(map[string]bool)
	kept := make(map[string]bool)
	for _, s := range m.Symbols {
		if s.Kind == irmod.Undefined {
			continue
		}
		if _, ok := s.Resolution(); !ok {
			return nil, 0, fmt.Errorf("module %s: symbol %q compiled before resolution", m.ID(), s.Name)
		}
		if s.Prevailing() {
			kept[s.Name] = true
		} else {
			lost[s.Name] = true
		}
	}

	n := 0
	for _, f := range m.IR.Funcs {
		if kept[f.Name()] {
			f.Linkage = promote(f.Linkage)
		}
		if !lost[f.Name()] || len(f.Blocks) == 0 {
			continue
		}
		f.Blocks = nil
		f.Linkage = enum.LinkageNone
		f.Comdat = nil
		n++
	}
	for _, g := range m.IR.Globals {
		if kept[g.Name()] {
			g.Linkage = promote(g.Linkage)
		}
		if !lost[g.Name()] || g.Init == nil {
			continue
		}
		g.Init = nil
		g.Linkage = enum.LinkageExternal
		g.Comdat = nil
		n++
	}

	// An alias or ifunc has no declaration form of its own; a losing one is
	// replaced by a declaration of the same name and type. Uses keep pointing
	// at the old value, which prints under the same name.
	aliases := m.IR.Aliases[:0]
	for _, a := range m.IR.Aliases {
		if kept[a.Name()] {
			a.Linkage = promote(a.Linkage)
		}
		if !lost[a.Name()] {
			aliases = append(aliases, a)
			continue
		}
		declare(m.IR, a.Name(), a.Typ)
		n++
	}
	m.IR.Aliases = aliases

	ifuncs := m.IR.IFuncs[:0]
	for _, fn := range m.IR.IFuncs {
		if !lost[fn.Name()] {
			ifuncs = append(ifuncs, fn)
			continue
		}
		declare(m.IR, fn.Name(), fn.Typ)
		n++
	}
	m.IR.IFuncs = ifuncs
	return m.IR, n, nil
}

// promote turns discardable linkonce linkage into the weak equivalent.
func promote(l enum.Linkage) enum.Linkage {
	switch l {
	case enum.LinkageLinkOnce:
		return enum.LinkageWeak
	case enum.LinkageLinkOnceODR:
		return enum.LinkageWeakODR
	}
	return l
}

func declare(m *ir.Module, name string, typ *types.PointerType) {
	if sig, ok := typ.ElemType.(*types.FuncType); ok {
		params := make([]*ir.Param, len(sig.Params))
		for i, p := range sig.Params {
			params[i] = ir.NewParam("", p)
		}
		f := ir.NewFunc(name, sig.RetType, params...)
		f.Sig.Variadic = sig.Variadic
		f.Parent = m
		m.Funcs = append(m.Funcs, f)
		return
	}
	g := ir.NewGlobal(name, typ.ElemType)
	g.Linkage = enum.LinkageExternal
	m.Globals = append(m.Globals, g)
}
