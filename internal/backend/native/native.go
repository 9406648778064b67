// Package native is the in-process LTO backend. It merges the modules of a
// unit, demotes definitions that lost resolution, and lays the result out as
// an ELF64 relocatable object: one return stub per function, zeroed storage
// per global, aliases at their aliasee, an undefined symbol per external
// reference, and the merged IR kept in an excluded .llvmir section. It
// performs no instruction selection; use the llc backend for real machine
// code.
package native

import (
	"bytes"
	"context"
	"debug/elf"
	"fmt"
	"log/slog"
	"strings"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"

	"github.com/tinyrange/lto/internal/backend"
	"github.com/tinyrange/lto/internal/diag"
	"github.com/tinyrange/lto/internal/irfile"
	"github.com/tinyrange/lto/internal/irmod"
)

const Name = "native"

func init() {
	backend.Register(Name, New)
}

// IRSection names the section carrying the merged IR of a unit.
const IRSection = ".llvmir"

type Backend struct {
	target  backend.Target
	logger  *slog.Logger
	machine elf.Machine
	stub    []byte
}

var _ backend.Backend = (*Backend)(nil)

// New creates the backend for opts.Target. Only 64-bit machines are supported.
func New(opts backend.Options) (backend.Backend, error) {
	b := &Backend{target: opts.Target, logger: opts.Logger}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	switch opts.Target.Machine {
	case backend.MachineX86_64:
		b.machine = elf.EM_X86_64
		b.stub = []byte{0xc3} // ret
	case backend.MachineAArch64:
		b.machine = elf.EM_AARCH64
		b.stub = []byte{0xc0, 0x03, 0x5f, 0xd6} // ret
	case backend.MachineRISCV64:
		b.machine = elf.EM_RISCV
		b.stub = []byte{0x67, 0x80, 0x00, 0x00} // jalr x0, 0(ra)
	default:
		return nil, fmt.Errorf("native backend does not support %s", opts.Target.Machine)
	}
	return b, nil
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Partition(mods []*irmod.Module, jobs int) [][]*irmod.Module {
	return backend.RoundRobin(mods, jobs)
}

func (b *Backend) Compile(ctx context.Context, u *backend.Unit, sink diag.Sink) ([]byte, error) {
	if u.Empty() {
		return nil, nil
	}

	obj := newObject(b.machine, u.Target.FunctionSections, u.Target.DataSections)
	var merged bytes.Buffer

	for _, m := range u.Modules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		irm, demoted, err := backend.Demote(m)
		if err != nil {
			return nil, err
		}
		if demoted > 0 {
			b.logger.Debug("demoted non-prevailing definitions",
				slog.Int("unit", u.Index),
				slog.String("module", m.ID()),
				slog.Int("count", demoted))
		}
		if irm.TargetTriple != "" && u.Target.Triple != "" && irm.TargetTriple != u.Target.Triple {
			sink.Report(diag.Diagnostic{
				Severity: diag.Warning,
				Unit:     u.Index,
				Message:  fmt.Sprintf("%s: module triple %s differs from target %s", m.ID(), irm.TargetTriple, u.Target.Triple),
			})
		}

		b.layout(obj, irm)

		fmt.Fprintf(&merged, "; ModuleID = '%s'\n", m.ID())
		merged.WriteString(irm.String())
		merged.WriteByte('\n')
	}

	if obj.empty() {
		return nil, nil
	}
	obj.attach(IRSection, merged.Bytes())
	return obj.bytes()
}

func (b *Backend) layout(obj *object, irm *ir.Module) {
	for _, f := range irm.Funcs {
		name := f.Name()
		if isIntrinsic(name) {
			continue
		}
		// An available_externally body is only an inlining hint; the symbol
		// itself is defined elsewhere.
		if len(f.Blocks) == 0 || f.Linkage == enum.LinkageAvailableExternally {
			obj.reference(name)
			continue
		}
		obj.defineFunc(name, binding(f.Linkage), visibility(f.Visibility), b.stub)
	}
	for _, g := range irm.Globals {
		name := g.Name()
		if isIntrinsic(name) || g.Linkage == enum.LinkageAppending {
			continue
		}
		if g.Init == nil || g.Linkage == enum.LinkageAvailableExternally {
			obj.reference(name)
			continue
		}
		obj.defineData(name, binding(g.Linkage), visibility(g.Visibility), irfile.SizeOf(g.ContentType))
	}
	for _, a := range irm.Aliases {
		target, ok := aliasee(a.Aliasee)
		if ok && obj.defineAlias(a.Name(), binding(a.Linkage), visibility(a.Visibility), elf.STT_NOTYPE, target) {
			continue
		}
		// The aliasee is not laid out here, so the alias gets storage of its own.
		b.defineIndirect(obj, a.Name(), binding(a.Linkage), visibility(a.Visibility), a.Typ)
	}
	for _, fn := range irm.IFuncs {
		target, ok := aliasee(fn.Resolver)
		if ok && obj.defineAlias(fn.Name(), binding(fn.Linkage), visibility(fn.Visibility), sttGNUIFunc, target) {
			continue
		}
		b.defineIndirect(obj, fn.Name(), binding(fn.Linkage), visibility(fn.Visibility), fn.Typ)
	}
}

func (b *Backend) defineIndirect(obj *object, name string, bind elf.SymBind, vis elf.SymVis, typ *types.PointerType) {
	if _, ok := typ.ElemType.(*types.FuncType); ok {
		obj.defineFunc(name, bind, vis, b.stub)
		return
	}
	obj.defineData(name, bind, vis, irfile.SizeOf(typ.ElemType))
}

// aliasee names the global an alias or ifunc resolver points at.
func aliasee(c constant.Constant) (string, bool) {
	switch c := c.(type) {
	case *ir.Func:
		return c.Name(), true
	case *ir.Global:
		return c.Name(), true
	case *ir.Alias:
		return c.Name(), true
	case *constant.ExprBitCast:
		return aliasee(c.From)
	case *constant.ExprAddrSpaceCast:
		return aliasee(c.From)
	}
	return "", false
}

func isIntrinsic(name string) bool {
	return strings.HasPrefix(name, "llvm.")
}

func binding(l enum.Linkage) elf.SymBind {
	switch l {
	case enum.LinkageInternal, enum.LinkagePrivate:
		return elf.STB_LOCAL
	case enum.LinkageWeak, enum.LinkageWeakODR, enum.LinkageLinkOnce, enum.LinkageLinkOnceODR, enum.LinkageExternWeak:
		return elf.STB_WEAK
	default:
		return elf.STB_GLOBAL
	}
}

func visibility(v enum.Visibility) elf.SymVis {
	switch v {
	case enum.VisibilityHidden:
		return elf.STV_HIDDEN
	case enum.VisibilityProtected:
		return elf.STV_PROTECTED
	default:
		return elf.STV_DEFAULT
	}
}
