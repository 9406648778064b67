// Package irfile turns LLVM IR inputs into registry modules with their symbol
// occurrence lists.
package irfile

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"github.com/llir/llvm/asm"
	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"

	"github.com/tinyrange/lto/internal/irmod"
	"github.com/tinyrange/lto/internal/symtab"
)

type FileType int

const (
	Unknown FileType = iota
	TextIR
	Bitcode
	ELF
)

func (t FileType) String() string {
	switch t {
	case TextIR:
		return "llvm-ir"
	case Bitcode:
		return "bitcode"
	case ELF:
		return "elf"
	default:
		return "unknown"
	}
}

var (
	bitcodeMagic        = []byte{'B', 'C', 0xc0, 0xde}
	bitcodeWrapperMagic = []byte{0xde, 0xc0, 0x17, 0x0b}
	elfMagic            = []byte{0x7f, 'E', 'L', 'F'}
)

// Detect classifies an input by its leading bytes. Anything that is neither
// bitcode nor ELF and looks like text is treated as textual IR.
func Detect(data []byte) FileType {
	switch {
	case bytes.HasPrefix(data, bitcodeMagic), bytes.HasPrefix(data, bitcodeWrapperMagic):
		return Bitcode
	case bytes.HasPrefix(data, elfMagic):
		return ELF
	case len(data) > 0 && bytes.IndexByte(data, 0) < 0:
		return TextIR
	default:
		return Unknown
	}
}

// DisassemblerName is the tool used to turn bitcode into textual IR.
var DisassemblerName = "llvm-dis"

// Disassemble converts the bitcode file at path to textual IR.
func Disassemble(path string) ([]byte, error) {
	tool, err := exec.LookPath(DisassemblerName)
	if err != nil {
		return nil, fmt.Errorf("bitcode input %s needs %s: %w", path, DisassemblerName, err)
	}

	var stderr bytes.Buffer
	cmd := exec.Command(tool, path, "-o", "-")
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", DisassemblerName, path, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Load builds a module from the contents of file.Path, disassembling bitcode
// first.
func Load(file *symtab.File, data []byte) (*irmod.Module, error) {
	switch Detect(data) {
	case Bitcode:
		var err error
		if data, err = Disassemble(file.Path); err != nil {
			return nil, err
		}
	case TextIR:
	default:
		return nil, fmt.Errorf("%s: not an LLVM IR file", file.Path)
	}
	return Parse(file, data)
}

// Parse builds a module from textual IR.
func Parse(file *symtab.File, src []byte) (*irmod.Module, error) {
	irm, err := asm.ParseBytes(file.Path, src)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", file.Path, err)
	}
	return &irmod.Module{
		File:    file,
		Source:  src,
		IR:      irm,
		Symbols: Symbols(irm),
	}, nil
}

// Symbols lists the module's cross-module symbol occurrences in file order:
// globals, functions, aliases, then ifuncs. Local symbols, intrinsics and appending
// arrays never take part in resolution and are left out.
func Symbols(irm *ir.Module) []*irmod.Symbol {
	var out []*irmod.Symbol
	for _, g := range irm.Globals {
		if skip(g.Name(), g.Linkage) {
			continue
		}
		s := &irmod.Symbol{Name: g.Name(), Kind: kindOf(g.Linkage, g.Init == nil)}
		if s.Kind == irmod.Common {
			s.Size = SizeOf(g.ContentType)
		}
		out = append(out, s)
	}
	for _, f := range irm.Funcs {
		if skip(f.Name(), f.Linkage) {
			continue
		}
		out = append(out, &irmod.Symbol{Name: f.Name(), Kind: kindOf(f.Linkage, len(f.Blocks) == 0)})
	}
	for _, a := range irm.Aliases {
		if skip(a.Name(), a.Linkage) {
			continue
		}
		out = append(out, &irmod.Symbol{Name: a.Name(), Kind: kindOf(a.Linkage, false)})
	}
	for _, fn := range irm.IFuncs {
		if skip(fn.Name(), fn.Linkage) {
			continue
		}
		out = append(out, &irmod.Symbol{Name: fn.Name(), Kind: kindOf(fn.Linkage, false)})
	}
	return out
}

func skip(name string, l enum.Linkage) bool {
	switch l {
	case enum.LinkageInternal, enum.LinkagePrivate, enum.LinkageAppending:
		return true
	}
	return strings.HasPrefix(name, "llvm.")
}

func kindOf(l enum.Linkage, declaration bool) irmod.DefKind {
	if declaration {
		return irmod.Undefined
	}
	switch l {
	case enum.LinkageCommon:
		return irmod.Common
	case enum.LinkageWeak, enum.LinkageWeakODR, enum.LinkageLinkOnce, enum.LinkageLinkOnceODR:
		return irmod.Weak
	case enum.LinkageAvailableExternally:
		return irmod.Undefined
	default:
		return irmod.Defined
	}
}

// SizeOf approximates the storage size of t on a 64-bit target.
func SizeOf(t types.Type) uint64 {
	switch t := t.(type) {
	case *types.IntType:
		n := (t.BitSize + 7) / 8
		if n == 0 {
			return 1
		}
		return n
	case *types.PointerType:
		return 8
	case *types.ArrayType:
		return t.Len * SizeOf(t.ElemType)
	case *types.VectorType:
		return t.Len * SizeOf(t.ElemType)
	case *types.StructType:
		var n uint64
		for _, f := range t.Fields {
			n += SizeOf(f)
		}
		return n
	default:
		return 8
	}
}

// Bind links every occurrence of m into the linker-wide table and records
// the back-references the resolver reads.
func Bind(tbl *symtab.Table, m *irmod.Module) {
	for _, s := range m.Symbols {
		s.Entry = tbl.Add(s.Name, s.Kind.TableKind(), m.File, s.Size)
	}
}
