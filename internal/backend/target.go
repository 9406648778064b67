package backend

import (
	"fmt"
	"strings"
)

// RelocModel is the relocation model code is generated for.
type RelocModel int

const (
	RelocPIC RelocModel = iota
	RelocStatic
)

func (r RelocModel) String() string {
	switch r {
	case RelocStatic:
		return "static"
	default:
		return "pic"
	}
}

// CodeGenLevel is the backend's code generation effort.
type CodeGenLevel int

const (
	CodeGenNone CodeGenLevel = iota
	CodeGenLess
	CodeGenDefault
	CodeGenAggressive
)

// CodeGenLevelFor maps an LTO optimization level onto a codegen level.
func CodeGenLevelFor(optLevel int) CodeGenLevel {
	switch {
	case optLevel <= 0:
		return CodeGenNone
	case optLevel == 1:
		return CodeGenLess
	case optLevel == 2:
		return CodeGenDefault
	default:
		return CodeGenAggressive
	}
}

// Machine names a target instruction set.
type Machine string

const (
	MachineX86_64  Machine = "x86_64"
	MachineI386    Machine = "i386"
	MachineAArch64 Machine = "aarch64"
	MachineRISCV64 Machine = "riscv64"
)

// ParseMachine accepts the common aliases for each machine.
func ParseMachine(s string) (Machine, error) {
	switch strings.ToLower(s) {
	case "x86_64", "amd64", "x64":
		return MachineX86_64, nil
	case "i386", "i686", "x86", "386":
		return MachineI386, nil
	case "aarch64", "arm64":
		return MachineAArch64, nil
	case "riscv64", "rv64":
		return MachineRISCV64, nil
	default:
		return "", fmt.Errorf("unsupported machine: %s", s)
	}
}

// DefaultTriple returns the ELF target triple used when none is configured.
func (m Machine) DefaultTriple() string {
	switch m {
	case MachineI386:
		return "i386-unknown-linux-gnu"
	case MachineAArch64:
		return "aarch64-unknown-linux-gnu"
	case MachineRISCV64:
		return "riscv64-unknown-linux-gnu"
	default:
		return "x86_64-unknown-linux-gnu"
	}
}

// Target is the code generation configuration handed to every unit.
type Target struct {
	Machine Machine
	Triple  string
	CPU     string
	Attrs   []string
	Reloc   RelocModel
	// OptLevel is the LTO optimization level, 0 to 3.
	OptLevel int
	CodeGen  CodeGenLevel
	// FunctionSections and DataSections place every function and datum in
	// its own section so the linker can still garbage collect after LTO.
	FunctionSections bool
	DataSections     bool
}

// NewTarget builds the default configuration for machine at optLevel.
//
// 32-bit x86 uses the static relocation model: it produces more compact code
// there and PIC codegen for i386 has known miscompiles.
func NewTarget(machine Machine, optLevel int) Target {
	t := Target{
		Machine:          machine,
		Triple:           machine.DefaultTriple(),
		Reloc:            RelocPIC,
		OptLevel:         optLevel,
		CodeGen:          CodeGenLevelFor(optLevel),
		FunctionSections: true,
		DataSections:     true,
	}
	if machine == MachineI386 {
		t.Reloc = RelocStatic
	}
	return t
}

// Validate reports configuration errors.
func (t Target) Validate() error {
	if _, err := ParseMachine(string(t.Machine)); err != nil {
		return err
	}
	if t.OptLevel < 0 || t.OptLevel > 3 {
		return fmt.Errorf("invalid optimization level %d (want 0-3)", t.OptLevel)
	}
	return nil
}

// Fingerprint returns the codegen-affecting fields as a stable string.
func (t Target) Fingerprint() string {
	return fmt.Sprintf("machine=%s;triple=%s;cpu=%s;attrs=%s;reloc=%s;O=%d;cg=%d;fs=%t;ds=%t",
		t.Machine, t.Triple, t.CPU, strings.Join(t.Attrs, ","), t.Reloc,
		t.OptLevel, t.CodeGen, t.FunctionSections, t.DataSections)
}
