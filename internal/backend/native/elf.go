package native

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const (
	elfHeaderSize        = 64
	elfSectionHeaderSize = 64
	elfSymbolSize        = 24

	// shfExclude keeps a section out of the final image.
	shfExclude elf.SectionFlag = 0x80000000

	// sttGNUIFunc is STT_GNU_IFUNC, which debug/elf only knows as STT_LOOS.
	sttGNUIFunc = elf.STT_LOOS
)

type section struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	align   uint64
	data    []byte
	link    uint32
	info    uint32
	entsize uint64

	offset uint64
}

type symbol struct {
	name    string
	bind    elf.SymBind
	typ     elf.SymType
	vis     elf.SymVis
	section uint16
	value   uint64
	size    uint64
}

// object accumulates the contents of one ELF64 relocatable file. Section
// index 0 is the reserved null section, so the first added section is 1.
type object struct {
	machine          elf.Machine
	functionSections bool
	dataSections     bool

	sections []*section
	text     uint16
	data     uint16

	locals    []symbol
	globals   []symbol
	defined   map[string]bool
	placed    map[string]symbol
	undefined []string
	seenUndef map[string]bool
}

func newObject(machine elf.Machine, functionSections, dataSections bool) *object {
	return &object{
		machine:          machine,
		functionSections: functionSections,
		dataSections:     dataSections,
		defined:          make(map[string]bool),
		placed:           make(map[string]symbol),
		seenUndef:        make(map[string]bool),
	}
}

func (o *object) addSection(s *section) uint16 {
	o.sections = append(o.sections, s)
	return uint16(len(o.sections))
}

func (o *object) addSymbol(sym symbol) {
	o.placed[sym.name] = sym
	if sym.bind == elf.STB_LOCAL {
		o.locals = append(o.locals, sym)
		return
	}
	o.defined[sym.name] = true
	o.globals = append(o.globals, sym)
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// place appends data to the shared section at idx, creating it on first use,
// and returns the offset of data within the section.
func (o *object) place(idx *uint16, name string, flags elf.SectionFlag, align uint64, data []byte) (uint16, uint64) {
	if *idx == 0 {
		*idx = o.addSection(&section{name: name, typ: elf.SHT_PROGBITS, flags: flags, align: align})
	}
	s := o.sections[*idx-1]
	off := alignUp(uint64(len(s.data)), align)
	for uint64(len(s.data)) < off {
		s.data = append(s.data, 0)
	}
	s.data = append(s.data, data...)
	return *idx, off
}

func (o *object) defineFunc(name string, bind elf.SymBind, vis elf.SymVis, code []byte) {
	flags := elf.SHF_ALLOC | elf.SHF_EXECINSTR
	var idx uint16
	var off uint64
	if o.functionSections {
		idx = o.addSection(&section{name: ".text." + name, typ: elf.SHT_PROGBITS, flags: flags, align: 16, data: code})
	} else {
		idx, off = o.place(&o.text, ".text", flags, 16, code)
	}
	o.addSymbol(symbol{name: name, bind: bind, typ: elf.STT_FUNC, vis: vis, section: idx, value: off, size: uint64(len(code))})
}

func (o *object) defineData(name string, bind elf.SymBind, vis elf.SymVis, size uint64) {
	flags := elf.SHF_ALLOC | elf.SHF_WRITE
	buf := make([]byte, size)
	var idx uint16
	var off uint64
	if o.dataSections {
		idx = o.addSection(&section{name: ".data." + name, typ: elf.SHT_PROGBITS, flags: flags, align: 8, data: buf})
	} else {
		idx, off = o.place(&o.data, ".data", flags, 8, buf)
	}
	o.addSymbol(symbol{name: name, bind: bind, typ: elf.STT_OBJECT, vis: vis, section: idx, value: off, size: size})
}

// defineAlias gives name the location of the already placed symbol target.
// It reports false when target has no location in this object.
func (o *object) defineAlias(name string, bind elf.SymBind, vis elf.SymVis, typ elf.SymType, target string) bool {
	at, ok := o.placed[target]
	if !ok {
		return false
	}
	if typ == elf.STT_NOTYPE {
		typ = at.typ
	}
	o.addSymbol(symbol{name: name, bind: bind, typ: typ, vis: vis, section: at.section, value: at.value, size: at.size})
	return true
}

func (o *object) reference(name string) {
	if o.seenUndef[name] {
		return
	}
	o.seenUndef[name] = true
	o.undefined = append(o.undefined, name)
}

func (o *object) empty() bool {
	return len(o.locals) == 0 && len(o.globals) == 0 && len(o.undefined) == 0
}

// attach adds a non-allocated section that is excluded from the final image.
func (o *object) attach(name string, data []byte) {
	o.addSection(&section{name: name, typ: elf.SHT_PROGBITS, flags: shfExclude, align: 1, data: data})
}

type stringTable struct {
	data []byte
	offs map[string]uint32
}

func newStringTable() *stringTable {
	return &stringTable{data: []byte{0}, offs: map[string]uint32{"": 0}}
}

func (t *stringTable) add(s string) uint32 {
	if off, ok := t.offs[s]; ok {
		return off
	}
	off := uint32(len(t.data))
	t.data = append(t.data, s...)
	t.data = append(t.data, 0)
	t.offs[s] = off
	return off
}

// bytes serialises the object: header, section contents, then the section
// header table.
func (o *object) bytes() ([]byte, error) {
	syms := append([]symbol(nil), o.locals...)
	firstGlobal := uint32(len(syms) + 1)
	syms = append(syms, o.globals...)
	for _, name := range o.undefined {
		if o.defined[name] {
			continue
		}
		syms = append(syms, symbol{name: name, bind: elf.STB_GLOBAL, typ: elf.STT_NOTYPE, section: uint16(elf.SHN_UNDEF)})
	}

	strtab := newStringTable()
	symtab := make([]byte, elfSymbolSize*(len(syms)+1))
	for i, sym := range syms {
		buf := symtab[elfSymbolSize*(i+1):]
		binary.LittleEndian.PutUint32(buf[0:], strtab.add(sym.name))
		buf[4] = elf.ST_INFO(sym.bind, sym.typ)
		buf[5] = byte(sym.vis)
		binary.LittleEndian.PutUint16(buf[6:], sym.section)
		binary.LittleEndian.PutUint64(buf[8:], sym.value)
		binary.LittleEndian.PutUint64(buf[16:], sym.size)
	}

	symtabIdx := o.addSection(&section{name: ".symtab", typ: elf.SHT_SYMTAB, align: 8, data: symtab, info: firstGlobal, entsize: elfSymbolSize})
	strtabIdx := o.addSection(&section{name: ".strtab", typ: elf.SHT_STRTAB, align: 1, data: strtab.data})
	o.sections[symtabIdx-1].link = uint32(strtabIdx)

	shstrtab := newStringTable()
	for _, s := range o.sections {
		shstrtab.add(s.name)
	}
	shstrtab.add(".shstrtab")
	shstrIdx := o.addSection(&section{name: ".shstrtab", typ: elf.SHT_STRTAB, align: 1, data: shstrtab.data})

	if len(o.sections)+1 >= int(elf.SHN_LORESERVE) {
		return nil, fmt.Errorf("object needs %d sections, more than ELF allows without extended numbering", len(o.sections)+1)
	}

	off := uint64(elfHeaderSize)
	for _, s := range o.sections {
		off = alignUp(off, s.align)
		s.offset = off
		off += uint64(len(s.data))
	}
	shoff := alignUp(off, 8)
	shnum := len(o.sections) + 1

	out := make([]byte, shoff+uint64(shnum*elfSectionHeaderSize))
	fillELFHeader(out[:elfHeaderSize], o.machine, shoff, uint16(shnum), shstrIdx)
	for i, s := range o.sections {
		copy(out[s.offset:], s.data)
		hdr := out[shoff+uint64((i+1)*elfSectionHeaderSize):]
		fillSectionHeader(hdr, shstrtab.add(s.name), s)
	}
	return out, nil
}

func fillELFHeader(buf []byte, machine elf.Machine, shoff uint64, shnum, shstrndx uint16) {
	for idx := range buf {
		buf[idx] = 0
	}
	buf[0] = 0x7f
	buf[1] = 'E'
	buf[2] = 'L'
	buf[3] = 'F'
	buf[4] = byte(elf.ELFCLASS64)
	buf[5] = byte(elf.ELFDATA2LSB)
	buf[6] = byte(elf.EV_CURRENT)

	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_REL))
	binary.LittleEndian.PutUint16(buf[18:], uint16(machine))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(buf[40:], shoff)
	binary.LittleEndian.PutUint16(buf[52:], elfHeaderSize)
	binary.LittleEndian.PutUint16(buf[58:], elfSectionHeaderSize)
	binary.LittleEndian.PutUint16(buf[60:], shnum)
	binary.LittleEndian.PutUint16(buf[62:], shstrndx)
	// No program headers in a relocatable object.
}

func fillSectionHeader(buf []byte, name uint32, s *section) {
	binary.LittleEndian.PutUint32(buf[0:], name)
	binary.LittleEndian.PutUint32(buf[4:], uint32(s.typ))
	binary.LittleEndian.PutUint64(buf[8:], uint64(s.flags))
	binary.LittleEndian.PutUint64(buf[24:], s.offset)
	binary.LittleEndian.PutUint64(buf[32:], uint64(len(s.data)))
	binary.LittleEndian.PutUint32(buf[40:], s.link)
	binary.LittleEndian.PutUint32(buf[44:], s.info)
	binary.LittleEndian.PutUint64(buf[48:], s.align)
	binary.LittleEndian.PutUint64(buf[56:], s.entsize)
}
