// Package resolve assigns a resolution verdict to every symbol occurrence of
// the registered IR modules.
package resolve

import (
	"github.com/tinyrange/lto/internal/irmod"
	"github.com/tinyrange/lto/internal/symtab"
)

// Result summarises one resolution pass.
type Result struct {
	Symbols    int
	Prevailing int
	// Demoted counts definitions that lost to another file and will be
	// compiled as external references.
	Demoted int
}

// Resolve walks every occurrence once. An occurrence prevails when it is a
// definition and the linker-wide table currently attributes its name to the
// occurrence's module. The winning table entry is rewritten to the pending
// LTO placeholder, which also stops any later occurrence of the same name
// from prevailing.
func Resolve(reg *irmod.Registry, table *symtab.Table) Result {
	var res Result
	for m, sym := range reg.AllSymbols() {
		res.Symbols++

		entry := sym.Entry
		if entry == nil {
			entry, _ = table.Lookup(sym.Name)
			sym.Entry = entry
		}

		var r irmod.Resolution
		if entry != nil {
			r.Prevailing = sym.Kind != irmod.Undefined && entry.File != nil && entry.File == m.File
			r.VisibleOutsideLTO = entry.UsedInRegularObj
		}
		sym.Resolve(r)

		switch {
		case r.Prevailing:
			res.Prevailing++
			table.Undefine(entry)
		case sym.Kind != irmod.Undefined:
			res.Demoted++
		}
	}
	return res
}
