package dso

import (
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// Symbols exported by the dynamic linker carry this prefix; we strip it
// before demangling and render the origin as a [linker] tag instead.
const linkerPrefix = "__dl_"

// Demangle turns a mangled C++ name into its readable form. Names that
// fail to demangle are returned unchanged, except that a linker prefix
// is still replaced by the [linker] tag.
func (c *SymbolContext) Demangle(name string) string {
	if !c.demangle {
		return name
	}
	mangled := name
	isLinkerSymbol := strings.HasPrefix(name, linkerPrefix)
	if isLinkerSymbol {
		mangled = name[len(linkerPrefix):]
	}
	out, err := demangle.ToString(mangled)
	if err != nil {
		if isLinkerSymbol {
			return "[linker]" + mangled
		}
		return name
	}
	if isLinkerSymbol {
		return "[linker]" + out
	}
	return out
}

// DemangledName caches the demangled form on the symbol, interning it
// in the context's name pool.
func (c *SymbolContext) DemangledName(s *Symbol) string {
	if s.demangled == "" {
		d := c.Demangle(s.Name)
		if d == s.Name {
			s.demangled = s.Name
		} else {
			s.demangled = c.names.intern(d)
		}
	}
	return s.demangled
}
