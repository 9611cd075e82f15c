package dso

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/profiletools/perfreport/internal/binfile"
)

// Type enumerates the binary flavors a profiled process can map.
type Type int

const (
	Kernel Type = iota
	KernelModule
	ELF
	DEX
	Unknown
)

func (t Type) String() string {
	switch t {
	case Kernel:
		return "dso_kernel"
	case KernelModule:
		return "dso_kernel_module"
	case ELF:
		return "dso_elf_file"
	case DEX:
		return "dso_dex_file"
	default:
		return "dso_unknown"
	}
}

// Dso is a lazily loaded symbol table for one binary. Distinct mappings
// of the same path share one Dso; MapEntry values hold it by pointer.
type Dso struct {
	ctx           *SymbolContext
	typ           Type
	path          string
	debugFilePath string
	fileName      string

	isLoaded       bool
	symbols        []Symbol
	unknownSymbols map[uint64]*Symbol

	minVaddr    uint64
	minVaddrSet bool

	// Set on the DEX variant; an ELF Dso reclassified to DEX keeps its
	// own identity and delegates dex state to a subordinate dexDso.
	dexFileOffsets []uint64
	dexDso         *Dso

	dumpID       uint32
	nextSymbolID uint32

	force64bit bool
	released   bool
}

// CreateDso constructs the variant for typ. ELF dsos resolve their
// debug file through the context's DebugFileFinder right away.
func CreateDso(ctx *SymbolContext, typ Type, path string, force64bit bool) (*Dso, error) {
	d := &Dso{
		ctx:        ctx,
		typ:        typ,
		path:       path,
		fileName:   baseName(path),
		dumpID:     math.MaxUint32,
		force64bit: force64bit,
	}
	switch typ {
	case ELF:
		buildID := ctx.FindExpectedBuildIDForPath(path)
		d.debugFilePath = ctx.finder.FindDebugFile(path, force64bit, buildID)
	case Kernel, KernelModule, DEX, Unknown:
		d.debugFilePath = path
	default:
		return nil, fmt.Errorf("unexpected dso type %d", typ)
	}
	ctx.dsoCount++
	return d, nil
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// Release gives the Dso back to the context; when the last one goes,
// the shared name pool and configuration are cleared.
func (d *Dso) Release() {
	if d.released {
		return
	}
	d.released = true
	if d.dexDso != nil {
		d.dexDso.Release()
	}
	d.ctx.releaseDso()
}

func (d *Dso) Type() Type            { return d.typ }
func (d *Dso) Path() string          { return d.path }
func (d *Dso) DebugFilePath() string { return d.debugFilePath }
func (d *Dso) FileName() string      { return d.fileName }
func (d *Dso) IsLoaded() bool        { return d.isLoaded }

func (d *Dso) HasDumpID() bool { return d.dumpID != math.MaxUint32 }

// CreateDumpID hands the Dso the next session-wide dump id. Used when
// symbol tables are dumped into a recording's file feature.
func (d *Dso) CreateDumpID() uint32 {
	if !d.HasDumpID() {
		d.dumpID = d.ctx.createDumpID()
	}
	return d.dumpID
}

// CreateSymbolDumpID numbers a symbol within this Dso's dump.
func (d *Dso) CreateSymbolDumpID(s *Symbol) uint32 {
	if !s.HasDumpID() {
		s.dumpID = d.nextSymbolID
		s.hasDumpID = true
		d.nextSymbolID++
	}
	return s.dumpID
}

func (d *Dso) expectedBuildID() binfile.BuildID {
	return d.ctx.FindExpectedBuildIDForPath(d.path)
}

// MinVirtualAddress is the lowest executable LOAD vaddr of an ELF dso,
// read lazily. Every other variant answers 0.
func (d *Dso) MinVirtualAddress() uint64 {
	if !d.minVaddrSet {
		d.minVaddrSet = true
		d.minVaddr = 0
		if d.typ == ELF {
			addr, err := binfile.ReadMinExecutableVaddr(d.debugFilePath, d.expectedBuildID())
			if err != nil {
				slog.Warn("failed to read min virtual address", "path", d.debugFilePath, "error", err)
			} else {
				d.minVaddr = addr
			}
		}
	}
	return d.minVaddr
}

// SetMinVirtualAddress installs a value recovered from the record
// file, skipping the on-disk read.
func (d *Dso) SetMinVirtualAddress(addr uint64) {
	d.minVaddr = addr
	d.minVaddrSet = true
}

// AddDexFileOffset registers one dex image offset. An ELF dso becomes
// a DEX dso on the first offset: mmap records arrive before the dex
// file list is known, so mappings that turn out to host dex code are
// reclassified in place.
func (d *Dso) AddDexFileOffset(offset uint64) {
	switch d.typ {
	case DEX:
		if d.dexDso != nil {
			d.dexDso.AddDexFileOffset(offset)
			return
		}
		d.dexFileOffsets = append(d.dexFileOffsets, offset)
	case ELF:
		d.typ = DEX
		sub := &Dso{
			ctx:           d.ctx,
			typ:           DEX,
			path:          d.path,
			debugFilePath: d.path,
			fileName:      d.fileName,
			dumpID:        math.MaxUint32,
		}
		d.ctx.dsoCount++
		d.dexDso = sub
		sub.AddDexFileOffset(offset)
	default:
		slog.Warn("dex file offset on unsupported dso", "path", d.path, "type", d.typ.String())
	}
}

// DexFileOffsets is nil for non-DEX variants.
func (d *Dso) DexFileOffsets() []uint64 {
	if d.dexDso != nil {
		return d.dexDso.dexFileOffsets
	}
	if d.typ == DEX {
		return d.dexFileOffsets
	}
	return nil
}

// SetSymbols installs an already sorted-and-fixed table, e.g. one
// recovered from the record file's file feature.
func (d *Dso) SetSymbols(symbols []Symbol) {
	for i := range symbols {
		symbols[i].Name = d.ctx.names.intern(symbols[i].Name)
	}
	d.symbols = symbols
}

// AddUnknownSymbol names a single address that has no table entry,
// used by the show-ip-for-unknown-symbol mode.
func (d *Dso) AddUnknownSymbol(vaddr uint64, name string) *Symbol {
	if d.unknownSymbols == nil {
		d.unknownSymbols = make(map[uint64]*Symbol)
	}
	s := newSymbol(d.ctx.names.intern(name), vaddr, 1)
	d.unknownSymbols[vaddr] = &s
	return &s
}

// FindSymbol resolves an in-file virtual address, loading the symbol
// table on first use.
func (d *Dso) FindSymbol(vaddr uint64) *Symbol {
	if !d.isLoaded {
		d.load()
	}
	i := sort.Search(len(d.symbols), func(i int) bool { return d.symbols[i].Addr > vaddr })
	if i > 0 {
		s := &d.symbols[i-1]
		if vaddr < s.Addr+s.Len {
			return s
		}
	}
	if s, ok := d.unknownSymbols[vaddr]; ok {
		return s
	}
	return nil
}

// Symbols exposes the loaded, sorted table (loading it if needed).
func (d *Dso) Symbols() []Symbol {
	if !d.isLoaded {
		d.load()
	}
	return d.symbols
}

func (d *Dso) load() {
	d.isLoaded = true
	symbols := d.loadSymbols()
	for i := range symbols {
		symbols[i].Name = d.ctx.names.intern(symbols[i].Name)
	}
	if len(d.symbols) == 0 {
		d.symbols = symbols
	} else {
		d.symbols = mergeSymbols(d.symbols, symbols)
	}
}

func (d *Dso) loadSymbols() []Symbol {
	switch d.typ {
	case ELF:
		return d.loadELFSymbols()
	case DEX:
		if d.dexDso != nil {
			return d.dexDso.loadSymbols()
		}
		return d.loadDexSymbols()
	case Kernel:
		return d.loadKernelSymbols()
	case KernelModule:
		return d.loadKernelModuleSymbols()
	default:
		return nil
	}
}

func (d *Dso) loadELFSymbols() []Symbol {
	var symbols []Symbol
	err := binfile.ParseELFSymbols(d.debugFilePath, d.expectedBuildID(), func(s binfile.ElfSymbol) {
		if s.IsFunc || (s.IsLabel && s.InTextSection) {
			symbols = append(symbols, newSymbol(s.Name, s.Vaddr, s.Len))
		}
	})
	d.reportELFSymbolResult(err)
	sortAndFixSymbols(symbols)
	return symbols
}

func (d *Dso) loadKernelModuleSymbols() []Symbol {
	var symbols []Symbol
	err := binfile.ParseELFSymbols(d.debugFilePath, d.expectedBuildID(), func(s binfile.ElfSymbol) {
		if s.IsFunc || s.InTextSection {
			symbols = append(symbols, newSymbol(s.Name, s.Vaddr, s.Len))
		}
	})
	d.reportELFSymbolResult(err)
	sortAndFixSymbols(symbols)
	return symbols
}

func (d *Dso) reportELFSymbolResult(err error) {
	switch {
	case err == nil:
		slog.Debug("read symbols", "path", d.debugFilePath)
	case errors.Is(err, binfile.ErrNoSymbolTable):
		// A vdso without any symbol table is expected; nothing to report.
		if d.path != vdsoPath {
			d.warnLoad("no symbol table", err)
		}
	default:
		d.warnLoad("failed to read symbols", err)
	}
}

// warnLoad logs at warning level only the first time around; a reload
// that merges into existing symbols downgrades to debug.
func (d *Dso) warnLoad(msg string, err error) {
	if len(d.symbols) == 0 {
		slog.Warn(msg, "path", d.debugFilePath, "error", err)
	} else {
		slog.Debug(msg, "path", d.debugFilePath, "error", err)
	}
}

func (d *Dso) loadDexSymbols() []Symbol {
	var symbols []Symbol
	err := binfile.ParseDEXSymbols(d.debugFilePath, d.dexFileOffsets, func(s binfile.DexSymbol) {
		symbols = append(symbols, newSymbol(s.Name, s.Offset, s.Len))
	})
	if err != nil {
		d.warnLoad("failed to read dex symbols", err)
		return nil
	}
	sortAndFixSymbols(symbols)
	return symbols
}

func (d *Dso) loadKernelSymbols() []Symbol {
	var symbols []Symbol
	ctx := d.ctx
	switch {
	case ctx.vmlinux != "":
		err := binfile.ParseELFSymbols(ctx.vmlinux, d.expectedBuildID(), func(s binfile.ElfSymbol) {
			if s.IsFunc {
				symbols = append(symbols, newSymbol(s.Name, s.Vaddr, s.Len))
			}
		})
		if err != nil {
			slog.Warn("failed to read symbols from vmlinux", "path", ctx.vmlinux, "error", err)
		}
	case ctx.kallsyms != "":
		symbols = symbolsFromKallsyms(ctx.kallsyms)
	case ctx.readKernelSymsProc || !d.expectedBuildID().IsEmpty():
		// Reading /proc/kallsyms of the running kernel only makes
		// sense when asked to, or when the recording's kernel build id
		// matches the running one.
		canRead := true
		if expected := d.expectedBuildID(); !expected.IsEmpty() && !ctx.readKernelSymsProc {
			real, err := binfile.KernelBuildID()
			if err != nil || !real.Equal(expected) {
				slog.Debug("skipping /proc/kallsyms: build id mismatch")
				canRead = false
			}
		}
		if canRead {
			data, err := os.ReadFile("/proc/kallsyms")
			if err != nil {
				slog.Debug("failed to read /proc/kallsyms", "error", err)
			} else {
				symbols = symbolsFromKallsyms(string(data))
			}
		}
	}
	sortAndFixSymbols(symbols)
	// The last kernel symbol covers the rest of kernel space.
	if len(symbols) > 0 {
		last := &symbols[len(symbols)-1]
		last.Len = math.MaxUint64 - last.Addr
	}
	return symbols
}

func symbolsFromKallsyms(text string) []Symbol {
	var symbols []Symbol
	binfile.ParseKallsyms(text, func(s binfile.KernelSymbol) bool {
		if strings.IndexByte("TtWw", s.Type) >= 0 && s.Addr != 0 {
			symbols = append(symbols, newSymbol(s.Name, s.Addr, 0))
		}
		return false
	})
	if len(symbols) == 0 {
		slog.Warn("kallsyms text contains no usable symbol addresses; " +
			"kptr_restrict may have zeroed them")
	}
	return symbols
}
