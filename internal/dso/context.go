package dso

import (
	"log/slog"
	"os"

	"github.com/profiletools/perfreport/internal/binfile"
)

// SymbolContext is the configuration snapshot shared by every Dso of
// one report session: demangling, kernel symbol sources, expected
// build ids and the debug file finder. It replaces the process-global
// state of classic perf tooling with a value threaded through the API.
// It is not safe for concurrent use; the engine is single threaded.
type SymbolContext struct {
	demangle           bool
	vmlinux            string
	kallsyms           string
	readKernelSymsProc bool
	buildIDMap         map[string]binfile.BuildID
	finder             *DebugFileFinder
	names              interner

	dsoCount   int
	nextDumpID uint32
}

func NewSymbolContext() *SymbolContext {
	return &SymbolContext{
		demangle: true,
		finder:   NewDebugFileFinder(),
	}
}

func (c *SymbolContext) SetDemangle(demangle bool) { c.demangle = demangle }

// SetVmlinux makes kernel Dsos read symbols from a vmlinux image
// instead of kallsyms.
func (c *SymbolContext) SetVmlinux(path string) { c.vmlinux = path }

// SetKallsyms caches kallsyms-format text (e.g. read from a device)
// for kernel symbolization.
func (c *SymbolContext) SetKallsyms(text string) { c.kallsyms = text }

// SetKallsymsFile loads path as the cached kallsyms text.
func (c *SymbolContext) SetKallsymsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	c.kallsyms = string(data)
	return nil
}

// SetReadKernelSymbolsFromProc opts in to reading /proc/kallsyms of the
// running kernel even without a matching build id. Off by default: a
// host's /proc/kallsyms is useless for a recording made on a device.
func (c *SymbolContext) SetReadKernelSymbolsFromProc(read bool) { c.readKernelSymsProc = read }

// SetBuildIDs installs the dso path -> expected build id map, normally
// taken from the record file's build id feature.
func (c *SymbolContext) SetBuildIDs(ids map[string]binfile.BuildID) {
	m := make(map[string]binfile.BuildID, len(ids))
	for path, id := range ids {
		slog.Debug("build_id_map entry", "path", path, "build_id", id.String())
		m[path] = id
	}
	c.buildIDMap = m
}

// FindExpectedBuildIDForPath returns the empty build id when path has
// no recorded expectation.
func (c *SymbolContext) FindExpectedBuildIDForPath(path string) binfile.BuildID {
	return c.buildIDMap[path]
}

func (c *SymbolContext) SetSymFS(dir string) error { return c.finder.SetSymFS(dir) }

func (c *SymbolContext) SetVdsoFile(path string, is64bit bool) {
	c.finder.SetVdsoFile(path, is64bit)
}

func (c *SymbolContext) Finder() *DebugFileFinder { return c.finder }

func (c *SymbolContext) createDumpID() uint32 {
	id := c.nextDumpID
	c.nextDumpID++
	return id
}

// releaseDso is called when a Dso is released; the last one tears the
// shared state down so a context can be reused for another session.
func (c *SymbolContext) releaseDso() {
	c.dsoCount--
	if c.dsoCount > 0 {
		return
	}
	c.names.clear()
	c.demangle = true
	c.vmlinux = ""
	c.kallsyms = ""
	c.readKernelSymsProc = false
	c.buildIDMap = nil
	c.nextDumpID = 0
	c.finder.Reset()
}

func (c *SymbolContext) LiveDsoCount() int { return c.dsoCount }
