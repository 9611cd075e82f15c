package threadtree

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/profiletools/perfreport/internal/dso"
	"github.com/profiletools/perfreport/internal/perffile"
)

// DefaultKernelMmapName is the pseudo path the kernel image is mapped
// under in perf recordings.
const DefaultKernelMmapName = "[kernel.kallsyms]"

// MapEntry describes one virtual address range of a process (or of the
// kernel). Dso is shared: every mapping of the same path points at one
// Dso instance.
type MapEntry struct {
	StartAddr uint64
	Len       uint64
	PgOff     uint64
	Time      uint64
	Dso       *dso.Dso
	InKernel  bool
}

func (m *MapEntry) endAddr() uint64 { return m.StartAddr + m.Len }

// Contains reports whether ip falls inside the mapping.
func (m *MapEntry) Contains(ip uint64) bool {
	return ip >= m.StartAddr && ip < m.endAddr()
}

// mapSet is an address-sorted set of mappings with overlap fixing on
// insert, shared by all threads of one process.
type mapSet struct {
	maps []*MapEntry
}

// insert places e into the set, trimming or splitting mappings it
// overlaps; later mmaps win over earlier ones.
func (s *mapSet) insert(e *MapEntry) {
	out := s.maps[:0]
	var tail []*MapEntry
	for _, old := range s.maps {
		if old.endAddr() <= e.StartAddr || old.StartAddr >= e.endAddr() {
			out = append(out, old)
			continue
		}
		if old.StartAddr < e.StartAddr {
			head := *old
			head.Len = e.StartAddr - old.StartAddr
			out = append(out, &head)
		}
		if old.endAddr() > e.endAddr() {
			rest := *old
			rest.PgOff += e.endAddr() - old.StartAddr
			rest.Len = old.endAddr() - e.endAddr()
			rest.StartAddr = e.endAddr()
			tail = append(tail, &rest)
		}
	}
	out = append(out, e)
	out = append(out, tail...)
	sort.Slice(out, func(i, j int) bool { return out[i].StartAddr < out[j].StartAddr })
	s.maps = out
}

func (s *mapSet) find(ip uint64) *MapEntry {
	i := sort.Search(len(s.maps), func(i int) bool { return s.maps[i].StartAddr > ip })
	if i > 0 && s.maps[i-1].Contains(ip) {
		return s.maps[i-1]
	}
	return nil
}

func (s *mapSet) clone() *mapSet {
	c := &mapSet{maps: make([]*MapEntry, len(s.maps))}
	copy(c.maps, s.maps)
	return c
}

// ThreadEntry is the per-thread view: identity, comm and the map set
// shared with the other threads of its process.
type ThreadEntry struct {
	Pid  uint32
	Tid  uint32
	Comm string

	maps *mapSet
}

// ThreadTree reconstructs the process/thread/mapping state of a
// recording by applying fork, comm and mmap records in order, and
// resolves instruction pointers against it.
type ThreadTree struct {
	ctx     *dso.SymbolContext
	threads map[uint64]*ThreadEntry

	kernelMaps mapSet

	kernelDso  *dso.Dso
	moduleDsos map[string]*dso.Dso
	userDsos   map[string]*dso.Dso
	unknownDso *dso.Dso

	unknownMap    MapEntry
	unknownSymbol dso.Symbol

	showIPForUnknownSymbol bool
}

func New(ctx *dso.SymbolContext) *ThreadTree {
	t := &ThreadTree{
		ctx:        ctx,
		threads:    make(map[uint64]*ThreadEntry),
		moduleDsos: make(map[string]*dso.Dso),
		userDsos:   make(map[string]*dso.Dso),
	}
	t.unknownDso, _ = dso.CreateDso(ctx, dso.Unknown, "unknown", false)
	t.unknownMap = MapEntry{StartAddr: 0, Len: math.MaxUint64, Dso: t.unknownDso}
	t.unknownSymbol = dso.Symbol{Addr: 0, Len: 0, Name: "unknown"}
	return t
}

// ShowIPForUnknownSymbol makes unresolved addresses surface as hex
// pseudo symbols instead of the shared "unknown" sentinel.
func (t *ThreadTree) ShowIPForUnknownSymbol() { t.showIPForUnknownSymbol = true }

func threadKey(pid, tid uint32) uint64 { return uint64(pid)<<32 | uint64(tid) }

// FindThreadOrNew returns the thread entry, creating it (and wiring it
// to its process's map set) on first sight.
func (t *ThreadTree) FindThreadOrNew(pid, tid uint32) *ThreadEntry {
	if thread, ok := t.threads[threadKey(pid, tid)]; ok {
		return thread
	}
	return t.createThread(pid, tid)
}

func (t *ThreadTree) createThread(pid, tid uint32) *ThreadEntry {
	thread := &ThreadEntry{Pid: pid, Tid: tid, Comm: "unknown"}
	// Threads of one process share one map set.
	for _, other := range t.threads {
		if other.Pid == pid {
			thread.maps = other.maps
			break
		}
	}
	if thread.maps == nil {
		thread.maps = &mapSet{}
	}
	t.threads[threadKey(pid, tid)] = thread
	return thread
}

// ForkThread clones comm (and, across processes, the mapping table)
// from the parent.
func (t *ThreadTree) ForkThread(pid, tid, ppid, ptid uint32) {
	if pid == ppid && tid == ptid {
		return
	}
	parent := t.FindThreadOrNew(ppid, ptid)
	child := t.FindThreadOrNew(pid, tid)
	child.Comm = parent.Comm
	if pid != ppid {
		child.maps = parent.maps.clone()
		// The other threads seen so far under pid follow the new set.
		for _, th := range t.threads {
			if th.Pid == pid {
				th.maps = child.maps
			}
		}
	}
}

// SetThreadComm records a comm or exec event.
func (t *ThreadTree) SetThreadComm(pid, tid uint32, comm string) {
	t.FindThreadOrNew(pid, tid).Comm = comm
}

// AddThreadMap applies a user-space mmap record.
func (t *ThreadTree) AddThreadMap(pid, tid uint32, start, length, pgoff, time uint64, filename string) {
	thread := t.FindThreadOrNew(pid, tid)
	thread.maps.insert(&MapEntry{
		StartAddr: start,
		Len:       length,
		PgOff:     pgoff,
		Time:      time,
		Dso:       t.FindUserDsoOrNew(filename),
	})
}

// AddKernelMap applies a kernel or module mmap record.
func (t *ThreadTree) AddKernelMap(start, length, pgoff, time uint64, filename string) {
	var d *dso.Dso
	if strings.HasPrefix(filename, DefaultKernelMmapName) {
		d = t.KernelDsoOrNew()
	} else {
		d = t.findModuleDsoOrNew(filename)
	}
	t.kernelMaps.insert(&MapEntry{
		StartAddr: start,
		Len:       length,
		PgOff:     pgoff,
		Time:      time,
		Dso:       d,
		InKernel:  true,
	})
}

func (t *ThreadTree) KernelDsoOrNew() *dso.Dso {
	if t.kernelDso == nil {
		t.kernelDso, _ = dso.CreateDso(t.ctx, dso.Kernel, DefaultKernelMmapName, false)
	}
	return t.kernelDso
}

func (t *ThreadTree) findModuleDsoOrNew(path string) *dso.Dso {
	if d, ok := t.moduleDsos[path]; ok {
		return d
	}
	d, _ := dso.CreateDso(t.ctx, dso.KernelModule, path, false)
	t.moduleDsos[path] = d
	return d
}

// FindUserDsoOrNew shares one Dso per path across all mappings.
func (t *ThreadTree) FindUserDsoOrNew(path string) *dso.Dso {
	if d, ok := t.userDsos[path]; ok {
		return d
	}
	d, err := dso.CreateDso(t.ctx, dso.ELF, path, false)
	if err != nil {
		slog.Warn("failed to create dso", "path", path, "error", err)
		return t.unknownDso
	}
	t.userDsos[path] = d
	return d
}

// Update routes one record into the tree. Records the tree does not
// care about fall through silently.
func (t *ThreadTree) Update(r perffile.Record) {
	switch rec := r.(type) {
	case *perffile.MmapRecord:
		if rec.InKernel {
			t.AddKernelMap(rec.Addr, rec.Len, rec.PgOff, rec.Time, rec.Filename)
		} else {
			t.AddThreadMap(rec.PID, rec.TID, rec.Addr, rec.Len, rec.PgOff, rec.Time, rec.Filename)
		}
	case *perffile.CommRecord:
		t.SetThreadComm(rec.PID, rec.TID, rec.Comm)
	case *perffile.ForkRecord:
		t.ForkThread(rec.PID, rec.TID, rec.PPID, rec.PTID)
	}
}

// FindMap locates the mapping covering ip, in kernel or thread space.
// Lookups never fail: the sentinel unknown mapping is returned instead.
func (t *ThreadTree) FindMap(thread *ThreadEntry, ip uint64, inKernel bool) *MapEntry {
	var m *MapEntry
	if inKernel {
		m = t.kernelMaps.find(ip)
	} else if thread != nil {
		m = thread.maps.find(ip)
	}
	if m == nil {
		return &t.unknownMap
	}
	return m
}

// FindSymbol translates ip into the mapped file's address space and
// resolves it through the mapping's Dso. The returned vaddr is the
// in-file virtual address the symbol table is keyed by.
func (t *ThreadTree) FindSymbol(m *MapEntry, ip uint64) (*dso.Symbol, uint64) {
	var vaddrInFile uint64
	d := m.Dso
	if m.InKernel {
		if d.Path() == DefaultKernelMmapName {
			// Kernel symbols are keyed by absolute address.
			vaddrInFile = ip
		} else {
			vaddrInFile = ip - m.StartAddr + m.PgOff
		}
	} else {
		switch d.Type() {
		case dso.DEX:
			vaddrInFile = ip - m.StartAddr + m.PgOff
		default:
			vaddrInFile = ip - m.StartAddr + m.PgOff + d.MinVirtualAddress()
		}
	}
	if s := d.FindSymbol(vaddrInFile); s != nil {
		return s, vaddrInFile
	}
	if t.showIPForUnknownSymbol {
		return d.AddUnknownSymbol(vaddrInFile, fmt.Sprintf("0x%x", ip)), vaddrInFile
	}
	return &t.unknownSymbol, vaddrInFile
}

// AddDsoInfo installs per-dso data recovered from the record file's
// file feature: type, min vaddr, a dumped symbol table and, for dex
// dsos, the image offsets.
func (t *ThreadTree) AddDsoInfo(path string, typ dso.Type, minVaddr uint64, symbols []dso.Symbol, dexOffsets []uint64) {
	var d *dso.Dso
	switch typ {
	case dso.Kernel:
		d = t.KernelDsoOrNew()
	case dso.KernelModule:
		d = t.findModuleDsoOrNew(path)
	default:
		d = t.FindUserDsoOrNew(path)
	}
	d.SetMinVirtualAddress(minVaddr)
	for _, off := range dexOffsets {
		d.AddDexFileOffset(off)
	}
	d.SetSymbols(symbols)
}

// Close releases every Dso the tree created.
func (t *ThreadTree) Close() {
	for _, d := range t.userDsos {
		d.Release()
	}
	for _, d := range t.moduleDsos {
		d.Release()
	}
	if t.kernelDso != nil {
		t.kernelDso.Release()
	}
	t.unknownDso.Release()
}
