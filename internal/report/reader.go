// Package report is the sample iteration engine: it streams records
// out of a recording, keeps the process/thread/mapping view current,
// and emits samples whose frames are resolved to demangled symbols.
package report

import (
	"strings"

	"github.com/profiletools/perfreport/internal/binfile"
	"github.com/profiletools/perfreport/internal/dso"
	"github.com/profiletools/perfreport/internal/perffile"
	"github.com/profiletools/perfreport/internal/threadtree"
)

// RecordSource is the record-file contract the reader consumes;
// *perffile.File implements it.
type RecordSource interface {
	ReadRecord() (perffile.Record, error)
	EventAttrs() []perffile.EventAttr
	AttrIndexOfID(id uint64) int
	BuildIDs() ([]perffile.BuildIDEntry, error)
	FileFeatures() ([]perffile.FileFeature, error)
	MetaInfo() (map[string]string, error)
	FeatureSectionData(feat int) ([]byte, error)
	Close() error
}

const interpreterSuffix = "/libart.so"

// Reader pulls enriched samples out of one recording. It is single
// threaded; configuration methods must be called before the first
// NextSample.
type Reader struct {
	recordPath string
	openSource func(path string) (RecordSource, error)
	source     RecordSource

	ctx  *dso.SymbolContext
	tree *threadtree.ThreadTree

	traceOffcpu   bool
	eventTypes    []eventType
	showArtFrames bool

	// Per tid, the most recent sample still waiting for its successor
	// (its off-CPU period is the gap to the next sample on that tid).
	nextSampleCache map[uint32]*perffile.SampleRecord

	currentSample    Sample
	currentSymbol    *SymbolEntry
	currentEventName string
	callChain        []CallChainEntry
	mappings         []*Mapping
}

func NewReader(recordPath string) *Reader {
	ctx := dso.NewSymbolContext()
	return &Reader{
		recordPath: recordPath,
		openSource: func(path string) (RecordSource, error) { return perffile.Open(path) },
		ctx:        ctx,
		tree:       threadtree.New(ctx),
		nextSampleCache: make(map[uint32]*perffile.SampleRecord),
	}
}

func (r *Reader) SetRecordFile(path string) { r.recordPath = path }

func (r *Reader) SetSymFS(dir string) error { return r.ctx.SetSymFS(dir) }

func (r *Reader) SetKallsymsFile(path string) error { return r.ctx.SetKallsymsFile(path) }

func (r *Reader) SetVmlinux(path string) { r.ctx.SetVmlinux(path) }

func (r *Reader) SetVdsoFile(path string, is64bit bool) { r.ctx.SetVdsoFile(path, is64bit) }

func (r *Reader) SetDemangle(demangle bool) { r.ctx.SetDemangle(demangle) }

// ShowArtFrames keeps ART interpreter frames instead of eliding the
// ones adjacent to dex frames.
func (r *Reader) ShowArtFrames(show bool) { r.showArtFrames = show }

// ShowIPForUnknownSymbol renders unresolved addresses as hex pseudo
// symbols.
func (r *Reader) ShowIPForUnknownSymbol() { r.tree.ShowIPForUnknownSymbol() }

// SetReadKernelSymbolsFromProc opts in to /proc/kallsyms fallback.
func (r *Reader) SetReadKernelSymbolsFromProc(read bool) { r.ctx.SetReadKernelSymbolsFromProc(read) }

func (r *Reader) Close() error {
	r.tree.Close()
	if r.source != nil {
		return r.source.Close()
	}
	return nil
}

// openRecordFile lazily opens the recording and consumes its build id,
// file and meta info features.
func (r *Reader) openRecordFile() error {
	if r.source != nil {
		return nil
	}
	source, err := r.openSource(r.recordPath)
	if err != nil {
		return err
	}
	r.source = source

	buildIDs, err := source.BuildIDs()
	if err != nil {
		return err
	}
	ids := make(map[string]binfile.BuildID, len(buildIDs))
	for _, entry := range buildIDs {
		ids[entry.Filename] = binfile.NewBuildID(entry.BuildID)
	}
	r.ctx.SetBuildIDs(ids)

	files, err := source.FileFeatures()
	if err != nil {
		return err
	}
	for _, ff := range files {
		symbols := make([]dso.Symbol, 0, len(ff.Symbols))
		for _, s := range ff.Symbols {
			symbols = append(symbols, dso.Symbol{Addr: s.Vaddr, Len: s.Len, Name: s.Name})
		}
		r.tree.AddDsoInfo(ff.Path, dso.Type(ff.Type), ff.MinVaddr, symbols, ff.DexFileOffsets)
	}

	info, err := source.MetaInfo()
	if err != nil {
		return err
	}
	r.traceOffcpu = info["trace_offcpu"] == "true"
	r.eventTypes = parseEventTypeInfo(info["event_type_info"])
	return nil
}

// NextSample returns the next enriched sample, io.EOF at end of
// stream. Under trace_offcpu each tid's samples are deferred by one,
// so the last sample per tid is never emitted.
func (r *Reader) NextSample() (*Sample, error) {
	if err := r.openRecordFile(); err != nil {
		return nil, err
	}
	var current *perffile.SampleRecord
	for current == nil {
		rec, err := r.source.ReadRecord()
		if err != nil {
			return nil, err
		}
		r.tree.Update(rec)
		s, ok := rec.(*perffile.SampleRecord)
		if !ok {
			continue
		}
		if r.traceOffcpu {
			cached, ok := r.nextSampleCache[s.TID]
			r.nextSampleCache[s.TID] = s
			if !ok {
				continue
			}
			current = cached
		} else {
			current = s
		}
	}
	r.setCurrentSample(current)
	return &r.currentSample, nil
}

// SymbolOfCurrentSample is the resolution of the sample's own IP.
func (r *Reader) SymbolOfCurrentSample() *SymbolEntry { return r.currentSymbol }

// CallChainOfCurrentSample is the resolved chain beyond the leaf
// frame, innermost first.
func (r *Reader) CallChainOfCurrentSample() []CallChainEntry { return r.callChain }

// EventOfCurrentSample names the event the sample counts.
func (r *Reader) EventOfCurrentSample() string { return r.currentEventName }

// BuildIDForPath reports the build id the recording expects for a dso
// path, empty when unknown.
func (r *Reader) BuildIDForPath(path string) (string, error) {
	if err := r.openRecordFile(); err != nil {
		return "", err
	}
	return r.ctx.FindExpectedBuildIDForPath(path).String(), nil
}

// FeatureSectionData hands out a raw feature section of the recording.
func (r *Reader) FeatureSectionData(feat int) ([]byte, error) {
	if err := r.openRecordFile(); err != nil {
		return nil, err
	}
	return r.source.FeatureSectionData(feat)
}

func (r *Reader) setCurrentSample(rec *perffile.SampleRecord) {
	r.mappings = r.mappings[:0]
	thread := r.tree.FindThreadOrNew(rec.PID, rec.TID)

	r.currentSample = Sample{
		IP:         rec.IP,
		PID:        rec.PID,
		TID:        rec.TID,
		ThreadComm: thread.Comm,
		Time:       rec.Time,
		InKernel:   rec.InKernel(),
		CPU:        rec.CPU,
	}
	if r.traceOffcpu {
		next := r.nextSampleCache[rec.TID].Time
		if next < rec.Time+1 {
			next = rec.Time + 1
		}
		r.currentSample.Period = next - rec.Time
	} else {
		r.currentSample.Period = rec.Period
	}

	entries := r.resolveFrames(thread, rec)
	r.currentSample.IP = entries[0].IP
	r.currentSymbol = &entries[0].Symbol
	r.callChain = entries[1:]
	r.currentEventName = r.eventName(rec)
}

type ipMap struct {
	ip uint64
	m  *threadtree.MapEntry
}

// resolveFrames walks the raw chain, applies the interpreter frame
// policy and resolves every surviving frame.
func (r *Reader) resolveFrames(thread *threadtree.ThreadEntry, rec *perffile.SampleRecord) []CallChainEntry {
	ips, kernelIPCount := rec.GetCallChain()
	ipMaps := make([]ipMap, 0, len(ips))
	// An ART interpreter frame right next to a dex frame is the
	// interpreter doing the method's work; hide it unless asked.
	nearJavaMethod := false
	isInterpreter := func(m *threadtree.MapEntry) bool {
		return strings.HasSuffix(m.Dso.Path(), interpreterSuffix)
	}
	for i, ip := range ips {
		m := r.tree.FindMap(thread, ip, i < kernelIPCount)
		if !r.showArtFrames {
			if m.Dso.Type() == dso.DEX {
				nearJavaMethod = true
				for len(ipMaps) > 0 && isInterpreter(ipMaps[len(ipMaps)-1].m) {
					ipMaps = ipMaps[:len(ipMaps)-1]
				}
			} else if isInterpreter(m) {
				if nearJavaMethod {
					continue
				}
			} else {
				nearJavaMethod = false
			}
		}
		ipMaps = append(ipMaps, ipMap{ip: ip, m: m})
	}

	entries := make([]CallChainEntry, 0, len(ipMaps))
	for _, im := range ipMaps {
		symbol, vaddrInFile := r.tree.FindSymbol(im.m, im.ip)
		entries = append(entries, CallChainEntry{
			IP: im.ip,
			Symbol: SymbolEntry{
				DsoName:     im.m.Dso.Path(),
				VaddrInFile: vaddrInFile,
				SymbolName:  r.ctx.DemangledName(symbol),
				SymbolAddr:  symbol.Addr,
				SymbolLen:   symbol.Len,
				Mapping:     r.addMapping(im.m),
			},
		})
	}
	return entries
}

func (r *Reader) addMapping(m *threadtree.MapEntry) *Mapping {
	mapping := &Mapping{Start: m.StartAddr, End: m.StartAddr + m.Len, PgOff: m.PgOff}
	r.mappings = append(r.mappings, mapping)
	return mapping
}

func (r *Reader) eventName(rec *perffile.SampleRecord) string {
	attrs := r.source.EventAttrs()
	// Under trace_offcpu every sample reports the primary event, never
	// sched:sched_switch.
	attrIndex := 0
	if !r.traceOffcpu {
		attrIndex = r.source.AttrIndexOfID(rec.ID)
	}
	if attrIndex >= len(attrs) {
		attrIndex = 0
	}
	return eventNameForAttr(r.eventTypes, attrs[attrIndex])
}
