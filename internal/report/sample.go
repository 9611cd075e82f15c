package report

// Mapping is the address range a frame's dso was mapped at. Values
// live in a per-sample arena: pointers handed out for one sample are
// invalidated by the next NextSample call.
type Mapping struct {
	Start uint64
	End   uint64
	PgOff uint64
}

// SymbolEntry is a resolved frame: the dso it landed in, the in-file
// virtual address, and the covering symbol.
type SymbolEntry struct {
	DsoName     string
	VaddrInFile uint64
	SymbolName  string
	SymbolAddr  uint64
	SymbolLen   uint64
	Mapping     *Mapping
}

// CallChainEntry pairs a raw instruction pointer with its resolution.
type CallChainEntry struct {
	IP     uint64
	Symbol SymbolEntry
}

// Sample is one enriched sample. Under trace_offcpu the period is the
// time until the next sample on the same thread.
type Sample struct {
	IP         uint64
	PID        uint32
	TID        uint32
	ThreadComm string
	Time       uint64
	InKernel   bool
	CPU        uint32
	Period     uint64
}
