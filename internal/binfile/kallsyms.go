package binfile

import (
	"strconv"
	"strings"
)

// KernelSymbol is one parsed kallsyms line.
type KernelSymbol struct {
	Addr   uint64
	Type   byte
	Name   string
	Module string
}

// ParseKallsyms walks kallsyms-format text, one symbol per line:
// "ffffffff81000000 T start_kernel [module]". Malformed lines are
// skipped. visit returning true stops the walk.
func ParseKallsyms(text string, visit func(KernelSymbol) bool) {
	for line := range strings.Lines(text) {
		parts := strings.Fields(line)
		if len(parts) < 3 || len(parts[1]) != 1 {
			continue
		}
		addr, err := strconv.ParseUint(parts[0], 16, 64)
		if err != nil {
			continue
		}
		sym := KernelSymbol{Addr: addr, Type: parts[1][0], Name: parts[2]}
		if len(parts) > 3 {
			sym.Module = strings.Trim(parts[3], "[]")
		}
		if visit(sym) {
			return
		}
	}
}
