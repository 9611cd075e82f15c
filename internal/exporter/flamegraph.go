package exporter

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// BuildFoldedStacks aggregates samples into the folded stack format
// flamegraph tooling consumes: one root->leaf stack per line, weighted
// by period.
func BuildFoldedStacks(samples []StackSample) map[string]uint64 {
	agg := make(map[string]uint64)
	for _, s := range samples {
		if len(s.Frames) == 0 {
			continue
		}
		names := make([]string, 0, len(s.Frames)+1)
		names = append(names, escapeFoldedName(s.Sample.ThreadComm))
		for i := len(s.Frames) - 1; i >= 0; i-- { // reverse order because flamegraphs expect root->leaf order
			names = append(names, escapeFoldedName(s.Frames[i].Symbol.SymbolName))
		}
		agg[strings.Join(names, ";")] += s.Sample.Period
	}
	return agg
}

func escapeFoldedName(name string) string {
	// semicolons separate frames and newlines separate lines. Replace them with safe characters.
	name = strings.ReplaceAll(name, ";", "_")
	name = strings.ReplaceAll(name, "\n", " ")
	name = strings.TrimSpace(name)
	if name == "" {
		return "<unknown>"
	}
	return name
}

// WriteFoldedStacks renders the aggregate deterministically, sorted by
// stack string.
func WriteFoldedStacks(agg map[string]uint64, w io.Writer) error {
	keys := make([]string, 0, len(agg))
	for k := range agg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "%s %d\n", k, agg[k]); err != nil {
			return err
		}
	}
	return nil
}

func WriteFoldedStacksFile(agg map[string]uint64, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteFoldedStacks(agg, f)
}
