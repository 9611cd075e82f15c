// Package exporter turns enriched samples into downstream formats:
// pprof profiles, OTLP profile export requests and folded stacks.
package exporter

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/pprof/profile"

	"github.com/profiletools/perfreport/internal/report"
)

// StackSample is one emitted sample with its full resolved stack,
// innermost frame first.
type StackSample struct {
	Sample report.Sample
	Event  string
	Frames []report.CallChainEntry
}

// BuildPprofProfile aggregates samples into a pprof profile. The
// sample value is the period (event count, or off-CPU nanoseconds).
func BuildPprofProfile(samples []StackSample, sampleTypeName, sampleTypeUnit string) (*profile.Profile, error) {
	p := &profile.Profile{}
	if len(samples) == 0 {
		return p, nil
	}
	p.SampleType = []*profile.ValueType{{Type: sampleTypeName, Unit: sampleTypeUnit}}
	p.PeriodType = &profile.ValueType{Type: sampleTypeName, Unit: sampleTypeUnit}

	funcs := map[string]*profile.Function{}
	locs := map[string]*profile.Location{}
	mappings := map[string]*profile.Mapping{}
	nextFuncID := uint64(1)
	nextLocID := uint64(1)
	nextMappingID := uint64(1)

	addFunction := func(name string) *profile.Function {
		if f, ok := funcs[name]; ok {
			return f
		}
		fn := &profile.Function{ID: nextFuncID, Name: name, SystemName: name}
		nextFuncID++
		funcs[name] = fn
		p.Function = append(p.Function, fn)
		return fn
	}

	addMapping := func(entry report.SymbolEntry) *profile.Mapping {
		if m, ok := mappings[entry.DsoName]; ok {
			return m
		}
		m := &profile.Mapping{ID: nextMappingID, File: entry.DsoName}
		if entry.Mapping != nil {
			m.Start = entry.Mapping.Start
			m.Limit = entry.Mapping.End
			m.Offset = entry.Mapping.PgOff
		}
		nextMappingID++
		mappings[entry.DsoName] = m
		p.Mapping = append(p.Mapping, m)
		return m
	}

	addLocation := func(frame report.CallChainEntry) *profile.Location {
		key := fmt.Sprintf("%s:%x", frame.Symbol.DsoName, frame.Symbol.VaddrInFile)
		if loc, ok := locs[key]; ok {
			return loc
		}
		fn := addFunction(frame.Symbol.SymbolName)
		loc := &profile.Location{
			ID:      nextLocID,
			Address: frame.Symbol.VaddrInFile,
			Mapping: addMapping(frame.Symbol),
			Line:    []profile.Line{{Function: fn, Line: 0}},
		}
		nextLocID++
		locs[key] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	var minTime, maxTime uint64
	for _, s := range samples {
		if len(s.Frames) == 0 {
			continue
		}
		// pprof wants stacks leaf-to-root; frames already are.
		plocs := make([]*profile.Location, 0, len(s.Frames))
		for _, frame := range s.Frames {
			plocs = append(plocs, addLocation(frame))
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Value:    []int64{int64(s.Sample.Period)},
			Location: plocs,
			Label: map[string][]string{
				"thread_comm": {s.Sample.ThreadComm},
				"event":       {s.Event},
			},
			NumLabel: map[string][]int64{
				"tid": {int64(s.Sample.TID)},
			},
		})
		if minTime == 0 || s.Sample.Time < minTime {
			minTime = s.Sample.Time
		}
		if s.Sample.Time > maxTime {
			maxTime = s.Sample.Time
		}
	}

	p.TimeNanos = int64(minTime)
	p.DurationNanos = int64(maxTime - minTime)

	// sort for deterministic output
	sort.Slice(p.Function, func(i, j int) bool { return p.Function[i].ID < p.Function[j].ID })
	sort.Slice(p.Location, func(i, j int) bool { return p.Location[i].ID < p.Location[j].ID })
	return p, nil
}

func WriteProfileGzip(p *profile.Profile, w io.Writer) error {
	gw := gzip.NewWriter(w)
	defer gw.Close()
	return p.Write(gw)
}

func WriteProfileFile(p *profile.Profile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteProfileGzip(p, f)
}
