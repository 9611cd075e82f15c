package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/profiletools/perfreport/internal/exporter"
	"github.com/profiletools/perfreport/internal/report"
)

func main() {
	recordFile := flag.String("i", "perf.data", "record file to report")
	symfs := flag.String("symfs", "", "directory holding symbolized binaries and a build_id_list")
	kallsyms := flag.String("kallsyms", "", "kallsyms file for kernel symbols")
	vmlinux := flag.String("vmlinux", "", "vmlinux image for kernel symbols")
	vdso32 := flag.String("vdso32", "", "32-bit vdso replacement file")
	vdso64 := flag.String("vdso64", "", "64-bit vdso replacement file")
	showArtFrames := flag.Bool("show-art-frames", false, "keep ART interpreter frames")
	showIP := flag.Bool("show-ip", false, "show hex addresses for unknown symbols")
	noDemangle := flag.Bool("no-demangle", false, "report mangled symbol names")
	format := flag.String("f", "summary", "output format: summary, pprof, folded or otlp")
	output := flag.String("o", "", "output file (defaults to stdout for summary/folded)")
	flag.Parse()

	r := report.NewReader(*recordFile)
	defer r.Close()
	if *symfs != "" {
		if err := r.SetSymFS(*symfs); err != nil {
			slog.Error("Failed to set symfs dir", "dir", *symfs, "error", err)
			os.Exit(1)
		}
	}
	if *kallsyms != "" {
		if err := r.SetKallsymsFile(*kallsyms); err != nil {
			slog.Error("Failed to load kallsyms file", "path", *kallsyms, "error", err)
			os.Exit(1)
		}
	}
	if *vmlinux != "" {
		r.SetVmlinux(*vmlinux)
	}
	if *vdso32 != "" {
		r.SetVdsoFile(*vdso32, false)
	}
	if *vdso64 != "" {
		r.SetVdsoFile(*vdso64, true)
	}
	r.ShowArtFrames(*showArtFrames)
	if *showIP {
		r.ShowIPForUnknownSymbol()
	}
	r.SetDemangle(!*noDemangle)

	samples, err := collectSamples(r)
	if err != nil {
		slog.Error("Failed to read samples", "file", *recordFile, "error", err)
		os.Exit(1)
	}

	if err := writeOutput(samples, *format, *output); err != nil {
		slog.Error("Failed to write output", "format", *format, "error", err)
		os.Exit(1)
	}
}

func collectSamples(r *report.Reader) ([]exporter.StackSample, error) {
	var samples []exporter.StackSample
	for {
		s, err := r.NextSample()
		if errors.Is(err, io.EOF) {
			return samples, nil
		}
		if err != nil {
			return nil, err
		}
		chain := r.CallChainOfCurrentSample()
		frames := make([]report.CallChainEntry, 0, len(chain)+1)
		frames = append(frames, report.CallChainEntry{IP: s.IP, Symbol: *r.SymbolOfCurrentSample()})
		frames = append(frames, chain...)
		samples = append(samples, exporter.StackSample{
			Sample: *s,
			Event:  r.EventOfCurrentSample(),
			Frames: frames,
		})
	}
}

func writeOutput(samples []exporter.StackSample, format, output string) error {
	switch format {
	case "summary":
		w := io.Writer(os.Stdout)
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		return writeSummary(samples, w)
	case "folded":
		agg := exporter.BuildFoldedStacks(samples)
		if output == "" {
			return exporter.WriteFoldedStacks(agg, os.Stdout)
		}
		return exporter.WriteFoldedStacksFile(agg, output)
	case "pprof":
		if output == "" {
			output = "perf.pb.gz"
		}
		p, err := exporter.BuildPprofProfile(samples, "events", "count")
		if err != nil {
			return err
		}
		return exporter.WriteProfileFile(p, output)
	case "otlp":
		if output == "" {
			output = "perf.otlp.pb"
		}
		return exporter.WriteOTLPRequestFile(samples, "events", "count", output)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeSummary(samples []exporter.StackSample, w io.Writer) error {
	for _, s := range samples {
		_, err := fmt.Fprintf(w, "%s\t%d/%d [%03d] %d: %s (%s)\n",
			s.Event, s.Sample.PID, s.Sample.TID, s.Sample.CPU, s.Sample.Time,
			s.Frames[0].Symbol.SymbolName, s.Frames[0].Symbol.DsoName)
		if err != nil {
			return err
		}
		for _, frame := range s.Frames[1:] {
			if _, err := fmt.Fprintf(w, "\t%s (%s)\n", frame.Symbol.SymbolName, frame.Symbol.DsoName); err != nil {
				return err
			}
		}
	}
	return nil
}
