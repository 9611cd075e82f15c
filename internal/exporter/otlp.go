package exporter

import (
	"os"

	colpb "go.opentelemetry.io/proto/otlp/collector/profiles/v1development"
	v1 "go.opentelemetry.io/proto/otlp/common/v1"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	resourceV1 "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/proto"

	"github.com/profiletools/perfreport/internal/report"
)

// BuildOTLPProfile converts samples into an OTLP profiles payload with
// shared string/function/location/stack dictionaries.
func BuildOTLPProfile(samples []StackSample, sampleTypeName, sampleTypeUnit string) *profilespb.ProfilesData {
	stringTable := []string{""}
	mappingTable := []*profilespb.Mapping{{}}
	locationTable := []*profilespb.Location{{}}
	functionTable := []*profilespb.Function{{}}
	stackTable := []*profilespb.Stack{{}}

	sampleType := &profilespb.ValueType{
		TypeStrindex: strIndex(&stringTable, sampleTypeName),
		UnitStrindex: strIndex(&stringTable, sampleTypeUnit),
	}

	mappingIndex := func(dsoName string) int32 {
		nameIdx := strIndex(&stringTable, dsoName)
		for i, m := range mappingTable {
			if i > 0 && m.FilenameStrindex == nameIdx {
				return int32(i)
			}
		}
		mappingTable = append(mappingTable, &profilespb.Mapping{FilenameStrindex: nameIdx})
		return int32(len(mappingTable) - 1)
	}

	buildStack := func(frames []report.CallChainEntry) int32 {
		locIndices := make([]int32, 0, len(frames))
		for _, frame := range frames {
			funcNameIdx := strIndex(&stringTable, frame.Symbol.SymbolName)
			fn := &profilespb.Function{
				NameStrindex:       funcNameIdx,
				SystemNameStrindex: funcNameIdx,
			}
			functionTable = append(functionTable, fn)
			fnIdx := int32(len(functionTable) - 1)

			loc := &profilespb.Location{
				Address:      frame.Symbol.VaddrInFile,
				MappingIndex: mappingIndex(frame.Symbol.DsoName),
				Lines: []*profilespb.Line{
					{FunctionIndex: fnIdx, Line: 0},
				},
			}
			locationTable = append(locationTable, loc)
			locIndices = append(locIndices, int32(len(locationTable)-1))
		}
		stackTable = append(stackTable, &profilespb.Stack{LocationIndices: locIndices})
		return int32(len(stackTable) - 1)
	}

	profileSamples := make([]*profilespb.Sample, 0, len(samples))
	var startNano uint64
	for _, s := range samples {
		if len(s.Frames) == 0 {
			continue
		}
		if startNano == 0 || s.Sample.Time < startNano {
			startNano = s.Sample.Time
		}
		profileSamples = append(profileSamples, &profilespb.Sample{
			StackIndex:         buildStack(s.Frames),
			Values:             []int64{int64(s.Sample.Period)},
			AttributeIndices:   []int32{},
			LinkIndex:          0,
			TimestampsUnixNano: []uint64{s.Sample.Time},
		})
	}

	prof := &profilespb.Profile{
		TimeUnixNano: startNano,
		SampleType:   sampleType,
		Samples:      profileSamples,
	}

	resourceProfiles := &profilespb.ResourceProfiles{
		Resource: &resourceV1.Resource{},
		ScopeProfiles: []*profilespb.ScopeProfiles{
			{
				Scope: &v1.InstrumentationScope{
					Name:    "perfreport",
					Version: "v1",
				},
				Profiles: []*profilespb.Profile{prof},
			},
		},
	}

	return &profilespb.ProfilesData{
		ResourceProfiles: []*profilespb.ResourceProfiles{resourceProfiles},
		Dictionary: &profilespb.ProfilesDictionary{
			MappingTable:  mappingTable,
			LocationTable: locationTable,
			FunctionTable: functionTable,
			StackTable:    stackTable,
			StringTable:   stringTable,
		},
	}
}

// WriteOTLPRequestFile marshals the samples as an OTLP export request.
func WriteOTLPRequestFile(samples []StackSample, sampleTypeName, sampleTypeUnit, path string) error {
	data := BuildOTLPProfile(samples, sampleTypeName, sampleTypeUnit)
	req := &colpb.ExportProfilesServiceRequest{
		ResourceProfiles: data.ResourceProfiles,
		Dictionary:       data.Dictionary,
	}
	raw, err := proto.Marshal(req)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func strIndex(table *[]string, s string) int32 {
	for i, v := range *table {
		if v == s {
			return int32(i)
		}
	}
	*table = append(*table, s)
	return int32(len(*table) - 1)
}
