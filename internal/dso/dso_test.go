package dso

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/profiletools/perfreport/internal/binfile"
	"github.com/profiletools/perfreport/internal/testbin"
)

func writeVdexFixture(t *testing.T) string {
	t.Helper()
	dex := testbin.BuildDEX(0x70000,
		"Lcom/example/simpleperf/simpleperfexamplewithnative/MixActivity$1;",
		[]testbin.DexMethod{{Name: "run", CodeOff: 0x6c73e, Insns: 0xb}})
	file := make([]byte, 0x28+len(dex))
	copy(file, "vdex")
	copy(file[0x28:], dex)
	path := filepath.Join(t.TempDir(), "base.vdex")
	require.NoError(t, os.WriteFile(path, file, 0o644))
	return path
}

func TestDexFileDso(t *testing.T) {
	path := writeVdexFixture(t)
	// Whether the dso starts out as DEX or is reclassified from ELF
	// once a dex offset shows up, lookups behave the same.
	for _, typ := range []Type{DEX, ELF} {
		t.Run(typ.String(), func(t *testing.T) {
			ctx := NewSymbolContext()
			d, err := CreateDso(ctx, typ, path, false)
			require.NoError(t, err)
			defer d.Release()

			d.AddDexFileOffset(0x28)
			require.Equal(t, DEX, d.Type())
			require.Equal(t, []uint64{0x28}, d.DexFileOffsets())

			symbol := d.FindSymbol(0x6c77e)
			require.NotNil(t, symbol)
			require.Equal(t, uint64(0x6c77e), symbol.Addr)
			require.Equal(t, uint64(0x16), symbol.Len)
			require.Equal(t,
				"com.example.simpleperf.simpleperfexamplewithnative.MixActivity$1.run",
				ctx.DemangledName(symbol))
			require.Equal(t, uint64(0), d.MinVirtualAddress())
		})
	}
}

func TestElfDso(t *testing.T) {
	syms := []testbin.ElfSym{
		{Name: "main", Value: 0x1000, Size: 0x20, Func: true, InText: true},
		{Name: "helper", Value: 0x1020, Size: 0, Func: true, InText: true},
		{Name: "text_label", Value: 0x1040, Size: 0x10, InText: true},
		{Name: "note_label", Value: 0x2000, Size: 0x10},
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "libtest.so")
	require.NoError(t, os.WriteFile(path, testbin.BuildELF([]byte{0x42}, syms, true), 0o644))

	ctx := NewSymbolContext()
	d, err := CreateDso(ctx, ELF, path, false)
	require.NoError(t, err)
	defer d.Release()

	require.Equal(t, uint64(0x1000), d.MinVirtualAddress())
	require.Equal(t, "libtest.so", d.FileName())

	s := d.FindSymbol(0x1005)
	require.NotNil(t, s)
	require.Equal(t, "main", s.Name)

	// helper had no recorded size; its length reaches the next symbol.
	s = d.FindSymbol(0x103f)
	require.NotNil(t, s)
	require.Equal(t, "helper", s.Name)
	require.Equal(t, uint64(0x20), s.Len)

	// Text labels are kept, data labels are not.
	require.NotNil(t, d.FindSymbol(0x1040))
	require.Nil(t, d.FindSymbol(0x2000))

	// A gap past the last symbol resolves to nothing.
	require.Nil(t, d.FindSymbol(0x9000))
}

func TestKernelDsoFromKallsyms(t *testing.T) {
	ctx := NewSymbolContext()
	ctx.SetKallsyms(
		"ffffffff81002000 T later_func\n" +
			"ffffffff81000000 T start_kernel\n" +
			"ffffffff81001000 t do_one\n" +
			"ffffffff81003000 D some_data\n" +
			"0000000000000000 T zeroed_out\n")
	d, err := CreateDso(ctx, Kernel, "[kernel.kallsyms]", false)
	require.NoError(t, err)
	defer d.Release()

	s := d.FindSymbol(0xffffffff81000010)
	require.NotNil(t, s)
	require.Equal(t, "start_kernel", s.Name)
	require.Equal(t, uint64(0x1000), s.Len)

	// Data symbols and zero addresses never make it in.
	require.Equal(t, 3, len(d.Symbols()))

	// The tail of kernel space belongs to the last symbol.
	s = d.FindSymbol(math.MaxUint64 - 1)
	require.NotNil(t, s)
	require.Equal(t, "later_func", s.Name)
}

func TestUnknownDso(t *testing.T) {
	ctx := NewSymbolContext()
	d, err := CreateDso(ctx, Unknown, "unknown", false)
	require.NoError(t, err)
	defer d.Release()
	require.Nil(t, d.FindSymbol(0x1234))

	s := d.AddUnknownSymbol(0x1234, "0x1234")
	require.Equal(t, s, d.FindSymbol(0x1234))
}

func TestCreateDso_BadType(t *testing.T) {
	ctx := NewSymbolContext()
	_, err := CreateDso(ctx, Type(42), "x", false)
	require.Error(t, err)
}

func TestSetSymbolsMergesWithLoaded(t *testing.T) {
	path := writeVdexFixture(t)
	ctx := NewSymbolContext()
	d, err := CreateDso(ctx, DEX, path, false)
	require.NoError(t, err)
	defer d.Release()
	d.AddDexFileOffset(0x28)

	// Symbols recovered from the record file come first; the lazy load
	// merges the on-disk table around them.
	d.SetSymbols([]Symbol{{Addr: 0x100, Len: 0x10, Name: "recorded_stub"}})
	require.NotNil(t, d.FindSymbol(0x105))
	require.NotNil(t, d.FindSymbol(0x6c77e))
}

func TestSortAndFixSymbols(t *testing.T) {
	symbols := []Symbol{
		{Addr: 0x30, Len: 0, Name: "c"},
		{Addr: 0x10, Len: 0, Name: "a"},
		{Addr: 0x20, Len: 0x4, Name: "b"},
	}
	sortAndFixSymbols(symbols)
	require.Equal(t, "a", symbols[0].Name)
	require.Equal(t, uint64(0x10), symbols[0].Len)
	require.Equal(t, uint64(0x4), symbols[1].Len)
	// The terminal placeholder stays untouched.
	require.Equal(t, uint64(0), symbols[2].Len)
}

func TestMergeSymbols(t *testing.T) {
	a := []Symbol{{Addr: 0x10, Name: "a1"}, {Addr: 0x30, Name: "a3"}}
	b := []Symbol{{Addr: 0x10, Name: "b1"}, {Addr: 0x20, Name: "b2"}, {Addr: 0x40, Name: "b4"}}
	merged := mergeSymbols(a, b)
	require.Equal(t, 4, len(merged))
	// On an address tie the already-present symbol wins.
	require.Equal(t, "a1", merged[0].Name)
	require.Equal(t, "b2", merged[1].Name)
	require.Equal(t, "a3", merged[2].Name)
	require.Equal(t, "b4", merged[3].Name)
}

func TestDemangle(t *testing.T) {
	ctx := NewSymbolContext()
	tests := []struct {
		name, want string
	}{
		{"_ZN3foo3barEv", "foo::bar()"},
		{"plain_c_symbol", "plain_c_symbol"},
		{"__dl__ZN3foo3barEv", "[linker]foo::bar()"},
		{"__dl_not_mangled", "[linker]not_mangled"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, ctx.Demangle(tt.name), tt.name)
	}

	ctx.SetDemangle(false)
	require.Equal(t, "_ZN3foo3barEv", ctx.Demangle("_ZN3foo3barEv"))
}

func TestBuildIDRoundTrip(t *testing.T) {
	ctx := NewSymbolContext()
	ids := map[string]binfile.BuildID{
		"/system/lib64/libc.so": binfile.NewBuildID([]byte{0x01, 0x02}),
		"[kernel.kallsyms]":     binfile.NewBuildID([]byte{0xfe}),
	}
	ctx.SetBuildIDs(ids)
	for path, want := range ids {
		require.True(t, want.Equal(ctx.FindExpectedBuildIDForPath(path)), path)
	}
	require.True(t, ctx.FindExpectedBuildIDForPath("/not/recorded").IsEmpty())
}

func TestContextTeardownOnLastRelease(t *testing.T) {
	ctx := NewSymbolContext()
	ctx.SetKallsyms("ffffffff81000000 T start_kernel\n")
	a, err := CreateDso(ctx, Unknown, "a", false)
	require.NoError(t, err)
	b, err := CreateDso(ctx, Unknown, "b", false)
	require.NoError(t, err)
	require.Equal(t, 2, ctx.LiveDsoCount())

	a.Release()
	a.Release() // releasing twice is harmless
	require.Equal(t, 1, ctx.LiveDsoCount())

	b.Release()
	require.Equal(t, 0, ctx.LiveDsoCount())
}
