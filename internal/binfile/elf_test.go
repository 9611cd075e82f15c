package binfile

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/profiletools/perfreport/internal/testbin"
)

var testSyms = []testbin.ElfSym{
	{Name: "main", Value: 0x1000, Size: 0x20, Func: true, InText: true},
	{Name: "helper", Value: 0x1020, Size: 0, Func: true, InText: true},
	{Name: "text_label", Value: 0x1040, Size: 0, InText: true},
	{Name: "note_label", Value: 0x2000, Size: 0},
	{Name: "an_object", Value: 0x1080, Size: 8, Object: true, InText: true},
}

func writeTestELF(t *testing.T, id []byte, syms []testbin.ElfSym, withSymtab bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.so")
	require.NoError(t, os.WriteFile(path, testbin.BuildELF(id, syms, withSymtab), 0o644))
	return path
}

func TestReadBuildID(t *testing.T) {
	id := []byte{0x01, 0x02, 0x03, 0x04, 0xaa}
	path := writeTestELF(t, id, nil, true)

	got, err := ReadBuildID(path)
	require.NoError(t, err)
	require.True(t, got.Equal(NewBuildID(id)))
}

func TestReadBuildID_Missing(t *testing.T) {
	path := writeTestELF(t, nil, nil, true)
	_, err := ReadBuildID(path)
	require.ErrorIs(t, err, ErrNoBuildID)
}

func TestReadBuildID_FromAPK(t *testing.T) {
	id := []byte{0xde, 0xad, 0xbe, 0xef}
	elfBytes := testbin.BuildELF(id, nil, true)

	apkPath := filepath.Join(t.TempDir(), "base.apk")
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("lib/arm64/libfoo.so")
	require.NoError(t, err)
	_, err = w.Write(elfBytes)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(apkPath, buf.Bytes(), 0o644))

	got, err := ReadBuildID(apkPath + "!/lib/arm64/libfoo.so")
	require.NoError(t, err)
	require.True(t, got.Equal(NewBuildID(id)))

	_, err = ReadBuildID(apkPath + "!/lib/arm64/missing.so")
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestReadMinExecutableVaddr(t *testing.T) {
	id := []byte{0x11, 0x22}
	path := writeTestELF(t, id, nil, true)

	vaddr, err := ReadMinExecutableVaddr(path, BuildID{})
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), vaddr)

	vaddr, err = ReadMinExecutableVaddr(path, NewBuildID(id))
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), vaddr)

	_, err = ReadMinExecutableVaddr(path, NewBuildID([]byte{0xff}))
	require.ErrorIs(t, err, ErrBuildIDMismatch)
}

func TestParseELFSymbols(t *testing.T) {
	path := writeTestELF(t, nil, testSyms, true)

	got := make(map[string]ElfSymbol)
	err := ParseELFSymbols(path, BuildID{}, func(s ElfSymbol) {
		got[s.Name] = s
	})
	require.NoError(t, err)

	require.Equal(t, ElfSymbol{Name: "main", Vaddr: 0x1000, Len: 0x20, IsFunc: true, InTextSection: true}, got["main"])
	require.Equal(t, ElfSymbol{Name: "text_label", Vaddr: 0x1040, IsLabel: true, InTextSection: true}, got["text_label"])
	require.Equal(t, ElfSymbol{Name: "note_label", Vaddr: 0x2000, IsLabel: true}, got["note_label"])
	// Object symbols are neither functions nor labels to us.
	require.NotContains(t, got, "an_object")
}

func TestParseELFSymbols_NoSymbolTable(t *testing.T) {
	path := writeTestELF(t, nil, nil, false)
	err := ParseELFSymbols(path, BuildID{}, func(ElfSymbol) {})
	require.ErrorIs(t, err, ErrNoSymbolTable)
}

func TestParseELFSymbols_MissingFile(t *testing.T) {
	err := ParseELFSymbols(filepath.Join(t.TempDir(), "nope.so"), BuildID{}, func(ElfSymbol) {})
	require.ErrorIs(t, err, ErrFileNotFound)
}

func TestSplitURLInAPK(t *testing.T) {
	apk, entry, ok := SplitURLInAPK("/data/app/base.apk!/lib/libx.so")
	require.True(t, ok)
	require.Equal(t, "/data/app/base.apk", apk)
	require.Equal(t, "lib/libx.so", entry)

	_, _, ok = SplitURLInAPK("/usr/lib/libc.so")
	require.False(t, ok)
}
