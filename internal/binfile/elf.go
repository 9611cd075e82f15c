package binfile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
)

// ElfSymbol is one entry reported by ParseELFSymbols.
type ElfSymbol struct {
	Name          string
	Vaddr         uint64
	Len           uint64
	IsFunc        bool
	IsLabel       bool
	InTextSection bool
}

const ntGNUBuildID = 3

// openELF opens path as an ELF file, going through the zip container
// when path uses the apk!/entry convention.
func openELF(path string) (*elf.File, func() error, error) {
	if apk, entry, ok := SplitURLInAPK(path); ok {
		data, err := readEntryInAPK(apk, entry)
		if err != nil {
			return nil, nil, err
		}
		ef, err := elf.NewFile(bytes.NewReader(data))
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %v", ErrFileMalformed, path, err)
		}
		return ef, func() error { return nil }, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrReadFailed, path, err)
	}
	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrFileMalformed, path, err)
	}
	return ef, f.Close, nil
}

// ReadBuildID reads the NT_GNU_BUILD_ID note from an ELF file or from
// an ELF entry embedded in an APK.
func ReadBuildID(path string) (BuildID, error) {
	ef, closeFile, err := openELF(path)
	if err != nil {
		return BuildID{}, err
	}
	defer closeFile()
	return buildIDFromELF(ef, path)
}

func buildIDFromELF(ef *elf.File, path string) (BuildID, error) {
	for _, sec := range ef.Sections {
		if sec.Type != elf.SHT_NOTE {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		if id, ok := findBuildIDNote(data, ef.ByteOrder); ok {
			return id, nil
		}
	}
	// Stripped files may drop section headers but keep PT_NOTE.
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_NOTE {
			continue
		}
		data := make([]byte, prog.Filesz)
		if _, err := prog.ReadAt(data, 0); err != nil {
			continue
		}
		if id, ok := findBuildIDNote(data, ef.ByteOrder); ok {
			return id, nil
		}
	}
	return BuildID{}, fmt.Errorf("%w: %s", ErrNoBuildID, path)
}

// findBuildIDNote walks a note stream: each note is (namesz, descsz,
// type) words followed by the 4-aligned name and desc blobs.
func findBuildIDNote(data []byte, bo binary.ByteOrder) (BuildID, bool) {
	align4 := func(n uint32) uint32 { return (n + 3) &^ 3 }
	for len(data) >= 12 {
		namesz := bo.Uint32(data)
		descsz := bo.Uint32(data[4:])
		noteType := bo.Uint32(data[8:])
		data = data[12:]
		if uint64(align4(namesz))+uint64(align4(descsz)) > uint64(len(data)) {
			return BuildID{}, false
		}
		name := data[:namesz]
		desc := data[align4(namesz) : align4(namesz)+descsz]
		data = data[align4(namesz)+align4(descsz):]
		if noteType == ntGNUBuildID && string(bytes.TrimRight(name, "\x00")) == "GNU" {
			if len(desc) > buildIDSize {
				desc = desc[:buildIDSize]
			}
			return NewBuildID(desc), true
		}
	}
	return BuildID{}, false
}

// checkBuildID verifies an already-open ELF against an expected id.
// An empty expectation always passes.
func checkBuildID(ef *elf.File, path string, expected BuildID) error {
	if expected.IsEmpty() {
		return nil
	}
	id, err := buildIDFromELF(ef, path)
	if err != nil || !id.Equal(expected) {
		return fmt.Errorf("%w: %s", ErrBuildIDMismatch, path)
	}
	return nil
}

// ReadMinExecutableVaddr returns the lowest p_vaddr among executable
// LOAD segments, or 0 when the file has none.
func ReadMinExecutableVaddr(path string, expected BuildID) (uint64, error) {
	ef, closeFile, err := openELF(path)
	if err != nil {
		return 0, err
	}
	defer closeFile()
	if err := checkBuildID(ef, path, expected); err != nil {
		return 0, err
	}
	var minVaddr uint64
	found := false
	for _, prog := range ef.Progs {
		if prog.Type == elf.PT_LOAD && prog.Flags&elf.PF_X != 0 {
			if !found || prog.Vaddr < minVaddr {
				minVaddr = prog.Vaddr
				found = true
			}
		}
	}
	if !found {
		return 0, nil
	}
	return minVaddr, nil
}

// ParseELFSymbols walks .symtab, falling back to .dynsym, and reports
// every function symbol plus every untyped label. Labels carry a flag
// telling whether they live in an executable section, so callers can
// keep text labels and drop data ones.
func ParseELFSymbols(path string, expected BuildID, visit func(ElfSymbol)) error {
	ef, closeFile, err := openELF(path)
	if err != nil {
		return err
	}
	defer closeFile()
	if err := checkBuildID(ef, path, expected); err != nil {
		return err
	}

	execSections := make(map[elf.SectionIndex]bool)
	for i, sec := range ef.Sections {
		if sec.Flags&elf.SHF_EXECINSTR != 0 {
			execSections[elf.SectionIndex(i)] = true
		}
	}

	syms, err := ef.Symbols()
	if err != nil {
		syms, err = ef.DynamicSymbols()
		if err != nil {
			return fmt.Errorf("%w: %s", ErrNoSymbolTable, path)
		}
	}
	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF || s.Name == "" {
			continue
		}
		typ := elf.ST_TYPE(s.Info)
		if typ != elf.STT_FUNC && typ != elf.STT_NOTYPE {
			continue
		}
		visit(ElfSymbol{
			Name:          s.Name,
			Vaddr:         s.Value,
			Len:           s.Size,
			IsFunc:        typ == elf.STT_FUNC,
			IsLabel:       typ == elf.STT_NOTYPE,
			InTextSection: execSections[s.Section],
		})
	}
	return nil
}

// KernelBuildID reads the running kernel's build id from the note blob
// the kernel exports in sysfs.
func KernelBuildID() (BuildID, error) {
	data, err := os.ReadFile("/sys/kernel/notes")
	if err != nil {
		return BuildID{}, fmt.Errorf("%w: /sys/kernel/notes: %v", ErrReadFailed, err)
	}
	if id, ok := findBuildIDNote(data, binary.LittleEndian); ok {
		return id, nil
	}
	return BuildID{}, fmt.Errorf("%w: /sys/kernel/notes", ErrNoBuildID)
}
