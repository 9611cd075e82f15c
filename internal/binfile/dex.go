package binfile

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// DexSymbol is one method reported by ParseDEXSymbols. Offset is
// relative to the start of the containing file, not the dex image.
type DexSymbol struct {
	Name   string
	Offset uint64
	Len    uint64
}

const (
	dexHeaderSize   = 0x70
	dexMagicPrefix  = "dex\n"
	classDefSize    = 0x20
	codeItemHeader  = 16
	maxMethodsGuard = 1 << 20
)

// ParseDEXSymbols maps the file once and interprets a dex image at each
// of the given offsets (a vdex or apk may embed several). For every
// method with a code item it reports the method's pretty name, the
// file-relative offset of its bytecode and its length in bytes. Any
// header or bounds failure aborts the whole parse.
func ParseDEXSymbols(path string, offsets []uint64, visit func(DexSymbol)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return fmt.Errorf("%w: %s: %v", ErrReadFailed, path, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || st.Size() <= 0 {
		return fmt.Errorf("%w: stat %s", ErrReadFailed, path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("%w: mmap %s: %v", ErrReadFailed, path, err)
	}
	defer unix.Munmap(data)

	fileSize := uint64(len(data))
	for _, offset := range offsets {
		if offset >= fileSize || fileSize-offset < dexHeaderSize {
			return fmt.Errorf("%w: dex offset 0x%x out of range in %s", ErrFileMalformed, offset, path)
		}
		d, err := openDex(data[offset:])
		if err != nil {
			return fmt.Errorf("%w: dex at 0x%x in %s: %v", ErrFileMalformed, offset, path, err)
		}
		if err := d.visitMethods(offset, visit); err != nil {
			return fmt.Errorf("%w: dex at 0x%x in %s: %v", ErrFileMalformed, offset, path, err)
		}
	}
	return nil
}

// dexFile is a read-only view over one dex image. Dex is always
// little endian on disk.
type dexFile struct {
	data []byte

	stringIDsOff, stringIDsCount uint32
	typeIDsOff, typeIDsCount     uint32
	methodIDsOff, methodIDsCount uint32
	classDefsOff, classDefsCount uint32
}

func openDex(tail []byte) (*dexFile, error) {
	if string(tail[:4]) != dexMagicPrefix {
		return nil, fmt.Errorf("bad magic")
	}
	imageSize := binary.LittleEndian.Uint32(tail[0x20:])
	if uint64(imageSize) > uint64(len(tail)) {
		return nil, fmt.Errorf("file_size 0x%x exceeds remaining 0x%x bytes", imageSize, len(tail))
	}
	d := &dexFile{data: tail[:imageSize]}
	d.stringIDsCount = binary.LittleEndian.Uint32(tail[0x38:])
	d.stringIDsOff = binary.LittleEndian.Uint32(tail[0x3c:])
	d.typeIDsCount = binary.LittleEndian.Uint32(tail[0x40:])
	d.typeIDsOff = binary.LittleEndian.Uint32(tail[0x44:])
	d.methodIDsCount = binary.LittleEndian.Uint32(tail[0x58:])
	d.methodIDsOff = binary.LittleEndian.Uint32(tail[0x5c:])
	d.classDefsCount = binary.LittleEndian.Uint32(tail[0x60:])
	d.classDefsOff = binary.LittleEndian.Uint32(tail[0x64:])
	return d, nil
}

func (d *dexFile) u32(off uint64) (uint32, error) {
	if off+4 > uint64(len(d.data)) {
		return 0, fmt.Errorf("u32 read at 0x%x past end", off)
	}
	return binary.LittleEndian.Uint32(d.data[off:]), nil
}

func (d *dexFile) u16(off uint64) (uint16, error) {
	if off+2 > uint64(len(d.data)) {
		return 0, fmt.Errorf("u16 read at 0x%x past end", off)
	}
	return binary.LittleEndian.Uint16(d.data[off:]), nil
}

func (d *dexFile) uleb128(off uint64) (value uint32, next uint64, err error) {
	var shift uint
	for {
		if off >= uint64(len(d.data)) {
			return 0, 0, fmt.Errorf("uleb128 past end")
		}
		b := d.data[off]
		off++
		value |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, off, nil
		}
		shift += 7
		if shift > 31 {
			return 0, 0, fmt.Errorf("uleb128 too long")
		}
	}
}

// stringAt resolves a string_ids index to its (M)UTF-8 data.
func (d *dexFile) stringAt(idx uint32) (string, error) {
	if idx >= d.stringIDsCount {
		return "", fmt.Errorf("string index %d out of range", idx)
	}
	dataOff, err := d.u32(uint64(d.stringIDsOff) + uint64(idx)*4)
	if err != nil {
		return "", err
	}
	// Skip the utf16 length, then read to NUL.
	_, off, err := d.uleb128(uint64(dataOff))
	if err != nil {
		return "", err
	}
	end := off
	for end < uint64(len(d.data)) && d.data[end] != 0 {
		end++
	}
	if end == uint64(len(d.data)) {
		return "", fmt.Errorf("unterminated string at 0x%x", off)
	}
	return string(d.data[off:end]), nil
}

func (d *dexFile) typeDescriptor(idx uint32) (string, error) {
	if idx >= d.typeIDsCount {
		return "", fmt.Errorf("type index %d out of range", idx)
	}
	descIdx, err := d.u32(uint64(d.typeIDsOff) + uint64(idx)*4)
	if err != nil {
		return "", err
	}
	return d.stringAt(descIdx)
}

// prettyMethod renders a method_ids entry the way ART prints it without
// a signature: dotted class descriptor, dot, method name.
func (d *dexFile) prettyMethod(methodIdx uint32) (string, error) {
	if methodIdx >= d.methodIDsCount {
		return "", fmt.Errorf("method index %d out of range", methodIdx)
	}
	base := uint64(d.methodIDsOff) + uint64(methodIdx)*8
	classIdx, err := d.u16(base)
	if err != nil {
		return "", err
	}
	nameIdx, err := d.u32(base + 4)
	if err != nil {
		return "", err
	}
	desc, err := d.typeDescriptor(uint32(classIdx))
	if err != nil {
		return "", err
	}
	name, err := d.stringAt(nameIdx)
	if err != nil {
		return "", err
	}
	return descriptorToDot(desc) + "." + name, nil
}

var primitiveDescriptors = map[byte]string{
	'V': "void", 'Z': "boolean", 'B': "byte", 'S': "short", 'C': "char",
	'I': "int", 'J': "long", 'F': "float", 'D': "double",
}

func descriptorToDot(desc string) string {
	dims := 0
	for dims < len(desc) && desc[dims] == '[' {
		dims++
	}
	desc = desc[dims:]
	var out string
	switch {
	case desc == "":
		out = ""
	case desc[0] == 'L' && strings.HasSuffix(desc, ";"):
		out = strings.ReplaceAll(desc[1:len(desc)-1], "/", ".")
	default:
		if p, ok := primitiveDescriptors[desc[0]]; ok && len(desc) == 1 {
			out = p
		} else {
			out = desc
		}
	}
	return out + strings.Repeat("[]", dims)
}

// visitMethods walks class_defs -> class_data -> encoded methods and
// reports every method owning a code item.
func (d *dexFile) visitMethods(dexFileOffset uint64, visit func(DexSymbol)) error {
	for i := uint32(0); i < d.classDefsCount; i++ {
		classDefOff := uint64(d.classDefsOff) + uint64(i)*classDefSize
		classDataOff, err := d.u32(classDefOff + 24)
		if err != nil {
			return err
		}
		if classDataOff == 0 {
			continue
		}
		if err := d.visitClassMethods(uint64(classDataOff), dexFileOffset, visit); err != nil {
			return err
		}
	}
	return nil
}

func (d *dexFile) visitClassMethods(off, dexFileOffset uint64, visit func(DexSymbol)) error {
	var staticFields, instanceFields, directMethods, virtualMethods uint32
	var err error
	if staticFields, off, err = d.uleb128(off); err != nil {
		return err
	}
	if instanceFields, off, err = d.uleb128(off); err != nil {
		return err
	}
	if directMethods, off, err = d.uleb128(off); err != nil {
		return err
	}
	if virtualMethods, off, err = d.uleb128(off); err != nil {
		return err
	}
	if directMethods > maxMethodsGuard || virtualMethods > maxMethodsGuard {
		return fmt.Errorf("implausible method count")
	}
	// Fields carry (idx_diff, access_flags) pairs we only need to skip.
	for i := uint32(0); i < staticFields+instanceFields; i++ {
		if _, off, err = d.uleb128(off); err != nil {
			return err
		}
		if _, off, err = d.uleb128(off); err != nil {
			return err
		}
	}
	for _, count := range []uint32{directMethods, virtualMethods} {
		methodIdx := uint32(0)
		for i := uint32(0); i < count; i++ {
			var idxDiff, codeOff uint32
			if idxDiff, off, err = d.uleb128(off); err != nil {
				return err
			}
			if _, off, err = d.uleb128(off); err != nil { // access_flags
				return err
			}
			if codeOff, off, err = d.uleb128(off); err != nil {
				return err
			}
			if i == 0 {
				methodIdx = idxDiff
			} else {
				methodIdx += idxDiff
			}
			if codeOff == 0 {
				continue
			}
			insnCount, err := d.u32(uint64(codeOff) + 12) // insns_size
			if err != nil {
				return err
			}
			name, err := d.prettyMethod(methodIdx)
			if err != nil {
				return err
			}
			visit(DexSymbol{
				Name:   name,
				Offset: uint64(codeOff) + codeItemHeader + dexFileOffset,
				Len:    uint64(insnCount) * 2,
			})
		}
	}
	return nil
}
