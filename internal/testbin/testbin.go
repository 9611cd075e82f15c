// Package testbin synthesizes minimal ELF and DEX images for tests.
// The builders produce just enough structure for the binfile parsers
// and debug/elf: program headers, a text section, a build id note, a
// symbol table, and for dex one class with code-carrying methods.
package testbin

import (
	"bytes"
	"encoding/binary"
)

// ElfSym describes one symbol to place into the fixture's symtab.
type ElfSym struct {
	Name    string
	Value   uint64
	Size    uint64
	Func    bool // STT_FUNC, otherwise STT_NOTYPE
	InText  bool // placed in .text, otherwise in the note section
	Object  bool // STT_OBJECT, overrides Func
}

const (
	elfHeaderSize    = 64
	progHeaderSize   = 56
	sectHeaderSize   = 64
	symEntrySize     = 24
	textVaddr        = 0x1000
	sttNotype        = 0
	sttObject        = 1
	sttFunc          = 2
)

type elfSection struct {
	name      string
	typ       uint32
	flags     uint64
	addr      uint64
	data      []byte
	link      uint32
	entsize   uint64
}

// BuildELF renders a little-endian x86-64 ELF with two LOAD segments
// (RW at 0, RX at textVaddr), a GNU build id note (omitted when id is
// nil) and a .symtab holding syms. withSymtab=false drops the symbol
// table entirely.
func BuildELF(id []byte, syms []ElfSym, withSymtab bool) []byte {
	le := binary.LittleEndian

	strtab := &bytes.Buffer{}
	strtab.WriteByte(0)
	symtab := &bytes.Buffer{}
	symtab.Write(make([]byte, symEntrySize)) // null symbol
	for _, s := range syms {
		nameOff := uint32(strtab.Len())
		strtab.WriteString(s.Name)
		strtab.WriteByte(0)
		typ := byte(sttNotype)
		if s.Object {
			typ = sttObject
		} else if s.Func {
			typ = sttFunc
		}
		shndx := uint16(2) // note section
		if s.InText {
			shndx = 1
		}
		var ent [symEntrySize]byte
		le.PutUint32(ent[0:], nameOff)
		ent[4] = typ // ST_BIND global is irrelevant to the parsers
		le.PutUint16(ent[6:], shndx)
		le.PutUint64(ent[8:], s.Value)
		le.PutUint64(ent[16:], s.Size)
		symtab.Write(ent[:])
	}

	note := &bytes.Buffer{}
	if id != nil {
		var head [12]byte
		le.PutUint32(head[0:], 4)
		le.PutUint32(head[4:], uint32(len(id)))
		le.PutUint32(head[8:], 3) // NT_GNU_BUILD_ID
		note.Write(head[:])
		note.WriteString("GNU\x00")
		note.Write(id)
		for note.Len()%4 != 0 {
			note.WriteByte(0)
		}
	}

	sections := []elfSection{
		{}, // SHT_NULL
		{name: ".text", typ: 1 /* PROGBITS */, flags: 0x2 | 0x4 /* ALLOC|EXECINSTR */, addr: textVaddr, data: make([]byte, 0x100)},
		{name: ".note.gnu.build-id", typ: 7 /* NOTE */, flags: 0x2, data: note.Bytes()},
	}
	if withSymtab {
		sections = append(sections,
			elfSection{name: ".symtab", typ: 2 /* SYMTAB */, data: symtab.Bytes(), link: uint32(len(sections) + 1), entsize: symEntrySize},
			elfSection{name: ".strtab", typ: 3 /* STRTAB */, data: strtab.Bytes()},
		)
	}
	shstrtab := &bytes.Buffer{}
	shstrtab.WriteByte(0)
	nameOffs := make([]uint32, len(sections)+1)
	for i, sec := range sections {
		nameOffs[i] = uint32(shstrtab.Len())
		if sec.name != "" {
			shstrtab.WriteString(sec.name)
			shstrtab.WriteByte(0)
		} else {
			nameOffs[i] = 0
		}
	}
	nameOffs[len(sections)] = uint32(shstrtab.Len())
	shstrtab.WriteString(".shstrtab")
	shstrtab.WriteByte(0)
	sections = append(sections, elfSection{name: ".shstrtab", typ: 3, data: shstrtab.Bytes()})

	const phnum = 2
	out := &bytes.Buffer{}
	out.Write(make([]byte, elfHeaderSize+phnum*progHeaderSize))

	// Section payloads, remembering offsets.
	offsets := make([]uint64, len(sections))
	for i := range sections {
		for out.Len()%8 != 0 {
			out.WriteByte(0)
		}
		offsets[i] = uint64(out.Len())
		out.Write(sections[i].data)
	}
	for out.Len()%8 != 0 {
		out.WriteByte(0)
	}
	shoff := uint64(out.Len())
	for i, sec := range sections {
		var sh [sectHeaderSize]byte
		le.PutUint32(sh[0:], nameOffs[i])
		le.PutUint32(sh[4:], sec.typ)
		le.PutUint64(sh[8:], sec.flags)
		le.PutUint64(sh[16:], sec.addr)
		le.PutUint64(sh[24:], offsets[i])
		le.PutUint64(sh[32:], uint64(len(sec.data)))
		le.PutUint32(sh[40:], sec.link)
		le.PutUint64(sh[56:], sec.entsize)
		if i == 0 {
			sh = [sectHeaderSize]byte{}
		}
		out.Write(sh[:])
	}

	buf := out.Bytes()
	// ELF header.
	copy(buf, []byte{0x7f, 'E', 'L', 'F', 2 /* 64-bit */, 1 /* LE */, 1 /* version */})
	le.PutUint16(buf[16:], 2)  // ET_EXEC
	le.PutUint16(buf[18:], 62) // EM_X86_64
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[32:], elfHeaderSize) // phoff
	le.PutUint64(buf[40:], shoff)
	le.PutUint16(buf[52:], elfHeaderSize)
	le.PutUint16(buf[54:], progHeaderSize)
	le.PutUint16(buf[56:], phnum)
	le.PutUint16(buf[58:], sectHeaderSize)
	le.PutUint16(buf[60:], uint16(len(sections)))
	le.PutUint16(buf[62:], uint16(len(sections)-1)) // shstrndx

	// Program headers: RW data at vaddr 0, RX text at textVaddr.
	ph := buf[elfHeaderSize:]
	le.PutUint32(ph[0:], 1)             // PT_LOAD
	le.PutUint32(ph[4:], 0x4|0x2)       // PF_R|PF_W
	le.PutUint64(ph[16:], 0)            // vaddr
	ph = ph[progHeaderSize:]
	le.PutUint32(ph[0:], 1)             // PT_LOAD
	le.PutUint32(ph[4:], 0x4|0x1)       // PF_R|PF_X
	le.PutUint64(ph[8:], offsets[1])    // offset of .text
	le.PutUint64(ph[16:], textVaddr)    // vaddr
	le.PutUint64(ph[32:], 0x100)        // filesz
	le.PutUint64(ph[40:], 0x100)        // memsz
	return buf
}

// DexMethod describes one code-carrying method of the fixture class.
type DexMethod struct {
	Name    string
	CodeOff uint32 // dex-relative offset of the code item
	Insns   uint32 // instruction count in 16-bit units
}

// BuildDEX renders a single-class dex image of the given total size.
// The class descriptor and the methods are parameterized so tests can
// pin exact symbol addresses.
func BuildDEX(size uint32, classDescriptor string, methods []DexMethod) []byte {
	le := binary.LittleEndian
	buf := make([]byte, size)
	copy(buf, "dex\n035\x00")
	le.PutUint32(buf[0x20:], size) // file_size
	le.PutUint32(buf[0x24:], 0x70) // header_size

	stringCount := uint32(1 + len(methods))
	stringIDsOff := uint32(0x70)
	typeIDsOff := stringIDsOff + stringCount*4
	methodIDsOff := typeIDsOff + 4
	classDefsOff := methodIDsOff + uint32(len(methods))*8
	classDataOff := classDefsOff + 0x20
	stringDataOff := classDataOff + 0x80

	le.PutUint32(buf[0x38:], stringCount)
	le.PutUint32(buf[0x3c:], stringIDsOff)
	le.PutUint32(buf[0x40:], 1)
	le.PutUint32(buf[0x44:], typeIDsOff)
	le.PutUint32(buf[0x58:], uint32(len(methods)))
	le.PutUint32(buf[0x5c:], methodIDsOff)
	le.PutUint32(buf[0x60:], 1)
	le.PutUint32(buf[0x64:], classDefsOff)

	// String data: descriptor first, then method names.
	writeString := func(idx uint32, s string) {
		le.PutUint32(buf[stringIDsOff+idx*4:], stringDataOff)
		n := putUleb128(buf[stringDataOff:], uint32(len(s)))
		stringDataOff += uint32(n)
		copy(buf[stringDataOff:], s)
		stringDataOff += uint32(len(s))
		buf[stringDataOff] = 0
		stringDataOff++
	}
	writeString(0, classDescriptor)
	for i, m := range methods {
		writeString(uint32(1+i), m.Name)
	}

	le.PutUint32(buf[typeIDsOff:], 0) // descriptor_idx

	for i := range methods {
		base := methodIDsOff + uint32(i)*8
		le.PutUint16(buf[base:], 0)   // class_idx
		le.PutUint16(buf[base+2:], 0) // proto_idx
		le.PutUint32(buf[base+4:], uint32(1+i))
	}

	le.PutUint32(buf[classDefsOff:], 0)          // class_idx
	le.PutUint32(buf[classDefsOff+24:], classDataOff)

	p := classDataOff
	p += uint32(putUleb128(buf[p:], 0))                   // static fields
	p += uint32(putUleb128(buf[p:], 0))                   // instance fields
	p += uint32(putUleb128(buf[p:], uint32(len(methods)))) // direct methods
	p += uint32(putUleb128(buf[p:], 0))                   // virtual methods
	for i, m := range methods {
		idxDiff := uint32(0)
		if i > 0 {
			idxDiff = 1
		}
		p += uint32(putUleb128(buf[p:], idxDiff))
		p += uint32(putUleb128(buf[p:], 1)) // access_flags
		p += uint32(putUleb128(buf[p:], m.CodeOff))
		le.PutUint32(buf[m.CodeOff+12:], m.Insns) // insns_size
	}
	return buf
}

func putUleb128(buf []byte, v uint32) int {
	n := 0
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf[n] = b
		n++
		if v == 0 {
			return n
		}
	}
}
