package perffile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

var perfMagic = [8]byte{'P', 'E', 'R', 'F', 'I', 'L', 'E', '2'}

const (
	numFeatureBits   = 256
	fileHeaderSize   = 8 + 8 + 8 + 16 + 16 + 16 + 32
	recordHeaderSize = 8
)

type fileSection struct {
	Offset, Size uint64
}

// File is an open perf.data file. Records are decoded sequentially
// from the data section; feature sections are read on demand.
type File struct {
	f  *os.File
	bo binary.ByteOrder

	attrs    []EventAttr
	idToAttr map[uint64]int

	data     fileSection
	dataRead uint64

	features map[int]fileSection
}

// Open parses the header, the attr table and the feature section
// index of a perf.data file.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	pf := &File{f: f, bo: binary.LittleEndian, idToAttr: make(map[uint64]int)}
	if err := pf.parseHeader(); err != nil {
		f.Close()
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return pf, nil
}

func (pf *File) Close() error { return pf.f.Close() }

func (pf *File) readAt(off, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := pf.f.ReadAt(buf, int64(off)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (pf *File) parseHeader() error {
	head, err := pf.readAt(0, fileHeaderSize)
	if err != nil {
		return err
	}
	if !bytes.Equal(head[:8], perfMagic[:]) {
		return fmt.Errorf("bad magic %q", head[:8])
	}
	bo := pf.bo
	attrSize := bo.Uint64(head[16:])
	attrsSec := fileSection{bo.Uint64(head[24:]), bo.Uint64(head[32:])}
	pf.data = fileSection{bo.Uint64(head[40:]), bo.Uint64(head[48:])}
	var featureBits [numFeatureBits / 64]uint64
	for i := range featureBits {
		featureBits[i] = bo.Uint64(head[72+8*i:])
	}

	if attrSize < 16 {
		return fmt.Errorf("implausible attr size %d", attrSize)
	}
	if attrsSec.Size > 0 {
		buf, err := pf.readAt(attrsSec.Offset, attrsSec.Size)
		if err != nil {
			return err
		}
		count := attrsSec.Size / attrSize
		for i := uint64(0); i < count; i++ {
			entry := buf[i*attrSize:]
			attr := parseEventAttr(entry, bo)
			ids := fileSection{bo.Uint64(entry[attrSize-16:]), bo.Uint64(entry[attrSize-8:])}
			idx := len(pf.attrs)
			pf.attrs = append(pf.attrs, attr)
			if ids.Size > 0 {
				idBuf, err := pf.readAt(ids.Offset, ids.Size)
				if err != nil {
					return err
				}
				for off := uint64(0); off+8 <= ids.Size; off += 8 {
					pf.idToAttr[bo.Uint64(idBuf[off:])] = idx
				}
			}
		}
	}
	if len(pf.attrs) == 0 {
		return fmt.Errorf("no event attrs")
	}

	// Feature payload sections are indexed by an array of
	// (offset, size) pairs right after the data section, one per set
	// bit in ascending order.
	pf.features = make(map[int]fileSection)
	var featIDs []int
	for feat := 0; feat < numFeatureBits; feat++ {
		if featureBits[feat/64]&(1<<(uint(feat)%64)) != 0 {
			featIDs = append(featIDs, feat)
		}
	}
	if len(featIDs) > 0 {
		idx, err := pf.readAt(pf.data.Offset+pf.data.Size, uint64(16*len(featIDs)))
		if err != nil {
			return err
		}
		for i, feat := range featIDs {
			pf.features[feat] = fileSection{bo.Uint64(idx[16*i:]), bo.Uint64(idx[16*i+8:])}
		}
	}
	return nil
}

func parseEventAttr(buf []byte, bo binary.ByteOrder) EventAttr {
	return EventAttr{
		Type:         bo.Uint32(buf),
		Config:       bo.Uint64(buf[8:]),
		SamplePeriod: bo.Uint64(buf[16:]),
		SampleFormat: bo.Uint64(buf[24:]),
		ReadFormat:   bo.Uint64(buf[32:]),
		Flags:        bo.Uint64(buf[40:]),
	}
}

func (pf *File) EventAttrs() []EventAttr { return pf.attrs }

// AttrIndexOfID maps a sample id back to its event attr; unknown ids
// fall back to the first attr.
func (pf *File) AttrIndexOfID(id uint64) int {
	if idx, ok := pf.idToAttr[id]; ok {
		return idx
	}
	return 0
}

func (pf *File) HasFeature(feat int) bool {
	_, ok := pf.features[feat]
	return ok
}

// FeatureSectionData returns a feature section's raw payload.
func (pf *File) FeatureSectionData(feat int) ([]byte, error) {
	sec, ok := pf.features[feat]
	if !ok {
		return nil, fmt.Errorf("no feature section %d", feat)
	}
	return pf.readAt(sec.Offset, sec.Size)
}

// ReadRecord decodes the next record of the data section, io.EOF past
// the end.
func (pf *File) ReadRecord() (Record, error) {
	if pf.dataRead+recordHeaderSize > pf.data.Size {
		return nil, io.EOF
	}
	head, err := pf.readAt(pf.data.Offset+pf.dataRead, recordHeaderSize)
	if err != nil {
		return nil, err
	}
	bo := pf.bo
	typ := bo.Uint32(head)
	misc := bo.Uint16(head[4:])
	size := uint64(bo.Uint16(head[6:]))
	if size < recordHeaderSize || pf.dataRead+size > pf.data.Size {
		return nil, fmt.Errorf("record at data offset 0x%x overruns section", pf.dataRead)
	}
	payload, err := pf.readAt(pf.data.Offset+pf.dataRead+recordHeaderSize, size-recordHeaderSize)
	if err != nil {
		return nil, err
	}
	pf.dataRead += size
	return pf.decodeRecord(typ, misc, payload)
}

func (pf *File) decodeRecord(typ uint32, misc uint16, payload []byte) (Record, error) {
	attr := &pf.attrs[0]
	d := decoder{buf: payload, bo: pf.bo}
	switch typ {
	case RecordTypeSample:
		return pf.decodeSample(misc, payload)
	case RecordTypeMmap, RecordTypeMmap2:
		r := &MmapRecord{InKernel: misc&miscCPUModeMask == miscKernel}
		r.PID = d.u32()
		r.TID = d.u32()
		r.Addr = d.u64()
		r.Len = d.u64()
		r.PgOff = d.u64()
		if typ == RecordTypeMmap2 {
			d.skip(4 + 4 + 8 + 8 + 4 + 4) // maj, min, ino, ino_generation, prot, flags
		}
		r.Filename = d.cstr()
		r.Time = pf.trailer(attr, payload).Time
		return r, d.err
	case RecordTypeComm:
		r := &CommRecord{Exec: misc&(1<<13) != 0}
		r.PID = d.u32()
		r.TID = d.u32()
		r.Comm = d.cstr()
		r.Time = pf.trailer(attr, payload).Time
		return r, d.err
	case RecordTypeFork, RecordTypeExit:
		pid, ppid := d.u32(), d.u32()
		tid, ptid := d.u32(), d.u32()
		time := d.u64()
		if d.err != nil {
			return nil, d.err
		}
		if typ == RecordTypeFork {
			return &ForkRecord{PID: pid, PPID: ppid, TID: tid, PTID: ptid, Time: time}, nil
		}
		return &ExitRecord{PID: pid, PPID: ppid, TID: tid, PTID: ptid, Time: time}, nil
	default:
		return &UnknownRecord{RawType: typ, Data: payload}, nil
	}
}

func (pf *File) decodeSample(misc uint16, payload []byte) (Record, error) {
	attr := &pf.attrs[0]
	format := attr.SampleFormat
	d := decoder{buf: payload, bo: pf.bo}
	r := &SampleRecord{Misc: misc}
	if format&SampleFormatIdentifier != 0 {
		r.ID = d.u64()
	}
	if format&SampleFormatIP != 0 {
		r.IP = d.u64()
	}
	if format&SampleFormatTID != 0 {
		r.PID = d.u32()
		r.TID = d.u32()
	}
	if format&SampleFormatTime != 0 {
		r.Time = d.u64()
	}
	if format&SampleFormatAddr != 0 {
		r.Addr = d.u64()
	}
	if format&SampleFormatID != 0 {
		r.ID = d.u64()
	}
	if format&SampleFormatStreamID != 0 {
		d.skip(8)
	}
	if format&SampleFormatCPU != 0 {
		r.CPU = d.u32()
		d.skip(4) // res
	}
	if format&SampleFormatPeriod != 0 {
		r.Period = d.u64()
	}
	if format&SampleFormatRead != 0 {
		d.skipReadField(attr.ReadFormat)
	}
	if format&SampleFormatCallchain != 0 {
		nr := d.u64()
		if d.err == nil && nr > uint64(len(d.buf)-d.off)/8 {
			return nil, fmt.Errorf("callchain length %d overruns sample", nr)
		}
		r.Callchain = make([]uint64, 0, nr)
		for i := uint64(0); i < nr; i++ {
			r.Callchain = append(r.Callchain, d.u64())
		}
	}
	// Raw data, branch stacks and register dumps are not consumed.
	return r, d.err
}

// trailer extracts the sample_id trailer of a non-sample record; the
// zero value is returned when the event has none.
func (pf *File) trailer(attr *EventAttr, payload []byte) sampleID {
	var t sampleID
	if !attr.sampleIDAll() {
		return t
	}
	format := attr.SampleFormat
	size := 0
	for _, bit := range []uint64{SampleFormatTID, SampleFormatTime, SampleFormatID,
		SampleFormatStreamID, SampleFormatCPU, SampleFormatIdentifier} {
		if format&bit != 0 {
			size += 8
		}
	}
	if size == 0 || size > len(payload) {
		return t
	}
	d := decoder{buf: payload[len(payload)-size:], bo: pf.bo}
	if format&SampleFormatTID != 0 {
		t.PID = d.u32()
		t.TID = d.u32()
	}
	if format&SampleFormatTime != 0 {
		t.Time = d.u64()
	}
	if format&SampleFormatID != 0 {
		t.ID = d.u64()
	}
	if format&SampleFormatStreamID != 0 {
		d.skip(8)
	}
	if format&SampleFormatCPU != 0 {
		t.CPU = d.u32()
		d.skip(4)
	}
	if format&SampleFormatIdentifier != 0 {
		t.ID = d.u64()
	}
	return t
}

// BuildIDs decodes the build id feature section.
func (pf *File) BuildIDs() ([]BuildIDEntry, error) {
	if !pf.HasFeature(FeatBuildID) {
		return nil, nil
	}
	data, err := pf.FeatureSectionData(FeatBuildID)
	if err != nil {
		return nil, err
	}
	var entries []BuildIDEntry
	bo := pf.bo
	for len(data) >= recordHeaderSize {
		size := int(bo.Uint16(data[6:]))
		if size < recordHeaderSize+4+24 || size > len(data) {
			return nil, fmt.Errorf("malformed build id entry")
		}
		misc := bo.Uint16(data[4:])
		body := data[recordHeaderSize:size]
		entry := BuildIDEntry{
			PID:      int32(bo.Uint32(body)),
			BuildID:  append([]byte(nil), body[4:4+20]...),
			InKernel: misc&miscCPUModeMask == miscKernel,
		}
		name := body[4+24:]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		entry.Filename = string(name)
		entries = append(entries, entry)
		data = data[size:]
	}
	return entries, nil
}

// MetaInfo decodes the meta info feature: NUL-separated key/value
// pairs ("trace_offcpu", "event_type_info", ...).
func (pf *File) MetaInfo() (map[string]string, error) {
	if !pf.HasFeature(FeatMetaInfo) {
		return nil, nil
	}
	data, err := pf.FeatureSectionData(FeatMetaInfo)
	if err != nil {
		return nil, err
	}
	info := make(map[string]string)
	fields := bytes.Split(data, []byte{0})
	for i := 0; i+1 < len(fields); i += 2 {
		info[string(fields[i])] = string(fields[i+1])
	}
	return info, nil
}

// FileFeatures decodes the dumped dso entries of the file feature
// section.
func (pf *File) FileFeatures() ([]FileFeature, error) {
	if !pf.HasFeature(FeatFile) {
		return nil, nil
	}
	data, err := pf.FeatureSectionData(FeatFile)
	if err != nil {
		return nil, err
	}
	var files []FileFeature
	bo := pf.bo
	for len(data) >= 4 {
		size := bo.Uint32(data)
		if uint64(4+size) > uint64(len(data)) {
			return nil, fmt.Errorf("malformed file feature entry")
		}
		d := decoder{buf: data[4 : 4+size], bo: bo}
		var ff FileFeature
		ff.Path = d.cstr()
		ff.Type = d.u32()
		ff.MinVaddr = d.u64()
		symbolCount := d.u32()
		for i := uint32(0); i < symbolCount && d.err == nil; i++ {
			var s FileSymbol
			s.Vaddr = d.u64()
			s.Len = uint64(d.u32())
			s.Name = d.cstr()
			ff.Symbols = append(ff.Symbols, s)
		}
		const dsoDexFile = 3
		if ff.Type == dsoDexFile {
			offsetCount := d.u32()
			for i := uint32(0); i < offsetCount && d.err == nil; i++ {
				ff.DexFileOffsets = append(ff.DexFileOffsets, d.u64())
			}
		}
		if d.err != nil {
			return nil, fmt.Errorf("malformed file feature entry for %q: %w", ff.Path, d.err)
		}
		files = append(files, ff)
		data = data[4+size:]
	}
	return files, nil
}

// decoder is a bounds-checked little cursor over one record payload.
type decoder struct {
	buf []byte
	off int
	bo  binary.ByteOrder
	err error
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = fmt.Errorf("truncated record payload at offset %d", d.off)
	}
}

func (d *decoder) u32() uint32 {
	if d.off+4 > len(d.buf) {
		d.fail()
		return 0
	}
	v := d.bo.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if d.off+8 > len(d.buf) {
		d.fail()
		return 0
	}
	v := d.bo.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *decoder) skip(n int) {
	if d.off+n > len(d.buf) {
		d.fail()
		return
	}
	d.off += n
}

func (d *decoder) cstr() string {
	if d.err != nil {
		return ""
	}
	i := bytes.IndexByte(d.buf[d.off:], 0)
	if i < 0 {
		d.fail()
		return ""
	}
	s := string(d.buf[d.off : d.off+i])
	d.off += i + 1
	return s
}

func (d *decoder) skipReadField(readFormat uint64) {
	if readFormat&ReadFormatGroup == 0 {
		d.skip(8) // value
		if readFormat&ReadFormatTotalTimeEnabled != 0 {
			d.skip(8)
		}
		if readFormat&ReadFormatTotalTimeRunning != 0 {
			d.skip(8)
		}
		if readFormat&ReadFormatID != 0 {
			d.skip(8)
		}
		return
	}
	nr := d.u64()
	if readFormat&ReadFormatTotalTimeEnabled != 0 {
		d.skip(8)
	}
	if readFormat&ReadFormatTotalTimeRunning != 0 {
		d.skip(8)
	}
	per := 8
	if readFormat&ReadFormatID != 0 {
		per += 8
	}
	if nr <= uint64(len(d.buf)) {
		d.skip(int(nr) * per)
	} else {
		d.fail()
	}
}
