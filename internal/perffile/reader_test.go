package perffile

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testSampleFormat = SampleFormatIP | SampleFormatTID | SampleFormatTime |
		SampleFormatID | SampleFormatCPU | SampleFormatPeriod | SampleFormatCallchain
	testAttrSize = 80
)

// perfDataBuilder assembles a minimal but structurally faithful
// perf.data image: header, one attr with an id table, data records
// with sample_id trailers, and feature sections.
type perfDataBuilder struct {
	records  bytes.Buffer
	features map[int][]byte
}

func (b *perfDataBuilder) record(typ uint32, misc uint16, payload []byte) {
	var head [8]byte
	binary.LittleEndian.PutUint32(head[0:], typ)
	binary.LittleEndian.PutUint16(head[4:], misc)
	binary.LittleEndian.PutUint16(head[6:], uint16(8+len(payload)))
	b.records.Write(head[:])
	b.records.Write(payload)
}

// trailer renders the sample_id_all trailer for testSampleFormat.
func trailer(pid, tid uint32, time, id uint64, cpu uint32) []byte {
	w := &bytes.Buffer{}
	le := binary.LittleEndian
	binary.Write(w, le, pid)
	binary.Write(w, le, tid)
	binary.Write(w, le, time)
	binary.Write(w, le, id)
	binary.Write(w, le, cpu)
	binary.Write(w, le, uint32(0))
	return w.Bytes()
}

func (b *perfDataBuilder) build(t *testing.T) string {
	t.Helper()
	le := binary.LittleEndian
	out := &bytes.Buffer{}

	attrOff := uint64(fileHeaderSize)
	idsOff := attrOff + testAttrSize
	dataOff := idsOff + 8
	dataSize := uint64(b.records.Len())

	// Header.
	out.Write(perfMagic[:])
	binary.Write(out, le, uint64(fileHeaderSize))
	binary.Write(out, le, uint64(testAttrSize))
	binary.Write(out, le, attrOff)
	binary.Write(out, le, uint64(testAttrSize))
	binary.Write(out, le, dataOff)
	binary.Write(out, le, dataSize)
	binary.Write(out, le, uint64(0)) // event_types offset
	binary.Write(out, le, uint64(0))
	var featureBits [numFeatureBits / 64]uint64
	for feat := range b.features {
		featureBits[feat/64] |= 1 << (uint(feat) % 64)
	}
	for _, w := range featureBits {
		binary.Write(out, le, w)
	}

	// Attr: type 0 (hardware), config 0, sample format, sample_id_all.
	attr := make([]byte, testAttrSize)
	le.PutUint32(attr[4:], testAttrSize-16)
	le.PutUint64(attr[16:], 4000)
	le.PutUint64(attr[24:], testSampleFormat)
	le.PutUint64(attr[40:], attrFlagSampleIDAll)
	le.PutUint64(attr[testAttrSize-16:], idsOff)
	le.PutUint64(attr[testAttrSize-8:], 8)
	out.Write(attr)
	binary.Write(out, le, uint64(11)) // the single event id

	require.Equal(t, dataOff, uint64(out.Len()))
	out.Write(b.records.Bytes())

	// Feature index entries in ascending feature order, then payloads.
	var feats []int
	for feat := 0; feat < numFeatureBits; feat++ {
		if _, ok := b.features[feat]; ok {
			feats = append(feats, feat)
		}
	}
	payloadOff := dataOff + dataSize + uint64(16*len(feats))
	for _, feat := range feats {
		binary.Write(out, le, payloadOff)
		binary.Write(out, le, uint64(len(b.features[feat])))
		payloadOff += uint64(len(b.features[feat]))
	}
	for _, feat := range feats {
		out.Write(b.features[feat])
	}

	path := filepath.Join(t.TempDir(), "perf.data")
	require.NoError(t, os.WriteFile(path, out.Bytes(), 0o644))
	return path
}

func buildIDFeature(pid int32, misc uint16, id []byte, filename string) []byte {
	body := &bytes.Buffer{}
	le := binary.LittleEndian
	binary.Write(body, le, pid)
	padded := make([]byte, 24)
	copy(padded, id)
	body.Write(padded)
	name := append([]byte(filename), 0)
	for len(name)%8 != 0 {
		name = append(name, 0)
	}
	body.Write(name)

	out := &bytes.Buffer{}
	binary.Write(out, le, uint32(0))
	binary.Write(out, le, misc)
	binary.Write(out, le, uint16(8+body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func fileFeature(path string, typ uint32, minVaddr uint64, syms []FileSymbol, dexOffsets []uint64) []byte {
	body := &bytes.Buffer{}
	le := binary.LittleEndian
	body.WriteString(path)
	body.WriteByte(0)
	binary.Write(body, le, typ)
	binary.Write(body, le, minVaddr)
	binary.Write(body, le, uint32(len(syms)))
	for _, s := range syms {
		binary.Write(body, le, s.Vaddr)
		binary.Write(body, le, uint32(s.Len))
		body.WriteString(s.Name)
		body.WriteByte(0)
	}
	if typ == 3 { // dex file
		binary.Write(body, le, uint32(len(dexOffsets)))
		for _, off := range dexOffsets {
			binary.Write(body, le, off)
		}
	}
	out := &bytes.Buffer{}
	binary.Write(out, le, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func samplePayload(ip uint64, pid, tid uint32, time, id, period uint64, cpu uint32, chain []uint64) []byte {
	w := &bytes.Buffer{}
	le := binary.LittleEndian
	binary.Write(w, le, ip)
	binary.Write(w, le, pid)
	binary.Write(w, le, tid)
	binary.Write(w, le, time)
	binary.Write(w, le, id)
	binary.Write(w, le, cpu)
	binary.Write(w, le, uint32(0))
	binary.Write(w, le, period)
	binary.Write(w, le, uint64(len(chain)))
	for _, ipv := range chain {
		binary.Write(w, le, ipv)
	}
	return w.Bytes()
}

func TestReadRecords(t *testing.T) {
	b := &perfDataBuilder{features: map[int][]byte{
		FeatMetaInfo: []byte("trace_offcpu\x00true\x00event_type_info\x00cpu-clock,1,0\x00"),
		FeatBuildID:  buildIDFeature(-1, miscKernel, []byte{0xaa, 0xbb}, "[kernel.kallsyms]"),
		FeatFile: fileFeature("/data/base.vdex", 3, 0,
			[]FileSymbol{{Vaddr: 0x100, Len: 0x10, Name: "com.example.Foo.run"}}, []uint64{0x28}),
	}}

	commPayload := &bytes.Buffer{}
	binary.Write(commPayload, binary.LittleEndian, uint32(42))
	binary.Write(commPayload, binary.LittleEndian, uint32(42))
	commPayload.WriteString("worker\x00\x00")
	commPayload.Write(trailer(42, 42, 990, 11, 1))
	b.record(RecordTypeComm, 0, commPayload.Bytes())

	mmapPayload := &bytes.Buffer{}
	le := binary.LittleEndian
	binary.Write(mmapPayload, le, uint32(42))
	binary.Write(mmapPayload, le, uint32(42))
	binary.Write(mmapPayload, le, uint64(0x40000000))
	binary.Write(mmapPayload, le, uint64(0x2000))
	binary.Write(mmapPayload, le, uint64(0))
	mmapPayload.WriteString("/lib/a.so\x00\x00\x00\x00\x00\x00\x00")
	mmapPayload.Write(trailer(42, 42, 995, 11, 1))
	b.record(RecordTypeMmap, 0, mmapPayload.Bytes())

	b.record(RecordTypeSample, miscKernel,
		samplePayload(0xffffffff81000010, 42, 42, 1000, 11, 1, 3,
			[]uint64{contextKernel, 0xffffffff81000010, contextUser, 0x40000100}))

	path := b.build(t)
	pf, err := Open(path)
	require.NoError(t, err)
	defer pf.Close()

	require.Len(t, pf.EventAttrs(), 1)
	require.Equal(t, uint64(testSampleFormat), pf.EventAttrs()[0].SampleFormat)
	require.Equal(t, 0, pf.AttrIndexOfID(11))

	rec, err := pf.ReadRecord()
	require.NoError(t, err)
	comm := rec.(*CommRecord)
	require.Equal(t, uint32(42), comm.PID)
	require.Equal(t, "worker", comm.Comm)
	require.Equal(t, uint64(990), comm.Time)

	rec, err = pf.ReadRecord()
	require.NoError(t, err)
	mm := rec.(*MmapRecord)
	require.Equal(t, uint64(0x40000000), mm.Addr)
	require.Equal(t, uint64(0x2000), mm.Len)
	require.Equal(t, "/lib/a.so", mm.Filename)
	require.False(t, mm.InKernel)
	require.Equal(t, uint64(995), mm.Time)

	rec, err = pf.ReadRecord()
	require.NoError(t, err)
	s := rec.(*SampleRecord)
	require.Equal(t, uint64(0xffffffff81000010), s.IP)
	require.Equal(t, uint64(1000), s.Time)
	require.True(t, s.InKernel())
	ips, kernelCount := s.GetCallChain()
	require.Equal(t, []uint64{0xffffffff81000010, 0x40000100}, ips)
	require.Equal(t, 1, kernelCount)

	_, err = pf.ReadRecord()
	require.ErrorIs(t, err, io.EOF)

	info, err := pf.MetaInfo()
	require.NoError(t, err)
	require.Equal(t, "true", info["trace_offcpu"])
	require.Equal(t, "cpu-clock,1,0", info["event_type_info"])

	ids, err := pf.BuildIDs()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.Equal(t, "[kernel.kallsyms]", ids[0].Filename)
	require.True(t, ids[0].InKernel)
	require.Equal(t, byte(0xaa), ids[0].BuildID[0])

	files, err := pf.FileFeatures()
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "/data/base.vdex", files[0].Path)
	require.Equal(t, []uint64{0x28}, files[0].DexFileOffsets)
	require.Equal(t, "com.example.Foo.run", files[0].Symbols[0].Name)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0x42}, 256), 0o644))
	_, err := Open(path)
	require.Error(t, err)
}
