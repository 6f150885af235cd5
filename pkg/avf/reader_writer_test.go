package avf

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenReaderAtRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.avf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}

	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.WriteSection(SectionModelInfo, 1, []byte("model-info")); err != nil {
		t.Fatalf("write model info: %v", err)
	}
	if err := w.WriteSection(SectionTensorData, 1, []byte{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatalf("write tensor data: %v", err)
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close writer file: %v", err)
	}

	rf, err := os.Open(path)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer func() { _ = rf.Close() }()

	st, err := rf.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	af, err := OpenReaderAt(rf, st.Size())
	if err != nil {
		t.Fatalf("open readerat: %v", err)
	}
	defer func() {
		if cerr := af.Close(); cerr != nil {
			t.Fatalf("close avf file: %v", cerr)
		}
	}()

	if af.mmapped {
		t.Fatalf("OpenReaderAt should not mmap")
	}
	if af.Header == nil {
		t.Fatalf("missing header")
	}
	if af.Header.HeaderSize != avfHeaderSize {
		t.Fatalf("header size mismatch: got %d want %d", af.Header.HeaderSize, avfHeaderSize)
	}

	modelSec := af.Section(SectionModelInfo)
	if modelSec == nil {
		t.Fatalf("missing model info section")
	}
	got := af.SectionData(modelSec)
	if !bytes.Equal(got, []byte("model-info")) {
		t.Fatalf("model info mismatch: got %q", string(got))
	}
}

func TestOpenMmapRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.avf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	sw, err := w.BeginSection(SectionTensorData, 1)
	if err != nil {
		t.Fatalf("begin tensor data: %v", err)
	}
	if err := sw.Align(TensorAlign); err != nil {
		t.Fatalf("align: %v", err)
	}
	off, err := sw.CurrentAbsOffset()
	if err != nil {
		t.Fatalf("abs offset: %v", err)
	}
	if off%TensorAlign != 0 {
		t.Fatalf("tensor offset %d not %d-byte aligned", off, TensorAlign)
	}
	payload := []byte{9, 8, 7, 6}
	if _, err := sw.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	if err := sw.End(); err != nil {
		t.Fatalf("end section: %v", err)
	}
	if err := w.AddFlags(FlagTensorDataAligned64); err != nil {
		t.Fatalf("add flags: %v", err)
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close writer file: %v", err)
	}

	af, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = af.Close() }()

	if af.Header.Flags&FlagTensorDataAligned64 == 0 {
		t.Fatalf("aligned flag not persisted")
	}
	sec := af.Section(SectionTensorData)
	if sec == nil {
		t.Fatalf("missing tensor data section")
	}
	data := af.SectionData(sec)
	if !bytes.Equal(data[off-sec.Offset:uint64(len(data))], payload) {
		t.Fatalf("payload mismatch: %v", data)
	}
}

func TestOpenRejectsCorruptFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write := func(name string, data []byte) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return p
	}

	// Too short for a header.
	if _, err := Open(write("short.avf", []byte("AVF"))); err == nil {
		t.Fatal("short file accepted")
	}

	// Wrong magic.
	valid := validFileBytes(t)
	bad := append([]byte{}, valid...)
	copy(bad[0:4], "GGUF")
	if _, err := Open(write("magic.avf", bad)); err == nil {
		t.Fatal("wrong magic accepted")
	}

	// Unsupported major version.
	bad = append([]byte{}, valid...)
	bad[4] = 0xFF
	if _, err := Open(write("major.avf", bad)); err == nil {
		t.Fatal("unsupported major accepted")
	}

	// Truncated body.
	if _, err := Open(write("trunc.avf", valid[:len(valid)-4])); err == nil {
		t.Fatal("truncated file accepted")
	}
}

func validFileBytes(t *testing.T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "valid.avf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.WriteSection(SectionModelInfo, 1, []byte("{}")); err != nil {
		t.Fatalf("write section: %v", err)
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	return data
}

func TestHeaderAndSectionEncodingLittleEndian(t *testing.T) {
	t.Parallel()

	h := AVFHeader{
		Magic:            [4]byte{'A', 'V', 'F', 0},
		Major:            0x1122,
		Minor:            0x3344,
		HeaderSize:       avfHeaderSize,
		SectionCount:     7,
		SectionDirOffset: 0x0102030405060708,
		FileSize:         0x1112131415161718,
		Flags:            0x2122232425262728,
	}
	var hdrRaw [avfHeaderSize]byte
	if !encodeHeader(hdrRaw[:], h) {
		t.Fatalf("encode header failed")
	}
	if hdrRaw[4] != 0x22 || hdrRaw[5] != 0x11 {
		t.Fatalf("major is not little-endian: %x", hdrRaw[4:6])
	}
	if hdrRaw[16] != 0x08 || hdrRaw[23] != 0x01 {
		t.Fatalf("section dir offset is not little-endian: %x", hdrRaw[16:24])
	}
	decodedH, ok := decodeHeader(hdrRaw[:])
	if !ok {
		t.Fatalf("decode header failed")
	}
	if decodedH != h {
		t.Fatalf("header round-trip mismatch: got %+v want %+v", decodedH, h)
	}

	s := AVFSection{
		Type:    0x11223344,
		Version: 0x55667788,
		Offset:  0x0102030405060708,
		Size:    0x1112131415161718,
	}
	var secRaw [avfSectionSize]byte
	if !encodeSection(secRaw[:], s) {
		t.Fatalf("encode section failed")
	}
	if secRaw[0] != 0x44 || secRaw[3] != 0x11 {
		t.Fatalf("section type is not little-endian: %x", secRaw[0:4])
	}
	decodedS, ok := decodeSection(secRaw[:])
	if !ok {
		t.Fatalf("decode section failed")
	}
	if decodedS != s {
		t.Fatalf("section round-trip mismatch: got %+v want %+v", decodedS, s)
	}
}

func TestTensorIndexEncodeParse(t *testing.T) {
	t.Parallel()

	records := []TensorIndexRecord{
		{Name: "blk.1.codes", DType: DTypeU16, Shape: []uint64{4, 8, 2}, DataOff: 128, DataSize: 128},
		{Name: "blk.0.scales", DType: DTypeF32, Shape: []uint64{4}, DataOff: 256, DataSize: 16},
		{Name: "blk.0.codebooks", DType: DTypeF16, Shape: []uint64{2, 256, 8}, DataOff: 512, DataSize: 8192},
	}
	payload, err := EncodeTensorIndexSection(records)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	ti, err := ParseTensorIndexSection(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ti.Count() != len(records) {
		t.Fatalf("count %d, want %d", ti.Count(), len(records))
	}

	// Entries come back sorted by name; Find uses the sorted order.
	for _, rec := range records {
		idx, ok := ti.Find(rec.Name)
		if !ok {
			t.Fatalf("Find(%q) missed", rec.Name)
		}
		entry, err := ti.Entry(idx)
		if err != nil {
			t.Fatalf("entry %q: %v", rec.Name, err)
		}
		if entry.DType != rec.DType || entry.DataOff != rec.DataOff || entry.DataSize != rec.DataSize {
			t.Fatalf("entry %q mismatch: %+v", rec.Name, entry)
		}
		shape, err := ti.Shape(idx)
		if err != nil {
			t.Fatalf("shape %q: %v", rec.Name, err)
		}
		if len(shape) != len(rec.Shape) {
			t.Fatalf("shape %q rank %d, want %d", rec.Name, len(shape), len(rec.Shape))
		}
		for i := range shape {
			if shape[i] != rec.Shape[i] {
				t.Fatalf("shape %q = %v, want %v", rec.Name, shape, rec.Shape)
			}
		}
	}
	if _, ok := ti.Find("blk.9.missing"); ok {
		t.Fatal("Find matched a missing tensor")
	}
}

func TestModelInfoRoundTrip(t *testing.T) {
	t.Parallel()

	mi := NewModelInfo("tiny-llama-aq", "avq pack")
	if mi.ID == "" || mi.CreatedAt == "" {
		t.Fatalf("incomplete model info: %+v", mi)
	}

	payload, err := EncodeModelInfoSection(mi)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := ParseModelInfoSection(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != mi {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, mi)
	}
}
