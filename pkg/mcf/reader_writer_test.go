package mcf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/x448/float16"
)

func writeTestFile(t *testing.T, sections map[SectionType][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.mcf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	defer func() { _ = f.Close() }()

	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	for _, typ := range []SectionType{SectionTensorData, SectionModelInfo, SectionTensorIndex} {
		data, ok := sections[typ]
		if !ok {
			continue
		}
		if err := w.WriteSection(typ, 1, data); err != nil {
			t.Fatalf("write %s: %v", typ, err)
		}
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	return path
}

func TestOpenReaderAtRoundTrip(t *testing.T) {
	t.Parallel()

	path := writeTestFile(t, map[SectionType][]byte{
		SectionModelInfo:  []byte("model-info"),
		SectionTensorData: {1, 2, 3, 4, 5, 6},
	})

	rf, err := os.Open(path)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer func() { _ = rf.Close() }()

	st, err := rf.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	mf, err := OpenReaderAt(rf, st.Size())
	if err != nil {
		t.Fatalf("open readerat: %v", err)
	}
	defer func() {
		if cerr := mf.Close(); cerr != nil {
			t.Fatalf("close mcf file: %v", cerr)
		}
	}()

	if mf.mmapped {
		t.Fatalf("OpenReaderAt should not mmap")
	}
	if mf.Header.HeaderSize != mcfHeaderSize {
		t.Fatalf("header size mismatch: got %d want %d", mf.Header.HeaderSize, mcfHeaderSize)
	}
	if got := mf.SectionData(mf.Section(SectionModelInfo)); !bytes.Equal(got, []byte("model-info")) {
		t.Fatalf("model info mismatch: got %q", string(got))
	}
	if got := mf.SectionData(mf.Section(SectionTensorData)); !bytes.Equal(got, []byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("tensor data mismatch: got %v", got)
	}
	for i := 1; i < len(mf.Sections); i++ {
		if mf.Sections[i-1].Type > mf.Sections[i].Type {
			t.Fatalf("section directory not sorted: %+v", mf.Sections)
		}
	}
}

func TestOpenMapsFile(t *testing.T) {
	t.Parallel()

	path := writeTestFile(t, map[SectionType][]byte{SectionModelInfo: []byte("{}")})
	mf, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if mf.Section(SectionTensorIndex) != nil {
		t.Fatalf("unexpected tensor index section")
	}
	if err := mf.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := mf.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestOpenRejectsCorruptFiles(t *testing.T) {
	t.Parallel()

	path := writeTestFile(t, map[SectionType][]byte{SectionModelInfo: []byte("info")})
	good, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	cases := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"magic", func(b []byte) []byte { b[0] = 'X'; return b }, ErrInvalidMagic},
		{"major", func(b []byte) []byte { binary.LittleEndian.PutUint16(b[4:], 9); return b }, ErrUnsupportedMajor},
		{"truncated", func(b []byte) []byte { return b[:len(b)-4] }, ErrCorruptFile},
		{"directory", func(b []byte) []byte { binary.LittleEndian.PutUint64(b[16:], 1<<40); return b }, ErrCorruptFile},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			data := tc.mutate(bytes.Clone(good))
			_, err := OpenReaderAt(bytes.NewReader(data), int64(len(data)))
			if !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestWriterRejectsMisuse(t *testing.T) {
	t.Parallel()

	f, err := os.Create(filepath.Join(t.TempDir(), "x.mcf"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer func() { _ = f.Close() }()
	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	sw, err := w.BeginSection(SectionTensorData, 1)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := w.WriteSection(SectionModelInfo, 1, nil); !errors.Is(err, errSectionOpen) {
		t.Fatalf("write during open section: got %v", err)
	}
	if err := sw.Align(64); err != nil {
		t.Fatalf("align: %v", err)
	}
	off, err := sw.Offset()
	if err != nil || off%64 != 0 {
		t.Fatalf("offset = %d, %v; want 64-byte aligned", off, err)
	}
	if err := sw.End(); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := sw.Write([]byte{1}); !errors.Is(err, errSectionEnded) {
		t.Fatalf("write after end: got %v", err)
	}
	if err := w.WriteSection(SectionTensorData, 1, nil); err == nil {
		t.Fatalf("duplicate section accepted")
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	if err := w.Finalise(); !errors.Is(err, errFinalised) {
		t.Fatalf("second finalise: got %v", err)
	}
}

func TestTensorIndexRoundTrip(t *testing.T) {
	t.Parallel()

	payload := []byte("0123456789abcdef")
	recs := []TensorIndexRecord{
		{Name: "w2.stats", DType: DTypeF16, Shape: []uint64{4, 2}, DataOff: 0, DataSize: 16},
		{Name: "w1.buckets", DType: DTypeF16, Shape: []uint64{2}, DataOff: 4, DataSize: 4},
		{Name: "scalar", DType: DTypeI32},
	}
	idx, err := EncodeTensorIndexSection(recs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	path := writeTestFile(t, map[SectionType][]byte{
		SectionTensorData:  payload,
		SectionTensorIndex: idx,
	})
	mf, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = mf.Close() }()

	ti, err := ParseTensorIndexSection(mf.SectionData(mf.Section(SectionTensorIndex)))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ti.Count() != len(recs) {
		t.Fatalf("count = %d, want %d", ti.Count(), len(recs))
	}
	for _, want := range recs {
		i, ok := ti.Find(want.Name)
		if !ok {
			t.Fatalf("missing %s", want.Name)
		}
		got, err := ti.Record(i)
		if err != nil {
			t.Fatalf("record %s: %v", want.Name, err)
		}
		if want.Shape == nil {
			want.Shape = []uint64{}
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("record %s mismatch (-want +got):\n%s", want.Name, diff)
		}
	}
	if _, ok := ti.Find("absent"); ok {
		t.Fatalf("found absent tensor")
	}

	dataOff := mf.Section(SectionTensorData).Offset
	recs[1].DataOff += dataOff
	enc, err := EncodeTensorIndexSection(recs[1:2])
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ti, err = ParseTensorIndexSection(enc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	_, data, err := ti.Lookup(mf, "w1.buckets")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if string(data) != "4567" {
		t.Fatalf("lookup data = %q, want %q", data, "4567")
	}
	if _, _, err := ti.Lookup(mf, "nope"); !errors.Is(err, ErrTensorNotFound) {
		t.Fatalf("lookup missing: got %v", err)
	}
}

func TestEncodeTensorIndexRejectsBadRecords(t *testing.T) {
	t.Parallel()

	cases := map[string][]TensorIndexRecord{
		"empty":     nil,
		"no name":   {{DType: DTypeF32}},
		"duplicate": {{Name: "a"}, {Name: "a"}},
	}
	for name, recs := range cases {
		if _, err := EncodeTensorIndexSection(recs); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := ParseTensorIndexSection(make([]byte, 10)); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("short index: got %v", err)
	}
}

func TestDTypeSize(t *testing.T) {
	t.Parallel()

	for dt, want := range map[TensorDType]int{DTypeF16: 2, DTypeF32: 4, DTypeI32: 4, DTypeU8: 1, DTypeF64: 8, DTypeUnknown: 0} {
		if got := dt.Size(); got != want {
			t.Errorf("%s.Size() = %d, want %d", dt, got, want)
		}
	}
}

func writeSafetensors(t *testing.T, header map[string]any, data []byte) string {
	t.Helper()
	hdr, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(hdr)))
	buf.Write(hdr)
	buf.Write(data)
	path := filepath.Join(t.TempDir(), "model.safetensors")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestSafetensorsReadFloat32(t *testing.T) {
	t.Parallel()

	want := []float32{1, -2.5, 0.125, 3}
	var data []byte
	for _, v := range want {
		data = binary.LittleEndian.AppendUint32(data, math.Float32bits(v))
	}
	for _, v := range want {
		data = binary.LittleEndian.AppendUint16(data, float16.Fromfloat32(v).Bits())
	}
	for _, v := range want {
		data = binary.LittleEndian.AppendUint16(data, uint16(math.Float32bits(v)>>16))
	}

	path := writeSafetensors(t, map[string]any{
		"__metadata__": map[string]string{"format": "pt"},
		"a.f32":        map[string]any{"dtype": "F32", "shape": []int{2, 2}, "data_offsets": []int{0, 16}},
		"b.f16":        map[string]any{"dtype": "F16", "shape": []int{4}, "data_offsets": []int{16, 24}},
		"c.bf16":       map[string]any{"dtype": "BF16", "shape": []int{4}, "data_offsets": []int{24, 32}},
	}, data)

	sf, err := OpenSafetensorsFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = sf.Close() }()

	if diff := cmp.Diff([]string{"a.f32", "b.f16", "c.bf16"}, sf.Names()); diff != "" {
		t.Fatalf("names (-want +got):\n%s", diff)
	}
	if sf.Metadata["format"] != "pt" {
		t.Fatalf("metadata = %v", sf.Metadata)
	}
	for _, name := range sf.Names() {
		got, _, err := sf.ReadFloat32(name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("%s (-want +got):\n%s", name, diff)
		}
	}
	if _, _, err := sf.ReadFloat32("missing"); !errors.Is(err, ErrTensorNotFound) {
		t.Fatalf("missing tensor: got %v", err)
	}
}

func TestSafetensorsRejectsBadOffsets(t *testing.T) {
	t.Parallel()

	path := writeSafetensors(t, map[string]any{
		"x": map[string]any{"dtype": "F32", "shape": []int{4}, "data_offsets": []int{0, 64}},
	}, make([]byte, 16))
	if _, err := OpenSafetensorsFile(path); err == nil {
		t.Fatalf("expected out-of-bounds error")
	}

	path = writeSafetensors(t, map[string]any{
		"x": map[string]any{"dtype": "F32", "shape": []int{3}, "data_offsets": []int{0, 16}},
	}, make([]byte, 16))
	if _, err := OpenSafetensorsFile(path); err == nil {
		t.Fatalf("expected shape/size mismatch error")
	}
}
