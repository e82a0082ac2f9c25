package mcf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// TensorIndexVersion is the on-disk version of the tensor index payload.
const TensorIndexVersion uint32 = 1

// Tensor index layout: header | entries | dims (u64) | names.
// Offsets in the header are relative to the start of the section payload.
const (
	tensorIndexHeaderSize = 48
	tensorIndexEntrySize  = 40
)

const (
	// TensorIndexFlagSortedByName allows binary-search lookups.
	TensorIndexFlagSortedByName uint32 = 1 << 0
	TensorIndexFlagNamesUTF8    uint32 = 1 << 1
)

// TensorDType identifies the element encoding. Values are stable on disk.
type TensorDType uint32

const (
	DTypeUnknown TensorDType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeF64
	DTypeI8
	DTypeU8
	DTypeI16
	DTypeU16
	DTypeI32
	DTypeU32
	DTypeI64
	DTypeU64
)

// Size is the element width in bytes, or 0 when unknown.
func (d TensorDType) Size() int {
	switch d {
	case DTypeI8, DTypeU8:
		return 1
	case DTypeF16, DTypeBF16, DTypeI16, DTypeU16:
		return 2
	case DTypeF32, DTypeI32, DTypeU32:
		return 4
	case DTypeF64, DTypeI64, DTypeU64:
		return 8
	}
	return 0
}

func (d TensorDType) String() string {
	names := [...]string{"unknown", "f32", "f16", "bf16", "f64", "i8", "u8", "i16", "u16", "i32", "u32", "i64", "u64"}
	if int(d) < len(names) {
		return names[d]
	}
	return fmt.Sprintf("dtype(%d)", uint32(d))
}

// TensorIndexRecord describes one tensor. DataOff is an absolute file offset.
type TensorIndexRecord struct {
	Name     string
	DType    TensorDType
	Shape    []uint64
	DataOff  uint64
	DataSize uint64
}

// Elements is the product of Shape.
func (r TensorIndexRecord) Elements() uint64 {
	n := uint64(1)
	for _, d := range r.Shape {
		n *= d
	}
	return n
}

type tensorIndexHeader struct {
	version, flags, count, dimsCount uint32
	entriesOff, dimsOff, namesOff    uint64
	namesSize                        uint64
}

// TensorIndex is a validated view over a tensor index payload.
type TensorIndex struct {
	raw []byte
	hdr tensorIndexHeader
}

// ParseTensorIndexSection validates a tensor index payload, typically
// File.SectionData(File.Section(SectionTensorIndex)).
func ParseTensorIndexSection(sec []byte) (*TensorIndex, error) {
	if len(sec) < tensorIndexHeaderSize {
		return nil, ErrCorruptFile
	}
	le := binary.LittleEndian
	h := tensorIndexHeader{
		version:    le.Uint32(sec[0:4]),
		flags:      le.Uint32(sec[4:8]),
		count:      le.Uint32(sec[8:12]),
		dimsCount:  le.Uint32(sec[12:16]),
		entriesOff: le.Uint64(sec[16:24]),
		dimsOff:    le.Uint64(sec[24:32]),
		namesOff:   le.Uint64(sec[32:40]),
		namesSize:  le.Uint64(sec[40:48]),
	}
	if h.version != TensorIndexVersion {
		return nil, ErrUnsupportedMinor
	}
	if h.count == 0 {
		return nil, ErrCorruptFile
	}

	n := uint64(len(sec))
	within := func(off, size uint64) bool { return off <= n && size <= n-off }
	if !within(h.entriesOff, uint64(h.count)*tensorIndexEntrySize) ||
		!within(h.dimsOff, uint64(h.dimsCount)*8) ||
		!within(h.namesOff, h.namesSize) {
		return nil, fmt.Errorf("%w: tensor index tables out of bounds", ErrCorruptFile)
	}

	ti := &TensorIndex{raw: sec, hdr: h}
	for i := range int(h.count) {
		e := ti.entry(i)
		if uint64(e.nameOff)+uint64(e.nameLen) > h.namesSize {
			return nil, fmt.Errorf("%w: tensor %d name out of bounds", ErrCorruptFile, i)
		}
		if uint64(e.dimOff)+uint64(e.rank) > uint64(h.dimsCount) {
			return nil, fmt.Errorf("%w: tensor %d shape out of bounds", ErrCorruptFile, i)
		}
	}
	return ti, nil
}

type tensorIndexEntry struct {
	nameOff, nameLen uint32
	dtype            TensorDType
	rank, dimOff     uint32
	dataOff          uint64
	dataSize         uint64
}

func (ti *TensorIndex) entry(i int) tensorIndexEntry {
	b := ti.raw[ti.hdr.entriesOff+uint64(i)*tensorIndexEntrySize:]
	le := binary.LittleEndian
	return tensorIndexEntry{
		nameOff:  le.Uint32(b[0:4]),
		nameLen:  le.Uint32(b[4:8]),
		dtype:    TensorDType(le.Uint32(b[8:12])),
		rank:     le.Uint32(b[12:16]),
		dimOff:   le.Uint32(b[16:20]),
		dataOff:  le.Uint64(b[24:32]),
		dataSize: le.Uint64(b[32:40]),
	}
}

func (ti *TensorIndex) Count() int { return int(ti.hdr.count) }

func (ti *TensorIndex) name(e tensorIndexEntry) string {
	off := ti.hdr.namesOff + uint64(e.nameOff)
	return string(ti.raw[off : off+uint64(e.nameLen)])
}

// Record returns tensor i.
func (ti *TensorIndex) Record(i int) (TensorIndexRecord, error) {
	if i < 0 || i >= ti.Count() {
		return TensorIndexRecord{}, ErrCorruptFile
	}
	e := ti.entry(i)
	shape := make([]uint64, e.rank)
	for d := range shape {
		off := ti.hdr.dimsOff + (uint64(e.dimOff)+uint64(d))*8
		shape[d] = binary.LittleEndian.Uint64(ti.raw[off : off+8])
	}
	return TensorIndexRecord{
		Name:     ti.name(e),
		DType:    e.dtype,
		Shape:    shape,
		DataOff:  e.dataOff,
		DataSize: e.dataSize,
	}, nil
}

// Find returns the index of name, using binary search when the index is sorted.
func (ti *TensorIndex) Find(name string) (int, bool) {
	if ti == nil {
		return -1, false
	}
	n := ti.Count()
	if ti.hdr.flags&TensorIndexFlagSortedByName != 0 {
		i := sort.Search(n, func(i int) bool { return ti.name(ti.entry(i)) >= name })
		if i < n && ti.name(ti.entry(i)) == name {
			return i, true
		}
		return -1, false
	}
	for i := range n {
		if ti.name(ti.entry(i)) == name {
			return i, true
		}
	}
	return -1, false
}

// Lookup finds name and returns its record and a zero-copy view of its payload in f.
func (ti *TensorIndex) Lookup(f *File, name string) (TensorIndexRecord, []byte, error) {
	i, ok := ti.Find(name)
	if !ok {
		return TensorIndexRecord{}, nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	rec, err := ti.Record(i)
	if err != nil {
		return TensorIndexRecord{}, nil, err
	}
	if f == nil || f.Data == nil {
		return TensorIndexRecord{}, nil, ErrCorruptFile
	}
	end := rec.DataOff + rec.DataSize
	if end < rec.DataOff || end > uint64(len(f.Data)) {
		return TensorIndexRecord{}, nil, fmt.Errorf("%w: tensor %s payload out of bounds", ErrCorruptFile, name)
	}
	return rec, f.Data[rec.DataOff:end], nil
}

// EncodeTensorIndexSection builds a tensor index payload sorted by name.
func EncodeTensorIndexSection(records []TensorIndexRecord) ([]byte, error) {
	if len(records) == 0 {
		return nil, errors.New("mcf: tensor index requires at least one record")
	}
	recs := slices.Clone(records)
	slices.SortFunc(recs, func(a, b TensorIndexRecord) int { return strings.Compare(a.Name, b.Name) })

	var dimsCount, namesSize int
	for i, r := range recs {
		if r.Name == "" {
			return nil, errors.New("mcf: tensor name must be non-empty")
		}
		if i > 0 && recs[i-1].Name == r.Name {
			return nil, fmt.Errorf("mcf: duplicate tensor %q", r.Name)
		}
		dimsCount += len(r.Shape)
		namesSize += len(r.Name)
	}

	entriesOff := uint64(tensorIndexHeaderSize)
	dimsOff := entriesOff + uint64(len(recs))*tensorIndexEntrySize
	namesOff := dimsOff + uint64(dimsCount)*8
	out := make([]byte, namesOff+uint64(namesSize))

	le := binary.LittleEndian
	le.PutUint32(out[0:4], TensorIndexVersion)
	le.PutUint32(out[4:8], TensorIndexFlagSortedByName|TensorIndexFlagNamesUTF8)
	le.PutUint32(out[8:12], uint32(len(recs)))
	le.PutUint32(out[12:16], uint32(dimsCount))
	le.PutUint64(out[16:24], entriesOff)
	le.PutUint64(out[24:32], dimsOff)
	le.PutUint64(out[32:40], namesOff)
	le.PutUint64(out[40:48], uint64(namesSize))

	var dim, nameOff uint32
	for i, r := range recs {
		e := out[entriesOff+uint64(i)*tensorIndexEntrySize:]
		le.PutUint32(e[0:4], nameOff)
		le.PutUint32(e[4:8], uint32(len(r.Name)))
		le.PutUint32(e[8:12], uint32(r.DType))
		le.PutUint32(e[12:16], uint32(len(r.Shape)))
		le.PutUint32(e[16:20], dim)
		le.PutUint64(e[24:32], r.DataOff)
		le.PutUint64(e[32:40], r.DataSize)
		for _, d := range r.Shape {
			le.PutUint64(out[dimsOff+uint64(dim)*8:], d)
			dim++
		}
		copy(out[namesOff+uint64(nameOff):], r.Name)
		nameOff += uint32(len(r.Name))
	}
	return out, nil
}
