// Package mcf implements the Model Container File format.
//
// MCF is a single-file, memory-mappable container: a fixed header, section
// payloads, and a section directory at the end. All integers are little-endian.
package mcf

import "encoding/binary"

const (
	// MagicMCF is encoded as "MCF\0".
	MagicMCF = "MCF\x00"

	// CurrentMajor changes only on breaking format changes.
	CurrentMajor uint16 = 1
	// CurrentMinor may add optional sections or fields.
	CurrentMinor uint16 = 1

	// FlagTensorDataAligned64 marks files whose tensor payloads start on 64-byte boundaries.
	FlagTensorDataAligned64 uint64 = 1 << 0
)

type SectionType uint32

const (
	SectionModelInfo   SectionType = 0x0001
	SectionTensorIndex SectionType = 0x0003
	SectionTensorData  SectionType = 0x0004
)

func (t SectionType) String() string {
	switch t {
	case SectionModelInfo:
		return "model_info"
	case SectionTensorIndex:
		return "tensor_index"
	case SectionTensorData:
		return "tensor_data"
	default:
		return "unknown"
	}
}

const (
	mcfHeaderSize  = 48
	mcfSectionSize = 24
	mcfAlign       = 8
)

type MCFHeader struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

func (h *MCFHeader) Valid() bool {
	return string(h.Magic[:]) == MagicMCF && h.HeaderSize >= mcfHeaderSize && h.SectionCount > 0
}

func (h *MCFHeader) Compatible() bool {
	return h.Major == CurrentMajor
}

type MCFSection struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

func (s *MCFSection) End() uint64 { return s.Offset + s.Size }

func encodeHeader(dst []byte, h MCFHeader) bool {
	if len(dst) < mcfHeaderSize {
		return false
	}
	le := binary.LittleEndian
	copy(dst[0:4], h.Magic[:])
	le.PutUint16(dst[4:6], h.Major)
	le.PutUint16(dst[6:8], h.Minor)
	le.PutUint32(dst[8:12], h.HeaderSize)
	le.PutUint32(dst[12:16], h.SectionCount)
	le.PutUint64(dst[16:24], h.SectionDirOffset)
	le.PutUint64(dst[24:32], h.FileSize)
	le.PutUint64(dst[32:40], h.Flags)
	clear(dst[40:mcfHeaderSize])
	return true
}

func decodeHeader(src []byte) (MCFHeader, bool) {
	if len(src) < mcfHeaderSize {
		return MCFHeader{}, false
	}
	le := binary.LittleEndian
	var h MCFHeader
	copy(h.Magic[:], src[0:4])
	h.Major = le.Uint16(src[4:6])
	h.Minor = le.Uint16(src[6:8])
	h.HeaderSize = le.Uint32(src[8:12])
	h.SectionCount = le.Uint32(src[12:16])
	h.SectionDirOffset = le.Uint64(src[16:24])
	h.FileSize = le.Uint64(src[24:32])
	h.Flags = le.Uint64(src[32:40])
	return h, true
}

func encodeSection(dst []byte, s MCFSection) bool {
	if len(dst) < mcfSectionSize {
		return false
	}
	le := binary.LittleEndian
	le.PutUint32(dst[0:4], s.Type)
	le.PutUint32(dst[4:8], s.Version)
	le.PutUint64(dst[8:16], s.Offset)
	le.PutUint64(dst[16:24], s.Size)
	return true
}

func decodeSection(src []byte) (MCFSection, bool) {
	if len(src) < mcfSectionSize {
		return MCFSection{}, false
	}
	le := binary.LittleEndian
	return MCFSection{
		Type:    le.Uint32(src[0:4]),
		Version: le.Uint32(src[4:8]),
		Offset:  le.Uint64(src[8:16]),
		Size:    le.Uint64(src[16:24]),
	}, true
}

// half-open ranges [a0,a1) and [b0,b1)
func rangesOverlap(a0, a1, b0, b1 uint64) bool {
	return a0 < b1 && b0 < a1
}
