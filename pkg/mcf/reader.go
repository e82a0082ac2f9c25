package mcf

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// File is a validated, read-only view over an MCF container.
type File struct {
	Data     []byte
	Header   *MCFHeader
	Sections []MCFSection
	mmapped  bool
}

// Open maps path read-only and validates it. When mmap fails the file is read
// into memory instead. Slices handed out by the File are only valid until Close.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size, err := fileLen(st.Size())
	if err != nil {
		return nil, err
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		mf, perr := parse(data, true)
		if perr != nil {
			_ = unix.Munmap(data)
			return nil, perr
		}
		return mf, nil
	}

	data, err = readAllAt(f, size)
	if err != nil {
		return nil, err
	}
	return parse(data, false)
}

// OpenReaderAt loads and validates an MCF from r without mapping it.
func OpenReaderAt(r io.ReaderAt, size int64) (*File, error) {
	n, err := fileLen(size)
	if err != nil {
		return nil, err
	}
	data, err := readAllAt(r, n)
	if err != nil {
		return nil, err
	}
	return parse(data, false)
}

func fileLen(size int64) (int, error) {
	if size < mcfHeaderSize || size > math.MaxInt {
		return 0, fmt.Errorf("%w: file size %d", ErrCorruptFile, size)
	}
	return int(size), nil
}

func readAllAt(r io.ReaderAt, size int) ([]byte, error) {
	out := make([]byte, size)
	n, err := r.ReadAt(out, 0)
	if n == size && (err == nil || errors.Is(err, io.EOF)) {
		return out, nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return nil, err
}

func parse(data []byte, mmapped bool) (*File, error) {
	hdr, ok := decodeHeader(data)
	if !ok {
		return nil, ErrCorruptFile
	}
	if !hdr.Valid() {
		return nil, ErrInvalidMagic
	}
	if !hdr.Compatible() {
		return nil, ErrUnsupportedMajor
	}
	size := uint64(len(data))
	if hdr.FileSize != size || uint64(hdr.HeaderSize) > size {
		return nil, ErrCorruptFile
	}

	dirStart := hdr.SectionDirOffset
	dirEnd := dirStart + uint64(hdr.SectionCount)*mcfSectionSize
	if dirStart < uint64(hdr.HeaderSize) || dirEnd < dirStart || dirEnd > size {
		return nil, fmt.Errorf("%w: section directory out of bounds", ErrCorruptFile)
	}

	sections := make([]MCFSection, hdr.SectionCount)
	for i := range sections {
		off := dirStart + uint64(i)*mcfSectionSize
		s, ok := decodeSection(data[off : off+mcfSectionSize])
		if !ok {
			return nil, ErrCorruptFile
		}
		if err := checkSection(s, hdr, size, dirStart, dirEnd); err != nil {
			return nil, fmt.Errorf("%w: section %d (%s): %v", ErrCorruptFile, i, SectionType(s.Type), err)
		}
		sections[i] = s
	}

	return &File{Data: data, Header: &hdr, Sections: sections, mmapped: mmapped}, nil
}

func checkSection(s MCFSection, hdr MCFHeader, size, dirStart, dirEnd uint64) error {
	end := s.End()
	switch {
	case end < s.Offset || end > size:
		return errors.New("out of bounds")
	case s.Offset < uint64(hdr.HeaderSize):
		return errors.New("overlaps header")
	case rangesOverlap(s.Offset, end, dirStart, dirEnd):
		return errors.New("overlaps section directory")
	case s.Offset%mcfAlign != 0:
		return fmt.Errorf("offset not %d-byte aligned", mcfAlign)
	}
	return nil
}

// Close releases the mapping. It is safe to call more than once.
func (f *File) Close() error {
	if f == nil || f.Data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.Data)
	}
	f.Data, f.Header, f.Sections, f.mmapped = nil, nil, nil, false
	return err
}

// Section returns the first section of type t, or nil.
func (f *File) Section(t SectionType) *MCFSection {
	for i := range f.Sections {
		if SectionType(f.Sections[i].Type) == t {
			return &f.Sections[i]
		}
	}
	return nil
}

// SectionData returns a zero-copy slice of the section payload.
func (f *File) SectionData(s *MCFSection) []byte {
	if f == nil || s == nil || f.Data == nil {
		return nil
	}
	end := s.End()
	if end < s.Offset || end > uint64(len(f.Data)) {
		return nil
	}
	return f.Data[s.Offset:end]
}
