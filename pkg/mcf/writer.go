package mcf

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
)

var (
	errFinalised     = errors.New("mcf: writer already finalised")
	errSectionOpen   = errors.New("mcf: section write in progress")
	errSectionEnded  = errors.New("mcf: section writer ended")
	errSectionStolen = errors.New("mcf: section writer not active")
)

// Writer builds an MCF file in one pass. The header is reserved up front and
// patched by Finalise.
type Writer struct {
	mu       sync.Mutex
	f        *os.File
	pos      int64
	sections []MCFSection
	seen     map[SectionType]bool
	open     *SectionWriter
	closed   bool
	flags    uint64
}

// SectionWriter streams one section payload. It must be ended before any other
// section is written.
type SectionWriter struct {
	w       *Writer
	typ     SectionType
	version uint32
	start   int64
	ended   bool
}

// NewWriter truncates f and reserves the header.
func NewWriter(f *os.File) (*Writer, error) {
	if f == nil {
		return nil, errors.New("mcf: nil file")
	}
	if err := f.Truncate(0); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	w := &Writer{f: f, seen: make(map[SectionType]bool)}
	if err := w.pad(mcfHeaderSize); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) AddFlags(flags uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flags |= flags
}

func (w *Writer) claim(typ SectionType) error {
	switch {
	case w.closed:
		return errFinalised
	case w.open != nil:
		return errSectionOpen
	case w.seen[typ]:
		return fmt.Errorf("mcf: duplicate section %s", typ)
	}
	if err := w.alignTo(mcfAlign); err != nil {
		return err
	}
	w.seen[typ] = true
	return nil
}

// WriteSection writes a buffered section payload.
func (w *Writer) WriteSection(typ SectionType, version uint32, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.claim(typ); err != nil {
		return err
	}
	start := w.pos
	if err := w.write(data); err != nil {
		return err
	}
	w.sections = append(w.sections, MCFSection{
		Type:    uint32(typ),
		Version: version,
		Offset:  uint64(start),
		Size:    uint64(len(data)),
	})
	return nil
}

// BeginSection starts streaming a large payload such as tensor data.
func (w *Writer) BeginSection(typ SectionType, version uint32) (*SectionWriter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.claim(typ); err != nil {
		return nil, err
	}
	sw := &SectionWriter{w: w, typ: typ, version: version, start: w.pos}
	w.open = sw
	return sw, nil
}

func (sw *SectionWriter) active() error {
	if sw.ended {
		return errSectionEnded
	}
	if sw.w.open != sw {
		return errSectionStolen
	}
	return nil
}

// Offset is the absolute file offset of the next byte written.
func (sw *SectionWriter) Offset() (uint64, error) {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()
	if err := sw.active(); err != nil {
		return 0, err
	}
	return uint64(sw.w.pos), nil
}

// Align pads with zeros until the absolute file offset is a multiple of n.
func (sw *SectionWriter) Align(n int) error {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()
	if err := sw.active(); err != nil {
		return err
	}
	return sw.w.alignTo(int64(n))
}

func (sw *SectionWriter) Write(p []byte) (int, error) {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()
	if err := sw.active(); err != nil {
		return 0, err
	}
	if err := sw.w.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// End records the section in the directory.
func (sw *SectionWriter) End() error {
	sw.w.mu.Lock()
	defer sw.w.mu.Unlock()
	if err := sw.active(); err != nil {
		return err
	}
	sw.w.sections = append(sw.w.sections, MCFSection{
		Type:    uint32(sw.typ),
		Version: sw.version,
		Offset:  uint64(sw.start),
		Size:    uint64(sw.w.pos - sw.start),
	})
	sw.w.open = nil
	sw.ended = true
	return nil
}

// Finalise writes the section directory, patches the header and syncs the file.
func (w *Writer) Finalise() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errFinalised
	}
	if w.open != nil {
		return errSectionOpen
	}
	w.closed = true

	slices.SortFunc(w.sections, func(a, b MCFSection) int { return cmp.Compare(a.Type, b.Type) })
	if err := w.alignTo(mcfAlign); err != nil {
		return err
	}
	dirOffset := w.pos
	var rec [mcfSectionSize]byte
	for _, s := range w.sections {
		encodeSection(rec[:], s)
		if err := w.write(rec[:]); err != nil {
			return err
		}
	}
	if err := w.f.Truncate(w.pos); err != nil {
		return err
	}

	hdr := MCFHeader{
		Major:            CurrentMajor,
		Minor:            CurrentMinor,
		HeaderSize:       mcfHeaderSize,
		SectionCount:     uint32(len(w.sections)),
		SectionDirOffset: uint64(dirOffset),
		FileSize:         uint64(w.pos),
		Flags:            w.flags,
	}
	copy(hdr.Magic[:], MagicMCF)
	var raw [mcfHeaderSize]byte
	encodeHeader(raw[:], hdr)
	if _, err := w.f.WriteAt(raw[:], 0); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *Writer) write(p []byte) error {
	for len(p) > 0 {
		n, err := w.f.Write(p)
		w.pos += int64(n)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (w *Writer) alignTo(n int64) error {
	if n <= 1 {
		return nil
	}
	if mod := w.pos % n; mod != 0 {
		return w.pad(int(n - mod))
	}
	return nil
}

var zeros [4096]byte

func (w *Writer) pad(n int) error {
	for n > 0 {
		k := min(n, len(zeros))
		if err := w.write(zeros[:k]); err != nil {
			return err
		}
		n -= k
	}
	return nil
}
