package mcf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"
	"github.com/x448/float16"
)

// Real-world headers are a few KiB; anything past this is treated as corrupt.
const safetensorsMaxHeaderSize = 256 << 20

// SafetensorsTensorInfo describes one tensor. Start and End are absolute file
// offsets, End exclusive. DType uses safetensors names ("F32", "F16", "BF16", ...).
type SafetensorsTensorInfo struct {
	DType string
	Shape []int64
	Start int64
	End   int64
}

func (ti SafetensorsTensorInfo) Size() int64 { return ti.End - ti.Start }

// Elements is the product of Shape.
func (ti SafetensorsTensorInfo) Elements() int64 {
	n := int64(1)
	for _, d := range ti.Shape {
		n *= d
	}
	return n
}

type safetensorsTensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int64 `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// SafetensorsFile gives random access to the tensors of one .safetensors file.
type SafetensorsFile struct {
	Path     string
	Tensors  map[string]SafetensorsTensorInfo
	Metadata map[string]string

	f *os.File
}

// OpenSafetensorsFile opens path and parses its JSON header.
func OpenSafetensorsFile(path string) (*SafetensorsFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sf, err := parseSafetensors(f, path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return sf, nil
}

func parseSafetensors(f *os.File, path string) (*SafetensorsFile, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()

	var lenBuf [8]byte
	if _, err := f.ReadAt(lenBuf[:], 0); err != nil {
		return nil, fmt.Errorf("safetensors: %s: read header length: %w", path, err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > safetensorsMaxHeaderSize || int64(8+headerLen) > size {
		return nil, fmt.Errorf("safetensors: %s: bad header length %d", path, headerLen)
	}
	header := make([]byte, headerLen)
	if _, err := f.ReadAt(header, 8); err != nil {
		return nil, fmt.Errorf("safetensors: %s: read header: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(header, &raw); err != nil {
		return nil, fmt.Errorf("safetensors: %s: parse header: %w", path, err)
	}

	sf := &SafetensorsFile{Path: path, f: f, Tensors: make(map[string]SafetensorsTensorInfo, len(raw))}
	if meta, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(meta, &sf.Metadata); err != nil {
			return nil, fmt.Errorf("safetensors: %s: parse metadata: %w", path, err)
		}
		delete(raw, "__metadata__")
	}

	dataStart := int64(8 + headerLen)
	for name, msg := range raw {
		var th safetensorsTensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[0] < 0 || th.DataOffsets[1] < th.DataOffsets[0] {
			return nil, fmt.Errorf("safetensors: tensor %q: invalid data_offsets", name)
		}
		ti := SafetensorsTensorInfo{
			DType: th.DType,
			Shape: th.Shape,
			Start: dataStart + th.DataOffsets[0],
			End:   dataStart + th.DataOffsets[1],
		}
		if ti.End > size {
			return nil, fmt.Errorf("safetensors: tensor %q: data out of bounds", name)
		}
		for _, d := range th.Shape {
			if d < 0 {
				return nil, fmt.Errorf("safetensors: tensor %q: invalid dim %d", name, d)
			}
		}
		if w := safetensorsDTypeSize(th.DType); w > 0 && ti.Elements()*int64(w) != ti.Size() {
			return nil, fmt.Errorf("safetensors: tensor %q: %d bytes for shape %v", name, ti.Size(), th.Shape)
		}
		sf.Tensors[name] = ti
	}
	return sf, nil
}

func (sf *SafetensorsFile) Close() error {
	if sf == nil || sf.f == nil {
		return nil
	}
	err := sf.f.Close()
	sf.f = nil
	return err
}

// Names returns tensor names in lexical order.
func (sf *SafetensorsFile) Names() []string {
	names := make([]string, 0, len(sf.Tensors))
	for name := range sf.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// TensorReader returns a reader over the raw bytes of name.
func (sf *SafetensorsFile) TensorReader(name string) (*io.SectionReader, SafetensorsTensorInfo, error) {
	if sf == nil || sf.f == nil {
		return nil, SafetensorsTensorInfo{}, errors.New("safetensors: file closed")
	}
	ti, ok := sf.Tensors[name]
	if !ok {
		return nil, SafetensorsTensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return io.NewSectionReader(sf.f, ti.Start, ti.Size()), ti, nil
}

// ReadFloat32 decodes name into float32. F32, F16 and BF16 are supported.
func (sf *SafetensorsFile) ReadFloat32(name string) ([]float32, SafetensorsTensorInfo, error) {
	r, ti, err := sf.TensorReader(name)
	if err != nil {
		return nil, ti, err
	}
	raw := make([]byte, ti.Size())
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, ti, fmt.Errorf("safetensors: read %s: %w", name, err)
	}
	out, err := DecodeFloat32(ti.DType, raw)
	if err != nil {
		return nil, ti, fmt.Errorf("safetensors: %s: %w", name, err)
	}
	return out, ti, nil
}

// DecodeFloat32 converts little-endian F32/F16/BF16 payloads to float32.
func DecodeFloat32(dtype string, raw []byte) ([]float32, error) {
	le := binary.LittleEndian
	switch dtype {
	case "F32":
		if len(raw)%4 != 0 {
			return nil, ErrCorruptFile
		}
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(le.Uint32(raw[i*4:]))
		}
		return out, nil
	case "F16":
		if len(raw)%2 != 0 {
			return nil, ErrCorruptFile
		}
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(le.Uint16(raw[i*2:])).Float32()
		}
		return out, nil
	case "BF16":
		if len(raw)%2 != 0 {
			return nil, ErrCorruptFile
		}
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = math.Float32frombits(uint32(le.Uint16(raw[i*2:])) << 16)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported dtype %q", dtype)
}

func safetensorsDTypeSize(dtype string) int {
	switch dtype {
	case "BOOL", "U8", "I8", "F8_E4M3", "F8_E5M2":
		return 1
	case "F16", "BF16", "I16", "U16":
		return 2
	case "F32", "I32", "U32":
		return 4
	case "F64", "I64", "U64":
		return 8
	}
	return 0
}
