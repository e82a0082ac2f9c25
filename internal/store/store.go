// Package store persists bucketed expert projections in MCF container files.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/goccy/go-json"

	"github.com/samcharles93/sparsemoe/internal/bucket"
	"github.com/samcharles93/sparsemoe/internal/gpu"
	"github.com/samcharles93/sparsemoe/pkg/mcf"
)

const (
	Format  = "sparsemoe.buckets"
	Version = 1

	dataAlign = 64
)

var (
	ErrNotFound = errors.New("store: projection not found")
	ErrFormat   = errors.New("store: not a bucket store")
)

// ProjectionInfo is the metadata recorded for one projection.
type ProjectionInfo struct {
	Name    string `json:"name"`
	Experts int    `json:"experts"`
	In      int    `json:"in"`
	Out     int    `json:"out"`
	Bytes   int64  `json:"bytes"`
}

// Info is the JSON document stored in the model info section.
type Info struct {
	Format      string           `json:"format"`
	Version     int              `json:"version"`
	Projections []ProjectionInfo `json:"projections"`
}

// Store is a set of projections loaded from one file.
type Store struct {
	Path        string
	Info        Info
	Projections []*bucket.ExpertWeights
}

// Projection returns the projection called name.
func (s *Store) Projection(name string) (*bucket.ExpertWeights, error) {
	for _, w := range s.Projections {
		if w.Name == name {
			return w, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (s *Store) Bytes() int64 {
	var n int64
	for _, w := range s.Projections {
		n += w.Bytes()
	}
	return n
}

type tensorPart struct {
	suffix string
	dtype  mcf.TensorDType
	shape  func(w *bucket.ExpertWeights) []uint64
	bytes  func(w *bucket.ExpertWeights) []byte
}

var tensorParts = []tensorPart{
	{
		suffix: "buckets",
		dtype:  mcf.DTypeF16,
		shape: func(w *bucket.ExpertWeights) []uint64 {
			return []uint64{uint64(w.NumExperts * w.ExpertSize()), bucket.BucketSize}
		},
		bytes: func(w *bucket.ExpertWeights) []byte { return u16Bytes(w.Buckets.Bits()) },
	},
	{
		suffix: "stats",
		dtype:  mcf.DTypeF16,
		shape:  func(w *bucket.ExpertWeights) []uint64 { return []uint64{uint64(w.NumExperts * w.ExpertSize())} },
		bytes:  func(w *bucket.ExpertWeights) []byte { return u16Bytes(w.Stats.Bits()) },
	},
	{
		suffix: "probes",
		dtype:  mcf.DTypeF16,
		shape:  func(w *bucket.ExpertWeights) []uint64 { return []uint64{uint64(w.NumExperts), bucket.ProbesCount} },
		bytes:  func(w *bucket.ExpertWeights) []byte { return u16Bytes(w.Probes.Bits()) },
	},
	{
		suffix: "probe_cols",
		dtype:  mcf.DTypeI32,
		shape:  func(w *bucket.ExpertWeights) []uint64 { return []uint64{uint64(w.NumExperts), bucket.ProbesCount} },
		bytes:  func(w *bucket.ExpertWeights) []byte { return i32Bytes(w.ProbeCols.Ints()) },
	},
}

func tensorName(proj, suffix string) string { return proj + "." + suffix }

// Save writes projections to path, replacing any existing file.
func Save(path string, projections ...*bucket.ExpertWeights) error {
	if len(projections) == 0 {
		return errors.New("store: nothing to save")
	}
	info := Info{Format: Format, Version: Version}
	for i, w := range projections {
		w.Validate()
		if w.Name == "" {
			return fmt.Errorf("store: projection %d has no name", i)
		}
		if slices.ContainsFunc(info.Projections, func(p ProjectionInfo) bool { return p.Name == w.Name }) {
			return fmt.Errorf("store: duplicate projection %q", w.Name)
		}
		info.Projections = append(info.Projections, ProjectionInfo{
			Name: w.Name, Experts: w.NumExperts, In: w.InSize, Out: w.OutSize, Bytes: w.Bytes(),
		})
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("store: encode info: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	mw, err := mcf.NewWriter(f)
	if err != nil {
		return err
	}
	mw.AddFlags(mcf.FlagTensorDataAligned64)
	if err := mw.WriteSection(mcf.SectionModelInfo, Version, meta); err != nil {
		return err
	}

	sw, err := mw.BeginSection(mcf.SectionTensorData, 1)
	if err != nil {
		return err
	}
	var records []mcf.TensorIndexRecord
	for _, w := range projections {
		for _, part := range tensorParts {
			if err := sw.Align(dataAlign); err != nil {
				return err
			}
			off, err := sw.Offset()
			if err != nil {
				return err
			}
			raw := part.bytes(w)
			if _, err := sw.Write(raw); err != nil {
				return fmt.Errorf("store: write %s: %w", tensorName(w.Name, part.suffix), err)
			}
			records = append(records, mcf.TensorIndexRecord{
				Name:     tensorName(w.Name, part.suffix),
				DType:    part.dtype,
				Shape:    part.shape(w),
				DataOff:  off,
				DataSize: uint64(len(raw)),
			})
		}
	}
	if err := sw.End(); err != nil {
		return err
	}

	index, err := mcf.EncodeTensorIndexSection(records)
	if err != nil {
		return err
	}
	if err := mw.WriteSection(mcf.SectionTensorIndex, mcf.TensorIndexVersion, index); err != nil {
		return err
	}
	if err := mw.Finalise(); err != nil {
		return err
	}
	return f.Close()
}

// Open maps path, validates it and copies every projection into device buffers.
// The file is released before Open returns.
func Open(path string) (*Store, error) {
	mf, err := mcf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer func() { _ = mf.Close() }()

	s := &Store{Path: path}
	meta := mf.SectionData(mf.Section(mcf.SectionModelInfo))
	if meta == nil {
		return nil, fmt.Errorf("%w: missing model info", ErrFormat)
	}
	if err := json.Unmarshal(meta, &s.Info); err != nil {
		return nil, fmt.Errorf("%w: model info: %v", ErrFormat, err)
	}
	if s.Info.Format != Format {
		return nil, fmt.Errorf("%w: format %q", ErrFormat, s.Info.Format)
	}
	if s.Info.Version != Version {
		return nil, fmt.Errorf("%w: version %d", ErrFormat, s.Info.Version)
	}

	index, err := mcf.ParseTensorIndexSection(mf.SectionData(mf.Section(mcf.SectionTensorIndex)))
	if err != nil {
		return nil, fmt.Errorf("store: tensor index: %w", err)
	}
	for _, p := range s.Info.Projections {
		w, err := loadProjection(mf, index, p)
		if err != nil {
			return nil, err
		}
		s.Projections = append(s.Projections, w)
	}
	return s, nil
}

func loadProjection(mf *mcf.File, index *mcf.TensorIndex, p ProjectionInfo) (*bucket.ExpertWeights, error) {
	w := &bucket.ExpertWeights{Name: p.Name, NumExperts: p.Experts, InSize: p.In, OutSize: p.Out}
	if p.Experts <= 0 || p.In <= 0 || p.Out <= 0 || p.Out%bucket.OutputAlign != 0 {
		return nil, fmt.Errorf("%w: projection %q has shape %dx%dx%d", ErrFormat, p.Name, p.Experts, p.Out, p.In)
	}
	for _, part := range tensorParts {
		name := tensorName(p.Name, part.suffix)
		rec, raw, err := index.Lookup(mf, name)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		if rec.DType != part.dtype || !slices.Equal(rec.Shape, part.shape(w)) {
			return nil, fmt.Errorf("%w: tensor %s is %s%v", ErrFormat, name, rec.DType, rec.Shape)
		}
		if rec.Elements()*uint64(part.dtype.Size()) != uint64(len(raw)) {
			return nil, fmt.Errorf("%w: tensor %s has %d bytes", ErrFormat, name, len(raw))
		}
		switch part.suffix {
		case "buckets":
			w.Buckets = gpu.F16FromBits(bytesU16(raw))
		case "stats":
			w.Stats = gpu.F16FromBits(bytesU16(raw))
		case "probes":
			w.Probes = gpu.F16FromBits(bytesU16(raw))
		case "probe_cols":
			w.ProbeCols = gpu.I32From(bytesI32(raw))
		}
	}
	w.Validate()
	return w, nil
}

func u16Bytes(v []uint16) []byte {
	out := make([]byte, 0, 2*len(v))
	for _, x := range v {
		out = binary.LittleEndian.AppendUint16(out, x)
	}
	return out
}

func i32Bytes(v []int32) []byte {
	out := make([]byte, 0, 4*len(v))
	for _, x := range v {
		out = binary.LittleEndian.AppendUint32(out, uint32(x))
	}
	return out
}

func bytesU16(raw []byte) []uint16 {
	out := make([]uint16, len(raw)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return out
}

func bytesI32(raw []byte) []int32 {
	out := make([]int32, len(raw)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out
}
