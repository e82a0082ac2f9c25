package gpu

import (
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/x448/float16"
)

// Buffer is a device-resident allocation bound to a kernel argument slot.
type Buffer interface {
	Len() int
	Bytes() int64
}

// F16Buffer stores reduced-precision values (weights, stats, probes).
type F16Buffer struct {
	data []float16.Float16
}

func NewF16(n int) *F16Buffer {
	return &F16Buffer{data: make([]float16.Float16, n)}
}

// F16FromFloat32 rounds src to fp16 (nearest-even).
func F16FromFloat32(src []float32) *F16Buffer {
	b := NewF16(len(src))
	for i, v := range src {
		b.data[i] = float16.Fromfloat32(v)
	}
	return b
}

// F16FromBits wraps raw fp16 bit patterns without copying.
func F16FromBits(bits []uint16) *F16Buffer {
	if len(bits) == 0 {
		return &F16Buffer{}
	}
	return &F16Buffer{data: unsafe.Slice((*float16.Float16)(unsafe.Pointer(&bits[0])), len(bits))}
}

func (b *F16Buffer) Len() int     { return len(b.data) }
func (b *F16Buffer) Bytes() int64 { return int64(len(b.data)) * 2 }

func (b *F16Buffer) At(i int) float32 { return b.data[i].Float32() }

func (b *F16Buffer) Set(i int, v float32) { b.data[i] = float16.Fromfloat32(v) }

// Bits returns a zero-copy view of the fp16 bit patterns.
func (b *F16Buffer) Bits() []uint16 {
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&b.data[0])), len(b.data))
}

// F32Buffer stores activations and accumulators.
type F32Buffer struct {
	data []float32
}

func NewF32(n int) *F32Buffer {
	return &F32Buffer{data: make([]float32, n)}
}

// F32From copies src into a new buffer.
func F32From(src []float32) *F32Buffer {
	b := NewF32(len(src))
	copy(b.data, src)
	return b
}

func (b *F32Buffer) Len() int     { return len(b.data) }
func (b *F32Buffer) Bytes() int64 { return int64(len(b.data)) * 4 }

func (b *F32Buffer) At(i int) float32     { return b.data[i] }
func (b *F32Buffer) Set(i int, v float32) { b.data[i] = v }

// Floats exposes the backing storage. Only read it after Eval.
func (b *F32Buffer) Floats() []float32 { return b.data }

// CopyFrom overwrites the buffer with src. Host-side; call between Evals.
func (b *F32Buffer) CopyFrom(src []float32) {
	copy(b.data, src)
}

func (b *F32Buffer) Zero() {
	clear(b.data)
}

// AtomicAdd adds delta to element i with a compare-and-swap loop.
func (b *F32Buffer) AtomicAdd(i int, delta float32) {
	p := (*uint32)(unsafe.Pointer(&b.data[i]))
	for {
		old := atomic.LoadUint32(p)
		next := math.Float32bits(math.Float32frombits(old) + delta)
		if atomic.CompareAndSwapUint32(p, old, next) {
			return
		}
	}
}

// I32Buffer stores indices (probe columns, selected expert numbers).
type I32Buffer struct {
	data []int32
}

func NewI32(n int) *I32Buffer {
	return &I32Buffer{data: make([]int32, n)}
}

func I32From(src []int32) *I32Buffer {
	b := NewI32(len(src))
	copy(b.data, src)
	return b
}

// Scalar returns a one-element buffer holding v.
func Scalar(v int) *I32Buffer {
	return I32From([]int32{int32(v)})
}

func (b *I32Buffer) Len() int     { return len(b.data) }
func (b *I32Buffer) Bytes() int64 { return int64(len(b.data)) * 4 }

func (b *I32Buffer) At(i int) int32     { return b.data[i] }
func (b *I32Buffer) Set(i int, v int32) { b.data[i] = v }
func (b *I32Buffer) Ints() []int32      { return b.data }

// Counter is a device-resident atomic integer.
type Counter struct {
	v atomic.Int32
}

func NewCounter() *Counter { return &Counter{} }

func (c *Counter) Len() int     { return 1 }
func (c *Counter) Bytes() int64 { return 4 }

// Add increments the counter and returns the previous value.
func (c *Counter) Add(n int32) int32 { return c.v.Add(n) - n }

func (c *Counter) Load() int32   { return c.v.Load() }
func (c *Counter) Store(n int32) { c.v.Store(n) }
func (c *Counter) Zero()         { c.v.Store(0) }

// Entry is one element of a device-side work list.
type Entry struct {
	ID  int32
	Val float32
}

// EntryBuffer is fixed-capacity storage for Entries.
type EntryBuffer struct {
	data []Entry
}

func NewEntries(capacity int) *EntryBuffer {
	return &EntryBuffer{data: make([]Entry, capacity)}
}

func (b *EntryBuffer) Len() int     { return len(b.data) }
func (b *EntryBuffer) Bytes() int64 { return int64(len(b.data)) * int64(unsafe.Sizeof(Entry{})) }

func (b *EntryBuffer) At(i int) Entry     { return b.data[i] }
func (b *EntryBuffer) Set(i int, e Entry) { b.data[i] = e }
