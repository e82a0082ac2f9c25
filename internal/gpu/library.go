package gpu

import (
	"fmt"
	"sync"
)

// Kernel runs once per thread of its grid.
type Kernel func(t Thread, a *Args)

// GroupKernel runs once per group. Lanes inside a group cooperate through
// Group.Parallel, which returns only after every lane has finished (a barrier).
type GroupKernel func(g *Group, a *Args)

// Args are the bound arguments of a launch.
type Args struct {
	Bufs   []Buffer
	Ints   []int
	Floats []float32
}

func (a *Args) buf(i int) Buffer {
	if i < 0 || i >= len(a.Bufs) {
		panic(fmt.Sprintf("buffer argument %d out of range (%d bound)", i, len(a.Bufs)))
	}
	return a.Bufs[i]
}

func (a *Args) F16(i int) *F16Buffer {
	b, ok := a.buf(i).(*F16Buffer)
	if !ok {
		panic(fmt.Sprintf("buffer argument %d is %T, want *F16Buffer", i, a.Bufs[i]))
	}
	return b
}

func (a *Args) F32(i int) *F32Buffer {
	b, ok := a.buf(i).(*F32Buffer)
	if !ok {
		panic(fmt.Sprintf("buffer argument %d is %T, want *F32Buffer", i, a.Bufs[i]))
	}
	return b
}

func (a *Args) I32(i int) *I32Buffer {
	b, ok := a.buf(i).(*I32Buffer)
	if !ok {
		panic(fmt.Sprintf("buffer argument %d is %T, want *I32Buffer", i, a.Bufs[i]))
	}
	return b
}

func (a *Args) Counter(i int) *Counter {
	b, ok := a.buf(i).(*Counter)
	if !ok {
		panic(fmt.Sprintf("buffer argument %d is %T, want *Counter", i, a.Bufs[i]))
	}
	return b
}

func (a *Args) Entries(i int) *EntryBuffer {
	b, ok := a.buf(i).(*EntryBuffer)
	if !ok {
		panic(fmt.Sprintf("buffer argument %d is %T, want *EntryBuffer", i, a.Bufs[i]))
	}
	return b
}

func (a *Args) Int(i int) int {
	if i < 0 || i >= len(a.Ints) {
		panic(fmt.Sprintf("int argument %d out of range (%d bound)", i, len(a.Ints)))
	}
	return a.Ints[i]
}

func (a *Args) Float(i int) float32 {
	if i < 0 || i >= len(a.Floats) {
		panic(fmt.Sprintf("float argument %d out of range (%d bound)", i, len(a.Floats)))
	}
	return a.Floats[i]
}

type entry struct {
	kernel Kernel
	group  GroupKernel
}

// Library is a registry of named kernels, the analogue of a compiled shader library.
type Library struct {
	mu      sync.RWMutex
	kernels map[string]entry
}

func NewLibrary() *Library {
	return &Library{kernels: make(map[string]entry)}
}

// DefaultLibrary collects the kernels registered by the engine packages at init.
var DefaultLibrary = NewLibrary()

func (l *Library) Register(name string, k Kernel) {
	l.add(name, entry{kernel: k})
}

func (l *Library) RegisterGroup(name string, k GroupKernel) {
	l.add(name, entry{group: k})
}

func (l *Library) add(name string, e entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.kernels[name]; ok {
		panic(fmt.Sprintf("kernel %q registered twice", name))
	}
	l.kernels[name] = e
}

func (l *Library) lookup(name string) (entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.kernels[name]
	return e, ok
}

// Has reports whether name is registered.
func (l *Library) Has(name string) bool {
	_, ok := l.lookup(name)
	return ok
}
