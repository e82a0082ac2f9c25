package bucket

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samcharles93/sparsemoe/internal/gpu"
	"github.com/samcharles93/sparsemoe/internal/logger"
	"github.com/samcharles93/sparsemoe/internal/metrics"
)

type Options struct {
	// Capacity of the dispatch list. It must be at least CapacityFor the
	// projections the engine multiplies by.
	Capacity int
	Log      logger.Logger
}

// Engine owns the scratch of the bucketed multiply: the dispatch list, the
// cutoff scalar and the probe scratch. At most one call may be in flight per
// engine; callers that share an engine must serialize Mul and Eval.
// Projections are read-only and can be shared across engines.
type Engine struct {
	backend  gpu.Backend
	log      logger.Logger
	dispatch *DispatchList
	cutoff   *gpu.F32Buffer
	scratch  *gpu.F32Buffer

	// built is set by BuildDispatch and cleared by Eval.
	built bool
}

func NewEngine(backend gpu.Backend, opts Options) *Engine {
	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}
	return &Engine{
		backend:  backend,
		log:      log.With("component", "bucket"),
		dispatch: NewDispatchList(opts.Capacity),
		cutoff:   gpu.NewF32(1),
		scratch:  gpu.NewF32(ProbesCount),
	}
}

func (m *Engine) Backend() gpu.Backend { return m.backend }

func (m *Engine) Dispatch() *DispatchList { return m.dispatch }

// FindCutoff computes the cutoff for v against expert expNo of w into the
// engine's cutoff scalar.
func (m *Engine) FindCutoff(v *gpu.F32Buffer, w *ExpertWeights, expNo *gpu.I32Buffer, quant float32) {
	w.Validate()
	checkLen("input", v.Len(), w.InSize)
	m.backend.Deploy(kernelFindCutoff, gpu.Args{
		Bufs: []gpu.Buffer{v, w.Probes, w.ProbeCols, expNo, m.scratch, m.cutoff},
		Ints: []int{CutoffRank(quant), w.NumExperts},
	}, gpu.Groups(1, CutoffLanes))
}

// BuildDispatch resets the dispatch list and fills it with every bucket row
// whose estimate |v[c]|*stats exceeds the current cutoff.
func (m *Engine) BuildDispatch(v *gpu.F32Buffer, w *ExpertWeights, expNo *gpu.I32Buffer) {
	w.Validate()
	checkLen("input", v.Len(), w.InSize)
	if m.dispatch.Cap() < 2*w.ExpertSize() {
		panic(fmt.Sprintf("dispatch capacity %d below %d required by %q", m.dispatch.Cap(), 2*w.ExpertSize(), w.Name))
	}
	d := m.dispatch
	m.built = true
	m.backend.Deploy(kernelResetDispatch, gpu.Args{Bufs: []gpu.Buffer{d.Size}}, gpu.Lanes(1))
	m.backend.Deploy(kernelPrepare, gpu.Args{
		Bufs: []gpu.Buffer{v, w.Stats, expNo, m.cutoff, d.Entries, d.Size, d.Dropped},
		Ints: []int{w.ExpertSize(), w.NumBuckets(), w.NumExperts},
	}, gpu.Lanes((w.ExpertSize()+ChunkSize-1)/ChunkSize))
	m.backend.Deploy(kernelFinishDispatch, gpu.Args{Bufs: []gpu.Buffer{d.Size, d.Entries}}, gpu.Lanes(1))
}

// Accumulate adds the contribution of every dispatched bucket into out.
// out is never cleared.
func (m *Engine) Accumulate(w *ExpertWeights, out *gpu.F32Buffer) {
	checkLen("output", out.Len(), w.OutSize)
	if out.Len()%OutputAlign != 0 {
		panic(fmt.Sprintf("output length %d is not a multiple of %d", out.Len(), OutputAlign))
	}
	d := m.dispatch
	m.backend.Deploy(kernelBucketMul, gpu.Args{
		Bufs: []gpu.Buffer{w.Buckets, d.Entries, d.Size, out},
		Ints: []int{w.NumBuckets()},
	}, gpu.Grid2(BucketSize, MulGroups))
}

// Mul accumulates an approximation of W_expNo * v into out. quant 1 keeps
// every non-zero bucket; smaller values prune more. Nothing blocks until Eval.
func (m *Engine) Mul(v *gpu.F32Buffer, w *ExpertWeights, expNo *gpu.I32Buffer, out *gpu.F32Buffer, quant float32) {
	m.FindCutoff(v, w, expNo, quant)
	m.BuildDispatch(v, w, expNo)
	m.Accumulate(w, out)
}

// MulDense accumulates the exact product W_expNo * v into out.
func (m *Engine) MulDense(v *gpu.F32Buffer, w *ExpertWeights, expNo *gpu.I32Buffer, out *gpu.F32Buffer) {
	w.Validate()
	checkLen("input", v.Len(), w.InSize)
	checkLen("output", out.Len(), w.OutSize)
	m.backend.Deploy(kernelDenseMul, gpu.Args{
		Bufs: []gpu.Buffer{v, w.Buckets, expNo, out},
		Ints: []int{w.InSize, w.NumBuckets(), w.NumExperts},
	}, gpu.Lanes(w.OutSize))
}

// Eval waits for every pending launch and reports dispatch overflow. The
// dispatch length is recorded only when a dispatch list was built since the
// previous Eval.
func (m *Engine) Eval(ctx context.Context) error {
	built := m.built
	m.built = false
	if err := m.backend.Eval(ctx); err != nil {
		return fmt.Errorf("bucket eval: %w", err)
	}
	n := m.dispatch.Len()
	if built {
		metrics.ObserveDispatch(n)
	}
	if dropped := int(m.dispatch.Dropped.Load()); dropped > 0 {
		m.dispatch.Dropped.Zero()
		metrics.DispatchOverflow(dropped)
		m.log.Warn("dispatch list overflow", "dropped", dropped, "capacity", m.dispatch.Cap())
	}
	if m.log.Enabled(slog.LevelDebug) {
		m.log.Debug("eval", "cutoff", m.LastCutoff(), "dispatch", n)
	}
	return nil
}

// LastCutoff is the cutoff of the most recent FindCutoff. Read it after Eval.
func (m *Engine) LastCutoff() float32 { return m.cutoff.At(0) }

// LastDispatchLen is the length of the most recent dispatch list. Read it after Eval.
func (m *Engine) LastDispatchLen() int { return m.dispatch.Len() }

func checkLen(what string, got, want int) {
	if got != want {
		panic(fmt.Sprintf("%s length %d, want %d", what, got, want))
	}
}
