// Package moe runs the per-token mixture-of-experts feed-forward block on top of
// the bucketed multiply: route to the top two experts, then gate, up, SiLU and
// down projections for each, scaled by the routing weight and added to the
// residual stream.
package moe

import (
	"context"
	"fmt"

	"github.com/samcharles93/sparsemoe/internal/bucket"
	"github.com/samcharles93/sparsemoe/internal/gpu"
)

// TopK is the number of experts evaluated per token.
const TopK = 2

// Router is the dense gate matrix [NumExperts, Dim], row-major.
type Router struct {
	Weights    *gpu.F32Buffer
	NumExperts int
	Dim        int
}

func NewRouter(numExperts, dim int, weights []float32) (*Router, error) {
	if len(weights) != numExperts*dim {
		return nil, fmt.Errorf("router has %d weights, want %dx%d", len(weights), numExperts, dim)
	}
	if numExperts < TopK {
		return nil, fmt.Errorf("router needs at least %d experts, got %d", TopK, numExperts)
	}
	return &Router{Weights: gpu.F32From(weights), NumExperts: numExperts, Dim: dim}, nil
}

// Layer is one MoE feed-forward layer. W1 is the gate projection, W3 the up
// projection and W2 the down projection.
type Layer struct {
	Router *Router
	W1     *bucket.ExpertWeights
	W3     *bucket.ExpertWeights
	W2     *bucket.ExpertWeights
}

func (l *Layer) Dim() int    { return l.W1.InSize }
func (l *Layer) Hidden() int { return l.W1.OutSize }

// Validate panics unless the projections chain dim -> hidden -> dim.
func (l *Layer) Validate() {
	if l.Router == nil || l.W1 == nil || l.W2 == nil || l.W3 == nil {
		panic("moe layer missing router or projections")
	}
	dim, hidden := l.W1.InSize, l.W1.OutSize
	switch {
	case l.W3.InSize != dim || l.W3.OutSize != hidden:
		panic(fmt.Sprintf("up projection %dx%d, want %dx%d", l.W3.OutSize, l.W3.InSize, hidden, dim))
	case l.W2.InSize != hidden || l.W2.OutSize != dim:
		panic(fmt.Sprintf("down projection %dx%d, want %dx%d", l.W2.OutSize, l.W2.InSize, dim, hidden))
	case l.Router.Dim != dim:
		panic(fmt.Sprintf("router dim %d, want %d", l.Router.Dim, dim))
	case l.Router.NumExperts != l.W1.NumExperts || l.W1.NumExperts != l.W2.NumExperts || l.W1.NumExperts != l.W3.NumExperts:
		panic("expert counts differ between router and projections")
	}
}

type BlockOptions struct {
	// Quant is the bucketed multiply keep fraction (1 keeps every bucket).
	Quant float32
	// Dense routes every projection through the exact reference multiply.
	Dense bool
}

// Block holds the reusable device vectors for one layer shape. Like the engine
// it serves one token at a time.
type Block struct {
	engine *bucket.Engine
	opts   BlockOptions
	dim    int
	hidden int

	logits *gpu.F32Buffer
	gates  *gpu.F32Buffer
	idx    [TopK]*gpu.I32Buffer
	x1     *gpu.F32Buffer
	x2     *gpu.F32Buffer
	x3     *gpu.F32Buffer
	out    [TopK]*gpu.F32Buffer
}

func NewBlock(engine *bucket.Engine, numExperts, dim, hidden int, opts BlockOptions) *Block {
	b := &Block{
		engine: engine,
		opts:   opts,
		dim:    dim,
		hidden: hidden,
		logits: gpu.NewF32(numExperts),
		gates:  gpu.NewF32(TopK),
		x1:     gpu.NewF32(hidden),
		x2:     gpu.NewF32(hidden),
		x3:     gpu.NewF32(hidden),
	}
	for i := range TopK {
		b.idx[i] = gpu.NewI32(1)
		b.out[i] = gpu.NewF32(dim)
	}
	return b
}

// Enqueue deploys the block for input x, adding the expert mixture into h.
// It does not wait; call Eval (or use Forward) before reading h.
func (b *Block) Enqueue(layer *Layer, x, h *gpu.F32Buffer) {
	layer.Validate()
	if layer.Dim() != b.dim || layer.Hidden() != b.hidden || layer.Router.NumExperts != b.logits.Len() {
		panic(fmt.Sprintf("layer %dx%d does not match block %dx%d", layer.Hidden(), layer.Dim(), b.hidden, b.dim))
	}
	if x.Len() != b.dim || h.Len() != b.dim {
		panic(fmt.Sprintf("input %d / residual %d, want %d", x.Len(), h.Len(), b.dim))
	}
	backend := b.engine.Backend()

	backend.Deploy(kernelRouterLogits, gpu.Args{
		Bufs: []gpu.Buffer{x, layer.Router.Weights, b.logits},
		Ints: []int{b.dim},
	}, gpu.Lanes(layer.Router.NumExperts))
	backend.Deploy(kernelRouteTop2, gpu.Args{
		Bufs: []gpu.Buffer{b.logits, b.idx[0], b.idx[1], b.gates},
	}, gpu.Lanes(1))

	for i := range TopK {
		b.zero(b.x1)
		b.zero(b.x3)
		b.zero(b.out[i])
		b.mul(x, layer.W1, b.idx[i], b.x1)
		b.mul(x, layer.W3, b.idx[i], b.x3)
		backend.Deploy(kernelSilu, gpu.Args{Bufs: []gpu.Buffer{b.x1, b.x3, b.x2}}, gpu.Lanes(b.hidden))
		b.mul(b.x2, layer.W2, b.idx[i], b.out[i])
		backend.Deploy(kernelScale, gpu.Args{Bufs: []gpu.Buffer{b.out[i], b.gates}, Ints: []int{i}}, gpu.Lanes(b.dim))
		backend.Deploy(kernelAdd, gpu.Args{Bufs: []gpu.Buffer{h, b.out[i]}}, gpu.Lanes(b.dim))
	}
}

// Forward runs the block and waits for it.
func (b *Block) Forward(ctx context.Context, layer *Layer, x, h *gpu.F32Buffer) error {
	b.Enqueue(layer, x, h)
	return b.engine.Eval(ctx)
}

// Routing returns the experts chosen by the last completed Forward and their weights.
func (b *Block) Routing() ([TopK]int, [TopK]float32) {
	var idx [TopK]int
	var w [TopK]float32
	for i := range TopK {
		idx[i] = int(b.idx[i].At(0))
		w[i] = b.gates.At(i)
	}
	return idx, w
}

func (b *Block) zero(v *gpu.F32Buffer) {
	b.engine.Backend().Deploy(kernelZero, gpu.Args{Bufs: []gpu.Buffer{v}}, gpu.Lanes(v.Len()))
}

func (b *Block) mul(v *gpu.F32Buffer, w *bucket.ExpertWeights, expNo *gpu.I32Buffer, out *gpu.F32Buffer) {
	if b.opts.Dense {
		b.engine.MulDense(v, w, expNo, out)
		return
	}
	b.engine.Mul(v, w, expNo, out, b.opts.Quant)
}
