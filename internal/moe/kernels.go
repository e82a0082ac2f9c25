package moe

import "github.com/samcharles93/sparsemoe/internal/gpu"

const (
	kernelRouterLogits = "routerLogits"
	kernelRouteTop2    = "routeTop2"
	kernelZero         = "zero"
	kernelSilu         = "silu"
	kernelScale        = "scale"
	kernelAdd          = "add"
)

func init() {
	Register(gpu.DefaultLibrary)
}

// Register adds the orchestration kernels to lib.
func Register(lib *gpu.Library) {
	lib.Register(kernelRouterLogits, routerLogits)
	lib.Register(kernelRouteTop2, routeTop2)
	lib.Register(kernelZero, zero)
	lib.Register(kernelSilu, siluMul)
	lib.Register(kernelScale, scale)
	lib.Register(kernelAdd, add)
}

// routerLogits: bufs [x, weights, logits], ints [dim]. One lane per expert.
func routerLogits(t gpu.Thread, a *gpu.Args) {
	x := a.F32(0)
	w := a.F32(1).Floats()
	dim := a.Int(0)
	row := w[t.X*dim : (t.X+1)*dim]
	var sum float32
	for i, wv := range row {
		sum += wv * x.At(i)
	}
	a.F32(2).Set(t.X, sum)
}

// routeTop2: bufs [logits, idx0, idx1, gates]. Single lane.
func routeTop2(_ gpu.Thread, a *gpu.Args) {
	var idx [2]int
	var w [2]float32
	SelectTopK(a.F32(0).Floats(), 2, idx[:], w[:])
	a.I32(1).Set(0, int32(idx[0]))
	a.I32(2).Set(0, int32(idx[1]))
	gates := a.F32(3)
	gates.Set(0, w[0])
	gates.Set(1, w[1])
}

// zero: bufs [x].
func zero(t gpu.Thread, a *gpu.Args) {
	a.F32(0).Set(t.X, 0)
}

// siluMul: bufs [gate, up, out]; out = silu(gate) * up.
func siluMul(t gpu.Thread, a *gpu.Args) {
	i := t.X
	a.F32(2).Set(i, silu(a.F32(0).At(i))*a.F32(1).At(i))
}

// scale: bufs [x, factors], ints [slot]; x *= factors[slot].
func scale(t gpu.Thread, a *gpu.Args) {
	x := a.F32(0)
	x.Set(t.X, x.At(t.X)*a.F32(1).At(a.Int(0)))
}

// add: bufs [dst, src]; dst += src.
func add(t gpu.Thread, a *gpu.Args) {
	dst := a.F32(0)
	dst.Set(t.X, dst.At(t.X)+a.F32(1).At(t.X))
}
