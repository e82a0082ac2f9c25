package bucket

import (
	"fmt"

	"github.com/samcharles93/sparsemoe/internal/gpu"
)

const (
	kernelFindCutoff     = "findCutoff"
	kernelResetDispatch  = "resetDispatch"
	kernelPrepare        = "prepareExpertDispatch"
	kernelFinishDispatch = "finishDispatch"
	kernelBucketMul      = "bucketMul"
	kernelDenseMul       = "denseMul"
)

func init() {
	Register(gpu.DefaultLibrary)
}

// Register adds the bucketed multiply kernels to lib.
func Register(lib *gpu.Library) {
	lib.RegisterGroup(kernelFindCutoff, findCutoff)
	lib.Register(kernelResetDispatch, resetDispatch)
	lib.Register(kernelPrepare, prepareExpertDispatch)
	lib.Register(kernelFinishDispatch, finishDispatch)
	lib.Register(kernelBucketMul, bucketMul)
	lib.Register(kernelDenseMul, denseMul)
}

func expertIndex(a *gpu.Args, slot, numExperts int) int {
	e := int(a.I32(slot).At(0))
	if e < 0 || e >= numExperts {
		panic(fmt.Sprintf("expert %d out of range [0,%d)", e, numExperts))
	}
	return e
}

// findCutoff: bufs [v, probes, probeCols, expNo, scratch, cutoff], ints [rank, numExperts].
// One group of CutoffLanes lanes; each lane scores ProbesCount/CutoffLanes probes,
// then the group selects the order statistic at rank.
func findCutoff(g *gpu.Group, a *gpu.Args) {
	v := a.F32(0)
	probes := a.F16(1)
	cols := a.I32(2)
	e := expertIndex(a, 3, a.Int(1))
	scratch := a.F32(4)
	rank := a.Int(0)

	perLane := ProbesCount / g.Lanes
	base := e * ProbesCount
	g.Parallel(func(lane int) {
		for k := range perLane {
			j := lane*perLane + k
			scratch.Set(j, abs32(v.At(int(cols.At(base+j))))*probes.At(base+j))
		}
	})
	a.F32(5).Set(0, selectRank(scratch.Floats()[:ProbesCount], rank))
}

// resetDispatch: bufs [size].
func resetDispatch(_ gpu.Thread, a *gpu.Args) {
	a.Counter(0).Zero()
}

// prepareExpertDispatch: bufs [v, stats, expNo, cutoff, entries, size, dropped],
// ints [expertSize, numBuckets, numExperts]. Lane t scans stats [t*ChunkSize, (t+1)*ChunkSize)
// clipped to expertSize.
func prepareExpertDispatch(t gpu.Thread, a *gpu.Args) {
	v := a.F32(0)
	stats := a.F16(1)
	expertSize := a.Int(0)
	numBuckets := a.Int(1)
	e := expertIndex(a, 2, a.Int(2))
	cutoff := a.F32(3).At(0)
	list := DispatchList{Entries: a.Entries(4), Size: a.Counter(5), Dropped: a.Counter(6)}

	offset := e * expertSize
	end := min((t.X+1)*ChunkSize, expertSize)
	for i := t.X * ChunkSize; i < end; i++ {
		val := v.At(i / numBuckets)
		if abs32(val)*stats.At(offset+i) > cutoff {
			list.Append(gpu.Entry{ID: int32(offset + i), Val: val})
		}
	}
}

// finishDispatch: bufs [size, entries]. Clamps the counter to capacity.
func finishDispatch(_ gpu.Thread, a *gpu.Args) {
	size := a.Counter(0)
	capacity := int32(a.Entries(1).Len())
	if size.Load() > capacity {
		size.Store(capacity)
	}
}

// bucketMul: bufs [buckets, entries, size, out], ints [numBuckets].
// Grid [BucketSize, MulGroups]: lane (x, g) walks entries g, g+MulGroups, ...
func bucketMul(t gpu.Thread, a *gpu.Args) {
	buckets := a.F16(0)
	entries := a.Entries(1)
	n := clampLen(a.Counter(2).Load(), entries.Len())
	out := a.F32(3)
	numBuckets := int32(a.Int(0))

	x := t.X
	for i := t.Y; i < n; i += MulGroups {
		en := entries.At(i)
		w := buckets.At(int(en.ID)*BucketSize + x)
		out.AtomicAdd(int(en.ID%numBuckets)*BucketSize+x, en.Val*w)
	}
}

// denseMul: bufs [v, buckets, expNo, out], ints [inSize, numBuckets, numExperts].
// One lane per output row; adds the exact product into out.
func denseMul(t gpu.Thread, a *gpu.Args) {
	v := a.F32(0)
	buckets := a.F16(1)
	inSize := a.Int(0)
	numBuckets := a.Int(1)
	e := expertIndex(a, 2, a.Int(2))
	out := a.F32(3)

	r := t.X
	b, k := r/BucketSize, r%BucketSize
	base := e * inSize * numBuckets
	var sum float32
	for c := range inSize {
		sum += v.At(c) * buckets.At((base+c*numBuckets+b)*BucketSize+k)
	}
	out.AtomicAdd(r, sum)
}
