package bucket

import (
	"fmt"

	"github.com/samcharles93/sparsemoe/internal/gpu"
)

// DispatchList is the device-side work list filled by the dispatch builder.
// Lanes reserve slots by atomically incrementing Size, so entry order is
// arbitrary. Appends past capacity are dropped and counted in Dropped.
type DispatchList struct {
	Entries *gpu.EntryBuffer
	Size    *gpu.Counter
	Dropped *gpu.Counter
}

func NewDispatchList(capacity int) *DispatchList {
	if capacity <= 0 {
		panic(fmt.Sprintf("dispatch capacity %d must be positive", capacity))
	}
	return &DispatchList{
		Entries: gpu.NewEntries(capacity),
		Size:    gpu.NewCounter(),
		Dropped: gpu.NewCounter(),
	}
}

func (d *DispatchList) Cap() int { return d.Entries.Len() }

// Append reserves the next slot for e. It reports false when the list is full.
func (d *DispatchList) Append(e gpu.Entry) bool {
	slot := d.Size.Add(1)
	if int(slot) >= d.Cap() {
		d.Dropped.Add(1)
		return false
	}
	d.Entries.Set(int(slot), e)
	return true
}

// Len is the number of valid entries, clamped to [0, Cap].
func (d *DispatchList) Len() int {
	return clampLen(d.Size.Load(), d.Cap())
}

// Reset empties the list. Host-side; the engine resets through a kernel so the
// reset is ordered with pending launches.
func (d *DispatchList) Reset() {
	d.Size.Zero()
}

func clampLen(n int32, capacity int) int {
	switch {
	case n < 0:
		return 0
	case int(n) > capacity:
		return capacity
	}
	return int(n)
}

// CapacityFor returns the dispatch capacity required to multiply by any of ws:
// twice the largest expert size.
func CapacityFor(ws ...*ExpertWeights) int {
	var largest int
	for _, w := range ws {
		largest = max(largest, w.ExpertSize())
	}
	return 2 * largest
}
