package gpu

import "fmt"

// Grid is the launch shape. Threads = X*Y*Z. When GroupX is non-zero the kernel
// runs as X/GroupX cooperative groups of GroupX lanes (Y and Z must be 1).
type Grid struct {
	X, Y, Z int
	GroupX  int
}

// Lanes is a one-dimensional grid of n threads.
func Lanes(n int) Grid { return Grid{X: n, Y: 1, Z: 1} }

// Grid2 is a two-dimensional grid of x*y threads.
func Grid2(x, y int) Grid { return Grid{X: x, Y: y, Z: 1} }

// Groups is a grid of n groups with lanes threads each.
func Groups(n, lanes int) Grid { return Grid{X: n * lanes, Y: 1, Z: 1, GroupX: lanes} }

func (g Grid) normalized() Grid {
	if g.Y == 0 {
		g.Y = 1
	}
	if g.Z == 0 {
		g.Z = 1
	}
	return g
}

func (g Grid) Threads() int {
	g = g.normalized()
	return g.X * g.Y * g.Z
}

func (g Grid) validate() error {
	g = g.normalized()
	if g.X < 0 || g.Y < 0 || g.Z < 0 {
		return fmt.Errorf("negative grid %dx%dx%d", g.X, g.Y, g.Z)
	}
	if g.GroupX < 0 {
		return fmt.Errorf("negative group size %d", g.GroupX)
	}
	if g.GroupX > 0 {
		if g.Y != 1 || g.Z != 1 {
			return fmt.Errorf("grouped launch must be one-dimensional, got %dx%dx%d", g.X, g.Y, g.Z)
		}
		if g.X%g.GroupX != 0 {
			return fmt.Errorf("grid %d not a multiple of group size %d", g.X, g.GroupX)
		}
	}
	return nil
}

// Thread is the position of one lane within its grid.
type Thread struct {
	X, Y, Z int
}

func (g Grid) thread(i int) Thread {
	return Thread{X: i % g.X, Y: (i / g.X) % g.Y, Z: i / (g.X * g.Y)}
}
