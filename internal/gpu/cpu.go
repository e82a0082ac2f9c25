package gpu

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/sparsemoe/internal/logger"
	"github.com/samcharles93/sparsemoe/internal/metrics"
)

// minChunk is the smallest number of threads handed to one worker.
const minChunk = 64

type Options struct {
	// Workers bounds the goroutines running lanes of one launch. Zero means GOMAXPROCS.
	Workers int
	// QueueDepth is the number of launches that may be pending before Deploy blocks.
	QueueDepth int
	Library    *Library
	Log        logger.Logger
}

type launch struct {
	name  string
	entry entry
	args  Args
	grid  Grid
}

type command struct {
	launch *launch
	fence  *fence
}

// fence hands the failure state to one Eval. An abandoned fence leaves the
// failure in place for the next one.
type fence struct {
	mu        sync.Mutex
	abandoned bool
	ch        chan error
}

// deliver reports whether the fence took err.
func (f *fence) deliver(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.abandoned {
		return false
	}
	f.ch <- err
	return true
}

// abandon marks the fence as given up. If the stream already delivered,
// abandon returns that result with delivered set.
func (f *fence) abandon() (delivered bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = true
	select {
	case err = <-f.ch:
		return true, err
	default:
		return false, nil
	}
}

// CPUBackend executes kernels on goroutines. A single stream goroutine drains the
// launch queue in issue order so a launch observes every write of the launches
// before it.
type CPUBackend struct {
	lib     *Library
	workers int
	log     logger.Logger

	queue chan command
	done  chan struct{}

	mu     sync.Mutex
	closed bool

	// owned by the stream goroutine
	err error
}

func NewCPU(opts Options) *CPUBackend {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 256
	}
	lib := opts.Library
	if lib == nil {
		lib = DefaultLibrary
	}
	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}
	b := &CPUBackend{
		lib:     lib,
		workers: workers,
		log:     log.With("backend", CPU),
		queue:   make(chan command, depth),
		done:    make(chan struct{}),
	}
	go b.stream()
	return b
}

func (b *CPUBackend) Name() string { return CPU }

func (b *CPUBackend) Workers() int { return b.workers }

// Deploy enqueues a launch. Unknown kernels and malformed grids panic.
func (b *CPUBackend) Deploy(kernel string, args Args, grid Grid) {
	e, ok := b.lib.lookup(kernel)
	if !ok {
		panic(fmt.Sprintf("unknown kernel %q", kernel))
	}
	if err := grid.validate(); err != nil {
		panic(fmt.Sprintf("kernel %q: %v", kernel, err))
	}
	grid = grid.normalized()
	if e.group != nil && grid.GroupX == 0 {
		panic(fmt.Sprintf("kernel %q is a group kernel, launched without a group size", kernel))
	}
	if e.kernel != nil && grid.GroupX != 0 {
		panic(fmt.Sprintf("kernel %q is a thread kernel, launched with group size %d", kernel, grid.GroupX))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic(ErrClosed)
	}
	b.queue <- command{launch: &launch{name: kernel, entry: e, args: args, grid: grid}}
}

// Eval waits for every launch deployed before it. The returned error is the
// first execution failure since the previous Eval; the failure state is then
// cleared. An Eval that returns ctx.Err() leaves the failure for the next Eval.
func (b *CPUBackend) Eval(ctx context.Context) error {
	start := time.Now()
	f := &fence{ch: make(chan error, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	select {
	case b.queue <- command{fence: f}:
	case <-ctx.Done():
		b.mu.Unlock()
		return ctx.Err()
	}
	b.mu.Unlock()

	select {
	case err := <-f.ch:
		metrics.ObserveEval(time.Since(start))
		return err
	case <-ctx.Done():
		if delivered, err := f.abandon(); delivered {
			metrics.ObserveEval(time.Since(start))
			return err
		}
		return ctx.Err()
	}
}

// Close drains pending launches and stops the stream.
func (b *CPUBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()
	<-b.done
	return nil
}

func (b *CPUBackend) stream() {
	defer close(b.done)
	for cmd := range b.queue {
		if cmd.fence != nil {
			if cmd.fence.deliver(b.err) {
				b.err = nil
			}
			continue
		}
		if b.err != nil {
			b.log.Debug("skipping launch after failure", "kernel", cmd.launch.name)
			continue
		}
		start := time.Now()
		err := b.execute(cmd.launch)
		metrics.ObserveKernel(cmd.launch.name, time.Since(start))
		if err != nil {
			metrics.KernelFailed(cmd.launch.name)
			b.log.Error("kernel failed", "kernel", cmd.launch.name, "error", err)
			b.err = err
		}
	}
}

func (b *CPUBackend) execute(l *launch) error {
	if l.entry.group != nil {
		return b.executeGroups(l)
	}
	return b.executeThreads(l)
}

func (b *CPUBackend) executeThreads(l *launch) error {
	total := l.grid.Threads()
	if total == 0 {
		return nil
	}
	run := func(lo, hi int) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = executionError(l.name, rec)
			}
		}()
		for i := lo; i < hi; i++ {
			l.entry.kernel(l.grid.thread(i), &l.args)
		}
		return nil
	}

	if total <= minChunk || b.workers == 1 {
		return run(0, total)
	}

	chunk := (total + b.workers - 1) / b.workers
	chunk = max(chunk, minChunk)
	var g errgroup.Group
	g.SetLimit(b.workers)
	for lo := 0; lo < total; lo += chunk {
		hi := min(lo+chunk, total)
		g.Go(func() error { return run(lo, hi) })
	}
	return g.Wait()
}

func (b *CPUBackend) executeGroups(l *launch) error {
	groups := l.grid.X / l.grid.GroupX
	for id := range groups {
		grp := &Group{ID: id, Lanes: l.grid.GroupX, workers: b.workers}
		if err := b.runGroup(l, grp); err != nil {
			return err
		}
	}
	return nil
}

func (b *CPUBackend) runGroup(l *launch, grp *Group) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = executionError(l.name, rec)
		}
	}()
	l.entry.group(grp, &l.args)
	return nil
}

// Group is one cooperative thread group of a grouped launch.
type Group struct {
	ID      int
	Lanes   int
	workers int
}

// Parallel runs fn once per lane of the group and returns when all lanes are
// done, which makes it the barrier between phases of a group kernel.
// A panic in any lane is re-raised on the calling goroutine.
func (g *Group) Parallel(fn func(lane int)) {
	if g.Lanes <= minChunk || g.workers <= 1 {
		for lane := range g.Lanes {
			fn(lane)
		}
		return
	}
	chunk := max((g.Lanes+g.workers-1)/g.workers, minChunk)
	var eg errgroup.Group
	eg.SetLimit(g.workers)
	for lo := 0; lo < g.Lanes; lo += chunk {
		hi := min(lo+chunk, g.Lanes)
		eg.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = &lanePanic{rec: rec}
				}
			}()
			for lane := lo; lane < hi; lane++ {
				fn(lane)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		if lp, ok := err.(*lanePanic); ok {
			panic(lp.rec)
		}
		panic(err)
	}
}

type lanePanic struct {
	rec any
}

func (p *lanePanic) Error() string { return fmt.Sprint(p.rec) }
