// Package gpu is the compute backend boundary used by the bucketed multiply engine.
//
// A backend launches named kernels over a thread grid with bound buffer and scalar
// arguments, and provides an explicit barrier (Eval) that blocks until every
// previously deployed launch has completed. Launches run in issue order.
package gpu

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	CPU   = "cpu"
	Metal = "metal"
	CUDA  = "cuda"
	Auto  = "auto"
)

var ErrUnavailable = errors.New("gpu: backend not available in this build")

// Backend is the capability set the engine needs from a device.
type Backend interface {
	Name() string
	// Deploy enqueues kernel over grid. It never blocks on kernel completion.
	Deploy(kernel string, args Args, grid Grid)
	// Eval blocks until all prior launches are complete and returns the first
	// execution failure since the previous Eval, if any.
	Eval(ctx context.Context) error
	Close() error
}

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case CPU, Metal, CUDA, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, cpu, metal or cuda)", backend)
	}
}

// Open returns the backend for name. "auto" resolves to the best backend compiled in.
func Open(name string, opts Options) (Backend, error) {
	backend, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	switch backend {
	case Auto, CPU:
		return NewCPU(opts), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, backend)
	}
}

// Available returns a comma-separated list of backends usable in this build.
func Available() string {
	return strings.Join([]string{CPU}, ",")
}
