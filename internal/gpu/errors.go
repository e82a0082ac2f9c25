package gpu

import (
	"errors"
	"fmt"
)

var (
	ErrExecution = errors.New("kernel execution failed")
	ErrClosed    = errors.New("gpu: backend closed")
)

// executionError converts a recovered kernel panic into an error wrapping ErrExecution.
func executionError(kernel string, rec any) error {
	if recErr, ok := rec.(error); ok {
		return fmt.Errorf("%w: %s: %w", ErrExecution, kernel, recErr)
	}
	return fmt.Errorf("%w: %s: %v", ErrExecution, kernel, rec)
}
