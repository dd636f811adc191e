package tac

import "errors"

var (
	// ErrInsufficientInput reports an input curve with fewer than two samples.
	ErrInsufficientInput = errors.New("tac: input curve needs at least 2 samples")

	// ErrNonMonotonicTime reports sample times that do not strictly increase.
	ErrNonMonotonicTime = errors.New("tac: sample times must strictly increase")

	// ErrInvalidTiming reports malformed frame definitions or grid step.
	ErrInvalidTiming = errors.New("tac: invalid scan timing")
)
