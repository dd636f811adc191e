package levmar

import "errors"

var (
	// ErrInvalidBounds reports a lower bound above its upper bound.
	ErrInvalidBounds = errors.New("levmar: invalid parameter bounds")

	// ErrInvalidWeight reports a negative or NaN residual weight.
	ErrInvalidWeight = errors.New("levmar: invalid weight")

	// ErrDimensionMismatch reports inconsistently sized problem inputs.
	ErrDimensionMismatch = errors.New("levmar: dimension mismatch")

	// ErrSingularSystem reports a fit with more free parameters than
	// usable data points.
	ErrSingularSystem = errors.New("levmar: singular system")
)
