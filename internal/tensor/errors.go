package tensor

import "errors"

// Validation errors raised by the quantized linear algebra layer.
//
// All are detected synchronously before any parallel kernel launch; a failed
// call never leaves a partially written output buffer behind.
var (
	// ErrShape signals a static dimension or rank mismatch (eg in_features
	// not divisible by the group size, or a tensor whose length disagrees
	// with the declared dimensions).
	ErrShape = errors.New("tensor: shape mismatch")

	// ErrRange signals a code index outside [0, 2^bits).
	ErrRange = errors.New("tensor: code index out of range")

	// ErrDimension signals an input/output buffer whose length disagrees
	// with the matrix dimensions of a product call.
	ErrDimension = errors.New("tensor: dimension mismatch")

	// ErrDType signals mixed floating-point precisions across the tensors
	// participating in one product call.
	ErrDType = errors.New("tensor: dtype mismatch")
)
