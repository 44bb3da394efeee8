// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

// Package layout defines the tensor layout descriptors used by the GEMM
// engine: how a logical matrix maps to linear memory at each level of the
// memory hierarchy.
//
// There are three levels, composed Global→Tile→Register:
//
//   - Global: a strided 2D view over a flat buffer (Matrix).
//   - Tile: a fixed-shape sub-block staged into on-chip scratch memory,
//     with an XOR bank swizzle so the 32 lanes of a warp hit distinct
//     banks (TileLayout).
//   - Register: the per-warp fragment shape consumed directly by the
//     matrix-multiply-accumulate unit (FragmentShape).
//
// All address functions are pure: no side effects, no allocation. The
// composition of the three levels is a bijection on the addressed index
// range; edge tiles resolve out-of-extent logical elements to the Pad
// sentinel rather than an out-of-bounds address.
package layout

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrShapeMismatch is returned when matrix, tile, or fragment shapes are
// inconsistent with each other or with what the hardware supports. It is
// always a construction-time error: once descriptors are built, addressing
// cannot go wrong at runtime.
var ErrShapeMismatch = errors.New("shape mismatch")

// Order is the memory ordering of a Matrix.
type Order int

const (
	// RowMajor stores each row contiguously; the stride is the distance
	// between consecutive rows.
	RowMajor Order = iota
	// ColMajor stores each column contiguously; the stride is the distance
	// between consecutive columns.
	ColMajor
)

// String implements fmt.Stringer.
func (o Order) String() string {
	switch o {
	case RowMajor:
		return "row-major"
	case ColMajor:
		return "col-major"
	default:
		return fmt.Sprintf("Order(%d)", int(o))
	}
}

// Matrix is the Global-level descriptor: a logical rows×cols matrix over a
// flat buffer, with an element type, ordering and stride (leading
// dimension). It describes addressing only; it does not own data.
type Matrix struct {
	Rows, Cols int
	DType      DType
	Order      Order

	// Stride is the leading dimension: distance in elements between
	// consecutive rows (RowMajor) or columns (ColMajor).
	Stride int
}

// NewMatrix returns a dense row-major matrix descriptor.
func NewMatrix(rows, cols int, dtype DType) (Matrix, error) {
	return NewMatrixStrided(rows, cols, dtype, RowMajor, cols)
}

// NewMatrixStrided returns a matrix descriptor with an explicit ordering and
// leading dimension. The stride must cover the minor dimension.
func NewMatrixStrided(rows, cols int, dtype DType, order Order, stride int) (Matrix, error) {
	if rows <= 0 || cols <= 0 {
		return Matrix{}, errors.Wrapf(ErrShapeMismatch, "matrix dimensions must be positive, got %dx%d", rows, cols)
	}
	if dtype == InvalidDType {
		return Matrix{}, errors.Wrapf(ErrShapeMismatch, "matrix %dx%d has no element type", rows, cols)
	}
	minor := cols
	if order == ColMajor {
		minor = rows
	}
	if stride < minor {
		return Matrix{}, errors.Wrapf(ErrShapeMismatch, "stride %d smaller than minor dimension %d for %s %dx%d",
			stride, minor, order, rows, cols)
	}
	return Matrix{Rows: rows, Cols: cols, DType: dtype, Order: order, Stride: stride}, nil
}

// Index maps a logical (row, col) to the flat element offset.
func (m Matrix) Index(row, col int) int {
	if m.Order == ColMajor {
		return col*m.Stride + row
	}
	return row*m.Stride + col
}

// Size is the number of elements the backing buffer must hold, including
// stride padding.
func (m Matrix) Size() int {
	if m.Order == ColMajor {
		return m.Cols * m.Stride
	}
	return m.Rows * m.Stride
}

// Bytes is Size in bytes for the element type.
func (m Matrix) Bytes() int {
	return m.Size() * m.DType.Size()
}

// String implements fmt.Stringer.
func (m Matrix) String() string {
	return fmt.Sprintf("%dx%d %s (%s, ld=%d)", m.Rows, m.Cols, m.DType, m.Order, m.Stride)
}

// CheckGemm validates that a, b and c are mutually compatible for
// C[M,N] = A[M,K]·B[K,N]. Operand dtypes must match each other; C is
// always float32, the accumulation type.
func CheckGemm(a, b, c Matrix) error {
	if a.Cols != b.Rows {
		return errors.Wrapf(ErrShapeMismatch, "A is %s but B is %s: contracting dimensions differ (%d vs %d)",
			a, b, a.Cols, b.Rows)
	}
	if c.Rows != a.Rows || c.Cols != b.Cols {
		return errors.Wrapf(ErrShapeMismatch, "C is %s, want %dx%d for A=%s B=%s", c, a.Rows, b.Cols, a, b)
	}
	if a.DType != b.DType {
		return errors.Wrapf(ErrShapeMismatch, "A (%s) and B (%s) element types differ", a.DType, b.DType)
	}
	if c.DType != Float32 {
		return errors.Wrapf(ErrShapeMismatch, "C must be %s (the accumulation type), got %s", Float32, c.DType)
	}
	return nil
}
