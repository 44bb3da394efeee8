// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

package layout

import "github.com/pkg/errors"

// FragmentShape is the Register-level descriptor: the M×N×K chunk one warp
// feeds to a single matrix-multiply-accumulate instruction. The supported
// shapes are fixed by the tensor unit per operand precision; anything else
// is a construction-time ErrShapeMismatch.
type FragmentShape struct {
	M, N, K int
}

// The tensor unit's supported operand shapes: half-precision operands use
// the 16x16x16 fragment, single-precision the 16x16x8 one. Accumulators are
// float32 in both cases.
var supportedFragments = map[DType]FragmentShape{
	Float16: {M: 16, N: 16, K: 16},
	Float32: {M: 16, N: 16, K: 8},
}

// FragmentFor returns the fragment shape the tensor unit requires for
// operands of the given type.
func FragmentFor(dtype DType) (FragmentShape, error) {
	f, ok := supportedFragments[dtype]
	if !ok {
		return FragmentShape{}, errors.Wrapf(ErrShapeMismatch, "no tensor-unit fragment shape for operand type %s", dtype)
	}
	return f, nil
}

// NewFragmentShape validates an explicit fragment shape against what the
// tensor unit supports for the given operand type.
func NewFragmentShape(m, n, k int, dtype DType) (FragmentShape, error) {
	want, err := FragmentFor(dtype)
	if err != nil {
		return FragmentShape{}, err
	}
	got := FragmentShape{M: m, N: n, K: k}
	if got != want {
		return FragmentShape{}, errors.Wrapf(ErrShapeMismatch,
			"fragment %dx%dx%d not supported for %s operands, hardware requires %dx%dx%d",
			m, n, k, dtype, want.M, want.N, want.K)
	}
	return got, nil
}
