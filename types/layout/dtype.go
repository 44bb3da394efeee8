// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

package layout

import (
	"fmt"

	"github.com/x448/float16"
)

// DType enumerates the element types the engine operates on. The tensor
// unit consumes Float16 or Float32 operands; accumulation is always carried
// in Float32 regardless of the operand type (see AccumDType).
type DType int

const (
	InvalidDType DType = iota
	Float32
	Float16
)

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case Float32:
		return 4
	case Float16:
		return 2
	default:
		return 0
	}
}

// String implements fmt.Stringer.
func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

// AccumDType returns the accumulation type for operands of type d. The
// engine honors an accumulate-in-higher-precision contract: the K-reduction
// is carried in float32 for both float32 and float16 operands, which is what
// the 16x16x16 half-precision fragment path of the tensor unit does in
// hardware.
func (d DType) AccumDType() DType {
	return Float32
}

// EncodeF16 converts a float32 slice to its IEEE 754 half-precision bit
// representation, the storage format of Float16 operands.
func EncodeF16(values []float32) []uint16 {
	out := make([]uint16, len(values))
	for i, v := range values {
		out[i] = float16.Fromfloat32(v).Bits()
	}
	return out
}

// DecodeF16 converts half-precision bits back to float32.
func DecodeF16(bits []uint16) []float32 {
	out := make([]float32, len(bits))
	for i, b := range bits {
		out[i] = float16.Frombits(b).Float32()
	}
	return out
}
