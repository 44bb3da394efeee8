// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/pkg/errors"

	"github.com/nutcas3/warpgemm/types/layout"
)

// Operand is a host-resident matrix handed to Gemm: a layout descriptor
// plus the flat data in the descriptor's element type. Float32 operands
// carry F32; Float16 operands carry F16 as IEEE half bit patterns (see
// layout.EncodeF16).
type Operand struct {
	Desc layout.Matrix
	F32  []float32
	F16  []uint16
}

// NewOperand builds a dense row-major float32 operand over data.
func NewOperand(rows, cols int, data []float32) (Operand, error) {
	desc, err := layout.NewMatrix(rows, cols, layout.Float32)
	if err != nil {
		return Operand{}, err
	}
	if len(data) < desc.Size() {
		return Operand{}, errors.Wrapf(layout.ErrShapeMismatch, "operand %s needs %d elements, got %d", desc, desc.Size(), len(data))
	}
	return Operand{Desc: desc, F32: data}, nil
}

// NewOperandF16 builds a dense row-major float16 operand over
// half-precision bit patterns.
func NewOperandF16(rows, cols int, bits []uint16) (Operand, error) {
	desc, err := layout.NewMatrix(rows, cols, layout.Float16)
	if err != nil {
		return Operand{}, err
	}
	if len(bits) < desc.Size() {
		return Operand{}, errors.Wrapf(layout.ErrShapeMismatch, "operand %s needs %d elements, got %d", desc, desc.Size(), len(bits))
	}
	return Operand{Desc: desc, F16: bits}, nil
}

// checkOperands validates shapes, dtypes and backing storage for one Gemm
// call.
func checkOperands(a, b Operand, c *Operand) error {
	if c == nil {
		return errors.Errorf("output operand is nil")
	}
	if err := layout.CheckGemm(a.Desc, b.Desc, c.Desc); err != nil {
		return err
	}
	for _, op := range []struct {
		name string
		op   Operand
	}{{"A", a}, {"B", b}, {"C", *c}} {
		want := op.op.Desc.Size()
		var got int
		if op.op.Desc.DType == layout.Float16 {
			got = len(op.op.F16)
		} else {
			got = len(op.op.F32)
		}
		if got < want {
			return errors.Wrapf(layout.ErrShapeMismatch, "%s is %s but carries %d elements", op.name, op.op.Desc, got)
		}
	}
	return nil
}
