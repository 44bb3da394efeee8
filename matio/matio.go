// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

// Package matio reads and writes matrices as headerless little-endian
// float32 binaries, row-major, plus the file naming convention that pairs
// each GEMM operand with its shape:
//
//	input_A_<M>x<K>.bin
//	input_B_<K>x<N>.bin
//	output_C_<M>x<N>.bin
package matio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/nutcas3/warpgemm/types/layout"
)

// InputAName is the conventional file name for the left operand.
func InputAName(m, k int) string {
	return fmt.Sprintf("input_A_%dx%d.bin", m, k)
}

// InputBName is the conventional file name for the right operand.
func InputBName(k, n int) string {
	return fmt.Sprintf("input_B_%dx%d.bin", k, n)
}

// OutputCName is the conventional file name for the result.
func OutputCName(m, n int) string {
	return fmt.Sprintf("output_C_%dx%d.bin", m, n)
}

// WriteMatrix writes data to path as raw little-endian float32 values.
// data must hold at least rows*cols elements; only that prefix is written.
func WriteMatrix(path string, rows, cols int, data []float32) error {
	desc, err := layout.NewMatrix(rows, cols, layout.Float32)
	if err != nil {
		return err
	}
	if len(data) < desc.Size() {
		return errors.Wrapf(layout.ErrShapeMismatch, "matrix %s needs %d elements, got %d", desc, desc.Size(), len(data))
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, data[:desc.Size()]); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %q", path)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "flushing %q", path)
	}
	return errors.Wrapf(f.Close(), "closing %q", path)
}

// ReadMatrix reads a raw little-endian float32 matrix of the given shape
// from path. The file size must match rows*cols*4 bytes exactly.
func ReadMatrix(path string, rows, cols int) ([]float32, error) {
	desc, err := layout.NewMatrix(rows, cols, layout.Float32)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", path)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat %q", path)
	}
	wantBytes := int64(desc.Bytes())
	if info.Size() != wantBytes {
		return nil, errors.Wrapf(layout.ErrShapeMismatch,
			"%q holds %d bytes, matrix %s needs %d", path, info.Size(), desc, wantBytes)
	}

	data := make([]float32, desc.Size())
	if err := binary.Read(bufio.NewReader(f), binary.LittleEndian, data); err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}
	return data, nil
}

// WriteMatrixTo streams a matrix to an arbitrary writer, same format as
// WriteMatrix.
func WriteMatrixTo(w io.Writer, data []float32) error {
	return errors.WithStack(binary.Write(w, binary.LittleEndian, data))
}
