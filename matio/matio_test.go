// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

package matio

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nutcas3/warpgemm/types/layout"
)

func TestFileNames(t *testing.T) {
	assert.Equal(t, "input_A_128x64.bin", InputAName(128, 64))
	assert.Equal(t, "input_B_64x256.bin", InputBName(64, 256))
	assert.Equal(t, "output_C_128x256.bin", OutputCName(128, 256))
}

func TestWriteReadRoundTrip(t *testing.T) {
	const rows, cols = 5, 7
	data := make([]float32, rows*cols)
	for i := range data {
		data[i] = float32(i) * 0.25
	}
	path := filepath.Join(t.TempDir(), InputAName(rows, cols))
	require.NoError(t, WriteMatrix(path, rows, cols, data))

	got, err := ReadMatrix(path, rows, cols)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestWireFormatIsLittleEndianFloat32(t *testing.T) {
	path := filepath.Join(t.TempDir(), "one.bin")
	require.NoError(t, WriteMatrix(path, 1, 1, []float32{1.0}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// 1.0f is 0x3F800000; little-endian on disk.
	require.Equal(t, []byte{0x00, 0x00, 0x80, 0x3F}, raw)
}

func TestReadRejectsSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.bin")
	require.NoError(t, WriteMatrix(path, 2, 2, make([]float32, 4)))

	_, err := ReadMatrix(path, 4, 4)
	require.ErrorIs(t, err, layout.ErrShapeMismatch)
}

func TestWriteRejectsShortData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never.bin")
	err := WriteMatrix(path, 4, 4, make([]float32, 3))
	require.ErrorIs(t, err, layout.ErrShapeMismatch)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "no file should be created for bad input")
}

func TestWriteMatrixTo(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMatrixTo(&buf, []float32{float32(math.Pi)}))
	require.Equal(t, 4, buf.Len())
}
