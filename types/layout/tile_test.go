// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTileLayoutSwizzleBijective(t *testing.T) {
	for _, dims := range [][2]int{{16, 16}, {128, 16}, {16, 128}, {8, 32}, {32, 64}} {
		tl, err := NewTileLayout(dims[0], dims[1])
		require.NoError(t, err)

		seen := make(map[int]bool, tl.Size())
		for r := 0; r < tl.TileRows; r++ {
			for c := 0; c < tl.TileCols; c++ {
				off := tl.Offset(r, c)
				require.GreaterOrEqual(t, off, 0)
				require.Less(t, off, tl.Size())
				require.False(t, seen[off], "tile %dx%d: offset %d hit twice", dims[0], dims[1], off)
				seen[off] = true
			}
		}
	}
}

func TestTileLayoutBankConflictFree(t *testing.T) {
	// A warp reading one column of a 32-wide (or wider) tile across 32
	// consecutive rows must touch 32 distinct banks.
	for _, cols := range []int{32, 64, 128} {
		tl, err := NewTileLayout(64, cols)
		require.NoError(t, err)
		for col := 0; col < cols; col++ {
			banks := make(map[int]bool, NumBanks)
			for r := 0; r < NumBanks; r++ {
				banks[tl.Offset(r, col)%NumBanks] = true
			}
			require.Len(t, banks, NumBanks, "cols=%d col=%d", cols, col)
		}
	}
}

func TestTileLayoutRejectsNonPowerOfTwo(t *testing.T) {
	_, err := NewTileLayout(16, 24)
	require.ErrorIs(t, err, ErrShapeMismatch)
	_, err = NewTileLayout(0, 16)
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestTileSourceEdgePadding(t *testing.T) {
	m, err := NewMatrix(130, 70, Float32)
	require.NoError(t, err)
	tl, err := NewTileLayout(128, 16)
	require.NoError(t, err)

	// Interior element of the last row of tiles.
	got := tl.Source(m, 128, 64, 1, 2)
	assert.Equal(t, m.Index(129, 66), got)

	// Beyond the true extent in rows or columns resolves to Pad.
	assert.Equal(t, Pad, tl.Source(m, 128, 64, 2, 0))
	assert.Equal(t, Pad, tl.Source(m, 128, 64, 0, 6))
}

func TestGlobalTileRegisterComposition(t *testing.T) {
	// The composed Global→Tile addressing must be a bijection on the true
	// index range: every in-extent element is reachable exactly once across
	// all tiles, and nothing maps out of the buffer.
	m, err := NewMatrix(40, 24, Float32)
	require.NoError(t, err)
	tl, err := NewTileLayout(16, 8)
	require.NoError(t, err)

	seen := make(map[int]int)
	for originRow := 0; originRow < m.Rows; originRow += tl.TileRows {
		for originCol := 0; originCol < m.Cols; originCol += tl.TileCols {
			for r := 0; r < tl.TileRows; r++ {
				for c := 0; c < tl.TileCols; c++ {
					idx := tl.Source(m, originRow, originCol, r, c)
					if idx == Pad {
						continue
					}
					require.Less(t, idx, m.Size())
					seen[idx]++
				}
			}
		}
	}
	require.Len(t, seen, m.Rows*m.Cols)
	for idx, count := range seen {
		require.Equal(t, 1, count, "index %d addressed %d times", idx, count)
	}
}
