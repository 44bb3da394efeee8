// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

package layout

import (
	"math/bits"

	"github.com/pkg/errors"
)

// NumBanks is the number of scratch-memory banks. One warp issues NumBanks
// parallel accesses per transaction; they conflict unless they land on
// distinct banks.
const NumBanks = 32

// Pad is the sentinel returned by Source for logical elements beyond the
// true matrix extent. Loads from Pad produce exactly zero; stores to Pad are
// dropped. It is never a valid offset.
const Pad = -1

// TileLayout is the Tile-level descriptor: a fixed tileRows×tileCols
// sub-block staged into on-chip scratch memory, addressed through an
// XOR bank swizzle.
//
// The swizzle permutes columns within each row: physCol = col ^ (row & mask).
// XOR with a per-row constant is a bijection on [0, tileCols), and for a
// warp reading one column across 32 consecutive rows it spreads the
// accesses over 32 distinct banks.
type TileLayout struct {
	TileRows, TileCols int

	// swizzleMask selects how many low column bits participate in the
	// permutation: min(TileCols, NumBanks)-1.
	swizzleMask int
}

// NewTileLayout builds the scratch-memory layout for one staged tile.
// The tile's minor dimension must be a power of two, the precondition for
// the XOR swizzle to be a bijection.
func NewTileLayout(tileRows, tileCols int) (TileLayout, error) {
	if tileRows <= 0 || tileCols <= 0 {
		return TileLayout{}, errors.Wrapf(ErrShapeMismatch, "tile dimensions must be positive, got %dx%d", tileRows, tileCols)
	}
	if bits.OnesCount(uint(tileCols)) != 1 {
		return TileLayout{}, errors.Wrapf(ErrShapeMismatch, "tile minor dimension %d is not a power of two, swizzle would not be bijective", tileCols)
	}
	mask := NumBanks - 1
	if tileCols < NumBanks {
		mask = tileCols - 1
	}
	return TileLayout{TileRows: tileRows, TileCols: tileCols, swizzleMask: mask}, nil
}

// Size is the scratch footprint in elements.
func (t TileLayout) Size() int {
	return t.TileRows * t.TileCols
}

// Offset maps a logical in-tile (row, col) to its physical scratch offset,
// applying the bank swizzle.
func (t TileLayout) Offset(row, col int) int {
	return row*t.TileCols + (col ^ (row & t.swizzleMask))
}

// Source composes the Tile level with the Global level: it maps a logical
// in-tile (row, col), for the tile whose top-left corner is at
// (originRow, originCol) of m, to the flat element offset in m's buffer.
// Elements that fall outside m's true extent return Pad: edge tiles are
// zero-padded logically, never read or written out of bounds.
func (t TileLayout) Source(m Matrix, originRow, originCol, row, col int) int {
	gr, gc := originRow+row, originCol+col
	if gr >= m.Rows || gc >= m.Cols {
		return Pad
	}
	return m.Index(gr, gc)
}
