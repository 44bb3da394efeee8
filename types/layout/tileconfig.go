// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

package layout

import "github.com/pkg/errors"

// WarpSize is the number of lanes in one synchronizing group.
const WarpSize = 32

// TileConfig sets the tiling hierarchy of one kernel launch: each block
// computes a TileM×TileN output tile iterating the contraction in TileK
// steps; within the block each warp owns a WarpM×WarpN sub-tile and feeds
// the tensor unit WarpK-deep fragments.
type TileConfig struct {
	TileM, TileN, TileK int
	WarpM, WarpN, WarpK int
}

// AmpereDefault is the tiling used on devices with 1024-thread blocks.
func AmpereDefault() TileConfig {
	return TileConfig{
		TileM: 128, TileN: 128, TileK: 16,
		WarpM: 32, WarpN: 32, WarpK: 16,
	}
}

// HopperDefault is the tiling for devices with larger scratch memory.
func HopperDefault() TileConfig {
	return TileConfig{
		TileM: 256, TileN: 128, TileK: 64,
		WarpM: 64, WarpN: 64, WarpK: 16,
	}
}

// WarpsPerBlock is the number of warps needed to cover one output tile.
func (c TileConfig) WarpsPerBlock() int {
	warpsM := (c.TileM + c.WarpM - 1) / c.WarpM
	warpsN := (c.TileN + c.WarpN - 1) / c.WarpN
	return warpsM * warpsN
}

// ThreadsPerBlock is WarpsPerBlock times the warp size.
func (c TileConfig) ThreadsPerBlock() int {
	return c.WarpsPerBlock() * WarpSize
}

// SharedBytes is the scratch footprint of the two staged slabs (A:
// TileM×TileK, B: TileK×TileN) for the given operand type, doubled when the
// kernel double-buffers.
func (c TileConfig) SharedBytes(dtype DType, doubleBuffered bool) int {
	elems := c.TileM*c.TileK + c.TileK*c.TileN
	if doubleBuffered {
		elems *= 2
	}
	return elems * dtype.Size()
}

// Validate checks the config against the fragment shape the tensor unit
// requires for the operand type: warp sub-tiles must be whole multiples of
// the fragment, block tiles whole multiples of the warp sub-tile, and the
// staged slab minor dimensions must admit the bank swizzle.
func (c TileConfig) Validate(dtype DType) error {
	frag, err := FragmentFor(dtype)
	if err != nil {
		return err
	}
	for _, d := range []int{c.TileM, c.TileN, c.TileK, c.WarpM, c.WarpN, c.WarpK} {
		if d <= 0 {
			return errors.Wrapf(ErrShapeMismatch, "tile config %+v has a non-positive dimension", c)
		}
	}
	if c.WarpM%frag.M != 0 || c.WarpN%frag.N != 0 || c.WarpK%frag.K != 0 {
		return errors.Wrapf(ErrShapeMismatch,
			"warp tile %dx%dx%d is not a multiple of the %s fragment %dx%dx%d",
			c.WarpM, c.WarpN, c.WarpK, dtype, frag.M, frag.N, frag.K)
	}
	if c.TileM%c.WarpM != 0 || c.TileN%c.WarpN != 0 || c.TileK%c.WarpK != 0 {
		return errors.Wrapf(ErrShapeMismatch,
			"block tile %dx%dx%d is not a multiple of the warp tile %dx%dx%d",
			c.TileM, c.TileN, c.TileK, c.WarpM, c.WarpN, c.WarpK)
	}
	// Staged slabs are TileM×TileK (A) and TileK×TileN (B); both minor
	// dimensions feed NewTileLayout, which needs powers of two.
	if _, err := NewTileLayout(c.TileM, c.TileK); err != nil {
		return err
	}
	if _, err := NewTileLayout(c.TileK, c.TileN); err != nil {
		return err
	}
	return nil
}
