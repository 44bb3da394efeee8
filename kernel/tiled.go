// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"sync"

	"github.com/nutcas3/warpgemm/types/layout"
	"github.com/nutcas3/warpgemm/types/xmath"
)

func init() {
	Register(tiledKernel{})
}

// tiledKernel stages operand slabs into swizzled scratch memory and
// computes from there with scalar warp sub-tiles. Single-buffered: one
// barrier gates stage→compute and a second gates compute→next stage.
type tiledKernel struct{}

func (tiledKernel) Name() string       { return "gemm_kernel_tiled" }
func (tiledKernel) RegsPerThread() int { return 64 }

func (tiledKernel) SharedBytes(cfg layout.TileConfig, dtype layout.DType) int {
	return cfg.SharedBytes(dtype, false)
}

func (k tiledKernel) Run(g Geometry, args Args) error {
	if err := checkArgs(args); err != nil {
		return err
	}
	switch args.DType() {
	case layout.Float16:
		return runTiled[uint16](g, args)
	default:
		return runTiled[float32](g, args)
	}
}

// blockRun holds everything shared by the warps of the staged variants.
type blockRun[T element] struct {
	args Args
	cfg  layout.TileConfig

	aView, bView []T
	cView        []float32

	// Slab layouts: A slab is TileM×TileK, B slab TileK×TileN.
	aLay, bLay layout.TileLayout

	// Warps per block along the N axis of the output tile.
	warpsN int
}

func newBlockRun[T element](args Args) (*blockRun[T], error) {
	cfg := args.Config
	aLay, err := layout.NewTileLayout(cfg.TileM, cfg.TileK)
	if err != nil {
		return nil, err
	}
	bLay, err := layout.NewTileLayout(cfg.TileK, cfg.TileN)
	if err != nil {
		return nil, err
	}
	return &blockRun[T]{
		args:   args,
		cfg:    cfg,
		aView:  deviceView[T](args.A),
		bView:  deviceView[T](args.B),
		cView:  args.C.Float32(),
		aLay:   aLay,
		bLay:   bLay,
		warpsN: cfg.TileN / cfg.WarpN,
	}, nil
}

// stageSlabs cooperatively loads one K-step's A and B slabs into scratch.
// Slab rows are distributed round-robin over the warps; every slab element
// is written, with out-of-extent logical elements staged as exact zeros.
func (b *blockRun[T]) stageSlabs(aScratch, bScratch []float32, blockRow, blockCol, kOrigin, warpID, numWarps int) {
	for r := warpID; r < b.cfg.TileM; r += numWarps {
		for c := 0; c < b.cfg.TileK; c++ {
			var v float32
			if idx := b.aLay.Source(b.args.ADesc, blockRow, kOrigin, r, c); idx != layout.Pad {
				v = toF32(b.aView[idx])
			}
			aScratch[b.aLay.Offset(r, c)] = v
		}
	}
	for r := warpID; r < b.cfg.TileK; r += numWarps {
		for c := 0; c < b.cfg.TileN; c++ {
			var v float32
			if idx := b.bLay.Source(b.args.BDesc, kOrigin, blockCol, r, c); idx != layout.Pad {
				v = toF32(b.bView[idx])
			}
			bScratch[b.bLay.Offset(r, c)] = v
		}
	}
}

// warpOrigin returns the offset of warp w's sub-tile within the block tile.
func (b *blockRun[T]) warpOrigin(w int) (row, col int) {
	return (w / b.warpsN) * b.cfg.WarpM, (w % b.warpsN) * b.cfg.WarpN
}

// computeScalar accumulates one staged K-step into the warp's accumulator
// tile: acc[r][c] += sum_k aSlab[warpRow+r][k] * bSlab[k][warpCol+c].
func (b *blockRun[T]) computeScalar(acc, aScratch, bScratch []float32, warpRow, warpCol int) {
	for r := 0; r < b.cfg.WarpM; r++ {
		accRow := acc[r*b.cfg.WarpN : (r+1)*b.cfg.WarpN]
		for kk := 0; kk < b.cfg.TileK; kk++ {
			av := aScratch[b.aLay.Offset(warpRow+r, kk)]
			for c := 0; c < b.cfg.WarpN; c++ {
				accRow[c] += av * bScratch[b.bLay.Offset(kk, warpCol+c)]
			}
		}
	}
}

// epilogue applies C = alpha*acc + beta*C for the warp's sub-tile, clipped
// to the true matrix extent. With beta == 0 the previous C is never read.
func (b *blockRun[T]) epilogue(acc []float32, blockRow, blockCol, warpRow, warpCol int) {
	alpha, beta := b.args.Alpha, b.args.Beta
	for r := 0; r < b.cfg.WarpM; r++ {
		row := blockRow + warpRow + r
		if row >= b.args.M {
			break
		}
		for c := 0; c < b.cfg.WarpN; c++ {
			col := blockCol + warpCol + c
			if col >= b.args.N {
				break
			}
			cIdx := b.args.CDesc.Index(row, col)
			v := alpha * acc[r*b.cfg.WarpN+c]
			if beta != 0 {
				v += beta * b.cView[cIdx]
			}
			b.cView[cIdx] = v
		}
	}
}

func runTiled[T element](g Geometry, args Args) error {
	run, err := newBlockRun[T](args)
	if err != nil {
		return err
	}
	cfg := args.Config
	numWarps := cfg.WarpsPerBlock()
	kSteps := xmath.CeilDiv(args.K, cfg.TileK)

	parallelFor(g.Blocks(), func(block int) {
		by, bx := block/g.GridX, block%g.GridX
		blockRow, blockCol := by*cfg.TileM, bx*cfg.TileN

		aRef := getScratch(run.aLay.Size())
		bRef := getScratch(run.bLay.Size())
		defer putScratch(aRef)
		defer putScratch(bRef)
		aScratch, bScratch := *aRef, *bRef

		bar := newBarrier(numWarps)
		var wg sync.WaitGroup
		wg.Add(numWarps)
		for w := 0; w < numWarps; w++ {
			go func(w int) {
				defer wg.Done()
				warpRow, warpCol := run.warpOrigin(w)
				acc := make([]float32, cfg.WarpM*cfg.WarpN)
				for s := 0; s < kSteps; s++ {
					run.stageSlabs(aScratch, bScratch, blockRow, blockCol, s*cfg.TileK, w, numWarps)
					bar.await() // slabs visible to compute
					run.computeScalar(acc, aScratch, bScratch, warpRow, warpCol)
					bar.await() // compute done, slabs may be overwritten
				}
				run.epilogue(acc, blockRow, blockCol, warpRow, warpCol)
			}(w)
		}
		wg.Wait()
	})
	return nil
}
