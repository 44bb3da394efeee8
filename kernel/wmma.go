// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"sync"

	"github.com/nutcas3/warpgemm/types/layout"
	"github.com/nutcas3/warpgemm/types/xmath"
)

func init() {
	Register(wmmaKernel{})
}

// wmmaKernel is the tensor-unit variant: staged slabs feed per-warp
// fragment multiply-accumulates, and staging is double-buffered so the next
// K-step's loads overlap the current step's compute. One barrier per
// K-step gates both the visibility of the freshly staged buffer and the
// reuse of the one just consumed.
type wmmaKernel struct{}

func (wmmaKernel) Name() string       { return "gemm_kernel_wmma" }
func (wmmaKernel) RegsPerThread() int { return 128 }

func (wmmaKernel) SharedBytes(cfg layout.TileConfig, dtype layout.DType) int {
	return cfg.SharedBytes(dtype, true)
}

func (k wmmaKernel) Run(g Geometry, args Args) error {
	if err := checkArgs(args); err != nil {
		return err
	}
	switch args.DType() {
	case layout.Float16:
		return runWMMA[uint16](g, args)
	default:
		return runWMMA[float32](g, args)
	}
}

// fragMMA performs one matrix-multiply-accumulate on register fragments:
// d[m][n] += sum_k a[m][k] * b[k][n], with d an fM×fN float32 accumulator
// fragment. This is the warp-synchronous primitive; a warp executes it as
// one unit.
func fragMMA(d, a, b []float32, fM, fN, fK int) {
	for m := 0; m < fM; m++ {
		dRow := d[m*fN : (m+1)*fN]
		aRow := a[m*fK : (m+1)*fK]
		for k := 0; k < fK; k++ {
			av := aRow[k]
			bRow := b[k*fN : (k+1)*fN]
			for n := 0; n < fN; n++ {
				dRow[n] += av * bRow[n]
			}
		}
	}
}

// loadFragA gathers an fM×fK fragment of the staged A slab into contiguous
// registers, undoing the scratch swizzle.
func (b *blockRun[T]) loadFragA(frag, aScratch []float32, row0, k0, fM, fK int) {
	for m := 0; m < fM; m++ {
		for k := 0; k < fK; k++ {
			frag[m*fK+k] = aScratch[b.aLay.Offset(row0+m, k0+k)]
		}
	}
}

// loadFragB gathers an fK×fN fragment of the staged B slab.
func (b *blockRun[T]) loadFragB(frag, bScratch []float32, k0, col0, fK, fN int) {
	for k := 0; k < fK; k++ {
		for n := 0; n < fN; n++ {
			frag[k*fN+n] = bScratch[b.bLay.Offset(k0+k, col0+n)]
		}
	}
}

func runWMMA[T element](g Geometry, args Args) error {
	run, err := newBlockRun[T](args)
	if err != nil {
		return err
	}
	cfg := args.Config
	frag, err := layout.FragmentFor(args.DType())
	if err != nil {
		return err
	}
	numWarps := cfg.WarpsPerBlock()
	kSteps := xmath.CeilDiv(args.K, cfg.TileK)
	fragsM := cfg.WarpM / frag.M
	fragsN := cfg.WarpN / frag.N

	parallelFor(g.Blocks(), func(block int) {
		by, bx := block/g.GridX, block%g.GridX
		blockRow, blockCol := by*cfg.TileM, bx*cfg.TileN

		// Double-buffered scratch slabs.
		var aRefs, bRefs [2]*[]float32
		var aBufs, bBufs [2][]float32
		for i := 0; i < 2; i++ {
			aRefs[i] = getScratch(run.aLay.Size())
			bRefs[i] = getScratch(run.bLay.Size())
			aBufs[i], bBufs[i] = *aRefs[i], *bRefs[i]
		}
		defer func() {
			for i := 0; i < 2; i++ {
				putScratch(aRefs[i])
				putScratch(bRefs[i])
			}
		}()

		bar := newBarrier(numWarps)
		var wg sync.WaitGroup
		wg.Add(numWarps)
		for w := 0; w < numWarps; w++ {
			go func(w int) {
				defer wg.Done()
				warpRow, warpCol := run.warpOrigin(w)

				// Persistent register accumulators: one fragment per
				// (fragsM × fragsN) sub-tile of the warp tile.
				acc := make([][]float32, fragsM*fragsN)
				for i := range acc {
					acc[i] = make([]float32, frag.M*frag.N)
				}
				aFrag := make([]float32, frag.M*frag.K)
				bFrag := make([]float32, frag.K*frag.N)

				// Prologue: stage the first K-step.
				run.stageSlabs(aBufs[0], bBufs[0], blockRow, blockCol, 0, w, numWarps)
				bar.await()

				for s := 0; s < kSteps; s++ {
					cur := s & 1
					if s+1 < kSteps {
						// Overlap: stage the next step into the other
						// buffer while this one is consumed.
						run.stageSlabs(aBufs[1-cur], bBufs[1-cur], blockRow, blockCol, (s+1)*cfg.TileK, w, numWarps)
					}
					for kk := 0; kk < cfg.TileK; kk += frag.K {
						for fm := 0; fm < fragsM; fm++ {
							run.loadFragA(aFrag, aBufs[cur], warpRow+fm*frag.M, kk, frag.M, frag.K)
							for fn := 0; fn < fragsN; fn++ {
								run.loadFragB(bFrag, bBufs[cur], kk, warpCol+fn*frag.N, frag.K, frag.N)
								fragMMA(acc[fm*fragsN+fn], aFrag, bFrag, frag.M, frag.N, frag.K)
							}
						}
					}
					// Gate both: next buffer staged everywhere, current
					// buffer no longer read anywhere.
					bar.await()
				}

				// Epilogue: scale, accumulate and write back, clipped to
				// the true extent.
				run.epilogueFragments(acc, frag, fragsN, blockRow, blockCol, warpRow, warpCol)
			}(w)
		}
		wg.Wait()
	})
	return nil
}

// epilogueFragments writes the warp's accumulator fragments back to C with
// the alpha/beta epilogue, clipped to [0,M)×[0,N).
func (b *blockRun[T]) epilogueFragments(acc [][]float32, frag layout.FragmentShape, fragsN, blockRow, blockCol, warpRow, warpCol int) {
	alpha, beta := b.args.Alpha, b.args.Beta
	for i, fragAcc := range acc {
		fm, fn := i/fragsN, i%fragsN
		row0 := blockRow + warpRow + fm*frag.M
		col0 := blockCol + warpCol + fn*frag.N
		for m := 0; m < frag.M; m++ {
			row := row0 + m
			if row >= b.args.M {
				break
			}
			for n := 0; n < frag.N; n++ {
				col := col0 + n
				if col >= b.args.N {
					break
				}
				cIdx := b.args.CDesc.Index(row, col)
				v := alpha * fragAcc[m*frag.N+n]
				if beta != 0 {
					v += beta * b.cView[cIdx]
				}
				b.cView[cIdx] = v
			}
		}
	}
}
