// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import "github.com/nutcas3/warpgemm/types/layout"

func init() {
	Register(naiveKernel{})
}

// naiveKernel is the reference variant: every lane owns one output element
// and walks the full K dimension against global memory. No scratch memory,
// no cooperation between lanes.
type naiveKernel struct{}

func (naiveKernel) Name() string       { return "gemm_kernel" }
func (naiveKernel) RegsPerThread() int { return 32 }

func (naiveKernel) SharedBytes(layout.TileConfig, layout.DType) int { return 0 }

func (k naiveKernel) Run(g Geometry, args Args) error {
	if err := checkArgs(args); err != nil {
		return err
	}
	switch args.DType() {
	case layout.Float16:
		runNaive[uint16](g, args)
	default:
		runNaive[float32](g, args)
	}
	return nil
}

func runNaive[T element](g Geometry, args Args) {
	aView := deviceView[T](args.A)
	bView := deviceView[T](args.B)
	cView := args.C.Float32()
	cfg := args.Config

	parallelFor(g.Blocks(), func(block int) {
		by, bx := block/g.GridX, block%g.GridX
		rowEnd := min(args.M, (by+1)*cfg.TileM)
		colEnd := min(args.N, (bx+1)*cfg.TileN)
		for row := by * cfg.TileM; row < rowEnd; row++ {
			for col := bx * cfg.TileN; col < colEnd; col++ {
				var sum float32
				for p := 0; p < args.K; p++ {
					sum += toF32(aView[args.ADesc.Index(row, p)]) * toF32(bView[args.BDesc.Index(p, col)])
				}
				cIdx := args.CDesc.Index(row, col)
				if args.Beta == 0 {
					cView[cIdx] = args.Alpha * sum
				} else {
					cView[cIdx] = args.Alpha*sum + args.Beta*cView[cIdx]
				}
			}
		}
	})
}
