// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nutcas3/warpgemm/device"
	"github.com/nutcas3/warpgemm/types/layout"
	"github.com/nutcas3/warpgemm/types/xmath"
)

// testConfig is a small tiling so unit tests exercise multi-tile and
// edge-tile paths without large problems.
func testConfig() layout.TileConfig {
	return layout.TileConfig{
		TileM: 32, TileN: 32, TileK: 16,
		WarpM: 16, WarpN: 16, WarpK: 16,
	}
}

func testConfigF32() layout.TileConfig {
	cfg := testConfig()
	cfg.WarpK = 8
	return cfg
}

func configFor(dtype layout.DType) layout.TileConfig {
	if dtype == layout.Float32 {
		return testConfigF32()
	}
	return testConfig()
}

func geometryFor(m, n int, cfg layout.TileConfig) Geometry {
	return Geometry{
		GridX:           xmath.CeilDiv(n, cfg.TileN),
		GridY:           xmath.CeilDiv(m, cfg.TileM),
		ThreadsPerBlock: cfg.ThreadsPerBlock(),
	}
}

// referenceGemm is the triple-loop reference: c = alpha*a·b + beta*c.
// It accumulates in float64 so the comparison tolerance is dominated by the
// kernel's own float32 accumulation, not by the reference's.
func referenceGemm(m, n, k int, alpha float32, a, b []float32, beta float32, c []float32) {
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float64
			for p := 0; p < k; p++ {
				sum += float64(a[i*k+p]) * float64(b[p*n+j])
			}
			c[i*n+j] = alpha*float32(sum) + beta*c[i*n+j]
		}
	}
}

func randomMatrix(rng *rand.Rand, size int) []float32 {
	out := make([]float32, size)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

// stageArgs uploads operands and builds kernel Args. For Float16 the host
// values are quantized through the half-precision encoding first, so both
// the kernel and the reference computation see identical operand values.
func stageArgs(t *testing.T, ctx *device.Context, scope *device.Scope,
	m, n, k int, alpha, beta float32, dtype layout.DType,
	hostA, hostB, hostC []float32, cfg layout.TileConfig) Args {
	t.Helper()

	aDesc, err := layout.NewMatrix(m, k, dtype)
	require.NoError(t, err)
	bDesc, err := layout.NewMatrix(k, n, dtype)
	require.NoError(t, err)
	cDesc, err := layout.NewMatrix(m, n, layout.Float32)
	require.NoError(t, err)

	var dA, dB *device.Allocation
	switch dtype {
	case layout.Float16:
		dA, err = scope.Alloc(m * k * 2)
		require.NoError(t, err)
		require.NoError(t, ctx.CopyIn(dA, device.Uint16AsBytes(layout.EncodeF16(hostA))))
		dB, err = scope.Alloc(k * n * 2)
		require.NoError(t, err)
		require.NoError(t, ctx.CopyIn(dB, device.Uint16AsBytes(layout.EncodeF16(hostB))))
	default:
		dA, err = scope.Alloc(m * k * 4)
		require.NoError(t, err)
		require.NoError(t, ctx.CopyIn(dA, device.Float32AsBytes(hostA)))
		dB, err = scope.Alloc(k * n * 4)
		require.NoError(t, err)
		require.NoError(t, ctx.CopyIn(dB, device.Float32AsBytes(hostB)))
	}
	dC, err := scope.Alloc(m * n * 4)
	require.NoError(t, err)
	require.NoError(t, ctx.CopyIn(dC, device.Float32AsBytes(hostC)))

	return Args{
		M: m, N: n, K: k,
		Alpha: alpha, Beta: beta,
		A: dA, B: dB, C: dC,
		ADesc: aDesc, BDesc: bDesc, CDesc: cDesc,
		Config: cfg,
	}
}

func requireClose(t *testing.T, want, got []float32, relTol float64) {
	t.Helper()
	for i := range want {
		diff := float64(want[i] - got[i])
		if diff < 0 {
			diff = -diff
		}
		scale := float64(want[i])
		if scale < 0 {
			scale = -scale
		}
		if scale < 1 {
			scale = 1
		}
		require.LessOrEqual(t, diff/scale, relTol, "element %d: want %v, got %v", i, want[i], got[i])
	}
}

func TestKernelNames(t *testing.T) {
	assert.Equal(t, []string{"gemm_kernel", "gemm_kernel_tiled", "gemm_kernel_wmma"}, Names())
	k, err := Get(Default)
	require.NoError(t, err)
	assert.Equal(t, "gemm_kernel_wmma", k.Name())
	_, err = Get("gemm_kernel_turbo")
	require.Error(t, err)
}

func TestVariantsMatchReference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	r := device.NewRegistry(1, 256<<20)
	ctx, err := r.Open("")
	require.NoError(t, err)
	defer func() { _ = ctx.Close() }()

	cases := []struct {
		m, n, k int
	}{
		{16, 16, 16},  // single fragment
		{32, 32, 32},  // single tile, multiple K-steps
		{64, 48, 40},  // tile-misaligned N and K
		{130, 70, 33}, // misaligned everywhere, partial last tiles
		{33, 128, 16}, // partial M only
	}
	for _, name := range Names() {
		krn, err := Get(name)
		require.NoError(t, err)
		for _, dtype := range []layout.DType{layout.Float32, layout.Float16} {
			relTol := 1e-5
			if dtype == layout.Float16 {
				relTol = 1e-3
			}
			for _, tc := range cases {
				t.Run(fmt.Sprintf("%s/%s/%dx%dx%d", name, dtype, tc.m, tc.n, tc.k), func(t *testing.T) {
					scope := ctx.Scope()
					defer func() { require.NoError(t, scope.Close()) }()

					hostA := randomMatrix(rng, tc.m*tc.k)
					hostB := randomMatrix(rng, tc.k*tc.n)
					if dtype == layout.Float16 {
						hostA = layout.DecodeF16(layout.EncodeF16(hostA))
						hostB = layout.DecodeF16(layout.EncodeF16(hostB))
					}
					hostC := make([]float32, tc.m*tc.n)

					cfg := configFor(dtype)
					args := stageArgs(t, ctx, scope, tc.m, tc.n, tc.k, 1, 0, dtype, hostA, hostB, hostC, cfg)
					require.NoError(t, krn.Run(geometryFor(tc.m, tc.n, cfg), args))

					got := make([]float32, tc.m*tc.n)
					require.NoError(t, ctx.CopyOut(device.Float32AsBytes(got), args.C))

					want := make([]float32, tc.m*tc.n)
					referenceGemm(tc.m, tc.n, tc.k, 1, hostA, hostB, 0, want)
					requireClose(t, want, got, relTol)
				})
			}
		}
	}
}

func TestAlphaBetaEpilogue(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r := device.NewRegistry(1, 64<<20)
	ctx, err := r.Open("")
	require.NoError(t, err)
	defer func() { _ = ctx.Close() }()

	const m, n, k = 48, 40, 24
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			scope := ctx.Scope()
			defer func() { require.NoError(t, scope.Close()) }()

			hostA := randomMatrix(rng, m*k)
			hostB := randomMatrix(rng, k*n)
			hostC := randomMatrix(rng, m*n)

			cfg := testConfigF32()
			args := stageArgs(t, ctx, scope, m, n, k, 2.5, -0.75, layout.Float32, hostA, hostB, hostC, cfg)

			krn, err := Get(name)
			require.NoError(t, err)
			require.NoError(t, krn.Run(geometryFor(m, n, cfg), args))

			got := make([]float32, m*n)
			require.NoError(t, ctx.CopyOut(device.Float32AsBytes(got), args.C))

			want := make([]float32, m*n)
			copy(want, hostC)
			referenceGemm(m, n, k, 2.5, hostA, hostB, -0.75, want)
			requireClose(t, want, got, 1e-5)
		})
	}
}

func TestSingleTileHandComputable(t *testing.T) {
	// M=N=K=16, A an identity-like pattern (2x identity), B a known ramp:
	// C must equal 2*B exactly, no padding involved.
	r := device.NewRegistry(1, 16<<20)
	ctx, err := r.Open("")
	require.NoError(t, err)
	defer func() { _ = ctx.Close() }()

	const dim = 16
	hostA := make([]float32, dim*dim)
	for i := 0; i < dim; i++ {
		hostA[i*dim+i] = 2
	}
	hostB := make([]float32, dim*dim)
	for i := range hostB {
		hostB[i] = float32(i % 11)
	}
	hostC := make([]float32, dim*dim)

	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			scope := ctx.Scope()
			defer func() { require.NoError(t, scope.Close()) }()

			cfg := testConfigF32()
			args := stageArgs(t, ctx, scope, dim, dim, dim, 1, 0, layout.Float32, hostA, hostB, hostC, cfg)
			krn, err := Get(name)
			require.NoError(t, err)
			require.NoError(t, krn.Run(geometryFor(dim, dim, cfg), args))

			got := make([]float32, dim*dim)
			require.NoError(t, ctx.CopyOut(device.Float32AsBytes(got), args.C))
			for i := range got {
				require.Equal(t, 2*hostB[i], got[i], "element %d", i)
			}
		})
	}
}

func TestLargeNonSquare(t *testing.T) {
	if testing.Short() {
		t.Skip("large problem, skipped in -short mode")
	}
	// Tile-misaligned on M with the production tiling; exercises edge-tile
	// padding at production tile sizes.
	rng := rand.New(rand.NewSource(3))
	r := device.NewRegistry(1, 1<<30)
	ctx, err := r.Open("")
	require.NoError(t, err)
	defer func() { _ = ctx.Close() }()

	const m, n, k = 260, 512, 192
	scope := ctx.Scope()
	defer func() { require.NoError(t, scope.Close()) }()

	hostA := randomMatrix(rng, m*k)
	hostB := randomMatrix(rng, k*n)
	hostC := make([]float32, m*n)

	cfg := layout.AmpereDefault()
	cfg.WarpK = 8
	args := stageArgs(t, ctx, scope, m, n, k, 1, 0, layout.Float32, hostA, hostB, hostC, cfg)
	krn, err := Get(Default)
	require.NoError(t, err)
	require.NoError(t, krn.Run(geometryFor(m, n, cfg), args))

	got := make([]float32, m*n)
	require.NoError(t, ctx.CopyOut(device.Float32AsBytes(got), args.C))

	want := make([]float32, m*n)
	referenceGemm(m, n, k, 1, hostA, hostB, 0, want)
	requireClose(t, want, got, 1e-5)
}

func TestCheckArgsRejectsMismatch(t *testing.T) {
	r := device.NewRegistry(1, 16<<20)
	ctx, err := r.Open("")
	require.NoError(t, err)
	defer func() { _ = ctx.Close() }()
	scope := ctx.Scope()
	defer func() { _ = scope.Close() }()

	hostA := make([]float32, 16*16)
	args := stageArgs(t, ctx, scope, 16, 16, 16, 1, 0, layout.Float32, hostA, hostA, hostA, testConfigF32())
	args.K = 17 // disagrees with ADesc
	krn, err := Get(Default)
	require.NoError(t, err)
	require.ErrorIs(t, krn.Run(geometryFor(16, 16, args.Config), args), layout.ErrShapeMismatch)
}

func TestBarrier(t *testing.T) {
	// All parties must arrive before any is released, repeatedly.
	const parties, cycles = 8, 100
	bar := newBarrier(parties)
	counts := make([]int, parties)
	done := make(chan struct{})
	for w := 0; w < parties; w++ {
		go func(w int) {
			for c := 0; c < cycles; c++ {
				counts[w]++
				bar.await()
				// After the barrier every party must have reached this cycle.
				for o := 0; o < parties; o++ {
					if counts[o] < c+1 {
						t.Errorf("party %d released at cycle %d before party %d arrived", w, c, o)
					}
				}
				bar.await()
			}
			done <- struct{}{}
		}(w)
	}
	for w := 0; w < parties; w++ {
		<-done
	}
}
