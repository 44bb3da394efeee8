// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"time"

	"github.com/nutcas3/warpgemm/kernel"
)

// PerformanceReport carries what a benchmark harness prints about one Gemm
// call: elapsed kernel time and achieved throughput.
type PerformanceReport struct {
	M, N, K  int
	Kernel   string
	Device   string
	Geometry kernel.Geometry
	Elapsed  time.Duration

	// GFlops is the achieved throughput, counting 2*M*N*K floating-point
	// operations per GEMM.
	GFlops float64
}

func newReport(m, n, k int, kernelName, deviceName string, g kernel.Geometry, elapsed time.Duration) *PerformanceReport {
	flops := 2 * float64(m) * float64(n) * float64(k)
	return &PerformanceReport{
		M: m, N: n, K: k,
		Kernel:   kernelName,
		Device:   deviceName,
		Geometry: g,
		Elapsed:  elapsed,
		GFlops:   flops / elapsed.Seconds() / 1e9,
	}
}

// String implements fmt.Stringer.
func (r *PerformanceReport) String() string {
	return fmt.Sprintf("%s on %s: %dx%dx%d in %v (%.2f GFLOPS, grid %dx%d)",
		r.Kernel, r.Device, r.M, r.N, r.K, r.Elapsed.Round(time.Microsecond), r.GFlops, r.Geometry.GridX, r.Geometry.GridY)
}
