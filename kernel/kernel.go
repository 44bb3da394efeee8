// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

// Package kernel implements the per-block tile pipeline of the GEMM engine
// and the registry of kernel variants.
//
// Each variant is registered under a stable entry name so external
// profiling tools can attach by name. The variants mirror the classic
// progression of a tensor-core GEMM:
//
//   - gemm_kernel: one lane per output element, K-loop straight against
//     global memory. Reference and fallback.
//   - gemm_kernel_tiled: cooperative staging of operand slabs into swizzled
//     scratch memory, barrier-gated, scalar compute.
//   - gemm_kernel_wmma: staged slabs plus per-warp fragment
//     multiply-accumulate with double-buffered staging. The default.
//
// Accumulation is always float32, also for float16 operands
// (accumulate-in-higher-precision contract).
package kernel

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/nutcas3/warpgemm/device"
	"github.com/nutcas3/warpgemm/types/layout"
)

// Geometry is the launch geometry: grid of blocks and threads per block,
// derived deterministically from the problem size and tile config by the
// launch orchestrator.
type Geometry struct {
	GridX, GridY    int
	ThreadsPerBlock int
}

// Blocks is the total number of blocks of the grid.
func (g Geometry) Blocks() int {
	return g.GridX * g.GridY
}

// Args carries one launch's operands and parameters. A, B and C are
// device-resident; their descriptors give the Global-level addressing.
// No aliasing is allowed between the three buffers.
type Args struct {
	M, N, K     int
	Alpha, Beta float32

	A, B, C             *device.Allocation
	ADesc, BDesc, CDesc layout.Matrix

	Config layout.TileConfig
}

// DType returns the operand element type.
func (a Args) DType() layout.DType {
	return a.ADesc.DType
}

// Kernel is one GEMM kernel variant.
type Kernel interface {
	// Name is the stable entry identifier, usable by profiling tools.
	Name() string

	// RegsPerThread is the register budget per lane, used to validate a
	// launch against the device's register file.
	RegsPerThread() int

	// SharedBytes is the scratch footprint per block for the given tiling
	// and operand type.
	SharedBytes(cfg layout.TileConfig, dtype layout.DType) int

	// Run executes the grid. It returns only after every block has
	// finished and all writes to C are globally visible.
	Run(g Geometry, args Args) error
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]Kernel)
)

// Register adds a kernel variant under its stable name. Called from init.
func Register(k Kernel) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[k.Name()] = k
}

// Get returns the kernel variant with the given entry name.
func Get(name string) (Kernel, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	k, ok := registry[name]
	if !ok {
		return nil, errors.Errorf("unknown kernel %q, have %v", name, namesLocked())
	}
	return k, nil
}

// Names lists the registered kernel entry names, sorted. This is the
// profiling boundary: each name is a stable symbol.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	return namesLocked()
}

func namesLocked() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default is the entry name of the default kernel variant.
const Default = "gemm_kernel_wmma"

// element is an operand element as stored on the device: float32, or the
// bit pattern of an IEEE half.
type element interface {
	~float32 | ~uint16
}

// toF32 decodes one stored element to float32, the form the tensor unit
// consumes.
func toF32[T element](v T) float32 {
	switch x := any(v).(type) {
	case float32:
		return x
	case uint16:
		return float16.Frombits(x).Float32()
	}
	return 0
}

// deviceView returns the allocation's elements as []T.
func deviceView[T element](a *device.Allocation) []T {
	var zero T
	switch any(zero).(type) {
	case float32:
		return any(a.Float32()).([]T)
	default:
		return any(a.Uint16()).([]T)
	}
}

// checkArgs validates argument consistency common to all variants.
func checkArgs(args Args) error {
	if err := layout.CheckGemm(args.ADesc, args.BDesc, args.CDesc); err != nil {
		return err
	}
	if args.M != args.ADesc.Rows || args.K != args.ADesc.Cols ||
		args.N != args.BDesc.Cols {
		return errors.Wrapf(layout.ErrShapeMismatch,
			"problem %dx%dx%d disagrees with descriptors A=%s B=%s", args.M, args.N, args.K, args.ADesc, args.BDesc)
	}
	if args.A == nil || args.B == nil || args.C == nil {
		return errors.Errorf("kernel launched with nil operand buffer")
	}
	return nil
}

// scratchPool recycles per-block staging slabs between blocks. Staging
// overwrites every slab element (padding included), so recycled content is
// never observable.
var scratchPool = sync.Pool{
	New: func() any { return new([]float32) },
}

func getScratch(size int) *[]float32 {
	ref := scratchPool.Get().(*[]float32)
	if cap(*ref) < size {
		*ref = make([]float32, size)
	}
	*ref = (*ref)[:size]
	return ref
}

func putScratch(ref *[]float32) {
	scratchPool.Put(ref)
}
