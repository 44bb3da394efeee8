// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

// Package engine is the host-side orchestration of the GEMM engine: it
// plans launch geometry from the problem size and tile parameters,
// validates launches against device limits, and exposes the Gemm entry
// point consumed by benchmark harnesses.
package engine

import (
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/nutcas3/warpgemm/device"
	"github.com/nutcas3/warpgemm/kernel"
	"github.com/nutcas3/warpgemm/types/layout"
	"github.com/nutcas3/warpgemm/types/xmath"
)

var (
	// ErrInvalidGeometry means the tile parameters cannot cover the
	// problem under the edge-padding policy.
	ErrInvalidGeometry = errors.New("invalid launch geometry")

	// ErrLaunchFailed means the device rejected the launch. The error
	// names the limiting resource; see LaunchError.
	ErrLaunchFailed = errors.New("kernel launch failed")
)

// LaunchError reports a launch rejected by device resource limits.
// It unwraps to ErrLaunchFailed.
type LaunchError struct {
	// Resource is the limiting resource: "registers", "shared memory",
	// "threads" or "block count".
	Resource string
	Detail   string
}

// Error implements the error interface.
func (e *LaunchError) Error() string {
	return "kernel launch failed: " + e.Resource + " limit exceeded: " + e.Detail
}

// Unwrap makes errors.Is(err, ErrLaunchFailed) hold.
func (e *LaunchError) Unwrap() error {
	return ErrLaunchFailed
}

// Plan derives the launch geometry for an M×N×K problem under the given
// tiling: one block per output tile, gridX = ceil(N/TileN),
// gridY = ceil(M/TileM). Deterministic; same inputs, same geometry.
func Plan(m, n, k int, cfg layout.TileConfig, dtype layout.DType) (kernel.Geometry, error) {
	if m <= 0 || n <= 0 || k <= 0 {
		return kernel.Geometry{}, errors.Wrapf(ErrInvalidGeometry, "problem dimensions must be positive, got %dx%dx%d", m, n, k)
	}
	if err := cfg.Validate(dtype); err != nil {
		return kernel.Geometry{}, errors.Wrapf(ErrInvalidGeometry, "tile config cannot cover %dx%dx%d: %v", m, n, k, err)
	}
	return kernel.Geometry{
		GridX:           xmath.CeilDiv(n, cfg.TileN),
		GridY:           xmath.CeilDiv(m, cfg.TileM),
		ThreadsPerBlock: cfg.ThreadsPerBlock(),
	}, nil
}

// Launch validates the launch against the device's resource limits and, if
// it fits, enqueues the kernel on the stream. It returns immediately;
// completion is observed through stream.Synchronize. Validation failures
// surface before any device work is issued.
func Launch(dev *device.Device, krn kernel.Kernel, g kernel.Geometry, args kernel.Args, stream *device.Stream) error {
	if g.ThreadsPerBlock > dev.MaxThreadsPerBlock {
		return errors.WithStack(&LaunchError{
			Resource: "threads",
			Detail:   errors.Errorf("%d threads per block, %s allows %d", g.ThreadsPerBlock, dev, dev.MaxThreadsPerBlock).Error(),
		})
	}
	if regs := krn.RegsPerThread() * g.ThreadsPerBlock; regs > dev.RegsPerBlock {
		return errors.WithStack(&LaunchError{
			Resource: "registers",
			Detail:   errors.Errorf("%s needs %d registers per block, %s has %d", krn.Name(), regs, dev, dev.RegsPerBlock).Error(),
		})
	}
	if shared := krn.SharedBytes(args.Config, args.DType()); shared > dev.SharedMemPerBlock {
		return errors.WithStack(&LaunchError{
			Resource: "shared memory",
			Detail:   errors.Errorf("%s needs %d bytes per block, %s has %d", krn.Name(), shared, dev, dev.SharedMemPerBlock).Error(),
		})
	}
	if g.GridX > dev.MaxGridDimX || g.GridY > dev.MaxGridDimY {
		return errors.WithStack(&LaunchError{
			Resource: "block count",
			Detail:   errors.Errorf("grid %dx%d exceeds %s limits %dx%d", g.GridX, g.GridY, dev, dev.MaxGridDimX, dev.MaxGridDimY).Error(),
		})
	}
	klog.V(1).Infof("launching %s on %s: grid %dx%d, %d threads/block, problem %dx%dx%d",
		krn.Name(), dev, g.GridX, g.GridY, g.ThreadsPerBlock, args.M, args.N, args.K)
	stream.Enqueue(func() error {
		return krn.Run(g, args)
	})
	return nil
}

// Options tune a Gemm call. The zero value selects the default kernel
// variant and tiling.
type Options struct {
	// Kernel is a kernel entry name from kernel.Names. Empty selects
	// kernel.Default.
	Kernel string

	// Config overrides the tile configuration. Nil selects
	// layout.AmpereDefault.
	Config *layout.TileConfig
}

func (o *Options) kernelName() string {
	if o == nil || o.Kernel == "" {
		return kernel.Default
	}
	return o.Kernel
}

func (o *Options) tileConfig() layout.TileConfig {
	if o == nil || o.Config == nil {
		return layout.AmpereDefault()
	}
	return *o.Config
}

// Gemm computes C = alpha*A·B + beta*C on the device matched by selector,
// opening a context for the duration of the call. See GemmOnContext.
func Gemm(a, b Operand, c *Operand, alpha, beta float32, selector string, opts *Options) (*PerformanceReport, error) {
	ctx, err := device.Open(selector)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ctx.Close() }()
	return GemmOnContext(ctx, a, b, c, alpha, beta, opts)
}

// GemmOnContext computes C = alpha*A·B + beta*C on an already-open
// context. A and B are read-only; C is written in full (and read first
// only when beta != 0). The operand buffers must not alias.
//
// All device resources are scoped to the call: they are released on every
// exit path, and the context's allocation count returns to its prior value
// whether the call succeeds or fails.
func GemmOnContext(ctx *device.Context, a, b Operand, c *Operand, alpha, beta float32, opts *Options) (report *PerformanceReport, err error) {
	if err = checkOperands(a, b, c); err != nil {
		return nil, err
	}
	cfg := opts.tileConfig()
	krn, err := kernel.Get(opts.kernelName())
	if err != nil {
		return nil, err
	}
	m, n, k := a.Desc.Rows, b.Desc.Cols, a.Desc.Cols
	g, err := Plan(m, n, k, cfg, a.Desc.DType)
	if err != nil {
		return nil, err
	}

	scope := ctx.Scope()
	defer func() {
		if cerr := scope.Close(); cerr != nil && err == nil {
			report, err = nil, cerr
		}
	}()

	dA, err := stageOperand(ctx, scope, a)
	if err != nil {
		return nil, err
	}
	dB, err := stageOperand(ctx, scope, b)
	if err != nil {
		return nil, err
	}
	dC, err := scope.Alloc(c.Desc.Bytes())
	if err != nil {
		return nil, err
	}
	if beta != 0 {
		// The epilogue reads the previous C.
		if err = ctx.CopyIn(dC, device.Float32AsBytes(c.F32[:c.Desc.Size()])); err != nil {
			return nil, err
		}
	}

	args := kernel.Args{
		M: m, N: n, K: k,
		Alpha: alpha, Beta: beta,
		A: dA, B: dB, C: dC,
		ADesc: a.Desc, BDesc: b.Desc, CDesc: c.Desc,
		Config: cfg,
	}
	stream := ctx.Stream()
	start := time.Now()
	if err = Launch(ctx.Device(), krn, g, args, stream); err != nil {
		return nil, err
	}
	if err = stream.Synchronize(); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	if err = ctx.CopyOut(device.Float32AsBytes(c.F32[:c.Desc.Size()]), dC); err != nil {
		return nil, err
	}
	return newReport(m, n, k, krn.Name(), ctx.Device().Name, g, elapsed), nil
}

func stageOperand(ctx *device.Context, scope *device.Scope, op Operand) (*device.Allocation, error) {
	alloc, err := scope.Alloc(op.Desc.Bytes())
	if err != nil {
		return nil, err
	}
	var src []byte
	if op.Desc.DType == layout.Float16 {
		src = device.Uint16AsBytes(op.F16[:op.Desc.Size()])
	} else {
		src = device.Float32AsBytes(op.F32[:op.Desc.Size()])
	}
	if err := ctx.CopyIn(alloc, src); err != nil {
		return nil, err
	}
	return alloc, nil
}
