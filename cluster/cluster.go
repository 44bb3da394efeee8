// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

// Package cluster partitions one large GEMM across the devices of a
// registry and merges the per-device results.
//
// The partitioning splits rows of the output (M axis) only; the
// contraction dimension is never split, so merging is a pure placement of
// shard rows, with no arithmetic reduction step. Any shard failure aborts
// the whole collective and discards all partial results.
package cluster

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/nutcas3/warpgemm/device"
	"github.com/nutcas3/warpgemm/engine"
	"github.com/nutcas3/warpgemm/types/layout"
)

// Shard is one device's assigned sub-problem: a contiguous row range of
// the output matrix. Columns are never split, so every shard spans the
// full [0,N) column range.
type Shard struct {
	// Device is the ordinal of the device assigned to this shard.
	Device int

	// RowStart and RowEnd bound the shard's half-open output row range.
	RowStart, RowEnd int

	// ColStart and ColEnd bound the half-open column range, always the
	// full output width under row splitting.
	ColStart, ColEnd int
}

// Rows is the number of output rows the shard computes.
func (s Shard) Rows() int {
	return s.RowEnd - s.RowStart
}

// Cols is the number of output columns the shard computes.
func (s Shard) Cols() int {
	return s.ColEnd - s.ColStart
}

// String implements fmt.Stringer.
func (s Shard) String() string {
	return fmt.Sprintf("shard(device=%d, rows=[%d,%d), cols=[%d,%d))",
		s.Device, s.RowStart, s.RowEnd, s.ColStart, s.ColEnd)
}

// ShardError reports the failure of one shard of a collective. It unwraps
// to the underlying cause.
type ShardError struct {
	Shard Shard
	Err   error
}

// Error implements the error interface.
func (e *ShardError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Shard, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is/As.
func (e *ShardError) Unwrap() error {
	return e.Err
}

// Partition splits an M x N output over deviceCount devices by rows, as
// evenly as possible, in a deterministic order: shard i runs on device i,
// earlier shards take the remainder rows. The shard ranges exactly tile
// [0,M) x [0,N) with no overlap; devices beyond M get no shard.
func Partition(m, n, deviceCount int) ([]Shard, error) {
	if m <= 0 || n <= 0 {
		return nil, errors.Wrapf(engine.ErrInvalidGeometry, "cannot partition a %dx%d output", m, n)
	}
	if deviceCount <= 0 {
		return nil, errors.Wrapf(device.ErrNoDevice, "cannot partition over %d devices", deviceCount)
	}
	base := m / deviceCount
	rem := m % deviceCount
	shards := make([]Shard, 0, deviceCount)
	row := 0
	for i := 0; i < deviceCount; i++ {
		rows := base
		if i < rem {
			rows++
		}
		if rows == 0 {
			continue
		}
		shards = append(shards, Shard{Device: i, RowStart: row, RowEnd: row + rows, ColEnd: n})
		row += rows
	}
	return shards, nil
}

// Coordinator runs collective GEMMs over the devices of one registry.
type Coordinator struct {
	registry *device.Registry
	opts     *engine.Options
}

// New creates a coordinator over all devices of the registry. opts applies
// to every shard's launch; nil selects defaults.
func New(registry *device.Registry, opts *engine.Options) *Coordinator {
	return &Coordinator{registry: registry, opts: opts}
}

// Gemm computes C = alpha*A·B + beta*C sharded over all devices: each
// shard's rows of A (and of the previous C when beta != 0) go to one
// device together with all of B, the shards execute concurrently, and the
// results are placed into C only after every shard succeeded.
//
// On any shard failure the whole collective aborts with a ShardError
// naming the failing shard; C is left untouched.
func (co *Coordinator) Gemm(a, b engine.Operand, c *engine.Operand, alpha, beta float32) ([]*engine.PerformanceReport, error) {
	if c == nil {
		return nil, errors.Errorf("output operand is nil")
	}
	if err := layout.CheckGemm(a.Desc, b.Desc, c.Desc); err != nil {
		return nil, err
	}
	if a.Desc.Order != layout.RowMajor || c.Desc.Order != layout.RowMajor ||
		a.Desc.Stride != a.Desc.Cols || c.Desc.Stride != c.Desc.Cols {
		return nil, errors.Wrapf(layout.ErrShapeMismatch,
			"row sharding needs dense row-major A and C, got A=%s C=%s", a.Desc, c.Desc)
	}

	m, n, k := a.Desc.Rows, b.Desc.Cols, a.Desc.Cols
	shards, err := Partition(m, n, co.registry.Count())
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("collective GEMM %dx%dx%d over %d shard(s)", m, n, k, len(shards))

	// Each shard computes into its own buffer; placement into C happens
	// only after the whole collective succeeded.
	partials := make([][]float32, len(shards))
	reports := make([]*engine.PerformanceReport, len(shards))

	var grp errgroup.Group
	for i, shard := range shards {
		grp.Go(func() error {
			report, partial, err := co.runShard(shard, a, b, c, alpha, beta, n, k)
			if err != nil {
				return &ShardError{Shard: shard, Err: err}
			}
			partials[i] = partial
			reports[i] = report
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	reduce(shards, partials, c.F32, n)
	return reports, nil
}

// runShard executes one shard on its assigned device and returns the
// shard's output rows.
func (co *Coordinator) runShard(shard Shard, a, b engine.Operand, c *engine.Operand, alpha, beta float32, n, k int) (*engine.PerformanceReport, []float32, error) {
	dev, err := co.registry.ByOrdinal(shard.Device)
	if err != nil {
		return nil, nil, err
	}
	ctx, err := device.OpenDevice(dev)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = ctx.Close() }()

	subA, err := sliceRows(a, shard.RowStart, shard.RowEnd, k)
	if err != nil {
		return nil, nil, err
	}
	partial := make([]float32, shard.Rows()*n)
	if beta != 0 {
		copy(partial, c.F32[shard.RowStart*n:shard.RowEnd*n])
	}
	subC, err := engine.NewOperand(shard.Rows(), n, partial)
	if err != nil {
		return nil, nil, err
	}

	report, err := engine.GemmOnContext(ctx, subA, b, &subC, alpha, beta, co.opts)
	if err != nil {
		return nil, nil, err
	}
	return report, partial, nil
}

// sliceRows views a contiguous row range of a dense row-major operand.
func sliceRows(op engine.Operand, rowStart, rowEnd, cols int) (engine.Operand, error) {
	rows := rowEnd - rowStart
	if op.Desc.DType == layout.Float16 {
		return engine.NewOperandF16(rows, cols, op.F16[rowStart*cols:rowEnd*cols])
	}
	return engine.NewOperand(rows, cols, op.F32[rowStart*cols:rowEnd*cols])
}

// reduce places shard outputs into the final matrix. Row sharding never
// splits the contraction, so this is pure placement.
func reduce(shards []Shard, partials [][]float32, out []float32, n int) {
	for i, shard := range shards {
		copy(out[shard.RowStart*n:shard.RowEnd*n], partials[i])
	}
}
