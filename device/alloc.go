// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Allocation is an opaque handle to device-resident memory. It is owned
// exclusively by the Context that created it, lives until released exactly
// once, and must never be accessed after release. Prefer obtaining
// allocations through a Scope so release on every exit path is guaranteed.
//
// Zero-initialization is not guaranteed.
type Allocation struct {
	owner    *Context
	data     []byte
	released bool
}

// Alloc reserves sizeBytes of device memory. It fails with ErrOutOfMemory
// when the device cannot satisfy the request; the context remains usable
// for smaller allocations afterwards.
func (c *Context) Alloc(sizeBytes int) (*Allocation, error) {
	if c.closed {
		return nil, errors.WithStack(ErrClosed)
	}
	if sizeBytes <= 0 {
		return nil, errors.Errorf("allocation size must be positive, got %d", sizeBytes)
	}
	if c.bytesInUse+uint64(sizeBytes) > c.dev.TotalMemory {
		return nil, errors.Wrapf(ErrOutOfMemory, "%s requested, %s free of %s on %s",
			humanize.IBytes(uint64(sizeBytes)),
			humanize.IBytes(c.dev.TotalMemory-c.bytesInUse),
			humanize.IBytes(c.dev.TotalMemory), c.dev)
	}
	a := &Allocation{owner: c, data: make([]byte, sizeBytes)}
	c.allocs[a] = struct{}{}
	c.bytesInUse += uint64(sizeBytes)
	return a, nil
}

// Free releases the allocation. Releasing twice is a programming error and
// always reported as ErrDoubleFree, never silently tolerated.
func (c *Context) Free(a *Allocation) error {
	if a == nil {
		return errors.Errorf("cannot free a nil allocation")
	}
	if a.released {
		return errors.Wrapf(ErrDoubleFree, "allocation of %s on context %s", humanize.IBytes(uint64(len(a.data))), c.ID)
	}
	if a.owner != c {
		return errors.Errorf("allocation is owned by context %s, not %s", a.owner.ID, c.ID)
	}
	a.released = true
	delete(c.allocs, a)
	c.bytesInUse -= uint64(len(a.data))
	a.data = nil
	return nil
}

// SizeBytes returns the allocation size.
func (a *Allocation) SizeBytes() int {
	return len(a.data)
}

// Bytes returns the raw device bytes. The view is invalidated by Free.
func (a *Allocation) Bytes() []byte {
	return a.data
}

// Float32 views the allocation as float32 elements.
func (a *Allocation) Float32() []float32 {
	if len(a.data) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&a.data[0])), len(a.data)/4)
}

// Uint16 views the allocation as raw half-precision bit patterns.
func (a *Allocation) Uint16() []uint16 {
	if len(a.data) == 0 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&a.data[0])), len(a.data)/2)
}

// Scope is a scoped acquisition of device resources: allocations requested
// through it are released together when the scope closes, on every exit
// path, without caller-written per-allocation cleanup.
//
//	scope := ctx.Scope()
//	defer scope.Close()
//	a, err := scope.Alloc(n)
type Scope struct {
	ctx    *Context
	allocs []*Allocation
	closed bool
}

// Scope opens a new resource scope on the context.
func (c *Context) Scope() *Scope {
	return &Scope{ctx: c}
}

// Alloc reserves device memory owned by the scope.
func (s *Scope) Alloc(sizeBytes int) (*Allocation, error) {
	if s.closed {
		return nil, errors.WithStack(ErrClosed)
	}
	a, err := s.ctx.Alloc(sizeBytes)
	if err != nil {
		return nil, err
	}
	s.allocs = append(s.allocs, a)
	return a, nil
}

// Close releases every allocation of the scope, in reverse acquisition
// order. It is idempotent at the scope level; the underlying allocations
// are still each released exactly once.
func (s *Scope) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for i := len(s.allocs) - 1; i >= 0; i-- {
		if err := s.ctx.Free(s.allocs[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.allocs = nil
	return firstErr
}
