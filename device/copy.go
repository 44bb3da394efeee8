// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"unsafe"

	"github.com/pkg/errors"
)

// CopyIn transfers host bytes into a device allocation. Blocking.
func (c *Context) CopyIn(dst *Allocation, src []byte) error {
	if err := c.checkTransfer(dst, len(src)); err != nil {
		return errors.WithMessage(err, "CopyIn")
	}
	copy(dst.data, src)
	return nil
}

// CopyOut transfers a device allocation back to host bytes. Blocking.
func (c *Context) CopyOut(dst []byte, src *Allocation) error {
	if err := c.checkTransfer(src, len(dst)); err != nil {
		return errors.WithMessage(err, "CopyOut")
	}
	copy(dst, src.data)
	return nil
}

// CopyDevice transfers between two allocations on the same context.
// Blocking.
func (c *Context) CopyDevice(dst, src *Allocation) error {
	if err := c.checkTransfer(dst, src.SizeBytes()); err != nil {
		return errors.WithMessage(err, "CopyDevice")
	}
	if err := c.checkTransfer(src, dst.SizeBytes()); err != nil {
		return errors.WithMessage(err, "CopyDevice")
	}
	copy(dst.data, src.data)
	return nil
}

// CopyInAsync enqueues a host→device transfer on the stream and returns
// immediately. The source slice must stay untouched until the stream
// synchronizes.
func (c *Context) CopyInAsync(dst *Allocation, src []byte, stream *Stream) {
	stream.Enqueue(func() error { return c.CopyIn(dst, src) })
}

// CopyOutAsync enqueues a device→host transfer on the stream.
func (c *Context) CopyOutAsync(dst []byte, src *Allocation, stream *Stream) {
	stream.Enqueue(func() error { return c.CopyOut(dst, src) })
}

func (c *Context) checkTransfer(a *Allocation, hostBytes int) error {
	if c.closed {
		return errors.WithStack(ErrClosed)
	}
	if a == nil || a.released {
		return errors.Errorf("transfer against a released allocation")
	}
	if a.owner != c {
		return errors.Errorf("allocation is owned by context %s, not %s", a.owner.ID, c.ID)
	}
	if hostBytes > len(a.data) {
		return errors.Errorf("transfer of %d bytes exceeds allocation of %d bytes", hostBytes, len(a.data))
	}
	return nil
}

// Float32AsBytes reinterprets a float32 slice as its little-endian byte
// representation without copying. The result aliases v.
func Float32AsBytes(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*4)
}

// Uint16AsBytes reinterprets a uint16 slice as bytes without copying.
func Uint16AsBytes(v []uint16) []byte {
	if len(v) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&v[0])), len(v)*2)
}
