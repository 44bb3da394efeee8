// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context is an execution context on one device. It owns every allocation
// and stream created through it; Close releases all of them and frees the
// device for a new context.
//
// A Context must not be used from multiple control goroutines without
// external synchronization. Its methods are internally locked only as far
// as needed to keep the allocation accounting consistent.
type Context struct {
	// ID identifies this context in logs.
	ID uuid.UUID

	dev    *Device
	closed bool

	allocs     map[*Allocation]struct{}
	bytesInUse uint64

	defaultStream *Stream
	streams       []*Stream
}

// Open establishes an execution context on the device matched by selector
// in the default registry. See Registry.Select for the selector format.
func Open(selector string) (*Context, error) {
	return Default().Open(selector)
}

// Open establishes an execution context on the device matched by selector.
// It fails with ErrNoDevice if the selector matches nothing and with
// ErrDeviceBusy if the device already has an active context.
func (r *Registry) Open(selector string) (*Context, error) {
	dev, err := r.Select(selector)
	if err != nil {
		return nil, err
	}
	return OpenDevice(dev)
}

// OpenDevice establishes an execution context directly on dev.
func OpenDevice(dev *Device) (*Context, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.active != nil {
		return nil, errors.Wrapf(ErrDeviceBusy, "%s is held by context %s", dev, dev.active.ID)
	}
	ctx := &Context{
		ID:     uuid.New(),
		dev:    dev,
		allocs: make(map[*Allocation]struct{}),
	}
	ctx.defaultStream = ctx.newStreamLocked()
	dev.active = ctx
	klog.V(1).Infof("opened context %s on %s (compute capability %d.%d, %d SMs, %s memory)",
		ctx.ID, dev, dev.CCMajor, dev.CCMinor, dev.SMCount, humanize.IBytes(dev.TotalMemory))
	return ctx, nil
}

// Device returns the device this context runs on.
func (c *Context) Device() *Device {
	return c.dev
}

// Close releases every live allocation and stream and frees the device.
// Closing an already-closed context is a no-op. Live allocations at close
// time are released (and logged): scoped acquisition should have released
// them already.
func (c *Context) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if n := len(c.allocs); n > 0 {
		klog.Warningf("context %s closed with %d live allocation(s) (%s); releasing",
			c.ID, n, humanize.IBytes(c.bytesInUse))
		for a := range c.allocs {
			a.released = true
			a.data = nil
		}
		c.allocs = nil
		c.bytesInUse = 0
	}
	for _, s := range c.streams {
		s.shutdown()
	}
	c.defaultStream.shutdown()
	c.dev.mu.Lock()
	c.dev.active = nil
	c.dev.mu.Unlock()
	klog.V(1).Infof("closed context %s on %s", c.ID, c.dev)
	return nil
}

// AllocCount returns the number of live allocations. After every scoped
// call it must be back to zero; tests rely on this invariant.
func (c *Context) AllocCount() int {
	return len(c.allocs)
}

// BytesInUse returns the device memory currently allocated.
func (c *Context) BytesInUse() uint64 {
	return c.bytesInUse
}
