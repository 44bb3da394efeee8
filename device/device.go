// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

// Package device owns the accelerator execution contexts and every
// device-resident allocation of the GEMM engine.
//
// The hardware target is a virtual warp-synchronous device: an in-process
// software model of a tensor-core accelerator with per-device memory
// capacity, SM count and launch limits. Kernel code never touches host
// memory directly; it goes through Allocations obtained from a Context,
// and every allocation is released through scoped acquisition (see Scope).
//
// A Context is not safe for concurrent use from multiple control
// goroutines without external synchronization. Ordering between
// asynchronous operations is only guaranteed within one Stream.
package device

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Sentinel errors of the resource manager. They are wrapped with context
// when returned; inspect with errors.Is.
var (
	// ErrNoDevice means the device selector matched no device.
	ErrNoDevice = errors.New("no such device")
	// ErrDeviceBusy means the selected device already has an active
	// context. At most one context per device per process.
	ErrDeviceBusy = errors.New("device already has an active context")
	// ErrOutOfMemory means the device cannot satisfy an allocation. The
	// context stays usable for smaller requests.
	ErrOutOfMemory = errors.New("out of device memory")
	// ErrDoubleFree means an allocation was released twice. This is a
	// programming error and is always detected, never silently ignored.
	ErrDoubleFree = errors.New("allocation already released")
	// ErrClosed means the context (or stream) was already closed.
	ErrClosed = errors.New("context is closed")
)

// WARPGEMM_DEVICES is the environment variable setting the number of
// virtual devices of the default registry. Defaults to 1.
const WARPGEMM_DEVICES = "WARPGEMM_DEVICES"

// WARPGEMM_DEVICE_MEMORY sets the per-device memory capacity of the default
// registry, e.g. "2GiB". Defaults to DefaultMemoryPerDevice.
const WARPGEMM_DEVICE_MEMORY = "WARPGEMM_DEVICE_MEMORY"

// DefaultMemoryPerDevice is the memory capacity of each virtual device
// unless overridden.
const DefaultMemoryPerDevice = 2 << 30

// Device describes one virtual accelerator: its identity, memory capacity
// and the launch limits a kernel launch is validated against.
type Device struct {
	Ordinal int
	Name    string

	// TotalMemory is the device memory capacity in bytes.
	TotalMemory uint64

	// SMCount is the number of streaming multiprocessors; it bounds how
	// many blocks execute concurrently.
	SMCount int

	// Launch limits.
	MaxThreadsPerBlock int
	SharedMemPerBlock  int
	RegsPerBlock       int
	MaxGridDimX        int
	MaxGridDimY        int

	// Compute capability, reported on context open.
	CCMajor, CCMinor int

	mu     sync.Mutex
	active *Context // the at-most-one open context
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	return d.Name
}

// Registry is a fixed set of virtual devices. The process-wide default is
// built from the environment on first use; tests and the multi-device
// coordinator may build their own.
type Registry struct {
	devices []*Device
}

// NewRegistry creates count virtual devices with the given per-device
// memory capacity.
func NewRegistry(count int, memoryPerDevice uint64) *Registry {
	r := &Registry{devices: make([]*Device, count)}
	for i := range r.devices {
		r.devices[i] = &Device{
			Ordinal:            i,
			Name:               "WarpSim-" + strconv.Itoa(i),
			TotalMemory:        memoryPerDevice,
			SMCount:            108,
			MaxThreadsPerBlock: 1024,
			SharedMemPerBlock:  160 << 10,
			RegsPerBlock:       64 << 10,
			MaxGridDimX:        (1 << 31) - 1,
			MaxGridDimY:        65535,
			CCMajor:            8,
			CCMinor:            0,
		}
	}
	return r
}

// Count returns the number of devices in the registry.
func (r *Registry) Count() int {
	return len(r.devices)
}

// Devices returns all devices, in ordinal order.
func (r *Registry) Devices() []*Device {
	return r.devices
}

// ByOrdinal returns the device with the given ordinal.
func (r *Registry) ByOrdinal(ordinal int) (*Device, error) {
	if ordinal < 0 || ordinal >= len(r.devices) {
		return nil, errors.Wrapf(ErrNoDevice, "ordinal %d, registry has %d device(s)", ordinal, len(r.devices))
	}
	return r.devices[ordinal], nil
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry, built on first use from
// WARPGEMM_DEVICES and WARPGEMM_DEVICE_MEMORY.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		count := 1
		if v := os.Getenv(WARPGEMM_DEVICES); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				klog.Warningf("invalid %s=%q, using 1 device", WARPGEMM_DEVICES, v)
			} else {
				count = n
			}
		}
		mem := uint64(DefaultMemoryPerDevice)
		if v := os.Getenv(WARPGEMM_DEVICE_MEMORY); v != "" {
			parsed, err := humanize.ParseBytes(v)
			if err != nil {
				klog.Warningf("invalid %s=%q, using %s", WARPGEMM_DEVICE_MEMORY, v, humanize.IBytes(mem))
			} else {
				mem = parsed
			}
		}
		defaultRegistry = NewRegistry(count, mem)
		klog.V(1).Infof("device registry: %d virtual device(s), %s each", count, humanize.IBytes(mem))
	})
	return defaultRegistry
}

// Select resolves a device selector string against the registry.
//
// The format follows "<name>[:<ordinal>]": "" or "virt" selects device 0,
// "virt:2" selects ordinal 2, and a bare number is accepted as an ordinal.
func (r *Registry) Select(selector string) (*Device, error) {
	sel := strings.TrimSpace(selector)
	ordinal := 0
	if idx := strings.Index(sel, ":"); idx != -1 {
		name := sel[:idx]
		if name != "" && name != "virt" {
			return nil, errors.Wrapf(ErrNoDevice, "unknown device kind %q in selector %q", name, selector)
		}
		sel = sel[idx+1:]
	}
	switch sel {
	case "", "virt":
		// Device 0.
	default:
		n, err := strconv.Atoi(sel)
		if err != nil {
			return nil, errors.Wrapf(ErrNoDevice, "cannot parse selector %q", selector)
		}
		ordinal = n
	}
	return r.ByOrdinal(ordinal)
}
