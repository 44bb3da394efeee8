// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"os"
	"runtime"
	"strconv"
	"sync"

	"k8s.io/klog/v2"
)

// WARPGEMM_PARALLELISM caps how many blocks execute concurrently on the
// host. 0 disables parallelism (blocks run inline), -1 is unlimited.
// Defaults to the number of CPUs.
const WARPGEMM_PARALLELISM = "WARPGEMM_PARALLELISM"

// blocksPool schedules block bodies. It is a soft limit on parallel block
// execution: the warp goroutines a block spawns internally are not counted,
// they are part of their block's budget and always run (a capped warp
// would deadlock the block barrier).
type blocksPool struct {
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond
	numRunning int
}

var (
	pool     blocksPool
	poolOnce sync.Once
)

func sharedPool() *blocksPool {
	poolOnce.Do(func() {
		pool.maxParallelism = runtime.NumCPU()
		if v := os.Getenv(WARPGEMM_PARALLELISM); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				klog.Warningf("invalid %s=%q, using %d", WARPGEMM_PARALLELISM, v, pool.maxParallelism)
			} else {
				pool.maxParallelism = n
			}
		}
		pool.cond = sync.Cond{L: &pool.mu}
		klog.V(2).Infof("block scheduler parallelism: %d", pool.maxParallelism)
	})
	return &pool
}

// lockedIsFull must be called with mu held.
func (p *blocksPool) lockedIsFull() bool {
	if p.maxParallelism == 0 {
		return true
	} else if p.maxParallelism < 0 {
		return false
	}
	return p.numRunning >= p.maxParallelism
}

// waitToStart blocks until a slot is free, then runs task in a goroutine.
// With parallelism disabled it runs the task inline.
func (p *blocksPool) waitToStart(task func()) {
	if p.maxParallelism == 0 {
		task()
		return
	}
	if p.maxParallelism < 0 {
		go task()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.lockedIsFull() {
		p.cond.Wait()
	}
	p.numRunning++
	go func() {
		task()
		p.mu.Lock()
		p.numRunning--
		p.cond.Signal()
		p.mu.Unlock()
	}()
}

// parallelFor runs task(0..n-1) across the pool and waits for all of them.
func parallelFor(n int, task func(i int)) {
	p := sharedPool()
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		p.waitToStart(func() {
			defer wg.Done()
			task(i)
		})
	}
	wg.Wait()
}
