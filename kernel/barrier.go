// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"sync"

	"github.com/gomlx/exceptions"
)

// barrier is the block-wide synchronization primitive: all warps of a block
// arrive, then all are released together. It is cyclic, so one barrier
// gates every stage→compute transition of the K-loop.
//
// This is the only cross-warp ordering primitive inside a kernel; staged
// scratch data becomes visible to the compute phase exclusively by passing
// through it.
type barrier struct {
	mu         sync.Mutex
	cond       sync.Cond
	parties    int
	waiting    int
	generation int
}

func newBarrier(parties int) *barrier {
	if parties <= 0 {
		exceptions.Panicf("barrier requires at least one party, got %d", parties)
	}
	b := &barrier{parties: parties}
	b.cond = sync.Cond{L: &b.mu}
	return b
}

// await blocks until all parties have arrived, then releases them together
// and resets for the next cycle.
func (b *barrier) await() {
	b.mu.Lock()
	defer b.mu.Unlock()
	gen := b.generation
	b.waiting++
	if b.waiting == b.parties {
		b.waiting = 0
		b.generation++
		b.cond.Broadcast()
		return
	}
	for gen == b.generation {
		b.cond.Wait()
	}
}
