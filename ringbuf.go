// ringbuf.go: lock-free multi-producer single-consumer ring buffer with
// byte-granular, variable-length reservations and wrap-around.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hop

import (
	"runtime"
	"sync/atomic"
)

// The 'next' offset packs three fields into one uint64: a wrap-lock bit
// (top bit), a wrap counter (next 31 bits, guards against ABA across
// wrap-arounds), and the actual byte offset (low 32 bits). A reservation
// in progress publishes its offset in the worker's seenOff with the lock
// bit set; acquire clears that bit once its CAS on 'next' succeeds, and the
// consumer treats the range as not ready until produce() resets seenOff.
// 'next' itself carries the lock bit only while a wrapping reservation
// publishes its new offset.
const (
	wrapLockBit = uint64(1) << 63
	rbufOffMask = uint64(0xffffffff)
	rbufOffMax  = ^uint64(0) &^ wrapLockBit
	wrapCounter = uint64(0x7fffffff00000000)
	wrapIncrBit = uint64(0x100000000)
)

func wrapIncr(counter uint64) uint64 {
	return (counter + wrapIncrBit) & wrapCounter
}

func spinWait(iteration *int) {
	*iteration++
	if *iteration < 64 {
		return
	}
	runtime.Gosched()
}

// ringWorker is a single producer's registration slot.
type ringWorker struct {
	seenOff    atomic.Uint64
	registered atomic.Bool
}

// ringBuffer implements the MPSC discipline of C2: any number of producers
// may concurrently call acquire/produce from distinct workers; exactly one
// goroutine may call consume/release.
type ringBuffer struct {
	space   uint64
	next    atomic.Uint64
	end     atomic.Uint64
	written atomic.Uint64
	workers []ringWorker
}

func newRingBuffer(nworkers uint32, length uint64) *ringBuffer {
	rb := &ringBuffer{
		space:   length,
		workers: make([]ringWorker, nworkers),
	}
	rb.end.Store(rbufOffMax)
	for i := range rb.workers {
		rb.workers[i].seenOff.Store(rbufOffMax)
	}
	return rb
}

func (rb *ringBuffer) stableNext() uint64 {
	var n int
	for {
		next := rb.next.Load()
		if next&wrapLockBit == 0 {
			return next
		}
		spinWait(&n)
	}
}

func (rb *ringBuffer) stableSeen(w *ringWorker) uint64 {
	var n int
	for {
		seen := w.seenOff.Load()
		if seen&wrapLockBit == 0 {
			return seen
		}
		spinWait(&n)
	}
}

// register assigns worker index i (dense, caller-managed) to a producer and
// returns its handle. i must be < len(rb.workers).
func (rb *ringBuffer) register(i uint32) *ringWorker {
	w := &rb.workers[i]
	w.seenOff.Store(rbufOffMax)
	w.registered.Store(true)
	return w
}

func (rb *ringBuffer) unregister(w *ringWorker) {
	w.registered.Store(false)
}

// acquire reserves len contiguous bytes for worker w. On success it returns
// the offset to write at and true; the worker must call produce once the
// write is complete. On failure (len invalid, or the reservation would
// overtake the consumer's written offset) it returns false and the caller
// must drop this batch.
func (rb *ringBuffer) acquire(w *ringWorker, length uint64) (uint64, bool) {
	if length == 0 || length > rb.space {
		return 0, false
	}

	var seen, next, target uint64
	for {
		written := rb.written.Load()

		seen = rb.stableNext()
		next = seen & rbufOffMask
		w.seenOff.Store(next | wrapLockBit)

		target = next + length
		if next < written && target >= written {
			w.seenOff.Store(rbufOffMax)
			return 0, false
		}

		if target >= rb.space {
			exceed := target > rb.space
			if exceed {
				target = wrapLockBit | length
			} else {
				target = 0
			}
			if (target & rbufOffMask) >= written {
				w.seenOff.Store(rbufOffMax)
				return 0, false
			}
			target |= wrapIncr(seen & wrapCounter)
		} else {
			target |= seen & wrapCounter
		}

		if rb.next.CompareAndSwap(seen, target) {
			break
		}
	}

	w.seenOff.Store(w.seenOff.Load() &^ wrapLockBit)

	if target&wrapLockBit != 0 {
		rb.end.Store(next)
		next = 0
		rb.next.Store(target &^ wrapLockBit)
	}
	return next, true
}

// produce marks a worker's acquired range as ready for the consumer.
func (rb *ringBuffer) produce(w *ringWorker) {
	w.seenOff.Store(rbufOffMax)
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// consume returns a contiguous range ready to be read, or ok=false if
// nothing new has been produced. The caller must copy the bytes at
// [offset, offset+n) before calling release(n).
func (rb *ringBuffer) consume() (offset, n uint64, ok bool) {
	for {
		written := rb.written.Load()
		next := rb.stableNext() & rbufOffMask
		if written == next {
			return 0, 0, false
		}

		ready := rbufOffMax
		for i := range rb.workers {
			w := &rb.workers[i]
			if !w.registered.Load() {
				continue
			}
			seen := rb.stableSeen(w)
			if seen >= written {
				ready = min64(ready, seen)
			}
		}

		if next < written {
			end := min64(rb.space, rb.end.Load())
			if ready == rbufOffMax && written == end {
				if rb.end.Load() != rbufOffMax {
					rb.end.Store(rbufOffMax)
				}
				rb.written.Store(0)
				continue
			}
			ready = min64(ready, end)
		} else {
			ready = min64(ready, next)
		}

		return written, ready - written, true
	}
}

// release returns nbytes, previously returned by consume, to the pool of
// space available for new reservations.
func (rb *ringBuffer) release(nbytes uint64) {
	written := rb.written.Load() + nbytes
	if written == rb.space {
		written = 0
	}
	rb.written.Store(written)
}
