// producer.go: producer public API (C5) — create/shutdown the shared
// segment, obtain per-goroutine recorders, record enter/leave/lock events.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hop

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	timecache "github.com/agilira/go-timecache"
)

// ProducerConfig configures a Producer. Every field has a working zero
// value; callers typically only set ErrorCallback and, for tests, PID.
type ProducerConfig struct {
	// PID identifies the shared segment (name "/hop_<pid>"); defaults to
	// the current process id.
	PID int
	// MaxThreads bounds concurrent ThreadRecorders; defaults to 64.
	MaxThreads uint32
	// RingSize is the ring buffer payload capacity in bytes; defaults to
	// 32MB.
	RingSize uint64
	// MinLockWaitCycles is the minimum lock-wait duration (in the same
	// units as the configured clock — nanoseconds here) worth reporting;
	// shorter waits are dropped at LockAcquired. Defaults to 5 microseconds.
	MinLockWaitCycles uint64
	// HeartbeatIntervalNanos bounds how often a heartbeat is written while
	// a consumer is connected but not listening. Defaults to 100ms.
	HeartbeatIntervalNanos uint64
	// ErrorCallback receives every producer-side failure; a nil callback
	// falls back to a single stderr line per failed operation.
	ErrorCallback ErrorCallback
}

func (c *ProducerConfig) setDefaults() {
	if c.PID == 0 {
		c.PID = os.Getpid()
	}
	if c.MaxThreads == 0 {
		c.MaxThreads = 64
	}
	if c.RingSize == 0 {
		c.RingSize = 32 * 1024 * 1024
	}
	if c.MinLockWaitCycles == 0 {
		c.MinLockWaitCycles = uint64(5 * time.Microsecond)
	}
	if c.HeartbeatIntervalNanos == 0 {
		c.HeartbeatIntervalNanos = uint64(100 * time.Millisecond)
	}
}

// Producer owns the shared segment and ring buffer for one profiled
// process. Every public method here is void-returning or error-free by
// design: failures are reported through ErrorCallback, never to the
// caller, except for the initial NewProducer call itself.
type Producer struct {
	cfg     ProducerConfig
	seg     *segment
	ring    *ringBuffer
	payload []byte

	threadCounter atomic.Uint32

	clock      *timecache.TimeCache
	clockStart time.Time

	errMu   sync.Mutex
	errSeen map[string]bool

	closeOnce sync.Once
}

// NewProducer creates (or attaches to, if one already exists for this PID)
// the shared segment and returns a ready-to-use Producer. This is the one
// call in the producer API that can fail visibly — every call after this
// degrades silently.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	cfg.setDefaults()

	seg, err := createSegment(cfg.PID, cfg.MaxThreads, cfg.RingSize)
	if err != nil {
		return nil, err
	}

	ring := newRingBuffer(cfg.MaxThreads, cfg.RingSize)
	payload := seg.payload(cfg.MaxThreads)
	if uint64(len(payload)) > cfg.RingSize {
		payload = payload[:cfg.RingSize]
	}

	p := &Producer{
		cfg:        cfg,
		seg:        seg,
		ring:       ring,
		payload:    payload,
		clock:      timecache.NewWithResolution(time.Millisecond),
		clockStart: time.Now(),
		errSeen:    make(map[string]bool),
	}
	seg.setBit(stateConnectedProducer)
	registerProducer(cfg.PID, p)
	return p, nil
}

// now returns a monotonic nanosecond timestamp. Go has no portable way to
// read an invariant hardware cycle counter (the library this is adapted
// from falls back to this exact clock when one is unavailable), so this
// port always uses it and always reports usingStdChronoTimestamps.
func (p *Producer) now() uint64 {
	return uint64(p.clock.CachedTime().Sub(p.clockStart))
}

func (p *Producer) hasConnectedConsumer() bool { return p.seg.hasBit(stateConnectedConsumer) }
func (p *Producer) hasListeningConsumer() bool { return p.seg.hasBit(stateListeningConsumer) }

func (p *Producer) shouldSendHeartbeat(ts uint64) bool {
	return ts-p.seg.lastHeartbeat() >= p.cfg.HeartbeatIntervalNanos
}

func (p *Producer) sendHeartbeat(r *ThreadRecorder, ts uint64) {
	p.seg.heartbeat(ts)
	buf, ok := p.acquireChunk(r.worker, msgInfoSize)
	if !ok {
		p.reportError("send heartbeat", ErrRingFull)
		return
	}
	putMsgInfo(buf, msgInfo{
		Type:        msgHeartbeat,
		ThreadIndex: r.threadIndex,
		ThreadID:    r.threadID,
		TimeStamp:   ts,
		ThreadName:  r.threadNameID,
	})
	p.ring.produce(r.worker)
}

// acquireChunk reserves size bytes (rounded to 8-byte alignment) in the
// ring's payload and returns the slice to write into. Returns false if the
// message cannot fit the ring at all (ErrMessageTooLarge, reported here) or
// the reservation is momentarily unavailable (ErrRingFull, reported by the
// caller).
func (p *Producer) acquireChunk(w *ringWorker, size int) ([]byte, bool) {
	padded := uint64(alignUp(size, 8))
	if padded > uint64(len(p.payload)) {
		p.reportError("acquire chunk", ErrMessageTooLarge)
		return nil, false
	}
	off, ok := p.ring.acquire(w, padded)
	if !ok {
		return nil, false
	}
	return p.payload[off : off+uint64(size)], true
}

// reportError invokes ErrorCallback if set, otherwise logs at most once per
// distinct operation name to stderr.
func (p *Producer) reportError(operation string, err error) {
	if p.cfg.ErrorCallback != nil {
		p.cfg.ErrorCallback(operation, err)
		return
	}
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.errSeen[operation] {
		return
	}
	p.errSeen[operation] = true
	fmt.Fprintf(os.Stderr, "hop: %s: %v\n", operation, err)
}

// NewThreadRecorder registers a new producer thread (dense index assigned
// by an atomic counter, capped at MaxThreads) and returns its recorder.
// Returns nil past MaxThreads; the caller's Enter/Leave calls on a nil
// recorder are not valid — check the return value once at goroutine start.
func (p *Producer) NewThreadRecorder(threadID uint64) *ThreadRecorder {
	idx := p.threadCounter.Add(1) - 1
	if idx >= p.cfg.MaxThreads {
		p.reportError("new thread recorder", fmt.Errorf("max threads (%d) reached", p.cfg.MaxThreads))
		return nil
	}
	w := p.ring.register(idx)
	return newThreadRecorder(p, idx, threadID, w)
}

// Shutdown detaches from the shared segment, unlinking it if no consumer
// remains attached.
func (p *Producer) Shutdown() {
	p.closeOnce.Do(func() {
		unregisterProducer(p.cfg.PID)
		p.seg.clearBit(stateConnectedProducer)
		p.clock.Stop()
		if err := p.seg.close(); err != nil {
			p.reportError("shutdown", err)
		}
	})
}

// Enter records a function entry using the given static call-site
// information.
func (r *ThreadRecorder) Enter(file string, line int, fn string) {
	now := r.producer.now()
	fileID := r.addStringToDB(file)
	fnID := r.addStringToDB(fn)
	r.enterInternal(now, fileID, fnID, uint32(line))
}

// EnterDynamic records a function entry where fn is heap-owned (e.g. built
// at runtime); its identity on the wire is a content hash, flagged via the
// low bit of the recorded start time.
func (r *ThreadRecorder) EnterDynamic(file string, line int, fn string) {
	now := r.producer.now() | dynamicStringFlag
	fileID := r.addStringToDB(file)
	fnID := r.addDynamicStringToDB(fn)
	r.enterInternal(now, fileID, fnID, uint32(line))
}

// Leave records a function exit, closing the most recently entered open
// trace on this recorder. When the trace stack returns to depth 0, the
// recorder flushes its batch to the ring.
func (r *ThreadRecorder) Leave() {
	r.leaveInternal(r.producer.now())
}

// AcquireLock records the start of a mutex contention wait.
func (r *ThreadRecorder) AcquireLock(mutex uintptr) {
	r.acquireLockInternal(uint64(mutex), r.producer.now())
}

// LockAcquired closes the most recent open lock-wait.
func (r *ThreadRecorder) LockAcquired() {
	r.lockAcquiredInternal(r.producer.now())
}

// ReleaseLock records a mutex release.
func (r *ThreadRecorder) ReleaseLock(mutex uintptr) {
	r.releaseLockInternal(uint64(mutex), r.producer.now())
}

// SetThreadName records this thread's display name, once. Subsequent calls
// are no-ops.
func (r *ThreadRecorder) SetThreadName(name string) {
	if r.threadName != "" {
		return
	}
	r.threadName = name
	r.threadNameID = r.addDynamicStringToDB(name)
}
