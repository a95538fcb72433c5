// consumer.go: consumer intake (C6) — drains the shared ring, dispatches
// framed messages by type, and feeds the profiler aggregate (C10).
//
// This port's ring buffer (ringbuf.go) keeps its control words as ordinary
// Go atomics rather than values overlaid on the mmap'd segment bytes (the
// technique segment.go uses for the header). That means two genuinely
// separate OS processes cannot share one ringBuffer instance the way the
// source's NetBSD ringbuf does over real shared memory. This port targets
// the same-process case instead (an embedded consumer attached to a
// Producer created earlier in the same binary, e.g. a self-profiling
// tool or a test harness) via a small process-local registry — see
// DESIGN.md for the full rationale and what a cross-process port would
// need to add.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hop

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	producerRegistryMu sync.Mutex
	producerRegistry   = make(map[int]*Producer)
)

func registerProducer(pid int, p *Producer) {
	producerRegistryMu.Lock()
	defer producerRegistryMu.Unlock()
	producerRegistry[pid] = p
}

func unregisterProducer(pid int) {
	producerRegistryMu.Lock()
	defer producerRegistryMu.Unlock()
	delete(producerRegistry, pid)
}

func lookupProducer(pid int) (*Producer, bool) {
	producerRegistryMu.Lock()
	defer producerRegistryMu.Unlock()
	p, ok := producerRegistry[pid]
	return p, ok
}

func versionMismatch(v float32) bool {
	d := v - CoreVersion
	if d < 0 {
		d = -d
	}
	return d > 0.001
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// PID selects which producer to attach to.
	PID int
	// PollInterval bounds how often the consumer checks the ring for new
	// data; defaults to 2ms. The consumer never blocks indefinitely.
	PollInterval time.Duration
	// HeartbeatTimeout is how long without a heartbeat before a connected
	// producer is considered dead; defaults to 5s.
	HeartbeatTimeout time.Duration
	// Logger receives structured diagnostics; defaults to a no-op logger.
	Logger *zap.Logger
	Profiler ProfilerConfig
}

func (c *ConsumerConfig) setDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Millisecond
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Consumer drains one producer's ring and assembles its data into a
// Profiler. Not safe for concurrent use by more than one goroutine besides
// the internal poll loop started by Start.
type Consumer struct {
	cfg      ConsumerConfig
	seg      *segment
	producer *Producer
	logger   *zap.Logger

	Profiler *Profiler

	stopCh chan struct{}
	wg     sync.WaitGroup

	producerAlive bool
}

// AttachConsumer attaches to the producer registered for cfg.PID. Returns
// ErrNotConnected if no such producer exists in this process, and
// ErrInvalidVersion if the segment's reported CoreVersion doesn't match
// within tolerance.
func AttachConsumer(cfg ConsumerConfig) (*Consumer, error) {
	cfg.setDefaults()

	producer, ok := lookupProducer(cfg.PID)
	if !ok {
		return nil, fmt.Errorf("attach consumer pid %d: %w", cfg.PID, ErrNotConnected)
	}
	// The consumer maps its own view of the producer's named segment, so
	// Stop and the producer's Shutdown each unmap only their own view.
	seg, err := attachSegment(cfg.PID)
	if err != nil {
		return nil, fmt.Errorf("attach consumer pid %d: %w", cfg.PID, err)
	}

	if versionMismatch(seg.header.clientVersion()) {
		_ = seg.close()
		return nil, fmt.Errorf("attach consumer pid %d: %w", cfg.PID, ErrInvalidVersion)
	}

	if seg.hasBit(stateConnectedConsumer) {
		cfg.Logger.Warn("second consumer attaching; demoting existing listening consumer",
			zap.Int("pid", cfg.PID))
		seg.clearBit(stateListeningConsumer)
	}
	seg.setBit(stateConnectedConsumer)

	c := &Consumer{
		cfg:           cfg,
		seg:           seg,
		producer:      producer,
		logger:        cfg.Logger,
		Profiler:      newProfiler(fmt.Sprintf("pid:%d", cfg.PID), cfg.Profiler),
		stopCh:        make(chan struct{}),
		producerAlive: true,
	}
	return c, nil
}

// Start begins polling the ring on a background goroutine.
func (c *Consumer) Start() {
	c.seg.setBit(stateListeningConsumer)
	c.wg.Add(1)
	go c.run()
}

// Stop halts polling, clears this consumer's connection bits, and detaches
// (unlinking the segment if the producer has already shut down).
func (c *Consumer) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	c.seg.clearBit(stateListeningConsumer)
	c.seg.clearBit(stateConnectedConsumer)
	if err := c.seg.close(); err != nil {
		c.logger.Warn("detach consumer", zap.Error(err))
	}
}

func (c *Consumer) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.drainAll()
			c.checkHeartbeat()
		}
	}
}

func (c *Consumer) checkHeartbeat() {
	if !c.seg.hasBit(stateConnectedProducer) {
		return
	}
	last := c.seg.lastHeartbeat()
	if last == 0 {
		return
	}
	now := c.producer.now()
	if c.producerAlive && now-last > uint64(c.cfg.HeartbeatTimeout) {
		c.producerAlive = false
		c.logger.Warn("producer missed heartbeat threshold; treating as dead, retaining buffered data")
	} else if !c.producerAlive && now-last <= uint64(c.cfg.HeartbeatTimeout) {
		c.producerAlive = true
	}
}

// drainAll pops every currently-ready contiguous range from the ring and
// dispatches it.
func (c *Consumer) drainAll() {
	for {
		off, n, ok := c.producer.ring.consume()
		if !ok {
			return
		}
		buf := c.producer.payload[off : off+n]
		c.dispatch(buf)
		c.producer.ring.release(n)
	}
}

// dispatch walks a contiguous ready range, which may hold several
// back-to-back framed messages, handling each in turn. A malformed header
// or an out-of-bounds payload length quarantines the rest of this range:
// parsing resumes at the next consume() call's header.
func (c *Consumer) dispatch(buf []byte) {
	for len(buf) > 0 {
		if len(buf) < msgInfoSize {
			c.logger.Warn("truncated message header; dropping remainder of batch")
			return
		}
		msg := getMsgInfo(buf)
		buf = buf[msgInfoSize:]

		size, err := payloadSize(msg)
		if err != nil || size > len(buf) {
			c.logger.Warn("malformed message; resuming at next header", zap.Error(err))
			return
		}
		c.handle(msg, buf[:size])
		// acquireChunk pads every reservation to 8 bytes, so the next
		// header starts at the aligned end of this payload.
		adv := alignUp(size, 8)
		if adv > len(buf) {
			adv = len(buf)
		}
		buf = buf[adv:]
	}
}

func payloadSize(msg msgInfo) (int, error) {
	switch msg.Type {
	case msgTrace:
		return tracesPayloadSize(int(msg.Count)), nil
	case msgStringData:
		return int(msg.Count), nil
	case msgWaitLock:
		return int(msg.Count) * waitLockRecordSize, nil
	case msgUnlockEvent:
		return int(msg.Count) * unlockRecordSize, nil
	case msgCoreEvent:
		return int(msg.Count) * coreEventRecordSize, nil
	case msgHeartbeat:
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown message type %d", msg.Type)
	}
}

// handle dispatches one message by type. TRACE, WAIT_LOCK, UNLOCK_EVENT and
// CORE_EVENT payloads are dropped while recording is off; STRING_DATA is
// always accepted so identifiers are never lost, and HEARTBEAT always
// updates the thread's last-seen time. The timeline is updated under the
// profiler's lock, so Profiler.Stats may run concurrently.
func (c *Consumer) handle(msg msgInfo, payload []byte) {
	tl := c.Profiler.threadTimeline(msg.ThreadIndex, msg.ThreadID)
	recording := c.Profiler.Recording()
	c.Profiler.mu.Lock()
	defer c.Profiler.mu.Unlock()
	c.Profiler.Timeline.advancePresent(msg.TimeStamp)

	switch msg.Type {
	case msgHeartbeat:
		tl.lastSeen = msg.TimeStamp
	case msgStringData:
		tl.stringData = append(tl.stringData, payload...)
	case msgTrace:
		if recording {
			tl.appendTraces(getTraces(payload, int(msg.Count)))
		}
	case msgWaitLock:
		if recording {
			tl.lockWaits = append(tl.lockWaits, getWaitLocks(payload, int(msg.Count))...)
		}
	case msgUnlockEvent:
		if recording {
			tl.unlocks = append(tl.unlocks, getUnlocks(payload, int(msg.Count))...)
		}
	case msgCoreEvent:
		if recording {
			tl.coreEvents = append(tl.coreEvents, getCoreEvents(payload, int(msg.Count))...)
		}
	}
}
