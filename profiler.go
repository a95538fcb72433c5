// profiler.go: profiler aggregate (C10) — owns every thread's timeline, the
// recording flag, the source descriptor and snapshot I/O.
//
// Grounded on lethe.go's Stats()/Logger field layout for the telemetry
// snapshot, and on _examples/original_source's ThreadTimeline/Profiler
// split (per-thread storage vs. the single recording/source/cursor state).
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hop

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// ThreadTimeline holds one thread's recorded data: traces (all kept in
// memory; past spillThreshold also mirrored to disk via C7), lock-wait/unlock/core-switch
// arrays, the thread's string bytes, and its LOD index (C8).
type ThreadTimeline struct {
	Index      uint32
	OSThreadID uint64
	Name       StrId

	traces         []Trace
	spill          *traceSpillStore
	spilledCount   int
	spillThreshold int
	spillWorkers   *spillWorkers

	lockWaits  []LockWaitEvent
	unlocks    []UnlockEvent
	coreEvents []CoreEvent
	stringData []byte

	maxDepth int
	lod      *lodIndex
	lastSeen uint64

	// Collapsed marks a thread the UI has folded away; supplements the
	// distilled spec with a per-thread display flag the original tracks
	// alongside each ThreadTimeline.
	Collapsed bool
}

func newThreadTimeline(index uint32, osThreadID uint64, spillThreshold int, workers *spillWorkers) *ThreadTimeline {
	return &ThreadTimeline{
		Index:          index,
		OSThreadID:     osThreadID,
		lod:            newLodIndex(),
		spillThreshold: spillThreshold,
		spillWorkers:   workers,
	}
}

// appendTraces adds newly arrived traces, feeds C8, and, once the thread's
// total crosses spillThreshold, mirrors to the C7 spill store every trace
// that precedes this batch and is not yet on disk (the batch itself is
// mirrored by a later call).
//
// The LOD index's arrays grow monotonically until explicitly cleared,
// keeping TraceIndex values pointing into this permanent, never-shifted
// index space, so traces are never evicted from tl.traces once spilling
// starts — spilling past the threshold only mirrors traces to disk, it
// does not free the in-memory copy. This trades memory for a simpler,
// always-valid index; the original's BlockStreamView instead evicts and
// re-reads through its own (block, element) index, which this port's LOD
// entries don't use for storage, only as a display-time reference id.
func (tl *ThreadTimeline) appendTraces(traces []Trace) {
	startIndex := len(tl.traces)
	tl.traces = append(tl.traces, traces...)
	for _, t := range traces {
		if int(t.Depth) > tl.maxDepth {
			tl.maxDepth = int(t.Depth)
		}
	}
	tl.lod.append(tl.traces, startIndex)

	if tl.spillThreshold > 0 && len(tl.traces) > tl.spillThreshold {
		if tl.spill == nil {
			if s, err := newTraceSpillStoreWithWorkers(tl.spillWorkers); err == nil {
				tl.spill = s
			}
		}
		if tl.spill != nil && tl.spilledCount < startIndex {
			if err := tl.spill.append(tl.traces[tl.spilledCount:startIndex]); err == nil {
				tl.spilledCount = startIndex
			}
		}
	}
}

// traceAt returns the trace at index i. Always served from memory in this
// port; see the note on appendTraces.
func (tl *ThreadTimeline) traceAt(i int) Trace { return tl.traces[i] }

// traceCount is the total number of traces recorded for this thread.
func (tl *ThreadTimeline) traceCount() int { return len(tl.traces) }

// ProfilerConfig configures a Profiler.
type ProfilerConfig struct {
	// SpillThreshold is the per-thread trace count past which traces are
	// also mirrored to disk via C7; they stay in memory. Zero selects the
	// default of 1<<16.
	SpillThreshold int
}

func (c *ProfilerConfig) setDefaults() {
	if c.SpillThreshold == 0 {
		c.SpillThreshold = 1 << 16
	}
}

// Profiler is the consumer-side aggregate (C10): every thread's timeline,
// whether recording is currently on, the source this data came from, and
// the display cursor shared by C9 queries.
type Profiler struct {
	mu             sync.Mutex
	source         string
	recording      bool
	spillThreshold int
	timelines      map[uint32]*ThreadTimeline
	order          []uint32
	spillWorkers   *spillWorkers

	Timeline *Timeline
}

func newProfiler(source string, cfg ProfilerConfig) *Profiler {
	cfg.setDefaults()
	return &Profiler{
		source:         source,
		recording:      true,
		spillThreshold: cfg.SpillThreshold,
		timelines:      make(map[uint32]*ThreadTimeline),
		spillWorkers:   newSpillWorkers(2, nil),
		Timeline:       newTimeline(0),
	}
}

// threadTimeline returns (creating if needed) the timeline for threadIndex.
func (p *Profiler) threadTimeline(index uint32, osThreadID uint64) *ThreadTimeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	tl, ok := p.timelines[index]
	if !ok {
		tl = newThreadTimeline(index, osThreadID, p.spillThreshold, p.spillWorkers)
		p.timelines[index] = tl
		p.order = append(p.order, index)
	}
	return tl
}

// Close stops this profiler's background checksum workers. Spilled data
// already written remains valid; only further verification stops.
func (p *Profiler) Close() {
	p.spillWorkers.stop()
}

// Timelines returns a snapshot slice of every thread's timeline, in the
// order each thread was first seen.
func (p *Profiler) Timelines() []*ThreadTimeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*ThreadTimeline, len(p.order))
	for i, idx := range p.order {
		out[i] = p.timelines[idx]
	}
	return out
}

// SetRecording toggles whether inbound TRACE/WAIT_LOCK/UNLOCK_EVENT
// payloads are accepted; STRING_DATA is always accepted regardless so
// identifiers are never lost.
func (p *Profiler) SetRecording(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recording = on
}

func (p *Profiler) Recording() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recording
}

// Stats is a point-in-time telemetry snapshot of a Profiler, generalized
// from lethe's Logger.Stats() for this package's domain.
type Stats struct {
	Source        string `json:"source"`
	Recording     bool   `json:"recording"`
	ThreadCount   int    `json:"thread_count"`
	TotalTraces   uint64 `json:"total_traces"`
	TotalLockWait uint64 `json:"total_lock_waits"`
	SpilledBlocks uint64 `json:"spilled_blocks"`
}

// Stats returns current aggregate metrics across every known thread. Safe
// to call concurrently.
func (p *Profiler) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Source: p.source, Recording: p.recording, ThreadCount: len(p.timelines)}
	for _, tl := range p.timelines {
		s.TotalTraces += uint64(tl.traceCount())
		s.TotalLockWait += uint64(len(tl.lockWaits))
		if tl.spill != nil {
			s.SpilledBlocks += uint64(tl.spill.blockCount)
		}
	}
	return s
}

// snapshotMagic opens every snapshot file. Each message after it is a
// 4-byte little-endian length followed by a live-wire msgInfo header and its
// payload, so SaveSnapshot/LoadSnapshot reuse putMsgInfo and the SoA
// encoders directly.
const snapshotMagic = "HOPSNAP1"

// SaveSnapshot writes every thread's current data to a single gzip-
// compressed file, reusing the live wire's message framing so a snapshot
// looks like captured live intake replayed from one file. Compression is
// stdlib compress/gzip, the same choice the background-rotation path this
// port's checksum workers were adapted from made for its own compressed
// output.
func (p *Profiler) SaveSnapshot(path string) (err error) {
	if err := ValidatePathLength(path); err != nil {
		return fmt.Errorf("snapshot path %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, GetDefaultFileMode())
	if err != nil {
		return fmt.Errorf("create snapshot %q: %w", path, ErrIoError)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	gw := gzip.NewWriter(f)
	defer func() {
		if cerr := gw.Close(); err == nil {
			err = cerr
		}
	}()
	bw := bufio.NewWriter(gw)
	defer func() {
		if ferr := bw.Flush(); err == nil {
			err = ferr
		}
	}()

	if _, err = bw.WriteString(snapshotMagic); err != nil {
		return fmt.Errorf("write snapshot header: %w", ErrIoError)
	}

	for _, tl := range p.Timelines() {
		if err = writeSnapshotThread(bw, tl); err != nil {
			return err
		}
	}
	return nil
}

func writeSnapshotThread(w *bufio.Writer, tl *ThreadTimeline) error {
	var lenBuf [4]byte

	writeFramed := func(msgType msgType, count int, encode func([]byte)) error {
		payloadSize := 0
		switch msgType {
		case msgStringData:
			payloadSize = count
		case msgTrace:
			payloadSize = tracesPayloadSize(count)
		case msgWaitLock:
			payloadSize = count * waitLockRecordSize
		case msgUnlockEvent:
			payloadSize = count * unlockRecordSize
		}
		buf := make([]byte, msgInfoSize+payloadSize)
		putMsgInfo(buf, msgInfo{Type: msgType, ThreadIndex: tl.Index, ThreadID: tl.OSThreadID, Count: uint32(count)})
		if payloadSize > 0 {
			encode(buf[msgInfoSize:])
		}
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(buf)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		_, err := w.Write(buf)
		return err
	}

	if err := writeFramed(msgStringData, len(tl.stringData), func(b []byte) { copy(b, tl.stringData) }); err != nil {
		return fmt.Errorf("snapshot thread %d string data: %w", tl.Index, ErrIoError)
	}
	traces := make([]Trace, tl.traceCount())
	for i := range traces {
		traces[i] = tl.traceAt(i)
	}
	if err := writeFramed(msgTrace, len(traces), func(b []byte) { putTraces(b, traces) }); err != nil {
		return fmt.Errorf("snapshot thread %d traces: %w", tl.Index, ErrIoError)
	}
	if err := writeFramed(msgWaitLock, len(tl.lockWaits), func(b []byte) { putWaitLocks(b, tl.lockWaits) }); err != nil {
		return fmt.Errorf("snapshot thread %d lock waits: %w", tl.Index, ErrIoError)
	}
	if err := writeFramed(msgUnlockEvent, len(tl.unlocks), func(b []byte) { putUnlocks(b, tl.unlocks) }); err != nil {
		return fmt.Errorf("snapshot thread %d unlocks: %w", tl.Index, ErrIoError)
	}
	return nil
}

// LoadSnapshot opens a file written by SaveSnapshot and replays it into a
// fresh Profiler, applying each message the way live intake's handle does
// but without the recording gate.
func LoadSnapshot(path string) (*Profiler, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %q: %w", path, ErrIoError)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open snapshot %q: %w", path, ErrIoError)
	}
	defer gr.Close()

	br := bufio.NewReader(gr)
	magic := make([]byte, len(snapshotMagic))
	if _, err := io.ReadFull(br, magic); err != nil || string(magic) != snapshotMagic {
		return nil, fmt.Errorf("snapshot %q: %w", path, ErrInvalidVersion)
	}

	p := newProfiler(path, ProfilerConfig{})
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("read snapshot frame: %w", ErrIoError)
		}
		size := binary.LittleEndian.Uint32(lenBuf[:])
		buf := make([]byte, size)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("read snapshot frame: %w", ErrIoError)
		}
		msg := getMsgInfo(buf)
		applySnapshotMessage(p, msg, buf[msgInfoSize:])
	}
	return p, nil
}

func applySnapshotMessage(p *Profiler, msg msgInfo, payload []byte) {
	tl := p.threadTimeline(msg.ThreadIndex, msg.ThreadID)
	switch msg.Type {
	case msgStringData:
		tl.stringData = append(tl.stringData, payload...)
	case msgTrace:
		tl.appendTraces(getTraces(payload, int(msg.Count)))
	case msgWaitLock:
		tl.lockWaits = append(tl.lockWaits, getWaitLocks(payload, int(msg.Count))...)
	case msgUnlockEvent:
		tl.unlocks = append(tl.unlocks, getUnlocks(payload, int(msg.Count))...)
	}
}
