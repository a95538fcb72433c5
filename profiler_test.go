package hop

import (
	"os"
	"path/filepath"
	"testing"
)

func TestProfilerThreadTimelineCreatesOnce(t *testing.T) {
	p := newProfiler("test", ProfilerConfig{})
	defer p.Close()

	tl1 := p.threadTimeline(0, 111)
	tl2 := p.threadTimeline(0, 111)
	if tl1 != tl2 {
		t.Fatal("threadTimeline should return the same instance for a repeated index")
	}
	if len(p.Timelines()) != 1 {
		t.Fatalf("Timelines() = %d entries, want 1", len(p.Timelines()))
	}

	p.threadTimeline(1, 222)
	if len(p.Timelines()) != 2 {
		t.Fatalf("Timelines() = %d entries, want 2 after a second thread", len(p.Timelines()))
	}
}

func TestThreadTimelineAppendTracesFeedsLod(t *testing.T) {
	tl := newThreadTimeline(0, 1, 0, nil)
	traces := []Trace{
		{Start: 0, End: 10, Depth: 0},
		{Start: 10, End: 20, Depth: 0},
	}
	tl.appendTraces(traces)

	if tl.traceCount() != 2 {
		t.Fatalf("traceCount() = %d, want 2", tl.traceCount())
	}
	if tl.traceAt(1).End != 20 {
		t.Fatalf("traceAt(1).End = %d, want 20", tl.traceAt(1).End)
	}
	if tl.maxDepth != 0 {
		t.Fatalf("maxDepth = %d, want 0", tl.maxDepth)
	}
}

func TestThreadTimelineSpillMirrorsWithoutEvicting(t *testing.T) {
	tl := newThreadTimeline(0, 1, 4, nil) // tiny threshold to force spilling
	for i := 0; i < 10; i++ {
		tl.appendTraces([]Trace{{Start: uint64(i * 100), End: uint64(i*100 + 10)}})
	}

	if tl.traceCount() != 10 {
		t.Fatalf("traceCount() = %d, want 10 (spilling should never evict in-memory traces)", tl.traceCount())
	}
	if tl.spill == nil {
		t.Fatal("spill store should have been created once the threshold was crossed")
	}
	if tl.spilledCount == 0 {
		t.Fatal("spilledCount should be nonzero once traces have been mirrored to disk")
	}
	// Every LodInfo.TraceIndex assigned so far must still resolve to a
	// valid, in-memory trace.
	for _, row := range tl.lod.latestPerDepth {
		idx := row[0].TraceIndex
		if idx != invalidLodIndex && idx >= tl.traceCount() {
			t.Fatalf("LodInfo.TraceIndex %d out of range for traceCount %d", idx, tl.traceCount())
		}
	}
}

func TestProfilerStats(t *testing.T) {
	p := newProfiler("unit-test", ProfilerConfig{})
	defer p.Close()

	tl := p.threadTimeline(0, 1)
	tl.appendTraces([]Trace{{Start: 0, End: 5}, {Start: 5, End: 10}})
	tl.lockWaits = append(tl.lockWaits, LockWaitEvent{Mutex: 1, Start: 0, End: 10})

	stats := p.Stats()
	if stats.ThreadCount != 1 {
		t.Fatalf("ThreadCount = %d, want 1", stats.ThreadCount)
	}
	if stats.TotalTraces != 2 {
		t.Fatalf("TotalTraces = %d, want 2", stats.TotalTraces)
	}
	if stats.TotalLockWait != 1 {
		t.Fatalf("TotalLockWait = %d, want 1", stats.TotalLockWait)
	}
	if !stats.Recording {
		t.Fatal("a freshly created Profiler should start in the recording state")
	}
}

func TestProfilerSetRecordingGatesTraceIntake(t *testing.T) {
	p := newProfiler("gating-test", ProfilerConfig{})
	defer p.Close()
	p.SetRecording(false)

	if p.Recording() {
		t.Fatal("Recording() should reflect SetRecording(false)")
	}

	msg := msgInfo{Type: msgTrace, ThreadIndex: 0, ThreadID: 1, Count: 1}
	payload := make([]byte, tracesPayloadSize(1))
	putTraces(payload, []Trace{{Start: 1, End: 2}})

	// handle() lives on *Consumer; a Consumer holding only this Profiler is
	// enough to drive its recording gate.
	c := &Consumer{Profiler: p}
	c.handle(msg, payload)
	tl := p.threadTimeline(msg.ThreadIndex, msg.ThreadID)
	if tl.traceCount() != 0 {
		t.Fatalf("traceCount() = %d, want 0 while recording is off", tl.traceCount())
	}
}

func TestProfilerSaveAndLoadSnapshot(t *testing.T) {
	p := newProfiler("snapshot-test", ProfilerConfig{})
	defer p.Close()

	tl := p.threadTimeline(0, 1)
	tl.appendTraces([]Trace{{Start: 0, End: 5, FileID: 1, FnID: 2, Line: 7}})
	tl.stringData = append(tl.stringData, []byte("hello")...)

	path := filepath.Join(t.TempDir(), "snap.hopsnap")
	if err := p.SaveSnapshot(path); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}

	loaded, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	defer loaded.Close()

	loadedTL := loaded.threadTimeline(0, 1)
	if loadedTL.traceCount() != 1 {
		t.Fatalf("loaded traceCount() = %d, want 1", loadedTL.traceCount())
	}
	if loadedTL.traceAt(0).Line != 7 {
		t.Fatalf("loaded traceAt(0).Line = %d, want 7", loadedTL.traceAt(0).Line)
	}
}
