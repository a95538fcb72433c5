//go:build !windows

package hop

import (
	"os"
	"testing"
)

func newTestProducer(t *testing.T, pid int) *Producer {
	t.Helper()
	p, err := NewProducer(ProducerConfig{PID: pid, MaxThreads: 4, RingSize: 1 << 16})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	t.Cleanup(p.Shutdown)
	return p
}

func TestProducerNewThreadRecorder(t *testing.T) {
	p := newTestProducer(t, os.Getpid()+91001)

	r1 := p.NewThreadRecorder(1)
	if r1 == nil {
		t.Fatal("NewThreadRecorder should succeed within MaxThreads")
	}
	if r1.threadIndex != 0 {
		t.Fatalf("first recorder threadIndex = %d, want 0", r1.threadIndex)
	}

	r2 := p.NewThreadRecorder(2)
	if r2.threadIndex != 1 {
		t.Fatalf("second recorder threadIndex = %d, want 1", r2.threadIndex)
	}
}

func TestProducerThreadRecorderLimit(t *testing.T) {
	p := newTestProducer(t, os.Getpid()+91002)
	p.cfg.MaxThreads = 1

	if r := p.NewThreadRecorder(1); r == nil {
		t.Fatal("first recorder within MaxThreads should not be nil")
	}
	if r := p.NewThreadRecorder(2); r != nil {
		t.Fatal("recorder past MaxThreads should be nil")
	}
}

func TestThreadRecorderEnterLeave(t *testing.T) {
	p := newTestProducer(t, os.Getpid()+91003)
	r := p.NewThreadRecorder(1)

	r.Enter("main.go", 10, "outer")
	r.Enter("main.go", 11, "inner")
	if r.traceLevel != 2 {
		t.Fatalf("traceLevel after two Enters = %d, want 2", r.traceLevel)
	}
	r.Leave()
	if r.traceLevel != 1 {
		t.Fatalf("traceLevel after one Leave = %d, want 1", r.traceLevel)
	}
	// The innermost trace is closed but the recorder hasn't flushed yet
	// (traceLevel is still above zero), so it remains in r.traces.
	if len(r.traces) != 2 {
		t.Fatalf("len(traces) = %d, want 2", len(r.traces))
	}
	r.Leave()
	// traceLevel reaching zero triggers flush(), which clears r.traces
	// whether or not a consumer is listening.
	if len(r.traces) != 0 {
		t.Fatalf("len(traces) after closing flush = %d, want 0", len(r.traces))
	}
}

func TestThreadRecorderLockWaitDropsShortWaits(t *testing.T) {
	p := newTestProducer(t, os.Getpid()+91004)
	p.cfg.MinLockWaitCycles = 1000
	r := p.NewThreadRecorder(1)

	r.acquireLockInternal(0xdead, 0)
	r.lockAcquiredInternal(500) // shorter than MinLockWaitCycles: dropped
	if !r.lockWaitDropped[0] {
		t.Fatal("a lock wait shorter than MinLockWaitCycles should be marked dropped")
	}

	r.acquireLockInternal(0xbeef, 0)
	r.lockAcquiredInternal(5000) // longer than MinLockWaitCycles: kept
	if r.lockWaitDropped[1] {
		t.Fatal("a lock wait longer than MinLockWaitCycles should not be dropped")
	}
	live := r.liveLockWaits()
	if len(live) != 1 || live[0].Mutex != 0xbeef {
		t.Fatalf("liveLockWaits() = %+v, want only the 0xbeef wait", live)
	}
}

func TestThreadRecorderSetThreadNameIsOnceOnly(t *testing.T) {
	p := newTestProducer(t, os.Getpid()+91005)
	r := p.NewThreadRecorder(1)

	r.SetThreadName("worker-1")
	firstID := r.threadNameID
	r.SetThreadName("worker-2")
	if r.threadName != "worker-1" || r.threadNameID != firstID {
		t.Fatal("SetThreadName should be a no-op after the first call")
	}
}

func TestAddStringToDBDeduplicates(t *testing.T) {
	p := newTestProducer(t, os.Getpid()+91006)
	r := p.NewThreadRecorder(1)

	id1 := r.addStringToDB("hello")
	sizeAfterFirst := len(r.stringData)
	id2 := r.addStringToDB("hello")
	if id1 != id2 {
		t.Fatalf("addStringToDB should return a stable id for the same string: %d != %d", id1, id2)
	}
	if len(r.stringData) != sizeAfterFirst {
		t.Fatalf("stringData grew on a duplicate intern: %d -> %d", sizeAfterFirst, len(r.stringData))
	}
	if r.addStringToDB("") != 0 {
		t.Fatal(`addStringToDB("") should return the zero sentinel`)
	}
}
