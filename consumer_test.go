//go:build !windows

package hop

import (
	"os"
	"testing"
	"time"
)

func TestAttachConsumerRequiresRegisteredProducer(t *testing.T) {
	_, err := AttachConsumer(ConsumerConfig{PID: os.Getpid() + 92999})
	if err == nil {
		t.Fatal("AttachConsumer should fail for a PID with no registered producer")
	}
}

func TestAttachConsumerAndDrain(t *testing.T) {
	pid := os.Getpid() + 92001
	p, err := NewProducer(ProducerConfig{PID: pid, MaxThreads: 2, RingSize: 1 << 16})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	t.Cleanup(p.Shutdown)

	c, err := AttachConsumer(ConsumerConfig{PID: pid, PollInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("AttachConsumer: %v", err)
	}
	t.Cleanup(c.Stop)
	c.Start()

	r := p.NewThreadRecorder(42)
	r.Enter("main.go", 1, "work")
	r.Leave()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Profiler.Stats().TotalTraces > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	stats := c.Profiler.Stats()
	if stats.TotalTraces == 0 {
		t.Fatal("expected at least one trace to have been drained into the profiler")
	}
	if stats.ThreadCount != 1 {
		t.Fatalf("ThreadCount = %d, want 1", stats.ThreadCount)
	}
}

func TestVersionMismatch(t *testing.T) {
	if versionMismatch(CoreVersion) {
		t.Fatal("versionMismatch should be false for an exact CoreVersion match")
	}
	if !versionMismatch(CoreVersion + 1) {
		t.Fatal("versionMismatch should be true for a large version gap")
	}
	if versionMismatch(CoreVersion + 0.0001) {
		t.Fatal("versionMismatch should tolerate sub-0.001 drift")
	}
}

func TestDispatchQuarantinesMalformedRange(t *testing.T) {
	pid := os.Getpid() + 92002
	p, err := NewProducer(ProducerConfig{PID: pid, MaxThreads: 1, RingSize: 1 << 16})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	t.Cleanup(p.Shutdown)

	c, err := AttachConsumer(ConsumerConfig{PID: pid})
	if err != nil {
		t.Fatalf("AttachConsumer: %v", err)
	}
	t.Cleanup(c.Stop)

	// A header claiming an unknown message type should not panic dispatch;
	// it should simply quarantine the rest of this range.
	buf := make([]byte, msgInfoSize)
	putMsgInfo(buf, msgInfo{Type: msgType(99)})
	c.dispatch(buf)
}

func TestPayloadSizeByMessageType(t *testing.T) {
	cases := []struct {
		msg     msgInfo
		want    int
		wantErr bool
	}{
		{msgInfo{Type: msgTrace, Count: 3}, tracesPayloadSize(3), false},
		{msgInfo{Type: msgStringData, Count: 16}, 16, false},
		{msgInfo{Type: msgWaitLock, Count: 2}, 2 * waitLockRecordSize, false},
		{msgInfo{Type: msgUnlockEvent, Count: 4}, 4 * unlockRecordSize, false},
		{msgInfo{Type: msgCoreEvent, Count: 1}, coreEventRecordSize, false},
		{msgInfo{Type: msgHeartbeat}, 0, false},
		{msgInfo{Type: msgType(123)}, 0, true},
	}
	for _, c := range cases {
		got, err := payloadSize(c.msg)
		if (err != nil) != c.wantErr {
			t.Fatalf("payloadSize(%+v) error = %v, wantErr %v", c.msg, err, c.wantErr)
		}
		if got != c.want {
			t.Fatalf("payloadSize(%+v) = %d, want %d", c.msg, got, c.want)
		}
	}
}
