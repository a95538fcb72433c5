//go:build !windows

package hop

import (
	"os"
	"testing"
)

func TestSegmentCreateAndBits(t *testing.T) {
	pid := os.Getpid() + 90001
	seg, err := createSegment(pid, 4, 4096)
	if err != nil {
		t.Fatalf("createSegment: %v", err)
	}
	defer func() {
		seg.clearBit(stateConnectedProducer)
		seg.clearBit(stateConnectedConsumer)
		seg.close()
	}()

	if seg.header.clientVersion() != CoreVersion {
		t.Fatalf("clientVersion() = %v, want %v", seg.header.clientVersion(), CoreVersion)
	}
	if seg.header.maxThreadNb() != 4 {
		t.Fatalf("maxThreadNb() = %d, want 4", seg.header.maxThreadNb())
	}

	if seg.hasBit(stateConnectedProducer) {
		t.Fatal("stateConnectedProducer should start clear")
	}
	seg.setBit(stateConnectedProducer)
	if !seg.hasBit(stateConnectedProducer) {
		t.Fatal("stateConnectedProducer should be set after setBit")
	}
	seg.clearBit(stateConnectedProducer)
	if seg.hasBit(stateConnectedProducer) {
		t.Fatal("stateConnectedProducer should be clear after clearBit")
	}
}

func TestSegmentHeartbeatAndReset(t *testing.T) {
	pid := os.Getpid() + 90002
	seg, err := createSegment(pid, 2, 4096)
	if err != nil {
		t.Fatalf("createSegment: %v", err)
	}
	defer seg.close()

	seg.heartbeat(123)
	if seg.lastHeartbeat() != 123 {
		t.Fatalf("lastHeartbeat() = %d, want 123", seg.lastHeartbeat())
	}

	seg.reset(456)
	if seg.lastReset() != 456 {
		t.Fatalf("lastReset() = %d, want 456", seg.lastReset())
	}
}

func TestSegmentAttach(t *testing.T) {
	pid := os.Getpid() + 90003
	owner, err := createSegment(pid, 2, 4096)
	if err != nil {
		t.Fatalf("createSegment: %v", err)
	}
	owner.setBit(stateConnectedProducer)
	defer func() {
		owner.clearBit(stateConnectedProducer)
		owner.close()
	}()

	attached, err := attachSegment(pid)
	if err != nil {
		t.Fatalf("attachSegment: %v", err)
	}
	defer attached.close()

	if attached.header.clientVersion() != CoreVersion {
		t.Fatalf("attached clientVersion() = %v, want %v", attached.header.clientVersion(), CoreVersion)
	}
}

func TestSegmentNameTruncation(t *testing.T) {
	name := segmentName(123456789)
	if len(name) > segmentMaxName {
		t.Fatalf("segmentName() length %d exceeds segmentMaxName %d", len(name), segmentMaxName)
	}
}
