//go:build !windows

// segment.go: named shared-memory region (C3) holding the segment header
// and the embedded ring buffer payload. Producer and consumer attach to the
// same region by PID-derived name.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hop

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"syscall"
)

const (
	segmentNamePrefix = "/hop_"
	segmentMaxName    = 30

	stateConnectedProducer = uint32(1 << 0)
	stateConnectedConsumer = uint32(1 << 1)
	stateListeningConsumer = uint32(1 << 2)

	// headerSize is the byte size of the fixed portion of the segment: the
	// seven wire fields plus padding to an 8-byte boundary.
	headerSize = 4 + 4 + 8 + 8 + 8 + 4 + 1 + 3
)

// segmentHeader is the layout of the fixed prologue of the shared region, as
// seen by both producer and consumer. Every field is accessed through the
// backing byte slice so both processes observe the same memory.
type segmentHeader struct {
	buf []byte
}

func (h segmentHeader) clientVersion() float32 {
	return float32FromBits(binary.LittleEndian.Uint32(h.buf[0:4]))
}
func (h segmentHeader) setClientVersion(v float32) {
	binary.LittleEndian.PutUint32(h.buf[0:4], float32Bits(v))
}
func (h segmentHeader) maxThreadNb() uint32 { return binary.LittleEndian.Uint32(h.buf[4:8]) }
func (h segmentHeader) setMaxThreadNb(v uint32) {
	binary.LittleEndian.PutUint32(h.buf[4:8], v)
}
func (h segmentHeader) requestedSize() uint64 { return binary.LittleEndian.Uint64(h.buf[8:16]) }
func (h segmentHeader) setRequestedSize(v uint64) {
	binary.LittleEndian.PutUint64(h.buf[8:16], v)
}

func (h segmentHeader) lastResetTimestampPtr() *atomic.Uint64 {
	return (*atomic.Uint64)(ptrAt(h.buf, 16))
}
func (h segmentHeader) lastHeartbeatTimestampPtr() *atomic.Uint64 {
	return (*atomic.Uint64)(ptrAt(h.buf, 24))
}
func (h segmentHeader) statePtr() *atomic.Uint32 {
	return (*atomic.Uint32)(ptrAt(h.buf, 32))
}
func (h segmentHeader) usingStdChronoTimestamps() bool { return h.buf[36] != 0 }
func (h segmentHeader) setUsingStdChronoTimestamps(v bool) {
	if v {
		h.buf[36] = 1
	} else {
		h.buf[36] = 0
	}
}

// segment owns the mmap'd region backing one named shared segment.
type segment struct {
	name     string
	file     *os.File
	data     []byte
	header   segmentHeader
	isOwner  bool
	unlinked bool
}

func segmentName(pid int) string {
	name := fmt.Sprintf("%s%d", segmentNamePrefix, pid)
	if len(name) > segmentMaxName {
		name = name[:segmentMaxName]
	}
	return name
}

func segmentPath(name string) string {
	return fmt.Sprintf("/dev/shm%s", name)
}

// createSegment creates a new named region sized to hold the header, the
// ring buffer metadata for maxThreads workers, and requestedSize payload
// bytes. Returns ErrPermissionDenied on access failure.
func createSegment(pid int, maxThreads uint32, requestedSize uint64) (*segment, error) {
	name := segmentName(pid)
	ringMeta := ringMetaSize(maxThreads)
	total := int64(headerSize) + ringMeta + int64(requestedSize)

	path := segmentPath(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return attachSegment(pid)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("create segment %q: %w", name, ErrPermissionDenied)
		}
		return nil, fmt.Errorf("create segment %q: %w", name, ErrIoError)
	}

	if err := f.Truncate(total); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("size segment %q: %w", name, ErrIoError)
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(total), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("map segment %q: %w", name, ErrIoError)
	}

	s := &segment{name: name, file: f, data: data, header: segmentHeader{buf: data}, isOwner: true}
	s.header.setClientVersion(CoreVersion)
	s.header.setMaxThreadNb(maxThreads)
	s.header.setRequestedSize(requestedSize)
	s.header.setUsingStdChronoTimestamps(true)
	return s, nil
}

// attachSegment opens an existing named region without creating it. Callers
// must check clientVersion() against CoreVersion before trusting the ring.
func attachSegment(pid int) (*segment, error) {
	name := segmentName(pid)
	path := segmentPath(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("attach segment %q: %w", name, ErrPermissionDenied)
		}
		return nil, fmt.Errorf("attach segment %q: %w", name, ErrNotConnected)
	}
	fi, err := f.Stat()
	if err != nil || fi.Size() < headerSize {
		f.Close()
		return nil, fmt.Errorf("attach segment %q: %w", name, ErrNotConnected)
	}
	data, err := syscall.Mmap(int(f.Fd()), 0, int(fi.Size()), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("map segment %q: %w", name, ErrIoError)
	}
	return &segment{name: name, file: f, data: data, header: segmentHeader{buf: data}}, nil
}

// ringMetaSize mirrors the producer-side sizing of the embedded ring
// buffer's worker table for maxThreads workers.
func ringMetaSize(maxThreads uint32) int64 {
	return int64(24) + int64(maxThreads)*16
}

// payload returns the byte range following the fixed header and ring
// buffer metadata, i.e. the bytes the ring buffer reserves/writes into.
func (s *segment) payload(maxThreads uint32) []byte {
	off := int64(headerSize) + ringMetaSize(maxThreads)
	return s.data[off:]
}

func (s *segment) setBit(bit uint32) {
	p := s.header.statePtr()
	for {
		old := p.Load()
		if old&bit == bit {
			return
		}
		if p.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

func (s *segment) clearBit(bit uint32) {
	p := s.header.statePtr()
	for {
		old := p.Load()
		if old&bit == 0 {
			return
		}
		if p.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

func (s *segment) hasBit(bit uint32) bool {
	return s.header.statePtr().Load()&bit != 0
}

// heartbeat records producer liveness; the consumer polls this when it is
// connected but not actively listening for payload.
func (s *segment) heartbeat(ts uint64) {
	s.header.lastHeartbeatTimestampPtr().Store(ts)
}

func (s *segment) lastHeartbeat() uint64 {
	return s.header.lastHeartbeatTimestampPtr().Load()
}

// reset instructs every attached producer to drop and re-emit its string
// table on next flush.
func (s *segment) reset(ts uint64) {
	s.header.lastResetTimestampPtr().Store(ts)
}

func (s *segment) lastReset() uint64 {
	return s.header.lastResetTimestampPtr().Load()
}

// close unmaps the segment and, once no peer is attached, removes the
// backing region from the filesystem. The connection bits must be cleared
// by the caller (clearBit) before calling close.
func (s *segment) close() error {
	noPeersLeft := !s.hasBit(stateConnectedProducer) && !s.hasBit(stateConnectedConsumer)

	if err := syscall.Munmap(s.data); err != nil {
		s.file.Close()
		return fmt.Errorf("unmap segment %q: %w", s.name, ErrIoError)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close segment %q: %w", s.name, ErrIoError)
	}
	if noPeersLeft {
		_ = os.Remove(segmentPath(s.name))
		s.unlinked = true
	}
	return nil
}
