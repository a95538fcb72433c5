// wire.go: message framing for the ring buffer transport.
// Every message is a fixed-size msgInfo header followed by a
// structure-of-arrays payload of msgInfo.Count items.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hop

import "encoding/binary"

type msgType uint32

const (
	msgTrace msgType = iota + 1
	msgStringData
	msgWaitLock
	msgUnlockEvent
	msgCoreEvent
	msgHeartbeat
)

// msgInfo precedes every message. It is padded to 40 bytes (8-byte
// aligned) so the structure-of-arrays payload that follows never needs an
// unaligned read.
const msgInfoSize = 40

type msgInfo struct {
	Type        msgType
	ThreadIndex uint32
	ThreadID    uint64
	TimeStamp   uint64
	ThreadName  StrId
	Count       uint32
}

func putMsgInfo(buf []byte, m msgInfo) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(m.Type))
	binary.LittleEndian.PutUint32(buf[4:8], m.ThreadIndex)
	binary.LittleEndian.PutUint64(buf[8:16], m.ThreadID)
	binary.LittleEndian.PutUint64(buf[16:24], m.TimeStamp)
	binary.LittleEndian.PutUint64(buf[24:32], m.ThreadName)
	binary.LittleEndian.PutUint32(buf[32:36], m.Count)
}

func getMsgInfo(buf []byte) msgInfo {
	return msgInfo{
		Type:        msgType(binary.LittleEndian.Uint32(buf[0:4])),
		ThreadIndex: binary.LittleEndian.Uint32(buf[4:8]),
		ThreadID:    binary.LittleEndian.Uint64(buf[8:16]),
		TimeStamp:   binary.LittleEndian.Uint64(buf[16:24]),
		ThreadName:  binary.LittleEndian.Uint64(buf[24:32]),
		Count:       binary.LittleEndian.Uint32(buf[32:36]),
	}
}

// traceRecordSize is the packed byte width of one column-major trace entry
// on the wire: starts/ends/fileIds/fnIds (u64) + lines (u32) + depths,zones
// (u16).
const traceRecordSize = 8 + 8 + 8 + 8 + 4 + 2 + 2

func tracesPayloadSize(count int) int { return count * traceRecordSize }

// putTraces writes traces as tightly packed parallel arrays: all starts,
// then all ends, then all file ids, fn ids, lines, depths, zones, matching
// the struct-of-arrays order of the column layout.
func putTraces(buf []byte, traces []Trace) {
	n := len(traces)
	starts := buf[0 : n*8]
	ends := buf[n*8 : n*16]
	fileIDs := buf[n*16 : n*24]
	fnIDs := buf[n*24 : n*32]
	lines := buf[n*32 : n*32+n*4]
	depths := buf[n*32+n*4 : n*32+n*4+n*2]
	zones := buf[n*32+n*4+n*2 : n*32+n*4+n*4]

	for i, t := range traces {
		binary.LittleEndian.PutUint64(starts[i*8:], t.Start)
		binary.LittleEndian.PutUint64(ends[i*8:], t.End)
		binary.LittleEndian.PutUint64(fileIDs[i*8:], t.FileID)
		binary.LittleEndian.PutUint64(fnIDs[i*8:], t.FnID)
		binary.LittleEndian.PutUint32(lines[i*4:], t.Line)
		binary.LittleEndian.PutUint16(depths[i*2:], t.Depth)
		binary.LittleEndian.PutUint16(zones[i*2:], t.Zone)
	}
}

func getTraces(buf []byte, count int) []Trace {
	n := count
	starts := buf[0 : n*8]
	ends := buf[n*8 : n*16]
	fileIDs := buf[n*16 : n*24]
	fnIDs := buf[n*24 : n*32]
	lines := buf[n*32 : n*32+n*4]
	depths := buf[n*32+n*4 : n*32+n*4+n*2]
	zones := buf[n*32+n*4+n*2 : n*32+n*4+n*4]

	out := make([]Trace, n)
	for i := range out {
		out[i] = Trace{
			Start:  binary.LittleEndian.Uint64(starts[i*8:]),
			End:    binary.LittleEndian.Uint64(ends[i*8:]),
			FileID: binary.LittleEndian.Uint64(fileIDs[i*8:]),
			FnID:   binary.LittleEndian.Uint64(fnIDs[i*8:]),
			Line:   binary.LittleEndian.Uint32(lines[i*4:]),
			Depth:  binary.LittleEndian.Uint16(depths[i*2:]),
			Zone:   binary.LittleEndian.Uint16(zones[i*2:]),
		}
	}
	return out
}

const waitLockRecordSize = 8 + 8 + 8 + 2 + 2 // mutex, start, end, depth, pad

func putWaitLocks(buf []byte, events []LockWaitEvent) {
	for i, e := range events {
		off := i * waitLockRecordSize
		binary.LittleEndian.PutUint64(buf[off:], e.Mutex)
		binary.LittleEndian.PutUint64(buf[off+8:], e.Start)
		binary.LittleEndian.PutUint64(buf[off+16:], e.End)
		binary.LittleEndian.PutUint16(buf[off+24:], e.Depth)
	}
}

func getWaitLocks(buf []byte, count int) []LockWaitEvent {
	out := make([]LockWaitEvent, count)
	for i := range out {
		off := i * waitLockRecordSize
		out[i] = LockWaitEvent{
			Mutex: binary.LittleEndian.Uint64(buf[off:]),
			Start: binary.LittleEndian.Uint64(buf[off+8:]),
			End:   binary.LittleEndian.Uint64(buf[off+16:]),
			Depth: binary.LittleEndian.Uint16(buf[off+24:]),
		}
	}
	return out
}

const unlockRecordSize = 8 + 8

func putUnlocks(buf []byte, events []UnlockEvent) {
	for i, e := range events {
		off := i * unlockRecordSize
		binary.LittleEndian.PutUint64(buf[off:], e.Mutex)
		binary.LittleEndian.PutUint64(buf[off+8:], e.Time)
	}
}

func getUnlocks(buf []byte, count int) []UnlockEvent {
	out := make([]UnlockEvent, count)
	for i := range out {
		off := i * unlockRecordSize
		out[i] = UnlockEvent{
			Mutex: binary.LittleEndian.Uint64(buf[off:]),
			Time:  binary.LittleEndian.Uint64(buf[off+8:]),
		}
	}
	return out
}

const coreEventRecordSize = 8 + 8 + 4

func putCoreEvents(buf []byte, events []CoreEvent) {
	for i, e := range events {
		off := i * coreEventRecordSize
		binary.LittleEndian.PutUint64(buf[off:], e.Start)
		binary.LittleEndian.PutUint64(buf[off+8:], e.End)
		binary.LittleEndian.PutUint32(buf[off+16:], e.Core)
	}
}

func getCoreEvents(buf []byte, count int) []CoreEvent {
	out := make([]CoreEvent, count)
	for i := range out {
		off := i * coreEventRecordSize
		out[i] = CoreEvent{
			Start: binary.LittleEndian.Uint64(buf[off:]),
			End:   binary.LittleEndian.Uint64(buf[off+8:]),
			Core:  binary.LittleEndian.Uint32(buf[off+16:]),
		}
	}
	return out
}

// stringRecordAlign is the zero-padding alignment for each (id, NUL-
// terminated string) record in a STRING_DATA payload.
const stringRecordAlign = 8

func alignUp(v, align int) int { return (v + align - 1) &^ (align - 1) }

// stringRecordSize returns the padded size of one string-db record holding
// an 8-byte id followed by str and a terminating NUL.
func stringRecordSize(str string) int {
	return alignUp(8+len(str)+1, stringRecordAlign)
}

func putStringRecord(buf []byte, id StrId, str string) int {
	binary.LittleEndian.PutUint64(buf[0:8], id)
	copy(buf[8:], str)
	n := stringRecordSize(str)
	for i := 8 + len(str); i < n; i++ {
		buf[i] = 0
	}
	return n
}
