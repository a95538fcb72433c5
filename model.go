// model.go: core data model shared by producer framing and consumer intake.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hop

// CoreVersion is compared against a producer's reported clientVersion at
// attach time; a difference greater than 0.001 is an ErrInvalidVersion.
const CoreVersion float32 = 1.0

// dynamicStringFlag is the low bit of a trace's Start timestamp, set when
// the trace was recorded through EnterDynamic. FnID is a content hash
// either way in this port; the flag only records which entry point was used.
const dynamicStringFlag = uint64(1)

// Timestamp is a 64-bit cycle counter (or monotonic nanosecond clock, see
// UsesStdChronoTimestamps). Arithmetic on a trace's Start must mask
// dynamicStringFlag first; use Trace.StartTime.
type Timestamp = uint64

// StrId identifies a string on the wire. This port derives every StrId,
// static or dynamic, from a content hash of the string (cStrHash). Zero is
// never a valid id (it is the hash set's empty sentinel).
type StrId = uint64

// Trace is one entry/exit pair as it appears in a thread's trace array.
// While open (not yet left), End holds a back-index into the same array
// (the index of the parent frame, or openTraceSentinel if this is the
// outermost frame) rather than a timestamp; Leave overwrites it with the
// real end time.
type Trace struct {
	Start  uint64 // low bit: dynamicStringFlag
	End    uint64
	FileID StrId
	FnID   StrId
	Line   uint32
	Depth  uint16
	Zone   uint16
}

// StartTime returns Start with the dynamic-string flag masked off.
func (t Trace) StartTime() uint64 { return t.Start &^ dynamicStringFlag }

// IsDynamicString reports whether the trace carries dynamicStringFlag,
// i.e. was recorded through EnterDynamic.
func (t Trace) IsDynamicString() bool { return t.Start&dynamicStringFlag != 0 }

// LockWaitEvent records time spent blocked acquiring a mutex. While open,
// End holds the back-index of the previous open lock-wait on this thread.
type LockWaitEvent struct {
	Mutex uint64
	Start uint64
	End   uint64
	Depth uint16
}

// UnlockEvent marks release of a mutex.
type UnlockEvent struct {
	Mutex uint64
	Time  uint64
}

// CoreEvent records a span during which a thread ran on a fixed CPU core.
type CoreEvent struct {
	Start uint64
	End   uint64
	Core  uint32
}

const openTraceSentinel = ^uint32(0)
