// producer_state.go: per-thread producer state (C4) — trace stack,
// lock-wait stack, string interning table, and message framing.
//
// Go has no portable equivalent of a compiler __thread variable bound to
// the state of "the calling OS thread", so this state is not implicit.
// Each goroutine that wants to record traces obtains its own *ThreadRecorder
// once (Producer.NewThreadRecorder) and keeps it for the goroutine's
// lifetime — the explicit handle plays the role of the source's
// thread-local local_context_t, with the same field set. The algorithm
// differs in one place, string interning, described on sendStringData.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hop

const initialStringDataCapacity = 1024

// ThreadRecorder accumulates one thread's trace, lock-wait and unlock
// events and periodically flushes them to the shared ring. It is not safe
// for concurrent use by more than one goroutine.
type ThreadRecorder struct {
	producer *Producer

	traces       []Trace
	openTraceIdx uint32
	traceLevel   int32
	zoneID       uint16

	lockWaits       []LockWaitEvent
	lockWaitDropped []bool
	openLockWaitIdx uint32
	unlocks         []UnlockEvent

	clientResetTimestamp uint64

	threadName   string
	threadNameID StrId
	threadID     uint64
	threadIndex  uint32
	worker       *ringWorker

	stringSet           *idHashSet
	stringData          []byte
	sentStringDataSize  int
}

func newThreadRecorder(p *Producer, index uint32, threadID uint64, worker *ringWorker) *ThreadRecorder {
	r := &ThreadRecorder{
		producer:    p,
		threadIndex: index,
		threadID:    threadID,
		worker:      worker,
		stringSet:   newIDHashSet(),
		stringData:  make([]byte, 0, initialStringDataCapacity),
	}
	r.resetStringData(p.seg.lastReset())
	return r
}

// resetStringData drops the string database and hash set, re-emitting the
// thread's own name (if set) so the consumer never loses it across a
// reset. Called at recorder creation and whenever a consumer-initiated
// reset timestamp is newer than the thread's own.
func (r *ThreadRecorder) resetStringData(resetTs uint64) {
	r.stringSet.Clear()
	r.stringData = r.stringData[:0]
	r.sentStringDataSize = 0
	r.clientResetTimestamp = resetTs

	if r.threadName != "" {
		r.threadNameID = r.addDynamicStringToDB(r.threadName)
	}
}

// resetTraces clears the per-batch arrays without touching the string
// database; used by flush when no consumer is listening and when a newer
// reset timestamp drops the batch. A successful flush clears each array
// as it is sent instead.
func (r *ThreadRecorder) resetTraces() {
	r.traces = r.traces[:0]
	r.unlocks = r.unlocks[:0]
	r.lockWaits = r.lockWaits[:0]
	r.lockWaitDropped = r.lockWaitDropped[:0]
	r.openTraceIdx = 0
	r.traceLevel = 0
	r.zoneID = 0
}

// cStrHash is the Java-style polynomial hash used to derive a StrId for
// dynamically built (heap-owned) strings: result = byte + result*31.
func cStrHash(s string) uint64 {
	var result uint64
	for i := 0; i < len(s); i++ {
		result = uint64(s[i]) + result*31
	}
	return result
}

func alignStrLen(n int) int { return (n + 7) &^ 7 }

// addStringToDBInternal inserts id into the hash set and, if newly
// inserted, appends an 8-byte-aligned (id, str) record to the string
// database.
func (r *ThreadRecorder) addStringToDBInternal(id StrId, str string) StrId {
	if !r.stringSet.Insert(id) {
		return id
	}
	recSize := 8 + alignStrLen(len(str)+1)
	start := len(r.stringData)
	r.stringData = append(r.stringData, make([]byte, recSize)...)
	putStringRecord(r.stringData[start:start+recSize], id, str)
	return id
}

// addStringToDB interns any string (file name, function name, thread
// name) by content hash and returns its StrId, inserting a string-database
// record only the first time a given id is seen. See the note on
// sendStringData for why there is only one interning path in this port.
func (r *ThreadRecorder) addStringToDB(str string) StrId {
	if str == "" {
		return 0
	}
	return r.addStringToDBInternal(cStrHash(str), str)
}

// addDynamicStringToDB is addStringToDB under the name the dynamic-string
// entry points (EnterDynamic, SetThreadName) call it by.
func (r *ThreadRecorder) addDynamicStringToDB(str string) StrId {
	return r.addStringToDB(str)
}

func (r *ThreadRecorder) ensureTraceCapacity() {
	if len(r.traces) == cap(r.traces) {
		grown := make([]Trace, len(r.traces), growCapacity(cap(r.traces), 256))
		copy(grown, r.traces)
		r.traces = grown
	}
}

func growCapacity(cur, min int) int {
	if cur == 0 {
		return min
	}
	return cur * 2
}

// enterInternal implements the common tail of Enter and EnterDynamic: push
// a new open trace, linking it to the previous open trace via the
// self-referential back-index trick (the new slot's End field temporarily
// holds the parent's array index).
func (r *ThreadRecorder) enterInternal(start uint64, fileID, fnID StrId, line uint32) {
	r.ensureTraceCapacity()
	idx := uint32(len(r.traces))
	backIndex := r.openTraceIdx
	if r.traceLevel == 0 {
		backIndex = openTraceSentinel
	}
	r.openTraceIdx = idx
	r.traces = append(r.traces, Trace{
		Start:  start,
		End:    uint64(backIndex),
		FileID: fileID,
		FnID:   fnID,
		Line:   line,
		Depth:  uint16(r.traceLevel),
		Zone:   r.zoneID,
	})
	r.traceLevel++
}

func (r *ThreadRecorder) leaveInternal(now uint64) {
	r.traceLevel--
	lastOpen := r.openTraceIdx
	r.openTraceIdx = uint32(r.traces[lastOpen].End)
	r.traces[lastOpen].End = now
	if r.traceLevel <= 0 {
		r.flush()
	}
}

func (r *ThreadRecorder) acquireLockInternal(mutex uint64, start uint64) {
	idx := uint32(len(r.lockWaits))
	backIndex := r.openLockWaitIdx
	r.openLockWaitIdx = idx
	r.lockWaits = append(r.lockWaits, LockWaitEvent{Mutex: mutex, Start: start, End: uint64(backIndex)})
	r.lockWaitDropped = append(r.lockWaitDropped, false)
}

func (r *ThreadRecorder) lockAcquiredInternal(now uint64) {
	if len(r.lockWaits) == 0 {
		return
	}
	idx := r.openLockWaitIdx
	ev := &r.lockWaits[idx]
	r.openLockWaitIdx = uint32(ev.End)
	ev.End = now
	if now-ev.Start < r.producer.cfg.MinLockWaitCycles {
		r.lockWaitDropped[idx] = true
	}
}

func (r *ThreadRecorder) releaseLockInternal(mutex uint64, now uint64) {
	r.unlocks = append(r.unlocks, UnlockEvent{Mutex: mutex, Time: now})
}

// flush implements C4's flush algorithm: heartbeat if due, drop silently if
// no consumer is listening, clear-and-requeue on a fresher reset, otherwise
// emit STRING_DATA (unshipped suffix) then TRACE, WAIT_LOCK, UNLOCK_EVENT.
func (r *ThreadRecorder) flush() {
	ts := r.producer.now()

	if r.producer.hasConnectedConsumer() && r.producer.shouldSendHeartbeat(ts) {
		r.producer.sendHeartbeat(r, ts)
	}

	if !r.producer.hasListeningConsumer() {
		r.resetTraces()
		return
	}

	resetTs := r.producer.seg.lastReset()
	if r.clientResetTimestamp < resetTs {
		r.resetStringData(resetTs)
		r.resetTraces()
		return
	}

	r.sendStringData(ts)
	r.sendTraces(ts)
	r.sendWaitLocks(ts)
	r.sendUnlocks(ts)
}

// sendStringData ships the unshipped suffix of the string database. Unlike
// the source this is ported from, every string (file, function, thread
// name) is interned at Enter/EnterDynamic time rather than deferred to
// flush — see DESIGN.md for why: Go strings carry no stable address to
// reuse as a free, content-independent identifier, so the "static string"
// fast path collapses into the "dynamic string" hashing path here, and by
// the time flush runs there is nothing left to discover from the trace
// columns themselves.
func (r *ThreadRecorder) sendStringData(ts uint64) {
	toSend := len(r.stringData) - r.sentStringDataSize
	if toSend <= 0 {
		return
	}
	msg := msgInfo{
		Type:        msgStringData,
		ThreadIndex: r.threadIndex,
		ThreadID:    r.threadID,
		TimeStamp:   ts,
		ThreadName:  r.threadNameID,
		Count:       uint32(toSend),
	}
	buf, ok := r.producer.acquireChunk(r.worker, msgInfoSize+toSend)
	if !ok {
		r.producer.reportError("send string data", ErrRingFull)
		return
	}
	putMsgInfo(buf, msg)
	copy(buf[msgInfoSize:], r.stringData[r.sentStringDataSize:])
	r.producer.ring.produce(r.worker)
	r.sentStringDataSize = len(r.stringData)
}

func (r *ThreadRecorder) sendTraces(ts uint64) {
	count := len(r.traces)
	if count == 0 {
		return
	}
	size := tracesPayloadSize(count)
	msg := msgInfo{
		Type:        msgTrace,
		ThreadIndex: r.threadIndex,
		ThreadID:    r.threadID,
		TimeStamp:   ts,
		ThreadName:  r.threadNameID,
		Count:       uint32(count),
	}
	buf, ok := r.producer.acquireChunk(r.worker, msgInfoSize+size)
	if !ok {
		r.producer.reportError("send traces", ErrRingFull)
		r.traces = r.traces[:0]
		return
	}
	putMsgInfo(buf, msg)
	putTraces(buf[msgInfoSize:], r.traces)
	r.producer.ring.produce(r.worker)
	r.traces = r.traces[:0]
}

func (r *ThreadRecorder) sendWaitLocks(ts uint64) {
	live := r.liveLockWaits()
	if len(live) == 0 {
		r.lockWaits = r.lockWaits[:0]
		r.lockWaitDropped = r.lockWaitDropped[:0]
		return
	}
	size := len(live) * waitLockRecordSize
	msg := msgInfo{
		Type:        msgWaitLock,
		ThreadIndex: r.threadIndex,
		ThreadID:    r.threadID,
		TimeStamp:   ts,
		ThreadName:  r.threadNameID,
		Count:       uint32(len(live)),
	}
	buf, ok := r.producer.acquireChunk(r.worker, msgInfoSize+size)
	if !ok {
		r.producer.reportError("send lock waits", ErrRingFull)
	} else {
		putMsgInfo(buf, msg)
		putWaitLocks(buf[msgInfoSize:], live)
		r.producer.ring.produce(r.worker)
	}
	r.lockWaits = r.lockWaits[:0]
	r.lockWaitDropped = r.lockWaitDropped[:0]
}

func (r *ThreadRecorder) liveLockWaits() []LockWaitEvent {
	out := r.lockWaits[:0:0]
	for i, ev := range r.lockWaits {
		if !r.lockWaitDropped[i] {
			out = append(out, ev)
		}
	}
	return out
}

func (r *ThreadRecorder) sendUnlocks(ts uint64) {
	count := len(r.unlocks)
	if count == 0 {
		return
	}
	size := count * unlockRecordSize
	msg := msgInfo{
		Type:        msgUnlockEvent,
		ThreadIndex: r.threadIndex,
		ThreadID:    r.threadID,
		TimeStamp:   ts,
		ThreadName:  r.threadNameID,
		Count:       uint32(count),
	}
	buf, ok := r.producer.acquireChunk(r.worker, msgInfoSize+size)
	if !ok {
		r.producer.reportError("send unlock events", ErrRingFull)
		r.unlocks = r.unlocks[:0]
		return
	}
	putMsgInfo(buf, msg)
	putUnlocks(buf[msgInfoSize:], r.unlocks)
	r.producer.ring.produce(r.worker)
	r.unlocks = r.unlocks[:0]
}
