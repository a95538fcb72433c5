// spill.go: block-streamed spill store (C7) for a thread's trace array once
// it outgrows its in-memory budget.
//
// Grounded on _examples/original_source/BlockStreamer.h and
// BlockStreamView.h: fixed-size blocks, append accumulates into a partial
// block and flushes full ones, random access is indexed by (blockID,
// elementID) with a small windowed cache. The backing file is a Go
// os.CreateTemp file, removed immediately after creation — the directory
// entry is gone at once, and the open descriptor keeps the data alive (the
// POSIX unlink-on-open-fd trick) until close or process exit, whichever
// comes first.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hop

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

var spillStoreCounter atomic.Uint64

const (
	spillBlockSize  = 1024
	spillBlockBytes = spillBlockSize * traceRecordSize
)

type spillBlock struct {
	traces       [spillBlockSize]Trace
	elementCount int
}

// traceSpillStore is the disk backing for one thread's trace array past the
// in-memory budget. append is only ever called by the consumer goroutine
// draining that thread; reads (at, readBlock) may interleave with append
// since both run on that same goroutine — no locking is required.
type traceSpillStore struct {
	id         uint64
	file       *os.File
	current    spillBlock
	blockCount int // full blocks written to disk, not counting current

	cache         []spillBlock
	cacheFirstBlk int

	workers *spillWorkers // optional background checksum verification
}

func newTraceSpillStore() (*traceSpillStore, error) {
	return newTraceSpillStoreWithWorkers(nil)
}

// newTraceSpillStoreWithWorkers is newTraceSpillStore plus a shared
// background checksum pool (see spill_workers.go); workers may be nil.
func newTraceSpillStoreWithWorkers(workers *spillWorkers) (*traceSpillStore, error) {
	f, err := os.CreateTemp("", "hop-spill-*.bin")
	if err != nil {
		return nil, fmt.Errorf("create spill file: %w", err)
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, fmt.Errorf("unlink spill file: %w", err)
	}
	return &traceSpillStore{
		id:            spillStoreCounter.Add(1),
		file:          f,
		cacheFirstBlk: -1,
		workers:       workers,
	}, nil
}

// append accumulates traces into the partial tail block, writing full
// blocks to disk as they fill.
func (s *traceSpillStore) append(traces []Trace) error {
	for len(traces) > 0 {
		room := spillBlockSize - s.current.elementCount
		n := len(traces)
		if n > room {
			n = room
		}
		copy(s.current.traces[s.current.elementCount:], traces[:n])
		s.current.elementCount += n
		traces = traces[n:]

		if s.current.elementCount == spillBlockSize {
			if err := s.writeBlock(s.current, s.blockCount); err != nil {
				return err
			}
			s.blockCount++
			s.current = spillBlock{}
		}
	}
	return nil
}

func (s *traceSpillStore) writeBlock(b spillBlock, blockID int) error {
	buf := make([]byte, spillBlockBytes)
	putTraces(buf, b.traces[:])
	err := RetryFileOperation(func() error {
		_, err := s.file.WriteAt(buf, int64(blockID)*spillBlockBytes)
		return err
	}, 3, time.Millisecond)
	if err != nil {
		return fmt.Errorf("write spill block %d: %w", blockID, ErrIoError)
	}
	s.workers.submit(s.id, blockID, buf)
	return nil
}

// size is the total number of elements ever appended: blockCount*BLK (full
// blocks on disk) + the tail's element count.
func (s *traceSpillStore) size() int {
	return s.blockCount*spillBlockSize + s.current.elementCount
}

// close pads the tail block with zero traces and flushes it, matching the
// source's destructor behavior, then closes the already-unlinked file.
func (s *traceSpillStore) close() error {
	if s.current.elementCount > 0 {
		if err := s.writeBlock(s.current, s.blockCount); err != nil {
			return err
		}
		s.blockCount++
		s.current = spillBlock{}
	}
	return s.file.Close()
}

func (s *traceSpillStore) loadBlock(blockID int) (spillBlock, error) {
	if blockID == s.blockCount {
		return s.current, nil
	}
	buf := make([]byte, spillBlockBytes)
	var n int
	err := RetryFileOperation(func() error {
		var readErr error
		n, readErr = s.file.ReadAt(buf, int64(blockID)*spillBlockBytes)
		if readErr == io.EOF {
			readErr = nil
		}
		return readErr
	}, 3, time.Millisecond)
	if err != nil {
		return spillBlock{}, fmt.Errorf("read spill block %d: %w", blockID, ErrIoError)
	}
	if n == spillBlockBytes {
		s.workers.verify(s.id, blockID, buf)
	}
	count := n / traceRecordSize
	var blk spillBlock
	copy(blk.traces[:], getTraces(buf[:count*traceRecordSize], count))
	blk.elementCount = count
	return blk, nil
}

// readBlock loads blockCount consecutive blocks starting at blockOffset
// into the view's cache and returns the total element count read.
func (s *traceSpillStore) readBlock(blockOffset, blockCount int) (int, error) {
	s.cache = s.cache[:0]
	read := 0
	for i := 0; i < blockCount; i++ {
		blk, err := s.loadBlock(blockOffset + i)
		if err != nil {
			return read, err
		}
		s.cache = append(s.cache, blk)
		read += blk.elementCount
	}
	s.cacheFirstBlk = blockOffset
	return read, nil
}

// at returns the element at global index i, indexed as (i/BLK, i%BLK); it
// serves from the cache when i falls within the last readBlock window,
// otherwise loads the containing block directly.
func (s *traceSpillStore) at(i int) Trace {
	blockID, elemID := i/spillBlockSize, i%spillBlockSize
	if s.cacheFirstBlk >= 0 {
		if rel := blockID - s.cacheFirstBlk; rel >= 0 && rel < len(s.cache) {
			return s.cache[rel].traces[elemID]
		}
	}
	blk, _ := s.loadBlock(blockID)
	return blk.traces[elemID]
}
