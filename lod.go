// lod.go: level-of-detail index (C8) — per-depth merge of nearby, small
// traces into coarser entries at each of a fixed ladder of time scales.
//
// Grounded on _examples/original_source/Lod.h and Lod.cpp: the threshold
// tables and the createLod/appendLods/visibleIndexSpan algorithms are a
// direct port. The original derives its minimum-trace and minimum-gap
// thresholds from a screen resolution in pixels (setupLODResolution); this
// package has no display, so it uses LOD_MIN_SIZE_MICROS directly as both
// thresholds, converted to nanoseconds — see DESIGN.md.
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hop

import "sort"

const lodCount = 7

// lodNanos[l] is the visible-duration threshold at or above which level l
// is the preferred rendering LOD (smallest L with lodNanos[L] >= visible).
var lodNanos = [lodCount]uint64{
	30 * 1e6, 300 * 1e6, 600 * 1e6,
	6000 * 1e6, 30000 * 1e6, 600000 * 1e6, 50000000 * 1e6,
}

// lodMinSizeNanos[l] is both the minimum-trace-length and minimum-gap
// threshold at level l, in nanoseconds.
var lodMinSizeNanos = [lodCount]uint64{
	80 * 1e3, 1200 * 1e3, 2500 * 1e3, 5000 * 1e3, 10000 * 1e3, 700000 * 1e3, 1000000 * 1e3,
}

const invalidLodIndex = -1

// LodInfo is one entry of a level's sorted-by-End array. A Loded entry
// aggregates two or more source traces below the level's size/gap
// thresholds; TraceIndex then refers to the first trace folded into it.
type LodInfo struct {
	Start, End uint64
	TraceIndex int
	Depth      uint16
	Loded      bool
}

// lodIndex holds, for one thread, the per-depth in-progress LodInfo and the
// finished sorted-by-End arrays for all lodCount levels.
type lodIndex struct {
	latestPerDepth [][lodCount]LodInfo
	levels         [lodCount][]LodInfo
}

func newLodIndex() *lodIndex {
	return &lodIndex{}
}

func emptyLodRow() [lodCount]LodInfo {
	var row [lodCount]LodInfo
	for i := range row {
		row[i] = LodInfo{TraceIndex: invalidLodIndex}
	}
	return row
}

func (li *lodIndex) ensureDepth(maxDepth int) {
	for len(li.latestPerDepth) <= maxDepth {
		li.latestPerDepth = append(li.latestPerDepth, emptyLodRow())
	}
}

// append folds traces[startIndex:] into the index, one entry per (depth,
// level) pair, then insertion-sorts each level's newly appended suffix by
// End (the existing prefix is already sorted, so this is cheap).
func (li *lodIndex) append(traces []Trace, startIndex int) {
	maxDepth := 0
	for _, t := range traces[startIndex:] {
		if int(t.Depth) > maxDepth {
			maxDepth = int(t.Depth)
		}
	}
	li.ensureDepth(maxDepth)

	var initialCount [lodCount]int
	for l := 0; l < lodCount; l++ {
		initialCount[l] = len(li.levels[l])
	}

	for i := startIndex; i < len(traces); i++ {
		t := traces[i]
		start := t.StartTime()
		end := t.End
		delta := end - start
		row := &li.latestPerDepth[t.Depth]
		for l := 0; l < lodCount; l++ {
			createLod(l, i, start, end, delta, t.Depth, &row[l], &li.levels[l])
		}
	}

	for l := 0; l < lodCount; l++ {
		insertionSortLodByEnd(li.levels[l][initialCount[l]:])
	}
}

// createLod applies the merge test for one (depth, level) pair and
// either extends prev in place or flushes it and opens a new entry.
func createLod(level int, index int, start, end, delta uint64, depth uint16, prev *LodInfo, out *[]LodInfo) {
	lastTraceDelta := prev.End - prev.Start
	gap := absDiff(start, prev.End)

	minSize := lodMinSizeNanos[level]
	lastSmallEnough := lastTraceDelta < minSize
	newSmallEnough := delta < minSize
	gapSmallEnough := gap < minSize

	if prev.TraceIndex != invalidLodIndex && lastSmallEnough && newSmallEnough && gapSmallEnough {
		prev.End = end
		prev.Loded = true
		return
	}

	if prev.TraceIndex != invalidLodIndex {
		*out = append(*out, *prev)
	}
	*prev = LodInfo{Start: start, End: end, TraceIndex: index, Depth: depth, Loded: false}
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// insertionSortLodByEnd sorts a small, nearly-sorted suffix in place; linear
// on already-sorted input, matching the source's rationale for choosing
// insertion sort over a general-purpose sort here.
func insertionSortLodByEnd(s []LodInfo) {
	for i := 1; i < len(s); i++ {
		v := s[i]
		j := i - 1
		for j >= 0 && s[j].End > v.End {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = v
	}
}

// visibleIndexSpan returns [lo, hi) into levels[level] such that every entry
// with End < t0 is below lo and every entry with Start > t1 is at or beyond
// hi, then extends hi past any trailing entries above depth 0 so a shallow
// enclosing trace is never truncated.
func (li *lodIndex) visibleIndexSpan(level int, t0, t1 uint64) (lo, hi int) {
	arr := li.levels[level]
	lo = sort.Search(len(arr), func(i int) bool { return arr[i].End >= t0 })
	if lo == len(arr) {
		return lo, lo
	}
	hi = sort.Search(len(arr), func(i int) bool { return arr[i].End > t1 })
	for hi < len(arr) && arr[hi].Depth > 0 {
		hi++
	}
	if hi < len(arr) {
		hi++
	}
	return lo, hi
}

// chooseLodLevel returns the smallest level whose threshold covers
// visibleDuration, or the coarsest level if none does.
func chooseLodLevel(visibleDuration uint64) int {
	for l := 0; l < lodCount; l++ {
		if lodNanos[l] >= visibleDuration {
			return l
		}
	}
	return lodCount - 1
}
