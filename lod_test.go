package hop

import "testing"

func TestLodIndexMergesSmallAdjacentTraces(t *testing.T) {
	li := newLodIndex()

	// Two tiny, back-to-back traces at depth 0, both well under every
	// level's minimum size/gap threshold, should merge into one LOD entry
	// at every level.
	traces := []Trace{
		{Start: 0, End: 10, Depth: 0},
		{Start: 10, End: 20, Depth: 0},
	}
	li.append(traces, 0)

	for l := 0; l < lodCount; l++ {
		if len(li.levels[l]) != 0 {
			t.Fatalf("level %d has %d finished entries, want 0 (still open in latestPerDepth)", l, len(li.levels[l]))
		}
	}
	row := li.latestPerDepth[0][0]
	if row.Start != 0 || row.End != 20 {
		t.Fatalf("merged entry = {Start:%d End:%d}, want {0 20}", row.Start, row.End)
	}
	if !row.Loded {
		t.Fatal("merged entry should be marked Loded")
	}
}

func TestLodIndexSplitsFarApartTraces(t *testing.T) {
	li := newLodIndex()

	gap := lodNanos[lodCount-1] * 2 // far larger than any level's gap threshold
	traces := []Trace{
		{Start: 0, End: 5, Depth: 0},
		{Start: gap, End: gap + 5, Depth: 0},
	}
	li.append(traces, 0)

	for l := 0; l < lodCount; l++ {
		if len(li.levels[l]) != 1 {
			t.Fatalf("level %d has %d finished entries, want 1 (first trace flushed when the second opened)", l, len(li.levels[l]))
		}
		if li.levels[l][0].TraceIndex != 0 {
			t.Fatalf("level %d's flushed entry has TraceIndex %d, want 0", l, li.levels[l][0].TraceIndex)
		}
	}
}

func TestLodIndexVisibleIndexSpan(t *testing.T) {
	li := newLodIndex()

	gap := lodNanos[lodCount-1] * 2
	var traces []Trace
	for i := 0; i < 5; i++ {
		start := uint64(i) * gap
		traces = append(traces, Trace{Start: start, End: start + 1, Depth: 0})
	}
	li.append(traces, 0)

	loIdx, hiIdx := li.visibleIndexSpan(0, gap, gap*2)
	if loIdx >= hiIdx {
		t.Fatalf("visibleIndexSpan(%d, %d) = (%d, %d), want a non-empty span", gap, gap*2, loIdx, hiIdx)
	}
	for _, e := range li.levels[0][loIdx:hiIdx] {
		if e.End < gap && e.Depth == 0 {
			t.Fatalf("entry %+v ends before the requested window start", e)
		}
	}
}

func TestInsertionSortLodByEnd(t *testing.T) {
	s := []LodInfo{{End: 30}, {End: 10}, {End: 20}}
	insertionSortLodByEnd(s)
	for i := 1; i < len(s); i++ {
		if s[i-1].End > s[i].End {
			t.Fatalf("slice not sorted by End: %+v", s)
		}
	}
}

func TestChooseLodLevel(t *testing.T) {
	if chooseLodLevel(1) != 0 {
		t.Fatalf("chooseLodLevel(1) = %d, want 0 for a tiny visible duration", chooseLodLevel(1))
	}
	if got := chooseLodLevel(^uint64(0)); got != lodCount-1 {
		t.Fatalf("chooseLodLevel(huge) = %d, want coarsest level %d", got, lodCount-1)
	}
}

func TestAbsDiff(t *testing.T) {
	if absDiff(10, 3) != 7 {
		t.Fatalf("absDiff(10, 3) = %d, want 7", absDiff(10, 3))
	}
	if absDiff(3, 10) != 7 {
		t.Fatalf("absDiff(3, 10) = %d, want 7", absDiff(3, 10))
	}
}
