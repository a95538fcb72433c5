package hop

import "testing"

func TestTimelineAdvancePresentFollowsRealtime(t *testing.T) {
	tl := newTimeline(0)
	tl.advancePresent(uint64(2e9))

	start, end := tl.visibleRange()
	if end != tl.present {
		t.Fatalf("visible end = %d, want present %d while following realtime", end, tl.present)
	}
	if end-start != tl.visibleDuration {
		t.Fatalf("visible window width = %d, want visibleDuration %d", end-start, tl.visibleDuration)
	}
}

func TestTimelinePanDisablesRealtime(t *testing.T) {
	tl := newTimeline(0)
	tl.advancePresent(uint64(10e9))
	tl.pan(-int64(1e9))

	if tl.realtime {
		t.Fatal("pan should disable realtime-following")
	}
	start, _ := tl.visibleRange()
	if start == tl.present-tl.visibleDuration {
		t.Fatal("pan should have moved the cursor away from the realtime snap position")
	}
}

func TestTimelinePanClampsToAbsoluteStart(t *testing.T) {
	tl := newTimeline(1000)
	tl.advancePresent(uint64(2e9) + 1000)
	tl.pan(-int64(1e12)) // far more than available history

	start, _ := tl.visibleRange()
	if start != tl.absoluteStart {
		t.Fatalf("cursor after an overlarge backward pan = %d, want clamp to absoluteStart %d", start, tl.absoluteStart)
	}
}

func TestTimelineZoomPreservesCenterFraction(t *testing.T) {
	tl := newTimeline(0)
	tl.cursor = uint64(1e9)
	tl.visibleDuration = uint64(1e9)
	tl.present = uint64(10e9)

	center := uint64(1.5e9) // halfway through the visible window, with
	// enough room before absoluteStart that zooming out isn't clamped
	tl.zoom(center, 2.0) // zoom out by 2x

	if tl.visibleDuration != uint64(2e9) {
		t.Fatalf("visibleDuration after zoom = %d, want %d", tl.visibleDuration, uint64(2e9))
	}
	if tl.realtime {
		t.Fatal("zoom should disable realtime-following")
	}
	// center was at the 50% mark before zoom; it should still be near the
	// 50% mark of the new (larger) window.
	newFrac := float64(center-tl.cursor) / float64(tl.visibleDuration)
	if newFrac < 0.45 || newFrac > 0.55 {
		t.Fatalf("center fraction after zoom = %f, want close to 0.5", newFrac)
	}
}

func TestTimelineJumpToStartAndPresent(t *testing.T) {
	tl := newTimeline(100)
	tl.advancePresent(uint64(5e9))
	tl.pan(int64(1e9))

	tl.jumpToStart()
	if tl.realtime {
		t.Fatal("jumpToStart should disable realtime")
	}
	if tl.cursor != tl.absoluteStart {
		t.Fatalf("cursor after jumpToStart = %d, want absoluteStart %d", tl.cursor, tl.absoluteStart)
	}

	tl.jumpToPresent()
	if !tl.realtime {
		t.Fatal("jumpToPresent should re-enable realtime")
	}
}

func TestTimelineFrameToTime(t *testing.T) {
	tl := newTimeline(0)
	tl.frameToTime(100, 500)

	if tl.realtime {
		t.Fatal("frameToTime should disable realtime")
	}
	if tl.cursor != 100 || tl.visibleDuration != 400 {
		t.Fatalf("frameToTime(100, 500): cursor=%d visibleDuration=%d, want 100, 400", tl.cursor, tl.visibleDuration)
	}

	before := *tl
	tl.frameToTime(500, 100) // invalid range, t1 <= t0
	if *tl != before {
		t.Fatal("frameToTime with t1 <= t0 should be a no-op")
	}
}
