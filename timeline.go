// timeline.go: display-relative timeline cursor (C9) — the visible window
// a consumer's UI would query against the per-thread LOD index (C8).
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hop

// Timeline tracks an absolute start/present pair plus a display-relative
// cursor and visible duration, both in nanoseconds (this port's timestamp
// unit — see Producer.now). It has no rendering concerns of its own; it
// only ever answers "what [start, end) range is visible now".
type Timeline struct {
	absoluteStart uint64
	present       uint64

	cursor          uint64
	visibleDuration uint64
	realtime        bool
}

// newTimeline starts a timeline anchored at absoluteStart, following the
// present (realtime) with a one-second default visible window.
func newTimeline(absoluteStart uint64) *Timeline {
	return &Timeline{
		absoluteStart:   absoluteStart,
		present:         absoluteStart,
		cursor:          absoluteStart,
		visibleDuration: uint64(1e9),
		realtime:        true,
	}
}

// advancePresent records a newer present timestamp and, if following the
// present, slides the cursor to keep it in view.
func (t *Timeline) advancePresent(ts uint64) {
	if ts > t.present {
		t.present = ts
	}
	if t.realtime {
		t.snapToPresent()
	}
}

func (t *Timeline) snapToPresent() {
	if t.present > t.visibleDuration {
		t.cursor = t.present - t.visibleDuration
	} else {
		t.cursor = t.absoluteStart
	}
}

// zoom rescales the visible duration by factor (>1 zooms out, <1 zooms in)
// around centerCycle, keeping centerCycle's fractional position within the
// visible window unchanged. Leaves realtime-following.
func (t *Timeline) zoom(centerCycle uint64, factor float64) {
	if factor <= 0 || t.visibleDuration == 0 {
		return
	}
	frac := float64(centerCycle-t.cursor) / float64(t.visibleDuration)
	newVisible := uint64(float64(t.visibleDuration) * factor)
	if newVisible == 0 {
		newVisible = 1
	}
	offset := uint64(frac * float64(newVisible))
	if offset > centerCycle-t.absoluteStart && centerCycle > t.absoluteStart {
		offset = centerCycle - t.absoluteStart
	}
	t.visibleDuration = newVisible
	if centerCycle >= offset {
		t.cursor = centerCycle - offset
	} else {
		t.cursor = t.absoluteStart
	}
	t.realtime = false
}

// pan shifts the visible window by deltaCycles (positive moves forward in
// time), clamped to [absoluteStart, present]. Disables realtime-following.
func (t *Timeline) pan(deltaCycles int64) {
	t.realtime = false
	if deltaCycles >= 0 {
		t.cursor += uint64(deltaCycles)
	} else {
		d := uint64(-deltaCycles)
		if d > t.cursor-t.absoluteStart {
			t.cursor = t.absoluteStart
		} else {
			t.cursor -= d
		}
	}
	if t.cursor+t.visibleDuration > t.present {
		if t.present > t.visibleDuration {
			t.cursor = t.present - t.visibleDuration
		} else {
			t.cursor = t.absoluteStart
		}
	}
}

// jumpToStart moves the visible window to the beginning of the recording.
func (t *Timeline) jumpToStart() {
	t.realtime = false
	t.cursor = t.absoluteStart
}

// jumpToPresent resumes following the present.
func (t *Timeline) jumpToPresent() {
	t.realtime = true
	t.snapToPresent()
}

// frameToTime selects an explicit [t0, t1) range, disabling realtime.
func (t *Timeline) frameToTime(t0, t1 uint64) {
	if t1 <= t0 {
		return
	}
	t.realtime = false
	t.cursor = t0
	t.visibleDuration = t1 - t0
}

// visibleRange returns the current [start, end) window fed to C8 queries.
func (t *Timeline) visibleRange() (uint64, uint64) {
	return t.cursor, t.cursor + t.visibleDuration
}
