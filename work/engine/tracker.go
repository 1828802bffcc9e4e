package engine

import (
	"sync"
)

/**
 * SegmentTracker remembers the media sequence number of the last segment an
 * engine handed to the sink. Playlist refreshes and restarts only deliver
 * segments numbered above it, so playback never steps back in time no matter
 * how long the live window is.
 */
type SegmentTracker struct {
	last    uint64
	started bool
	mutex   sync.Mutex
}

// NewSegmentTracker creates a tracker that has delivered nothing.
func NewSegmentTracker() *SegmentTracker {
	return &SegmentTracker{}
}

// Last returns the newest delivered sequence number. ok is false until the
// first Mark.
func (st *SegmentTracker) Last() (seq uint64, ok bool) {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	return st.last, st.started
}

// Seen reports whether seq is at or behind the newest delivered segment.
func (st *SegmentTracker) Seen(seq uint64) bool {
	st.mutex.Lock()
	defer st.mutex.Unlock()
	return st.started && seq <= st.last
}

// Mark moves the tracker forward to seq. Older numbers are ignored.
func (st *SegmentTracker) Mark(seq uint64) {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	if st.started && seq <= st.last {
		return
	}
	st.last = seq
	st.started = true
}

// Reset forgets everything.
func (st *SegmentTracker) Reset() {
	st.mutex.Lock()
	defer st.mutex.Unlock()

	st.last = 0
	st.started = false
}
