// Package buffer keeps the most recent seconds of decoded audio so that a
// recording can start before the moment its track was detected.
package buffer

import (
	"sync"
	"time"

	"github.com/audiolibrelab/streamcapture/internal/audio"
)

// DefaultHardCapBytes bounds memory if frames are pathologically large.
const DefaultHardCapBytes = 64 << 20

// Rolling is a time-evicted deque of frames. One writer pushes while any
// number of readers take snapshots; the critical section is a slice copy.
type Rolling struct {
	mu        sync.Mutex
	frames    []audio.Frame
	head      int
	retention time.Duration
	hardCap   int
	bytes     int
	evicted   uint64
}

// NewRolling creates a buffer holding frames no older than retention behind
// the newest frame. A hardCap of 0 selects DefaultHardCapBytes.
func NewRolling(retention time.Duration, hardCap int) *Rolling {
	if hardCap <= 0 {
		hardCap = DefaultHardCapBytes
	}
	return &Rolling{
		retention: retention,
		hardCap:   hardCap,
	}
}

// Push appends a frame and evicts everything older than the retention
// window measured from the newest frame's timestamp.
func (r *Rolling) Push(f audio.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames = append(r.frames, f)
	r.bytes += f.Bytes()

	cutoff := f.Timestamp.Add(-r.retention)
	for r.head < len(r.frames)-1 && r.frames[r.head].Timestamp.Before(cutoff) {
		r.dropFront()
	}

	// Hard cap: keep at least the frame just pushed.
	for r.bytes > r.hardCap && r.head < len(r.frames)-1 {
		r.dropFront()
		r.evicted++
	}

	r.compact()
}

func (r *Rolling) dropFront() {
	r.bytes -= r.frames[r.head].Bytes()
	r.frames[r.head] = audio.Frame{}
	r.head++
}

// compact reclaims the dead prefix once it dominates the slice.
func (r *Rolling) compact() {
	if r.head == 0 || r.head < len(r.frames)/2 {
		return
	}
	n := copy(r.frames, r.frames[r.head:])
	for i := n; i < len(r.frames); i++ {
		r.frames[i] = audio.Frame{}
	}
	r.frames = r.frames[:n]
	r.head = 0
}

// Snapshot returns a copy of all buffered frames, oldest first. Frame PCM is
// shared, not cloned; frames are immutable.
func (r *Rolling) Snapshot() []audio.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]audio.Frame, len(r.frames)-r.head)
	copy(out, r.frames[r.head:])
	return out
}

// Since returns a copy of buffered frames with Timestamp >= t.
func (r *Rolling) Since(t time.Time) []audio.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := r.frames[r.head:]
	start := len(live)
	for i, f := range live {
		if !f.Timestamp.Before(t) {
			start = i
			break
		}
	}
	out := make([]audio.Frame, len(live)-start)
	copy(out, live[start:])
	return out
}

// Clear drops every buffered frame.
func (r *Rolling) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frames = nil
	r.head = 0
	r.bytes = 0
}

// Len returns the number of buffered frames.
func (r *Rolling) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames) - r.head
}

// Bytes returns the PCM size of buffered frames.
func (r *Rolling) Bytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Duration returns the span from the oldest frame's start to the newest
// frame's end.
func (r *Rolling) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.frames)-r.head == 0 {
		return 0
	}
	oldest := r.frames[r.head]
	newest := r.frames[len(r.frames)-1]
	return newest.End().Sub(oldest.Timestamp)
}

// Evicted returns how many frames were dropped by the hard cap.
func (r *Rolling) Evicted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}

// Retention returns the configured window.
func (r *Rolling) Retention() time.Duration {
	return r.retention
}
