// Package stream turns an internet radio stream into timestamped PCM frames
// and title changes.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/audiolibrelab/streamcapture/internal/audio"
)

var (
	ErrStreamEnded = errors.New("stream ended")
	ErrStalled     = errors.New("stream stalled")
)

// Handler receives what a Source produces. Calls for frames arrive in
// order from a single goroutine; metadata may arrive from another.
type Handler interface {
	HandleFrame(ctx context.Context, f audio.Frame) error
	HandleMetadata(ctx context.Context, m audio.StreamMetadata) error
}

// StationNamer is implemented by handlers that want the name the server
// announces for itself.
type StationNamer interface {
	HandleStationName(name string)
}

// Source produces audio until ctx is cancelled or the stream fails.
type Source interface {
	Stream(ctx context.Context, h Handler) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, h Handler) error

func (f SourceFunc) Stream(ctx context.Context, h Handler) error { return f(ctx, h) }

// resyncAfter is how far frame timestamps may trail the wall clock before
// the timeline jumps forward to it.
const resyncAfter = time.Second

// framer stamps fixed-size PCM chunks with a continuous timeline. Bursts
// of buffered audio keep their sample-accurate spacing; when delivery
// falls behind real time the timeline is re-anchored, which is what
// downstream gap detection sees.
type framer struct {
	format audio.Format
	size   time.Duration
	now    func() time.Time

	seq  uint64
	next time.Time
}

func newFramer(format audio.Format, size time.Duration, now func() time.Time) *framer {
	if size <= 0 {
		size = audio.DefaultFrameDuration
	}
	return &framer{format: format, size: size, now: now}
}

// frameBytes is the byte length of one full frame.
func (f *framer) frameBytes() int {
	return f.format.SamplesPerFrame(f.size) * f.format.BitDepth / 8
}

func (f *framer) frame(pcm []byte) audio.Frame {
	samples := audio.BytesToSamples(pcm)
	d := f.format.DurationOf(len(samples))
	now := f.now()

	ts := f.next
	if ts.IsZero() || now.Sub(ts.Add(d)) > resyncAfter {
		ts = now.Add(-d)
	}
	f.next = ts.Add(d)
	f.seq++

	return audio.Frame{Seq: f.seq, Timestamp: ts, Duration: d, PCM: samples}
}
