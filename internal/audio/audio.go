// Package audio holds the PCM format, frame and stream metadata types shared
// by the capture pipeline.
package audio

import (
	"fmt"
	"time"
)

// Default session format. Streams are decoded to this layout regardless of
// the station's codec so that every frame in a session is comparable.
const (
	DefaultSampleRate    = 44100
	DefaultChannels      = 2
	DefaultBitDepth      = 16
	DefaultFrameDuration = 20 * time.Millisecond
)

// Format describes the PCM layout of a session.
type Format struct {
	SampleRate int `json:"sample_rate" yaml:"sample_rate"`
	Channels   int `json:"channels" yaml:"channels"`
	BitDepth   int `json:"bit_depth" yaml:"bit_depth"`
}

// DefaultFormat returns 44.1kHz stereo s16.
func DefaultFormat() Format {
	return Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels, BitDepth: DefaultBitDepth}
}

// Validate reports whether the format can be handled by the engine.
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be > 0, got %d", f.SampleRate)
	}
	if f.Channels <= 0 || f.Channels > 8 {
		return fmt.Errorf("channels must be between 1 and 8, got %d", f.Channels)
	}
	if f.BitDepth != 16 {
		return fmt.Errorf("only 16-bit PCM is supported, got %d", f.BitDepth)
	}
	return nil
}

// BytesPerSecond returns the raw PCM byte rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitDepth / 8
}

// SamplesPerFrame returns the number of interleaved samples in a frame of length d.
func (f Format) SamplesPerFrame(d time.Duration) int {
	perChannel := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return perChannel * f.Channels
}

// DurationOf returns the playback length of n interleaved samples.
func (f Format) DurationOf(samples int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	perChannel := int64(samples / f.Channels)
	return time.Duration(perChannel * int64(time.Second) / int64(f.SampleRate))
}

// Frame is a chunk of decoded audio and the wall-clock time it arrived.
// The PCM slice is never modified after the frame is produced; buffers and
// captures share it freely.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Duration  time.Duration
	PCM       []int16
}

// End returns the wall-clock time at which the frame's audio ends.
func (f Frame) End() time.Time {
	return f.Timestamp.Add(f.Duration)
}

// Bytes returns the size of the frame's PCM payload.
func (f Frame) Bytes() int {
	return len(f.PCM) * 2
}

// StreamMetadata is what the stream claims is currently playing.
type StreamMetadata struct {
	Title      string
	ReceivedAt time.Time
}

// TotalDuration sums the durations of frames.
func TotalDuration(frames []Frame) time.Duration {
	var d time.Duration
	for _, f := range frames {
		d += f.Duration
	}
	return d
}
