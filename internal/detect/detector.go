// Package detect decides when a stream has really moved on to a new track.
//
// Inline stream metadata is late, repeated, sometimes empty and sometimes
// wrong. The Detector filters it into BoundaryEvents and asks a Refiner to
// move each boundary back to where the audio actually changed.
package detect

import (
	"strings"
	"time"

	"github.com/audiolibrelab/streamcapture/internal/audio"
)

// Confidence ranks how well a boundary is supported.
type Confidence int

const (
	MetadataOnly Confidence = iota
	MetadataPlusSilence
	MetadataPlusSpectral
)

func (c Confidence) String() string {
	switch c {
	case MetadataOnly:
		return "metadata"
	case MetadataPlusSilence:
		return "metadata+silence"
	case MetadataPlusSpectral:
		return "metadata+spectral"
	default:
		return "unknown"
	}
}

// BoundaryEvent declares that a new track begins at DeclaredAt.
type BoundaryEvent struct {
	DeclaredAt    time.Time
	ReportedAt    time.Time
	Confidence    Confidence
	NewTitle      string
	PreviousTitle string
	Detail        string
}

// Config holds the detector's timing rules.
type Config struct {
	Debounce       time.Duration // minimum spacing of accepted boundaries
	MinTrackLength time.Duration // shorter tracks are treated as metadata noise
	Lookback       time.Duration // audio searched before the metadata change
}

// DefaultConfig returns the desktop player's timings.
func DefaultConfig() Config {
	return Config{
		Debounce:       2 * time.Second,
		MinTrackLength: 5 * time.Second,
		Lookback:       3 * time.Second,
	}
}

// FrameSource supplies recently buffered audio.
type FrameSource interface {
	Since(t time.Time) []audio.Frame
}

// Detector is not safe for concurrent use; it is owned by the capture
// manager's loop.
type Detector struct {
	cfg     Config
	refiner Refiner
	frames  FrameSource

	title        string
	key          string
	lastBoundary time.Time
	hasBoundary  bool
	lastSeen     time.Time
	suppressed   int
}

// New creates a detector. A nil refiner means metadata only; a nil frame
// source disables refinement as well.
func New(cfg Config, refiner Refiner, frames FrameSource) *Detector {
	if refiner == nil {
		refiner = NullRefiner{}
	}
	return &Detector{cfg: cfg, refiner: refiner, frames: frames}
}

// HoldOff is the window after a boundary during which further title changes
// are considered noise.
func (d *Detector) HoldOff() time.Duration {
	if d.cfg.MinTrackLength > d.cfg.Debounce {
		return d.cfg.MinTrackLength
	}
	return d.cfg.Debounce
}

// OnMetadata feeds one metadata event and returns a boundary, or nil when the
// event is a duplicate, empty, or arrives inside the hold-off window.
func (d *Detector) OnMetadata(meta audio.StreamMetadata) *BoundaryEvent {
	title := strings.TrimSpace(meta.Title)
	if title == "" {
		d.lastSeen = meta.ReceivedAt
		return nil
	}

	key := NormalizeTitle(title)
	if key == "" {
		d.lastSeen = meta.ReceivedAt
		return nil
	}
	if key == d.key {
		return nil
	}

	previous := d.title
	if d.hasBoundary && meta.ReceivedAt.Sub(d.lastBoundary) < d.HoldOff() {
		// Noise, but it is now what the stream says is playing.
		d.title, d.key = title, key
		d.suppressed++
		return nil
	}

	d.title, d.key = title, key
	d.lastSeen = meta.ReceivedAt

	ev := &BoundaryEvent{
		DeclaredAt:    meta.ReceivedAt,
		ReportedAt:    meta.ReceivedAt,
		Confidence:    MetadataOnly,
		NewTitle:      title,
		PreviousTitle: previous,
	}

	// The first title after tuning in marks where listening began, not a
	// track change, so there is nothing to refine.
	if d.hasBoundary && d.frames != nil {
		ev = d.refine(ev)
	}

	d.lastBoundary = meta.ReceivedAt
	d.hasBoundary = true
	return ev
}

func (d *Detector) refine(ev *BoundaryEvent) *BoundaryEvent {
	from := ev.ReportedAt.Add(-d.cfg.Lookback)
	if from.Before(d.lastBoundary) {
		from = d.lastBoundary
	}

	var window []audio.Frame
	for _, f := range d.frames.Since(from) {
		if f.Timestamp.After(ev.ReportedAt) {
			break
		}
		window = append(window, f)
	}

	r := d.refiner.Refine(window, ev.ReportedAt)
	ev.Confidence = r.Confidence
	ev.Detail = r.Detail
	// Refinement may only move a boundary backwards, never past the last one.
	if r.At.Before(ev.ReportedAt) && r.At.After(d.lastBoundary) {
		ev.DeclaredAt = r.At
	}
	return ev
}

// Title returns the title the stream most recently claimed, including
// changes that were suppressed as noise.
func (d *Detector) Title() string { return d.title }

// LastSeen returns when metadata last arrived, empty titles included.
func (d *Detector) LastSeen() time.Time { return d.lastSeen }

// Suppressed counts title changes rejected by the hold-off window.
func (d *Detector) Suppressed() int { return d.suppressed }

// Refiner returns the strategy selected for this detector.
func (d *Detector) Refiner() Refiner { return d.refiner }

// Reset forgets all state, as on a stream change.
func (d *Detector) Reset() {
	d.title = ""
	d.key = ""
	d.lastBoundary = time.Time{}
	d.hasBoundary = false
	d.lastSeen = time.Time{}
	d.suppressed = 0
}
