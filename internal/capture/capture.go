// Package capture turns boundaries and live audio into finished track
// recordings.
package capture

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/audiolibrelab/streamcapture/internal/audio"
	"github.com/audiolibrelab/streamcapture/internal/detect"
)

// Mode says what opened a capture.
type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

var (
	ErrAlreadyRecording = errors.New("a manual recording is already in progress")
	ErrNoCapture        = errors.New("no manual recording in progress")
	ErrEncoding         = errors.New("encoding failed")
	ErrStopped          = errors.New("capture manager is not running")
)

// TrackCapture is an in-flight recording. Only the manager loop touches it.
type TrackCapture struct {
	ID         string
	Title      string
	Station    string
	Mode       Mode
	StartedAt  time.Time // when the capture was opened
	BoundaryAt time.Time // effective start of the track
	Confidence detect.Confidence

	state         State
	frames        []audio.Frame
	preRollFrames int
	postRollEnd   time.Time // frame time at which the tail is complete
	postRollLimit time.Time // wall-clock fallback if the stream stalls
}

func newTrackCapture(mode Mode, title, station string, boundary, now time.Time) *TrackCapture {
	return &TrackCapture{
		ID:         uuid.NewString(),
		Title:      title,
		Station:    station,
		Mode:       mode,
		StartedAt:  now,
		BoundaryAt: boundary,
		state:      StateOpening,
	}
}

// State returns the current lifecycle state.
func (c *TrackCapture) State() State { return c.state }

func (c *TrackCapture) duration() time.Duration {
	if len(c.frames) == 0 {
		return 0
	}
	return c.frames[len(c.frames)-1].End().Sub(c.frames[0].Timestamp)
}

func (c *TrackCapture) info() Info {
	i := Info{
		ID:         c.ID,
		Title:      c.Title,
		Station:    c.Station,
		Mode:       c.Mode,
		State:      c.state,
		StartedAt:  c.StartedAt,
		BoundaryAt: c.BoundaryAt,
		Confidence: c.Confidence.String(),
		Frames:     len(c.frames),
		PreRoll:    c.preRollFrames,
		Duration:   c.duration(),
	}
	if len(c.frames) > 0 {
		i.FirstFrameAt = c.frames[0].Timestamp
		i.LastFrameAt = c.frames[len(c.frames)-1].Timestamp
	}
	return i
}

// Info is a read-only view of a capture.
type Info struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Station      string        `json:"station,omitempty"`
	Mode         Mode          `json:"mode"`
	State        State         `json:"state"`
	StartedAt    time.Time     `json:"started_at"`
	BoundaryAt   time.Time     `json:"boundary_at"`
	Confidence   string        `json:"confidence"`
	FirstFrameAt time.Time     `json:"first_frame_at"`
	LastFrameAt  time.Time     `json:"last_frame_at"`
	Frames       int           `json:"frames"`
	PreRoll      int           `json:"pre_roll_frames"`
	Duration     time.Duration `json:"duration"`
}

// Result is a successfully encoded capture, ready for the pending store.
type Result struct {
	Info
	Path string `json:"path"` // encoded file in the cache directory
	Ext  string `json:"ext"`
}

// Failure reports a capture that could not be completed.
type Failure struct {
	Info
	Err error
}

// Sink receives the outcome of every capture. Finalized and Failed are
// called from the encode worker; Started and Discarded from the manager loop.
// Implementations must not block for long.
type Sink interface {
	Started(info Info)
	Finalized(res Result)
	Failed(f Failure)
	Discarded(info Info, reason string)
}
