package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/streamcapture/internal/audio"
	"github.com/audiolibrelab/streamcapture/internal/buffer"
	"github.com/audiolibrelab/streamcapture/internal/capture"
	"github.com/audiolibrelab/streamcapture/internal/monitor"
)

// gapSlack is added to twice the frame duration before a late frame counts
// as a gap in the stream.
const gapSlack = 250 * time.Millisecond

// session is one stream being played. It is the stream.Handler for its
// source and forwards everything to its capture manager.
type session struct {
	engine    *Engine
	mgr       *capture.Manager
	monitor   *monitor.Monitor
	buf       *buffer.Rolling
	analysis  string
	url       string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu      sync.Mutex
	station string
	title   string

	gaps gapTracker
}

func (s *session) names() (station, title string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.station, s.title
}

func (s *session) HandleFrame(ctx context.Context, f audio.Frame) error {
	if gap, ok := s.gaps.observe(f); ok {
		s.engine.logger.Warn("Gap in stream audio", "gap", gap.Round(time.Millisecond), "seq", f.Seq)
	}
	if s.monitor != nil {
		s.monitor.WriteFrame(f)
	}
	return s.mgr.HandleFrame(ctx, f)
}

func (s *session) HandleMetadata(ctx context.Context, m audio.StreamMetadata) error {
	s.mu.Lock()
	s.title = m.Title
	s.mu.Unlock()
	s.engine.logger.Debug("Stream title", "title", m.Title)
	return s.mgr.HandleMetadata(ctx, m)
}

// HandleStationName uses the name the server announces unless the user
// picked the station by name.
func (s *session) HandleStationName(name string) {
	s.mu.Lock()
	if s.station != "" {
		s.mu.Unlock()
		return
	}
	s.station = name
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.mgr.SetStation(ctx, name); err != nil {
		s.engine.logger.Warn("Failed to set station name", "station", name, "error", err)
	}
}

// gapTracker notices frames that start well after the previous one ended.
// observe is called from the stream goroutine only.
type gapTracker struct {
	lastEnd time.Time
	count   atomic.Uint64
}

func (g *gapTracker) observe(f audio.Frame) (time.Duration, bool) {
	prev := g.lastEnd
	g.lastEnd = f.End()
	if prev.IsZero() {
		return 0, false
	}
	gap := f.Timestamp.Sub(prev)
	if gap <= 2*f.Duration+gapSlack {
		return 0, false
	}
	g.count.Add(1)
	return gap, true
}

func (g *gapTracker) Load() uint64 { return g.count.Load() }
