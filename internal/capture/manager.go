package capture

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/streamcapture/internal/audio"
	"github.com/audiolibrelab/streamcapture/internal/buffer"
	"github.com/audiolibrelab/streamcapture/internal/detect"
	"github.com/audiolibrelab/streamcapture/internal/encode"
)

// Config holds the recording windows and limits.
type Config struct {
	Format       audio.Format
	AutoRecord   bool
	PreRoll      time.Duration
	PostRoll     time.Duration
	MinRecording time.Duration // auto captures ended by a boundary and shorter than this are discarded
	MaxRecording time.Duration // longer captures are finalized
	CacheDir     string        // where encoded captures wait for the pending store
	InputBuffer  int
	TickInterval time.Duration
	StallGrace   time.Duration // extra wall-clock time allowed for post-roll frames
}

// DefaultConfig returns the desktop player's recording defaults.
func DefaultConfig() Config {
	return Config{
		Format:       audio.DefaultFormat(),
		AutoRecord:   true,
		PreRoll:      8 * time.Second,
		PostRoll:     3 * time.Second,
		MinRecording: 10 * time.Second,
		MaxRecording: 10 * time.Minute,
		CacheDir:     filepath.Join(os.TempDir(), "streamcapture-cache"),
		InputBuffer:  256,
		TickInterval: 500 * time.Millisecond,
		StallGrace:   2 * time.Second,
	}
}

type inputKind int

const (
	inputFrame inputKind = iota
	inputMetadata
	inputCommand
)

type commandOp int

const (
	opStartManual commandOp = iota
	opStopManual
	opTeardown
	opSetStation
	opCaptures
)

type input struct {
	kind  inputKind
	frame audio.Frame
	meta  audio.StreamMetadata
	cmd   *command
}

type command struct {
	op    commandOp
	arg   string
	reply chan commandReply
}

type commandReply struct {
	id    string
	infos []Info
	err   error
}

type job struct {
	info   Info
	frames []audio.Frame
}

// Manager is the single owner of every TrackCapture. All audio, metadata
// and commands arrive on one bounded channel and are handled in order by
// Run; encoding happens on a background worker.
type Manager struct {
	cfg    Config
	buf    *buffer.Rolling
	det    *detect.Detector
	enc    encode.Encoder
	sink   Sink
	logger *slog.Logger
	now    func() time.Time

	autoRecord atomic.Bool
	running    atomic.Bool
	in         chan input
	jobs       chan job
	done       chan struct{}

	// owned by Run
	station      string
	current      *TrackCapture // auto, capturing
	tail         *TrackCapture // auto, post-roll
	manual       *TrackCapture
	lastFrame    time.Time
	lastBoundary time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func NewManager(cfg Config, buf *buffer.Rolling, det *detect.Detector, enc encode.Encoder, sink Sink, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.InputBuffer <= 0 {
		cfg.InputBuffer = def.InputBuffer
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = def.CacheDir
	}

	m := &Manager{
		cfg:    cfg,
		buf:    buf,
		det:    det,
		enc:    enc,
		sink:   sink,
		logger: slog.Default(),
		now:    time.Now,
		in:     make(chan input, cfg.InputBuffer),
		jobs:   make(chan job, 16),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.autoRecord.Store(cfg.AutoRecord)
	return m
}

// Run processes input until ctx is cancelled, then handles whatever is
// still queued, finalizes what is recording and waits for pending encodes.
// It may be called once.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("capture manager already running")
	}
	defer close(m.done)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Encodes outlive cancellation so shutdown does not lose captures.
		m.encodeWorker(context.WithoutCancel(ctx))
	}()

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.logger.Debug("Capture manager started", "auto_record", m.autoRecord.Load())
	for {
		select {
		case <-ctx.Done():
			m.drain()
			m.teardown("shutdown")
			close(m.jobs)
			wg.Wait()
			m.logger.Debug("Capture manager stopped")
			return nil
		case in := <-m.in:
			m.handle(in)
		case <-ticker.C:
			m.tick()
		}
	}
}

// HandleFrame queues a decoded frame. It blocks while the queue is full,
// which pushes back on the stream reader rather than dropping audio.
func (m *Manager) HandleFrame(ctx context.Context, f audio.Frame) error {
	return m.send(ctx, input{kind: inputFrame, frame: f})
}

// HandleMetadata queues a metadata event behind any frames already queued.
func (m *Manager) HandleMetadata(ctx context.Context, meta audio.StreamMetadata) error {
	return m.send(ctx, input{kind: inputMetadata, meta: meta})
}

// StartManual opens a manual capture with whatever pre-roll is buffered.
func (m *Manager) StartManual(ctx context.Context) (string, error) {
	r, err := m.call(ctx, opStartManual, "")
	return r.id, err
}

// StopManual finalizes the manual capture, after the post-roll of a
// boundary that is still in its window.
func (m *Manager) StopManual(ctx context.Context) (string, error) {
	r, err := m.call(ctx, opStopManual, "")
	return r.id, err
}

// Teardown finalizes every in-flight capture, clears the buffer and resets
// the detector. Used when the stream stops or changes.
func (m *Manager) Teardown(ctx context.Context) error {
	_, err := m.call(ctx, opTeardown, "")
	return err
}

// SetStation names the station used for subsequent captures.
func (m *Manager) SetStation(ctx context.Context, name string) error {
	_, err := m.call(ctx, opSetStation, name)
	return err
}

// Captures returns the in-flight captures.
func (m *Manager) Captures(ctx context.Context) ([]Info, error) {
	r, err := m.call(ctx, opCaptures, "")
	return r.infos, err
}

// SetAutoRecord turns per-track recording on or off. An auto capture in
// progress runs until its next boundary.
func (m *Manager) SetAutoRecord(on bool) { m.autoRecord.Store(on) }

func (m *Manager) AutoRecord() bool { return m.autoRecord.Load() }

func (m *Manager) send(ctx context.Context, in input) error {
	select {
	case m.in <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
}

func (m *Manager) call(ctx context.Context, op commandOp, arg string) (commandReply, error) {
	cmd := &command{op: op, arg: arg, reply: make(chan commandReply, 1)}
	if err := m.send(ctx, input{kind: inputCommand, cmd: cmd}); err != nil {
		return commandReply{}, err
	}
	select {
	case r := <-cmd.reply:
		return r, r.err
	case <-ctx.Done():
		return commandReply{}, ctx.Err()
	case <-m.done:
		return commandReply{}, ErrStopped
	}
}

// drain handles input accepted before shutdown. Commands are refused.
func (m *Manager) drain() {
	for {
		select {
		case in := <-m.in:
			if in.kind == inputCommand {
				in.cmd.reply <- commandReply{err: ErrStopped}
				continue
			}
			m.handle(in)
		default:
			return
		}
	}
}

func (m *Manager) handle(in input) {
	switch in.kind {
	case inputFrame:
		m.onFrame(in.frame)
	case inputMetadata:
		m.onMetadata(in.meta)
	case inputCommand:
		in.cmd.reply <- m.onCommand(in.cmd)
	}
}

// live returns the captures taking frames, oldest first.
func (m *Manager) live() []*TrackCapture {
	out := make([]*TrackCapture, 0, 3)
	for _, c := range []*TrackCapture{m.tail, m.current, m.manual} {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

func (m *Manager) onFrame(f audio.Frame) {
	m.buf.Push(f)
	m.lastFrame = f.Timestamp

	for _, c := range m.live() {
		switch c.state {
		case StateCapturing:
			c.frames = append(c.frames, f)
			if m.cfg.MaxRecording > 0 && c.duration() >= m.cfg.MaxRecording {
				m.logger.Warn("Recording reached maximum length, finalizing",
					"id", c.ID, "title", c.Title, "max", m.cfg.MaxRecording)
				m.flush(c)
			}
		case StatePostRollWait:
			if !f.Timestamp.After(c.postRollEnd) {
				c.frames = append(c.frames, f)
			}
			if !f.Timestamp.Before(c.postRollEnd) {
				m.finish(c, TriggerPostRollElapsed)
			}
		}
	}
}

func (m *Manager) onMetadata(meta audio.StreamMetadata) {
	before := m.det.Title()
	ev := m.det.OnMetadata(meta)
	if ev == nil {
		// Stations often announce themselves before the real title. A change
		// inside the hold-off renames the capture rather than splitting it.
		title := m.det.Title()
		if c := m.current; c != nil && title != before && meta.ReceivedAt.Sub(c.BoundaryAt) < m.det.HoldOff() {
			m.logger.Info("Retitling recording", "id", c.ID, "from", c.Title, "to", title)
			c.Title = title
		}
		return
	}

	m.logger.Info("Track boundary",
		"title", ev.NewTitle,
		"previous", ev.PreviousTitle,
		"confidence", ev.Confidence.String(),
		"nudge", ev.ReportedAt.Sub(ev.DeclaredAt),
		"detail", ev.Detail)
	m.onBoundary(ev)
}

func (m *Manager) onBoundary(ev *detect.BoundaryEvent) {
	m.lastBoundary = ev.DeclaredAt

	// At most two auto captures in flight: one finishing, one starting.
	if m.tail != nil {
		m.finish(m.tail, TriggerForce)
	}

	if c := m.current; c != nil {
		m.current = nil
		if m.transition(c, TriggerBoundary) {
			m.tail = c
			m.startPostRoll(c, ev.DeclaredAt)
		}
	}

	if !m.autoRecord.Load() {
		return
	}
	c := m.open(ModeAuto, ev.NewTitle, ev.DeclaredAt)
	c.Confidence = ev.Confidence
	m.current = c
}

func (m *Manager) onCommand(cmd *command) commandReply {
	switch cmd.op {
	case opStartManual:
		if m.manual != nil {
			return commandReply{id: m.manual.ID, err: ErrAlreadyRecording}
		}
		at := m.lastFrame
		if at.IsZero() {
			at = m.now()
		}
		m.manual = m.open(ModeManual, m.det.Title(), at)
		return commandReply{id: m.manual.ID}

	case opStopManual:
		c := m.manual
		if c == nil {
			return commandReply{err: ErrNoCapture}
		}
		if c.state == StatePostRollWait {
			return commandReply{id: c.ID}
		}
		// A stop inside a boundary's post-roll keeps the tail of the track.
		if b := m.lastBoundary; b.After(c.BoundaryAt) && m.lastFrame.Before(b.Add(m.cfg.PostRoll)) {
			if m.transition(c, TriggerBoundary) {
				m.startPostRoll(c, b)
			}
			return commandReply{id: c.ID}
		}
		m.finish(c, TriggerStop)
		return commandReply{id: c.ID}

	case opTeardown:
		m.teardown("stream stopped")
		return commandReply{}

	case opSetStation:
		m.station = cmd.arg
		return commandReply{}

	case opCaptures:
		var infos []Info
		for _, c := range m.live() {
			infos = append(infos, c.info())
		}
		return commandReply{infos: infos}
	}
	return commandReply{err: errors.New("unknown command")}
}

// startPostRoll puts c in its tail window after a boundary at b, finishing
// it at once if the window's frames have already arrived.
func (m *Manager) startPostRoll(c *TrackCapture, b time.Time) {
	c.postRollEnd = b.Add(m.cfg.PostRoll)
	c.postRollLimit = m.now().Add(m.cfg.PostRoll + m.cfg.StallGrace)
	if !m.lastFrame.Before(c.postRollEnd) {
		c.trimAfter(c.postRollEnd)
		m.finish(c, TriggerPostRollElapsed)
	}
}

func (m *Manager) tick() {
	for _, c := range []*TrackCapture{m.tail, m.manual} {
		if c == nil || c.state != StatePostRollWait || c.postRollLimit.IsZero() {
			continue
		}
		if m.now().After(c.postRollLimit) {
			m.logger.Warn("Stream stalled during post-roll, finalizing", "id", c.ID, "title", c.Title)
			m.finish(c, TriggerPostRollElapsed)
		}
	}
}

func (m *Manager) teardown(reason string) {
	n := 0
	for _, c := range m.live() {
		m.flush(c)
		n++
	}
	m.buf.Clear()
	m.det.Reset()
	m.lastFrame = time.Time{}
	m.lastBoundary = time.Time{}
	if n > 0 {
		m.logger.Info("Finalized in-flight recordings", "count", n, "reason", reason)
	}
}

// open creates a capture and merges pre-roll from the rolling buffer.
func (m *Manager) open(mode Mode, title string, boundary time.Time) *TrackCapture {
	c := newTrackCapture(mode, title, m.station, boundary, m.now())
	m.transition(c, TriggerMerge)
	m.transition(c, TriggerBegin)

	m.logger.Info("Recording started",
		"id", c.ID, "mode", c.Mode, "title", c.Title, "pre_roll_frames", c.preRollFrames)
	m.sink.Started(c.info())
	return c
}

func (m *Manager) detach(c *TrackCapture) {
	switch c {
	case m.current:
		m.current = nil
	case m.tail:
		m.tail = nil
	case m.manual:
		m.manual = nil
	}
}

// flush finalizes c whatever its length.
func (m *Manager) flush(c *TrackCapture) {
	m.detach(c)
	m.transition(c, TriggerForce)
}

// finish ends a capture: finalize and encode, or discard an auto capture
// that a boundary cut off before it was long enough to be a track.
func (m *Manager) finish(c *TrackCapture, t Trigger) {
	m.detach(c)

	rotated := c.state == StatePostRollWait
	if rotated && c.Mode == ModeAuto && m.cfg.MinRecording > 0 && c.duration() < m.cfg.MinRecording {
		info := c.info()
		if m.transition(c, TriggerDiscard) {
			info.State = c.state
			m.logger.Info("Discarding short recording", "id", c.ID, "title", c.Title, "duration", info.Duration)
			m.sink.Discarded(info, "shorter than minimum recording length")
		}
		return
	}
	m.transition(c, t)
}

// transition applies Step and performs its effects.
func (m *Manager) transition(c *TrackCapture, t Trigger) bool {
	next, effects, err := Step(c.state, t)
	if err != nil {
		m.logger.Error("Capture transition rejected", "id", c.ID, "error", err)
		return false
	}
	c.state = next

	var sealed []audio.Frame
	for _, e := range effects {
		switch e {
		case EffectSnapshotPreRoll:
			c.frames = m.buf.Since(c.BoundaryAt.Add(-m.cfg.PreRoll))
			c.preRollFrames = countBefore(c.frames, c.BoundaryAt)
		case EffectAppendLive:
			// frames arrive through onFrame
		case EffectSeal:
			sealed = c.frames
		case EffectEncode:
			m.jobs <- job{info: c.info(), frames: sealed}
		case EffectFree:
			c.frames = nil
		}
	}
	return true
}

func (c *TrackCapture) trimAfter(t time.Time) {
	n := len(c.frames)
	for n > 0 && c.frames[n-1].Timestamp.After(t) {
		n--
	}
	c.frames = c.frames[:n]
}

func countBefore(frames []audio.Frame, t time.Time) int {
	n := 0
	for _, f := range frames {
		if f.Timestamp.Before(t) {
			n++
		}
	}
	return n
}
