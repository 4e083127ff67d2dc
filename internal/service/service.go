// Package service is the recording engine: it ties a stream to the rolling
// buffer, boundary detector, capture manager and pending store, and is what
// the HTTP API and the CLI talk to.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/audiolibrelab/streamcapture/internal/audio"
	"github.com/audiolibrelab/streamcapture/internal/buffer"
	"github.com/audiolibrelab/streamcapture/internal/capture"
	"github.com/audiolibrelab/streamcapture/internal/config"
	"github.com/audiolibrelab/streamcapture/internal/detect"
	"github.com/audiolibrelab/streamcapture/internal/encode"
	"github.com/audiolibrelab/streamcapture/internal/events"
	"github.com/audiolibrelab/streamcapture/internal/monitor"
	"github.com/audiolibrelab/streamcapture/internal/pending"
	"github.com/audiolibrelab/streamcapture/internal/stream"
)

var ErrNotPlaying = errors.New("no stream is playing")

// Service is what the control surfaces need from the engine.
type Service interface {
	// Playback
	StreamSource(url string) (stream.Source, error)
	Play(ctx context.Context, src stream.Source, url, station string) error
	StopPlayback(ctx context.Context) error

	// Recording
	StartManualRecording(ctx context.Context) (string, error)
	StopManualRecording(ctx context.Context) (string, error)
	SetAutoRecord(on bool)
	SetAutoSave(on bool)

	// Pending recordings
	ListPending() []pending.Recording
	Save(id, filename string) (string, error)
	Discard(id string) error

	// Information
	Status(ctx context.Context) Status
	GetLastError() string
	Subscribe() *events.Subscriber
	Unsubscribe(s *events.Subscriber)
}

// Status is a snapshot of the engine.
type Status struct {
	Playing    bool           `json:"playing"`
	Station    string         `json:"station,omitempty"`
	URL        string         `json:"url,omitempty"`
	Title      string         `json:"title,omitempty"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	AutoRecord bool           `json:"auto_record"`
	AutoSave   bool           `json:"auto_save"`
	Analysis   string         `json:"analysis,omitempty"`
	Captures   []capture.Info `json:"captures"`
	Pending    int            `json:"pending"`
	Buffered   time.Duration  `json:"buffered"`
	BufferSize string         `json:"buffer_size,omitempty"`
	Gaps       uint64         `json:"gaps"`
	Monitor    string         `json:"monitor,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
}

// Engine is the Service implementation.
type Engine struct {
	cfg    *config.Config
	format audio.Format
	enc    encode.Encoder
	bus    *events.Bus
	store  *pending.Store
	logger *slog.Logger
	now    func() time.Time

	autoRecord atomic.Bool
	autoSave   atomic.Bool

	playMu  sync.Mutex // serializes Play
	mu      sync.Mutex
	session *session

	// Error tracking
	lastError      string
	lastErrorMutex sync.RWMutex
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithEncoder replaces the encoder chosen from output.format.
func WithEncoder(enc encode.Encoder) Option { return func(e *Engine) { e.enc = enc } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an engine for cfg. Nothing plays until Play is called.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine requires a config")
	}
	e := &Engine{
		cfg: cfg,
		format: audio.Format{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			BitDepth:   16,
		},
		bus:    events.NewBus(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.format.Validate(); err != nil {
		return nil, err
	}
	if e.enc == nil {
		enc, err := encode.New(cfg.Output.Format, cfg.Audio.FFmpegPath, cfg.Output.Bitrate)
		if err != nil {
			return nil, err
		}
		e.enc = enc
	}

	e.autoRecord.Store(cfg.Recording.AutoRecord)
	e.autoSave.Store(cfg.Recording.AutoSave)
	e.store = pending.New(pending.Config{
		Directory:    cfg.Output.Directory,
		SaveDeadline: cfg.Recording.SaveDeadline,
		MaxPending:   cfg.Recording.MaxPending,
	}, e.autoSave.Load, e.bus, pending.WithLogger(e.logger), pending.WithClock(e.now))

	e.logger.Debug("Engine created",
		"format", cfg.Output.Format,
		"sample_rate", e.format.SampleRate,
		"channels", e.format.Channels,
		"auto_record", cfg.Recording.AutoRecord,
		"auto_save", cfg.Recording.AutoSave)
	return e, nil
}

// Format is the PCM format every session decodes to.
func (e *Engine) Format() audio.Format { return e.format }

// Store exposes the pending store, for the sweeper and tests.
func (e *Engine) Store() *pending.Store { return e.store }

// StreamSource builds the HTTP/ICY source for url, decoding through ffmpeg.
func (e *Engine) StreamSource(url string) (stream.Source, error) {
	ffmpeg, err := encode.FindFFmpeg(e.cfg.Audio.FFmpegPath)
	if err != nil {
		return nil, fmt.Errorf("stream decoding requires ffmpeg: %w", err)
	}
	return &stream.ICYSource{
		URL:           url,
		Format:        e.format,
		FrameDuration: e.cfg.Audio.FrameDuration,
		Decoder:       stream.FFmpegDecoder{Path: ffmpeg},
		UserAgent:     e.cfg.Station.UserAgent,
		IdleTimeout:   e.cfg.Audio.IdleTimeout,
		Logger:        e.logger.With("component", "stream"),
	}, nil
}

// Play starts recording from src, replacing whatever was playing. station
// may be empty, in which case the name the stream announces is used. The
// session outlives ctx; use StopPlayback to end it.
func (e *Engine) Play(ctx context.Context, src stream.Source, url, station string) error {
	e.playMu.Lock()
	defer e.playMu.Unlock()

	if err := e.StopPlayback(ctx); err != nil && !errors.Is(err, ErrNotPlaying) {
		return err
	}
	e.clearLastError()

	rc := e.cfg.Recording
	logger := e.logger.With("component", "capture")
	buf := buffer.NewRolling(rc.PreRoll+rc.BufferSlack, rc.BufferHardCapMB<<20)

	spectral := detect.DefaultSpectralConfig()
	if rc.SilenceDB < 0 {
		spectral.SilenceDB = rc.SilenceDB
	}
	refiner := detect.SelectRefiner(rc.Analysis, e.format, spectral, logger)
	det := detect.New(detect.Config{
		Debounce:       rc.Debounce,
		MinTrackLength: rc.MinTrackLength,
		Lookback:       rc.Lookback,
	}, refiner, buf)

	capCfg := capture.DefaultConfig()
	capCfg.Format = e.format
	capCfg.AutoRecord = e.autoRecord.Load()
	capCfg.PreRoll = rc.PreRoll
	capCfg.PostRoll = rc.PostRoll
	capCfg.MinRecording = rc.MinRecording
	capCfg.MaxRecording = rc.MaxRecording
	if e.cfg.Output.CacheDirectory != "" {
		capCfg.CacheDir = e.cfg.Output.CacheDirectory
	}
	mgr := capture.NewManager(capCfg, buf, det, e.enc, e,
		capture.WithLogger(logger), capture.WithClock(e.now))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		engine:    e,
		mgr:       mgr,
		buf:       buf,
		analysis:  refiner.Name(),
		url:       url,
		station:   station,
		startedAt: e.now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	mgrDone := make(chan struct{})
	go func() {
		defer close(mgrDone)
		mgr.Run(runCtx)
	}()
	monDone := e.startMonitor(runCtx, s)
	if station != "" {
		if err := mgr.SetStation(runCtx, station); err != nil {
			cancel()
			<-mgrDone
			<-monDone
			return err
		}
	}

	e.mu.Lock()
	e.session = s
	e.mu.Unlock()

	e.logger.Info("Playback started", "url", url, "station", station, "analysis", s.analysis)
	go func() {
		err := src.Stream(runCtx, s)
		if err != nil && runCtx.Err() == nil {
			if errors.Is(err, stream.ErrStreamEnded) {
				e.logger.Info("Stream ended", "url", url, "error", err)
			} else {
				e.setLastError(fmt.Sprintf("stream failed: %v", err))
			}
		}
		// Stopping the manager finalizes in-flight captures and waits for
		// their encodes.
		cancel()
		<-mgrDone
		<-monDone

		e.mu.Lock()
		if e.session == s {
			e.session = nil
		}
		e.mu.Unlock()
		close(s.done)
		e.logger.Info("Playback stopped", "url", url, "gaps", s.gaps.Load())
	}()
	return nil
}

// startMonitor plays the session on a local output when audio.monitor asks
// for it. The returned channel is closed once the output has stopped.
func (e *Engine) startMonitor(ctx context.Context, s *session) <-chan struct{} {
	done := make(chan struct{})
	backend, err := monitor.Select(e.cfg.Audio.Monitor, e.cfg.Audio.MonitorTarget, exec.LookPath)
	if err != nil {
		if !errors.Is(err, monitor.ErrDisabled) {
			e.logger.Warn("Monitor output unavailable", "error", err)
		}
		close(done)
		return done
	}

	mcfg := monitor.DefaultConfig()
	mcfg.Format = e.format
	mcfg.Backend = backend
	s.monitor = monitor.New(mcfg, e.logger.With("component", "monitor"))
	go func() {
		defer close(done)
		if err := s.monitor.Run(ctx); err != nil {
			e.logger.Warn("Monitor output stopped", "backend", backend.GetType(), "error", err)
		}
	}()
	return done
}

// StopPlayback ends the current session and waits until its captures have
// been finalized.
func (e *Engine) StopPlayback(ctx context.Context) error {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil {
		return ErrNotPlaying
	}

	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) current() (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, ErrNotPlaying
	}
	return e.session, nil
}

// StartManualRecording opens a manual capture on the playing stream.
func (e *Engine) StartManualRecording(ctx context.Context) (string, error) {
	s, err := e.current()
	if err != nil {
		return "", err
	}
	return s.mgr.StartManual(ctx)
}

// StopManualRecording finalizes the manual capture.
func (e *Engine) StopManualRecording(ctx context.Context) (string, error) {
	s, err := e.current()
	if err != nil {
		return "", err
	}
	return s.mgr.StopManual(ctx)
}

// SetAutoRecord changes the preference for this and later sessions.
func (e *Engine) SetAutoRecord(on bool) {
	if e.autoRecord.Swap(on) == on {
		return
	}
	if s, err := e.current(); err == nil {
		s.mgr.SetAutoRecord(on)
	}
	e.logger.Info("Auto-record changed", "enabled", on)
}

// SetAutoSave changes what happens to recordings whose deadline passes.
func (e *Engine) SetAutoSave(on bool) {
	if e.autoSave.Swap(on) != on {
		e.logger.Info("Auto-save changed", "enabled", on)
	}
}

// SetOutputDirectory changes where later saves go.
func (e *Engine) SetOutputDirectory(dir string) {
	e.store.SetDirectory(dir)
}

func (e *Engine) ListPending() []pending.Recording { return e.store.List() }

func (e *Engine) Save(id, filename string) (string, error) { return e.store.Save(id, filename) }

func (e *Engine) Discard(id string) error { return e.store.Discard(id) }

// RunSweeper resolves expired pending recordings until ctx is cancelled.
func (e *Engine) RunSweeper(ctx context.Context) {
	e.store.Run(ctx, e.cfg.Recording.SweepInterval)
}

// Status reports what is playing and recording.
func (e *Engine) Status(ctx context.Context) Status {
	st := Status{
		AutoRecord: e.autoRecord.Load(),
		AutoSave:   e.autoSave.Load(),
		Pending:    e.store.Len(),
		LastError:  e.GetLastError(),
		Captures:   []capture.Info{},
	}

	s, err := e.current()
	if err != nil {
		return st
	}
	st.Playing = true
	st.URL = s.url
	st.StartedAt = s.startedAt
	st.Analysis = s.analysis
	st.Station, st.Title = s.names()
	st.Gaps = s.gaps.Load()
	if s.monitor != nil {
		st.Monitor = string(s.monitor.Status())
	}
	st.Buffered = s.buf.Duration()
	st.BufferSize = humanize.IBytes(uint64(s.buf.Bytes()))
	if infos, err := s.mgr.Captures(ctx); err == nil && infos != nil {
		st.Captures = infos
	}
	return st
}

// Subscribe returns a subscriber for engine events.
func (e *Engine) Subscribe() *events.Subscriber { return e.bus.Subscribe() }

func (e *Engine) Unsubscribe(s *events.Subscriber) { e.bus.Unsubscribe(s) }

// Close stops playback and resolves what is still pending: saved when
// auto-save is on, otherwise discarded.
func (e *Engine) Close(ctx context.Context) error {
	if err := e.StopPlayback(ctx); err != nil && !errors.Is(err, ErrNotPlaying) {
		return err
	}
	if e.autoSave.Load() {
		paths, err := e.store.SaveAll()
		if len(paths) > 0 {
			e.logger.Info("Saved pending recordings on exit", "count", len(paths))
		}
		return err
	}
	e.store.DiscardAll()
	return nil
}

// GetLastError returns the last error message (thread-safe)
func (e *Engine) GetLastError() string {
	e.lastErrorMutex.RLock()
	defer e.lastErrorMutex.RUnlock()
	return e.lastError
}

func (e *Engine) setLastError(err string) {
	e.lastErrorMutex.Lock()
	defer e.lastErrorMutex.Unlock()
	e.lastError = err

	e.logger.Error("Engine error occurred", "error_message", err)
}

func (e *Engine) clearLastError() {
	e.lastErrorMutex.Lock()
	defer e.lastErrorMutex.Unlock()
	e.lastError = ""
}

// Started implements capture.Sink.
func (e *Engine) Started(info capture.Info) {
	e.bus.Publish(events.Event{
		Kind:  events.RecordingStarted,
		ID:    info.ID,
		Title: info.Title,
		Mode:  string(info.Mode),
		At:    e.now(),
	})
}

// Finalized implements capture.Sink.
func (e *Engine) Finalized(res capture.Result) {
	rec := e.store.Add(res)
	e.bus.Publish(events.Event{
		Kind:  events.RecordingFinalized,
		ID:    rec.ID,
		Title: rec.Title,
		Mode:  string(rec.Mode),
		Path:  rec.Filename,
		At:    e.now(),
	})
}

// Failed implements capture.Sink.
func (e *Engine) Failed(f capture.Failure) {
	e.setLastError(fmt.Sprintf("recording %q failed: %v", f.Title, f.Err))
	e.bus.Publish(events.Event{
		Kind:      events.RecordingFailed,
		ID:        f.ID,
		Title:     f.Title,
		Mode:      string(f.Mode),
		ErrorKind: events.ErrorEncoding,
		Error:     f.Err.Error(),
		At:        e.now(),
	})
}

// Discarded implements capture.Sink.
func (e *Engine) Discarded(info capture.Info, reason string) {
	e.logger.Debug("Capture discarded", "id", info.ID, "title", info.Title, "reason", reason)
	e.bus.Publish(events.Event{
		Kind:  events.RecordingDiscarded,
		ID:    info.ID,
		Title: info.Title,
		Mode:  string(info.Mode),
		Error: reason,
		At:    e.now(),
	})
}
