// Package monitor plays the stream being recorded on a local audio output.
package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/audiolibrelab/streamcapture/internal/audio"
)

// Status represents the current state of the output
type Status string

const (
	StatusStandby Status = "STANDBY"
	StatusPlaying Status = "PLAYING"
	StatusError   Status = "ERROR"
)

// stableAfter is how long a player must run before its earlier failures
// are forgiven.
const stableAfter = 10 * time.Second

type Config struct {
	Format  audio.Format
	Backend Backend

	// QueueFrames is how many frames may wait for the player before new
	// ones are dropped.
	QueueFrames int
	MaxRetries  int
	RetryDelay  time.Duration
}

func DefaultConfig() Config {
	return Config{
		Format:      audio.DefaultFormat(),
		QueueFrames: 50,
		MaxRetries:  5,
		RetryDelay:  500 * time.Millisecond,
	}
}

// Monitor feeds frames to a player process, restarting it when it dies.
// WriteFrame never blocks.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	frames  chan []byte
	dropped atomic.Uint64

	mu     sync.Mutex
	status Status

	command func(name string, args ...string) *exec.Cmd
}

func New(cfg Config, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = def.QueueFrames
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		logger:  logger,
		frames:  make(chan []byte, cfg.QueueFrames),
		status:  StatusStandby,
		command: exec.Command,
	}
}

// WriteFrame queues f for playback, dropping it when the player is behind.
func (m *Monitor) WriteFrame(f audio.Frame) {
	select {
	case m.frames <- audio.SamplesToBytes(f.PCM):
	default:
		m.dropped.Add(1)
	}
}

// Dropped counts frames skipped because the player was behind.
func (m *Monitor) Dropped() uint64 { return m.dropped.Load() }

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// Run plays until ctx is cancelled. A player that keeps failing is retried
// MaxRetries times before Run gives up with an error.
func (m *Monitor) Run(ctx context.Context) error {
	if m.cfg.Backend == nil {
		return ErrDisabled
	}

	failures := 0
	for {
		started := time.Now()
		err := m.play(ctx)
		if ctx.Err() != nil {
			m.setStatus(StatusStandby)
			return nil
		}
		if time.Since(started) > stableAfter {
			failures = 0
		}
		failures++
		if failures > m.cfg.MaxRetries {
			m.setStatus(StatusError)
			return fmt.Errorf("monitor output failed after %d attempts: %w", failures, err)
		}
		m.logger.Debug("Monitor output failed, retrying", "attempt", failures, "error", err)

		select {
		case <-time.After(m.cfg.RetryDelay):
		case <-ctx.Done():
			m.setStatus(StatusStandby)
			return nil
		}
	}
}

// play runs one player process until it exits or ctx ends.
func (m *Monitor) play(ctx context.Context) error {
	name, args := m.cfg.Backend.Command(m.cfg.Format)
	cmd := m.command(name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	m.setStatus(StatusPlaying)
	m.logger.Debug("Monitor output started", "backend", m.cfg.Backend.GetType(), "pid", cmd.Process.Pid)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	// Closing stdin also unblocks a write stuck on a stalled player.
	stop := context.AfterFunc(ctx, func() { stdin.Close() })
	defer stop()

	for {
		select {
		case <-ctx.Done():
			m.finish(cmd, exited)
			return ctx.Err()
		case err := <-exited:
			return exitError(name, err, &stderr)
		case pcm := <-m.frames:
			if _, err := stdin.Write(pcm); err != nil {
				stdin.Close()
				if ctx.Err() != nil {
					m.finish(cmd, exited)
					return ctx.Err()
				}
				return exitError(name, <-exited, &stderr)
			}
		}
	}
}

// finish gives the player a moment to drain after stdin closes.
func (m *Monitor) finish(cmd *exec.Cmd, exited <-chan error) {
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		_ = cmd.Process.Kill()
		<-exited
	}
}

func exitError(name string, err error, stderr *bytes.Buffer) error {
	if err == nil {
		err = errors.New("exited")
	}
	out := strings.TrimSpace(stderr.String())
	if out == "" {
		return fmt.Errorf("%s: %w", name, err)
	}
	return fmt.Errorf("%s: %w (output: %s)", name, err, out)
}
