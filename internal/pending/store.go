// Package pending holds finished recordings until the user saves or
// discards them, or their save deadline passes.
package pending

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/audiolibrelab/streamcapture/internal/capture"
	"github.com/audiolibrelab/streamcapture/internal/events"
)

var (
	ErrNotFound         = errors.New("pending recording not found")
	ErrDestinationWrite = errors.New("cannot write to destination")
	ErrBusy             = errors.New("pending recording is being saved")
)

// Recording is a finalized capture waiting for a decision.
type Recording struct {
	capture.Result
	Filename  string    `json:"filename"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
	Size      int64     `json:"size"`
	LastError string    `json:"last_error,omitempty"`

	saving bool
}

// Config controls where recordings go and how long they wait.
type Config struct {
	Directory    string
	SaveDeadline time.Duration
	MaxPending   int
}

func DefaultConfig() Config {
	return Config{
		SaveDeadline: 15 * time.Second,
		MaxPending:   20,
	}
}

// Store owns pending recordings and their cached files.
type Store struct {
	mu       sync.Mutex
	cfg      Config
	items    map[string]*Recording
	autoSave func() bool
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// New creates a store. autoSave is consulted at every sweep; the store does
// not own the preference.
func New(cfg Config, autoSave func() bool, pub events.Publisher, opts ...Option) *Store {
	def := DefaultConfig()
	if cfg.SaveDeadline <= 0 {
		cfg.SaveDeadline = def.SaveDeadline
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if autoSave == nil {
		autoSave = func() bool { return false }
	}
	if pub == nil {
		pub = events.Discard
	}
	s := &Store{
		cfg:      cfg,
		items:    make(map[string]*Recording),
		autoSave: autoSave,
		events:   pub,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add takes ownership of a finalized capture's file.
func (s *Store) Add(res capture.Result) Recording {
	now := s.now()
	rec := &Recording{
		Result:    res,
		Filename:  SuggestFilename(res.Station, res.Title, res.StartedAt, res.Ext),
		CreatedAt: now,
		Deadline:  now.Add(s.cfg.SaveDeadline),
	}
	if info, err := os.Stat(res.Path); err == nil {
		rec.Size = info.Size()
	}

	s.mu.Lock()
	s.items[rec.ID] = rec
	evicted := s.evictOverflowLocked()
	out := *rec
	s.mu.Unlock()

	for _, old := range evicted {
		s.logger.Info("Too many pending recordings, dropping oldest", "id", old.ID, "title", old.Title)
		s.publish(events.RecordingExpired, old, "")
	}
	s.logger.Debug("Recording pending", "id", out.ID, "filename", out.Filename, "deadline", out.Deadline)
	return out
}

func (s *Store) evictOverflowLocked() []Recording {
	var evicted []Recording
	for len(s.items) > s.cfg.MaxPending {
		var oldest *Recording
		for _, r := range s.items {
			if r.saving {
				continue
			}
			if oldest == nil || r.CreatedAt.Before(oldest.CreatedAt) {
				oldest = r
			}
		}
		if oldest == nil {
			break
		}
		os.Remove(oldest.Path)
		delete(s.items, oldest.ID)
		evicted = append(evicted, *oldest)
	}
	return evicted
}

// List returns pending recordings, oldest first.
func (s *Store) List() []Recording {
	s.mu.Lock()
	out := make([]Recording, 0, len(s.items))
	for _, r := range s.items {
		out = append(out, *r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of pending recordings.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store) Get(id string) (Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[id]
	if !ok {
		return Recording{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *r, nil
}

// Rename changes the filename a later save will use.
func (s *Store) Rename(id, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	name := withExt(filename, r.Ext)
	if name == "" || name == "."+r.Ext {
		return fmt.Errorf("invalid filename: %q", filename)
	}
	r.Filename = name
	return nil
}

// SetDirectory changes the recordings destination for later saves.
func (s *Store) SetDirectory(dir string) {
	s.mu.Lock()
	s.cfg.Directory = dir
	s.mu.Unlock()
}

// Directory returns the recordings destination.
func (s *Store) Directory() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Directory
}

// Save moves a recording into the recordings directory. An empty filename
// uses the suggested or renamed one. On failure the recording stays
// pending and the error wraps ErrDestinationWrite.
func (s *Store) Save(id, filename string) (string, error) {
	rec, err := s.Get(id)
	if err != nil {
		return "", err
	}
	path, err := s.save(id, filename)
	if err != nil {
		if errors.Is(err, ErrDestinationWrite) {
			s.publishErr(rec, err)
		}
		return "", err
	}
	s.publish(events.RecordingSaved, rec, path)
	return path, nil
}

func (s *Store) save(id, filename string) (string, error) {
	s.mu.Lock()
	r, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.saving {
		s.mu.Unlock()
		return "", ErrBusy
	}
	r.saving = true
	name := r.Filename
	if filename != "" {
		name = withExt(filename, r.Ext)
	}
	src := r.Path
	dir := s.cfg.Directory
	s.mu.Unlock()

	dst, err := moveInto(src, dir, name)

	s.mu.Lock()
	defer s.mu.Unlock()
	r.saving = false
	if err != nil {
		r.LastError = err.Error()
		s.logger.Error("Failed to save recording", "id", id, "dir", dir, "error", err)
		return "", err
	}
	delete(s.items, id)
	s.logger.Info("Recording saved", "id", id, "path", dst)
	return dst, nil
}

// moveInto renames src into dir, falling back to copy and remove when the
// cache and destination are on different filesystems.
func moveInto(src, dir, name string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("%w: no recordings directory configured", ErrDestinationWrite)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDestinationWrite, err)
	}
	dst := uniquePath(dir, name)

	if err := os.Rename(src, dst); err == nil {
		return dst, nil
	}
	if err := copyFile(src, dst); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDestinationWrite, err)
	}
	os.Remove(src)
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dst)
	}
	return err
}

// Discard deletes a recording and its cached file.
func (s *Store) Discard(id string) error {
	s.mu.Lock()
	r, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.saving {
		s.mu.Unlock()
		return ErrBusy
	}
	delete(s.items, id)
	rec := *r
	s.mu.Unlock()

	if err := os.Remove(rec.Path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove cached recording", "path", rec.Path, "error", err)
	}
	s.publish(events.RecordingDiscarded, rec, "")
	return nil
}

// Sweep handles every recording past its deadline: saved under its
// suggested name when auto-save is on, otherwise discarded. A failed
// auto-save stays pending and is retried on the next sweep.
func (s *Store) Sweep() (saved, expired int) {
	now := s.now()
	var due []Recording
	s.mu.Lock()
	for _, r := range s.items {
		if !r.saving && !now.Before(r.Deadline) {
			due = append(due, *r)
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return 0, 0
	}
	auto := s.autoSave()
	for _, r := range due {
		if auto {
			path, err := s.save(r.ID, "")
			if err != nil {
				// Report once; the retry on later sweeps stays quiet.
				if errors.Is(err, ErrDestinationWrite) && r.LastError == "" {
					s.publishErr(r, err)
				}
				continue
			}
			s.publish(events.RecordingAutoSaved, r, path)
			saved++
			continue
		}
		if err := s.expire(r.ID); err == nil {
			s.publish(events.RecordingExpired, r, "")
			expired++
		}
	}
	return saved, expired
}

func (s *Store) expire(id string) error {
	s.mu.Lock()
	r, ok := s.items[id]
	if !ok || r.saving {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.items, id)
	path := r.Path
	s.mu.Unlock()

	os.Remove(path)
	s.logger.Info("Pending recording expired", "id", id)
	return nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// SaveAll saves every pending recording under its current filename.
func (s *Store) SaveAll() ([]string, error) {
	var paths []string
	var errs []error
	for _, r := range s.List() {
		path, err := s.save(r.ID, "")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.publish(events.RecordingAutoSaved, r, path)
		paths = append(paths, path)
	}
	return paths, errors.Join(errs...)
}

// DiscardAll removes every pending recording and its cached file.
func (s *Store) DiscardAll() int {
	s.mu.Lock()
	items := s.items
	s.items = make(map[string]*Recording)
	s.mu.Unlock()

	for _, r := range items {
		os.Remove(r.Path)
	}
	if len(items) > 0 {
		s.logger.Info("Discarded pending recordings", "count", len(items))
	}
	return len(items)
}

func (s *Store) publish(kind events.Kind, r Recording, path string) {
	s.events.Publish(events.Event{
		Kind:  kind,
		ID:    r.ID,
		Title: r.Title,
		Mode:  string(r.Mode),
		Path:  path,
		At:    s.now(),
	})
}

func (s *Store) publishErr(r Recording, err error) {
	s.events.Publish(events.Event{
		Kind:      events.RecordingFailed,
		ID:        r.ID,
		Title:     r.Title,
		Mode:      string(r.Mode),
		ErrorKind: events.ErrorIO,
		Error:     err.Error(),
		At:        s.now(),
	})
}
