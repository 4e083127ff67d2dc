package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/audiolibrelab/streamcapture/internal/service"
	"github.com/audiolibrelab/streamcapture/internal/station"
	"github.com/gofrs/flock"
)

// shutdownTimeout bounds how long in-flight recordings may take to encode
// when the engine stops.
const shutdownTimeout = 30 * time.Second

// acquireLock makes sure only one engine writes to the cache directory.
func acquireLock() (*flock.Flock, error) {
	if err := os.MkdirAll(cfg.Output.CacheDirectory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	lockPath := filepath.Join(cfg.Output.CacheDirectory, "streamcapture.lock")
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, errors.New("another streamcapture engine is already running")
	}
	slog.Debug("Engine lock acquired", "lock", lockPath)
	return lock, nil
}

func releaseLock(lock *flock.Flock) {
	if err := lock.Unlock(); err != nil {
		slog.Warn("Failed to release engine lock", "error", err)
	}
}

func newStationClient() *station.Client {
	return station.NewClient(station.Config{
		Servers:   cfg.Station.APIServers,
		UserAgent: cfg.Station.UserAgent,
		Timeout:   cfg.Station.Timeout,
	}, slog.Default())
}

// tuneTarget is what the user asked to listen to: a URL, a station name to
// search for, or a directory UUID.
type tuneTarget struct {
	URL     string
	Name    string
	UUID    string
	Station string
}

func (t tuneTarget) empty() bool {
	return t.URL == "" && t.Name == "" && t.UUID == ""
}

// resolve looks the station up when needed and returns the stream URL and
// the station's display name.
func (t tuneTarget) resolve(ctx context.Context, dir *station.Client) (string, string, error) {
	switch {
	case t.URL != "":
		return strings.TrimSpace(t.URL), t.Station, nil
	case t.UUID != "":
		st, err := dir.ByUUID(ctx, t.UUID)
		if err != nil {
			return "", "", err
		}
		click(ctx, dir, st.UUID)
		return st.StreamURL(), st.Name, nil
	case t.Name != "":
		list, err := dir.Search(ctx, t.Name, 1)
		if err != nil {
			return "", "", err
		}
		if len(list) == 0 {
			return "", "", fmt.Errorf("%w: no station matches %q", station.ErrNotFound, t.Name)
		}
		click(ctx, dir, list[0].UUID)
		return list[0].StreamURL(), list[0].Name, nil
	}
	return "", "", errors.New("a stream URL, --station or --uuid is required")
}

func click(ctx context.Context, dir *station.Client, uuid string) {
	if err := dir.Click(ctx, uuid); err != nil {
		slog.Debug("Station click not counted", "uuid", uuid, "error", err)
	}
}

// startPlayback tunes eng to target.
func startPlayback(ctx context.Context, eng *service.Engine, dir *station.Client, target tuneTarget) error {
	url, name, err := target.resolve(ctx, dir)
	if err != nil {
		return err
	}
	src, err := eng.StreamSource(url)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	if err := eng.Play(ctx, src, url, name); err != nil {
		return fmt.Errorf("failed to start playback: %w", err)
	}
	slog.Info("Playing stream", "url", url, "station", name)
	return nil
}

// closeEngine stops playback and resolves whatever is still pending.
func closeEngine(eng *service.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := eng.Close(ctx); err != nil {
		slog.Error("Engine shutdown incomplete", "error", err)
	}
}
