package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/streamcapture/internal/audio"
	"github.com/audiolibrelab/streamcapture/internal/capture"
	"github.com/audiolibrelab/streamcapture/internal/config"
	"github.com/audiolibrelab/streamcapture/internal/events"
	"github.com/audiolibrelab/streamcapture/internal/stream"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const frameDur = 20 * time.Millisecond

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Audio.SampleRate = 8000
	cfg.Audio.Channels = 1
	cfg.Audio.FrameDuration = frameDur
	cfg.Output.Format = "wav"
	cfg.Output.Directory = filepath.Join(t.TempDir(), "Recordings")
	cfg.Output.CacheDirectory = filepath.Join(t.TempDir(), "cache")
	cfg.Recording.Analysis = "off"
	cfg.Recording.PreRoll = time.Second
	cfg.Recording.PostRoll = 500 * time.Millisecond
	cfg.Recording.BufferSlack = time.Second
	cfg.Recording.Debounce = time.Second
	cfg.Recording.MinTrackLength = 2 * time.Second
	cfg.Recording.MinRecording = time.Second
	cfg.Recording.MaxRecording = time.Minute
	cfg.Recording.SaveDeadline = time.Hour
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, append([]Option{WithLogger(quiet())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.StopPlayback(ctx)
	})
	return e
}

func frameAt(format audio.Format, i int) audio.Frame {
	pcm := make([]int16, format.SamplesPerFrame(frameDur))
	for j := range pcm {
		pcm[j] = int16((i*31 + j*7) % 2000)
	}
	return audio.Frame{
		Seq:       uint64(i),
		Timestamp: epoch.Add(time.Duration(i) * frameDur),
		Duration:  frameDur,
		PCM:       pcm,
	}
}

// twoTracks plays three seconds of one title, then three of another, then
// ends.
func twoTracks(format audio.Format) stream.Source {
	return stream.SourceFunc(func(ctx context.Context, h stream.Handler) error {
		if err := h.HandleMetadata(ctx, audio.StreamMetadata{Title: "Artist - One", ReceivedAt: epoch}); err != nil {
			return err
		}
		for i := 0; i < 300; i++ {
			if i == 150 {
				meta := audio.StreamMetadata{Title: "Artist - Two", ReceivedAt: epoch.Add(3 * time.Second)}
				if err := h.HandleMetadata(ctx, meta); err != nil {
					return err
				}
			}
			if err := h.HandleFrame(ctx, frameAt(format, i)); err != nil {
				return err
			}
		}
		return stream.ErrStreamEnded
	})
}

// live plays until cancelled.
func live(format audio.Format) stream.Source {
	return stream.SourceFunc(func(ctx context.Context, h stream.Handler) error {
		if err := h.HandleMetadata(ctx, audio.StreamMetadata{Title: "Live - Set", ReceivedAt: epoch}); err != nil {
			return err
		}
		for i := 0; ; i++ {
			if err := h.HandleFrame(ctx, frameAt(format, i)); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	})
}

func waitStopped(t *testing.T, e *Engine) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !e.Status(context.Background()).Playing
	}, 5*time.Second, 10*time.Millisecond)
}

func TestPlayRecordsEachTrack(t *testing.T) {
	cfg := testConfig(t)
	e := newEngine(t, cfg)
	sub := e.Subscribe()
	defer e.Unsubscribe(sub)

	require.NoError(t, e.Play(context.Background(), twoTracks(e.Format()), "http://radio.test/jazz", "Test FM"))
	waitStopped(t, e)

	list := e.ListPending()
	require.Len(t, list, 2)
	assert.Equal(t, "Artist - One", list[0].Title)
	assert.Equal(t, "Artist - Two", list[1].Title)
	for _, r := range list {
		assert.Equal(t, "Test FM", r.Station)
		assert.Equal(t, capture.ModeAuto, r.Mode)
		assert.FileExists(t, r.Path)
		assert.Positive(t, r.Size)
	}
	// One runs from the first frame to the end of its post-roll.
	assert.InDelta(t, 3.5, list[0].Duration.Seconds(), 0.05)
	// Two carries a second of pre-roll and runs to the end of the stream.
	assert.InDelta(t, 4.0, list[1].Duration.Seconds(), 0.05)
	assert.Empty(t, e.GetLastError(), "a stream that ends is not an error")

	kinds := map[events.Kind]int{}
	for len(sub.C) > 0 {
		kinds[(<-sub.C).Kind]++
	}
	assert.Equal(t, 2, kinds[events.RecordingStarted])
	assert.Equal(t, 2, kinds[events.RecordingFinalized])

	path, err := e.Save(list[0].ID, "")
	require.NoError(t, err)
	assert.Equal(t, cfg.Output.Directory, filepath.Dir(path))
	assert.FileExists(t, path)
	assert.Len(t, e.ListPending(), 1)

	require.NoError(t, e.Discard(list[1].ID))
	assert.Empty(t, e.ListPending())
	assert.NoFileExists(t, list[1].Path)
}

func TestAutoRecordOffRecordsNothing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recording.AutoRecord = false
	e := newEngine(t, cfg)

	require.NoError(t, e.Play(context.Background(), twoTracks(e.Format()), "", "Test FM"))
	waitStopped(t, e)
	assert.Empty(t, e.ListPending())
}

func TestManualRecording(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recording.AutoRecord = false
	e := newEngine(t, cfg)
	ctx := context.Background()

	_, err := e.StartManualRecording(ctx)
	assert.ErrorIs(t, err, ErrNotPlaying)

	require.NoError(t, e.Play(ctx, live(e.Format()), "http://radio.test/live", "Live FM"))
	id, err := e.StartManualRecording(ctx)
	require.NoError(t, err)

	_, err = e.StartManualRecording(ctx)
	assert.ErrorIs(t, err, capture.ErrAlreadyRecording)

	require.Eventually(t, func() bool {
		st := e.Status(ctx)
		return len(st.Captures) == 1 && st.Captures[0].Frames >= 10
	}, 5*time.Second, 5*time.Millisecond)

	st := e.Status(ctx)
	assert.True(t, st.Playing)
	assert.Equal(t, "Live FM", st.Station)
	assert.Equal(t, "Live - Set", st.Title)
	assert.Equal(t, "metadata", st.Analysis)
	assert.Equal(t, capture.ModeManual, st.Captures[0].Mode)

	stopped, err := e.StopManualRecording(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, stopped)

	require.Eventually(t, func() bool { return len(e.ListPending()) == 1 }, 5*time.Second, 5*time.Millisecond)
	rec := e.ListPending()[0]
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, capture.ModeManual, rec.Mode)

	_, err = e.StopManualRecording(ctx)
	assert.ErrorIs(t, err, capture.ErrNoCapture)
}

func TestStopPlaybackFinalizesInFlight(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recording.AutoRecord = false
	e := newEngine(t, cfg)
	ctx := context.Background()

	require.NoError(t, e.Play(ctx, live(e.Format()), "", "Live FM"))
	_, err := e.StartManualRecording(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st := e.Status(ctx)
		return len(st.Captures) == 1 && st.Captures[0].Frames > 0
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, e.StopPlayback(ctx))
	assert.False(t, e.Status(ctx).Playing)
	assert.Len(t, e.ListPending(), 1)
	assert.ErrorIs(t, e.StopPlayback(ctx), ErrNotPlaying)
}

func TestPlayReplacesSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recording.AutoRecord = false
	e := newEngine(t, cfg)
	ctx := context.Background()

	require.NoError(t, e.Play(ctx, live(e.Format()), "http://one", "One FM"))
	require.NoError(t, e.Play(ctx, live(e.Format()), "http://two", "Two FM"))

	st := e.Status(ctx)
	assert.True(t, st.Playing)
	assert.Equal(t, "http://two", st.URL)
	assert.Equal(t, "Two FM", st.Station)
}

type namedSource struct{ name string }

func (n namedSource) Stream(ctx context.Context, h stream.Handler) error {
	if namer, ok := h.(stream.StationNamer); ok {
		namer.HandleStationName(n.name)
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestStationNameFromStream(t *testing.T) {
	e := newEngine(t, testConfig(t))
	ctx := context.Background()

	require.NoError(t, e.Play(ctx, namedSource{"Announced FM"}, "http://x", ""))
	require.Eventually(t, func() bool {
		return e.Status(ctx).Station == "Announced FM"
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Play(ctx, namedSource{"Announced FM"}, "http://x", "Chosen FM"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "Chosen FM", e.Status(ctx).Station)
}

func TestStreamFailureSetsLastError(t *testing.T) {
	e := newEngine(t, testConfig(t))
	src := stream.SourceFunc(func(ctx context.Context, h stream.Handler) error {
		return errors.New("connection refused")
	})

	require.NoError(t, e.Play(context.Background(), src, "http://down", ""))
	waitStopped(t, e)
	assert.Contains(t, e.GetLastError(), "connection refused")
}

type failingEncoder struct{}

func (failingEncoder) Ext() string { return "wav" }

func (failingEncoder) Encode(context.Context, []audio.Frame, audio.Format, string) error {
	return errors.New("disk full")
}

func TestEncodeFailureIsReported(t *testing.T) {
	e := newEngine(t, testConfig(t), WithEncoder(failingEncoder{}))
	sub := e.Subscribe()
	defer e.Unsubscribe(sub)

	require.NoError(t, e.Play(context.Background(), twoTracks(e.Format()), "", "Test FM"))
	waitStopped(t, e)

	assert.Empty(t, e.ListPending())
	assert.Contains(t, e.GetLastError(), "disk full")

	var failed []events.Event
	for len(sub.C) > 0 {
		if ev := <-sub.C; ev.Kind == events.RecordingFailed {
			failed = append(failed, ev)
		}
	}
	require.Len(t, failed, 2)
	assert.Equal(t, events.ErrorEncoding, failed[0].ErrorKind)
}

func TestCloseSavesWhenAutoSaveOn(t *testing.T) {
	cfg := testConfig(t)
	e := newEngine(t, cfg)

	require.NoError(t, e.Play(context.Background(), twoTracks(e.Format()), "", "Test FM"))
	waitStopped(t, e)
	require.Len(t, e.ListPending(), 2)

	e.SetAutoSave(true)
	require.NoError(t, e.Close(context.Background()))
	assert.Empty(t, e.ListPending())

	entries, err := os.ReadDir(cfg.Output.Directory)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCloseDiscardsWhenAutoSaveOff(t *testing.T) {
	cfg := testConfig(t)
	e := newEngine(t, cfg)

	require.NoError(t, e.Play(context.Background(), twoTracks(e.Format()), "", "Test FM"))
	waitStopped(t, e)
	list := e.ListPending()
	require.Len(t, list, 2)

	require.NoError(t, e.Close(context.Background()))
	assert.Empty(t, e.ListPending())
	assert.NoFileExists(t, list[0].Path)
	assert.NoDirExists(t, cfg.Output.Directory)
}

func TestSetAutoRecordReachesSession(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recording.AutoRecord = false
	e := newEngine(t, cfg)
	ctx := context.Background()

	require.NoError(t, e.Play(ctx, live(e.Format()), "", ""))
	e.SetAutoRecord(true)

	s, err := e.current()
	require.NoError(t, err)
	assert.True(t, s.mgr.AutoRecord())
	assert.True(t, e.Status(ctx).AutoRecord)
}

func TestGapTracker(t *testing.T) {
	var g gapTracker
	f := func(offset time.Duration) audio.Frame {
		return audio.Frame{Timestamp: epoch.Add(offset), Duration: frameDur}
	}

	_, ok := g.observe(f(0))
	assert.False(t, ok)
	_, ok = g.observe(f(frameDur))
	assert.False(t, ok)
	// 40ms late is inside twice the frame plus slack.
	_, ok = g.observe(f(3*frameDur + 40*time.Millisecond))
	assert.False(t, ok)

	gap, ok := g.observe(f(2 * time.Second))
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second-4*frameDur-40*time.Millisecond, gap)
	assert.Equal(t, uint64(1), g.Load())
}
