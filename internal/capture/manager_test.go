package capture

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/streamcapture/internal/audio"
	"github.com/audiolibrelab/streamcapture/internal/buffer"
	"github.com/audiolibrelab/streamcapture/internal/detect"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const step = 100 * time.Millisecond

func ms(n int64) time.Time { return epoch.Add(time.Duration(n) * time.Millisecond) }

// fakeEncoder keeps the frames of each capture, keyed by capture id.
type fakeEncoder struct {
	mu     sync.Mutex
	frames map[string][]audio.Frame
	fail   bool
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{frames: make(map[string][]audio.Frame)}
}

func (e *fakeEncoder) Ext() string { return "wav" }

func (e *fakeEncoder) Encode(_ context.Context, frames []audio.Frame, _ audio.Format, dst string) error {
	if e.fail {
		os.WriteFile(dst, []byte("partial"), 0644)
		return errors.New("disk on fire")
	}
	id := strings.TrimSuffix(filepath.Base(dst), ".wav")
	e.mu.Lock()
	e.frames[id] = append([]audio.Frame(nil), frames...)
	e.mu.Unlock()
	return os.WriteFile(dst, []byte("RIFF"), 0644)
}

func (e *fakeEncoder) get(id string) []audio.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frames[id]
}

type recordingSink struct {
	mu        sync.Mutex
	started   []Info
	discarded []Info
	finalized chan Result
	failed    chan Failure
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		finalized: make(chan Result, 32),
		failed:    make(chan Failure, 32),
	}
}

func (s *recordingSink) Started(info Info) {
	s.mu.Lock()
	s.started = append(s.started, info)
	s.mu.Unlock()
}

func (s *recordingSink) Finalized(res Result) { s.finalized <- res }
func (s *recordingSink) Failed(f Failure)     { s.failed <- f }

func (s *recordingSink) Discarded(info Info, _ string) {
	s.mu.Lock()
	s.discarded = append(s.discarded, info)
	s.mu.Unlock()
}

func (s *recordingSink) startedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.started)
}

func (s *recordingSink) waitFinalized(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-s.finalized:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a finalized recording")
		return Result{}
	}
}

func (s *recordingSink) assertNoFinalized(t *testing.T) {
	t.Helper()
	select {
	case r := <-s.finalized:
		t.Fatalf("unexpected finalized recording %q", r.Title)
	case <-time.After(50 * time.Millisecond):
	}
}

// fixedRefiner nudges every boundary to a fixed time.
type fixedRefiner struct {
	at         time.Time
	confidence detect.Confidence
}

func (f fixedRefiner) Name() string { return "fixed" }

func (f fixedRefiner) Refine(_ []audio.Frame, declared time.Time) detect.Refinement {
	return detect.Refinement{At: f.at, Confidence: f.confidence}
}

type clock struct{ nanos atomic.Int64 }

func (c *clock) now() time.Time { return epoch.Add(time.Duration(c.nanos.Load())) }
func (c *clock) advance(d time.Duration) { c.nanos.Add(int64(d)) }

type harness struct {
	t     *testing.T
	m     *Manager
	buf   *buffer.Rolling
	enc   *fakeEncoder
	sink  *recordingSink
	clock *clock
	ctx   context.Context
	seq   uint64
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinRecording = 0
	cfg.TickInterval = 10 * time.Millisecond
	return cfg
}

func newHarness(t *testing.T, cfg Config, refiner detect.Refiner) *harness {
	t.Helper()
	cfg.CacheDir = t.TempDir()

	buf := buffer.NewRolling(cfg.PreRoll+4*time.Second, 0)
	det := detect.New(detect.DefaultConfig(), refiner, buf)
	h := &harness{
		t:     t,
		buf:   buf,
		enc:   newFakeEncoder(),
		sink:  newRecordingSink(),
		clock: &clock{},
	}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	h.m = NewManager(cfg, buf, det, h.enc, h.sink, WithClock(h.clock.now), WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx
	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

// feed delivers frames with timestamps in [from, to] at 100ms spacing.
func (h *harness) feed(fromMs, toMs int64) {
	h.t.Helper()
	for ts := fromMs; ts <= toMs; ts += step.Milliseconds() {
		h.seq++
		f := audio.Frame{Seq: h.seq, Timestamp: ms(ts), Duration: step, PCM: make([]int16, 4)}
		require.NoError(h.t, h.m.HandleFrame(h.ctx, f))
	}
}

func (h *harness) meta(title string, atMs int64) {
	h.t.Helper()
	require.NoError(h.t, h.m.HandleMetadata(h.ctx, audio.StreamMetadata{Title: title, ReceivedAt: ms(atMs)}))
}

func (h *harness) captures() []Info {
	h.t.Helper()
	infos, err := h.m.Captures(h.ctx)
	require.NoError(h.t, err)
	return infos
}

func TestScenarioTwoSongsWithNudgedBoundary(t *testing.T) {
	h := newHarness(t, testConfig(), fixedRefiner{at: ms(179_400), confidence: detect.MetadataPlusSilence})

	h.feed(-10_000, 0)
	h.meta("Artist A - Song 1", 0)
	h.feed(100, 180_000)
	h.meta("Artist A - Song 2", 180_000)
	h.feed(180_100, 185_000)

	song1 := h.sink.waitFinalized(t)
	assert.Equal(t, "Artist A - Song 1", song1.Title)
	assert.Equal(t, ModeAuto, song1.Mode)
	assert.Equal(t, StateFinalized, song1.State)

	frames := h.enc.get(song1.ID)
	require.NotEmpty(t, frames)
	assert.Equal(t, ms(-8_000), frames[0].Timestamp, "pre-roll reaches 8s before the first title")
	assert.Equal(t, ms(182_400), frames[len(frames)-1].Timestamp, "post-roll ends 3s after the nudged boundary")
	assert.Equal(t, 80, song1.PreRoll)

	infos := h.captures()
	require.Len(t, infos, 1)
	song2 := infos[0]
	assert.Equal(t, "Artist A - Song 2", song2.Title)
	assert.Equal(t, StateCapturing, song2.State)
	assert.Equal(t, ms(179_400), song2.BoundaryAt)
	assert.Equal(t, ms(171_400), song2.FirstFrameAt, "pre-roll starts 8s before the nudged boundary")
	assert.Equal(t, detect.MetadataPlusSilence.String(), song2.Confidence)
}

func TestNoFrameLossAcrossRotation(t *testing.T) {
	cfg := testConfig()
	cfg.PreRoll = time.Second
	cfg.PostRoll = time.Second
	h := newHarness(t, cfg, nil)

	// 100 uniquely numbered frames, boundaries after frame 1 and frame 51.
	h.feed(0, 0)
	h.meta("A", 0)
	h.feed(100, 5_000)
	h.meta("B", 5_000)
	h.feed(5_100, 9_900)
	require.NoError(t, h.m.Teardown(h.ctx))

	a := h.sink.waitFinalized(t)
	b := h.sink.waitFinalized(t)
	if a.Title != "A" {
		a, b = b, a
	}
	require.Equal(t, "A", a.Title)
	require.Equal(t, "B", b.Title)

	seqs := func(frames []audio.Frame) map[uint64]bool {
		out := make(map[uint64]bool)
		for i, f := range frames {
			out[f.Seq] = true
			if i > 0 {
				require.Equal(t, frames[i-1].Seq+1, f.Seq, "frames must stay in arrival order")
			}
		}
		return out
	}
	inA := seqs(h.enc.get(a.ID))
	inB := seqs(h.enc.get(b.ID))

	for seq := uint64(1); seq <= 100; seq++ {
		ts := int64(seq-1) * 100
		wantA := ts <= 6_000 // through the 1s post-roll after B
		wantB := ts >= 4_000 // from the 1s pre-roll before B
		assert.Equal(t, wantA, inA[seq], "frame %d in A", seq)
		assert.Equal(t, wantB, inB[seq], "frame %d in B", seq)
		assert.True(t, inA[seq] || inB[seq], "frame %d lost", seq)
	}
}

func TestThirdBoundaryForcesWaitingTail(t *testing.T) {
	cfg := testConfig()
	cfg.PostRoll = 10 * time.Second
	h := newHarness(t, cfg, nil)

	h.feed(0, 0)
	h.meta("A", 0)
	h.feed(100, 6_000)
	h.meta("B", 6_000)
	h.feed(6_100, 12_000)

	infos := h.captures()
	require.Len(t, infos, 2)
	h.sink.assertNoFinalized(t)

	h.meta("C", 12_000)
	a := h.sink.waitFinalized(t)
	assert.Equal(t, "A", a.Title)

	infos = h.captures()
	require.Len(t, infos, 2, "never more than two auto captures in flight")
	states := map[string]State{}
	for _, i := range infos {
		states[i.Title] = i.State
	}
	assert.Equal(t, StatePostRollWait, states["B"])
	assert.Equal(t, StateCapturing, states["C"])
}

func TestSuppressedTitleRetitlesYoungCapture(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.feed(0, 0)
	h.meta("Radio Station FM", 0)
	h.feed(100, 1_000)
	h.meta("Artist - Actual Song", 1_000)

	infos := h.captures()
	require.Len(t, infos, 1)
	assert.Equal(t, "Artist - Actual Song", infos[0].Title)
	assert.Equal(t, 1, h.sink.startedCount())
}

func TestManualRecording(t *testing.T) {
	cfg := testConfig()
	cfg.AutoRecord = false
	h := newHarness(t, cfg, nil)

	h.feed(0, 10_000)
	h.meta("Some Song", 10_000)

	id, err := h.m.StartManual(h.ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = h.m.StartManual(h.ctx)
	assert.ErrorIs(t, err, ErrAlreadyRecording)

	h.feed(10_100, 20_000)
	stopped, err := h.m.StopManual(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, id, stopped)

	res := h.sink.waitFinalized(t)
	assert.Equal(t, id, res.ID)
	assert.Equal(t, ModeManual, res.Mode)
	assert.Equal(t, "Some Song", res.Title)

	frames := h.enc.get(id)
	assert.Equal(t, ms(2_000), frames[0].Timestamp, "manual start takes available pre-roll")
	assert.Equal(t, ms(20_000), frames[len(frames)-1].Timestamp, "manual stop skips post-roll")

	_, err = h.m.StopManual(h.ctx)
	assert.ErrorIs(t, err, ErrNoCapture)

	_, statErr := os.Stat(res.Path)
	assert.NoError(t, statErr)
}

func TestManualAndAutoAreIndependent(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.feed(0, 0)
	h.meta("A", 0)
	h.feed(100, 5_000)
	id, err := h.m.StartManual(h.ctx)
	require.NoError(t, err)

	h.feed(5_100, 10_000)
	h.meta("B", 10_000)
	h.feed(10_100, 14_000)

	a := h.sink.waitFinalized(t)
	assert.Equal(t, "A", a.Title)

	infos := h.captures()
	require.Len(t, infos, 2)

	_, err = h.m.StopManual(h.ctx)
	require.NoError(t, err)
	manual := h.sink.waitFinalized(t)
	assert.Equal(t, id, manual.ID)
	frames := h.enc.get(id)
	assert.Equal(t, ms(14_000), frames[len(frames)-1].Timestamp, "boundary does not end a manual capture")
}

func TestTeardownFinalizesAndResets(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.feed(0, 0)
	h.meta("A", 0)
	h.feed(100, 3_000)
	require.NoError(t, h.m.Teardown(h.ctx))

	res := h.sink.waitFinalized(t)
	assert.Equal(t, "A", res.Title)
	assert.Empty(t, h.captures())
	assert.Equal(t, 0, h.buf.Len())

	// Detector state is gone: the same title starts a new capture.
	h.feed(50_000, 50_000)
	h.meta("A", 50_000)
	require.Len(t, h.captures(), 1)
}

func TestTeardownKeepsShortCaptures(t *testing.T) {
	cfg := testConfig()
	cfg.MinRecording = DefaultConfig().MinRecording
	require.Equal(t, 10*time.Second, cfg.MinRecording)
	h := newHarness(t, cfg, nil)

	h.feed(0, 0)
	h.meta("A", 0)
	h.feed(100, 5_000)
	require.NoError(t, h.m.Teardown(h.ctx))

	res := h.sink.waitFinalized(t)
	assert.Equal(t, "A", res.Title)
	assert.Equal(t, StateFinalized, res.State)
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	assert.Empty(t, h.sink.discarded)
}

func TestShutdownHandlesQueuedInput(t *testing.T) {
	cfg := testConfig()
	cfg.CacheDir = t.TempDir()
	buf := buffer.NewRolling(cfg.PreRoll+4*time.Second, 0)
	enc := newFakeEncoder()
	sink := newRecordingSink()
	m := NewManager(cfg, buf, detect.New(detect.DefaultConfig(), nil, buf), enc, sink,
		WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))

	bg := context.Background()
	var seq uint64
	push := func(fromMs, toMs int64) {
		for ts := fromMs; ts <= toMs; ts += step.Milliseconds() {
			seq++
			f := audio.Frame{Seq: seq, Timestamp: ms(ts), Duration: step, PCM: make([]int16, 4)}
			require.NoError(t, m.HandleFrame(bg, f))
		}
	}
	// Everything is queued before the loop runs at all.
	push(-1_000, 0)
	require.NoError(t, m.HandleMetadata(bg, audio.StreamMetadata{Title: "A", ReceivedAt: ms(0)}))
	push(100, 20_000)

	ctx, cancel := context.WithCancel(bg)
	cancel()
	require.NoError(t, m.Run(ctx))

	res := sink.waitFinalized(t)
	assert.Equal(t, "A", res.Title)
	frames := enc.get(res.ID)
	require.Len(t, frames, int(seq), "every accepted frame is recorded")
	assert.Equal(t, ms(-1_000), frames[0].Timestamp)
	assert.Equal(t, ms(20_000), frames[len(frames)-1].Timestamp)
}

func TestManualStopInsidePostRollKeepsTail(t *testing.T) {
	cfg := testConfig()
	cfg.AutoRecord = false
	h := newHarness(t, cfg, nil)

	h.feed(0, 0)
	h.meta("A", 0)
	h.feed(100, 10_000)
	id, err := h.m.StartManual(h.ctx)
	require.NoError(t, err)

	h.feed(10_100, 20_000)
	h.meta("B", 20_000)
	h.feed(20_100, 20_500)

	stopped, err := h.m.StopManual(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, id, stopped)

	infos := h.captures()
	require.Len(t, infos, 1)
	assert.Equal(t, StatePostRollWait, infos[0].State)
	h.sink.assertNoFinalized(t)

	h.feed(20_600, 24_000)
	res := h.sink.waitFinalized(t)
	assert.Equal(t, id, res.ID)
	frames := h.enc.get(id)
	assert.Equal(t, ms(23_000), frames[len(frames)-1].Timestamp, "stop waits out the boundary's post-roll")
	assert.Empty(t, h.captures())
}

func TestShortAutoCaptureDiscarded(t *testing.T) {
	cfg := testConfig()
	cfg.MinRecording = 30 * time.Second
	h := newHarness(t, cfg, nil)

	h.feed(0, 0)
	h.meta("Jingle", 0)
	h.feed(100, 10_000)
	h.meta("Real Song", 10_000)
	h.feed(10_100, 14_000)
	h.captures()

	h.sink.assertNoFinalized(t)
	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	require.Len(t, h.sink.discarded, 1)
	assert.Equal(t, "Jingle", h.sink.discarded[0].Title)
	assert.Equal(t, StateDiscarded, h.sink.discarded[0].State)
}

func TestMaxRecordingFinalizes(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRecording = 5 * time.Second
	h := newHarness(t, cfg, nil)

	h.feed(-2_000, 0)
	h.meta("Endless Mix", 0)
	h.feed(100, 10_000)

	res := h.sink.waitFinalized(t)
	assert.Equal(t, "Endless Mix", res.Title)
	assert.GreaterOrEqual(t, res.Duration, 5*time.Second)
	assert.Less(t, res.Duration, 5*time.Second+2*step)
	assert.Empty(t, h.captures())
}

func TestAutoRecordOff(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.m.SetAutoRecord(false)
	assert.False(t, h.m.AutoRecord())

	h.feed(0, 0)
	h.meta("A", 0)
	h.feed(100, 1_000)
	assert.Empty(t, h.captures())
}

func TestEncodeFailureReported(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.enc.fail = true

	h.feed(0, 0)
	h.meta("Doomed Song", 0)
	h.feed(100, 3_000)
	require.NoError(t, h.m.Teardown(h.ctx))

	select {
	case f := <-h.sink.failed:
		assert.Equal(t, "Doomed Song", f.Title)
		assert.Equal(t, StateFailed, f.State)
		assert.ErrorIs(t, f.Err, ErrEncoding)
		_, err := os.Stat(filepath.Join(h.m.cfg.CacheDir, f.ID+".wav"))
		assert.True(t, os.IsNotExist(err), "partial file removed")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure")
	}
	h.sink.assertNoFinalized(t)
}

func TestStalledPostRollFinalizesOnTick(t *testing.T) {
	h := newHarness(t, testConfig(), nil)

	h.feed(0, 0)
	h.meta("A", 0)
	h.feed(100, 10_000)
	h.meta("B", 10_000)
	h.feed(10_100, 10_500)
	h.captures()

	h.sink.assertNoFinalized(t)
	h.clock.advance(time.Minute)

	res := h.sink.waitFinalized(t)
	assert.Equal(t, "A", res.Title)
	frames := h.enc.get(res.ID)
	assert.Equal(t, ms(10_500), frames[len(frames)-1].Timestamp)
}

func TestStationNameOnCaptures(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	require.NoError(t, h.m.SetStation(h.ctx, "Jazz FM"))

	h.feed(0, 0)
	h.meta("A", 0)
	infos := h.captures()
	require.Len(t, infos, 1)
	assert.Equal(t, "Jazz FM", infos[0].Station)
}

func TestCallsAfterStopReturnErrStopped(t *testing.T) {
	cfg := testConfig()
	cfg.CacheDir = t.TempDir()
	buf := buffer.NewRolling(time.Second, 0)
	m := NewManager(cfg, buf, detect.New(detect.DefaultConfig(), nil, buf), newFakeEncoder(), newRecordingSink(),
		WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	_, err := m.StartManual(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.Error(t, m.Run(context.Background()), "Run is single-use")
}
