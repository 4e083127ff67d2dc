package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/streamcapture/internal/capture"
	"github.com/audiolibrelab/streamcapture/internal/events"
	"github.com/audiolibrelab/streamcapture/internal/pending"
	"github.com/audiolibrelab/streamcapture/internal/service"
	"github.com/audiolibrelab/streamcapture/internal/station"
	"github.com/audiolibrelab/streamcapture/internal/stream"
)

type fakeService struct {
	mu         sync.Mutex
	status     service.Status
	pending    []pending.Recording
	played     []string
	saved      map[string]string
	autoSave   bool
	autoRecord bool
	recordErr  error
	bus        *events.Bus
}

func newFakeService() *fakeService {
	return &fakeService{saved: map[string]string{}, bus: events.NewBus()}
}

func (f *fakeService) StreamSource(url string) (stream.Source, error) {
	if strings.HasPrefix(url, "bad:") {
		return nil, errors.New("unsupported scheme")
	}
	return stream.SourceFunc(func(ctx context.Context, h stream.Handler) error { return nil }), nil
}

func (f *fakeService) Play(_ context.Context, _ stream.Source, url, station string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.played = append(f.played, url+"|"+station)
	f.status.Playing = true
	f.status.URL = url
	f.status.Station = station
	return nil
}

func (f *fakeService) StopPlayback(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.status.Playing {
		return service.ErrNotPlaying
	}
	f.status.Playing = false
	return nil
}

func (f *fakeService) StartManualRecording(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return "", f.recordErr
	}
	return "manual-1", nil
}

func (f *fakeService) StopManualRecording(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordErr != nil {
		return "", f.recordErr
	}
	return "manual-1", nil
}

func (f *fakeService) setStatus(st service.Status) { f.mu.Lock(); f.status = st; f.mu.Unlock() }
func (f *fakeService) setRecordErr(err error)      { f.mu.Lock(); f.recordErr = err; f.mu.Unlock() }
func (f *fakeService) setPending(list ...pending.Recording) {
	f.mu.Lock()
	f.pending = list
	f.mu.Unlock()
}

func (f *fakeService) playedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.played...)
}

func (f *fakeService) SetAutoRecord(on bool) { f.mu.Lock(); f.autoRecord = on; f.mu.Unlock() }
func (f *fakeService) SetAutoSave(on bool)   { f.mu.Lock(); f.autoSave = on; f.mu.Unlock() }

func (f *fakeService) ListPending() []pending.Recording {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pending.Recording(nil), f.pending...)
}

func (f *fakeService) Save(id, filename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.pending {
		if r.ID == id {
			name := r.Filename
			if filename != "" {
				name = filename
			}
			if name == "locked.ogg" {
				return "", fmt.Errorf("%w: permission denied", pending.ErrDestinationWrite)
			}
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			f.saved[id] = "/music/" + name
			return f.saved[id], nil
		}
	}
	return "", fmt.Errorf("%w: %s", pending.ErrNotFound, id)
}

func (f *fakeService) Discard(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.pending {
		if r.ID == id {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", pending.ErrNotFound, id)
}

func (f *fakeService) Status(context.Context) service.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.status
	st.AutoRecord = f.autoRecord
	st.AutoSave = f.autoSave
	st.Pending = len(f.pending)
	return st
}

func (f *fakeService) GetLastError() string             { return "" }
func (f *fakeService) Subscribe() *events.Subscriber    { return f.bus.Subscribe() }
func (f *fakeService) Unsubscribe(s *events.Subscriber) { f.bus.Unsubscribe(s) }

type fakeDirectory struct {
	mu      sync.Mutex
	clicked []string
}

var jazzFM = station.Station{
	UUID:        "9617a958",
	Name:        "Jazz FM",
	URL:         "http://example.com/jazz.pls",
	URLResolved: "http://stream.example.com/jazz",
}

func (d *fakeDirectory) Search(_ context.Context, name string, _ int) ([]station.Station, error) {
	if name == "down" {
		return nil, fmt.Errorf("%w: timeout", station.ErrUnavailable)
	}
	if strings.Contains(strings.ToLower(jazzFM.Name), strings.ToLower(name)) {
		return []station.Station{jazzFM}, nil
	}
	return nil, nil
}

func (d *fakeDirectory) ByUUID(_ context.Context, uuid string) (station.Station, error) {
	if uuid == jazzFM.UUID {
		return jazzFM, nil
	}
	return station.Station{}, fmt.Errorf("%w: %s", station.ErrNotFound, uuid)
}

func (d *fakeDirectory) Click(_ context.Context, uuid string) error {
	d.mu.Lock()
	d.clicked = append(d.clicked, uuid)
	d.mu.Unlock()
	return nil
}

func (d *fakeDirectory) clicks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.clicked...)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func setup(t *testing.T) (*fakeService, *fakeDirectory, *Client) {
	t.Helper()
	svc := newFakeService()
	dir := &fakeDirectory{}
	srv := httptest.NewServer(New(svc, dir, "0", quiet()).Handler())
	t.Cleanup(srv.Close)
	return svc, dir, NewClient(srv.URL)
}

func pendingRecording(id, title string) pending.Recording {
	return pending.Recording{
		Result: capture.Result{
			Info: capture.Info{ID: id, Title: title, Mode: capture.ModeAuto, Duration: 3*time.Minute + 12*time.Second},
			Path: "/cache/" + id + ".ogg",
			Ext:  "ogg",
		},
		Filename: "Jazz FM - " + title + ".ogg",
		Deadline: time.Now().Add(time.Minute),
		Size:     3 << 20,
	}
}

func TestStatus(t *testing.T) {
	svc, _, c := setup(t)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Playing)
	assert.Equal(t, "Stopped", st.Message)

	svc.setStatus(service.Status{
		Playing:  true,
		Station:  "Jazz FM",
		Title:    "Miles Davis - So What",
		Captures: []capture.Info{{ID: "m", Mode: capture.ModeManual}},
	})
	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Playing)
	assert.Equal(t, "Playing Jazz FM: Miles Davis - So What (recording)", st.Message)
	require.Len(t, st.Captures, 1)
	assert.Equal(t, capture.ModeManual, st.Captures[0].Mode)
}

func TestPendingListSaveDiscard(t *testing.T) {
	svc, _, c := setup(t)
	ctx := context.Background()
	svc.setPending(
		pendingRecording("a", "One"),
		pendingRecording("b", "Two"),
		pendingRecording("c", "Three"),
	)

	items, err := c.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "One", items[0].Title)
	assert.Equal(t, "Jazz FM - One.ogg", items[0].Filename)
	assert.Equal(t, "/cache/a.ogg", items[0].Path)
	assert.Equal(t, "3.0 MiB", items[0].SizeHuman)
	assert.Equal(t, "3m12s", items[0].DurationHuman)
	assert.Contains(t, items[0].ExpiresHuman, "from now")

	path, err := c.Save(ctx, "a", "")
	require.NoError(t, err)
	assert.Equal(t, "/music/Jazz FM - One.ogg", path)

	path, err = c.Save(ctx, "b", "Custom.ogg")
	require.NoError(t, err)
	assert.Equal(t, "/music/Custom.ogg", path)

	require.NoError(t, c.Discard(ctx, "c"))
	assert.Empty(t, svc.ListPending())
}

func TestPendingErrors(t *testing.T) {
	svc, _, c := setup(t)
	ctx := context.Background()
	svc.setPending(pendingRecording("a", "One"))

	_, err := c.Save(ctx, "missing", "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "pending recording not found")

	_, err = c.Save(ctx, "a", "locked.ogg")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "cannot write to destination")
	assert.Len(t, svc.ListPending(), 1, "a failed save keeps the recording")

	err = c.Discard(ctx, "missing")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestRecordCommands(t *testing.T) {
	svc, _, c := setup(t)
	ctx := context.Background()

	id, err := c.StartRecording(ctx)
	require.NoError(t, err)
	assert.Equal(t, "manual-1", id)
	id, err = c.StopRecording(ctx)
	require.NoError(t, err)
	assert.Equal(t, "manual-1", id)

	svc.setRecordErr(service.ErrNotPlaying)
	_, err = c.StartRecording(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	svc.setRecordErr(capture.ErrNoCapture)
	_, err = c.StopRecording(ctx)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestPlayByURLAndStop(t *testing.T) {
	svc, _, c := setup(t)
	ctx := context.Background()

	require.NoError(t, c.Play(ctx, PlayRequest{URL: " http://radio.test/live ", Station: "Live FM"}))
	assert.Equal(t, []string{"http://radio.test/live|Live FM"}, svc.playedURLs())

	require.NoError(t, c.Stop(ctx))
	err := c.Stop(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestPlayByStationUUID(t *testing.T) {
	svc, dir, c := setup(t)
	ctx := context.Background()

	require.NoError(t, c.Play(ctx, PlayRequest{StationUUID: jazzFM.UUID}))
	assert.Equal(t, []string{"http://stream.example.com/jazz|Jazz FM"}, svc.playedURLs())
	assert.Equal(t, []string{jazzFM.UUID}, dir.clicks())

	err := c.Play(ctx, PlayRequest{StationUUID: "nope"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestPlayValidation(t *testing.T) {
	_, _, c := setup(t)
	ctx := context.Background()

	var apiErr *APIError
	err := c.Play(ctx, PlayRequest{})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	err = c.Play(ctx, PlayRequest{URL: "bad://x"})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "unsupported scheme")
}

func TestMethodNotAllowed(t *testing.T) {
	srv := httptest.NewServer(New(newFakeService(), nil, "0", quiet()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/play")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSettings(t *testing.T) {
	svc, _, c := setup(t)
	on := true
	st, err := c.Settings(context.Background(), SettingsRequest{AutoSave: &on})
	require.NoError(t, err)
	assert.True(t, st.AutoSave)
	assert.False(t, st.AutoRecord)
	assert.True(t, svc.Status(context.Background()).AutoSave)
}

func TestStations(t *testing.T) {
	_, _, c := setup(t)
	ctx := context.Background()

	list, err := c.Stations(ctx, "jazz", 5)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Jazz FM", list[0].Name)

	list, err = c.Stations(ctx, "polka", 5)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = c.Stations(ctx, "down", 5)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
}

func TestStationsWithoutDirectory(t *testing.T) {
	srv := httptest.NewServer(New(newFakeService(), nil, "0", quiet()).Handler())
	defer srv.Close()

	_, err := NewClient(srv.URL).Stations(context.Background(), "jazz", 0)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
}

func TestEventStream(t *testing.T) {
	svc, _, c := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan events.Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- c.Events(ctx, func(ev events.Event) { got <- ev })
	}()

	require.Eventually(t, func() bool { return svc.bus.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	svc.bus.Publish(events.Event{Kind: events.RecordingFinalized, ID: "a", Title: "One"})

	select {
	case ev := <-got:
		assert.Equal(t, events.RecordingFinalized, ev.Kind)
		assert.Equal(t, "One", ev.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("event stream did not stop")
	}
	require.Eventually(t, func() bool { return svc.bus.SubscriberCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url).Status(context.Background())
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestErrorResponseShape(t *testing.T) {
	srv := httptest.NewServer(New(newFakeService(), nil, "0", quiet()).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/pending/x/discard", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body GenericResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, body.Success)
	assert.NotEmpty(t, body.Error)
}
