package station

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var jazz = map[string]any{
	"stationuuid":  "9617a958-0601-11e8-ae97-52543be04c81",
	"name":         "Jazz FM",
	"url":          "http://example.com/jazz.pls",
	"url_resolved": "http://stream.example.com/jazz",
	"country":      "United Kingdom",
	"countrycode":  "GB",
	"tags":         "jazz, smooth jazz,,",
	"codec":        "MP3",
	"bitrate":      128,
	"clickcount":   42,
}

func TestSearch(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		json.NewEncoder(w).Encode([]any{jazz})
	}))
	defer srv.Close()

	c := NewClient(Config{Servers: []string{srv.URL}, UserAgent: "test/1"}, quiet())
	list, err := c.Search(context.Background(), "jazz", 10)
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, "/json/stations/search", got.URL.Path)
	q := got.URL.Query()
	assert.Equal(t, "jazz", q.Get("name"))
	assert.Equal(t, "10", q.Get("limit"))
	assert.Equal(t, "clickcount", q.Get("order"))
	assert.Equal(t, "true", q.Get("reverse"))
	assert.Equal(t, "true", q.Get("hidebroken"))
	assert.Equal(t, "test/1", got.Header.Get("User-Agent"))

	require.Len(t, list, 1)
	s := list[0]
	assert.Equal(t, "Jazz FM", s.Name)
	assert.Equal(t, []string{"jazz", "smooth jazz"}, s.Tags)
	assert.Equal(t, "GB", s.CountryCode)
	assert.Equal(t, 128, s.Bitrate)
	assert.Equal(t, "http://stream.example.com/jazz", s.StreamURL())
}

func TestStreamURLFallsBackToURL(t *testing.T) {
	s := Station{URL: "http://a"}
	assert.Equal(t, "http://a", s.StreamURL())
}

func TestServerFallback(t *testing.T) {
	var brokenHits atomic.Int32
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		brokenHits.Add(1)
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer broken.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]any{jazz})
	}))
	defer good.Close()

	c := NewClient(Config{Servers: []string{broken.URL, good.URL}}, quiet())
	list, err := c.Popular(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, int32(1), brokenHits.Load())

	// The working server is remembered.
	_, err = c.ByTag(context.Background(), "jazz", 5)
	require.NoError(t, err)
	assert.Equal(t, int32(1), brokenHits.Load())
}

func TestAllServersFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := NewClient(Config{Servers: []string{srv.URL, srv.URL}}, quiet())
	_, err := c.Search(context.Background(), "x", 1)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestByUUID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/json/stations/byuuid/"+jazz["stationuuid"].(string) {
			json.NewEncoder(w).Encode([]any{jazz})
			return
		}
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c := NewClient(Config{Servers: []string{srv.URL}}, quiet())
	s, err := c.ByUUID(context.Background(), jazz["stationuuid"].(string))
	require.NoError(t, err)
	assert.Equal(t, "Jazz FM", s.Name)

	_, err = c.ByUUID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClick(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write([]byte(`{"ok":true,"url":"http://stream"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{Servers: []string{srv.URL}}, quiet())
	require.NoError(t, c.Click(context.Background(), "abc"))
	assert.Equal(t, "/json/url/abc", path)
}

func TestDefaultServers(t *testing.T) {
	c := NewClient(Config{}, quiet())
	assert.ElementsMatch(t, DefaultServers, c.servers)
	assert.Equal(t, "https://de1.api.radio-browser.info", baseURL("de1.api.radio-browser.info"))
	assert.Equal(t, "http://localhost:8080", baseURL("http://localhost:8080/"))
}

func TestUnnamedStation(t *testing.T) {
	s := apiStation{Name: "  "}.station()
	assert.Equal(t, "Unknown Station", s.Name)
	assert.Nil(t, s.Tags)
}
