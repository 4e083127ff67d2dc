package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/audiolibrelab/streamcapture/internal/events"
	"github.com/audiolibrelab/streamcapture/internal/station"
)

// ErrUnreachable means no server answered at the configured address.
var ErrUnreachable = errors.New("streamcapture server is not running")

// APIError is an error response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.StatusCode)
}

// Client talks to a running server; the CLI uses it.
type Client struct {
	base   string
	http   *http.Client
	stream *http.Client
}

// NewClient creates a client for the server at baseURL, for example
// http://localhost:8089.
func NewClient(baseURL string) *Client {
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 15 * time.Second},
		stream: &http.Client{},
	}
}

// LocalURL is the address of a server on this machine.
func LocalURL(port int) string {
	return "http://localhost:" + strconv.Itoa(port)
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &out)
	return out, err
}

func (c *Client) Pending(ctx context.Context) ([]PendingItem, error) {
	var out PendingResponse
	if err := c.do(ctx, http.MethodGet, "/api/pending", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Save saves a pending recording, optionally under filename, and returns
// the written path.
func (c *Client) Save(ctx context.Context, id, filename string) (string, error) {
	var out SaveResponse
	err := c.do(ctx, http.MethodPost, "/api/pending/"+url.PathEscape(id)+"/save", SaveRequest{Filename: filename}, &out)
	return out.Path, err
}

func (c *Client) Discard(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/pending/"+url.PathEscape(id)+"/discard", nil, nil)
}

func (c *Client) StartRecording(ctx context.Context) (string, error) {
	var out RecordResponse
	err := c.do(ctx, http.MethodPost, "/api/record/start", nil, &out)
	return out.ID, err
}

func (c *Client) StopRecording(ctx context.Context) (string, error) {
	var out RecordResponse
	err := c.do(ctx, http.MethodPost, "/api/record/stop", nil, &out)
	return out.ID, err
}

func (c *Client) Play(ctx context.Context, req PlayRequest) error {
	return c.do(ctx, http.MethodPost, "/api/play", req, nil)
}

func (c *Client) Stop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/stop", nil, nil)
}

func (c *Client) Settings(ctx context.Context, req SettingsRequest) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodPost, "/api/settings", req, &out)
	return out, err
}

func (c *Client) Stations(ctx context.Context, query string, limit int) ([]station.Station, error) {
	q := url.Values{"q": {query}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out StationsResponse
	if err := c.do(ctx, http.MethodGet, "/api/stations?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Stations, nil
}

// Events calls fn for every event the server sends until ctx is cancelled
// or the connection drops.
func (c *Client) Events(ctx context.Context, fn func(events.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return c.wrap(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		fn(ev)
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return c.wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) wrap(err error) error {
	var opErr interface{ Timeout() bool }
	if errors.As(err, &opErr) && opErr.Timeout() {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w at %s: %v", ErrUnreachable, c.base, err)
}

func decodeError(resp *http.Response) error {
	var g GenericResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &g); err != nil || g.Error == "" {
		g.Error = strings.TrimSpace(string(data))
		if g.Error == "" {
			g.Error = resp.Status
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: g.Error}
}
