package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/audiolibrelab/streamcapture/internal/audio"
)

const (
	DefaultIdleTimeout = 30 * time.Second
	DefaultUserAgent   = "streamcapture/1.0"
)

// ICYSource reads a Shoutcast/Icecast stream over HTTP, splitting inline
// ICY metadata from the audio and decoding the audio to PCM.
type ICYSource struct {
	URL           string
	Format        audio.Format
	FrameDuration time.Duration
	Decoder       Decoder
	Client        *http.Client
	UserAgent     string
	IdleTimeout   time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Stream connects and feeds h until ctx is cancelled, the server closes the
// stream, the stream stalls, or h returns an error.
func (s *ICYSource) Stream(parent context.Context, h Handler) error {
	s.defaults()
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return fmt.Errorf("invalid stream url: %w", err)
	}
	req.Header.Set("Icy-MetaData", "1")
	req.Header.Set("User-Agent", s.UserAgent)

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("connect to stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream returned %s", resp.Status)
	}

	if namer, ok := h.(StationNamer); ok {
		if name := strings.TrimSpace(resp.Header.Get("icy-name")); name != "" {
			namer.HandleStationName(decodeText(name))
		}
	}

	body := newWatchedReader(resp.Body)
	go s.watch(ctx, cancel, body)

	var in io.Reader = body
	metaint, _ := strconv.Atoi(resp.Header.Get("icy-metaint"))
	if metaint > 0 {
		in = &icyReader{r: body, metaint: metaint, remain: metaint, onMeta: s.titleHandler(ctx, cancel, h)}
	} else {
		s.Logger.Warn("Stream carries no inline metadata, track changes will not be detected", "url", s.URL)
	}

	s.Logger.Info("Connected to stream",
		"url", s.URL,
		"content_type", resp.Header.Get("Content-Type"),
		"metaint", metaint)

	pcm, err := s.Decoder.Decode(ctx, in, s.Format)
	if err != nil {
		return err
	}

	perr := s.pump(ctx, pcm, h)
	cause := context.Cause(ctx)
	cancel(perr)
	derr := pcm.Close()

	switch {
	case cause != nil:
		return cause
	case errors.Is(perr, ErrStreamEnded) && derr != nil:
		return fmt.Errorf("%w: %v", ErrStreamEnded, derr)
	default:
		return perr
	}
}

func (s *ICYSource) defaults() {
	if s.Format == (audio.Format{}) {
		s.Format = audio.DefaultFormat()
	}
	if s.FrameDuration <= 0 {
		s.FrameDuration = audio.DefaultFrameDuration
	}
	if s.Decoder == nil {
		s.Decoder = FFmpegDecoder{Path: "ffmpeg"}
	}
	if s.Client == nil {
		s.Client = &http.Client{}
	}
	if s.UserAgent == "" {
		s.UserAgent = DefaultUserAgent
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Now == nil {
		s.Now = time.Now
	}
}

// titleHandler forwards changed titles to h.
func (s *ICYSource) titleHandler(ctx context.Context, cancel context.CancelCauseFunc, h Handler) func(string) {
	var last string
	return func(block string) {
		title, ok := ParseStreamTitle(block)
		if !ok || title == last {
			return
		}
		last = title
		s.Logger.Debug("Stream title", "title", title)
		if err := h.HandleMetadata(ctx, audio.StreamMetadata{Title: title, ReceivedAt: s.Now()}); err != nil {
			cancel(err)
		}
	}
}

func (s *ICYSource) pump(ctx context.Context, pcm io.Reader, h Handler) error {
	fr := newFramer(s.Format, s.FrameDuration, s.Now)
	align := s.Format.Channels * s.Format.BitDepth / 8
	buf := make([]byte, fr.frameBytes())
	for {
		n, err := io.ReadFull(pcm, buf)
		if err == nil || errors.Is(err, io.ErrUnexpectedEOF) {
			n -= n % align
			if n > 0 {
				if herr := h.HandleFrame(ctx, fr.frame(buf[:n])); herr != nil {
					return herr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return ErrStreamEnded
			}
			return err
		}
	}
}

// watch cancels the stream when no bytes arrive for IdleTimeout.
func (s *ICYSource) watch(ctx context.Context, cancel context.CancelCauseFunc, r *watchedReader) {
	ticker := time.NewTicker(s.IdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if idle := r.idle(); idle > s.IdleTimeout {
				s.Logger.Warn("Stream inactive, disconnecting", "url", s.URL, "idle", idle)
				cancel(ErrStalled)
				return
			}
		}
	}
}

// icyReader strips ICY metadata blocks from the audio. Every metaint audio
// bytes the server inserts a length byte and length*16 bytes of metadata.
type icyReader struct {
	r       io.Reader
	metaint int
	remain  int
	onMeta  func(block string)
}

func (ir *icyReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if ir.remain == 0 {
		if err := ir.readMeta(); err != nil {
			return 0, err
		}
		ir.remain = ir.metaint
	}
	if len(p) > ir.remain {
		p = p[:ir.remain]
	}
	n, err := ir.r.Read(p)
	ir.remain -= n
	return n, err
}

func (ir *icyReader) readMeta() error {
	var length [1]byte
	if _, err := io.ReadFull(ir.r, length[:]); err != nil {
		return err
	}
	if length[0] == 0 {
		return nil
	}
	block := make([]byte, int(length[0])*16)
	if _, err := io.ReadFull(ir.r, block); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	ir.onMeta(decodeText(string(bytes.TrimRight(block, "\x00"))))
	return nil
}

// ParseStreamTitle extracts StreamTitle from an ICY metadata block such as
// "StreamTitle='Artist - Song';StreamUrl='';". Titles may contain quotes.
func ParseStreamTitle(block string) (string, bool) {
	const key = "StreamTitle='"
	i := strings.Index(block, key)
	if i < 0 {
		return "", false
	}
	rest := block[i+len(key):]
	end := strings.Index(rest, "';")
	if end < 0 {
		end = strings.LastIndex(rest, "'")
		if end < 0 {
			end = len(rest)
		}
	}
	return strings.TrimSpace(rest[:end]), true
}

// decodeText treats metadata that is not valid UTF-8 as Latin-1, which is
// what most Shoutcast servers send.
func decodeText(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	out, err := charmap.ISO8859_1.NewDecoder().String(s)
	if err != nil {
		return s
	}
	return out
}

type watchedReader struct {
	r    io.Reader
	last atomic.Int64
}

func newWatchedReader(r io.Reader) *watchedReader {
	w := &watchedReader{r: r}
	w.last.Store(time.Now().UnixNano())
	return w
}

func (w *watchedReader) Read(p []byte) (int, error) {
	n, err := w.r.Read(p)
	if n > 0 {
		w.last.Store(time.Now().UnixNano())
	}
	return n, err
}

func (w *watchedReader) idle() time.Duration {
	return time.Since(time.Unix(0, w.last.Load()))
}
