package stream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/audiolibrelab/streamcapture/internal/audio"
)

// Decoder turns a compressed audio byte stream into interleaved s16le PCM
// in the given format.
type Decoder interface {
	Decode(ctx context.Context, in io.Reader, format audio.Format) (io.ReadCloser, error)
}

// RawDecoder passes bytes through unchanged, for sources that already
// deliver s16le at the session format.
type RawDecoder struct{}

func (RawDecoder) Decode(_ context.Context, in io.Reader, _ audio.Format) (io.ReadCloser, error) {
	return io.NopCloser(in), nil
}

// FFmpegDecoder decodes any codec ffmpeg understands by piping the stream
// through it.
type FFmpegDecoder struct {
	Path string
}

func (d FFmpegDecoder) Decode(ctx context.Context, in io.Reader, format audio.Format) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, d.Path, decodeArgs(format)...)
	cmd.Stdin = in
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return &decodedPCM{ReadCloser: out, ctx: ctx, cmd: cmd, stderr: stderr}, nil
}

func decodeArgs(format audio.Format) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-vn",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ac", strconv.Itoa(format.Channels),
		"pipe:1",
	}
}

type decodedPCM struct {
	io.ReadCloser
	ctx    context.Context
	cmd    *exec.Cmd
	stderr *bytes.Buffer

	once sync.Once
	err  error
}

// Close stops ffmpeg and reports how it exited. An exit caused by
// cancellation is not an error.
func (p *decodedPCM) Close() error {
	p.once.Do(func() {
		p.ReadCloser.Close()
		err := p.cmd.Wait()
		if err != nil && p.ctx.Err() == nil {
			p.err = fmt.Errorf("ffmpeg decode: %w: %s", err, strings.TrimSpace(p.stderr.String()))
		}
	})
	return p.err
}
