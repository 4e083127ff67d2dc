package encode

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/audiolibrelab/streamcapture/internal/audio"
)

// DefaultTimeout bounds a single encode.
const DefaultTimeout = 5 * time.Minute

// FFmpeg encodes by piping raw s16le PCM into an ffmpeg process.
type FFmpeg struct {
	Path    string
	Format  string
	Bitrate string
	Timeout time.Duration
}

func (f *FFmpeg) Ext() string { return f.Format }

func (f *FFmpeg) Encode(ctx context.Context, frames []audio.Frame, format audio.Format, dst string) error {
	if err := format.Validate(); err != nil {
		return err
	}
	timeout := f.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tempPath := dst + ".temp"
	cmd := exec.CommandContext(ctx, f.Path, f.args(format, tempPath)...)
	cmd.Stdin = bytes.NewReader(audio.SamplesToBytes(audio.ConcatPCM(frames)))

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	slog.Debug("Running FFmpeg encode", "command", strings.Join(cmd.Args, " "))

	if err := cmd.Run(); err != nil {
		os.Remove(tempPath)
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("FFmpeg encode failed: %w\nStderr: %s", err, msg)
		}
		return fmt.Errorf("FFmpeg encode failed: %w", err)
	}

	if err := validateOutputFile(tempPath); err != nil {
		os.Remove(tempPath)
		return err
	}

	if err := os.Rename(tempPath, dst); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

func (f *FFmpeg) args(format audio.Format, out string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ac", strconv.Itoa(format.Channels),
		"-i", "pipe:0",
		"-c:a", codecFor(f.Format),
	}
	if br := limitBitrate(f.Format, f.Bitrate); br != "" {
		args = append(args, "-b:a", br)
	}
	args = append(args, "-f", containerFor(f.Format), "-y", out)
	return args
}

func codecFor(format string) string {
	switch format {
	case FormatOGG:
		return "libvorbis"
	case FormatMP3:
		return "libmp3lame"
	case FormatOpus:
		return "libopus"
	case FormatFLAC:
		return "flac"
	default:
		return format
	}
}

func containerFor(format string) string {
	switch format {
	case FormatOGG:
		return "ogg"
	case FormatOpus:
		return "opus"
	default:
		return format
	}
}

// limitBitrate clamps lossy bitrates to what the codecs accept and drops the
// setting for lossless output.
func limitBitrate(format, requested string) string {
	if format == FormatFLAC || requested == "" {
		return ""
	}
	kbps, err := strconv.Atoi(strings.TrimSuffix(strings.ToLower(requested), "k"))
	if err != nil || kbps <= 0 {
		return ""
	}
	limit := 0
	switch format {
	case FormatOpus:
		limit = 256
	case FormatMP3:
		limit = 320
	case FormatOGG:
		limit = 500
	}
	if limit > 0 && kbps > limit {
		kbps = limit
	}
	return strconv.Itoa(kbps) + "k"
}

func validateOutputFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("output file not created: %s", path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("output file is empty: %s", path)
	}
	return nil
}
