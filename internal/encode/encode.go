// Package encode writes sealed captures to audio container files.
package encode

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/audiolibrelab/streamcapture/internal/audio"
)

// Encoder turns frames into a file at dst. Implementations write to a
// temporary name next to dst and rename on success, so dst never holds a
// partial file.
type Encoder interface {
	Encode(ctx context.Context, frames []audio.Frame, format audio.Format, dst string) error
	Ext() string
}

// Supported output formats.
const (
	FormatWAV  = "wav"
	FormatOGG  = "ogg"
	FormatMP3  = "mp3"
	FormatFLAC = "flac"
	FormatOpus = "opus"
)

// Formats lists every format New accepts.
var Formats = []string{FormatOGG, FormatMP3, FormatFLAC, FormatOpus, FormatWAV}

// New returns the encoder for the named format. Anything other than wav needs
// ffmpeg; ffmpegPath may be empty to look it up on PATH.
func New(format, ffmpegPath, bitrate string) (Encoder, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case FormatWAV:
		return WAV{}, nil
	case FormatOGG, FormatMP3, FormatFLAC, FormatOpus:
		path, err := FindFFmpeg(ffmpegPath)
		if err != nil {
			return nil, fmt.Errorf("%s output requires ffmpeg: %w", format, err)
		}
		return &FFmpeg{Path: path, Format: format, Bitrate: bitrate}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: %s)", format, strings.Join(Formats, ", "))
	}
}

// FindFFmpeg resolves the ffmpeg binary.
func FindFFmpeg(configured string) (string, error) {
	name := configured
	if name == "" {
		name = "ffmpeg"
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("ffmpeg not found: %w", err)
	}
	return path, nil
}
