package encode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/audiolibrelab/streamcapture/internal/audio"
)

// WAV writes uncompressed PCM without any external tool.
type WAV struct{}

func (WAV) Ext() string { return FormatWAV }

func (WAV) Encode(ctx context.Context, frames []audio.Frame, format audio.Format, dst string) error {
	if err := format.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	tempPath := dst + ".temp"
	out, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	enc := wav.NewEncoder(out, format.SampleRate, format.BitDepth, format.Channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: format.SampleRate, NumChannels: format.Channels},
		SourceBitDepth: format.BitDepth,
	}

	writeErr := func() error {
		for _, f := range frames {
			if err := ctx.Err(); err != nil {
				return err
			}
			data := make([]int, len(f.PCM))
			for i, s := range f.PCM {
				data[i] = int(s)
			}
			buf.Data = data
			if err := enc.Write(buf); err != nil {
				return fmt.Errorf("failed to write to WAV encoder: %w", err)
			}
		}
		return enc.Close()
	}()

	if closeErr := out.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		os.Remove(tempPath)
		return writeErr
	}

	if err := os.Rename(tempPath, dst); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}
