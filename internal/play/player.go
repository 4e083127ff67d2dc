// Package play plays saved recordings through whatever local player is
// installed.
package play

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/audiolibrelab/streamcapture/internal/encode"
)

var ErrNoRecordings = errors.New("no recordings found")

// players in order of preference.
var players = []string{"vlc", "mpv", "ffplay", "aplay"}

type Player struct {
	// Directory is where relative names and the latest recording are looked
	// up.
	Directory string

	lookPath func(string) (string, error)
}

func New(directory string) *Player {
	return &Player{Directory: directory, lookPath: exec.LookPath}
}

// Play plays name, which may be a path, a file in the recordings
// directory, or empty for the most recent recording. It blocks until the
// player exits.
func (p *Player) Play(ctx context.Context, name string) error {
	audioFile, err := p.Resolve(name)
	if err != nil {
		return err
	}

	player, err := p.findAudioPlayer()
	if err != nil {
		return fmt.Errorf("no suitable audio player found: %w", err)
	}
	args, err := playerArgs(player, audioFile)
	if err != nil {
		return err
	}

	fmt.Printf("Playing: %s\n", audioFile)
	cmd := exec.CommandContext(ctx, player, args...)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}

	fmt.Println("Playback completed")
	return nil
}

// Resolve turns a user-supplied name into an existing file.
func (p *Player) Resolve(name string) (string, error) {
	if name == "" {
		return LatestRecording(p.Directory)
	}
	candidates := []string{name}
	if !filepath.IsAbs(name) && p.Directory != "" {
		candidates = append(candidates, filepath.Join(p.Directory, name))
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, nil
		}
	}
	return "", fmt.Errorf("audio file not found: %s", name)
}

// LatestRecording returns the newest audio file under dir.
func LatestRecording(dir string) (string, error) {
	var latestFile string
	var latestTime time.Time

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !isAudio(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if latestFile == "" || info.ModTime().After(latestTime) {
			latestFile = path
			latestTime = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if latestFile == "" {
		return "", fmt.Errorf("%w in %s", ErrNoRecordings, dir)
	}
	return latestFile, nil
}

func isAudio(path string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, f := range encode.Formats {
		if ext == f {
			return true
		}
	}
	return false
}

func (p *Player) findAudioPlayer() (string, error) {
	lookPath := p.lookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	for _, player := range players {
		if _, err := lookPath(player); err == nil {
			return player, nil
		}
	}
	return "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(players, ", "))
}

func playerArgs(player, audioFile string) ([]string, error) {
	switch player {
	case "vlc":
		return []string{"--play-and-exit", audioFile}, nil
	case "mpv":
		return []string{"--no-video", audioFile}, nil
	case "ffplay":
		return []string{"-nodisp", "-autoexit", "-loglevel", "error", audioFile}, nil
	case "aplay":
		// aplay only understands WAV
		if !strings.EqualFold(filepath.Ext(audioFile), ".wav") {
			return nil, fmt.Errorf("aplay requires WAV files, got %s", filepath.Base(audioFile))
		}
		return []string{audioFile}, nil
	default:
		return nil, fmt.Errorf("unsupported player: %s", player)
	}
}
