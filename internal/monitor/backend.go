package monitor

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/audiolibrelab/streamcapture/internal/audio"
)

// BackendType represents the type of audio output backend
type BackendType string

const (
	BackendTypePipeWire BackendType = "pipewire"
	BackendTypeALSA     BackendType = "alsa"
	BackendTypeAuto     BackendType = "auto"
	BackendTypeOff      BackendType = "off"
)

// ErrDisabled is returned by Select when monitoring is turned off.
var ErrDisabled = errors.New("monitor output disabled")

// Backend is a command line player that reads raw s16le PCM on stdin.
type Backend interface {
	// Command returns the program and arguments for the given format.
	Command(f audio.Format) (string, []string)

	GetType() BackendType
}

// PipeWireBackend plays through pw-cat.
type PipeWireBackend struct {
	// Target is a node name or serial; empty means the default sink.
	Target string
}

func (b PipeWireBackend) Command(f audio.Format) (string, []string) {
	args := []string{
		"--playback",
		"--format", "s16",
		"--rate", strconv.Itoa(f.SampleRate),
		"--channels", strconv.Itoa(f.Channels),
		"--media-category", "Playback",
		"--media-role", "Music",
	}
	if b.Target != "" {
		args = append(args, "--target", b.Target)
	}
	return "pw-cat", append(args, "-")
}

func (b PipeWireBackend) GetType() BackendType { return BackendTypePipeWire }

// ALSABackend plays through aplay.
type ALSABackend struct {
	// Device is an ALSA PCM name such as "default" or "hw:1,0".
	Device string
}

func (b ALSABackend) Command(f audio.Format) (string, []string) {
	args := []string{
		"-q",
		"-t", "raw",
		"-f", "S16_LE",
		"-r", strconv.Itoa(f.SampleRate),
		"-c", strconv.Itoa(f.Channels),
	}
	if b.Device != "" {
		args = append(args, "-D", b.Device)
	}
	return "aplay", append(args, "-")
}

func (b ALSABackend) GetType() BackendType { return BackendTypeALSA }

// Select picks the backend named by the configuration. "auto" prefers
// PipeWire and falls back to ALSA. lookPath is usually exec.LookPath.
func Select(name, target string, lookPath func(string) (string, error)) (Backend, error) {
	backends := map[BackendType]Backend{
		BackendTypePipeWire: PipeWireBackend{Target: target},
		BackendTypeALSA:     ALSABackend{Device: target},
	}

	switch t := BackendType(strings.ToLower(strings.TrimSpace(name))); t {
	case BackendTypeOff, "":
		return nil, ErrDisabled
	case BackendTypeAuto:
		available := GetAvailableBackends(lookPath)
		if len(available) == 0 {
			return nil, fmt.Errorf("no audio output found (tried: pw-cat, aplay)")
		}
		return backends[available[0]], nil
	case BackendTypePipeWire, BackendTypeALSA:
		b := backends[t]
		program, _ := b.Command(audio.DefaultFormat())
		if _, err := lookPath(program); err != nil {
			return nil, fmt.Errorf("%s backend needs %s: %w", t, program, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown monitor backend: %s", name)
	}
}

// GetAvailableBackends returns the backends usable on this system, most
// preferred first.
func GetAvailableBackends(lookPath func(string) (string, error)) []BackendType {
	backends := []BackendType{}
	if _, err := lookPath("pw-cat"); err == nil {
		backends = append(backends, BackendTypePipeWire)
	}
	if _, err := lookPath("aplay"); err == nil {
		backends = append(backends, BackendTypeALSA)
	}
	return backends
}
