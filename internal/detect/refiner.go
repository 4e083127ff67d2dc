package detect

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mjibson/go-dsp/fft"

	"github.com/audiolibrelab/streamcapture/internal/audio"
)

// Refinement is a refiner's verdict on a metadata-declared boundary.
type Refinement struct {
	At         time.Time
	Confidence Confidence
	Detail     string
}

// Refiner inspects recently buffered audio around a declared boundary.
// Implementations must not block and must not fail; when they cannot say
// anything they return the declared time with MetadataOnly.
type Refiner interface {
	Name() string
	Refine(frames []audio.Frame, declared time.Time) Refinement
}

// NullRefiner trusts metadata alone.
type NullRefiner struct{}

func (NullRefiner) Name() string { return "metadata" }

func (NullRefiner) Refine(_ []audio.Frame, declared time.Time) Refinement {
	return Refinement{At: declared, Confidence: MetadataOnly}
}

// Analysis modes accepted by SelectRefiner.
const (
	AnalysisAuto = "auto"
	AnalysisOff  = "off"
)

// SelectRefiner picks the refinement strategy once for a session. In auto
// mode the spectral refiner is probed first; if the probe fails the
// detector degrades to metadata only and this is logged a single time.
func SelectRefiner(mode string, format audio.Format, cfg SpectralConfig, logger *slog.Logger) Refiner {
	if logger == nil {
		logger = slog.Default()
	}
	switch mode {
	case AnalysisOff:
		logger.Info("Boundary analysis disabled", "refiner", NullRefiner{}.Name())
		return NullRefiner{}
	case AnalysisAuto, "":
	default:
		logger.Warn("Unknown analysis mode, using auto", "mode", mode)
	}

	if err := probeAnalysis(format); err != nil {
		logger.Warn("Audio analysis unavailable, boundaries will use metadata only", "error", err)
		return NullRefiner{}
	}

	r := NewSpectralRefiner(format, cfg, logger)
	logger.Info("Boundary analysis enabled", "refiner", r.Name())
	return r
}

// probeAnalysis runs the FFT on a known tone and checks the peak lands in
// the expected bin.
func probeAnalysis(format audio.Format) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fft probe panicked: %v", r)
		}
	}()

	if err := format.Validate(); err != nil {
		return err
	}

	const n = 1024
	const freq = 1000.0
	signal := make([]float64, n)
	for i := range signal {
		signal[i] = math.Sin(2 * math.Pi * freq * float64(i) / float64(format.SampleRate))
	}

	spectrum := fft.FFTReal(signal)
	if len(spectrum) != n {
		return fmt.Errorf("fft returned %d bins, want %d", len(spectrum), n)
	}

	peak := 0
	var peakMag float64
	for i := 1; i < n/2; i++ {
		m := magnitude(spectrum[i])
		if m > peakMag {
			peak, peakMag = i, m
		}
	}
	want := int(math.Round(freq * n / float64(format.SampleRate)))
	if peak < want-1 || peak > want+1 {
		return fmt.Errorf("fft peak at bin %d, want %d", peak, want)
	}
	return nil
}

func magnitude(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}
