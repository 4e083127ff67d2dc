package detect

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"

	"github.com/audiolibrelab/streamcapture/internal/audio"
)

// SpectralConfig tunes the silence and spectral-difference analysis.
type SpectralConfig struct {
	SilenceDB         float64       // frames below this RMS level count as silence
	MinSilence        time.Duration // a silent run this long is a clear dip
	AmbiguousDB       float64       // soft dips within this margin above SilenceDB
	SpectralThreshold float64       // cosine distance confirming a timbral change
	WindowSize        int           // FFT size in samples
}

// DefaultSpectralConfig mirrors the analyzer defaults of the desktop player.
func DefaultSpectralConfig() SpectralConfig {
	return SpectralConfig{
		SilenceDB:         -40,
		MinSilence:        200 * time.Millisecond,
		AmbiguousDB:       6,
		SpectralThreshold: 0.25,
		WindowSize:        1024,
	}
}

// SpectralRefiner looks for an energy dip before the metadata change and
// compares the timbre on either side of it.
type SpectralRefiner struct {
	format audio.Format
	cfg    SpectralConfig
	window []float64
	logger *slog.Logger

	failOnce sync.Once
}

func NewSpectralRefiner(format audio.Format, cfg SpectralConfig, logger *slog.Logger) *SpectralRefiner {
	def := DefaultSpectralConfig()
	if cfg.MinSilence <= 0 {
		cfg.MinSilence = def.MinSilence
	}
	if cfg.SilenceDB == 0 {
		cfg.SilenceDB = def.SilenceDB
	}
	if cfg.SpectralThreshold <= 0 {
		cfg.SpectralThreshold = def.SpectralThreshold
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SpectralRefiner{
		format: format,
		cfg:    cfg,
		window: window.Hamming(cfg.WindowSize),
		logger: logger,
	}
}

func (s *SpectralRefiner) Name() string { return "spectral" }

// dip is a candidate boundary found in the energy envelope.
type dip struct {
	start, end time.Time
	at         time.Time
	clear      bool
}

// Refine never panics; an analysis fault degrades this call to metadata only
// and is logged once for the refiner's lifetime.
func (s *SpectralRefiner) Refine(frames []audio.Frame, declared time.Time) (out Refinement) {
	out = Refinement{At: declared, Confidence: MetadataOnly}
	defer func() {
		if r := recover(); r != nil {
			s.failOnce.Do(func() {
				s.logger.Warn("Audio analysis failed, falling back to metadata only", "error", r)
			})
			out = Refinement{At: declared, Confidence: MetadataOnly, Detail: "analysis failed"}
		}
	}()

	if len(frames) == 0 {
		out.Detail = "no buffered audio"
		return out
	}

	levels := make([]float64, len(frames))
	for i, f := range frames {
		levels[i] = audio.RMSdB(f.PCM)
	}

	d, ok := s.findDip(frames, levels)
	if !ok {
		out.Detail = "no energy dip"
		return out
	}

	distance, spectralOK := s.spectralDistance(frames, levels, d)
	switch {
	case spectralOK && distance >= s.cfg.SpectralThreshold:
		return Refinement{
			At:         d.at,
			Confidence: MetadataPlusSpectral,
			Detail:     fmt.Sprintf("dip %s, spectral distance %.2f", d.end.Sub(d.start), distance),
		}
	case d.clear:
		return Refinement{
			At:         d.at,
			Confidence: MetadataPlusSilence,
			Detail:     fmt.Sprintf("silence %s", d.end.Sub(d.start)),
		}
	default:
		out.Detail = "ambiguous dip without timbral change"
		return out
	}
}

// findDip returns the longest run of silent frames, or failing that the
// quietest frame if it sits within the ambiguous margin.
func (s *SpectralRefiner) findDip(frames []audio.Frame, levels []float64) (dip, bool) {
	var best dip
	var bestLen time.Duration
	found := false

	runStart := -1
	var runLen time.Duration
	flush := func(endIdx int) {
		if runStart < 0 {
			return
		}
		if runLen > bestLen {
			start := frames[runStart].Timestamp
			end := frames[endIdx].End()
			best = dip{start: start, end: end, at: start.Add(end.Sub(start) / 2)}
			bestLen = runLen
			found = true
		}
		runStart = -1
		runLen = 0
	}

	for i, lvl := range levels {
		if lvl < s.cfg.SilenceDB {
			if runStart < 0 {
				runStart = i
			}
			runLen += frames[i].Duration
			continue
		}
		flush(i - 1)
	}
	flush(len(levels) - 1)

	if found {
		best.clear = bestLen >= s.cfg.MinSilence
		return best, true
	}

	quietest := 0
	for i, lvl := range levels {
		if lvl < levels[quietest] {
			quietest = i
		}
	}
	if levels[quietest] < s.cfg.SilenceDB+s.cfg.AmbiguousDB {
		f := frames[quietest]
		return dip{start: f.Timestamp, end: f.End(), at: f.Timestamp.Add(f.Duration / 2)}, true
	}
	return dip{}, false
}

// spectralDistance compares the mean log-magnitude spectrum of the audible
// frames before the dip with those after it.
func (s *SpectralRefiner) spectralDistance(frames []audio.Frame, levels []float64, d dip) (float64, bool) {
	var before, after []float64
	var nBefore, nAfter int

	for i, f := range frames {
		if levels[i] < s.cfg.SilenceDB {
			continue
		}
		switch {
		case !f.End().After(d.start):
			before = s.accumulate(before, f)
			nBefore++
		case !f.Timestamp.Before(d.end):
			after = s.accumulate(after, f)
			nAfter++
		}
	}
	if nBefore == 0 || nAfter == 0 {
		return 0, false
	}
	return cosineDistance(before, after), true
}

func (s *SpectralRefiner) accumulate(acc []float64, f audio.Frame) []float64 {
	spec := s.logSpectrum(f)
	if acc == nil {
		acc = make([]float64, len(spec))
	}
	for i, v := range spec {
		acc[i] += v
	}
	return acc
}

// logSpectrum computes log(1+|X|) of a windowed, mono, zero-padded frame.
func (s *SpectralRefiner) logSpectrum(f audio.Frame) []float64 {
	n := s.cfg.WindowSize
	mono := audio.Mono(f.PCM, s.format.Channels)
	buf := make([]float64, n)

	m, w := n, s.window
	if len(mono) < n {
		m = len(mono)
		w = window.Hamming(m)
	}
	if m >= 2 {
		for i := 0; i < m; i++ {
			buf[i] = mono[i] * w[i]
		}
	}
	spectrum := fft.FFTReal(buf)
	out := make([]float64, n/2)
	for i := range out {
		out[i] = math.Log1p(magnitude(spectrum[i]))
	}
	return out
}

func cosineDistance(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return 1 - math.Max(-1, math.Min(1, sim))
}
