package audio

import (
	"encoding/binary"
	"math"
)

// SilenceFloorDB is reported for windows with no signal at all.
const SilenceFloorDB = -120.0

// SamplesToBytes converts int16 samples to little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToSamples converts little-endian s16 bytes to samples. A trailing odd
// byte is ignored.
func BytesToSamples(buf []byte) []int16 {
	samples := make([]int16, len(buf)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(buf[i*2 : i*2+2]))
	}
	return samples
}

// ConcatPCM joins the PCM of frames in order.
func ConcatPCM(frames []Frame) []int16 {
	n := 0
	for _, f := range frames {
		n += len(f.PCM)
	}
	out := make([]int16, 0, n)
	for _, f := range frames {
		out = append(out, f.PCM...)
	}
	return out
}

// RMSdB returns the RMS level of interleaved samples in dBFS.
func RMSdB(samples []int16) float64 {
	if len(samples) == 0 {
		return SilenceFloorDB
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms == 0 {
		return SilenceFloorDB
	}
	db := 20 * math.Log10(rms/32768.0)
	if db < SilenceFloorDB {
		return SilenceFloorDB
	}
	return db
}

// Mono downmixes interleaved samples to float64 in [-1, 1].
func Mono(samples []int16, channels int) []float64 {
	if channels <= 0 {
		channels = 1
	}
	out := make([]float64, len(samples)/channels)
	for i := range out {
		var acc float64
		for c := 0; c < channels; c++ {
			acc += float64(samples[i*channels+c])
		}
		out[i] = acc / float64(channels) / 32768.0
	}
	return out
}
