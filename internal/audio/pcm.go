// Package audio holds the PCM primitives shared by the pipeline: level
// measurement, per-channel buffering and WAV encoding. All audio is mono,
// signed 16-bit little-endian.
package audio

import (
	"encoding/binary"
	"math"
)

const BytesPerSample = 2

// Samples decodes little-endian 16-bit PCM. A trailing odd byte is ignored.
func Samples(pcm []byte) []int16 {
	n := len(pcm) / BytesPerSample
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Duration returns the playback length of n bytes at sampleRate.
func Duration(n int, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(n) / BytesPerSample / float64(sampleRate)
}

// BytesFor returns the byte length of seconds of audio at sampleRate.
func BytesFor(seconds float64, sampleRate int) int {
	return int(seconds*float64(sampleRate)) * BytesPerSample
}

// Level is the energy summary of a block of PCM.
type Level struct {
	RMS  float64
	Peak float64
}

// Measure computes root-mean-square and peak absolute amplitude in one pass.
func Measure(pcm []byte) Level {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return Level{}
	}
	var sum float64
	var peak float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return Level{RMS: math.Sqrt(sum / float64(n)), Peak: peak}
}

func RMS(pcm []byte) float64 {
	return Measure(pcm).RMS
}

// Encode packs samples as little-endian 16-bit PCM.
func Encode(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Tone generates a sine wave whose RMS equals rms, for calibrating thresholds
// in tests and tooling.
func Tone(seconds float64, sampleRate int, rms float64, freq float64) []byte {
	n := int(seconds * float64(sampleRate))
	amp := rms * math.Sqrt2
	samples := make([]int16, n)
	for i := range samples {
		v := amp * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
		samples[i] = int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, math.Round(v))))
	}
	return Encode(samples)
}

// Constant generates n seconds of a flat signal at the given level. Its RMS
// and peak both equal |level|.
func Constant(seconds float64, sampleRate int, level int16) []byte {
	n := int(seconds * float64(sampleRate))
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = level
	}
	return Encode(samples)
}
