// Package vad decides where one utterance ends and the next begins.
package vad

// Detector scores a chunk of PCM for voice activity. Confidence is in [0,1].
// Implementations may keep per-stream state, so each channel gets its own.
type Detector interface {
	Confidence(pcm []byte, sampleRate int) (float64, error)
}

// DetectorFactory builds a Detector for a channel at the given sample rate.
type DetectorFactory func(sampleRate int) (Detector, error)

// DetectorFunc adapts a plain function to Detector.
type DetectorFunc func(pcm []byte, sampleRate int) (float64, error)

func (f DetectorFunc) Confidence(pcm []byte, sampleRate int) (float64, error) {
	return f(pcm, sampleRate)
}

// AlwaysVoiced leaves the speech decision to the energy check alone.
var AlwaysVoiced Detector = DetectorFunc(func([]byte, int) (float64, error) { return 1, nil })

func validRate(sampleRate int) bool {
	switch sampleRate {
	case 8000, 16000, 32000, 48000:
		return true
	}
	return false
}
