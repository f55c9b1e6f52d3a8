//go:build cgo

package vad

import (
	"fmt"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"
)

// WebRTC scores chunks with the WebRTC voice activity model. The model
// classifies 10ms frames; confidence is the fraction of frames it calls voiced.
type WebRTC struct {
	vad  *webrtcvad.VAD
	mode int
}

// NewWebRTC creates a detector with aggressiveness mode 0 (least) to 3 (most).
func NewWebRTC(mode int) (*WebRTC, error) {
	v, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("create webrtc vad: %w", err)
	}
	if mode < 0 {
		mode = 0
	}
	if mode > 3 {
		mode = 3
	}
	if err := v.SetMode(mode); err != nil {
		return nil, fmt.Errorf("set vad mode: %w", err)
	}
	return &WebRTC{vad: v, mode: mode}, nil
}

// WebRTCFactory returns a DetectorFactory producing WebRTC detectors.
func WebRTCFactory(mode int) DetectorFactory {
	return func(sampleRate int) (Detector, error) {
		if !validRate(sampleRate) {
			return nil, fmt.Errorf("invalid sample rate %d for webrtc vad", sampleRate)
		}
		return NewWebRTC(mode)
	}
}

func (w *WebRTC) Confidence(pcm []byte, sampleRate int) (float64, error) {
	if !validRate(sampleRate) {
		return 0, fmt.Errorf("invalid sample rate %d for webrtc vad", sampleRate)
	}
	frameBytes := sampleRate / 100 * 2
	if len(pcm) < frameBytes {
		padded := make([]byte, frameBytes)
		copy(padded, pcm)
		pcm = padded
	}
	var frames, voiced int
	for i := 0; i+frameBytes <= len(pcm); i += frameBytes {
		active, err := w.vad.Process(sampleRate, pcm[i:i+frameBytes])
		if err != nil {
			return 0, fmt.Errorf("vad process: %w", err)
		}
		frames++
		if active {
			voiced++
		}
	}
	return float64(voiced) / float64(frames), nil
}
