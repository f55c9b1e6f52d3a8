//go:build !cgo

package vad

import "errors"

var errNoCgo = errors.New("webrtc vad requires cgo")

// WebRTCFactory is unavailable without cgo; callers fall back to energy-only
// classification.
func WebRTCFactory(mode int) DetectorFactory {
	return func(sampleRate int) (Detector, error) {
		return nil, errNoCgo
	}
}
