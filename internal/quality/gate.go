// Package quality decides whether a candidate utterance is worth a
// transcription call.
package quality

import (
	"github.com/loqalabs/callscribe/internal/audio"
	"github.com/loqalabs/callscribe/internal/config"
	"github.com/loqalabs/callscribe/internal/protocol"
)

// Verdict explains a gate decision for logging.
type Verdict struct {
	TooQuiet bool
	Level    audio.Level
	MinRMS   float64
	Reason   string
}

// Check measures pcm against the role's thresholds. A segment is too quiet
// when its RMS is under the role minimum and its peak is under the silence
// peak, or when its RMS is under half the role minimum whatever the peak.
func Check(pcm []byte, role protocol.Role, t config.Tunables) Verdict {
	lvl := audio.Measure(pcm)
	minRMS := t.MinRMSFor(role)
	v := Verdict{Level: lvl, MinRMS: minRMS}
	switch {
	case lvl.RMS < minRMS/2:
		v.TooQuiet, v.Reason = true, "rms_below_half_minimum"
	case lvl.RMS < minRMS && lvl.Peak < t.MaxAmplitudeSilence:
		v.TooQuiet, v.Reason = true, "rms_and_peak_low"
	}
	return v
}

// IsTooQuiet reports whether pcm should be dropped without transcription.
func IsTooQuiet(pcm []byte, role protocol.Role, t config.Tunables) bool {
	return Check(pcm, role, t).TooQuiet
}
