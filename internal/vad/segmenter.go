package vad

import (
	"github.com/loqalabs/callscribe/internal/audio"
	"github.com/loqalabs/callscribe/internal/config"
	"github.com/loqalabs/callscribe/internal/protocol"
)

// Action is what the segmenter decided to do with the buffer after a chunk.
type Action int

const (
	ActionNone Action = iota
	ActionFlush
	ActionDiscard
)

func (a Action) String() string {
	switch a {
	case ActionFlush:
		return "flush"
	case ActionDiscard:
		return "discard"
	default:
		return "none"
	}
}

const (
	ReasonSilence     = "silence"
	ReasonMaxDuration = "max_duration"
	ReasonMinBytes    = "min_bytes"
	ReasonTooShort    = "too_short"
	ReasonLowEnergy   = "low_energy"
	ReasonIdle        = "idle"
	ReasonInitialSkip = "initial_skip"
)

// Decision reports the outcome of one Push. Segment is set only for flushes.
type Decision struct {
	Action    Action
	Reason    string
	Segment   audio.Flushed
	PauseMS   float64
	AvgRMS    float64
	Discarded float64
}

// State is the voice activity state of one channel. RMSSamples is non-empty
// whenever Speaking is true and is cleared on every flush or discard.
type State struct {
	Speaking       bool
	SpeechStart    float64
	HasSpeechStart bool
	SilenceStart   float64
	HasSilence     bool
	RMSSamples     []float64

	// Sample counts keep duration comparisons exact.
	speechSamples  int
	silenceSamples int
}

// Segmenter turns a channel's chunk stream into utterances. It mutates the
// buffer it is given and is not safe for concurrent use.
type Segmenter struct {
	role       protocol.Role
	sampleRate int
	detector   Detector
	state      State

	skipped     int
	skipDone    bool
	lastPauseMS float64
	detectorErr error
}

func NewSegmenter(role protocol.Role, sampleRate int, detector Detector) *Segmenter {
	if detector == nil {
		detector = AlwaysVoiced
	}
	return &Segmenter{role: role, sampleRate: sampleRate, detector: detector}
}

// State returns a copy of the current voice activity state.
func (s *Segmenter) State() State {
	st := s.state
	st.RMSSamples = append([]float64(nil), s.state.RMSSamples...)
	return st
}

// DetectorErr returns the last error from the voice activity model, if any.
// The segmenter keeps going on energy alone when the model fails.
func (s *Segmenter) DetectorErr() error { return s.detectorErr }

// Reset clears voice activity state. The initial-skip window stays consumed.
func (s *Segmenter) Reset() {
	s.state = State{}
}

// Push feeds one chunk. The tunables are read per call so live edits apply
// to the next chunk.
func (s *Segmenter) Push(buf *audio.Buffer, chunk []byte, timestamp float64, t config.Tunables) Decision {
	if !s.skipDone {
		window := t.InitialSkipMS * s.sampleRate / 1000
		n := len(chunk) / audio.BytesPerSample
		if s.skipped+n <= window {
			s.skipped += n
			return Decision{Action: ActionNone, Reason: ReasonInitialSkip, Discarded: audio.Duration(len(chunk), s.sampleRate)}
		}
		s.skipDone = true
		// Trim the part of this chunk that still falls inside the window.
		if remain := window - s.skipped; remain > 0 {
			chunk = chunk[remain*audio.BytesPerSample:]
			timestamp += float64(remain) / float64(s.sampleRate)
		}
		s.skipped = window
	}

	if t.BypassVAD {
		return s.pushBypass(buf, chunk, timestamp, t)
	}
	return s.pushVAD(buf, chunk, timestamp, t)
}

func (s *Segmenter) pushBypass(buf *audio.Buffer, chunk []byte, timestamp float64, t config.Tunables) Decision {
	_, n := buf.Append(chunk, timestamp)
	if n < t.MinBytesFor(s.sampleRate) {
		return Decision{Action: ActionNone}
	}
	seg := buf.FlushAndReset(timestamp)
	return Decision{
		Action:  ActionFlush,
		Reason:  ReasonMinBytes,
		Segment: seg,
		AvgRMS:  audio.RMS(seg.PCM),
	}
}

// classify marks a chunk as speech when the model is confident and the chunk
// carries at least half the role's segment energy. The full minimum is
// enforced on the utterance average at flush time.
func (s *Segmenter) classify(chunk []byte, t config.Tunables) (bool, float64) {
	level := audio.Measure(chunk)
	conf, err := s.detector.Confidence(chunk, s.sampleRate)
	if err != nil {
		s.detectorErr = err
		conf = 1
	}
	return conf >= t.VADThreshold && level.RMS >= t.MinRMSFor(s.role)/2, level.RMS
}

func (s *Segmenter) pushVAD(buf *audio.Buffer, chunk []byte, timestamp float64, t config.Tunables) Decision {
	n := len(chunk) / audio.BytesPerSample
	speech, rms := s.classify(chunk, t)
	buf.Append(chunk, timestamp)
	st := &s.state

	switch {
	case speech && !st.Speaking:
		st.Speaking = true
		st.SpeechStart, st.HasSpeechStart = timestamp, true
		st.HasSilence, st.silenceSamples = false, 0
		st.RMSSamples = []float64{rms}
		st.speechSamples = n
		// Leading silence kept in the buffer is pre-roll, not speech.
	case speech:
		if st.HasSilence {
			s.lastPauseMS = s.ms(st.silenceSamples)
			st.speechSamples += st.silenceSamples
			st.HasSilence, st.silenceSamples = false, 0
		}
		st.RMSSamples = append(st.RMSSamples, rms)
		st.speechSamples += n
	default:
		if !st.HasSilence {
			st.SilenceStart, st.HasSilence = timestamp, true
		}
		st.silenceSamples += n
	}

	silenceDone := st.HasSilence && s.reached(st.silenceSamples, t.VADMinSilenceMS)

	if !st.Speaking {
		if silenceDone {
			dropped := buf.Duration()
			buf.Clear()
			st.HasSilence, st.silenceSamples = false, 0
			return Decision{Action: ActionDiscard, Reason: ReasonIdle, Discarded: dropped}
		}
		return Decision{Action: ActionNone}
	}

	if silenceDone {
		pause := s.ms(st.silenceSamples)
		s.lastPauseMS = pause
		if !s.reached(st.speechSamples, t.VADMinSpeechMS) {
			return s.discard(buf, ReasonTooShort, pause, 0)
		}
		avg := mean(st.RMSSamples)
		if avg < t.MinRMSFor(s.role) {
			return s.discard(buf, ReasonLowEnergy, pause, avg)
		}
		return s.flush(buf, timestamp, ReasonSilence, pause, avg)
	}

	if t.MaxBufferDuration > 0 && buf.Duration() >= t.MaxBufferDuration {
		pause := s.lastPauseMS
		if st.HasSilence {
			pause = s.ms(st.silenceSamples)
		}
		return s.flush(buf, timestamp, ReasonMaxDuration, pause, mean(st.RMSSamples))
	}
	return Decision{Action: ActionNone}
}

func (s *Segmenter) flush(buf *audio.Buffer, timestamp float64, reason string, pauseMS, avg float64) Decision {
	seg := buf.FlushAndReset(timestamp)
	s.state = State{}
	return Decision{Action: ActionFlush, Reason: reason, Segment: seg, PauseMS: pauseMS, AvgRMS: avg}
}

func (s *Segmenter) discard(buf *audio.Buffer, reason string, pauseMS, avg float64) Decision {
	dropped := buf.Duration()
	buf.Clear()
	s.state = State{}
	return Decision{Action: ActionDiscard, Reason: reason, PauseMS: pauseMS, AvgRMS: avg, Discarded: dropped}
}

// reached reports whether samples cover at least ms milliseconds.
func (s *Segmenter) reached(samples int, ms int) bool {
	return samples*1000 >= ms*s.sampleRate
}

func (s *Segmenter) ms(samples int) float64 {
	return float64(samples) * 1000 / float64(s.sampleRate)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
