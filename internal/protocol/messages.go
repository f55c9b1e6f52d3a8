package protocol

import (
	"fmt"
	"time"
)

// Role identifies which side of a call an audio stream carries.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleOperator Role = "operator"
)

func (r Role) Valid() bool {
	return r == RoleCaller || r == RoleOperator
}

// Roles lists every channel role in a session.
var Roles = []Role{RoleCaller, RoleOperator}

// DefaultSampleRate is the rate a role's audio arrives at when the media
// bridge does not say otherwise: narrowband carrier audio for the caller,
// wideband browser audio for the operator.
func (r Role) DefaultSampleRate() int {
	if r == RoleCaller {
		return 8000
	}
	return 16000
}

// ChannelKey identifies one independent audio stream within a session.
type ChannelKey struct {
	SessionID string
	Role      Role
}

func (k ChannelKey) String() string {
	return fmt.Sprintf("%s/%s", k.SessionID, k.Role)
}

// TranscriptSegment is one finished, filtered, speaker-attributed utterance.
type TranscriptSegment struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	Role             Role      `json:"channel_role"`
	Sequence         uint64    `json:"sequence"`
	SpeakerLabel     string    `json:"speaker_label"`
	Text             string    `json:"text"`
	Confidence       float64   `json:"confidence,omitempty"`
	Backend          string    `json:"backend"`
	StartTime        float64   `json:"start_time"`
	EndTime          float64   `json:"end_time"`
	DurationSeconds  float64   `json:"duration_seconds"`
	Language         string    `json:"language,omitempty"`
	PrecedingPauseMS float64   `json:"preceding_pause_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// SpeakerStats summarises one channel's contribution to a session.
type SpeakerStats struct {
	Role               Role      `json:"role"`
	Name               string    `json:"name"`
	SegmentCount       int       `json:"segment_count"`
	TotalSpeechSeconds float64   `json:"total_speech_seconds"`
	FirstSpoke         time.Time `json:"first_spoke,omitempty"`
	LastSpoke          time.Time `json:"last_spoke,omitempty"`
}

// SessionStats is returned when a session ends.
type SessionStats struct {
	SessionID     string                `json:"session_id"`
	TotalSegments int                   `json:"total_segments"`
	Speakers      map[Role]SpeakerStats `json:"speakers"`
	StartedAt     time.Time             `json:"started_at"`
	EndedAt       time.Time             `json:"ended_at"`
}

// SessionStart announces a new call and the display names of its channels.
type SessionStart struct {
	SessionID string          `json:"session_id"`
	Roles     map[Role]string `json:"roles"`
	Timestamp time.Time       `json:"timestamp"`
}

// SessionEnd closes a call.
type SessionEnd struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// AudioChunk carries linear 16-bit PCM from the media bridge.
type AudioChunk struct {
	SessionID  string  `json:"session_id"`
	Role       Role    `json:"channel_role"`
	SampleRate int     `json:"sample_rate"`
	PCM        []byte  `json:"pcm"`
	Timestamp  float64 `json:"timestamp"`
}

// AgentRequest hands a caller utterance to the reasoning pipeline.
type AgentRequest struct {
	SessionID string    `json:"session_id"`
	SegmentID string    `json:"segment_id"`
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Language  string    `json:"language,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSessionStart  = "call.session.start"
	SubjectSessionEnd    = "call.session.end"
	SubjectSessionStats  = "call.session.stats"
	SubjectAudioPrefix   = "call.audio"
	SubjectSegmentPrefix = "transcript.segment"
	SubjectAgentRequest  = "agent.request"
)

// AudioSubject is the subject a media bridge publishes one channel's audio on.
func AudioSubject(sessionID string, role Role) string {
	return fmt.Sprintf("%s.%s.%s", SubjectAudioPrefix, sessionID, role)
}

func SegmentSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s", SubjectSegmentPrefix, sessionID)
}
