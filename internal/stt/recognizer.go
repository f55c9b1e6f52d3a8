package stt

import (
	"context"

	"github.com/loqalabs/callscribe/internal/protocol"
)

// Utterance is one finished stretch of channel audio handed to a backend.
type Utterance struct {
	SessionID  string
	Role       protocol.Role
	PCM        []byte
	SampleRate int
	Language   string
}

// Result captures recognizer output.
type Result struct {
	Text            string
	Confidence      float64
	Language        string
	DurationSeconds float64
}

// Transcriber abstracts batch STT backends. A nil Result with a nil error
// means the backend heard nothing usable.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, u Utterance) (*Result, error)
}
