package stt

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/callscribe/internal/audio"
	"github.com/loqalabs/callscribe/internal/config"
)

// MockTranscriber returns canned text. With no Text set it describes the
// utterance it received, which is handy when running the daemon without
// credentials.
type MockTranscriber struct {
	Text       string
	Confidence float64
	Delay      time.Duration
	Err        error
}

func NewMockTranscriber() *MockTranscriber {
	return &MockTranscriber{}
}

func (m *MockTranscriber) Name() string { return config.BackendMock }

func (m *MockTranscriber) Transcribe(ctx context.Context, u Utterance) (*Result, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.Err != nil {
		return nil, m.Err
	}
	dur := audio.Duration(len(u.PCM), u.SampleRate)
	text := m.Text
	if text == "" {
		text = fmt.Sprintf("mock transcript for %s audio lasting %.2f seconds", u.Role, dur)
	}
	return &Result{Text: text, Confidence: m.Confidence, Language: u.Language, DurationSeconds: dur}, nil
}
