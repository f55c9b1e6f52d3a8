package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/loqalabs/callscribe/internal/audio"
	"github.com/loqalabs/callscribe/internal/config"
)

// whisperConfidence is reported for every Whisper result; the API does not
// return a score.
const whisperConfidence = 0.9

type whisperTranscriber struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewWhisperTranscriber talks to an OpenAI-compatible transcription endpoint.
func NewWhisperTranscriber(cfg config.WhisperConfig, client *http.Client) Transcriber {
	if client == nil {
		client = http.DefaultClient
	}
	model := cfg.Model
	if model == "" {
		model = "whisper-1"
	}
	return &whisperTranscriber{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		model:    model,
		client:   client,
	}
}

func (w *whisperTranscriber) Name() string { return config.BackendWhisper }

type whisperResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

func (w *whisperTranscriber) Transcribe(ctx context.Context, u Utterance) (*Result, error) {
	wavData, err := audio.EncodeWAV(u.PCM, u.SampleRate)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(wavData); err != nil {
		return nil, err
	}
	fields := map[string]string{
		"model":           w.model,
		"response_format": "verbose_json",
	}
	if u.Language != "" {
		fields["language"] = u.Language
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint+"/v1/audio/transcriptions", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("whisper returned status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var parsed whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode whisper response: %w", err)
	}
	text := strings.TrimSpace(parsed.Text)
	if text == "" {
		return nil, nil
	}
	lang := parsed.Language
	if lang == "" {
		lang = u.Language
	}
	dur := parsed.Duration
	if dur == 0 {
		dur = audio.Duration(len(u.PCM), u.SampleRate)
	}
	return &Result{Text: text, Confidence: whisperConfidence, Language: lang, DurationSeconds: dur}, nil
}
