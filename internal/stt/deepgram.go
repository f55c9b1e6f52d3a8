package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/loqalabs/callscribe/internal/audio"
	"github.com/loqalabs/callscribe/internal/config"
)

type deepgramTranscriber struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewDeepgramTranscriber uses Deepgram's pre-recorded /v1/listen API.
func NewDeepgramTranscriber(cfg config.DeepgramConfig, client *http.Client) Transcriber {
	if client == nil {
		client = http.DefaultClient
	}
	model := cfg.Model
	if model == "" {
		model = "nova-3"
	}
	return &deepgramTranscriber{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		model:    model,
		client:   client,
	}
}

func (d *deepgramTranscriber) Name() string { return config.BackendDeepgram }

type deepgramAlternative struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

type deepgramResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives     []deepgramAlternative `json:"alternatives"`
			DetectedLanguage string                `json:"detected_language"`
		} `json:"channels"`
	} `json:"results"`
}

func (d *deepgramTranscriber) Transcribe(ctx context.Context, u Utterance) (*Result, error) {
	wavData, err := audio.EncodeWAV(u.PCM, u.SampleRate)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("model", d.model)
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	q.Set("diarize", "false")
	if u.Language != "" {
		q.Set("language", u.Language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/v1/listen?"+q.Encode(), bytes.NewReader(wavData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "audio/wav")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Token "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deepgram request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("deepgram returned status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var parsed deepgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode deepgram response: %w", err)
	}
	if len(parsed.Results.Channels) == 0 || len(parsed.Results.Channels[0].Alternatives) == 0 {
		return nil, fmt.Errorf("deepgram response has no alternatives")
	}
	ch := parsed.Results.Channels[0]
	alt := ch.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return nil, nil
	}
	lang := ch.DetectedLanguage
	if lang == "" {
		lang = u.Language
	}
	dur := parsed.Metadata.Duration
	if dur == 0 {
		dur = audio.Duration(len(u.PCM), u.SampleRate)
	}
	return &Result{Text: text, Confidence: alt.Confidence, Language: lang, DurationSeconds: dur}, nil
}
