package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/loqalabs/callscribe/internal/protocol"
	"gopkg.in/yaml.v3"
)

const (
	BackendWhisper  = "whisper"
	BackendDeepgram = "deepgram"
	BackendExec     = "exec"
	BackendMock     = "mock"

	FallbackBuffered = "buffered"
	FallbackFail     = "fail"
)

// Tunables are the thresholds operators adjust against live call audio.
// The pipeline reads a fresh snapshot on every call.
type Tunables struct {
	MinRMS8k                float64 `yaml:"min_rms_8k" json:"min_rms_8k"`
	MinRMS16k               float64 `yaml:"min_rms_16k" json:"min_rms_16k"`
	MaxAmplitudeSilence     float64 `yaml:"max_amplitude_silence" json:"max_amplitude_silence"`
	VADThreshold            float64 `yaml:"vad_threshold" json:"vad_threshold"`
	VADMinSpeechMS          int     `yaml:"vad_min_speech_duration_ms" json:"vad_min_speech_duration_ms"`
	VADMinSilenceMS         int     `yaml:"vad_min_silence_duration_ms" json:"vad_min_silence_duration_ms"`
	MaxBufferDuration       float64 `yaml:"max_buffer_duration" json:"max_buffer_duration"`
	MinBytes8k              int     `yaml:"min_bytes_8k" json:"min_bytes_8k"`
	MinBytes16k             int     `yaml:"min_bytes_16k" json:"min_bytes_16k"`
	InitialSkipMS           int     `yaml:"initial_skip_ms" json:"initial_skip_ms"`
	Backend                 string  `yaml:"transcription_backend" json:"transcription_backend"`
	Language                string  `yaml:"language" json:"language"`
	UseStreaming            bool    `yaml:"use_streaming" json:"use_streaming"`
	ShowInterim             bool    `yaml:"show_interim" json:"show_interim"`
	BypassVAD               bool    `yaml:"bypass_vad" json:"bypass_vad"`
	DebugShowHallucinations bool    `yaml:"debug_show_hallucinations" json:"debug_show_hallucinations"`
	StreamingFallback       string  `yaml:"streaming_fallback" json:"streaming_fallback"`
}

func DefaultTunables() Tunables {
	return Tunables{
		MinRMS8k:            50,
		MinRMS16k:           150,
		MaxAmplitudeSilence: 300,
		VADThreshold:        0.5,
		VADMinSpeechMS:      250,
		VADMinSilenceMS:     500,
		MaxBufferDuration:   10.0,
		MinBytes8k:          48000,
		MinBytes16k:         96000,
		InitialSkipMS:       500,
		Backend:             BackendWhisper,
		Language:            "fr",
		BypassVAD:           true,
		StreamingFallback:   FallbackBuffered,
	}
}

// MinRMSFor returns the minimum segment energy for a channel role. Carrier
// audio is quieter than browser microphones, so the roles never share a value.
func (t Tunables) MinRMSFor(role protocol.Role) float64 {
	if role == protocol.RoleCaller {
		return t.MinRMS8k
	}
	return t.MinRMS16k
}

// MinBytesFor returns the bypass flush threshold for a sample rate.
func (t Tunables) MinBytesFor(sampleRate int) int {
	if sampleRate <= 8000 {
		return t.MinBytes8k
	}
	return t.MinBytes16k
}

// Parameter describes one tunable for operator tooling.
type Parameter struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Min         float64  `json:"min,omitempty"`
	Max         float64  `json:"max,omitempty"`
	Options     []string `json:"options,omitempty"`
	Description string   `json:"description"`
}

var parameters = []Parameter{
	{Name: "min_rms_8k", Type: "float", Min: 0, Max: 1000, Description: "Minimum RMS energy for 8kHz carrier audio"},
	{Name: "min_rms_16k", Type: "float", Min: 0, Max: 2000, Description: "Minimum RMS energy for 16kHz browser audio"},
	{Name: "max_amplitude_silence", Type: "float", Min: 0, Max: 5000, Description: "Peak amplitude below which a quiet segment is silence"},
	{Name: "vad_threshold", Type: "float", Min: 0, Max: 1, Description: "Voice activity confidence needed to count a chunk as speech"},
	{Name: "vad_min_speech_duration_ms", Type: "int", Min: 0, Max: 5000, Description: "Shortest utterance kept after trailing silence"},
	{Name: "vad_min_silence_duration_ms", Type: "int", Min: 50, Max: 5000, Description: "Trailing silence that ends an utterance"},
	{Name: "max_buffer_duration", Type: "float", Min: 1, Max: 60, Description: "Forced flush ceiling in seconds"},
	{Name: "min_bytes_8k", Type: "int", Min: 1600, Max: 960000, Description: "Bypass flush size for 8kHz audio"},
	{Name: "min_bytes_16k", Type: "int", Min: 3200, Max: 1920000, Description: "Bypass flush size for 16kHz audio"},
	{Name: "initial_skip_ms", Type: "int", Min: 0, Max: 5000, Description: "Audio ignored at the start of each channel"},
	{Name: "transcription_backend", Type: "string", Options: []string{BackendWhisper, BackendDeepgram, BackendExec, BackendMock}, Description: "Batch transcription backend"},
	{Name: "language", Type: "string", Description: "Recognition language code"},
	{Name: "use_streaming", Type: "bool", Description: "Open a streaming connection per channel for new sessions"},
	{Name: "show_interim", Type: "bool", Description: "Log interim streaming results"},
	{Name: "bypass_vad", Type: "bool", Description: "Flush on fixed byte counts instead of voice activity"},
	{Name: "debug_show_hallucinations", Type: "bool", Description: "Emit filtered text tagged instead of dropping it"},
	{Name: "streaming_fallback", Type: "string", Options: []string{FallbackBuffered, FallbackFail}, Description: "What to do when a streaming connection cannot be opened"},
}

// Parameters lists every tunable with its type and accepted range.
func Parameters() []Parameter {
	out := make([]Parameter, len(parameters))
	copy(out, parameters)
	return out
}

func lookupParameter(name string) (Parameter, bool) {
	for _, p := range parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

func (t *Tunables) fields() map[string]any {
	return map[string]any{
		"min_rms_8k":                  &t.MinRMS8k,
		"min_rms_16k":                 &t.MinRMS16k,
		"max_amplitude_silence":       &t.MaxAmplitudeSilence,
		"vad_threshold":               &t.VADThreshold,
		"vad_min_speech_duration_ms":  &t.VADMinSpeechMS,
		"vad_min_silence_duration_ms": &t.VADMinSilenceMS,
		"max_buffer_duration":         &t.MaxBufferDuration,
		"min_bytes_8k":                &t.MinBytes8k,
		"min_bytes_16k":               &t.MinBytes16k,
		"initial_skip_ms":             &t.InitialSkipMS,
		"transcription_backend":       &t.Backend,
		"language":                    &t.Language,
		"use_streaming":               &t.UseStreaming,
		"show_interim":                &t.ShowInterim,
		"bypass_vad":                  &t.BypassVAD,
		"debug_show_hallucinations":   &t.DebugShowHallucinations,
		"streaming_fallback":          &t.StreamingFallback,
	}
}

// Validate checks every tunable against its parameter range.
func (t Tunables) Validate() error {
	for name, ptr := range t.fields() {
		p, ok := lookupParameter(name)
		if !ok {
			continue
		}
		switch v := ptr.(type) {
		case *float64:
			if err := checkRange(p, *v); err != nil {
				return err
			}
		case *int:
			if err := checkRange(p, float64(*v)); err != nil {
				return err
			}
		case *string:
			if len(p.Options) > 0 && !contains(p.Options, *v) {
				return fmt.Errorf("%s must be one of %v", name, p.Options)
			}
		}
	}
	if t.Language == "" {
		return errors.New("language must not be empty")
	}
	return nil
}

func checkRange(p Parameter, v float64) error {
	if math.IsNaN(v) || v < p.Min || v > p.Max {
		return fmt.Errorf("%s must be between %v and %v", p.Name, p.Min, p.Max)
	}
	return nil
}

func contains(options []string, v string) bool {
	for _, o := range options {
		if o == v {
			return true
		}
	}
	return false
}

// Apply returns a copy of t with changes applied. Unknown keys and values of
// the wrong type are rejected; nothing is applied unless every change is valid.
func (t Tunables) Apply(changes map[string]any) (Tunables, error) {
	next := t
	fields := next.fields()
	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		ptr, ok := fields[key]
		if !ok {
			return t, fmt.Errorf("unknown parameter %q", key)
		}
		if err := assign(ptr, changes[key]); err != nil {
			return t, fmt.Errorf("%s: %w", key, err)
		}
	}
	if err := next.Validate(); err != nil {
		return t, err
	}
	return next, nil
}

func assign(ptr any, value any) error {
	switch target := ptr.(type) {
	case *float64:
		f, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("expected number, got %T", value)
		}
		*target = f
	case *int:
		f, ok := toFloat(value)
		if !ok || f != math.Trunc(f) {
			return fmt.Errorf("expected integer, got %v", value)
		}
		*target = int(f)
	case *bool:
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", value)
		}
		*target = b
	case *string:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		*target = s
	}
	return nil
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

// TunableStore owns the live tunables. Updates are validated as a whole and
// optionally persisted so they survive a restart.
type TunableStore struct {
	mu       sync.RWMutex
	current  Tunables
	defaults Tunables
	path     string
	log      *slog.Logger
}

// NewTunableStore seeds the store with defaults and layers any overrides
// previously persisted at path on top.
func NewTunableStore(defaults Tunables, path string, log *slog.Logger) (*TunableStore, error) {
	s := &TunableStore{
		current:  defaults,
		defaults: defaults,
		path:     path,
		log:      log,
	}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read tunables: %w", err)
	}
	persisted := defaults
	if err := yaml.Unmarshal(data, &persisted); err != nil {
		return nil, fmt.Errorf("parse tunables: %w", err)
	}
	if err := persisted.Validate(); err != nil {
		return nil, fmt.Errorf("persisted tunables: %w", err)
	}
	s.current = persisted
	return s, nil
}

// Current returns a snapshot of the live tunables.
func (s *TunableStore) Current() Tunables {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *TunableStore) Update(changes map[string]any) (Tunables, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.current.Apply(changes)
	if err != nil {
		return s.current, err
	}
	if err := s.persist(next); err != nil {
		return s.current, err
	}
	s.current = next
	if s.log != nil {
		s.log.Info("tunables updated", slog.Int("changed", len(changes)))
	}
	return next, nil
}

func (s *TunableStore) Reset() (Tunables, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persist(s.defaults); err != nil {
		return s.current, err
	}
	s.current = s.defaults
	return s.current, nil
}

func (s *TunableStore) persist(t Tunables) error {
	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode tunables: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create tunables dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write tunables: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace tunables: %w", err)
	}
	return nil
}
