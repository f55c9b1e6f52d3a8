package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loqalabs/callscribe/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/callscribe/stt"

// Router sends each utterance to the backend currently selected in the
// tunables. Backend failures never propagate: they are logged and the
// utterance yields no result.
type Router struct {
	mu       sync.RWMutex
	backends map[string]Transcriber
	tunables func() config.Tunables
	timeout  time.Duration
	log      *slog.Logger
	tracer   trace.Tracer
	failures metric.Int64Counter
}

func NewRouter(tunables func() config.Tunables, timeout time.Duration, log *slog.Logger, backends ...Transcriber) *Router {
	r := &Router{
		backends: make(map[string]Transcriber),
		tunables: tunables,
		timeout:  timeout,
		log:      log.With(slog.String("component", "stt-router")),
		tracer:   otel.Tracer(instrumentationName),
	}
	counter, err := otel.Meter(instrumentationName).Int64Counter(
		"callscribe.backend.failures",
		metric.WithDescription("Transcription backend calls that failed or timed out"),
	)
	if err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}
	r.failures = counter
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// Register adds or replaces a backend under its Name.
func (r *Router) Register(t Transcriber) {
	r.mu.Lock()
	r.backends[t.Name()] = t
	r.mu.Unlock()
}

// Backend returns the name of the backend the next call would use.
func (r *Router) Backend() string {
	return r.tunables().Backend
}

func (r *Router) lookup(name string) (Transcriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.backends[name]
	return t, ok
}

// Transcribe returns the backend's result and the name of the backend that
// served it. A nil result means there is nothing to emit.
func (r *Router) Transcribe(ctx context.Context, u Utterance) (*Result, string) {
	t := r.tunables()
	name := t.Backend
	if u.Language == "" {
		u.Language = t.Language
	}
	log := r.log.With(
		slog.String("session_id", u.SessionID),
		slog.String("role", string(u.Role)),
		slog.String("backend", name),
		slog.Int("bytes", len(u.PCM)),
	)

	backend, ok := r.lookup(name)
	if !ok {
		log.Error("transcription backend not configured")
		r.recordFailure(ctx, name)
		return nil, name
	}

	ctx, span := r.tracer.Start(ctx, "stt.transcribe", trace.WithAttributes(
		attribute.String("stt.backend", name),
		attribute.String("call.role", string(u.Role)),
		attribute.Int("audio.bytes", len(u.PCM)),
	))
	defer span.End()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	started := time.Now()
	result, err := backend.Transcribe(ctx, u)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", r.timeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		log.Warn("transcription failed", slogError(err), slog.Duration("elapsed", time.Since(started)))
		r.recordFailure(ctx, name)
		return nil, name
	}
	if result == nil {
		log.Debug("backend returned no text")
		return nil, name
	}
	span.SetAttributes(attribute.Int("stt.text_length", len(result.Text)))
	log.Debug("transcription complete", slog.Duration("elapsed", time.Since(started)))
	return result, name
}

func (r *Router) recordFailure(ctx context.Context, backend string) {
	if r.failures == nil {
		return
	}
	r.failures.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("backend", backend)))
}

// NewBackends builds every batch backend the configuration supports. The
// exec backend is only available when a command is configured.
func NewBackends(cfg config.BackendsConfig, client *http.Client) ([]Transcriber, error) {
	backends := []Transcriber{
		NewWhisperTranscriber(cfg.Whisper, client),
		NewDeepgramTranscriber(cfg.Deepgram, client),
		NewMockTranscriber(),
	}
	if cfg.Exec.Command != "" {
		execBackend, err := NewExecTranscriber(cfg.Exec)
		if err != nil {
			return nil, err
		}
		backends = append(backends, execBackend)
	}
	return backends, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
