// Package ingest feeds call audio published on the bus into the
// transcription pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/callscribe/internal/bus"
	"github.com/loqalabs/callscribe/internal/config"
	"github.com/loqalabs/callscribe/internal/pipeline"
	"github.com/loqalabs/callscribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	callSubjects = "call.>"
	// maxPending bounds a channel's backlog, roughly 80 s of 20 ms chunks.
	maxPending       = 4096
	dropWarnInterval = 5 * time.Second
)

var (
	errWorkerClosed = errors.New("ingest: channel closed")
	errBacklogFull  = errors.New("ingest: channel backlog full")
)

// Pipeline is the part of the coordinator the service drives.
type Pipeline interface {
	StartSession(ctx context.Context, sessionID string, roles map[protocol.Role]string) (pipeline.StartResult, error)
	SubmitAudioChunk(ctx context.Context, sessionID string, role protocol.Role, pcm []byte, sampleRate int, timestamp float64) (*protocol.TranscriptSegment, error)
	EndSession(ctx context.Context, sessionID string) protocol.SessionStats
}

// SessionRecorder persists session lifecycle. The event store implements it.
type SessionRecorder interface {
	StartSession(ctx context.Context, sessionID string, roles map[protocol.Role]string) error
	EndSession(ctx context.Context, stats protocol.SessionStats) error
}

// Service subscribes to session and audio subjects. Audio for each channel
// is handed to the pipeline by a dedicated worker so one slow backend call
// only delays its own channel. The subscription callback never waits on a
// worker.
//
// Lifecycle messages for a session whose end is still being processed are
// held back until it completes, so a reused session id starts fresh.
type Service struct {
	cfg      config.IngestConfig
	bus      *bus.Client
	pipeline Pipeline
	recorder SessionRecorder
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	sub      *nats.Subscription
	wg       sync.WaitGroup
	ready    atomic.Bool

	mu      sync.Mutex
	workers map[protocol.ChannelKey]*worker
	// gates holds the latest deferred lifecycle step per session. Later
	// steps and new workers wait for it.
	gates  map[string]chan struct{}
	closed bool
}

type worker struct {
	key  protocol.ChannelKey
	gate <-chan struct{}
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	pending []protocol.AudioChunk
	closed  bool

	// Only touched from the subscription callback.
	dropped      int
	lastDropWarn time.Time
}

func newWorker(key protocol.ChannelKey, gate <-chan struct{}) *worker {
	return &worker{
		key:  key,
		gate: gate,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// push appends a chunk without waiting on the consumer.
func (w *worker) push(chunk protocol.AudioChunk) error {
	w.mu.Lock()
	switch {
	case w.closed:
		w.mu.Unlock()
		return errWorkerClosed
	case len(w.pending) >= maxPending:
		w.mu.Unlock()
		return errBacklogFull
	}
	w.pending = append(w.pending, chunk)
	w.mu.Unlock()
	w.signal()
	return nil
}

func (w *worker) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.signal()
}

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// take returns everything queued, waiting when the backlog is empty. ok is
// false once the worker is closed and drained.
func (w *worker) take() ([]protocol.AudioChunk, bool) {
	for {
		w.mu.Lock()
		if len(w.pending) > 0 {
			batch := w.pending
			w.pending = nil
			w.mu.Unlock()
			return batch, true
		}
		if w.closed {
			w.mu.Unlock()
			return nil, false
		}
		w.mu.Unlock()
		<-w.wake
	}
}

// StartReply answers a session start sent as a request.
type StartReply struct {
	SessionID string                          `json:"session_id"`
	Modes     map[protocol.Role]pipeline.Mode `json:"modes,omitempty"`
	FellBack  []protocol.Role                 `json:"fell_back,omitempty"`
	Error     string                          `json:"error,omitempty"`
}

func NewService(parent context.Context, cfg config.IngestConfig, busClient *bus.Client, p Pipeline, recorder SessionRecorder, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		pipeline: p,
		recorder: recorder,
		logger:   logger.With(slog.String("component", "ingest")),
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[protocol.ChannelKey]*worker),
		gates:    make(map[string]chan struct{}),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	// A single subscription keeps the publisher's order between lifecycle
	// and audio messages, so an end never overtakes the audio before it.
	sub, err := s.bus.Conn().Subscribe(callSubjects, s.dispatch)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", callSubjects, err)
	}
	s.sub = sub
	s.ready.Store(true)
	return nil
}

func (s *Service) dispatch(msg *nats.Msg) {
	switch {
	case msg.Subject == protocol.SubjectSessionStart:
		s.handleStart(msg)
	case msg.Subject == protocol.SubjectSessionEnd:
		s.handleEnd(msg)
	case strings.HasPrefix(msg.Subject, protocol.SubjectAudioPrefix+"."):
		s.handleAudio(msg)
	}
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}

	s.mu.Lock()
	s.closed = true
	for key, w := range s.workers {
		w.close()
		delete(s.workers, key)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready.Load()
}

func (s *Service) handleStart(msg *nats.Msg) {
	var start protocol.SessionStart
	if err := json.Unmarshal(msg.Data, &start); err != nil {
		s.logger.Warn("failed to decode session start", slogError(err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	prev, pending := s.gates[start.SessionID]
	if !pending {
		s.mu.Unlock()
		s.startSession(msg, start)
		return
	}
	done := make(chan struct{})
	s.gates[start.SessionID] = done
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Debug("session start waits for pending end", slog.String("session_id", start.SessionID))
	go func() {
		defer s.wg.Done()
		defer s.release(start.SessionID, done)
		<-prev
		s.startSession(msg, start)
	}()
}

func (s *Service) startSession(msg *nats.Msg, start protocol.SessionStart) {
	reply := StartReply{SessionID: start.SessionID}
	result, err := s.pipeline.StartSession(s.ctx, start.SessionID, start.Roles)
	switch {
	case errors.Is(err, pipeline.ErrSessionExists):
		s.logger.Info("session already started", slog.String("session_id", start.SessionID))
		reply.Error = err.Error()
	case err != nil:
		s.logger.Warn("failed to start session", slog.String("session_id", start.SessionID), slogError(err))
		reply.Error = err.Error()
	default:
		reply.Modes, reply.FellBack = result.Modes, result.FellBack
		if s.recorder != nil {
			if err := s.recorder.StartSession(s.ctx, start.SessionID, start.Roles); err != nil {
				s.logger.Warn("failed to record session start", slog.String("session_id", start.SessionID), slogError(err))
			}
		}
	}
	s.respond(msg, reply)
}

func (s *Service) handleAudio(msg *nats.Msg) {
	var chunk protocol.AudioChunk
	if err := json.Unmarshal(msg.Data, &chunk); err != nil {
		s.logger.Warn("failed to decode audio chunk", slog.String("subject", msg.Subject), slogError(err))
		return
	}
	if chunk.SessionID == "" || chunk.Role == "" {
		sessionID, role, ok := parseAudioSubject(msg.Subject)
		if !ok {
			s.logger.Warn("audio chunk without channel", slog.String("subject", msg.Subject))
			return
		}
		if chunk.SessionID == "" {
			chunk.SessionID = sessionID
		}
		if chunk.Role == "" {
			chunk.Role = role
		}
	}
	if !chunk.Role.Valid() {
		s.logger.Warn("audio chunk with unknown role", slog.String("session_id", chunk.SessionID), slog.String("role", string(chunk.Role)))
		return
	}
	if len(chunk.PCM) == 0 {
		return
	}
	if chunk.SampleRate == 0 {
		chunk.SampleRate = chunk.Role.DefaultSampleRate()
	}

	key := protocol.ChannelKey{SessionID: chunk.SessionID, Role: chunk.Role}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	w := s.workers[key]
	if w == nil {
		// Audio for a session with a pending start or end waits for it.
		var gate <-chan struct{}
		if g, ok := s.gates[key.SessionID]; ok {
			gate = g
		}
		w = newWorker(key, gate)
		s.workers[key] = w
		s.wg.Add(1)
		go s.run(w)
	}
	s.mu.Unlock()

	if err := w.push(chunk); errors.Is(err, errBacklogFull) {
		w.dropped++
		if now := time.Now(); now.Sub(w.lastDropWarn) >= dropWarnInterval {
			s.logger.Warn("channel backlog full, dropping audio",
				slog.String("session_id", key.SessionID),
				slog.String("channel", key.String()),
				slog.Int("bytes", len(chunk.PCM)),
				slog.Int("dropped", w.dropped),
			)
			w.lastDropWarn = now
			w.dropped = 0
		}
	}
}

func (s *Service) run(w *worker) {
	defer s.wg.Done()
	defer close(w.done)
	if w.gate != nil {
		<-w.gate
	}
	log := s.logger.With(slog.String("session_id", w.key.SessionID), slog.String("role", string(w.key.Role)))
	for {
		batch, ok := w.take()
		if !ok {
			return
		}
		for _, chunk := range batch {
			if _, err := s.pipeline.SubmitAudioChunk(s.ctx, chunk.SessionID, chunk.Role, chunk.PCM, chunk.SampleRate, chunk.Timestamp); err != nil {
				log.Warn("audio chunk rejected", slogError(err))
			}
		}
	}
}

// release clears a session's gate once the step that installed it is done.
func (s *Service) release(sessionID string, done chan struct{}) {
	close(done)
	s.mu.Lock()
	if s.gates[sessionID] == done {
		delete(s.gates, sessionID)
	}
	s.mu.Unlock()
}

func (s *Service) handleEnd(msg *nats.Msg) {
	var end protocol.SessionEnd
	if err := json.Unmarshal(msg.Data, &end); err != nil {
		s.logger.Warn("failed to decode session end", slogError(err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var pending []*worker
	for key, w := range s.workers {
		if key.SessionID != end.SessionID {
			continue
		}
		w.close()
		delete(s.workers, key)
		pending = append(pending, w)
	}
	prev := s.gates[end.SessionID]
	done := make(chan struct{})
	s.gates[end.SessionID] = done
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.release(end.SessionID, done)
		if prev != nil {
			<-prev
		}
		// Chunks already queued belong to the session and are processed first.
		for _, w := range pending {
			<-w.done
		}
		stats := s.pipeline.EndSession(s.ctx, end.SessionID)
		if s.recorder != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.recorder.EndSession(ctx, stats); err != nil {
				s.logger.Warn("failed to record session end", slog.String("session_id", end.SessionID), slogError(err))
			}
			cancel()
		}
		if err := s.bus.PublishJSON(protocol.SubjectSessionStats, stats); err != nil {
			s.logger.Warn("failed to publish session stats", slog.String("session_id", end.SessionID), slogError(err))
		}
		s.respond(msg, stats)
		s.logger.Info("session ended",
			slog.String("session_id", end.SessionID),
			slog.Int("segments", stats.TotalSegments),
		)
	}()
}

func (s *Service) respond(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

// parseAudioSubject splits call.audio.<session>.<role>. Session ids may
// themselves contain dots.
func parseAudioSubject(subject string) (string, protocol.Role, bool) {
	rest, ok := strings.CutPrefix(subject, protocol.SubjectAudioPrefix+".")
	if !ok {
		return "", "", false
	}
	idx := strings.LastIndex(rest, ".")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], protocol.Role(rest[idx+1:]), true
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
