// Package pipeline turns per-channel call audio into transcript segments.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/callscribe/internal/audio"
	"github.com/loqalabs/callscribe/internal/config"
	"github.com/loqalabs/callscribe/internal/hallucination"
	"github.com/loqalabs/callscribe/internal/protocol"
	"github.com/loqalabs/callscribe/internal/quality"
	"github.com/loqalabs/callscribe/internal/speaker"
	"github.com/loqalabs/callscribe/internal/stt"
	"github.com/loqalabs/callscribe/internal/vad"
)

var (
	// ErrSessionExists is returned when a session id is started twice.
	ErrSessionExists = errors.New("pipeline: session already started")
	// ErrStreamingUnavailable is returned by StartSession when a streaming
	// connection could not be opened and the fallback policy is "fail".
	ErrStreamingUnavailable = errors.New("pipeline: streaming connection unavailable")
	// ErrInvalidInput rejects roles or audio the pipeline cannot attribute.
	ErrInvalidInput = errors.New("pipeline: invalid input")
)

const (
	discardTooQuiet   = "too_quiet"
	discardRoleMinDur = "below_role_minimum"

	// dropWarnInterval rate-limits the warning for chunks a disconnected
	// stream refuses.
	dropWarnInterval = 5 * time.Second
)

// Router is the transcription entry point the coordinator calls on every
// flushed utterance.
type Router interface {
	Transcribe(ctx context.Context, u stt.Utterance) (*stt.Result, string)
}

// Mode is how a channel's audio reaches a backend.
type Mode string

const (
	ModeBuffered  Mode = "buffered"
	ModeStreaming Mode = "streaming"
)

// StartResult reports how each channel of a new session will be processed.
// FellBack lists channels that wanted streaming but run buffered because
// the connection could not be opened.
type StartResult struct {
	SessionID string
	Modes     map[protocol.Role]Mode
	FellBack  []protocol.Role
}

type Options struct {
	Tunables  func() config.Tunables
	Router    Router
	Streamer  stt.Streamer
	Speakers  *speaker.Registry
	Sink      Sink
	Detectors vad.DetectorFactory
	Logger    *slog.Logger
}

// Coordinator owns every channel's buffer, segmenter and streaming
// connection. Each channel has its own lock; unrelated channels never wait
// on each other.
type Coordinator struct {
	tunables  func() config.Tunables
	router    Router
	streamer  stt.Streamer
	speakers  *speaker.Registry
	sink      Sink
	detectors vad.DetectorFactory
	log       *slog.Logger
	metrics   *metrics
	clock     func() time.Time

	sessions sync.Map // session id -> *session
	channels sync.Map // protocol.ChannelKey -> *channel
	active   atomic.Int64
}

type session struct {
	id      string
	started time.Time

	// implicit is set when audio arrived before StartSession.
	implicit atomic.Bool
}

type channel struct {
	mu         sync.Mutex
	key        protocol.ChannelKey
	sampleRate int
	buffer     *audio.Buffer
	segmenter  *vad.Segmenter
	stream     stt.Stream
	closed     bool
	seq        atomic.Uint64

	rateWarned   bool
	dropped      int
	lastDropWarn time.Time
}

func New(opts Options) *Coordinator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	tunables := opts.Tunables
	if tunables == nil {
		tunables = config.DefaultTunables
	}
	sink := opts.Sink
	if sink == nil {
		sink = SinkFunc(func(context.Context, protocol.TranscriptSegment) error { return nil })
	}
	c := &Coordinator{
		tunables:  tunables,
		router:    opts.Router,
		streamer:  opts.Streamer,
		speakers:  opts.Speakers,
		sink:      sink,
		detectors: opts.Detectors,
		log:       log.With(slog.String("component", "pipeline")),
		clock:     time.Now,
	}
	if c.speakers == nil {
		c.speakers = speaker.NewRegistry(config.Default().Speakers)
	}
	m, err := newMetrics(c.active.Load)
	if err != nil {
		c.log.Warn("failed to initialize metrics", slogError(err))
	} else {
		c.metrics = m
	}
	return c
}

// StartSession registers a call and its speakers. When streaming is enabled
// a connection is opened per role; what happens if one cannot be opened
// depends on the streaming_fallback tunable.
func (c *Coordinator) StartSession(ctx context.Context, sessionID string, roles map[protocol.Role]string) (StartResult, error) {
	if sessionID == "" {
		return StartResult{}, errors.New("pipeline: session id must not be empty")
	}
	for role := range roles {
		if !role.Valid() {
			return StartResult{}, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
		}
	}
	sess := &session{id: sessionID, started: c.clock().UTC()}
	if v, loaded := c.sessions.LoadOrStore(sessionID, sess); loaded {
		if !v.(*session).implicit.CompareAndSwap(true, false) {
			return StartResult{}, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
		}
	}
	for role, name := range roles {
		c.speakers.Register(sessionID, role, name)
	}

	result := StartResult{SessionID: sessionID, Modes: make(map[protocol.Role]Mode)}
	t := c.tunables()
	log := c.log.With(slog.String("session_id", sessionID))
	for _, role := range protocol.Roles {
		result.Modes[role] = ModeBuffered
		if !t.UseStreaming || c.streamer == nil {
			continue
		}
		key := protocol.ChannelKey{SessionID: sessionID, Role: role}
		if _, exists := c.channels.Load(key); exists {
			log.Warn("channel already receiving buffered audio, not streaming it", slog.String("role", string(role)))
			continue
		}
		ch := c.newChannel(key, role.DefaultSampleRate(), 0)
		stream, err := c.streamer.Open(ctx, stt.StreamOptions{
			Key:         key,
			SampleRate:  ch.sampleRate,
			Language:    t.Language,
			ShowInterim: t.ShowInterim,
		}, c.streamHandler(key, ch))
		if err != nil {
			if t.StreamingFallback == config.FallbackFail {
				log.Error("streaming connection failed", slog.String("role", string(role)), slogError(err))
				c.EndSession(ctx, sessionID)
				return StartResult{}, fmt.Errorf("%w: %s: %v", ErrStreamingUnavailable, key, err)
			}
			log.Warn("streaming connection failed, falling back to buffered mode",
				slog.String("role", string(role)), slogError(err))
			// The buffered channel is created by the first chunk.
			result.FellBack = append(result.FellBack, role)
			continue
		}
		ch.stream = stream
		if !c.storeChannel(ch) {
			_ = stream.Close(ctx)
			continue
		}
		result.Modes[role] = ModeStreaming
	}
	log.Info("session started", slog.Any("modes", result.Modes))
	return result, nil
}

// SubmitAudioChunk feeds one chunk of 16-bit mono PCM. In buffered mode it
// returns the segment completed by this chunk, if any. In streaming mode it
// only enqueues and segments reach the sink asynchronously.
func (c *Coordinator) SubmitAudioChunk(ctx context.Context, sessionID string, role protocol.Role, pcm []byte, sampleRate int, timestamp float64) (*protocol.TranscriptSegment, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrInvalidInput, sampleRate)
	}
	if len(pcm)%audio.BytesPerSample != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	if len(pcm) == 0 {
		return nil, nil
	}

	key := protocol.ChannelKey{SessionID: sessionID, Role: role}
	ch := c.channel(key, sampleRate, timestamp)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return nil, nil
	}
	c.metrics.chunk(ctx, string(role))
	log := c.log.With(slog.String("session_id", sessionID), slog.String("role", string(role)))

	if ch.stream != nil {
		// The connection was opened at the role's default rate.
		if sampleRate != ch.sampleRate && !ch.rateWarned {
			ch.rateWarned = true
			log.Warn("chunk sample rate differs from streaming connection",
				slog.Int("stream_rate", ch.sampleRate), slog.Int("chunk_rate", sampleRate))
		}
		if err := ch.stream.Send(pcm); err != nil {
			ch.dropped++
			if now := c.clock(); now.Sub(ch.lastDropWarn) >= dropWarnInterval {
				log.Warn("dropping audio chunks for streaming channel",
					slog.Int("bytes", len(pcm)), slog.Int("dropped", ch.dropped), slogError(err))
				ch.lastDropWarn = now
				ch.dropped = 0
			}
		}
		return nil, nil
	}

	if sampleRate != ch.sampleRate {
		log.Warn("sample rate changed mid-session, restarting channel state",
			slog.Int("from", ch.sampleRate), slog.Int("to", sampleRate))
		ch.sampleRate = sampleRate
		ch.buffer = audio.NewBuffer(sampleRate, ch.buffer.SessionStart())
		ch.segmenter = vad.NewSegmenter(role, sampleRate, c.detector(sampleRate, log))
	}

	t := c.tunables()
	decision := ch.segmenter.Push(ch.buffer, pcm, timestamp, t)
	switch decision.Action {
	case vad.ActionDiscard:
		c.metrics.discard(ctx, decision.Reason)
		log.Debug("utterance discarded", slog.String("reason", decision.Reason), slog.Float64("seconds", decision.Discarded))
		return nil, nil
	case vad.ActionFlush:
		c.metrics.flush(ctx, decision.Reason)
		return c.process(ctx, ch, decision, t, log), nil
	default:
		return nil, nil
	}
}

func (c *Coordinator) process(ctx context.Context, ch *channel, d vad.Decision, t config.Tunables, log *slog.Logger) *protocol.TranscriptSegment {
	flushed := d.Segment
	log = log.With(slog.String("reason", d.Reason), slog.Float64("duration", flushed.Duration))

	if v := quality.Check(flushed.PCM, ch.key.Role, t); v.TooQuiet {
		c.metrics.discard(ctx, discardTooQuiet)
		log.Debug("utterance too quiet", slog.String("gate", v.Reason), slog.Float64("rms", v.Level.RMS), slog.Float64("peak", v.Level.Peak))
		return nil
	}
	if !c.speakers.ShouldProcess(ch.key.Role, flushed.Duration) {
		c.metrics.discard(ctx, discardRoleMinDur)
		log.Debug("utterance shorter than role minimum")
		return nil
	}
	if c.router == nil {
		log.Warn("no transcription router configured")
		return nil
	}

	result, backend := c.router.Transcribe(ctx, stt.Utterance{
		SessionID:  ch.key.SessionID,
		Role:       ch.key.Role,
		PCM:        flushed.PCM,
		SampleRate: flushed.SampleRate,
		Language:   t.Language,
	})
	if result == nil {
		return nil
	}
	text, confidence, verdict, ok := hallucination.Screen(result.Text, result.Confidence, t.DebugShowHallucinations)
	if verdict.Fabricated {
		c.metrics.hallucination(ctx, verdict.Rule)
		log.Info("hallucination filtered", slog.String("rule", verdict.Rule), slog.String("text", result.Text), slog.Bool("kept_for_debug", ok))
	}
	if !ok {
		return nil
	}

	lang := result.Language
	if lang == "" {
		lang = t.Language
	}
	seg := protocol.TranscriptSegment{
		SessionID:        ch.key.SessionID,
		Role:             ch.key.Role,
		Text:             text,
		Confidence:       confidence,
		Backend:          backend,
		StartTime:        flushed.StartTime,
		EndTime:          flushed.EndTime,
		DurationSeconds:  flushed.Duration,
		Language:         lang,
		PrecedingPauseMS: d.PauseMS,
	}
	c.emit(ctx, ch, &seg)
	return &seg
}

// emit stamps a segment and hands it to the sink. Callers serialize per
// channel so sequence numbers follow arrival order.
func (c *Coordinator) emit(ctx context.Context, ch *channel, seg *protocol.TranscriptSegment) {
	seg.ID = uuid.NewString()
	seg.Sequence = ch.seq.Add(1)
	seg.SpeakerLabel = c.speakers.Resolve(seg.SessionID, seg.Role)
	seg.CreatedAt = c.clock().UTC()
	c.speakers.Record(*seg)
	if err := c.sink.Deliver(ctx, *seg); err != nil {
		c.log.Warn("segment delivery failed", slog.String("session_id", seg.SessionID), slogError(err))
	}
	c.metrics.segment(ctx, seg.Backend)
	c.log.Info("segment emitted",
		slog.String("session_id", seg.SessionID),
		slog.String("role", string(seg.Role)),
		slog.Uint64("sequence", seg.Sequence),
		slog.Int("chars", len(seg.Text)),
	)
}

// streamHandler turns final streaming results into segments. It runs on the
// connection's receive goroutine, which keeps results in order, and never
// takes the channel lock: EndSession holds that lock while it waits for the
// receiver to drain.
func (c *Coordinator) streamHandler(key protocol.ChannelKey, ch *channel) stt.StreamHandler {
	return func(r stt.StreamResult) {
		t := c.tunables()
		text, confidence, verdict, ok := hallucination.Screen(r.Text, r.Confidence, t.DebugShowHallucinations)
		ctx := context.Background()
		if verdict.Fabricated {
			c.metrics.hallucination(ctx, verdict.Rule)
		}
		if !ok {
			return
		}
		lang := r.Language
		if lang == "" {
			lang = t.Language
		}
		seg := protocol.TranscriptSegment{
			SessionID:       key.SessionID,
			Role:            key.Role,
			Text:            text,
			Confidence:      confidence,
			Backend:         config.BackendDeepgram,
			StartTime:       r.Start,
			EndTime:         r.Start + r.Duration,
			DurationSeconds: r.Duration,
			Language:        lang,
		}
		c.emit(ctx, ch, &seg)
	}
}

// EndSession tears down every channel of the session and returns its
// statistics. It is safe to call more than once and for sessions that were
// only partially set up.
func (c *Coordinator) EndSession(ctx context.Context, sessionID string) protocol.SessionStats {
	var started time.Time
	if v, ok := c.sessions.LoadAndDelete(sessionID); ok {
		started = v.(*session).started
	}
	for _, role := range protocol.Roles {
		key := protocol.ChannelKey{SessionID: sessionID, Role: role}
		v, ok := c.channels.LoadAndDelete(key)
		if !ok {
			continue
		}
		c.active.Add(-1)
		ch := v.(*channel)
		ch.mu.Lock()
		ch.closed = true
		if ch.stream != nil {
			if err := ch.stream.Close(ctx); err != nil {
				c.log.Warn("failed to close streaming connection", slog.String("channel", key.String()), slogError(err))
			}
			ch.stream = nil
		}
		ch.buffer.Clear()
		ch.segmenter.Reset()
		ch.mu.Unlock()
	}
	stats := c.speakers.Stats(sessionID)
	if !started.IsZero() {
		stats.StartedAt = started
	}
	c.speakers.Clear(sessionID)
	c.log.Info("session ended", slog.String("session_id", sessionID), slog.Int("segments", stats.TotalSegments))
	return stats
}

// ActiveChannels returns the number of channels holding pipeline state.
func (c *Coordinator) ActiveChannels() int {
	return int(c.active.Load())
}

// channel returns the state for key, creating it on first use. Chunks may
// arrive before StartSession; the session is then opened implicitly.
func (c *Coordinator) channel(key protocol.ChannelKey, sampleRate int, timestamp float64) *channel {
	if v, ok := c.channels.Load(key); ok {
		return v.(*channel)
	}
	sess := &session{id: key.SessionID, started: c.clock().UTC()}
	sess.implicit.Store(true)
	if _, loaded := c.sessions.LoadOrStore(key.SessionID, sess); !loaded {
		c.log.Debug("audio arrived before session start", slog.String("session_id", key.SessionID))
	}
	ch := c.newChannel(key, sampleRate, timestamp)
	if v, loaded := c.channels.LoadOrStore(key, ch); loaded {
		return v.(*channel)
	}
	c.active.Add(1)
	return ch
}

func (c *Coordinator) newChannel(key protocol.ChannelKey, sampleRate int, sessionStart float64) *channel {
	log := c.log.With(slog.String("session_id", key.SessionID), slog.String("role", string(key.Role)))
	return &channel{
		key:        key,
		sampleRate: sampleRate,
		buffer:     audio.NewBuffer(sampleRate, sessionStart),
		segmenter:  vad.NewSegmenter(key.Role, sampleRate, c.detector(sampleRate, log)),
	}
}

func (c *Coordinator) storeChannel(ch *channel) bool {
	if _, loaded := c.channels.LoadOrStore(ch.key, ch); loaded {
		return false
	}
	c.active.Add(1)
	return true
}

func (c *Coordinator) detector(sampleRate int, log *slog.Logger) vad.Detector {
	if c.detectors == nil {
		return vad.AlwaysVoiced
	}
	d, err := c.detectors(sampleRate)
	if err != nil {
		log.Warn("voice activity model unavailable, using energy only", slogError(err))
		return vad.AlwaysVoiced
	}
	return d
}
