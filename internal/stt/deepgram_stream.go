package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/callscribe/internal/config"
	"github.com/loqalabs/callscribe/internal/protocol"
)

var (
	// ErrStreamNotConnected is returned by Send once the connection is gone.
	// The chunk is dropped.
	ErrStreamNotConnected = errors.New("stt: streaming connection not connected")
	// ErrConnectTimeout means the remote end did not accept the connection
	// within the configured wait.
	ErrConnectTimeout = errors.New("stt: streaming connection timed out")
	// ErrStreamBacklogged means the outbound queue is full and the chunk was
	// dropped.
	ErrStreamBacklogged = errors.New("stt: streaming queue full")
)

// StreamResult is one recognition result read off a streaming connection.
// Start and Duration are seconds relative to the start of the stream.
type StreamResult struct {
	Text       string
	Confidence float64
	Language   string
	Start      float64
	Duration   float64
	Final      bool
}

// StreamHandler receives final results. It runs on the connection's receive
// goroutine, so results for one channel arrive in order.
type StreamHandler func(StreamResult)

// StreamOptions describes the channel a stream is opened for.
type StreamOptions struct {
	Key         protocol.ChannelKey
	SampleRate  int
	Language    string
	ShowInterim bool
}

// Stream is a live duplex connection for one channel.
type Stream interface {
	// Send enqueues audio without blocking.
	Send(pcm []byte) error
	Connected() bool
	// Close ends the stream gracefully, waiting a bounded time for the last
	// results.
	Close(ctx context.Context) error
}

// Streamer opens streaming connections.
type Streamer interface {
	Open(ctx context.Context, opts StreamOptions, onFinal StreamHandler) (Stream, error)
}

// DeepgramStreamer opens Deepgram live-transcription websockets.
type DeepgramStreamer struct {
	cfg    config.DeepgramConfig
	stream config.StreamingConfig
	dialer *websocket.Dialer
	log    *slog.Logger
}

func NewDeepgramStreamer(cfg config.DeepgramConfig, streaming config.StreamingConfig, log *slog.Logger) *DeepgramStreamer {
	return &DeepgramStreamer{
		cfg:    cfg,
		stream: streaming,
		dialer: &websocket.Dialer{Proxy: http.ProxyFromEnvironment},
		log:    log.With(slog.String("component", "deepgram-stream")),
	}
}

func (d *DeepgramStreamer) streamURL(opts StreamOptions) (string, error) {
	u, err := url.Parse(d.cfg.StreamURL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	model := d.cfg.Model
	if model == "" {
		model = "nova-3"
	}
	q.Set("model", model)
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", strconv.FormatBool(opts.ShowInterim))
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	if d.stream.UtteranceEndMS > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(d.stream.UtteranceEndMS))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *DeepgramStreamer) Open(ctx context.Context, opts StreamOptions, onFinal StreamHandler) (Stream, error) {
	endpoint, err := d.streamURL(opts)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if d.cfg.APIKey != "" {
		header.Set("Authorization", "Token "+d.cfg.APIKey)
	}

	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(d.stream.ConnectTimeoutMS)*time.Millisecond)
	defer cancel()
	conn, resp, err := d.dialer.DialContext(dialCtx, endpoint, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		var netErr net.Error
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, opts.Key)
		}
		return nil, fmt.Errorf("dial deepgram stream: %w", err)
	}

	queueSize := d.stream.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	s := &deepgramStream{
		conn:         conn,
		key:          opts.Key,
		language:     opts.Language,
		showInterim:  opts.ShowInterim,
		onFinal:      onFinal,
		queue:        make(chan []byte, queueSize),
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
		recvDone:     make(chan struct{}),
		keepalive:    time.Duration(d.stream.KeepaliveIntervalMS) * time.Millisecond,
		closeTimeout: time.Duration(d.stream.CloseTimeoutMS) * time.Millisecond,
		writeTimeout: time.Duration(d.stream.WriteTimeoutMS) * time.Millisecond,
		log:          d.log.With(slog.String("session_id", opts.Key.SessionID), slog.String("role", string(opts.Key.Role))),
	}
	s.connected.Store(true)
	s.start()
	s.log.Info("streaming connection opened")
	return s, nil
}

type deepgramStream struct {
	conn         *websocket.Conn
	key          protocol.ChannelKey
	language     string
	showInterim  bool
	onFinal      StreamHandler
	queue        chan []byte
	closing      chan struct{}
	done         chan struct{}
	recvDone     chan struct{}
	keepalive    time.Duration
	closeTimeout time.Duration
	writeTimeout time.Duration
	log          *slog.Logger

	connected atomic.Bool
	writeMu   sync.Mutex
	closeOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

var (
	keepAliveMessage   = []byte(`{"type":"KeepAlive"}`)
	closeStreamMessage = []byte(`{"type":"CloseStream"}`)
)

const (
	defaultWriteTimeout = 5 * time.Second
	controlWait         = 250 * time.Millisecond
)

func (s *deepgramStream) start() {
	s.wg.Add(3)
	go s.sendLoop()
	go s.receiveLoop()
	go s.keepaliveLoop()
}

func (s *deepgramStream) Connected() bool { return s.connected.Load() }

func (s *deepgramStream) Send(pcm []byte) error {
	if !s.connected.Load() {
		return ErrStreamNotConnected
	}
	chunk := append([]byte(nil), pcm...)
	select {
	case s.queue <- chunk:
		return nil
	default:
		return ErrStreamBacklogged
	}
}

// write sends one message under a deadline. A peer that stops reading
// fails the write instead of parking the sender forever.
func (s *deepgramStream) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeLocked(messageType, data)
}

func (s *deepgramStream) writeLocked(messageType int, data []byte) error {
	wait := s.writeTimeout
	if wait <= 0 {
		wait = defaultWriteTimeout
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(wait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

func (s *deepgramStream) sendLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.closing:
			// Flush what is already queued, then ask the server to finish.
			for {
				select {
				case chunk := <-s.queue:
					if err := s.write(websocket.BinaryMessage, chunk); err != nil {
						s.fail(fmt.Errorf("send audio: %w", err))
						return
					}
				default:
					if err := s.write(websocket.TextMessage, closeStreamMessage); err != nil {
						s.log.Debug("close stream message not sent", slogError(err))
					}
					return
				}
			}
		case chunk := <-s.queue:
			if err := s.write(websocket.BinaryMessage, chunk); err != nil {
				s.fail(fmt.Errorf("send audio: %w", err))
				return
			}
		}
	}
}

func (s *deepgramStream) keepaliveLoop() {
	defer s.wg.Done()
	if s.keepalive <= 0 {
		return
	}
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.closing:
			return
		case <-ticker.C:
			// A write in progress already keeps the connection alive.
			if !s.writeMu.TryLock() {
				continue
			}
			err := s.writeLocked(websocket.TextMessage, keepAliveMessage)
			s.writeMu.Unlock()
			if err != nil {
				s.fail(fmt.Errorf("send keepalive: %w", err))
				return
			}
		}
	}
}

type deepgramStreamMessage struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []deepgramAlternative `json:"alternatives"`
	} `json:"channel"`
}

func (s *deepgramStream) receiveLoop() {
	defer s.wg.Done()
	defer close(s.recvDone)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closing:
			case <-s.done:
			default:
				s.fail(fmt.Errorf("receive: %w", err))
			}
			return
		}
		var msg deepgramStreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("failed to decode streaming message", slogError(err))
			continue
		}
		if msg.Type != "" && msg.Type != "Results" {
			continue
		}
		if len(msg.Channel.Alternatives) == 0 {
			continue
		}
		alt := msg.Channel.Alternatives[0]
		if !msg.IsFinal {
			if s.showInterim && alt.Transcript != "" {
				s.log.Debug("interim transcript", slog.String("text", alt.Transcript))
			}
			continue
		}
		if alt.Transcript == "" || s.onFinal == nil {
			continue
		}
		s.onFinal(StreamResult{
			Text:       alt.Transcript,
			Confidence: alt.Confidence,
			Language:   s.language,
			Start:      msg.Start,
			Duration:   msg.Duration,
			Final:      true,
		})
	}
}

// fail marks the stream disconnected and stops every loop. The other loops
// observe done and exit on their own.
func (s *deepgramStream) fail(err error) {
	if s.connected.Swap(false) {
		s.log.Warn("streaming connection lost", slogError(err))
	}
	s.stop()
}

func (s *deepgramStream) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *deepgramStream) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.connected.Store(false)
		close(s.closing)

		wait := s.closeTimeout
		if wait <= 0 {
			wait = 2 * time.Second
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-s.recvDone:
		case <-s.done:
		case <-timer.C:
			s.log.Debug("close timed out waiting for final results")
		case <-ctx.Done():
		}
		// WriteControl may run alongside a blocked data write; it gives up
		// on its own deadline.
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(controlWait))
		// Closing the conn unblocks any write still in flight, so the wait
		// below is short.
		s.stop()
		s.wg.Wait()
		s.log.Info("streaming connection closed")
	})
	return nil
}
