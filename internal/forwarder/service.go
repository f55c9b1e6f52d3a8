// Package forwarder hands caller utterances to the agent pipeline.
package forwarder

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/callscribe/internal/bus"
	"github.com/loqalabs/callscribe/internal/config"
	"github.com/loqalabs/callscribe/internal/hallucination"
	"github.com/loqalabs/callscribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

type Service struct {
	cfg         config.ForwarderConfig
	bus         *bus.Client
	logger      *slog.Logger
	subSegments *nats.Subscription
	subStats    *nats.Subscription
	ctx         context.Context
	cancel      context.CancelFunc
	sessions    map[string]*sessionState
	mu          sync.Mutex
	clock       func() time.Time
}

type sessionState struct {
	LastForwarded time.Time
}

func NewService(parent context.Context, cfg config.ForwarderConfig, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		logger:   logger.With(slog.String("component", "forwarder")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*sessionState),
		clock:    time.Now,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSegmentPrefix+".>", s.handleSegment)
	if err != nil {
		return err
	}
	s.subSegments = sub

	subStats, err := s.bus.Conn().Subscribe(protocol.SubjectSessionStats, s.handleStats)
	if err != nil {
		s.subSegments.Drain()
		return err
	}
	s.subStats = subStats
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subSegments != nil {
		_ = s.subSegments.Drain()
	}
	if s.subStats != nil {
		_ = s.subStats.Drain()
	}
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.subSegments != nil && s.subStats != nil)
}

func (s *Service) handleSegment(msg *nats.Msg) {
	var seg protocol.TranscriptSegment
	if err := json.Unmarshal(msg.Data, &seg); err != nil {
		s.logger.Warn("forwarder failed to decode segment", slogError(err))
		return
	}
	if !s.shouldForward(seg) {
		return
	}
	req := protocol.AgentRequest{
		SessionID: seg.SessionID,
		SegmentID: seg.ID,
		Speaker:   seg.SpeakerLabel,
		Text:      strings.TrimSpace(seg.Text),
		Language:  seg.Language,
		Timestamp: s.clock().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectAgentRequest, req); err != nil {
		s.logger.Warn("forwarder failed to publish agent request", slogError(err))
		return
	}
	s.logger.Debug("segment forwarded",
		slog.String("session_id", seg.SessionID),
		slog.String("segment_id", seg.ID),
	)
}

// shouldForward applies the role, length and throttle rules. A segment that
// passes consumes the session's throttle window.
func (s *Service) shouldForward(seg protocol.TranscriptSegment) bool {
	if s.cfg.CallerOnly && seg.Role != protocol.RoleCaller {
		return false
	}
	text := strings.TrimSpace(seg.Text)
	if strings.HasPrefix(text, strings.TrimSpace(hallucination.Marker)) {
		return false
	}
	if utf8.RuneCountInString(text) < s.cfg.MinChars {
		return false
	}

	now := s.clock()
	interval := time.Duration(s.cfg.MinIntervalMS) * time.Millisecond

	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[seg.SessionID]
	if state == nil {
		state = &sessionState{}
		s.sessions[seg.SessionID] = state
	}
	if !state.LastForwarded.IsZero() && now.Sub(state.LastForwarded) < interval {
		return false
	}
	state.LastForwarded = now
	return true
}

func (s *Service) handleStats(msg *nats.Msg) {
	var stats protocol.SessionStats
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		s.logger.Warn("forwarder failed to decode session stats", slogError(err))
		return
	}
	s.mu.Lock()
	delete(s.sessions, stats.SessionID)
	s.mu.Unlock()
}

func (s *Service) trackedSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
