// Package speaker maps a session's channels to display names and keeps
// per-speaker statistics for the end-of-session summary.
package speaker

import (
	"sync"
	"time"

	"github.com/loqalabs/callscribe/internal/config"
	"github.com/loqalabs/callscribe/internal/protocol"
)

type Registry struct {
	sessions sync.Map // session id -> *sessionSpeakers
	labels   map[protocol.Role]string
	minDur   map[protocol.Role]float64
	clock    func() time.Time
}

type sessionSpeakers struct {
	mu       sync.Mutex
	started  time.Time
	names    map[protocol.Role]string
	stats    map[protocol.Role]*protocol.SpeakerStats
	segments int
}

func NewRegistry(cfg config.SpeakersConfig) *Registry {
	return &Registry{
		labels: map[protocol.Role]string{
			protocol.RoleCaller:   cfg.CallerLabel,
			protocol.RoleOperator: cfg.OperatorLabel,
		},
		minDur: map[protocol.Role]float64{
			protocol.RoleCaller:   cfg.CallerMinSeconds,
			protocol.RoleOperator: cfg.OperatorMinSeconds,
		},
		clock: time.Now,
	}
}

func (r *Registry) session(sessionID string) *sessionSpeakers {
	if v, ok := r.sessions.Load(sessionID); ok {
		return v.(*sessionSpeakers)
	}
	fresh := &sessionSpeakers{
		started: r.clock().UTC(),
		names:   make(map[protocol.Role]string),
		stats:   make(map[protocol.Role]*protocol.SpeakerStats),
	}
	v, _ := r.sessions.LoadOrStore(sessionID, fresh)
	return v.(*sessionSpeakers)
}

// Register sets the display name for a channel. An empty name keeps the
// default label for the role.
func (r *Registry) Register(sessionID string, role protocol.Role, displayName string) {
	s := r.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if displayName != "" {
		s.names[role] = displayName
	}
}

// Resolve returns the display name for a channel, falling back to the role's
// default label.
func (r *Registry) Resolve(sessionID string, role protocol.Role) string {
	if v, ok := r.sessions.Load(sessionID); ok {
		s := v.(*sessionSpeakers)
		s.mu.Lock()
		name, found := s.names[role]
		s.mu.Unlock()
		if found {
			return name
		}
	}
	if label := r.labels[role]; label != "" {
		return label
	}
	return string(role)
}

// ShouldProcess reports whether an utterance is long enough to be worth
// transcribing for the role.
func (r *Registry) ShouldProcess(role protocol.Role, durationSeconds float64) bool {
	return durationSeconds >= r.minDur[role]
}

// Record counts an emitted segment toward its speaker's statistics.
func (r *Registry) Record(seg protocol.TranscriptSegment) {
	s := r.session(seg.SessionID)
	now := seg.CreatedAt
	if now.IsZero() {
		now = r.clock().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats[seg.Role]
	if st == nil {
		st = &protocol.SpeakerStats{Role: seg.Role, FirstSpoke: now}
		s.stats[seg.Role] = st
	}
	st.Name = seg.SpeakerLabel
	st.SegmentCount++
	st.TotalSpeechSeconds += seg.DurationSeconds
	st.LastSpoke = now
	s.segments++
}

// Stats summarises a session. Registered speakers appear even when they
// never spoke.
func (r *Registry) Stats(sessionID string) protocol.SessionStats {
	out := protocol.SessionStats{
		SessionID: sessionID,
		Speakers:  make(map[protocol.Role]protocol.SpeakerStats),
		EndedAt:   r.clock().UTC(),
	}
	v, ok := r.sessions.Load(sessionID)
	if !ok {
		return out
	}
	s := v.(*sessionSpeakers)
	s.mu.Lock()
	defer s.mu.Unlock()
	out.StartedAt = s.started
	out.TotalSegments = s.segments
	for role, name := range s.names {
		out.Speakers[role] = protocol.SpeakerStats{Role: role, Name: name}
	}
	for role, st := range s.stats {
		out.Speakers[role] = *st
	}
	return out
}

// Clear forgets a session.
func (r *Registry) Clear(sessionID string) {
	r.sessions.Delete(sessionID)
}

// Active returns the number of sessions with registry entries.
func (r *Registry) Active() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
