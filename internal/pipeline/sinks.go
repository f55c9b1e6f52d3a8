package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loqalabs/callscribe/internal/protocol"
)

// Sink receives every finalized segment exactly once.
type Sink interface {
	Deliver(ctx context.Context, seg protocol.TranscriptSegment) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, seg protocol.TranscriptSegment) error

func (f SinkFunc) Deliver(ctx context.Context, seg protocol.TranscriptSegment) error {
	return f(ctx, seg)
}

// FanOut delivers to every registered sink. One sink failing does not keep
// the segment from the others.
type FanOut struct {
	mu    sync.RWMutex
	sinks []Sink
	log   *slog.Logger
}

func NewFanOut(log *slog.Logger, sinks ...Sink) *FanOut {
	return &FanOut{sinks: sinks, log: log.With(slog.String("component", "segment-fanout"))}
}

func (f *FanOut) Add(s Sink) {
	f.mu.Lock()
	f.sinks = append(f.sinks, s)
	f.mu.Unlock()
}

// Deliver always returns nil; sink errors are logged individually.
func (f *FanOut) Deliver(ctx context.Context, seg protocol.TranscriptSegment) error {
	f.mu.RLock()
	sinks := append([]Sink(nil), f.sinks...)
	f.mu.RUnlock()
	for _, s := range sinks {
		if err := s.Deliver(ctx, seg); err != nil {
			f.log.Warn("segment sink failed",
				slog.String("session_id", seg.SessionID),
				slog.String("segment_id", seg.ID),
				slogError(err),
			)
		}
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
