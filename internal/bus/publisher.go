package bus

import (
	"context"

	"github.com/loqalabs/callscribe/internal/protocol"
)

// SegmentPublisher delivers transcript segments on
// transcript.segment.<session>.
type SegmentPublisher struct {
	client *Client
}

func NewSegmentPublisher(client *Client) *SegmentPublisher {
	return &SegmentPublisher{client: client}
}

func (p *SegmentPublisher) Deliver(_ context.Context, seg protocol.TranscriptSegment) error {
	return p.client.PublishJSON(protocol.SegmentSubject(seg.SessionID), seg)
}
