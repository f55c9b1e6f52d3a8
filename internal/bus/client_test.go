package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/callscribe/internal/config"
	"github.com/loqalabs/callscribe/internal/natsserver"
	"github.com/loqalabs/callscribe/internal/protocol"
)

func startBus(t *testing.T) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg := config.Default().Bus
	cfg.Servers = []string{srv.ClientURL()}
	client, err := Connect(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestSegmentPublisher(t *testing.T) {
	client := startBus(t)
	sub, err := client.Conn().SubscribeSync(protocol.SubjectSegmentPrefix + ".>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	seg := protocol.TranscriptSegment{ID: "seg-1", SessionID: "call-42", Role: protocol.RoleCaller, Text: "mon colis n'est pas arrivé", Sequence: 3}
	if err := NewSegmentPublisher(client).Deliver(context.Background(), seg); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	if msg.Subject != "transcript.segment.call-42" {
		t.Fatalf("unexpected subject %q", msg.Subject)
	}
	var got protocol.TranscriptSegment
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != seg.ID || got.Text != seg.Text || got.Role != protocol.RoleCaller || got.Sequence != 3 {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestEnsureStreamIsIdempotent(t *testing.T) {
	client := startBus(t)
	subjects := []string{protocol.SubjectSegmentPrefix + ".>"}
	for i := 0; i < 2; i++ {
		if err := client.EnsureStream("TRANSCRIPTS", subjects, time.Hour); err != nil {
			t.Fatalf("ensure stream (pass %d): %v", i, err)
		}
	}
	if err := client.PublishJSON(protocol.SegmentSubject("call-1"), map[string]string{"text": "allo"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := client.JetStream().StreamInfo("TRANSCRIPTS")
		if err != nil {
			t.Fatalf("stream info: %v", err)
		}
		if info.State.Msgs == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one retained message, got %d", info.State.Msgs)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
