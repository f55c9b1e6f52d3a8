package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/callscribe/internal/bus"
	"github.com/loqalabs/callscribe/internal/config"
	"github.com/loqalabs/callscribe/internal/natsserver"
	"github.com/loqalabs/callscribe/internal/pipeline"
	"github.com/loqalabs/callscribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

type fakePipeline struct {
	mu      sync.Mutex
	started map[string]map[protocol.Role]string
	chunks  map[protocol.ChannelKey][]float64
	ended   []string
	events  []string
	delay   time.Duration
	// block parks chunk submission for a session until the channel is
	// closed.
	block    map[string]chan struct{}
	endDelay time.Duration
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		started: make(map[string]map[protocol.Role]string),
		chunks:  make(map[protocol.ChannelKey][]float64),
	}
}

func (f *fakePipeline) StartSession(_ context.Context, sessionID string, roles map[protocol.Role]string) (pipeline.StartResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.started[sessionID]; ok {
		return pipeline.StartResult{}, pipeline.ErrSessionExists
	}
	f.started[sessionID] = roles
	f.events = append(f.events, "start:"+sessionID)
	return pipeline.StartResult{SessionID: sessionID, Modes: map[protocol.Role]pipeline.Mode{
		protocol.RoleCaller:   pipeline.ModeBuffered,
		protocol.RoleOperator: pipeline.ModeBuffered,
	}}, nil
}

func (f *fakePipeline) SubmitAudioChunk(_ context.Context, sessionID string, role protocol.Role, _ []byte, _ int, ts float64) (*protocol.TranscriptSegment, error) {
	if gate, ok := f.block[sessionID]; ok {
		<-gate
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := protocol.ChannelKey{SessionID: sessionID, Role: role}
	f.chunks[key] = append(f.chunks[key], ts)
	return nil, nil
}

func (f *fakePipeline) EndSession(_ context.Context, sessionID string) protocol.SessionStats {
	if f.endDelay > 0 {
		time.Sleep(f.endDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, sessionID)
	f.events = append(f.events, "end:"+sessionID)
	delete(f.started, sessionID)
	total := 0
	for key, ts := range f.chunks {
		if key.SessionID == sessionID {
			total += len(ts)
		}
	}
	return protocol.SessionStats{SessionID: sessionID, TotalSegments: total}
}

func (f *fakePipeline) timestamps(key protocol.ChannelKey) []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.chunks[key]...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	started []string
	ended   []protocol.SessionStats
}

func (r *fakeRecorder) StartSession(_ context.Context, sessionID string, _ map[protocol.Role]string) error {
	r.mu.Lock()
	r.started = append(r.started, sessionID)
	r.mu.Unlock()
	return nil
}

func (r *fakeRecorder) EndSession(_ context.Context, stats protocol.SessionStats) error {
	r.mu.Lock()
	r.ended = append(r.ended, stats)
	r.mu.Unlock()
	return nil
}

func startService(t *testing.T, p Pipeline, rec SessionRecorder) *bus.Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg := config.Default().Bus
	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	svc := NewService(context.Background(), config.IngestConfig{Enabled: true}, client, p, rec, logger)
	if err := svc.Start(); err != nil {
		t.Fatalf("start ingest: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("service should report healthy after start")
	}
	return client
}

func request(t *testing.T, client *bus.Client, subject string, v any, out any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := client.Conn().Request(subject, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", subject, err)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
}

func publish(t *testing.T, client *bus.Client, subject string, v any) {
	t.Helper()
	if err := client.PublishJSON(subject, v); err != nil {
		t.Fatalf("publish %s: %v", subject, err)
	}
}

func TestSessionLifecycleOverBus(t *testing.T) {
	p := newFakePipeline()
	p.delay = 2 * time.Millisecond
	rec := &fakeRecorder{}
	client := startService(t, p, rec)

	stats := make(chan *nats.Msg, 4)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectSessionStats, stats)
	if err != nil {
		t.Fatalf("subscribe stats: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	var reply StartReply
	request(t, client, protocol.SubjectSessionStart, protocol.SessionStart{
		SessionID: "call-1",
		Roles:     map[protocol.Role]string{protocol.RoleCaller: "Alex", protocol.RoleOperator: "Sam"},
	}, &reply)
	if reply.Error != "" || reply.Modes[protocol.RoleCaller] != pipeline.ModeBuffered {
		t.Fatalf("unexpected start reply: %+v", reply)
	}

	const chunks = 40
	for i := 0; i < chunks; i++ {
		ts := float64(i) * 0.02
		publish(t, client, protocol.AudioSubject("call-1", protocol.RoleCaller), protocol.AudioChunk{
			SampleRate: 8000, PCM: make([]byte, 320), Timestamp: ts,
		})
		publish(t, client, protocol.AudioSubject("call-1", protocol.RoleOperator), protocol.AudioChunk{
			SessionID: "call-1", Role: protocol.RoleOperator, SampleRate: 16000, PCM: make([]byte, 640), Timestamp: ts,
		})
	}

	var final protocol.SessionStats
	request(t, client, protocol.SubjectSessionEnd, protocol.SessionEnd{SessionID: "call-1"}, &final)
	if final.TotalSegments != 2*chunks {
		t.Fatalf("end should follow every queued chunk, got %d of %d", final.TotalSegments, 2*chunks)
	}

	for _, role := range protocol.Roles {
		got := p.timestamps(protocol.ChannelKey{SessionID: "call-1", Role: role})
		if len(got) != chunks {
			t.Fatalf("%s: expected %d chunks, got %d", role, chunks, len(got))
		}
		for i := 1; i < len(got); i++ {
			if got[i] < got[i-1] {
				t.Fatalf("%s: chunks out of order at %d: %v", role, i, got)
			}
		}
	}

	select {
	case msg := <-stats:
		var published protocol.SessionStats
		if err := json.Unmarshal(msg.Data, &published); err != nil {
			t.Fatalf("decode stats: %v", err)
		}
		if published.SessionID != "call-1" {
			t.Fatalf("unexpected stats: %+v", published)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session stats were not published")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.started) != 1 || len(rec.ended) != 1 || rec.ended[0].TotalSegments != 2*chunks {
		t.Fatalf("recorder saw started=%v ended=%+v", rec.started, rec.ended)
	}
}

func TestDuplicateStartIsReported(t *testing.T) {
	p := newFakePipeline()
	client := startService(t, p, nil)

	start := protocol.SessionStart{SessionID: "dup"}
	var first, second StartReply
	request(t, client, protocol.SubjectSessionStart, start, &first)
	request(t, client, protocol.SubjectSessionStart, start, &second)
	if first.Error != "" {
		t.Fatalf("first start failed: %s", first.Error)
	}
	if second.Error != pipeline.ErrSessionExists.Error() {
		t.Fatalf("expected duplicate error, got %q", second.Error)
	}
}

func TestMalformedAudioIsIgnored(t *testing.T) {
	p := newFakePipeline()
	client := startService(t, p, nil)

	if err := client.Conn().Publish(protocol.AudioSubject("s", protocol.RoleCaller), []byte("not json")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	publish(t, client, protocol.SubjectAudioPrefix+".s.moderator", protocol.AudioChunk{PCM: []byte{1, 2}})
	publish(t, client, protocol.AudioSubject("s", protocol.RoleCaller), protocol.AudioChunk{})
	publish(t, client, protocol.AudioSubject("s", protocol.RoleCaller), protocol.AudioChunk{PCM: []byte{1, 2}, Timestamp: 1})

	var stats protocol.SessionStats
	request(t, client, protocol.SubjectSessionEnd, protocol.SessionEnd{SessionID: "s"}, &stats)
	if stats.TotalSegments != 1 {
		t.Fatalf("only the valid chunk should reach the pipeline, got %d", stats.TotalSegments)
	}
}

func TestSlowChannelDoesNotStallOtherSessions(t *testing.T) {
	p := newFakePipeline()
	release := make(chan struct{})
	p.block = map[string]chan struct{}{"slow": release}
	client := startService(t, p, nil)
	t.Cleanup(func() { close(release) })

	for i := 0; i < 300; i++ {
		publish(t, client, protocol.AudioSubject("slow", protocol.RoleCaller), protocol.AudioChunk{
			SampleRate: 8000, PCM: make([]byte, 320), Timestamp: float64(i) * 0.02,
		})
	}
	publish(t, client, protocol.AudioSubject("fast", protocol.RoleCaller), protocol.AudioChunk{
		SampleRate: 8000, PCM: make([]byte, 320),
	})

	key := protocol.ChannelKey{SessionID: "fast", Role: protocol.RoleCaller}
	deadline := time.Now().Add(2 * time.Second)
	for len(p.timestamps(key)) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(p.timestamps(key)) != 1 {
		t.Fatal("audio for an unrelated session was held up by a blocked channel")
	}

	var reply StartReply
	request(t, client, protocol.SubjectSessionStart, protocol.SessionStart{SessionID: "other"}, &reply)
	if reply.Error != "" {
		t.Fatalf("lifecycle requests should still be served: %+v", reply)
	}
}

func TestWorkerBacklogIsBounded(t *testing.T) {
	w := newWorker(protocol.ChannelKey{SessionID: "s", Role: protocol.RoleCaller}, nil)
	for i := 0; i < maxPending; i++ {
		if err := w.push(protocol.AudioChunk{Timestamp: float64(i)}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if err := w.push(protocol.AudioChunk{}); !errors.Is(err, errBacklogFull) {
		t.Fatalf("expected errBacklogFull, got %v", err)
	}
	batch, ok := w.take()
	if !ok || len(batch) != maxPending || batch[maxPending-1].Timestamp != float64(maxPending-1) {
		t.Fatalf("take should return the backlog in order, got %d chunks", len(batch))
	}
	w.close()
	if err := w.push(protocol.AudioChunk{}); !errors.Is(err, errWorkerClosed) {
		t.Fatalf("expected errWorkerClosed, got %v", err)
	}
	if _, ok := w.take(); ok {
		t.Fatal("closed and drained worker should report done")
	}
}

func TestRestartAfterEndReusesSessionID(t *testing.T) {
	p := newFakePipeline()
	p.endDelay = 200 * time.Millisecond
	client := startService(t, p, nil)

	var first, second StartReply
	request(t, client, protocol.SubjectSessionStart, protocol.SessionStart{SessionID: "again"}, &first)
	publish(t, client, protocol.SubjectSessionEnd, protocol.SessionEnd{SessionID: "again"})
	request(t, client, protocol.SubjectSessionStart, protocol.SessionStart{SessionID: "again"}, &second)
	if first.Error != "" || second.Error != "" {
		t.Fatalf("restart after end should succeed: first=%q second=%q", first.Error, second.Error)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	want := []string{"start:again", "end:again", "start:again"}
	if len(p.events) != len(want) {
		t.Fatalf("expected events %v, got %v", want, p.events)
	}
	for i := range want {
		if p.events[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, p.events)
		}
	}
}

func TestParseAudioSubject(t *testing.T) {
	tests := []struct {
		subject string
		session string
		role    protocol.Role
		ok      bool
	}{
		{"call.audio.abc.caller", "abc", protocol.RoleCaller, true},
		{"call.audio.tenant.42.operator", "tenant.42", protocol.RoleOperator, true},
		{"call.audio.caller", "", "", false},
		{"call.audio.abc.", "", "", false},
		{"transcript.segment.abc", "", "", false},
	}
	for _, tt := range tests {
		session, role, ok := parseAudioSubject(tt.subject)
		if ok != tt.ok || session != tt.session || role != tt.role {
			t.Errorf("parseAudioSubject(%q) = %q, %q, %v", tt.subject, session, role, ok)
		}
	}
}
