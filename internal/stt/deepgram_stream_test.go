package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/callscribe/internal/config"
	"github.com/loqalabs/callscribe/internal/protocol"
)

func newTestStreamer(t *testing.T, url string, keepaliveMS int) *DeepgramStreamer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	streaming := config.Default().Streaming
	streaming.KeepaliveIntervalMS = keepaliveMS
	streaming.ConnectTimeoutMS = 500
	streaming.CloseTimeoutMS = 500
	return NewDeepgramStreamer(config.DeepgramConfig{StreamURL: url, APIKey: "dg-test"}, streaming, logger)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/listen"
}

func streamOptions() StreamOptions {
	return StreamOptions{
		Key:        protocol.ChannelKey{SessionID: "call-1", Role: protocol.RoleOperator},
		SampleRate: 16000,
		Language:   "fr",
	}
}

// The server drops any connection that stays silent for idleTimeout, the way
// the hosted service does.
func TestStreamKeepaliveHoldsIdleConnection(t *testing.T) {
	const idleTimeout = 300 * time.Millisecond
	var keepalives atomic.Int64
	var dropped atomic.Bool
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))
			_, data, err := conn.ReadMessage()
			if err != nil {
				var netErr interface{ Timeout() bool }
				if errors.As(err, &netErr) && netErr.Timeout() {
					dropped.Store(true)
				}
				return
			}
			if string(data) == string(keepAliveMessage) {
				keepalives.Add(1)
			}
		}
	}))
	defer srv.Close()

	streamer := newTestStreamer(t, wsURL(srv), 100)
	stream, err := streamer.Open(context.Background(), streamOptions(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	time.Sleep(10 * idleTimeout)
	if !stream.Connected() || dropped.Load() {
		t.Fatal("idle connection was dropped despite keepalives")
	}
	if got := keepalives.Load(); got < 10 {
		t.Fatalf("expected at least 10 keepalives, got %d", got)
	}
	if err := stream.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if stream.Connected() {
		t.Fatal("expected stream to report disconnected after close")
	}
}

func TestStreamWithoutKeepaliveIsDropped(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	streamer := newTestStreamer(t, wsURL(srv), 0)
	stream, err := streamer.Open(context.Background(), streamOptions(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for stream.Connected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if stream.Connected() {
		t.Fatal("expected the server to drop an idle connection")
	}
	if err := stream.Send([]byte{0, 0}); !errors.Is(err, ErrStreamNotConnected) {
		t.Fatalf("expected ErrStreamNotConnected, got %v", err)
	}
}

func TestStreamDeliversOnlyFinalResults(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotAuth atomic.Value
	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		gotQuery.Store(r.URL.RawQuery)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch {
			case mt == websocket.BinaryMessage:
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":false,"start":0,"duration":0.5,"channel":{"alternatives":[{"transcript":"bonj","confidence":0.4}]}}`))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"start":0,"duration":1.2,"channel":{"alternatives":[{"transcript":"bonjour madame","confidence":0.95}]}}`))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"start":1.2,"duration":0.3,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`))
			case string(data) == string(closeStreamMessage):
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Metadata","request_id":"abc"}`))
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"start":1.5,"duration":2.0,"channel":{"alternatives":[{"transcript":"je vous transfère","confidence":0.9}]}}`))
				return
			}
		}
	}))
	defer srv.Close()

	results := make(chan StreamResult, 8)
	streamer := newTestStreamer(t, wsURL(srv), 1000)
	stream, err := streamer.Open(context.Background(), streamOptions(), func(r StreamResult) { results <- r })
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := stream.Send(make([]byte, 3200)); err != nil {
		t.Fatalf("send: %v", err)
	}

	first := <-results
	if first.Text != "bonjour madame" || !first.Final || first.Duration != 1.2 {
		t.Fatalf("unexpected first result: %+v", first)
	}
	if err := stream.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	close(results)

	var rest []StreamResult
	for r := range results {
		rest = append(rest, r)
	}
	if len(rest) != 1 || rest[0].Text != "je vous transfère" || rest[0].Start != 1.5 {
		t.Fatalf("expected the result flushed by CloseStream, got %+v", rest)
	}

	if gotAuth.Load() != "Token dg-test" {
		t.Fatalf("unexpected auth header %v", gotAuth.Load())
	}
	query := gotQuery.Load().(string)
	for _, want := range []string{"encoding=linear16", "sample_rate=16000", "channels=1", "language=fr", "utterance_end_ms=1000"} {
		if !strings.Contains(query, want) {
			t.Fatalf("query %q missing %q", query, want)
		}
	}
}

// stalledServer accepts a stream and never reads from it, so the client's
// socket buffers fill and writes block.
func stalledServer(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return srv
}

func fillStream(t *testing.T, stream Stream, chunks int) {
	t.Helper()
	for i := 0; i < chunks; i++ {
		if err := stream.Send(make([]byte, 256*1024)); err != nil {
			return
		}
	}
}

func TestStreamCloseIsBoundedWhenPeerStopsReading(t *testing.T) {
	srv := stalledServer(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	streaming := config.Default().Streaming
	streaming.ConnectTimeoutMS = 500
	streaming.CloseTimeoutMS = 500
	streaming.KeepaliveIntervalMS = 50
	// Longer than the test so only Close can unblock the writer.
	streaming.WriteTimeoutMS = 30000
	streamer := NewDeepgramStreamer(config.DeepgramConfig{StreamURL: wsURL(srv)}, streaming, logger)

	stream, err := streamer.Open(context.Background(), streamOptions(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fillStream(t, stream, 200)
	time.Sleep(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	closed := make(chan struct{})
	started := time.Now()
	go func() {
		_ = stream.Close(ctx)
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return while a write was stuck")
	}
	if elapsed := time.Since(started); elapsed > 2*time.Second {
		t.Fatalf("Close took %s with a 500ms close timeout", elapsed)
	}
}

func TestStreamWriteDeadlineFailsStalledConnection(t *testing.T) {
	srv := stalledServer(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	streaming := config.Default().Streaming
	streaming.ConnectTimeoutMS = 500
	streaming.KeepaliveIntervalMS = 0
	streaming.WriteTimeoutMS = 200
	streamer := NewDeepgramStreamer(config.DeepgramConfig{StreamURL: wsURL(srv)}, streaming, logger)

	stream, err := streamer.Open(context.Background(), streamOptions(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close(context.Background())
	fillStream(t, stream, 200)

	deadline := time.Now().Add(3 * time.Second)
	for stream.Connected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if stream.Connected() {
		t.Fatal("expected a stuck write to fail the connection")
	}
}

func TestStreamConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	streamer := newTestStreamer(t, wsURL(srv), 1000)
	if _, err := streamer.Open(context.Background(), streamOptions(), nil); err == nil {
		t.Fatal("expected handshake failure")
	}
}

func TestStreamConnectTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	streamer := newTestStreamer(t, wsURL(srv), 1000)
	started := time.Now()
	_, err := streamer.Open(context.Background(), streamOptions(), nil)
	if !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("expected ErrConnectTimeout, got %v", err)
	}
	if time.Since(started) > 2*time.Second {
		t.Fatal("connect wait was not bounded")
	}
}
