package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxlabs/voxd/internal/arbiter"
	"github.com/voxlabs/voxd/internal/config"
	"github.com/voxlabs/voxd/internal/dispatch"
	"github.com/voxlabs/voxd/internal/engine"
	"github.com/voxlabs/voxd/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startTestServer brings up the full receive path on an ephemeral
// port: server, dispatcher, arbiter, and one mock engine. A zero
// readTimeoutMS keeps the configured default.
func startTestServer(t *testing.T, engineLatency time.Duration, readTimeoutMS int) (*Server, *engine.Mock) {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Bind = "127.0.0.1"
	cfg.Server.Port = 0
	if readTimeoutMS > 0 {
		cfg.Server.ReadTimeoutMS = readTimeoutMS
	}

	eng := engine.NewMock(cfg.Engine.SampleRate, cfg.Engine.Channels, cfg.Engine.Languages)
	if engineLatency > 0 {
		eng.WithLatency(engineLatency)
	}
	arb := arbiter.New([]engine.Engine{eng}, arbiter.Options{
		QueueDepth:   cfg.Synthesis.QueueDepth,
		SynthTimeout: 10 * time.Second,
	}, testLogger())
	t.Cleanup(arb.Close)

	d, err := dispatch.New(cfg, "test", eng, arb, nil, testLogger())
	if err != nil {
		t.Fatalf("build dispatcher: %v", err)
	}
	t.Cleanup(d.Close)

	srv := New(context.Background(), cfg.Server, d, testLogger())
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv, eng
}

func dialTest(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	sock, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { sock.Close() })
	return sock
}

func readFrame(t *testing.T, sock *websocket.Conn, timeout time.Duration) protocol.Response {
	t.Helper()
	_ = sock.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := sock.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var resp protocol.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return resp
}

func writeFrame(t *testing.T, sock *websocket.Conn, req protocol.Request) {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestWelcomeFrame(t *testing.T) {
	srv, _ := startTestServer(t, 0, 0)
	sock := dialTest(t, srv)

	welcome := readFrame(t, sock, 5*time.Second)
	if welcome.Status != protocol.StatusOK || welcome.Info == nil {
		t.Fatalf("expected welcome capability frame, got %+v", welcome)
	}
	if welcome.Info.DefaultLanguage != "es" {
		t.Fatalf("expected default language es, got %q", welcome.Info.DefaultLanguage)
	}
}

func TestSynthesizeEndToEnd(t *testing.T) {
	srv, _ := startTestServer(t, 0, 0)
	sock := dialTest(t, srv)
	readFrame(t, sock, 5*time.Second) // welcome

	writeFrame(t, sock, protocol.Request{
		Command:  protocol.CommandSynthesize,
		Text:     "Hola, esto es una prueba.",
		Language: "es",
	})
	resp := readFrame(t, sock, 10*time.Second)
	if resp.Status != protocol.StatusOK {
		t.Fatalf("synthesis failed: %s (%s)", resp.ErrorKind, resp.ErrorMessage)
	}
	if len(resp.Audio) == 0 {
		t.Fatal("expected non-empty audio")
	}
	if !bytes.HasPrefix(resp.Audio, []byte("RIFF")) {
		t.Fatal("expected wav audio")
	}
	if resp.Language != "es" || resp.SampleRate != 24000 {
		t.Fatalf("unexpected metadata: %+v", resp)
	}
}

// A ping on its own connection must answer promptly while another
// connection holds the engine busy.
func TestPingWhileSynthesisBacklogged(t *testing.T) {
	srv, _ := startTestServer(t, 2*time.Second, 0)

	busy := dialTest(t, srv)
	readFrame(t, busy, 5*time.Second) // welcome
	writeFrame(t, busy, protocol.Request{Command: protocol.CommandSynthesize, Text: "texto largo para mantener el motor ocupado"})

	// Give the slow synthesis time to reach the engine.
	time.Sleep(100 * time.Millisecond)

	idle := dialTest(t, srv)
	readFrame(t, idle, 5*time.Second) // welcome

	start := time.Now()
	writeFrame(t, idle, protocol.Request{Command: protocol.CommandPing})
	resp := readFrame(t, idle, 5*time.Second)
	elapsed := time.Since(start)

	if resp.Status != protocol.StatusOK || resp.Message != "pong" {
		t.Fatalf("unexpected ping response: %+v", resp)
	}
	if elapsed > 250*time.Millisecond {
		t.Fatalf("ping took %s while engine was busy", elapsed)
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	srv, _ := startTestServer(t, 0, 0)
	sock := dialTest(t, srv)
	readFrame(t, sock, 5*time.Second) // welcome

	if err := sock.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	resp := readFrame(t, sock, 5*time.Second)
	if resp.Status != protocol.StatusError || resp.ErrorKind != protocol.ErrInvalidRequest {
		t.Fatalf("expected invalid_request, got %+v", resp)
	}

	// The connection survives and keeps serving.
	writeFrame(t, sock, protocol.Request{Command: protocol.CommandPing})
	resp = readFrame(t, sock, 5*time.Second)
	if resp.Message != "pong" {
		t.Fatalf("connection unusable after malformed frame: %+v", resp)
	}
}

func TestDisconnectWhileQueuedIsHarmless(t *testing.T) {
	srv, eng := startTestServer(t, 500*time.Millisecond, 0)

	sock := dialTest(t, srv)
	readFrame(t, sock, 5*time.Second) // welcome
	writeFrame(t, sock, protocol.Request{Command: protocol.CommandSynthesize, Text: "adios"})
	sock.Close()

	// The abandoned request must not disturb later clients.
	time.Sleep(100 * time.Millisecond)
	after := dialTest(t, srv)
	readFrame(t, after, 5*time.Second) // welcome
	writeFrame(t, after, protocol.Request{Command: protocol.CommandSynthesize, Text: "hola"})
	resp := readFrame(t, after, 10*time.Second)
	if resp.Status != protocol.StatusOK {
		t.Fatalf("server degraded after disconnect: %+v", resp)
	}
	if eng.Calls() == 0 {
		t.Fatal("expected at least one engine call")
	}
}

func waitForCalls(t *testing.T, eng *engine.Mock, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if eng.Calls() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d engine calls, have %d", want, eng.Calls())
}

// A synthesis longer than the read timeout must not cost the client
// its connection once the response has been delivered.
func TestConnectionSurvivesSynthesisLongerThanReadTimeout(t *testing.T) {
	srv, _ := startTestServer(t, 1200*time.Millisecond, 500)
	sock := dialTest(t, srv)
	readFrame(t, sock, 5*time.Second) // welcome

	writeFrame(t, sock, protocol.Request{Command: protocol.CommandSynthesize, Text: "espera un momento"})
	resp := readFrame(t, sock, 10*time.Second)
	if resp.Status != protocol.StatusOK {
		t.Fatalf("synthesis failed: %s (%s)", resp.ErrorKind, resp.ErrorMessage)
	}

	writeFrame(t, sock, protocol.Request{Command: protocol.CommandPing})
	resp = readFrame(t, sock, 5*time.Second)
	if resp.Status != protocol.StatusOK || resp.Message != "pong" {
		t.Fatalf("connection dead after long synthesis: %+v", resp)
	}
}

// A queued request whose client disconnects must be abandoned before
// it ever reaches the engine.
func TestDisconnectedClientRequestNeverReachesEngine(t *testing.T) {
	srv, eng := startTestServer(t, 2*time.Second, 400)

	busy := dialTest(t, srv)
	readFrame(t, busy, 5*time.Second) // welcome
	writeFrame(t, busy, protocol.Request{Command: protocol.CommandSynthesize, Text: "ocupado"})
	waitForCalls(t, eng, 1)

	quitter := dialTest(t, srv)
	readFrame(t, quitter, 5*time.Second) // welcome
	writeFrame(t, quitter, protocol.Request{Command: protocol.CommandSynthesize, Text: "abandonado"})
	time.Sleep(50 * time.Millisecond)
	quitter.Close()

	// The keepalive notices the dead peer well before the running
	// synthesis finishes, so the queued job is skipped.
	resp := readFrame(t, busy, 10*time.Second)
	if resp.Status != protocol.StatusOK {
		t.Fatalf("busy synthesis failed: %s (%s)", resp.ErrorKind, resp.ErrorMessage)
	}
	time.Sleep(300 * time.Millisecond)
	if got := eng.Calls(); got != 1 {
		t.Fatalf("queued job of disconnected client reached the engine: %d calls, want 1", got)
	}
}

func TestValidationErrorOverWire(t *testing.T) {
	srv, eng := startTestServer(t, 0, 0)
	sock := dialTest(t, srv)
	readFrame(t, sock, 5*time.Second) // welcome

	writeFrame(t, sock, protocol.Request{Command: protocol.CommandSynthesize, Text: "hola", Language: "klingon"})
	resp := readFrame(t, sock, 5*time.Second)
	if resp.ErrorKind != protocol.ErrInvalidLanguage {
		t.Fatalf("expected invalid_language, got %+v", resp)
	}
	if eng.Calls() != 0 {
		t.Fatal("invalid request reached the engine")
	}
}
