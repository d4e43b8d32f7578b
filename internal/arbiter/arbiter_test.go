package arbiter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxlabs/voxd/internal/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubEngine blocks every synthesis on gate and records the order in
// which requests reached it.
type stubEngine struct {
	gate  chan struct{}
	fail  error
	calls atomic.Int64

	mu    sync.Mutex
	order []string
}

func newStub() *stubEngine {
	return &stubEngine{gate: make(chan struct{})}
}

func (s *stubEngine) Synthesize(ctx context.Context, req engine.Request) (engine.Result, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.order = append(s.order, req.Text)
	s.mu.Unlock()

	select {
	case <-s.gate:
	case <-ctx.Done():
		return engine.Result{}, ctx.Err()
	}
	if s.fail != nil {
		err := s.fail
		s.fail = nil
		return engine.Result{}, err
	}
	return engine.Result{PCM: []byte{0, 0}, SampleRate: 24000, Channels: 1}, nil
}

func (s *stubEngine) Languages() []string { return []string{"en", "es", "fr"} }
func (s *stubEngine) SampleRate() int     { return 24000 }
func (s *stubEngine) Channels() int       { return 1 }
func (s *stubEngine) Device() string      { return "cpu" }
func (s *stubEngine) Close() error        { return nil }

func (s *stubEngine) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmitReturnsAudio(t *testing.T) {
	eng := engine.NewMock(24000, 1, []string{"en", "es"})
	a := New([]engine.Engine{eng}, Options{QueueDepth: 2, SynthTimeout: 5 * time.Second}, testLogger())
	defer a.Close()

	res, err := a.Submit(context.Background(), engine.Request{Text: "hola", Language: "es"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.PCM) == 0 {
		t.Fatal("expected non-empty pcm")
	}
	if res.SampleRate != 24000 || res.Channels != 1 {
		t.Fatalf("unexpected format: %d Hz, %d channels", res.SampleRate, res.Channels)
	}
}

func TestFIFOOrdering(t *testing.T) {
	stub := newStub()
	a := New([]engine.Engine{stub}, Options{QueueDepth: 8, SynthTimeout: 5 * time.Second}, testLogger())
	defer a.Close()

	const n = 5
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		text := fmt.Sprintf("req-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Submit(context.Background(), engine.Request{Text: text, Language: "en"}); err != nil {
				t.Errorf("submit %s: %v", text, err)
			}
		}()
		if i == 0 {
			// The worker grabs the first job; the rest must queue up
			// in submission order behind it.
			waitFor(t, "first job to start", func() bool { return stub.calls.Load() == 1 })
		} else {
			depth := i
			waitFor(t, "job to queue", func() bool { return a.Depth() == depth })
		}
	}

	close(stub.gate)
	wg.Wait()

	seen := stub.seen()
	if len(seen) != n {
		t.Fatalf("expected %d synthesis calls, got %d", n, len(seen))
	}
	for i, text := range seen {
		if want := fmt.Sprintf("req-%d", i); text != want {
			t.Fatalf("order violated at %d: got %q, want %q (full order %v)", i, text, want, seen)
		}
	}
}

func TestBackpressure(t *testing.T) {
	stub := newStub()
	a := New([]engine.Engine{stub}, Options{QueueDepth: 2, SynthTimeout: 5 * time.Second}, testLogger())
	defer a.Close()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = a.Submit(context.Background(), engine.Request{Text: "busy", Language: "en"})
		}()
		if i == 0 {
			waitFor(t, "first job to start", func() bool { return stub.calls.Load() == 1 })
		} else {
			depth := i
			waitFor(t, "queue to fill", func() bool { return a.Depth() == depth })
		}
	}

	// One in flight plus a full queue: the next submission must be
	// refused immediately, not blocked.
	start := time.Now()
	_, err := a.Submit(context.Background(), engine.Request{Text: "overflow", Language: "en"})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("backpressure rejection took %s, expected immediate", elapsed)
	}

	close(stub.gate)
	wg.Wait()
}

func TestQueueTimeout(t *testing.T) {
	stub := newStub()
	a := New([]engine.Engine{stub}, Options{QueueDepth: 4, QueueTimeout: 50 * time.Millisecond, SynthTimeout: 5 * time.Second}, testLogger())
	defer a.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = a.Submit(context.Background(), engine.Request{Text: "first", Language: "en"})
	}()
	waitFor(t, "first job to start", func() bool { return stub.calls.Load() == 1 })

	_, err := a.Submit(context.Background(), engine.Request{Text: "stale", Language: "en"})
	if !errors.Is(err, ErrQueueTimeout) {
		t.Fatalf("expected ErrQueueTimeout, got %v", err)
	}

	close(stub.gate)
	wg.Wait()

	// The timed-out job was abandoned in the queue; the worker must
	// skip it, so the next submission is only the second engine call.
	if _, err := a.Submit(context.Background(), engine.Request{Text: "after", Language: "en"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := stub.calls.Load(); got != 2 {
		t.Fatalf("abandoned job reached the engine: %d calls, want 2", got)
	}
}

func TestDisconnectWhileQueued(t *testing.T) {
	stub := newStub()
	a := New([]engine.Engine{stub}, Options{QueueDepth: 4, SynthTimeout: 5 * time.Second}, testLogger())
	defer a.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = a.Submit(context.Background(), engine.Request{Text: "first", Language: "en"})
	}()
	waitFor(t, "first job to start", func() bool { return stub.calls.Load() == 1 })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := a.Submit(ctx, engine.Request{Text: "queued", Language: "en"})
		errCh <- err
	}()
	waitFor(t, "second job to queue", func() bool { return a.Depth() == 1 })

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	close(stub.gate)
	wg.Wait()

	if _, err := a.Submit(context.Background(), engine.Request{Text: "after", Language: "en"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := stub.calls.Load(); got != 2 {
		t.Fatalf("cancelled job reached the engine: %d calls, want 2", got)
	}
}

func TestEngineFailureKeepsWorkerAlive(t *testing.T) {
	stub := newStub()
	close(stub.gate)
	stub.fail = errors.New("model exploded")
	a := New([]engine.Engine{stub}, Options{QueueDepth: 2, SynthTimeout: 5 * time.Second}, testLogger())
	defer a.Close()

	if _, err := a.Submit(context.Background(), engine.Request{Text: "boom", Language: "en"}); err == nil {
		t.Fatal("expected engine failure")
	}
	res, err := a.Submit(context.Background(), engine.Request{Text: "fine", Language: "en"})
	if err != nil {
		t.Fatalf("worker did not survive the failure: %v", err)
	}
	if len(res.PCM) == 0 {
		t.Fatal("expected audio from recovered worker")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	eng := engine.NewMock(24000, 1, []string{"en"})
	a := New([]engine.Engine{eng}, Options{QueueDepth: 2, SynthTimeout: time.Second}, testLogger())
	a.Close()

	if _, err := a.Submit(context.Background(), engine.Request{Text: "late", Language: "en"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
