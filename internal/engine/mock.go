package engine

import (
	"context"
	"math"
	"sync/atomic"
	"time"
)

// Mock synthesizes a sine tone instead of speech. Pitch varies with
// the language so distinct inputs produce distinct audio, and the
// duration scales with text length the way a real model's would.
type Mock struct {
	sampleRate int
	channels   int
	languages  []string
	latency    time.Duration
	calls      atomic.Int64
	failWith   error
}

func NewMock(sampleRate, channels int, languages []string) *Mock {
	return &Mock{
		sampleRate: sampleRate,
		channels:   channels,
		languages:  languages,
	}
}

// WithLatency makes each synthesis call take at least d, for tests
// that need a backlog to form.
func (m *Mock) WithLatency(d time.Duration) *Mock {
	m.latency = d
	return m
}

// FailWith makes every subsequent call return err, for tests of the
// engine-failure path.
func (m *Mock) FailWith(err error) *Mock {
	m.failWith = err
	return m
}

// Calls reports how many synthesis calls reached the engine.
func (m *Mock) Calls() int64 {
	return m.calls.Load()
}

func (m *Mock) Synthesize(ctx context.Context, req Request) (Result, error) {
	m.calls.Add(1)

	if m.latency > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(m.latency):
		}
	}
	if m.failWith != nil {
		return Result{}, m.failWith
	}

	// 40ms of audio per character, clamped to keep tests quick.
	dur := time.Duration(len(req.Text)) * 40 * time.Millisecond
	if dur < 200*time.Millisecond {
		dur = 200 * time.Millisecond
	}
	if dur > 2*time.Second {
		dur = 2 * time.Second
	}

	freq := 220.0 + float64(languageIndex(m.languages, req.Language))*55.0
	frames := int(float64(m.sampleRate) * dur.Seconds())
	pcm := make([]byte, 0, frames*m.channels*2)
	for i := 0; i < frames; i++ {
		sample := math.Sin(2 * math.Pi * freq * float64(i) / float64(m.sampleRate))
		v := int16(sample * 0.4 * math.MaxInt16)
		for c := 0; c < m.channels; c++ {
			pcm = append(pcm, byte(v), byte(v>>8))
		}
	}

	return Result{PCM: pcm, SampleRate: m.sampleRate, Channels: m.channels}, nil
}

func (m *Mock) Languages() []string { return m.languages }
func (m *Mock) SampleRate() int     { return m.sampleRate }
func (m *Mock) Channels() int       { return m.channels }
func (m *Mock) Device() string      { return "cpu" }
func (m *Mock) Close() error        { return nil }

func languageIndex(languages []string, lang string) int {
	for i, l := range languages {
		if l == lang {
			return i
		}
	}
	return 0
}
