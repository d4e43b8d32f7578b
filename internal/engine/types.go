package engine

import "context"

// Request contains everything a synthesis call needs. Parameters are
// already validated and defaulted by the time an engine sees them.
// ReferenceAudio, when present, is a voice prompt (WAV bytes) the
// model may condition on; engines without cloning support ignore it.
type Request struct {
	Text              string
	Language          string
	Exaggeration      float64
	Temperature       float64
	CFGWeight         float64
	RepetitionPenalty float64
	MinP              float64
	TopP              float64
	ReferenceAudio    []byte
}

// Result is a finite waveform: PCM16-LE samples plus format metadata.
type Result struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Engine is the contract for a loaded synthesis model. Synthesize is
// not safe for concurrent use; the arbiter guarantees one call at a
// time per instance. Metadata accessors are immutable after load and
// may be read from any goroutine.
type Engine interface {
	Synthesize(ctx context.Context, req Request) (Result, error)
	Languages() []string
	SampleRate() int
	Channels() int
	Device() string
	Close() error
}
