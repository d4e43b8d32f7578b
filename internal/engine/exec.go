package engine

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/voxlabs/voxd/internal/config"
)

// ErrClosed is returned for synthesis calls after Close.
var ErrClosed = errors.New("engine closed")

// execEngine bridges to an external model process. The process is
// started once (model load is seconds to minutes) and spoken to over
// stdin/stdout, one JSON line per request and response. The mutex
// keeps the single-caller contract local even though the arbiter
// already serializes calls.
type execEngine struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     *bufio.Scanner
	sampleRate int
	channels   int
	languages  []string
	device     string
	mu         sync.Mutex
	closed     bool
}

type execReady struct {
	Event      string   `json:"event"`
	SampleRate int      `json:"sample_rate"`
	Channels   int      `json:"channels"`
	Languages  []string `json:"languages"`
	Device     string   `json:"device"`
}

type execRequest struct {
	Text              string  `json:"text"`
	Language          string  `json:"language"`
	Exaggeration      float64 `json:"exaggeration"`
	Temperature       float64 `json:"temperature"`
	CFGWeight         float64 `json:"cfg_weight"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
	MinP              float64 `json:"min_p"`
	TopP              float64 `json:"top_p"`
	ReferenceAudio    string  `json:"reference_audio_base64,omitempty"`
}

type execResponse struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate"`
	Error      string `json:"error"`
}

// NewExec starts the configured model process and waits for its ready
// line. The process owns the accelerator; voxd never touches it
// directly.
func NewExec(cfg config.EngineConfig) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command empty")
	}
	if cfg.ModelPath != "" {
		args = append(args, "--model", cfg.ModelPath)
	}
	args = append(args, "--device", cfg.Device)

	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine process: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	// Response lines carry base64 audio; minutes of 24kHz PCM can run
	// to tens of megabytes.
	scanner.Buffer(make([]byte, 1<<20), 64<<20)

	e := &execEngine{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     scanner,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		languages:  cfg.Languages,
		device:     cfg.Device,
	}

	ready, err := e.awaitReady(time.Duration(cfg.LoadTimeoutMS) * time.Millisecond)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}
	if ready.SampleRate > 0 {
		e.sampleRate = ready.SampleRate
	}
	if ready.Channels > 0 {
		e.channels = ready.Channels
	}
	if len(ready.Languages) > 0 {
		e.languages = ready.Languages
	}
	if ready.Device != "" {
		e.device = ready.Device
	}
	return e, nil
}

func (e *execEngine) awaitReady(timeout time.Duration) (execReady, error) {
	type scanResult struct {
		ready execReady
		err   error
	}
	ch := make(chan scanResult, 1)
	go func() {
		for e.stdout.Scan() {
			line := e.stdout.Bytes()
			if len(line) == 0 {
				continue
			}
			var ready execReady
			if err := json.Unmarshal(line, &ready); err != nil {
				ch <- scanResult{err: fmt.Errorf("engine ready line: %w", err)}
				return
			}
			if ready.Event != "ready" {
				continue
			}
			ch <- scanResult{ready: ready}
			return
		}
		err := e.stdout.Err()
		if err == nil {
			err = errors.New("engine process exited before ready")
		}
		ch <- scanResult{err: err}
	}()

	select {
	case res := <-ch:
		return res.ready, res.err
	case <-time.After(timeout):
		return execReady{}, fmt.Errorf("engine not ready after %s", timeout)
	}
}

func (e *execEngine) Synthesize(ctx context.Context, req Request) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Result{}, ErrClosed
	}

	payload, err := json.Marshal(execRequest{
		Text:              req.Text,
		Language:          req.Language,
		Exaggeration:      req.Exaggeration,
		Temperature:       req.Temperature,
		CFGWeight:         req.CFGWeight,
		RepetitionPenalty: req.RepetitionPenalty,
		MinP:              req.MinP,
		TopP:              req.TopP,
		ReferenceAudio:    base64.StdEncoding.EncodeToString(req.ReferenceAudio),
	})
	if err != nil {
		return Result{}, err
	}
	if _, err := e.stdin.Write(append(payload, '\n')); err != nil {
		return Result{}, fmt.Errorf("write to engine: %w", err)
	}

	// An in-flight synthesis is never interrupted: killing the process
	// mid-generation would force a full model reload. The context
	// deadline is enforced by the caller around the whole exchange.
	for e.stdout.Scan() {
		line := e.stdout.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return Result{}, fmt.Errorf("decode engine response: %w", err)
		}
		if resp.Error != "" {
			return Result{}, errors.New(resp.Error)
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return Result{}, fmt.Errorf("decode engine audio: %w", err)
		}
		sr := resp.SampleRate
		if sr == 0 {
			sr = e.sampleRate
		}
		return Result{PCM: pcm, SampleRate: sr, Channels: e.channels}, nil
	}
	if err := e.stdout.Err(); err != nil {
		return Result{}, fmt.Errorf("read from engine: %w", err)
	}
	return Result{}, errors.New("engine process exited")
}

func (e *execEngine) Languages() []string { return e.languages }
func (e *execEngine) SampleRate() int     { return e.sampleRate }
func (e *execEngine) Channels() int       { return e.channels }
func (e *execEngine) Device() string      { return e.device }

func (e *execEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	_ = e.stdin.Close()
	done := make(chan error, 1)
	go func() { done <- e.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		_ = e.cmd.Process.Kill()
		return <-done
	}
}
