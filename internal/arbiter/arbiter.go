// Package arbiter serializes access to the synthesis engine. Every
// validated request passes through a bounded FIFO admission queue; one
// worker goroutine per engine instance dequeues and runs one synthesis
// at a time, so an engine never sees two concurrent calls and no
// request is handed to two instances.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxlabs/voxd/internal/engine"
)

var (
	// ErrQueueFull is the backpressure signal: the admission queue is
	// at capacity and the request was never queued.
	ErrQueueFull = errors.New("synthesis queue full")
	// ErrQueueTimeout means the request waited longer than the
	// configured threshold without reaching an engine.
	ErrQueueTimeout = errors.New("synthesis request timed out in queue")
	// ErrClosed is returned for submissions after Close.
	ErrClosed = errors.New("arbiter closed")
)

type Options struct {
	QueueDepth   int
	QueueTimeout time.Duration // 0 disables the queue-wait limit
	SynthTimeout time.Duration
}

type outcome struct {
	res engine.Result
	err error
}

type job struct {
	ctx      context.Context
	req      engine.Request
	done     chan outcome
	// settled is claimed exactly once: by the worker that starts the
	// job, or by the submitter abandoning it (timeout/disconnect).
	settled atomic.Bool
}

type Arbiter struct {
	opts    Options
	queue   chan *job
	logger  *slog.Logger
	closed  chan struct{}
	closeMu sync.Once
	wg      sync.WaitGroup
}

// New starts one worker per engine instance. The engines are owned by
// the arbiter from here on; nothing else may call Synthesize on them.
func New(engines []engine.Engine, opts Options, logger *slog.Logger) *Arbiter {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 1
	}
	a := &Arbiter{
		opts:   opts,
		queue:  make(chan *job, opts.QueueDepth),
		logger: logger.With(slog.String("component", "arbiter")),
		closed: make(chan struct{}),
	}
	for i, eng := range engines {
		a.wg.Add(1)
		go a.worker(i, eng)
	}
	return a
}

// Submit queues a validated request and blocks until it is synthesized,
// rejected, or abandoned. A full queue fails immediately with
// ErrQueueFull. If ctx is cancelled before a worker picks the job up,
// the job is dropped without ever touching an engine; a synthesis
// already started always runs to completion (its result is then
// discarded), so engine state is never left half-mutated.
func (a *Arbiter) Submit(ctx context.Context, req engine.Request) (engine.Result, error) {
	j := &job{ctx: ctx, req: req, done: make(chan outcome, 1)}

	select {
	case <-a.closed:
		return engine.Result{}, ErrClosed
	default:
	}

	select {
	case a.queue <- j:
	default:
		return engine.Result{}, ErrQueueFull
	}

	var timeout <-chan time.Time
	if a.opts.QueueTimeout > 0 {
		timer := time.NewTimer(a.opts.QueueTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case out := <-j.done:
		return out.res, out.err
	case <-timeout:
		if j.settled.CompareAndSwap(false, true) {
			return engine.Result{}, ErrQueueTimeout
		}
		// A worker claimed the job first; the synthesis is running and
		// its result is moments away.
		out := <-j.done
		return out.res, out.err
	case <-ctx.Done():
		if j.settled.CompareAndSwap(false, true) {
			return engine.Result{}, ctx.Err()
		}
		out := <-j.done
		return out.res, out.err
	}
}

// Depth reports how many requests are waiting for an engine.
func (a *Arbiter) Depth() int {
	return len(a.queue)
}

// Close stops the workers after their in-flight synthesis finishes.
// Jobs still queued are answered with ErrClosed.
func (a *Arbiter) Close() {
	a.closeMu.Do(func() { close(a.closed) })
	a.wg.Wait()

	for {
		select {
		case j := <-a.queue:
			if j.settled.CompareAndSwap(false, true) {
				j.done <- outcome{err: ErrClosed}
			}
		default:
			return
		}
	}
}

func (a *Arbiter) worker(id int, eng engine.Engine) {
	defer a.wg.Done()
	log := a.logger.With(slog.Int("worker", id))

	for {
		select {
		case <-a.closed:
			return
		case j := <-a.queue:
			if !j.settled.CompareAndSwap(false, true) {
				// Abandoned while queued (caller timeout or
				// disconnect); skip without touching the engine.
				continue
			}
			a.run(log, eng, j)
		}
	}
}

func (a *Arbiter) run(log *slog.Logger, eng engine.Engine, j *job) {
	// Deliberately not derived from the caller's context: an engine
	// call in progress must not be cancelled by a disconnect.
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.SynthTimeout)
	defer cancel()

	start := time.Now()
	res, err := eng.Synthesize(ctx, j.req)
	if err != nil {
		log.Warn("synthesis failed",
			slog.String("language", j.req.Language),
			slog.String("error", err.Error()))
		j.done <- outcome{err: fmt.Errorf("engine: %w", err)}
		return
	}
	log.Debug("synthesis complete",
		slog.String("language", j.req.Language),
		slog.Duration("elapsed", time.Since(start)),
		slog.Int("pcm_bytes", len(res.PCM)))
	j.done <- outcome{res: res}
}
