// Package dispatch routes decoded requests to their handlers. All
// validation happens here, before a request can occupy the engine
// queue: a malformed request is answered immediately and never steals
// an arbiter slot from well-formed concurrent work.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxlabs/voxd/internal/arbiter"
	"github.com/voxlabs/voxd/internal/audio"
	"github.com/voxlabs/voxd/internal/config"
	"github.com/voxlabs/voxd/internal/engine"
	"github.com/voxlabs/voxd/internal/history"
	"github.com/voxlabs/voxd/internal/protocol"
)

type Dispatcher struct {
	cfg       config.SynthesisConfig
	defaults  config.SynthesisParams
	languages map[string]struct{}
	defLang   string
	info      protocol.ServerInfo
	arb       *arbiter.Arbiter
	store     *history.Store
	logger    *slog.Logger

	requests metric.Int64Counter
	rejected metric.Int64Counter
	synthDur metric.Float64Histogram
	depthReg metric.Registration
}

// New builds the dispatcher. Server capability metadata is captured
// once here, from config and the loaded engine, so info and the
// welcome frame never contend with synthesis work.
func New(cfg config.Config, version string, eng engine.Engine, arb *arbiter.Arbiter, store *history.Store, logger *slog.Logger) (*Dispatcher, error) {
	langs := make(map[string]struct{}, len(eng.Languages()))
	for _, l := range eng.Languages() {
		langs[strings.ToLower(l)] = struct{}{}
	}

	d := &Dispatcher{
		cfg:       cfg.Synthesis,
		defaults:  cfg.Synthesis.Defaults,
		languages: langs,
		defLang:   strings.ToLower(cfg.Engine.DefaultLanguage),
		arb:       arb,
		store:     store,
		logger:    logger.With(slog.String("component", "dispatch")),
		info: protocol.ServerInfo{
			Server:             cfg.RuntimeName,
			Version:            version,
			Device:             eng.Device(),
			SupportedLanguages: eng.Languages(),
			DefaultLanguage:    cfg.Engine.DefaultLanguage,
			SampleRate:         eng.SampleRate(),
			Channels:           eng.Channels(),
			Limits: protocol.RequestLimits{
				MaxTextChars:      cfg.Synthesis.MaxTextChars,
				Exaggeration:      [2]float64{0.25, 2.0},
				Temperature:       [2]float64{0.05, 5.0},
				CFGWeight:         [2]float64{0.0, 1.0},
				RepetitionPenalty: [2]float64{1.0, 3.0},
				MinP:              [2]float64{0.0, 1.0},
				TopP:              [2]float64{0.0, 1.0},
			},
		},
	}

	if err := d.initMetrics(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dispatcher) initMetrics() error {
	meter := otel.Meter("voxd/dispatch")
	var err error
	if d.requests, err = meter.Int64Counter("voxd.requests",
		metric.WithDescription("Requests handled, by command and status")); err != nil {
		return err
	}
	if d.rejected, err = meter.Int64Counter("voxd.synthesis.rejected",
		metric.WithDescription("Synthesis requests rejected before reaching the engine")); err != nil {
		return err
	}
	if d.synthDur, err = meter.Float64Histogram("voxd.synthesis.duration",
		metric.WithDescription("End-to-end synthesis latency"),
		metric.WithUnit("ms")); err != nil {
		return err
	}
	depth, err := meter.Int64ObservableGauge("voxd.queue.depth",
		metric.WithDescription("Requests waiting for an engine"))
	if err != nil {
		return err
	}
	d.depthReg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(depth, int64(d.arb.Depth()))
		return nil
	}, depth)
	return err
}

// Info returns the capability frame also used as the welcome message.
func (d *Dispatcher) Info() protocol.ServerInfo {
	return d.info
}

// Close unregisters the metric callback.
func (d *Dispatcher) Close() {
	if d.depthReg != nil {
		_ = d.depthReg.Unregister()
	}
}

// Handle processes one decoded request and produces the response
// frame. ctx is the submitter's context (connection-scoped for the
// WebSocket transport); its cancellation abandons a queued synthesis.
func (d *Dispatcher) Handle(ctx context.Context, transport, connID string, req protocol.Request) protocol.Response {
	switch req.Command {
	case protocol.CommandPing:
		d.count(protocol.CommandPing, protocol.StatusOK)
		return protocol.Response{Status: protocol.StatusOK, Message: "pong"}
	case protocol.CommandInfo:
		d.count(protocol.CommandInfo, protocol.StatusOK)
		info := d.info
		return protocol.Response{Status: protocol.StatusOK, Info: &info}
	case protocol.CommandSynthesize:
		return d.synthesize(ctx, transport, connID, req)
	default:
		d.count(req.Command, protocol.StatusError)
		return protocol.ErrorResponse(protocol.ErrInvalidRequest,
			fmt.Sprintf("unknown command: %q", req.Command))
	}
}

func (d *Dispatcher) synthesize(ctx context.Context, transport, connID string, req protocol.Request) protocol.Response {
	engReq, kind, msg := d.validate(req)
	if kind != "" {
		d.count(protocol.CommandSynthesize, protocol.StatusError)
		d.reject(kind)
		d.record(transport, connID, req, req.Language, protocol.StatusError, kind, 0)
		return protocol.ErrorResponse(kind, msg)
	}

	start := time.Now()
	res, err := d.arb.Submit(ctx, engReq)
	elapsed := time.Since(start)

	if err != nil {
		kind, msg := classify(err)
		d.count(protocol.CommandSynthesize, protocol.StatusError)
		if kind == protocol.ErrBackpressure || kind == protocol.ErrTimeout {
			d.reject(kind)
		}
		d.record(transport, connID, req, engReq.Language, protocol.StatusError, kind, elapsed)
		return protocol.ErrorResponse(kind, msg)
	}

	resp, encErr := d.encode(req, engReq, res, elapsed)
	if encErr != nil {
		d.logger.Error("failed to encode audio", slog.String("error", encErr.Error()))
		d.count(protocol.CommandSynthesize, protocol.StatusError)
		d.record(transport, connID, req, engReq.Language, protocol.StatusError, protocol.ErrEngineFailure, elapsed)
		return protocol.ErrorResponse(protocol.ErrEngineFailure, "audio encoding failed")
	}

	d.count(protocol.CommandSynthesize, protocol.StatusOK)
	d.synthDur.Record(context.Background(), float64(elapsed.Milliseconds()),
		metric.WithAttributes(attribute.String("language", engReq.Language)))
	d.record(transport, connID, req, engReq.Language, protocol.StatusOK, "", elapsed)
	return resp
}

// validate applies every check that must precede queueing. It returns
// the fully-defaulted engine request, or the error kind and message
// when the request never gets that far.
func (d *Dispatcher) validate(req protocol.Request) (engine.Request, protocol.ErrorKind, string) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return engine.Request{}, protocol.ErrEmptyText, "text must not be empty"
	}
	if n := utf8.RuneCountInString(text); n > d.cfg.MaxTextChars {
		return engine.Request{}, protocol.ErrTextTooLong,
			fmt.Sprintf("text is %d characters, limit is %d", n, d.cfg.MaxTextChars)
	}

	lang := strings.ToLower(strings.TrimSpace(req.Language))
	if lang == "" {
		lang = d.defLang
	}
	if _, ok := d.languages[lang]; !ok {
		return engine.Request{}, protocol.ErrInvalidLanguage,
			fmt.Sprintf("unsupported language: %q", lang)
	}

	switch req.OutputFormat {
	case "", protocol.FormatWAV, protocol.FormatPCM:
	default:
		return engine.Request{}, protocol.ErrInvalidRequest,
			fmt.Sprintf("unsupported output_format: %q", req.OutputFormat)
	}

	engReq := engine.Request{
		Text:              text,
		Language:          lang,
		Exaggeration:      pick(req.Exaggeration, d.defaults.Exaggeration),
		Temperature:       pick(req.Temperature, d.defaults.Temperature),
		CFGWeight:         pick(req.CFGWeight, d.defaults.CFGWeight),
		RepetitionPenalty: pick(req.RepetitionPenalty, d.defaults.RepetitionPenalty),
		MinP:              pick(req.MinP, d.defaults.MinP),
		TopP:              pick(req.TopP, d.defaults.TopP),
		ReferenceAudio:    req.ReferenceAudio,
	}

	if kind, msg := checkBounds(engReq); kind != "" {
		return engine.Request{}, kind, msg
	}
	return engReq, "", ""
}

func checkBounds(req engine.Request) (protocol.ErrorKind, string) {
	checks := []struct {
		name     string
		value    float64
		min, max float64
	}{
		{"exaggeration", req.Exaggeration, 0.25, 2.0},
		{"temperature", req.Temperature, 0.05, 5.0},
		{"cfg_weight", req.CFGWeight, 0.0, 1.0},
		{"repetition_penalty", req.RepetitionPenalty, 1.0, 3.0},
		{"min_p", req.MinP, 0.0, 1.0},
		{"top_p", req.TopP, 0.0, 1.0},
	}
	for _, c := range checks {
		if c.value < c.min || c.value > c.max {
			return protocol.ErrParameterOutOfRange,
				fmt.Sprintf("%s must be between %g and %g", c.name, c.min, c.max)
		}
	}
	return "", ""
}

func (d *Dispatcher) encode(req protocol.Request, engReq engine.Request, res engine.Result, elapsed time.Duration) (protocol.Response, error) {
	resp := protocol.Response{
		Status:     protocol.StatusOK,
		SampleRate: res.SampleRate,
		Channels:   res.Channels,
		Language:   engReq.Language,
		ElapsedMS:  elapsed.Milliseconds(),
	}
	if req.OutputFormat == protocol.FormatPCM {
		resp.Audio = res.PCM
		resp.Encoding = protocol.EncodingPCM
		return resp, nil
	}
	wavBytes, err := audio.EncodeWAV(res.PCM, res.SampleRate, res.Channels)
	if err != nil {
		return protocol.Response{}, err
	}
	resp.Audio = wavBytes
	resp.Encoding = protocol.EncodingWAV
	return resp, nil
}

func classify(err error) (protocol.ErrorKind, string) {
	switch {
	case errors.Is(err, arbiter.ErrQueueFull):
		return protocol.ErrBackpressure, "synthesis queue is full, retry later"
	case errors.Is(err, arbiter.ErrQueueTimeout):
		return protocol.ErrTimeout, "request timed out waiting for the engine"
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrTimeout, "synthesis timed out"
	default:
		return protocol.ErrEngineFailure, err.Error()
	}
}

func (d *Dispatcher) count(command, status string) {
	d.requests.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("status", status)))
}

func (d *Dispatcher) reject(kind protocol.ErrorKind) {
	d.rejected.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", string(kind))))
}

// record logs one synthesize outcome. language is the normalized,
// defaulted code the engine saw, not the raw request field (which is
// empty for requests relying on the default).
func (d *Dispatcher) record(transport, connID string, req protocol.Request, language, status string, kind protocol.ErrorKind, elapsed time.Duration) {
	if d.store == nil {
		return
	}
	entry := history.Entry{
		ConnID:    connID,
		Transport: transport,
		Command:   protocol.CommandSynthesize,
		Language:  language,
		TextChars: utf8.RuneCountInString(req.Text),
		Status:    status,
		ErrorKind: string(kind),
		ElapsedMS: elapsed.Milliseconds(),
	}
	// History is best-effort diagnostics; a write failure must not
	// affect the response already produced.
	if err := d.store.Append(context.Background(), entry); err != nil {
		d.logger.Warn("history append failed", slog.String("error", err.Error()))
	}
}

func pick(v *float64, def float64) float64 {
	if v != nil {
		return *v
	}
	return def
}
