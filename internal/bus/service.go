package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/voxlabs/voxd/internal/config"
	"github.com/voxlabs/voxd/internal/dispatch"
	"github.com/voxlabs/voxd/internal/protocol"
)

// Subjects the synthesis front listens and announces on. Other local
// daemons use request/reply on SubjectRequest with the same JSON
// frames as the WebSocket transport.
const (
	SubjectRequest   = "voxd.tts.request"
	SubjectAnnounce  = "voxd.capability.announce"
	SubjectHeartbeat = "voxd.capability.heartbeat"
)

const transportName = "bus"

type announceMessage struct {
	Info      protocol.ServerInfo `json:"info"`
	Timestamp time.Time           `json:"timestamp"`
}

type heartbeatMessage struct {
	Server    string    `json:"server"`
	Timestamp time.Time `json:"timestamp"`
}

// Service exposes the dispatcher over NATS request/reply and
// announces the synthesis capability with a heartbeat.
type Service struct {
	cfg        config.BusConfig
	bus        *Client
	dispatcher *dispatch.Dispatcher
	sub        *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger
}

func NewService(parent context.Context, cfg config.BusConfig, busClient *Client, dispatcher *dispatch.Dispatcher, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		dispatcher: dispatcher,
		ctx:        ctx,
		cancel:     cancel,
		logger:     log.With(slog.String("component", "bus-front")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(SubjectRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub

	s.announce()

	s.wg.Add(1)
	go s.heartbeatLoop()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	if msg.Reply == "" {
		s.logger.Warn("request without reply subject dropped")
		return
	}

	req, err := protocol.DecodeRequest(msg.Data)
	if err != nil {
		s.respond(msg, protocol.ErrorResponse(protocol.ErrInvalidRequest, "invalid JSON frame"))
		return
	}

	// Each message gets its own goroutine; serialization of the
	// engine is the arbiter's job, not the transport's.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		resp := s.dispatcher.Handle(s.ctx, transportName, msg.Reply, req)
		s.respond(msg, resp)
	}()
}

func (s *Service) respond(msg *nats.Msg, resp protocol.Response) {
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		s.logger.Error("encode reply failed", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("reply failed", slog.String("error", err.Error()))
	}
}

func (s *Service) announce() {
	payload := announceMessage{Info: s.dispatcher.Info(), Timestamp: time.Now().UTC()}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal announce failed", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Conn().Publish(SubjectAnnounce, data); err != nil {
		s.logger.Warn("announce failed", slog.String("error", err.Error()))
	}
}

func (s *Service) heartbeatLoop() {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.HeartbeatIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	name := s.dispatcher.Info().Server
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			payload := heartbeatMessage{Server: name, Timestamp: time.Now().UTC()}
			data, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			if err := s.bus.Conn().Publish(SubjectHeartbeat, data); err != nil {
				s.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}
}
