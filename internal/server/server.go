// Package server accepts WebSocket connections and runs one receive
// loop per client. Connections share nothing but the dispatcher; the
// engine is only ever reached through the arbiter behind it.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxlabs/voxd/internal/config"
	"github.com/voxlabs/voxd/internal/dispatch"
	"github.com/voxlabs/voxd/internal/protocol"
)

const transportName = "ws"

type Server struct {
	cfg        config.ServerConfig
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	httpServer *http.Server
	addr       string
	upgrader   websocket.Upgrader
	conns      sync.Map // id -> *connContext
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// connContext is the per-connection transient state: an opaque id and
// the socket. Nothing survives the connection.
type connContext struct {
	id      string
	sock    *websocket.Conn
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(parent context.Context, cfg config.ServerConfig, dispatcher *dispatch.Dispatcher, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(parent)
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger.With(slog.String("component", "server")),
		ctx:        ctx,
		cancel:     cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// LAN service; clients are local tools, not browsers on
			// the open internet.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start binds the listener and begins serving. The bind happens
// synchronously so a taken port fails startup rather than logging
// from a goroutine after the daemon reports ready.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("websocket server failed", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("websocket server listening", slog.String("addr", s.addr))
	return nil
}

// Addr reports the bound listener address, useful when the configured
// port is 0.
func (s *Server) Addr() string {
	return s.addr
}

// Close tears down all connections and stops the listener.
func (s *Server) Close() {
	s.cancel()

	s.conns.Range(func(_, value any) bool {
		if c, ok := value.(*connContext); ok {
			c.cancel()
			_ = c.sock.Close()
		}
		return true
	})

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket shutdown error", slog.String("error", err.Error()))
		}
	}
	s.wg.Wait()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	sock, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	c := &connContext{
		id:     uuid.NewString(),
		sock:   sock,
		ctx:    ctx,
		cancel: cancel,
	}
	s.conns.Store(c.id, c)

	s.logger.Info("client connected",
		slog.String("conn_id", c.id),
		slog.String("remote", r.RemoteAddr))

	s.wg.Add(1)
	go s.serveConn(c)
}

// serveConn is the receive loop: one logical request per frame,
// processed strictly in arrival order (the protocol has no request
// ids, so responses must come back in the order requests were sent).
// A slow synthesis therefore blocks only this connection.
func (s *Server) serveConn(c *connContext) {
	defer s.wg.Done()
	defer func() {
		c.cancel()
		_ = c.sock.Close()
		s.conns.Delete(c.id)
		s.logger.Info("client disconnected", slog.String("conn_id", c.id))
	}()

	c.sock.SetReadLimit(s.cfg.MaxMessageBytes)
	readTimeout := time.Duration(s.cfg.ReadTimeoutMS) * time.Millisecond
	_ = c.sock.SetReadDeadline(time.Now().Add(readTimeout))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// Keepalive pings go out on a separate goroutine so a vanished
	// client is noticed even while this loop is blocked in a long
	// synthesis.
	s.wg.Add(1)
	go s.keepalive(c, readTimeout/2)

	if s.cfg.Welcome {
		info := s.dispatcher.Info()
		s.send(c, protocol.Response{Status: protocol.StatusOK, Info: &info})
	}

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("read error",
					slog.String("conn_id", c.id),
					slog.String("error", err.Error()))
			}
			return
		}
		_ = c.sock.SetReadDeadline(time.Now().Add(readTimeout))

		req, err := protocol.DecodeRequest(data)
		if err != nil {
			// Malformed frame: answer in-band, keep the connection.
			s.send(c, protocol.ErrorResponse(protocol.ErrInvalidRequest, "invalid JSON frame"))
			continue
		}

		resp := s.dispatcher.Handle(c.ctx, transportName, c.id, req)
		if c.ctx.Err() != nil {
			// Disconnected while the request was queued or running;
			// nobody is left to receive the response.
			return
		}
		// Handle can block far past the read deadline with no read in
		// flight; re-arm it before the next ReadMessage.
		_ = c.sock.SetReadDeadline(time.Now().Add(readTimeout))
		if !s.send(c, resp) {
			return
		}
	}
}

func (s *Server) keepalive(c *connContext, interval time.Duration) {
	defer s.wg.Done()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				// The peer is gone. Cancelling the connection context
				// abandons a queued request before it reaches an engine.
				c.cancel()
				return
			}
		}
	}
}

// send serializes and writes one frame; returns false when the
// transport is broken and the connection should be torn down.
func (s *Server) send(c *connContext, resp protocol.Response) bool {
	data, err := protocol.EncodeResponse(resp)
	if err != nil {
		s.logger.Error("encode response failed",
			slog.String("conn_id", c.id),
			slog.String("error", err.Error()))
		return true
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.sock.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Warn("write failed",
			slog.String("conn_id", c.id),
			slog.String("error", err.Error()))
		return false
	}
	return true
}
