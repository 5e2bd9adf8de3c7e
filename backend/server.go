package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	audiosession "github.com/bt-bridge/audio-session"
	"github.com/bt-bridge/audio-session/shared"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout = 10 * time.Second
	// turnQueue bounds the turns waiting behind the one being answered.
	turnQueue = 4
)

// Server accepts audio sessions on cfg.Path and answers every turn of
// cfg.TurnWindow audio through the pipeline.
type Server struct {
	logger   shared.LoggerAdapter
	cfg      shared.BackendConfig
	pipeline Pipeline
	upgrader websocket.Upgrader
	http     *http.Server

	mu     sync.Mutex
	closed bool
	conns  map[*conn]struct{}
	wg     sync.WaitGroup
}

func NewServer(logger shared.LoggerAdapter, cfg shared.BackendConfig, pipeline Pipeline) (*Server, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if pipeline == nil {
		return nil, errors.New("no pipeline provided")
	}
	if cfg.TurnWindow <= 0 {
		return nil, errors.New("turn window must be positive")
	}
	if cfg.Path == "" {
		cfg.Path = "/ws/audio"
	}
	s := &Server{
		logger:   logger.With(zap.String("component", "backend")),
		cfg:      cfg,
		pipeline: pipeline,
		upgrader: websocket.Upgrader{
			// Browsers and the CLI both connect from other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*conn]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleAudio)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve blocks until Shutdown and then returns nil.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("backend listening", zap.String("addr", ln.Addr().String()), zap.String("path", s.cfg.Path))
	if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting sessions, closes the open ones and waits for
// their turns to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.http.Shutdown(ctx)
	s.mu.Lock()
	for c := range s.conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return err
}

// handleAudio holds a wg slot for the whole session. No session starts once
// Shutdown has set closed; hijacked connections are not tracked by http.Server.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("upgrading connection", err)
		return
	}
	c := s.newConn(ws)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
	c.run()
}

type conn struct {
	server *Server
	logger shared.LoggerAdapter
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	turns  chan []byte

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *Server) newConn(ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		server: s,
		logger: s.logger.With(zap.String("conn", uuid.NewString()), zap.String("remote", ws.RemoteAddr().String())),
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		turns:  make(chan []byte, turnQueue),
	}
}

func (c *conn) run() {
	c.logger.Info("client connected")
	answered := make(chan struct{})
	go func() {
		defer close(answered)
		for audio := range c.turns {
			c.answer(audio)
		}
	}()

	var buf turnBuffer
	window := c.server.cfg.TurnWindow
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("client disconnected")
			} else {
				c.logger.Warn("reading from client", zap.Error(err))
			}
			break
		}
		if kind != websocket.BinaryMessage {
			c.logger.Debug("ignoring non-binary frame", zap.Int("type", kind))
			continue
		}
		now := time.Now()
		if err := buf.Write(data, now); err != nil {
			c.logger.Warn("rejecting audio stream", zap.Error(err))
			code := websocket.CloseUnsupportedData
			if errors.Is(err, errTurnTooLarge) {
				code = websocket.CloseMessageTooBig
			}
			c.close(code, err.Error())
			break
		}
		if !buf.Due(now, window) {
			continue
		}
		select {
		case c.turns <- buf.Cut(now):
		default:
			c.logger.Warn("turn queue full, dropping turn")
			buf.Cut(now)
		}
	}

	if pending := buf.Pending(); pending > 0 {
		c.logger.Debug("discarding partial turn", zap.Int("bytes", pending))
	}
	c.cancel()
	close(c.turns)
	<-answered
	c.close(websocket.CloseNormalClosure, "")
}

// answer runs one turn. Failures are reported to the client as text and
// never end the session.
func (c *conn) answer(audio []byte) {
	p := c.server.pipeline
	c.logger.Info("processing turn", zap.Int("bytes", len(audio)))

	transcript, err := p.Transcribe(c.ctx, audio)
	if err != nil {
		c.logger.Error("transcribing turn", err)
		c.sendText(ApologyFailed)
		return
	}
	if transcript == "" {
		c.sendText(ApologyNotHeard)
		return
	}
	c.logger.Info("transcribed turn", zap.String("text", transcript))
	c.sendText(transcript)

	reply, err := p.Respond(c.ctx, transcript)
	if err != nil {
		c.logger.Error("generating reply", err)
		c.sendText(ApologyFailed)
		return
	}
	c.logger.Info("assistant reply", zap.String("text", reply))
	c.sendText(reply)

	speech, err := p.Synthesize(c.ctx, reply)
	if err != nil {
		c.logger.Error("generating speech", err)
		c.sendText(ApologyNoSpeech)
		return
	}
	if err := c.write(websocket.BinaryMessage, speech); err != nil {
		c.logger.Warn("sending speech", zap.Error(err))
		return
	}
	c.logger.Info("sent speech", zap.Int("bytes", len(speech)))
}

func (c *conn) sendText(content string) {
	payload, err := audiosession.NewTextEvent(content).Marshal()
	if err != nil {
		c.logger.Error("marshaling text event", err)
		return
	}
	if err := c.write(websocket.TextMessage, payload); err != nil {
		c.logger.Warn("sending text", zap.Error(err))
	}
}

func (c *conn) write(kind int, payload []byte) error {
	if c.ctx.Err() != nil {
		return shared.ErrTransportClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}

func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}
