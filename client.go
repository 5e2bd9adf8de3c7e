package audiosession

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bt-bridge/audio-session/shared"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// closeGrace bounds how long Close waits for the peer's close frame.
const closeGrace = 2 * time.Second

type ClientState int

const (
	ClientStateConnecting ClientState = iota
	ClientStateOpen
	ClientStateClosing
	ClientStateClosed
)

func (s ClientState) String() string {
	switch s {
	case ClientStateConnecting:
		return "connecting"
	case ClientStateOpen:
		return "open"
	case ClientStateClosing:
		return "closing"
	case ClientStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TransportHandlers are invoked from the client's read goroutine. OnMessage
// returns before the next frame is read, so inbound audio is handled one
// payload at a time. Every handler is optional.
type TransportHandlers struct {
	OnOpen    func()
	OnMessage func(payload []byte)
	OnText    func(event *TextEvent)
	OnError   func(err error)
	OnClose   func(code int, reason string)
}

type Transport interface {
	State() ClientState
	Send(payload []byte) error
	Close() error
}

// TransportDialer opens a transport without waiting for the handshake. The
// returned handle starts in ClientStateConnecting.
type TransportDialer interface {
	Dial(ctx context.Context, url string, handlers TransportHandlers) Transport
}

type WebSocketDialer struct {
	logger           shared.LoggerAdapter
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
}

var _ TransportDialer = (*WebSocketDialer)(nil)

func NewWebSocketDialer(logger shared.LoggerAdapter, cfg shared.TransportConfig) (*WebSocketDialer, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &WebSocketDialer{
		logger:           logger,
		handshakeTimeout: cfg.HandshakeTimeout,
		writeTimeout:     cfg.WriteTimeout,
	}, nil
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string, handlers TransportHandlers) Transport {
	return Dial(ctx, d.logger, url, handlers, d.handshakeTimeout, d.writeTimeout)
}

// Client is one WebSocket connection carrying raw binary audio in both
// directions.
type Client struct {
	logger       shared.LoggerAdapter
	url          string
	handlers     TransportHandlers
	dialer       websocket.Dialer
	writeTimeout time.Duration

	mu    sync.Mutex
	conn  *websocket.Conn
	state ClientState

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc
}

var _ Transport = (*Client)(nil)

// Dial starts connecting to url in the background and returns at once.
func Dial(
	ctx context.Context,
	logger shared.LoggerAdapter,
	url string,
	handlers TransportHandlers,
	handshakeTimeout, writeTimeout time.Duration,
) *Client {
	ctx, cancel := context.WithCancelCause(ctx)
	c := &Client{
		logger:       logger.With(zap.String("url", url)),
		url:          url,
		handlers:     handlers,
		dialer:       websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment},
		writeTimeout: writeTimeout,
		state:        ClientStateConnecting,
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	go c.run()
	return c
}

func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection is fully closed and OnClose has run.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	state, conn := c.state, c.conn
	c.mu.Unlock()
	if state != ClientStateOpen {
		return fmt.Errorf("%w: %s", shared.ErrTransportNotOpen, state)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("setting write deadline: %w", err)
		}
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("writing binary message: %w", err)
	}
	return nil
}

// Close starts the closing handshake. A connection still dialing is
// abandoned. Closing an already closed client is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	switch c.state {
	case ClientStateConnecting:
		c.state = ClientStateClosing
		c.mu.Unlock()
		c.cancel(shared.ErrTransportClosed)
		return nil
	case ClientStateOpen:
		c.state = ClientStateClosing
		conn := c.conn
		c.mu.Unlock()
		deadline := time.Now().Add(closeGrace)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.logger.Debug("writing close frame failed, dropping connection", zap.Error(err))
			return conn.Close()
		}
		return conn.SetReadDeadline(deadline)
	default:
		c.mu.Unlock()
		return nil
	}
}

func (c *Client) run() {
	defer close(c.done)
	defer c.cancel(shared.ErrTransportClosed)

	conn, resp, err := c.dialer.DialContext(c.ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		closing := c.setState(ClientStateClosed) == ClientStateClosing || c.ctx.Err() != nil
		if !closing {
			c.emitError(fmt.Errorf("dialing %s: %w", c.url, err))
		}
		c.emitClose(websocket.CloseAbnormalClosure, "")
		return
	}

	c.mu.Lock()
	if c.state != ClientStateConnecting {
		c.state = ClientStateClosed
		c.mu.Unlock()
		_ = conn.Close()
		c.emitClose(websocket.CloseNormalClosure, "")
		return
	}
	c.conn = conn
	c.state = ClientStateOpen
	c.mu.Unlock()

	if c.handlers.OnOpen != nil {
		c.handlers.OnOpen()
	}
	c.readLoop(conn)
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			code, reason := websocket.CloseAbnormalClosure, ""
			var ce *websocket.CloseError
			closing := c.setState(ClientStateClosed) == ClientStateClosing
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			} else if !closing {
				c.emitError(fmt.Errorf("reading message: %w", err))
			} else {
				code = websocket.CloseNormalClosure
			}
			_ = conn.Close()
			c.emitClose(code, reason)
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			if c.handlers.OnMessage != nil {
				c.handlers.OnMessage(data)
			}
		case websocket.TextMessage:
			event, err := ParseTextEvent(data)
			if err != nil {
				c.logger.Warn("ignoring undecodable text frame", zap.Error(err), zap.ByteString("data", data))
				continue
			}
			if c.handlers.OnText != nil {
				c.handlers.OnText(event)
			}
		}
	}
}

// setState stores next and returns the previous state.
func (c *Client) setState(next ClientState) ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.state
	c.state = next
	return prev
}

func (c *Client) emitError(err error) {
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}

func (c *Client) emitClose(code int, reason string) {
	c.closeOnce.Do(func() {
		if c.handlers.OnClose != nil {
			c.handlers.OnClose(code, reason)
		}
	})
}
