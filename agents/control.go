package agents

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	audiosession "github.com/bt-bridge/audio-session"
	"github.com/bt-bridge/audio-session/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Toggler is the record/stop control surface of a Controller.
type Toggler interface {
	Toggle(ctx context.Context) audiosession.SessionState
	State() audiosession.SessionState
}

type controlState struct {
	Recording bool   `json:"recording"`
	State     string `json:"state"`
	Label     string `json:"label"`
}

func newControlState(s audiosession.SessionState) controlState {
	return controlState{
		Recording: s == audiosession.SessionRecording,
		State:     s.String(),
		Label:     s.Label(),
	}
}

// ControlServer exposes the toggle over HTTP:
//
//	GET  /state   current state and button label
//	POST /toggle  start or stop the session, then report the new state
type ControlServer struct {
	logger  shared.LoggerAdapter
	toggler Toggler
	ctx     context.Context

	mu      sync.Mutex
	server  *fasthttp.Server
	running bool
}

func NewControlServer(ctx context.Context, logger shared.LoggerAdapter, toggler Toggler) (*ControlServer, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if toggler == nil {
		return nil, errors.New("no toggler provided")
	}
	cs := &ControlServer{
		logger:  logger.With(zap.String("component", "control")),
		toggler: toggler,
		ctx:     ctx,
	}
	cs.server = &fasthttp.Server{
		Handler:               cs.handle,
		Name:                  "audio-session",
		NoDefaultServerHeader: true,
	}
	return cs, nil
}

func (cs *ControlServer) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return cs.Serve(ln)
}

// Serve blocks until Shutdown.
func (cs *ControlServer) Serve(ln net.Listener) error {
	cs.mu.Lock()
	if cs.running {
		cs.mu.Unlock()
		return shared.ErrControlAlreadyRunning
	}
	cs.running = true
	cs.mu.Unlock()
	cs.logger.Info("control server listening", zap.String("addr", ln.Addr().String()))
	return cs.server.Serve(ln)
}

func (cs *ControlServer) Shutdown(ctx context.Context) error {
	return cs.server.ShutdownWithContext(ctx)
}

func (cs *ControlServer) handle(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/state":
		if !ctx.IsGet() {
			ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
			return
		}
		cs.reply(ctx, cs.toggler.State())
	case "/toggle":
		if !ctx.IsPost() {
			ctx.Error("method not allowed", fasthttp.StatusMethodNotAllowed)
			return
		}
		state := cs.toggler.Toggle(cs.ctx)
		cs.logger.Info("toggled from control surface", zap.String("state", state.String()))
		cs.reply(ctx, state)
	default:
		ctx.Error("not found", fasthttp.StatusNotFound)
	}
}

func (cs *ControlServer) reply(ctx *fasthttp.RequestCtx, state audiosession.SessionState) {
	body, err := sonic.Marshal(newControlState(state))
	if err != nil {
		cs.logger.Error("marshaling control state", err)
		ctx.Error("internal error", fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(body)
}
