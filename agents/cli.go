package agents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	audiosession "github.com/bt-bridge/audio-session"
	"github.com/bt-bridge/audio-session/shared"
	"github.com/bt-bridge/audio-session/tools"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

const shutdownTimeout = 3 * time.Second

// Session is what the agent drives: a toggle plus teardown.
type Session interface {
	Toggler
	Close() error
}

// CLIAgent turns a terminal into the record button: every Enter toggles the
// session and the new label is printed.
type CLIAgent struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer
	session Session
	control *ControlServer

	controlLn net.Listener

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// Spawn builds the microphone, transport and speaker from cfg and starts the
// agent on in.
func (a *CLIAgent) Spawn(
	ctx context.Context,
	logger shared.LoggerAdapter,
	cfg *shared.Config,
	printer *shared.Printer,
	in io.Reader,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if cfg == nil {
		return shared.ErrNoConfig
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	logger.Info("spawning CLI agent")
	if err := printer.Writeln("🤖 Spawning CLI agent...\n", 0); err != nil {
		logger.Error("printing spawning message", err)
	}
	if err := a.printConfig(logger, printer, cfg); err != nil {
		return err
	}

	mic, err := tools.NewMicrophone(logger, cfg.Capture)
	if err != nil {
		return fmt.Errorf("creating microphone: %w", err)
	}
	dialer, err := audiosession.NewWebSocketDialer(logger, cfg.Transport)
	if err != nil {
		return fmt.Errorf("creating transport dialer: %w", err)
	}
	speaker, err := tools.NewSpeaker(logger, cfg.Playback)
	if err != nil {
		return fmt.Errorf("creating speaker: %w", err)
	}
	ctrl, err := audiosession.NewController(ctx, logger, mic, dialer, speaker, cfg.Transport.URL, cfg.Capture.ChunkInterval)
	if err != nil {
		return fmt.Errorf("creating controller: %w", err)
	}
	err = ctrl.RegisterTextHandler(func(event *audiosession.TextEvent) {
		if err := printer.Writeln("💬 "+event.Content, 1); err != nil {
			logger.Error("printing server text", err)
		}
	})
	if err != nil {
		return fmt.Errorf("registering text handler: %w", err)
	}
	return a.Run(ctx, logger, printer, ctrl, cfg.Control.Addr, in)
}

func (a *CLIAgent) printConfig(logger shared.LoggerAdapter, printer *shared.Printer, cfg *shared.Config) error {
	shown := *cfg
	if shown.Backend.APIKey != "" {
		shown.Backend.APIKey = "<redacted>"
	}
	yamlBytes, err := yaml.Marshal(&shown)
	if err != nil {
		logger.Error("marshaling config to yaml", err)
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := printer.Writeln("📋 Config\n", 0); err != nil {
		logger.Error("printing config message", err)
	}
	if err := printer.Writeln(string(yamlBytes), 1); err != nil {
		logger.Error("printing config", err)
	}
	return nil
}

// Run attaches the agent to session. Input lines toggle the session; EOF on
// in closes the agent. A non-empty controlAddr also serves the HTTP control
// surface.
func (a *CLIAgent) Run(
	ctx context.Context,
	logger shared.LoggerAdapter,
	printer *shared.Printer,
	session Session,
	controlAddr string,
	in io.Reader,
) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	if session == nil {
		return errors.New("no session provided")
	}
	a.logger = logger.With(zap.String("component", "cli"))
	a.printer = printer
	a.session = session
	a.done = make(chan struct{})

	if controlAddr != "" {
		control, err := NewControlServer(ctx, a.logger, session)
		if err != nil {
			return fmt.Errorf("creating control server: %w", err)
		}
		ln, err := net.Listen("tcp", controlAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", controlAddr, err)
		}
		a.control = control
		a.controlLn = ln
		go func() {
			if err := control.Serve(ln); err != nil {
				a.logger.Error("control server stopped", err)
			}
		}()
		if err := printer.Writeln("🌐 Control surface on http://"+ln.Addr().String()+" (GET /state, POST /toggle)", 0); err != nil {
			a.logger.Error("printing control address", err)
		}
	}

	a.printLabel(session.State())
	go a.readLoop(ctx, in)
	go func() {
		select {
		case <-ctx.Done():
			_ = a.Close()
		case <-a.done:
		}
	}()
	return nil
}

func (a *CLIAgent) readLoop(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case <-a.done:
			return
		default:
		}
		state := a.session.Toggle(ctx)
		a.printLabel(state)
	}
	if err := scanner.Err(); err != nil {
		a.logger.Error("reading input", err)
	}
	if err := a.Close(); err != nil {
		a.logger.Error("closing CLI agent", err)
	}
}

func (a *CLIAgent) printLabel(state audiosession.SessionState) {
	icon := "🎤"
	if state == audiosession.SessionRecording {
		icon = "🔴"
	}
	line := fmt.Sprintf("%s [ %s ]  press Enter to toggle", icon, state.Label())
	if err := a.printer.Writeln(line, 0); err != nil {
		a.logger.Error("printing control label", err)
	}
}

// Done is closed once the agent has shut down.
func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

func (a *CLIAgent) Close() error {
	a.closeOnce.Do(func() {
		var errs []error
		if err := a.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing session: %w", err))
		}
		if a.control != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := a.control.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutting down control server: %w", err))
			}
			cancel()
			_ = a.controlLn.Close()
		}
		a.closeErr = errors.Join(errs...)
		close(a.done)
		a.logger.Info("CLI agent closed")
	})
	return a.closeErr
}
