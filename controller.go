package audiosession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/audio-session/shared"
	"go.uber.org/zap"
)

type TextHandler func(event *TextEvent)

// Controller owns one voice session at a time: the microphone recorder, the
// transport it streams into and the single playback slot fed by the
// transport.
type Controller struct {
	logger   shared.LoggerAdapter
	capturer Capturer
	dialer   TransportDialer
	output   AudioOutput
	url      string
	interval time.Duration

	// toggleMu serializes Start, Stop and Toggle. Acquisition may block on
	// the device, so it is never held together with mu for long.
	toggleMu sync.Mutex

	mu       sync.Mutex
	state    SessionState
	sess     *session
	playback PlaybackContext
	th       TextHandler

	ctx    context.Context
	cancel context.CancelCauseFunc
}

func NewController(
	ctx context.Context,
	logger shared.LoggerAdapter,
	capturer Capturer,
	dialer TransportDialer,
	output AudioOutput,
	url string,
	interval time.Duration,
) (*Controller, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if capturer == nil {
		return nil, shared.ErrNoCapturer
	}
	if dialer == nil {
		return nil, shared.ErrNoDialer
	}
	if output == nil {
		return nil, shared.ErrNoAudioOutput
	}
	if url == "" {
		url = shared.DefaultURL
	}
	if interval <= 0 {
		interval = shared.DefaultChunkInterval
	}
	ctx, cancel := context.WithCancelCause(ctx)
	return &Controller{
		logger:   logger.With(zap.String("component", "controller")),
		capturer: capturer,
		dialer:   dialer,
		output:   output,
		url:      url,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// RegisterTextHandler sets the observer for backend text frames. It must be
// called before the first session starts.
func (c *Controller) RegisterTextHandler(handler TextHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == SessionRecording {
		return shared.ErrSessionAlreadyRunning
	}
	if c.th != nil {
		return shared.ErrTextHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	c.th = handler
	return nil
}

func (c *Controller) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Label() string {
	return c.State().Label()
}

// Toggle starts a session when idle and stops it when recording. Failures
// are logged and leave the controller idle; the resulting state is returned.
func (c *Controller) Toggle(ctx context.Context) SessionState {
	c.toggleMu.Lock()
	defer c.toggleMu.Unlock()
	if c.State() == SessionIdle {
		_ = c.start(ctx)
	} else {
		_ = c.stop()
	}
	return c.State()
}

func (c *Controller) Start(ctx context.Context) error {
	c.toggleMu.Lock()
	defer c.toggleMu.Unlock()
	return c.start(ctx)
}

func (c *Controller) Stop() error {
	c.toggleMu.Lock()
	defer c.toggleMu.Unlock()
	return c.stop()
}

// Close stops any session, releases the playback slot and detaches the
// controller from its parent context.
func (c *Controller) Close() error {
	err := c.Stop()
	c.mu.Lock()
	pc := c.playback
	c.playback = nil
	c.mu.Unlock()
	if pc != nil {
		if cerr := pc.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("closing playback context: %w", cerr))
		}
	}
	c.cancel(errors.New("controller closed"))
	return err
}

func (c *Controller) start(ctx context.Context) error {
	if err := c.ctx.Err(); err != nil {
		return fmt.Errorf("respecting controller context: %w", err)
	}
	if c.State() == SessionRecording {
		return shared.ErrSessionAlreadyRunning
	}

	rec, err := c.capturer.Acquire(ctx)
	if err != nil {
		c.logger.Error("error accessing microphone", err)
		return fmt.Errorf("%w: %w", shared.ErrMicrophoneUnavailable, err)
	}
	c.logger.Info("microphone access granted")

	sess := newSession(c.ctx)
	log := c.logger.With(zap.String("session", sess.id))
	sess.transport = c.dialer.Dial(sess.ctx, c.url, c.transportHandlers(sess, log))
	sess.recorder = rec

	onError := func(err error) {
		log.Error("recorder error", err)
	}
	if err := rec.Start(c.interval, c.chunkHandler(sess, log), onError); err != nil {
		log.Error("starting recorder", err)
		sess.cancel(err)
		_ = sess.transport.Close()
		if serr := rec.Stop(); serr != nil {
			log.Error("releasing microphone", serr)
		}
		return fmt.Errorf("starting recorder: %w", err)
	}

	c.mu.Lock()
	c.sess = sess
	c.state = SessionRecording
	c.mu.Unlock()
	log.Info("recorder started", zap.Duration("interval", c.interval), zap.String("url", c.url))
	return nil
}

func (c *Controller) stop() error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.state = SessionIdle
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	log := c.logger.With(zap.String("session", sess.id))
	sess.cancel(errSessionStopped)

	var errs []error
	if sess.recorder != nil && sess.recorder.State() != RecorderInactive {
		if err := sess.recorder.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping recorder: %w", err))
		} else {
			log.Info("recorder stopped")
		}
	}
	if sess.transport != nil {
		switch sess.transport.State() {
		case ClientStateOpen, ClientStateConnecting:
			if err := sess.transport.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing transport: %w", err))
			} else {
				log.Info("closing websocket connection")
			}
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		log.Error("stopping session", err)
	}
	return err
}

func (c *Controller) chunkHandler(sess *session, log shared.LoggerAdapter) ChunkHandler {
	return func(chunk []byte) {
		t := sess.transport
		if state := t.State(); state != ClientStateOpen {
			log.Warn(
				"websocket is not open, dropping audio chunk",
				zap.Stringer("state", state),
				zap.Int("bytes", len(chunk)),
			)
			return
		}
		if err := t.Send(chunk); err != nil {
			log.Warn("sending audio chunk failed, dropping it", zap.Error(err), zap.Int("bytes", len(chunk)))
			return
		}
		log.Trace("sent audio chunk to server", zap.Int("bytes", len(chunk)))
		c.interruptPlayback(log)
	}
}

func (c *Controller) transportHandlers(sess *session, log shared.LoggerAdapter) TransportHandlers {
	return TransportHandlers{
		OnOpen: func() {
			log.Info("websocket connection opened")
		},
		OnMessage: func(payload []byte) {
			log.Debug("received audio from server", zap.Int("bytes", len(payload)))
			_ = c.playAudio(sess.ctx, log, payload)
		},
		OnText: func(event *TextEvent) {
			log.Info("received text from server", zap.String("type", string(event.Type)), zap.String("content", event.Content))
			c.mu.Lock()
			th := c.th
			c.mu.Unlock()
			if th != nil {
				th(event)
			}
		},
		OnError: func(err error) {
			log.Error("websocket error", err)
		},
		OnClose: func(code int, reason string) {
			log.Info("websocket connection closed", zap.Int("code", code), zap.String("reason", reason))
		},
	}
}

// PlayAudio replaces the current playback with payload. Audio decoded after
// ctx is cancelled, or after the context was preempted, is discarded.
func (c *Controller) PlayAudio(ctx context.Context, payload []byte) error {
	return c.playAudio(ctx, c.logger, payload)
}

func (c *Controller) playAudio(ctx context.Context, log shared.LoggerAdapter, payload []byte) error {
	if len(payload) == 0 {
		log.Error("error playing audio", shared.ErrEmptyPayload)
		return shared.ErrEmptyPayload
	}
	pc, err := c.replacePlayback(log)
	if err != nil {
		log.Error("creating audio context", err)
		return fmt.Errorf("creating playback context: %w", err)
	}

	buf, err := pc.DecodeAudioData(ctx, payload)
	if err != nil {
		log.Error("error playing audio", err, zap.Int("bytes", len(payload)))
		c.releasePlayback(pc)
		return fmt.Errorf("decoding audio data: %w", err)
	}
	log.Debug("decoded audio data", zap.Duration("duration", buf.Duration()))

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		if c.playback == pc {
			c.playback = nil
		}
		_ = pc.Close()
		log.Info("discarding decoded audio, session stopped")
		return context.Cause(ctx)
	}
	if c.playback != pc || pc.Closed() {
		log.Debug("discarding decoded audio, playback was preempted")
		return shared.ErrPlaybackReleased
	}
	if err := pc.Start(buf); err != nil {
		c.playback = nil
		_ = pc.Close()
		log.Error("error playing audio", err)
		return fmt.Errorf("starting playback: %w", err)
	}
	log.Info("started audio playback")
	return nil
}

// replacePlayback releases the current context before creating the next
// one; both happen under mu so two contexts are never alive together.
func (c *Controller) replacePlayback(log shared.LoggerAdapter) (PlaybackContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev := c.playback; prev != nil {
		c.playback = nil
		if err := prev.Close(); err != nil {
			log.Error("closing previous audio context", err)
		} else {
			log.Debug("previous audio context closed")
		}
	}
	pc, err := c.output.NewContext()
	if err != nil {
		return nil, err
	}
	c.playback = pc
	log.Debug("created new audio context")
	return pc, nil
}

func (c *Controller) releasePlayback(pc PlaybackContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playback == pc {
		c.playback = nil
	}
	_ = pc.Close()
}

func (c *Controller) interruptPlayback(log shared.LoggerAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc := c.playback
	if pc == nil || pc.Closed() {
		return
	}
	c.playback = nil
	if err := pc.Close(); err != nil {
		log.Error("closing audio context", err)
		return
	}
	log.Info("playback interrupted by user")
}
