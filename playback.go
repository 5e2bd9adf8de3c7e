package audiosession

import (
	"context"
	"time"
)

// AudioBuffer is a fully decoded payload.
type AudioBuffer interface {
	Duration() time.Duration
}

// PlaybackContext is the decode and output unit created for one inbound
// payload. Once closed it cannot be started again.
type PlaybackContext interface {
	DecodeAudioData(ctx context.Context, payload []byte) (AudioBuffer, error)
	Start(buf AudioBuffer) error
	Close() error
	Closed() bool
}

type AudioOutput interface {
	NewContext() (PlaybackContext, error)
}
