package shared

import "errors"

var (
	ErrNoLogger              = errors.New("no logger provided")
	ErrNoConfig              = errors.New("no config provided")
	ErrNoCapturer            = errors.New("no capturer provided")
	ErrNoDialer              = errors.New("no transport dialer provided")
	ErrNoAudioOutput         = errors.New("no audio output provided")
	ErrNoAPIKey              = errors.New("no API key provided")
	ErrSessionAlreadyRunning = errors.New("session already running")
	ErrTextHandlerAlreadySet = errors.New("text handler already set")
	ErrMicrophoneUnavailable = errors.New("microphone unavailable")
	ErrTransportNotOpen      = errors.New("transport is not open")
	ErrTransportClosed       = errors.New("transport closed")
	ErrRecorderActive        = errors.New("recorder already active")
	ErrPlaybackReleased      = errors.New("playback context released")
	ErrUnsupportedFormat     = errors.New("unsupported audio format")
	ErrEmptyPayload          = errors.New("empty audio payload")
	ErrControlAlreadyRunning = errors.New("control server already running")
)
