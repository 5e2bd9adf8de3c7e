package audiosession

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Control labels. The label names the action the next toggle performs.
const (
	LabelStartRecording = "Start Recording"
	LabelStopRecording  = "Stop Recording"
)

var errSessionStopped = errors.New("session stopped")

type SessionState int

const (
	SessionIdle SessionState = iota
	SessionRecording
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionRecording:
		return "recording"
	default:
		return "unknown"
	}
}

func (s SessionState) Label() string {
	if s == SessionRecording {
		return LabelStopRecording
	}
	return LabelStartRecording
}

// session holds the handles of one start-to-stop lifecycle. Handles are
// never carried over into the next session.
type session struct {
	id        string
	ctx       context.Context
	cancel    context.CancelCauseFunc
	transport Transport
	recorder  Recorder
}

func newSession(parent context.Context) *session {
	ctx, cancel := context.WithCancelCause(parent)
	return &session{
		id:     uuid.NewString(),
		ctx:    ctx,
		cancel: cancel,
	}
}
