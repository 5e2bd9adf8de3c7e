package audiosession

import (
	"context"
	"time"
)

type RecorderState int

const (
	RecorderInactive RecorderState = iota
	RecorderRecording
)

func (s RecorderState) String() string {
	if s == RecorderRecording {
		return "recording"
	}
	return "inactive"
}

type ChunkHandler func(chunk []byte)

// Capturer requests access to the microphone. A denied or missing device is
// reported as an error and no Recorder is returned.
type Capturer interface {
	Acquire(ctx context.Context) (Recorder, error)
}

// Recorder is bound to one acquired microphone stream. Start emits a chunk
// every interval until Stop; Stop also releases the stream.
type Recorder interface {
	Start(interval time.Duration, onChunk ChunkHandler, onError func(error)) error
	Stop() error
	State() RecorderState
}
