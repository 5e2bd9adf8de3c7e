package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	audiosession "github.com/bt-bridge/audio-session"
	"github.com/bt-bridge/audio-session/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Matroska identifiers for the single Opus audio track.
const (
	webmCodecOpus    = "A_OPUS"
	webmTrackTypeAud = 2
	webmTrackNumber  = 1
	// webmMaxClusterSpan is the largest timecode offset a SimpleBlock can
	// carry relative to its cluster.
	webmMaxClusterSpan = 0x7FFF
)

// A failing encoder is retried once per Opus frame, and given up on after
// maxReadFailures errors in a row.
const (
	readBackoff     = 20 * time.Millisecond
	maxReadFailures = 50
)

var errRecorderSpent = errors.New("recorder already stopped, acquire a new one")

// EncodedReader is the part of mediadevices.EncodedReadCloser the recorder
// consumes.
type EncodedReader interface {
	Read() (mediadevices.EncodedBuffer, func(), error)
	Close() error
}

// Microphone acquires the default capture device through pion/mediadevices
// and hands out WebM/Opus recorders bound to it.
type Microphone struct {
	logger     shared.LoggerAdapter
	sampleRate int
	channels   int
}

var _ audiosession.Capturer = (*Microphone)(nil)

func NewMicrophone(logger shared.LoggerAdapter, cfg shared.CaptureConfig) (*Microphone, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Microphone{
		logger:     logger.With(zap.String("component", "microphone")),
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
	}, nil
}

func (m *Microphone) Acquire(ctx context.Context) (audiosession.Recorder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(m.sampleRate)
			c.ChannelCount = prop.Int(m.channels)
			c.SampleSize = prop.Int(16)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("getting user media: %w", err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no audio track in stream", shared.ErrMicrophoneUnavailable)
	}
	track := tracks[0]
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}
	reader, err := track.NewEncodedReader(webrtc.MimeTypeOpus)
	if err != nil {
		_ = track.Close()
		return nil, fmt.Errorf("creating encoded reader: %w", err)
	}
	m.logger.Debug("microphone track acquired", zap.String("id", track.ID()), zap.Duration("latency", time.Duration(opusParams.Latency)))
	return NewWebMRecorder(m.logger, reader, track, m.sampleRate, m.channels), nil
}

// WebMRecorder muxes encoded Opus frames into a WebM stream and hands the
// bytes out every interval, like a browser MediaRecorder with a timeslice:
// the first chunk carries the EBML header and track info.
type WebMRecorder struct {
	logger     shared.LoggerAdapter
	reader     EncodedReader
	source     io.Closer
	sampleRate int
	channels   int

	mu      sync.Mutex
	state   audiosession.RecorderState
	spent   bool
	stop    chan struct{}
	encoded chan struct{}
	flushed chan struct{}
}

var _ audiosession.Recorder = (*WebMRecorder)(nil)

// NewWebMRecorder takes ownership of reader and source; both are closed on
// Stop. source may be nil.
func NewWebMRecorder(logger shared.LoggerAdapter, reader EncodedReader, source io.Closer, sampleRate, channels int) *WebMRecorder {
	return &WebMRecorder{
		logger:     logger.With(zap.String("component", "recorder")),
		reader:     reader,
		source:     source,
		sampleRate: sampleRate,
		channels:   channels,
	}
}

func (r *WebMRecorder) State() audiosession.RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *WebMRecorder) Start(interval time.Duration, onChunk audiosession.ChunkHandler, onError func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != audiosession.RecorderInactive {
		return shared.ErrRecorderActive
	}
	if r.spent {
		return errRecorderSpent
	}
	if interval <= 0 {
		return fmt.Errorf("invalid chunk interval %s", interval)
	}
	if onChunk == nil {
		return errors.New("chunk handler is required")
	}
	if onError == nil {
		onError = func(error) {}
	}

	buf := NewChunkBuffer(chunkCapacity(interval))
	writers, err := webm.NewSimpleBlockWriter(buf, []webm.TrackEntry{{
		Name:        "Audio",
		TrackNumber: webmTrackNumber,
		TrackUID:    1,
		CodecID:     webmCodecOpus,
		TrackType:   webmTrackTypeAud,
		Audio: &webm.Audio{
			SamplingFrequency: float64(r.sampleRate),
			Channels:          uint64(r.channels),
		},
	}}, clusterEvery(interval))
	if err != nil {
		return fmt.Errorf("creating webm writer: %w", err)
	}

	r.state = audiosession.RecorderRecording
	r.stop = make(chan struct{})
	r.encoded = make(chan struct{})
	r.flushed = make(chan struct{})
	go r.encodeLoop(writers[0], onError)
	go r.flushLoop(buf, interval, onChunk)
	r.logger.Debug("recorder started", zap.Duration("interval", interval))
	return nil
}

// Stop ends the recording, emits the final chunk and releases the
// microphone. Stopping an inactive recorder is a no-op.
func (r *WebMRecorder) Stop() error {
	r.mu.Lock()
	if r.state == audiosession.RecorderInactive {
		spent := r.spent
		r.spent = true
		r.mu.Unlock()
		if spent {
			return nil
		}
		return r.release()
	}
	r.state = audiosession.RecorderInactive
	r.spent = true
	close(r.stop)
	r.mu.Unlock()

	err := r.release()
	<-r.encoded
	<-r.flushed
	return err
}

func (r *WebMRecorder) release() error {
	var errs []error
	if err := r.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing encoded reader: %w", err))
	}
	if r.source != nil {
		if err := r.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing microphone track: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *WebMRecorder) stopping() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// clusterEvery opens a new Cluster on the first frame after every interval,
// so each chunk boundary is near a point the backend can cut a turn at.
func clusterEvery(interval time.Duration) mkvcore.BlockWriterOption {
	ms := min(max(interval.Milliseconds(), 1), webmMaxClusterSpan)
	return mkvcore.WithMaxKeyframeInterval(webmTrackNumber, webmMaxClusterSpan-ms)
}

func (r *WebMRecorder) encodeLoop(block webm.BlockWriteCloser, onError func(error)) {
	defer close(r.encoded)
	defer func() {
		if err := block.Close(); err != nil {
			r.logger.Error("closing webm writer", err)
		}
	}()
	var (
		samples  uint64
		failures int
	)
	for !r.stopping() {
		frame, release, err := r.reader.Read()
		if err != nil {
			if release != nil {
				release()
			}
			if errors.Is(err, io.EOF) || r.stopping() {
				return
			}
			failures++
			onError(fmt.Errorf("reading encoded frame: %w", err))
			if failures >= maxReadFailures {
				onError(fmt.Errorf("giving up after %d consecutive read errors: %w", failures, err))
				return
			}
			select {
			case <-r.stop:
				return
			case <-time.After(readBackoff):
			}
			continue
		}
		failures = 0
		if frame.Samples == 0 {
			release()
			continue
		}
		_, err = block.Write(true, frameMillis(samples, r.sampleRate), frame.Data)
		samples += uint64(frame.Samples)
		release()
		if err != nil {
			onError(fmt.Errorf("writing webm block: %w", err))
		}
	}
}

func (r *WebMRecorder) flushLoop(buf *ChunkBuffer, interval time.Duration, onChunk audiosession.ChunkHandler) {
	defer close(r.flushed)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if chunk := buf.Take(); len(chunk) > 0 {
				onChunk(chunk)
			}
		case <-r.encoded:
			if chunk := buf.Take(); len(chunk) > 0 {
				onChunk(chunk)
			}
			return
		}
	}
}
