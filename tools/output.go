package tools

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	audiosession "github.com/bt-bridge/audio-session"
	"github.com/bt-bridge/audio-session/shared"
	"github.com/ebitengine/oto/v3"
	"github.com/faiface/beep"
	"go.uber.org/zap"
)

const (
	outputChannels     = 2
	resampleQuality    = 4
	bytesPerFrameInt16 = outputChannels * 2
)

// Speaker is the process-wide output device. oto allows a single context
// per process, so every playback context shares it through its own player.
type Speaker struct {
	logger     shared.LoggerAdapter
	sampleRate int
	bufferSize time.Duration

	once   sync.Once
	otoCtx *oto.Context
	err    error
}

var _ audiosession.AudioOutput = (*Speaker)(nil)

func NewSpeaker(logger shared.LoggerAdapter, cfg shared.PlaybackConfig) (*Speaker, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Speaker{
		logger:     logger.With(zap.String("component", "speaker")),
		sampleRate: cfg.SampleRate,
		bufferSize: cfg.Buffer,
	}, nil
}

func (s *Speaker) init() error {
	s.once.Do(func() {
		otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   s.sampleRate,
			ChannelCount: outputChannels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   s.bufferSize,
		})
		if err != nil {
			s.err = fmt.Errorf("creating oto context: %w", err)
			return
		}
		<-ready
		s.otoCtx = otoCtx
		s.logger.Info("audio output ready", zap.Int("sampleRate", s.sampleRate))
	})
	return s.err
}

func (s *Speaker) NewContext() (audiosession.PlaybackContext, error) {
	if err := s.init(); err != nil {
		return nil, err
	}
	return &playbackContext{speaker: s}, nil
}

type playbackContext struct {
	speaker *Speaker

	mu     sync.Mutex
	player *oto.Player
	closed bool
}

var _ audiosession.PlaybackContext = (*playbackContext)(nil)

func (p *playbackContext) DecodeAudioData(ctx context.Context, payload []byte) (audiosession.AudioBuffer, error) {
	if p.Closed() {
		return nil, shared.ErrPlaybackReleased
	}
	return Decode(ctx, payload)
}

func (p *playbackContext) Start(buf audiosession.AudioBuffer) error {
	decoded, ok := buf.(*Decoded)
	if !ok {
		return fmt.Errorf("unexpected audio buffer type %T", buf)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return shared.ErrPlaybackReleased
	}
	if p.player != nil {
		return errors.New("playback context already started")
	}
	var stream beep.Streamer = decoded.Streamer()
	if from := decoded.Format().SampleRate; int(from) != p.speaker.sampleRate {
		stream = beep.Resample(resampleQuality, from, beep.SampleRate(p.speaker.sampleRate), stream)
	}
	frames := FrameSamples(p.speaker.bufferSize, p.speaker.sampleRate, 1)
	p.player = p.speaker.otoCtx.NewPlayer(NewPCMReader(stream, frames))
	p.player.Play()
	return nil
}

func (p *playbackContext) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.player == nil {
		return nil
	}
	p.player.Pause()
	return p.player.Close()
}

func (p *playbackContext) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// PCMReader renders a beep stream as interleaved stereo signed 16-bit
// little-endian bytes.
type PCMReader struct {
	stream  beep.Streamer
	samples [][2]float64
	pending []byte
	done    bool
}

var _ io.Reader = (*PCMReader)(nil)

func NewPCMReader(stream beep.Streamer, frames int) *PCMReader {
	if frames <= 0 {
		frames = 512
	}
	return &PCMReader{stream: stream, samples: make([][2]float64, frames)}
}

func (r *PCMReader) Read(p []byte) (int, error) {
	if len(r.pending) == 0 {
		if r.done {
			return 0, io.EOF
		}
		frames := min(len(r.samples), max(len(p)/bytesPerFrameInt16, 1))
		n, ok := r.stream.Stream(r.samples[:frames])
		if !ok || n == 0 {
			r.done = true
			if err := r.stream.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		r.pending = make([]byte, n*bytesPerFrameInt16)
		for i := range n {
			binary.LittleEndian.PutUint16(r.pending[i*4:], uint16(toInt16(r.samples[i][0])))
			binary.LittleEndian.PutUint16(r.pending[i*4+2:], uint16(toInt16(r.samples[i][1])))
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

func toInt16(v float64) int16 {
	v = math.Max(-1, math.Min(1, v))
	return int16(math.Round(v * math.MaxInt16))
}
