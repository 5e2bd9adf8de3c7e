package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	audiosession "github.com/bt-bridge/audio-session"
	"github.com/bt-bridge/audio-session/shared"
	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"
	"github.com/hraban/opus"
)

type Format string

const (
	FormatWAV     Format = "audio/wav"
	FormatMP3     Format = "audio/mpeg"
	FormatOggOpus Format = "audio/ogg"
)

// decodeBlock is how many frames are decoded between context checks.
const decodeBlock = 4096

// Ogg/Opus always decodes at 48 kHz; the backend's speech is mono.
const (
	opusRate     = 48000
	opusMaxFrame = 5760
)

// SniffFormat identifies the container from its magic bytes.
func SniffFormat(payload []byte) (Format, error) {
	switch {
	case len(payload) >= 12 && bytes.Equal(payload[:4], []byte("RIFF")) && bytes.Equal(payload[8:12], []byte("WAVE")):
		return FormatWAV, nil
	case bytes.HasPrefix(payload, []byte("OggS")):
		return FormatOggOpus, nil
	case bytes.HasPrefix(payload, []byte("ID3")):
		return FormatMP3, nil
	case len(payload) >= 2 && payload[0] == 0xFF && payload[1]&0xE0 == 0xE0:
		return FormatMP3, nil
	}
	return "", shared.ErrUnsupportedFormat
}

// Decoded is a payload decoded in full, ready to play from position zero.
type Decoded struct {
	buffer *beep.Buffer
}

var _ audiosession.AudioBuffer = (*Decoded)(nil)

func (d *Decoded) Format() beep.Format {
	return d.buffer.Format()
}

func (d *Decoded) Len() int {
	return d.buffer.Len()
}

func (d *Decoded) Duration() time.Duration {
	return d.buffer.Format().SampleRate.D(d.buffer.Len())
}

func (d *Decoded) Streamer() beep.StreamSeeker {
	return d.buffer.Streamer(0, d.buffer.Len())
}

// Decode decodes the whole payload up front so a broken payload fails
// before anything reaches the speaker. Decoder panics on malformed frames
// are reported as errors.
func Decode(ctx context.Context, payload []byte) (_ *Decoded, err error) {
	if len(payload) == 0 {
		return nil, shared.ErrEmptyPayload
	}
	format, err := SniffFormat(payload)
	if err != nil {
		return nil, err
	}
	defer recoverDecode(format, &err)

	var (
		streamer beep.StreamSeekCloser
		bf       beep.Format
	)
	switch format {
	case FormatWAV:
		streamer, bf, err = wav.Decode(bytes.NewReader(payload))
	case FormatMP3:
		streamer, bf, err = mp3.Decode(io.NopCloser(bytes.NewReader(payload)))
	case FormatOggOpus:
		return decodeOggOpus(ctx, payload)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", format, err)
	}
	defer streamer.Close()

	buf := beep.NewBuffer(bf)
	if err := appendAll(ctx, buf, streamer); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", format, err)
	}
	return &Decoded{buffer: buf}, nil
}

// recoverDecode must be deferred directly by a function with a named error result.
func recoverDecode(format Format, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("decoding %s: %v", format, r)
	}
}

func appendAll(ctx context.Context, buf *beep.Buffer, s beep.Streamer) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		before := buf.Len()
		buf.Append(beep.Take(decodeBlock, s))
		if err := s.Err(); err != nil {
			return err
		}
		if buf.Len()-before < decodeBlock {
			break
		}
	}
	if buf.Len() == 0 {
		return errors.New("no audio frames")
	}
	return nil
}

func decodeOggOpus(ctx context.Context, payload []byte) (_ *Decoded, err error) {
	defer recoverDecode(FormatOggOpus, &err)

	stream, err := opus.NewStream(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("opening ogg/opus stream: %w", err)
	}
	defer stream.Close()

	var pcm []int16
	frame := make([]int16, opusMaxFrame)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := stream.Read(frame)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoding ogg/opus: %w", err)
		}
		pcm = append(pcm, frame[:n]...)
	}
	buf := beep.NewBuffer(beep.Format{SampleRate: opusRate, NumChannels: 1, Precision: 2})
	if err := appendAll(ctx, buf, &monoPCM{samples: pcm}); err != nil {
		return nil, fmt.Errorf("decoding ogg/opus: %w", err)
	}
	return &Decoded{buffer: buf}, nil
}

// monoPCM streams signed 16-bit mono samples, duplicated to both channels.
type monoPCM struct {
	samples []int16
	pos     int
}

func (m *monoPCM) Stream(out [][2]float64) (int, bool) {
	if m.pos >= len(m.samples) {
		return 0, false
	}
	n := min(len(out), len(m.samples)-m.pos)
	for i := range n {
		v := float64(m.samples[m.pos+i]) / 32768
		out[i][0], out[i][1] = v, v
	}
	m.pos += n
	return n, true
}

func (m *monoPCM) Err() error { return nil }
