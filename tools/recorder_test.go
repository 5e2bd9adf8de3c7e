package tools

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"
	audiosession "github.com/bt-bridge/audio-session"
	"github.com/bt-bridge/audio-session/shared"
	"github.com/pion/mediadevices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

// fakeEncodedReader yields 20 ms Opus-sized frames until closed.
type fakeEncodedReader struct {
	mu     sync.Mutex
	closed chan struct{}
	reads  int
	closes int
	// fail breaks the first read only; failAlways breaks every read.
	fail       bool
	failAlways bool
}

func newFakeEncodedReader() *fakeEncodedReader {
	return &fakeEncodedReader{closed: make(chan struct{})}
}

func (f *fakeEncodedReader) Read() (mediadevices.EncodedBuffer, func(), error) {
	select {
	case <-f.closed:
		return mediadevices.EncodedBuffer{}, func() {}, io.EOF
	case <-time.After(5 * time.Millisecond):
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.failAlways || (f.fail && f.reads == 1) {
		return mediadevices.EncodedBuffer{}, func() {}, errors.New("encoder hiccup")
	}
	return mediadevices.EncodedBuffer{Data: bytes.Repeat([]byte{0xFC}, 40), Samples: 960}, func() {}, nil
}

func (f *fakeEncodedReader) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeEncodedReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.closes == 1 {
		close(f.closed)
	}
	return nil
}

type closeCounter struct {
	mu sync.Mutex
	n  int
}

func (c *closeCounter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func (c *closeCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type chunkSink struct {
	mu     sync.Mutex
	chunks [][]byte
	errs   []error
}

func (s *chunkSink) onChunk(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
}

func (s *chunkSink) onError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *chunkSink) joined() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Join(s.chunks, nil)
}

func (s *chunkSink) errCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

func (s *chunkSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func TestWebMRecorderEmitsChunks(t *testing.T) {
	reader := newFakeEncodedReader()
	track := &closeCounter{}
	rec := NewWebMRecorder(shared.NewNopLogger(), reader, track, 48000, 1)
	sink := &chunkSink{}

	require.NoError(t, rec.Start(20*time.Millisecond, sink.onChunk, sink.onError))
	assert.Equal(t, audiosession.RecorderRecording, rec.State())
	assert.ErrorIs(t, rec.Start(20*time.Millisecond, sink.onChunk, sink.onError), shared.ErrRecorderActive)

	assert.Eventually(t, func() bool { return sink.count() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, bytes.HasPrefix(sink.joined(), ebmlMagic), "stream must start with the EBML header")

	require.NoError(t, rec.Stop())
	assert.Equal(t, audiosession.RecorderInactive, rec.State())
	assert.Equal(t, 1, track.count())

	emitted := sink.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, emitted, sink.count(), "no chunks after stop")

	assert.NoError(t, rec.Stop())
	assert.Equal(t, 1, track.count())
	assert.Error(t, rec.Start(20*time.Millisecond, sink.onChunk, sink.onError))
}

func TestWebMRecorderReportsReadErrorsAndContinues(t *testing.T) {
	reader := newFakeEncodedReader()
	reader.fail = true
	rec := NewWebMRecorder(shared.NewNopLogger(), reader, nil, 48000, 1)
	sink := &chunkSink{}

	require.NoError(t, rec.Start(20*time.Millisecond, sink.onChunk, sink.onError))
	assert.Eventually(t, func() bool { return sink.count() >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, rec.Stop())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.errs, 1)
	assert.Contains(t, sink.errs[0].Error(), "encoder hiccup")
}

func TestWebMRecorderGivesUpOnBrokenEncoder(t *testing.T) {
	reader := newFakeEncodedReader()
	reader.failAlways = true
	rec := NewWebMRecorder(shared.NewNopLogger(), reader, nil, 48000, 1)
	sink := &chunkSink{}

	start := time.Now()
	require.NoError(t, rec.Start(20*time.Millisecond, sink.onChunk, sink.onError))
	assert.Eventually(t, func() bool { return sink.errCount() == maxReadFailures+1 }, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), (maxReadFailures-1)*readBackoff, "retries are paced")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, maxReadFailures, reader.readCount(), "no reads after giving up")

	sink.mu.Lock()
	assert.Len(t, sink.errs, maxReadFailures+1)
	assert.Contains(t, sink.errs[len(sink.errs)-1].Error(), "giving up")
	sink.mu.Unlock()

	require.NoError(t, rec.Stop())
	assert.Equal(t, audiosession.RecorderInactive, rec.State())
}

func TestWebMRecorderStopsRetryingOnStop(t *testing.T) {
	reader := newFakeEncodedReader()
	reader.failAlways = true
	rec := NewWebMRecorder(shared.NewNopLogger(), reader, nil, 48000, 1)
	sink := &chunkSink{}

	require.NoError(t, rec.Start(20*time.Millisecond, sink.onChunk, sink.onError))
	assert.Eventually(t, func() bool { return sink.errCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, rec.Stop())
	assert.Less(t, sink.errCount(), maxReadFailures)
}

func TestWebMRecorderStartsClusterEveryInterval(t *testing.T) {
	reader := newFakeEncodedReader()
	rec := NewWebMRecorder(shared.NewNopLogger(), reader, nil, 48000, 1)
	sink := &chunkSink{}

	// Frames are 20 ms apart, so a 40 ms interval puts two in each cluster.
	require.NoError(t, rec.Start(40*time.Millisecond, sink.onChunk, sink.onError))
	assert.Eventually(t, func() bool { return reader.readCount() >= 12 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, rec.Stop())

	var doc struct {
		Header  webm.EBMLHeader `ebml:"EBML"`
		Segment webm.Segment    `ebml:"Segment"`
	}
	require.NoError(t, ebml.Unmarshal(bytes.NewReader(sink.joined()), &doc))
	require.Len(t, doc.Segment.Tracks.TrackEntry, 1)
	assert.Equal(t, webmCodecOpus, doc.Segment.Tracks.TrackEntry[0].CodecID)

	var blocks int
	for _, c := range doc.Segment.Cluster {
		assert.LessOrEqual(t, len(c.SimpleBlock), 2)
		blocks += len(c.SimpleBlock)
	}
	assert.GreaterOrEqual(t, len(doc.Segment.Cluster), 5)
	assert.GreaterOrEqual(t, blocks, 10)
}

func TestWebMRecorderStopWithoutStartReleasesTrack(t *testing.T) {
	reader := newFakeEncodedReader()
	track := &closeCounter{}
	rec := NewWebMRecorder(shared.NewNopLogger(), reader, track, 48000, 1)

	require.NoError(t, rec.Stop())
	require.NoError(t, rec.Stop())
	assert.Equal(t, 1, track.count())
	assert.Equal(t, 1, reader.closes)
}

func TestWebMRecorderValidatesStart(t *testing.T) {
	rec := NewWebMRecorder(shared.NewNopLogger(), newFakeEncodedReader(), nil, 48000, 1)
	assert.Error(t, rec.Start(0, func([]byte) {}, nil))
	assert.Error(t, rec.Start(time.Second, nil, nil))
	assert.Equal(t, audiosession.RecorderInactive, rec.State())
}
