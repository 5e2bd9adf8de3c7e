package tools

import (
	"io"
	"sync"
)

// ChunkBuffer collects the container bytes written between two recorder
// ticks. Take drains it; nothing is ever dropped.
type ChunkBuffer struct {
	mu     sync.Mutex
	buffer []byte
	closed bool
}

var _ io.WriteCloser = (*ChunkBuffer)(nil)

func NewChunkBuffer(initialCap int) *ChunkBuffer {
	return &ChunkBuffer{buffer: make([]byte, 0, initialCap)}
}

func (cb *ChunkBuffer) Write(data []byte) (int, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.closed {
		return 0, io.ErrClosedPipe
	}
	cb.buffer = append(cb.buffer, data...)
	return len(data), nil
}

// Take returns everything written since the previous call, or nil.
func (cb *ChunkBuffer) Take() []byte {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.buffer) == 0 {
		return nil
	}
	out := cb.buffer
	cb.buffer = make([]byte, 0, cap(out))
	return out
}

func (cb *ChunkBuffer) Len() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.buffer)
}

// Close rejects further writes; buffered bytes stay available to Take.
func (cb *ChunkBuffer) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closed = true
	return nil
}
