package backend

import (
	"errors"
	"math/bits"
	"time"
)

// Matroska element IDs the turn cutter looks at. Every other element is
// skipped by its size.
const (
	idSegment uint32 = 0x18538067
	idCluster uint32 = 0x1F43B675
)

const (
	// maxHeaderBytes bounds what is buffered before the first Cluster.
	maxHeaderBytes = 64 << 10
	// maxTurnBytes bounds a turn that never reaches a Cluster boundary.
	maxTurnBytes = 16 << 20
)

var (
	errHeaderTooLarge  = errors.New("webm header exceeds 64 KiB without a cluster")
	errTurnTooLarge    = errors.New("webm turn exceeds 16 MiB without a cluster boundary")
	errMalformedStream = errors.New("malformed webm element")
)

// turnBuffer cuts the client's continuous WebM stream into turns. Turns end
// at Cluster boundaries and every cut is prefixed with the stream header
// (EBML header, segment info, tracks) so it decodes as a file of its own.
//
// The stream is walked element by element as bytes arrive: master elements
// of unknown size (Segment, live Clusters) are descended into, everything
// else is skipped, so a Cluster ID inside block payload is never mistaken
// for a boundary.
type turnBuffer struct {
	header     []byte
	headerDone bool
	// data holds the bytes since the last cut. Once the header is done it
	// always begins with a Cluster.
	data []byte
	// next is the offset in data of the next element header to parse.
	next int
	// boundary is the offset in data of the newest Cluster after the first.
	boundary int
	started  time.Time
}

func (b *turnBuffer) Write(chunk []byte, now time.Time) error {
	if len(chunk) == 0 {
		return nil
	}
	b.data = append(b.data, chunk...)
	if err := b.scan(); err != nil {
		return err
	}
	if !b.headerDone {
		if len(b.data) > maxHeaderBytes {
			return errHeaderTooLarge
		}
		return nil
	}
	if len(b.data) > maxTurnBytes {
		return errTurnTooLarge
	}
	if b.started.IsZero() {
		b.started = now
	}
	return nil
}

func (b *turnBuffer) scan() error {
	for b.next < len(b.data) {
		id, idLen, err := readElementID(b.data[b.next:])
		if err != nil || idLen == 0 {
			return err
		}
		if id == idCluster {
			// May rebase data onto the cluster; a repeat call is harmless.
			b.clusterAt(b.next)
		}
		at := b.next
		size, sizeLen, unknown, err := readElementSize(b.data[at+idLen:])
		if err != nil || sizeLen == 0 {
			return err
		}
		b.next = at + idLen + sizeLen
		switch {
		case id == idCluster, id == idSegment, unknown:
		case size > maxTurnBytes:
			return errTurnTooLarge
		default:
			b.next += int(size)
		}
	}
	return nil
}

func (b *turnBuffer) clusterAt(at int) {
	if b.headerDone {
		if at > 0 {
			b.boundary = at
		}
		return
	}
	b.header = append([]byte(nil), b.data[:at]...)
	b.data = append([]byte(nil), b.data[at:]...)
	b.next -= at
	b.headerDone = true
}

// Due reports whether the current turn has covered window and can be cut at
// a Cluster boundary.
func (b *turnBuffer) Due(now time.Time, window time.Duration) bool {
	return b.boundary > 0 && now.Sub(b.started) >= window
}

// Pending is the audio buffered since the last cut.
func (b *turnBuffer) Pending() int {
	if !b.headerDone {
		return 0
	}
	return len(b.data)
}

// Cut returns the header plus every complete Cluster buffered so far. The
// Cluster still being written opens the next turn, which starts at now.
func (b *turnBuffer) Cut(now time.Time) []byte {
	if b.boundary == 0 {
		return nil
	}
	out := make([]byte, 0, len(b.header)+b.boundary)
	out = append(out, b.header...)
	out = append(out, b.data[:b.boundary]...)

	b.data = append([]byte(nil), b.data[b.boundary:]...)
	b.next -= b.boundary
	b.boundary = 0
	b.started = now
	return out
}

// readElementID parses an EBML element ID, marker bits included. A zero
// length means p holds only part of it.
func readElementID(p []byte) (uint32, int, error) {
	if len(p) == 0 {
		return 0, 0, nil
	}
	n := bits.LeadingZeros8(p[0]) + 1
	if n > 4 {
		return 0, 0, errMalformedStream
	}
	if len(p) < n {
		return 0, 0, nil
	}
	var id uint32
	for _, c := range p[:n] {
		id = id<<8 | uint32(c)
	}
	return id, n, nil
}

// readElementSize parses an EBML data size. unknown is set for the
// all-ones value live muxers write for Segments and Clusters.
func readElementSize(p []byte) (size uint64, n int, unknown bool, err error) {
	if len(p) == 0 {
		return 0, 0, false, nil
	}
	n = bits.LeadingZeros8(p[0]) + 1
	if n > 8 {
		return 0, 0, false, errMalformedStream
	}
	if len(p) < n {
		return 0, 0, false, nil
	}
	size = uint64(p[0] & (0xFF >> n))
	for _, c := range p[1:n] {
		size = size<<8 | uint64(c)
	}
	return size, n, size == 1<<(7*n)-1, nil
}
