// # Go Client Package for Streaming Voice Sessions
//
// This repository provides a Go package for building voice clients that capture microphone audio, stream it in 250 ms WebM chunks over a WebSocket to a backend, and play back whatever audio the backend sends in return. Local speech interrupts remote playback; the newest inbound payload always preempts the one still playing.
package audiosession
