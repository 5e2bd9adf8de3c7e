// Package backend is a development server for the audio session: it answers
// the client's WebM stream with a transcript, a chat reply and synthesized
// speech.
package backend

import "context"

// Replies sent as text frames when a turn cannot be answered.
const (
	ApologyNotHeard = "I'm sorry, I didn't catch that. Could you please repeat?"
	ApologyFailed   = "I'm sorry, I couldn't process your request at this time."
	ApologyNoSpeech = "Error generating speech."
)

type Transcriber interface {
	// Transcribe turns a self-contained WebM file into text.
	Transcribe(ctx context.Context, webm []byte) (string, error)
}

type Responder interface {
	Respond(ctx context.Context, prompt string) (string, error)
}

type Synthesizer interface {
	// Synthesize returns an encoded audio file the client can decode.
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

const (
	webmFileName    = "audio.webm"
	webmContentType = "audio/webm"
)

// Pipeline is one conversational turn: speech to text, text to reply,
// reply to speech.
type Pipeline interface {
	Transcriber
	Responder
	Synthesizer
}
