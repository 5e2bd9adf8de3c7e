package audiosession

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

type TextEventType string

const (
	// TextEventTypeText carries a transcript or an assistant reply.
	TextEventTypeText TextEventType = "text"
)

// TextEvent is the JSON envelope the backend uses for non-audio frames,
// e.g. {"type":"text","content":"..."}.
type TextEvent struct {
	Type    TextEventType `json:"type"`
	Content string        `json:"content"`
}

func NewTextEvent(content string) *TextEvent {
	return &TextEvent{Type: TextEventTypeText, Content: content}
}

func ParseTextEvent(data []byte) (*TextEvent, error) {
	event := new(TextEvent)
	if err := sonic.Unmarshal(data, event); err != nil {
		return nil, fmt.Errorf("unmarshaling text event: %w", err)
	}
	if event.Type == "" {
		return nil, errors.New("text event has no type")
	}
	return event, nil
}

func (e *TextEvent) Marshal() ([]byte, error) {
	return sonic.Marshal(e)
}
