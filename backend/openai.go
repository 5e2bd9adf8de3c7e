package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bt-bridge/audio-session/shared"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.uber.org/zap"
)

// OpenAIPipeline runs a turn against the OpenAI audio and chat endpoints.
type OpenAIPipeline struct {
	logger shared.LoggerAdapter
	client openai.Client
	cfg    shared.BackendConfig
}

var _ Pipeline = (*OpenAIPipeline)(nil)

func NewOpenAIPipeline(logger shared.LoggerAdapter, cfg shared.BackendConfig) (*OpenAIPipeline, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIPipeline{
		logger: logger.With(zap.String("component", "openai")),
		client: openai.NewClient(opts...),
		cfg:    cfg,
	}, nil
}

func (p *OpenAIPipeline) Transcribe(ctx context.Context, webm []byte) (string, error) {
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(webm), webmFileName, webmContentType),
		Model: p.cfg.TranscriptionModel,
	}
	if p.cfg.Language != "" {
		params.Language = openai.String(p.cfg.Language)
	}
	res, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcribing audio: %w", err)
	}
	text := strings.TrimSpace(res.Text)
	p.logger.Debug("transcribed audio", zap.Int("bytes", len(webm)), zap.String("text", text))
	return text, nil
}

func (p *OpenAIPipeline) Respond(ctx context.Context, prompt string) (string, error) {
	res, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: p.cfg.ChatModel,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(p.cfg.SystemPrompt),
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(p.cfg.Temperature),
	})
	if err != nil {
		return "", fmt.Errorf("generating reply: %w", err)
	}
	if len(res.Choices) == 0 {
		return "", errors.New("generating reply: no choices returned")
	}
	return res.Choices[0].Message.Content, nil
}

func (p *OpenAIPipeline) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := p.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Input:          text,
		Model:          p.cfg.SpeechModel,
		Voice:          openai.AudioSpeechNewParamsVoice(p.cfg.Voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, fmt.Errorf("generating speech: %w", err)
	}
	defer resp.Body.Close()
	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading speech: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("generating speech: empty response")
	}
	return audio, nil
}
