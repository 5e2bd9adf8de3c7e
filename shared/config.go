package shared

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// Environment variable keys that override the YAML file.
const (
	EnvKeyURL         = "AUDIO_SESSION_URL"
	EnvKeyControlAddr = "AUDIO_SESSION_CONTROL_ADDR"
	EnvKeyAPIKey      = "OPENAI_API_KEY"
	EnvKeyBaseURL     = "OPENAI_BASE_URL"
)

const (
	DefaultURL           = "ws://localhost:8000/ws/audio"
	DefaultChunkInterval = 250 * time.Millisecond
	DefaultMimeType      = "audio/webm"
)

type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Control   ControlConfig   `yaml:"control"`
	Log       LogConfig       `yaml:"log"`
	Backend   BackendConfig   `yaml:"backend"`
}

type TransportConfig struct {
	URL              string        `yaml:"url"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

type CaptureConfig struct {
	ChunkInterval time.Duration `yaml:"chunk_interval"`
	MimeType      string        `yaml:"mime_type"`
	SampleRate    int           `yaml:"sample_rate"`
	Channels      int           `yaml:"channels"`
}

type PlaybackConfig struct {
	SampleRate int           `yaml:"sample_rate"`
	Buffer     time.Duration `yaml:"buffer"`
}

// ControlConfig configures the local HTTP toggle surface. An empty Addr
// disables it.
type ControlConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// BackendConfig is only read by the development backend.
type BackendConfig struct {
	Addr               string        `yaml:"addr"`
	Path               string        `yaml:"path"`
	APIKey             string        `yaml:"api_key"`
	BaseURL            string        `yaml:"base_url"`
	TurnWindow         time.Duration `yaml:"turn_window"`
	TranscriptionModel string        `yaml:"transcription_model"`
	Language           string        `yaml:"language"`
	ChatModel          string        `yaml:"chat_model"`
	Temperature        float64       `yaml:"temperature"`
	SystemPrompt       string        `yaml:"system_prompt"`
	SpeechModel        string        `yaml:"speech_model"`
	Voice              string        `yaml:"voice"`
}

func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			URL:          DefaultURL,
			WriteTimeout: 5 * time.Second,
		},
		Capture: CaptureConfig{
			ChunkInterval: DefaultChunkInterval,
			MimeType:      DefaultMimeType,
			SampleRate:    48000,
			Channels:      1,
		},
		Playback: PlaybackConfig{
			SampleRate: 48000,
			Buffer:     100 * time.Millisecond,
		},
		Control: ControlConfig{
			Addr: "127.0.0.1:8765",
		},
		Log: LogConfig{
			File:       "cli/cli.log",
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
		Backend: BackendConfig{
			Addr:               ":8000",
			Path:               "/ws/audio",
			TurnWindow:         4 * time.Second,
			TranscriptionModel: "whisper-1",
			Language:           "en",
			ChatModel:          "gpt-4o",
			Temperature:        0.7,
			SystemPrompt:       "You are a helpful AI assistant that answers questions about Earth and Mars.",
			SpeechModel:        "tts-1",
			Voice:              "alloy",
		},
	}
}

// LoadConfig reads the YAML file at path on top of DefaultConfig and applies
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		if err := cfg.applyEnv(); err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return cfg, nil
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("decoding yaml: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var err error
	if c.Transport.URL, err = Getenv(GetenvString, EnvKeyURL, false, c.Transport.URL); err != nil {
		return err
	}
	if c.Control.Addr, err = Getenv(GetenvString, EnvKeyControlAddr, false, c.Control.Addr); err != nil {
		return err
	}
	if c.Backend.APIKey, err = Getenv(GetenvString, EnvKeyAPIKey, false, c.Backend.APIKey); err != nil {
		return err
	}
	if c.Backend.BaseURL, err = Getenv(GetenvString, EnvKeyBaseURL, false, c.Backend.BaseURL); err != nil {
		return err
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if u, err := url.Parse(c.Transport.URL); err != nil {
		errs = append(errs, fmt.Errorf("transport.url: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("transport.url %q: scheme must be ws or wss", c.Transport.URL))
	}
	if c.Transport.HandshakeTimeout < 0 {
		errs = append(errs, errors.New("transport.handshake_timeout must not be negative"))
	}
	if c.Transport.WriteTimeout < 0 {
		errs = append(errs, errors.New("transport.write_timeout must not be negative"))
	}
	if c.Capture.ChunkInterval <= 0 {
		errs = append(errs, errors.New("capture.chunk_interval must be positive"))
	}
	if c.Capture.MimeType != DefaultMimeType {
		errs = append(errs, fmt.Errorf("capture.mime_type %q: only %s is supported", c.Capture.MimeType, DefaultMimeType))
	}
	if c.Capture.SampleRate <= 0 {
		errs = append(errs, errors.New("capture.sample_rate must be positive"))
	}
	if c.Capture.Channels != 1 && c.Capture.Channels != 2 {
		errs = append(errs, fmt.Errorf("capture.channels %d: must be 1 or 2", c.Capture.Channels))
	}
	if c.Playback.SampleRate <= 0 {
		errs = append(errs, errors.New("playback.sample_rate must be positive"))
	}
	if c.Playback.Buffer <= 0 {
		errs = append(errs, errors.New("playback.buffer must be positive"))
	}
	if c.Backend.TurnWindow <= 0 {
		errs = append(errs, errors.New("backend.turn_window must be positive"))
	}
	return errors.Join(errs...)
}
