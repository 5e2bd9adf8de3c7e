package shared

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvKeyURL, EnvKeyControlAddr, EnvKeyAPIKey, EnvKeyBaseURL} {
		t.Setenv(key, "")
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "ws://localhost:8000/ws/audio", cfg.Transport.URL)
	assert.Equal(t, 250*time.Millisecond, cfg.Capture.ChunkInterval)
	assert.Equal(t, "audio/webm", cfg.Capture.MimeType)
	assert.Equal(t, 4*time.Second, cfg.Backend.TurnWindow)
	assert.Equal(t, "whisper-1", cfg.Backend.TranscriptionModel)
	assert.Equal(t, "gpt-4o", cfg.Backend.ChatModel)
	assert.Equal(t, "tts-1", cfg.Backend.SpeechModel)
	assert.Equal(t, "alloy", cfg.Backend.Voice)
}

func TestParseConfigOverridesDefaults(t *testing.T) {
	clearConfigEnv(t)
	cfg, err := ParseConfig([]byte(`
transport:
  url: wss://voice.example.com/ws/audio
  handshake_timeout: 3s
capture:
  chunk_interval: 100ms
  channels: 2
control:
  addr: ""
backend:
  turn_window: 2s
  voice: verse
`))
	require.NoError(t, err)
	assert.Equal(t, "wss://voice.example.com/ws/audio", cfg.Transport.URL)
	assert.Equal(t, 3*time.Second, cfg.Transport.HandshakeTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Capture.ChunkInterval)
	assert.Equal(t, 2, cfg.Capture.Channels)
	assert.Empty(t, cfg.Control.Addr)
	assert.Equal(t, 2*time.Second, cfg.Backend.TurnWindow)
	assert.Equal(t, "verse", cfg.Backend.Voice)

	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultMimeType, cfg.Capture.MimeType)
	assert.Equal(t, 48000, cfg.Playback.SampleRate)
}

func TestParseConfigRejectsUnknownFields(t *testing.T) {
	clearConfigEnv(t)
	_, err := ParseConfig([]byte("transport:\n  uri: ws://localhost:8000/ws/audio\n"))
	assert.Error(t, err)
}

func TestParseConfigEnvOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv(EnvKeyURL, "ws://10.0.0.2:9000/ws/audio")
	t.Setenv(EnvKeyAPIKey, "sk-env")
	t.Setenv(EnvKeyControlAddr, "127.0.0.1:9999")

	cfg, err := ParseConfig([]byte("backend:\n  api_key: sk-file\n"))
	require.NoError(t, err)
	assert.Equal(t, "ws://10.0.0.2:9000/ws/audio", cfg.Transport.URL)
	assert.Equal(t, "sk-env", cfg.Backend.APIKey)
	assert.Equal(t, "127.0.0.1:9999", cfg.Control.Addr)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.URL = "http://localhost:8000/ws/audio"
	cfg.Capture.ChunkInterval = 0
	cfg.Capture.MimeType = "audio/ogg"
	cfg.Capture.Channels = 6
	cfg.Playback.Buffer = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"transport.url",
		"capture.chunk_interval",
		"capture.mime_type",
		"capture.channels",
		"playback.buffer",
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestLoadConfig(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("playback:\n  sample_rate: 44100\n"), 0o600))
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 44100, cfg.Playback.SampleRate)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
