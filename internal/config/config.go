package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config stores runtime configuration for the desktop client.
type Config struct {
	Backend   BackendConfig
	Deepgram  DeepgramConfig
	Audio     AudioConfig
	Rules     RulesConfig
	Capture   CaptureConfig
	History   HistoryConfig
	AuthPath  string
}

type BackendConfig struct {
	Binary        string
	CandidateExes []string
	Hostname      string
	Port          int
	HealthPath    string
	ProbeTimeout  time.Duration
	SpawnTimeout  time.Duration
	RetryMax      int
	RetryInitial  time.Duration
}

type DeepgramConfig struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
}

type AudioConfig struct {
	RecorderCommand string
	InputFormat     string
	InputDevice     string
	SampleRate      int
	Channels        int
}

type RulesConfig struct {
	Path           string
	IterationLimit int
}

type CaptureConfig struct {
	ChunkSize   int
	MaxHold     time.Duration
	StreamGrace time.Duration
}

type HistoryConfig struct {
	Path string
}

// Load resolves configuration from environment variables and sensible
// defaults.
func Load() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}

	dataDir := filepath.Join(home, ".local", "share", "opdesk")

	cfg := Config{
		Backend: BackendConfig{
			Binary:        envOrDefault("OPDESK_BACKEND_BINARY", "opencode"),
			CandidateExes: splitList(envOrDefault("OPDESK_BACKEND_CANDIDATES", "opencode,bun,node")),
			Hostname:      envOrDefault("OPDESK_BACKEND_HOSTNAME", "127.0.0.1"),
			Port:          envOrDefaultInt("OPDESK_BACKEND_PORT", 0),
			HealthPath:    envOrDefault("OPDESK_BACKEND_HEALTH_PATH", "/doc"),
			ProbeTimeout:  time.Duration(envOrDefaultInt("OPDESK_PROBE_TIMEOUT_MS", 300)) * time.Millisecond,
			SpawnTimeout:  time.Duration(envOrDefaultInt("OPDESK_SPAWN_TIMEOUT_MS", 20000)) * time.Millisecond,
			RetryMax:      envOrDefaultInt("OPDESK_RECONNECT_RETRIES", 3),
			RetryInitial:  time.Duration(envOrDefaultInt("OPDESK_RECONNECT_INITIAL_MS", 500)) * time.Millisecond,
		},
		Deepgram: DeepgramConfig{
			APIKey:      strings.TrimSpace(os.Getenv("DEEPGRAM_API_KEY")),
			APIBaseURL:  envOrDefault("DEEPGRAM_API_BASE", "https://api.deepgram.com/v1"),
			Model:       envOrDefault("DEEPGRAM_MODEL", "nova-2"),
			Language:    strings.TrimSpace(os.Getenv("DEEPGRAM_LANGUAGE")),
			SmartFormat: envOrDefaultBool("DEEPGRAM_SMART_FORMAT", true),
		},
		Audio: AudioConfig{
			RecorderCommand: envOrDefault("OPDESK_FFMPEG_COMMAND", "ffmpeg"),
			InputFormat:     envOrDefault("OPDESK_AUDIO_INPUT_FORMAT", "pulse"),
			InputDevice:     envOrDefault("OPDESK_AUDIO_INPUT_DEVICE", "default"),
			SampleRate:      envOrDefaultInt("OPDESK_SAMPLE_RATE", 16000),
			Channels:        envOrDefaultInt("OPDESK_CHANNELS", 1),
		},
		Rules: RulesConfig{
			Path:           envOrDefault("OPDESK_RULES_FILE", filepath.Join(home, ".config", "opdesk", "substitutions.rules")),
			IterationLimit: envOrDefaultInt("OPDESK_RULE_ITERATION_LIMIT", 30),
		},
		Capture: CaptureConfig{
			ChunkSize:   envOrDefaultInt("OPDESK_AUDIO_CHUNK_SIZE", 4096),
			MaxHold:     time.Duration(envOrDefaultInt("OPDESK_CAPTURE_MAX_HOLD_MS", 30000)) * time.Millisecond,
			StreamGrace: time.Duration(envOrDefaultInt("OPDESK_STREAMING_GRACE_MS", 1000)) * time.Millisecond,
		},
		History: HistoryConfig{
			Path: envOrDefault("OPDESK_HISTORY_DB", filepath.Join(dataDir, "history.sqlite")),
		},
		AuthPath: envOrDefault("OPDESK_AUTH_FILE", filepath.Join(home, ".local", "share", "opencode", "auth.json")),
	}

	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Backend.RetryMax < 0 {
		cfg.Backend.RetryMax = 0
	}
	if cfg.Capture.ChunkSize < 256 {
		cfg.Capture.ChunkSize = 4096
	}
	if cfg.Capture.MaxHold <= 0 {
		cfg.Capture.MaxHold = 30 * time.Second
	}
	if cfg.Capture.StreamGrace <= 0 {
		cfg.Capture.StreamGrace = time.Second
	}
	if len(cfg.Backend.CandidateExes) == 0 {
		cfg.Backend.CandidateExes = []string{cfg.Backend.Binary}
	}

	return cfg, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
