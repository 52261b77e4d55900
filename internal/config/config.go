package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config stores runtime configuration for scribe.
type Config struct {
	API        APIConfig        `yaml:"api"`
	Live       LiveConfig       `yaml:"live"`
	Audio      AudioConfig      `yaml:"audio"`
	Session    SessionConfig    `yaml:"session"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Store      StoreConfig      `yaml:"store"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Vocabulary VocabularyConfig `yaml:"vocabulary"`
	Log        LogConfig        `yaml:"log"`

	// Path is the config file that was read, empty when none existed.
	Path string `yaml:"-"`
}

type APIConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

type LiveConfig struct {
	URL            string        `yaml:"url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type AudioConfig struct {
	RecorderCommand string `yaml:"recorder_command"`
	InputFormat     string `yaml:"input_format"`
	InputDevice     string `yaml:"input_device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkIntervalMS int    `yaml:"chunk_interval_ms"`
}

// ChunkInterval is the capture chunk cadence.
func (a AudioConfig) ChunkInterval() time.Duration {
	return time.Duration(a.ChunkIntervalMS) * time.Millisecond
}

type SessionConfig struct {
	MaxDurationSeconds int           `yaml:"max_duration_seconds"`
	KeepaliveInterval  time.Duration `yaml:"keepalive_interval"`
	TickInterval       time.Duration `yaml:"tick_interval"`
	FinalizeGrace      time.Duration `yaml:"finalize_grace"`
}

type PipelineConfig struct {
	UploadTimeoutBase  time.Duration `yaml:"upload_timeout_base"`
	UploadTimeoutPerMB time.Duration `yaml:"upload_timeout_per_mb"`
	UploadTimeoutMax   time.Duration `yaml:"upload_timeout_max"`
	LargeUploadBytes   int64         `yaml:"large_upload_bytes"`
	RegisterTimeout    time.Duration `yaml:"register_timeout"`
	TranscribeTimeout  time.Duration `yaml:"transcribe_timeout"`
	GenerateTimeout    time.Duration `yaml:"generate_timeout"`
	SynthesisTimeout   time.Duration `yaml:"synthesis_timeout"`
	RefreshTimeout     time.Duration `yaml:"refresh_timeout"`
	RefreshDelay       time.Duration `yaml:"refresh_delay"`
	FollowUpWait       time.Duration `yaml:"follow_up_wait"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

type VocabularyConfig struct {
	Path           string     `yaml:"path"`
	Terms          []TermRule `yaml:"terms"`
	IterationLimit int        `yaml:"iteration_limit"`
}

// TermRule replaces the literal term From with To.
type TermRule struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default(home string) Config {
	return Config{
		API: APIConfig{
			BaseURL: "http://localhost:8080",
		},
		Live: LiveConfig{
			URL:            "ws://localhost:8080/live-transcribe",
			ConnectTimeout: 5 * time.Second,
		},
		Audio: AudioConfig{
			RecorderCommand: "ffmpeg",
			InputFormat:     "pulse",
			InputDevice:     "default",
			SampleRate:      16000,
			Channels:        1,
			ChunkIntervalMS: 250,
		},
		Session: SessionConfig{
			MaxDurationSeconds: 3600,
			KeepaliveInterval:  10 * time.Second,
			TickInterval:       time.Second,
			FinalizeGrace:      2 * time.Second,
		},
		Pipeline: PipelineConfig{
			UploadTimeoutBase:  10 * time.Minute,
			UploadTimeoutPerMB: 5 * time.Second,
			UploadTimeoutMax:   30 * time.Minute,
			LargeUploadBytes:   50 << 20,
			RegisterTimeout:    30 * time.Second,
			TranscribeTimeout:  90 * time.Minute,
			GenerateTimeout:    10 * time.Minute,
			SynthesisTimeout:   10 * time.Minute,
			RefreshTimeout:     30 * time.Second,
			RefreshDelay:       2 * time.Second,
			FollowUpWait:       30 * time.Second,
		},
		Store: StoreConfig{
			Driver:      "sqlite",
			Path:        filepath.Join(home, ".local", "share", "scribe", "jobs.sqlite"),
			RedisPrefix: "scribe:job:",
		},
		OpenAI: OpenAIConfig{
			Model: "gpt-4o-mini",
		},
		Vocabulary: VocabularyConfig{
			IterationLimit: 30,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load resolves configuration from the optional YAML file, then environment
// variables, then sensible defaults.
func Load() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, errors.New("could not determine home directory")
	}

	cfg := Default(home)

	path := strings.TrimSpace(os.Getenv("SCRIBE_CONFIG"))
	if path == "" {
		path = filepath.Join(firstNonEmpty(os.Getenv("XDG_CONFIG_HOME"), filepath.Join(home, ".config")), "scribe", "config.yaml")
	}
	if err := readFile(path, &cfg); err != nil {
		return Config{}, err
	}

	applyEnv(&cfg)
	clamp(&cfg, Default(home))

	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Path = path
	return nil
}

func applyEnv(cfg *Config) {
	cfg.API.BaseURL = envOrDefault("SCRIBE_API_BASE_URL", cfg.API.BaseURL)
	cfg.API.Token = firstNonEmpty(os.Getenv("SCRIBE_API_TOKEN"), cfg.API.Token)

	cfg.Live.URL = envOrDefault("SCRIBE_LIVE_URL", cfg.Live.URL)
	cfg.Live.ConnectTimeout = envOrDefaultDuration("SCRIBE_LIVE_CONNECT_TIMEOUT", cfg.Live.ConnectTimeout)

	cfg.Audio.RecorderCommand = envOrDefault("SCRIBE_FFMPEG_COMMAND", cfg.Audio.RecorderCommand)
	cfg.Audio.InputFormat = envOrDefault("SCRIBE_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = firstNonEmpty(
		os.Getenv("SCRIBE_AUDIO_INPUT_DEVICE"),
		os.Getenv("PULSE_SOURCE"),
		cfg.Audio.InputDevice,
	)
	cfg.Audio.SampleRate = envOrDefaultInt("SCRIBE_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.Channels = envOrDefaultInt("SCRIBE_CHANNELS", cfg.Audio.Channels)
	cfg.Audio.ChunkIntervalMS = envOrDefaultInt("SCRIBE_CHUNK_INTERVAL_MS", cfg.Audio.ChunkIntervalMS)

	cfg.Session.MaxDurationSeconds = envOrDefaultInt("SCRIBE_MAX_DURATION_SECONDS", cfg.Session.MaxDurationSeconds)
	cfg.Session.KeepaliveInterval = envOrDefaultDuration("SCRIBE_KEEPALIVE_INTERVAL", cfg.Session.KeepaliveInterval)
	cfg.Session.FinalizeGrace = envOrDefaultDuration("SCRIBE_FINALIZE_GRACE", cfg.Session.FinalizeGrace)

	cfg.Pipeline.UploadTimeoutBase = envOrDefaultDuration("SCRIBE_UPLOAD_TIMEOUT", cfg.Pipeline.UploadTimeoutBase)
	cfg.Pipeline.TranscribeTimeout = envOrDefaultDuration("SCRIBE_TRANSCRIBE_TIMEOUT", cfg.Pipeline.TranscribeTimeout)
	cfg.Pipeline.GenerateTimeout = envOrDefaultDuration("SCRIBE_GENERATE_TIMEOUT", cfg.Pipeline.GenerateTimeout)
	cfg.Pipeline.RefreshDelay = envOrDefaultDuration("SCRIBE_REFRESH_DELAY", cfg.Pipeline.RefreshDelay)
	cfg.Pipeline.SynthesisTimeout = envOrDefaultDuration("SCRIBE_SYNTHESIS_TIMEOUT", cfg.Pipeline.SynthesisTimeout)
	cfg.Pipeline.FollowUpWait = envOrDefaultDuration("SCRIBE_FOLLOW_UP_WAIT", cfg.Pipeline.FollowUpWait)

	cfg.Store.Driver = strings.ToLower(envOrDefault("SCRIBE_STORE_DRIVER", cfg.Store.Driver))
	cfg.Store.Path = envOrDefault("SCRIBE_STORE_PATH", cfg.Store.Path)
	cfg.Store.RedisAddr = firstNonEmpty(os.Getenv("SCRIBE_REDIS_ADDR"), cfg.Store.RedisAddr)
	cfg.Store.RedisPrefix = envOrDefault("SCRIBE_REDIS_PREFIX", cfg.Store.RedisPrefix)

	cfg.OpenAI.APIKey = firstNonEmpty(os.Getenv("OPENAI_API_KEY"), cfg.OpenAI.APIKey)
	cfg.OpenAI.Model = envOrDefault("SCRIBE_OPENAI_MODEL", cfg.OpenAI.Model)

	cfg.Vocabulary.Path = firstNonEmpty(os.Getenv("SCRIBE_VOCABULARY_FILE"), cfg.Vocabulary.Path)

	cfg.Log.Level = strings.ToLower(envOrDefault("SCRIBE_LOG_LEVEL", cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(envOrDefault("SCRIBE_LOG_FORMAT", cfg.Log.Format))
}

func clamp(cfg *Config, def Config) {
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = def.Audio.SampleRate
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = def.Audio.Channels
	}
	if cfg.Audio.ChunkIntervalMS < 20 {
		cfg.Audio.ChunkIntervalMS = def.Audio.ChunkIntervalMS
	}
	if cfg.Live.ConnectTimeout <= 0 {
		cfg.Live.ConnectTimeout = def.Live.ConnectTimeout
	}
	if cfg.Session.MaxDurationSeconds <= 0 {
		cfg.Session.MaxDurationSeconds = def.Session.MaxDurationSeconds
	}
	if cfg.Session.KeepaliveInterval <= 0 {
		cfg.Session.KeepaliveInterval = def.Session.KeepaliveInterval
	}
	if cfg.Session.TickInterval <= 0 {
		cfg.Session.TickInterval = def.Session.TickInterval
	}
	if cfg.Session.FinalizeGrace < 0 {
		cfg.Session.FinalizeGrace = def.Session.FinalizeGrace
	}
	if cfg.Pipeline.UploadTimeoutBase <= 0 {
		cfg.Pipeline.UploadTimeoutBase = def.Pipeline.UploadTimeoutBase
	}
	if cfg.Pipeline.UploadTimeoutMax < cfg.Pipeline.UploadTimeoutBase {
		cfg.Pipeline.UploadTimeoutMax = cfg.Pipeline.UploadTimeoutBase
	}
	if cfg.Pipeline.LargeUploadBytes <= 0 {
		cfg.Pipeline.LargeUploadBytes = def.Pipeline.LargeUploadBytes
	}
	if cfg.Pipeline.TranscribeTimeout <= 0 {
		cfg.Pipeline.TranscribeTimeout = def.Pipeline.TranscribeTimeout
	}
	if cfg.Pipeline.GenerateTimeout <= 0 {
		cfg.Pipeline.GenerateTimeout = def.Pipeline.GenerateTimeout
	}
	if cfg.Pipeline.RegisterTimeout <= 0 {
		cfg.Pipeline.RegisterTimeout = def.Pipeline.RegisterTimeout
	}
	if cfg.Pipeline.SynthesisTimeout <= 0 {
		cfg.Pipeline.SynthesisTimeout = def.Pipeline.SynthesisTimeout
	}
	if cfg.Pipeline.RefreshTimeout <= 0 {
		cfg.Pipeline.RefreshTimeout = def.Pipeline.RefreshTimeout
	}
	if cfg.Pipeline.RefreshDelay < 0 {
		cfg.Pipeline.RefreshDelay = 0
	}
	if cfg.Pipeline.FollowUpWait <= 0 {
		cfg.Pipeline.FollowUpWait = def.Pipeline.FollowUpWait
	}
	switch cfg.Store.Driver {
	case "sqlite", "redis", "none":
	default:
		cfg.Store.Driver = def.Store.Driver
	}
	if cfg.Vocabulary.IterationLimit <= 0 {
		cfg.Vocabulary.IterationLimit = def.Vocabulary.IterationLimit
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
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

// envOrDefaultDuration accepts Go durations ("90s") or bare milliseconds.
func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
