package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the phone-call voice service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	ShutdownDrain    time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// Turn-taking and interrupt timing.
	AutoInterruptMS          time.Duration
	MinUserSpeechDurationMS  time.Duration
	EndOfUtteranceMS         time.Duration
	FirstAudioTargetMS       time.Duration
	CancellationLatencyMS    time.Duration

	// Per-call adapter deadlines.
	STTTimeoutMS time.Duration
	LLMTimeoutMS time.Duration
	TTSTimeoutMS time.Duration

	// Backpressure.
	InboundQueueSize  int
	OutboundQueueSize int
	MaxChunkBytes     int
	SendTimeoutMS     time.Duration

	// Model routing.
	DefaultModel        string
	FallbackModel       string
	ComplexityThreshold float64

	// Content policy.
	KidFriendlyDefault bool

	// Persistence.
	PersistSLOMS time.Duration

	// Concurrency.
	MaxSessions             int
	AdapterPoolSize         int
	SessionInactivityTimeout time.Duration

	// Adapter selection (domain stack bindings; see SPEC_FULL.md 4.4.1).
	VoiceProvider string

	CloudAPIKey            string
	CloudWSBaseURL         string
	CloudTTSVoice          string
	CloudTTSModel          string
	CloudSTTModel          string
	CloudTTSOutputFormat   string
	CloudSTTCommitStrategy string

	LocalWhisperCLI       string
	LocalWhisperModelPath string
	LocalWhisperLanguage  string
	LocalWhisperThreads   int
	LocalWhisperBeamSize  int
	LocalWhisperBestOf    int

	LocalKokoroPython       string
	LocalKokoroWorkerScript string
	LocalKokoroVoice        string
	LocalKokoroLangCode     string

	BrainAdapterMode string
	BrainHTTPURL     string
	BrainCLIPath     string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "phonecore"),
		AllowAnyOrigin:   false,

		AutoInterruptMS:         3000 * time.Millisecond,
		MinUserSpeechDurationMS: 500 * time.Millisecond,
		EndOfUtteranceMS:        700 * time.Millisecond,
		FirstAudioTargetMS:      500 * time.Millisecond,
		CancellationLatencyMS:   50 * time.Millisecond,

		STTTimeoutMS: 8 * time.Second,
		LLMTimeoutMS: 12 * time.Second,
		TTSTimeoutMS: 8 * time.Second,

		InboundQueueSize:  256,
		OutboundQueueSize: 256,
		MaxChunkBytes:     64 * 1024,
		SendTimeoutMS:     5 * time.Second,

		DefaultModel:        envOrDefault("PHONE_DEFAULT_MODEL", "fast-small"),
		FallbackModel:       envOrDefault("PHONE_FALLBACK_MODEL", "fast-small-fallback"),
		ComplexityThreshold: 0.6,

		KidFriendlyDefault: false,

		PersistSLOMS: 200 * time.Millisecond,

		MaxSessions:              512,
		AdapterPoolSize:          8,
		SessionInactivityTimeout: 2 * time.Minute,

		ShutdownTimeout: 15 * time.Second,
		ShutdownDrain:   5 * time.Second,

		VoiceProvider:          envOrDefault("PHONE_VOICE_PROVIDER", "auto"),
		CloudWSBaseURL:         envOrDefault("PHONE_CLOUD_WS_BASE_URL", "wss://api.elevenlabs.io"),
		CloudTTSVoice:          envOrDefault("PHONE_CLOUD_TTS_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		CloudTTSModel:          envOrDefault("PHONE_CLOUD_TTS_MODEL_ID", "eleven_multilingual_v2"),
		CloudSTTModel:          envOrDefault("PHONE_CLOUD_STT_MODEL_ID", "scribe_v2_realtime"),
		CloudTTSOutputFormat:   envOrDefault("PHONE_CLOUD_TTS_OUTPUT_FORMAT", "pcm_16000"),
		CloudSTTCommitStrategy: envOrDefault("PHONE_CLOUD_STT_COMMIT_STRATEGY", "manual"),

		LocalWhisperCLI:       envOrDefault("LOCAL_WHISPER_CLI", "whisper-cli"),
		LocalWhisperModelPath: envOrDefault("LOCAL_WHISPER_MODEL_PATH", ".models/whisper/ggml-base.bin"),
		LocalWhisperLanguage:  envOrDefault("LOCAL_WHISPER_LANGUAGE", "en"),
		LocalWhisperThreads:   0,
		LocalWhisperBeamSize:  1,
		LocalWhisperBestOf:    1,

		LocalKokoroPython:       envOrDefault("LOCAL_KOKORO_PYTHON", ""),
		LocalKokoroWorkerScript: envOrDefault("LOCAL_KOKORO_WORKER_SCRIPT", "scripts/kokoro_worker.py"),
		LocalKokoroVoice:        envOrDefault("LOCAL_KOKORO_VOICE", "af_heart"),
		LocalKokoroLangCode:     envOrDefault("LOCAL_KOKORO_LANG_CODE", "a"),

		BrainAdapterMode: envOrDefault("PHONE_BRAIN_ADAPTER_MODE", "auto"),
		BrainHTTPURL:     stringsTrimSpace("PHONE_BRAIN_HTTP_URL"),
		BrainCLIPath:     envOrDefault("PHONE_BRAIN_CLI_PATH", "brain-cli"),

		CloudAPIKey: stringsTrimSpace("PHONE_CLOUD_API_KEY"),
		DatabaseURL: stringsTrimSpace("DATABASE_URL"),
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"PHONE_AUTO_INTERRUPT_MS", &cfg.AutoInterruptMS},
		{"PHONE_MIN_USER_SPEECH_DURATION_MS", &cfg.MinUserSpeechDurationMS},
		{"PHONE_END_OF_UTTERANCE_MS", &cfg.EndOfUtteranceMS},
		{"PHONE_FIRST_AUDIO_TARGET_MS", &cfg.FirstAudioTargetMS},
		{"PHONE_CANCELLATION_LATENCY_MS", &cfg.CancellationLatencyMS},
		{"PHONE_STT_TIMEOUT_MS", &cfg.STTTimeoutMS},
		{"PHONE_LLM_TIMEOUT_MS", &cfg.LLMTimeoutMS},
		{"PHONE_TTS_TIMEOUT_MS", &cfg.TTSTimeoutMS},
		{"PHONE_SEND_TIMEOUT_MS", &cfg.SendTimeoutMS},
		{"PHONE_PERSIST_SLO_MS", &cfg.PersistSLOMS},
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SHUTDOWN_DRAIN", &cfg.ShutdownDrain},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PHONE_INBOUND_QUEUE_SIZE", &cfg.InboundQueueSize},
		{"PHONE_OUTBOUND_QUEUE_SIZE", &cfg.OutboundQueueSize},
		{"PHONE_MAX_CHUNK_BYTES", &cfg.MaxChunkBytes},
		{"PHONE_MAX_SESSIONS", &cfg.MaxSessions},
		{"PHONE_ADAPTER_POOL_SIZE", &cfg.AdapterPoolSize},
		{"LOCAL_WHISPER_THREADS", &cfg.LocalWhisperThreads},
		{"LOCAL_WHISPER_BEAM_SIZE", &cfg.LocalWhisperBeamSize},
		{"LOCAL_WHISPER_BEST_OF", &cfg.LocalWhisperBestOf},
	}
	for _, i := range ints {
		*i.dst, err = intFromEnv(i.key, *i.dst)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.ComplexityThreshold, err = floatFromEnv("PHONE_COMPLEXITY_THRESHOLD", cfg.ComplexityThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.KidFriendlyDefault, err = boolFromEnv("PHONE_KID_FRIENDLY_DEFAULT", cfg.KidFriendlyDefault)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.AutoInterruptMS <= 0 {
		return fmt.Errorf("PHONE_AUTO_INTERRUPT_MS must be positive")
	}
	if cfg.MinUserSpeechDurationMS <= 0 {
		return fmt.Errorf("PHONE_MIN_USER_SPEECH_DURATION_MS must be positive")
	}
	if cfg.EndOfUtteranceMS <= 0 {
		return fmt.Errorf("PHONE_END_OF_UTTERANCE_MS must be positive")
	}
	if cfg.InboundQueueSize <= 0 || cfg.OutboundQueueSize <= 0 {
		return fmt.Errorf("queue sizes must be positive")
	}
	if cfg.MaxChunkBytes <= 0 {
		return fmt.Errorf("PHONE_MAX_CHUNK_BYTES must be positive")
	}
	if cfg.MaxSessions <= 0 {
		return fmt.Errorf("PHONE_MAX_SESSIONS must be positive")
	}
	if cfg.AdapterPoolSize <= 0 {
		return fmt.Errorf("PHONE_ADAPTER_POOL_SIZE must be positive")
	}
	if cfg.ComplexityThreshold < 0 || cfg.ComplexityThreshold > 1 {
		return fmt.Errorf("PHONE_COMPLEXITY_THRESHOLD must be within [0,1]")
	}
	if cfg.LocalWhisperThreads < 0 {
		return fmt.Errorf("LOCAL_WHISPER_THREADS must be >= 0")
	}
	if cfg.LocalWhisperBeamSize <= 0 {
		return fmt.Errorf("LOCAL_WHISPER_BEAM_SIZE must be positive")
	}
	if cfg.LocalWhisperBestOf <= 0 {
		return fmt.Errorf("LOCAL_WHISPER_BEST_OF must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
