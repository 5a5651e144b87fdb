package config

import "testing"

func TestLoadDefaultsDoNotSetBrainHTTPURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BrainAdapterMode != "auto" {
		t.Fatalf("BrainAdapterMode = %q, want %q", cfg.BrainAdapterMode, "auto")
	}
	if cfg.BrainHTTPURL != "" {
		t.Fatalf("BrainHTTPURL = %q, want empty default", cfg.BrainHTTPURL)
	}
}

func TestLoadUsesExplicitBrainHTTPURL(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("PHONE_BRAIN_HTTP_URL", "http://localhost:7777/custom")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BrainHTTPURL != "http://localhost:7777/custom" {
		t.Fatalf("BrainHTTPURL = %q, want explicit value", cfg.BrainHTTPURL)
	}
}

func TestLoadRejectsBadAutoInterrupt(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("PHONE_AUTO_INTERRUPT_MS", "not-a-duration")

	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoadAppliesSpecDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AutoInterruptMS.Milliseconds() != 3000 {
		t.Fatalf("AutoInterruptMS = %v, want 3000ms", cfg.AutoInterruptMS)
	}
	if cfg.MinUserSpeechDurationMS.Milliseconds() != 500 {
		t.Fatalf("MinUserSpeechDurationMS = %v, want 500ms", cfg.MinUserSpeechDurationMS)
	}
	if cfg.EndOfUtteranceMS.Milliseconds() != 700 {
		t.Fatalf("EndOfUtteranceMS = %v, want 700ms", cfg.EndOfUtteranceMS)
	}
	if cfg.FirstAudioTargetMS.Milliseconds() != 500 {
		t.Fatalf("FirstAudioTargetMS = %v, want 500ms", cfg.FirstAudioTargetMS)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SHUTDOWN_DRAIN",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"PHONE_VOICE_PROVIDER",
		"PHONE_CLOUD_API_KEY",
		"PHONE_CLOUD_WS_BASE_URL",
		"PHONE_CLOUD_TTS_VOICE_ID",
		"PHONE_CLOUD_TTS_MODEL_ID",
		"PHONE_CLOUD_STT_MODEL_ID",
		"PHONE_CLOUD_TTS_OUTPUT_FORMAT",
		"PHONE_CLOUD_STT_COMMIT_STRATEGY",
		"LOCAL_WHISPER_CLI",
		"LOCAL_WHISPER_MODEL_PATH",
		"LOCAL_WHISPER_LANGUAGE",
		"LOCAL_WHISPER_THREADS",
		"LOCAL_WHISPER_BEAM_SIZE",
		"LOCAL_WHISPER_BEST_OF",
		"LOCAL_KOKORO_PYTHON",
		"LOCAL_KOKORO_WORKER_SCRIPT",
		"LOCAL_KOKORO_VOICE",
		"LOCAL_KOKORO_LANG_CODE",
		"PHONE_BRAIN_ADAPTER_MODE",
		"PHONE_BRAIN_HTTP_URL",
		"PHONE_BRAIN_CLI_PATH",
		"DATABASE_URL",
		"PHONE_AUTO_INTERRUPT_MS",
		"PHONE_MIN_USER_SPEECH_DURATION_MS",
		"PHONE_END_OF_UTTERANCE_MS",
		"PHONE_FIRST_AUDIO_TARGET_MS",
		"PHONE_COMPLEXITY_THRESHOLD",
		"PHONE_KID_FRIENDLY_DEFAULT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
