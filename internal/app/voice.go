package app

import (
	"fmt"
	"strings"

	"github.com/opencall/phonecore/internal/config"
	"github.com/opencall/phonecore/internal/voice"
)

type voiceSetup struct {
	sttProvider      voice.STTProvider
	ttsProvider      voice.TTSProvider
	resolvedProvider string
	defaultVoiceID   string
	defaultModelID   string
	detail           string
	cleanup          func() error
}

func resolveVoiceProviders(cfg config.Config) (voiceSetup, error) {
	voiceMode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if voiceMode == "" {
		voiceMode = "auto"
	}

	tryCloud := func() (voiceSetup, bool) {
		if strings.TrimSpace(cfg.CloudAPIKey) == "" {
			return voiceSetup{}, false
		}
		p := voice.NewCloudProvider(voice.CloudConfig{
			APIKey:              cfg.CloudAPIKey,
			WSBaseURL:           cfg.CloudWSBaseURL,
			STTModelID:          cfg.CloudSTTModel,
			CommitStrategy:      cfg.CloudSTTCommitStrategy,
			DefaultOutputFormat: cfg.CloudTTSOutputFormat,
		})
		return voiceSetup{
			sttProvider:      p,
			ttsProvider:      p,
			resolvedProvider: "cloud",
			defaultVoiceID:   cfg.CloudTTSVoice,
			defaultModelID:   cfg.CloudTTSModel,
			detail:           "cloud realtime",
			cleanup:          nil,
		}, true
	}

	tryLocal := func(fatal bool) (voiceSetup, bool, error) {
		p, err := voice.NewLocalProvider(voice.LocalConfig{
			WhisperCLI:         cfg.LocalWhisperCLI,
			WhisperModelPath:   cfg.LocalWhisperModelPath,
			WhisperLanguage:    cfg.LocalWhisperLanguage,
			WhisperThreads:     cfg.LocalWhisperThreads,
			WhisperBeamSize:    cfg.LocalWhisperBeamSize,
			WhisperBestOf:      cfg.LocalWhisperBestOf,
			KokoroPython:       cfg.LocalKokoroPython,
			KokoroWorkerScript: cfg.LocalKokoroWorkerScript,
			KokoroVoice:        cfg.LocalKokoroVoice,
			KokoroLangCode:     cfg.LocalKokoroLangCode,
		})
		if err != nil {
			if fatal {
				return voiceSetup{}, false, fmt.Errorf("local voice provider init failed: %w", err)
			}
			return voiceSetup{}, false, nil
		}

		defaultVoiceID := strings.TrimSpace(cfg.LocalKokoroVoice)
		if defaultVoiceID == "" {
			defaultVoiceID = "af_heart"
		}

		return voiceSetup{
			sttProvider:      p,
			ttsProvider:      p,
			resolvedProvider: "local",
			defaultVoiceID:   defaultVoiceID,
			defaultModelID:   "kokoro",
			detail:           fmt.Sprintf("local (%s + kokoro)", p.STTBackend()),
			cleanup:          p.Close,
		}, true, nil
	}

	switch voiceMode {
	case "cloud":
		if setup, ok := tryCloud(); ok {
			return setup, nil
		}
		return voiceSetup{}, fmt.Errorf("PHONE_VOICE_PROVIDER=cloud but PHONE_CLOUD_API_KEY is not set")
	case "local":
		setup, _, err := tryLocal(true)
		return setup, err
	case "mock":
		p := voice.NewMockProvider()
		return voiceSetup{
			sttProvider:      p,
			ttsProvider:      p,
			resolvedProvider: "mock",
			defaultVoiceID:   "",
			defaultModelID:   "",
			detail:           "mock",
			cleanup:          nil,
		}, nil
	case "auto":
		cloudSetup, hasCloud := tryCloud()
		localSetup, hasLocal, localErr := tryLocal(false)
		if localErr != nil {
			return voiceSetup{}, localErr
		}

		switch {
		case hasCloud && hasLocal:
			// Runtime failover: prefer the cloud backend but fall back to the
			// local Whisper+Kokoro pair (and back again) without a restart.
			stt, tts := voice.NewFailoverProviderPair(
				cloudSetup.sttProvider, cloudSetup.ttsProvider,
				localSetup.sttProvider, localSetup.ttsProvider,
				localSetup.defaultVoiceID, localSetup.defaultModelID,
			)
			return voiceSetup{
				sttProvider:      stt,
				ttsProvider:      tts,
				resolvedProvider: "cloud",
				defaultVoiceID:   cloudSetup.defaultVoiceID,
				defaultModelID:   cloudSetup.defaultModelID,
				detail:           "cloud realtime with local failover",
				cleanup:          localSetup.cleanup,
			}, nil
		case hasCloud:
			return cloudSetup, nil
		case hasLocal:
			return localSetup, nil
		default:
			p := voice.NewMockProvider()
			return voiceSetup{
				sttProvider:      p,
				ttsProvider:      p,
				resolvedProvider: "mock",
				defaultVoiceID:   "",
				defaultModelID:   "",
				detail:           "mock (no cloud key and local voice unavailable)",
				cleanup:          nil,
			}, nil
		}
	default:
		return voiceSetup{}, fmt.Errorf("invalid PHONE_VOICE_PROVIDER: %q (expected auto|cloud|local|mock)", cfg.VoiceProvider)
	}
}
