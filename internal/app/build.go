package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/opencall/phonecore/internal/brain"
	"github.com/opencall/phonecore/internal/config"
	"github.com/opencall/phonecore/internal/history"
	"github.com/opencall/phonecore/internal/httpapi"
	"github.com/opencall/phonecore/internal/interruptmgr"
	"github.com/opencall/phonecore/internal/modelrouter"
	"github.com/opencall/phonecore/internal/observability"
	"github.com/opencall/phonecore/internal/session"
	"github.com/opencall/phonecore/internal/voice"
)

type VoiceInfo struct {
	Provider       string
	Detail         string
	DefaultVoiceID string
	DefaultModelID string
}

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Engine   *voice.Engine
	Metrics  *observability.Metrics
	Voice    VoiceInfo

	// Cleanup should be called on shutdown to release external resources (DB, local workers, etc).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	historyStore, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("history store init failed: %w", err)
	}

	brainAdapter, err := brain.NewAdapter(brain.Config{
		Mode:    cfg.BrainAdapterMode,
		HTTPURL: cfg.BrainHTTPURL,
		CLIPath: cfg.BrainCLIPath,
	})
	if err != nil {
		_ = historyStore.Close()
		return nil, fmt.Errorf("brain adapter init failed: %w", err)
	}

	voiceSetup, err := resolveVoiceProviders(cfg)
	if err != nil {
		_ = historyStore.Close()
		return nil, err
	}
	cfg.VoiceProvider = voiceSetup.resolvedProvider

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	interrupts := interruptmgr.NewManager(cfg.AutoInterruptMS, cfg.MinUserSpeechDurationMS)
	router := modelrouter.NewRouter(cfg.DefaultModel, cfg.FallbackModel, cfg.ComplexityThreshold, cfg.FirstAudioTargetMS.Milliseconds())

	engine := voice.NewEngine(
		sessions,
		interrupts,
		router,
		brainAdapter,
		voiceSetup.sttProvider,
		voiceSetup.ttsProvider,
		historyStore,
		metrics,
		voice.EngineConfig{
			EndOfUtterance:    cfg.EndOfUtteranceMS,
			STTTimeout:        cfg.STTTimeoutMS,
			LLMTimeout:        cfg.LLMTimeoutMS,
			TTSTimeout:        cfg.TTSTimeoutMS,
			MaxChunkBytes:     cfg.MaxChunkBytes,
			DefaultVoiceID:    voiceSetup.defaultVoiceID,
			DefaultTTSModelID: voiceSetup.defaultModelID,
		},
	)

	api := httpapi.New(cfg, sessions, engine, interrupts, historyStore, metrics)

	cleanup := func() error {
		var errs []string
		if voiceSetup.cleanup != nil {
			if err := voiceSetup.cleanup(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if err := historyStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:   cfg,
		API:      api,
		Sessions: sessions,
		Engine:   engine,
		Metrics:  metrics,
		Voice: VoiceInfo{
			Provider:       cfg.VoiceProvider,
			Detail:         voiceSetup.detail,
			DefaultVoiceID: voiceSetup.defaultVoiceID,
			DefaultModelID: voiceSetup.defaultModelID,
		},
		Cleanup: cleanup,
	}, nil
}
