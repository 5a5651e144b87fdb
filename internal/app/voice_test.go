package app

import (
	"testing"

	"github.com/opencall/phonecore/internal/config"
)

func TestResolveVoiceProvidersMock(t *testing.T) {
	setup, err := resolveVoiceProviders(config.Config{VoiceProvider: "mock"})
	if err != nil {
		t.Fatalf("resolveVoiceProviders(mock) error = %v", err)
	}
	if setup.resolvedProvider != "mock" {
		t.Fatalf("resolvedProvider = %q, want mock", setup.resolvedProvider)
	}
	if setup.sttProvider == nil || setup.ttsProvider == nil {
		t.Fatalf("mock setup missing providers: %+v", setup)
	}
	if setup.cleanup != nil {
		t.Fatalf("mock setup should not need cleanup")
	}
}

func TestResolveVoiceProvidersCloud(t *testing.T) {
	setup, err := resolveVoiceProviders(config.Config{
		VoiceProvider: "cloud",
		CloudAPIKey:   "test-key",
		CloudTTSVoice: "voice-1",
		CloudTTSModel: "model-1",
	})
	if err != nil {
		t.Fatalf("resolveVoiceProviders(cloud) error = %v", err)
	}
	if setup.resolvedProvider != "cloud" {
		t.Fatalf("resolvedProvider = %q, want cloud", setup.resolvedProvider)
	}
	if setup.defaultVoiceID != "voice-1" || setup.defaultModelID != "model-1" {
		t.Fatalf("unexpected default voice/model: %+v", setup)
	}
}

func TestResolveVoiceProvidersCloudRequiresAPIKey(t *testing.T) {
	_, err := resolveVoiceProviders(config.Config{VoiceProvider: "cloud"})
	if err == nil {
		t.Fatalf("expected error when PHONE_CLOUD_API_KEY is unset")
	}
}

func TestResolveVoiceProvidersAutoFallsBackToMock(t *testing.T) {
	setup, err := resolveVoiceProviders(config.Config{VoiceProvider: "auto"})
	if err != nil {
		t.Fatalf("resolveVoiceProviders(auto) error = %v", err)
	}
	if setup.resolvedProvider != "mock" {
		t.Fatalf("resolvedProvider = %q, want mock when no cloud key and no local backend", setup.resolvedProvider)
	}
}

func TestResolveVoiceProvidersDefaultsToAuto(t *testing.T) {
	setup, err := resolveVoiceProviders(config.Config{})
	if err != nil {
		t.Fatalf("resolveVoiceProviders(\"\") error = %v", err)
	}
	if setup.resolvedProvider != "mock" {
		t.Fatalf("resolvedProvider = %q, want mock", setup.resolvedProvider)
	}
}

func TestResolveVoiceProvidersInvalidMode(t *testing.T) {
	_, err := resolveVoiceProviders(config.Config{VoiceProvider: "bogus"})
	if err == nil {
		t.Fatalf("expected error for invalid PHONE_VOICE_PROVIDER")
	}
}
