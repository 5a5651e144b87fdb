package brain

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// MessageRequest is the normalized request sent to the LLM brain.
type MessageRequest struct {
	UserID        string   `json:"user_id"`
	SessionID     string   `json:"session_id"`
	TurnID        string   `json:"turn_id"`
	InputText     string   `json:"input_text"`
	MemoryContext []string `json:"memory_context,omitempty"`
	ModelID       string   `json:"model_id,omitempty"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
}

// MessageResponse is the final response after streaming deltas.
type MessageResponse struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Adapter bridges the pipeline engine with an LLM backend. This is the
// ExternalAdapters LLM.Generate contract: prompt in, cancellable streaming
// text chunks out.
type Adapter interface {
	StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error)
}

// Config controls adapter construction.
type Config struct {
	Mode              string
	HTTPURL           string
	CLIPath           string
	CLIThinking       string
	CLIStreaming      bool
	CLIStreamMinChars int
	HTTPStreamStrict  bool
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoAdapter(cfg), nil
	case "cli":
		if strings.TrimSpace(cfg.CLIPath) == "" {
			return nil, errors.New("brain CLI path is required for cli mode")
		}
		return NewCLIAdapter(cfg.CLIPath, cfg.CLIThinking, cfg.CLIStreaming, cfg.CLIStreamMinChars), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("brain HTTP url is required for http mode")
		}
		return NewHTTPAdapterWithOptions(cfg.HTTPURL, cfg.HTTPStreamStrict), nil
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported brain adapter mode %q", cfg.Mode)
	}
}

func newAutoAdapter(cfg Config) Adapter {
	primary := newPrimaryAdapter(cfg)
	fallback := NewMockAdapter()
	return NewFallbackAdapter(primary, fallback)
}

func newPrimaryAdapter(cfg Config) Adapter {
	cliPath := strings.TrimSpace(cfg.CLIPath)
	if cliPath != "" {
		if _, err := exec.LookPath(cliPath); err == nil {
			return NewCLIAdapter(cliPath, cfg.CLIThinking, cfg.CLIStreaming, cfg.CLIStreamMinChars)
		}
	}

	httpURL := strings.TrimSpace(cfg.HTTPURL)
	if httpURL != "" {
		return NewHTTPAdapterWithOptions(httpURL, cfg.HTTPStreamStrict)
	}

	return NewMockAdapter()
}
