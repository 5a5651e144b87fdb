package history

import (
	"context"
	"time"
)

// Session is the persisted record of one phone-call session.
type Session struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Language    string     `json:"language"`
	KidFriendly bool       `json:"kid_friendly"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Timings captures per-stage turn latency in integer milliseconds.
type Timings struct {
	STTMs int64 `json:"stt_ms"`
	LLMMs int64 `json:"llm_ms"`
	TTSMs int64 `json:"tts_ms"`
}

// Turn is the persisted record of one user utterance and the AI reply it
// triggered, whether completed or interrupted.
type Turn struct {
	ID               string    `json:"id"`
	SessionID        string    `json:"session_id"`
	UserID           string    `json:"user_id"`
	UserText         string    `json:"user_text"`
	AIText           string    `json:"ai_text"`
	Interrupted      bool      `json:"interrupted"`
	InterruptKind    string    `json:"interrupt_kind,omitempty"`
	PolicyRedirected bool      `json:"policy_redirected"`
	AudioChunks      int       `json:"audio_chunks"`
	AudioUnavailable bool      `json:"audio_unavailable"`
	Timings          Timings   `json:"timings"`
	CreatedAt        time.Time `json:"created_at"`
}

// SessionSummary is the lightweight row returned by GetHistory.
type SessionSummary struct {
	Session
	TurnCount int `json:"turn_count"`
}

// Store is the CallHistoryStore contract: append-only persistence of
// Sessions and Turns with query access. Implementations must make AppendTurn
// idempotent, keyed by Turn.ID, and must never block the live pipeline for
// more than the configured persist SLO.
type Store interface {
	BeginSession(ctx context.Context, session Session) error
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error
	AppendTurn(ctx context.Context, turn Turn) error
	GetHistory(ctx context.Context, userID string, limit int) ([]SessionSummary, error)
	GetTurn(ctx context.Context, turnID string) (Turn, error)
	SearchByText(ctx context.Context, userID, query string) ([]Turn, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
	RecentContext(ctx context.Context, userID string, limit int) ([]Turn, error)
	Close() error
}
