package session

import "time"

// CreateRequest defines payload for creating a new session via the REST handshake.
type CreateRequest struct {
	UserID      string `json:"user_id"`
	Language    string `json:"language"`
	KidFriendly bool   `json:"kid_friendly"`
	ModelHint   string `json:"model_hint"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	Language        string    `json:"language"`
	KidFriendly     bool      `json:"kid_friendly"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
